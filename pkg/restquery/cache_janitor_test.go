package restquery_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fivetwenty-io/restquery/pkg/restquery"
)

type recordingLogger struct {
	mutex    sync.Mutex
	messages []string
}

func (l *recordingLogger) record(msg string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.messages = append(l.messages, msg)
}

func (l *recordingLogger) Messages() []string {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return append([]string(nil), l.messages...)
}

func (l *recordingLogger) Debug(msg string, _ map[string]interface{}) { l.record(msg) }
func (l *recordingLogger) Info(msg string, _ map[string]interface{})  { l.record(msg) }
func (l *recordingLogger) Warn(msg string, _ map[string]interface{})  { l.record(msg) }
func (l *recordingLogger) Error(msg string, _ map[string]interface{}) { l.record(msg) }

func TestCacheJanitor_RunNow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	memory := restquery.NewMemoryCache(10)
	logger := &recordingLogger{}

	require.NoError(t, memory.Set(ctx, "stale", expiredEntry("x")))
	require.NoError(t, memory.Set(ctx, "fresh", freshEntry("y")))

	janitor, err := restquery.NewCacheJanitor("1m", logger, memory, restquery.NewNoOpCache())
	require.NoError(t, err)

	janitor.RunNow()

	assert.Equal(t, 1, memory.Len())
	assert.Contains(t, logger.Messages(), "Cache cleanup completed")
}

func TestCacheJanitor_Schedule(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	memory := restquery.NewMemoryCache(10)

	require.NoError(t, memory.Set(ctx, "stale", expiredEntry("x")))

	janitor, err := restquery.NewCacheJanitor("1s", nil, memory)
	require.NoError(t, err)

	janitor.Start()
	t.Cleanup(func() { _ = janitor.Stop() })

	assert.Eventually(t, func() bool {
		return memory.Len() == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestCacheJanitor_Specs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		schedule    string
		expectError bool
	}{
		{schedule: "30s"},
		{schedule: "*/5 * * * *"},
		{schedule: "0 3 * * 1"},
		{schedule: "0s", expectError: true},
		{schedule: "-1m", expectError: true},
		{schedule: "whenever", expectError: true},
		{schedule: "* * *", expectError: true},
	}

	for _, test := range tests {
		t.Run(test.schedule, func(t *testing.T) {
			t.Parallel()

			_, err := restquery.NewCacheJanitor(test.schedule, nil)
			if test.expectError {
				assert.ErrorIs(t, err, restquery.ErrInvalidCleanupInterval)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
