package restquery

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// CacheJanitor periodically removes expired entries from caches that
// implement Cleaner.
type CacheJanitor struct {
	scheduler *cron.Cron
	caches    []Cache
	logger    Logger
}

// NewCacheJanitor schedules cleanup of caches. The schedule is either a
// duration such as "1m" or a five-field cron expression.
func NewCacheJanitor(schedule string, logger Logger, caches ...Cache) (*CacheJanitor, error) {
	spec, err := janitorSpec(schedule)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = NopLogger()
	}

	janitor := &CacheJanitor{
		scheduler: cron.New(),
		caches:    caches,
		logger:    logger,
	}

	_, err = janitor.scheduler.AddFunc(spec, janitor.RunNow)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCleanupInterval, err)
	}

	return janitor, nil
}

func janitorSpec(schedule string) (string, error) {
	interval, err := time.ParseDuration(schedule)
	if err == nil {
		if interval <= 0 {
			return "", fmt.Errorf("%w: %s", ErrInvalidCleanupInterval, schedule)
		}

		return "@every " + interval.String(), nil
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	_, err = parser.Parse(schedule)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidCleanupInterval, schedule)
	}

	return schedule, nil
}

// Start begins the schedule.
func (j *CacheJanitor) Start() {
	j.scheduler.Start()
}

// Stop halts the schedule and waits for a running cleanup to finish.
func (j *CacheJanitor) Stop() error {
	<-j.scheduler.Stop().Done()

	return nil
}

// RunNow cleans every cache immediately.
func (j *CacheJanitor) RunNow() {
	for _, cache := range j.caches {
		cleaner, ok := cache.(Cleaner)
		if !ok {
			continue
		}

		cleaner.Cleanup()
	}

	j.logger.Debug("Cache cleanup completed", map[string]interface{}{
		"caches": len(j.caches),
	})
}
