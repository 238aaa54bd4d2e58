package auth_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fivetwenty-io/restquery/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errSourceDown = errors.New("identity provider unavailable")

func TestToken_Valid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		token    *auth.Token
		expected bool
	}{
		{
			name:     "nil token",
			token:    nil,
			expected: false,
		},
		{
			name:     "empty access token",
			token:    &auth.Token{AccessToken: ""},
			expected: false,
		},
		{
			name:     "valid token without expiry",
			token:    &auth.Token{AccessToken: "test-token"},
			expected: true,
		},
		{
			name: "expired token",
			token: &auth.Token{
				AccessToken: "test-token",
				ExpiresAt:   time.Now().Add(-1 * time.Hour),
			},
			expected: false,
		},
		{
			name: "token expiring within buffer",
			token: &auth.Token{
				AccessToken: "test-token",
				ExpiresAt:   time.Now().Add(15 * time.Second),
			},
			expected: false,
		},
		{
			name: "token expiring just outside buffer",
			token: &auth.Token{
				AccessToken: "test-token",
				ExpiresAt:   time.Now().Add(35 * time.Second),
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, tt.token.Valid())
		})
	}
}

func TestTokenStore(t *testing.T) {
	t.Parallel()

	store := auth.NewTokenStore()
	assert.Nil(t, store.Get())

	store.Set(&auth.Token{AccessToken: "test-token", TokenType: "bearer"})
	require.NotNil(t, store.Get())
	assert.Equal(t, "test-token", store.Get().AccessToken)

	store.Clear()
	assert.Nil(t, store.Get())
}

func TestTokenStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	store := auth.NewTokenStore()
	done := make(chan bool)

	for _, value := range []string{"token-1", "token-2"} {
		go func() {
			for range 100 {
				store.Set(&auth.Token{AccessToken: value})
			}

			done <- true
		}()
	}

	for range 2 {
		go func() {
			for range 100 {
				_ = store.Get()
			}

			done <- true
		}()
	}

	for range 4 {
		<-done
	}

	finalToken := store.Get()
	require.NotNil(t, finalToken)
	assert.Contains(t, []string{"token-1", "token-2"}, finalToken.AccessToken)
}

func TestStaticTokenManager(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("returns configured token", func(t *testing.T) {
		t.Parallel()

		manager := auth.NewStaticTokenManager("static-token")
		token, err := manager.GetToken(ctx)
		require.NoError(t, err)
		assert.Equal(t, "static-token", token)
	})

	t.Run("empty token means anonymous", func(t *testing.T) {
		t.Parallel()

		manager := auth.NewStaticTokenManager("")
		token, err := manager.GetToken(ctx)
		require.NoError(t, err)
		assert.Empty(t, token)
	})

	t.Run("cannot refresh", func(t *testing.T) {
		t.Parallel()

		manager := auth.NewStaticTokenManager("static-token")
		assert.ErrorIs(t, manager.RefreshToken(ctx), auth.ErrStaticTokenCannotRefresh)
	})

	t.Run("expired token is rejected", func(t *testing.T) {
		t.Parallel()

		manager := auth.NewStaticTokenManager("static-token")
		manager.SetToken("old-token", time.Now().Add(-time.Minute))

		_, err := manager.GetToken(ctx)
		assert.ErrorIs(t, err, auth.ErrTokenExpired)
	})
}

func TestRefreshingTokenManager(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("fetches once while token is valid", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32

		manager := auth.NewRefreshingTokenManager(func(ctx context.Context) (*auth.Token, error) {
			calls.Add(1)

			return &auth.Token{AccessToken: "fresh-token", ExpiresAt: time.Now().Add(time.Hour)}, nil
		})

		for range 3 {
			token, err := manager.GetToken(ctx)
			require.NoError(t, err)
			assert.Equal(t, "fresh-token", token)
		}

		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("refetches expired token", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32

		manager := auth.NewRefreshingTokenManager(func(ctx context.Context) (*auth.Token, error) {
			calls.Add(1)

			return &auth.Token{AccessToken: "fresh-token", ExpiresAt: time.Now().Add(time.Hour)}, nil
		})
		manager.SetToken("stale-token", time.Now().Add(time.Second))

		token, err := manager.GetToken(ctx)
		require.NoError(t, err)
		assert.Equal(t, "fresh-token", token)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("propagates source errors", func(t *testing.T) {
		t.Parallel()

		manager := auth.NewRefreshingTokenManager(func(ctx context.Context) (*auth.Token, error) {
			return nil, errSourceDown
		})

		_, err := manager.GetToken(ctx)
		assert.ErrorIs(t, err, errSourceDown)
	})

	t.Run("nil source", func(t *testing.T) {
		t.Parallel()

		manager := auth.NewRefreshingTokenManager(nil)
		assert.ErrorIs(t, manager.RefreshToken(ctx), auth.ErrNoTokenSource)
	})
}
