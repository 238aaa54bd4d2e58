package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fivetwenty-io/restquery/internal/constants"
)

// Static errors for err113 compliance.
var (
	ErrStaticTokenCannotRefresh = errors.New("static token cannot be refreshed")
	ErrTokenExpired             = errors.New("access token has expired")
	ErrNoTokenSource            = errors.New("no token source configured")
)

// TokenManager supplies access tokens to the HTTP transport.
type TokenManager interface {
	GetToken(ctx context.Context) (string, error)
	RefreshToken(ctx context.Context) error
	SetToken(token string, expiresAt time.Time)
}

// Token is an access token with an optional expiry.
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// Valid reports whether the token can still be used. Tokens that expire
// within TokenExpirationBuffer are treated as already expired.
func (t *Token) Valid() bool {
	if t == nil || t.AccessToken == "" {
		return false
	}

	if t.ExpiresAt.IsZero() {
		return true
	}

	return time.Now().Add(constants.TokenExpirationBuffer).Before(t.ExpiresAt)
}

// TokenStore guards a token for concurrent readers and writers.
type TokenStore struct {
	mutex sync.RWMutex
	token *Token
}

// NewTokenStore creates an empty store.
func NewTokenStore() *TokenStore {
	return &TokenStore{}
}

func (s *TokenStore) Get() *Token {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.token
}

func (s *TokenStore) Set(token *Token) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.token = token
}

func (s *TokenStore) Clear() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.token = nil
}

// StaticTokenManager hands out a fixed token.
type StaticTokenManager struct {
	store *TokenStore
}

// NewStaticTokenManager creates a manager for a pre-issued token.
func NewStaticTokenManager(token string) *StaticTokenManager {
	store := NewTokenStore()
	store.Set(&Token{AccessToken: token, TokenType: "bearer"})

	return &StaticTokenManager{store: store}
}

func (m *StaticTokenManager) GetToken(ctx context.Context) (string, error) {
	token := m.store.Get()
	if token == nil || token.AccessToken == "" {
		return "", nil
	}

	if !token.ExpiresAt.IsZero() && time.Now().After(token.ExpiresAt) {
		return "", ErrTokenExpired
	}

	return token.AccessToken, nil
}

func (m *StaticTokenManager) RefreshToken(ctx context.Context) error {
	return ErrStaticTokenCannotRefresh
}

func (m *StaticTokenManager) SetToken(token string, expiresAt time.Time) {
	m.store.Set(&Token{AccessToken: token, TokenType: "bearer", ExpiresAt: expiresAt})
}

// TokenSource fetches a new token, typically from an identity provider.
type TokenSource func(ctx context.Context) (*Token, error)

// RefreshingTokenManager caches tokens from a TokenSource and fetches a new
// one when the cached token is no longer valid.
type RefreshingTokenManager struct {
	source TokenSource
	store  *TokenStore
	mutex  sync.Mutex
}

// NewRefreshingTokenManager creates a manager backed by source.
func NewRefreshingTokenManager(source TokenSource) *RefreshingTokenManager {
	return &RefreshingTokenManager{
		source: source,
		store:  NewTokenStore(),
	}
}

func (m *RefreshingTokenManager) GetToken(ctx context.Context) (string, error) {
	if token := m.store.Get(); token.Valid() {
		return token.AccessToken, nil
	}

	err := m.RefreshToken(ctx)
	if err != nil {
		return "", err
	}

	return m.store.Get().AccessToken, nil
}

func (m *RefreshingTokenManager) RefreshToken(ctx context.Context) error {
	if m.source == nil {
		return ErrNoTokenSource
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	token, err := m.source(ctx)
	if err != nil {
		return err
	}

	if token == nil || token.AccessToken == "" {
		return ErrNoTokenSource
	}

	m.store.Set(token)

	return nil
}

func (m *RefreshingTokenManager) SetToken(token string, expiresAt time.Time) {
	m.store.Set(&Token{AccessToken: token, TokenType: "bearer", ExpiresAt: expiresAt})
}
