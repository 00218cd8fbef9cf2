package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/maltedev/vendor-feeds/internal/models"
	"golang.org/x/oauth2"
)

var (
	ErrRefreshFailed = errors.New("access token refresh failed")
	ErrNoToken       = errors.New("no stored token")
)

// RefreshMargin is how close to expiry a token may get before it is renewed.
const RefreshMargin = 5 * time.Minute

type TokenStore interface {
	LoadToken(ctx context.Context) (*models.TokenState, error)
	SaveToken(ctx context.Context, token *models.TokenState) error
}

type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// Manager hands out access tokens, renewing them through the refresh-token
// grant when they are near expiry. The store is the source of truth; the
// manager keeps no token in memory.
type Manager struct {
	store  TokenStore
	oauth  *oauth2.Config
	client *http.Client
	now    func() time.Time
	logger *slog.Logger

	mu sync.Mutex
}

type Option func(*Manager)

func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(cfg Config, store TokenStore, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		store: store,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client: &http.Client{Timeout: 30 * time.Second},
		now:    time.Now,
		logger: logger.With("component", "token_manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AccessToken returns a token valid for at least RefreshMargin.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.store.LoadToken(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load token: %w", err)
	}
	if state == nil || state.RefreshToken == "" {
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, ErrNoToken)
	}

	if state.ValidFor(m.now(), RefreshMargin) {
		return state.AccessToken, nil
	}

	refreshed, err := m.refresh(ctx, state.RefreshToken)
	if err != nil {
		return "", err
	}

	if err := m.store.SaveToken(ctx, refreshed); err != nil {
		return "", fmt.Errorf("%w: failed to persist token: %w", ErrRefreshFailed, err)
	}

	m.logger.Info("access token refreshed", "expires_at", refreshed.ExpiresAt)
	return refreshed.AccessToken, nil
}

// Seed stores refreshToken as the initial credential when none exists yet.
// An existing row is left untouched.
func (m *Manager) Seed(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.store.LoadToken(ctx)
	if err != nil {
		return fmt.Errorf("failed to load token: %w", err)
	}
	if state != nil && state.RefreshToken != "" {
		return nil
	}

	m.logger.Info("seeding refresh token")
	return m.store.SaveToken(ctx, &models.TokenState{RefreshToken: refreshToken})
}

func (m *Manager) refresh(ctx context.Context, refreshToken string) (*models.TokenState, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)

	src := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		m.logger.Error("token refresh failed", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", ErrRefreshFailed)
	}

	next := &models.TokenState{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = refreshToken
	}
	if next.ExpiresAt.IsZero() {
		next.ExpiresAt = m.now().Add(time.Hour)
	}
	return next, nil
}
