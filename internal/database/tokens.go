package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/maltedev/vendor-feeds/internal/models"
)

// TokenStore keeps the single OAuth token row (id = 1).
type TokenStore struct {
	db *DB
}

func NewTokenStore(db *DB) *TokenStore {
	return &TokenStore{db: db}
}

// LoadToken returns nil, nil when no token was ever stored.
func (s *TokenStore) LoadToken(ctx context.Context) (*models.TokenState, error) {
	var (
		t         models.TokenState
		expiresAt *time.Time
	)
	err := s.db.pool.QueryRow(ctx, `
		SELECT COALESCE(access_token, ''), refresh_token, expires_at
		FROM oauth_token
		WHERE id = 1`).Scan(&t.AccessToken, &t.RefreshToken, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	if expiresAt != nil {
		t.ExpiresAt = *expiresAt
	}
	return &t, nil
}

func (s *TokenStore) SaveToken(ctx context.Context, t *models.TokenState) error {
	var expiresAt *time.Time
	if !t.ExpiresAt.IsZero() {
		expiresAt = &t.ExpiresAt
	}

	_, err := s.db.pool.Exec(ctx, `
		INSERT INTO oauth_token (id, access_token, refresh_token, expires_at, updated_at)
		VALUES (1, $1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE
		SET access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()`,
		t.AccessToken, t.RefreshToken, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}
