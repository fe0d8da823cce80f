package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/careline/server/internal/model"
)

// TokenRepo defines the interface for OAuth access token repository operations
type TokenRepo interface {
	Create(ctx context.Context, token model.OAuthToken) error
	FindValid(ctx context.Context, accessToken string, now time.Time) (model.ClientInfo, error)
	TouchLastUsed(ctx context.Context, accessToken string, at time.Time) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

type tokenRepo struct {
	db *sql.DB
}

// NewTokenRepo creates a new TokenRepo instance
func NewTokenRepo(db *sql.DB) TokenRepo {
	return &tokenRepo{db: db}
}

// Create inserts a newly issued access token
func (r *tokenRepo) Create(ctx context.Context, token model.OAuthToken) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO oauth_tokens (access_token, client_id, expires_at)
		VALUES ($1, $2, $3)
	`, token.AccessToken, token.ClientID, token.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert oauth token: %w", err)
	}
	return nil
}

// FindValid returns the owning client of a token that has not expired at now.
// Tokens of deactivated clients are treated as invalid.
func (r *tokenRepo) FindValid(ctx context.Context, accessToken string, now time.Time) (model.ClientInfo, error) {
	var info model.ClientInfo
	err := r.db.QueryRowContext(ctx, `
		SELECT t.client_id, c.name, t.expires_at
		FROM oauth_tokens t
		JOIN oauth_clients c ON c.client_id = t.client_id
		WHERE t.access_token = $1
		  AND t.expires_at > $2
		  AND c.is_active = TRUE
	`, accessToken, now).Scan(
		&info.ClientID,
		&info.Name,
		&info.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ClientInfo{}, fmt.Errorf("oauth token: %w", ErrNotFound)
		}
		return model.ClientInfo{}, fmt.Errorf("find oauth token: %w", err)
	}
	return info, nil
}

// TouchLastUsed records when the token was last presented
func (r *tokenRepo) TouchLastUsed(ctx context.Context, accessToken string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE oauth_tokens SET last_used_at = $2 WHERE access_token = $1
	`, accessToken, at)
	if err != nil {
		return fmt.Errorf("touch oauth token: %w", err)
	}
	return nil
}

// DeleteExpired removes tokens that expired before the given time and returns how many were removed
func (r *tokenRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM oauth_tokens WHERE expires_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired oauth tokens: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
