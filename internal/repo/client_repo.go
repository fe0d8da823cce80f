package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/careline/server/internal/model"
)

// ClientRepo defines the interface for OAuth client repository operations
type ClientRepo interface {
	Create(ctx context.Context, client model.OAuthClient) error
	GetActive(ctx context.Context, clientID string) (model.OAuthClient, error)
}

type clientRepo struct {
	db *sql.DB
}

// NewClientRepo creates a new ClientRepo instance
func NewClientRepo(db *sql.DB) ClientRepo {
	return &clientRepo{db: db}
}

// Create registers a client. Used by out-of-band provisioning only.
func (r *clientRepo) Create(ctx context.Context, client model.OAuthClient) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO oauth_clients (client_id, client_secret_hash, name, is_active)
		VALUES ($1, $2, $3, $4)
	`, client.ClientID, client.ClientSecretHash, client.Name, client.IsActive)
	if err != nil {
		return fmt.Errorf("insert oauth client: %w", err)
	}
	return nil
}

// GetActive returns the client if it exists and is active
func (r *clientRepo) GetActive(ctx context.Context, clientID string) (model.OAuthClient, error) {
	var c model.OAuthClient
	err := r.db.QueryRowContext(ctx, `
		SELECT client_id, client_secret_hash, name, is_active, created_at
		FROM oauth_clients
		WHERE client_id = $1 AND is_active = TRUE
	`, clientID).Scan(
		&c.ClientID,
		&c.ClientSecretHash,
		&c.Name,
		&c.IsActive,
		&c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.OAuthClient{}, fmt.Errorf("oauth client %q: %w", clientID, ErrNotFound)
		}
		return model.OAuthClient{}, fmt.Errorf("query oauth client: %w", err)
	}
	return c, nil
}
