package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careline/server/internal/metrics"
	"github.com/careline/server/internal/model"
	"github.com/careline/server/internal/repo"
)

const (
	// DefaultTokenTTL is the lifetime of an issued access token
	DefaultTokenTTL = 24 * time.Hour

	touchTimeout = 5 * time.Second
)

// TokenService issues opaque bearer tokens for registered clients and validates them on inbound webhooks
type TokenService struct {
	clients repo.ClientRepo
	tokens  repo.TokenRepo
	ttl     time.Duration
	logger  zerolog.Logger
	metrics *metrics.Metrics

	now      func() time.Time
	newToken func() string

	touches sync.WaitGroup
}

// Option configures a TokenService
type Option func(*TokenService)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *TokenService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetrics records issuance and validation failures
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *TokenService) { s.metrics = m }
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *TokenService) { s.logger = logger.With().Str("component", "auth").Logger() }
}

// NewTokenService creates a new token service. A non-positive ttl falls back to DefaultTokenTTL.
func NewTokenService(clients repo.ClientRepo, tokens repo.TokenRepo, ttl time.Duration, opts ...Option) *TokenService {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	s := &TokenService{
		clients:  clients,
		tokens:   tokens,
		ttl:      ttl,
		logger:   zerolog.Nop(),
		now:      time.Now,
		newToken: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the lifetime given to new tokens
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}

// IssueToken authenticates a client by id and secret and stores a fresh token for it.
// Every successful call creates a new token; earlier tokens stay valid until they expire.
func (s *TokenService) IssueToken(ctx context.Context, clientID, clientSecret string) (model.OAuthToken, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" || clientSecret == "" {
		s.metrics.AuthFailure("invalid_request")
		return model.OAuthToken{}, ErrInvalidRequest
	}

	client, err := s.clients.GetActive(ctx, clientID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.metrics.AuthFailure("invalid_client")
			return model.OAuthToken{}, ErrInvalidClient
		}
		s.logger.Error().Err(err).Str("client_id", clientID).Msg("client lookup failed")
		return model.OAuthToken{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if !secretMatches(clientSecret, client.ClientSecretHash) {
		s.metrics.AuthFailure("invalid_client")
		s.logger.Warn().Str("client_id", clientID).Msg("client secret mismatch")
		return model.OAuthToken{}, ErrInvalidClient
	}

	now := s.now()
	token := model.OAuthToken{
		AccessToken: s.newToken(),
		ClientID:    client.ClientID,
		ExpiresAt:   now.Add(s.ttl),
		CreatedAt:   now,
	}
	if err := s.tokens.Create(ctx, token); err != nil {
		s.logger.Error().Err(err).Str("client_id", clientID).Msg("token insert failed")
		return model.OAuthToken{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.metrics.TokenIssued()
	s.logger.Info().Str("client_id", clientID).Time("expires_at", token.ExpiresAt).Msg("access token issued")
	return token, nil
}

// ValidateToken resolves a bearer token to its client.
// Malformed tokens are rejected without a store lookup. Any store failure yields
// ErrStoreUnavailable and never a client, so callers always fail closed.
func (s *TokenService) ValidateToken(ctx context.Context, token string) (model.ClientInfo, error) {
	if !WellFormedToken(token) {
		s.metrics.AuthFailure("malformed_token")
		return model.ClientInfo{}, ErrInvalidToken
	}

	now := s.now()
	info, err := s.tokens.FindValid(ctx, token, now)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.metrics.AuthFailure("invalid_token")
			return model.ClientInfo{}, ErrInvalidToken
		}
		s.metrics.AuthFailure("store_unavailable")
		s.logger.Error().Err(err).Msg("token lookup failed")
		return model.ClientInfo{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.touchLastUsed(ctx, token, now)
	return info, nil
}

// touchLastUsed updates last_used_at in the background. Failures are logged and dropped.
func (s *TokenService) touchLastUsed(ctx context.Context, token string, at time.Time) {
	s.touches.Add(1)
	go func() {
		defer s.touches.Done()
		touchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), touchTimeout)
		defer cancel()
		if err := s.tokens.TouchLastUsed(touchCtx, token, at); err != nil {
			s.logger.Warn().Err(err).Msg("failed to update token last_used_at")
		}
	}()
}

// Wait blocks until pending last_used_at updates finish
func (s *TokenService) Wait() {
	s.touches.Wait()
}

// SweepExpired deletes tokens that expired more than grace ago
func (s *TokenService) SweepExpired(ctx context.Context, grace time.Duration) (int64, error) {
	n, err := s.tokens.DeleteExpired(ctx, s.now().Add(-grace))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info().Int64("deleted", n).Msg("expired tokens swept")
	}
	return n, nil
}
