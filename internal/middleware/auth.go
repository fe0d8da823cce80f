package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/careline/server/internal/auth"
	"github.com/careline/server/internal/model"
)

type contextKey string

const (
	clientKey   contextKey = "client"
	operatorKey contextKey = "operator"
)

// TokenValidator resolves an opaque bearer token to its client
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (model.ClientInfo, error)
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
// It returns an error message suitable for the response body when the header is unusable.
func bearerToken(r *http.Request) (string, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", "missing authorization header"
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", "invalid authorization header format"
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", "missing token"
	}
	return token, ""
}

// WebhookAuth validates the OAuth bearer token of inbound webhook calls and
// attaches the client to the context. Store failures answer 503 and never pass
// the request through.
func WebhookAuth(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, problem := bearerToken(r)
			if problem != "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="careline"`)
				respondWithError(w, http.StatusUnauthorized, problem)
				return
			}

			client, err := validator.ValidateToken(r.Context(), token)
			if err != nil {
				if errors.Is(err, auth.ErrStoreUnavailable) {
					respondWithError(w, http.StatusServiceUnavailable, "temporarily_unavailable")
					return
				}
				w.Header().Set("WWW-Authenticate", `Bearer realm="careline", error="invalid_token"`)
				respondWithError(w, http.StatusUnauthorized, "invalid_token")
				return
			}

			ctx := context.WithValue(r.Context(), clientKey, client)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorAuth requires an operator JWT on the introspection routes
func OperatorAuth(jwtService *auth.JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, problem := bearerToken(r)
			if problem != "" {
				respondWithError(w, http.StatusUnauthorized, problem)
				return
			}

			claims, err := jwtService.VerifyOperatorToken(token)
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), operatorKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClient returns the OAuth client attached by WebhookAuth
func GetClient(ctx context.Context) (model.ClientInfo, bool) {
	c, ok := ctx.Value(clientKey).(model.ClientInfo)
	return c, ok
}

// GetOperator returns the operator subject attached by OperatorAuth
func GetOperator(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(operatorKey).(string)
	return s, ok
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"error": message}
	_ = json.NewEncoder(w).Encode(response)
}
