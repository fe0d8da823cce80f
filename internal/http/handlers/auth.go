package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/careline/server/internal/auth"
	"github.com/careline/server/internal/model"
)

const maxTokenRequestBytes = 16 << 10

// TokenIssuer issues access tokens for the client_credentials grant
type TokenIssuer interface {
	IssueToken(ctx context.Context, clientID, clientSecret string) (model.OAuthToken, error)
}

// AuthHandler serves the OAuth token endpoint
type AuthHandler struct {
	issuer TokenIssuer
	logger zerolog.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(issuer TokenIssuer, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		issuer: issuer,
		logger: logger.With().Str("handler", "oauth").Logger(),
	}
}

// tokenRequest is the body of POST /oauth/token (JSON or form encoded)
type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// tokenResponse is the successful token response (RFC 6749 §5.1)
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// oauthError is the error response of the token endpoint (RFC 6749 §5.2)
type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func respondOAuthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, status, oauthError{Error: code, ErrorDescription: description})
}

// HandleToken handles POST /oauth/token
func (h *AuthHandler) HandleToken(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxTokenRequestBytes)

	req, err := decodeTokenRequest(r)
	if err != nil {
		respondOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}

	usedBasic := false
	if id, secret, ok := r.BasicAuth(); ok {
		if req.ClientID != "" && req.ClientID != id {
			respondOAuthError(w, http.StatusBadRequest, "invalid_request", "client_id in body does not match basic credentials")
			return
		}
		req.ClientID, req.ClientSecret = id, secret
		usedBasic = true
	}

	switch req.GrantType {
	case "":
		respondOAuthError(w, http.StatusBadRequest, "invalid_request", "grant_type is required")
		return
	case "client_credentials":
	default:
		respondOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "only client_credentials is supported")
		return
	}

	token, err := h.issuer.IssueToken(r.Context(), req.ClientID, req.ClientSecret)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidRequest):
			respondOAuthError(w, http.StatusBadRequest, "invalid_request", "client_id and client_secret are required")
		case errors.Is(err, auth.ErrInvalidClient):
			if usedBasic {
				w.Header().Set("WWW-Authenticate", `Basic realm="careline"`)
			}
			respondOAuthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		case errors.Is(err, auth.ErrStoreUnavailable):
			respondOAuthError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "")
		default:
			h.logger.Error().Err(err).Msg("token issuance failed")
			respondOAuthError(w, http.StatusInternalServerError, "server_error", "")
		}
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	respondJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(token.ExpiresAt.Sub(token.CreatedAt).Round(time.Second) / time.Second),
	})
}

// decodeTokenRequest reads a JSON body, or a form body for any other content type
func decodeTokenRequest(r *http.Request) (tokenRequest, error) {
	var req tokenRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return tokenRequest{}, err
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return tokenRequest{}, err
		}
		req.GrantType = r.PostForm.Get("grant_type")
		req.ClientID = r.PostForm.Get("client_id")
		req.ClientSecret = r.PostForm.Get("client_secret")
	}
	req.GrantType = strings.TrimSpace(req.GrantType)
	req.ClientID = strings.TrimSpace(req.ClientID)
	return req, nil
}
