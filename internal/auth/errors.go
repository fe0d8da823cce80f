package auth

import "errors"

var (
	// ErrInvalidRequest means the token request is missing parameters or uses an unsupported grant
	ErrInvalidRequest = errors.New("invalid_request")
	// ErrInvalidClient means the client id/secret pair did not authenticate
	ErrInvalidClient = errors.New("invalid_client")
	// ErrInvalidToken means the bearer token is malformed, unknown or expired
	ErrInvalidToken = errors.New("invalid_token")
	// ErrStoreUnavailable means the token store could not be consulted; callers must fail closed
	ErrStoreUnavailable = errors.New("temporarily_unavailable")
)
