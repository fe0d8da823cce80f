// Package httpclient is a small JSON-over-HTTP client with bearer auth and
// exponential-backoff retries, shared by the healthcare and voice platform clients.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

const (
	defaultTimeout    = 15 * time.Second
	defaultMaxRetries = 3
	defaultBaseDelay  = 500 * time.Millisecond
	maxRetryDelay     = 10 * time.Second
	maxErrorBody      = 2048
)

// StatusError is returned for non-2xx responses
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// Client calls a JSON API rooted at a base URL
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries uint64
	baseDelay  time.Duration
	logger     zerolog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithTimeout sets the per-attempt timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithMaxRetries sets how many times a retryable failure is retried
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = uint64(n)
		}
	}
}

// WithBaseDelay sets the first backoff delay
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.baseDelay = d
		}
	}
}

// WithHTTPClient replaces the underlying http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client for baseURL. apiKey is sent as a bearer token when non-empty.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// retryable mirrors the usual policy: network errors, 429 and 5xx are retried
func retryable(err error, statusCode int) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled)
	}
	return statusCode == http.StatusTooManyRequests || statusCode >= 500
}

// Do sends a JSON request and decodes a JSON response into out (if non-nil).
// Network errors, 429 and 5xx are retried, so use it only for idempotent requests.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	endpoint, payload, err := c.prepare(path, query, in)
	if err != nil {
		return err
	}

	backoff := retry.WithMaxRetries(c.maxRetries, retry.WithCappedDuration(maxRetryDelay, retry.NewExponential(c.baseDelay)))
	attempt := 0

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		again, err := c.send(ctx, method, endpoint, payload, out)
		if err != nil && again {
			c.logger.Warn().Err(err).Int("attempt", attempt).Str("url", endpoint).Msg("request failed, retrying")
			return retry.RetryableError(err)
		}
		return err
	})
}

// DoOnce sends a single attempt and never retries. Requests with side effects on
// the remote end (placing a call, writing a note) go through here: a timeout or
// 5xx may arrive after the action already happened.
func (c *Client) DoOnce(ctx context.Context, method, path string, query url.Values, in, out any) error {
	endpoint, payload, err := c.prepare(path, query, in)
	if err != nil {
		return err
	}
	_, err = c.send(ctx, method, endpoint, payload, out)
	return err
}

func (c *Client) prepare(path string, query url.Values, in any) (string, []byte, error) {
	endpoint := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	if in == nil {
		return endpoint, nil, nil
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return "", nil, fmt.Errorf("encode request: %w", err)
	}
	return endpoint, payload, nil
}

// send performs one attempt and reports whether its failure may be retried
func (c *Client) send(ctx context.Context, method, endpoint string, payload []byte, out any) (bool, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		err = fmt.Errorf("%s %s: %w", method, endpoint, err)
		return retryable(err, 0), err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := &StatusError{
			Method:     method,
			URL:        endpoint,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
		return retryable(nil, resp.StatusCode), statusErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return false, nil
}
