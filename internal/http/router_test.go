package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careline/server/internal/auth"
	"github.com/careline/server/internal/http/handlers"
	"github.com/careline/server/internal/middleware"
	"github.com/careline/server/internal/model"
	"github.com/careline/server/internal/scheduler"
	"github.com/careline/server/internal/webhook"
)

type allowAll struct{}

func (allowAll) ValidateToken(context.Context, string) (model.ClientInfo, error) {
	return model.ClientInfo{ClientID: "cli_abc"}, nil
}

type denyAll struct{}

func (denyAll) ValidateToken(context.Context, string) (model.ClientInfo, error) {
	return model.ClientInfo{}, auth.ErrInvalidToken
}

type noopIssuer struct{}

func (noopIssuer) IssueToken(context.Context, string, string) (model.OAuthToken, error) {
	return model.OAuthToken{}, auth.ErrInvalidClient
}

type noopProcessor struct{}

func (noopProcessor) Process(_ context.Context, p webhook.Payload) (webhook.Result, error) {
	return webhook.Result{Status: webhook.OutcomeRecorded, CallID: p.Event.CallID}, nil
}

type idleScheduler struct{}

func (idleScheduler) Status() scheduler.Status { return scheduler.Status{IntervalMinutes: 5} }
func (idleScheduler) Stats(context.Context) (model.CallbackStats, error) {
	return model.CallbackStats{}, nil
}
func (idleScheduler) List(context.Context, model.CallbackStatus, int) ([]model.ScheduledCallback, error) {
	return nil, nil
}
func (idleScheduler) RunCycle(context.Context) (scheduler.CycleResult, error) {
	return scheduler.CycleResult{}, nil
}

const operatorSecret = "router-test-operator-secret-32-chars"

func newTestRouter(t *testing.T, tokens middleware.TokenValidator) http.Handler {
	t.Helper()
	v, err := webhook.NewValidator()
	require.NoError(t, err)
	logger := zerolog.Nop()
	return NewRouter(Deps{
		Logger:       logger,
		Auth:         handlers.NewAuthHandler(noopIssuer{}, logger),
		Webhook:      handlers.NewWebhookHandler(v, noopProcessor{}, logger),
		Scheduler:    handlers.NewSchedulerHandler(idleScheduler{}, logger),
		Health:       handlers.NewHealthHandler(nil),
		Tokens:       tokens,
		Operator:     auth.NewJWTService(operatorSecret),
		TokenLimiter: middleware.NewRateLimiter(time.Minute, 2),
		Metrics:      promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{}),
	})
}

func do(h http.Handler, method, target, bearer, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if strings.HasPrefix(body, "{") {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_PublicRoutes(t *testing.T) {
	r := newTestRouter(t, denyAll{})

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/health", "", "").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/health/ready", "", "").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/metrics", "", "").Code)
}

func TestRouter_WebhookRequiresToken(t *testing.T) {
	body := `{"resourceType":"Bundle","entry":[{"resource":{"resourceType":"Patient","id":"p-1"}}],"event":{"event":"call_ended","call_id":"c1"}}`

	denied := newTestRouter(t, denyAll{})
	assert.Equal(t, http.StatusUnauthorized, do(denied, http.MethodPost, "/webhook/scheduling", "6f1c4c1e-3b7a-4d7e-9c1a-2f4f0f6b7a11", body).Code)

	allowed := newTestRouter(t, allowAll{})
	rec := do(allowed, http.MethodPost, "/webhook/scheduling", "6f1c4c1e-3b7a-4d7e-9c1a-2f4f0f6b7a11", body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"recorded"`)
}

func TestRouter_SchedulerRequiresOperator(t *testing.T) {
	r := newTestRouter(t, allowAll{})

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/scheduler/status", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/scheduler/status", "6f1c4c1e-3b7a-4d7e-9c1a-2f4f0f6b7a11", "").Code,
		"webhook tokens do not open the introspection routes")

	signed, err := auth.NewJWTService(operatorSecret).SignOperatorToken("oncall", time.Hour)
	require.NoError(t, err)
	for _, path := range []string{"/scheduler/status", "/scheduler/stats", "/scheduler/callbacks"} {
		assert.Equal(t, http.StatusOK, do(r, http.MethodGet, path, signed, "").Code, path)
	}
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/scheduler/run", signed, "").Code)
}

func TestRouter_TokenEndpointIsRateLimited(t *testing.T) {
	r := newTestRouter(t, allowAll{})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodPost, "/oauth/token", "", `{"grant_type":"client_credentials","client_id":"a","client_secret":"b"}`).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, do(r, http.MethodPost, "/oauth/token", "", "").Code)
}
