package tests

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careline/server/internal/auth"
	"github.com/careline/server/internal/dedup"
	"github.com/careline/server/internal/ehr"
	httpapi "github.com/careline/server/internal/http"
	"github.com/careline/server/internal/http/handlers"
	"github.com/careline/server/internal/httpclient"
	"github.com/careline/server/internal/model"
	"github.com/careline/server/internal/repo"
	"github.com/careline/server/internal/scheduler"
	"github.com/careline/server/internal/voice"
	"github.com/careline/server/internal/webhook"
)

const (
	operatorSecret = "test-operator-secret-at-least-32-chars"
	agentNumber    = "+14155550111"
	patientNumber  = "+14155550100"
)

const schedulingBody = `{
  "resourceType": "Bundle",
  "type": "collection",
  "entry": [
    {"resource": {"resourceType": "Patient", "id": "p-123",
                  "name": [{"given": ["Ana"], "family": "Ruiz"}],
                  "telecom": [{"system": "phone", "value": "+14155550100"}]}}
  ],
  "event": {
    "event": "call_analyzed",
    "call_id": "call_e2e",
    "to_number": "+14155550111",
    "from_number": "+14155550100",
    "transfer_attempted": false,
    "scheduled_callback_time": "2025-03-09T10:00:00Z",
    "summary": "Patient asked to be called back"
  }
}`

// fakeUpstreams serves the healthcare platform under /fhir and the voice platform under /voice
type fakeUpstreams struct {
	server *httptest.Server

	mu        sync.Mutex
	voiceFail bool
	calls     []map[string]any
}

func newFakeUpstreams(t *testing.T) *fakeUpstreams {
	t.Helper()
	f := &fakeUpstreams{}
	mux := http.NewServeMux()
	mux.HandleFunc("/fhir/Patient/p-123", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"resourceType":"Patient","id":"p-123",
			"name":[{"use":"official","given":["Ana"],"family":"Ruiz"}],
			"telecom":[{"system":"phone","value":"+14155550100"}],
			"birthDate":"1980-02-01"}`)
	})
	mux.HandleFunc("/fhir/Appointment", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"resourceType":"Bundle","type":"searchset","entry":[]}`)
	})
	mux.HandleFunc("/voice/v2/create-phone-call", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		f.mu.Lock()
		f.calls = append(f.calls, body)
		fail := f.voiceFail
		f.mu.Unlock()

		if fail {
			http.Error(w, `{"error":"agent unavailable"}`, http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, `{"call_id":"call_out_1","call_status":"registered"}`)
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeUpstreams) failVoice() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voiceFail = true
}

func (f *fakeUpstreams) placedCalls() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.calls...)
}

type e2eEnv struct {
	server    *httptest.Server
	db        *sql.DB
	scheduler *scheduler.Scheduler
	upstreams *fakeUpstreams
}

func newE2EEnv(t *testing.T) *e2eEnv {
	t.Helper()
	database := OpenTestDB(t)
	Reset(t, database)

	logger := zerolog.Nop()

	clients := repo.NewClientRepo(database)
	seedClient(t, clients, "cli_abc", "sk_xyz", true)
	tokens := auth.NewTokenService(clients, repo.NewTokenRepo(database), 24*time.Hour)
	t.Cleanup(tokens.Wait)

	up := newFakeUpstreams(t)
	ehrClient := ehr.NewClient(httpclient.New(up.server.URL+"/fhir/", "ehr_key", httpclient.WithMaxRetries(0)))
	dispatcher := voice.NewDispatcher(httpclient.New(up.server.URL+"/voice/", "voice_key", httpclient.WithMaxRetries(0)))

	profiles, err := voice.ParseProfiles(agentNumber + "=agent_1")
	require.NoError(t, err)

	validator, err := webhook.NewValidator()
	require.NoError(t, err)
	processor := webhook.NewProcessor(repo.NewEventStore(database), dedup.NewGuard(), ehrClient, ehrClient, profiles)

	// two minutes before the callback: the row falls inside [09:58, 10:03)
	clock := func() time.Time { return time.Date(2025, 3, 9, 9, 58, 0, 0, time.UTC) }
	sched := scheduler.New(repo.NewCallbackRepo(database), ehrClient, dispatcher, profiles, scheduler.WithClock(clock))

	router := httpapi.NewRouter(httpapi.Deps{
		Logger:    logger,
		Auth:      handlers.NewAuthHandler(tokens, logger),
		Webhook:   handlers.NewWebhookHandler(validator, processor, logger),
		Scheduler: handlers.NewSchedulerHandler(sched, logger),
		Health:    handlers.NewHealthHandler(func(ctx context.Context) error { return database.PingContext(ctx) }),
		Tokens:    tokens,
		Operator:  auth.NewJWTService(operatorSecret),
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &e2eEnv{server: server, db: database, scheduler: sched, upstreams: up}
}

func (e *e2eEnv) issueToken(t *testing.T) string {
	t.Helper()
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"cli_abc"},
		"client_secret": {"sk_xyz"},
	}
	resp, err := e.server.Client().PostForm(e.server.URL+"/oauth/token", form)
	require.NoError(t, err)
	raw := readBody(resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)

	var body struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &body))
	assert.Equal(t, "Bearer", body.TokenType)
	assert.Equal(t, 86400, body.ExpiresIn)
	require.True(t, auth.WellFormedToken(body.AccessToken))
	return body.AccessToken
}

func (e *e2eEnv) postWebhook(t *testing.T, token, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/webhook/scheduling", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (e *e2eEnv) callbacks(t *testing.T) []model.ScheduledCallback {
	t.Helper()
	rows, err := repo.NewCallbackRepo(e.db).List(context.Background(), "", 100)
	require.NoError(t, err)
	return rows
}

func TestE2E_WebhookToCallback(t *testing.T) {
	env := newE2EEnv(t)
	token := env.issueToken(t)

	t.Run("webhook without token is rejected", func(t *testing.T) {
		status, body := env.postWebhook(t, "", schedulingBody)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "missing authorization header", body["error"])
	})

	t.Run("redelivery schedules one callback", func(t *testing.T) {
		status, body := env.postWebhook(t, token, schedulingBody)
		require.Equal(t, http.StatusOK, status, "body: %v", body)
		assert.Equal(t, "scheduled", body["status"])

		status, body = env.postWebhook(t, token, schedulingBody)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "already_processed", body["status"])

		rows := env.callbacks(t)
		require.Len(t, rows, 1)
		assert.Equal(t, "p-123", rows[0].PatientID)
		assert.Equal(t, agentNumber, rows[0].AgentCallbackNumber)
		assert.Equal(t, model.CallbackPending, rows[0].Status)
		assert.True(t, rows[0].ScheduledTime.Equal(time.Date(2025, 3, 9, 10, 0, 0, 0, time.UTC)))
	})

	t.Run("cycle places the call", func(t *testing.T) {
		res, err := env.scheduler.RunCycle(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.Due)
		assert.Equal(t, 1, res.Completed)

		calls := env.upstreams.placedCalls()
		require.Len(t, calls, 1)
		assert.Equal(t, patientNumber, calls[0]["to_number"])
		assert.Equal(t, agentNumber, calls[0]["from_number"])
		assert.Equal(t, "agent_1", calls[0]["override_agent_id"])

		rows := env.callbacks(t)
		require.Len(t, rows, 1)
		assert.Equal(t, model.CallbackCompleted, rows[0].Status)
		assert.NotNil(t, rows[0].ProcessedAt)

		res, err = env.scheduler.RunCycle(context.Background())
		require.NoError(t, err)
		assert.Zero(t, res.Due, "a completed row is never picked again")
	})
}

func TestE2E_FailedDispatchIsRecorded(t *testing.T) {
	env := newE2EEnv(t)
	token := env.issueToken(t)
	env.upstreams.failVoice()

	status, body := env.postWebhook(t, token, schedulingBody)
	require.Equal(t, http.StatusOK, status, "body: %v", body)

	res, err := env.scheduler.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	rows := env.callbacks(t)
	require.Len(t, rows, 1)
	assert.Equal(t, model.CallbackFailed, rows[0].Status)
	require.NotNil(t, rows[0].ErrorMessage)
	assert.Contains(t, *rows[0].ErrorMessage, "400")
}

func TestE2E_OperatorRoutes(t *testing.T) {
	env := newE2EEnv(t)

	resp, err := env.server.Client().Get(env.server.URL + "/scheduler/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	operatorToken, err := auth.NewJWTService(operatorSecret).SignOperatorToken("oncall", time.Hour)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/scheduler/stats", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+operatorToken)
	resp, err = env.server.Client().Do(req)
	require.NoError(t, err)
	raw := readBody(resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)

	var stats model.CallbackStats
	require.NoError(t, json.Unmarshal([]byte(raw), &stats))
	assert.Zero(t, stats.Total)

	resp, err = env.server.Client().Get(env.server.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// readBody drains and closes the response body
func readBody(resp *http.Response) string {
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}
