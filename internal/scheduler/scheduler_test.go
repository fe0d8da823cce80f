package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careline/server/internal/dedup"
	"github.com/careline/server/internal/metrics"
	"github.com/careline/server/internal/model"
	"github.com/careline/server/internal/repo"
	"github.com/careline/server/internal/voice"
)

var t0 = time.Date(2025, 3, 9, 10, 0, 0, 0, time.UTC)

type memStore struct {
	mu      sync.Mutex
	rows    map[int64]*model.ScheduledCallback
	windows []model.Window
	listErr error
	// stray rows are returned by ListDue regardless of the window
	stray []model.ScheduledCallback
}

func newMemStore(rows ...model.ScheduledCallback) *memStore {
	s := &memStore{rows: map[int64]*model.ScheduledCallback{}}
	for i := range rows {
		cb := rows[i]
		if cb.Status == "" {
			cb.Status = model.CallbackPending
		}
		s.rows[cb.ID] = &cb
	}
	return s
}

func (s *memStore) ListDue(_ context.Context, w model.Window) ([]model.ScheduledCallback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = append(s.windows, w)
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []model.ScheduledCallback
	for _, cb := range s.rows {
		if cb.Status == model.CallbackPending && w.Contains(cb.ScheduledTime) {
			out = append(out, *cb)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledTime.Equal(out[j].ScheduledTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledTime.Before(out[j].ScheduledTime)
	})
	return append(out, s.stray...), nil
}

func (s *memStore) transition(id int64, status model.CallbackStatus, at time.Time, msg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.rows[id]
	if !ok || cb.Status != model.CallbackPending {
		return repo.ErrNotPending
	}
	cb.Status = status
	cb.ProcessedAt = &at
	cb.ErrorMessage = msg
	return nil
}

func (s *memStore) MarkCompleted(_ context.Context, id int64, at time.Time) error {
	return s.transition(id, model.CallbackCompleted, at, nil)
}

func (s *memStore) MarkFailed(_ context.Context, id int64, at time.Time, message string) error {
	return s.transition(id, model.CallbackFailed, at, &message)
}

func (s *memStore) List(_ context.Context, status model.CallbackStatus, _ int) ([]model.ScheduledCallback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ScheduledCallback
	for _, cb := range s.rows {
		if status == "" || cb.Status == status {
			out = append(out, *cb)
		}
	}
	return out, nil
}

func (s *memStore) Stats(_ context.Context, next model.Window) (model.CallbackStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st model.CallbackStats
	for _, cb := range s.rows {
		st.Total++
		switch cb.Status {
		case model.CallbackPending:
			st.Pending++
			if next.Contains(cb.ScheduledTime) {
				st.NextWindow++
			}
		case model.CallbackCompleted:
			st.Completed++
		case model.CallbackFailed:
			st.Failed++
		}
	}
	return st, nil
}

func (s *memStore) row(id int64) model.ScheduledCallback {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.rows[id]
}

func (s *memStore) listCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

type fakeLookup struct {
	patients   map[string]model.Patient
	appts      map[string]*model.Appointment
	patientErr error
	apptErr    error
}

func (f *fakeLookup) GetPatient(_ context.Context, id string) (model.Patient, error) {
	if f.patientErr != nil {
		return model.Patient{}, f.patientErr
	}
	p, ok := f.patients[id]
	if !ok {
		return model.Patient{}, errors.New("patient not found")
	}
	return p, nil
}

func (f *fakeLookup) LatestAppointment(_ context.Context, patientID string) (*model.Appointment, error) {
	if f.apptErr != nil {
		return nil, f.apptErr
	}
	return f.appts[patientID], nil
}

type fakeDispatcher struct {
	mu      sync.Mutex
	calls   []voice.CallRequest
	failFor map[string]error
	block   chan struct{}
	started chan struct{}
	panics  bool
}

func (f *fakeDispatcher) PlaceCall(_ context.Context, req voice.CallRequest) (voice.CallResult, error) {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if f.panics {
		panic("dispatcher exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if err := f.failFor[req.Variables["patient_id"]]; err != nil {
		return voice.CallResult{}, err
	}
	return voice.CallResult{CallID: "call_out_" + req.Variables["patient_id"], Status: "registered"}, nil
}

func (f *fakeDispatcher) patientIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, c := range f.calls {
		ids = append(ids, c.Variables["patient_id"])
	}
	return ids
}

const agentNumber = "+14155550111"

func testProfiles(t *testing.T) *voice.Profiles {
	t.Helper()
	p, err := voice.ParseProfiles(agentNumber + "=agent_intake@+14155550199")
	require.NoError(t, err)
	return p
}

func testLookup() *fakeLookup {
	return &fakeLookup{
		patients: map[string]model.Patient{
			"p-1": {ID: "p-1", FirstName: "Ana", LastName: "Ruiz", Phone: "+14155550100"},
			"p-2": {ID: "p-2", FirstName: "Bo", LastName: "Ng", Phone: "+14155550101"},
			"p-3": {ID: "p-3", FirstName: "Cy", LastName: "Oz", Phone: "+14155550102"},
		},
		appts: map[string]*model.Appointment{
			"p-1": {ID: "a-1", Status: "booked", Start: time.Date(2025, 3, 12, 16, 30, 0, 0, time.UTC), ProviderName: "Dr. Rivera"},
		},
	}
}

func newTestScheduler(t *testing.T, store *memStore, lookup *fakeLookup, d *fakeDispatcher) *Scheduler {
	t.Helper()
	return New(store, lookup, d, testProfiles(t), WithClock(func() time.Time { return t0 }))
}

func pending(id int64, patientID string, at time.Time) model.ScheduledCallback {
	return model.ScheduledCallback{ID: id, PatientID: patientID, AgentCallbackNumber: agentNumber, ScheduledTime: at}
}

func TestRunCycle_HalfOpenWindow(t *testing.T) {
	store := newMemStore(
		pending(1, "p-1", t0),
		pending(2, "p-2", t0.Add(DefaultInterval-time.Microsecond)),
		pending(3, "p-3", t0.Add(DefaultInterval)),
		pending(4, "p-3", t0.Add(DefaultInterval+time.Microsecond)),
		pending(5, "p-3", t0.Add(-time.Microsecond)),
	)
	d := &fakeDispatcher{}
	s := newTestScheduler(t, store, testLookup(), d)

	res, err := s.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.Window{Start: t0, End: t0.Add(DefaultInterval)}, res.Window)
	assert.Equal(t, 2, res.Due)
	assert.Equal(t, 2, res.Completed)
	assert.Equal(t, []string{"p-1", "p-2"}, d.patientIDs())

	assert.Equal(t, model.CallbackCompleted, store.row(1).Status)
	assert.Equal(t, model.CallbackCompleted, store.row(2).Status)
	for _, id := range []int64{3, 4, 5} {
		assert.Equal(t, model.CallbackPending, store.row(id).Status, "row %d", id)
	}
}

func TestRunCycle_CompletesRow(t *testing.T) {
	store := newMemStore(pending(1, "p-1", t0.Add(time.Minute)))
	d := &fakeDispatcher{}
	s := newTestScheduler(t, store, testLookup(), d)

	_, err := s.RunCycle(context.Background())
	require.NoError(t, err)

	row := store.row(1)
	assert.Equal(t, model.CallbackCompleted, row.Status)
	require.NotNil(t, row.ProcessedAt)
	assert.Equal(t, t0, *row.ProcessedAt)
	assert.Nil(t, row.ErrorMessage)

	require.Len(t, d.calls, 1)
	call := d.calls[0]
	assert.Equal(t, "+14155550100", call.ToNumber)
	assert.Equal(t, "+14155550199", call.FromNumber)
	assert.Equal(t, "agent_intake", call.AgentID)
	assert.Equal(t, "Ana Ruiz", call.Variables["patient_name"])
	assert.Equal(t, "Dr. Rivera", call.Variables["provider_name"])
	assert.Equal(t, "Wednesday, March 12, 2025", call.Variables["appointment_date"])
	assert.Equal(t, "9:30 AM", call.Variables["appointment_time"])
	assert.Equal(t, "Sunday, March 9 at 3:01 AM", call.Variables["callback_scheduled_time"])
}

func TestRunCycle_FailuresAreIsolatedPerRow(t *testing.T) {
	store := newMemStore(
		pending(1, "p-1", t0.Add(1*time.Minute)),
		pending(2, "p-2", t0.Add(2*time.Minute)),
		pending(3, "p-3", t0.Add(3*time.Minute)),
	)
	d := &fakeDispatcher{failFor: map[string]error{"p-2": errors.New("voice platform: 500 upstream")}}
	s := newTestScheduler(t, store, testLookup(), d)

	res, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Due)
	assert.Equal(t, 2, res.Completed)
	assert.Equal(t, 1, res.Failed)

	assert.Equal(t, model.CallbackCompleted, store.row(1).Status)
	assert.Equal(t, model.CallbackCompleted, store.row(3).Status)

	failed := store.row(2)
	assert.Equal(t, model.CallbackFailed, failed.Status)
	require.NotNil(t, failed.ProcessedAt)
	require.NotNil(t, failed.ErrorMessage)
	assert.Equal(t, "voice platform: 500 upstream", *failed.ErrorMessage)
}

func TestRunCycle_UnknownAgentNumberFailsRow(t *testing.T) {
	cb := pending(1, "p-1", t0)
	cb.AgentCallbackNumber = "+19998887777"
	store := newMemStore(cb, pending(2, "p-2", t0))
	d := &fakeDispatcher{}
	s := newTestScheduler(t, store, testLookup(), d)

	_, err := s.RunCycle(context.Background())
	require.NoError(t, err)

	row := store.row(1)
	assert.Equal(t, model.CallbackFailed, row.Status)
	require.NotNil(t, row.ErrorMessage)
	assert.Contains(t, *row.ErrorMessage, voice.ErrUnknownAgentNumber.Error())
	assert.Equal(t, model.CallbackCompleted, store.row(2).Status)
	assert.Equal(t, []string{"p-2"}, d.patientIDs())
}

func TestRunCycle_LookupFailures(t *testing.T) {
	t.Run("patient lookup fails the row", func(t *testing.T) {
		lookup := testLookup()
		lookup.patientErr = errors.New("ehr timeout")
		store := newMemStore(pending(1, "p-1", t0))
		s := newTestScheduler(t, store, lookup, &fakeDispatcher{})

		_, err := s.RunCycle(context.Background())
		require.NoError(t, err)
		row := store.row(1)
		assert.Equal(t, model.CallbackFailed, row.Status)
		assert.Contains(t, *row.ErrorMessage, "ehr timeout")
	})

	t.Run("appointment lookup is best effort", func(t *testing.T) {
		lookup := testLookup()
		lookup.apptErr = errors.New("ehr timeout")
		store := newMemStore(pending(1, "p-1", t0))
		d := &fakeDispatcher{}
		s := newTestScheduler(t, store, lookup, d)

		_, err := s.RunCycle(context.Background())
		require.NoError(t, err)
		assert.Equal(t, model.CallbackCompleted, store.row(1).Status)
		require.Len(t, d.calls, 1)
		assert.NotContains(t, d.calls[0].Variables, "appointment_date")
	})
}

func TestRunCycle_PanicMarksRowFailed(t *testing.T) {
	store := newMemStore(pending(1, "p-1", t0))
	s := newTestScheduler(t, store, testLookup(), &fakeDispatcher{panics: true})

	res, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, model.CallbackFailed, store.row(1).Status)
	assert.False(t, s.Status().Processing)
}

func TestRunCycle_SkipsWhileCycleInFlight(t *testing.T) {
	store := newMemStore(pending(1, "p-1", t0))
	d := &fakeDispatcher{block: make(chan struct{}), started: make(chan struct{}, 1)}
	s := newTestScheduler(t, store, testLookup(), d)

	done := make(chan error, 1)
	go func() {
		_, err := s.RunCycle(context.Background())
		done <- err
	}()
	<-d.started
	assert.True(t, s.Status().Processing)

	_, err := s.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)
	assert.Equal(t, 1, store.listCalls(), "skipped cycle must not query")

	close(d.block)
	require.NoError(t, <-done)
	assert.False(t, s.Status().Processing)
	assert.Equal(t, model.CallbackCompleted, store.row(1).Status)
}

func TestRunCycle_ListErrorReleasesGuard(t *testing.T) {
	store := newMemStore(pending(1, "p-1", t0))
	store.listErr = errors.New("connection refused")
	s := newTestScheduler(t, store, testLookup(), &fakeDispatcher{})

	_, err := s.RunCycle(context.Background())
	require.Error(t, err)
	assert.False(t, s.Status().Processing)

	store.mu.Lock()
	store.listErr = nil
	store.mu.Unlock()
	res, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
}

func TestRunCycle_RowAlreadyTerminalIsNotOverwritten(t *testing.T) {
	store := newMemStore(pending(1, "p-1", t0))
	s := newTestScheduler(t, store, testLookup(), &fakeDispatcher{})

	due, err := store.ListDue(context.Background(), model.Window{Start: t0, End: t0.Add(time.Minute)})
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(context.Background(), 1, t0, "manual"))

	// a row that left pending between listing and processing keeps its first terminal state
	require.NoError(t, s.processRow(context.Background(), due[0]))
	row := store.row(1)
	assert.Equal(t, model.CallbackFailed, row.Status)
	assert.Equal(t, "manual", *row.ErrorMessage)
}

func TestStartStop(t *testing.T) {
	store := newMemStore()
	ticks := make(chan time.Time)
	var stopped atomic.Bool
	s := New(store, testLookup(), &fakeDispatcher{}, testProfiles(t),
		WithInterval(time.Minute),
		WithClock(func() time.Time { return t0 }),
	)
	s.ticker = func(d time.Duration) (<-chan time.Time, func()) {
		assert.Equal(t, time.Minute, d)
		return ticks, func() { stopped.Store(true) }
	}

	assert.Equal(t, Status{Running: false, Processing: false, IntervalMinutes: 1}, s.Status())

	s.Start(context.Background())
	s.Start(context.Background())
	assert.True(t, s.Status().Running)
	assert.Eventually(t, func() bool {
		return store.listCalls() == 1 && !s.Status().Processing
	}, time.Second, time.Millisecond, "first cycle runs on start")

	ticks <- t0
	assert.Eventually(t, func() bool { return store.listCalls() == 2 }, time.Second, time.Millisecond)

	s.Stop()
	s.Wait()
	assert.False(t, s.Status().Running)
	assert.True(t, stopped.Load())

	select {
	case ticks <- t0:
		t.Fatal("stopped scheduler consumed a tick")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, 2, store.listCalls())
	s.Stop()
}

func TestStartStopsWithContext(t *testing.T) {
	s := New(newMemStore(), testLookup(), &fakeDispatcher{}, testProfiles(t))
	s.ticker = func(time.Duration) (<-chan time.Time, func()) { return make(chan time.Time), func() {} }

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()
	assert.Eventually(t, func() bool { return !s.Status().Running }, time.Second, time.Millisecond)
	s.Wait()
}

func TestStats(t *testing.T) {
	done := pending(3, "p-3", t0.Add(-time.Hour))
	done.Status = model.CallbackCompleted
	store := newMemStore(
		pending(1, "p-1", t0.Add(time.Minute)),
		pending(2, "p-2", t0.Add(time.Hour)),
		done,
	)
	s := newTestScheduler(t, store, testLookup(), &fakeDispatcher{})

	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.CallbackStats{Pending: 2, Completed: 1, Total: 3, NextWindow: 1}, st)
}

func TestCallVariablesUseZone(t *testing.T) {
	s := New(nil, nil, nil, nil, WithZone(dedup.Zone{}))
	vars := s.callVariables(
		model.Patient{ID: "p-9", FirstName: "Ana", BirthDate: "1980-02-01"},
		nil,
		model.ScheduledCallback{ScheduledTime: time.Date(2025, 7, 1, 18, 0, 0, 0, time.UTC)},
	)
	assert.Equal(t, "Tuesday, July 1 at 6:00 PM", vars["callback_scheduled_time"])
	assert.Equal(t, "Ana", vars["patient_name"])
	assert.Equal(t, "1980-02-01", vars["patient_dob"])
	assert.NotContains(t, vars, "appointment_id")
}

func TestRunCycle_SkipsRowsOutsideWindow(t *testing.T) {
	store := newMemStore(pending(1, "p-1", t0))
	store.stray = []model.ScheduledCallback{
		{ID: 7, PatientID: "p-2", AgentCallbackNumber: agentNumber, ScheduledTime: t0.Add(time.Hour), Status: model.CallbackPending},
		{ID: 8, PatientID: "p-3", AgentCallbackNumber: agentNumber, ScheduledTime: t0, Status: model.CallbackCompleted},
	}
	d := &fakeDispatcher{}
	s := newTestScheduler(t, store, testLookup(), d)

	res, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Due)
	assert.Equal(t, []string{"p-1"}, d.patientIDs())
}

func callbackCount(t *testing.T, reg *prometheus.Registry, status string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "careline_callbacks_processed_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "status" && lp.GetValue() == status {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestRunCycle_MetricsFollowRecordedStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	store := newMemStore(pending(1, "p-1", t0), pending(2, "p-2", t0.Add(time.Minute)))
	d := &fakeDispatcher{failFor: map[string]error{"p-2": errors.New("voice platform returned 500")}}
	s := New(store, testLookup(), d, testProfiles(t),
		WithClock(func() time.Time { return t0 }),
		WithMetrics(metrics.New(reg)),
	)

	_, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, callbackCount(t, reg, "completed"))
	assert.Equal(t, 1.0, callbackCount(t, reg, "failed"))
	assert.Zero(t, callbackCount(t, reg, metrics.CallbackUnrecorded))

	// rows that already left pending cannot be marked again
	due, err := store.ListDue(context.Background(), model.Window{Start: t0, End: t0.Add(time.Hour)})
	require.NoError(t, err)
	require.Empty(t, due)
	require.NoError(t, s.processRow(context.Background(), pending(1, "p-1", t0)))
	require.Error(t, s.processRow(context.Background(), pending(2, "p-2", t0)))

	assert.Equal(t, 1.0, callbackCount(t, reg, "completed"), "a completion that was not written is not counted as completed")
	assert.Equal(t, 1.0, callbackCount(t, reg, "failed"))
	assert.Equal(t, 2.0, callbackCount(t, reg, metrics.CallbackUnrecorded))
}
