// Package scheduler periodically claims due callback rows and places the
// deferred outbound calls.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/careline/server/internal/dedup"
	"github.com/careline/server/internal/metrics"
	"github.com/careline/server/internal/model"
	"github.com/careline/server/internal/voice"
)

// DefaultInterval is the time between scan cycles and the width of each scan window
const DefaultInterval = 5 * time.Minute

const maxErrorMessage = 1000

// ErrCycleInProgress is returned by RunCycle when another cycle holds the guard
var ErrCycleInProgress = errors.New("scan cycle already in progress")

// CallbackStore is the subset of the callback repository the scheduler uses
type CallbackStore interface {
	ListDue(ctx context.Context, window model.Window) ([]model.ScheduledCallback, error)
	MarkCompleted(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, at time.Time, message string) error
	List(ctx context.Context, status model.CallbackStatus, limit int) ([]model.ScheduledCallback, error)
	Stats(ctx context.Context, next model.Window) (model.CallbackStats, error)
}

// PatientLookup resolves a patient and their latest appointment
type PatientLookup interface {
	GetPatient(ctx context.Context, id string) (model.Patient, error)
	LatestAppointment(ctx context.Context, patientID string) (*model.Appointment, error)
}

// Dispatcher places outbound calls
type Dispatcher interface {
	PlaceCall(ctx context.Context, req voice.CallRequest) (voice.CallResult, error)
}

// ProfileResolver maps an agent callback number to its outbound call profile
type ProfileResolver interface {
	Resolve(number string) (voice.Profile, error)
}

// Status is the scheduler's runtime state
type Status struct {
	Running         bool    `json:"running"`
	Processing      bool    `json:"processing"`
	IntervalMinutes float64 `json:"interval_minutes"`
}

// CycleResult summarises one scan cycle
type CycleResult struct {
	Window    model.Window
	Due       int
	Completed int
	Failed    int
}

type tickerFunc func(d time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Scheduler scans for due callbacks every interval.
// At most one cycle runs at a time per Scheduler; firings that find a cycle
// in flight are skipped rather than queued.
type Scheduler struct {
	store      CallbackStore
	lookup     PatientLookup
	dispatcher Dispatcher
	profiles   ProfileResolver

	interval time.Duration
	zone     dedup.Zone
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	ticker   tickerFunc

	mu      sync.Mutex
	stop    chan struct{}
	loop    sync.WaitGroup
	cycles  sync.WaitGroup
	running atomic.Bool

	processing atomic.Bool
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithInterval sets the scan interval
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithZone sets the zone used for times shown to the voice agent
func WithZone(z dedup.Zone) Option {
	return func(s *Scheduler) { s.zone = z }
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger.With().Str("component", "scheduler").Logger() }
}

// WithMetrics records cycles and row outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a stopped scheduler
func New(store CallbackStore, lookup PatientLookup, dispatcher Dispatcher, profiles ProfileResolver, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:      store,
		lookup:     lookup,
		dispatcher: dispatcher,
		profiles:   profiles,
		interval:   DefaultInterval,
		zone:       dedup.Pacific,
		logger:     zerolog.Nop(),
		now:        time.Now,
		ticker:     realTicker,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Interval returns the scan interval
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Start runs a cycle immediately and then one per interval until Stop or ctx is done.
// Calling Start on a running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		return
	}
	s.stop = make(chan struct{})
	s.running.Store(true)

	ticks, stopTicker := s.ticker(s.interval)
	stop := s.stop
	s.loop.Add(1)
	go func() {
		defer s.loop.Done()
		defer stopTicker()
		defer s.running.Store(false)

		s.fire(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticks:
				s.fire(ctx)
			}
		}
	}()
	s.logger.Info().Dur("interval", s.interval).Msg("callback scheduler started")
}

// fire starts a cycle in its own goroutine so a slow cycle makes later firings skip.
// Cancelling ctx stops the loop but never a batch that already started.
func (s *Scheduler) fire(ctx context.Context) {
	cycleCtx := context.WithoutCancel(ctx)
	s.cycles.Add(1)
	go func() {
		defer s.cycles.Done()
		if _, err := s.RunCycle(cycleCtx); err != nil && !errors.Is(err, ErrCycleInProgress) {
			s.logger.Error().Err(err).Msg("scan cycle failed")
		}
	}()
}

// Stop prevents future cycles. A cycle already in flight runs to completion.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Load() {
		return
	}
	close(s.stop)
	s.loop.Wait()
	s.logger.Info().Msg("callback scheduler stopped")
}

// Wait blocks until in-flight cycles finish
func (s *Scheduler) Wait() {
	s.cycles.Wait()
}

// Status reports whether the loop is running and whether a cycle is in flight
func (s *Scheduler) Status() Status {
	return Status{
		Running:         s.running.Load(),
		Processing:      s.processing.Load(),
		IntervalMinutes: s.interval.Minutes(),
	}
}

// Stats counts callbacks by status, with the pending rows due in the next window
func (s *Scheduler) Stats(ctx context.Context) (model.CallbackStats, error) {
	return s.store.Stats(ctx, s.window(s.now()))
}

// List returns recent callbacks, optionally filtered by status
func (s *Scheduler) List(ctx context.Context, status model.CallbackStatus, limit int) ([]model.ScheduledCallback, error) {
	return s.store.List(ctx, status, limit)
}

func (s *Scheduler) window(now time.Time) model.Window {
	return model.Window{Start: now, End: now.Add(s.interval)}
}

// RunCycle performs one scan: every pending row scheduled in [now, now+interval)
// is processed in scheduled order and moved to completed or failed. A failing row
// never stops the rest of the batch.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleResult, error) {
	if !s.processing.CompareAndSwap(false, true) {
		s.metrics.SchedulerCycle("skipped", 0)
		s.logger.Debug().Msg("previous scan cycle still running, skipping")
		return CycleResult{}, ErrCycleInProgress
	}
	defer s.processing.Store(false)

	started := time.Now()
	result := CycleResult{Window: s.window(s.now())}

	listed, err := s.store.ListDue(ctx, result.Window)
	if err != nil {
		s.metrics.SchedulerCycle("error", time.Since(started))
		return result, fmt.Errorf("list due callbacks: %w", err)
	}
	due := listed[:0]
	for _, cb := range listed {
		if cb.Status != model.CallbackPending || !result.Window.Contains(cb.ScheduledTime) {
			s.logger.Error().
				Int64("callback_id", cb.ID).
				Str("status", string(cb.Status)).
				Time("scheduled_time", cb.ScheduledTime).
				Msg("store returned a row outside the scan window, skipping")
			continue
		}
		due = append(due, cb)
	}
	result.Due = len(due)

	for _, cb := range due {
		if err := s.processRow(ctx, cb); err != nil {
			result.Failed++
		} else {
			result.Completed++
		}
	}

	s.metrics.SchedulerCycle("run", time.Since(started))
	if result.Due > 0 {
		s.logger.Info().
			Time("window_start", result.Window.Start).
			Time("window_end", result.Window.End).
			Int("due", result.Due).
			Int("completed", result.Completed).
			Int("failed", result.Failed).
			Msg("scan cycle finished")
	}
	return result, nil
}

// processRow places the call for one row and records the terminal status.
// It returns the error that failed the row, if any.
func (s *Scheduler) processRow(ctx context.Context, cb model.ScheduledCallback) (err error) {
	log := s.logger.With().Int64("callback_id", cb.ID).Str("patient_id", cb.PatientID).Logger()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			s.fail(ctx, log, cb, err)
		}
	}()

	res, err := s.placeCallback(ctx, cb)
	if err != nil {
		return err
	}

	if markErr := s.store.MarkCompleted(ctx, cb.ID, s.now()); markErr != nil {
		s.metrics.CallbackProcessed(metrics.CallbackUnrecorded)
		log.Error().Err(markErr).Str("call_id", res.CallID).Msg("call placed but completion not recorded")
		return nil
	}
	s.metrics.CallbackProcessed(string(model.CallbackCompleted))
	log.Info().Str("call_id", res.CallID).Str("call_status", res.Status).Msg("callback placed")
	return nil
}

func (s *Scheduler) placeCallback(ctx context.Context, cb model.ScheduledCallback) (voice.CallResult, error) {
	patient, err := s.lookup.GetPatient(ctx, cb.PatientID)
	if err != nil {
		return voice.CallResult{}, fmt.Errorf("patient lookup: %w", err)
	}

	appt, err := s.lookup.LatestAppointment(ctx, cb.PatientID)
	if err != nil {
		s.logger.Warn().Err(err).Int64("callback_id", cb.ID).Msg("appointment lookup failed, calling without it")
		appt = nil
	}

	vars := s.callVariables(patient, appt, cb)

	profile, err := s.profiles.Resolve(cb.AgentCallbackNumber)
	if err != nil {
		return voice.CallResult{}, err
	}

	return s.dispatcher.PlaceCall(ctx, voice.CallRequest{
		ToNumber:   patient.Phone,
		FromNumber: profile.FromNumber,
		AgentID:    profile.AgentID,
		Variables:  vars,
	})
}

func (s *Scheduler) fail(ctx context.Context, log zerolog.Logger, cb model.ScheduledCallback, cause error) {
	msg := cause.Error()
	if len(msg) > maxErrorMessage {
		msg = msg[:maxErrorMessage]
	}
	log.Warn().Err(cause).Msg("callback failed")
	if err := s.store.MarkFailed(ctx, cb.ID, s.now(), msg); err != nil {
		s.metrics.CallbackProcessed(metrics.CallbackUnrecorded)
		log.Error().Err(err).Msg("failed to record callback failure")
		return
	}
	s.metrics.CallbackProcessed(string(model.CallbackFailed))
}

// callVariables builds the dynamic variables handed to the voice agent
func (s *Scheduler) callVariables(p model.Patient, appt *model.Appointment, cb model.ScheduledCallback) map[string]string {
	scheduled := s.zone.In(cb.ScheduledTime)
	vars := map[string]string{
		"patient_id":              p.ID,
		"patient_name":            p.FullName(),
		"patient_first_name":      p.FirstName,
		"patient_phone":           p.Phone,
		"callback_scheduled_time": scheduled.Format("Monday, January 2 at 3:04 PM"),
		"is_callback":             "true",
	}
	if p.BirthDate != "" {
		vars["patient_dob"] = p.BirthDate
	}
	if appt != nil {
		vars["appointment_id"] = appt.ID
		vars["appointment_status"] = appt.Status
		if !appt.Start.IsZero() {
			start := s.zone.In(appt.Start)
			vars["appointment_date"] = start.Format("Monday, January 2, 2006")
			vars["appointment_time"] = start.Format("3:04 PM")
		}
		if appt.ProviderName != "" {
			vars["provider_name"] = appt.ProviderName
		}
		if appt.Description != "" {
			vars["appointment_description"] = appt.Description
		}
	}
	return vars
}
