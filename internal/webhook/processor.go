// Package webhook ingests scheduling webhooks from the voice platform. Each call
// event is written in one transaction and acted on at most once per dedup period.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/careline/server/internal/dedup"
	"github.com/careline/server/internal/metrics"
	"github.com/careline/server/internal/model"
	"github.com/careline/server/internal/repo"
	"github.com/careline/server/internal/voice"
)

// Outcome is what the processor did with an event
type Outcome string

const (
	OutcomeScheduled        Outcome = "scheduled"
	OutcomeNoteRecorded     Outcome = "note_recorded"
	OutcomeRecorded         Outcome = "recorded"
	OutcomeAlreadyProcessed Outcome = "already_processed"
)

// Result is returned to the webhook caller
type Result struct {
	Status     Outcome `json:"status"`
	CallID     string  `json:"call_id"`
	PatientID  string  `json:"patient_id,omitempty"`
	CallbackID int64   `json:"callback_id,omitempty"`
}

// PatientLookup refreshes patient details from the healthcare platform
type PatientLookup interface {
	GetPatient(ctx context.Context, id string) (model.Patient, error)
	FindPatientByPhone(ctx context.Context, phone string) (model.Patient, error)
}

// NoteWriter attaches free-text notes to a patient
type NoteWriter interface {
	WriteNote(ctx context.Context, patientID, content string) error
}

// AgentDirectory derives the agent callback number from a call's numbers
type AgentDirectory interface {
	AgentNumberFor(toNumber, fromNumber string) (string, bool)
}

var errDuplicateCall = errors.New("call already recorded")

// Processor handles scheduling webhook events
type Processor struct {
	store   repo.EventStore
	dedup   dedup.Store
	lookup  PatientLookup
	notes   NoteWriter
	agents  AgentDirectory
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

// Option configures a Processor
type Option func(*Processor)

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Processor) { p.logger = logger.With().Str("component", "webhook").Logger() }
}

// WithMetrics counts outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// NewProcessor creates a Processor
func NewProcessor(store repo.EventStore, guard dedup.Store, lookup PatientLookup, notes NoteWriter, agents AgentDirectory, opts ...Option) *Processor {
	p := &Processor{
		store:    store,
		dedup:    guard,
		lookup:   lookup,
		notes:    notes,
		agents:   agents,
		logger:   zerolog.Nop(),
		inflight: make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// claim serialises deliveries of the same call id. The returned func releases the claim.
func (p *Processor) claim(ctx context.Context, callID string) (func(), error) {
	for {
		p.mu.Lock()
		busy, ok := p.inflight[callID]
		if !ok {
			done := make(chan struct{})
			p.inflight[callID] = done
			p.mu.Unlock()
			return func() {
				p.mu.Lock()
				delete(p.inflight, callID)
				p.mu.Unlock()
				close(done)
			}, nil
		}
		p.mu.Unlock()

		select {
		case <-busy:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Process records the event and, depending on it, writes a transfer note or
// schedules a callback. Lookups and the note run before the transaction opens so
// a slow healthcare platform never holds a database connection. The call record
// and callback share one transaction, and the event is marked processed only
// after it commits.
func (p *Processor) Process(ctx context.Context, payload Payload) (Result, error) {
	ev := payload.Event
	log := p.logger.With().Str("call_id", ev.CallID).Str("event", ev.Event).Logger()

	release, err := p.claim(ctx, ev.CallID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	processed, err := p.dedup.HasBeenProcessed(ctx, ev.CallID)
	if err != nil {
		return p.fail(log, fmt.Errorf("dedup check: %w", err))
	}
	if processed {
		log.Info().Msg("duplicate delivery ignored")
		return p.finish(Result{Status: OutcomeAlreadyProcessed, CallID: ev.CallID}), nil
	}
	recorded, err := p.store.CallRecorded(ctx, ev.CallID)
	if err != nil {
		return p.fail(log, err)
	}
	if recorded {
		return p.alreadyRecorded(ctx, log, ev.CallID), nil
	}

	patient := p.resolvePatient(ctx, log, payload)
	act := p.plan(log, ev, patient)

	if act.outcome == OutcomeNoteRecorded {
		if err := p.notes.WriteNote(ctx, patient.ID, transferNote(ev)); err != nil {
			return p.fail(log, fmt.Errorf("write transfer note: %w", err))
		}
	}

	result := Result{Status: act.outcome, CallID: ev.CallID, PatientID: patient.ID}
	err = p.store.WithinTx(ctx, func(tx repo.EventTx) error {
		inserted, err := tx.InsertCallRecord(ctx, model.CallRecord{
			CallID:                ev.CallID,
			EventType:             ev.Event,
			PatientID:             patient.ID,
			ToNumber:              ev.ToNumber,
			FromNumber:            ev.FromNumber,
			TransferAttempted:     ev.TransferAttempted,
			ScheduledCallbackTime: ev.ScheduledCallbackTime,
			Summary:               ev.SummaryText(),
		})
		if err != nil {
			return err
		}
		if !inserted {
			return errDuplicateCall
		}
		if act.outcome != OutcomeScheduled {
			return nil
		}

		id, err := tx.InsertScheduledCallback(ctx, model.ScheduledCallback{
			PatientID:           patient.ID,
			AgentCallbackNumber: act.agentNumber,
			ScheduledTime:       ev.ScheduledCallbackTime.UTC(),
			Status:              model.CallbackPending,
		})
		if err != nil {
			return err
		}
		result.CallbackID = id
		return nil
	})

	switch {
	case errors.Is(err, errDuplicateCall):
		return p.alreadyRecorded(ctx, log, ev.CallID), nil
	case err != nil:
		return p.fail(log, err)
	}

	p.markProcessed(ctx, log, ev.CallID)
	log.Info().
		Str("status", string(result.Status)).
		Str("patient_id", result.PatientID).
		Int64("callback_id", result.CallbackID).
		Msg("event processed")
	return p.finish(result), nil
}

// alreadyRecorded answers a delivery whose call is already stored and re-arms the mark
func (p *Processor) alreadyRecorded(ctx context.Context, log zerolog.Logger, callID string) Result {
	log.Info().Msg("call already recorded, duplicate delivery ignored")
	p.markProcessed(ctx, log, callID)
	return p.finish(Result{Status: OutcomeAlreadyProcessed, CallID: callID})
}

func (p *Processor) fail(log zerolog.Logger, err error) (Result, error) {
	p.metrics.WebhookEvent("error")
	log.Error().Err(err).Msg("event not processed")
	return Result{}, err
}

func (p *Processor) finish(r Result) Result {
	p.metrics.WebhookEvent(string(r.Status))
	return r
}

func (p *Processor) markProcessed(ctx context.Context, log zerolog.Logger, callID string) {
	if err := p.dedup.MarkProcessed(context.WithoutCancel(ctx), callID); err != nil {
		log.Warn().Err(err).Msg("failed to mark event processed")
	}
}

// action is what an event asks for once its patient is known
type action struct {
	outcome     Outcome
	agentNumber string
}

// plan decides the event's follow-up without side effects
func (p *Processor) plan(log zerolog.Logger, ev Event, patient model.Patient) action {
	if ev.TransferAttempted {
		if patient.ID == "" {
			log.Warn().Msg("transfer note skipped, patient unresolved")
			return action{outcome: OutcomeRecorded}
		}
		return action{outcome: OutcomeNoteRecorded}
	}

	if ev.ScheduledCallbackTime == nil {
		return action{outcome: OutcomeRecorded}
	}
	agentNumber, ok := p.agents.AgentNumberFor(ev.ToNumber, ev.FromNumber)
	if !ok {
		log.Warn().
			Str("to", voice.MaskPhone(ev.ToNumber)).
			Str("from", voice.MaskPhone(ev.FromNumber)).
			Msg("callback requested but no known agent number on the call")
		return action{outcome: OutcomeRecorded}
	}
	if patient.ID == "" {
		log.Warn().Msg("callback requested but patient unresolved")
		return action{outcome: OutcomeRecorded}
	}
	return action{outcome: OutcomeScheduled, agentNumber: agentNumber}
}

// resolvePatient refreshes the bundle's patient from the healthcare platform.
// Lookup failures fall back to what the bundle carried.
func (p *Processor) resolvePatient(ctx context.Context, log zerolog.Logger, payload Payload) model.Patient {
	patient := payload.Patient
	if patient.ID != "" {
		fresh, err := p.lookup.GetPatient(ctx, patient.ID)
		if err != nil {
			log.Warn().Err(err).Str("patient_id", patient.ID).Msg("patient lookup failed, using bundle data")
			return patient
		}
		return fresh
	}

	phone := patient.Phone
	if phone == "" {
		phone = p.callerNumber(payload.Event)
	}
	if phone == "" {
		return patient
	}
	found, err := p.lookup.FindPatientByPhone(ctx, phone)
	if err != nil {
		log.Warn().Err(err).Str("phone", voice.MaskPhone(phone)).Msg("patient search failed")
		return patient
	}
	return found
}

// callerNumber is whichever call number is not the agent's
func (p *Processor) callerNumber(ev Event) string {
	if _, ok := p.agents.AgentNumberFor(ev.ToNumber, ""); ok {
		return ev.FromNumber
	}
	return ev.ToNumber
}

func transferNote(ev Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Call %s: live transfer to staff attempted.", ev.CallID)
	if s := strings.TrimSpace(ev.SummaryText()); s != "" {
		fmt.Fprintf(&b, " Summary: %s", s)
	}
	if ev.ScheduledCallbackTime != nil {
		fmt.Fprintf(&b, " Requested callback at %s.", ev.ScheduledCallbackTime.UTC().Format(time.RFC3339))
	}
	return b.String()
}
