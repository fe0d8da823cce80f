package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/careline/server/internal/model"
)

// EventTx is the set of writes a webhook event performs inside its transaction
type EventTx interface {
	// InsertCallRecord returns false when a record for the same call id already exists
	InsertCallRecord(ctx context.Context, rec model.CallRecord) (bool, error)
	InsertScheduledCallback(ctx context.Context, cb model.ScheduledCallback) (int64, error)
}

// EventStore runs a webhook event's writes in one transaction
type EventStore interface {
	// CallRecorded reports whether a call record for callID is already stored
	CallRecorded(ctx context.Context, callID string) (bool, error)
	// WithinTx commits when fn returns nil and rolls back otherwise
	WithinTx(ctx context.Context, fn func(tx EventTx) error) error
}

type eventStore struct {
	db *sql.DB
}

// NewEventStore creates a new EventStore instance
func NewEventStore(db *sql.DB) EventStore {
	return &eventStore{db: db}
}

func (s *eventStore) CallRecorded(ctx context.Context, callID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM call_records WHERE call_id = $1)
	`, callID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check call record: %w", err)
	}
	return exists, nil
}

// WithinTx begins a transaction, hands it to fn and commits only if fn succeeds
func (s *eventStore) WithinTx(ctx context.Context, fn func(tx EventTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&eventTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type eventTx struct {
	tx *sql.Tx
}

func (t *eventTx) InsertCallRecord(ctx context.Context, rec model.CallRecord) (bool, error) {
	var idStr string
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO call_records (
			call_id, event_type, patient_id, to_number, from_number,
			transfer_attempted, scheduled_callback_time, summary
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (call_id) DO NOTHING
		RETURNING id
	`,
		rec.CallID,
		rec.EventType,
		rec.PatientID,
		rec.ToNumber,
		rec.FromNumber,
		rec.TransferAttempted,
		rec.ScheduledCallbackTime,
		rec.Summary,
	).Scan(&idStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("insert call record: %w", err)
	}
	return true, nil
}

func (t *eventTx) InsertScheduledCallback(ctx context.Context, cb model.ScheduledCallback) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO scheduled_callbacks (patient_id, agent_callback_number, scheduled_time, status)
		VALUES ($1, $2, $3, 'pending')
		RETURNING id
	`, cb.PatientID, cb.AgentCallbackNumber, cb.ScheduledTime).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert scheduled callback: %w", err)
	}
	return id, nil
}
