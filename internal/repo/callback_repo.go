package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/careline/server/internal/model"
)

// ErrNotPending is returned when a terminal transition targets a row that already left pending
var ErrNotPending = errors.New("callback is not pending")

const callbackColumns = `id, patient_id, agent_callback_number, scheduled_time, status, created_at, processed_at, error_message`

// CallbackRepo defines the interface for scheduled callback repository operations.
// Rows are inserted through EventStore so the insert shares the webhook event transaction.
type CallbackRepo interface {
	ListDue(ctx context.Context, window model.Window) ([]model.ScheduledCallback, error)
	Get(ctx context.Context, id int64) (model.ScheduledCallback, error)
	MarkCompleted(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, at time.Time, message string) error
	List(ctx context.Context, status model.CallbackStatus, limit int) ([]model.ScheduledCallback, error)
	Stats(ctx context.Context, next model.Window) (model.CallbackStats, error)
}

type callbackRepo struct {
	db *sql.DB
}

// NewCallbackRepo creates a new CallbackRepo instance
func NewCallbackRepo(db *sql.DB) CallbackRepo {
	return &callbackRepo{db: db}
}

// ListDue returns pending callbacks with scheduled_time in [window.Start, window.End), oldest first
func (r *callbackRepo) ListDue(ctx context.Context, window model.Window) ([]model.ScheduledCallback, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+callbackColumns+`
		FROM scheduled_callbacks
		WHERE status = 'pending'
		  AND scheduled_time >= $1
		  AND scheduled_time < $2
		ORDER BY scheduled_time ASC, id ASC
	`, window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("query due callbacks: %w", err)
	}
	defer rows.Close()
	return scanCallbacks(rows)
}

// Get returns a single callback by id
func (r *callbackRepo) Get(ctx context.Context, id int64) (model.ScheduledCallback, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+callbackColumns+`
		FROM scheduled_callbacks
		WHERE id = $1
	`, id)
	if err != nil {
		return model.ScheduledCallback{}, fmt.Errorf("query callback: %w", err)
	}
	defer rows.Close()
	callbacks, err := scanCallbacks(rows)
	if err != nil {
		return model.ScheduledCallback{}, err
	}
	if len(callbacks) == 0 {
		return model.ScheduledCallback{}, fmt.Errorf("callback %d: %w", id, ErrNotFound)
	}
	return callbacks[0], nil
}

// MarkCompleted transitions a pending callback to completed
func (r *callbackRepo) MarkCompleted(ctx context.Context, id int64, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_callbacks
		SET status = 'completed', processed_at = $2
		WHERE id = $1 AND status = 'pending'
	`, id, at)
	if err != nil {
		return fmt.Errorf("mark callback completed: %w", err)
	}
	return requireOneRow(result, id)
}

// MarkFailed transitions a pending callback to failed and records the reason
func (r *callbackRepo) MarkFailed(ctx context.Context, id int64, at time.Time, message string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_callbacks
		SET status = 'failed', processed_at = $2, error_message = $3
		WHERE id = $1 AND status = 'pending'
	`, id, at, message)
	if err != nil {
		return fmt.Errorf("mark callback failed: %w", err)
	}
	return requireOneRow(result, id)
}

// List returns the most recent callbacks, optionally filtered by status
func (r *callbackRepo) List(ctx context.Context, status model.CallbackStatus, limit int) ([]model.ScheduledCallback, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var statusFilter sql.NullString
	if status != "" {
		statusFilter = sql.NullString{String: string(status), Valid: true}
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+callbackColumns+`
		FROM scheduled_callbacks
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY scheduled_time DESC, id DESC
		LIMIT $2
	`, statusFilter, limit)
	if err != nil {
		return nil, fmt.Errorf("list callbacks: %w", err)
	}
	defer rows.Close()
	return scanCallbacks(rows)
}

// Stats counts callbacks by status and how many pending rows fall inside next
func (r *callbackRepo) Stats(ctx context.Context, next model.Window) (model.CallbackStats, error) {
	var s model.CallbackStats
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending' AND scheduled_time >= $1 AND scheduled_time < $2)
		FROM scheduled_callbacks
	`, next.Start, next.End).Scan(
		&s.Pending,
		&s.Completed,
		&s.Failed,
		&s.Total,
		&s.NextWindow,
	)
	if err != nil {
		return model.CallbackStats{}, fmt.Errorf("callback stats: %w", err)
	}
	return s, nil
}

func requireOneRow(result sql.Result, id int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("callback %d: %w", id, ErrNotPending)
	}
	return nil
}

func scanCallbacks(rows *sql.Rows) ([]model.ScheduledCallback, error) {
	var out []model.ScheduledCallback
	for rows.Next() {
		var cb model.ScheduledCallback
		var status string
		if err := rows.Scan(
			&cb.ID,
			&cb.PatientID,
			&cb.AgentCallbackNumber,
			&cb.ScheduledTime,
			&status,
			&cb.CreatedAt,
			&cb.ProcessedAt,
			&cb.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("scan callback: %w", err)
		}
		cb.Status = model.CallbackStatus(status)
		out = append(out, cb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate callbacks: %w", err)
	}
	return out, nil
}
