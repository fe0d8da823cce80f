package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/careline/server/internal/model"
	"github.com/careline/server/internal/scheduler"
)

// CallbackScheduler is the scheduler surface exposed for introspection
type CallbackScheduler interface {
	Status() scheduler.Status
	Stats(ctx context.Context) (model.CallbackStats, error)
	List(ctx context.Context, status model.CallbackStatus, limit int) ([]model.ScheduledCallback, error)
	RunCycle(ctx context.Context) (scheduler.CycleResult, error)
}

// SchedulerHandler serves the scheduler introspection routes
type SchedulerHandler struct {
	scheduler CallbackScheduler
	logger    zerolog.Logger
}

// NewSchedulerHandler creates a new scheduler handler
func NewSchedulerHandler(s CallbackScheduler, logger zerolog.Logger) *SchedulerHandler {
	return &SchedulerHandler{
		scheduler: s,
		logger:    logger.With().Str("handler", "scheduler").Logger(),
	}
}

// HandleStatus handles GET /scheduler/status
func (h *SchedulerHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.scheduler.Status())
}

// HandleStats handles GET /scheduler/stats
func (h *SchedulerHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.scheduler.Stats(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("callback stats failed")
		respondWithError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// callbackResponse is one row of GET /scheduler/callbacks
type callbackResponse struct {
	ID                  int64      `json:"id"`
	PatientID           string     `json:"patient_id"`
	AgentCallbackNumber string     `json:"agent_callback_number"`
	ScheduledTime       time.Time  `json:"scheduled_time"`
	Status              string     `json:"status"`
	CreatedAt           time.Time  `json:"created_at"`
	ProcessedAt         *time.Time `json:"processed_at,omitempty"`
	ErrorMessage        *string    `json:"error_message,omitempty"`
}

// HandleCallbacks handles GET /scheduler/callbacks?status=&limit=
func (h *SchedulerHandler) HandleCallbacks(w http.ResponseWriter, r *http.Request) {
	status := model.CallbackStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		respondWithError(w, http.StatusBadRequest, "status must be pending, completed or failed")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			respondWithError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	rows, err := h.scheduler.List(r.Context(), status, limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("list callbacks failed")
		respondWithError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	out := make([]callbackResponse, 0, len(rows))
	for _, cb := range rows {
		out = append(out, callbackResponse{
			ID:                  cb.ID,
			PatientID:           cb.PatientID,
			AgentCallbackNumber: cb.AgentCallbackNumber,
			ScheduledTime:       cb.ScheduledTime,
			Status:              string(cb.Status),
			CreatedAt:           cb.CreatedAt,
			ProcessedAt:         cb.ProcessedAt,
			ErrorMessage:        cb.ErrorMessage,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"callbacks": out})
}

type cycleResponse struct {
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Due         int       `json:"due"`
	Completed   int       `json:"completed"`
	Failed      int       `json:"failed"`
}

// HandleRun handles POST /scheduler/run: one scan cycle on demand
func (h *SchedulerHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	// a disconnecting caller must not cancel a cycle mid-batch
	res, err := h.scheduler.RunCycle(context.WithoutCancel(r.Context()))
	if err != nil {
		if errors.Is(err, scheduler.ErrCycleInProgress) {
			respondWithError(w, http.StatusConflict, "cycle_in_progress")
			return
		}
		h.logger.Error().Err(err).Msg("manual scan cycle failed")
		respondWithError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	respondJSON(w, http.StatusOK, cycleResponse{
		WindowStart: res.Window.Start,
		WindowEnd:   res.Window.End,
		Due:         res.Due,
		Completed:   res.Completed,
		Failed:      res.Failed,
	})
}
