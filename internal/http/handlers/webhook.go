package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/careline/server/internal/middleware"
	"github.com/careline/server/internal/webhook"
)

const maxWebhookBytes = 1 << 20

// EventProcessor processes parsed scheduling webhooks
type EventProcessor interface {
	Process(ctx context.Context, payload webhook.Payload) (webhook.Result, error)
}

// WebhookHandler serves the scheduling webhook
type WebhookHandler struct {
	validator *webhook.Validator
	processor EventProcessor
	logger    zerolog.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(validator *webhook.Validator, processor EventProcessor, logger zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{
		validator: validator,
		processor: processor,
		logger:    logger.With().Str("handler", "webhook").Logger(),
	}
}

type invalidPayloadResponse struct {
	Error   string               `json:"error"`
	Details []webhook.FieldError `json:"details,omitempty"`
}

// HandleScheduling handles POST /webhook/scheduling
func (h *WebhookHandler) HandleScheduling(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondWithError(w, http.StatusRequestEntityTooLarge, "payload_too_large")
			return
		}
		respondWithError(w, http.StatusBadRequest, "invalid_payload")
		return
	}

	log := h.logger
	if client, ok := middleware.GetClient(r.Context()); ok {
		log = log.With().Str("client_id", client.ClientID).Logger()
	}

	payload, err := h.validator.Parse(body)
	if err != nil {
		var ve *webhook.ValidationError
		if errors.As(err, &ve) {
			log.Warn().Err(err).Msg("rejected webhook payload")
			respondJSON(w, http.StatusBadRequest, invalidPayloadResponse{Error: "invalid_payload", Details: ve.Fields})
			return
		}
		log.Error().Err(err).Msg("webhook parse failed")
		respondWithError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	result, err := h.processor.Process(r.Context(), payload)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			respondWithError(w, http.StatusServiceUnavailable, "temporarily_unavailable")
			return
		}
		log.Error().Err(err).Str("call_id", payload.Event.CallID).Msg("webhook processing failed")
		respondWithError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	respondJSON(w, http.StatusOK, result)
}
