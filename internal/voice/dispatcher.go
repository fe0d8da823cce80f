// Package voice places outbound calls through the voice platform and holds the
// static table of agent numbers used for callbacks.
package voice

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/careline/server/internal/httpclient"
)

// CallRequest is an outbound call to a patient
type CallRequest struct {
	ToNumber   string
	FromNumber string
	AgentID    string
	Variables  map[string]string
}

// CallResult is the platform's acknowledgement of a placed call
type CallResult struct {
	CallID string
	Status string
}

type createCallRequest struct {
	FromNumber       string            `json:"from_number"`
	ToNumber         string            `json:"to_number"`
	OverrideAgentID  string            `json:"override_agent_id,omitempty"`
	DynamicVariables map[string]string `json:"retell_llm_dynamic_variables,omitempty"`
}

type createCallResponse struct {
	CallID     string `json:"call_id"`
	CallStatus string `json:"call_status"`
}

// Dispatcher places calls on the voice platform
type Dispatcher struct {
	http *httpclient.Client
}

// NewDispatcher wraps an httpclient rooted at the voice platform base URL
func NewDispatcher(hc *httpclient.Client) *Dispatcher {
	return &Dispatcher{http: hc}
}

// PlaceCall creates an outbound phone call. The request is sent once: a timeout
// or 5xx can arrive after the platform already dialled, so failures are reported
// to the caller instead of retried.
func (d *Dispatcher) PlaceCall(ctx context.Context, req CallRequest) (CallResult, error) {
	to := NormalizePhone(req.ToNumber)
	if to == "" {
		return CallResult{}, errors.New("place call: patient phone number is empty")
	}
	if req.FromNumber == "" {
		return CallResult{}, errors.New("place call: from number is empty")
	}

	var resp createCallResponse
	err := d.http.DoOnce(ctx, http.MethodPost, "v2/create-phone-call", nil, createCallRequest{
		FromNumber:       req.FromNumber,
		ToNumber:         to,
		OverrideAgentID:  req.AgentID,
		DynamicVariables: req.Variables,
	}, &resp)
	if err != nil {
		return CallResult{}, fmt.Errorf("place call: %w", err)
	}
	if resp.CallID == "" {
		return CallResult{}, errors.New("place call: platform returned no call id")
	}
	return CallResult{CallID: resp.CallID, Status: resp.CallStatus}, nil
}
