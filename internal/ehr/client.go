// Package ehr talks to the healthcare data platform's FHIR API: patient and
// appointment lookups and free-text notes attached to a patient.
package ehr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/careline/server/internal/httpclient"
	"github.com/careline/server/internal/model"
)

// ErrNotFound is returned when the platform has no matching resource
var ErrNotFound = errors.New("ehr: resource not found")

// Client is the healthcare platform client
type Client struct {
	http *httpclient.Client
	now  func() time.Time
}

// NewClient wraps an httpclient rooted at the platform's FHIR base URL
func NewClient(hc *httpclient.Client) *Client {
	return &Client{http: hc, now: time.Now}
}

// GetPatient fetches Patient/{id}
func (c *Client) GetPatient(ctx context.Context, id string) (model.Patient, error) {
	var res PatientResource
	err := c.http.Do(ctx, http.MethodGet, "Patient/"+url.PathEscape(id), nil, nil, &res)
	if err != nil {
		if httpclient.IsStatus(err, http.StatusNotFound) {
			return model.Patient{}, fmt.Errorf("patient %s: %w", id, ErrNotFound)
		}
		return model.Patient{}, fmt.Errorf("get patient %s: %w", id, err)
	}
	return NormalizePatient(res), nil
}

// FindPatientByPhone searches patients by telecom value and returns the first match
func (c *Client) FindPatientByPhone(ctx context.Context, phone string) (model.Patient, error) {
	var bundle Bundle
	q := url.Values{"telecom": {phone}, "_count": {"1"}}
	if err := c.http.Do(ctx, http.MethodGet, "Patient", q, nil, &bundle); err != nil {
		return model.Patient{}, fmt.Errorf("search patient by phone: %w", err)
	}
	for _, e := range bundle.Entry {
		if ResourceType(e.Resource) != "Patient" {
			continue
		}
		var res PatientResource
		if err := json.Unmarshal(e.Resource, &res); err != nil {
			return model.Patient{}, fmt.Errorf("decode patient: %w", err)
		}
		return NormalizePatient(res), nil
	}
	return model.Patient{}, fmt.Errorf("patient with phone: %w", ErrNotFound)
}

// LatestAppointment returns the patient's most recent appointment, or nil if there is none
func (c *Client) LatestAppointment(ctx context.Context, patientID string) (*model.Appointment, error) {
	var bundle Bundle
	q := url.Values{
		"patient": {patientID},
		"_sort":   {"-date"},
		"_count":  {"1"},
	}
	if err := c.http.Do(ctx, http.MethodGet, "Appointment", q, nil, &bundle); err != nil {
		return nil, fmt.Errorf("search appointments for %s: %w", patientID, err)
	}
	for _, e := range bundle.Entry {
		if ResourceType(e.Resource) != "Appointment" {
			continue
		}
		var res AppointmentResource
		if err := json.Unmarshal(e.Resource, &res); err != nil {
			return nil, fmt.Errorf("decode appointment: %w", err)
		}
		a := NormalizeAppointment(res)
		return &a, nil
	}
	return nil, nil
}

type communication struct {
	ResourceType string                 `json:"resourceType"`
	Status       string                 `json:"status"`
	Subject      Reference              `json:"subject"`
	Sent         string                 `json:"sent"`
	Payload      []communicationPayload `json:"payload"`
}

type communicationPayload struct {
	ContentString string `json:"contentString"`
}

// WriteNote records free-text content against the patient as a completed Communication
func (c *Client) WriteNote(ctx context.Context, patientID, content string) error {
	note := communication{
		ResourceType: "Communication",
		Status:       "completed",
		Subject:      Reference{Reference: "Patient/" + patientID},
		Sent:         c.now().UTC().Format(time.RFC3339),
		Payload:      []communicationPayload{{ContentString: content}},
	}
	if err := c.http.DoOnce(ctx, http.MethodPost, "Communication", nil, note, nil); err != nil {
		return fmt.Errorf("write note for %s: %w", patientID, err)
	}
	return nil
}
