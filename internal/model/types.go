package model

import (
	"time"

	"github.com/google/uuid"
)

// OAuthClient is a registered machine client allowed to use the client_credentials grant
type OAuthClient struct {
	ClientID         string
	ClientSecretHash string
	Name             string
	IsActive         bool
	CreatedAt        time.Time
}

// OAuthToken is an opaque bearer token issued to a client
type OAuthToken struct {
	AccessToken string
	ClientID    string
	ExpiresAt   time.Time
	CreatedAt   time.Time
	LastUsedAt  *time.Time
}

// ClientInfo is what a validated bearer token resolves to
type ClientInfo struct {
	ClientID  string
	Name      string
	ExpiresAt time.Time
}

// CallbackStatus is the lifecycle state of a scheduled callback
type CallbackStatus string

const (
	CallbackPending   CallbackStatus = "pending"
	CallbackCompleted CallbackStatus = "completed"
	CallbackFailed    CallbackStatus = "failed"
)

// Valid reports whether s is one of the known statuses
func (s CallbackStatus) Valid() bool {
	switch s {
	case CallbackPending, CallbackCompleted, CallbackFailed:
		return true
	}
	return false
}

// ScheduledCallback is a deferred request to call a patient back
type ScheduledCallback struct {
	ID                  int64
	PatientID           string
	AgentCallbackNumber string
	ScheduledTime       time.Time
	Status              CallbackStatus
	CreatedAt           time.Time
	ProcessedAt         *time.Time
	ErrorMessage        *string
}

// CallRecord is the audit row written for every accepted call event
type CallRecord struct {
	ID                    uuid.UUID
	CallID                string
	EventType             string
	PatientID             string
	ToNumber              string
	FromNumber            string
	TransferAttempted     bool
	ScheduledCallbackTime *time.Time
	Summary               string
	CreatedAt             time.Time
}

// Patient is the normalized patient view returned by the healthcare platform
type Patient struct {
	ID        string
	FirstName string
	LastName  string
	Phone     string
	Email     string
	BirthDate string
}

// FullName joins first and last name
func (p Patient) FullName() string {
	switch {
	case p.FirstName == "":
		return p.LastName
	case p.LastName == "":
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

// Appointment is the normalized view of a patient's appointment
type Appointment struct {
	ID           string
	Status       string
	Start        time.Time
	Description  string
	ProviderName string
}

// CallbackStats is the per-status count of scheduled callbacks
type CallbackStats struct {
	Pending    int `json:"pending"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
	NextWindow int `json:"next_window"`
}

// Window is a half-open time range [Start, End)
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}
