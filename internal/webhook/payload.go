package webhook

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/careline/server/internal/ehr"
	"github.com/careline/server/internal/model"
)

// Event is the call event reported by the voice platform
type Event struct {
	Event                 string     `json:"event"`
	CallID                string     `json:"call_id"`
	ToNumber              string     `json:"to_number"`
	FromNumber            string     `json:"from_number"`
	TransferAttempted     bool       `json:"transfer_attempted"`
	ScheduledCallbackTime *time.Time `json:"scheduled_callback_time"`
	Summary               *string    `json:"summary"`
}

// Payload is a parsed scheduling webhook
type Payload struct {
	Event   Event
	Patient model.Patient
}

type wirePayload struct {
	ehr.Bundle
	Event Event `json:"event"`
}

// Parse validates body against the schema and extracts the event and the bundle's patient
func (v *Validator) Parse(body []byte) (Payload, error) {
	if err := v.Validate(body); err != nil {
		return Payload{}, err
	}

	var wire wirePayload
	if err := json.Unmarshal(body, &wire); err != nil {
		return Payload{}, invalid("", err.Error())
	}

	p := Payload{Event: wire.Event}
	p.Event.CallID = strings.TrimSpace(p.Event.CallID)
	if p.Event.CallID == "" {
		return Payload{}, invalid("event/call_id", "must not be blank")
	}

	found := false
	for i, e := range wire.Entry {
		if ehr.ResourceType(e.Resource) != "Patient" {
			continue
		}
		var res ehr.PatientResource
		if err := json.Unmarshal(e.Resource, &res); err != nil {
			return Payload{}, invalid("entry/"+strconv.Itoa(i)+"/resource", "malformed Patient resource")
		}
		p.Patient = ehr.NormalizePatient(res)
		found = true
		break
	}
	if !found {
		return Payload{}, invalid("entry", "bundle has no Patient resource")
	}
	return p, nil
}

// SummaryText returns the call summary or an empty string
func (e Event) SummaryText() string {
	if e.Summary == nil {
		return ""
	}
	return *e.Summary
}
