package ehr

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/careline/server/internal/model"
)

// HumanName is the FHIR HumanName datatype (subset)
type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

// ContactPoint is the FHIR ContactPoint datatype (subset)
type ContactPoint struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
	Use    string `json:"use,omitempty"`
}

// Reference is a FHIR Reference
type Reference struct {
	Reference string `json:"reference,omitempty"`
	Display   string `json:"display,omitempty"`
}

// PatientResource is the FHIR Patient resource (subset)
type PatientResource struct {
	ResourceType string         `json:"resourceType"`
	ID           string         `json:"id"`
	Name         []HumanName    `json:"name,omitempty"`
	Telecom      []ContactPoint `json:"telecom,omitempty"`
	BirthDate    string         `json:"birthDate,omitempty"`
}

// AppointmentParticipant is a participant of a FHIR Appointment
type AppointmentParticipant struct {
	Actor  Reference `json:"actor"`
	Status string    `json:"status,omitempty"`
}

// AppointmentResource is the FHIR Appointment resource (subset)
type AppointmentResource struct {
	ResourceType string                   `json:"resourceType"`
	ID           string                   `json:"id"`
	Status       string                   `json:"status,omitempty"`
	Description  string                   `json:"description,omitempty"`
	Start        *time.Time               `json:"start,omitempty"`
	Participant  []AppointmentParticipant `json:"participant,omitempty"`
}

// BundleEntry is an entry of a FHIR Bundle; the resource is decoded lazily by type
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource"`
}

// Bundle is a FHIR Bundle (searchset or collection)
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// ResourceType peeks at the resourceType of a raw resource
func ResourceType(raw json.RawMessage) string {
	var head struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ""
	}
	return head.ResourceType
}

// NormalizePatient flattens a FHIR Patient into the model used by the service.
// The "official" name wins over others; the first phone and email are used.
func NormalizePatient(r PatientResource) model.Patient {
	p := model.Patient{ID: r.ID, BirthDate: r.BirthDate}

	var name *HumanName
	for i := range r.Name {
		if name == nil || r.Name[i].Use == "official" {
			name = &r.Name[i]
		}
	}
	if name != nil {
		p.LastName = name.Family
		if len(name.Given) > 0 {
			p.FirstName = strings.Join(name.Given, " ")
		}
		if p.FirstName == "" && p.LastName == "" && name.Text != "" {
			p.FirstName = name.Text
		}
	}

	for _, cp := range r.Telecom {
		switch cp.System {
		case "phone", "sms":
			if p.Phone == "" {
				p.Phone = cp.Value
			}
		case "email":
			if p.Email == "" {
				p.Email = cp.Value
			}
		}
	}
	return p
}

// NormalizeAppointment flattens a FHIR Appointment; the provider is the first Practitioner participant
func NormalizeAppointment(r AppointmentResource) model.Appointment {
	a := model.Appointment{ID: r.ID, Status: r.Status, Description: r.Description}
	if r.Start != nil {
		a.Start = *r.Start
	}
	for _, part := range r.Participant {
		if strings.HasPrefix(part.Actor.Reference, "Practitioner/") {
			a.ProviderName = part.Actor.Display
			break
		}
	}
	return a
}
