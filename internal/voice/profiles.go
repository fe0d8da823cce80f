package voice

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// ErrUnknownAgentNumber is returned when a number is not in the agent table
var ErrUnknownAgentNumber = errors.New("unknown agent callback number")

// Profile is the outbound call profile used when calling back on behalf of an agent number
type Profile struct {
	AgentNumber string
	AgentID     string
	FromNumber  string
}

// Profiles is the static table of known agent numbers
type Profiles struct {
	byNumber map[string]Profile
}

// NormalizePhone strips formatting so "+1 (415) 555-0111" and "+14155550111" compare equal.
// A leading "+" is kept; ten-digit numbers are assumed to be NANP and get "+1".
func NormalizePhone(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for i, r := range s {
		switch {
		case r == '+' && i == 0:
			b.WriteRune(r)
		case unicode.IsDigit(r):
			b.WriteRune(r)
		}
	}
	out := b.String()
	if !strings.HasPrefix(out, "+") {
		switch len(out) {
		case 10:
			out = "+1" + out
		case 11:
			if out[0] == '1' {
				out = "+" + out
			}
		}
	}
	return out
}

// ParseProfiles reads "agentNumber=agentID@fromNumber" entries separated by commas.
// The from number may be omitted, in which case calls go out from the agent number.
func ParseProfiles(raw string) (*Profiles, error) {
	p := &Profiles{byNumber: map[string]Profile{}}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		number, rest, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("agent profile %q: expected number=agent_id[@from_number]", entry)
		}
		agentID, from, _ := strings.Cut(rest, "@")
		number = NormalizePhone(number)
		agentID = strings.TrimSpace(agentID)
		if number == "" || agentID == "" {
			return nil, fmt.Errorf("agent profile %q: number and agent id are required", entry)
		}
		from = NormalizePhone(from)
		if from == "" {
			from = number
		}
		if _, dup := p.byNumber[number]; dup {
			return nil, fmt.Errorf("agent profile %q: duplicate number", entry)
		}
		p.byNumber[number] = Profile{AgentNumber: number, AgentID: agentID, FromNumber: from}
	}
	return p, nil
}

// Lookup returns the profile for an agent number
func (p *Profiles) Lookup(number string) (Profile, bool) {
	if p == nil {
		return Profile{}, false
	}
	prof, ok := p.byNumber[NormalizePhone(number)]
	return prof, ok
}

// Resolve is Lookup returning ErrUnknownAgentNumber for unknown numbers
func (p *Profiles) Resolve(number string) (Profile, error) {
	prof, ok := p.Lookup(number)
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrUnknownAgentNumber, number)
	}
	return prof, nil
}

// AgentNumberFor picks whichever of the call's numbers is a known agent.
// The number the patient dialled wins over the caller id.
func (p *Profiles) AgentNumberFor(toNumber, fromNumber string) (string, bool) {
	for _, n := range []string{toNumber, fromNumber} {
		if prof, ok := p.Lookup(n); ok {
			return prof.AgentNumber, true
		}
	}
	return "", false
}

// Numbers lists the known agent numbers in sorted order
func (p *Profiles) Numbers() []string {
	if p == nil {
		return nil
	}
	out := make([]string, 0, len(p.byNumber))
	for n := range p.byNumber {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Len is the number of known agents
func (p *Profiles) Len() int {
	if p == nil {
		return 0
	}
	return len(p.byNumber)
}

// MaskPhone masks a phone number for logging (e.g., +1********11)
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return phone[:2] + strings.Repeat("*", len(phone)-4) + phone[len(phone)-2:]
}
