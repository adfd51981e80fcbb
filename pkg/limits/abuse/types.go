package abuse

import (
	"strings"
	"time"
)

// Action is what the caller should do with an evaluated event.
type Action string

const (
	ActionAllow    Action = "ALLOW"
	ActionThrottle Action = "THROTTLE"
	ActionBlock    Action = "BLOCK"
	ActionBan      Action = "BAN"
)

// Severity is ordered: SeverityNone < SeverityLow < ... < SeverityCritical.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"NONE", "LOW", "MEDIUM", "HIGH", "CRITICAL"}

// String returns the upper-case severity name.
func (s Severity) String() string {
	if s < SeverityNone || s > SeverityCritical {
		return "UNKNOWN"
	}
	return severityNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseSeverity parses a severity name. Unknown names map to SeverityNone.
func ParseSeverity(name string) Severity {
	for i, n := range severityNames {
		if strings.EqualFold(n, name) {
			return Severity(i)
		}
	}
	return SeverityNone
}

// Tag identifies the heuristic behind a Reason.
type Tag string

const (
	TagBurst        Tag = "BURST"
	TagLowEntropy   Tag = "LOW_ENTROPY"
	TagRepetition   Tag = "REPETITION"
	TagReputation   Tag = "REPUTATION"
	TagAddressScore Tag = "ADDRESS_SCORE"
)

// Reason is one heuristic finding.
type Reason struct {
	Tag      Tag      `json:"tag"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail,omitempty"`
}

// Signal is one inbound event to evaluate.
type Signal struct {
	TenantID      string
	ActorID       string
	SourceAddress string

	// Content is the message text, if any.
	Content string

	// Timestamp defaults to now.
	Timestamp time.Time
}

// Verdict is the outcome of Evaluate.
type Verdict struct {
	// Abusive is true for any action other than ALLOW.
	Abusive  bool     `json:"abusive"`
	Action   Action   `json:"action"`
	Severity Severity `json:"severity"`
	Reasons  []Reason `json:"reasons"`
}

// Tags returns the reason tags in order.
func (v Verdict) Tags() []string {
	out := make([]string, 0, len(v.Reasons))
	for _, r := range v.Reasons {
		out = append(out, string(r.Tag))
	}
	return out
}

func allow() Verdict {
	return Verdict{Action: ActionAllow, Severity: SeverityNone}
}
