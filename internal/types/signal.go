package types

import (
	"fmt"
	"strings"
	"time"
)

// Severity is the urgency of an algedonic signal. Severities are totally
// ordered; a larger value is more urgent and SeverityCritical is maximal.
type Severity uint8

const (
	SeverityUnknown Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// Severities lists the valid severities from most to least urgent.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// String returns the wire representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Valid reports whether s is one of the four defined severities.
func (s Severity) Valid() bool { return s >= SeverityLow && s <= SeverityCritical }

// MoreUrgentThan reports whether s outranks o.
func (s Severity) MoreUrgentThan(o Severity) bool { return s > o }

// ParseSeverity converts a case-insensitive name into a Severity.
func ParseSeverity(v string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	}
	return SeverityUnknown, fmt.Errorf("types: unknown severity %q", v)
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// SignalKind distinguishes pain from pleasure signals.
type SignalKind string

const (
	KindPain     SignalKind = "pain"
	KindPleasure SignalKind = "pleasure"
)

// Valid reports whether k is pain or pleasure.
func (k SignalKind) Valid() bool { return k == KindPain || k == KindPleasure }

// SignalState is the lifecycle state of an algedonic signal.
type SignalState string

const (
	StateCreated      SignalState = "created"
	StateRouted       SignalState = "routed"
	StateAcknowledged SignalState = "acknowledged"
	StateEscalated    SignalState = "escalated"
	StateResolved     SignalState = "resolved"
	StateFalseAlarm   SignalState = "false_alarm"
)

// Terminal reports whether no further transition is possible from s.
func (s SignalState) Terminal() bool { return s == StateResolved || s == StateFalseAlarm }

// AckType classifies an acknowledgment.
type AckType string

const (
	AckReceived      AckType = "received"
	AckInvestigating AckType = "investigating"
	AckResponding    AckType = "responding"
	AckResolved      AckType = "resolved"
	AckEscalated     AckType = "escalated"
	AckFalseAlarm    AckType = "false_alarm"
)

// Valid reports whether t is a known acknowledgment type.
func (t AckType) Valid() bool {
	switch t {
	case AckReceived, AckInvestigating, AckResponding, AckResolved, AckEscalated, AckFalseAlarm:
		return true
	}
	return false
}

// Acknowledgment is a response from a destination to an algedonic signal.
// SignalID is a non-owning back reference.
type Acknowledgment struct {
	SignalID            string     `json:"signal_id"`
	Acknowledger        Endpoint   `json:"acknowledger"`
	Type                AckType    `json:"type"`
	Timestamp           time.Time  `json:"timestamp"`
	EstimatedResolution *time.Time `json:"estimated_resolution,omitempty"`
}

// Signal is an algedonic signal together with its escalation state.
// The algedonic engine is the only owner; everything handed out is a copy.
type Signal struct {
	ID          string             `json:"signal_id"`
	Kind        SignalKind         `json:"kind"`
	Severity    Severity           `json:"severity"`
	Source      Endpoint           `json:"source"`
	Description string             `json:"description"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Context     map[string]string  `json:"context,omitempty"`

	EscalationPath []Endpoint    `json:"escalation_path"`
	ResponseSLA    time.Duration `json:"response_sla"` // 0 = best effort
	BypassFilters  bool          `json:"bypass_filters"`
	RequiresAck    bool          `json:"requires_ack"`

	State   SignalState      `json:"state"`
	LastAck *Acknowledgment  `json:"last_ack,omitempty"`
	Acks    []Acknowledgment `json:"acks,omitempty"`

	// AggregatedCount is the number of signals folded into this one during a
	// storm. Zero for ordinary signals.
	AggregatedCount int `json:"aggregated_count,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the signal.
func (s Signal) Clone() Signal {
	c := s
	if s.Metrics != nil {
		c.Metrics = make(map[string]float64, len(s.Metrics))
		for k, v := range s.Metrics {
			c.Metrics[k] = v
		}
	}
	c.Context = cloneMeta(s.Context)
	c.EscalationPath = append([]Endpoint(nil), s.EscalationPath...)
	c.Acks = append([]Acknowledgment(nil), s.Acks...)
	if s.LastAck != nil {
		a := *s.LastAck
		c.LastAck = &a
	}
	return c
}
