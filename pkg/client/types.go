package client

import (
	"encoding/json"
	"time"
)

// Channel names.
const (
	ChannelCommand         = "command"
	ChannelCoordination    = "coordination"
	ChannelAudit           = "audit"
	ChannelResourceBargain = "resource_bargain"
	ChannelAlgedonic       = "algedonic"
)

// Message is an envelope to send. ID may be left empty; the server assigns a
// ULID.
type Message struct {
	ID       string            `json:"id,omitempty"`
	From     string            `json:"from"`
	To       string            `json:"to"`
	Channel  string            `json:"channel"`
	Type     string            `json:"type"`
	Payload  map[string]any    `json:"payload,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// Timestamp is set on messages received over a push session.
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Destination is one endpoint a message was routed to.
type Destination struct {
	Endpoint string   `json:"endpoint"`
	Strategy string   `json:"strategy"`
	Path     []string `json:"path,omitempty"`
}

// SendResult describes what the server did with a message.
type SendResult struct {
	MessageID     string            `json:"message_id"`
	Channel       string            `json:"channel"`
	Destinations  []Destination     `json:"destinations"`
	Delivered     []string          `json:"delivered,omitempty"`
	Failed        map[string]string `json:"failed,omitempty"`
	RateRemaining *int              `json:"rate_remaining,omitempty"`
	Signal        *EmitResult       `json:"signal,omitempty"`
}

// Storm describes a signal storm.
type Storm struct {
	Kind    string   `json:"kind"`
	Key     string   `json:"key"`
	Sources []string `json:"sources,omitempty"`
}

// StormStatus is a snapshot of an active storm.
type StormStatus struct {
	Storm       Storm     `json:"storm"`
	AggregateID string    `json:"aggregate_id"`
	Count       int       `json:"count"`
	Total       int       `json:"total"`
	Started     time.Time `json:"started"`
	LastSeen    time.Time `json:"last_seen"`
}

// SignalRequest raises an algedonic signal. Kind defaults to "pain".
type SignalRequest struct {
	Kind        string             `json:"kind,omitempty"`
	Severity    string             `json:"severity"`
	Source      string             `json:"source"`
	Description string             `json:"description"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Context     map[string]string  `json:"context,omitempty"`
}

// EmitResult describes what the server did with a signal.
type EmitResult struct {
	SignalID        string            `json:"signal_id"`
	State           string            `json:"state"`
	Path            []string          `json:"escalation_path"`
	Delivered       []string          `json:"delivered,omitempty"`
	Failed          map[string]string `json:"failed,omitempty"`
	TimerArmed      bool              `json:"timer_armed"`
	AckDeadline     time.Time         `json:"ack_deadline,omitempty"`
	Suppressed      bool              `json:"suppressed,omitempty"`
	Storm           *Storm            `json:"storm,omitempty"`
	AggregatedCount int               `json:"aggregated_count,omitempty"`
	FailSafe        bool              `json:"failsafe,omitempty"`
}

// Acknowledgment is one response recorded on a signal.
type Acknowledgment struct {
	SignalID            string     `json:"signal_id"`
	Acknowledger        string     `json:"acknowledger"`
	Type                string     `json:"type"`
	Timestamp           time.Time  `json:"timestamp"`
	EstimatedResolution *time.Time `json:"estimated_resolution,omitempty"`
}

// Signal is a live algedonic signal.
type Signal struct {
	ID              string             `json:"signal_id"`
	Kind            string             `json:"kind"`
	Severity        string             `json:"severity"`
	Source          string             `json:"source"`
	Description     string             `json:"description"`
	Metrics         map[string]float64 `json:"metrics,omitempty"`
	Context         map[string]string  `json:"context,omitempty"`
	EscalationPath  []string           `json:"escalation_path"`
	ResponseSLA     time.Duration      `json:"response_sla"`
	BypassFilters   bool               `json:"bypass_filters"`
	RequiresAck     bool               `json:"requires_ack"`
	State           string             `json:"state"`
	LastAck         *Acknowledgment    `json:"last_ack,omitempty"`
	Acks            []Acknowledgment   `json:"acks,omitempty"`
	AggregatedCount int                `json:"aggregated_count,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// AckRequest acknowledges a signal.
type AckRequest struct {
	Type                string     `json:"ack_type"`
	Acknowledger        string     `json:"acknowledger"`
	EstimatedResolution *time.Time `json:"estimated_resolution,omitempty"`
}

// AckResult describes what an acknowledgment did. Applied is false for
// no-ops; Reason then says why ("unknown_signal", "signal_closed",
// "invalid_ack").
type AckResult struct {
	SignalID string `json:"signal_id"`
	Applied  bool   `json:"applied"`
	Previous string `json:"previous_state,omitempty"`
	State    string `json:"state,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RateCheck is the outcome of a rate-limit probe.
type RateCheck struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// EndpointSpec registers an endpoint.
type EndpointSpec struct {
	Name         string   `json:"name"`
	Class        string   `json:"class,omitempty"`
	Parent       string   `json:"parent,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	WebhookURL   string   `json:"webhook_url,omitempty"`
	Secret       string   `json:"webhook_secret,omitempty"`
}

// Endpoint is a registered endpoint as reported by the server. Webhook
// secrets are never returned.
type Endpoint struct {
	Name         string   `json:"name"`
	Class        string   `json:"class"`
	Parent       string   `json:"parent,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	WebhookURL   string   `json:"webhook_url,omitempty"`
	Origin       string   `json:"origin"`
	CreatedAt    int64    `json:"created_at"`
}

// AuditEvent is one entry of the audit trail.
type AuditEvent struct {
	Seq          uint64             `json:"seq"`
	Name         string             `json:"name"`
	Measurements map[string]float64 `json:"measurements,omitempty"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
	Time         time.Time          `json:"time"`
}

// DeadLetter is one undelivered message held by the server.
type DeadLetter struct {
	ID       string    `json:"id"`
	Endpoint string    `json:"endpoint"`
	Message  Message   `json:"message"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
	Attempts int       `json:"attempts"`
}

// HealthInfo is returned by Health.
type HealthInfo struct {
	Status    string `json:"status"`
	NodeID    string `json:"node_id"`
	Endpoints int    `json:"endpoints"`
	Signals   int    `json:"live_signals"`
	Storms    int    `json:"active_storms"`
	Uptime    string `json:"uptime"`
	UptimeMs  int64  `json:"uptime_ms"`
	Version   string `json:"version"`
}

// ─── Internal wire types ──────────────────────────────────────────────────────

type wireAuditRecord struct {
	Seq   uint64 `json:"seq"`
	Event struct {
		Name         string             `json:"name"`
		Measurements map[string]float64 `json:"measurements,omitempty"`
		Metadata     map[string]string  `json:"metadata,omitempty"`
		Time         time.Time          `json:"time"`
	} `json:"event"`
}

func (w wireAuditRecord) toEvent() AuditEvent {
	return AuditEvent{
		Seq:          w.Seq,
		Name:         w.Event.Name,
		Measurements: w.Event.Measurements,
		Metadata:     w.Event.Metadata,
		Time:         w.Event.Time,
	}
}

type rateWire struct {
	Allowed      bool  `json:"allowed"`
	Remaining    int   `json:"remaining"`
	RetryAfterMs int64 `json:"retry_after_ms"`
}

type pushFrame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	SignalID  string          `json:"signal_id,omitempty"`
	Applied   *bool           `json:"applied,omitempty"`
	State     string          `json:"state,omitempty"`
	Error     string          `json:"error,omitempty"`
}
