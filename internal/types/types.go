// Package types contains the core domain types shared across all vsmbus
// internal packages. It deliberately has zero imports of other vsmbus packages
// so that the validator, router, algedonic engine and transports can all
// import from it without creating import cycles.
package types

import (
	"strings"
	"time"
)

// Endpoint is a symbolic endpoint identifier: a subsystem name ("System3"),
// a team ("OperationsTeam") or a dotted component name ("System1.billing").
type Endpoint string

func (e Endpoint) String() string { return string(e) }

// Root returns the subsystem part of a dotted component name.
// For a plain endpoint it returns the endpoint itself.
func (e Endpoint) Root() Endpoint {
	if i := strings.IndexByte(string(e), '.'); i >= 0 {
		return e[:i]
	}
	return e
}

// Well-known endpoints of a viable system.
const (
	System1        Endpoint = "System1" // operations
	System2        Endpoint = "System2" // coordination
	System3        Endpoint = "System3" // control
	System4        Endpoint = "System4" // intelligence
	System5        Endpoint = "System5" // policy
	OperationsTeam Endpoint = "OperationsTeam"
	ExecutiveTeam  Endpoint = "ExecutiveTeam"
	OnCall         Endpoint = "OnCall"
)

// Channel is the category of an inter-subsystem communication. It decides
// the routing strategy and the admission rules applied to a message.
type Channel string

const (
	ChannelCommand         Channel = "command"
	ChannelCoordination    Channel = "coordination"
	ChannelAudit           Channel = "audit"
	ChannelAlgedonic       Channel = "algedonic"
	ChannelResourceBargain Channel = "resource_bargain"
)

// Channels lists every known channel in a stable order.
var Channels = []Channel{
	ChannelCommand,
	ChannelCoordination,
	ChannelAudit,
	ChannelAlgedonic,
	ChannelResourceBargain,
}

// Valid reports whether c is one of the five known channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelCommand, ChannelCoordination, ChannelAudit, ChannelAlgedonic, ChannelResourceBargain:
		return true
	}
	return false
}

func (c Channel) String() string { return string(c) }

// Well-known metadata keys.
const (
	MetaPriority       = "priority"
	MetaCorrelationID  = "correlation_id"
	MetaConversationID = "conversation_id"
	MetaSequence       = "sequence"
	MetaBypass         = "bypass"
	MetaSeverity       = "severity"
	MetaDescription    = "description"
	MetaSignalID       = "signal_id"
)

// Message is the canonical, immutable unit of inter-subsystem communication.
//
// Design rules:
//   - A Message is never mutated after construction. NewMessage and Clone
//     deep-copy Payload and Metadata so callers cannot alias internal maps.
//   - A response is a new Message whose metadata carries
//     correlation_id = original.ID (see NewReply).
//   - IDs are ULID strings: time-sortable, globally unique.
type Message struct {
	// ID is a ULID uniquely identifying this message; used for tracing.
	ID string `json:"id"`

	From Endpoint `json:"from"`
	To   Endpoint `json:"to"`

	Channel Channel `json:"channel"`

	// Type is a free-form action tag ("execute", "status_request", "alert").
	// Interpreted by destination handlers, never by the router.
	Type string `json:"type"`

	// Payload must be serialisable to JSON.
	Payload map[string]any `json:"payload,omitempty"`

	// Timestamp is the UTC creation time.
	Timestamp time.Time `json:"timestamp"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewMessage builds a Message with the given id. Payload and metadata are
// copied.
func NewMessage(id string, from, to Endpoint, ch Channel, typ string, payload map[string]any, meta map[string]string) Message {
	return Message{
		ID:        id,
		From:      from,
		To:        to,
		Channel:   ch,
		Type:      typ,
		Payload:   clonePayload(payload),
		Timestamp: time.Now().UTC(),
		Metadata:  cloneMeta(meta),
	}
}

// NewReply builds a response to orig travelling back on the same channel.
func NewReply(id string, orig Message, typ string, payload map[string]any) Message {
	meta := map[string]string{MetaCorrelationID: orig.ID}
	if conv, ok := orig.Metadata[MetaConversationID]; ok {
		meta[MetaConversationID] = conv
	}
	return NewMessage(id, orig.To, orig.From, orig.Channel, typ, payload, meta)
}

// Meta returns the metadata value for key.
func (m Message) Meta(key string) (string, bool) {
	v, ok := m.Metadata[key]
	return v, ok
}

// With returns a copy of m with an extra metadata entry. m is untouched.
func (m Message) With(key, value string) Message {
	c := m.Clone()
	if c.Metadata == nil {
		c.Metadata = make(map[string]string, 1)
	}
	c.Metadata[key] = value
	return c
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	c := m
	c.Payload = clonePayload(m.Payload)
	c.Metadata = cloneMeta(m.Metadata)
	return c
}

func cloneMeta(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// maxCloneDepth bounds the deep copy so a self-referencing payload cannot
// recurse forever. Anything deeper is shared, and rejected by validation.
const maxCloneDepth = 64

func clonePayload(in map[string]any) map[string]any {
	return clonePayloadDepth(in, 0)
}

func clonePayloadDepth(in map[string]any, depth int) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v, depth+1)
	}
	return out
}

func cloneValue(v any, depth int) any {
	if depth > maxCloneDepth {
		return v
	}
	switch t := v.(type) {
	case map[string]any:
		return clonePayloadDepth(t, depth)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i], depth+1)
		}
		return out
	case map[string]string:
		return cloneMeta(t)
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
