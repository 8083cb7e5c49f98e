// Package telemetry defines the side-channel instrumentation events emitted by
// the validator, router, rate limiter, algedonic engine and delivery layer.
//
// Producers receive a Sink through their constructor and call Emit. Sinks must
// be safe for concurrent use and must not block for long: Emit is called on the
// hot path, sometimes while a signal's lock is held.
package telemetry

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Event names.
const (
	MessageSent     = "vsm.channel.message.sent"
	MessageRejected = "vsm.channel.message.rejected"
	RateRejected    = "vsm.ratelimit.rejected"

	SignalRouted       = "vsm.algedonic.signal.routed"
	SignalAcknowledged = "vsm.algedonic.signal.acknowledged"
	SignalEscalated    = "vsm.algedonic.signal.escalated"
	SignalResolved     = "vsm.algedonic.signal.resolved"
	SignalFalseAlarm   = "vsm.algedonic.signal.false_alarm"
	SignalExpired      = "vsm.algedonic.signal.expired"
	SignalRateLimited  = "vsm.algedonic.rate_limited"
	StormDetected      = "vsm.algedonic.storm.detected"
	StormSuppressed    = "vsm.algedonic.storm.suppressed"
	StormEnded         = "vsm.algedonic.storm.ended"
	FailSafeTriggered  = "vsm.algedonic.failsafe.triggered"

	DeliverySucceeded = "vsm.delivery.succeeded"
	DeliveryFailed    = "vsm.delivery.failed"
)

// Well-known metadata keys.
const (
	KeySubsystem = "subsystem"
	KeySeverity  = "severity"
	KeySignalID  = "signal_id"
	KeyMessageID = "message_id"
	KeyChannel   = "channel"
	KeyEndpoint  = "endpoint"
	KeyReason    = "reason"
	KeyState     = "state"
)

// Event is one telemetry observation.
type Event struct {
	Name         string             `json:"name"`
	Measurements map[string]float64 `json:"measurements,omitempty"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
	Time         time.Time          `json:"time"`
}

// New builds an Event stamped with the current UTC time. kv is a flat list of
// metadata key/value pairs; a trailing odd key is dropped.
func New(name string, kv ...string) Event {
	ev := Event{Name: name, Time: time.Now().UTC()}
	if len(kv) >= 2 {
		ev.Metadata = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			ev.Metadata[kv[i]] = kv[i+1]
		}
	}
	return ev
}

// Measure returns a copy of ev with one more measurement.
func (ev Event) Measure(key string, v float64) Event {
	m := make(map[string]float64, len(ev.Measurements)+1)
	for k, old := range ev.Measurements {
		m[k] = old
	}
	m[key] = v
	ev.Measurements = m
	return ev
}

// Get returns a metadata value or "".
func (ev Event) Get(key string) string { return ev.Metadata[key] }

// Sink receives telemetry events.
type Sink interface {
	Emit(Event)
}

// Func adapts a function into a Sink.
type Func func(Event)

// Emit calls f(ev).
func (f Func) Emit(ev Event) { f(ev) }

// Nop discards every event.
var Nop Sink = Func(func(Event) {})

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop
	}
	return s
}

// Multi fans each event out to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type multi []Sink

func (m multi) Emit(ev Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}

// LogSink mirrors events into slog. Failure events log at warn level, the
// fail-safe at error level, everything else at debug.
type LogSink struct {
	Logger *slog.Logger
}

// Emit implements Sink.
func (l LogSink) Emit(ev Event) {
	lg := l.Logger
	if lg == nil {
		lg = slog.Default()
	}
	attrs := make([]any, 0, 2*(len(ev.Metadata)+len(ev.Measurements)))
	for k, v := range ev.Metadata {
		attrs = append(attrs, k, v)
	}
	for k, v := range ev.Measurements {
		attrs = append(attrs, k, v)
	}
	switch {
	case ev.Name == FailSafeTriggered:
		lg.Error(ev.Name, attrs...)
	case strings.HasSuffix(ev.Name, ".failed"),
		strings.HasSuffix(ev.Name, ".rejected"),
		strings.HasSuffix(ev.Name, ".escalated"),
		ev.Name == SignalRateLimited:
		lg.Warn(ev.Name, attrs...)
	default:
		lg.Debug(ev.Name, attrs...)
	}
}

// Recorder keeps every event in memory. It is meant for tests and for the
// debugging endpoint of small deployments.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink.
func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Named returns the recorded events with the given name.
func (r *Recorder) Named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// Count returns how many events with the given name were recorded.
func (r *Recorder) Count(name string) int { return len(r.Named(name)) }

// Reset drops everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
