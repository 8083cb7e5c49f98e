package algedonic

import (
	"errors"
	"fmt"
	"time"

	"github.com/sneh-joshi/vsmbus/internal/types"
)

var (
	// ErrRateLimited is returned by Emit when the guard rejects a signal.
	// Critical signals never see it.
	ErrRateLimited = errors.New("algedonic: rate limited")

	// ErrInvalidSignal is returned by Emit for a signal missing its kind,
	// severity, source or description.
	ErrInvalidSignal = errors.New("algedonic: invalid signal")

	// ErrAck matches every *AckError via errors.Is.
	ErrAck = errors.New("algedonic: acknowledgment not applied")
)

// RateLimitError carries the back-off hint for a rejected signal.
type RateLimitError struct {
	Source     types.Endpoint
	Severity   types.Severity
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("algedonic: rate limited: %s signals from %s, retry after %s", e.Severity, e.Source, e.RetryAfter)
}

// Unwrap exposes ErrRateLimited.
func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// AckErrorKind classifies why an acknowledgment was not applied.
type AckErrorKind string

const (
	UnknownSignal AckErrorKind = "unknown_signal"
	SignalClosed  AckErrorKind = "signal_closed"
	InvalidAck    AckErrorKind = "invalid_ack"
)

// AckError reports an acknowledgment that was treated as a no-op. Callers
// should not treat it as a hard failure: it is the expected outcome of an
// ack racing a terminal transition.
type AckError struct {
	Kind     AckErrorKind
	SignalID string
	State    types.SignalState // for SignalClosed
}

func (e *AckError) Error() string {
	switch e.Kind {
	case SignalClosed:
		return fmt.Sprintf("algedonic: signal %s already %s", e.SignalID, e.State)
	case InvalidAck:
		return fmt.Sprintf("algedonic: invalid acknowledgment for %s", e.SignalID)
	}
	return fmt.Sprintf("algedonic: unknown signal %s", e.SignalID)
}

// Is makes errors.Is(err, ErrAck) true for every ack error.
func (e *AckError) Is(target error) bool { return target == ErrAck }
