package algedonic

import "github.com/sneh-joshi/vsmbus/internal/types"

// timerAction is what a transition does to the signal's escalation timer.
type timerAction int

const (
	timerKeep timerAction = iota
	timerCancel
	timerArmGrace // cancel whatever is armed and arm the grace timer
)

// ackStep is the effect of one acknowledgment.
type ackStep struct {
	next     types.SignalState
	record   bool // append to history
	timer    timerAction
	escalate bool // notify escalation targets
}

// stepAck computes the effect of ack on a signal in state cur whose latest
// acknowledgment is last. It is pure: the engine applies the result under the
// signal's lock.
//
//	created|routed  + received|investigating|responding → acknowledged, arm grace
//	acknowledged    + received|investigating|responding → acknowledged, re-arm grace
//	escalated       + received|investigating|responding → escalated, recorded only
//	any open        + resolved                          → resolved
//	any open        + false_alarm                       → false_alarm
//	created|routed|acknowledged + escalated             → escalated, notify
//	escalated       + escalated                         → recorded only
//
// A repeat of the latest ack (same acknowledger and type) is a no-op and
// returns ok=true with record=false. Terminal states return an AckError.
func stepAck(id string, cur types.SignalState, last *types.Acknowledgment, ack types.Acknowledgment) (ackStep, error) {
	if cur.Terminal() {
		return ackStep{}, &AckError{Kind: SignalClosed, SignalID: id, State: cur}
	}
	if !ack.Type.Valid() || ack.Acknowledger == "" {
		return ackStep{}, &AckError{Kind: InvalidAck, SignalID: id}
	}
	if last != nil && last.Acknowledger == ack.Acknowledger && last.Type == ack.Type {
		return ackStep{next: cur}, nil
	}

	switch ack.Type {
	case types.AckResolved:
		return ackStep{next: types.StateResolved, record: true, timer: timerCancel}, nil
	case types.AckFalseAlarm:
		return ackStep{next: types.StateFalseAlarm, record: true, timer: timerCancel}, nil
	case types.AckEscalated:
		if cur == types.StateEscalated {
			return ackStep{next: cur, record: true}, nil
		}
		return ackStep{next: types.StateEscalated, record: true, timer: timerCancel, escalate: true}, nil
	}

	// received, investigating, responding
	if cur == types.StateEscalated {
		return ackStep{next: cur, record: true}, nil
	}
	return ackStep{next: types.StateAcknowledged, record: true, timer: timerArmGrace}, nil
}

// timerKind distinguishes the two escalation timers.
type timerKind string

const (
	kindSLA   timerKind = "sla"
	kindGrace timerKind = "grace"
)

// stepTimer computes the effect of an escalation timer of the given kind
// firing while the signal is in cur. ok is false when the timer lost a race
// and must be ignored.
func stepTimer(cur types.SignalState, kind timerKind) (next types.SignalState, ok bool) {
	switch {
	case kind == kindSLA && (cur == types.StateRouted || cur == types.StateCreated):
		return types.StateEscalated, true
	case kind == kindGrace && cur == types.StateAcknowledged:
		return types.StateEscalated, true
	}
	return cur, false
}
