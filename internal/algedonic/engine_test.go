package algedonic

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sneh-joshi/vsmbus/internal/telemetry"
	"github.com/sneh-joshi/vsmbus/internal/types"
)

// ─── fakes ───────────────────────────────────────────────────────────────────

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type armed struct {
	tag string
	at  time.Time
}

type fakeTimers struct {
	mu    sync.Mutex
	armed map[string]armed
}

func newFakeTimers() *fakeTimers { return &fakeTimers{armed: make(map[string]armed)} }

func (f *fakeTimers) Schedule(id, tag string, at time.Time) {
	f.mu.Lock()
	f.armed[id] = armed{tag: tag, at: at}
	f.mu.Unlock()
}

func (f *fakeTimers) Cancel(id string) {
	f.mu.Lock()
	delete(f.armed, id)
	f.mu.Unlock()
}

func (f *fakeTimers) get(id string) (armed, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.armed[id]
	return a, ok
}

// fire pops the timer and hands it to the engine, as the scheduler would.
func (f *fakeTimers) fire(t *testing.T, e *Engine, id string) {
	t.Helper()
	f.mu.Lock()
	a, ok := f.armed[id]
	delete(f.armed, id)
	f.mu.Unlock()
	require.True(t, ok, "timer %s not armed", id)
	e.HandleTimer(id, a.tag)
}

type recordingDeliverer struct {
	mu   sync.Mutex
	fail map[types.Endpoint]bool
	got  []types.Message
}

func (d *recordingDeliverer) Deliver(_ context.Context, to types.Endpoint, msg types.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[to] {
		return fmt.Errorf("%s unreachable", to)
	}
	d.got = append(d.got, msg)
	return nil
}

func (d *recordingDeliverer) ofType(typ string) []types.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []types.Message
	for _, m := range d.got {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type harness struct {
	e      *Engine
	clock  *fakeClock
	timers *fakeTimers
	d      *recordingDeliverer
	rec    *telemetry.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:  newFakeClock(),
		timers: newFakeTimers(),
		d:      &recordingDeliverer{fail: map[types.Endpoint]bool{}},
		rec:    &telemetry.Recorder{},
	}
	h.e = New(h.d, DefaultConfig(),
		WithClock(h.clock.Now), WithTimers(h.timers), WithSink(h.rec))
	t.Cleanup(h.e.Close)
	return h
}

func pain(src types.Endpoint, sev types.Severity, desc string) types.Signal {
	return types.Signal{Kind: types.KindPain, Severity: sev, Source: src, Description: desc}
}

func investigating(by types.Endpoint) types.Acknowledgment {
	return types.Acknowledgment{Acknowledger: by, Type: types.AckInvestigating}
}

// ─── emission ────────────────────────────────────────────────────────────────

func TestEmit_LowSignalRoutedWithoutTimer(t *testing.T) {
	h := newHarness(t)

	res, err := h.e.Emit(context.Background(), pain("System1", types.SeverityLow, "queue depth rising"))
	require.NoError(t, err)

	assert.Equal(t, types.StateRouted, res.State)
	assert.Equal(t, []types.Endpoint{types.System3}, res.Path)
	assert.Equal(t, []types.Endpoint{types.System3}, res.Delivered)
	assert.False(t, res.TimerArmed)

	_, armedEsc := h.timers.get(res.SignalID + escSuffix)
	assert.False(t, armedEsc)
	_, armedRet := h.timers.get(res.SignalID + retSuffix)
	assert.True(t, armedRet, "best-effort signals get a retention timer")

	sig, ok := h.e.Signal(res.SignalID)
	require.True(t, ok)
	assert.Zero(t, sig.ResponseSLA)
	assert.False(t, sig.RequiresAck)
	assert.Equal(t, 1, h.rec.Count(telemetry.SignalRouted))
}

func TestEmit_CriticalFansOutAndArmsSLA(t *testing.T) {
	h := newHarness(t)

	res, err := h.e.Emit(context.Background(), pain("System1.db", types.SeverityCritical, "primary database down"))
	require.NoError(t, err)

	want := []types.Endpoint{types.System5, types.OperationsTeam, types.ExecutiveTeam}
	assert.Equal(t, want, res.Path)
	assert.ElementsMatch(t, want, res.Delivered)
	assert.Empty(t, res.Failed)
	assert.True(t, res.TimerArmed)
	assert.Equal(t, h.clock.Now().Add(30*time.Second), res.AckDeadline)

	tm, ok := h.timers.get(res.SignalID + escSuffix)
	require.True(t, ok)
	assert.Equal(t, "sla:1", tm.tag)

	msgs := h.d.ofType(TypeSignal)
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		assert.Equal(t, types.ChannelAlgedonic, m.Channel)
		assert.Equal(t, types.Endpoint("System1.db"), m.From)
		assert.Equal(t, "critical", m.Metadata[types.MetaSeverity])
		assert.Equal(t, res.SignalID, m.Metadata[types.MetaSignalID])
		assert.Equal(t, "true", m.Metadata[types.MetaBypass])
		assert.Equal(t, res.SignalID, m.Payload[types.MetaSignalID])
	}

	ev := h.rec.Named(telemetry.SignalRouted)
	require.Len(t, ev, 1)
	assert.Equal(t, "System1", ev[0].Get(telemetry.KeySubsystem))
	assert.Equal(t, "critical", ev[0].Get(telemetry.KeySeverity))
}

func TestEmit_RejectsIncompleteSignal(t *testing.T) {
	h := newHarness(t)
	cases := map[string]types.Signal{
		"kind":        {Severity: types.SeverityLow, Source: "System1", Description: "x"},
		"severity":    {Kind: types.KindPain, Source: "System1", Description: "x"},
		"source":      {Kind: types.KindPain, Severity: types.SeverityLow, Description: "x"},
		"description": {Kind: types.KindPain, Severity: types.SeverityLow, Source: "System1", Description: "  "},
	}
	for name, sig := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.e.Emit(context.Background(), sig)
			assert.ErrorIs(t, err, ErrInvalidSignal)
		})
	}
}

func TestEmit_HighRateLimitedAfterThreshold(t *testing.T) {
	h := newHarness(t)
	var rejected []int
	for i := 1; i <= 15; i++ {
		_, err := h.e.Emit(context.Background(), pain("System1", types.SeverityHigh, "latency above target"))
		if err != nil {
			var rl *RateLimitError
			require.ErrorAs(t, err, &rl)
			assert.ErrorIs(t, err, ErrRateLimited)
			assert.Positive(t, rl.RetryAfter)
			rejected = append(rejected, i)
		}
		h.clock.Advance(time.Second)
	}
	assert.Equal(t, []int{11, 12, 13, 14, 15}, rejected)
	assert.Equal(t, 5, h.rec.Count(telemetry.SignalRateLimited))
}

func TestEmit_ContentUniqueSignalsPassLimit(t *testing.T) {
	h := newHarness(t)
	for i := 1; i <= 15; i++ {
		_, err := h.e.Emit(context.Background(), pain("System1", types.SeverityHigh, fmt.Sprintf("pool %c exhausted", 'a'+i)))
		require.NoError(t, err, "signal %d", i)
		h.clock.Advance(time.Second)
	}
}

func TestEmit_CriticalNeverRateLimited(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 50; i++ {
		_, err := h.e.Emit(context.Background(), pain("System1", types.SeverityCritical, "power lost"))
		require.NoError(t, err)
		h.clock.Advance(time.Second) // stay clear of the source-burst window
	}
	assert.Zero(t, h.rec.Count(telemetry.SignalRateLimited))
}

// ─── acknowledgment ──────────────────────────────────────────────────────────

func TestAcknowledge_CancelsSLAAndArmsGrace(t *testing.T) {
	h := newHarness(t)
	res, err := h.e.Emit(context.Background(), pain("System1", types.SeverityCritical, "primary database down"))
	require.NoError(t, err)

	h.clock.Advance(10 * time.Second)
	ar, err := h.e.Acknowledge(res.SignalID, investigating(types.OperationsTeam))
	require.NoError(t, err)
	assert.True(t, ar.Applied)
	assert.Equal(t, types.StateRouted, ar.Previous)
	assert.Equal(t, types.StateAcknowledged, ar.State)

	tm, ok := h.timers.get(res.SignalID + escSuffix)
	require.True(t, ok)
	assert.Equal(t, "grace:2", tm.tag, "SLA timer replaced by grace timer")
	assert.Equal(t, h.clock.Now().Add(15*time.Minute), tm.at)

	sig, _ := h.e.Signal(res.SignalID)
	require.NotNil(t, sig.LastAck)
	assert.Equal(t, types.AckInvestigating, sig.LastAck.Type)
	assert.Equal(t, res.SignalID, sig.LastAck.SignalID)
	assert.Equal(t, 1, h.rec.Count(telemetry.SignalAcknowledged))
}

func TestAcknowledge_StaleSLAFireIsNoop(t *testing.T) {
	h := newHarness(t)
	res, _ := h.e.Emit(context.Background(), pain("System1", types.SeverityCritical, "primary database down"))
	sla, _ := h.timers.get(res.SignalID + escSuffix)

	_, err := h.e.Acknowledge(res.SignalID, investigating(types.System5))
	require.NoError(t, err)

	h.e.HandleTimer(res.SignalID+escSuffix, sla.tag)

	sig, _ := h.e.Signal(res.SignalID)
	assert.Equal(t, types.StateAcknowledged, sig.State)
	assert.Zero(t, h.rec.Count(telemetry.SignalEscalated))
}

func TestAcknowledge_Idempotent(t *testing.T) {
	h := newHarness(t)
	res, _ := h.e.Emit(context.Background(), pain("System1", types.SeverityHigh, "error budget burning"))

	first, err := h.e.Acknowledge(res.SignalID, investigating(types.System3))
	require.NoError(t, err)
	second, err := h.e.Acknowledge(res.SignalID, investigating(types.System3))
	require.NoError(t, err)

	assert.True(t, first.Applied)
	assert.False(t, second.Applied)
	assert.Equal(t, types.StateAcknowledged, second.State)

	sig, _ := h.e.Signal(res.SignalID)
	assert.Len(t, sig.Acks, 1)
}

func TestAcknowledge_ResolveClosesSignal(t *testing.T) {
	h := newHarness(t)
	res, _ := h.e.Emit(context.Background(), pain("System1", types.SeverityCritical, "primary database down"))

	_, err := h.e.Acknowledge(res.SignalID, investigating(types.OperationsTeam))
	require.NoError(t, err)
	ar, err := h.e.Acknowledge(res.SignalID, types.Acknowledgment{Acknowledger: types.OperationsTeam, Type: types.AckResolved})
	require.NoError(t, err)
	assert.Equal(t, types.StateResolved, ar.State)

	_, armedEsc := h.timers.get(res.SignalID + escSuffix)
	assert.False(t, armedEsc)
	_, armedRet := h.timers.get(res.SignalID + retSuffix)
	assert.True(t, armedRet)

	_, err = h.e.Acknowledge(res.SignalID, investigating(types.ExecutiveTeam))
	var ackErr *AckError
	require.ErrorAs(t, err, &ackErr)
	assert.Equal(t, SignalClosed, ackErr.Kind)
	assert.ErrorIs(t, err, ErrAck)

	h.clock.Advance(time.Hour)
	h.timers.fire(t, h.e, res.SignalID+retSuffix)
	_, ok := h.e.Signal(res.SignalID)
	assert.False(t, ok, "closed signal forgotten after retention")
}

func TestAcknowledge_UnknownAndInvalid(t *testing.T) {
	h := newHarness(t)

	_, err := h.e.Acknowledge("nope", investigating(types.System5))
	var ackErr *AckError
	require.ErrorAs(t, err, &ackErr)
	assert.Equal(t, UnknownSignal, ackErr.Kind)

	res, _ := h.e.Emit(context.Background(), pain("System1", types.SeverityHigh, "error budget burning"))
	_, err = h.e.Acknowledge(res.SignalID, types.Acknowledgment{Acknowledger: types.System5, Type: "shrug"})
	require.ErrorAs(t, err, &ackErr)
	assert.Equal(t, InvalidAck, ackErr.Kind)
}

// ─── escalation ──────────────────────────────────────────────────────────────

func TestEscalation_SLAExpiry(t *testing.T) {
	h := newHarness(t)
	res, _ := h.e.Emit(context.Background(), pain("System1", types.SeverityCritical, "primary database down"))

	h.clock.Advance(31 * time.Second)
	h.timers.fire(t, h.e, res.SignalID+escSuffix)
	h.e.Wait()

	sig, _ := h.e.Signal(res.SignalID)
	assert.Equal(t, types.StateEscalated, sig.State)

	notices := h.d.ofType(TypeEscalation)
	require.Len(t, notices, 1)
	assert.Equal(t, types.OnCall, notices[0].To)
	assert.Equal(t, "sla_expired", notices[0].Payload["reason"])

	ev := h.rec.Named(telemetry.SignalEscalated)
	require.Len(t, ev, 1)
	assert.Equal(t, "sla_expired", ev[0].Get(telemetry.KeyReason))

	// Acks are still recorded while escalated; resolution closes it.
	ar, err := h.e.Acknowledge(res.SignalID, investigating(types.OnCall))
	require.NoError(t, err)
	assert.Equal(t, types.StateEscalated, ar.State)
	ar, err = h.e.Acknowledge(res.SignalID, types.Acknowledgment{Acknowledger: types.OnCall, Type: types.AckResolved})
	require.NoError(t, err)
	assert.Equal(t, types.StateResolved, ar.State)
}

func TestEscalation_GraceExpiry(t *testing.T) {
	h := newHarness(t)
	res, _ := h.e.Emit(context.Background(), pain("System1", types.SeverityHigh, "error budget burning"))
	_, err := h.e.Acknowledge(res.SignalID, investigating(types.System3))
	require.NoError(t, err)

	h.clock.Advance(16 * time.Minute)
	h.timers.fire(t, h.e, res.SignalID+escSuffix)
	h.e.Wait()

	sig, _ := h.e.Signal(res.SignalID)
	assert.Equal(t, types.StateEscalated, sig.State)

	notices := h.d.ofType(TypeEscalation)
	require.Len(t, notices, 2)
	var to []types.Endpoint
	for _, m := range notices {
		to = append(to, m.To)
	}
	assert.ElementsMatch(t, []types.Endpoint{types.OperationsTeam, types.ExecutiveTeam}, to)
}

func TestEscalation_ExplicitAck(t *testing.T) {
	h := newHarness(t)
	res, _ := h.e.Emit(context.Background(), pain("System1", types.SeverityMedium, "disk filling"))

	ar, err := h.e.Acknowledge(res.SignalID, types.Acknowledgment{Acknowledger: types.System3, Type: types.AckEscalated})
	require.NoError(t, err)
	assert.Equal(t, types.StateEscalated, ar.State)
	h.e.Wait()

	// No medium targets configured: falls back to the high path.
	var to []types.Endpoint
	for _, m := range h.d.ofType(TypeEscalation) {
		to = append(to, m.To)
	}
	assert.ElementsMatch(t, []types.Endpoint{types.System5, types.System3}, to)
}

func TestEscalation_AckTimerRace(t *testing.T) {
	for i := 0; i < 200; i++ {
		h := newHarness(t)
		res, err := h.e.Emit(context.Background(), pain("System1", types.SeverityCritical, "primary database down"))
		require.NoError(t, err)
		sla, ok := h.timers.get(res.SignalID + escSuffix)
		require.True(t, ok)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = h.e.Acknowledge(res.SignalID, investigating(types.OperationsTeam))
		}()
		go func() {
			defer wg.Done()
			h.e.HandleTimer(res.SignalID+escSuffix, sla.tag)
		}()
		wg.Wait()
		h.e.Wait()

		sig, _ := h.e.Signal(res.SignalID)
		assert.Contains(t, []types.SignalState{types.StateAcknowledged, types.StateEscalated}, sig.State)
		assert.Len(t, sig.Acks, 1)
		assert.LessOrEqual(t, h.rec.Count(telemetry.SignalEscalated), 1)
	}
}

// ─── fail-safe and retention ────────────────────────────────────────────────

func TestFailSafe_CriticalWithNoReachableDestination(t *testing.T) {
	h := newHarness(t)
	h.d.fail[types.System5] = true
	h.d.fail[types.OperationsTeam] = true
	h.d.fail[types.ExecutiveTeam] = true

	res, err := h.e.Emit(context.Background(), pain("System1", types.SeverityCritical, "datacenter offline"))
	require.NoError(t, err)

	assert.True(t, res.FailSafe)
	assert.Empty(t, res.Delivered)
	assert.Len(t, res.Failed, 3)
	assert.Equal(t, 1, h.rec.Count(telemetry.FailSafeTriggered))
	assert.Equal(t, 3, h.rec.Count(telemetry.DeliveryFailed))

	alerts := h.d.ofType(TypeFailSafe)
	require.Len(t, alerts, 1)
	assert.Equal(t, types.OnCall, alerts[0].To)
	assert.Contains(t, alerts[0].Payload, "failed_deliveries")
}

func TestFailSafe_NotTriggeredOnPartialDelivery(t *testing.T) {
	h := newHarness(t)
	h.d.fail[types.ExecutiveTeam] = true

	res, err := h.e.Emit(context.Background(), pain("System1", types.SeverityCritical, "datacenter offline"))
	require.NoError(t, err)
	assert.False(t, res.FailSafe)
	assert.Len(t, res.Delivered, 2)
	assert.Contains(t, res.Failed, "ExecutiveTeam")
}

func TestDelivery_SlowDestinationTimesOut(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DeliveryTimeout = 50 * time.Millisecond
	block := make(chan struct{})
	defer close(block)

	d := DeliverFunc(func(ctx context.Context, to types.Endpoint, _ types.Message) error {
		if to == types.ExecutiveTeam {
			<-block
		}
		return nil
	})
	e := New(d, cfg, WithTimers(newFakeTimers()))
	defer e.Close()

	start := time.Now()
	res, err := e.Emit(context.Background(), pain("System1", types.SeverityCritical, "datacenter offline"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.ElementsMatch(t, []types.Endpoint{types.System5, types.OperationsTeam}, res.Delivered)
	assert.Contains(t, res.Failed, "ExecutiveTeam")
}

func TestRetention_UnackedBestEffortExpires(t *testing.T) {
	h := newHarness(t)
	res, _ := h.e.Emit(context.Background(), pain("System1", types.SeverityMedium, "disk filling"))

	h.clock.Advance(time.Hour)
	h.timers.fire(t, h.e, res.SignalID+retSuffix)

	_, ok := h.e.Signal(res.SignalID)
	assert.False(t, ok)
	assert.Equal(t, 1, h.rec.Count(telemetry.SignalExpired))
}

func TestRetention_AcknowledgedSignalExpiresOnceIdle(t *testing.T) {
	h := newHarness(t)
	res, _ := h.e.Emit(context.Background(), pain("System1", types.SeverityMedium, "disk filling"))

	h.clock.Advance(30 * time.Minute)
	_, err := h.e.Acknowledge(res.SignalID, investigating(types.System3))
	require.NoError(t, err)
	acked := h.clock.Now()

	// Fired early relative to the ack: the signal stays and the timer moves.
	h.clock.Advance(30 * time.Minute)
	h.timers.fire(t, h.e, res.SignalID+retSuffix)
	_, ok := h.e.Signal(res.SignalID)
	require.True(t, ok)
	tm, ok := h.timers.get(res.SignalID + retSuffix)
	require.True(t, ok, "retention re-armed")
	assert.Equal(t, acked.Add(time.Hour), tm.at)

	h.clock.Advance(30 * time.Minute)
	h.timers.fire(t, h.e, res.SignalID+retSuffix)
	_, ok = h.e.Signal(res.SignalID)
	assert.False(t, ok)
	ev := h.rec.Named(telemetry.SignalExpired)
	require.Len(t, ev, 1)
	assert.Equal(t, string(types.StateAcknowledged), ev[0].Get(telemetry.KeyState))
}

func TestRetention_EscalatedSignalExpires(t *testing.T) {
	h := newHarness(t)
	res, _ := h.e.Emit(context.Background(), pain("System1", types.SeverityCritical, "primary database down"))

	h.clock.Advance(31 * time.Second)
	h.timers.fire(t, h.e, res.SignalID+escSuffix)
	h.e.Wait()
	sig, _ := h.e.Signal(res.SignalID)
	require.Equal(t, types.StateEscalated, sig.State)

	tm, ok := h.timers.get(res.SignalID + retSuffix)
	require.True(t, ok, "escalated signals keep a retention timer")
	assert.Equal(t, h.clock.Now().Add(time.Hour), tm.at)

	h.clock.Advance(time.Hour)
	h.timers.fire(t, h.e, res.SignalID+retSuffix)
	_, ok = h.e.Signal(res.SignalID)
	assert.False(t, ok)
}

func TestRetention_WaitsForPendingGrace(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retention = time.Minute
	clock, timers := newFakeClock(), newFakeTimers()
	e := New(&recordingDeliverer{}, cfg, WithClock(clock.Now), WithTimers(timers))
	defer e.Close()

	res, _ := e.Emit(context.Background(), pain("System1", types.SeverityHigh, "error budget burning"))
	_, err := e.Acknowledge(res.SignalID, investigating(types.System3))
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	timers.fire(t, e, res.SignalID+retSuffix)
	_, ok := e.Signal(res.SignalID)
	assert.True(t, ok, "grace period still running")

	tm, _ := timers.get(res.SignalID + retSuffix)
	grace, _ := timers.get(res.SignalID + escSuffix)
	assert.Equal(t, grace.at.Add(time.Minute), tm.at)
}

func TestFailSafe_DeliveredAfterCallerDeadline(t *testing.T) {
	var mu sync.Mutex
	var oncall []types.Message
	d := DeliverFunc(func(ctx context.Context, to types.Endpoint, msg types.Message) error {
		if to == types.OnCall {
			if err := ctx.Err(); err != nil {
				return err
			}
			mu.Lock()
			oncall = append(oncall, msg)
			mu.Unlock()
			return nil
		}
		<-ctx.Done()
		return ctx.Err()
	})
	e := New(d, DefaultConfig(), WithTimers(newFakeTimers()))
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := e.Emit(ctx, pain("System1", types.SeverityCritical, "datacenter offline"))
	require.NoError(t, err)

	assert.True(t, res.FailSafe)
	assert.Empty(t, res.Delivered)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, oncall, 1)
	assert.Equal(t, TypeFailSafe, oncall[0].Type)
}

func TestEmit_AckDeadlineCountsFromEmission(t *testing.T) {
	clock := newFakeClock()
	d := DeliverFunc(func(context.Context, types.Endpoint, types.Message) error {
		clock.Advance(time.Second)
		return nil
	})
	timers := newFakeTimers()
	e := New(d, DefaultConfig(), WithClock(clock.Now), WithTimers(timers))
	defer e.Close()

	emitted := clock.Now()
	res, err := e.Emit(context.Background(), pain("System1", types.SeverityCritical, "primary database down"))
	require.NoError(t, err)
	require.Equal(t, emitted.Add(3*time.Second), clock.Now(), "three deliveries took a second each")

	assert.Equal(t, emitted.Add(30*time.Second), res.AckDeadline)
	tm, ok := timers.get(res.SignalID + escSuffix)
	require.True(t, ok)
	assert.Equal(t, res.AckDeadline, tm.at)
}

// ─── storms ──────────────────────────────────────────────────────────────────

func TestStorm_SimilarSignalsAggregated(t *testing.T) {
	h := newHarness(t)

	var results []EmitResult
	for i := 0; i < 20; i++ {
		src := types.Endpoint(fmt.Sprintf("System1.node%d", i))
		res, err := h.e.Emit(context.Background(), pain(src, types.SeverityHigh, fmt.Sprintf("disk %d%% full", 80+i)))
		require.NoError(t, err)
		results = append(results, res)
		h.clock.Advance(100 * time.Millisecond)
	}

	for i := 0; i < 9; i++ {
		assert.False(t, results[i].Suppressed, "signal %d", i)
		assert.Nil(t, results[i].Storm)
	}
	agg := results[9]
	require.NotNil(t, agg.Storm)
	assert.Equal(t, StormSimilar, agg.Storm.Kind)
	assert.False(t, agg.Suppressed)

	for i := 10; i < 20; i++ {
		assert.True(t, results[i].Suppressed, "signal %d", i)
		assert.Equal(t, agg.SignalID, results[i].SignalID)
	}
	assert.Equal(t, 11, results[19].AggregatedCount)

	sig, ok := h.e.Signal(agg.SignalID)
	require.True(t, ok)
	assert.Equal(t, 11, sig.AggregatedCount)
	assert.Equal(t, "11", sig.Context["storm_count"])
	assert.Equal(t, "similar_burst", sig.Context["storm"])

	// 10 signals delivered individually to both destinations; the rest folded.
	assert.Len(t, h.d.ofType(TypeSignal), 20)
	assert.Equal(t, 1, h.rec.Count(telemetry.StormDetected))
	assert.Equal(t, 10, h.rec.Count(telemetry.StormSuppressed))

	storms := h.e.Storms()
	require.Len(t, storms, 1)
	assert.Equal(t, agg.SignalID, storms[0].AggregateID)
	assert.Equal(t, 11, storms[0].Total)
}

func TestStorm_EndsAfterQuietPeriodWithSummary(t *testing.T) {
	h := newHarness(t)
	var aggID, stormID string
	for i := 0; i < 12; i++ {
		res, err := h.e.Emit(context.Background(), pain(types.Endpoint(fmt.Sprintf("System1.n%d", i)), types.SeverityLow, "cache miss spike"))
		require.NoError(t, err)
		if res.Storm != nil {
			aggID, stormID = res.SignalID, res.Storm.ID()
		}
	}
	require.NotEmpty(t, aggID)

	h.clock.Advance(6 * time.Second)
	h.timers.fire(t, h.e, stormPrefix+stormID)
	h.e.Wait()

	assert.Empty(t, h.e.Storms())
	ended := h.rec.Named(telemetry.StormEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, float64(3), ended[0].Measurements["storm_count"])

	summary := h.d.ofType(TypeStormSummary)
	require.Len(t, summary, 1)
	assert.Equal(t, types.System3, summary[0].To)
	assert.Equal(t, 3, summary[0].Payload["storm_total"])

	// After the storm a similar signal is delivered on its own again.
	res, err := h.e.Emit(context.Background(), pain("System1.late", types.SeverityLow, "cache miss spike"))
	require.NoError(t, err)
	assert.False(t, res.Suppressed)
	assert.NotEqual(t, aggID, res.SignalID)
}

func TestStorm_MoreUrgentSignalTakesOver(t *testing.T) {
	h := newHarness(t)
	var first EmitResult
	for i := 0; i < 10; i++ {
		res, err := h.e.Emit(context.Background(), pain(types.Endpoint(fmt.Sprintf("System1.n%d", i)), types.SeverityMedium, "replica lag"))
		require.NoError(t, err)
		first = res
	}
	require.NotNil(t, first.Storm)

	res, err := h.e.Emit(context.Background(), pain("System1.n99", types.SeverityCritical, "replica lag"))
	require.NoError(t, err)
	// Same fingerprint, higher severity: delivered on its own and becomes the
	// aggregate for the rest of the storm.
	assert.False(t, res.Suppressed)
	assert.NotEqual(t, first.SignalID, res.SignalID)
	require.NotNil(t, res.Storm)

	next, err := h.e.Emit(context.Background(), pain("System1.n100", types.SeverityMedium, "replica lag"))
	require.NoError(t, err)
	assert.True(t, next.Suppressed)
	assert.Equal(t, res.SignalID, next.SignalID)
}

func TestSignals_FilterByState(t *testing.T) {
	h := newHarness(t)
	a, _ := h.e.Emit(context.Background(), pain("System1", types.SeverityHigh, "a"))
	h.clock.Advance(time.Millisecond)
	b, _ := h.e.Emit(context.Background(), pain("System2", types.SeverityHigh, "b"))
	_, err := h.e.Acknowledge(b.SignalID, investigating(types.System5))
	require.NoError(t, err)

	all := h.e.Signals("")
	assert.Len(t, all, 2)
	routed := h.e.Signals(types.StateRouted)
	require.Len(t, routed, 1)
	assert.Equal(t, a.SignalID, routed[0].ID)
}

func TestEngine_OwnSchedulerFiresTimers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retention = 20 * time.Millisecond
	e := New(DeliverFunc(func(context.Context, types.Endpoint, types.Message) error { return nil }), cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Close()

	res, err := e.Emit(ctx, pain("System1", types.SeverityLow, "noise"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, ok := e.Signal(res.SignalID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTimerTag(t *testing.T) {
	k, gen, ok := parseTimerTag(timerTag(kindGrace, 7))
	require.True(t, ok)
	assert.Equal(t, kindGrace, k)
	assert.EqualValues(t, 7, gen)

	_, _, ok = parseTimerTag("quiet")
	assert.False(t, ok)
	_, _, ok = parseTimerTag("sla:x")
	assert.False(t, ok)
}
