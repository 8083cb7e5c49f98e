package bus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sneh-joshi/vsmbus/internal/algedonic"
	"github.com/sneh-joshi/vsmbus/internal/bus"
	"github.com/sneh-joshi/vsmbus/internal/config"
	"github.com/sneh-joshi/vsmbus/internal/delivery"
	"github.com/sneh-joshi/vsmbus/internal/endpoint"
	"github.com/sneh-joshi/vsmbus/internal/node"
	"github.com/sneh-joshi/vsmbus/internal/ratelimit"
	"github.com/sneh-joshi/vsmbus/internal/router"
	"github.com/sneh-joshi/vsmbus/internal/telemetry"
	"github.com/sneh-joshi/vsmbus/internal/types"
	"github.com/sneh-joshi/vsmbus/internal/validate"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type timers struct {
	mu    sync.Mutex
	armed map[string]string
}

func (t *timers) Schedule(id, tag string, _ time.Time) {
	t.mu.Lock()
	t.armed[id] = tag
	t.mu.Unlock()
}

func (t *timers) Cancel(id string) {
	t.mu.Lock()
	delete(t.armed, id)
	t.mu.Unlock()
}

type inbox struct {
	mu  sync.Mutex
	got map[types.Endpoint][]types.Message
}

func (in *inbox) handler(ep types.Endpoint) delivery.Handler {
	return func(_ context.Context, msg types.Message) error {
		in.mu.Lock()
		defer in.mu.Unlock()
		in.got[ep] = append(in.got[ep], msg)
		return nil
	}
}

func (in *inbox) count(ep types.Endpoint) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.got[ep])
}

type harness struct {
	bus    *bus.Bus
	disp   *delivery.Dispatcher
	inbox  *inbox
	rec    *telemetry.Recorder
	timers *timers
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg, err := endpoint.New("")
	require.NoError(t, err)

	h := &harness{
		disp:   delivery.New(reg),
		inbox:  &inbox{got: make(map[types.Endpoint][]types.Message)},
		rec:    &telemetry.Recorder{},
		timers: &timers{armed: make(map[string]string)},
	}
	for _, ep := range []types.Endpoint{types.System1, types.System3, types.System5, types.OperationsTeam, types.ExecutiveTeam} {
		for _, ch := range types.Channels {
			h.disp.Handle(ep, ch, delivery.AnyType, h.inbox.handler(ep))
		}
	}
	h.bus = bus.New(reg, h.disp, bus.DefaultSettings(), bus.WithSink(h.rec), bus.WithTimers(h.timers))
	t.Cleanup(h.bus.Close)
	return h
}

func message(t *testing.T, from, to types.Endpoint, ch types.Channel, typ string, payload map[string]any) types.Message {
	t.Helper()
	msg, err := node.NewMessage(from, to, ch, typ, payload, nil)
	require.NoError(t, err)
	return msg
}

// ─── Send ────────────────────────────────────────────────────────────────────

func TestSend_CommandDeliveredDownTheHierarchy(t *testing.T) {
	h := newHarness(t)
	res, err := h.bus.Send(context.Background(), message(t, "system5", types.System1, types.ChannelCommand, "execute", nil))
	require.NoError(t, err)

	require.Len(t, res.Destinations, 1)
	assert.Equal(t, types.System1, res.Destinations[0].Endpoint)
	assert.Equal(t, []types.Endpoint{types.System5, types.System3, types.System1}, res.Destinations[0].Path)
	assert.Equal(t, []types.Endpoint{types.System1}, res.Delivered)
	require.NotNil(t, res.RateRemaining)
	assert.Equal(t, 9, *res.RateRemaining)

	require.Equal(t, 1, h.inbox.count(types.System1))
	assert.Equal(t, types.System5, h.inbox.got[types.System1][0].From, "sender is canonicalised")
	assert.Equal(t, 1, h.rec.Count(telemetry.MessageSent))
	assert.Equal(t, 1, h.rec.Count(telemetry.DeliverySucceeded))
}

func TestSend_ValidationFailureDeliversNothing(t *testing.T) {
	h := newHarness(t)
	_, err := h.bus.Send(context.Background(), message(t, "Nowhere", types.System1, types.ChannelCommand, "execute", nil))
	require.ErrorIs(t, err, validate.ErrInvalid)
	assert.Equal(t, validate.UnknownEndpoint, validate.KindOf(err))
	assert.Zero(t, h.inbox.count(types.System1))
}

func TestSend_RoutingFailure(t *testing.T) {
	h := newHarness(t)
	_, err := h.bus.Send(context.Background(), message(t, types.System1, types.System5, types.ChannelCommand, "execute", nil))
	require.ErrorIs(t, err, router.ErrRouting)
	assert.Equal(t, router.NoDestination, router.KindOf(err))
}

func TestSend_RateLimitedPerSubsystemAndChannel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := h.bus.Send(ctx, message(t, types.System5, types.System3, types.ChannelCommand, "execute", nil))
		require.NoError(t, err, "message %d", i)
	}
	_, err := h.bus.Send(ctx, message(t, types.System5, types.System3, types.ChannelCommand, "execute", nil))
	var rl *ratelimit.Error
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, types.System5, rl.Subsystem)
	assert.Equal(t, "command", rl.Identifier)
	assert.Equal(t, 10, h.inbox.count(types.System3))

	// The audit channel has its own bucket.
	_, err = h.bus.Send(ctx, message(t, types.System5, types.System3, types.ChannelAudit, "report", nil))
	require.NoError(t, err)

	// Critical algedonic traffic is never rate limited.
	res, err := h.bus.Send(ctx, message(t, types.System5, types.System5, types.ChannelAlgedonic, "alert",
		map[string]any{"severity": "critical", "description": "policy breach"}))
	require.NoError(t, err)
	assert.Nil(t, res.RateRemaining)
	require.NotNil(t, res.Signal)
	assert.Len(t, res.Signal.Delivered, 3)
}

func TestSend_UnreachableDestinationReported(t *testing.T) {
	h := newHarness(t)
	h.disp.Unhandle(types.System1, types.ChannelCommand, delivery.AnyType)

	res, err := h.bus.Send(context.Background(), message(t, types.System3, types.System1, types.ChannelCommand, "execute", nil))
	require.NoError(t, err)
	assert.Empty(t, res.Delivered)
	assert.Contains(t, res.Failed, "System1")
	assert.Equal(t, 1, h.rec.Count(telemetry.DeliveryFailed))
}

// ─── Algedonic ───────────────────────────────────────────────────────────────

func TestSend_AlgedonicMessageBecomesSignal(t *testing.T) {
	h := newHarness(t)
	res, err := h.bus.Send(context.Background(), message(t, types.System1, types.System3, types.ChannelAlgedonic, "alert",
		map[string]any{
			"severity":    "high",
			"description": "error rate above 5%",
			"metrics":     map[string]any{"error_rate": 0.07},
		}))
	require.NoError(t, err)
	require.NotNil(t, res.Signal)

	assert.Equal(t, []types.Endpoint{types.System5, types.System3}, res.Signal.Path, "message `to` is ignored")
	assert.True(t, res.Signal.TimerArmed)
	assert.Equal(t, 1, h.inbox.count(types.System5))

	sig, ok := h.bus.Signal(res.Signal.SignalID)
	require.True(t, ok)
	assert.Equal(t, types.StateRouted, sig.State)
	assert.Equal(t, 0.07, sig.Metrics["error_rate"])
	assert.Equal(t, res.MessageID, sig.Context["message_id"])
}

func TestSend_AlgedonicCountedSentOnlyWhenAccepted(t *testing.T) {
	h := newHarness(t)
	send := func() error {
		_, err := h.bus.Send(context.Background(), message(t, types.System1, types.System3, types.ChannelAlgedonic, "alert",
			map[string]any{"severity": "low", "description": "queue depth rising"}))
		return err
	}

	require.NoError(t, send())
	require.NoError(t, send())
	err := send()
	require.ErrorIs(t, err, algedonic.ErrRateLimited, "low threshold is two per window")

	assert.Equal(t, 2, h.rec.Count(telemetry.MessageSent))
	assert.Equal(t, 2, h.inbox.count(types.System3))
}

func TestEmitAndAcknowledge(t *testing.T) {
	h := newHarness(t)
	res, err := h.bus.Emit(context.Background(), types.Signal{
		Kind:        types.KindPain,
		Severity:    types.SeverityCritical,
		Source:      "system1.billing",
		Description: "payment processor down",
	})
	require.NoError(t, err)

	sig, ok := h.bus.Signal(res.SignalID)
	require.True(t, ok)
	assert.Equal(t, types.Endpoint("System1.billing"), sig.Source)

	ack, err := h.bus.Acknowledge(res.SignalID, types.Acknowledgment{Acknowledger: "operationsteam", Type: types.AckInvestigating})
	require.NoError(t, err)
	assert.True(t, ack.Applied)
	assert.Equal(t, types.StateAcknowledged, ack.State)

	sig, _ = h.bus.Signal(res.SignalID)
	assert.Equal(t, types.OperationsTeam, sig.LastAck.Acknowledger)
	assert.Len(t, h.bus.Signals(types.StateAcknowledged), 1)
	assert.Empty(t, h.bus.Signals(types.StateRouted))

	_, err = h.bus.Acknowledge("nope", types.Acknowledgment{Acknowledger: types.System5, Type: types.AckReceived})
	assert.ErrorIs(t, err, algedonic.ErrAck)
}

func TestEmit_SourceChecks(t *testing.T) {
	h := newHarness(t)
	_, err := h.bus.Emit(context.Background(), types.Signal{
		Kind: types.KindPain, Severity: types.SeverityLow, Source: "Ghost", Description: "x",
	})
	assert.ErrorIs(t, err, algedonic.ErrInvalidSignal)

	_, err = h.bus.Emit(context.Background(), types.Signal{
		Kind: types.KindPain, Severity: types.SeverityLow, Source: types.OperationsTeam, Description: "x",
	})
	assert.Equal(t, router.UnauthorizedChannel, router.KindOf(err))
}

func TestRoute_DryRun(t *testing.T) {
	h := newHarness(t)
	dests, err := h.bus.Route(message(t, types.System3, types.System3, types.ChannelAlgedonic, "alert",
		map[string]any{"severity": "medium", "description": "latency creeping up"}))
	require.NoError(t, err)
	require.Len(t, dests, 2)
	assert.Equal(t, types.System3, dests[0].Endpoint)
	assert.Equal(t, router.EmergencyBypass, dests[0].Strategy)
	assert.Empty(t, h.bus.Signals(""), "dry run emits nothing")
	assert.Zero(t, h.inbox.count(types.System3))
}

func TestCheckRate(t *testing.T) {
	h := newHarness(t)
	left, err := h.bus.CheckRate(types.System4, "intel")
	require.NoError(t, err)
	assert.Equal(t, 49, left)
}

// ─── Settings ────────────────────────────────────────────────────────────────

func TestSettingsFrom_DefaultConfig(t *testing.T) {
	s, err := bus.SettingsFrom(config.Default())
	require.NoError(t, err)

	assert.Equal(t, ratelimit.Bucket{Capacity: 10, RefillPerSecond: 0.5}, s.RateLimits.Subsystems[types.System5])
	assert.Equal(t, ratelimit.Bucket{Capacity: 100, RefillPerSecond: 10}, s.RateLimits.Default)
	assert.Equal(t, 10, s.Algedonic.Guard.Thresholds[types.SeverityHigh])
	assert.Equal(t, []types.Endpoint{types.OnCall}, s.Algedonic.EscalationTargets[types.SeverityCritical])
	assert.Equal(t, []types.Endpoint{types.OnCall}, s.Algedonic.FailSafe)
	assert.Equal(t, 15*time.Minute, s.Algedonic.GracePeriod)
	assert.Equal(t, time.Hour, s.ConversationTTL)
}

func TestSettingsFrom_BadSeverity(t *testing.T) {
	cfg := config.Default()
	cfg.Algedonic.EscalationTargets["urgent"] = []string{"OnCall"}
	_, err := bus.SettingsFrom(cfg)
	assert.Error(t, err)
}

func TestReconfigure_TightensBudget(t *testing.T) {
	h := newHarness(t)
	s := bus.DefaultSettings()
	s.RateLimits.Subsystems[types.System4] = ratelimit.Bucket{Capacity: 1, RefillPerSecond: 0.1}
	h.bus.Reconfigure(s)

	_, err := h.bus.CheckRate(types.System4, "x")
	require.NoError(t, err)
	_, err = h.bus.CheckRate(types.System4, "x")
	assert.ErrorIs(t, err, ratelimit.ErrRateLimited)
}

func TestSignalFromMessage(t *testing.T) {
	msg := types.NewMessage("m1", types.System1, types.System3, types.ChannelAlgedonic, "alert",
		map[string]any{
			"kind":    "pleasure",
			"metrics": map[string]any{"throughput": 120, "bad": "x"},
			"context": map[string]any{"region": "eu", "shard": 3},
		},
		map[string]string{types.MetaSeverity: "LOW", types.MetaDescription: "record week", types.MetaCorrelationID: "c9"})

	sig := bus.SignalFromMessage(msg)
	assert.Equal(t, types.KindPleasure, sig.Kind)
	assert.Equal(t, types.SeverityLow, sig.Severity)
	assert.Equal(t, "record week", sig.Description)
	assert.Equal(t, map[string]float64{"throughput": 120}, sig.Metrics)
	assert.Equal(t, "eu", sig.Context["region"])
	assert.Equal(t, "3", sig.Context["shard"])
	assert.Equal(t, "c9", sig.Context[types.MetaCorrelationID])
	assert.Equal(t, "m1", sig.Context["message_id"])
}
