// Package bus is the entry point for everything that puts traffic on the VSM
// message bus.
//
// All application code (HTTP handlers, WebSocket sessions, the CLI through the
// HTTP API) talks to the Bus, never to the router, limiter or engine
// directly.
//
// Data flow:
//
//	Producer → Bus.Send → validate → ratelimit (non-algedonic) → router
//	         → delivery.Dispatcher                      (ordinary channels)
//	         → algedonic.Engine.Emit → fan-out          (algedonic channel)
//	Responder → Bus.Acknowledge → algedonic.Engine.Acknowledge
package bus

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/sneh-joshi/vsmbus/internal/algedonic"
	"github.com/sneh-joshi/vsmbus/internal/endpoint"
	"github.com/sneh-joshi/vsmbus/internal/ratelimit"
	"github.com/sneh-joshi/vsmbus/internal/router"
	"github.com/sneh-joshi/vsmbus/internal/telemetry"
	"github.com/sneh-joshi/vsmbus/internal/types"
	"github.com/sneh-joshi/vsmbus/internal/validate"
)

var tracer = otel.Tracer("github.com/sneh-joshi/vsmbus/internal/bus")

// ─── Results ──────────────────────────────────────────────────────────────────

// SendResult describes what Send did with a message.
type SendResult struct {
	MessageID    string               `json:"message_id"`
	Channel      types.Channel        `json:"channel"`
	Destinations []router.Destination `json:"destinations"`
	Delivered    []types.Endpoint     `json:"delivered,omitempty"`
	Failed       map[string]string    `json:"failed,omitempty"` // endpoint -> reason

	// RateRemaining is the sender's quota left on this channel. Nil for
	// algedonic traffic, which is governed by the signal guard instead.
	RateRemaining *int `json:"rate_remaining,omitempty"`

	// Signal is set for algedonic messages.
	Signal *algedonic.EmitResult `json:"signal,omitempty"`
}

// ─── Options ──────────────────────────────────────────────────────────────────

// Option configures a Bus.
type Option func(*options)

type options struct {
	sink   telemetry.Sink
	now    func() time.Time
	timers algedonic.Timers
	newID  func() (string, error)
}

// WithSink sets the telemetry sink shared by every stage.
func WithSink(s telemetry.Sink) Option { return func(o *options) { o.sink = telemetry.OrNop(s) } }

// WithClock injects the time source of the limiter, router and engine.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithTimers hands the engine an external timer facility; see
// algedonic.WithTimers.
func WithTimers(t algedonic.Timers) Option { return func(o *options) { o.timers = t } }

// WithIDGenerator overrides the signal id generator.
func WithIDGenerator(f func() (string, error)) Option { return func(o *options) { o.newID = f } }

// ─── Bus ──────────────────────────────────────────────────────────────────────

// Bus wires the pipeline together. Safe for concurrent use.
type Bus struct {
	reg     *endpoint.Registry
	deliver algedonic.Deliverer
	sink    telemetry.Sink

	router  *router.Router
	limiter *ratelimit.Limiter
	engine  *algedonic.Engine

	deliveryTimeout atomic.Int64 // nanoseconds
}

// New builds a Bus over reg that delivers through d.
func New(reg *endpoint.Registry, d algedonic.Deliverer, s Settings, opts ...Option) *Bus {
	o := options{sink: telemetry.Nop, now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}

	engineOpts := []algedonic.Option{algedonic.WithSink(o.sink), algedonic.WithClock(o.now)}
	if o.timers != nil {
		engineOpts = append(engineOpts, algedonic.WithTimers(o.timers))
	}
	if o.newID != nil {
		engineOpts = append(engineOpts, algedonic.WithIDGenerator(o.newID))
	}

	b := &Bus{
		reg:     reg,
		deliver: d,
		sink:    o.sink,
		router: router.New(reg,
			router.WithSink(o.sink),
			router.WithConversationTTL(s.ConversationTTL),
			router.WithClock(o.now),
		),
		limiter: ratelimit.New(s.RateLimits, ratelimit.WithSink(o.sink), ratelimit.WithClock(o.now)),
		engine:  algedonic.New(d, s.Algedonic, engineOpts...),
	}
	b.setDeliveryTimeout(s.DeliveryTimeout)
	return b
}

// Start runs the engine's timers until ctx is done or Close is called.
func (b *Bus) Start(ctx context.Context) { b.engine.Start(ctx) }

// Close stops the engine.
func (b *Bus) Close() { b.engine.Close() }

// Reconfigure swaps rate-limit, guard, storm and timing settings.
func (b *Bus) Reconfigure(s Settings) {
	b.limiter.Reconfigure(s.RateLimits)
	b.engine.Reconfigure(s.Algedonic)
	b.setDeliveryTimeout(s.DeliveryTimeout)
}

func (b *Bus) setDeliveryTimeout(d time.Duration) {
	if d <= 0 {
		d = 5 * time.Second
	}
	b.deliveryTimeout.Store(int64(d))
}

// Registry returns the endpoint registry.
func (b *Bus) Registry() *endpoint.Registry { return b.reg }

// Engine returns the algedonic engine.
func (b *Bus) Engine() *algedonic.Engine { return b.engine }

// ─── Send ─────────────────────────────────────────────────────────────────────

// Send validates, admits, routes and delivers msg. A validation, rate-limit or
// routing failure is returned as an error and nothing is delivered. A failure
// to reach a destination is reported in the result.
func (b *Bus) Send(ctx context.Context, msg types.Message) (SendResult, error) {
	ctx, span := tracer.Start(ctx, "bus.Send", trace.WithAttributes(
		attribute.String("vsm.message_id", msg.ID),
		attribute.String("vsm.channel", string(msg.Channel)),
		attribute.String("vsm.from", string(msg.From)),
		attribute.String("vsm.to", string(msg.To)),
	))
	defer span.End()

	res, err := b.send(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(
		attribute.Int("vsm.destinations", len(res.Destinations)),
		attribute.Int("vsm.delivered", len(res.Delivered)),
	)
	span.SetStatus(codes.Ok, "")
	return res, nil
}

func (b *Bus) send(ctx context.Context, msg types.Message) (SendResult, error) {
	msg, err := b.admit(msg)
	if err != nil {
		return SendResult{}, err
	}
	res := SendResult{MessageID: msg.ID, Channel: msg.Channel}

	if msg.Channel != types.ChannelAlgedonic {
		left, err := b.limiter.CheckRate(msg.From.Root(), string(msg.Channel))
		if err != nil {
			return res, err
		}
		res.RateRemaining = &left
	}

	dests, err := b.router.Resolve(msg)
	if err != nil {
		return res, err
	}
	res.Destinations = dests

	if msg.Channel == types.ChannelAlgedonic {
		// The fan-out and any fail-safe alert outlive the caller's deadline.
		er, err := b.emit(context.WithoutCancel(ctx), SignalFromMessage(msg))
		if err != nil {
			return res, err
		}
		// Guard rejections and storm folds are reported by the engine.
		if !er.Suppressed {
			b.router.MarkSent(msg, len(dests))
		}
		res.Signal = &er
		res.Delivered = er.Delivered
		res.Failed = er.Failed
		return res, nil
	}

	b.router.MarkSent(msg, len(dests))
	res.Delivered, res.Failed = b.deliverAll(ctx, msg, dests)
	return res, nil
}

// admit validates msg and returns a copy with canonical endpoint spellings.
func (b *Bus) admit(msg types.Message) (types.Message, error) {
	if err := validate.Validate(msg, b.reg); err != nil {
		return msg, err
	}
	msg = msg.Clone()
	if c, ok := b.reg.Canonical(msg.From); ok {
		msg.From = c
	}
	if c, ok := b.reg.Canonical(msg.To); ok {
		msg.To = c
	}
	return msg, nil
}

// deliverAll hands msg to every destination concurrently, each attempt under
// the delivery timeout. One failure never cancels the others.
func (b *Bus) deliverAll(ctx context.Context, msg types.Message, dests []router.Destination) ([]types.Endpoint, map[string]string) {
	timeout := time.Duration(b.deliveryTimeout.Load())
	errs := make([]error, len(dests))

	var g errgroup.Group
	for i, d := range dests {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			start := time.Now()
			errs[i] = b.deliver.Deliver(cctx, d.Endpoint, msg)
			b.deliveryEvent(msg, d.Endpoint, time.Since(start), errs[i])
			return nil
		})
	}
	_ = g.Wait()

	var ok []types.Endpoint
	var failed map[string]string
	for i, d := range dests {
		if errs[i] == nil {
			ok = append(ok, d.Endpoint)
			continue
		}
		if failed == nil {
			failed = make(map[string]string)
		}
		failed[string(d.Endpoint)] = errs[i].Error()
	}
	return ok, failed
}

func (b *Bus) deliveryEvent(msg types.Message, to types.Endpoint, took time.Duration, err error) {
	name := telemetry.DeliverySucceeded
	if err != nil {
		name = telemetry.DeliveryFailed
	}
	ev := telemetry.New(name,
		telemetry.KeySubsystem, string(msg.From.Root()),
		telemetry.KeyEndpoint, string(to),
		telemetry.KeyMessageID, msg.ID,
		telemetry.KeyChannel, string(msg.Channel),
	).Measure("duration_ms", float64(took.Milliseconds()))
	if err != nil {
		ev.Metadata[telemetry.KeyReason] = err.Error()
	}
	b.sink.Emit(ev)
}

// Route computes the destinations of msg without delivering it. The message
// is validated first. Routing side effects (conversation bindings, telemetry)
// still apply.
func (b *Bus) Route(msg types.Message) ([]router.Destination, error) {
	msg, err := b.admit(msg)
	if err != nil {
		return nil, err
	}
	return b.router.Route(msg)
}

// CheckRate takes one token from the (subsystem, identifier) bucket.
func (b *Bus) CheckRate(subsystem types.Endpoint, identifier string) (int, error) {
	return b.limiter.CheckRate(subsystem, identifier)
}

// ─── Algedonic ───────────────────────────────────────────────────────────────

// Emit raises an algedonic signal directly. The source must be a known
// endpoint holding the algedonic capability.
func (b *Bus) Emit(ctx context.Context, sig types.Signal) (algedonic.EmitResult, error) {
	ctx, span := tracer.Start(ctx, "bus.Emit", trace.WithAttributes(
		attribute.String("vsm.source", string(sig.Source)),
		attribute.String("vsm.severity", sig.Severity.String()),
		attribute.String("vsm.kind", string(sig.Kind)),
	))
	defer span.End()

	ep, err := b.reg.Resolve(sig.Source)
	if err != nil {
		err = fmt.Errorf("%w: %v", algedonic.ErrInvalidSignal, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return algedonic.EmitResult{}, err
	}
	if !ep.Can(endpoint.CapAlgedonic) {
		err := &router.Error{
			Kind:    router.UnauthorizedChannel,
			Channel: types.ChannelAlgedonic,
			Detail:  fmt.Sprintf("%s lacks the algedonic capability", ep.Name),
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return algedonic.EmitResult{}, err
	}
	sig.Source = ep.Name

	res, err := b.emit(ctx, sig)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(
		attribute.String("vsm.signal_id", res.SignalID),
		attribute.Bool("vsm.suppressed", res.Suppressed),
		attribute.Bool("vsm.failsafe", res.FailSafe),
	)
	span.SetStatus(codes.Ok, "")
	return res, nil
}

func (b *Bus) emit(ctx context.Context, sig types.Signal) (algedonic.EmitResult, error) {
	return b.engine.Emit(ctx, sig)
}

// Acknowledge applies ack to a signal. The acknowledger is canonicalised when
// it resolves.
func (b *Bus) Acknowledge(id string, ack types.Acknowledgment) (algedonic.AckResult, error) {
	if c, ok := b.reg.Canonical(ack.Acknowledger); ok {
		ack.Acknowledger = c
	}
	return b.engine.Acknowledge(id, ack)
}

// Signal returns a snapshot of one live signal.
func (b *Bus) Signal(id string) (types.Signal, bool) { return b.engine.Signal(id) }

// Signals lists live signals, optionally filtered by state.
func (b *Bus) Signals(state types.SignalState) []types.Signal { return b.engine.Signals(state) }

// Storms lists the active storms.
func (b *Bus) Storms() []algedonic.StormStatus { return b.engine.Storms() }

// ─── Message → Signal ────────────────────────────────────────────────────────

// SignalFromMessage builds the signal an algedonic message carries. Severity
// and description come from the payload or metadata; kind, metrics and
// context from the payload. Kind defaults to pain.
func SignalFromMessage(msg types.Message) types.Signal {
	rawSev, desc := validate.AlgedonicFields(msg)
	sev, _ := types.ParseSeverity(rawSev)

	sig := types.Signal{
		Kind:        types.KindPain,
		Severity:    sev,
		Source:      msg.From,
		Description: desc,
		Context:     map[string]string{"message_id": msg.ID},
	}
	if k, ok := msg.Payload["kind"].(string); ok && types.SignalKind(k).Valid() {
		sig.Kind = types.SignalKind(k)
	}
	if m, ok := msg.Payload["metrics"].(map[string]any); ok {
		sig.Metrics = make(map[string]float64, len(m))
		for k, v := range m {
			if f, ok := toFloat(v); ok {
				sig.Metrics[k] = f
			}
		}
	}
	if c, ok := msg.Payload["context"].(map[string]any); ok {
		for k, v := range c {
			sig.Context[k] = fmt.Sprint(v)
		}
	}
	if corr, ok := msg.Meta(types.MetaCorrelationID); ok {
		sig.Context[types.MetaCorrelationID] = corr
	}
	return sig
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
