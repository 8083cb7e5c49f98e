package algedonic

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sneh-joshi/vsmbus/internal/node"
	"github.com/sneh-joshi/vsmbus/internal/scheduler"
	"github.com/sneh-joshi/vsmbus/internal/telemetry"
	"github.com/sneh-joshi/vsmbus/internal/types"
)

// Message types used for algedonic deliveries.
const (
	TypeSignal       = "algedonic_signal"
	TypeEscalation   = "algedonic_escalation"
	TypeFailSafe     = "algedonic_failsafe"
	TypeStormSummary = "algedonic_storm_summary"
)

// Timer ids are derived from the signal or storm id.
const (
	escSuffix   = "/esc"
	retSuffix   = "/ret"
	stormPrefix = "storm/"
	tagQuiet    = "quiet"
	tagRetain   = "retention"
)

// Timers arms and disarms one-shot timers. *scheduler.Scheduler satisfies it.
// The engine's HandleTimer must be wired as the fire callback.
type Timers interface {
	Schedule(id, tag string, at time.Time)
	Cancel(id string)
}

// Config tunes the engine. The policy table itself is fixed.
type Config struct {
	Guard           GuardConfig
	Storm           StormConfig
	DeliveryTimeout time.Duration
	GracePeriod     time.Duration
	Retention       time.Duration

	// EscalationTargets are notified when a signal escalates. A severity
	// without targets falls back to the path of the next more urgent
	// severity, and critical falls back to FailSafe.
	EscalationTargets map[types.Severity][]types.Endpoint

	// FailSafe receives the second-order alert raised when no destination of
	// a critical signal could be reached.
	FailSafe []types.Endpoint
}

// DefaultConfig returns the stock engine configuration.
func DefaultConfig() Config {
	return Config{
		Guard:           DefaultGuardConfig(),
		Storm:           DefaultStormConfig(),
		DeliveryTimeout: 5 * time.Second,
		GracePeriod:     15 * time.Minute,
		Retention:       time.Hour,
		EscalationTargets: map[types.Severity][]types.Endpoint{
			types.SeverityCritical: {types.OnCall},
			types.SeverityHigh:     {types.OperationsTeam, types.ExecutiveTeam},
		},
		FailSafe: []types.Endpoint{types.OnCall},
	}
}

// EmitResult describes what Emit did with a signal.
type EmitResult struct {
	SignalID    string            `json:"signal_id"`
	State       types.SignalState `json:"state"`
	Path        []types.Endpoint  `json:"escalation_path"`
	Delivered   []types.Endpoint  `json:"delivered,omitempty"`
	Failed      map[string]string `json:"failed,omitempty"` // endpoint -> reason
	TimerArmed  bool              `json:"timer_armed"`
	AckDeadline time.Time         `json:"ack_deadline,omitempty"`

	// Suppressed is true when the signal was folded into an existing storm
	// aggregate; SignalID is then the aggregate's id.
	Suppressed      bool   `json:"suppressed,omitempty"`
	Storm           *Storm `json:"storm,omitempty"`
	AggregatedCount int    `json:"aggregated_count,omitempty"`

	// FailSafe is true when every delivery of a critical signal failed and
	// the second-order alert was raised.
	FailSafe bool `json:"failsafe,omitempty"`
}

// AckResult describes what Acknowledge did.
type AckResult struct {
	Applied  bool              `json:"applied"`
	Previous types.SignalState `json:"previous_state"`
	State    types.SignalState `json:"state"`
}

// StormStatus is a snapshot of an active storm.
type StormStatus struct {
	Storm       Storm     `json:"storm"`
	AggregateID string    `json:"aggregate_id"`
	Count       int       `json:"count"` // folded into the current aggregate
	Total       int       `json:"total"` // since the storm started
	Started     time.Time `json:"started"`
	LastSeen    time.Time `json:"last_seen"`
}

type entry struct {
	mu    sync.Mutex
	sig   types.Signal
	gen   uint64    // escalation timer generation; a fire with another gen is stale
	escAt time.Time // pending SLA or grace deadline; zero when none is armed
}

// retainAt is when the signal may be forgotten: the retention window after
// its last change or its pending escalation deadline, whichever is later.
// Caller holds mu.
func (ent *entry) retainAt(retention time.Duration) time.Time {
	from := ent.sig.UpdatedAt
	if ent.escAt.After(from) {
		from = ent.escAt
	}
	return from.Add(retention)
}

type activeStorm struct {
	storm       Storm
	aggregateID string
	severity    types.Severity
	count       int
	total       int
	started     time.Time
	lastSeen    time.Time
}

// Engine owns every algedonic signal from emission to removal.
//
// There is no lock across signals: a RWMutex guards the index and each signal
// has its own mutex, so acknowledgments and timer fires for one signal are
// linearised while different signals proceed independently.
type Engine struct {
	deliver Deliverer
	sink    telemetry.Sink
	timers  Timers
	sched   *scheduler.Scheduler // set when the engine owns its timers
	now     func() time.Time
	newID   func() (string, error)

	guard  *Guard
	storms *StormDetector

	cfgMu sync.RWMutex
	cfg   Config

	mu      sync.RWMutex
	signals map[string]*entry

	stormMu sync.Mutex
	active  map[string]*activeStorm

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithSink sets the telemetry sink.
func WithSink(s telemetry.Sink) Option { return func(e *Engine) { e.sink = telemetry.OrNop(s) } }

// WithTimers injects the timer facility. The caller must route fires to
// HandleTimer. Without it the engine runs its own scheduler from Start.
func WithTimers(t Timers) Option { return func(e *Engine) { e.timers = t } }

// WithClock injects the time source used for timestamps and deadlines.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithIDGenerator overrides node.NewID for signal and message ids.
func WithIDGenerator(f func() (string, error)) Option { return func(e *Engine) { e.newID = f } }

// New returns an Engine that delivers through d.
func New(d Deliverer, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		deliver: d,
		sink:    telemetry.Nop,
		now:     time.Now,
		newID:   node.NewID,
		cfg:     cfg,
		signals: make(map[string]*entry),
		active:  make(map[string]*activeStorm),
	}
	for _, o := range opts {
		o(e)
	}
	if e.timers == nil {
		e.sched = scheduler.New()
		e.timers = e.sched
	}
	e.guard = NewGuard(cfg.Guard, e.now)
	e.storms = NewStormDetector(cfg.Storm, e.now)
	e.bg, e.cancel = context.WithCancel(context.Background())
	return e
}

// Start runs the engine's own scheduler, if it has one.
func (e *Engine) Start(ctx context.Context) {
	if e.sched != nil {
		e.sched.Start(ctx, e.HandleTimer)
	}
}

// Close abandons in-flight escalation notices and stops the scheduler.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
	if e.sched != nil {
		e.sched.Stop()
	}
}

// Wait blocks until background escalation and storm-summary deliveries have
// settled.
func (e *Engine) Wait() { e.wg.Wait() }

// Reconfigure swaps guard, storm and timing settings at runtime. Timers that
// are already armed keep their deadlines.
func (e *Engine) Reconfigure(cfg Config) {
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()
	e.guard.Reconfigure(cfg.Guard)
	e.storms.Reconfigure(cfg.Storm)
}

func (e *Engine) config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// Guard exposes the shouldAllow guard.
func (e *Engine) Guard() *Guard { return e.guard }

// ─── Emit ────────────────────────────────────────────────────────────────────

// Emit admits, routes and delivers a signal. Only kind, severity, source,
// description, metrics and context are taken from in; the rest is computed.
//
// Emit returns once every delivery attempt has settled. It returns
// ErrInvalidSignal for an incomplete signal and a *RateLimitError when the
// guard rejects it. Failure to reach a destination is reported in the result,
// not as an error.
func (e *Engine) Emit(ctx context.Context, in types.Signal) (EmitResult, error) {
	if err := checkSignal(in); err != nil {
		return EmitResult{}, err
	}

	if err := e.guard.Check(in); err != nil {
		e.sink.Emit(e.event(telemetry.SignalRateLimited, in))
		return EmitResult{}, err
	}

	detected, isStorm := e.storms.Observe(in)
	now := e.now()

	e.stormMu.Lock()
	as, ended := e.matchActive(in, now)

	if as != nil && !in.Severity.MoreUrgentThan(as.severity) {
		as.count++
		as.total++
		as.lastSeen = now
		st, aggID, count := as.storm, as.aggregateID, as.count
		e.stormMu.Unlock()
		e.finishStorms(ended)
		e.armQuiet(st.ID(), now)
		return e.fold(in, st, aggID, count), nil
	}

	var storm *Storm
	fresh := false
	switch {
	case as != nil:
		// More urgent than the aggregate: goes out on its own and takes over.
		as.severity = in.Severity
		as.count = 1
		as.total++
		as.lastSeen = now
		st := as.storm
		storm = &st
	case isStorm:
		as = &activeStorm{storm: detected, severity: in.Severity, count: 1, total: 1, started: now, lastSeen: now}
		e.active[detected.ID()] = as
		storm = &detected
		fresh = true
	}

	ent, err := e.register(in, now)
	if err != nil {
		if fresh {
			delete(e.active, detected.ID())
		}
		e.stormMu.Unlock()
		e.finishStorms(ended)
		return EmitResult{}, err
	}
	var agg types.Signal
	if storm != nil {
		ent.mu.Lock()
		as.aggregateID = ent.sig.ID
		ent.sig.AggregatedCount = 1
		ent.sig.Context[ctxStorm] = string(storm.Kind)
		ent.sig.Context[ctxStormCount] = "1"
		agg = ent.sig.Clone()
		ent.mu.Unlock()
	}
	e.stormMu.Unlock()
	e.finishStorms(ended)

	if storm != nil {
		if fresh {
			e.sink.Emit(e.event(telemetry.StormDetected, agg,
				"storm_kind", string(storm.Kind), "storm_id", storm.ID()))
			slog.Warn("algedonic: storm detected", "storm", storm.ID(), "aggregate", agg.ID)
		}
		e.armQuiet(storm.ID(), now)
	}

	res := e.route(ctx, ent)
	res.Storm = storm
	return res, nil
}

// Context keys set on storm aggregates.
const (
	ctxStorm      = "storm"
	ctxStormCount = "storm_count"
)

func checkSignal(in types.Signal) error {
	switch {
	case !in.Kind.Valid():
		return fmt.Errorf("%w: kind %q", ErrInvalidSignal, in.Kind)
	case !in.Severity.Valid():
		return fmt.Errorf("%w: severity %q", ErrInvalidSignal, in.Severity)
	case in.Source == "":
		return fmt.Errorf("%w: source is required", ErrInvalidSignal)
	case strings.TrimSpace(in.Description) == "":
		return fmt.Errorf("%w: description is required", ErrInvalidSignal)
	}
	return nil
}

// register builds the engine-owned signal in state created and indexes it.
func (e *Engine) register(in types.Signal, now time.Time) (*entry, error) {
	id, err := e.newID()
	if err != nil {
		return nil, fmt.Errorf("algedonic: generate signal id: %w", err)
	}
	pol := PolicyFor(in.Severity)

	sig := in.Clone()
	sig.ID = id
	sig.EscalationPath = pol.Path
	sig.ResponseSLA = pol.SLA
	sig.BypassFilters = pol.Bypass
	sig.RequiresAck = pol.RequiresAck
	sig.State = types.StateCreated
	sig.LastAck = nil
	sig.Acks = nil
	sig.AggregatedCount = 0
	sig.CreatedAt = now
	sig.UpdatedAt = now
	if sig.Context == nil {
		sig.Context = make(map[string]string)
	}

	ent := &entry{sig: sig}
	e.mu.Lock()
	e.signals[id] = ent
	e.mu.Unlock()
	return ent, nil
}

// route fans the signal out to its path and moves it to routed.
func (e *Engine) route(ctx context.Context, ent *entry) EmitResult {
	cfg := e.config()

	ent.mu.Lock()
	sig := ent.sig.Clone()
	ent.mu.Unlock()
	emitted := e.now()

	outs := fanOut(ctx, e.deliver, e.sink, cfg.DeliveryTimeout, sig.EscalationPath,
		func(to types.Endpoint) types.Message { return e.message(sig, to, TypeSignal, nil) },
		telemetry.KeySignalID, sig.ID, telemetry.KeySeverity, sig.Severity.String(),
		telemetry.KeySubsystem, string(sig.Source.Root()))

	res := EmitResult{
		SignalID:  sig.ID,
		Path:      sig.EscalationPath,
		Delivered: delivered(outs),
	}
	for _, o := range outs {
		if !o.OK() {
			if res.Failed == nil {
				res.Failed = make(map[string]string)
			}
			res.Failed[string(o.Endpoint)] = o.Err.Error()
		}
	}

	now := e.now()
	ent.mu.Lock()
	// An acknowledgment may already have arrived from a fast destination.
	if ent.sig.State == types.StateCreated {
		ent.sig.State = types.StateRouted
		ent.sig.UpdatedAt = now
		if ent.sig.RequiresAck {
			ent.gen++
			res.AckDeadline = emitted.Add(ent.sig.ResponseSLA)
			ent.escAt = res.AckDeadline
			e.timers.Schedule(sig.ID+escSuffix, timerTag(kindSLA, ent.gen), res.AckDeadline)
			res.TimerArmed = true
		}
	}
	res.State = ent.sig.State
	res.AggregatedCount = ent.sig.AggregatedCount
	snap := ent.sig.Clone()
	retainAt := ent.retainAt(cfg.Retention)
	ent.mu.Unlock()

	e.timers.Schedule(snap.ID+retSuffix, tagRetain, retainAt)

	e.sink.Emit(e.event(telemetry.SignalRouted, snap).
		Measure("destinations", float64(len(outs))).
		Measure("delivered", float64(len(res.Delivered))))

	if snap.Severity == types.SeverityCritical && len(res.Delivered) == 0 && len(outs) > 0 {
		res.FailSafe = true
		e.failSafe(ctx, snap, outs)
	}
	return res
}

// failSafe raises the second-order alert for a critical signal nobody got.
// The alert runs detached from ctx: the fan-out may have failed because ctx
// expired.
func (e *Engine) failSafe(ctx context.Context, sig types.Signal, outs []Outcome) {
	ctx = context.WithoutCancel(ctx)
	cfg := e.config()
	failed := make(map[string]any, len(outs))
	for _, o := range outs {
		failed[string(o.Endpoint)] = o.Err.Error()
	}

	e.sink.Emit(e.event(telemetry.FailSafeTriggered, sig).Measure("failed", float64(len(outs))))
	slog.Error("algedonic: critical signal reached no destination",
		"signal_id", sig.ID, "source", sig.Source, "description", sig.Description,
		"failsafe", cfg.FailSafe)

	if len(cfg.FailSafe) == 0 {
		return
	}
	extra := map[string]any{"failed_deliveries": failed}
	fanOut(ctx, e.deliver, e.sink, cfg.DeliveryTimeout, cfg.FailSafe,
		func(to types.Endpoint) types.Message { return e.message(sig, to, TypeFailSafe, extra) },
		telemetry.KeySignalID, sig.ID, telemetry.KeySeverity, sig.Severity.String(),
		telemetry.KeySubsystem, string(sig.Source.Root()))
}

// fold annotates the aggregate with a new count instead of delivering in.
func (e *Engine) fold(in types.Signal, st Storm, aggID string, count int) EmitResult {
	res := EmitResult{SignalID: aggID, Suppressed: true, Storm: &st, AggregatedCount: count}

	if ent := e.get(aggID); ent != nil {
		ent.mu.Lock()
		ent.sig.AggregatedCount = count
		ent.sig.Context[ctxStormCount] = strconv.Itoa(count)
		ent.sig.UpdatedAt = e.now()
		res.State = ent.sig.State
		res.Path = append([]types.Endpoint(nil), ent.sig.EscalationPath...)
		ent.mu.Unlock()
	}

	e.sink.Emit(e.event(telemetry.StormSuppressed, in,
		"aggregate_id", aggID, "storm_id", st.ID()).
		Measure("storm_count", float64(count)))
	return res
}

// ─── Acknowledge ─────────────────────────────────────────────────────────────

// Acknowledge applies ack to the signal with the given id. A repeated ack is
// a no-op with Applied=false. Acks for unknown or closed signals return an
// *AckError, which callers should treat as a no-op rather than a failure.
func (e *Engine) Acknowledge(id string, ack types.Acknowledgment) (AckResult, error) {
	ent := e.get(id)
	if ent == nil {
		return AckResult{}, &AckError{Kind: UnknownSignal, SignalID: id}
	}
	cfg := e.config()
	now := e.now()
	ack.SignalID = id
	if ack.Timestamp.IsZero() {
		ack.Timestamp = now
	}

	ent.mu.Lock()
	prev := ent.sig.State
	step, err := stepAck(id, prev, ent.sig.LastAck, ack)
	if err != nil {
		ent.mu.Unlock()
		return AckResult{Previous: prev, State: prev}, err
	}
	if !step.record {
		ent.mu.Unlock()
		return AckResult{Previous: prev, State: prev}, nil
	}

	ent.sig.Acks = append(ent.sig.Acks, ack)
	last := ack
	ent.sig.LastAck = &last
	ent.sig.State = step.next
	ent.sig.UpdatedAt = now

	switch step.timer {
	case timerCancel:
		ent.gen++
		ent.escAt = time.Time{}
		e.timers.Cancel(id + escSuffix)
	case timerArmGrace:
		if !ent.sig.RequiresAck {
			break
		}
		ent.gen++
		ent.escAt = now.Add(cfg.GracePeriod)
		e.timers.Schedule(id+escSuffix, timerTag(kindGrace, ent.gen), ent.escAt)
	}
	snap := ent.sig.Clone()
	retainAt := ent.retainAt(cfg.Retention)
	ent.mu.Unlock()

	name := telemetry.SignalAcknowledged
	switch snap.State {
	case types.StateResolved:
		name = telemetry.SignalResolved
	case types.StateFalseAlarm:
		name = telemetry.SignalFalseAlarm
	case types.StateEscalated:
		if prev != types.StateEscalated {
			name = telemetry.SignalEscalated
		}
	}
	e.sink.Emit(e.event(name, snap,
		"ack_type", string(ack.Type), "acknowledger", string(ack.Acknowledger),
		telemetry.KeyState, string(snap.State)).
		Measure("latency_ms", float64(now.Sub(snap.CreatedAt).Milliseconds())))

	e.timers.Schedule(id+retSuffix, tagRetain, retainAt)
	if step.escalate {
		e.notifyEscalation(snap, "acknowledger")
	}
	return AckResult{Applied: true, Previous: prev, State: snap.State}, nil
}

// ─── Timers ──────────────────────────────────────────────────────────────────

func timerTag(k timerKind, gen uint64) string { return string(k) + ":" + strconv.FormatUint(gen, 10) }

func parseTimerTag(tag string) (timerKind, uint64, bool) {
	k, g, ok := strings.Cut(tag, ":")
	if !ok {
		return "", 0, false
	}
	gen, err := strconv.ParseUint(g, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return timerKind(k), gen, true
}

// HandleTimer is the fire callback for every engine timer.
func (e *Engine) HandleTimer(id, tag string) {
	switch {
	case strings.HasPrefix(id, stormPrefix):
		e.onQuiet(strings.TrimPrefix(id, stormPrefix))
	case strings.HasSuffix(id, retSuffix):
		e.onRetention(strings.TrimSuffix(id, retSuffix))
	case strings.HasSuffix(id, escSuffix):
		e.onEscalationTimer(strings.TrimSuffix(id, escSuffix), tag)
	}
}

// onEscalationTimer escalates a signal whose SLA or grace period ran out.
// A fire from an older generation lost a race with an ack and is dropped.
func (e *Engine) onEscalationTimer(id, tag string) {
	kind, gen, ok := parseTimerTag(tag)
	if !ok {
		return
	}
	ent := e.get(id)
	if ent == nil {
		return
	}

	ent.mu.Lock()
	if ent.gen != gen {
		ent.mu.Unlock()
		return
	}
	next, ok := stepTimer(ent.sig.State, kind)
	if !ok {
		ent.mu.Unlock()
		return
	}
	ent.sig.State = next
	ent.sig.UpdatedAt = e.now()
	ent.gen++
	ent.escAt = time.Time{}
	snap := ent.sig.Clone()
	retainAt := ent.retainAt(e.config().Retention)
	ent.mu.Unlock()

	e.timers.Schedule(id+retSuffix, tagRetain, retainAt)

	e.sink.Emit(e.event(telemetry.SignalEscalated, snap, telemetry.KeyReason, string(kind)+"_expired"))
	slog.Warn("algedonic: signal escalated", "signal_id", id, "severity", snap.Severity.String(), "reason", string(kind)+"_expired")
	e.notifyEscalation(snap, string(kind)+"_expired")
}

// onRetention forgets a signal that has been idle for the retention window
// with no escalation clock running, whatever its state. A signal touched
// since the timer was armed gets a fresh one.
func (e *Engine) onRetention(id string) {
	ent := e.get(id)
	if ent == nil {
		return
	}
	ent.mu.Lock()
	sig := ent.sig
	due := ent.retainAt(e.config().Retention)
	ent.mu.Unlock()
	if e.now().Before(due) {
		e.timers.Schedule(id+retSuffix, tagRetain, due)
		return
	}

	e.mu.Lock()
	delete(e.signals, id)
	e.mu.Unlock()
	e.timers.Cancel(id + escSuffix)
	e.sink.Emit(e.event(telemetry.SignalExpired, sig, telemetry.KeyState, string(sig.State)))
}

func (e *Engine) armQuiet(stormID string, lastSeen time.Time) {
	e.timers.Schedule(stormPrefix+stormID, tagQuiet, lastSeen.Add(e.storms.QuietPeriod()))
}

// onQuiet ends a storm that has been quiet long enough, or re-arms.
func (e *Engine) onQuiet(stormID string) {
	now := e.now()
	quiet := e.storms.QuietPeriod()

	e.stormMu.Lock()
	as, ok := e.active[stormID]
	if !ok {
		e.stormMu.Unlock()
		return
	}
	if now.Sub(as.lastSeen) < quiet {
		last := as.lastSeen
		e.stormMu.Unlock()
		e.armQuiet(stormID, last)
		return
	}
	delete(e.active, stormID)
	e.stormMu.Unlock()

	e.finishStorms([]*activeStorm{as})
}

// matchActive returns the active storm sig belongs to, ending any storm whose
// quiet period has elapsed. Must be called with stormMu held. Ended storms are
// returned for finishStorms, which must run after stormMu is released.
func (e *Engine) matchActive(sig types.Signal, now time.Time) (*activeStorm, []*activeStorm) {
	quiet := e.storms.QuietPeriod()
	var ended []*activeStorm
	var match *activeStorm
	for id, as := range e.active {
		if now.Sub(as.lastSeen) >= quiet {
			delete(e.active, id)
			e.timers.Cancel(stormPrefix + id)
			ended = append(ended, as)
			continue
		}
		if as.storm.Matches(sig) && (match == nil || as.started.Before(match.started)) {
			match = as
		}
	}
	return match, ended
}

// finishStorms reports ended storms and sends each aggregate's final count
// to its path when anything was folded into it.
func (e *Engine) finishStorms(ended []*activeStorm) {
	for _, as := range ended {
		ev := telemetry.New(telemetry.StormEnded,
			"storm_id", as.storm.ID(), "storm_kind", string(as.storm.Kind),
			"aggregate_id", as.aggregateID).
			Measure("storm_count", float64(as.total)).
			Measure("duration_ms", float64(as.lastSeen.Sub(as.started).Milliseconds()))
		if sig, ok := e.Signal(as.aggregateID); ok {
			ev.Metadata[telemetry.KeySubsystem] = string(sig.Source.Root())
			ev.Metadata[telemetry.KeySeverity] = sig.Severity.String()
			ev.Metadata[telemetry.KeySignalID] = sig.ID
			if as.total > 1 {
				e.summarise(sig, as.total)
			}
		}
		e.sink.Emit(ev)
	}
}

func (e *Engine) summarise(sig types.Signal, total int) {
	cfg := e.config()
	extra := map[string]any{"storm_total": total}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fanOut(e.bg, e.deliver, e.sink, cfg.DeliveryTimeout, sig.EscalationPath,
			func(to types.Endpoint) types.Message { return e.message(sig, to, TypeStormSummary, extra) },
			telemetry.KeySignalID, sig.ID, telemetry.KeySeverity, sig.Severity.String(),
			telemetry.KeySubsystem, string(sig.Source.Root()))
	}()
}

// notifyEscalation sends the out-of-band escalation notice in the
// background. Timer fires happen on the scheduler goroutine, which must not
// wait on slow destinations.
func (e *Engine) notifyEscalation(sig types.Signal, reason string) {
	cfg := e.config()
	targets := escalationTargets(cfg, sig.Severity)
	if len(targets) == 0 {
		return
	}
	extra := map[string]any{"reason": reason}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fanOut(e.bg, e.deliver, e.sink, cfg.DeliveryTimeout, targets,
			func(to types.Endpoint) types.Message { return e.message(sig, to, TypeEscalation, extra) },
			telemetry.KeySignalID, sig.ID, telemetry.KeySeverity, sig.Severity.String(),
			telemetry.KeySubsystem, string(sig.Source.Root()))
	}()
}

// escalationTargets resolves who hears about an escalation of sev.
func escalationTargets(cfg Config, sev types.Severity) []types.Endpoint {
	if t := cfg.EscalationTargets[sev]; len(t) > 0 {
		return append([]types.Endpoint(nil), t...)
	}
	if sev == types.SeverityCritical {
		return append([]types.Endpoint(nil), cfg.FailSafe...)
	}
	return PolicyFor(sev + 1).Path
}

// ─── Queries ─────────────────────────────────────────────────────────────────

func (e *Engine) get(id string) *entry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.signals[id]
}

// Signal returns a copy of the signal with the given id.
func (e *Engine) Signal(id string) (types.Signal, bool) {
	ent := e.get(id)
	if ent == nil {
		return types.Signal{}, false
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return ent.sig.Clone(), true
}

// Signals returns copies of the live signals, oldest first. An empty state
// returns all of them.
func (e *Engine) Signals(state types.SignalState) []types.Signal {
	e.mu.RLock()
	ents := make([]*entry, 0, len(e.signals))
	for _, ent := range e.signals {
		ents = append(ents, ent)
	}
	e.mu.RUnlock()

	out := make([]types.Signal, 0, len(ents))
	for _, ent := range ents {
		ent.mu.Lock()
		if state == "" || ent.sig.State == state {
			out = append(out, ent.sig.Clone())
		}
		ent.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Storms returns the active storms.
func (e *Engine) Storms() []StormStatus {
	e.stormMu.Lock()
	defer e.stormMu.Unlock()
	out := make([]StormStatus, 0, len(e.active))
	for _, as := range e.active {
		out = append(out, StormStatus{
			Storm: as.storm, AggregateID: as.aggregateID,
			Count: as.count, Total: as.total,
			Started: as.started, LastSeen: as.lastSeen,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func (e *Engine) event(name string, sig types.Signal, kv ...string) telemetry.Event {
	base := []string{
		telemetry.KeySubsystem, string(sig.Source.Root()),
		telemetry.KeySeverity, sig.Severity.String(),
	}
	if sig.ID != "" {
		base = append(base, telemetry.KeySignalID, sig.ID)
	}
	return telemetry.New(name, append(base, kv...)...)
}

// message renders a signal as an algedonic-channel message for one
// destination.
func (e *Engine) message(sig types.Signal, to types.Endpoint, typ string, extra map[string]any) types.Message {
	id, err := e.newID()
	if err != nil {
		id = sig.ID + "-" + string(to)
	}

	path := make([]any, len(sig.EscalationPath))
	for i, p := range sig.EscalationPath {
		path[i] = string(p)
	}
	payload := map[string]any{
		types.MetaSignalID:    sig.ID,
		"kind":                string(sig.Kind),
		types.MetaSeverity:    sig.Severity.String(),
		"source":              string(sig.Source),
		types.MetaDescription: sig.Description,
		"requires_ack":        sig.RequiresAck,
		"response_sla_ms":     sig.ResponseSLA.Milliseconds(),
		"escalation_path":     path,
		"state":               string(sig.State),
	}
	if len(sig.Metrics) > 0 {
		m := make(map[string]any, len(sig.Metrics))
		for k, v := range sig.Metrics {
			m[k] = v
		}
		payload["metrics"] = m
	}
	if len(sig.Context) > 0 {
		c := make(map[string]any, len(sig.Context))
		for k, v := range sig.Context {
			c[k] = v
		}
		payload["context"] = c
	}
	if sig.AggregatedCount > 0 {
		payload[ctxStormCount] = sig.AggregatedCount
	}
	for k, v := range extra {
		payload[k] = v
	}

	priority := "normal"
	if sig.BypassFilters {
		priority = "emergency"
	}
	meta := map[string]string{
		types.MetaSeverity:    sig.Severity.String(),
		types.MetaDescription: sig.Description,
		types.MetaSignalID:    sig.ID,
		types.MetaBypass:      strconv.FormatBool(sig.BypassFilters),
		types.MetaPriority:    priority,
	}
	return types.NewMessage(id, sig.Source, to, types.ChannelAlgedonic, typ, payload, meta)
}
