// Package router computes destinations for validated messages.
//
// Every channel has a fixed strategy:
//
//	command           hierarchical      path from `from` down to `to`
//	coordination      peer_to_peer      both ends operational
//	audit             direct            sender holds the audit capability
//	resource_bargain  direct            conversation id binds the pair
//	algedonic         emergency_bypass  severity alone decides, `to` ignored
//
// Routing is deterministic. Each successful route emits
// vsm.channel.message.sent; each failure emits vsm.channel.message.rejected.
package router

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sneh-joshi/vsmbus/internal/algedonic"
	"github.com/sneh-joshi/vsmbus/internal/endpoint"
	"github.com/sneh-joshi/vsmbus/internal/telemetry"
	"github.com/sneh-joshi/vsmbus/internal/types"
	"github.com/sneh-joshi/vsmbus/internal/validate"
)

// Strategy is the delivery discipline of a channel.
type Strategy string

const (
	Hierarchical    Strategy = "hierarchical"
	PeerToPeer      Strategy = "peer_to_peer"
	Direct          Strategy = "direct"
	EmergencyBypass Strategy = "emergency_bypass"
)

// StrategyFor returns the strategy of ch, or "" for an unknown channel.
func StrategyFor(ch types.Channel) Strategy {
	switch ch {
	case types.ChannelCommand:
		return Hierarchical
	case types.ChannelCoordination:
		return PeerToPeer
	case types.ChannelAudit, types.ChannelResourceBargain:
		return Direct
	case types.ChannelAlgedonic:
		return EmergencyBypass
	}
	return ""
}

// Destination is one endpoint a message must be delivered to. Path is set for
// hierarchical routes and lists every hop, sender first.
type Destination struct {
	Endpoint types.Endpoint   `json:"endpoint"`
	Strategy Strategy         `json:"strategy"`
	Path     []types.Endpoint `json:"path,omitempty"`
}

// ErrRouting matches every *Error via errors.Is.
var ErrRouting = errors.New("router: routing failed")

// Kind classifies a routing failure.
type Kind string

const (
	UnauthorizedChannel Kind = "unauthorized_channel"
	NoDestination       Kind = "no_destination"
	UnsupportedChannel  Kind = "unsupported_channel"
)

// Error is a routing failure.
type Error struct {
	Kind    Kind
	Channel types.Channel
	Detail  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("router: %s on %s: %s", e.Kind, e.Channel, e.Detail)
}

// Is makes errors.Is(err, ErrRouting) true for every routing error.
func (e *Error) Is(target error) bool { return target == ErrRouting }

// KindOf returns the Kind of err, or "" when err is not a routing error.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// Directory is the view of the endpoint registry the router needs.
// *endpoint.Registry satisfies it.
type Directory interface {
	Canonical(types.Endpoint) (types.Endpoint, bool)
	HasCapability(types.Endpoint, string) bool
	ClassOf(types.Endpoint) endpoint.Class
	PathDown(from, to types.Endpoint) ([]types.Endpoint, bool)
}

// DefaultConversationTTL is how long a resource-bargain binding survives
// after its last message.
const DefaultConversationTTL = time.Hour

// sweepThreshold triggers an opportunistic sweep of expired bindings.
const sweepThreshold = 5000

// Router maps messages to destinations. Safe for concurrent use.
type Router struct {
	dir     Directory
	sink    telemetry.Sink
	convTTL time.Duration
	now     func() time.Time

	mu    sync.Mutex
	convs map[string]binding
}

type binding struct {
	a, b    types.Endpoint // canonical, a <= b
	expires time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithSink sets the telemetry sink.
func WithSink(s telemetry.Sink) Option { return func(r *Router) { r.sink = telemetry.OrNop(s) } }

// WithConversationTTL overrides DefaultConversationTTL.
func WithConversationTTL(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.convTTL = d
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option { return func(r *Router) { r.now = now } }

// New returns a Router over dir.
func New(dir Directory, opts ...Option) *Router {
	r := &Router{
		dir:     dir,
		sink:    telemetry.Nop,
		convTTL: DefaultConversationTTL,
		now:     time.Now,
		convs:   make(map[string]binding),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Route computes the destinations of msg and reports it sent.
func (r *Router) Route(msg types.Message) ([]Destination, error) {
	dests, err := r.Resolve(msg)
	if err != nil {
		return nil, err
	}
	r.MarkSent(msg, len(dests))
	return dests, nil
}

// Resolve computes the destinations of msg. Rejections are reported; the
// caller reports success with MarkSent once the message is actually accepted.
func (r *Router) Resolve(msg types.Message) ([]Destination, error) {
	dests, err := r.route(msg)
	if err != nil {
		r.sink.Emit(telemetry.New(telemetry.MessageRejected,
			telemetry.KeySubsystem, string(msg.From.Root()),
			telemetry.KeyMessageID, msg.ID,
			telemetry.KeyChannel, string(msg.Channel),
			telemetry.KeyReason, string(KindOf(err)),
		))
		return nil, err
	}
	return dests, nil
}

// MarkSent emits vsm.channel.message.sent for msg.
func (r *Router) MarkSent(msg types.Message, destinations int) {
	ev := telemetry.New(telemetry.MessageSent,
		telemetry.KeySubsystem, string(msg.From.Root()),
		telemetry.KeyMessageID, msg.ID,
		telemetry.KeyChannel, string(msg.Channel),
	).Measure("destinations", float64(destinations))
	if msg.Channel == types.ChannelAlgedonic {
		sev, _ := validate.AlgedonicFields(msg)
		ev.Metadata[telemetry.KeySeverity] = strings.ToLower(sev)
	}
	r.sink.Emit(ev)
}

func (r *Router) route(msg types.Message) ([]Destination, error) {
	fail := func(k Kind, format string, args ...any) error {
		return &Error{Kind: k, Channel: msg.Channel, Detail: fmt.Sprintf(format, args...)}
	}

	from, ok := r.dir.Canonical(msg.From)
	if !ok {
		return nil, fail(NoDestination, "unknown sender %s", msg.From)
	}

	switch msg.Channel {
	case types.ChannelCommand:
		path, ok := r.dir.PathDown(from, msg.To)
		if !ok {
			return nil, fail(NoDestination, "%s is not below %s in the command hierarchy", msg.To, from)
		}
		return []Destination{{Endpoint: path[len(path)-1], Strategy: Hierarchical, Path: path}}, nil

	case types.ChannelCoordination:
		to, ok := r.dir.Canonical(msg.To)
		if !ok {
			return nil, fail(NoDestination, "unknown recipient %s", msg.To)
		}
		if r.dir.ClassOf(from) != endpoint.ClassOperational || r.dir.ClassOf(to) != endpoint.ClassOperational {
			return nil, fail(UnauthorizedChannel, "coordination is between operational units only")
		}
		return []Destination{{Endpoint: to, Strategy: PeerToPeer}}, nil

	case types.ChannelAudit:
		if !r.dir.HasCapability(from, endpoint.CapAudit) {
			return nil, fail(UnauthorizedChannel, "%s lacks the audit capability", from)
		}
		to, ok := r.dir.Canonical(msg.To)
		if !ok {
			return nil, fail(NoDestination, "unknown recipient %s", msg.To)
		}
		return []Destination{{Endpoint: to, Strategy: Direct}}, nil

	case types.ChannelResourceBargain:
		to, ok := r.dir.Canonical(msg.To)
		if !ok {
			return nil, fail(NoDestination, "unknown recipient %s", msg.To)
		}
		if conv := msg.Metadata[types.MetaConversationID]; conv != "" {
			if !r.bind(conv, from, to) {
				return nil, fail(UnauthorizedChannel, "conversation %s belongs to other parties", conv)
			}
		}
		return []Destination{{Endpoint: to, Strategy: Direct}}, nil

	case types.ChannelAlgedonic:
		if !r.dir.HasCapability(from, endpoint.CapAlgedonic) {
			return nil, fail(UnauthorizedChannel, "%s lacks the algedonic capability", from)
		}
		raw, _ := validate.AlgedonicFields(msg)
		sev, err := types.ParseSeverity(raw)
		if err != nil {
			return nil, fail(NoDestination, "no severity to route on: %v", err)
		}
		policy := algedonic.PolicyFor(sev)
		out := make([]Destination, 0, len(policy.Path))
		for _, ep := range policy.Path {
			out = append(out, Destination{Endpoint: ep, Strategy: EmergencyBypass})
		}
		return out, nil
	}
	return nil, fail(UnsupportedChannel, "no routing strategy for channel %q", msg.Channel)
}

// bind records or checks the participants of a resource-bargain
// conversation. It returns false when the id is bound to a different pair.
func (r *Router) bind(conv string, x, y types.Endpoint) bool {
	a, b := x, y
	if strings.ToLower(string(b)) < strings.ToLower(string(a)) {
		a, b = b, a
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.convs) > sweepThreshold {
		for k, bd := range r.convs {
			if now.After(bd.expires) {
				delete(r.convs, k)
			}
		}
	}

	if bd, ok := r.convs[conv]; ok && !now.After(bd.expires) {
		if !strings.EqualFold(string(bd.a), string(a)) || !strings.EqualFold(string(bd.b), string(b)) {
			return false
		}
	}
	r.convs[conv] = binding{a: a, b: b, expires: now.Add(r.convTTL)}
	return true
}

// Conversations returns the number of live resource-bargain bindings.
func (r *Router) Conversations() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, bd := range r.convs {
		if !now.After(bd.expires) {
			n++
		}
	}
	return n
}
