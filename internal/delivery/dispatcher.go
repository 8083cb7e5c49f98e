// Package delivery hands routed messages to their destination endpoints.
//
// A Dispatcher tries, in order:
//
//  1. an in-process handler registered for (endpoint, channel, type), or for
//     (endpoint, channel, "*");
//  2. a live push session for the endpoint (WebSocket);
//  3. the endpoint's webhook, signed with its secret.
//
// The first mechanism present is the only one attempted. Delivery is
// at-most-once: a failure is recorded in the dead-letter store and returned,
// never retried here.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sneh-joshi/vsmbus/internal/dlq"
	"github.com/sneh-joshi/vsmbus/internal/endpoint"
	"github.com/sneh-joshi/vsmbus/internal/types"
)

// ErrUnreachable is returned when an endpoint has no handler, no push session
// and no webhook.
var ErrUnreachable = errors.New("delivery: endpoint unreachable")

// AnyType matches every message type in a handler registration.
const AnyType = "*"

// Handler consumes one message in-process.
type Handler func(ctx context.Context, msg types.Message) error

// Pusher delivers to live push sessions. ok is false when the endpoint has no
// session, in which case the dispatcher moves on to the webhook.
type Pusher interface {
	Push(ctx context.Context, to types.Endpoint, msg types.Message) (ok bool, err error)
}

// Directory resolves an endpoint's webhook. *endpoint.Registry satisfies it.
type Directory interface {
	Lookup(types.Endpoint) (endpoint.Endpoint, bool)
}

// DeadLetters records failed deliveries. *dlq.Queue satisfies it.
type DeadLetters interface {
	Put(ep types.Endpoint, msg types.Message, reason string) (dlq.Record, error)
}

type handlerKey struct {
	endpoint string
	channel  types.Channel
	typ      string
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	dir    Directory
	client *http.Client

	mu       sync.RWMutex
	handlers map[handlerKey]Handler
	pusher   Pusher
	dead     DeadLetters
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the webhook client.
func WithHTTPClient(c *http.Client) Option { return func(d *Dispatcher) { d.client = c } }

// WithWebhookTimeout sets the per-request webhook timeout.
func WithWebhookTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.client = &http.Client{Timeout: t} }
}

// WithDeadLetters records every failed delivery in dl.
func WithDeadLetters(dl DeadLetters) Option { return func(d *Dispatcher) { d.dead = dl } }

// WithPusher sets the push-session transport.
func WithPusher(p Pusher) Option { return func(d *Dispatcher) { d.pusher = p } }

// New returns a Dispatcher resolving webhooks through dir.
func New(dir Directory, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		dir:      dir,
		client:   &http.Client{Timeout: 5 * time.Second},
		handlers: make(map[handlerKey]Handler),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// SetPusher attaches the push transport after construction; the WebSocket
// hub needs the bus, which needs the dispatcher.
func (d *Dispatcher) SetPusher(p Pusher) {
	d.mu.Lock()
	d.pusher = p
	d.mu.Unlock()
}

// Handle registers h for messages of type typ on ch addressed to ep. typ may
// be AnyType. A later registration for the same key replaces the earlier one.
func (d *Dispatcher) Handle(ep types.Endpoint, ch types.Channel, typ string, h Handler) {
	d.mu.Lock()
	d.handlers[handlerKey{strings.ToLower(string(ep)), ch, typ}] = h
	d.mu.Unlock()
}

// Unhandle removes a registration.
func (d *Dispatcher) Unhandle(ep types.Endpoint, ch types.Channel, typ string) {
	d.mu.Lock()
	delete(d.handlers, handlerKey{strings.ToLower(string(ep)), ch, typ})
	d.mu.Unlock()
}

func (d *Dispatcher) handler(ep types.Endpoint, ch types.Channel, typ string) Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	k := handlerKey{strings.ToLower(string(ep)), ch, typ}
	if h, ok := d.handlers[k]; ok {
		return h
	}
	k.typ = AnyType
	return d.handlers[k]
}

// Deliver implements algedonic.Deliverer. Failures go to the dead-letter
// store when one is configured.
func (d *Dispatcher) Deliver(ctx context.Context, to types.Endpoint, msg types.Message) error {
	err := d.attempt(ctx, to, msg)
	if err == nil {
		return nil
	}
	d.mu.RLock()
	dead := d.dead
	d.mu.RUnlock()
	if dead != nil {
		if _, derr := dead.Put(to, msg, err.Error()); derr != nil {
			slog.Error("delivery: dead-letter write failed", "endpoint", to, "message_id", msg.ID, "error", derr)
		}
	}
	return err
}

// Replayer returns a view of d that does not dead-letter failures, for
// redelivering records that are already in the store.
func (d *Dispatcher) Replayer() dlq.Deliverer { return replayer{d} }

type replayer struct{ d *Dispatcher }

func (r replayer) Deliver(ctx context.Context, to types.Endpoint, msg types.Message) error {
	return r.d.attempt(ctx, to, msg)
}

func (d *Dispatcher) attempt(ctx context.Context, to types.Endpoint, msg types.Message) error {
	if h := d.handler(to, msg.Channel, msg.Type); h != nil {
		if err := h(ctx, msg); err != nil {
			return fmt.Errorf("delivery: handler %s: %w", to, err)
		}
		return nil
	}

	d.mu.RLock()
	p := d.pusher
	d.mu.RUnlock()
	if p != nil {
		ok, err := p.Push(ctx, to, msg)
		if err != nil {
			return fmt.Errorf("delivery: push %s: %w", to, err)
		}
		if ok {
			return nil
		}
	}

	if ep, ok := d.dir.Lookup(to); ok && ep.WebhookURL != "" {
		return postWebhook(ctx, d.client, ep.WebhookURL, ep.Secret, msg)
	}
	return fmt.Errorf("%w: %s", ErrUnreachable, to)
}
