package algedonic

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sneh-joshi/vsmbus/internal/telemetry"
	"github.com/sneh-joshi/vsmbus/internal/types"
)

// Deliverer hands a message to one destination endpoint. It should honour
// ctx; the fan-out abandons an attempt when ctx expires either way.
type Deliverer interface {
	Deliver(ctx context.Context, to types.Endpoint, msg types.Message) error
}

// DeliverFunc adapts a function into a Deliverer.
type DeliverFunc func(ctx context.Context, to types.Endpoint, msg types.Message) error

// Deliver calls f.
func (f DeliverFunc) Deliver(ctx context.Context, to types.Endpoint, msg types.Message) error {
	return f(ctx, to, msg)
}

// Outcome is the result of one delivery attempt.
type Outcome struct {
	Endpoint types.Endpoint `json:"endpoint"`
	Err      error          `json:"-"`
	Elapsed  time.Duration  `json:"elapsed"`
}

// OK reports whether the attempt succeeded.
func (o Outcome) OK() bool { return o.Err == nil }

// fanOut delivers to every target concurrently, each under its own timeout,
// and returns once every attempt has settled. One target failing or hanging
// never delays or cancels the others. Outcomes are in target order.
func fanOut(ctx context.Context, d Deliverer, sink telemetry.Sink, timeout time.Duration,
	targets []types.Endpoint, build func(types.Endpoint) types.Message, meta ...string) []Outcome {

	out := make([]Outcome, len(targets))
	var g errgroup.Group
	for i, to := range targets {
		g.Go(func() error {
			msg := build(to)
			start := time.Now()
			err := deliverWithin(ctx, d, timeout, to, msg)
			out[i] = Outcome{Endpoint: to, Err: err, Elapsed: time.Since(start)}

			name := telemetry.DeliverySucceeded
			if err != nil {
				name = telemetry.DeliveryFailed
			}
			kv := append([]string{
				telemetry.KeyEndpoint, string(to),
				telemetry.KeyMessageID, msg.ID,
				telemetry.KeyChannel, string(msg.Channel),
			}, meta...)
			ev := telemetry.New(name, kv...).Measure("duration_ms", float64(out[i].Elapsed.Milliseconds()))
			if err != nil {
				ev.Metadata[telemetry.KeyReason] = err.Error()
			}
			sink.Emit(ev)
			return nil // a failed destination must not cancel its siblings
		})
	}
	_ = g.Wait()
	return out
}

// deliverWithin bounds one attempt by timeout even if d ignores ctx.
func deliverWithin(ctx context.Context, d Deliverer, timeout time.Duration, to types.Endpoint, msg types.Message) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.Deliver(cctx, to, msg) }()

	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		return cctx.Err()
	}
}

func delivered(outs []Outcome) []types.Endpoint {
	var eps []types.Endpoint
	for _, o := range outs {
		if o.OK() {
			eps = append(eps, o.Endpoint)
		}
	}
	return eps
}
