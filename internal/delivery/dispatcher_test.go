package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sneh-joshi/vsmbus/internal/dlq"
	"github.com/sneh-joshi/vsmbus/internal/endpoint"
	"github.com/sneh-joshi/vsmbus/internal/types"
)

type deadLetters struct {
	mu   sync.Mutex
	recs []dlq.Record
}

func (d *deadLetters) Put(ep types.Endpoint, msg types.Message, reason string) (dlq.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec := dlq.Record{Endpoint: ep, Message: msg, Reason: reason, Attempts: 1}
	d.recs = append(d.recs, rec)
	return rec, nil
}

type pusher struct {
	online map[types.Endpoint]bool
	got    []types.Message
}

func (p *pusher) Push(_ context.Context, to types.Endpoint, msg types.Message) (bool, error) {
	if !p.online[to] {
		return false, nil
	}
	p.got = append(p.got, msg)
	return true, nil
}

func registry(t *testing.T, eps ...endpoint.Endpoint) *endpoint.Registry {
	t.Helper()
	r, err := endpoint.New("", eps...)
	require.NoError(t, err)
	return r
}

func msgTo(to types.Endpoint, ch types.Channel, typ string) types.Message {
	return types.NewMessage("01J0000000000000000000000A", types.System3, to, ch, typ, map[string]any{"k": "v"}, nil)
}

func TestDeliver_HandlerTable(t *testing.T) {
	d := New(registry(t))
	var exact, wildcard int
	d.Handle(types.System1, types.ChannelCommand, "execute", func(context.Context, types.Message) error { exact++; return nil })
	d.Handle("system1", types.ChannelCommand, AnyType, func(context.Context, types.Message) error { wildcard++; return nil })

	require.NoError(t, d.Deliver(context.Background(), types.System1, msgTo(types.System1, types.ChannelCommand, "execute")))
	require.NoError(t, d.Deliver(context.Background(), types.System1, msgTo(types.System1, types.ChannelCommand, "status_request")))
	assert.Equal(t, 1, exact)
	assert.Equal(t, 1, wildcard)

	err := d.Deliver(context.Background(), types.System1, msgTo(types.System1, types.ChannelAudit, "report"))
	assert.ErrorIs(t, err, ErrUnreachable, "handlers are per channel")

	d.Unhandle(types.System1, types.ChannelCommand, "execute")
	require.NoError(t, d.Deliver(context.Background(), types.System1, msgTo(types.System1, types.ChannelCommand, "execute")))
	assert.Equal(t, 2, wildcard)
}

func TestDeliver_PushBeforeWebhook(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { hits.Add(1) }))
	defer srv.Close()

	p := &pusher{online: map[types.Endpoint]bool{types.OnCall: true}}
	d := New(registry(t, endpoint.Endpoint{Name: types.OnCall, WebhookURL: srv.URL}), WithPusher(p))

	require.NoError(t, d.Deliver(context.Background(), types.OnCall, msgTo(types.OnCall, types.ChannelAlgedonic, "algedonic_signal")))
	assert.Len(t, p.got, 1)
	assert.Zero(t, hits.Load())

	p.online[types.OnCall] = false
	require.NoError(t, d.Deliver(context.Background(), types.OnCall, msgTo(types.OnCall, types.ChannelAlgedonic, "algedonic_signal")))
	assert.Equal(t, int32(1), hits.Load(), "offline session falls back to the webhook")
}

func TestDeliver_SignedWebhook(t *testing.T) {
	type seen struct {
		sig string
		msg types.Message
	}
	got := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		sig := r.Header.Get(SignatureHeader)
		if !Verify("s3cret", body, sig) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var m types.Message
		_ = json.Unmarshal(body, &m)
		got <- seen{sig, m}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := New(registry(t, endpoint.Endpoint{Name: types.OnCall, WebhookURL: srv.URL, Secret: "s3cret"}))
	msg := msgTo(types.OnCall, types.ChannelAlgedonic, "algedonic_signal")
	require.NoError(t, d.Deliver(context.Background(), types.OnCall, msg))
	s := <-got
	assert.Contains(t, s.sig, "sha256=")
	assert.Equal(t, msg.ID, s.msg.ID)
	assert.Equal(t, "v", s.msg.Payload["k"])
}

func TestDeliver_FailureIsDeadLettered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dl := &deadLetters{}
	d := New(registry(t, endpoint.Endpoint{Name: types.OperationsTeam, WebhookURL: srv.URL}), WithDeadLetters(dl))

	err := d.Deliver(context.Background(), types.OperationsTeam, msgTo(types.OperationsTeam, types.ChannelAlgedonic, "x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")

	err = d.Deliver(context.Background(), types.ExecutiveTeam, msgTo(types.ExecutiveTeam, types.ChannelAlgedonic, "x"))
	assert.ErrorIs(t, err, ErrUnreachable)

	require.Len(t, dl.recs, 2)
	assert.Equal(t, types.OperationsTeam, dl.recs[0].Endpoint)
	assert.Equal(t, types.ExecutiveTeam, dl.recs[1].Endpoint)

	// The replay view never dead-letters.
	err = d.Replayer().Deliver(context.Background(), types.ExecutiveTeam, msgTo(types.ExecutiveTeam, types.ChannelAlgedonic, "x"))
	assert.Error(t, err)
	assert.Len(t, dl.recs, 2)
}

func TestDeliver_HandlerErrorWrapped(t *testing.T) {
	boom := errors.New("boom")
	d := New(registry(t))
	d.Handle(types.System2, types.ChannelCoordination, AnyType, func(context.Context, types.Message) error { return boom })
	err := d.Deliver(context.Background(), types.System2, msgTo(types.System2, types.ChannelCoordination, "sync"))
	assert.ErrorIs(t, err, boom)
}

func TestSignVerify(t *testing.T) {
	body := []byte(`{"id":"x"}`)
	sig := Sign("k", body)
	assert.True(t, Verify("k", body, sig))
	assert.False(t, Verify("other", body, sig))
	assert.False(t, Verify("k", []byte(`{}`), sig))
}
