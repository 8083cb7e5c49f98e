package dlq_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.etcd.io/bbolt"

	"github.com/sneh-joshi/vsmbus/internal/dlq"
	"github.com/sneh-joshi/vsmbus/internal/node"
	"github.com/sneh-joshi/vsmbus/internal/types"
)

func openQueue(t *testing.T) *dlq.Queue {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "dlq.db"), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("bbolt.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	q, err := dlq.New(db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return q
}

func newMsg(t *testing.T, to types.Endpoint, n int) types.Message {
	t.Helper()
	msg, err := node.NewMessage(types.System3, to, types.ChannelCommand, "execute", map[string]any{"n": n}, nil)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	return msg
}

type deliverer struct {
	fail bool
	got  []types.Message
}

func (d *deliverer) Deliver(_ context.Context, _ types.Endpoint, msg types.Message) error {
	if d.fail {
		return errors.New("still down")
	}
	d.got = append(d.got, msg)
	return nil
}

func TestPut_PeekLen(t *testing.T) {
	q := openQueue(t)
	if n := q.Len(types.System1); n != 0 {
		t.Errorf("Len before any record: want 0, got %d", n)
	}
	for i := 0; i < 3; i++ {
		if _, err := q.Put(types.System1, newMsg(t, types.System1, i), "connection refused"); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	if n := q.Len("system1"); n != 3 {
		t.Errorf("Len = %d; want 3 (endpoint is case-insensitive)", n)
	}
	recs, err := q.Peek(types.System1, 2)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("Peek returned %d; want 2", len(recs))
	}
	if recs[0].Message.Payload["n"] != float64(0) {
		t.Errorf("oldest first: got payload %v", recs[0].Message.Payload)
	}
	if recs[0].Reason != "connection refused" || recs[0].Attempts != 1 {
		t.Errorf("record = %+v", recs[0])
	}
	if n := q.Len(types.System1); n != 3 {
		t.Errorf("Peek must not remove: Len = %d", n)
	}
}

func TestDrain(t *testing.T) {
	q := openQueue(t)
	for i := 0; i < 3; i++ {
		if _, err := q.Put(types.System2, newMsg(t, types.System2, i), "timeout"); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	recs, err := q.Drain(types.System2, 2)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("Drain returned %d; want 2", len(recs))
	}
	if n := q.Len(types.System2); n != 1 {
		t.Errorf("Len after drain = %d; want 1", n)
	}
	empty, err := q.Drain(types.System4, 10)
	if err != nil || len(empty) != 0 {
		t.Errorf("Drain of unknown endpoint: %v, %d", err, len(empty))
	}
}

func TestReplay_DeletesOnlyDelivered(t *testing.T) {
	q := openQueue(t)
	for i := 0; i < 2; i++ {
		if _, err := q.Put(types.System1, newMsg(t, types.System1, i), "down"); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	down := &deliverer{fail: true}
	n, err := q.Replay(context.Background(), types.System1, 0, down)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if n != 0 {
		t.Errorf("replayed = %d; want 0", n)
	}
	recs, _ := q.Peek(types.System1, 0)
	if len(recs) != 2 {
		t.Fatalf("records lost on failed replay: %d", len(recs))
	}
	if recs[0].Attempts != 2 || recs[0].Reason != "still down" {
		t.Errorf("attempt not recorded: %+v", recs[0])
	}

	up := &deliverer{}
	n, err = q.Replay(context.Background(), types.System1, 0, up)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if n != 2 || len(up.got) != 2 {
		t.Errorf("replayed = %d, delivered = %d; want 2, 2", n, len(up.got))
	}
	if q.Len(types.System1) != 0 {
		t.Errorf("delivered records not removed")
	}
}

func TestReplay_CancelledContext(t *testing.T) {
	q := openQueue(t)
	if _, err := q.Put(types.System1, newMsg(t, types.System1, 0), "down"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Replay(ctx, types.System1, 0, &deliverer{}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v; want context.Canceled", err)
	}
	if q.Len(types.System1) != 1 {
		t.Errorf("record removed despite cancellation")
	}
}

func TestEndpoints(t *testing.T) {
	q := openQueue(t)
	_, _ = q.Put(types.System1, newMsg(t, types.System1, 0), "x")
	_, _ = q.Put(types.OnCall, newMsg(t, types.OnCall, 0), "x")
	_, _ = q.Put(types.OnCall, newMsg(t, types.OnCall, 1), "x")

	eps, err := q.Endpoints()
	if err != nil {
		t.Fatalf("Endpoints: %v", err)
	}
	if eps["system1"] != 1 || eps["oncall"] != 2 {
		t.Errorf("endpoints = %v", eps)
	}
}
