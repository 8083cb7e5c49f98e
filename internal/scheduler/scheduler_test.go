package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sneh-joshi/vsmbus/internal/scheduler"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// fired gathers callbacks in a concurrency-safe way as "id:tag".
type fired struct {
	mu  sync.Mutex
	got []string
}

func (f *fired) fn(id, tag string) {
	f.mu.Lock()
	f.got = append(f.got, id+":"+tag)
	f.mu.Unlock()
}

func (f *fired) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.got...)
}

func (f *fired) len() int { return len(f.snapshot()) }

// waitFor polls until n callbacks have fired or timeout elapses.
func waitFor(t *testing.T, f *fired, n int, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if f.len() >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func started(t *testing.T) (*scheduler.Scheduler, *fired) {
	t.Helper()
	s := scheduler.New()
	ctx, cancel := context.WithCancel(context.Background())
	f := &fired{}
	s.Start(ctx, f.fn)
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})
	return s, f
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestScheduler_PastDueFiresPromptly(t *testing.T) {
	s, f := started(t)
	s.Schedule("sig1/esc", "sla:1", time.Now().Add(-time.Second))

	if !waitFor(t, f, 1, 2*time.Second) {
		t.Fatalf("expected 1 fire within 2s, got %d", f.len())
	}
	if got := f.snapshot()[0]; got != "sig1/esc:sla:1" {
		t.Errorf("expected sig1/esc:sla:1, got %s", got)
	}
}

func TestScheduler_NotBeforeDue(t *testing.T) {
	s, f := started(t)
	s.Schedule("sig2/esc", "grace:1", time.Now().Add(150*time.Millisecond))

	time.Sleep(80 * time.Millisecond)
	if f.len() != 0 {
		t.Fatal("timer fired before its due time")
	}
	if !waitFor(t, f, 1, 500*time.Millisecond) {
		t.Fatal("timer did not fire within 500ms of its due time")
	}
}

func TestScheduler_CancelIsIdempotent(t *testing.T) {
	s, f := started(t)
	s.Schedule("sig3/esc", "sla:1", time.Now().Add(100*time.Millisecond))
	s.Cancel("sig3/esc")
	s.Cancel("sig3/esc")
	s.Cancel("never-scheduled")

	time.Sleep(250 * time.Millisecond)
	if f.len() != 0 {
		t.Fatalf("expected no fires after cancel, got %d", f.len())
	}
}

func TestScheduler_FiresInDueOrder(t *testing.T) {
	s, f := started(t)
	now := time.Now()
	s.Schedule("b", "t", now.Add(60*time.Millisecond))
	s.Schedule("a", "t", now.Add(30*time.Millisecond))
	s.Schedule("c", "t", now.Add(90*time.Millisecond))

	if !waitFor(t, f, 3, 2*time.Second) {
		t.Fatalf("expected 3 fires, got %d", f.len())
	}
	got := f.snapshot()
	for i, want := range []string{"a:t", "b:t", "c:t"} {
		if got[i] != want {
			t.Errorf("fire[%d]: want %s, got %s", i, want, got[i])
		}
	}
}

func TestScheduler_EarlierTimerInterruptsSleep(t *testing.T) {
	s, f := started(t)
	now := time.Now()
	s.Schedule("late", "t", now.Add(10*time.Second))
	time.Sleep(20 * time.Millisecond)
	s.Schedule("early", "t", now.Add(60*time.Millisecond))

	if !waitFor(t, f, 1, 500*time.Millisecond) {
		t.Fatal("expected the early timer within 500ms")
	}
	if got := f.snapshot()[0]; got != "early:t" {
		t.Errorf("expected early:t first, got %s", got)
	}
}

func TestScheduler_RescheduleReplaces(t *testing.T) {
	s, f := started(t)
	s.Schedule("sig4/esc", "sla:1", time.Now().Add(10*time.Second))
	s.Schedule("sig4/esc", "grace:2", time.Now().Add(50*time.Millisecond))

	if s.Len() != 1 {
		t.Fatalf("Len: want 1 after replace, got %d", s.Len())
	}
	if !waitFor(t, f, 1, time.Second) {
		t.Fatal("replacement timer did not fire")
	}
	if got := f.snapshot()[0]; got != "sig4/esc:grace:2" {
		t.Errorf("expected the replacement tag, got %s", got)
	}
	if s.Len() != 0 {
		t.Errorf("Len after fire: want 0, got %d", s.Len())
	}
}

func TestScheduler_PendingAndCountByTag(t *testing.T) {
	s, _ := started(t)
	due := time.Now().Add(time.Hour)
	s.Schedule("x", "retention", due)
	s.Schedule("y", "retention", due)
	s.Schedule("z", "sla:1", due)

	if got := s.CountByTag("retention"); got != 2 {
		t.Errorf("CountByTag(retention): want 2, got %d", got)
	}
	tag, at, ok := s.Pending("z")
	if !ok || tag != "sla:1" || !at.Equal(due) {
		t.Errorf("Pending(z) = %q %v %v", tag, at, ok)
	}
	s.Cancel("x")
	if got := s.CountByTag("retention"); got != 1 {
		t.Errorf("CountByTag after cancel: want 1, got %d", got)
	}
	if _, _, ok := s.Pending("x"); ok {
		t.Error("cancelled timer still pending")
	}
}

func TestScheduler_StopAbandonsTimers(t *testing.T) {
	s := scheduler.New()
	f := &fired{}
	s.Start(context.Background(), f.fn)

	s.Schedule("sig5/esc", "sla:1", time.Now().Add(100*time.Millisecond))
	s.Stop()
	s.Stop() // second Stop is a no-op

	time.Sleep(250 * time.Millisecond)
	if f.len() != 0 {
		t.Fatalf("expected no fires after Stop, got %d", f.len())
	}
}

func TestScheduler_EqualDueTimesFireInScheduleOrder(t *testing.T) {
	s := scheduler.New()
	f := &fired{}
	due := time.Now().Add(20 * time.Millisecond)
	for _, id := range []string{"first", "second", "third"} {
		s.Schedule(id, "t", due)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx, f.fn)
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})

	if !waitFor(t, f, 3, time.Second) {
		t.Fatalf("expected 3 fires, got %d", f.len())
	}
	got := f.snapshot()
	for i, want := range []string{"first:t", "second:t", "third:t"} {
		if got[i] != want {
			t.Errorf("fire[%d]: want %s, got %s", i, want, got[i])
		}
	}
}

func TestScheduler_CallbackCanCancelSiblingDueTogether(t *testing.T) {
	s := scheduler.New()
	var mu sync.Mutex
	var got []string
	fn := func(id, _ string) {
		mu.Lock()
		got = append(got, id)
		mu.Unlock()
		if id == "ack" {
			s.Cancel("esc")
		}
	}
	past := time.Now().Add(-time.Millisecond)
	s.Schedule("ack", "t", past)
	s.Schedule("esc", "t", past)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx, fn)
	defer func() {
		cancel()
		s.Stop()
	}()

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "ack" {
		t.Fatalf("fired %v, want only ack", got)
	}
}
