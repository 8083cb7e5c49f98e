package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Scheduler fires a callback once per timer, at or after its due time.
//
//	s := scheduler.New()
//	s.Start(ctx, func(id, tag string) { /* escalate */ })
//	defer s.Stop()
//	s.Schedule(sigID+"/esc", "sla:1", deadline)
//
// All methods are safe for concurrent use.
type Scheduler struct {
	mu      sync.Mutex
	pending timerHeap
	byID    map[string]*timer
	seq     uint64

	wake chan struct{} // capacity 1; poked when the root may have changed
	done chan struct{}
	wg   sync.WaitGroup
}

// New returns an idle Scheduler. Timers may be scheduled before Start.
func New() *Scheduler {
	return &Scheduler{
		pending: make(timerHeap, 0, 64),
		byID:    make(map[string]*timer),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Schedule arms timer id to fire at at with tag. Re-scheduling a pending id
// replaces it. A past at fires promptly.
func (s *Scheduler) Schedule(id, tag string, at time.Time) {
	s.mu.Lock()
	if old, ok := s.byID[id]; ok {
		s.pending.drop(old)
	}
	s.seq++
	t := &timer{id: id, tag: tag, at: at, seq: s.seq}
	heap.Push(&s.pending, t)
	s.byID[id] = t
	poke := s.pending.peek() == t
	s.mu.Unlock()

	if poke {
		s.poke()
	}
}

// Cancel disarms timer id. Unknown or already-fired ids are ignored.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.byID[id]; ok {
		s.pending.drop(t)
		delete(s.byID, id)
	}
}

// Pending reports the tag and due time of timer id.
func (s *Scheduler) Pending(id string) (tag string, at time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return "", time.Time{}, false
	}
	return t.tag, t.at, true
}

// Len is the number of armed timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// CountByTag is the number of armed timers carrying tag.
func (s *Scheduler) CountByTag(tag string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.byID {
		if t.tag == tag {
			n++
		}
	}
	return n
}

// Start runs the timer goroutine until ctx is done or Stop is called. fn runs
// on that goroutine, one timer at a time, and should return quickly. Call
// Start once.
func (s *Scheduler) Start(ctx context.Context, fn func(id, tag string)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx, fn)
	}()
}

// Stop ends the timer goroutine and waits for it. Armed timers never fire.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context, fn func(id, tag string)) {
	sleep := time.NewTimer(time.Hour)
	sleep.Stop()
	defer sleep.Stop()

	for {
		for t := s.popDue(time.Now()); t != nil; t = s.popDue(time.Now()) {
			fn(t.id, t.tag)
		}

		var alarm <-chan time.Time
		if next, ok := s.nextDue(); ok {
			sleep.Reset(time.Until(next))
			alarm = sleep.C
		}

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.wake:
		case <-alarm:
		}
		// Reset on the next pass must start from a drained timer.
		if !sleep.Stop() {
			select {
			case <-sleep.C:
			default:
			}
		}
	}
}

// popDue removes and returns the root if it is due at now. Popping one timer
// per call lets fn cancel timers that are due in the same instant.
func (s *Scheduler) popDue(now time.Time) *timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.pending.peek()
	if t == nil || t.at.After(now) {
		return nil
	}
	heap.Pop(&s.pending)
	delete(s.byID, t.id)
	return t
}

func (s *Scheduler) nextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.pending.peek(); t != nil {
		return t.at, true
	}
	return time.Time{}, false
}
