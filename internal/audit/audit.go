// Package audit keeps a durable trail of bus telemetry in a bbolt database.
//
// The Log is a telemetry.Sink. Emit never blocks the caller: events go onto
// a buffered channel and a single writer goroutine commits them in batches.
// Two views are kept:
//
//	events   seq -> event, in arrival order
//	signals  signal_id/seq -> event, the lifecycle of each algedonic signal
//
// The same database file holds the dead-letter bucket (see package dlq);
// DB exposes the handle for that.
package audit

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"

	"github.com/sneh-joshi/vsmbus/internal/telemetry"
)

var (
	bucketEvents  = []byte("events")
	bucketSignals = []byte("signals")
)

// ErrClosed is returned by queries after Close.
var ErrClosed = errors.New("audit: log closed")

// Record is one stored event.
type Record struct {
	Seq   uint64          `json:"seq"`
	Event telemetry.Event `json:"event"`
}

const (
	queueSize = 4096
	batchSize = 256
)

// Log is the audit trail. Safe for concurrent use.
type Log struct {
	db *bbolt.DB

	mu      sync.RWMutex // guards sends on in against Close
	in      chan item
	done    chan struct{}
	dropped atomic.Int64
	closed  atomic.Bool
}

// Open opens (or creates) the audit database at path and starts the writer.
func Open(path string) (*Log, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketEvents, bucketSignals} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: init buckets: %w", err)
	}

	l := &Log{
		db:   db,
		in:   make(chan item, queueSize),
		done: make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// DB returns the underlying database.
func (l *Log) DB() *bbolt.DB { return l.db }

// Emit implements telemetry.Sink. When the queue is full the event is
// dropped and counted.
func (l *Log) Emit(ev telemetry.Event) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed.Load() {
		return
	}
	select {
	case l.in <- item{ev: ev}:
	default:
		if n := l.dropped.Add(1); n == 1 || n%1000 == 0 {
			slog.Warn("audit: queue full, dropping events", "dropped", n)
		}
	}
}

// Dropped returns how many events were lost to a full queue.
func (l *Log) Dropped() int64 { return l.dropped.Load() }

// Flush blocks until every event emitted before the call is committed.
func (l *Log) Flush() {
	ch := make(chan struct{})
	l.mu.RLock()
	if l.closed.Load() {
		l.mu.RUnlock()
		return
	}
	l.in <- item{flushed: ch}
	l.mu.RUnlock()
	<-ch
}

// Close drains the queue and closes the database.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed.Load() {
		l.mu.Unlock()
		return nil
	}
	l.closed.Store(true)
	close(l.in)
	l.mu.Unlock()

	<-l.done
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("audit: close: %w", err)
	}
	return nil
}

// item is a queued event, or a flush marker when flushed is set.
type item struct {
	ev      telemetry.Event
	flushed chan struct{}
}

func (l *Log) run() {
	defer close(l.done)
	batch := make([]telemetry.Event, 0, batchSize)
	var waiters []chan struct{}

	take := func(it item) {
		if it.flushed != nil {
			waiters = append(waiters, it.flushed)
			return
		}
		batch = append(batch, it.ev)
	}

	for it := range l.in {
		batch, waiters = batch[:0], waiters[:0]
		take(it)
	fill:
		for len(batch) < batchSize {
			select {
			case more, ok := <-l.in:
				if !ok {
					break fill
				}
				take(more)
			default:
				break fill
			}
		}
		if len(batch) > 0 {
			if err := l.write(batch); err != nil {
				slog.Error("audit: write failed", "events", len(batch), "error", err)
			}
		}
		for _, w := range waiters {
			close(w)
		}
	}
}

func (l *Log) write(batch []telemetry.Event) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		signals := tx.Bucket(bucketSignals)
		for _, ev := range batch {
			seq, err := events.NextSequence()
			if err != nil {
				return err
			}
			val, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("marshal %s: %w", ev.Name, err)
			}
			if err := events.Put(seqKey(seq), val); err != nil {
				return err
			}
			if id := ev.Get(telemetry.KeySignalID); id != "" {
				if err := signals.Put(signalKey(id, seq), val); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Events returns up to limit records, newest first, whose event name starts
// with prefix. A limit <= 0 means 100.
func (l *Log) Events(limit int, prefix string) ([]Record, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}
	var out []Record
	err := l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var ev telemetry.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("decode event %d: %w", binary.BigEndian.Uint64(k), err)
			}
			if !strings.HasPrefix(ev.Name, prefix) {
				continue
			}
			out = append(out, Record{Seq: binary.BigEndian.Uint64(k), Event: ev})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("audit: events: %w", err)
	}
	return out, nil
}

// SignalHistory returns every recorded event for one signal, oldest first.
func (l *Log) SignalHistory(id string) ([]Record, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	prefix := append([]byte(id), 0)
	var out []Record
	err := l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketSignals).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var ev telemetry.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			out = append(out, Record{Seq: binary.BigEndian.Uint64(k[len(prefix):]), Event: ev})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("audit: signal %s: %w", id, err)
	}
	return out, nil
}

// Prune deletes events older than cutoff from both views and returns how
// many were removed from the event log.
func (l *Log) Prune(cutoff time.Time) (int, error) {
	n := 0
	err := l.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEvents, bucketSignals} {
			b := tx.Bucket(name)
			var stale [][]byte
			if err := b.ForEach(func(k, v []byte) error {
				var ev struct {
					Time time.Time `json:"time"`
				}
				if err := json.Unmarshal(v, &ev); err != nil || ev.Time.Before(cutoff) {
					stale = append(stale, append([]byte(nil), k...))
				}
				return nil
			}); err != nil {
				return err
			}
			for _, k := range stale {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			if bytes.Equal(name, bucketEvents) {
				n = len(stale)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("audit: prune: %w", err)
	}
	return n, nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// signalKey is id, a NUL separator, then the big-endian sequence, so a
// prefix scan returns one signal's events in order.
func signalKey(id string, seq uint64) []byte {
	k := make([]byte, 0, len(id)+9)
	k = append(k, id...)
	k = append(k, 0)
	return binary.BigEndian.AppendUint64(k, seq)
}
