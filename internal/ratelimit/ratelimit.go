// Package ratelimit is the variety attenuator: per-subsystem token buckets
// that bound how much ordinary (non-algedonic) traffic each subsystem may put
// on the bus.
//
// Buckets are golang.org/x/time/rate limiters keyed by (subsystem,
// identifier). Refill is computed on read; nothing ticks in the background.
// Higher subsystems get smaller buckets so the control layers are not flooded
// by the variety of the operational layer.
package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sneh-joshi/vsmbus/internal/telemetry"
	"github.com/sneh-joshi/vsmbus/internal/types"
)

// ErrRateLimited matches every *Error via errors.Is.
var ErrRateLimited = errors.New("ratelimit: rate limited")

// Error is returned by CheckRate when the bucket is empty.
type Error struct {
	Subsystem  types.Endpoint
	Identifier string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("ratelimit: %s/%s exhausted, retry after %s", e.Subsystem, e.Identifier, e.RetryAfter)
}

// Unwrap exposes ErrRateLimited.
func (e *Error) Unwrap() error { return ErrRateLimited }

// Bucket is one token-bucket configuration.
type Bucket struct {
	Capacity        int
	RefillPerSecond float64
}

// Config is the bucket table.
type Config struct {
	Default    Bucket
	Subsystems map[types.Endpoint]Bucket // keyed by subsystem, case-insensitive
	IdleTTL    time.Duration
}

// DefaultConfig shrinks the budget as you go up the hierarchy.
func DefaultConfig() Config {
	return Config{
		Default: Bucket{Capacity: 100, RefillPerSecond: 10},
		Subsystems: map[types.Endpoint]Bucket{
			types.System5: {Capacity: 10, RefillPerSecond: 0.5},
			types.System4: {Capacity: 50, RefillPerSecond: 5},
			types.System3: {Capacity: 100, RefillPerSecond: 20},
			types.System2: {Capacity: 200, RefillPerSecond: 50},
			types.System1: {Capacity: 1000, RefillPerSecond: 200},
		},
		IdleTTL: 10 * time.Minute,
	}
}

// evictThreshold triggers the idle sweep, as with the HTTP per-IP limiter.
const evictThreshold = 5000

type entry struct {
	lim      *rate.Limiter
	bucket   Bucket
	lastSeen time.Time
}

// Limiter holds every bucket. Safe for concurrent use.
type Limiter struct {
	sink telemetry.Sink
	now  func() time.Time

	mu      sync.Mutex
	def     Bucket
	table   map[string]Bucket // lower-cased subsystem -> bucket
	idleTTL time.Duration
	entries map[string]*entry
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithSink sets the telemetry sink that receives vsm.ratelimit.rejected.
func WithSink(s telemetry.Sink) Option { return func(l *Limiter) { l.sink = telemetry.OrNop(s) } }

// WithClock injects the time source.
func WithClock(now func() time.Time) Option { return func(l *Limiter) { l.now = now } }

// New returns a Limiter for cfg.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		sink:    telemetry.Nop,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	l.apply(cfg)
	for _, o := range opts {
		o(l)
	}
	return l
}

// Reconfigure swaps the bucket table. Existing buckets keep their tokens,
// clamped to the new capacity on their next use.
func (l *Limiter) Reconfigure(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.apply(cfg)
}

func (l *Limiter) apply(cfg Config) {
	l.def = cfg.Default
	l.table = make(map[string]Bucket, len(cfg.Subsystems))
	for name, b := range cfg.Subsystems {
		l.table[strings.ToLower(string(name))] = b
	}
	l.idleTTL = cfg.IdleTTL
}

// BucketFor returns the configuration that applies to subsystem.
func (l *Limiter) BucketFor(subsystem types.Endpoint) Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bucketLocked(subsystem)
}

func (l *Limiter) bucketLocked(subsystem types.Endpoint) Bucket {
	if b, ok := l.table[strings.ToLower(string(subsystem.Root()))]; ok {
		return b
	}
	return l.def
}

// CheckRate takes one token from the (subsystem, identifier) bucket and
// returns how many whole tokens are left. When the bucket is empty it
// returns a *Error carrying the time until the next token.
func (l *Limiter) CheckRate(subsystem types.Endpoint, identifier string) (int, error) {
	now := l.now()

	l.mu.Lock()
	e := l.entryLocked(subsystem, identifier, now)
	if !e.lim.AllowN(now, 1) {
		retry := retryAfter(e.lim, now)
		l.mu.Unlock()
		l.sink.Emit(telemetry.New(telemetry.RateRejected,
			telemetry.KeySubsystem, string(subsystem.Root()),
			"identifier", identifier,
		).Measure("retry_after_ms", float64(retry.Milliseconds())))
		return 0, &Error{Subsystem: subsystem, Identifier: identifier, RetryAfter: retry}
	}
	left := remaining(e.lim, e.bucket, now)
	l.mu.Unlock()
	return left, nil
}

// Remaining reports the whole tokens left without consuming one.
func (l *Limiter) Remaining(subsystem types.Endpoint, identifier string) int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entryLocked(subsystem, identifier, now)
	return remaining(e.lim, e.bucket, now)
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// entryLocked finds or creates the bucket, applying any configuration change
// and evicting idle buckets when the table is large. Must be called with mu
// held.
func (l *Limiter) entryLocked(subsystem types.Endpoint, identifier string, now time.Time) *entry {
	key := strings.ToLower(string(subsystem.Root())) + "|" + identifier
	b := l.bucketLocked(subsystem)

	if e, ok := l.entries[key]; ok {
		if e.bucket != b {
			e.lim.SetLimitAt(now, rate.Limit(b.RefillPerSecond))
			e.lim.SetBurstAt(now, b.Capacity)
			e.bucket = b
		}
		e.lastSeen = now
		return e
	}

	if len(l.entries) >= evictThreshold && l.idleTTL > 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.entries {
			if v.lastSeen.Before(cutoff) {
				delete(l.entries, k)
			}
		}
	}

	lim := rate.NewLimiter(rate.Limit(b.RefillPerSecond), b.Capacity)
	lim.SetBurstAt(now, b.Capacity) // stamp the limiter with the injected clock
	e := &entry{lim: lim, bucket: b, lastSeen: now}
	l.entries[key] = e
	return e
}

func remaining(lim *rate.Limiter, b Bucket, now time.Time) int {
	n := int(math.Floor(lim.TokensAt(now)))
	return max(0, min(n, b.Capacity))
}

func retryAfter(lim *rate.Limiter, now time.Time) time.Duration {
	r := float64(lim.Limit())
	if r <= 0 {
		return time.Duration(math.MaxInt64)
	}
	deficit := 1 - lim.TokensAt(now)
	if deficit <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(deficit / r * float64(time.Second)))
}
