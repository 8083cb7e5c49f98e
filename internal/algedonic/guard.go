package algedonic

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/sneh-joshi/vsmbus/internal/types"
)

// GuardConfig tunes the per-(source, severity) limiter.
type GuardConfig struct {
	// Thresholds is the number of signals allowed per Window. A severity
	// without an entry is unlimited. Critical is always unlimited.
	Thresholds  map[types.Severity]int
	Window      time.Duration
	DedupWindow time.Duration
}

// DefaultGuardConfig returns high 10/min, medium 5/min, low 2/min with a 30s
// dedup window.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Thresholds: map[types.Severity]int{
			types.SeverityHigh:   10,
			types.SeverityMedium: 5,
			types.SeverityLow:    2,
		},
		Window:      time.Minute,
		DedupWindow: 30 * time.Second,
	}
}

// guardSweepThreshold triggers an opportunistic sweep of idle keys.
const guardSweepThreshold = 5000

// Guard decides whether a non-critical signal may be emitted. It keeps a
// sliding-window log of accepted emissions per (source, severity) and a
// short-lived set of content hashes. Safe for concurrent use.
type Guard struct {
	now func() time.Time

	mu   sync.Mutex
	cfg  GuardConfig
	hits map[string][]time.Time // source|severity -> accepted times, oldest first
	seen map[string]time.Time   // dedup key -> last accepted
}

// NewGuard returns a Guard. A nil clock means time.Now.
func NewGuard(cfg GuardConfig, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	return &Guard{
		now:  now,
		cfg:  cfg,
		hits: make(map[string][]time.Time),
		seen: make(map[string]time.Time),
	}
}

// Reconfigure swaps thresholds and windows. Recorded history is kept.
func (g *Guard) Reconfigure(cfg GuardConfig) {
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
}

// DedupKey is the content identity of a signal: sha256 over
// description|source|severity.
func DedupKey(sig types.Signal) string {
	sum := sha256.Sum256([]byte(sig.Description + "|" + string(sig.Source) + "|" + sig.Severity.String()))
	return hex.EncodeToString(sum[:])
}

// ShouldAllow reports whether sig may be emitted and, if so, records it.
func (g *Guard) ShouldAllow(sig types.Signal) bool {
	return g.Check(sig) == nil
}

// Check is ShouldAllow with a reason: it returns a *RateLimitError (matching
// ErrRateLimited) when sig is rejected.
//
// A signal is allowed when its severity is critical, when the (source,
// severity) count over the window is below the threshold, or when the same
// content has not been accepted within the dedup window.
func (g *Guard) Check(sig types.Signal) error {
	if sig.Severity == types.SeverityCritical {
		return nil
	}

	now := g.now()
	bucket := string(sig.Source) + "|" + sig.Severity.String()
	dedup := DedupKey(sig)

	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.hits) > guardSweepThreshold || len(g.seen) > guardSweepThreshold {
		g.sweep(now)
	}

	times := prune(g.hits[bucket], now.Add(-g.cfg.Window))
	limit, limited := g.cfg.Thresholds[sig.Severity]
	underRate := !limited || len(times) < limit

	last, dup := g.seen[dedup]
	unique := !dup || now.Sub(last) >= g.cfg.DedupWindow

	if !underRate && !unique {
		g.hits[bucket] = times
		retry := g.cfg.Window
		if len(times) > 0 {
			retry = times[0].Add(g.cfg.Window).Sub(now)
		}
		if d := last.Add(g.cfg.DedupWindow).Sub(now); d < retry {
			retry = d
		}
		return &RateLimitError{Source: sig.Source, Severity: sig.Severity, RetryAfter: retry}
	}

	g.hits[bucket] = append(times, now)
	g.seen[dedup] = now
	return nil
}

// Rate returns the number of accepted signals for (source, sev) in the
// current window.
func (g *Guard) Rate(source types.Endpoint, sev types.Severity) int {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(prune(g.hits[string(source)+"|"+sev.String()], now.Add(-g.cfg.Window)))
}

// sweep drops idle buckets and expired content hashes. Must be called with
// mu held.
func (g *Guard) sweep(now time.Time) {
	cutoff := now.Add(-g.cfg.Window)
	for k, ts := range g.hits {
		if ts = prune(ts, cutoff); len(ts) == 0 {
			delete(g.hits, k)
		} else {
			g.hits[k] = ts
		}
	}
	for k, at := range g.seen {
		if now.Sub(at) >= g.cfg.DedupWindow {
			delete(g.seen, k)
		}
	}
}

// prune drops entries at or before cutoff. ts is ordered oldest first.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}
