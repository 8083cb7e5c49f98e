package algedonic

import (
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/sneh-joshi/vsmbus/internal/types"
)

// StormConfig tunes the storm detector.
type StormConfig struct {
	Window        time.Duration // sliding window for (a) and (b)
	SourceBurst   int           // (a) more than this many from one source
	SimilarBurst  int           // (b) at least this many with one fingerprint
	CascadeLength int           // (c) distinct sources, strictly rising severity; 0 disables
	CascadeWindow time.Duration
	QuietPeriod   time.Duration // a storm ends after this long without a match
}

// DefaultStormConfig returns a 5s window, bursts of 10 and a 3-signal cascade
// within 10s.
func DefaultStormConfig() StormConfig {
	return StormConfig{
		Window:        5 * time.Second,
		SourceBurst:   10,
		SimilarBurst:  10,
		CascadeLength: 3,
		CascadeWindow: 10 * time.Second,
		QuietPeriod:   5 * time.Second,
	}
}

// StormKind names the pattern that flagged a storm.
type StormKind string

const (
	StormSource  StormKind = "source_burst"
	StormSimilar StormKind = "similar_burst"
	StormCascade StormKind = "cascade"
)

// Storm describes a detected storm. Signals matching it are folded into one
// aggregate while it lasts.
type Storm struct {
	Kind    StormKind        `json:"kind"`
	Key     string           `json:"key"`               // source or fingerprint
	Sources []types.Endpoint `json:"sources,omitempty"` // cascade participants
}

// ID is stable for the lifetime of the storm.
func (s Storm) ID() string {
	if s.Kind == StormCascade {
		parts := make([]string, len(s.Sources))
		for i, src := range s.Sources {
			parts[i] = string(src)
		}
		return string(s.Kind) + ":" + strings.Join(parts, ",")
	}
	return string(s.Kind) + ":" + s.Key
}

// Matches reports whether sig belongs to the storm.
func (s Storm) Matches(sig types.Signal) bool {
	switch s.Kind {
	case StormSource:
		return string(sig.Source) == s.Key
	case StormSimilar:
		return Fingerprint(sig) == s.Key
	case StormCascade:
		return slices.Contains(s.Sources, sig.Source)
	}
	return false
}

// Fingerprint is the structural identity of a signal: its kind plus the
// description lower-cased with digits removed and whitespace collapsed, so
// "disk 91% full on node7" and "Disk 97% full on node12" collide.
func Fingerprint(sig types.Signal) string {
	var b strings.Builder
	b.WriteString(string(sig.Kind))
	b.WriteByte(':')
	space := false
	for _, r := range strings.ToLower(sig.Description) {
		switch {
		case unicode.IsDigit(r):
			continue
		case unicode.IsSpace(r):
			space = true
			continue
		}
		if space && b.Len() > len(sig.Kind)+1 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}

type observation struct {
	at          time.Time
	source      types.Endpoint
	severity    types.Severity
	fingerprint string
}

// maxObservations caps the detector's memory under extreme bursts.
const maxObservations = 10_000

// StormDetector runs the sliding-window storm analysis. Safe for concurrent
// use.
type StormDetector struct {
	now func() time.Time

	mu     sync.Mutex
	cfg    StormConfig
	recent []observation // oldest first
}

// NewStormDetector returns a detector. A nil clock means time.Now.
func NewStormDetector(cfg StormConfig, now func() time.Time) *StormDetector {
	if now == nil {
		now = time.Now
	}
	return &StormDetector{cfg: cfg, now: now}
}

// Reconfigure swaps the thresholds. Recorded observations are kept.
func (d *StormDetector) Reconfigure(cfg StormConfig) {
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

// QuietPeriod returns the configured quiet period.
func (d *StormDetector) QuietPeriod() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.QuietPeriod
}

// Observe records sig and reports whether the recent history, including sig,
// forms a storm. Rules are checked in order: source burst, similar burst,
// cascade.
func (d *StormDetector) Observe(sig types.Signal) (Storm, bool) {
	now := d.now()
	obs := observation{at: now, source: sig.Source, severity: sig.Severity, fingerprint: Fingerprint(sig)}

	d.mu.Lock()
	defer d.mu.Unlock()

	horizon := max(d.cfg.Window, d.cfg.CascadeWindow)
	i := 0
	for i < len(d.recent) && now.Sub(d.recent[i].at) > horizon {
		i++
	}
	if over := len(d.recent) - i + 1 - maxObservations; over > 0 {
		i += over
	}
	d.recent = append(d.recent[i:], obs)

	bySource, bySimilar := 0, 0
	for _, o := range d.recent {
		if now.Sub(o.at) > d.cfg.Window {
			continue
		}
		if o.source == obs.source {
			bySource++
		}
		if o.fingerprint == obs.fingerprint {
			bySimilar++
		}
	}

	if d.cfg.SourceBurst > 0 && bySource > d.cfg.SourceBurst {
		return Storm{Kind: StormSource, Key: string(obs.source)}, true
	}
	if d.cfg.SimilarBurst > 0 && bySimilar >= d.cfg.SimilarBurst {
		return Storm{Kind: StormSimilar, Key: obs.fingerprint}, true
	}
	if srcs, ok := d.cascade(now); ok {
		return Storm{Kind: StormCascade, Sources: srcs}, true
	}
	return Storm{}, false
}

// cascade checks whether the last CascadeLength observations come from
// distinct sources with strictly increasing severity inside CascadeWindow.
// Must be called with mu held.
func (d *StormDetector) cascade(now time.Time) ([]types.Endpoint, bool) {
	n := d.cfg.CascadeLength
	if n < 2 || len(d.recent) < n {
		return nil, false
	}
	tail := d.recent[len(d.recent)-n:]
	if now.Sub(tail[0].at) > d.cfg.CascadeWindow {
		return nil, false
	}
	srcs := make([]types.Endpoint, 0, n)
	for i, o := range tail {
		if slices.Contains(srcs, o.source) {
			return nil, false
		}
		if i > 0 && !o.severity.MoreUrgentThan(tail[i-1].severity) {
			return nil, false
		}
		srcs = append(srcs, o.source)
	}
	return srcs, true
}
