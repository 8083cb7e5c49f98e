package bus

import (
	"fmt"
	"time"

	"github.com/sneh-joshi/vsmbus/internal/algedonic"
	"github.com/sneh-joshi/vsmbus/internal/config"
	"github.com/sneh-joshi/vsmbus/internal/ratelimit"
	"github.com/sneh-joshi/vsmbus/internal/router"
	"github.com/sneh-joshi/vsmbus/internal/types"
)

// Settings are the tunables of a Bus. All of them can be swapped at runtime
// through Reconfigure except ConversationTTL.
type Settings struct {
	RateLimits      ratelimit.Config
	Algedonic       algedonic.Config
	ConversationTTL time.Duration
	// DeliveryTimeout bounds each delivery attempt on the ordinary channels.
	DeliveryTimeout time.Duration
}

// DefaultSettings mirrors config.Default.
func DefaultSettings() Settings {
	return Settings{
		RateLimits:      ratelimit.DefaultConfig(),
		Algedonic:       algedonic.DefaultConfig(),
		ConversationTTL: router.DefaultConversationTTL,
		DeliveryTimeout: 5 * time.Second,
	}
}

// SettingsFrom translates the file configuration.
func SettingsFrom(cfg *config.Config) (Settings, error) {
	s := DefaultSettings()

	rl := cfg.RateLimits
	s.RateLimits = ratelimit.Config{
		Default:    ratelimit.Bucket{Capacity: rl.Default.Capacity, RefillPerSecond: rl.Default.RefillPerSecond},
		Subsystems: make(map[types.Endpoint]ratelimit.Bucket, len(rl.Subsystems)),
		IdleTTL:    rl.IdleTTL,
	}
	for name, b := range rl.Subsystems {
		s.RateLimits.Subsystems[types.Endpoint(name)] = ratelimit.Bucket{Capacity: b.Capacity, RefillPerSecond: b.RefillPerSecond}
	}

	if cfg.Router.ConversationTTL > 0 {
		s.ConversationTTL = cfg.Router.ConversationTTL
	}

	ac := cfg.Algedonic
	guard := algedonic.GuardConfig{
		Thresholds:  make(map[types.Severity]int, len(ac.Thresholds)),
		Window:      ac.RateWindow,
		DedupWindow: ac.DedupWindow,
	}
	for name, n := range ac.Thresholds {
		sev, err := types.ParseSeverity(name)
		if err != nil {
			return Settings{}, fmt.Errorf("bus: algedonic.thresholds: %w", err)
		}
		guard.Thresholds[sev] = n
	}

	targets := make(map[types.Severity][]types.Endpoint, len(ac.EscalationTargets))
	for name, eps := range ac.EscalationTargets {
		sev, err := types.ParseSeverity(name)
		if err != nil {
			return Settings{}, fmt.Errorf("bus: algedonic.escalation_targets: %w", err)
		}
		targets[sev] = endpoints(eps)
	}

	s.Algedonic = algedonic.Config{
		Guard: guard,
		Storm: algedonic.StormConfig{
			Window:        ac.Storm.Window,
			SourceBurst:   ac.Storm.SourceBurst,
			SimilarBurst:  ac.Storm.SimilarBurst,
			CascadeLength: ac.Storm.CascadeLength,
			CascadeWindow: ac.Storm.CascadeWindow,
			QuietPeriod:   ac.Storm.QuietPeriod,
		},
		DeliveryTimeout:   ac.DeliveryTimeout,
		GracePeriod:       ac.GracePeriod,
		Retention:         ac.Retention,
		EscalationTargets: targets,
		FailSafe:          endpoints(ac.FailSafeEndpoints),
	}
	if ac.DeliveryTimeout > 0 {
		s.DeliveryTimeout = ac.DeliveryTimeout
	}
	return s, nil
}

func endpoints(names []string) []types.Endpoint {
	out := make([]types.Endpoint, 0, len(names))
	for _, n := range names {
		out = append(out, types.Endpoint(n))
	}
	return out
}
