// Package config loads the vsmbus server configuration from YAML, with
// environment overrides and hot reload of the bus tunables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is everything one vsmbus process reads at startup.
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Auth       AuthConfig       `yaml:"auth"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	HTTP       HTTPConfig       `yaml:"http"`
	Endpoints  []EndpointConfig `yaml:"endpoints"`
	RateLimits RateLimitConfig  `yaml:"rate_limits"`
	Router     RouterConfig     `yaml:"router"`
	Algedonic  AlgedonicConfig  `yaml:"algedonic"`
	Audit      AuditConfig      `yaml:"audit"`
	Webhook    WebhookConfig    `yaml:"webhook"`
}

// NodeConfig is where the node listens and keeps its state.
type NodeConfig struct {
	// ID pins the node ULID. "auto" mints one and keeps it in node.yaml.
	ID      string `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// AuthConfig gates the API behind a shared X-Api-Key.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// MetricsConfig controls the Prometheus metrics endpoint. When Port is set the
// registry is also served on a dedicated listener.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// HTTPConfig controls the per-client-IP limiter in front of the API.
type HTTPConfig struct {
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// EndpointConfig declares an endpoint beyond the built-in viable-system set,
// or overrides the class, capabilities or webhook of a built-in one.
type EndpointConfig struct {
	Name         string   `yaml:"name"`
	Class        string   `yaml:"class"`  // operational|coordination|control|intelligence|policy|team
	Parent       string   `yaml:"parent"` // command-hierarchy parent; empty for roots
	Capabilities []string `yaml:"capabilities"`
	WebhookURL   string   `yaml:"webhook_url"`
	Secret       string   `yaml:"webhook_secret"`
}

// BucketConfig is one token bucket: Capacity tokens, refilled continuously at
// RefillPerSecond.
type BucketConfig struct {
	Capacity        int     `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
}

// RateLimitConfig sets the variety-attenuation budgets. Budgets shrink going
// up the hierarchy: System5 gets the smallest bucket.
type RateLimitConfig struct {
	Default    BucketConfig            `yaml:"default"`
	Subsystems map[string]BucketConfig `yaml:"subsystems"`
	// IdleTTL is how long an unused bucket survives before eviction.
	IdleTTL time.Duration `yaml:"idle_ttl"`
}

// RouterConfig tunes the channel router.
type RouterConfig struct {
	// ConversationTTL bounds how long a resource-bargain conversation id
	// stays bound to its two participants after the last message.
	ConversationTTL time.Duration `yaml:"conversation_ttl"`
}

// StormConfig tunes the signal-storm detector.
type StormConfig struct {
	Window        time.Duration `yaml:"window"`
	SourceBurst   int           `yaml:"source_burst"`
	SimilarBurst  int           `yaml:"similar_burst"`
	CascadeLength int           `yaml:"cascade_length"`
	CascadeWindow time.Duration `yaml:"cascade_window"`
	QuietPeriod   time.Duration `yaml:"quiet_period"`
}

// AlgedonicConfig tunes the escalation engine.
type AlgedonicConfig struct {
	// Thresholds is signals per RateWindow per (source, severity), keyed by
	// severity name. Critical is never limited and ignored here.
	Thresholds      map[string]int `yaml:"thresholds"`
	RateWindow      time.Duration  `yaml:"rate_window"`
	DedupWindow     time.Duration  `yaml:"dedup_window"`
	DeliveryTimeout time.Duration  `yaml:"delivery_timeout"`
	GracePeriod     time.Duration  `yaml:"grace_period"`
	Retention       time.Duration  `yaml:"retention"`
	Storm           StormConfig    `yaml:"storm"`
	// EscalationTargets are notified when a signal escalates, keyed by severity.
	EscalationTargets map[string][]string `yaml:"escalation_targets"`
	// FailSafeEndpoints receive the second-order alert raised when no
	// destination of a critical signal could be reached.
	FailSafeEndpoints []string `yaml:"failsafe_endpoints"`
}

// AuditConfig controls the bbolt audit log.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	File    string `yaml:"file"` // relative to node.data_dir
}

// WebhookConfig controls outbound webhook delivery.
type WebhookConfig struct {
	TimeoutMs int `yaml:"timeout_ms"`
}

// Default is the configuration used when no file is present. Subsystem
// budgets shrink towards System5.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			Host:    "0.0.0.0",
			Port:    8080,
			DataDir: "./data",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		HTTP: HTTPConfig{
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		RateLimits: RateLimitConfig{
			Default: BucketConfig{Capacity: 100, RefillPerSecond: 10},
			Subsystems: map[string]BucketConfig{
				"System5": {Capacity: 10, RefillPerSecond: 0.5},
				"System4": {Capacity: 50, RefillPerSecond: 5},
				"System3": {Capacity: 100, RefillPerSecond: 20},
				"System2": {Capacity: 200, RefillPerSecond: 50},
				"System1": {Capacity: 1000, RefillPerSecond: 200},
			},
			IdleTTL: 10 * time.Minute,
		},
		Router: RouterConfig{
			ConversationTTL: time.Hour,
		},
		Algedonic: AlgedonicConfig{
			Thresholds:      map[string]int{"high": 10, "medium": 5, "low": 2},
			RateWindow:      time.Minute,
			DedupWindow:     30 * time.Second,
			DeliveryTimeout: 5 * time.Second,
			GracePeriod:     15 * time.Minute,
			Retention:       time.Hour,
			Storm: StormConfig{
				Window:        5 * time.Second,
				SourceBurst:   10,
				SimilarBurst:  10,
				CascadeLength: 3,
				CascadeWindow: 10 * time.Second,
				QuietPeriod:   5 * time.Second,
			},
			EscalationTargets: map[string][]string{
				"critical": {"OnCall"},
				"high":     {"OperationsTeam", "ExecutiveTeam"},
			},
			FailSafeEndpoints: []string{"OnCall"},
		},
		Audit: AuditConfig{
			Enabled: true,
			File:    "audit.db",
		},
		Webhook: WebhookConfig{
			TimeoutMs: 5_000,
		},
	}
}

// Load decodes path over Default. A missing file is not an error. The
// environment wins over the file:
//
//	VSMBUS_AUTH_API_KEY   sets auth.api_key and enables auth (auth.enabled = true)
//	VSMBUS_DATA_DIR       sets node.data_dir
//	VSMBUS_PORT           sets node.port
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("VSMBUS_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("VSMBUS_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("VSMBUS_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
}

// Validate reports the first out-of-range or inconsistent setting.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 0 || c.Metrics.Port > 65535) {
		return errors.New("metrics.port must be between 0 and 65535")
	}
	if err := validBucket("rate_limits.default", c.RateLimits.Default); err != nil {
		return err
	}
	for name, b := range c.RateLimits.Subsystems {
		if err := validBucket("rate_limits.subsystems."+name, b); err != nil {
			return err
		}
	}
	for i, ep := range c.Endpoints {
		if ep.Name == "" {
			return fmt.Errorf("endpoints[%d].name must not be empty", i)
		}
	}
	for sev, n := range c.Algedonic.Thresholds {
		switch sev {
		case "high", "medium", "low":
		default:
			return fmt.Errorf("algedonic.thresholds: unknown severity %q", sev)
		}
		if n < 1 {
			return fmt.Errorf("algedonic.thresholds.%s must be at least 1", sev)
		}
	}
	if c.Algedonic.RateWindow <= 0 {
		return errors.New("algedonic.rate_window must be positive")
	}
	if c.Algedonic.DeliveryTimeout <= 0 {
		return errors.New("algedonic.delivery_timeout must be positive")
	}
	if c.Algedonic.Storm.Window <= 0 {
		return errors.New("algedonic.storm.window must be positive")
	}
	if c.Algedonic.Storm.CascadeLength != 0 && c.Algedonic.Storm.CascadeLength < 2 {
		return errors.New("algedonic.storm.cascade_length must be 0 (disabled) or at least 2")
	}
	if c.Audit.Enabled && c.Audit.File == "" {
		return errors.New("audit.file must not be empty when audit is enabled")
	}
	return nil
}

func validBucket(path string, b BucketConfig) error {
	if b.Capacity < 1 {
		return fmt.Errorf("%s.capacity must be at least 1", path)
	}
	if b.RefillPerSecond <= 0 {
		return fmt.Errorf("%s.refill_per_second must be positive", path)
	}
	return nil
}
