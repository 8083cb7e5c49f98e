// Command vsmbus runs the VSM message bus: the HTTP API, push sessions over
// websocket and, optionally, a separate Prometheus listener.
//
// Usage:
//
//	vsmbus [--config path/to/config.yaml] [--log-level info]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"go.etcd.io/bbolt"

	"github.com/sneh-joshi/vsmbus/internal/audit"
	"github.com/sneh-joshi/vsmbus/internal/bus"
	"github.com/sneh-joshi/vsmbus/internal/config"
	"github.com/sneh-joshi/vsmbus/internal/delivery"
	"github.com/sneh-joshi/vsmbus/internal/dlq"
	"github.com/sneh-joshi/vsmbus/internal/endpoint"
	"github.com/sneh-joshi/vsmbus/internal/metrics"
	"github.com/sneh-joshi/vsmbus/internal/node"
	"github.com/sneh-joshi/vsmbus/internal/telemetry"
	transphttp "github.com/sneh-joshi/vsmbus/internal/transport/http"
	transportws "github.com/sneh-joshi/vsmbus/internal/transport/websocket"
	"github.com/sneh-joshi/vsmbus/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vsmbus: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "YAML config file; missing means defaults")
	logLevel := flag.String("log-level", "info", "debug|info|warn|error")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	self, err := node.New(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("node identity: %w", err)
	}
	slog.Info("vsmbus starting",
		"node_id", self.ID(),
		"listen", cfg.Node.Host,
		"node_port", cfg.Node.Port,
		"data_dir", self.DataDir(),
		"audit", cfg.Audit.Enabled,
		"endpoints_declared", len(cfg.Endpoints),
	)

	reg, err := endpoint.New(self.DataDir(), declaredEndpoints(cfg.Endpoints)...)
	if err != nil {
		return fmt.Errorf("endpoint registry: %w", err)
	}

	st, err := openStores(self.DataDir(), cfg.Audit)
	if err != nil {
		return err
	}
	defer st.close()

	metricsReg := metrics.New()
	sinks := []telemetry.Sink{metricsReg, telemetry.LogSink{Logger: logger}}
	if st.audit != nil {
		sinks = append(sinks, st.audit)
	}

	disp := delivery.New(reg,
		delivery.WithDeadLetters(st.dlq),
		delivery.WithWebhookTimeout(time.Duration(cfg.Webhook.TimeoutMs)*time.Millisecond),
	)
	settings, err := bus.SettingsFrom(cfg)
	if err != nil {
		return fmt.Errorf("bus settings: %w", err)
	}
	b := bus.New(reg, disp, settings, bus.WithSink(telemetry.Multi(sinks...)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	b.Start(ctx)
	defer b.Close()

	// Push sessions need the bus for inbound frames, and the dispatcher needs
	// the sessions for outbound pushes.
	hub := transportws.NewHub(reg, b)
	disp.SetPusher(hub)

	metricsReg.GaugeFunc("signals_live", "Algedonic signals held by the engine.", func() float64 {
		return float64(len(b.Signals("")))
	})
	metricsReg.GaugeFunc("storms_active", "Signal storms currently being suppressed.", func() float64 {
		return float64(len(b.Storms()))
	})
	metricsReg.GaugeFunc("endpoints_registered", "Registered endpoints.", func() float64 {
		return float64(len(reg.List()))
	})

	api := transphttp.New(transphttp.Deps{
		Bus:      b,
		Audit:    st.audit,
		DLQ:      st.dlq,
		Replayer: disp.Replayer(),
		Hub:      hub,
		Metrics:  metricsReg,
		NodeID:   self.ID().String(),
	}, cfg)
	apiAddr := net.JoinHostPort(cfg.Node.Host, strconv.Itoa(cfg.Node.Port))

	failed := make(chan error, 1)
	go func() {
		slog.Info("api listening", "addr", apiAddr)
		if err := api.ListenAndServe(apiAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			failed <- err
		}
	}()

	var scrape *http.Server
	if cfg.Metrics.Enabled && cfg.Metrics.Port != 0 && cfg.Metrics.Port != cfg.Node.Port {
		scrape = &http.Server{
			Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Metrics.Port)),
			Handler:           metricsReg.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("metrics listening", "addr", scrape.Addr)
			if err := scrape.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Warn("metrics listener failed", "err", err)
			}
		}()
	}

	go func() {
		err := config.Watch(ctx, *configPath, func(next *config.Config) {
			s, err := bus.SettingsFrom(next)
			if err != nil {
				slog.Warn("config reload rejected", "err", err)
				return
			}
			b.Reconfigure(s)
			slog.Info("bus reconfigured")
		})
		if err != nil {
			slog.Warn("config watcher stopped", "err", err)
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("signal received, draining")
	case err := <-failed:
		return fmt.Errorf("api listener: %w", err)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub.Close()
	if err := api.Shutdown(drainCtx); err != nil {
		slog.Warn("api shutdown", "err", err)
	}
	if scrape != nil {
		_ = scrape.Shutdown(drainCtx)
	}
	slog.Info("vsmbus stopped")
	return nil
}

// stores holds the bbolt-backed audit log and dead-letter queue. With audit
// enabled both live in the audit file; otherwise the queue gets its own file.
type stores struct {
	audit *audit.Log
	db    *bbolt.DB
	dlq   *dlq.Queue
}

func openStores(dataDir string, cfg config.AuditConfig) (*stores, error) {
	st := &stores{}
	var err error
	if cfg.Enabled {
		if st.audit, err = audit.Open(filepath.Join(dataDir, cfg.File)); err != nil {
			return nil, fmt.Errorf("audit log: %w", err)
		}
		st.db = st.audit.DB()
	} else {
		st.db, err = bbolt.Open(filepath.Join(dataDir, "dlq.db"), 0o640, &bbolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, fmt.Errorf("dead-letter store: %w", err)
		}
	}
	if st.dlq, err = dlq.New(st.db); err != nil {
		st.close()
		return nil, fmt.Errorf("dead-letter queue: %w", err)
	}
	return st, nil
}

func (st *stores) close() {
	var err error
	if st.audit != nil {
		err = st.audit.Close()
	} else {
		err = st.db.Close()
	}
	if err != nil {
		slog.Warn("store close", "err", err)
	}
}

// declaredEndpoints converts the config file's endpoint list into registry
// entries.
func declaredEndpoints(in []config.EndpointConfig) []endpoint.Endpoint {
	out := make([]endpoint.Endpoint, 0, len(in))
	for _, ec := range in {
		out = append(out, endpoint.Endpoint{
			Name:         types.Endpoint(ec.Name),
			Class:        endpoint.Class(ec.Class),
			Parent:       types.Endpoint(ec.Parent),
			Capabilities: ec.Capabilities,
			WebhookURL:   ec.WebhookURL,
			Secret:       ec.Secret,
		})
	}
	return out
}
