// Package metrics exports bus telemetry and HTTP traffic as Prometheus
// metrics.
//
// A Registry is a telemetry.Sink: hand it to the router, rate limiter,
// algedonic engine and delivery layer and every event becomes a counter or
// histogram sample. Each Registry owns its own prometheus.Registry so tests
// and multiple buses in one process never collide.
//
//	vsmbus_messages_total{channel,subsystem,outcome}
//	vsmbus_ratelimit_rejected_total{subsystem}
//	vsmbus_signals_total{event,severity,subsystem}
//	vsmbus_signal_ack_latency_seconds{severity}
//	vsmbus_storms_total{event}
//	vsmbus_failsafe_total{subsystem}
//	vsmbus_deliveries_total{channel,outcome}
//	vsmbus_delivery_duration_seconds{channel,outcome}
//	vsmbus_http_requests_total{method,path,status}
//	vsmbus_http_request_duration_seconds{method,path}
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sneh-joshi/vsmbus/internal/telemetry"
)

const namespace = "vsmbus"

// Registry holds all bus metrics.
type Registry struct {
	reg *prometheus.Registry

	messages      *prometheus.CounterVec
	rateRejected  *prometheus.CounterVec
	signals       *prometheus.CounterVec
	ackLatency    *prometheus.HistogramVec
	storms        *prometheus.CounterVec
	failsafe      *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	deliveryDur   *prometheus.HistogramVec
	httpRequests  *prometheus.CounterVec
	httpDurations *prometheus.HistogramVec
}

// New builds a Registry with Go runtime and process collectors attached.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Registry{
		reg: reg,
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages routed or rejected by the channel router",
		}, []string{"channel", "subsystem", "outcome"}),
		rateRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_rejected_total",
			Help:      "Messages rejected by the variety attenuator",
		}, []string{"subsystem"}),
		signals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Algedonic signal lifecycle events",
		}, []string{"event", "severity", "subsystem"}),
		ackLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "signal_ack_latency_seconds",
			Help:      "Time from emission to each acknowledgment",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 900, 1800, 3600},
		}, []string{"severity"}),
		storms: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storms_total",
			Help:      "Signal storm events",
		}, []string{"event"}),
		failsafe: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failsafe_total",
			Help:      "Critical signals that reached no destination",
		}, []string{"subsystem"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery attempts by channel and outcome",
		}, []string{"channel", "outcome"}),
		deliveryDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Delivery attempt latency",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"channel", "outcome"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, path and status code",
		}, []string{"method", "path", "status"}),
		httpDurations: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// Emit implements telemetry.Sink.
func (r *Registry) Emit(ev telemetry.Event) {
	sub := ev.Get(telemetry.KeySubsystem)
	sev := ev.Get(telemetry.KeySeverity)

	switch ev.Name {
	case telemetry.MessageSent:
		r.messages.WithLabelValues(ev.Get(telemetry.KeyChannel), sub, "sent").Inc()
	case telemetry.MessageRejected:
		r.messages.WithLabelValues(ev.Get(telemetry.KeyChannel), sub, "rejected").Inc()
	case telemetry.RateRejected:
		r.rateRejected.WithLabelValues(sub).Inc()

	case telemetry.SignalRouted, telemetry.SignalEscalated, telemetry.SignalResolved,
		telemetry.SignalFalseAlarm, telemetry.SignalExpired, telemetry.SignalRateLimited:
		r.signals.WithLabelValues(shortName(ev.Name), sev, sub).Inc()
	case telemetry.SignalAcknowledged:
		r.signals.WithLabelValues(shortName(ev.Name), sev, sub).Inc()
		if ms, ok := ev.Measurements["latency_ms"]; ok {
			r.ackLatency.WithLabelValues(sev).Observe(ms / 1000)
		}

	case telemetry.StormDetected, telemetry.StormSuppressed, telemetry.StormEnded:
		r.storms.WithLabelValues(shortName(ev.Name)).Inc()
	case telemetry.FailSafeTriggered:
		r.failsafe.WithLabelValues(sub).Inc()

	case telemetry.DeliverySucceeded, telemetry.DeliveryFailed:
		outcome := shortName(ev.Name)
		ch := ev.Get(telemetry.KeyChannel)
		r.deliveries.WithLabelValues(ch, outcome).Inc()
		if ms, ok := ev.Measurements["duration_ms"]; ok {
			r.deliveryDur.WithLabelValues(ch, outcome).Observe(ms / 1000)
		}
	}
}

// shortName returns the last dotted segment of an event name.
func shortName(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// ObserveHTTP records one served request. path should be the route pattern,
// not the raw URL, to keep label cardinality bounded.
func (r *Registry) ObserveHTTP(method, path string, status int, d time.Duration) {
	r.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.httpDurations.WithLabelValues(method, path).Observe(d.Seconds())
}

// GaugeFunc registers a gauge whose value is read from fn at scrape time.
func (r *Registry) GaugeFunc(name, help string, fn func() float64) {
	promauto.With(r.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler renders the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
