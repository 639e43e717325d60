// Package metrics implements the fleet's metrics sink: a Prometheus
// registry for live gauges/counters, and an independent append-only
// newline-delimited JSON event log for durable history.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EventType enumerates the lifecycle events recorded to the JSON event log.
type EventType string

const (
	EventRunnerInstalled EventType = "runner_installed"
	EventRunnerStart     EventType = "runner_start"
	EventRunnerStop      EventType = "runner_stop"
	EventReconciliation  EventType = "reconciliation"
)

// Event is one line of the append-only event log.
type Event struct {
	Event     EventType `json:"event"`
	Timestamp time.Time `json:"timestamp"`

	InstanceID string `json:"instance_id,omitempty"`
	Reactive   *bool  `json:"reactive,omitempty"`
	Reason     string `json:"reason,omitempty"`

	Flavor          string        `json:"flavor,omitempty"`
	Duration        time.Duration `json:"duration_ns,omitempty"`
	CrashedRunners  int           `json:"crashed_runners,omitempty"`
	IdleRunners     int           `json:"idle_runners,omitempty"`
	ActiveRunners   int           `json:"active_runners,omitempty"`
	ExpectedRunners int           `json:"expected_runners,omitempty"`
}

// Sink is implemented by every metrics backend. Appends must be
// thread-safe: the reconciler, the reactive consumers, and the control
// surface all write concurrently.
type Sink interface {
	Record(e Event)
}

// MultiSink fans a single Record call out to every wrapped sink.
type MultiSink struct {
	Sinks []Sink
}

func (m MultiSink) Record(e Event) {
	for _, s := range m.Sinks {
		s.Record(e)
	}
}

// Prometheus gauge/counter vectors, labeled by manager prefix.
var (
	PoolSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "runnerfleet",
		Subsystem: "pool",
		Name:      "size",
		Help:      "Number of healthy runner instances (idle plus busy) at the last reconciliation.",
	}, []string{"prefix"})

	PoolIdle = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "runnerfleet",
		Subsystem: "pool",
		Name:      "idle",
		Help:      "Number of idle (or offline-but-healthy) runner instances.",
	}, []string{"prefix"})

	PoolBusy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "runnerfleet",
		Subsystem: "pool",
		Name:      "busy",
		Help:      "Number of busy runner instances.",
	}, []string{"prefix"})

	PoolOffline = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "runnerfleet",
		Subsystem: "pool",
		Name:      "offline",
		Help:      "Number of offline runner instances past their grace period.",
	}, []string{"prefix"})

	RunnerStarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runnerfleet",
		Subsystem: "runner",
		Name:      "starts_total",
		Help:      "Total number of runner instances launched.",
	}, []string{"prefix", "reactive"})

	RunnerStops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runnerfleet",
		Subsystem: "runner",
		Name:      "stops_total",
		Help:      "Total number of runner instances torn down.",
	}, []string{"prefix", "reactive", "reason"})

	ReconcileDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "runnerfleet",
		Subsystem: "reconcile",
		Name:      "duration_seconds",
		Help:      "Duration of a single reconciliation pass.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"prefix"})

	CrashedRunners = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "runnerfleet",
		Subsystem: "reconcile",
		Name:      "crashed_runners",
		Help:      "Runners started but not cleanly stopped since the last reconciliation.",
	}, []string{"prefix"})
)

// MustRegister registers every collector in this package with reg.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(PoolSize, PoolIdle, PoolBusy, PoolOffline, RunnerStarts, RunnerStops, ReconcileDuration, CrashedRunners)
}

// PrometheusSink implements Sink by feeding the package-level vectors.
type PrometheusSink struct {
	Prefix string
}

func (p PrometheusSink) Record(e Event) {
	reactive := "false"
	if e.Reactive != nil && *e.Reactive {
		reactive = "true"
	}

	switch e.Event {
	case EventRunnerStart:
		RunnerStarts.WithLabelValues(p.Prefix, reactive).Inc()
	case EventRunnerStop:
		RunnerStops.WithLabelValues(p.Prefix, reactive, e.Reason).Inc()
	case EventReconciliation:
		ReconcileDuration.WithLabelValues(p.Prefix).Observe(e.Duration.Seconds())
		CrashedRunners.WithLabelValues(p.Prefix).Set(float64(e.CrashedRunners))
		PoolIdle.WithLabelValues(p.Prefix).Set(float64(e.IdleRunners))
		PoolBusy.WithLabelValues(p.Prefix).Set(float64(e.ActiveRunners))
		PoolSize.WithLabelValues(p.Prefix).Set(float64(e.IdleRunners + e.ActiveRunners))
	}
}
