// Package metrics exposes FlashKV server statistics as Prometheus metrics.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flashkv"

// KeySource reports key counts for the keyspace gauges.
// *store.Store satisfies it.
type KeySource interface {
	Len() int
	Reclaimed() uint64
}

// Stats is a snapshot of the command counters.
type Stats struct {
	TotalCommands int64
	TotalReads    int64
	TotalWrites   int64
	StartTime     time.Time
}

// Metrics holds the server collectors and the registry they are served from.
type Metrics struct {
	registry *prometheus.Registry

	commands       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	connsActive    prometheus.Gauge
	connsTotal     prometheus.Counter
	connsRejected  prometheus.Counter
	protocolErrors prometheus.Counter

	startTime     time.Time
	totalCommands atomic.Int64
	totalReads    atomic.Int64
	totalWrites   atomic.Int64
}

// New creates the collectors and registers them on a fresh registry along
// with the Go runtime and process collectors. src may be nil.
func New(src KeySource) *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}

	m.commands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "Commands processed, by command and outcome.",
	}, []string{"command", "status"})

	m.duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "command_duration_seconds",
		Help:      "Command execution latency.",
		Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
	}, []string{"command"})

	m.connsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "connections",
		Name:      "active",
		Help:      "Currently connected clients.",
	})

	m.connsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "connections",
		Name:      "accepted_total",
		Help:      "Client connections accepted.",
	})

	m.connsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "connections",
		Name:      "rejected_total",
		Help:      "Client connections refused because the server was full.",
	})

	m.protocolErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "protocol_errors_total",
		Help:      "Connections closed because of undecodable input.",
	})

	m.registry.MustRegister(
		m.commands,
		m.duration,
		m.connsActive,
		m.connsTotal,
		m.connsRejected,
		m.protocolErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if src != nil {
		m.registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "keyspace",
				Name:      "keys",
				Help:      "Live keys in the store.",
			}, func() float64 { return float64(src.Len()) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "keyspace",
				Name:      "expired_keys_total",
				Help:      "Expired keys removed from memory.",
			}, func() float64 { return float64(src.Reclaimed()) }),
		)
	}

	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveCommand records one executed command.
func (m *Metrics) ObserveCommand(name string, write, failed bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if failed {
		status = "error"
	}
	m.commands.WithLabelValues(name, status).Inc()
	m.duration.WithLabelValues(name).Observe(elapsed.Seconds())

	m.totalCommands.Add(1)
	if write {
		m.totalWrites.Add(1)
	} else {
		m.totalReads.Add(1)
	}
}

// ConnOpened counts an accepted connection.
func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connsActive.Inc()
	m.connsTotal.Inc()
}

// ConnClosed marks an accepted connection as gone.
func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.connsActive.Dec()
}

// ConnRejected counts a connection refused at the client limit.
func (m *Metrics) ConnRejected() {
	if m == nil {
		return
	}
	m.connsRejected.Inc()
}

// ProtocolError counts a connection dropped for undecodable input.
func (m *Metrics) ProtocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

// Stats returns the command counters.
func (m *Metrics) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		TotalCommands: m.totalCommands.Load(),
		TotalReads:    m.totalReads.Load(),
		TotalWrites:   m.totalWrites.Load(),
		StartTime:     m.startTime,
	}
}
