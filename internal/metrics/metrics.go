// Package metrics holds the Prometheus collectors shared by the coordination
// core. Each runtime owns its own registry so isolated runtimes (tests, one
// per task) never collide on registration.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Registry *prometheus.Registry

	EventsPublished *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	HandlerFailures *prometheus.CounterVec
	QueueDepth      prometheus.Gauge

	StoreFlushes        prometheus.Counter
	StoreFlushFailures  prometheus.Counter
	StoreRequeued       prometheus.Counter
	StoreBufferDepth    prometheus.Gauge
	StoreEphemeralConns prometheus.Counter

	ScreenshotEvictions *prometheus.CounterVec
	ScreenshotBytes     prometheus.Gauge

	ContextCompressions *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nogicos", Subsystem: "eventbus", Name: "published_total",
			Help: "Events accepted by the bus, by kind.",
		}, []string{"kind"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nogicos", Subsystem: "eventbus", Name: "dropped_total",
			Help: "Events discarded under backpressure, by queue class.",
		}, []string{"class"}),
		HandlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nogicos", Subsystem: "eventbus", Name: "handler_failures_total",
			Help: "Handler errors and panics, by handler name.",
		}, []string{"handler"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nogicos", Subsystem: "eventbus", Name: "queue_depth",
			Help: "Events waiting for dispatch.",
		}),
		StoreFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nogicos", Subsystem: "store", Name: "flushes_total",
			Help: "Write-behind batches committed.",
		}),
		StoreFlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nogicos", Subsystem: "store", Name: "flush_failures_total",
			Help: "Batches that exhausted their retry attempts.",
		}),
		StoreRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nogicos", Subsystem: "store", Name: "requeued_entries_total",
			Help: "Buffered writes put back after a failed flush.",
		}),
		StoreBufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nogicos", Subsystem: "store", Name: "buffer_depth",
			Help: "Writes waiting in the write-behind buffer.",
		}),
		StoreEphemeralConns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nogicos", Subsystem: "store", Name: "ephemeral_connections_total",
			Help: "Connections opened outside the pool because it was exhausted.",
		}),
		ScreenshotEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nogicos", Subsystem: "screenshot", Name: "evictions_total",
			Help: "Screenshots removed from the cache, by reason.",
		}, []string{"reason"}),
		ScreenshotBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nogicos", Subsystem: "screenshot", Name: "bytes",
			Help: "Compressed bytes held by the screenshot cache.",
		}),
		ContextCompressions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nogicos", Subsystem: "context", Name: "compressions_total",
			Help: "History compressions, by summary mode.",
		}, []string{"mode"}),
	}
	m.Registry.MustRegister(
		m.EventsPublished,
		m.EventsDropped,
		m.HandlerFailures,
		m.QueueDepth,
		m.StoreFlushes,
		m.StoreFlushFailures,
		m.StoreRequeued,
		m.StoreBufferDepth,
		m.StoreEphemeralConns,
		m.ScreenshotEvictions,
		m.ScreenshotBytes,
		m.ContextCompressions,
	)
	return m
}

// OrDiscard returns m, or a fresh unregistered-to-anything set when m is nil,
// so components can record unconditionally.
func OrDiscard(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return New()
}
