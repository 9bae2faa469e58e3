package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatsync"

// Metrics holds the synchronizer counters. Each instance owns its registry so
// tests and multiple daemons never collide on the default one.
type Metrics struct {
	registry *prometheus.Registry

	MessagesApplied    prometheus.Counter
	DuplicatesAbsorbed prometheus.Counter
	EventsBuffered     prometheus.Counter
	ReceiptsSent       prometheus.Counter
	FetchFailures      prometheus.Counter
	Reconnects         prometheus.Counter
	EventsDropped      *prometheus.CounterVec
}

// New creates and registers the counters.
func New() *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		})
	}

	m := &Metrics{
		registry:           prometheus.NewRegistry(),
		MessagesApplied:    counter("messages_applied_total", "Messages inserted, merged or remapped in the store."),
		DuplicatesAbsorbed: counter("duplicates_absorbed_total", "Messages that were already present."),
		EventsBuffered:     counter("events_buffered_total", "Live events held while a history fetch was in flight."),
		ReceiptsSent:       counter("receipts_sent_total", "Read receipts emitted."),
		FetchFailures:      counter("history_fetch_failures_total", "History fetches that ended in the errored state."),
		Reconnects:         counter("reconnects_total", "Real-time reconnections."),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Live events dropped, by reason.",
		}, []string{"reason"}),
	}

	m.registry.MustRegister(
		m.MessagesApplied,
		m.DuplicatesAbsorbed,
		m.EventsBuffered,
		m.ReceiptsSent,
		m.FetchFailures,
		m.Reconnects,
		m.EventsDropped,
		collectors.NewGoCollector(),
	)
	return m
}

// Dropped counts a discarded live event.
func (m *Metrics) Dropped(reason string) {
	m.EventsDropped.WithLabelValues(reason).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
