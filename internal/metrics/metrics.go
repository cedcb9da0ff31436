// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tg_wager_bot/internal/domain"
)

const namespace = "wager_bot"

// Metrics owns a private registry so tests can build as many as they need.
// Every method is safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	journals     *prometheus.CounterVec
	pointsMoved  *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	ticks        *prometheus.CounterVec
	tickDuration prometheus.Histogram
	sends        *prometheus.CounterVec
	open         *prometheus.GaugeVec
}

// New registers the bot collectors plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		journals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journals_posted_total",
			Help:      "Journals posted to the ledger by type.",
		}, []string{"type"}),
		pointsMoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_moved_total",
			Help:      "Points credited by posted journals by type.",
		}, []string{"type"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Entity state transitions by kind and target state.",
		}, []string{"kind", "to"}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_ticks_total",
			Help:      "Scheduler ticks by result.",
		}, []string{"result"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_tick_seconds",
			Help:      "Duration of scheduler ticks.",
			Buckets:   prometheus.DefBuckets,
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telegram_messages_total",
			Help:      "Outbound Telegram messages by result.",
		}, []string{"result"}),
		open: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_entities",
			Help:      "Entities awaiting resolution by kind.",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.journals,
		m.pointsMoved,
		m.transitions,
		m.ticks,
		m.tickDuration,
		m.sends,
		m.open,
	)

	return m
}

// Registry exposes the underlying registry.
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

// JournalPosted counts a committed journal and the points it credited.
func (m *Metrics) JournalPosted(j domain.Journal) {
	if m == nil {
		return
	}
	var credited int64
	for _, p := range j.Postings {
		if p.Amount > 0 {
			credited += p.Amount
		}
	}
	m.journals.WithLabelValues(string(j.Type)).Inc()
	m.pointsMoved.WithLabelValues(string(j.Type)).Add(float64(credited))
}

// TransitionApplied counts an entity state change.
func (m *Metrics) TransitionApplied(t domain.Transition) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(t.Kind, t.To).Inc()
}

// TickObserved records one scheduler tick.
func (m *Metrics) TickObserved(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
	m.ticks.WithLabelValues(result(err)).Inc()
}

// TickSkipped records a tick that did not get the scheduler lock.
func (m *Metrics) TickSkipped() {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues("skipped").Inc()
}

// MessageSent records one outbound Telegram message.
func (m *Metrics) MessageSent(err error) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(result(err)).Inc()
}

// SetOpen publishes the number of unresolved entities of a kind.
func (m *Metrics) SetOpen(kind string, n int64) {
	if m == nil {
		return
	}
	m.open.WithLabelValues(kind).Set(float64(n))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
