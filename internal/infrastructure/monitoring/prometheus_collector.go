package monitoring

import (
	"rendezvous/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements the signaling and agent metrics ports.
type PrometheusCollector struct {
	sessionsActive   prometheus.Gauge
	sessionsOpened   prometheus.Counter
	sessionsClosed   *prometheus.CounterVec
	eventsAppended   *prometheus.CounterVec
	logLength        prometheus.Gauge
	signalsForwarded *prometheus.CounterVec
	logUpdateEntries prometheus.Histogram
	messagesRejected *prometheus.CounterVec

	linkTransitions *prometheus.CounterVec
	pendingSignals  prometheus.Gauge
}

// NewPrometheusCollector registers the collector's metrics with reg; pass
// prometheus.DefaultRegisterer to expose them on the default handler.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rendezvous_sessions_active",
			Help: "Number of connected participant sessions",
		}),

		sessionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "rendezvous_sessions_opened_total",
			Help: "Total number of admitted participant sessions",
		}),

		sessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rendezvous_sessions_closed_total",
			Help: "Total number of closed sessions by reason",
		}, []string{"reason"}),

		eventsAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rendezvous_log_events_total",
			Help: "Total number of events appended to the log by type",
		}, []string{"type"}),

		logLength: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rendezvous_log_length",
			Help: "Current number of entries in the event log",
		}),

		signalsForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rendezvous_signals_forwarded_total",
			Help: "Signals relayed between participants by outcome",
		}, []string{"outcome"}),

		logUpdateEntries: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rendezvous_log_update_entries",
			Help:    "Entries carried by each log-update message",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),

		messagesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rendezvous_messages_rejected_total",
			Help: "Inbound frames rejected by reason",
		}, []string{"reason"}),

		linkTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rendezvous_peer_link_transitions_total",
			Help: "Peer link state transitions",
		}, []string{"from", "to"}),

		pendingSignals: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rendezvous_pending_signals",
			Help: "Signals queued for remotes without a link",
		}),
	}
}

func (p *PrometheusCollector) SessionOpened() {
	p.sessionsOpened.Inc()
	p.sessionsActive.Inc()
}

func (p *PrometheusCollector) SessionClosed(reason string) {
	p.sessionsActive.Dec()
	p.sessionsClosed.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) EventAppended(t domain.EventType, logLength int) {
	p.eventsAppended.WithLabelValues(string(t)).Inc()
	p.logLength.Set(float64(logLength))
}

func (p *PrometheusCollector) SignalForwarded(delivered bool) {
	outcome := "delivered"
	if !delivered {
		outcome = "no_destination"
	}
	p.signalsForwarded.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) LogUpdateSent(entries int) {
	p.logUpdateEntries.Observe(float64(entries))
}

func (p *PrometheusCollector) MessageRejected(reason string) {
	p.messagesRejected.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) LinkTransition(from, to string) {
	p.linkTransitions.WithLabelValues(from, to).Inc()
}

func (p *PrometheusCollector) PendingSignals(n int) {
	p.pendingSignals.Set(float64(n))
}
