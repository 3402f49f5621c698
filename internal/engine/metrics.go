package engine

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles Prometheus collectors for the poll loop.
type Metrics struct {
	fetches            *prometheus.CounterVec
	messagesSeen       prometheus.Counter
	messagesDispatched prometheus.Counter
	handlerErrors      prometheus.Counter
	dedupSize          prometheus.Gauge
	pollInterval       prometheus.Gauge
}

// NewMetrics builds the collectors and registers them on reg. Pass nil to run
// without metrics; every method is nil-safe.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatledger",
			Name:      "engine_fetches_total",
			Help:      "Chat page fetches by result",
		}, []string{"result"}),
		messagesSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatledger",
			Name:      "engine_messages_seen_total",
			Help:      "Messages observed on fetched pages, duplicates included",
		}),
		messagesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatledger",
			Name:      "engine_messages_dispatched_total",
			Help:      "Messages dispatched to handlers after dedup",
		}),
		handlerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatledger",
			Name:      "engine_handler_errors_total",
			Help:      "Handler panics recovered during dispatch",
		}),
		dedupSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatledger",
			Name:      "engine_dedup_cache_size",
			Help:      "Current dedup cache entries",
		}),
		pollInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatledger",
			Name:      "engine_poll_interval_seconds",
			Help:      "Effective poll interval",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.fetches,
			m.messagesSeen,
			m.messagesDispatched,
			m.handlerErrors,
			m.dedupSize,
			m.pollInterval,
		)
	}
	return m
}

func (m *Metrics) incFetch(result string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(result).Inc()
}

func (m *Metrics) addSeen(n int) {
	if m == nil {
		return
	}
	m.messagesSeen.Add(float64(n))
}

func (m *Metrics) incDispatched() {
	if m == nil {
		return
	}
	m.messagesDispatched.Inc()
}

func (m *Metrics) incHandlerError() {
	if m == nil {
		return
	}
	m.handlerErrors.Inc()
}

func (m *Metrics) setDedupSize(n int) {
	if m == nil {
		return
	}
	m.dedupSize.Set(float64(n))
}

func (m *Metrics) setPollInterval(dur float64) {
	if m == nil {
		return
	}
	m.pollInterval.Set(dur)
}
