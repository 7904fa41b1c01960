// Package metrics holds the Prometheus collectors of one node.
//
// Every Metrics value owns its registry so several nodes can live in one
// process without colliding on registration.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keymesh"

// Declaration kinds used as the "kind" label.
const (
	KindPublisher  = "publisher"
	KindSubscriber = "subscriber"
	KindQueryable  = "queryable"
)

// Metrics is the set of collectors for one node.
type Metrics struct {
	registry *prometheus.Registry

	samplesPublished *prometheus.CounterVec
	samplesDelivered *prometheus.CounterVec
	samplesDropped   *prometheus.CounterVec
	queriesReceived  *prometheus.CounterVec
	repliesSent      *prometheus.CounterVec
	handlerPanics    *prometheus.CounterVec
	getDuration      *prometheus.HistogramVec
	getReplies       *prometheus.CounterVec
	getTimeouts      *prometheus.CounterVec
	declarations     *prometheus.GaugeVec
}

// New creates collectors registered on a fresh registry. The node label is
// attached to every series as a constant label.
func New(node string) *Metrics {
	labels := prometheus.Labels{"node": node}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		samplesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "pubsub",
			Name:        "samples_published_total",
			Help:        "Samples put by local publishers.",
			ConstLabels: labels,
		}, []string{"key"}),
		samplesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "pubsub",
			Name:        "samples_delivered_total",
			Help:        "Samples received by local subscribers.",
			ConstLabels: labels,
		}, []string{"pattern"}),
		samplesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "pubsub",
			Name:        "samples_dropped_total",
			Help:        "Samples dropped because a subscriber buffer was full or the sample was malformed.",
			ConstLabels: labels,
		}, []string{"pattern", "reason"}),
		queriesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "queryable",
			Name:        "queries_received_total",
			Help:        "Queries delivered to local queryables.",
			ConstLabels: labels,
		}, []string{"pattern"}),
		repliesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "queryable",
			Name:        "replies_sent_total",
			Help:        "Replies sent by local queryables.",
			ConstLabels: labels,
		}, []string{"pattern", "status"}),
		handlerPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "queryable",
			Name:        "handler_panics_total",
			Help:        "Query handlers that panicked.",
			ConstLabels: labels,
		}, []string{"pattern"}),
		getDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "get",
			Name:        "duration_seconds",
			Help:        "Time from Get until its reply stream ended.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}, []string{"key"}),
		getReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "get",
			Name:        "replies_total",
			Help:        "Replies received by Get.",
			ConstLabels: labels,
		}, []string{"key", "status"}),
		getTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "get",
			Name:        "timeouts_total",
			Help:        "Get calls whose stream ended on the timeout.",
			ConstLabels: labels,
		}, []string{"key"}),
		declarations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "declarations",
			Help:        "Live declarations by kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		m.samplesPublished,
		m.samplesDelivered,
		m.samplesDropped,
		m.queriesReceived,
		m.repliesSent,
		m.handlerPanics,
		m.getDuration,
		m.getReplies,
		m.getTimeouts,
		m.declarations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SamplePublished(key string) {
	m.samplesPublished.WithLabelValues(key).Inc()
}

func (m *Metrics) SampleDelivered(pattern string) {
	m.samplesDelivered.WithLabelValues(pattern).Inc()
}

// SampleDropped counts a sample a subscriber did not deliver. Reason is
// "overflow" or "malformed".
func (m *Metrics) SampleDropped(pattern, reason string) {
	m.samplesDropped.WithLabelValues(pattern, reason).Inc()
}

func (m *Metrics) QueryReceived(pattern string) {
	m.queriesReceived.WithLabelValues(pattern).Inc()
}

// RepliesSent adds n replies with the given status.
func (m *Metrics) RepliesSent(pattern, status string, n int) {
	if n > 0 {
		m.repliesSent.WithLabelValues(pattern, status).Add(float64(n))
	}
}

func (m *Metrics) HandlerPanicked(pattern string) {
	m.handlerPanics.WithLabelValues(pattern).Inc()
}

// GetFinished records one completed Get.
func (m *Metrics) GetFinished(key string, d time.Duration, timedOut bool) {
	m.getDuration.WithLabelValues(key).Observe(d.Seconds())
	if timedOut {
		m.getTimeouts.WithLabelValues(key).Inc()
	}
}

func (m *Metrics) GetReply(key, status string) {
	m.getReplies.WithLabelValues(key, status).Inc()
}

// Declared adjusts the live declaration gauge for kind by delta.
func (m *Metrics) Declared(kind string, delta int) {
	m.declarations.WithLabelValues(kind).Add(float64(delta))
}
