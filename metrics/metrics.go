// Package metrics holds the prometheus collectors shared by the messaging
// core. Every component takes an optional *Metrics; a nil receiver disables
// collection without branching at call sites.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the core's collectors, labeled per agent.
type Metrics struct {
	queueDepth     *prometheus.GaugeVec
	queueEnqueued  prometheus.Counter
	queueDequeued  prometheus.Counter
	queueDropped   prometheus.Counter
	queueWait      prometheus.Histogram
	codecDuration  *prometheus.HistogramVec
	codecBytes     *prometheus.HistogramVec
	codecCompressd prometheus.Counter
	codecFailures  prometheus.Counter
	deliveryRetry  prometheus.Counter
	deliveryFailed prometheus.Counter
	dlqSize        prometheus.Gauge
	dlqAdded       prometheus.Counter
	breakerState   prometheus.Gauge
}

// New registers the core collectors against reg for the given agent.
func New(reg prometheus.Registerer, agentID string) *Metrics {
	labels := prometheus.Labels{"agent": agentID}
	m := &Metrics{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "agentcomm_queue_depth",
			Help:        "Current queue depth by priority.",
			ConstLabels: labels,
		}, []string{"priority"}),
		queueEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "agentcomm_queue_enqueued_total",
			Help:        "Messages enqueued.",
			ConstLabels: labels,
		}),
		queueDequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "agentcomm_queue_dequeued_total",
			Help:        "Messages dequeued.",
			ConstLabels: labels,
		}),
		queueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "agentcomm_queue_dropped_total",
			Help:        "Messages dropped by the overflow policy.",
			ConstLabels: labels,
		}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "agentcomm_queue_wait_seconds",
			Help:        "Time messages spend queued before dequeue.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		codecDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "agentcomm_codec_duration_seconds",
			Help:        "Serialization and deserialization durations.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.00001, 4, 8),
		}, []string{"direction"}),
		codecBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "agentcomm_codec_bytes",
			Help:        "Original and final wire line sizes.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(64, 4, 10),
		}, []string{"stage"}),
		codecCompressd: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "agentcomm_codec_compressed_total",
			Help:        "Wire lines written compressed.",
			ConstLabels: labels,
		}),
		codecFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "agentcomm_codec_decode_failures_total",
			Help:        "Wire lines that failed to decode.",
			ConstLabels: labels,
		}),
		deliveryRetry: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "agentcomm_delivery_retries_total",
			Help:        "Delivery retry attempts.",
			ConstLabels: labels,
		}),
		deliveryFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "agentcomm_delivery_failed_total",
			Help:        "Deliveries that terminally failed.",
			ConstLabels: labels,
		}),
		dlqSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "agentcomm_dlq_entries",
			Help:        "Current dead letter queue size.",
			ConstLabels: labels,
		}),
		dlqAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "agentcomm_dlq_added_total",
			Help:        "Entries added to the dead letter queue.",
			ConstLabels: labels,
		}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "agentcomm_circuit_breaker_state",
			Help:        "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
			ConstLabels: labels,
		}),
	}

	reg.MustRegister(
		m.queueDepth, m.queueEnqueued, m.queueDequeued, m.queueDropped, m.queueWait,
		m.codecDuration, m.codecBytes, m.codecCompressd, m.codecFailures,
		m.deliveryRetry, m.deliveryFailed,
		m.dlqSize, m.dlqAdded, m.breakerState,
	)
	return m
}

// SetQueueDepth records the current depth for one priority.
func (m *Metrics) SetQueueDepth(priority string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(priority).Set(float64(depth))
}

// IncEnqueued counts one enqueue.
func (m *Metrics) IncEnqueued() {
	if m == nil {
		return
	}
	m.queueEnqueued.Inc()
}

// IncDequeued counts one dequeue and its wait time.
func (m *Metrics) IncDequeued(wait time.Duration) {
	if m == nil {
		return
	}
	m.queueDequeued.Inc()
	m.queueWait.Observe(wait.Seconds())
}

// IncDropped counts one overflow drop.
func (m *Metrics) IncDropped() {
	if m == nil {
		return
	}
	m.queueDropped.Inc()
}

// ObserveEncode records one serialization.
func (m *Metrics) ObserveEncode(d time.Duration, originalBytes, finalBytes int, compressed bool) {
	if m == nil {
		return
	}
	m.codecDuration.WithLabelValues("encode").Observe(d.Seconds())
	m.codecBytes.WithLabelValues("original").Observe(float64(originalBytes))
	m.codecBytes.WithLabelValues("final").Observe(float64(finalBytes))
	if compressed {
		m.codecCompressd.Inc()
	}
}

// ObserveDecode records one deserialization.
func (m *Metrics) ObserveDecode(d time.Duration, failed bool) {
	if m == nil {
		return
	}
	if failed {
		m.codecFailures.Inc()
		return
	}
	m.codecDuration.WithLabelValues("decode").Observe(d.Seconds())
}

// IncRetry counts one delivery retry.
func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.deliveryRetry.Inc()
}

// IncDeliveryFailed counts one terminal delivery failure.
func (m *Metrics) IncDeliveryFailed() {
	if m == nil {
		return
	}
	m.deliveryFailed.Inc()
}

// SetDLQSize records the current DLQ size.
func (m *Metrics) SetDLQSize(n int) {
	if m == nil {
		return
	}
	m.dlqSize.Set(float64(n))
}

// IncDLQAdded counts one DLQ insertion.
func (m *Metrics) IncDLQAdded() {
	if m == nil {
		return
	}
	m.dlqAdded.Inc()
}

// SetBreakerState records the circuit breaker state as a step value.
func (m *Metrics) SetBreakerState(state string) {
	if m == nil {
		return
	}
	switch state {
	case "open":
		m.breakerState.Set(2)
	case "half-open":
		m.breakerState.Set(1)
	default:
		m.breakerState.Set(0)
	}
}
