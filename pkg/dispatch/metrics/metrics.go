// Package metrics wires the dispatch core's counters into Prometheus,
// grounded on the teacher's pkg/metrics/prometheus/nfs.go: one promauto
// registration per surfaced counter, a plain struct, no interface
// indirection needed since the core has exactly one metrics consumer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector surfaces the counters spec §6 requires: enqueued_reqs,
// dequeued_reqs, outstanding_reqs_est, plus per-queue depth gauges and a
// worker busy/idle gauge that the spec doesn't name but any operator of
// this core would want.
type Collector struct {
	Enqueued           *prometheus.CounterVec
	Dequeued           *prometheus.CounterVec
	OutstandingEst     prometheus.Gauge
	QueueDepth         *prometheus.GaugeVec
	WorkersParked      prometheus.Gauge
	StalledTransports  prometheus.Gauge
}

// New registers the dispatch core's metrics against reg.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		Enqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nfsdispatch_enqueued_reqs_total",
			Help: "Total requests enqueued, by queue kind.",
		}, []string{"queue"}),
		Dequeued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nfsdispatch_dequeued_reqs_total",
			Help: "Total requests dequeued, by queue kind.",
		}, []string{"queue"}),
		OutstandingEst: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nfsdispatch_outstanding_reqs_est",
			Help: "Sampled estimate of outstanding requests across all queues.",
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nfsdispatch_queue_depth",
			Help: "Current depth of one classifier queue.",
		}, []string{"queue"}),
		WorkersParked: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nfsdispatch_workers_parked",
			Help: "Number of worker threads currently parked on the waitlist.",
		}),
		StalledTransports: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nfsdispatch_stalled_transports",
			Help: "Number of transports currently on the stall queue.",
		}),
	}
}

// ObserveEnqueue records one enqueue onto queue.
func (c *Collector) ObserveEnqueue(queue string) {
	if c == nil {
		return
	}
	c.Enqueued.WithLabelValues(queue).Inc()
}

// ObserveDequeue records one dequeue from queue.
func (c *Collector) ObserveDequeue(queue string) {
	if c == nil {
		return
	}
	c.Dequeued.WithLabelValues(queue).Inc()
}

// SetOutstandingEst updates the sampled outstanding-request gauge.
func (c *Collector) SetOutstandingEst(v int64) {
	if c == nil {
		return
	}
	c.OutstandingEst.Set(float64(v))
}

// SetQueueDepth updates one queue's depth gauge.
func (c *Collector) SetQueueDepth(queue string, depth int) {
	if c == nil {
		return
	}
	c.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// SetWorkersParked updates the parked-worker gauge.
func (c *Collector) SetWorkersParked(n int) {
	if c == nil {
		return
	}
	c.WorkersParked.Set(float64(n))
}

// SetStalledTransports updates the stalled-transport-count gauge.
func (c *Collector) SetStalledTransports(n int) {
	if c == nil {
		return
	}
	c.StalledTransports.Set(float64(n))
}
