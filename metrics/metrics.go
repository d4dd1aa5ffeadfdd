// Package metrics exposes the runtime counters of a DSNGO node to Prometheus.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dsn"

// Metrics holds the collectors shared by the scheduler, matcher and channels.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	tasksEnqueued    *prometheus.CounterVec
	tasksExecuted    *prometheus.CounterVec
	taskFailures     *prometheus.CounterVec
	tasksCancelled   *prometheus.CounterVec
	queueLength      *prometheus.GaugeVec
	flyingCalls      prometheus.Gauge
	rpcResults       *prometheus.CounterVec
	corruptStreams   prometheus.Counter
	requestsRejected *prometheus.CounterVec
	liveHandles      *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
// A nil reg uses a fresh prometheus.Registry.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		tasksEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tasks_enqueued_total",
			Help:      "Tasks handed to a thread pool.",
		}, []string{"pool", "priority"}),
		tasksExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tasks_executed_total",
			Help:      "Task handler invocations.",
		}, []string{"pool"}),
		taskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "task_failures_total",
			Help:      "Task handlers that returned an error or panicked.",
		}, []string{"pool", "code"}),
		tasksCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tasks_cancelled_total",
			Help:      "Tasks cancelled before they ran.",
		}, []string{"pool"}),
		queueLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "queue_length",
			Help:      "Tasks waiting in thread-pool queues.",
		}, []string{"pool", "priority"}),
		flyingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "flying_calls",
			Help:      "RPC calls sent and not yet resolved.",
		}),
		rpcResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "calls_resolved_total",
			Help:      "Resolved RPC calls by outcome.",
		}, []string{"result"}),
		corruptStreams: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "corrupt_streams_total",
			Help:      "Connections torn down on a framing error.",
		}),
		requestsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_rejected_total",
			Help:      "Inbound requests answered without running a handler.",
		}, []string{"reason"}),
		liveHandles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "handles",
			Name:      "live",
			Help:      "Live handles per registry.",
		}, []string{"registry"}),
	}

	collectors := []prometheus.Collector{
		m.tasksEnqueued, m.tasksExecuted, m.taskFailures, m.tasksCancelled,
		m.queueLength, m.flyingCalls, m.rpcResults, m.corruptStreams,
		m.requestsRejected, m.liveHandles,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}

	return m, nil
}

// Handler returns an HTTP handler serving the registry the metrics were
// registered with.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// TaskEnqueued records a task handed to a pool.
func (m *Metrics) TaskEnqueued(pool, priority string) {
	if m == nil {
		return
	}
	m.tasksEnqueued.WithLabelValues(pool, priority).Inc()
}

// TaskExecuted records a handler invocation.
func (m *Metrics) TaskExecuted(pool string) {
	if m == nil {
		return
	}
	m.tasksExecuted.WithLabelValues(pool).Inc()
}

// TaskFailed records a failed handler.
func (m *Metrics) TaskFailed(pool, code string) {
	if m == nil {
		return
	}
	m.taskFailures.WithLabelValues(pool, code).Inc()
}

// TaskCancelled records a task cancelled before it ran.
func (m *Metrics) TaskCancelled(pool string) {
	if m == nil {
		return
	}
	m.tasksCancelled.WithLabelValues(pool).Inc()
}

// QueueLengthAdd moves the queue length gauge of a pool lane.
func (m *Metrics) QueueLengthAdd(pool, priority string, delta int) {
	if m == nil {
		return
	}
	m.queueLength.WithLabelValues(pool, priority).Add(float64(delta))
}

// FlyingCallsAdd moves the flying calls gauge.
func (m *Metrics) FlyingCallsAdd(delta int) {
	if m == nil {
		return
	}
	m.flyingCalls.Add(float64(delta))
}

// CallResolved records the outcome of an RPC call.
func (m *Metrics) CallResolved(result string) {
	if m == nil {
		return
	}
	m.rpcResults.WithLabelValues(result).Inc()
}

// CorruptStream records a connection dropped on a framing error.
func (m *Metrics) CorruptStream() {
	if m == nil {
		return
	}
	m.corruptStreams.Inc()
}

// RequestRejected records an inbound request answered with an error.
func (m *Metrics) RequestRejected(reason string) {
	if m == nil {
		return
	}
	m.requestsRejected.WithLabelValues(reason).Inc()
}

// LiveHandles sets the live handle count of a registry.
func (m *Metrics) LiveHandles(registry string, n int) {
	if m == nil {
		return
	}
	m.liveHandles.WithLabelValues(registry).Set(float64(n))
}
