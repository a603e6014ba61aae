package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/taskplane/taskplane/types"
)

// PrometheusCollector implements types.MetricsCollector backed by Prometheus.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	assignmentsWon  *prometheus.CounterVec
	assignmentsLost prometheus.Counter
	heartbeats      *prometheus.CounterVec
	sweepScanned    prometheus.Counter
	sweepUnassigned prometheus.Counter
	sweepDuration   prometheus.Histogram
	sweepErrors     prometheus.Counter
	authOutcomes    *prometheus.CounterVec
	authCache       *prometheus.CounterVec
	rpcDuration     *prometheus.HistogramVec
	kvDuration      *prometheus.HistogramVec
}

// Compile-time assertion that PrometheusCollector implements MetricsCollector.
var _ types.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheus creates a new Prometheus-backed metrics collector.
//
// Parameters:
//   - reg: Prometheus registerer (uses prometheus.DefaultRegisterer if nil)
//   - namespace: Metrics namespace (defaults to "taskplane" if empty)
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "taskplane"
	}

	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.assignmentsWon = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "engine",
			Name:      "assignments_won_total",
			Help:      "Successful compare-and-assign operations by task type.",
		}, []string{"task_type"})

		p.assignmentsLost = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "engine",
			Name:      "assignments_lost_total",
			Help:      "Compare-and-assign races lost to another delegate.",
		})

		p.heartbeats = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "engine",
			Name:      "heartbeats_total",
			Help:      "Heartbeat outcomes (accepted, stale).",
		}, []string{"outcome"})

		p.sweepScanned = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "sweep",
			Name:      "records_scanned_total",
			Help:      "Assigned records examined by the liveness sweep.",
		})

		p.sweepUnassigned = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "sweep",
			Name:      "records_unassigned_total",
			Help:      "Records returned to the assignable pool by the sweep.",
		})

		p.sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "sweep",
			Name:      "pass_duration_seconds",
			Help:      "Duration of one sweep pass in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		})

		p.sweepErrors = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "sweep",
			Name:      "errors_total",
			Help:      "Sweep passes skipped due to store errors.",
		})

		p.authOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "auth",
			Name:      "outcomes_total",
			Help:      "Auth gate outcomes (ok, access_denied, invalid, revoked, expired).",
		}, []string{"outcome"})

		p.authCache = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "auth",
			Name:      "cache_lookups_total",
			Help:      "Auth gate cache lookups by cache and result.",
		}, []string{"cache", "result"})

		p.rpcDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Control-plane RPC handling latency by method.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method"})

		p.kvDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "store",
			Name:      "kv_operation_duration_seconds",
			Help:      "NATS KV operation latency by operation.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"op"})

		collectors := []prometheus.Collector{
			p.assignmentsWon, p.assignmentsLost, p.heartbeats,
			p.sweepScanned, p.sweepUnassigned, p.sweepDuration, p.sweepErrors,
			p.authOutcomes, p.authCache, p.rpcDuration, p.kvDuration,
		}
		for _, c := range collectors {
			if err := p.reg.Register(c); err != nil {
				// Tolerate duplicate registration when multiple collectors
				// share a registry in tests.
				var are prometheus.AlreadyRegisteredError
				if !errors.As(err, &are) {
					panic(err)
				}
			}
		}
	})
}

// RecordAssignmentWon increments the won-assignment counter for taskType.
func (p *PrometheusCollector) RecordAssignmentWon(taskType string) {
	p.ensureRegistered()
	p.assignmentsWon.WithLabelValues(taskType).Inc()
}

// RecordAssignmentLost increments the lost-race counter.
func (p *PrometheusCollector) RecordAssignmentLost() {
	p.ensureRegistered()
	p.assignmentsLost.Inc()
}

// RecordHeartbeat increments the heartbeat outcome counter.
func (p *PrometheusCollector) RecordHeartbeat(accepted bool) {
	p.ensureRegistered()

	outcome := "accepted"
	if !accepted {
		outcome = "stale"
	}
	p.heartbeats.WithLabelValues(outcome).Inc()
}

// RecordSweepPass records the result of one sweep pass.
func (p *PrometheusCollector) RecordSweepPass(scanned, unassigned int, duration float64) {
	p.ensureRegistered()
	p.sweepScanned.Add(float64(scanned))
	p.sweepUnassigned.Add(float64(unassigned))
	p.sweepDuration.Observe(duration)
}

// RecordSweepError increments the sweep error counter.
func (p *PrometheusCollector) RecordSweepError() {
	p.ensureRegistered()
	p.sweepErrors.Inc()
}

// RecordAuthOutcome increments the auth outcome counter.
func (p *PrometheusCollector) RecordAuthOutcome(outcome string) {
	p.ensureRegistered()
	p.authOutcomes.WithLabelValues(outcome).Inc()
}

// RecordAuthCache increments the auth cache lookup counter.
func (p *PrometheusCollector) RecordAuthCache(cache string, hit bool) {
	p.ensureRegistered()

	result := "miss"
	if hit {
		result = "hit"
	}
	p.authCache.WithLabelValues(cache, result).Inc()
}

// RecordRPCDuration observes RPC handling latency.
func (p *PrometheusCollector) RecordRPCDuration(method string, duration float64) {
	p.ensureRegistered()
	p.rpcDuration.WithLabelValues(method).Observe(duration)
}

// RecordKVOperationDuration observes KV operation latency.
func (p *PrometheusCollector) RecordKVOperationDuration(operation string, duration float64) {
	p.ensureRegistered()
	p.kvDuration.WithLabelValues(operation).Observe(duration)
}
