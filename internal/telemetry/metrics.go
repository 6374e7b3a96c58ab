package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var InstancesCreatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "runnerd",
		Subsystem: "instances",
		Name:      "created_total",
		Help:      "Total number of runner instances created, by creator.",
	},
	[]string{"created_by"},
)

var InstancesTerminatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "runnerd",
		Subsystem: "instances",
		Name:      "terminated_total",
		Help:      "Total number of runner instances terminated, by reason.",
	},
	[]string{"reason"},
)

var InstancesOrphanedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "runnerd",
		Subsystem: "instances",
		Name:      "orphaned_total",
		Help:      "Total number of instances marked as orphans by scale-down.",
	},
)

var MessagesRejectedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "runnerd",
		Subsystem: "scaleup",
		Name:      "messages_rejected_total",
		Help:      "Total number of scale-up messages returned to the queue for retry.",
	},
)

var MessagesProcessedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "runnerd",
		Subsystem: "scaleup",
		Name:      "messages_processed_total",
		Help:      "Total number of scale-up messages processed, by outcome.",
	},
	[]string{"outcome"},
)

var FleetCreateErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "runnerd",
		Subsystem: "fleet",
		Name:      "create_errors_total",
		Help:      "Total number of CreateFleet error entries, by error code.",
	},
	[]string{"code"},
)

var UpstreamErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "runnerd",
		Subsystem: "github",
		Name:      "errors_total",
		Help:      "Total number of failed upstream GitHub calls, by operation.",
	},
	[]string{"op"},
)

var RetryPublishedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "runnerd",
		Subsystem: "retry",
		Name:      "published_total",
		Help:      "Total number of messages republished by the job retry layer.",
	},
)

var PoolTopUpTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "runnerd",
		Subsystem: "pool",
		Name:      "topup_instances_total",
		Help:      "Total number of instances launched by the pool top-up loop.",
	},
)

var ScaleUpBatchDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "runnerd",
		Subsystem: "scaleup",
		Name:      "batch_duration_seconds",
		Help:      "Scale-up batch processing duration in seconds.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	},
)

// All returns every runnerd-specific metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		InstancesCreatedTotal,
		InstancesTerminatedTotal,
		InstancesOrphanedTotal,
		MessagesRejectedTotal,
		MessagesProcessedTotal,
		FleetCreateErrorsTotal,
		UpstreamErrorsTotal,
		RetryPublishedTotal,
		PoolTopUpTotal,
		ScaleUpBatchDuration,
	}
}

// NewRegistry creates a Prometheus registry with the Go and process
// collectors plus any service-specific collectors passed as arguments.
func NewRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
