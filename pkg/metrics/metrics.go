package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Container lifecycle metrics
	ContainersSpawnedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jsclaw_containers_spawned_total",
			Help: "Total number of containers spawned",
		},
	)

	ContainersFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jsclaw_containers_failed_total",
			Help: "Total number of containers that ended in an error status",
		},
	)

	ContainerLifetimeSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jsclaw_container_lifetime_seconds",
			Help:    "Wall-clock lifetime of a container run, from spawn to termination",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Queue metrics
	ActiveContainers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jsclaw_active_containers",
			Help: "Number of containers currently occupying a queue slot",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jsclaw_queue_depth",
			Help: "Number of pending work items per group",
		},
		[]string{"group_folder"},
	)

	RetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jsclaw_retries_total",
			Help: "Total number of work-item retry attempts scheduled",
		},
	)

	// IPC metrics
	IPCDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jsclaw_ipc_dispatch_total",
			Help: "Total number of mailbox entries dispatched, by mailbox and outcome",
		},
		[]string{"mailbox", "outcome"},
	)

	// Mount security metrics
	MountRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jsclaw_mount_rejections_total",
			Help: "Total number of bind mounts rejected by validation",
		},
	)
)

func init() {
	prometheus.MustRegister(ContainersSpawnedTotal)
	prometheus.MustRegister(ContainersFailedTotal)
	prometheus.MustRegister(ContainerLifetimeSeconds)
	prometheus.MustRegister(ActiveContainers)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(RetriesTotal)
	prometheus.MustRegister(IPCDispatchTotal)
	prometheus.MustRegister(MountRejectionsTotal)
}

// Handler returns the HTTP handler for the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to the labeled child of a
// histogram vec.
func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
