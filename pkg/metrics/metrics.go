package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	ClusterStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sbctl_cluster_status",
			Help: "Cluster status as a one-hot gauge per status value",
		},
		[]string{"cluster", "status"},
	)

	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sbctl_nodes_total",
			Help: "Total number of storage nodes by status",
		},
		[]string{"cluster", "status"},
	)

	DevicesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sbctl_devices_total",
			Help: "Total number of devices by status",
		},
		[]string{"cluster", "status"},
	)

	// Monitor metrics
	MonitorPassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sbctl_monitor_pass_duration_seconds",
			Help:    "Duration of one full health monitor pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ProbeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sbctl_probe_failures_total",
			Help: "Total number of failed probes by check",
		},
		[]string{"check"},
	)

	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sbctl_tasks_total",
			Help: "Total number of recovery tasks by function and status",
		},
		[]string{"cluster", "function", "status"},
	)

	TasksCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sbctl_tasks_created_total",
			Help: "Total number of recovery tasks created by function",
		},
		[]string{"function"},
	)

	TasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sbctl_tasks_completed_total",
			Help: "Total number of recovery tasks driven to done by function",
		},
		[]string{"function"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ClusterStatus)
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(DevicesTotal)
	prometheus.MustRegister(MonitorPassDuration)
	prometheus.MustRegister(ProbeFailures)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksCreated)
	prometheus.MustRegister(TasksCompleted)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
