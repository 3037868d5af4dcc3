package prometheus

import (
	"time"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements ports.MetricsCollector using Prometheus
type Collector struct {
	runsStarted       prometheus.Counter
	runsFinished      *prometheus.CounterVec
	runDuration       *prometheus.HistogramVec
	nodesExecuted     *prometheus.CounterVec
	nodeExecutionTime prometheus.Histogram
	activeRuns        prometheus.Gauge
	eventsBroadcast   *prometheus.CounterVec
	jobs              *prometheus.CounterVec
	workerPoolIdle    prometheus.Gauge
	workerPoolBusy    prometheus.Gauge
	workerPoolStopped prometheus.Gauge
	sandboxOps        *prometheus.CounterVec

	// Last resource sample per workflow
	sandboxCPU       *prometheus.GaugeVec
	sandboxMemoryMB  *prometheus.GaugeVec
	sandboxMemoryPct *prometheus.GaugeVec
	sandboxNetInKB   *prometheus.GaugeVec
	sandboxNetOutKB  *prometheus.GaugeVec
	sandboxDiskRead  *prometheus.GaugeVec
	sandboxDiskWrite *prometheus.GaugeVec
}

// NewCollector creates a new Prometheus metrics collector registered on reg.
// A nil reg uses the default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	sandboxGauge := func(name, help string) *prometheus.GaugeVec {
		return factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: name,
				Help: help,
			},
			[]string{"workflow_id"},
		)
	}

	return &Collector{
		runsStarted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dagrun_runs_started_total",
				Help: "Total number of workflow runs started",
			},
		),
		runsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagrun_runs_finished_total",
				Help: "Total number of workflow runs finished by terminal status",
			},
			[]string{"status"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dagrun_run_duration_seconds",
				Help:    "Workflow run duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"status"},
		),
		nodesExecuted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagrun_nodes_executed_total",
				Help: "Total number of nodes executed",
			},
			[]string{"status"},
		),
		nodeExecutionTime: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dagrun_node_execution_duration_seconds",
				Help:    "Node execution duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),
		activeRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagrun_active_runs",
				Help: "Number of workflow runs owned by this process",
			},
		),
		eventsBroadcast: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagrun_events_broadcast_total",
				Help: "Total number of observer events broadcast",
			},
			[]string{"type"},
		),
		jobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagrun_jobs_total",
				Help: "Background job status transitions",
			},
			[]string{"status"},
		),
		workerPoolIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagrun_worker_pool_idle",
				Help: "Number of idle workers",
			},
		),
		workerPoolBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagrun_worker_pool_busy",
				Help: "Number of busy workers",
			},
		),
		workerPoolStopped: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagrun_worker_pool_stopped",
				Help: "Number of stopped workers",
			},
		),
		sandboxOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagrun_sandbox_operations_total",
				Help: "Sandbox lifecycle operations",
			},
			[]string{"operation", "result"},
		),
		sandboxCPU:       sandboxGauge("dagrun_sandbox_cpu_percent", "Last sampled sandbox CPU percent"),
		sandboxMemoryMB:  sandboxGauge("dagrun_sandbox_memory_usage_mb", "Last sampled sandbox memory usage in MB"),
		sandboxMemoryPct: sandboxGauge("dagrun_sandbox_memory_percent", "Last sampled sandbox memory percent"),
		sandboxNetInKB:   sandboxGauge("dagrun_sandbox_network_in_kb", "Last sampled sandbox network received KB"),
		sandboxNetOutKB:  sandboxGauge("dagrun_sandbox_network_out_kb", "Last sampled sandbox network sent KB"),
		sandboxDiskRead:  sandboxGauge("dagrun_sandbox_disk_read_mb", "Last sampled sandbox disk read MB"),
		sandboxDiskWrite: sandboxGauge("dagrun_sandbox_disk_write_mb", "Last sampled sandbox disk write MB"),
	}
}

// RecordRunStarted counts a started run
func (c *Collector) RecordRunStarted() {
	c.runsStarted.Inc()
}

// RecordRunFinished counts a finished run and observes its duration
func (c *Collector) RecordRunFinished(status string, duration time.Duration) {
	c.runsFinished.WithLabelValues(status).Inc()
	c.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordNodeExecuted records a node execution
func (c *Collector) RecordNodeExecuted(status string, duration time.Duration) {
	c.nodesExecuted.WithLabelValues(status).Inc()
	c.nodeExecutionTime.Observe(duration.Seconds())
}

// SetActiveRuns sets the number of in-process runs
func (c *Collector) SetActiveRuns(count int) {
	c.activeRuns.Set(float64(count))
}

// RecordEventBroadcast counts a broadcast event
func (c *Collector) RecordEventBroadcast(eventType string) {
	c.eventsBroadcast.WithLabelValues(eventType).Inc()
}

// RecordResourceSample mirrors the last sample of a workflow's sandbox
func (c *Collector) RecordResourceSample(workflowID string, s domain.ResourceSample) {
	c.sandboxCPU.WithLabelValues(workflowID).Set(s.CPUPercent)
	c.sandboxMemoryMB.WithLabelValues(workflowID).Set(s.MemoryUsageMB)
	c.sandboxMemoryPct.WithLabelValues(workflowID).Set(s.MemoryPercent)
	c.sandboxNetInKB.WithLabelValues(workflowID).Set(s.NetworkInKB)
	c.sandboxNetOutKB.WithLabelValues(workflowID).Set(s.NetworkOutKB)
	c.sandboxDiskRead.WithLabelValues(workflowID).Set(s.DiskReadMB)
	c.sandboxDiskWrite.WithLabelValues(workflowID).Set(s.DiskWriteMB)
}

// ForgetResourceSeries drops the per-workflow gauges once monitoring ends
func (c *Collector) ForgetResourceSeries(workflowID string) {
	for _, g := range []*prometheus.GaugeVec{
		c.sandboxCPU, c.sandboxMemoryMB, c.sandboxMemoryPct,
		c.sandboxNetInKB, c.sandboxNetOutKB, c.sandboxDiskRead, c.sandboxDiskWrite,
	} {
		g.DeleteLabelValues(workflowID)
	}
}

// RecordJob counts a job status transition
func (c *Collector) RecordJob(status string) {
	c.jobs.WithLabelValues(status).Inc()
}

// RecordWorkerPoolStatus records worker pool status
func (c *Collector) RecordWorkerPoolStatus(idle, busy, stopped int) {
	c.workerPoolIdle.Set(float64(idle))
	c.workerPoolBusy.Set(float64(busy))
	c.workerPoolStopped.Set(float64(stopped))
}

// RecordSandboxOperation counts a sandbox lifecycle operation
func (c *Collector) RecordSandboxOperation(operation, result string) {
	c.sandboxOps.WithLabelValues(operation, result).Inc()
}
