package workers

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthStatus is a point-in-time view of the job worker pool
type HealthStatus struct {
	TotalWorkers   int  `json:"total_workers"`
	IdleWorkers    int  `json:"idle_workers"`
	BusyWorkers    int  `json:"busy_workers"`
	StoppedWorkers int  `json:"stopped_workers"`
	ActiveJobs     int  `json:"active_jobs"`
	Healthy        bool `json:"healthy"`
	// Saturated means every worker is running a job and new jobs queue up
	Saturated bool      `json:"saturated"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthMonitor periodically reports pool health to the log and metrics
type HealthMonitor struct {
	pool     *Pool
	interval time.Duration
	logger   *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// NewHealthMonitor creates a health monitor for pool. A non-positive
// interval means every 30s.
func NewHealthMonitor(pool *Pool, interval time.Duration, logger *zap.Logger) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthMonitor{
		pool:     pool,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start begins periodic checks; later calls are no-ops
func (h *HealthMonitor) Start() {
	h.startOnce.Do(func() { go h.loop() })
}

// Stop ends periodic checks
func (h *HealthMonitor) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *HealthMonitor) loop() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.report(h.GetStatus())
		}
	}
}

func (h *HealthMonitor) report(status *HealthStatus) {
	h.pool.metrics.RecordWorkerPoolStatus(status.IdleWorkers, status.BusyWorkers, status.StoppedWorkers)

	fields := []zap.Field{
		zap.Int("total", status.TotalWorkers),
		zap.Int("busy", status.BusyWorkers),
		zap.Int("stopped", status.StoppedWorkers),
		zap.Int("active_jobs", status.ActiveJobs),
	}
	switch {
	case !status.Healthy:
		h.logger.Warn("worker pool is unhealthy", fields...)
	case status.Saturated:
		h.logger.Warn("all workers are busy, jobs are queueing", fields...)
	default:
		h.logger.Debug("worker pool health check", fields...)
	}
}

// GetStatus counts workers by state. The pool is healthy while it has
// workers and none of them has stopped.
func (h *HealthMonitor) GetStatus() *HealthStatus {
	status := &HealthStatus{
		ActiveJobs: h.pool.ActiveJobs(),
		Timestamp:  time.Now(),
	}

	for _, ws := range h.pool.GetStatus() {
		status.TotalWorkers++
		switch ws {
		case WorkerStatusIdle:
			status.IdleWorkers++
		case WorkerStatusBusy:
			status.BusyWorkers++
		case WorkerStatusStopped:
			status.StoppedWorkers++
		}
	}

	status.Healthy = status.TotalWorkers > 0 && status.StoppedWorkers == 0
	status.Saturated = status.TotalWorkers > 0 && status.BusyWorkers == status.TotalWorkers
	return status
}

// IsHealthy reports GetStatus().Healthy
func (h *HealthMonitor) IsHealthy() bool {
	return h.GetStatus().Healthy
}
