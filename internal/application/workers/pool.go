package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Runner executes the workflow of one job and blocks until it is terminal.
// onStart is called once the run has actually begun.
type Runner interface {
	Run(ctx context.Context, job *domain.Job, onStart func()) (domain.RunStatus, error)
}

// Pool manages a pool of job workers
type Pool struct {
	name       string
	size       int
	queue      ports.JobQueue
	broker     ports.Broker
	runner     Runner
	jobTimeout time.Duration
	metrics    ports.MetricsCollector
	logger     *zap.Logger
	health     *HealthMonitor

	workers []*worker
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	activeMu sync.Mutex
	active   map[string]context.CancelFunc
}

// worker represents a single worker goroutine
type worker struct {
	id      string
	pool    *Pool
	status  WorkerStatus
	mu      sync.RWMutex
	lastJob time.Time
}

// WorkerStatus represents worker status
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusStopped WorkerStatus = "stopped"
)

// NewPool creates a new worker pool. A zero jobTimeout leaves runs
// unbounded.
func NewPool(
	size int,
	queue ports.JobQueue,
	broker ports.Broker,
	runner Runner,
	jobTimeout time.Duration,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	healthCheckInterval time.Duration,
) *Pool {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		name:       uuid.New().String()[:8],
		size:       size,
		queue:      queue,
		broker:     broker,
		runner:     runner,
		jobTimeout: jobTimeout,
		metrics:    metrics,
		logger:     logger,
		workers:    make([]*worker, size),
		ctx:        ctx,
		cancel:     cancel,
		active:     make(map[string]context.CancelFunc),
	}

	pool.health = NewHealthMonitor(pool, healthCheckInterval, logger)

	return pool
}

// Start starts the cancel listener, the workers and the health monitor
func (p *Pool) Start() error {
	p.logger.Info("starting worker pool",
		zap.String("pool", p.name),
		zap.Int("size", p.size))

	cancels, err := p.broker.Subscribe(p.ctx, domain.JobCancelTopic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to cancel requests: %w", err)
	}
	p.wg.Add(1)
	go p.listenCancels(cancels)

	for i := 0; i < p.size; i++ {
		w := &worker{
			id:      fmt.Sprintf("%s-worker-%d", p.name, i),
			pool:    p,
			status:  WorkerStatusIdle,
			lastJob: time.Now(),
		}
		p.workers[i] = w

		p.wg.Add(1)
		go w.run(p.ctx)
	}

	p.health.Start()

	p.logger.Info("worker pool started", zap.Int("workers", p.size))
	return nil
}

// Shutdown stops consuming, cancels running jobs and waits for the
// workers to return
func (p *Pool) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down worker pool")

	p.health.Stop()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool shut down complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout")
	}
}

// GetStatus returns the status of all workers
func (p *Pool) GetStatus() map[string]WorkerStatus {
	status := make(map[string]WorkerStatus)
	for _, w := range p.workers {
		if w == nil {
			continue
		}
		w.mu.RLock()
		status[w.id] = w.status
		w.mu.RUnlock()
	}
	return status
}

// Health returns the pool health monitor
func (p *Pool) Health() *HealthMonitor {
	return p.health
}

// ActiveJobs returns the number of jobs running in this pool
func (p *Pool) ActiveJobs() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.active)
}

func (p *Pool) track(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.active[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrack(jobID string) {
	p.activeMu.Lock()
	delete(p.active, jobID)
	p.activeMu.Unlock()
}

// listenCancels cancels jobs this pool runs when a cancel request names
// them, and acknowledges each one. Requests for other pools' jobs are
// ignored.
func (p *Pool) listenCancels(sub ports.Subscription) {
	defer p.wg.Done()
	defer sub.Close()

	for {
		select {
		case <-p.ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			var req domain.CancelRequest
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				p.logger.Warn("invalid cancel request", zap.Error(err))
				continue
			}
			p.handleCancel(req)
		}
	}
}

func (p *Pool) handleCancel(req domain.CancelRequest) {
	p.activeMu.Lock()
	cancel, ok := p.active[req.JobID]
	p.activeMu.Unlock()
	if !ok {
		return
	}

	cancel()

	p.logger.Info("job cancelled",
		zap.String("job_id", req.JobID),
		zap.String("workflow_id", req.WorkflowID))

	p.ack(req.JobID)
}

// ack tells a stopping controller this pool has let go of the job
func (p *Pool) ack(jobID string) {
	ack, err := json.Marshal(domain.CancelAck{JobID: jobID, Worker: p.name})
	if err != nil {
		return
	}
	if err := p.broker.Publish(context.Background(), domain.JobAckTopic(jobID), ack); err != nil {
		p.logger.Error("failed to acknowledge cancel",
			zap.String("job_id", jobID),
			zap.Error(err))
	}
}

// run is the main worker loop
func (w *worker) run(ctx context.Context) {
	defer w.pool.wg.Done()

	w.pool.logger.Info("worker started", zap.String("worker_id", w.id))

	if err := w.pool.queue.Consume(ctx, w.id, w.handleJob); err != nil {
		w.pool.logger.Error("job consumption stopped",
			zap.String("worker_id", w.id),
			zap.Error(err))
	}

	w.setStatus(WorkerStatusStopped)
	w.pool.logger.Info("worker stopped", zap.String("worker_id", w.id))
}

func (w *worker) setStatus(status WorkerStatus) {
	w.mu.Lock()
	w.status = status
	if status == WorkerStatusBusy {
		w.lastJob = time.Now()
	}
	w.mu.Unlock()
}

// handleJob runs one dequeued job. Revoked jobs are skipped. Job status
// updates outlive the job's own cancellation.
func (w *worker) handleJob(ctx context.Context, job *domain.Job) error {
	p := w.pool
	log := p.logger.With(
		zap.String("worker_id", w.id),
		zap.String("job_id", job.ID),
		zap.String("workflow_id", job.WorkflowID))

	if job.Status == domain.JobStatusRevoked {
		log.Info("skipping revoked job")
		return nil
	}

	w.setStatus(WorkerStatusBusy)
	defer w.setStatus(WorkerStatusIdle)

	storeCtx := context.WithoutCancel(ctx)

	var (
		jobCtx context.Context
		cancel context.CancelFunc
	)
	if p.jobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, p.jobTimeout)
	} else {
		jobCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	p.track(job.ID, cancel)
	defer p.untrack(job.ID)

	// A cancel published before track found nothing to cancel; the
	// revocation written ahead of it is visible now.
	if current, err := p.queue.GetJob(storeCtx, job.ID); err != nil {
		log.Warn("failed to re-read job", zap.Error(err))
	} else if current.Status == domain.JobStatusRevoked {
		log.Info("skipping job revoked after dequeue")
		p.ack(job.ID)
		return nil
	}

	if err := p.queue.UpdateStatus(storeCtx, job.ID, domain.JobStatusStarted, ""); err != nil {
		log.Warn("failed to mark job started", zap.Error(err))
	}
	p.metrics.RecordJob(string(domain.JobStatusStarted))

	log.Info("running job")
	startTime := time.Now()

	status, err := p.runner.Run(jobCtx, job, func() {
		if err := p.queue.UpdateStatus(storeCtx, job.ID, domain.JobStatusInProgress, ""); err != nil {
			log.Warn("failed to mark job in progress", zap.Error(err))
		}
	})

	final, errMsg := domain.JobStatusSucceeded, ""
	switch {
	case err != nil:
		final, errMsg = domain.JobStatusFailed, err.Error()
	case status != domain.RunStatusCompleted:
		final, errMsg = domain.JobStatusFailed, fmt.Sprintf("run %s", status)
	}

	if err := p.queue.UpdateStatus(storeCtx, job.ID, final, errMsg); err != nil {
		log.Error("failed to record job result", zap.Error(err))
	}
	p.metrics.RecordJob(string(final))

	log.Info("job finished",
		zap.String("run_status", string(status)),
		zap.String("job_status", string(final)),
		zap.Duration("duration", time.Since(startTime)))

	return err
}
