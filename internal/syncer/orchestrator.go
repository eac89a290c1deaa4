package syncer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/reclaim/internal/domain"
	"github.com/you/reclaim/internal/events"
	"github.com/you/reclaim/internal/queue"
)

// ProgressStore is the durable half of sync job state. The pgx-backed
// storage.Store satisfies it.
type ProgressStore interface {
	UpsertSyncJob(ctx context.Context, j *domain.SyncJob) error
	GetSyncJob(ctx context.Context, tenantID, jobID string) (*domain.SyncJob, error)
	GetRunningSyncJob(ctx context.Context, tenantID string) (*domain.SyncJob, error)
	ListSyncJobs(ctx context.Context, tenantID string, limit, offset int) ([]*domain.SyncJob, error)
	DetectionDone(ctx context.Context, tenantID, syncJobID string) (bool, int, error)
}

type Options struct {
	DetectionQueue        string
	DetectionPollInterval time.Duration
	DetectionWaitCeiling  time.Duration
}

func (o *Options) defaults() {
	if o.DetectionQueue == "" {
		o.DetectionQueue = "detection"
	}
	if o.DetectionPollInterval <= 0 {
		o.DetectionPollInterval = 2 * time.Second
	}
	if o.DetectionWaitCeiling <= 0 {
		o.DetectionWaitCeiling = 60 * time.Second
	}
}

// activeJob is the in-memory handle for a running sync, owned exclusively
// by the orchestrator instance that started it. Cancellation is a flag,
// not a context: in-flight external calls are never torn down, the run
// loop observes the flag at phase boundaries.
type activeJob struct {
	job        *domain.SyncJob
	cancelled  chan struct{}
	cancelOnce sync.Once
}

func (h *activeJob) requestCancel() {
	h.cancelOnce.Do(func() { close(h.cancelled) })
}

func (h *activeJob) cancelRequested() bool {
	select {
	case <-h.cancelled:
		return true
	default:
		return false
	}
}

// Orchestrator runs one multi-phase sync per tenant at a time. Construct
// once at process start; the in-memory registry lives and dies with it,
// with the durable store as fallback for jobs started elsewhere.
type Orchestrator struct {
	store   ProgressStore
	queue   queue.WorkQueue
	fetcher Fetcher
	events  *events.Broadcaster
	logger  *zap.Logger
	opts    Options
	now     func() time.Time

	mu       sync.Mutex
	running  map[string]*activeJob // job id -> handle
	byTenant map[string]string     // tenant id -> running job id
}

func New(store ProgressStore, q queue.WorkQueue, fetcher Fetcher, bc *events.Broadcaster, logger *zap.Logger, opts Options) *Orchestrator {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if bc == nil {
		bc = events.NewBroadcaster(nil, logger)
	}
	return &Orchestrator{
		store:    store,
		queue:    q,
		fetcher:  fetcher,
		events:   bc,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
		running:  make(map[string]*activeJob),
		byTenant: make(map[string]string),
	}
}

// StartSync begins a sync for the tenant and returns immediately with the
// new job id. The single-flight check runs against both the local registry
// and the durable store; the second check catches jobs started by a
// different process instance.
func (o *Orchestrator) StartSync(ctx context.Context, tenantID string) (string, error) {
	jobID := uuid.NewString()
	now := o.now().UTC()

	job := &domain.SyncJob{
		ID:        jobID,
		TenantID:  tenantID,
		Status:    domain.SyncRunning,
		Progress:  0,
		Phase:     "sync started",
		StartedAt: now,
	}

	// Reserve the tenant slot before the store round-trip so two
	// concurrent StartSync calls cannot both pass the check.
	o.mu.Lock()
	if _, busy := o.byTenant[tenantID]; busy {
		o.mu.Unlock()
		return "", ErrAlreadyRunning
	}
	h := &activeJob{job: job, cancelled: make(chan struct{})}
	o.running[jobID] = h
	o.byTenant[tenantID] = jobID
	o.mu.Unlock()

	rollback := func() {
		o.mu.Lock()
		delete(o.running, jobID)
		delete(o.byTenant, tenantID)
		o.mu.Unlock()
	}

	stale, err := o.store.GetRunningSyncJob(ctx, tenantID)
	if err != nil {
		rollback()
		return "", errors.Wrap(err, "check for running sync")
	}
	if stale != nil {
		rollback()
		return "", ErrAlreadyRunning
	}

	if err := o.store.UpsertSyncJob(ctx, job); err != nil {
		rollback()
		return "", errors.Wrap(err, "persist sync job")
	}

	o.emit(job)
	o.logger.Info("sync started",
		zap.String("tenant_id", tenantID),
		zap.String("job_id", jobID))

	go o.run(h)
	return jobID, nil
}

// run drives the phase sequence. It is the supervised task behind
// StartSync: panics and errors all funnel into the same terminal
// persistence path, so a live subscriber always sees a terminal event.
// External calls run on a background context: a cancellation request
// never aborts them mid-flight, it is observed at the next boundary.
func (o *Orchestrator) run(h *activeJob) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("sync panicked",
				zap.String("job_id", h.job.ID),
				zap.Any("panic", r))
			o.finish(h, domain.SyncFailed, errors.Errorf("sync panicked: %v", r))
		}
	}()

	// Phase 1: fetch and normalize external data.
	if o.cancelledOrCheckpoint(h, 10, "fetching external account data") {
		return
	}
	res, err := o.fetcher.Fetch(ctx, h.job.TenantID)
	if err != nil {
		if h.cancelRequested() {
			o.finish(h, domain.SyncCancelled, nil)
			return
		}
		o.finish(h, domain.SyncFailed, err)
		return
	}

	// Phase 2: record per-category counts. Freshly computed counts always
	// replace whatever a previous partial run left behind.
	if o.cancelledOrCheckpoint(h, 40, "external data fetched") {
		return
	}
	o.mu.Lock()
	h.job.Counts = res.Counts
	o.mu.Unlock()
	if o.cancelledOrCheckpoint(h, 60, "category counts persisted") {
		return
	}

	// Phase 3: hand off to detection.
	task, _ := json.Marshal(domain.DetectionTask{
		TenantID:   h.job.TenantID,
		SyncJobID:  h.job.ID,
		EnqueuedAt: o.now().UTC(),
	})
	if _, err := o.queue.Enqueue(ctx, o.opts.DetectionQueue, task); err != nil {
		o.finish(h, domain.SyncFailed, errors.Wrap(err, "enqueue detection task"))
		return
	}
	if o.cancelledOrCheckpoint(h, 75, "anomaly detection queued") {
		return
	}

	// Phase 4: wait, bounded, for detection to finish. Reaching the
	// ceiling is not an error: detection completing late must not fail
	// the sync.
	anomalies, done := o.waitForDetection(ctx, h)
	if h.cancelRequested() {
		o.finish(h, domain.SyncCancelled, nil)
		return
	}
	if done {
		o.mu.Lock()
		h.job.Counts.Anomalies = anomalies
		o.mu.Unlock()
	} else {
		o.logger.Warn("detection still running at ceiling, finalizing anyway",
			zap.String("tenant_id", h.job.TenantID),
			zap.String("job_id", h.job.ID),
			zap.Duration("ceiling", o.opts.DetectionWaitCeiling))
	}
	if o.cancelledOrCheckpoint(h, 90, "detection wait finished") {
		return
	}

	o.finish(h, domain.SyncCompleted, nil)
}

// waitForDetection polls the durable store on a fixed interval until the
// detection row goes terminal or the ceiling elapses.
func (o *Orchestrator) waitForDetection(ctx context.Context, h *activeJob) (int, bool) {
	deadline := time.NewTimer(o.opts.DetectionWaitCeiling)
	defer deadline.Stop()
	ticker := time.NewTicker(o.opts.DetectionPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.cancelled:
			return 0, false
		case <-deadline.C:
			return 0, false
		case <-ticker.C:
			done, anomalies, err := o.store.DetectionDone(ctx, h.job.TenantID, h.job.ID)
			if err != nil {
				o.logger.Warn("detection status poll failed",
					zap.String("job_id", h.job.ID), zap.Error(err))
				continue
			}
			if done {
				return anomalies, true
			}
		}
	}
}

// cancelledOrCheckpoint observes the cooperative cancellation flag at a
// phase boundary, and otherwise persists and broadcasts the new progress.
// Progress is monotonic while running; persistence happens before the next
// phase begins.
func (o *Orchestrator) cancelledOrCheckpoint(h *activeJob, progress int, phase string) bool {
	if h.cancelRequested() {
		o.finish(h, domain.SyncCancelled, nil)
		return true
	}
	o.mu.Lock()
	if progress > h.job.Progress {
		h.job.Progress = progress
	}
	h.job.Phase = phase
	o.mu.Unlock()
	if err := o.store.UpsertSyncJob(context.Background(), h.job); err != nil {
		o.logger.Warn("progress persist failed",
			zap.String("job_id", h.job.ID), zap.Error(err))
	}
	o.emit(h.job)
	return false
}

// finish moves the job to a terminal state exactly once: persists it,
// unregisters the in-memory handle, and emits the terminal progress event.
func (o *Orchestrator) finish(h *activeJob, status domain.SyncStatus, cause error) {
	o.mu.Lock()
	if h.job.Status.Terminal() {
		o.mu.Unlock()
		return
	}
	h.job.Status = status
	delete(o.running, h.job.ID)
	delete(o.byTenant, h.job.TenantID)
	o.mu.Unlock()

	now := o.now().UTC()
	h.job.CompletedAt = &now
	switch status {
	case domain.SyncCompleted:
		h.job.Progress = 100
		h.job.Phase = "sync completed"
	case domain.SyncCancelled:
		h.job.Phase = "sync cancelled"
	case domain.SyncFailed:
		h.job.Phase = "sync failed"
		if cause != nil {
			h.job.Error = cause.Error()
		}
	}

	if err := o.store.UpsertSyncJob(context.Background(), h.job); err != nil {
		o.logger.Error("terminal persist failed",
			zap.String("job_id", h.job.ID), zap.Error(err))
	}
	o.emit(h.job)

	log := o.logger.With(
		zap.String("tenant_id", h.job.TenantID),
		zap.String("job_id", h.job.ID),
		zap.Int("items", h.job.Counts.Total()))
	switch status {
	case domain.SyncFailed:
		log.Error("sync failed", zap.Error(cause))
	case domain.SyncCancelled:
		log.Info("sync cancelled")
	default:
		log.Info("sync completed")
	}
}

func (o *Orchestrator) emit(j *domain.SyncJob) {
	o.events.Publish(context.Background(), domain.ProgressEvent{
		JobID:    j.ID,
		TenantID: j.TenantID,
		Status:   j.Status,
		Progress: j.Progress,
		Message:  j.Phase,
		Counts:   j.Counts,
		At:       o.now().UTC(),
	})
}

// GetStatus returns the job as seen by this orchestrator, falling back to
// the durable store for jobs owned by other (possibly dead) processes.
// A job belonging to a different tenant is reported as not found.
func (o *Orchestrator) GetStatus(ctx context.Context, tenantID, jobID string) (*domain.SyncJob, error) {
	o.mu.Lock()
	if h, ok := o.running[jobID]; ok {
		if h.job.TenantID != tenantID {
			o.mu.Unlock()
			return nil, ErrNotFound
		}
		cp := *h.job
		o.mu.Unlock()
		return &cp, nil
	}
	o.mu.Unlock()

	job, err := o.store.GetSyncJob(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrNotFound
	}
	return job, nil
}

// CancelSync flags a running job for cooperative cancellation. In-flight
// external calls are not aborted; no further phase begins once the flag is
// observed. Returns false when no running job matches.
func (o *Orchestrator) CancelSync(tenantID, jobID string) bool {
	o.mu.Lock()
	h, ok := o.running[jobID]
	if !ok || h.job.TenantID != tenantID {
		o.mu.Unlock()
		return false
	}
	o.mu.Unlock()

	o.logger.Info("sync cancellation requested",
		zap.String("tenant_id", tenantID),
		zap.String("job_id", jobID))
	h.requestCancel()
	return true
}

// GetHistory lists past sync jobs for the tenant, newest first.
func (o *Orchestrator) GetHistory(ctx context.Context, tenantID string, limit, offset int) ([]*domain.SyncJob, error) {
	return o.store.ListSyncJobs(ctx, tenantID, limit, offset)
}
