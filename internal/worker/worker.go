package worker

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/you/reclaim/internal/domain"
)

// Detector runs the anomaly detection step for one completed sync. The
// rule engine behind it lives outside this core; implementations return
// the number of anomalies found.
type Detector interface {
	Detect(ctx context.Context, tenantID, syncJobID string) (int, error)
}

// TaskQueue is the slice of the work queue the worker drives. The Redis
// queue satisfies it.
type TaskQueue interface {
	Claim(ctx context.Context, queue string, block time.Duration) (*domain.QueueJob, error)
	Complete(ctx context.Context, job *domain.QueueJob) error
	MoveToFailed(ctx context.Context, job *domain.QueueJob, reason string) error
}

// ResultStore records the terminal detection row the orchestrator polls
// for. The pgx-backed storage.Store satisfies it.
type ResultStore interface {
	MarkDetectionDone(ctx context.Context, tenantID, syncJobID string, anomalies int, detErr error) error
}

// Worker drains the detection queue: claim task, run the detector, record
// the terminal detection row the orchestrator is polling for. Failed tasks
// are moved to the failed list where the reaper's bounded auto-retry picks
// them up.
type Worker struct {
	queue     TaskQueue
	store     ResultStore
	detector  Detector
	logger    *zap.Logger
	queueName string
}

func New(q TaskQueue, store ResultStore, detector Detector, queueName string, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{queue: q, store: store, detector: detector, logger: logger, queueName: queueName}
}

// Start runs the claim loop until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("detection worker starting", zap.String("queue", w.queueName))
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.queue.Claim(ctx, w.queueName, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("claim failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}
		w.runTask(ctx, job)
	}
}

func (w *Worker) runTask(ctx context.Context, job *domain.QueueJob) {
	var task domain.DetectionTask
	if err := json.Unmarshal(job.Payload, &task); err != nil {
		// Malformed payloads can never succeed. The bump to the attempts
		// ceiling is persisted by MoveToFailed, so auto-retry skips the job.
		job.Attempts = job.MaxAttempts
		_ = w.queue.MoveToFailed(ctx, job, "malformed detection payload")
		w.logger.Error("malformed detection payload",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	log := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("tenant_id", task.TenantID),
		zap.String("sync_job_id", task.SyncJobID),
		zap.Int("attempt", job.Attempts))

	anomalies, err := w.detector.Detect(ctx, task.TenantID, task.SyncJobID)
	if err != nil {
		log.Error("detection failed", zap.Error(err))
		if ferr := w.queue.MoveToFailed(ctx, job, err.Error()); ferr != nil {
			log.Error("move to failed errored", zap.Error(ferr))
		}
		return
	}

	if err := w.store.MarkDetectionDone(ctx, task.TenantID, task.SyncJobID, anomalies, nil); err != nil {
		log.Error("record detection result failed", zap.Error(err))
		if ferr := w.queue.MoveToFailed(ctx, job, err.Error()); ferr != nil {
			log.Error("move to failed errored", zap.Error(ferr))
		}
		return
	}
	if err := w.queue.Complete(ctx, job); err != nil {
		log.Error("complete failed", zap.Error(err))
		return
	}
	log.Info("detection finished", zap.Int("anomalies", anomalies))
}
