package queue

import (
	"context"

	"github.com/you/reclaim/internal/domain"
)

// WorkQueue is the narrow queue surface the orchestrator and reaper
// consume. Payloads must carry a tenant_id field for correlation.
type WorkQueue interface {
	Enqueue(ctx context.Context, queue string, payload []byte) (string, error)
	Counts(ctx context.Context, queue string) (domain.QueueCounts, error)
	ActiveJobs(ctx context.Context, queue string) ([]*domain.QueueJob, error)
	FailedJobs(ctx context.Context, queue string, offset, limit int) ([]*domain.QueueJob, error)
	MoveToFailed(ctx context.Context, job *domain.QueueJob, reason string) error
	Retry(ctx context.Context, job *domain.QueueJob) error
}
