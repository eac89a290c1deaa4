package domain

import (
	"encoding/json"
	"time"
)

type QueueJobStatus string

const (
	JobWaiting   QueueJobStatus = "waiting"
	JobActive    QueueJobStatus = "active"
	JobFailed    QueueJobStatus = "failed"
	JobCompleted QueueJobStatus = "completed"
	JobDelayed   QueueJobStatus = "delayed"
)

// QueueJob is one unit of work on a WorkQueue. The reaper and orchestrator
// only observe it and mutate attempts/status through the queue handle.
type QueueJob struct {
	ID          string
	Queue       string
	Payload     []byte
	Attempts    int
	MaxAttempts int
	Status      QueueJobStatus
	EnqueuedAt  time.Time
	StartedAt   *time.Time
	Error       string
}

// TenantID extracts the tenant identifier from the payload, if present.
// Queue payloads must carry tenant_id for correlation; an empty string
// means the payload was opaque or malformed.
func (j *QueueJob) TenantID() string {
	var p struct {
		TenantID string `json:"tenant_id"`
	}
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return ""
	}
	return p.TenantID
}

// QueueCounts is a point-in-time snapshot of a queue's depth per status.
type QueueCounts struct {
	Waiting int
	Active  int
	Failed  int
	Delayed int
}

// DetectionTask is the payload enqueued for the downstream anomaly
// detection step.
type DetectionTask struct {
	TenantID   string    `json:"tenant_id"`
	SyncJobID  string    `json:"sync_job_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
