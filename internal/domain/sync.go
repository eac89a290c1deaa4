package domain

import "time"

type SyncStatus string

const (
	SyncRunning   SyncStatus = "running"
	SyncCompleted SyncStatus = "completed"
	SyncFailed    SyncStatus = "failed"
	SyncCancelled SyncStatus = "cancelled"
)

// NormalizeSyncStatus maps the status spellings found in persisted rows to
// the canonical enum. Historical writers used in_progress/complete/canceled;
// everything downstream of the store-read boundary only sees canonical values.
func NormalizeSyncStatus(s string) SyncStatus {
	switch s {
	case "running", "in_progress", "in-progress", "started":
		return SyncRunning
	case "completed", "complete", "done", "success":
		return SyncCompleted
	case "failed", "error", "failure":
		return SyncFailed
	case "cancelled", "canceled":
		return SyncCancelled
	default:
		return SyncFailed
	}
}

// Terminal reports whether the status is final. A terminal status, once
// persisted, is never overwritten.
func (s SyncStatus) Terminal() bool {
	return s == SyncCompleted || s == SyncFailed || s == SyncCancelled
}

// Counts holds the per-category item totals accumulated by a sync run.
type Counts struct {
	Orders      int `json:"orders"`
	Inventory   int `json:"inventory"`
	Shipments   int `json:"shipments"`
	Returns     int `json:"returns"`
	Settlements int `json:"settlements"`
	Fees        int `json:"fees"`
	Anomalies   int `json:"anomalies"`
}

func (c Counts) Total() int {
	return c.Orders + c.Inventory + c.Shipments + c.Returns + c.Settlements + c.Fees + c.Anomalies
}

// SyncJob is one tenant-scoped run of the synchronization pipeline.
type SyncJob struct {
	ID          string
	TenantID    string
	Status      SyncStatus
	Progress    int // 0-100, monotonic while running
	Phase       string
	Counts      Counts
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// ProgressEvent is emitted on every phase transition, addressed to the
// owning tenant only.
type ProgressEvent struct {
	JobID    string     `json:"job_id"`
	TenantID string     `json:"tenant_id"`
	Status   SyncStatus `json:"status"`
	Progress int        `json:"progress"`
	Message  string     `json:"message"`
	Counts   Counts     `json:"counts"`
	At       time.Time  `json:"at"`
}
