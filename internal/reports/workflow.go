package reports

import "strings"

// WorkflowStatus is the canonical report lifecycle. Transitions only move
// forward: queued/in_progress -> done | cancelled | fatal.
type WorkflowStatus string

const (
	StatusQueued     WorkflowStatus = "queued"
	StatusInProgress WorkflowStatus = "in_progress"
	StatusDone       WorkflowStatus = "done"
	StatusCancelled  WorkflowStatus = "cancelled"
	StatusFatal      WorkflowStatus = "fatal"
)

// normalizeStatus maps the partner API's processingStatus spellings onto
// the canonical enum.
func normalizeStatus(s string) WorkflowStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "IN_QUEUE", "QUEUED":
		return StatusQueued
	case "IN_PROGRESS":
		return StatusInProgress
	case "DONE":
		return StatusDone
	case "CANCELLED", "CANCELED":
		return StatusCancelled
	default:
		return StatusFatal
	}
}

func (s WorkflowStatus) Terminal() bool {
	return s == StatusDone || s == StatusCancelled || s == StatusFatal
}

// Workflow is the ephemeral state of one report request.
type Workflow struct {
	ReportID   string
	Status     WorkflowStatus
	DocumentID string // present only when Status is done
}
