package reports

import (
	"fmt"
	"time"
)

// ReportFailedError is returned when the partner marks a report CANCELLED
// or FATAL. These are partner-side terminal failures and are never retried
// by the client.
type ReportFailedError struct {
	ReportID string
	Status   WorkflowStatus
}

func (e *ReportFailedError) Error() string {
	return fmt.Sprintf("report %s ended %s on the partner side", e.ReportID, e.Status)
}

// ReportTimeoutError is returned when the poll ceiling elapses with no
// terminal status. Elapsed time correlates with the requested date range,
// so retrying with a narrower range is the usual remedy.
type ReportTimeoutError struct {
	ReportID string
	Elapsed  time.Duration
	Ceiling  time.Duration
}

func (e *ReportTimeoutError) Error() string {
	return fmt.Sprintf("report %s not ready after %s (ceiling %s); retry with a narrower date range",
		e.ReportID, e.Elapsed, e.Ceiling)
}
