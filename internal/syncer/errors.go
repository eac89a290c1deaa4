package syncer

import "github.com/pkg/errors"

var (
	// ErrAlreadyRunning is returned by StartSync when the tenant already
	// has a running sync, in this process or in the durable store.
	ErrAlreadyRunning = errors.New("a sync is already running for this tenant")

	// ErrNotFound is returned when no job matches the (tenant, job id)
	// pair. Cross-tenant lookups report this, never another tenant's job.
	ErrNotFound = errors.New("sync job not found")
)
