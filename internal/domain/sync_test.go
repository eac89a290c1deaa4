package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeSyncStatus(t *testing.T) {
	cases := map[string]SyncStatus{
		"running":     SyncRunning,
		"in_progress": SyncRunning,
		"started":     SyncRunning,
		"completed":   SyncCompleted,
		"complete":    SyncCompleted,
		"done":        SyncCompleted,
		"failed":      SyncFailed,
		"error":       SyncFailed,
		"cancelled":   SyncCancelled,
		"canceled":    SyncCancelled,
		"garbage":     SyncFailed,
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeSyncStatus(in), "input %q", in)
	}
}

func TestSyncStatusTerminal(t *testing.T) {
	assert.False(t, SyncRunning.Terminal())
	assert.True(t, SyncCompleted.Terminal())
	assert.True(t, SyncFailed.Terminal())
	assert.True(t, SyncCancelled.Terminal())
}

func TestQueueJobTenantID(t *testing.T) {
	j := &QueueJob{Payload: []byte(`{"tenant_id":"t-42","sync_job_id":"abc"}`)}
	assert.Equal(t, "t-42", j.TenantID())

	j = &QueueJob{Payload: []byte(`not json`)}
	assert.Equal(t, "", j.TenantID())

	j = &QueueJob{Payload: []byte(`{}`)}
	assert.Equal(t, "", j.TenantID())
}

func TestCountsTotal(t *testing.T) {
	c := Counts{Orders: 1, Inventory: 2, Shipments: 3, Returns: 4, Settlements: 5, Fees: 6, Anomalies: 7}
	assert.Equal(t, 28, c.Total())
	assert.Equal(t, 0, Counts{}.Total())
}
