package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/you/reclaim/internal/domain"
)

// Store persists sync job progress (source of truth). All writes are
// upserts keyed by (tenant_id, id); last write wins. That is safe because
// the single-flight invariant guarantees at most one legitimate writer for
// a running job.
type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

// syncMeta is the free-form metadata column: counters plus the error
// message on failed rows.
type syncMeta struct {
	Counts domain.Counts `json:"counts"`
	Error  string        `json:"error,omitempty"`
}

func (s *Store) UpsertSyncJob(ctx context.Context, j *domain.SyncJob) error {
	meta, err := json.Marshal(syncMeta{Counts: j.Counts, Error: j.Error})
	if err != nil {
		return errors.Wrap(err, "marshal sync metadata")
	}
	_, err = s.db.Exec(ctx, `insert into sync_jobs(
id, tenant_id, status, progress, phase, metadata, started_at, completed_at
) values ($1,$2,$3,$4,$5,$6,$7,$8)
on conflict (tenant_id, id) do update set
status = excluded.status,
progress = excluded.progress,
phase = excluded.phase,
metadata = excluded.metadata,
completed_at = excluded.completed_at`,
		j.ID, j.TenantID, string(j.Status), j.Progress, j.Phase, meta, j.StartedAt, j.CompletedAt,
	)
	return errors.Wrap(err, "upsert sync job")
}

func (s *Store) GetSyncJob(ctx context.Context, tenantID, jobID string) (*domain.SyncJob, error) {
	row := s.db.QueryRow(ctx, `select id, tenant_id, status, progress, phase, metadata, started_at, completed_at
from sync_jobs where tenant_id = $1 and id = $2`, tenantID, jobID)
	j, err := scanSyncJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// GetRunningSyncJob returns the tenant's running job, if any. Used as the
// durable half of the single-flight check: it catches jobs started by a
// different process instance.
func (s *Store) GetRunningSyncJob(ctx context.Context, tenantID string) (*domain.SyncJob, error) {
	// Historical rows spell running as in_progress/started; match them all.
	row := s.db.QueryRow(ctx, `select id, tenant_id, status, progress, phase, metadata, started_at, completed_at
from sync_jobs
where tenant_id = $1 and status in ('running', 'in_progress', 'started')
order by started_at desc limit 1`, tenantID)
	j, err := scanSyncJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (s *Store) ListSyncJobs(ctx context.Context, tenantID string, limit, offset int) ([]*domain.SyncJob, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx, `select id, tenant_id, status, progress, phase, metadata, started_at, completed_at
from sync_jobs where tenant_id = $1
order by started_at desc limit $2 offset $3`, tenantID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "list sync jobs")
	}
	defer rows.Close()

	var out []*domain.SyncJob
	for rows.Next() {
		j, err := scanSyncJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// DetectionDone reports whether the downstream detection step for the
// given sync job has reached a terminal row in detection_queue, and how
// many anomalies it recorded.
func (s *Store) DetectionDone(ctx context.Context, tenantID, syncJobID string) (bool, int, error) {
	var (
		status    string
		anomalies int
	)
	err := s.db.QueryRow(ctx, `select status, anomalies from detection_queue
where tenant_id = $1 and sync_job_id = $2
order by created_at desc limit 1`, tenantID, syncJobID).Scan(&status, &anomalies)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, errors.Wrap(err, "query detection status")
	}
	switch status {
	case "completed", "complete", "done", "failed", "error":
		return true, anomalies, nil
	}
	return false, 0, nil
}

// MarkDetectionDone records the terminal state of a detection task.
// Called by the detection worker, never by the orchestrator.
func (s *Store) MarkDetectionDone(ctx context.Context, tenantID, syncJobID string, anomalies int, detErr error) error {
	status := "completed"
	msg := ""
	if detErr != nil {
		status = "failed"
		msg = detErr.Error()
	}
	_, err := s.db.Exec(ctx, `insert into detection_queue(tenant_id, sync_job_id, status, anomalies, error, created_at)
values ($1,$2,$3,$4,$5,$6)
on conflict (tenant_id, sync_job_id) do update set
status = excluded.status,
anomalies = excluded.anomalies,
error = excluded.error`,
		tenantID, syncJobID, status, anomalies, msg, time.Now().UTC())
	return errors.Wrap(err, "mark detection done")
}

func scanSyncJob(row pgx.Row) (*domain.SyncJob, error) {
	var (
		j      domain.SyncJob
		status string
		meta   []byte
	)
	if err := row.Scan(&j.ID, &j.TenantID, &status, &j.Progress, &j.Phase, &meta, &j.StartedAt, &j.CompletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "scan sync job")
	}
	// Rows written by older versions carry synonym statuses; normalize once
	// here so everything above the store only sees canonical values.
	j.Status = domain.NormalizeSyncStatus(status)
	if len(meta) > 0 {
		var m syncMeta
		if err := json.Unmarshal(meta, &m); err == nil {
			j.Counts = m.Counts
			j.Error = m.Error
		}
	}
	return &j, nil
}
