package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/you/reclaim/internal/domain"
)

// RedisQ implements WorkQueue over Redis:
//
//	q:<name>:waiting   LIST of job ids (LPUSH producer, BRPOP worker)
//	q:<name>:delayed   ZSET job id -> run-at unix seconds
//	q:<name>:active    SET of job ids claimed by workers
//	q:<name>:failed    LIST of job ids, newest first
//	q:<name>:job:<id>  HASH with the job record itself
type RedisQ struct {
	rdb *r.Client
	now func() time.Time
}

func New(rdb *r.Client) *RedisQ { return &RedisQ{rdb: rdb, now: time.Now} }

const jobTTL = 24 * time.Hour

func waitingKey(q string) string { return "q:" + q + ":waiting" }
func delayedKey(q string) string { return "q:" + q + ":delayed" }
func activeKey(q string) string  { return "q:" + q + ":active" }
func failedKey(q string) string  { return "q:" + q + ":failed" }
func jobKey(q, id string) string { return "q:" + q + ":job:" + id }

func (q *RedisQ) Enqueue(ctx context.Context, queue string, payload []byte) (string, error) {
	return q.EnqueueAt(ctx, queue, payload, time.Time{}, 3)
}

// EnqueueAt inserts a job record and pushes it onto the waiting list, or
// onto the delayed ZSET when runAt is in the future.
func (q *RedisQ) EnqueueAt(ctx context.Context, queue string, payload []byte, runAt time.Time, maxAttempts int) (string, error) {
	id := uuid.NewString()
	now := q.now().UTC()

	status := domain.JobWaiting
	if runAt.After(now) {
		status = domain.JobDelayed
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(queue, id), map[string]interface{}{
		"payload":      payload,
		"attempts":     0,
		"max_attempts": maxAttempts,
		"status":       string(status),
		"enqueued_at":  now.Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, jobKey(queue, id), jobTTL)
	if status == domain.JobDelayed {
		pipe.ZAdd(ctx, delayedKey(queue), r.Z{Score: float64(runAt.Unix()), Member: id})
	} else {
		pipe.LPush(ctx, waitingKey(queue), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", errors.Wrapf(err, "enqueue on %s", queue)
	}
	return id, nil
}

func (q *RedisQ) Counts(ctx context.Context, queue string) (domain.QueueCounts, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.LLen(ctx, waitingKey(queue))
	active := pipe.SCard(ctx, activeKey(queue))
	failed := pipe.LLen(ctx, failedKey(queue))
	delayed := pipe.ZCard(ctx, delayedKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.QueueCounts{}, errors.Wrapf(err, "counts for %s", queue)
	}
	return domain.QueueCounts{
		Waiting: int(waiting.Val()),
		Active:  int(active.Val()),
		Failed:  int(failed.Val()),
		Delayed: int(delayed.Val()),
	}, nil
}

func (q *RedisQ) ActiveJobs(ctx context.Context, queue string) ([]*domain.QueueJob, error) {
	ids, err := q.rdb.SMembers(ctx, activeKey(queue)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "active ids for %s", queue)
	}
	return q.loadJobs(ctx, queue, ids)
}

func (q *RedisQ) FailedJobs(ctx context.Context, queue string, offset, limit int) ([]*domain.QueueJob, error) {
	if limit <= 0 {
		limit = 10
	}
	ids, err := q.rdb.LRange(ctx, failedKey(queue), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed ids for %s", queue)
	}
	return q.loadJobs(ctx, queue, ids)
}

// Claim pops one waiting job and marks it active. Blocks up to block;
// returns nil, nil on timeout (normal idle state).
func (q *RedisQ) Claim(ctx context.Context, queue string, block time.Duration) (*domain.QueueJob, error) {
	res, err := q.rdb.BRPop(ctx, block, waitingKey(queue)).Result()
	if errors.Is(err, r.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "claim from %s", queue)
	}
	if len(res) != 2 {
		return nil, nil
	}
	id := res[1]
	now := q.now().UTC()

	pipe := q.rdb.TxPipeline()
	pipe.SAdd(ctx, activeKey(queue), id)
	pipe.HSet(ctx, jobKey(queue, id),
		"status", string(domain.JobActive),
		"started_at", now.Format(time.RFC3339Nano))
	pipe.HIncrBy(ctx, jobKey(queue, id), "attempts", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrapf(err, "mark active on %s", queue)
	}
	return q.loadJob(ctx, queue, id)
}

// Complete removes the job from the active set. The record hash is left to
// expire under the queue's own retention.
func (q *RedisQ) Complete(ctx context.Context, job *domain.QueueJob) error {
	pipe := q.rdb.TxPipeline()
	pipe.SRem(ctx, activeKey(job.Queue), job.ID)
	pipe.HSet(ctx, jobKey(job.Queue, job.ID), "status", string(domain.JobCompleted))
	_, err := pipe.Exec(ctx)
	return errors.Wrapf(err, "complete %s", job.ID)
}

// MoveToFailed takes the job out of whatever set/list holds it and records
// the failure reason. The attempt count is written back from the job, so a
// caller that bumped it to the ceiling makes the job ineligible for
// auto-retry. Idempotent: re-failing an already failed job only rewrites
// the same fields.
func (q *RedisQ) MoveToFailed(ctx context.Context, job *domain.QueueJob, reason string) error {
	pipe := q.rdb.TxPipeline()
	pipe.SRem(ctx, activeKey(job.Queue), job.ID)
	pipe.LRem(ctx, waitingKey(job.Queue), 0, job.ID)
	pipe.LRem(ctx, failedKey(job.Queue), 0, job.ID)
	pipe.LPush(ctx, failedKey(job.Queue), job.ID)
	pipe.HSet(ctx, jobKey(job.Queue, job.ID),
		"status", string(domain.JobFailed),
		"error", reason,
		"attempts", job.Attempts)
	pipe.HDel(ctx, jobKey(job.Queue, job.ID), "started_at")
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "fail %s", job.ID)
	}
	job.Status = domain.JobFailed
	job.Error = reason
	job.StartedAt = nil
	return nil
}

// Retry re-submits a failed job for another attempt. The attempt counter
// itself is bumped when a worker claims the job, not here.
func (q *RedisQ) Retry(ctx context.Context, job *domain.QueueJob) error {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, failedKey(job.Queue), 0, job.ID)
	pipe.SRem(ctx, activeKey(job.Queue), job.ID)
	pipe.HSet(ctx, jobKey(job.Queue, job.ID),
		"status", string(domain.JobWaiting),
		"error", "")
	pipe.HDel(ctx, jobKey(job.Queue, job.ID), "started_at")
	pipe.LPush(ctx, waitingKey(job.Queue), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "retry %s", job.ID)
	}
	job.Status = domain.JobWaiting
	job.StartedAt = nil
	return nil
}

// MoveDue promotes delayed jobs whose run-at has passed onto the waiting
// list. Run periodically by the reaper process.
func (q *RedisQ) MoveDue(ctx context.Context, queue string, now int64, batch int64) error {
	ids, err := q.rdb.ZRangeByScore(ctx, delayedKey(queue), &r.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now), Offset: 0, Count: batch,
	}).Result()
	if err != nil || len(ids) == 0 {
		return err
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, waitingKey(queue), id)
		pipe.ZRem(ctx, delayedKey(queue), id)
		pipe.HSet(ctx, jobKey(queue, id), "status", string(domain.JobWaiting))
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQ) loadJobs(ctx context.Context, queue string, ids []string) ([]*domain.QueueJob, error) {
	out := make([]*domain.QueueJob, 0, len(ids))
	for _, id := range ids {
		job, err := q.loadJob(ctx, queue, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			out = append(out, job)
		}
	}
	return out, nil
}

func (q *RedisQ) loadJob(ctx context.Context, queue, id string) (*domain.QueueJob, error) {
	fields, err := q.rdb.HGetAll(ctx, jobKey(queue, id)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "load job %s", id)
	}
	if len(fields) == 0 {
		// Record expired out from under its index entry.
		return nil, nil
	}
	job := &domain.QueueJob{
		ID:      id,
		Queue:   queue,
		Payload: []byte(fields["payload"]),
		Status:  domain.QueueJobStatus(fields["status"]),
		Error:   fields["error"],
	}
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	if t, err := time.Parse(time.RFC3339Nano, fields["enqueued_at"]); err == nil {
		job.EnqueuedAt = t
	}
	if s := fields["started_at"]; s != "" {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			job.StartedAt = &t
		}
	}
	return job, nil
}
