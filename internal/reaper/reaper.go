package reaper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/you/reclaim/internal/domain"
	"github.com/you/reclaim/internal/events"
	"github.com/you/reclaim/internal/queue"
)

const stuckReason = "stuck, reaped"

type Options struct {
	Interval        time.Duration // sweep period
	StuckThreshold  time.Duration // active longer than this is stuck
	AlertThreshold  int           // waiting+delayed above this raises an alert
	MaxAutoRetries  int           // attempts ceiling for reaper-driven retries
	FailedScanLimit int           // bound on failed jobs inspected per sweep
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 60 * time.Second
	}
	if o.StuckThreshold <= 0 {
		o.StuckThreshold = 10 * time.Minute
	}
	if o.AlertThreshold <= 0 {
		o.AlertThreshold = 100
	}
	if o.MaxAutoRetries <= 0 {
		o.MaxAutoRetries = 3
	}
	if o.FailedScanLimit <= 0 {
		o.FailedScanLimit = 10
	}
}

// Reaper sweeps registered queues for stuck or failed work and recovers
// it, independently of any orchestrator instance. All of its actions are
// idempotent, so re-running a sweep against already-reaped jobs is a
// no-op.
type Reaper struct {
	opts   Options
	events *events.Broadcaster
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	queues map[string]queue.WorkQueue
	stop   context.CancelFunc
	done   chan struct{}
}

func New(bc *events.Broadcaster, logger *zap.Logger, opts Options) *Reaper {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if bc == nil {
		bc = events.NewBroadcaster(nil, logger)
	}
	return &Reaper{
		opts:   opts,
		events: bc,
		logger: logger,
		now:    time.Now,
		queues: make(map[string]queue.WorkQueue),
	}
}

// RegisterQueue adds a queue to the sweep set. Idempotent by name.
func (r *Reaper) RegisterQueue(name string, q queue.WorkQueue) {
	r.mu.Lock()
	r.queues[name] = q
	r.mu.Unlock()
}

// Start launches the sweep loop. The first sweep runs immediately rather
// than waiting for the first tick.
func (r *Reaper) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if r.stop != nil {
		r.mu.Unlock()
		cancel()
		return
	}
	r.stop = cancel
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		r.RunCycle(ctx)
		ticker := time.NewTicker(r.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.RunCycle(ctx)
			}
		}
	}()
}

func (r *Reaper) Stop() {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.mu.Unlock()
	if stop == nil {
		return
	}
	stop()
	<-done
}

// RunCycle sweeps every registered queue once. Exposed for deterministic
// testing. One queue's failure never aborts the sweep of the others.
func (r *Reaper) RunCycle(ctx context.Context) {
	r.mu.Lock()
	names := make([]string, 0, len(r.queues))
	for name := range r.queues {
		names = append(names, name)
	}
	handles := make(map[string]queue.WorkQueue, len(names))
	for _, name := range names {
		handles[name] = r.queues[name]
	}
	r.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		if err := r.sweepQueue(ctx, name, handles[name]); err != nil {
			r.logger.Error("queue sweep failed",
				zap.String("queue", name), zap.Error(err))
		}
	}
}

func (r *Reaper) sweepQueue(ctx context.Context, name string, q queue.WorkQueue) error {
	counts, err := q.Counts(ctx, name)
	if err != nil {
		return err
	}

	// Depth alert is advisory only, no job is touched.
	if depth := counts.Waiting + counts.Delayed; depth > r.opts.AlertThreshold {
		r.logger.Warn("queue depth above threshold",
			zap.String("queue", name),
			zap.Int("depth", depth),
			zap.Int("threshold", r.opts.AlertThreshold))
		r.events.PublishAlert(ctx, events.Alert{
			Kind:    events.AlertQueueDepth,
			Queue:   name,
			Depth:   depth,
			Message: fmt.Sprintf("queue %s has %d pending jobs", name, depth),
			At:      r.now().UTC(),
		})
	}

	r.reapStuck(ctx, name, q)

	// Auto-retry a bounded slice of failed jobs. Skipped entirely when the
	// backlog is large; retrying hundreds of failures blind helps nobody.
	if counts.Failed > 0 && counts.Failed <= r.opts.FailedScanLimit {
		r.retryFailed(ctx, name, q)
	}
	return nil
}

// reapStuck fails every active job that has been running past the stuck
// threshold, then re-submits it only while its attempts are below the
// retry ceiling. Fail-then-conditional-retry, never a silent resurrection.
func (r *Reaper) reapStuck(ctx context.Context, name string, q queue.WorkQueue) {
	active, err := q.ActiveJobs(ctx, name)
	if err != nil {
		r.logger.Error("active job scan failed",
			zap.String("queue", name), zap.Error(err))
		return
	}
	now := r.now()

	for _, job := range active {
		if job.StartedAt == nil {
			continue
		}
		elapsed := now.Sub(*job.StartedAt)
		if elapsed <= r.opts.StuckThreshold {
			continue
		}

		tenantID := job.TenantID()
		log := r.logger.With(
			zap.String("queue", name),
			zap.String("job_id", job.ID),
			zap.String("tenant_id", tenantID),
			zap.Duration("elapsed", elapsed))

		if err := q.MoveToFailed(ctx, job, stuckReason); err != nil {
			log.Error("reap failed", zap.Error(err))
			continue
		}
		log.Warn("reaped stuck job", zap.Int("attempts", job.Attempts))
		r.events.PublishAlert(ctx, events.Alert{
			Kind:     events.AlertJobReaped,
			Queue:    name,
			TenantID: tenantID,
			JobID:    job.ID,
			Message:  fmt.Sprintf("job stuck for %s, reaped", elapsed.Round(time.Second)),
			At:       r.now().UTC(),
		})

		if job.Attempts >= r.retryCeiling(job) {
			log.Warn("retry ceiling reached, leaving failed")
			continue
		}
		if err := q.Retry(ctx, job); err != nil {
			log.Error("retry after reap failed", zap.Error(err))
			continue
		}
		log.Info("re-submitted reaped job", zap.Int("attempts", job.Attempts))
		r.events.PublishAlert(ctx, events.Alert{
			Kind:     events.AlertJobRetried,
			Queue:    name,
			TenantID: tenantID,
			JobID:    job.ID,
			Message:  "reaped job re-submitted",
			At:       r.now().UTC(),
		})
	}
}

// retryCeiling caps reaper-driven retries at the lower of the sweep-wide
// ceiling and the job's own max attempts, so a retry never pushes the
// attempt count past either bound.
func (r *Reaper) retryCeiling(job *domain.QueueJob) int {
	c := r.opts.MaxAutoRetries
	if job.MaxAttempts > 0 && job.MaxAttempts < c {
		c = job.MaxAttempts
	}
	return c
}

func (r *Reaper) retryFailed(ctx context.Context, name string, q queue.WorkQueue) {
	failed, err := q.FailedJobs(ctx, name, 0, r.opts.FailedScanLimit)
	if err != nil {
		r.logger.Error("failed job scan failed",
			zap.String("queue", name), zap.Error(err))
		return
	}

	for _, job := range failed {
		if job.Attempts >= r.retryCeiling(job) {
			continue
		}
		if err := q.Retry(ctx, job); err != nil {
			r.logger.Error("auto-retry failed",
				zap.String("queue", name),
				zap.String("job_id", job.ID),
				zap.Error(err))
			continue
		}
		r.logger.Info("auto-retried failed job",
			zap.String("queue", name),
			zap.String("job_id", job.ID),
			zap.String("tenant_id", job.TenantID()),
			zap.Int("attempts", job.Attempts))
	}
}
