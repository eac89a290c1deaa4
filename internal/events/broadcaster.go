package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/you/reclaim/internal/domain"
)

// AlertKind classifies reaper lifecycle broadcasts.
type AlertKind string

const (
	AlertQueueDepth AlertKind = "queue_depth"
	AlertJobReaped  AlertKind = "job_reaped"
	AlertJobRetried AlertKind = "job_retried"
)

// Alert is an advisory event raised by the reaper. It never mutates state.
type Alert struct {
	Kind     AlertKind `json:"kind"`
	Queue    string    `json:"queue"`
	TenantID string    `json:"tenant_id,omitempty"`
	JobID    string    `json:"job_id,omitempty"`
	Depth    int       `json:"depth,omitempty"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// Broadcaster fans progress events out to in-process subscribers, scoped
// per tenant, and mirrors them to a Redis pub/sub channel when a client is
// attached so other processes can follow along. Sends are non-blocking: a
// slow subscriber drops events rather than stalling a sync.
type Broadcaster struct {
	mu       sync.Mutex
	progress map[string]map[chan domain.ProgressEvent]struct{} // tenant -> subs
	alerts   map[chan Alert]struct{}
	rdb      *r.Client
	logger   *zap.Logger
}

func NewBroadcaster(rdb *r.Client, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		progress: make(map[string]map[chan domain.ProgressEvent]struct{}),
		alerts:   make(map[chan Alert]struct{}),
		rdb:      rdb,
		logger:   logger,
	}
}

// ProgressChannel is the Redis pub/sub channel carrying a tenant's events.
func ProgressChannel(tenantID string) string { return "reclaim:progress:" + tenantID }

// Subscribe registers for one tenant's progress events. The returned cancel
// func must be called to release the subscription.
func (b *Broadcaster) Subscribe(tenantID string) (<-chan domain.ProgressEvent, func()) {
	ch := make(chan domain.ProgressEvent, 16)
	b.mu.Lock()
	subs, ok := b.progress[tenantID]
	if !ok {
		subs = make(map[chan domain.ProgressEvent]struct{})
		b.progress[tenantID] = subs
	}
	subs[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if subs, ok := b.progress[tenantID]; ok {
			delete(subs, ch)
			if len(subs) == 0 {
				delete(b.progress, tenantID)
			}
		}
		b.mu.Unlock()
	}
}

// Publish delivers a progress event to the owning tenant's subscribers
// only, and mirrors it to Redis best-effort.
func (b *Broadcaster) Publish(ctx context.Context, ev domain.ProgressEvent) {
	b.mu.Lock()
	for ch := range b.progress[ev.TenantID] {
		select {
		case ch <- ev:
		default:
		}
	}
	b.mu.Unlock()

	if b.rdb == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := b.rdb.Publish(ctx, ProgressChannel(ev.TenantID), payload).Err(); err != nil {
		b.logger.Warn("progress publish failed",
			zap.String("tenant_id", ev.TenantID), zap.Error(err))
	}
}

// SubscribeAlerts registers for reaper alerts across all queues.
func (b *Broadcaster) SubscribeAlerts() (<-chan Alert, func()) {
	ch := make(chan Alert, 16)
	b.mu.Lock()
	b.alerts[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.alerts, ch)
		b.mu.Unlock()
	}
}

func (b *Broadcaster) PublishAlert(ctx context.Context, a Alert) {
	b.mu.Lock()
	for ch := range b.alerts {
		select {
		case ch <- a:
		default:
		}
	}
	b.mu.Unlock()

	if b.rdb == nil {
		return
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return
	}
	if err := b.rdb.Publish(ctx, "reclaim:alerts", payload).Err(); err != nil {
		b.logger.Warn("alert publish failed", zap.String("queue", a.Queue), zap.Error(err))
	}
}
