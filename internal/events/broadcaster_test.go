package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/reclaim/internal/domain"
)

func TestPublishScopedToTenant(t *testing.T) {
	bc := NewBroadcaster(nil, nil)
	ch1, cancel1 := bc.Subscribe("t1")
	defer cancel1()
	ch2, cancel2 := bc.Subscribe("t2")
	defer cancel2()

	bc.Publish(context.Background(), domain.ProgressEvent{TenantID: "t1", JobID: "j1", Progress: 10})

	select {
	case ev := <-ch1:
		assert.Equal(t, "j1", ev.JobID)
	case <-time.After(time.Second):
		t.Fatal("t1 subscriber got nothing")
	}

	select {
	case ev := <-ch2:
		t.Fatalf("t2 subscriber leaked another tenant's event: %+v", ev)
	default:
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bc := NewBroadcaster(nil, nil)
	ch, cancel := bc.Subscribe("t1")
	defer cancel()

	// Overfill the subscription buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bc.Publish(context.Background(), domain.ProgressEvent{TenantID: "t1", Progress: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.NotEmpty(t, ch)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bc := NewBroadcaster(nil, nil)
	ch, cancel := bc.Subscribe("t1")
	cancel()

	bc.Publish(context.Background(), domain.ProgressEvent{TenantID: "t1"})
	select {
	case <-ch:
		t.Fatal("got event after unsubscribe")
	default:
	}
}

func TestAlerts(t *testing.T) {
	bc := NewBroadcaster(nil, nil)
	ch, cancel := bc.SubscribeAlerts()
	defer cancel()

	bc.PublishAlert(context.Background(), Alert{Kind: AlertQueueDepth, Queue: "detection", Depth: 120})

	select {
	case a := <-ch:
		require.Equal(t, AlertQueueDepth, a.Kind)
		assert.Equal(t, 120, a.Depth)
	case <-time.After(time.Second):
		t.Fatal("no alert delivered")
	}
}
