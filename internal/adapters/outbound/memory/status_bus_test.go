package memory

import (
	"context"
	"testing"
	"time"

	"github.com/tims-exe/dex-order-engine/internal/domain/entity"
)

func TestStatusBus_DeliversInOrder(t *testing.T) {
	bus := NewStatusBus()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "o1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	statuses := []entity.OrderStatus{entity.StatusRouting, entity.StatusBuilding, entity.StatusSubmitted}
	for _, s := range statuses {
		if err := bus.Publish(ctx, entity.StatusEvent{OrderID: "o1", Status: s}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	for i, want := range statuses {
		select {
		case ev := <-sub.Events():
			if ev.Status != want {
				t.Errorf("event %d: got %s, want %s", i, ev.Status, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestStatusBus_IsolatesOrderIDs(t *testing.T) {
	bus := NewStatusBus()
	ctx := context.Background()

	sub, _ := bus.Subscribe(ctx, "o1")
	defer sub.Unsubscribe()

	if err := bus.Publish(ctx, entity.StatusEvent{OrderID: "o2", Status: entity.StatusRouting}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event for other order: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestStatusBus_NoHistoryForLateSubscribers(t *testing.T) {
	bus := NewStatusBus()
	ctx := context.Background()

	if err := bus.Publish(ctx, entity.StatusEvent{OrderID: "o1", Status: entity.StatusRouting}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	sub, _ := bus.Subscribe(ctx, "o1")
	defer sub.Unsubscribe()

	select {
	case ev := <-sub.Events():
		t.Fatalf("late subscriber received history: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestStatusBus_UnsubscribeIsIdempotent(t *testing.T) {
	bus := NewStatusBus()
	ctx := context.Background()

	sub, _ := bus.Subscribe(ctx, "o1")
	if got := bus.SubscriberCount("o1"); got != 1 {
		t.Fatalf("expected 1 subscriber, got %d", got)
	}

	for i := 0; i < 3; i++ {
		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("Unsubscribe #%d: %v", i, err)
		}
	}
	if got := bus.SubscriberCount("o1"); got != 0 {
		t.Errorf("expected 0 subscribers, got %d", got)
	}
	if _, ok := <-sub.Events(); ok {
		t.Error("expected events channel to be closed")
	}

	// Publishing after unsubscribe must not block or panic.
	if err := bus.Publish(ctx, entity.StatusEvent{OrderID: "o1", Status: entity.StatusRouting}); err != nil {
		t.Fatalf("Publish after unsubscribe: %v", err)
	}
}

func TestStatusBus_UnsubscribeUnblocksPublisher(t *testing.T) {
	bus := NewStatusBus()
	bus.bufSize = 1
	ctx := context.Background()

	sub, _ := bus.Subscribe(ctx, "o1")
	if err := bus.Publish(ctx, entity.StatusEvent{OrderID: "o1", Status: entity.StatusRouting}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- bus.Publish(ctx, entity.StatusEvent{OrderID: "o1", Status: entity.StatusBuilding})
	}()

	time.Sleep(20 * time.Millisecond)
	sub.Unsubscribe()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("publisher still blocked after unsubscribe")
	}
}
