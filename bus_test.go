package courier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestBus(t *testing.T, configure func(*Options)) *EventBus {
	t.Helper()

	opts := DefaultOptions()

	if configure != nil {
		configure(opts)
	}
	return NewEventBus(context.Background(), opts)
}

func TestEventBusSubscribe(t *testing.T) {
	t.Run("returns subscription token", func(t *testing.T) {
		bus := newTestBus(t, nil)

		sub, err := bus.Subscribe(EventMessageReceived, func(ctx context.Context, event *Event) error {
			return nil
		})

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sub == nil {
			t.Fatal("expected subscription")
		}
		if sub.ID() == "" {
			t.Error("expected subscription id")
		}
		if sub.Type() != EventMessageReceived {
			t.Errorf("expected type %s, got %s", EventMessageReceived, sub.Type())
		}
		if sub.IsAsync() {
			t.Error("expected synchronous subscription")
		}
		if bus.HandlerCount(EventMessageReceived) != 1 {
			t.Errorf("expected 1 handler, got %d", bus.HandlerCount(EventMessageReceived))
		}
	})

	t.Run("rejects empty event type", func(t *testing.T) {
		bus := newTestBus(t, nil)

		_, err := bus.Subscribe("", func(ctx context.Context, event *Event) error {
			return nil
		})

		if err == nil {
			t.Error("expected error for empty event type")
		}
	})

	t.Run("rejects nil handler", func(t *testing.T) {
		bus := newTestBus(t, nil)

		if _, err := bus.Subscribe(EventMessageReceived, nil); err == nil {
			t.Error("expected error for nil handler")
		}
	})

	t.Run("enforces per-type handler ceiling", func(t *testing.T) {
		bus := newTestBus(t, func(opts *Options) {
			opts.MaxHandlersPerType = 2
		})

		noop := func(ctx context.Context, event *Event) error { return nil }

		if _, err := bus.Subscribe(EventMessageReceived, noop); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := bus.SubscribeAsync(EventMessageReceived, noop); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		_, err := bus.Subscribe(EventMessageReceived, noop)

		if err == nil {
			t.Fatal("expected capacity error at handler ceiling")
		}
		if !IsCapacityError(err) {
			t.Errorf("expected capacity error, got %v", err)
		}
		if _, err := bus.Subscribe(EventTypingStatus, noop); err != nil {
			t.Errorf("ceiling should be per type, got %v", err)
		}
	})
}

func TestEventBusPublish(t *testing.T) {
	t.Run("delivers to handlers in registration order", func(t *testing.T) {
		bus := newTestBus(t, nil)

		var mu sync.Mutex
		var order []string

		record := func(name string) EventHandler {
			return func(ctx context.Context, event *Event) error {
				mu.Lock()

				defer mu.Unlock()

				order = append(order, name)

				return nil
			}
		}
		if _, err := bus.Subscribe(EventMessageReceived, record("first")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := bus.Subscribe(EventMessageReceived, record("second")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		event, err := NewEvent(EventMessageReceived, "test", nil)

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := bus.Publish(context.Background(), event); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		mu.Lock()

		defer mu.Unlock()

		if len(order) != 2 || order[0] != "first" || order[1] != "second" {
			t.Errorf("unexpected delivery order: %v", order)
		}
	})

	t.Run("handler error does not stop later handlers", func(t *testing.T) {
		bus := newTestBus(t, nil)

		var reached atomic.Bool

		if _, err := bus.Subscribe(EventMessageReceived, func(ctx context.Context, event *Event) error {
			return errors.New("handler failure")
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := bus.Subscribe(EventMessageReceived, func(ctx context.Context, event *Event) error {
			reached.Store(true)

			return nil
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		event, _ := NewEvent(EventMessageReceived, "test", nil)

		if err := bus.Publish(context.Background(), event); err != nil {
			t.Fatalf("expected handler failures to be isolated, got %v", err)
		}
		if !reached.Load() {
			t.Error("expected second handler to run after first failed")
		}
	})

	t.Run("handler panic is recovered", func(t *testing.T) {
		bus := newTestBus(t, nil)

		var reached atomic.Bool

		if _, err := bus.Subscribe(EventMessageReceived, func(ctx context.Context, event *Event) error {
			panic("handler panic")
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := bus.Subscribe(EventMessageReceived, func(ctx context.Context, event *Event) error {
			reached.Store(true)

			return nil
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		event, _ := NewEvent(EventMessageReceived, "test", nil)

		if err := bus.Publish(context.Background(), event); err != nil {
			t.Fatalf("expected panic to be recovered, got %v", err)
		}
		if !reached.Load() {
			t.Error("expected second handler to run after first panicked")
		}
	})

	t.Run("rejects nil event", func(t *testing.T) {
		bus := newTestBus(t, nil)

		if err := bus.Publish(context.Background(), nil); err == nil {
			t.Error("expected error for nil event")
		}
	})

	t.Run("rejects oversized event payload", func(t *testing.T) {
		bus := newTestBus(t, func(opts *Options) {
			opts.MaxEventPayload = 32
		})

		event := &Event{
			Type: EventMessageReceived,
			Data: map[string]interface{}{"content": strings.Repeat("x", 64)},
		}

		err := bus.Publish(context.Background(), event)

		if err == nil {
			t.Fatal("expected error for oversized payload")
		}
		if !IsCapacityError(err) {
			t.Errorf("expected capacity error, got %v", err)
		}
	})

	t.Run("async handlers do not run during publish", func(t *testing.T) {
		bus := newTestBus(t, nil)

		var asyncRan atomic.Bool

		if _, err := bus.SubscribeAsync(EventMessageReceived, func(ctx context.Context, event *Event) error {
			asyncRan.Store(true)

			return nil
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		event, _ := NewEvent(EventMessageReceived, "test", nil)

		if err := bus.Publish(context.Background(), event); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		time.Sleep(50 * time.Millisecond)

		if asyncRan.Load() {
			t.Error("expected async handler to be skipped by Publish")
		}
	})

	t.Run("handlers may mutate subscriptions mid-dispatch", func(t *testing.T) {
		bus := newTestBus(t, nil)

		var lateRuns int

		var sub *Subscription

		if _, err := bus.Subscribe(EventMessageReceived, func(ctx context.Context, event *Event) error {
			if _, err := bus.Subscribe(EventMessageReceived, func(ctx context.Context, event *Event) error {
				lateRuns++

				return nil
			}); err != nil {
				return err
			}
			bus.Unsubscribe(sub)

			return nil
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		var removedRuns int

		var err error
		sub, err = bus.Subscribe(EventMessageReceived, func(ctx context.Context, event *Event) error {
			removedRuns++

			return nil
		})

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		event, _ := NewEvent(EventMessageReceived, "test", nil)

		if err := bus.Publish(context.Background(), event); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if lateRuns != 0 {
			t.Error("expected a handler subscribed mid-dispatch to miss the in-flight publish")
		}
		if removedRuns != 1 {
			t.Errorf("expected the snapshotted handler to run despite removal, got %d runs", removedRuns)
		}
		if err := bus.Publish(context.Background(), event); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if lateRuns != 1 {
			t.Errorf("expected the new handler to run on the next publish, got %d runs", lateRuns)
		}
		if removedRuns != 1 {
			t.Errorf("expected the removed handler to stay removed, got %d runs", removedRuns)
		}
	})
}

func TestEventBusPublishAsync(t *testing.T) {
	t.Run("runs sync handlers before async handlers", func(t *testing.T) {
		bus := newTestBus(t, nil)

		syncDone := make(chan struct{})

		asyncObservedSync := make(chan bool, 1)

		if _, err := bus.Subscribe(EventMessageReceived, func(ctx context.Context, event *Event) error {
			close(syncDone)

			return nil
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := bus.SubscribeAsync(EventMessageReceived, func(ctx context.Context, event *Event) error {
			select {
			case <-syncDone:
				asyncObservedSync <- true
			default:
				asyncObservedSync <- false
			}
			return nil
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		event, _ := NewEvent(EventMessageReceived, "test", nil)

		if err := bus.PublishAsync(context.Background(), event); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		select {
		case sawSync := <-asyncObservedSync:
			if !sawSync {
				t.Error("expected sync handler to finish before async handler ran")
			}
		case <-time.After(time.Second):
			t.Error("timeout waiting for async handler")
		}
	})

	t.Run("waits for all async handlers", func(t *testing.T) {
		bus := newTestBus(t, nil)

		var completed atomic.Int32

		for i := 0; i < 3; i++ {
			if _, err := bus.SubscribeAsync(EventMessageReceived, func(ctx context.Context, event *Event) error {
				time.Sleep(20 * time.Millisecond)

				completed.Add(1)

				return nil
			}); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		event, _ := NewEvent(EventMessageReceived, "test", nil)

		if err := bus.PublishAsync(context.Background(), event); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if completed.Load() != 3 {
			t.Errorf("expected 3 completed handlers after PublishAsync returned, got %d", completed.Load())
		}
	})

	t.Run("async handler failure is isolated", func(t *testing.T) {
		bus := newTestBus(t, nil)

		var succeeded atomic.Bool

		if _, err := bus.SubscribeAsync(EventMessageReceived, func(ctx context.Context, event *Event) error {
			return errors.New("async failure")
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := bus.SubscribeAsync(EventMessageReceived, func(ctx context.Context, event *Event) error {
			succeeded.Store(true)

			return nil
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		event, _ := NewEvent(EventMessageReceived, "test", nil)

		if err := bus.PublishAsync(context.Background(), event); err != nil {
			t.Fatalf("expected async failures to be isolated, got %v", err)
		}
		if !succeeded.Load() {
			t.Error("expected sibling async handler to run")
		}
	})
}

func TestEventBusUnsubscribe(t *testing.T) {
	t.Run("removes the handler", func(t *testing.T) {
		bus := newTestBus(t, nil)

		var invoked atomic.Bool

		sub, err := bus.Subscribe(EventMessageReceived, func(ctx context.Context, event *Event) error {
			invoked.Store(true)

			return nil
		})

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !bus.Unsubscribe(sub) {
			t.Error("expected unsubscribe to succeed")
		}
		if bus.Unsubscribe(sub) {
			t.Error("expected second unsubscribe to report missing")
		}
		event, _ := NewEvent(EventMessageReceived, "test", nil)

		if err := bus.Publish(context.Background(), event); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if invoked.Load() {
			t.Error("expected unsubscribed handler to be skipped")
		}
	})

	t.Run("nil subscription reports missing", func(t *testing.T) {
		bus := newTestBus(t, nil)

		if bus.Unsubscribe(nil) {
			t.Error("expected unsubscribe of nil to report missing")
		}
	})
}

func TestEventBusClear(t *testing.T) {
	t.Run("clears handlers for named types", func(t *testing.T) {
		bus := newTestBus(t, nil)

		noop := func(ctx context.Context, event *Event) error { return nil }

		if _, err := bus.Subscribe(EventMessageReceived, noop); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := bus.Subscribe(EventTypingStatus, noop); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		bus.Clear(EventMessageReceived)

		if bus.HandlerCount(EventMessageReceived) != 0 {
			t.Error("expected message handlers to be cleared")
		}
		if bus.HandlerCount(EventTypingStatus) != 1 {
			t.Error("expected typing handlers to survive")
		}
	})

	t.Run("clears everything with no arguments", func(t *testing.T) {
		bus := newTestBus(t, nil)

		noop := func(ctx context.Context, event *Event) error { return nil }

		if _, err := bus.Subscribe(EventMessageReceived, noop); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := bus.Subscribe(EventReadStatus, noop); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		bus.Clear()

		if bus.HandlerCount(EventMessageReceived) != 0 || bus.HandlerCount(EventReadStatus) != 0 {
			t.Error("expected all handlers to be cleared")
		}
	})
}

func TestEventBusClose(t *testing.T) {
	t.Run("rejects publish and subscribe after close", func(t *testing.T) {
		bus := newTestBus(t, nil)

		if err := bus.Close(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := bus.Close(); err != nil {
			t.Errorf("expected close to be idempotent, got %v", err)
		}
		if _, err := bus.Subscribe(EventMessageReceived, func(ctx context.Context, event *Event) error {
			return nil
		}); err == nil {
			t.Error("expected error subscribing to closed bus")
		}
		event, _ := NewEvent(EventMessageReceived, "test", nil)

		if err := bus.Publish(context.Background(), event); err == nil {
			t.Error("expected error publishing to closed bus")
		}
	})
}

func TestEventBusHooks(t *testing.T) {
	t.Run("before publish can veto the event", func(t *testing.T) {
		var invoked atomic.Bool

		bus := newTestBus(t, func(opts *Options) {
			opts.Hooks = &Hooks{
				BeforePublish: func(event *Event) error {
					return errors.New("vetoed")
				},
			}
		})

		if _, err := bus.Subscribe(EventMessageReceived, func(ctx context.Context, event *Event) error {
			invoked.Store(true)

			return nil
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		event, _ := NewEvent(EventMessageReceived, "test", nil)

		if err := bus.Publish(context.Background(), event); err == nil {
			t.Error("expected vetoed publish to fail")
		}
		if invoked.Load() {
			t.Error("expected handler to be skipped for vetoed event")
		}
	})

	t.Run("after publish observes the outcome", func(t *testing.T) {
		observed := make(chan error, 1)

		bus := newTestBus(t, func(opts *Options) {
			opts.Hooks = &Hooks{
				AfterPublish: func(event *Event, err error) {
					observed <- err
				},
			}
		})

		event, _ := NewEvent(EventMessageReceived, "test", nil)

		if err := bus.Publish(context.Background(), event); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		select {
		case err := <-observed:
			if err != nil {
				t.Errorf("expected nil outcome, got %v", err)
			}
		case <-time.After(time.Second):
			t.Error("timeout waiting for after publish hook")
		}
	})
}
