// This file contains the EventBus which decouples the protocol layer from
// business logic handlers. Components publish Events to named types and
// collaborators subscribe synchronously or asynchronously. The bus snapshots
// handler lists before dispatch so handlers may subscribe or unsubscribe
// mid-dispatch without corrupting iteration.
package courier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Subscription is the registration token returned by Subscribe and
// SubscribeAsync. It identifies one handler for Unsubscribe.
type Subscription struct {
	id        string
	eventType EventType
	async     bool
	handler   EventHandler
}

// ID returns the unique identifier of this subscription.
// Handler failures are logged under this id.
func (s *Subscription) ID() string {
	return s.id
}

// Type returns the event type this subscription is registered for.
func (s *Subscription) Type() EventType {
	return s.eventType
}

// IsAsync reports whether the handler runs as an independent task during
// PublishAsync instead of inline during Publish.
func (s *Subscription) IsAsync() bool {
	return s.async
}

// EventBus is the in-process publish/subscribe hub. A single instance is
// constructed by the MessagingService and injected into every component that
// publishes or subscribes; there is no package-level singleton.
type EventBus struct {
	mutex      sync.RWMutex
	handlers   map[EventType]*array[*Subscription]
	maxPerType int
	maxPayload int
	hooks      *Hooks
	logger     zerolog.Logger
	closed     bool
	ctx        context.Context
}

// NewEventBus creates an EventBus bound to the given context. Capacity
// ceilings and the logger are taken from opts; nil opts uses DefaultOptions.
func NewEventBus(ctx context.Context, opts *Options) *EventBus {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &EventBus{
		handlers:   make(map[EventType]*array[*Subscription]),
		maxPerType: opts.MaxHandlersPerType,
		maxPayload: opts.MaxEventPayload,
		hooks:      opts.Hooks,
		logger:     opts.Logger,
		ctx:        ctx,
	}
}

func (b *EventBus) checkState() error {
	select {
	case <-b.ctx.Done():
		return wrap(b.ctx.Err(), "event bus context cancelled")

	default:
	}
	b.mutex.RLock()

	defer b.mutex.RUnlock()

	if b.closed {
		return unavailable(string(busEntity), "event bus is closed")
	}
	return nil
}

// Subscribe registers a synchronous handler for eventType. Synchronous
// handlers run inline during Publish in registration order.
// Returns a Subscription token for Unsubscribe, or a capacity error if the
// per-type handler ceiling is exceeded.
func (b *EventBus) Subscribe(eventType EventType, handler EventHandler) (*Subscription, error) {
	return b.subscribe(eventType, handler, false)
}

// SubscribeAsync registers an asynchronous handler for eventType.
// Asynchronous handlers run as independent tasks during PublishAsync and are
// joined collectively; one handler's failure never cancels its siblings.
// Returns a Subscription token for Unsubscribe, or a capacity error if the
// per-type handler ceiling is exceeded.
func (b *EventBus) SubscribeAsync(eventType EventType, handler EventHandler) (*Subscription, error) {
	return b.subscribe(eventType, handler, true)
}

func (b *EventBus) subscribe(eventType EventType, handler EventHandler, async bool) (*Subscription, error) {
	if err := b.checkState(); err != nil {
		return nil, err
	}
	if eventType == "" {
		return nil, badRequest(string(busEntity), "event type must not be empty")
	}
	if handler == nil {
		return nil, badRequest(string(busEntity), "handler must not be nil")
	}
	b.mutex.Lock()

	defer b.mutex.Unlock()

	subs, exists := b.handlers[eventType]
	if !exists {
		subs = newArray[*Subscription]()

		b.handlers[eventType] = subs
	}
	if b.maxPerType > 0 && subs.length() >= b.maxPerType {
		return nil, capacity(string(busEntity), fmt.Sprintf("handler limit of %d reached for event type %s", b.maxPerType, eventType))
	}
	sub := &Subscription{
		id:        uuid.NewString(),
		eventType: eventType,
		async:     async,
		handler:   handler,
	}
	subs.push(sub)

	return sub, nil
}

// Unsubscribe removes a previously registered subscription.
// Returns true if the subscription was found and removed, false otherwise.
// Unsubscribing during dispatch is safe; the in-flight publish still runs
// against the snapshot taken when it started.
func (b *EventBus) Unsubscribe(sub *Subscription) bool {
	if sub == nil {
		return false
	}
	b.mutex.RLock()

	subs, exists := b.handlers[sub.eventType]

	b.mutex.RUnlock()

	if !exists {
		return false
	}
	return subs.removeWhere(func(s *Subscription) bool {
		return s.id == sub.id
	})
}

// HandlerCount returns the number of handlers currently registered for
// eventType, counting both synchronous and asynchronous subscriptions.
func (b *EventBus) HandlerCount(eventType EventType) int {
	b.mutex.RLock()

	defer b.mutex.RUnlock()

	subs, exists := b.handlers[eventType]
	if !exists {
		return 0
	}
	return subs.length()
}

// Clear removes all handlers for the given event types. With no arguments it
// removes every handler on the bus. Used for process teardown and tests.
func (b *EventBus) Clear(eventTypes ...EventType) {
	b.mutex.Lock()

	defer b.mutex.Unlock()

	if len(eventTypes) == 0 {
		b.handlers = make(map[EventType]*array[*Subscription])

		return
	}
	for _, eventType := range eventTypes {
		delete(b.handlers, eventType)
	}
}

// Close marks the bus as closed and drops all handlers. Publishing or
// subscribing after Close returns an unavailable error. Close is idempotent.
func (b *EventBus) Close() error {
	b.mutex.Lock()

	defer b.mutex.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	b.handlers = make(map[EventType]*array[*Subscription])

	return nil
}

func (b *EventBus) snapshotFor(eventType EventType, async bool) []*Subscription {
	b.mutex.RLock()

	subs, exists := b.handlers[eventType]

	b.mutex.RUnlock()

	if !exists {
		return nil
	}
	all := subs.snapshot()

	matching := make([]*Subscription, 0, len(all))

	for _, sub := range all {
		if sub.async == async {
			matching = append(matching, sub)
		}
	}
	return matching
}

// Publish delivers event to every synchronous handler registered for its
// type, in registration order. A handler error or panic is recovered, logged
// with the subscription id, and does not stop subsequent handlers.
// Returns an error only if the event fails validation or the bus is closed.
func (b *EventBus) Publish(ctx context.Context, event *Event) error {
	if err := b.prepare(event); err != nil {
		return err
	}
	b.hooks.metrics().EventPublished(string(event.Type), false)

	for _, sub := range b.snapshotFor(event.Type, false) {
		b.runHandler(ctx, sub, event)
	}
	if b.hooks != nil && b.hooks.AfterPublish != nil {
		b.hooks.AfterPublish(event, nil)
	}
	return nil
}

// PublishAsync first behaves like Publish for the synchronous handlers, then
// runs every asynchronous handler for the event type as an independent task
// and waits for all of them to finish. Failures are collected per handler,
// logged, and isolated from siblings.
// Returns an error only if the event fails validation or the bus is closed.
func (b *EventBus) PublishAsync(ctx context.Context, event *Event) error {
	if err := b.prepare(event); err != nil {
		return err
	}
	b.hooks.metrics().EventPublished(string(event.Type), true)

	for _, sub := range b.snapshotFor(event.Type, false) {
		b.runHandler(ctx, sub, event)
	}
	asyncSubs := b.snapshotFor(event.Type, true)

	if len(asyncSubs) == 0 {
		if b.hooks != nil && b.hooks.AfterPublish != nil {
			b.hooks.AfterPublish(event, nil)
		}
		return nil
	}

	var wg sync.WaitGroup
	var errMutex sync.Mutex
	var handlerErrors error

	for _, sub := range asyncSubs {
		wg.Add(1)

		go func(s *Subscription) {
			defer wg.Done()

			if err := b.runHandler(ctx, s, event); err != nil {
				errMutex.Lock()

				handlerErrors = addError(handlerErrors, err)

				errMutex.Unlock()
			}
		}(sub)
	}
	wg.Wait()

	if handlerErrors != nil {
		b.logger.Warn().
			Err(handlerErrors).
			Str("event_type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("async handlers finished with failures")
	}
	if b.hooks != nil && b.hooks.AfterPublish != nil {
		b.hooks.AfterPublish(event, handlerErrors)
	}
	return nil
}

func (b *EventBus) prepare(event *Event) error {
	if err := b.checkState(); err != nil {
		return err
	}
	if event == nil {
		return badRequest(string(busEntity), "event must not be nil")
	}
	if err := event.Validate(b.maxPayload); err != nil {
		return err
	}
	if b.hooks != nil && b.hooks.BeforePublish != nil {
		if err := b.hooks.BeforePublish(event); err != nil {
			return wrap(err, "publish rejected by hook")
		}
	}
	return nil
}

func (b *EventBus) runHandler(ctx context.Context, sub *Subscription, event *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = internal(string(busEntity), fmt.Sprintf("handler panicked: %v", r))

			b.logger.Error().
				Str("event_type", string(event.Type)).
				Str("subscription_id", sub.id).
				Str("panic", fmt.Sprint(r)).
				Msg("event handler panicked")

			b.hooks.metrics().HandlerFailure(string(event.Type), sub.id, err)
		}
	}()

	start := time.Now()

	err = sub.handler(ctx, event)

	b.hooks.metrics().HandlerDuration(string(event.Type), time.Since(start))

	if err != nil {
		b.logger.Error().
			Err(err).
			Str("event_type", string(event.Type)).
			Str("subscription_id", sub.id).
			Msg("event handler failed")

		b.hooks.metrics().HandlerFailure(string(event.Type), sub.id, err)
	}
	return err
}
