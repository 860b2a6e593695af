// Package distributed provides Redis-backed implementations of the courier
// PubSub and PresenceStore interfaces. These adapters let multiple courier
// instances coordinate delivery and presence through a shared Redis deployment.
package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/seamchat/courier"
)

var errPubSubClosed = errors.New("pubsub: closed")

// RedisPubSub implements the courier PubSub interface using Redis.
// It carries delivery envelopes between courier instances by leveraging
// Redis's publish-subscribe functionality.
type RedisPubSub struct {
	client *redis.Client
	pubsub *redis.PubSub
	logger zerolog.Logger

	mu            sync.RWMutex
	subscriptions map[string][]redisSubscription
	patterns      map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	closed bool

	wg sync.WaitGroup
}

type redisSubscription struct {
	pattern string
	handler func(topic string, data []byte)

	ch     chan courier.PubSubMessage
	cancel context.CancelFunc
}

// NewRedisPubSub creates a new Redis-based PubSub implementation.
// The provided Redis client should be properly configured and connected;
// the client is owned by the caller and is not closed by Close.
func NewRedisPubSub(ctx context.Context, client *redis.Client, logger zerolog.Logger) (*RedisPubSub, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	pubsubCtx, cancel := context.WithCancel(ctx)

	r := &RedisPubSub{
		client:        client,
		logger:        logger.With().Str("component", "redis_pubsub").Logger(),
		subscriptions: make(map[string][]redisSubscription),
		patterns:      make(map[string]struct{}),
		ctx:           pubsubCtx,
		cancel:        cancel,
	}
	r.pubsub = client.Subscribe(pubsubCtx)

	r.wg.Add(1)

	go r.handleMessages()

	return r, nil
}

// Subscribe registers a handler for messages matching the given pattern.
// Courier patterns use a trailing ".*" wildcard which is translated to the
// Redis glob form. Each subscription drains its own buffered channel in a
// dedicated goroutine, so messages on one subscription keep arrival order.
func (r *RedisPubSub) Subscribe(pattern string, handler func(topic string, data []byte)) error {
	r.mu.Lock()

	defer r.mu.Unlock()

	if r.closed {
		return errPubSubClosed
	}
	redisPattern := convertToRedisPattern(pattern)

	if _, exists := r.patterns[redisPattern]; !exists {
		if err := r.pubsub.PSubscribe(r.ctx, redisPattern); err != nil {
			return fmt.Errorf("failed to subscribe to pattern %s: %w", pattern, err)
		}
		r.patterns[redisPattern] = struct{}{}
	}
	subCtx, cancel := context.WithCancel(r.ctx)

	sub := redisSubscription{
		pattern: pattern,
		handler: handler,
		ch:      make(chan courier.PubSubMessage, 100),
		cancel:  cancel,
	}
	r.subscriptions[pattern] = append(r.subscriptions[pattern], sub)

	go r.runSubscription(subCtx, sub)

	return nil
}

func (r *RedisPubSub) runSubscription(ctx context.Context, sub redisSubscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.ch:
			if !ok {
				return
			}
			r.invokeHandler(sub, msg)
		}
	}
}

func (r *RedisPubSub) invokeHandler(sub redisSubscription, msg courier.PubSubMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("pattern", sub.pattern).
				Str("topic", msg.Topic).
				Interface("panic", rec).
				Msg("pubsub handler panicked")
		}
	}()
	sub.handler(msg.Topic, msg.Data)
}

// Unsubscribe removes all handlers for the given pattern.
// The underlying Redis pattern subscription is released once no courier
// pattern maps to it anymore.
func (r *RedisPubSub) Unsubscribe(pattern string) error {
	r.mu.Lock()

	defer r.mu.Unlock()

	if r.closed {
		return errPubSubClosed
	}
	subs, exists := r.subscriptions[pattern]
	if !exists {
		return fmt.Errorf("pattern %s not subscribed", pattern)
	}
	for _, sub := range subs {
		sub.cancel()

		close(sub.ch)
	}
	delete(r.subscriptions, pattern)

	redisPattern := convertToRedisPattern(pattern)

	stillNeeded := false

	for p := range r.subscriptions {
		if convertToRedisPattern(p) == redisPattern {
			stillNeeded = true

			break
		}
	}
	if !stillNeeded {
		if err := r.pubsub.PUnsubscribe(r.ctx, redisPattern); err != nil {
			return fmt.Errorf("failed to unsubscribe from pattern %s: %w", pattern, err)
		}
		delete(r.patterns, redisPattern)
	}
	return nil
}

// Publish sends a message to the specified topic.
func (r *RedisPubSub) Publish(topic string, data []byte) error {
	r.mu.RLock()

	closed := r.closed

	r.mu.RUnlock()

	if closed {
		return errPubSubClosed
	}
	if err := r.client.Publish(r.ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close shuts down the Redis PubSub connection and cleans up resources.
// The Redis client itself is left open for the caller.
func (r *RedisPubSub) Close() error {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()

		return nil
	}
	r.closed = true

	for _, subs := range r.subscriptions {
		for _, sub := range subs {
			sub.cancel()

			close(sub.ch)
		}
	}
	r.subscriptions = make(map[string][]redisSubscription)

	r.mu.Unlock()

	r.cancel()

	if err := r.pubsub.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub: %w", err)
	}
	r.wg.Wait()

	return nil
}

// handleMessages routes incoming Redis messages onto the matching
// subscription buffers. A subscription whose buffer is full drops the
// message rather than stalling every other subscription.
func (r *RedisPubSub) handleMessages() {
	defer r.wg.Done()

	ch := r.pubsub.Channel()

	for {
		select {
		case <-r.ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Payload != "" {
				r.deliverMessage(msg.Channel, []byte(msg.Payload))
			}
		}
	}
}

func (r *RedisPubSub) deliverMessage(topic string, data []byte) {
	r.mu.RLock()

	defer r.mu.RUnlock()

	msg := courier.PubSubMessage{
		Topic: topic,
		Data:  data,
	}
	for pattern, subs := range r.subscriptions {
		if matchPattern(pattern, topic) {
			for _, sub := range subs {
				select {
				case sub.ch <- msg:
				default:
					r.logger.Warn().
						Str("pattern", pattern).
						Str("topic", topic).
						Msg("subscription buffer full, message dropped")
				}
			}
		}
	}
}

// convertToRedisPattern converts courier patterns to Redis patterns.
// Courier uses a trailing .* wildcard, Redis uses *
func convertToRedisPattern(pattern string) string {
	if len(pattern) > 2 && pattern[len(pattern)-2:] == ".*" {
		return pattern[:len(pattern)-2] + "*"
	}
	return pattern
}

// matchPattern checks if a topic matches a courier pattern.
func matchPattern(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if len(pattern) > 2 && pattern[len(pattern)-2:] == ".*" {
		prefix := pattern[:len(pattern)-2]

		return len(topic) >= len(prefix) && topic[:len(prefix)] == prefix
	}
	return false
}
