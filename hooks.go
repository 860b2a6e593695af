// This file defines interfaces and implementations for extensibility hooks in courier.
// It provides rate limiting, metrics collection, and lifecycle callbacks that can be
// integrated with external monitoring and control systems.
package courier

import (
	"context"
	"time"
)

// RateLimiter defines the interface for rate limiting connections and inbound frames.
// Implementations can enforce various rate limiting strategies per user, IP, or custom keys.
type RateLimiter interface {
	// Allow checks if an operation identified by key should be allowed.
	// Returns true if the operation is within rate limits, false if rate limited.
	// The key typically identifies a user, connection, or IP address.
	Allow(ctx context.Context, key string) (allowed bool, err error)

	// Reset clears the rate limit state for the given key.
	// This can be used to forgive rate limit violations or reset counters.
	Reset(key string)
}

// MetricsCollector defines the interface for collecting operational metrics.
// Implementations can forward these metrics to monitoring systems like Prometheus,
// StatsD, or custom analytics platforms.
type MetricsCollector interface {
	// ConnectionOpened is called when a new connection is registered for a user.
	ConnectionOpened(connID string, userID string)

	// ConnectionClosed is called when a connection is removed, with the connection duration.
	ConnectionClosed(connID string, duration time.Duration)

	// ConnectionError is called when a connection encounters an error.
	ConnectionError(connID string, err error)

	// FrameReceived tracks inbound frames from clients.
	FrameReceived(connID string, action string, size int)

	// FrameSent tracks outbound frames to clients.
	FrameSent(connID string, action string, size int)

	// EventPublished tracks events flowing through the bus.
	EventPublished(eventType string, async bool)

	// HandlerFailure is called when a subscribed handler returns an error or panics.
	HandlerFailure(eventType string, subscriptionID string, err error)

	// HandlerDuration tracks the execution time of event handlers.
	HandlerDuration(eventType string, duration time.Duration)

	// BroadcastFanout tracks conversation fan-out with the attempted recipient count.
	BroadcastFanout(conversationID string, recipientCount int)

	// Error tracks errors occurring in different components.
	Error(component string, err error)
}

type Hooks struct {
	RateLimiter  RateLimiter
	Metrics      MetricsCollector
	OnConnect    func(conn Transport) error
	OnDisconnect func(conn Transport)

	BeforePublish func(event *Event) error
	AfterPublish  func(event *Event, err error)
}

func (h *Hooks) metrics() MetricsCollector {
	if h == nil || h.Metrics == nil {
		return &noopMetrics{}
	}
	return h.Metrics
}

type noopMetrics struct{}

func (n *noopMetrics) ConnectionOpened(connID string, userID string) {}

func (n *noopMetrics) ConnectionClosed(connID string, duration time.Duration) {}

func (n *noopMetrics) ConnectionError(connID string, err error) {}

func (n *noopMetrics) FrameReceived(connID string, action string, size int) {}

func (n *noopMetrics) FrameSent(connID string, action string, size int) {}

func (n *noopMetrics) EventPublished(eventType string, async bool) {}

func (n *noopMetrics) HandlerFailure(eventType string, subscriptionID string, err error) {}

func (n *noopMetrics) HandlerDuration(eventType string, duration time.Duration) {}

func (n *noopMetrics) BroadcastFanout(conversationID string, recipientCount int) {}

func (n *noopMetrics) Error(component string, err error) {}

// NoopMetrics returns a no-operation metrics collector that discards all metrics.
// This is useful when you want to disable metrics collection without changing code structure.
func NoopMetrics() MetricsCollector {
	return &noopMetrics{}
}
