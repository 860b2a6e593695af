// This file defines the PubSub interface and topic utilities for cross-instance
// messaging. PubSub carries delivery envelopes between server instances; each
// instance subscribes to its own delivery topic and re-delivers locally on
// receipt. The design is broker-agnostic: any at-least-once publish/subscribe
// system satisfies the contract.
package courier

import (
	"errors"
	"fmt"
)

// PubSub defines the interface for publish-subscribe messaging systems.
// Implementations of this interface let courier fan deliveries out across
// multiple server instances without a full-mesh broadcast.
type PubSub interface {
	// Subscribe registers a handler for messages matching the given pattern.
	// Patterns can include a trailing wildcard (e.g., "courier:instance.*").
	// The handler is called when matching messages are received; messages on
	// one subscription are handled sequentially in arrival order.
	Subscribe(pattern string, handler func(topic string, data []byte)) error

	// Unsubscribe removes all handlers for the given pattern.
	// Returns an error if the pattern was not previously subscribed.
	Unsubscribe(pattern string) error

	// Publish sends a message to the specified topic.
	// All subscribers with patterns matching the topic will receive the message.
	Publish(topic string, data []byte) error

	// Close shuts down the PubSub system and cleans up resources.
	Close() error
}

type PubSubMessage struct {
	Topic string
	Data  []byte
}

type pubsubClosedError struct{}

func (e *pubsubClosedError) Error() string {
	return "pubsub: closed"
}

func isPubSubClosed(err error) bool {

	var pubsubClosedError *pubsubClosedError
	ok := errors.As(err, &pubsubClosedError)

	return ok
}

func matchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if len(pattern) > 2 && pattern[len(pattern)-2:] == ".*" {
		prefix := pattern[:len(pattern)-2]
		return len(topic) >= len(prefix) && topic[:len(prefix)] == prefix
	}
	return false
}

func formatInstanceTopic(instanceID string) string {
	return fmt.Sprintf("courier:instance:%s", instanceID)
}
