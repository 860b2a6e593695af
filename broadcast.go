// This file contains the Broadcaster which fans conversation-level payloads
// out to every online participant. Participants are resolved through an
// injected collaborator; delivery goes through the ClusterRegistry so it
// reaches sockets on other instances. All operations are fire-and-forget:
// delivery is at-most-once per currently connected device, with no retries
// and no persistence, because durable history belongs to an external
// collaborator.
package courier

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// ParticipantResolver resolves the user ids participating in a conversation.
// It is an external collaborator, typically backed by the platform's
// conversation storage.
type ParticipantResolver interface {
	Participants(ctx context.Context, conversationID string) ([]string, error)
}

// ParticipantResolverFunc adapts a function to the ParticipantResolver interface.
type ParticipantResolverFunc func(ctx context.Context, conversationID string) ([]string, error)

func (f ParticipantResolverFunc) Participants(ctx context.Context, conversationID string) ([]string, error) {
	return f(ctx, conversationID)
}

// Broadcaster delivers conversation payloads through the cluster registry.
type Broadcaster struct {
	cluster  *ClusterRegistry
	resolver ParticipantResolver
	options  *Options
	logger   zerolog.Logger
}

// NewBroadcaster creates a Broadcaster that resolves participants with
// resolver and delivers through cluster.
func NewBroadcaster(cluster *ClusterRegistry, resolver ParticipantResolver, opts *Options) *Broadcaster {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Broadcaster{
		cluster:  cluster,
		resolver: resolver,
		options:  opts,
		logger:   opts.Logger,
	}
}

func (b *Broadcaster) participants(ctx context.Context, conversationID string) (*array[string], error) {
	if b.resolver == nil {
		return nil, internal(string(broadcastEntity), "no participant resolver configured")
	}
	userIDs, err := b.resolver.Participants(ctx, conversationID)

	if err != nil {
		return nil, wrapF(err, "failed to resolve participants for conversation %s", conversationID)
	}
	return fromSlice(userIDs), nil
}

func (b *Broadcaster) deliver(ctx context.Context, conversationID string, recipients *array[string], frame *ServerFrame) int {
	if recipients.length() == 0 {
		return 0
	}

	var wg sync.WaitGroup
	var countMutex sync.Mutex
	attempted := 0

	recipients.forEach(func(userID string) {
		wg.Add(1)

		go func(id string) {
			defer wg.Done()

			sent := b.cluster.SendToUser(ctx, id, frame)

			if sent > 0 {
				countMutex.Lock()

				attempted += sent

				countMutex.Unlock()
			}
		}(userID)
	})
	wg.Wait()

	b.options.Hooks.metrics().BroadcastFanout(conversationID, attempted)

	return attempted
}

// BroadcastMessage delivers a chat message payload to every participant of
// the conversation except excludeUserID (pass an empty string to deliver to
// everyone, including the sender's other devices).
// Returns the number of attempted deliveries. The only error is a participant
// resolution failure; individual delivery failures just reduce the count.
func (b *Broadcaster) BroadcastMessage(ctx context.Context, conversationID string, payload map[string]interface{}, excludeUserID string) (int, error) {
	participants, err := b.participants(ctx, conversationID)

	if err != nil {
		return 0, err
	}
	recipients := participants.filter(func(userID string) bool {
		return excludeUserID == "" || userID != excludeUserID
	})

	frame := newServerFrame(responseAction, map[string]interface{}{
		"type":            "message",
		"conversation_id": conversationID,
		"message":         payload,
	})

	return b.deliver(ctx, conversationID, recipients, frame), nil
}

// BroadcastTypingStatus delivers a typing indicator for userID to every
// participant of the conversation.
// Returns the number of attempted deliveries.
func (b *Broadcaster) BroadcastTypingStatus(ctx context.Context, conversationID, userID string, isTyping bool) (int, error) {
	participants, err := b.participants(ctx, conversationID)

	if err != nil {
		return 0, err
	}
	frame := newServerFrame(responseAction, map[string]interface{}{
		"type":            "typing",
		"conversation_id": conversationID,
		"user_id":         userID,
		"is_typing":       isTyping,
	})

	return b.deliver(ctx, conversationID, participants, frame), nil
}

// BroadcastReadStatus delivers a read receipt for messageIDs to every
// participant of the conversation.
// Returns the number of attempted deliveries.
func (b *Broadcaster) BroadcastReadStatus(ctx context.Context, conversationID, userID string, messageIDs []string) (int, error) {
	participants, err := b.participants(ctx, conversationID)

	if err != nil {
		return 0, err
	}
	frame := newServerFrame(responseAction, map[string]interface{}{
		"type":            "read",
		"conversation_id": conversationID,
		"user_id":         userID,
		"message_ids":     messageIDs,
	})

	return b.deliver(ctx, conversationID, participants, frame), nil
}

// BroadcastSystemNotification delivers a system notification to the
// conversation's participants. When targetUserIDs is non-empty it narrows
// delivery to those participants instead of the full set.
// Returns the number of attempted deliveries.
func (b *Broadcaster) BroadcastSystemNotification(ctx context.Context, conversationID string, data map[string]interface{}, targetUserIDs []string) (int, error) {
	participants, err := b.participants(ctx, conversationID)

	if err != nil {
		return 0, err
	}
	recipients := participants

	if len(targetUserIDs) > 0 {
		targets := fromSlice(targetUserIDs)

		recipients = participants.filter(func(userID string) bool {
			return targets.some(func(target string) bool {
				return target == userID
			})
		})
	}
	frame := newServerFrame(responseAction, map[string]interface{}{
		"type":            "notification",
		"conversation_id": conversationID,
		"data":            data,
	})

	return b.deliver(ctx, conversationID, recipients, frame), nil
}

// SendDirectMessage delivers a payload to a single user's connections,
// bypassing participant resolution.
// Returns the number of attempted deliveries.
func (b *Broadcaster) SendDirectMessage(ctx context.Context, userID string, payload map[string]interface{}) int {
	frame := newServerFrame(responseAction, map[string]interface{}{
		"type":    "direct",
		"user_id": userID,
		"data":    payload,
	})

	return b.cluster.SendToUser(ctx, userID, frame)
}
