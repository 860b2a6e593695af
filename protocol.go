// This file contains the ProtocolHandler which turns inbound client frames
// into typed EventBus events and synthesizes acknowledgement and error
// frames. The dispatch table is fixed at construction: every recognized
// action maps to exactly one handler and unknown actions produce an error
// frame rather than a crash. The handler is stateless across frames and
// never calls the registry or broadcaster directly; business reactions hang
// off the published events.
package courier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

type protocolFunc func(ctx context.Context, t Transport, frame Frame) error

// ProtocolHandler validates frames and republishes them as events.
type ProtocolHandler struct {
	bus      *EventBus
	handlers map[action]protocolFunc
	options  *Options
	logger   zerolog.Logger
}

// NewProtocolHandler creates a ProtocolHandler publishing to bus. The
// action dispatch table is built once here; there is no runtime registration.
func NewProtocolHandler(bus *EventBus, opts *Options) *ProtocolHandler {
	if opts == nil {
		opts = DefaultOptions()
	}
	p := &ProtocolHandler{
		bus:     bus,
		options: opts,
		logger:  opts.Logger,
	}
	p.handlers = map[action]protocolFunc{
		messageAction:    p.handleMessage,
		typingAction:     p.handleTyping,
		readAction:       p.handleRead,
		pingAction:       p.handlePing,
		connectAction:    p.handleConnect,
		disconnectAction: p.handleDisconnect,
	}
	return p
}

// HandleFrame processes one inbound frame for the given transport. It
// enforces rate limits, resolves the action handler, and returns a typed
// error for the transport layer to convert into an error frame. A client
// only ever observes success or failure of its own frame.
func (p *ProtocolHandler) HandleFrame(ctx context.Context, t Transport, frame Frame) error {
	p.options.Hooks.metrics().FrameReceived(t.GetID(), string(frame.Action), len(frame.Data))

	if p.options.Hooks != nil && p.options.Hooks.RateLimiter != nil {
		allowed, err := p.options.Hooks.RateLimiter.Allow(ctx, t.UserID())

		if err != nil {
			return wrap(err, "rate limiter error")
		}
		if !allowed {
			p.options.Hooks.metrics().Error("rate_limiter", capacity(string(protocolEntity), "Rate limit exceeded"))

			return capacity(string(protocolEntity), "Rate limit exceeded")
		}
	}
	handler, ok := p.handlers[frame.Action]

	if !ok {
		return badRequest(string(protocolEntity), fmt.Sprintf("unknown action %q", string(frame.Action)))
	}
	return handler(ctx, t, frame)
}

type messagePayload struct {
	ConversationID   string                 `json:"conversation_id"`
	Content          map[string]interface{} `json:"content"`
	Type             messageType            `json:"type"`
	SenderType       string                 `json:"sender_type"`
	IsImportant      bool                   `json:"is_important,omitempty"`
	ReplyToMessageID string                 `json:"reply_to_message_id,omitempty"`
}

func validateMessageContent(kind messageType, content map[string]interface{}) error {
	switch kind {
	case textMessage:
		text, _ := content["text"].(string)

		if strings.TrimSpace(text) == "" {
			return badRequest(string(protocolEntity), "text messages require non-blank content.text")
		}
	case mediaMessage:
		switch media := content["media"].(type) {
		case string:
			if strings.TrimSpace(media) == "" {
				return badRequest(string(protocolEntity), "media messages require a media descriptor")
			}
		case map[string]interface{}:
			if len(media) == 0 {
				return badRequest(string(protocolEntity), "media messages require a media descriptor")
			}
		default:
			return badRequest(string(protocolEntity), "media messages require a media descriptor")
		}
	case systemMessage:
		eventType, _ := content["event_type"].(string)

		if strings.TrimSpace(eventType) == "" {
			return badRequest(string(protocolEntity), "system messages require content.event_type")
		}
	default:
		return badRequest(string(protocolEntity), fmt.Sprintf("unsupported message type %q", string(kind)))
	}
	return nil
}

func (p *ProtocolHandler) handleMessage(ctx context.Context, t Transport, frame Frame) error {
	var payload messagePayload
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		return badRequest(string(protocolEntity), "invalid data for message action")
	}
	if payload.ConversationID == "" {
		return badRequest(string(protocolEntity), "message requires a conversation_id")
	}
	if payload.Content == nil {
		return badRequest(string(protocolEntity), "message requires content")
	}
	if err := validateMessageContent(payload.Type, payload.Content); err != nil {
		return err
	}
	event, err := NewEvent(EventMessageReceived, t.GetID(), map[string]interface{}{
		"content":             payload.Content,
		"message_type":        string(payload.Type),
		"sender_type":         payload.SenderType,
		"is_important":        payload.IsImportant,
		"reply_to_message_id": payload.ReplyToMessageID,
	})

	if err != nil {
		return err
	}
	event.ConversationID = payload.ConversationID

	event.UserID = t.UserID()

	if err := p.bus.PublishAsync(ctx, event); err != nil {
		return err
	}
	return t.SendJSON(newServerFrame(responseAction, map[string]interface{}{
		"status":   "sent",
		"event_id": event.ID,
	}))
}

type typingPayload struct {
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

func (p *ProtocolHandler) handleTyping(ctx context.Context, t Transport, frame Frame) error {
	var payload typingPayload
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		return badRequest(string(protocolEntity), "invalid data for typing action")
	}
	if payload.ConversationID == "" {
		return badRequest(string(protocolEntity), "typing requires a conversation_id")
	}
	event, err := NewEvent(EventTypingStatus, t.GetID(), map[string]interface{}{
		"is_typing": payload.IsTyping,
	})

	if err != nil {
		return err
	}
	event.ConversationID = payload.ConversationID

	event.UserID = t.UserID()

	return p.bus.PublishAsync(ctx, event)
}

type readPayload struct {
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids"`
}

func (p *ProtocolHandler) handleRead(ctx context.Context, t Transport, frame Frame) error {
	var payload readPayload
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		return badRequest(string(protocolEntity), "invalid data for read action")
	}
	if payload.ConversationID == "" {
		return badRequest(string(protocolEntity), "read requires a conversation_id")
	}
	if len(payload.MessageIDs) == 0 {
		return badRequest(string(protocolEntity), "read requires message_ids")
	}
	event, err := NewEvent(EventReadStatus, t.GetID(), map[string]interface{}{
		"message_ids": payload.MessageIDs,
	})

	if err != nil {
		return err
	}
	event.ConversationID = payload.ConversationID

	event.UserID = t.UserID()

	return p.bus.PublishAsync(ctx, event)
}

func (p *ProtocolHandler) handlePing(ctx context.Context, t Transport, frame Frame) error {
	t.Heartbeat()

	return t.SendJSON(newServerFrame(pongAction, map[string]interface{}{}))
}

func (p *ProtocolHandler) handleConnect(ctx context.Context, t Transport, frame Frame) error {
	// The accept path already registered the session and published the
	// connected event; a connect frame is just a request to re-acknowledge.
	return t.SendJSON(connectFrame(t))
}

func (p *ProtocolHandler) handleDisconnect(ctx context.Context, t Transport, frame Frame) error {
	if err := t.SendJSON(newServerFrame(responseAction, map[string]interface{}{
		"status": "disconnecting",
	})); err != nil {
		return err
	}
	event, err := NewEvent(EventDisconnectRequested, t.GetID(), map[string]interface{}{
		"connection_id": t.GetID(),
	})

	if err != nil {
		return err
	}
	event.UserID = t.UserID()

	return p.bus.PublishAsync(ctx, event)
}

func connectFrame(t Transport) *ServerFrame {
	return newServerFrame(connectAction, map[string]interface{}{
		"connection_id": t.GetID(),
		"user_id":       t.UserID(),
	})
}
