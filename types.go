// This file contains type definitions for courier including the event structure,
// wire frame envelopes, configuration options, and constants used throughout the library.
package courier

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType identifies a topic on the EventBus. Business collaborators
// subscribe to these to react to protocol-level activity without touching
// transport code.
type EventType string

const (
	// EventMessageReceived is published for every valid inbound chat message.
	// Persistence, broadcast fan-out and offline notification all hang off it.
	EventMessageReceived EventType = "message.received"

	// EventTypingStatus is published when a client starts or stops typing.
	EventTypingStatus EventType = "typing.status"

	// EventReadStatus is published when a client marks messages as read.
	EventReadStatus EventType = "read.status"

	// EventClientConnected and EventClientDisconnected trace session lifecycle.
	// Connected is published once per accepted connection; Disconnected once
	// per removal, whatever the removal reason.
	EventClientConnected    EventType = "client.connected"
	EventClientDisconnected EventType = "client.disconnected"

	// EventDisconnectRequested is published when a client announces an
	// intentional disconnect with a disconnect frame. The MessagingService
	// reacts by removing the connection.
	EventDisconnectRequested EventType = "client.disconnect_requested"
)

// Event is an immutable fact published on the EventBus. Events are created by
// the ProtocolHandler for client frames or by server-side collaborators (for
// example an AI reply generator) and carry enough routing context for fan-out.
type Event struct {
	ID             string                 `json:"id"`
	Type           EventType              `json:"type"`
	Data           map[string]interface{} `json:"data"`
	Timestamp      time.Time              `json:"timestamp"`
	Source         string                 `json:"source"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	UserID         string                 `json:"user_id,omitempty"`
}

// NewEvent builds a validated Event with a generated id and UTC timestamp.
// Returns an error if the type is empty, a data key is malformed, or the
// marshaled data exceeds DefaultMaxEventPayload.
func NewEvent(eventType EventType, source string, data map[string]interface{}) (*Event, error) {
	e := &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Source:    source,
	}
	if err := e.Validate(DefaultMaxEventPayload); err != nil {
		return nil, err
	}
	return e, nil
}

const maxEventKeyLength = 64

// Validate checks the Event against the construction rules: non-empty type,
// well-formed data keys, and a marshaled payload no larger than maxPayload.
// Returns a capacity error for oversized payloads so callers can distinguish
// misconfiguration from malformed input.
func (e *Event) Validate(maxPayload int) error {
	if e.Type == "" {
		return badRequest(string(busEntity), "event type must not be empty")
	}
	for key := range e.Data {
		if key == "" || len(key) > maxEventKeyLength {
			return badRequest(string(busEntity), "event data contains a malformed key")
		}
		for _, r := range key {
			if r < 0x20 || r == 0x7f {
				return badRequest(string(busEntity), "event data key contains control characters")
			}
		}
	}
	if e.Data != nil && maxPayload > 0 {
		raw, err := json.Marshal(e.Data)
		if err != nil {
			return wrap(err, "event data is not serializable")
		}
		if len(raw) > maxPayload {
			return capacity(string(busEntity), "event payload exceeds maximum size")
		}
	}
	return nil
}

// EventHandler processes a published Event. Synchronous handlers run inline
// during Publish in registration order; asynchronous handlers run as
// independent tasks joined by PublishAsync. A returned error is logged and
// isolated, never propagated to sibling handlers.
type EventHandler func(ctx context.Context, event *Event) error

type action string

type messageType string

type entity string

const (
	messageAction    action = "message"
	typingAction     action = "typing"
	readAction       action = "read"
	pingAction       action = "ping"
	connectAction    action = "connect"
	disconnectAction action = "disconnect"
	responseAction   action = "response"
	errorAction      action = "error"
	pongAction       action = "pong"

	textMessage   messageType = "text"
	mediaMessage  messageType = "media"
	systemMessage messageType = "system"

	busEntity       entity = "EVENT_BUS"
	registryEntity  entity = "REGISTRY"
	clusterEntity   entity = "CLUSTER"
	broadcastEntity entity = "BROADCAST"
	protocolEntity  entity = "PROTOCOL"
	endpointEntity  entity = "ENDPOINT"
	serviceEntity   entity = "SERVICE"
	serverEntity    entity = "SERVER"
)

// Frame is the envelope clients send over the wire: an action tag plus an
// action-specific data object. Unrecognized or structurally invalid frames
// are answered with an error frame, never a dropped connection.
type Frame struct {
	Action action          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ServerFrame is the envelope the server sends to clients. Action is one of
// response, error, pong or connect. Timestamp is RFC 3339 in UTC.
type ServerFrame struct {
	Action    action      `json:"action"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
}

func newServerFrame(a action, data interface{}) *ServerFrame {
	return &ServerFrame{
		Action:    a,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

const (
	StatusBadRequest          = 400
	StatusUnauthorized        = 401
	StatusForbidden           = 403
	StatusNotFound            = 404
	StatusConflict            = 409
	StatusInternalServerError = 500
	StatusServiceUnavailable  = 503
	StatusGatewayTimeout      = 504
	StatusTooManyRequests     = 429
)

// Error represents a failure in the courier system. It includes the component
// scope the error belongs to, a message, an HTTP-like status code, whether the
// error is temporary (retryable), and optional additional details.
type Error struct {
	Scope     string      `json:"scope,omitempty"`
	Message   string      `json:"message"`
	Code      int         `json:"code"`
	Temporary bool        `json:"temporary"`
	Details   interface{} `json:"details,omitempty"`
	cause     error
}

// DeviceInfo carries the device metadata captured when a connection is
// accepted. All fields are optional; the registry treats it as opaque.
type DeviceInfo struct {
	Platform   string `json:"platform,omitempty"`
	AppVersion string `json:"app_version,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`
}

// DefaultMaxEventPayload bounds the marshaled size of Event data built
// through NewEvent. The bus enforces Options.MaxEventPayload on publish.
const DefaultMaxEventPayload = 64 * 1024

// Options configures courier behavior and connection parameters. It includes
// settings for origin checking, buffer sizes, heartbeat timing, capacity
// ceilings, hooks for extensibility, and the coordination backends for
// distributed deployments.
type Options struct {
	CheckOrigin          bool
	AllowedOrigins       []string
	AllowedOriginRegexps []*regexp.Regexp
	ReadBufferSize       int
	WriteBufferSize      int
	MaxMessageSize       int64
	HeartbeatInterval    time.Duration
	MissedHeartbeatLimit int
	PongWait             time.Duration
	WriteWait            time.Duration
	EnableCompression    bool
	MaxConnections       int
	SendChannelBuffer    int
	ReceiveChannelBuffer int
	MaxHandlersPerType   int
	MaxEventPayload      int
	PresenceTTL          time.Duration
	StoreTimeout         time.Duration
	InstanceID           string
	Hooks                *Hooks
	PubSub               PubSub
	Presence             PresenceStore
	Resolver             ParticipantResolver
	Notifier             Notifier
	Logger               zerolog.Logger
}

// ServerOptions configures the HTTP server that hosts the WebSocket endpoint.
// It includes the courier options, the websocket path and identity resolver,
// server address, timeout settings, and optional TLS configuration.
type ServerOptions struct {
	Options            *Options
	WSPath             string
	Identity           IdentityFunc
	ServerAddr         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ServerIdleTimeout  time.Duration
	ServerTLSConfig    *tls.Config
}
