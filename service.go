// This file contains the MessagingService, the composition root of the
// courier subsystem. It constructs the EventBus, Registry, ClusterRegistry,
// Broadcaster and ProtocolHandler, binds the broadcaster and the external
// collaborators to their event topics, and owns the start and shutdown
// ordering: the instance delivery topic is subscribed before any connection
// is accepted, and presence is flushed before the process exits.
package courier

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Notifier is the external push-notification collaborator. It is invoked for
// message events whose conversation has participants with no connection
// anywhere in the cluster.
type Notifier interface {
	NotifyOffline(ctx context.Context, userID string, event *Event) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, userID string, event *Event) error

func (f NotifierFunc) NotifyOffline(ctx context.Context, userID string, event *Event) error {
	return f(ctx, userID, event)
}

// DefaultOptions returns a new Options struct with sensible default values.
// These defaults provide a good starting point for most deployments:
// - No origin checking (accepts all origins)
// - 1KB read/write buffers, 512KB max message size
// - 30s heartbeat interval, 60s pong wait, eviction after 2 missed heartbeats
// - 90s presence TTL, 5s bound on shared-store operations
// - 64 handlers per event type, 64KB max event payload
// - 256 buffer size for send/receive channels
func DefaultOptions() *Options {
	return &Options{
		CheckOrigin:          false,
		ReadBufferSize:       1024,
		WriteBufferSize:      1024,
		MaxMessageSize:       512 * 1024,
		HeartbeatInterval:    30 * time.Second,
		MissedHeartbeatLimit: 2,
		PongWait:             60 * time.Second,
		WriteWait:            10 * time.Second,
		EnableCompression:    false,
		SendChannelBuffer:    256,
		ReceiveChannelBuffer: 256,
		MaxHandlersPerType:   64,
		MaxEventPayload:      DefaultMaxEventPayload,
		PresenceTTL:          90 * time.Second,
		StoreTimeout:         5 * time.Second,
		Logger:               zerolog.Nop(),
	}
}

// MessagingService wires the courier components together and exposes
// connect, disconnect, send and broadcast to the surrounding server.
type MessagingService struct {
	options      *Options
	bus          *EventBus
	registry     *Registry
	cluster      *ClusterRegistry
	broadcaster  *Broadcaster
	protocol     *ProtocolHandler
	logger       zerolog.Logger
	ctx          context.Context
	cancel       context.CancelFunc
	mutex        sync.RWMutex
	started      bool
	ownsPubSub   bool
	ownsPresence bool
	closeOnce    sync.Once
}

// NewMessagingService creates the full component graph. If no options are
// provided, default options are used. If no PubSub or PresenceStore is
// configured, in-memory implementations are created for single-node
// operation. Call Start before accepting connections.
func NewMessagingService(ctx context.Context, options ...Options) *MessagingService {
	opts := DefaultOptions()

	if len(options) > 0 {
		opts = &options[0]
	}
	serviceCtx, cancel := context.WithCancel(ctx)

	s := &MessagingService{
		options: opts,
		logger:  opts.Logger,
		ctx:     serviceCtx,
		cancel:  cancel,
	}
	if opts.PubSub == nil {
		opts.PubSub = NewLocalPubSub(serviceCtx, 100)

		s.ownsPubSub = true
	}
	if opts.Presence == nil {
		opts.Presence = NewLocalPresence(opts.PresenceTTL)

		s.ownsPresence = true
	}
	s.bus = NewEventBus(serviceCtx, opts)

	s.registry = NewRegistry(serviceCtx, opts)

	s.cluster = NewClusterRegistry(serviceCtx, s.registry, opts)

	s.broadcaster = NewBroadcaster(s.cluster, opts.Resolver, opts)

	s.protocol = NewProtocolHandler(s.bus, opts)

	s.registry.OnRemoval(func(t Transport, reason DisconnectReason) {
		s.onConnectionRemoved(t, reason)
	})

	return s
}

// Bus returns the service's event bus for business collaborators to
// subscribe to.
func (s *MessagingService) Bus() *EventBus {
	return s.bus
}

// Cluster returns the cluster-wide connection view.
func (s *MessagingService) Cluster() *ClusterRegistry {
	return s.cluster
}

// Broadcaster returns the conversation fan-out service for server-side
// producers that bypass the bus.
func (s *MessagingService) Broadcaster() *Broadcaster {
	return s.broadcaster
}

// Protocol returns the frame handler, mainly for tests that drive frames
// without a socket.
func (s *MessagingService) Protocol() *ProtocolHandler {
	return s.protocol
}

// Start subscribes this instance to its delivery topic and binds the
// broadcaster and collaborators to their event topics. It must complete
// before the first connection is accepted; Connect fails until it has.
func (s *MessagingService) Start() error {
	s.mutex.Lock()

	defer s.mutex.Unlock()

	if s.started {
		return conflict(string(serviceEntity), "messaging service already started")
	}
	if err := s.cluster.Start(); err != nil {
		return err
	}
	if err := s.bindSubscribers(); err != nil {
		return err
	}
	s.started = true

	s.logger.Info().
		Str("instance_id", s.cluster.InstanceID()).
		Msg("messaging service started")

	return nil
}

func (s *MessagingService) isStarted() bool {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	return s.started
}

func (s *MessagingService) bindSubscribers() error {
	if _, err := s.bus.Subscribe(EventDisconnectRequested, s.onDisconnectRequested); err != nil {
		return err
	}
	if s.options.Resolver == nil {
		s.logger.Warn().Msg("no participant resolver configured, conversation fan-out is disabled")
	} else {
		if _, err := s.bus.Subscribe(EventMessageReceived, s.onMessageReceived); err != nil {
			return err
		}
		if _, err := s.bus.Subscribe(EventTypingStatus, s.onTypingStatus); err != nil {
			return err
		}
		if _, err := s.bus.Subscribe(EventReadStatus, s.onReadStatus); err != nil {
			return err
		}
	}
	if s.options.Notifier != nil {
		if s.options.Resolver == nil {
			s.logger.Warn().Msg("notifier configured without a participant resolver, offline fallback is disabled")
		} else if _, err := s.bus.SubscribeAsync(EventMessageReceived, s.onOfflineFallback); err != nil {
			return err
		}
	}
	return nil
}

func (s *MessagingService) onMessageReceived(ctx context.Context, event *Event) error {
	if event.ConversationID == "" {
		return nil
	}
	payload := make(map[string]interface{}, len(event.Data)+3)

	for key, value := range event.Data {
		payload[key] = value
	}
	payload["event_id"] = event.ID

	payload["user_id"] = event.UserID

	payload["timestamp"] = event.Timestamp.Format(time.RFC3339)

	_, err := s.broadcaster.BroadcastMessage(ctx, event.ConversationID, payload, event.UserID)

	return err
}

func (s *MessagingService) onTypingStatus(ctx context.Context, event *Event) error {
	if event.ConversationID == "" {
		return nil
	}
	isTyping, _ := event.Data["is_typing"].(bool)

	_, err := s.broadcaster.BroadcastTypingStatus(ctx, event.ConversationID, event.UserID, isTyping)

	return err
}

func (s *MessagingService) onReadStatus(ctx context.Context, event *Event) error {
	if event.ConversationID == "" {
		return nil
	}
	_, err := s.broadcaster.BroadcastReadStatus(ctx, event.ConversationID, event.UserID, stringSlice(event.Data["message_ids"]))

	return err
}

func (s *MessagingService) onOfflineFallback(ctx context.Context, event *Event) error {
	if event.ConversationID == "" {
		return nil
	}
	participants, err := s.options.Resolver.Participants(ctx, event.ConversationID)

	if err != nil {
		return wrapF(err, "offline fallback could not resolve conversation %s", event.ConversationID)
	}

	var notifyErrors error
	for _, userID := range participants {
		if userID == event.UserID {
			continue
		}
		if s.cluster.IsUserOnline(ctx, userID) {
			continue
		}
		if notifyErr := s.options.Notifier.NotifyOffline(ctx, userID, event); notifyErr != nil {
			notifyErrors = addError(notifyErrors, wrapF(notifyErr, "offline notification failed for user %s", userID))
		}
	}
	return notifyErrors
}

func (s *MessagingService) onDisconnectRequested(ctx context.Context, event *Event) error {
	connID, _ := event.Data["connection_id"].(string)

	if connID == "" {
		return nil
	}
	s.cluster.Disconnect(connID)

	return nil
}

func (s *MessagingService) onConnectionRemoved(t Transport, reason DisconnectReason) {
	if s.options.Hooks != nil && s.options.Hooks.OnDisconnect != nil {
		s.options.Hooks.OnDisconnect(t)
	}
	event, err := NewEvent(EventClientDisconnected, t.GetID(), map[string]interface{}{
		"connection_id": t.GetID(),
		"reason":        string(reason),
	})

	if err != nil {
		return
	}
	event.UserID = t.UserID()

	go func() {
		if publishErr := s.bus.PublishAsync(s.ctx, event); publishErr != nil && !isShutdownError(publishErr) {
			s.logger.Warn().
				Err(publishErr).
				Str("connection_id", t.GetID()).
				Msg("failed to publish disconnect event")
		}
	}()
}

// Connect registers an accepted transport with the cluster registry, wires
// its frames into the protocol handler, and acknowledges the session with a
// connect frame. Returns the connection id.
func (s *MessagingService) Connect(t Transport) (string, error) {
	if !s.isStarted() {
		return "", unavailable(string(serviceEntity), "messaging service not started")
	}
	if s.options.Hooks != nil && s.options.Hooks.OnConnect != nil {
		if err := s.options.Hooks.OnConnect(t); err != nil {
			return "", wrap(err, "connection rejected by hook")
		}
	}
	connID, err := s.cluster.Connect(t)

	if err != nil {
		return "", err
	}
	t.OnFrame(func(frame Frame, transport Transport) error {
		return s.protocol.HandleFrame(s.ctx, transport, frame)
	})

	t.HandleFrames()

	if sendErr := t.SendJSON(connectFrame(t)); sendErr != nil {
		s.logger.Warn().
			Err(sendErr).
			Str("connection_id", connID).
			Msg("failed to send connect acknowledgement")
	}
	event, eventErr := NewEvent(EventClientConnected, connID, map[string]interface{}{
		"connection_id": connID,
		"device":        t.Device(),
	})

	if eventErr == nil {
		event.UserID = t.UserID()

		go func() {
			if publishErr := s.bus.PublishAsync(s.ctx, event); publishErr != nil && !isShutdownError(publishErr) {
				s.logger.Warn().
					Err(publishErr).
					Str("connection_id", connID).
					Msg("failed to publish connect event")
			}
		}()
	}
	return connID, nil
}

// Disconnect removes a connection. Idempotent; returns true if the
// connection was present.
func (s *MessagingService) Disconnect(connID string) bool {
	return s.cluster.Disconnect(connID)
}

// Send delivers a payload to one local connection.
func (s *MessagingService) Send(connID string, payload interface{}) bool {
	return s.cluster.SendToConnection(connID, payload)
}

// SendToUser delivers a payload to every connection of userID in the
// cluster. Returns the number of attempted deliveries.
func (s *MessagingService) SendToUser(ctx context.Context, userID string, payload interface{}) int {
	return s.cluster.SendToUser(ctx, userID, payload)
}

// IsUserOnline reports whether userID is connected anywhere in the cluster.
func (s *MessagingService) IsUserOnline(ctx context.Context, userID string) bool {
	return s.cluster.IsUserOnline(ctx, userID)
}

// Shutdown stops accepting work, disconnects local connections, flushes this
// instance's presence entries, and closes the components this service
// created. Safe to call more than once.
func (s *MessagingService) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.closeOnce.Do(func() {
		s.mutex.Lock()

		s.started = false

		s.mutex.Unlock()

		if err := s.registry.Close(); err != nil {
			shutdownErr = addError(shutdownErr, err)
		}
		if err := s.cluster.Shutdown(ctx); err != nil {
			shutdownErr = addError(shutdownErr, err)
		}
		if err := s.bus.Close(); err != nil {
			shutdownErr = addError(shutdownErr, err)
		}
		if s.ownsPubSub && s.options.PubSub != nil {
			if err := s.options.PubSub.Close(); err != nil && !isPubSubClosed(err) {
				shutdownErr = addError(shutdownErr, err)
			}
		}
		if s.ownsPresence && s.options.Presence != nil {
			if err := s.options.Presence.Close(); err != nil {
				shutdownErr = addError(shutdownErr, err)
			}
		}
		s.cancel()

		s.logger.Info().Msg("messaging service shut down")
	})

	return shutdownErr
}

func stringSlice(value interface{}) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []interface{}:
		result := make([]string, 0, len(v))

		for _, item := range v {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
		return result
	default:
		return nil
	}
}

func isShutdownError(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == StatusServiceUnavailable
	}
	return false
}
