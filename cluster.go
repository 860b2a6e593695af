// This file contains the ClusterRegistry which makes "is user online" and
// "deliver to user" work across server instances. It wraps the local Registry
// with a shared PresenceStore and a PubSub broker: every connect and
// disconnect publishes a presence delta, and deliveries for users on other
// instances are published to those instances' dedicated topics rather than
// broadcast to the whole cluster. Coordination failures degrade to local-only
// operation; an instance always serves its own connected users.
package courier

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type deliveryEnvelope struct {
	UserID  string          `json:"user_id"`
	Payload json.RawMessage `json:"payload"`
	Origin  string          `json:"origin"`
}

// ClusterRegistry coordinates connection state across instances. All local
// bookkeeping is delegated to the wrapped Registry; the cluster layer only
// adds the shared presence view and cross-instance routing.
type ClusterRegistry struct {
	registry   *Registry
	pubsub     PubSub
	presence   PresenceStore
	instanceID string
	options    *Options
	logger     zerolog.Logger
	ctx        context.Context
	mutex      sync.RWMutex
	started    bool
	closeOnce  sync.Once
}

// NewClusterRegistry wraps registry with the coordination backends from opts.
// With no PubSub or PresenceStore configured it degrades to a single-node
// wrapper around the local registry. The returned ClusterRegistry observes
// registry removals and retracts presence exactly once per removed
// connection, whatever the removal reason.
func NewClusterRegistry(ctx context.Context, registry *Registry, opts *Options) *ClusterRegistry {
	if opts == nil {
		opts = DefaultOptions()
	}
	instanceID := opts.InstanceID

	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	c := &ClusterRegistry{
		registry:   registry,
		pubsub:     opts.PubSub,
		presence:   opts.Presence,
		instanceID: instanceID,
		options:    opts,
		logger:     opts.Logger,
		ctx:        ctx,
	}
	registry.OnRemoval(func(t Transport, reason DisconnectReason) {
		c.untrackPresence(t, reason)
	})

	return c
}

// InstanceID returns the id this instance publishes presence under and the
// suffix of the delivery topic it subscribes to.
func (c *ClusterRegistry) InstanceID() string {
	return c.instanceID
}

// Registry returns the wrapped local registry.
func (c *ClusterRegistry) Registry() *Registry {
	return c.registry
}

// Start subscribes this instance to its own delivery topic and launches the
// presence refresh loop. It must complete before any connection is accepted,
// otherwise deliveries routed here by peers would be lost.
func (c *ClusterRegistry) Start() error {
	c.mutex.Lock()

	defer c.mutex.Unlock()

	if c.started {
		return conflict(string(clusterEntity), "cluster registry already started")
	}
	if c.pubsub != nil {
		topic := formatInstanceTopic(c.instanceID)

		if err := c.pubsub.Subscribe(topic, c.onInstanceMessage); err != nil {
			return wrapF(err, "failed to subscribe to instance topic %s", topic)
		}
		c.logger.Info().
			Str("instance_id", c.instanceID).
			Str("topic", topic).
			Msg("subscribed to instance delivery topic")
	}
	if c.presence != nil {
		go c.refreshLoop()
	}
	c.started = true

	return nil
}

func (c *ClusterRegistry) isStarted() bool {
	c.mutex.RLock()

	defer c.mutex.RUnlock()

	return c.started
}

func (c *ClusterRegistry) storeContext() (context.Context, context.CancelFunc) {
	timeout := c.options.StoreTimeout

	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(c.ctx, timeout)
}

// Connect registers the transport locally and publishes a presence delta so
// peers can route deliveries for its user here. A presence write failure is
// soft: the connection stays registered and the failure is logged, because
// presence is advisory while the local registry is authoritative.
func (c *ClusterRegistry) Connect(t Transport) (string, error) {
	if !c.isStarted() {
		return "", unavailable(string(clusterEntity), "cluster registry not started")
	}
	connID, err := c.registry.Connect(t)

	if err != nil {
		return "", err
	}
	if c.presence != nil {
		ctx, cancel := c.storeContext()

		defer cancel()

		entry := PresenceEntry{
			UserID:       t.UserID(),
			InstanceID:   c.instanceID,
			ConnectionID: connID,
		}
		if trackErr := c.presence.Track(ctx, entry); trackErr != nil {
			c.logger.Warn().
				Err(trackErr).
				Str("connection_id", connID).
				Str("user_id", t.UserID()).
				Msg("presence track failed, continuing with local state only")

			c.options.Hooks.metrics().Error(string(clusterEntity), trackErr)
		}
	}
	return connID, nil
}

// Disconnect removes the connection locally. The presence retraction happens
// through the registry removal observer, so it also covers evictions the
// caller never requested. Idempotent.
func (c *ClusterRegistry) Disconnect(connID string) bool {
	return c.registry.Disconnect(connID)
}

func (c *ClusterRegistry) untrackPresence(t Transport, reason DisconnectReason) {
	if c.presence == nil {
		return
	}
	ctx, cancel := c.storeContext()

	defer cancel()

	entry := PresenceEntry{
		UserID:       t.UserID(),
		InstanceID:   c.instanceID,
		ConnectionID: t.GetID(),
	}
	if err := c.presence.Untrack(ctx, entry); err != nil {
		c.logger.Warn().
			Err(err).
			Str("connection_id", t.GetID()).
			Str("reason", string(reason)).
			Msg("presence untrack failed, entry will expire with its TTL")

		c.options.Hooks.metrics().Error(string(clusterEntity), err)
	}
}

// IsUserOnline reports whether userID has a connection anywhere in the
// cluster. The local registry is checked first; the shared presence view is
// only consulted for users with no local connection. A store failure degrades
// to the local answer.
func (c *ClusterRegistry) IsUserOnline(ctx context.Context, userID string) bool {
	if c.registry.IsUserOnline(userID) {
		return true
	}
	if c.presence == nil {
		return false
	}
	lookupCtx, cancel := c.storeContext()

	defer cancel()

	entries, err := c.presence.Lookup(lookupCtx, userID)

	if err != nil {
		c.logger.Warn().
			Err(err).
			Str("user_id", userID).
			Msg("presence lookup failed, answering from local state")

		c.options.Hooks.metrics().Error(string(clusterEntity), err)

		return false
	}
	for _, entry := range entries {
		if entry.InstanceID != c.instanceID {
			return true
		}
	}
	return false
}

// ListUserConnections returns local connection snapshots for userID.
func (c *ClusterRegistry) ListUserConnections(userID string) []ConnectionInfo {
	return c.registry.ListUserConnections(userID)
}

// SendToConnection delivers payload to a local connection.
func (c *ClusterRegistry) SendToConnection(connID string, payload interface{}) bool {
	return c.registry.SendToConnection(connID, payload)
}

// SendToUser delivers payload to every connection of userID in the cluster:
// local connections directly through the registry, and one publish per other
// instance listed in the presence view, so delivery cost is proportional to
// the number of instances actually holding the user's connections.
// Returns the number of attempted deliveries (local sends plus remote
// presence entries). Coordination failures reduce the count to local-only.
func (c *ClusterRegistry) SendToUser(ctx context.Context, userID string, payload interface{}) int {
	attempted := c.registry.SendToUser(userID, payload)

	if c.presence == nil || c.pubsub == nil {
		return attempted
	}
	lookupCtx, cancel := c.storeContext()

	defer cancel()

	entries, err := c.presence.Lookup(lookupCtx, userID)

	if err != nil {
		c.logger.Warn().
			Err(err).
			Str("user_id", userID).
			Msg("presence lookup failed, delivered to local connections only")

		c.options.Hooks.metrics().Error(string(clusterEntity), err)

		return attempted
	}
	remoteInstances := make(map[string]int)

	for _, entry := range entries {
		if entry.InstanceID == c.instanceID {
			continue
		}
		remoteInstances[entry.InstanceID]++
	}
	if len(remoteInstances) == 0 {
		return attempted
	}
	raw, err := json.Marshal(payload)

	if err != nil {
		c.logger.Error().
			Err(err).
			Str("user_id", userID).
			Msg("failed to marshal payload for cross-instance delivery")

		return attempted
	}
	envelope, err := json.Marshal(deliveryEnvelope{
		UserID:  userID,
		Payload: raw,
		Origin:  c.instanceID,
	})

	if err != nil {
		return attempted
	}
	for instanceID, connCount := range remoteInstances {
		if publishErr := c.pubsub.Publish(formatInstanceTopic(instanceID), envelope); publishErr != nil {
			c.logger.Warn().
				Err(publishErr).
				Str("user_id", userID).
				Str("target_instance", instanceID).
				Msg("cross-instance publish failed")

			c.options.Hooks.metrics().Error(string(clusterEntity), publishErr)

			continue
		}
		attempted += connCount
	}
	return attempted
}

func (c *ClusterRegistry) onInstanceMessage(topic string, data []byte) {
	var envelope deliveryEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logger.Warn().
			Err(err).
			Str("topic", topic).
			Msg("dropping malformed delivery envelope")

		return
	}
	if envelope.UserID == "" {
		return
	}
	delivered := c.registry.SendToUser(envelope.UserID, envelope.Payload)

	c.logger.Debug().
		Str("user_id", envelope.UserID).
		Str("origin", envelope.Origin).
		Int("delivered", delivered).
		Msg("re-delivered cross-instance payload locally")
}

func (c *ClusterRegistry) refreshLoop() {
	interval := c.options.HeartbeatInterval

	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)

	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := c.storeContext()

			if err := c.presence.RefreshOwned(ctx, c.instanceID); err != nil {
				c.logger.Warn().
					Err(err).
					Str("instance_id", c.instanceID).
					Msg("presence refresh failed, entries may expire early")

				c.options.Hooks.metrics().Error(string(clusterEntity), err)
			}
			cancel()
		case <-c.ctx.Done():
			return
		}
	}
}

// Shutdown flushes this instance's presence entries and unsubscribes from the
// delivery topic so peers stop routing here immediately instead of waiting a
// TTL window. Local connections are left to the registry's own Close.
// Shutdown is idempotent.
func (c *ClusterRegistry) Shutdown(ctx context.Context) error {
	var shutdownErr error
	c.closeOnce.Do(func() {
		if c.pubsub != nil {
			topic := formatInstanceTopic(c.instanceID)

			if err := c.pubsub.Unsubscribe(topic); err != nil && !isPubSubClosed(err) {
				shutdownErr = addError(shutdownErr, wrapF(err, "failed to unsubscribe from %s", topic))
			}
		}
		if c.presence != nil {
			flushCtx := ctx

			if flushCtx == nil {
				flushCtx = c.ctx
			}
			if err := c.presence.FlushOwned(flushCtx, c.instanceID); err != nil {
				shutdownErr = addError(shutdownErr, wrapF(err, "failed to flush presence for instance %s", c.instanceID))
			}
		}
		c.mutex.Lock()

		c.started = false

		c.mutex.Unlock()

		c.logger.Info().
			Str("instance_id", c.instanceID).
			Msg("cluster registry shut down")
	})

	return shutdownErr
}
