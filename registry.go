// This file contains the Registry which tracks live connections for one
// process. Connections are indexed by connection id and by owning user id;
// both tables are guarded by a single lock so registration and removal stay
// atomic with respect to each other. The registry owns the transport handle
// for the lifetime of a connection and is the only component that closes it.
package courier

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DisconnectReason describes why a connection was removed from the registry.
type DisconnectReason string

const (
	// ReasonDisconnect is a clean removal requested by the client or server.
	ReasonDisconnect DisconnectReason = "disconnect"

	// ReasonSendFailure is an eviction after a failed delivery attempt.
	ReasonSendFailure DisconnectReason = "send_failure"

	// ReasonHeartbeatTimeout is an eviction after missed heartbeats.
	ReasonHeartbeatTimeout DisconnectReason = "heartbeat_timeout"
)

// ConnectionInfo is a read-only snapshot of one registered connection.
type ConnectionInfo struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Device        DeviceInfo `json:"device"`
	ConnectedAt   time.Time  `json:"connected_at"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
}

type removalObserver func(transport Transport, reason DisconnectReason)

// Registry is the per-process connection bookkeeper. It never blocks on
// network I/O; sends go through the transport's buffered queue and failures
// evict the dead connection instead of surfacing to the caller.
type Registry struct {
	mutex     sync.RWMutex
	conns     map[string]Transport
	userConns map[string]map[string]struct{}
	observers []removalObserver
	closed    bool
	options   *Options
	logger    zerolog.Logger
	ctx       context.Context
}

// NewRegistry creates a Registry bound to the given context and starts the
// heartbeat sweeper. Connections that miss Options.MissedHeartbeatLimit
// consecutive heartbeat intervals are forcibly disconnected.
func NewRegistry(ctx context.Context, opts *Options) *Registry {
	if opts == nil {
		opts = DefaultOptions()
	}
	r := &Registry{
		conns:     make(map[string]Transport),
		userConns: make(map[string]map[string]struct{}),
		options:   opts,
		logger:    opts.Logger,
		ctx:       ctx,
	}
	go r.sweepLoop()

	return r
}

func (r *Registry) checkState() error {
	select {
	case <-r.ctx.Done():
		return wrap(r.ctx.Err(), "registry context cancelled")

	default:
	}
	r.mutex.RLock()

	defer r.mutex.RUnlock()

	if r.closed {
		return unavailable(string(registryEntity), "registry is closed")
	}
	return nil
}

// Connect registers a transport under its connection id and owning user id.
// Returns the connection id. Fails with a capacity error when the configured
// connection ceiling is reached, and rejects transports without a user id.
func (r *Registry) Connect(t Transport) (string, error) {
	if err := r.checkState(); err != nil {
		return "", err
	}
	if t == nil {
		return "", badRequest(string(registryEntity), "transport must not be nil")
	}
	connID := t.GetID()

	userID := t.UserID()

	if connID == "" || userID == "" {
		return "", badRequest(string(registryEntity), "transport is missing a connection or user id")
	}
	r.mutex.Lock()

	if r.closed {
		r.mutex.Unlock()

		return "", unavailable(string(registryEntity), "registry is closed")
	}
	if r.options.MaxConnections > 0 && len(r.conns) >= r.options.MaxConnections {
		r.mutex.Unlock()

		return "", capacity(string(registryEntity), "connection limit reached")
	}
	if _, exists := r.conns[connID]; exists {
		r.mutex.Unlock()

		return "", conflict(string(registryEntity), "connection id "+connID+" is already registered")
	}
	r.conns[connID] = t

	userSet, exists := r.userConns[userID]
	if !exists {
		userSet = make(map[string]struct{})

		r.userConns[userID] = userSet
	}
	userSet[connID] = struct{}{}

	r.mutex.Unlock()

	t.OnClose(func(closed Transport) error {
		r.remove(closed.GetID(), ReasonDisconnect)

		return nil
	})

	r.options.Hooks.metrics().ConnectionOpened(connID, userID)

	return connID, nil
}

// Disconnect removes a connection from both index tables and closes its
// transport. It is idempotent: disconnecting an unknown id is a no-op.
// Returns true if the connection was present and has been removed.
func (r *Registry) Disconnect(connID string) bool {
	return r.remove(connID, ReasonDisconnect)
}

func (r *Registry) remove(connID string, reason DisconnectReason) bool {
	r.mutex.Lock()

	t, exists := r.conns[connID]
	if !exists {
		r.mutex.Unlock()

		return false
	}
	delete(r.conns, connID)

	userID := t.UserID()

	if userSet, ok := r.userConns[userID]; ok {
		delete(userSet, connID)

		if len(userSet) == 0 {
			delete(r.userConns, userID)
		}
	}
	observers := make([]removalObserver, len(r.observers))

	copy(observers, r.observers)

	r.mutex.Unlock()

	t.Close()

	for _, observer := range observers {
		observer(t, reason)
	}
	r.options.Hooks.metrics().ConnectionClosed(connID, time.Since(t.ConnectedAt()))

	return true
}

// SendToConnection delivers payload to one connection. Returns true when the
// payload was accepted by the transport. On failure the connection is evicted
// so dead sockets cannot accumulate; the caller only observes false.
func (r *Registry) SendToConnection(connID string, payload interface{}) bool {
	r.mutex.RLock()

	t, exists := r.conns[connID]

	r.mutex.RUnlock()

	if !exists {
		return false
	}
	if err := t.SendJSON(payload); err != nil {
		r.logger.Warn().
			Err(err).
			Str("connection_id", connID).
			Str("user_id", t.UserID()).
			Msg("send failed, evicting connection")

		r.options.Hooks.metrics().ConnectionError(connID, err)

		r.remove(connID, ReasonSendFailure)

		return false
	}
	return true
}

// SendToUser fans payload out to every local connection of userID.
// Deliveries run concurrently and failed connections are evicted.
// Returns the number of successful deliveries.
func (r *Registry) SendToUser(userID string, payload interface{}) int {
	connIDs := r.userConnIDs(userID)

	if len(connIDs) == 0 {
		return 0
	}

	var wg sync.WaitGroup
	var countMutex sync.Mutex
	sent := 0

	for _, connID := range connIDs {
		wg.Add(1)

		go func(id string) {
			defer wg.Done()

			if r.SendToConnection(id, payload) {
				countMutex.Lock()

				sent++

				countMutex.Unlock()
			}
		}(connID)
	}
	wg.Wait()

	return sent
}

func (r *Registry) userConnIDs(userID string) []string {
	r.mutex.RLock()

	defer r.mutex.RUnlock()

	userSet, exists := r.userConns[userID]
	if !exists {
		return nil
	}
	connIDs := make([]string, 0, len(userSet))

	for connID := range userSet {
		connIDs = append(connIDs, connID)
	}
	return connIDs
}

// ListUserConnections returns snapshots of every local connection owned by
// userID. The result reflects local state only.
func (r *Registry) ListUserConnections(userID string) []ConnectionInfo {
	r.mutex.RLock()

	defer r.mutex.RUnlock()

	userSet, exists := r.userConns[userID]
	if !exists {
		return nil
	}
	infos := make([]ConnectionInfo, 0, len(userSet))

	for connID := range userSet {
		t, ok := r.conns[connID]
		if !ok {
			continue
		}
		infos = append(infos, ConnectionInfo{
			ID:            connID,
			UserID:        userID,
			Device:        t.Device(),
			ConnectedAt:   t.ConnectedAt(),
			LastHeartbeat: t.LastHeartbeat(),
		})
	}
	return infos
}

// IsUserOnline reports whether userID has at least one local connection.
func (r *Registry) IsUserOnline(userID string) bool {
	r.mutex.RLock()

	defer r.mutex.RUnlock()

	userSet, exists := r.userConns[userID]

	return exists && len(userSet) > 0
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mutex.RLock()

	defer r.mutex.RUnlock()

	return len(r.conns)
}

// OnRemoval registers an observer invoked after a connection has been removed
// from the index tables, with the reason for removal. The distributed layer
// uses this to retract presence exactly once per connection.
func (r *Registry) OnRemoval(observer func(transport Transport, reason DisconnectReason)) {
	r.mutex.Lock()

	defer r.mutex.Unlock()

	r.observers = append(r.observers, observer)
}

func (r *Registry) sweepLoop() {
	interval := r.options.HeartbeatInterval

	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)

	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Registry) sweep() {
	limit := r.options.MissedHeartbeatLimit

	if limit <= 0 {
		return
	}
	cutoff := time.Duration(limit) * r.options.HeartbeatInterval

	r.mutex.RLock()

	stale := make([]string, 0)

	for connID, t := range r.conns {
		if time.Since(t.LastHeartbeat()) > cutoff {
			stale = append(stale, connID)
		}
	}
	r.mutex.RUnlock()

	for _, connID := range stale {
		r.logger.Warn().
			Str("connection_id", connID).
			Msg("heartbeat timeout, evicting connection")

		r.remove(connID, ReasonHeartbeatTimeout)
	}
}

// Close disconnects every registered connection and marks the registry
// closed. Further Connect calls fail with an unavailable error.
func (r *Registry) Close() error {
	r.mutex.Lock()

	if r.closed {
		r.mutex.Unlock()

		return nil
	}
	r.closed = true

	connIDs := make([]string, 0, len(r.conns))

	for connID := range r.conns {
		connIDs = append(connIDs, connID)
	}
	r.mutex.Unlock()

	for _, connID := range connIDs {
		r.remove(connID, ReasonDisconnect)
	}
	return nil
}
