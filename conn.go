// This file contains the Conn struct which represents a WebSocket connection to a client.
// It handles the low-level WebSocket communication, including reading and writing frames,
// ping/pong keepalive, graceful shutdown, and connection lifecycle management.
package courier

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type Conn struct {
	ID            string
	userID        string
	device        DeviceInfo
	conn          *websocket.Conn
	send          chan []byte
	receive       chan []byte
	closeChan     chan struct{}
	readDone      chan struct{}
	closeOnce     sync.Once
	mutex         sync.RWMutex
	isClosing     bool
	closeHandlers *array[func(Transport) error]
	handler       *frameHandler
	options       *Options
	ctx           context.Context
	cancel        context.CancelFunc
	connectedAt   time.Time
	lastHeartbeat time.Time
}

func newConn(mCtx context.Context, wsConn *websocket.Conn, userID string, device DeviceInfo, id string, options *Options) (*Conn, error) {
	ctx, cancel := context.WithCancel(mCtx)

	now := time.Now().UTC()

	c := &Conn{
		ID:            id,
		userID:        userID,
		device:        device,
		conn:          wsConn,
		ctx:           ctx,
		cancel:        cancel,
		closeChan:     make(chan struct{}),
		readDone:      make(chan struct{}),
		send:          make(chan []byte, options.SendChannelBuffer),
		receive:       make(chan []byte, options.ReceiveChannelBuffer),
		closeHandlers: newArray[func(Transport) error](),
		options:       options,
		connectedAt:   now,
		lastHeartbeat: now,
	}

	wsConn.SetReadLimit(options.MaxMessageSize)
	if err := wsConn.SetReadDeadline(time.Now().Add(options.PongWait)); err != nil {
		cancel()

		return nil, wrapF(err, "failed to set initial read deadline for connection %s", id)
	}

	wsConn.SetPongHandler(func(string) error {
		c.Heartbeat()

		return wsConn.SetReadDeadline(time.Now().Add(options.PongWait))
	})

	c.conn.SetCloseHandler(func(code int, text string) error {
		c.Close()

		return nil
	})

	go c.readPump()

	go c.writePump()

	return c, nil
}

func (c *Conn) readPump() {
	defer func() {
		close(c.readDone)

		c.close(true)
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			if err := c.conn.SetReadDeadline(time.Now().Add(c.options.PongWait)); err != nil {
				c.reportError("read_deadline", err)

				return
			}
			messageType, message, err := c.conn.ReadMessage()

			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					return
				}

				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					c.reportError("read_pump", err)
				} else if !errors.Is(err, context.Canceled) {
					c.reportError("read_pump", err)
				}

				return
			}

			if messageType != websocket.TextMessage {
				_ = c.SendJSON(errorFrame(badRequest(string(endpointEntity), "Unsupported message type; expected text frame")))

				continue
			}
			select {
			case c.receive <- message:
			case <-c.ctx.Done():
				return
			case <-time.After(c.options.WriteWait):
				c.reportError("read_pump", timeout(string(endpointEntity), "timed out delivering frame to handler"))

				return
			}
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.options.HeartbeatInterval)

	defer func() {
		ticker.Stop()

		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !c.IsActive() {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "connection closed"))

				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})

				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if !c.IsActive() {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		case <-c.closeChan:
			return
		}
	}
}

// HandleFrames starts processing inbound frames for this connection.
// Frames are handled one at a time in arrival order; a later frame is not
// processed until the registered handler returns for the previous one.
func (c *Conn) HandleFrames() {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.Close()
			}
		}()

		for {
			select {
			case message, ok := <-c.receive:
				if !ok {
					return
				}

				var frame Frame
				if err := json.Unmarshal(message, &frame); err != nil {
					_ = c.SendJSON(errorFrame(badRequest(string(protocolEntity), "malformed frame: expected a JSON envelope")))
					continue
				}

				c.mutex.RLock()
				handler := c.handler
				c.mutex.RUnlock()

				if handler == nil {
					_ = c.SendJSON(errorFrame(internal(string(endpointEntity), "no handler registered for connection "+c.ID)))
					continue
				}

				if frame.Action == "" {
					_ = c.SendJSON(errorFrame(badRequest(string(protocolEntity), "frame is missing an action")))
					continue
				}

				c.runHandler(frame, handler)

			case <-c.ctx.Done():
				return
			case <-c.closeChan:
				return
			}
		}
	}()
}

func (c *Conn) runHandler(frame Frame, handler *frameHandler) {
	defer func() {
		if r := recover(); r != nil {
			c.reportError("frame_handler_panic", internal(string(protocolEntity), "frame handler panic recovered"))
		}
	}()

	if err := (*handler)(frame, c); err != nil {
		c.reportError("frame_handler", err)
		if errFrame := errorFrame(err); errFrame != nil {
			_ = c.SendJSON(errFrame)
		}
	}
}

func (c *Conn) SendJSON(v interface{}) (err error) {
	if !c.IsActive() {
		return internal(string(endpointEntity), "Connection with id "+c.ID+" is closing")
	}
	data, err := json.Marshal(v)

	if err != nil {
		return wrapF(err, "failed to marshal JSON for connection %s", c.ID)
	}

	defer func() {
		if r := recover(); r != nil {
			err = internal(string(endpointEntity), "Connection with id "+c.ID+" is closing")
		}
	}()

	select {
	case <-c.closeChan:
		return internal(string(endpointEntity), "Connection with id "+c.ID+" is closing")

	case <-c.ctx.Done():
		return internal(string(endpointEntity), "Connection with id "+c.ID+" is closing due to context cancellation")

	case c.send <- data:
		if frame, ok := v.(*ServerFrame); ok && c.options.Hooks != nil && c.options.Hooks.Metrics != nil {
			c.options.Hooks.Metrics.FrameSent(c.ID, string(frame.Action), len(data))
		}
		return nil
	case <-time.After(c.options.WriteWait):
		go c.Close()

		return internal(string(endpointEntity), "send timeout, connection with id "+c.ID+" is closing")
	}
}

func (c *Conn) OnFrame(handler func(Frame, Transport) error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	wrapped := frameHandler(handler)
	c.handler = &wrapped
}

// OnClose registers a callback to be executed when the connection closes.
// Multiple callbacks can be registered and they will be called in the order
// they were added. Callbacks are executed synchronously during connection cleanup.
func (c *Conn) OnClose(callback func(Transport) error) {
	c.mutex.Lock()

	defer c.mutex.Unlock()

	c.closeHandlers.push(callback)
}

// IsActive returns true if the connection is still active and can send/receive frames.
// Returns false if the connection is closing or has been closed.
// This method is thread-safe and can be called concurrently.
func (c *Conn) IsActive() bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	c.mutex.RLock()

	defer c.mutex.RUnlock()

	return !c.isClosing
}

// Close gracefully shuts down the connection.
// It executes all registered close handlers, cancels the context,
// closes the WebSocket connection, and cleans up all channels.
// This method is idempotent and can be called multiple times safely.
func (c *Conn) Close() {
	c.close(false)
}

func (c *Conn) close(fromReader bool) {
	c.closeOnce.Do(func() {
		c.mutex.Lock()

		c.isClosing = true
		handlersToRun := make([]func(Transport) error, len(c.closeHandlers.items))

		copy(handlersToRun, c.closeHandlers.items)

		c.mutex.Unlock()

		if c.cancel != nil {
			c.cancel()
		}
		close(c.closeChan)

		conn := c.conn

		if !fromReader && conn != nil {
			_ = conn.Close()
		}

		if !fromReader {
			if c.readDone != nil {
				<-c.readDone
			}
		}

		var closeHandlerErrors error
		for _, handler := range handlersToRun {
			if err := handler(c); err != nil {
				closeHandlerErrors = addError(closeHandlerErrors, err)
			}
		}
		if closeHandlerErrors != nil {
			c.reportError("connection_close_handlers", closeHandlerErrors)
		}

		if fromReader && conn != nil {
			_ = conn.Close()
		}

	})
}

func (c *Conn) reportError(component string, err error) {
	if err == nil || c == nil || c.options == nil || c.options.Hooks == nil || c.options.Hooks.Metrics == nil {
		return
	}
	c.options.Hooks.Metrics.Error(component, err)
}

func (c *Conn) GetID() string {
	return c.ID
}

// UserID returns the id of the user that owns this connection.
func (c *Conn) UserID() string {
	return c.userID
}

// Device returns the device metadata captured when the connection was accepted.
func (c *Conn) Device() DeviceInfo {
	return c.device
}

// ConnectedAt returns the time the connection was accepted.
func (c *Conn) ConnectedAt() time.Time {
	return c.connectedAt
}

// LastHeartbeat returns the time of the most recent liveness signal from the
// client, either a WebSocket pong or an application-level ping frame.
func (c *Conn) LastHeartbeat() time.Time {
	c.mutex.RLock()

	defer c.mutex.RUnlock()

	return c.lastHeartbeat
}

// Heartbeat records a liveness signal for this connection. It is called from
// the pong handler and from the protocol layer when a ping frame arrives.
func (c *Conn) Heartbeat() {
	c.mutex.Lock()

	defer c.mutex.Unlock()

	c.lastHeartbeat = time.Now().UTC()
}
