package courier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func mockWebSocketServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)

		if err != nil {
			t.Fatalf("Failed to upgrade connection: %v", err)
		}
		defer conn.Close()

		handler(conn)
	}))
}

func createClientConn(t *testing.T, serverURL string) *websocket.Conn {
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)

	if err != nil {
		t.Fatalf("Failed to dial WebSocket: %v", err)
	}
	return conn
}

func TestNewConn(t *testing.T) {
	t.Run("creates connection successfully", func(t *testing.T) {
		server := mockWebSocketServer(t, func(serverConn *websocket.Conn) {
			time.Sleep(100 * time.Millisecond)
		})

		defer server.Close()

		wsConn := createClientConn(t, server.URL)

		defer wsConn.Close()

		ctx := context.Background()

		opts := DefaultOptions()

		device := DeviceInfo{Platform: "ios", AppVersion: "2.4.0"}
		conn, err := newConn(ctx, wsConn, "user-1", device, "test-id", opts)

		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		defer conn.Close()

		if conn.ID != "test-id" {
			t.Errorf("expected ID test-id, got %s", conn.ID)
		}
		if conn.UserID() != "user-1" {
			t.Errorf("expected user-1, got %s", conn.UserID())
		}
		if conn.Device().Platform != "ios" {
			t.Errorf("expected platform ios, got %s", conn.Device().Platform)
		}
		if conn.ConnectedAt().IsZero() {
			t.Error("expected connected timestamp to be set")
		}
	})

	t.Run("starts out active", func(t *testing.T) {
		server := mockWebSocketServer(t, func(serverConn *websocket.Conn) {
			time.Sleep(100 * time.Millisecond)
		})

		defer server.Close()

		wsConn := createClientConn(t, server.URL)

		defer wsConn.Close()

		ctx := context.Background()

		opts := DefaultOptions()

		conn, err := newConn(ctx, wsConn, "user-1", DeviceInfo{}, "test-id", opts)

		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		defer conn.Close()

		if !conn.IsActive() {
			t.Error("expected connection to be active")
		}
	})
}

func TestConnSendJSON(t *testing.T) {
	t.Run("sends one JSON envelope per message", func(t *testing.T) {
		receivedChan := make(chan []byte, 4)

		server := mockWebSocketServer(t, func(serverConn *websocket.Conn) {
			for {
				_, msg, err := serverConn.ReadMessage()

				if err != nil {
					return
				}
				receivedChan <- msg
			}
		})

		defer server.Close()

		wsConn := createClientConn(t, server.URL)

		defer wsConn.Close()

		ctx := context.Background()

		opts := DefaultOptions()

		conn, _ := newConn(ctx, wsConn, "user-1", DeviceInfo{}, "test-id", opts)

		defer conn.Close()

		for i := 0; i < 2; i++ {
			frame := newServerFrame(responseAction, map[string]interface{}{
				"type": "new_message",
				"seq":  i,
			})
			if err := conn.SendJSON(frame); err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		}
		for i := 0; i < 2; i++ {
			select {
			case msg := <-receivedChan:
				var received ServerFrame
				if err := json.Unmarshal(msg, &received); err != nil {
					t.Fatalf("each message should be a standalone envelope: %v", err)
				}
				if received.Action != responseAction {
					t.Errorf("expected response action, got %s", string(received.Action))
				}
			case <-time.After(1 * time.Second):
				t.Fatal("timeout waiting for message")
			}
		}
	})

	t.Run("returns error when connection is closing", func(t *testing.T) {
		server := mockWebSocketServer(t, func(serverConn *websocket.Conn) {
			time.Sleep(10 * time.Millisecond)
		})

		defer server.Close()

		wsConn := createClientConn(t, server.URL)

		defer wsConn.Close()

		ctx := context.Background()

		opts := DefaultOptions()

		conn, _ := newConn(ctx, wsConn, "user-1", DeviceInfo{}, "test-id", opts)

		conn.Close()

		err := conn.SendJSON(newServerFrame(responseAction, nil))

		if err == nil {
			t.Error("expected error when sending to closed connection")
		}
	})

	t.Run("times out when the send queue is full", func(t *testing.T) {
		opts := DefaultOptions()

		opts.WriteWait = 50 * time.Millisecond
		c := &Conn{
			ID:            "test-id",
			userID:        "user-1",
			send:          make(chan []byte),
			receive:       make(chan []byte, 1),
			ctx:           context.Background(),
			closeChan:     make(chan struct{}),
			closeHandlers: newArray[func(Transport) error](),
			options:       opts,
		}

		err := c.SendJSON(newServerFrame(responseAction, nil))

		if err == nil {
			t.Error("expected timeout error when no writer drains the queue")
		}
	})
}

func TestConnHandleFrames(t *testing.T) {
	t.Run("dispatches inbound frames to the handler", func(t *testing.T) {
		frameReceived := make(chan Frame, 1)

		server := mockWebSocketServer(t, func(serverConn *websocket.Conn) {
			frame := map[string]interface{}{
				"action": "message",
				"data": map[string]interface{}{
					"conversation_id": "conv-1",
					"content":         "hello",
					"type":            "text",
				},
			}
			data, _ := json.Marshal(frame)

			serverConn.WriteMessage(websocket.TextMessage, data)

			time.Sleep(100 * time.Millisecond)
		})

		defer server.Close()

		wsConn := createClientConn(t, server.URL)

		defer wsConn.Close()

		ctx := context.Background()

		opts := DefaultOptions()

		testConn, _ := newConn(ctx, wsConn, "user-1", DeviceInfo{}, "test-id", opts)

		defer testConn.Close()

		testConn.OnFrame(func(frame Frame, c Transport) error {
			frameReceived <- frame
			return nil
		})

		testConn.HandleFrames()

		select {
		case frame := <-frameReceived:
			if frame.Action != messageAction {
				t.Errorf("expected message action, got %s", string(frame.Action))
			}
			var payload messagePayload
			if err := json.Unmarshal(frame.Data, &payload); err != nil {
				t.Fatalf("failed to decode payload: %v", err)
			}
			if payload.Content != "hello" {
				t.Errorf("expected content 'hello', got %s", payload.Content)
			}
		case <-time.After(1 * time.Second):
			t.Error("timeout waiting for frame handler to be called")
		}
	})

	t.Run("answers malformed frames with an error frame", func(t *testing.T) {
		errorReceived := make(chan []byte, 1)

		server := mockWebSocketServer(t, func(serverConn *websocket.Conn) {
			serverConn.WriteMessage(websocket.TextMessage, []byte("not json"))

			_, msg, err := serverConn.ReadMessage()

			if err == nil {
				errorReceived <- msg
			}
		})

		defer server.Close()

		wsConn := createClientConn(t, server.URL)

		defer wsConn.Close()

		ctx := context.Background()

		opts := DefaultOptions()

		testConn, _ := newConn(ctx, wsConn, "user-1", DeviceInfo{}, "test-id", opts)

		defer testConn.Close()

		testConn.OnFrame(func(frame Frame, c Transport) error {
			t.Error("handler should not run for malformed frames")

			return nil
		})

		testConn.HandleFrames()

		select {
		case msg := <-errorReceived:
			var frame ServerFrame
			if err := json.Unmarshal(msg, &frame); err != nil {
				t.Fatalf("failed to decode error frame: %v", err)
			}
			if frame.Action != errorAction {
				t.Errorf("expected error action, got %s", string(frame.Action))
			}
		case <-time.After(1 * time.Second):
			t.Error("timeout waiting for error frame")
		}
	})

	t.Run("answers frames without an action with an error frame", func(t *testing.T) {
		errorReceived := make(chan []byte, 1)

		server := mockWebSocketServer(t, func(serverConn *websocket.Conn) {
			serverConn.WriteMessage(websocket.TextMessage, []byte(`{"data":{"content":"hi"}}`))

			_, msg, err := serverConn.ReadMessage()

			if err == nil {
				errorReceived <- msg
			}
		})

		defer server.Close()

		wsConn := createClientConn(t, server.URL)

		defer wsConn.Close()

		ctx := context.Background()

		opts := DefaultOptions()

		testConn, _ := newConn(ctx, wsConn, "user-1", DeviceInfo{}, "test-id", opts)

		defer testConn.Close()

		testConn.OnFrame(func(frame Frame, c Transport) error {
			return nil
		})

		testConn.HandleFrames()

		select {
		case msg := <-errorReceived:
			if !strings.Contains(string(msg), "error") {
				t.Errorf("expected error frame, got %s", string(msg))
			}
		case <-time.After(1 * time.Second):
			t.Error("timeout waiting for error frame")
		}
	})

	t.Run("handler error is reported back to the client", func(t *testing.T) {
		errorReceived := make(chan []byte, 1)

		server := mockWebSocketServer(t, func(serverConn *websocket.Conn) {
			frame := map[string]interface{}{"action": "message", "data": map[string]interface{}{}}
			data, _ := json.Marshal(frame)

			serverConn.WriteMessage(websocket.TextMessage, data)

			_, msg, err := serverConn.ReadMessage()

			if err == nil {
				errorReceived <- msg
			}
		})

		defer server.Close()

		wsConn := createClientConn(t, server.URL)

		defer wsConn.Close()

		ctx := context.Background()

		opts := DefaultOptions()

		testConn, _ := newConn(ctx, wsConn, "user-1", DeviceInfo{}, "test-id", opts)

		defer testConn.Close()

		testConn.OnFrame(func(frame Frame, c Transport) error {
			return badRequest(string(protocolEntity), "message content must not be empty")
		})

		testConn.HandleFrames()

		select {
		case msg := <-errorReceived:
			var decoded struct {
				Action string `json:"action"`
				Data   struct {
					Status  int    `json:"status"`
					Message string `json:"message"`
				} `json:"data"`
			}
			if err := json.Unmarshal(msg, &decoded); err != nil {
				t.Fatalf("failed to decode error frame: %v", err)
			}
			if decoded.Action != "error" {
				t.Errorf("expected error action, got %s", decoded.Action)
			}
			if decoded.Data.Status != StatusBadRequest {
				t.Errorf("expected status %d, got %d", StatusBadRequest, decoded.Data.Status)
			}
		case <-time.After(1 * time.Second):
			t.Error("timeout waiting for error frame")
		}
	})
}

func TestConnBinaryMessages(t *testing.T) {
	t.Run("rejects binary messages with an error frame", func(t *testing.T) {
		errorReceived := make(chan []byte, 1)

		server := mockWebSocketServer(t, func(serverConn *websocket.Conn) {
			serverConn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02})

			_, msg, err := serverConn.ReadMessage()

			if err == nil {
				errorReceived <- msg
			}
			time.Sleep(500 * time.Millisecond)
		})

		defer server.Close()

		wsConn := createClientConn(t, server.URL)

		defer wsConn.Close()

		ctx := context.Background()

		opts := DefaultOptions()

		testConn, _ := newConn(ctx, wsConn, "user-1", DeviceInfo{}, "test-id", opts)

		defer testConn.Close()

		select {
		case msg := <-errorReceived:
			var frame ServerFrame
			if err := json.Unmarshal(msg, &frame); err != nil {
				t.Fatalf("failed to decode error frame: %v", err)
			}
			if frame.Action != errorAction {
				t.Errorf("expected error action, got %s", string(frame.Action))
			}
		case <-time.After(1 * time.Second):
			t.Error("timeout waiting for error frame")
		}
		if !testConn.IsActive() {
			t.Error("expected connection to survive a binary message")
		}
	})
}

func TestConnOnClose(t *testing.T) {
	closeCalled := make(chan bool, 1)

	server := mockWebSocketServer(t, func(serverConn *websocket.Conn) {
		time.Sleep(50 * time.Millisecond)
	})

	defer server.Close()

	wsConn := createClientConn(t, server.URL)

	defer wsConn.Close()

	ctx := context.Background()

	opts := DefaultOptions()

	testConn, _ := newConn(ctx, wsConn, "user-1", DeviceInfo{}, "test-id", opts)

	testConn.OnClose(func(c Transport) error {
		closeCalled <- true
		return nil
	})

	testConn.Close()

	select {
	case <-closeCalled:
	case <-time.After(1 * time.Second):
		t.Error("timeout waiting for close handler to be called")
	}
}

func TestConnHeartbeat(t *testing.T) {
	t.Run("heartbeat advances the liveness timestamp", func(t *testing.T) {
		conn := createTestConn("user-1", "conn-1")

		before := conn.LastHeartbeat()

		time.Sleep(5 * time.Millisecond)

		conn.Heartbeat()

		if !conn.LastHeartbeat().After(before) {
			t.Error("expected heartbeat to advance the timestamp")
		}
	})

	t.Run("concurrent heartbeat access is safe", func(t *testing.T) {
		conn := createTestConn("user-1", "conn-1")

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)

			go func() {
				defer wg.Done()

				conn.Heartbeat()
			}()
		}
		for i := 0; i < 10; i++ {
			wg.Add(1)

			go func() {
				defer wg.Done()

				_ = conn.LastHeartbeat()

				_ = conn.IsActive()
			}()
		}
		wg.Wait()
	})
}

func TestConnReadPump(t *testing.T) {
	t.Run("closes on read error", func(t *testing.T) {
		server := mockWebSocketServer(t, func(serverConn *websocket.Conn) {
			serverConn.Close()
		})

		defer server.Close()

		wsConn := createClientConn(t, server.URL)

		defer wsConn.Close()

		ctx := context.Background()

		opts := DefaultOptions()

		opts.PongWait = 100 * time.Millisecond
		conn, _ := newConn(ctx, wsConn, "user-1", DeviceInfo{}, "test-id", opts)

		time.Sleep(200 * time.Millisecond)

		if conn.IsActive() {
			t.Error("expected connection to be inactive after read error")
		}
	})

	t.Run("closes when the receive queue stays full", func(t *testing.T) {
		server := mockWebSocketServer(t, func(serverConn *websocket.Conn) {
			for i := 0; i < 100; i++ {
				frame := map[string]interface{}{
					"action": "typing",
					"data":   map[string]interface{}{"conversation_id": "conv-1", "is_typing": true},
				}
				data, _ := json.Marshal(frame)

				serverConn.WriteMessage(websocket.TextMessage, data)

				time.Sleep(1 * time.Millisecond)
			}
		})

		defer server.Close()

		wsConn := createClientConn(t, server.URL)

		defer wsConn.Close()

		ctx := context.Background()

		opts := DefaultOptions()

		opts.ReceiveChannelBuffer = 1
		opts.WriteWait = 50 * time.Millisecond
		conn, _ := newConn(ctx, wsConn, "user-1", DeviceInfo{}, "test-id", opts)

		defer conn.Close()

		time.Sleep(200 * time.Millisecond)

		if conn.IsActive() {
			t.Error("expected connection to close when frames are not drained")
		}
	})
}

func TestConnWritePump(t *testing.T) {
	t.Run("sends ping messages", func(t *testing.T) {
		pingReceived := make(chan bool, 1)

		server := mockWebSocketServer(t, func(serverConn *websocket.Conn) {
			serverConn.SetPingHandler(func(data string) error {
				select {
				case pingReceived <- true:
				default:
				}
				return serverConn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
			})

			for {
				_, _, err := serverConn.ReadMessage()

				if err != nil {
					return
				}
			}
		})

		defer server.Close()

		wsConn := createClientConn(t, server.URL)

		defer wsConn.Close()

		ctx := context.Background()

		opts := DefaultOptions()

		opts.HeartbeatInterval = 50 * time.Millisecond
		conn, _ := newConn(ctx, wsConn, "user-1", DeviceInfo{}, "test-id", opts)

		defer conn.Close()

		select {
		case <-pingReceived:
		case <-time.After(1 * time.Second):
			t.Error("timeout waiting for ping")
		}
	})
}

func TestConnConcurrentSends(t *testing.T) {
	received := make(chan string, 32)

	server := mockWebSocketServer(t, func(serverConn *websocket.Conn) {
		for {
			_, msg, err := serverConn.ReadMessage()

			if err != nil {
				return
			}
			received <- string(msg)
		}
	})

	defer server.Close()

	wsConn := createClientConn(t, server.URL)

	defer wsConn.Close()

	ctx := context.Background()

	opts := DefaultOptions()

	conn, _ := newConn(ctx, wsConn, "user-1", DeviceInfo{}, "test-id", opts)

	defer conn.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func(n int) {
			defer wg.Done()

			frame := newServerFrame(responseAction, map[string]interface{}{"seq": fmt.Sprintf("seq-%d", n)})

			if err := conn.SendJSON(frame); err != nil {
				t.Errorf("unexpected send error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		select {
		case <-received:
		case <-time.After(1 * time.Second):
			t.Fatalf("timeout waiting for message %d", i)
		}
	}
}
