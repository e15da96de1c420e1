package testutil

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

	"github.com/coder/websocket"
)

// WSConn is a single accepted websocket connection on the mock EventSub
// server. Tests push messages through it to drive the client.
type WSConn struct {
	conn *websocket.Conn
}

// SendJSON writes one JSON message to the client.
func (c *WSConn) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// SendWelcome writes a session_welcome message carrying the given session
// id and keepalive interval.
func (c *WSConn) SendWelcome(sessionID string, keepaliveSeconds int) error {
	return c.SendJSON(map[string]interface{}{
		"metadata": map[string]interface{}{
			"message_id":        "welcome-" + sessionID,
			"message_type":      "session_welcome",
			"message_timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		},
		"payload": map[string]interface{}{
			"session": map[string]interface{}{
				"id":                        sessionID,
				"status":                    "connected",
				"keepalive_timeout_seconds": keepaliveSeconds,
			},
		},
	})
}

// SendKeepalive writes a session_keepalive message.
func (c *WSConn) SendKeepalive() error {
	return c.SendJSON(map[string]interface{}{
		"metadata": map[string]interface{}{
			"message_id":        fmt.Sprintf("keepalive-%d", time.Now().UnixNano()),
			"message_type":      "session_keepalive",
			"message_timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		},
		"payload": map[string]interface{}{},
	})
}

// SendNotification writes a notification message for the given topic.
func (c *WSConn) SendNotification(subType string, condition map[string]string, event map[string]interface{}) error {
	return c.SendJSON(map[string]interface{}{
		"metadata": map[string]interface{}{
			"message_id":        fmt.Sprintf("notif-%d", time.Now().UnixNano()),
			"message_type":      "notification",
			"message_timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"subscription_type": subType,
		},
		"payload": map[string]interface{}{
			"subscription": map[string]interface{}{
				"id":        "sub-1",
				"type":      subType,
				"status":    "enabled",
				"condition": condition,
			},
			"event": event,
		},
	})
}

// SendReconnect writes a session_reconnect message pointing at reconnectURL.
func (c *WSConn) SendReconnect(sessionID, reconnectURL string) error {
	return c.SendJSON(map[string]interface{}{
		"metadata": map[string]interface{}{
			"message_id":        "reconnect-" + sessionID,
			"message_type":      "session_reconnect",
			"message_timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		},
		"payload": map[string]interface{}{
			"session": map[string]interface{}{
				"id":            sessionID,
				"status":        "reconnecting",
				"reconnect_url": reconnectURL,
			},
		},
	})
}

// SendRevocation writes a revocation message for the given topic.
func (c *WSConn) SendRevocation(subType string, condition map[string]string) error {
	return c.SendJSON(map[string]interface{}{
		"metadata": map[string]interface{}{
			"message_id":        fmt.Sprintf("revoke-%d", time.Now().UnixNano()),
			"message_type":      "revocation",
			"message_timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"subscription_type": subType,
		},
		"payload": map[string]interface{}{
			"subscription": map[string]interface{}{
				"id":        "sub-1",
				"type":      subType,
				"status":    "authorization_revoked",
				"condition": condition,
			},
		},
	})
}

// Close closes the connection with a normal status.
func (c *WSConn) Close() {
	_ = c.conn.Close(websocket.StatusNormalClosure, "") //nolint:errcheck // test cleanup
}

// CloseAbruptly closes the underlying connection without a close frame.
func (c *WSConn) CloseAbruptly() {
	_ = c.conn.CloseNow() //nolint:errcheck // test cleanup
}

// MockEventSubServer accepts websocket connections and hands each one to the
// test through Accepted.
type MockEventSubServer struct {
	*httptest.Server
	Accepted chan *WSConn

	mu    sync.Mutex
	conns []*WSConn
}

// NewMockEventSubServer creates a websocket test server for EventSub
// sessions. URL returns a ws:// address suitable for SessionConfig.Endpoint.
func NewMockEventSubServer(t *testing.T) *MockEventSubServer {
	t.Helper()
	m := &MockEventSubServer{
		Accepted: make(chan *WSConn, 8),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		wc := &WSConn{conn: conn}
		m.mu.Lock()
		m.conns = append(m.conns, wc)
		m.mu.Unlock()
		m.Accepted <- wc
	}))
	t.Cleanup(func() {
		m.mu.Lock()
		for _, c := range m.conns {
			c.CloseAbruptly()
		}
		m.mu.Unlock()
		m.Close()
	})
	return m
}

// WSURL returns the server address with a ws:// scheme.
func (m *MockEventSubServer) WSURL() string {
	return "ws" + strings.TrimPrefix(m.Server.URL, "http")
}

// WaitConn blocks until the server accepts a connection or the timeout
// elapses.
func (m *MockEventSubServer) WaitConn(t *testing.T, timeout time.Duration) *WSConn {
	t.Helper()
	select {
	case c := <-m.Accepted:
		return c
	case <-time.After(timeout):
		t.Fatal("timed out waiting for websocket connection")
		return nil
	}
}
