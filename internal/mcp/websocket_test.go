package mcp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newWSServer starts an echo MCP server over websocket. Requests
// without the expected bearer token are rejected before the upgrade.
func newWSServer(t *testing.T, token string) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			msg, err := DecodeMessage(data)
			if err != nil {
				continue
			}
			for _, reply := range echoReply(msg) {
				if err := ws.WriteMessage(websocket.TextMessage, reply); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocket_CallRoundTrip(t *testing.T) {
	url := newWSServer(t, "secret")
	conn, err := OpenWebSocket(context.Background(), WebSocketConfig{URL: url, AuthToken: "secret", Logger: discardLogger()})
	if err != nil {
		t.Fatalf("OpenWebSocket: %v", err)
	}
	corr := NewCorrelator(conn, 2*time.Second, discardLogger())
	defer corr.Close()

	msg, err := corr.Call(context.Background(), MethodToolsCall, ToolCallParams{Name: "ping", Arguments: map[string]any{"n": 1}})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(msg.Result) != `{"echo":{"n":1}}` {
		t.Errorf("result = %s", msg.Result)
	}
}

func TestWebSocket_RejectedUpgradeCarriesStatus(t *testing.T) {
	url := newWSServer(t, "secret")
	_, err := OpenWebSocket(context.Background(), WebSocketConfig{URL: url, AuthToken: "wrong", Logger: discardLogger()})

	var ce *ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("OpenWebSocket = %v, want ConnectionError", err)
	}
	if ce.Status != http.StatusUnauthorized {
		t.Errorf("Status = %d, want 401", ce.Status)
	}
}

func TestWebSocket_CloseUnblocksReceive(t *testing.T) {
	url := newWSServer(t, "")
	conn, err := OpenWebSocket(context.Background(), WebSocketConfig{URL: url, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("OpenWebSocket: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := conn.Receive(context.Background())
		done <- err
	}()
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	conn.Close()

	select {
	case err := <-done:
		if !IsConnectionError(err) {
			t.Errorf("Receive = %v, want ConnectionError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not unblock Receive")
	}
	if err := conn.Send(context.Background(), []byte(`{}`)); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
}

func TestClient_OverWebSocketWithHandshake(t *testing.T) {
	url := newWSServer(t, "")
	c := NewClient(discardLogger())
	defer c.Close(context.Background())

	err := c.AddServer(ServerConfig{
		Name:                "socket",
		Transport:           TransportWebSocket,
		Endpoint:            url,
		Handshake:           true,
		HealthCheckInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	tools, err := c.ListTools(context.Background(), "socket")
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "ping" {
		t.Errorf("tools = %+v", tools)
	}
	sess, _ := c.Session("socket")
	if sess.Metadata["server_name"] != "mock" {
		t.Errorf("session metadata = %v", sess.Metadata)
	}
}
