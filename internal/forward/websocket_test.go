package forward

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrSnakeDoc/wayfinder/internal/logger"
)

// wsEchoServer upgrades and echoes frames until the client closes.
func wsEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	var echoUpgrader websocket.Upgrader
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := echoUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upstream upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
}

// proxyServer wraps the forwarder into an http server targeting upstream.
func proxyServer(t *testing.T, upstreamHost string, upstreamPort int) *httptest.Server {
	t.Helper()
	f := New(logger.NewNop())
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := f.ForwardWebSocket(w, r, upstreamHost, upstreamPort); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
		}
	}))
}

func TestForwardWebSocketEcho(t *testing.T) {
	upstream := wsEchoServer(t)
	defer upstream.Close()
	host, port := upstreamAddr(t, upstream)

	proxy := proxyServer(t, host, port)
	defer proxy.Close()

	wsURL := "ws" + proxy.URL[len("http"):] + "/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial through proxy: %v", err)
	}
	defer conn.Close()
	defer resp.Body.Close()

	// Text frames round-trip verbatim.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	mt, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if mt != websocket.TextMessage || string(msg) != "hello" {
		t.Errorf("echo = type %d %q", mt, msg)
	}

	// Binary frames stay binary.
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatal(err)
	}
	mt, msg, err = conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if mt != websocket.BinaryMessage || len(msg) != 2 {
		t.Errorf("echo = type %d %v", mt, msg)
	}
}

func TestForwardWebSocketClosePropagation(t *testing.T) {
	// Upstream closes with 1000 right after the handshake.
	var closeUpgrader websocket.Upgrader
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := closeUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
			time.Now().Add(time.Second))
		// Wait for the mirrored close before dropping the socket.
		_, _, _ = conn.ReadMessage()
		conn.Close()
	}))
	defer upstream.Close()
	host, port := upstreamAddr(t, upstream)

	proxy := proxyServer(t, host, port)
	defer proxy.Close()

	wsURL := "ws" + proxy.URL[len("http"):] + "/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	defer resp.Body.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	ce, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if ce.Code != websocket.CloseNormalClosure {
		t.Errorf("close code = %d, want 1000 mirrored", ce.Code)
	}
}

func TestForwardWebSocketDeadUpstream(t *testing.T) {
	f := New(logger.NewNop())
	r := httptest.NewRequest("GET", "http://api.localhost/stream", nil)
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Connection", "Upgrade")
	w := httptest.NewRecorder()

	if err := f.ForwardWebSocket(w, r, "127.0.0.1", 1); err == nil {
		t.Errorf("ForwardWebSocket() to dead upstream should error before upgrading the client")
	}
}

func TestIsWebSocketUpgrade(t *testing.T) {
	r := httptest.NewRequest("GET", "http://api.localhost/stream", nil)
	if IsWebSocketUpgrade(r) {
		t.Errorf("plain request detected as upgrade")
	}
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Connection", "Upgrade")
	if !IsWebSocketUpgrade(r) {
		t.Errorf("upgrade request not detected")
	}
}
