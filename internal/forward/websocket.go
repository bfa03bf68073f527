package forward

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrSnakeDoc/wayfinder/internal/logger"
	"github.com/MrSnakeDoc/wayfinder/internal/utils"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// Local dev proxy: every origin on the loopback is trusted.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Headers the websocket handshake owns; gorilla sets these itself and
// rejects requests that carry them.
var wsHandshakeHeaders = map[string]bool{
	"Upgrade":                  true,
	"Connection":               true,
	"Sec-Websocket-Key":        true,
	"Sec-Websocket-Version":    true,
	"Sec-Websocket-Extensions": true,
	"Sec-Websocket-Protocol":   true,
}

const closeGracePeriod = time.Second

// IsWebSocketUpgrade reports whether r asks for a websocket upgrade.
func IsWebSocketUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// ForwardWebSocket bridges a client upgrade request to ws://host:port.
// The upstream handshake happens first; the client handshake is only
// accepted once the upstream is live, so a dead upstream surfaces as an
// HTTP error, not a half-open socket. An error return means the client
// handshake has not happened and the dispatcher still owns the response.
func (f *Forwarder) ForwardWebSocket(w http.ResponseWriter, r *http.Request, host string, port int) error {
	upstreamURL := url.URL{
		Scheme:   "ws",
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}

	header := http.Header{}
	for name, values := range r.Header {
		canonical := http.CanonicalHeaderKey(name)
		if wsHandshakeHeaders[canonical] || strippedRequestHeaders[canonical] {
			continue
		}
		header[name] = values
	}

	dialer := websocket.Dialer{
		Subprotocols: websocket.Subprotocols(r),
	}
	upstream, resp, err := dialer.DialContext(r.Context(), upstreamURL.String(), header)
	if err != nil {
		if resp != nil {
			utils.DrainAndClose(resp.Body)
		}
		return fmt.Errorf("websocket handshake with %s: %w", upstreamURL.String(), err)
	}
	utils.DrainAndClose(resp.Body)

	responseHeader := http.Header{}
	if proto := upstream.Subprotocol(); proto != "" {
		responseHeader.Set("Sec-WebSocket-Protocol", proto)
	}

	client, err := upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		// Upgrade already answered the client with an error status.
		_ = upstream.Close()
		f.logger.Warn("client websocket handshake failed", logger.Error(err))
		return nil
	}

	f.bridge(client, upstream)
	return nil
}

// bridge pumps frames both ways until either side closes, then tears the
// pair down. Backpressure is per direction: a slow writer blocks reading
// on that direction only.
func (f *Forwarder) bridge(client, upstream *websocket.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		f.pump(client, upstream)
		done <- struct{}{}
	}()
	go func() {
		f.pump(upstream, client)
		done <- struct{}{}
	}()

	<-done
	// Give the peer pump a moment to deliver its close frame.
	select {
	case <-done:
	case <-time.After(closeGracePeriod):
	}
	_ = client.Close()
	_ = upstream.Close()
}

// pump copies frames from src to dst until src fails or closes, then
// mirrors the closure to dst. Abnormal termination maps to 1011.
func (f *Forwarder) pump(src, dst *websocket.Conn) {
	for {
		messageType, payload, err := src.ReadMessage()
		if err != nil {
			_ = dst.WriteControl(websocket.CloseMessage, closeFrameFor(err), time.Now().Add(closeGracePeriod))
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		if err := dst.WriteMessage(messageType, payload); err != nil {
			return
		}
	}
}

// closeFrameFor mirrors a peer's close code and reason where possible.
func closeFrameFor(err error) []byte {
	if ce, ok := err.(*websocket.CloseError); ok {
		switch ce.Code {
		case websocket.CloseNoStatusReceived:
			return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		case websocket.CloseAbnormalClosure:
			// 1006 is how gorilla reports a dropped connection; it may not
			// be sent on the wire.
			return websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "")
		default:
			return websocket.FormatCloseMessage(ce.Code, ce.Text)
		}
	}
	return websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "")
}
