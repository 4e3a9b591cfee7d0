package relay

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parley-ai/parley/pkg/live/protocol"
	"github.com/parley-ai/parley/pkg/relay/config"
	"github.com/parley-ai/parley/pkg/relay/mw"
)

const closeWriteTimeout = 2 * time.Second

// WSHandler handles /api/ws sessions. It validates the browser's opening
// setup frame, dials the upstream model endpoint with the server-held
// credential attached, then forwards frames verbatim in both directions.
type WSHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Lifecycle *Lifecycle
	Sessions  *Tracker
	Metrics   *Metrics
}

func (h WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		http.Error(w, "relay is draining", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	client, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer client.Close()

	if h.Config.MaxFrameBytes > 0 {
		client.SetReadLimit(h.Config.MaxFrameBytes)
	}

	handshakeTimeout := h.Config.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	_ = client.SetReadDeadline(time.Now().Add(handshakeTimeout))
	messageType, setupFrame, err := client.ReadMessage()
	if err != nil {
		h.rejectHandshake(client, "setup_read", "failed to read setup frame")
		return
	}
	if messageType != websocket.TextMessage || !protocol.IsSetupMessage(setupFrame) {
		h.rejectHandshake(client, "bad_setup", "first frame must be setup")
		return
	}
	_ = client.SetReadDeadline(time.Time{})

	upstream, err := h.dialUpstream(handshakeTimeout, r)
	if err != nil {
		if h.Metrics != nil {
			h.Metrics.HandshakeFailures.WithLabelValues("upstream_dial").Inc()
		}
		if h.Logger != nil {
			h.Logger.Error("upstream dial failed", "error", err)
		}
		writeClose(client, websocket.CloseInternalServerErr, "upstream unavailable")
		return
	}
	defer upstream.Close()
	if h.Config.MaxFrameBytes > 0 {
		upstream.SetReadLimit(h.Config.MaxFrameBytes)
	}

	// The client's setup frame was held back until the upstream leg exists.
	h.setWriteDeadline(upstream)
	if err := upstream.WriteMessage(websocket.TextMessage, setupFrame); err != nil {
		writeClose(client, websocket.CloseInternalServerErr, "upstream unavailable")
		return
	}

	sessionID := "rs_" + randHex(8)
	if reqID, ok := mw.RequestIDFrom(r.Context()); ok {
		sessionID = reqID
	}

	hangup := func() {
		client.Close()
		upstream.Close()
	}
	unregister := func() {}
	if h.Sessions != nil {
		unregister = h.Sessions.Register(sessionID, SessionHandle{
			Cancel: hangup,
			Warn: func(code int, message string) error {
				return client.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, message), time.Now().Add(closeWriteTimeout))
			},
		})
	}
	defer unregister()

	if h.Metrics != nil {
		h.Metrics.ActiveSessions.Inc()
		defer h.Metrics.ActiveSessions.Dec()
	}
	if h.Logger != nil {
		h.Logger.Info("relay session open", "session_id", sessionID)
	}

	results := make(chan error, 2)
	go func() { results <- h.pump(upstream, client, "to_upstream") }()
	go func() { results <- h.pump(client, upstream, "to_client") }()

	first := <-results
	h.propagateClose(client, upstream, first)
	hangup()
	<-results

	if h.Logger != nil {
		h.Logger.Info("relay session closed", "session_id", sessionID, "cause", closeCause(first))
	}
}

// pump copies frames from src to dst until either side fails. Payloads are
// forwarded byte for byte, including frame type.
func (h WSHandler) pump(dst, src *websocket.Conn, direction string) error {
	for {
		messageType, data, err := src.ReadMessage()
		if err != nil {
			return err
		}
		h.setWriteDeadline(dst)
		if err := dst.WriteMessage(messageType, data); err != nil {
			return fmt.Errorf("forward %s: %w", direction, err)
		}
		if h.Metrics != nil {
			h.Metrics.FramesForwarded.WithLabelValues(direction).Inc()
			h.Metrics.BytesForwarded.WithLabelValues(direction).Add(float64(len(data)))
		}
	}
}

// propagateClose mirrors the close code from whichever side hung up first to
// both peers, so the browser sees the model's close code and vice versa.
func (h WSHandler) propagateClose(client, upstream *websocket.Conn, cause error) {
	code := websocket.CloseNormalClosure
	reason := ""
	var ce *websocket.CloseError
	if errors.As(cause, &ce) {
		code, reason = ce.Code, ce.Text
	}
	switch code {
	case websocket.CloseNoStatusReceived:
		code, reason = websocket.CloseNormalClosure, ""
	case websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		// Not sendable on the wire; tear down without a close frame.
		return
	}
	writeClose(client, code, reason)
	writeClose(upstream, code, reason)
}

func (h WSHandler) dialUpstream(timeout time.Duration, r *http.Request) (*websocket.Conn, error) {
	target, err := url.Parse(h.Config.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	q := target.Query()
	q.Set("key", h.Config.APIKey)
	target.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := dialer.DialContext(r.Context(), target.String(), nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial upstream: %w", err)
	}
	return conn, nil
}

func (h WSHandler) rejectHandshake(conn *websocket.Conn, reason, message string) {
	if h.Metrics != nil {
		h.Metrics.HandshakeFailures.WithLabelValues(reason).Inc()
	}
	if h.Logger != nil {
		h.Logger.Warn("handshake rejected", "reason", reason)
	}
	writeClose(conn, websocket.CloseProtocolError, message)
}

func (h WSHandler) setWriteDeadline(conn *websocket.Conn) {
	if h.Config.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(h.Config.WriteTimeout))
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(closeWriteTimeout))
}

func closeCause(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return fmt.Sprintf("close %d", ce.Code)
	}
	if err != nil {
		return err.Error()
	}
	return "eof"
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
