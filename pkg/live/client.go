// Package live implements the session protocol client for a live
// bidirectional media session: one WebSocket, a handshake-first state
// machine, and a typed event surface.
package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parley-ai/parley/pkg/live/protocol"
)

const defaultConnectTimeout = 15 * time.Second

// State is the session protocol state machine position.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingSetupAck
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingSetupAck:
		return "awaiting_setup_ack"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrNoConfig is returned by Connect when no session config was supplied.
	ErrNoConfig = errors.New("live: session config must carry a model")

	// ErrUnknownToolCall is returned by SendToolResponse for a response that
	// does not reference a previously observed tool call.
	ErrUnknownToolCall = errors.New("live: tool response references an unknown call id")
)

// SessionConfig is the client-side session configuration. Every field maps
// directly into the setup frame; nothing beyond presence is validated.
type SessionConfig struct {
	Model             string
	ResponseModality  string
	Voice             string
	SystemInstruction string
	Tools             []protocol.Tool
	SearchGrounding   bool
}

func (c SessionConfig) setupMessage() protocol.SetupMessage {
	setup := protocol.Setup{Model: c.Model}

	gen := &protocol.GenerationConfig{}
	if modality := strings.TrimSpace(c.ResponseModality); modality != "" {
		gen.ResponseModalities = []string{modality}
	}
	if voice := strings.TrimSpace(c.Voice); voice != "" {
		gen.SpeechConfig = &protocol.SpeechConfig{VoiceConfig: &protocol.VoiceConfig{
			PrebuiltVoiceConfig: &protocol.PrebuiltVoiceConfig{VoiceName: voice},
		}}
	}
	if len(gen.ResponseModalities) > 0 || gen.SpeechConfig != nil {
		setup.GenerationConfig = gen
	}

	if text := strings.TrimSpace(c.SystemInstruction); text != "" {
		setup.SystemInstruction = &protocol.Content{Parts: []protocol.Part{{Text: text}}}
	}

	setup.Tools = append(setup.Tools, c.Tools...)
	if c.SearchGrounding {
		setup.Tools = append(setup.Tools, protocol.Tool{GoogleSearch: &struct{}{}})
	}
	return protocol.SetupMessage{Setup: setup}
}

// MediaChunk is one outbound unit of captured media: base64 payload plus
// its MIME type. Chunks are fire-and-forget; none is retried.
type MediaChunk struct {
	MIMEType string
	Data     string
}

// ToolResponse answers one or more tool calls by id.
type ToolResponse struct {
	FunctionResponses []protocol.FunctionResponse
}

// MessageKind labels an outbound frame for send interceptors.
type MessageKind string

const (
	KindSetup         MessageKind = "setup"
	KindRealtimeInput MessageKind = "realtime_input"
	KindClientContent MessageKind = "client_content"
	KindToolResponse  MessageKind = "tool_response"
)

// SendInterceptor observes every outbound frame before it is written.
type SendInterceptor func(kind MessageKind, payload []byte)

// Client owns one live session WebSocket. It never reconnects on its own;
// after a CloseEvent the caller decides whether to Connect again.
type Client struct {
	dialer *websocket.Dialer
	logger *slog.Logger

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	gen          int
	interceptors []SendInterceptor
	observedIDs  map[string]struct{}

	writeMu sync.Mutex

	events chan Event
}

// NewClient builds a disconnected client. The logger may be nil.
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		dialer: &websocket.Dialer{HandshakeTimeout: defaultConnectTimeout},
		logger: logger,
		events: make(chan Event, 256),
	}
}

// Events yields session events. The channel is never closed; a CloseEvent
// marks the end of each connection.
func (c *Client) Events() <-chan Event {
	return c.events
}

// State reports the current protocol state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnBeforeSend registers an interceptor invoked synchronously before every
// outbound write, the setup frame included.
func (c *Client) OnBeforeSend(fn SendInterceptor) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interceptors = append(c.interceptors, fn)
}

// Connect tears down any prior transport, dials url, sends exactly one
// setup frame built from cfg, and enters AwaitingSetupAck. It returns an
// error only for synchronous setup failures; later transport trouble is
// reported through events.
func (c *Client) Connect(ctx context.Context, url string, cfg SessionConfig) error {
	if strings.TrimSpace(cfg.Model) == "" {
		return ErrNoConfig
	}
	if strings.TrimSpace(url) == "" {
		return fmt.Errorf("live: connect url must not be empty")
	}

	c.mu.Lock()
	if c.conn != nil {
		prev := c.conn
		c.conn = nil
		c.gen++
		c.mu.Unlock()
		_ = prev.Close()
		c.mu.Lock()
	}
	c.state = StateConnecting
	c.observedIDs = make(map[string]struct{})
	gen := c.gen
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		c.mu.Lock()
		if c.gen == gen && c.state == StateConnecting {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return fmt.Errorf("live: dial %s: %w", url, err)
	}

	c.mu.Lock()
	if c.gen != gen {
		// A concurrent Connect or Disconnect superseded this attempt.
		c.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("live: connect superseded")
	}
	c.conn = conn
	c.state = StateAwaitingSetupAck
	c.mu.Unlock()

	if err := c.writeJSON(conn, KindSetup, cfg.setupMessage()); err != nil {
		c.finish(gen, websocket.CloseAbnormalClosure, "setup send failed", err)
		return fmt.Errorf("live: send setup: %w", err)
	}

	c.emit(OpenEvent{})
	go c.readLoop(conn, gen)
	return nil
}

// Disconnect closes the transport idempotently.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.conn = nil
	c.gen++
	if state == StateConnecting || state == StateAwaitingSetupAck || state == StateActive {
		c.state = StateClosed
	}
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	if state == StateConnecting || state == StateAwaitingSetupAck || state == StateActive {
		c.emit(CloseEvent{Code: websocket.CloseNormalClosure, Reason: "disconnect"})
	}
}

// SendRealtimeInput transmits media chunks immediately. Outside the Active
// state it is a silent no-op: realtime media tolerates drops.
func (c *Client) SendRealtimeInput(chunks []MediaChunk) error {
	c.mu.Lock()
	conn := c.conn
	active := c.state == StateActive
	c.mu.Unlock()
	if !active || conn == nil || len(chunks) == 0 {
		return nil
	}

	blobs := make([]protocol.Blob, 0, len(chunks))
	for _, chunk := range chunks {
		blobs = append(blobs, protocol.Blob{MIMEType: chunk.MIMEType, Data: chunk.Data})
	}
	msg := protocol.RealtimeInputMessage{RealtimeInput: protocol.RealtimeInput{MediaChunks: blobs}}
	return c.writeJSON(conn, KindRealtimeInput, msg)
}

// SendClientContent transmits conversational turns, optionally marking the
// user turn complete.
func (c *Client) SendClientContent(turns []protocol.Content, turnComplete bool) error {
	c.mu.Lock()
	conn := c.conn
	active := c.state == StateActive
	c.mu.Unlock()
	if !active || conn == nil {
		return nil
	}
	msg := protocol.ClientContentMessage{ClientContent: protocol.ClientContent{
		Turns:        turns,
		TurnComplete: turnComplete,
	}}
	return c.writeJSON(conn, KindClientContent, msg)
}

// SendToolResponse answers previously observed tool calls. Responses
// referencing unknown call ids are refused without transmitting anything.
func (c *Client) SendToolResponse(resp ToolResponse) error {
	c.mu.Lock()
	conn := c.conn
	active := c.state == StateActive
	for _, fr := range resp.FunctionResponses {
		if _, ok := c.observedIDs[fr.ID]; !ok {
			c.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownToolCall, fr.ID)
		}
	}
	c.mu.Unlock()
	if !active || conn == nil {
		return nil
	}
	msg := protocol.ToolResponseMessage{ToolResponse: protocol.ToolResponse{
		FunctionResponses: resp.FunctionResponses,
	}}
	return c.writeJSON(conn, KindToolResponse, msg)
}

func (c *Client) writeJSON(conn *websocket.Conn, kind MessageKind, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("live: encode %s frame: %w", kind, err)
	}

	c.mu.Lock()
	interceptors := make([]SendInterceptor, len(c.interceptors))
	copy(interceptors, c.interceptors)
	c.mu.Unlock()
	for _, fn := range interceptors {
		fn(kind, payload)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := closeDetails(err)
			c.finish(gen, code, reason, terminalErr(err))
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if !c.expectAck(gen) {
				c.emit(AudioEvent{Data: append([]byte(nil), data...)})
				continue
			}
			c.emit(ErrorEvent{Err: fmt.Errorf("live: binary frame before setup ack")})
			c.finish(gen, websocket.CloseProtocolError, "frame before setup ack", nil)
			return
		case websocket.TextMessage:
			if c.dispatchText(conn, gen, data) {
				return
			}
		}
	}
}

// dispatchText handles one structured frame. It reports true when the
// session has been terminated.
func (c *Client) dispatchText(conn *websocket.Conn, gen int, data []byte) (terminated bool) {
	msg, err := protocol.DecodeServerMessage(data)
	if err != nil {
		if c.expectAck(gen) {
			c.emit(ErrorEvent{Err: fmt.Errorf("live: frame before setup ack: %w", err)})
			c.finish(gen, websocket.CloseProtocolError, "frame before setup ack", nil)
			return true
		}
		var unknown *protocol.ErrUnknownMessage
		if errors.As(err, &unknown) {
			c.logger.Debug("dropping unrecognized server frame", "keys", unknown.Keys)
			return false
		}
		// Malformed frames are reported but non-fatal.
		c.emit(ErrorEvent{Err: err})
		return false
	}

	if c.expectAck(gen) {
		if _, ok := msg.(protocol.SetupCompleteMessage); !ok {
			c.emit(ErrorEvent{Err: fmt.Errorf("live: expected setup ack, got %T", msg)})
			c.finish(gen, websocket.CloseProtocolError, "frame before setup ack", nil)
			return true
		}
		c.mu.Lock()
		if c.gen == gen && c.state == StateAwaitingSetupAck {
			c.state = StateActive
		}
		c.mu.Unlock()
		c.emit(SetupCompleteEvent{})
		return false
	}

	switch m := msg.(type) {
	case protocol.SetupCompleteMessage:
		// Duplicate ack after activation; ignored, not double-applied.
	case protocol.ServerContentMessage:
		c.dispatchContent(m.ServerContent)
	case protocol.ToolCallMessage:
		c.mu.Lock()
		for _, call := range m.ToolCall.FunctionCalls {
			c.observedIDs[call.ID] = struct{}{}
		}
		c.mu.Unlock()
		c.emit(ToolCallEvent{ToolCall: m.ToolCall})
	case protocol.ToolCallCancellationMessage:
		c.mu.Lock()
		for _, id := range m.ToolCallCancellation.IDs {
			delete(c.observedIDs, id)
		}
		c.mu.Unlock()
		c.emit(ToolCallCancellationEvent{IDs: m.ToolCallCancellation.IDs})
	}
	return false
}

func (c *Client) dispatchContent(content protocol.ServerContent) {
	if content.Interrupted {
		c.emit(InterruptedEvent{})
		return
	}

	if content.ModelTurn != nil {
		rest := make([]protocol.Part, 0, len(content.ModelTurn.Parts))
		for _, part := range content.ModelTurn.Parts {
			if part.InlineData != nil && strings.HasPrefix(part.InlineData.MIMEType, "audio/pcm") {
				pcm, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
				if err != nil {
					c.emit(ErrorEvent{Err: fmt.Errorf("live: decode inline audio: %w", err)})
					continue
				}
				c.emit(AudioEvent{Data: pcm})
				continue
			}
			rest = append(rest, part)
		}
		if len(rest) > 0 {
			turn := *content.ModelTurn
			turn.Parts = rest
			c.emit(ContentEvent{Content: protocol.ServerContent{
				ModelTurn:    &turn,
				TurnComplete: content.TurnComplete,
			}})
		}
	}

	if content.TurnComplete {
		c.emit(TurnCompleteEvent{})
	}
}

func (c *Client) expectAck(gen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && c.state == StateAwaitingSetupAck
}

// finish transitions this connection to Closed exactly once. Stale read
// loops (superseded by a newer Connect or an explicit Disconnect) must not
// emit anything.
func (c *Client) finish(gen int, code int, reason string, err error) {
	c.mu.Lock()
	if c.gen != gen || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.state = StateClosed
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if err != nil {
		c.emit(ErrorEvent{Err: err})
	}
	c.emit(CloseEvent{Code: code, Reason: reason})
}

// emit never blocks the read loop; if the consumer stops draining, events
// are dropped.
func (c *Client) emit(event Event) {
	select {
	case c.events <- event:
	default:
	}
}

func closeDetails(err error) (code int, reason string) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code, closeErr.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}

func terminalErr(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return err
}
