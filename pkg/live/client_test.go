package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parley-ai/parley/pkg/live/protocol"
)

var testConfig = SessionConfig{
	Model:            "models/gemini-2.0-flash-exp",
	ResponseModality: "audio",
	Voice:            "Aoede",
}

// serveWS runs handler for each websocket connection and returns a ws:// URL.
func serveWS(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// ackingServer reads the setup frame, replies setupComplete, then runs fn.
func ackingServer(t *testing.T, fn func(conn *websocket.Conn)) string {
	t.Helper()
	return serveWS(t, func(conn *websocket.Conn) {
		_, setup, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !protocol.IsSetupMessage(setup) {
			t.Errorf("first frame is not a setup frame: %s", setup)
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`)); err != nil {
			return
		}
		if fn != nil {
			fn(conn)
		}
	})
}

func waitEvent[T Event](t *testing.T, c *Client) T {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event := <-c.Events():
			if typed, ok := event.(T); ok {
				return typed
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", c.State(), want)
}

func TestConnect_RejectsMissingConfig(t *testing.T) {
	c := NewClient(nil)
	err := c.Connect(context.Background(), "ws://127.0.0.1:1/api/ws", SessionConfig{})
	if !errors.Is(err, ErrNoConfig) {
		t.Fatalf("Connect() error = %v, want ErrNoConfig", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", c.State())
	}
}

func TestConnect_HandshakeActivates(t *testing.T) {
	url := ackingServer(t, func(conn *websocket.Conn) {
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := NewClient(nil)
	if err := c.Connect(context.Background(), url, testConfig); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()

	waitEvent[OpenEvent](t, c)
	waitEvent[SetupCompleteEvent](t, c)
	waitState(t, c, StateActive)
}

func TestConnect_NonAckFrameIsProtocolViolation(t *testing.T) {
	url := serveWS(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		// A structured frame that is not a setup ack.
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"serverContent":{"turnComplete":true}}`))
		_, _, _ = conn.ReadMessage()
	})

	c := NewClient(nil)
	if err := c.Connect(context.Background(), url, testConfig); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	waitEvent[ErrorEvent](t, c)
	closeEvent := waitEvent[CloseEvent](t, c)
	if closeEvent.Code != websocket.CloseProtocolError {
		t.Fatalf("close code = %d, want %d", closeEvent.Code, websocket.CloseProtocolError)
	}
	waitState(t, c, StateClosed)
}

func TestDuplicateSetupAckIsIgnored(t *testing.T) {
	url := ackingServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"serverContent":{"turnComplete":true}}`))
		_, _, _ = conn.ReadMessage()
	})

	c := NewClient(nil)
	if err := c.Connect(context.Background(), url, testConfig); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()

	waitEvent[SetupCompleteEvent](t, c)
	// The duplicate ack must not surface; the next event of interest is the
	// turn completion.
	for {
		select {
		case event := <-c.Events():
			switch event.(type) {
			case SetupCompleteEvent:
				t.Fatalf("duplicate setupcomplete event emitted")
			case TurnCompleteEvent:
				return
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for turncomplete")
		}
	}
}

func TestSendRealtimeInput_NoopUnlessActive(t *testing.T) {
	var writes atomic.Int64
	url := serveWS(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			writes.Add(1)
		}
	})

	c := NewClient(nil)
	chunk := []MediaChunk{{MIMEType: "audio/pcm;rate=16000", Data: "AAAA"}}
	if err := c.SendRealtimeInput(chunk); err != nil {
		t.Fatalf("SendRealtimeInput() before connect error = %v", err)
	}

	// Server that never acks: the client stays in AwaitingSetupAck.
	if err := c.Connect(context.Background(), url, testConfig); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := c.SendRealtimeInput(chunk); err != nil {
		t.Fatalf("SendRealtimeInput() while awaiting ack error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := writes.Load(); got != 1 {
		// The setup frame itself is the single permitted write.
		t.Fatalf("server writes = %d, want 1 (setup only)", got)
	}
	c.Disconnect()
}

func TestActiveDispatch(t *testing.T) {
	audio := []byte{1, 2, 3, 4}
	serverDone := make(chan []byte, 1)
	url := ackingServer(t, func(conn *websocket.Conn) {
		frames := []string{
			`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"` +
				base64.StdEncoding.EncodeToString(audio) + `"}},{"text":"hi"}]}}}`,
			`{"toolCall":{"functionCalls":[{"id":"fc-1","name":"grade","args":{"score":7}}]}}`,
			`{"serverContent":{"interrupted":true}}`,
			`{"serverContent":{"turnComplete":true}}`,
			`{"unknownShape":{}}`,
		}
		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		if _, resp, err := conn.ReadMessage(); err == nil {
			serverDone <- resp
		}
	})

	c := NewClient(nil)
	if err := c.Connect(context.Background(), url, testConfig); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()
	waitEvent[SetupCompleteEvent](t, c)

	audioEvent := waitEvent[AudioEvent](t, c)
	if string(audioEvent.Data) != string(audio) {
		t.Fatalf("audio = %v, want %v", audioEvent.Data, audio)
	}
	contentEvent := waitEvent[ContentEvent](t, c)
	if parts := contentEvent.Content.ModelTurn.Parts; len(parts) != 1 || parts[0].Text != "hi" {
		t.Fatalf("content parts = %+v", contentEvent.Content.ModelTurn)
	}
	toolEvent := waitEvent[ToolCallEvent](t, c)
	if len(toolEvent.ToolCall.FunctionCalls) != 1 || toolEvent.ToolCall.FunctionCalls[0].ID != "fc-1" {
		t.Fatalf("tool call = %+v", toolEvent.ToolCall)
	}
	waitEvent[InterruptedEvent](t, c)
	waitEvent[TurnCompleteEvent](t, c)

	if err := c.SendToolResponse(ToolResponse{FunctionResponses: []protocol.FunctionResponse{
		{ID: "fc-9", Response: map[string]any{"ok": true}},
	}}); !errors.Is(err, ErrUnknownToolCall) {
		t.Fatalf("SendToolResponse(unknown id) error = %v, want ErrUnknownToolCall", err)
	}

	if err := c.SendToolResponse(ToolResponse{FunctionResponses: []protocol.FunctionResponse{
		{ID: "fc-1", Response: map[string]any{"ok": true}},
	}}); err != nil {
		t.Fatalf("SendToolResponse() error = %v", err)
	}

	select {
	case raw := <-serverDone:
		var msg protocol.ToolResponseMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("unmarshal tool response: %v (%s)", err, raw)
		}
		if len(msg.ToolResponse.FunctionResponses) != 1 || msg.ToolResponse.FunctionResponses[0].ID != "fc-1" {
			t.Fatalf("tool response = %+v", msg.ToolResponse)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server never received the tool response")
	}
}

func TestOnBeforeSend_ObservesEveryOutboundKind(t *testing.T) {
	url := ackingServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := NewClient(nil)
	var kinds []MessageKind
	c.OnBeforeSend(func(kind MessageKind, payload []byte) {
		if len(payload) == 0 {
			t.Errorf("interceptor saw empty payload for %s", kind)
		}
		kinds = append(kinds, kind)
	})

	if err := c.Connect(context.Background(), url, testConfig); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()
	waitEvent[SetupCompleteEvent](t, c)

	if err := c.SendRealtimeInput([]MediaChunk{{MIMEType: "image/jpeg", Data: "AAAA"}}); err != nil {
		t.Fatalf("SendRealtimeInput() error = %v", err)
	}
	if err := c.SendClientContent([]protocol.Content{{Parts: []protocol.Part{{Text: "hello"}}}}, true); err != nil {
		t.Fatalf("SendClientContent() error = %v", err)
	}

	want := []MessageKind{KindSetup, KindRealtimeInput, KindClientContent}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds[%d] = %v, want %v", i, kinds[i], want[i])
		}
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	url := ackingServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := NewClient(nil)
	if err := c.Connect(context.Background(), url, testConfig); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitEvent[SetupCompleteEvent](t, c)

	c.Disconnect()
	c.Disconnect()
	waitState(t, c, StateClosed)

	closes := 0
	drain := time.After(100 * time.Millisecond)
	for {
		select {
		case event := <-c.Events():
			if _, ok := event.(CloseEvent); ok {
				closes++
			}
		case <-drain:
			if closes != 1 {
				t.Fatalf("close events = %d, want 1", closes)
			}
			return
		}
	}
}

func TestServerClose_EmitsCloseEvent(t *testing.T) {
	url := ackingServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"),
			time.Now().Add(time.Second))
	})

	c := NewClient(nil)
	if err := c.Connect(context.Background(), url, testConfig); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	closeEvent := waitEvent[CloseEvent](t, c)
	if closeEvent.Code != websocket.CloseGoingAway {
		t.Fatalf("close code = %d, want %d", closeEvent.Code, websocket.CloseGoingAway)
	}
	waitState(t, c, StateClosed)
}
