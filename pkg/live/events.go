package live

import (
	"github.com/parley-ai/parley/pkg/live/protocol"
)

// Event is the closed set of session events emitted by a Client. Consumers
// switch on the concrete type; there are no stringly-typed event names.
type Event interface {
	eventType() string
}

// OpenEvent fires once the transport is open and the setup frame has been
// sent.
type OpenEvent struct{}

func (OpenEvent) eventType() string { return "open" }

// CloseEvent fires exactly once per connection when the session reaches its
// terminal state, whatever the cause.
type CloseEvent struct {
	Code   int
	Reason string
}

func (CloseEvent) eventType() string { return "close" }

// ErrorEvent reports a transport or protocol failure. It does not imply the
// session is over; a CloseEvent follows when it is.
type ErrorEvent struct {
	Err error
}

func (ErrorEvent) eventType() string { return "error" }

// AudioEvent carries raw PCM bytes of model speech output.
type AudioEvent struct {
	Data []byte
}

func (AudioEvent) eventType() string { return "audio" }

// ContentEvent carries an incremental slice of the model's turn, audio
// parts already stripped out.
type ContentEvent struct {
	Content protocol.ServerContent
}

func (ContentEvent) eventType() string { return "content" }

// ToolCallEvent asks the caller to execute functions on the model's behalf.
type ToolCallEvent struct {
	ToolCall protocol.ToolCall
}

func (ToolCallEvent) eventType() string { return "toolcall" }

// ToolCallCancellationEvent withdraws previously issued tool calls.
type ToolCallCancellationEvent struct {
	IDs []string
}

func (ToolCallCancellationEvent) eventType() string { return "toolcallcancellation" }

// InterruptedEvent signals user barge-in: playback of the current model
// utterance must stop immediately.
type InterruptedEvent struct{}

func (InterruptedEvent) eventType() string { return "interrupted" }

// SetupCompleteEvent acknowledges the setup frame; the session is active.
type SetupCompleteEvent struct{}

func (SetupCompleteEvent) eventType() string { return "setupcomplete" }

// TurnCompleteEvent marks the end of one model turn.
type TurnCompleteEvent struct{}

func (TurnCompleteEvent) eventType() string { return "turncomplete" }
