// Package protocol defines the wire frames exchanged on a live session
// WebSocket. Frames are JSON objects keyed by exactly one top-level shape
// (setup, realtimeInput, toolResponse downstream; setupComplete,
// serverContent, toolCall upstream).
package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

// Blob is a chunk of inline media: base64 payload tagged with a MIME type
// such as "audio/pcm;rate=16000" or "image/jpeg".
type Blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Part is one piece of model or user content.
type Part struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inlineData,omitempty"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts,omitempty"`
}

// SpeechConfig selects the synthesized output voice.
type SpeechConfig struct {
	VoiceConfig *VoiceConfig `json:"voiceConfig,omitempty"`
}

type VoiceConfig struct {
	PrebuiltVoiceConfig *PrebuiltVoiceConfig `json:"prebuiltVoiceConfig,omitempty"`
}

type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName,omitempty"`
}

type GenerationConfig struct {
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *SpeechConfig `json:"speechConfig,omitempty"`
}

type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Tool declares capabilities offered to the model. GoogleSearch is the
// search-grounding toggle; its presence (even empty) enables grounding.
type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
	GoogleSearch         *struct{}             `json:"googleSearch,omitempty"`
}

// Setup is the mandatory first frame of a session.
type Setup struct {
	Model             string            `json:"model"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	Tools             []Tool            `json:"tools,omitempty"`
}

type SetupMessage struct {
	Setup Setup `json:"setup"`
}

type RealtimeInput struct {
	MediaChunks []Blob `json:"mediaChunks"`
}

type RealtimeInputMessage struct {
	RealtimeInput RealtimeInput `json:"realtimeInput"`
}

type ClientContent struct {
	Turns        []Content `json:"turns,omitempty"`
	TurnComplete bool      `json:"turnComplete"`
}

type ClientContentMessage struct {
	ClientContent ClientContent `json:"clientContent"`
}

type FunctionResponse struct {
	ID       string         `json:"id"`
	Response map[string]any `json:"response"`
}

type ToolResponse struct {
	FunctionResponses []FunctionResponse `json:"functionResponses"`
}

type ToolResponseMessage struct {
	ToolResponse ToolResponse `json:"toolResponse"`
}

type SetupComplete struct{}

type ServerContent struct {
	ModelTurn    *Content `json:"modelTurn,omitempty"`
	TurnComplete bool     `json:"turnComplete,omitempty"`
	Interrupted  bool     `json:"interrupted,omitempty"`
}

type FunctionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type ToolCall struct {
	FunctionCalls []FunctionCall `json:"functionCalls"`
}

type ToolCallCancellation struct {
	IDs []string `json:"ids"`
}

// ServerMessage is the closed set of structured frames a server may send.
type ServerMessage interface {
	serverMessage()
}

type SetupCompleteMessage struct {
	SetupComplete SetupComplete `json:"setupComplete"`
}

func (SetupCompleteMessage) serverMessage() {}

type ServerContentMessage struct {
	ServerContent ServerContent `json:"serverContent"`
}

func (ServerContentMessage) serverMessage() {}

type ToolCallMessage struct {
	ToolCall ToolCall `json:"toolCall"`
}

func (ToolCallMessage) serverMessage() {}

type ToolCallCancellationMessage struct {
	ToolCallCancellation ToolCallCancellation `json:"toolCallCancellation"`
}

func (ToolCallCancellationMessage) serverMessage() {}

// ErrUnknownMessage reports a structured frame that matched none of the
// known server shapes. Callers treat it as non-fatal and drop the frame.
type ErrUnknownMessage struct {
	Keys []string
}

func (e *ErrUnknownMessage) Error() string {
	return fmt.Sprintf("unknown server frame shape (keys: %s)", strings.Join(e.Keys, ","))
}

// DecodeServerMessage parses a structured server frame into exactly one of
// the ServerMessage variants.
func DecodeServerMessage(raw []byte) (ServerMessage, error) {
	var probe struct {
		SetupComplete        *SetupComplete        `json:"setupComplete"`
		ServerContent        *ServerContent        `json:"serverContent"`
		ToolCall             *ToolCall             `json:"toolCall"`
		ToolCallCancellation *ToolCallCancellation `json:"toolCallCancellation"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, badFrame("server frame is not valid JSON", "")
	}

	switch {
	case probe.SetupComplete != nil:
		return SetupCompleteMessage{SetupComplete: *probe.SetupComplete}, nil
	case probe.ServerContent != nil:
		return ServerContentMessage{ServerContent: *probe.ServerContent}, nil
	case probe.ToolCall != nil:
		return ToolCallMessage{ToolCall: *probe.ToolCall}, nil
	case probe.ToolCallCancellation != nil:
		return ToolCallCancellationMessage{ToolCallCancellation: *probe.ToolCallCancellation}, nil
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil || len(keys) == 0 {
		return nil, badFrame("server frame has no recognizable shape", "")
	}
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)
	return nil, &ErrUnknownMessage{Keys: names}
}

// IsSetupMessage reports whether raw is a JSON object carrying a setup
// shape. The relay uses it to enforce handshake-first without decoding the
// full configuration payload.
func IsSetupMessage(raw []byte) bool {
	var probe struct {
		Setup json.RawMessage `json:"setup"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return len(probe.Setup) > 0 && string(probe.Setup) != "null"
}

// PeekSetup decodes just the setup shape of a frame.
func PeekSetup(raw []byte) (Setup, error) {
	var msg SetupMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Setup{}, badFrame("setup frame is not valid JSON", "setup")
	}
	if strings.TrimSpace(msg.Setup.Model) == "" {
		return Setup{}, badFrame("setup frame is missing model", "setup.model")
	}
	return msg.Setup, nil
}
