package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeServerMessage_SetupComplete(t *testing.T) {
	msg, err := DecodeServerMessage([]byte(`{"setupComplete":{}}`))
	if err != nil {
		t.Fatalf("DecodeServerMessage() error = %v", err)
	}
	if _, ok := msg.(SetupCompleteMessage); !ok {
		t.Fatalf("decoded type = %T, want SetupCompleteMessage", msg)
	}
}

func TestDecodeServerMessage_ServerContent(t *testing.T) {
	raw := []byte(`{
		"serverContent":{
			"modelTurn":{"parts":[{"text":"hello"},{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AAAA"}}]},
			"turnComplete":true
		}
	}`)

	msg, err := DecodeServerMessage(raw)
	if err != nil {
		t.Fatalf("DecodeServerMessage() error = %v", err)
	}
	content, ok := msg.(ServerContentMessage)
	if !ok {
		t.Fatalf("decoded type = %T, want ServerContentMessage", msg)
	}
	if !content.ServerContent.TurnComplete {
		t.Fatalf("turnComplete = false, want true")
	}
	if content.ServerContent.ModelTurn == nil || len(content.ServerContent.ModelTurn.Parts) != 2 {
		t.Fatalf("modelTurn = %+v", content.ServerContent.ModelTurn)
	}
	if content.ServerContent.ModelTurn.Parts[0].Text != "hello" {
		t.Fatalf("parts[0].text = %q", content.ServerContent.ModelTurn.Parts[0].Text)
	}
}

func TestDecodeServerMessage_Interrupted(t *testing.T) {
	msg, err := DecodeServerMessage([]byte(`{"serverContent":{"interrupted":true}}`))
	if err != nil {
		t.Fatalf("DecodeServerMessage() error = %v", err)
	}
	content := msg.(ServerContentMessage)
	if !content.ServerContent.Interrupted {
		t.Fatalf("interrupted = false, want true")
	}
}

func TestDecodeServerMessage_ToolCall(t *testing.T) {
	raw := []byte(`{"toolCall":{"functionCalls":[{"id":"fc-1","name":"lookup","args":{"q":"go"}}]}}`)

	msg, err := DecodeServerMessage(raw)
	if err != nil {
		t.Fatalf("DecodeServerMessage() error = %v", err)
	}
	call, ok := msg.(ToolCallMessage)
	if !ok {
		t.Fatalf("decoded type = %T, want ToolCallMessage", msg)
	}
	if len(call.ToolCall.FunctionCalls) != 1 || call.ToolCall.FunctionCalls[0].ID != "fc-1" {
		t.Fatalf("functionCalls = %+v", call.ToolCall.FunctionCalls)
	}
}

func TestDecodeServerMessage_UnknownShape(t *testing.T) {
	_, err := DecodeServerMessage([]byte(`{"usageMetadata":{"tokens":12}}`))
	var unknown *ErrUnknownMessage
	if !errors.As(err, &unknown) {
		t.Fatalf("error = %v, want ErrUnknownMessage", err)
	}
	if len(unknown.Keys) != 1 || unknown.Keys[0] != "usageMetadata" {
		t.Fatalf("keys = %v", unknown.Keys)
	}
}

func TestDecodeServerMessage_NotJSON(t *testing.T) {
	_, err := DecodeServerMessage([]byte(`not json`))
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("error = %v, want DecodeError", err)
	}
}

func TestIsSetupMessage(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want bool
	}{
		{"setup", `{"setup":{"model":"models/gemini-2.0-flash-exp"}}`, true},
		{"empty setup", `{"setup":{}}`, true},
		{"null setup", `{"setup":null}`, false},
		{"realtime input", `{"realtimeInput":{"mediaChunks":[]}}`, false},
		{"not json", `nope`, false},
	}
	for _, tc := range cases {
		if got := IsSetupMessage([]byte(tc.raw)); got != tc.want {
			t.Fatalf("%s: IsSetupMessage() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestPeekSetup_RequiresModel(t *testing.T) {
	if _, err := PeekSetup([]byte(`{"setup":{}}`)); err == nil {
		t.Fatalf("PeekSetup() error = nil, want missing model error")
	}
	setup, err := PeekSetup([]byte(`{"setup":{"model":"models/gemini-2.0-flash-exp"}}`))
	if err != nil {
		t.Fatalf("PeekSetup() error = %v", err)
	}
	if setup.Model != "models/gemini-2.0-flash-exp" {
		t.Fatalf("model = %q", setup.Model)
	}
}

func TestSetupMessage_RoundTripKeepsShape(t *testing.T) {
	msg := SetupMessage{Setup: Setup{
		Model: "models/gemini-2.0-flash-exp",
		GenerationConfig: &GenerationConfig{
			ResponseModalities: []string{"audio"},
			SpeechConfig: &SpeechConfig{VoiceConfig: &VoiceConfig{
				PrebuiltVoiceConfig: &PrebuiltVoiceConfig{VoiceName: "Aoede"},
			}},
		},
		Tools: []Tool{{GoogleSearch: &struct{}{}}},
	}}

	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !IsSetupMessage(raw) {
		t.Fatalf("marshalled setup frame not recognized: %s", raw)
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("top-level keys = %d, want 1 (%s)", len(keys), raw)
	}
}
