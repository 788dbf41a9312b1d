// Package agent talks to the hosted realtime assistant: wire events, credentials,
// SDP signaling, instructions and the raw event log.
package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/krishimitra/farmvoice/internal/domain"
	"github.com/krishimitra/farmvoice/internal/tools"
	"github.com/tidwall/gjson"
)

// DataChannelLabel is the label of the control channel the backend expects.
const DataChannelLabel = "oai-events"

// Event types exchanged on the control channel.
const (
	EventSessionUpdate       = "session.update"
	EventItemCreate          = "conversation.item.create"
	EventResponseCreate      = "response.create"
	EventInputTranscript     = "conversation.item.input_audio_transcription.completed"
	EventFunctionCallDone    = "response.function_call_arguments.done"
	EventTextDone            = "response.text.done"
	EventMessageDone         = "response.message.done"
	EventAudioTranscriptDone = "response.audio_transcript.done"
	EventError               = "error"
)

// ErrMalformedEvent is returned for control messages that are not JSON objects with a type.
var ErrMalformedEvent = errors.New("malformed control event")

// InboundEvent is a decoded control channel message. Only the fields relevant
// to its Type are populated.
type InboundEvent struct {
	Type string
	Raw  json.RawMessage

	// Transcript or reply text for transcript and text events.
	Text string
	// Call is set for EventFunctionCallDone.
	Call *domain.ToolInvocation

	ErrorCode    string
	ErrorMessage string
}

// ParseEvent decodes one control channel message.
func ParseEvent(data []byte) (InboundEvent, error) {
	if !gjson.ValidBytes(data) {
		return InboundEvent{}, fmt.Errorf("%w: invalid JSON", ErrMalformedEvent)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return InboundEvent{}, fmt.Errorf("%w: not an object", ErrMalformedEvent)
	}
	typ := root.Get("type")
	if typ.Type != gjson.String || typ.Str == "" {
		return InboundEvent{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}

	ev := InboundEvent{Type: typ.Str, Raw: append(json.RawMessage(nil), data...)}
	switch ev.Type {
	case EventInputTranscript, EventAudioTranscriptDone:
		ev.Text = root.Get("transcript").String()
	case EventTextDone:
		ev.Text = root.Get("text").String()
	case EventMessageDone:
		ev.Text = messageContent(root.Get("content"))
	case EventFunctionCallDone:
		args := strings.TrimSpace(root.Get("arguments").String())
		if args == "" {
			args = "{}"
		}
		ev.Call = &domain.ToolInvocation{
			Name:      root.Get("name").String(),
			Arguments: json.RawMessage(args),
			CallID:    root.Get("call_id").String(),
		}
	case EventError:
		ev.ErrorCode = root.Get("error.code").String()
		ev.ErrorMessage = root.Get("error.message").String()
	}
	return ev, nil
}

// messageContent accepts either a plain string or a list of content parts.
func messageContent(content gjson.Result) string {
	if !content.IsArray() {
		return content.String()
	}
	var parts []string
	content.ForEach(func(_, part gjson.Result) bool {
		for _, key := range []string{"text", "transcript"} {
			if v := part.Get(key); v.Exists() && v.String() != "" {
				parts = append(parts, v.String())
				break
			}
		}
		return true
	})
	return strings.Join(parts, " ")
}

// SessionConfig is the body of a session.update event.
type SessionConfig struct {
	Modalities              []string             `json:"modalities"`
	Instructions            string               `json:"instructions"`
	Voice                   string               `json:"voice,omitempty"`
	Tools                   []tools.Schema       `json:"tools"`
	ToolChoice              string               `json:"tool_choice,omitempty"`
	InputAudioTranscription *TranscriptionConfig `json:"input_audio_transcription,omitempty"`
}

// TranscriptionConfig enables transcription of the farmer's speech.
type TranscriptionConfig struct {
	Model string `json:"model"`
}

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type functionCallOutput struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type itemCreate struct {
	Type string             `json:"type"`
	Item functionCallOutput `json:"item"`
}

// NewSessionConfig builds the session configuration sent once the channel opens.
func NewSessionConfig(instructions, voice, transcriptionModel string, schemas []tools.Schema) SessionConfig {
	if schemas == nil {
		schemas = []tools.Schema{}
	}
	cfg := SessionConfig{
		Modalities:   []string{"text", "audio"},
		Instructions: instructions,
		Voice:        voice,
		Tools:        schemas,
	}
	if len(schemas) > 0 {
		cfg.ToolChoice = "auto"
	}
	if transcriptionModel != "" {
		cfg.InputAudioTranscription = &TranscriptionConfig{Model: transcriptionModel}
	}
	return cfg
}

// EncodeSessionUpdate encodes a session.update event.
func EncodeSessionUpdate(cfg SessionConfig) ([]byte, error) {
	data, err := json.Marshal(sessionUpdate{Type: EventSessionUpdate, Session: cfg})
	if err != nil {
		return nil, fmt.Errorf("encode session.update: %w", err)
	}
	return data, nil
}

// EncodeFunctionCallOutput encodes the conversation.item.create event carrying a tool result.
func EncodeFunctionCallOutput(callID, output string) ([]byte, error) {
	data, err := json.Marshal(itemCreate{
		Type: EventItemCreate,
		Item: functionCallOutput{Type: "function_call_output", CallID: callID, Output: output},
	})
	if err != nil {
		return nil, fmt.Errorf("encode function_call_output: %w", err)
	}
	return data, nil
}

// EncodeResponseCreate encodes the event asking the assistant to continue speaking.
func EncodeResponseCreate() []byte {
	return []byte(`{"type":"` + EventResponseCreate + `"}`)
}
