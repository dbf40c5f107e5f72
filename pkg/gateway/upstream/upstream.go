// Package upstream speaks the realtime speech service's WebSocket protocol:
// typed outbound messages, inbound event decoding, and the Link a session
// holds for its upstream leg.
package upstream

import (
	"encoding/json"
	"strings"
)

// Outbound message types.
const (
	TypeSessionUpdate  = "session.update"
	TypeAudioAppend    = "input_audio_buffer.append"
	TypeAudioCommit    = "input_audio_buffer.commit"
	TypeItemCreate     = "conversation.item.create"
	TypeResponseCreate = "response.create"
	TypeResponseCancel = "response.cancel"
)

// Inbound event types the gateway reacts to. Anything else is relayed or
// dropped by the session, never an error.
const (
	EventSessionCreated         = "session.created"
	EventSessionUpdated         = "session.updated"
	EventSpeechStarted          = "input_audio_buffer.speech_started"
	EventSpeechStopped          = "input_audio_buffer.speech_stopped"
	EventBufferCommitted        = "input_audio_buffer.committed"
	EventTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	EventResponseCreated        = "response.created"
	EventResponseDone           = "response.done"
	EventResponseCancelled      = "response.cancelled"
	EventAudioDelta             = "response.audio.delta"
	EventAudioDone              = "response.audio.done"
	EventAudioTranscriptDelta   = "response.audio_transcript.delta"
	EventAudioTranscriptDone    = "response.audio_transcript.done"
	EventTextDelta              = "response.text.delta"
	EventTextDone               = "response.text.done"
	EventOutputItemDone         = "response.output_item.done"
	EventRateLimitsUpdated      = "rate_limits.updated"
	EventError                  = "error"
)

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}

type TranscriptionConfig struct {
	Model string `json:"model"`
}

// Tool is one function schema registered with the session.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// SessionConfig is the session.update payload body.
type SessionConfig struct {
	Modalities              []string             `json:"modalities,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string               `json:"output_audio_format,omitempty"`
	InputAudioTranscription *TranscriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection       `json:"turn_detection,omitempty"`
	Tools                   []Tool               `json:"tools,omitempty"`
	ToolChoice              string               `json:"tool_choice,omitempty"`
	Temperature             float64              `json:"temperature,omitempty"`
}

type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type AudioAppend struct {
	Type     string `json:"type"`
	AudioB64 string `json:"audio"`
}

type AudioCommit struct {
	Type string `json:"type"`
}

// ContentPart is one part of a conversation item's content.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Item covers both message items and function_call_output items; unused
// fields stay empty and are omitted on the wire.
type Item struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type ItemCreate struct {
	Type string `json:"type"`
	Item Item   `json:"item"`
}

type ResponseCreate struct {
	Type string `json:"type"`
}

type ResponseCancel struct {
	Type string `json:"type"`
}

// UserMessage builds a user message item carrying one text part.
func UserMessage(text string) ItemCreate {
	return ItemCreate{
		Type: TypeItemCreate,
		Item: Item{
			Type:    "message",
			Role:    "user",
			Content: []ContentPart{{Type: "input_text", Text: text}},
		},
	}
}

// SystemMessage builds a system message item carrying one text part.
func SystemMessage(text string) ItemCreate {
	return ItemCreate{
		Type: TypeItemCreate,
		Item: Item{
			Type:    "message",
			Role:    "system",
			Content: []ContentPart{{Type: "input_text", Text: text}},
		},
	}
}

// ToolOutput builds a function_call_output item for a completed tool call.
func ToolOutput(callID, output string) ItemCreate {
	return ItemCreate{
		Type: TypeItemCreate,
		Item: Item{Type: "function_call_output", CallID: callID, Output: output},
	}
}

// APIError is the body of an inbound error event.
type APIError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Param   string `json:"param,omitempty"`
}

// CancelNotActive reports whether this error is the benign race where a
// cancel arrived after the response already finished.
func (e *APIError) CancelNotActive() bool {
	if e == nil {
		return false
	}
	return e.Code == "response_cancel_not_active" ||
		strings.Contains(e.Message, "Cancellation failed")
}

// OutputItem is the item payload of response.output_item.done; function
// calls arrive here with their name, call id, and raw argument JSON.
type OutputItem struct {
	Type      string `json:"type"`
	Status    string `json:"status,omitempty"`
	Name      string `json:"name,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ResponseInfo is the response body attached to lifecycle events.
type ResponseInfo struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status,omitempty"`
}

// Event is one decoded inbound frame. Raw always holds the original bytes so
// relayed events reach the client unmodified.
type Event struct {
	Type       string        `json:"type"`
	DeltaB64   string        `json:"delta,omitempty"`
	Transcript string        `json:"transcript,omitempty"`
	Item       *OutputItem   `json:"item,omitempty"`
	Response   *ResponseInfo `json:"response,omitempty"`
	Error      *APIError     `json:"error,omitempty"`
	Raw        []byte        `json:"-"`
}

// FunctionCall reports the completed function call carried by the event, if
// any.
func (e Event) FunctionCall() (*OutputItem, bool) {
	if e.Type != EventOutputItemDone || e.Item == nil {
		return nil, false
	}
	if e.Item.Type != "function_call" {
		return nil, false
	}
	return e.Item, true
}

// DecodeEvent parses one inbound frame. Unknown event types decode fine;
// only malformed JSON is an error.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	ev.Raw = data
	return ev, nil
}
