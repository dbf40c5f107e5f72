// Package protocol defines the client-facing WebSocket vocabulary: the
// messages a browser client may send to the gateway and the messages the
// gateway originates itself. Upstream events the gateway merely relays
// (audio deltas, transcripts, response lifecycle) keep their upstream shape
// and are forwarded without re-encoding.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// Client -> gateway message types.
	TypeAudioAppend    = "input_audio_buffer.append"
	TypeAudioCommit    = "input_audio_buffer.commit"
	TypeItemCreate     = "conversation.item.create"
	TypeResponseCreate = "response.create"
	TypeResponseCancel = "response.cancel"
	TypeTextMessage    = "text_message"

	// Gateway -> client message types.
	TypeAgentReady      = "agent_ready"
	TypeSpeechStarted   = "speech_started"
	TypeSpeechStopped   = "speech_stopped"
	TypeActionCompleted = "spotify_action_completed"
	TypeActionError     = "spotify_action_error"
	TypeError           = "error"
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

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// ClientAudioAppend carries one base64 PCM16 frame for the upstream input
// buffer.
type ClientAudioAppend struct {
	Type     string `json:"type"`
	AudioB64 string `json:"audio"`
}

// ClientAudioCommit closes out the buffered audio; committing an empty
// buffer is legal and signals that nothing was captured.
type ClientAudioCommit struct {
	Type string `json:"type"`
}

// ItemContent is one content part of a conversation item.
type ItemContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ConversationItem mirrors the upstream item shape closely enough that
// client-created items can be forwarded without translation.
type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []ItemContent `json:"content"`
}

type ClientItemCreate struct {
	Type string           `json:"type"`
	Item ConversationItem `json:"item"`
}

type ClientResponseCreate struct {
	Type string `json:"type"`
}

type ClientResponseCancel struct {
	Type string `json:"type"`
}

// ClientTextMessage is the typed-chat fallback: free text routed into the
// conversation without touching the audio channel.
type ClientTextMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// DecodeClientMessage parses and validates one client frame. The returned
// value is one of the Client* types above; errors are always *DecodeError.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeAudioAppend:
		var msg ClientAudioAppend
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio append frame", "")
		}
		if strings.TrimSpace(msg.AudioB64) == "" {
			return nil, badRequest("audio is required", "audio")
		}
		return msg, nil
	case TypeAudioCommit:
		var msg ClientAudioCommit
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio commit frame", "")
		}
		return msg, nil
	case TypeItemCreate:
		var msg ClientItemCreate
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid item create frame", "")
		}
		if err := validateItem(msg.Item); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeResponseCreate:
		var msg ClientResponseCreate
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid response create frame", "")
		}
		return msg, nil
	case TypeResponseCancel:
		var msg ClientResponseCancel
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid response cancel frame", "")
		}
		return msg, nil
	case TypeTextMessage:
		var msg ClientTextMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid text message frame", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("text is required", "text")
		}
		return msg, nil
	default:
		return nil, unsupported("unsupported message type", "type")
	}
}

func validateItem(item ConversationItem) error {
	if strings.TrimSpace(item.Type) == "" {
		return badRequest("item.type is required", "item.type")
	}
	if item.Type != "message" {
		return unsupported("only message items may be created by the client", "item.type")
	}
	switch item.Role {
	case "user", "system":
	default:
		return badRequest("item.role must be user or system", "item.role")
	}
	if len(item.Content) == 0 {
		return badRequest("item.content is required", "item.content")
	}
	for i, part := range item.Content {
		if strings.TrimSpace(part.Type) == "" {
			return badRequest("item content parts need a type", fmt.Sprintf("item.content[%d].type", i))
		}
	}
	return nil
}

// ServerAgentReady is the first gateway-originated message on a session.
type ServerAgentReady struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Voice     string `json:"voice,omitempty"`
}

type ServerSpeechStarted struct {
	Type string `json:"type"`
}

type ServerSpeechStopped struct {
	Type string `json:"type"`
}

// ServerActionResult reports the outcome of a dispatched tool call. The same
// shape serves both the completed and error message types.
type ServerActionResult struct {
	Type    string `json:"type"`
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
	Kind    string `json:"error_kind,omitempty"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// ErrorFrom converts a decode failure into the wire error shape.
func ErrorFrom(err error) ServerError {
	if de, ok := err.(*DecodeError); ok {
		return ServerError{Type: TypeError, Code: de.Code, Message: de.Message, Param: de.Param}
	}
	return ServerError{Type: TypeError, Code: "internal", Message: err.Error()}
}
