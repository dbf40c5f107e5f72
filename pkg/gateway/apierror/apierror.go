// Package apierror maps internal errors onto the gateway's JSON error
// envelope and HTTP status codes.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/melodyhq/voice-gateway/pkg/gateway/actions"
	"github.com/melodyhq/voice-gateway/pkg/gateway/live/sessions"
)

type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrPermission     ErrorType = "permission_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrConflict       ErrorType = "conflict_error"
	ErrUpstream       ErrorType = "upstream_error"
	ErrAPI            ErrorType = "api_error"
)

type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	Param     string    `json:"param,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

func (e *Error) Error() string { return string(e.Type) + ": " + e.Message }

type Envelope struct {
	Error *Error `json:"error"`
}

// Invalid builds a bad-request error for a specific parameter.
func Invalid(message, param string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message, Param: param}
}

// FromError resolves err to an envelope error and status. Unknown errors
// collapse to an opaque internal error so details are not leaked.
func FromError(err error, requestID string) (*Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Type: ErrAPI, Message: "request timeout", RequestID: requestID}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Type: ErrAPI, Message: "request cancelled", Code: "cancelled", RequestID: requestID}, http.StatusRequestTimeout
	}

	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr != nil {
		out := *apiErr
		out.RequestID = requestID
		return &out, StatusFromType(out.Type)
	}

	if errors.Is(err, sessions.ErrNotFound) {
		return &Error{Type: ErrNotFound, Message: "session not found", RequestID: requestID}, http.StatusNotFound
	}
	if errors.Is(err, sessions.ErrAlreadyAttached) {
		return &Error{Type: ErrConflict, Message: "session already has a live connection", RequestID: requestID}, http.StatusConflict
	}

	// Music backend failures carry a kind the client understands.
	if f := actions.AsFailure(err); f != nil {
		e := &Error{Type: ErrUpstream, Message: f.Message, Code: string(f.Kind), RequestID: requestID}
		switch f.Kind {
		case actions.FailurePremiumRequired:
			e.Type = ErrPermission
			return e, http.StatusForbidden
		case actions.FailureNoActiveDevice:
			return e, http.StatusConflict
		}
		return e, http.StatusBadGateway
	}

	return &Error{Type: ErrAPI, Message: "internal error", RequestID: requestID}, http.StatusInternalServerError
}

func StatusFromType(t ErrorType) int {
	switch t {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrAuthentication:
		return http.StatusUnauthorized
	case ErrPermission:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrUpstream:
		return http.StatusBadGateway
	case ErrAPI:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON emits the envelope with the given status.
func WriteJSON(w http.ResponseWriter, status int, e *Error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: e})
}
