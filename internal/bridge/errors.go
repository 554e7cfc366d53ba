package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Code is the machine-readable error category carried on the wire
type Code string

const (
	CodeTimeout              Code = "TIMEOUT"
	CodeUnknownMessageType   Code = "UNKNOWN_MESSAGE_TYPE"
	CodeNativeError          Code = "NATIVE_ERROR"
	CodeTransportUnavailable Code = "TRANSPORT_UNAVAILABLE"
	CodeMalformedMessage     Code = "MALFORMED_MESSAGE"
)

// Error is a protocol error. Two Errors match under errors.Is when their
// codes are equal, so the sentinels below match wrapped and remote errors.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func New(code Code, msg string) *Error             { return &Error{Code: code, Message: msg} }
func Wrap(code Code, msg string, err error) *Error { return &Error{Code: code, Message: msg, Err: err} }

var (
	ErrTimeout              = New(CodeTimeout, "no response before deadline")
	ErrUnknownMessageType   = New(CodeUnknownMessageType, "no handler for message type")
	ErrNativeError          = New(CodeNativeError, "native handler failed")
	ErrTransportUnavailable = New(CodeTransportUnavailable, "transport not attached")
	ErrMalformedMessage     = New(CodeMalformedMessage, "malformed message")
)

// errorFromPayload rebuilds the error carried by an ERROR message
func errorFromPayload(raw json.RawMessage) *Error {
	var p ErrorPayload
	if len(raw) == 0 || json.Unmarshal(raw, &p) != nil || p.Code == "" {
		return New(CodeNativeError, "remote error without details")
	}
	return New(p.Code, p.Message)
}

// payloadFromError is the wire form of err
func payloadFromError(err error) ErrorPayload {
	var e *Error
	if errors.As(err, &e) {
		return ErrorPayload{Code: e.Code, Message: e.Message}
	}
	return ErrorPayload{Code: CodeNativeError, Message: err.Error()}
}
