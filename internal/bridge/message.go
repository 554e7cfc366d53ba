// Package bridge implements the request/response protocol between embedded
// web content and the native host over a one-way string transport.
package bridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Known message types
const (
	TypeScreenTimeRequest    = "SCREEN_TIME_REQUEST"
	TypeDeviceInfoRequest    = "DEVICE_INFO_REQUEST"
	TypeHapticFeedback       = "HAPTIC_FEEDBACK"
	TypeShareRequest         = "SHARE_REQUEST"
	TypeBiometricAuthRequest = "BIOMETRIC_AUTH_REQUEST"
	TypeBridgeReady          = "BRIDGE_READY"
	TypeAuthSessionUpdate    = "AUTH_SESSION_UPDATE"
	TypeAuthLogout           = "AUTH_LOGOUT"
	TypeScreenTimeUpdate     = "SCREEN_TIME_UPDATE"
	TypeError                = "ERROR"
)

// Message is the wire envelope used in both directions. Timestamp is Unix
// milliseconds.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// ResponseType returns the reply type for a request type:
// SCREEN_TIME_REQUEST -> SCREEN_TIME_RESPONSE, BRIDGE_READY -> BRIDGE_READY_RESPONSE.
func ResponseType(requestType string) string {
	return strings.TrimSuffix(requestType, "_REQUEST") + "_RESPONSE"
}

// NewMessage builds an envelope, encoding payload unless it is already raw JSON
func NewMessage(id, typ string, payload any, now time.Time) (Message, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{ID: id, Type: typ, Payload: raw, Timestamp: now.UnixMilli()}, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		return data, nil
	}
}

// Encode serializes a message for the transport
func Encode(msg Message) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}
	return string(data), nil
}

// Decode parses a raw transport string. Anything that is not a JSON object
// with a type is ErrMalformedMessage.
func Decode(raw string) (Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return Message{}, Wrap(CodeMalformedMessage, "invalid envelope", err)
	}
	if msg.Type == "" {
		return Message{}, New(CodeMalformedMessage, "missing message type")
	}
	return msg, nil
}

// ErrorPayload is the payload of an ERROR message
type ErrorPayload struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// Time returns the message timestamp
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// DecodePayload unmarshals the payload into v
func (m Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return New(CodeMalformedMessage, m.Type+" carries no payload")
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return Wrap(CodeMalformedMessage, "invalid "+m.Type+" payload", err)
	}
	return nil
}
