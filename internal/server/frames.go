package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/redditagent/bridge/internal/errors"
)

// Frame types on the bridge socket.
const (
	FrameIdentify        = "identify"
	FramePairingRequired = "pairing_required"
	FramePairingApproved = "pairing_approved"
	FrameIdentified      = "identified"
	FramePing            = "ping"
	FramePong            = "pong"
)

// RoleExtension is the only role accepted in identify frames.
const RoleExtension = "extension"

// inbound is a decoded client frame. Exactly one of the concrete frame types
// below implements it.
type inbound interface {
	kind() string
}

// IdentifyFrame is sent by the extension right after the socket opens.
type IdentifyFrame struct {
	Type       string `json:"type"`
	Role       string `json:"role"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName,omitempty"`
	AuthToken  string `json:"authToken,omitempty"`
}

func (IdentifyFrame) kind() string { return FrameIdentify }

// PingFrame is an application-level keepalive.
type PingFrame struct {
	Type string `json:"type"`
}

func (PingFrame) kind() string { return FramePing }

// ResponseFrame answers a RequestFrame.
type ResponseFrame struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (ResponseFrame) kind() string { return "res" }

// RequestFrame is an action call sent to the authoritative socket.
type RequestFrame struct {
	ID     string          `json:"id"`
	Action string          `json:"action"`
	Params json.RawMessage `json:"params"`
}

// PairingRequiredFrame tells an unknown device which code the operator must approve.
type PairingRequiredFrame struct {
	Type        string    `json:"type"`
	Code        string    `json:"code"`
	DeviceID    string    `json:"deviceId"`
	DeviceName  string    `json:"deviceName"`
	RequestedAt time.Time `json:"requestedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// PairingApprovedFrame delivers the plaintext token. It is sent once per approval.
type PairingApprovedFrame struct {
	Type       string `json:"type"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	AuthToken  string `json:"authToken"`
}

// IdentifiedFrame confirms a token-authenticated device.
type IdentifiedFrame struct {
	Type       string `json:"type"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
}

// wireFrame is the union of every field a client may send. It is only used
// to classify a payload; handlers receive the concrete frame.
type wireFrame struct {
	Type       *string         `json:"type"`
	Role       string          `json:"role"`
	DeviceID   string          `json:"deviceId"`
	DeviceName string          `json:"deviceName"`
	AuthToken  string          `json:"authToken"`
	ID         *string         `json:"id"`
	Action     *string         `json:"action"`
	Success    *bool           `json:"success"`
	Data       json.RawMessage `json:"data"`
	Error      json.RawMessage `json:"error"`
}

// decodeInbound classifies a client payload. Anything that is not a known
// shape is a protocol violation.
func decodeInbound(payload []byte) (inbound, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, apperrors.ProtocolViolation("frame is not a JSON object")
	}

	var w wireFrame
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, apperrors.ProtocolViolation("malformed JSON")
	}

	if w.Type != nil {
		switch *w.Type {
		case FrameIdentify:
			if w.Role != RoleExtension {
				return nil, apperrors.ProtocolViolation(fmt.Sprintf("identify with unsupported role %q", w.Role))
			}
			return IdentifyFrame{
				Type:       FrameIdentify,
				Role:       w.Role,
				DeviceID:   w.DeviceID,
				DeviceName: w.DeviceName,
				AuthToken:  w.AuthToken,
			}, nil
		case FramePing:
			return PingFrame{Type: FramePing}, nil
		default:
			return nil, apperrors.ProtocolViolation(fmt.Sprintf("unexpected frame type %q", *w.Type))
		}
	}

	if w.Action != nil {
		return nil, apperrors.ProtocolViolation("inbound action frames are not accepted")
	}

	if w.ID != nil && w.Success != nil {
		if *w.ID == "" {
			return nil, apperrors.ProtocolViolation("response without id")
		}
		res := ResponseFrame{ID: *w.ID, Success: *w.Success, Data: w.Data}
		if !res.Success {
			res.Error = errorText(w.Error)
		}
		return res, nil
	}

	return nil, apperrors.ProtocolViolation("unrecognized frame")
}

// errorText accepts the error as a string, an object with a message, or any
// other JSON value (rendered verbatim).
func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

// maxCloseReason is the largest close reason a control frame can carry.
const maxCloseReason = 123

// truncateReason cuts a close reason to fit a control frame without
// splitting a UTF-8 sequence.
func truncateReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	cut := maxCloseReason
	for cut > 0 && !isRuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
