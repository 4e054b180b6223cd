// Package errors provides standardized error codes for the bridge.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (bridge, auth, pairing, rpc, protocol, policy)
//   - error: The specific error type within that domain
//
// These codes are stable and are returned to the local control CLI and to
// orchestration callers. Human-readable messages are provided alongside codes.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes by domain.
const (
	// Bridge domain - session availability and lifecycle
	CodeBridgeNotConnected = "bridge.not_connected" // No authoritative extension socket
	CodeBridgeShutdown     = "bridge.shutdown"      // Bridge stopped while a call was outstanding

	// Auth domain - device authentication
	CodeAuthRejected = "auth.rejected" // Bad or missing token or signature

	// Pairing domain - human-approved pairing flow
	CodePairingExpiredOrUnknown = "pairing.expired_or_unknown" // Stale, garbled, or already used code
	CodePairingRateLimited      = "pairing.rate_limited"       // Too many approval attempts
	CodePairingMissingCode      = "pairing.missing_code"       // Approve request without a code

	// RPC domain - action calls to the automation surface
	CodeRPCTimeout     = "rpc.timeout"      // No response within the call deadline
	CodeRPCRemoteError = "rpc.remote_error" // Automation surface reported a failure
	CodeRPCSendFailed  = "rpc.send_failed"  // Request could not be written to the socket

	// Action domain - request validation before anything is sent
	CodeActionNotAllowed    = "action.not_allowed"    // Action name outside the allow-list
	CodeActionInvalidParams = "action.invalid_params" // Params are not a JSON object

	// Protocol and policy domains - socket-local rejections
	CodeProtocolViolation = "protocol.violation" // Malformed or unexpected frame
	CodePolicyDenied      = "policy.denied"      // Remote address rejected by the network policy

	// Device domain - trust store management
	CodeDeviceNotFound = "device.not_found" // Unknown device id

	// Storage domain - persistence
	CodeStorageLoadFailed = "storage.load_failed" // Store could not be read
	CodeStorageSaveFailed = "storage.save_failed" // Store could not be written

	// Control domain - local control API requests
	CodeControlInvalidRequest   = "control.invalid_request"    // Malformed control request body
	CodeControlMethodNotAllowed = "control.method_not_allowed" // Wrong HTTP method

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "rpc.timeout")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// RemoteError is a failure reported by the automation surface in a
// {success:false, error} response. Its Error() is the remote message verbatim.
type RemoteError struct {
	Action  string
	Message string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	return e.Message
}

// Remote creates a RemoteError for the given action.
func Remote(action, message string) *RemoteError {
	if message == "" {
		message = fmt.Sprintf("action %s failed", action)
	}
	return &RemoteError{Action: action, Message: message}
}

// GetCode extracts the error code from an error.
// Falls back to CodeUnknown for unrecognized errors.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	var remote *RemoteError
	if errors.As(err, &remote) {
		return CodeRPCRemoteError
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to control API responses.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}
	return GetCode(err), GetMessage(err)
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// nextActions maps error codes to the single primary recovery action.
var nextActions = map[string]string{
	CodeBridgeNotConnected:      "Open the browser extension popup, set the server URL, and approve its pairing code with 'redditbridge pairings approve <code>'.",
	CodeBridgeShutdown:          "Restart the bridge with 'redditbridge start' and retry the call.",
	CodeAuthRejected:            "Re-pair the extension: it will show a new pairing code to approve.",
	CodePairingExpiredOrUnknown: "Run 'redditbridge pairings list' and approve a currently pending code.",
	CodePairingRateLimited:      "Wait a minute before retrying the approval.",
	CodePairingMissingCode:      "Pass the code shown in the extension popup.",
	CodeRPCTimeout:              "Check that the browser is running and retry with a larger timeout.",
	CodeRPCRemoteError:          "Inspect the error message from the extension and adjust the action parameters.",
	CodeRPCSendFailed:           "The extension connection dropped; wait for it to reconnect and retry.",
	CodeActionNotAllowed:        "Call 'get_skill' to list the supported actions.",
	CodeActionInvalidParams:     "Pass action parameters as a JSON object.",
	CodeProtocolViolation:       "Update the extension to a version that speaks the bridge protocol.",
	CodePolicyDenied:            "Connect from an allowed network or change network_policy in the bridge config.",
	CodeDeviceNotFound:          "Run 'redditbridge devices list' to see paired device ids.",
	CodeStorageLoadFailed:       "Check permissions of the pairing store file.",
	CodeStorageSaveFailed:       "Check free disk space and permissions of the pairing store directory.",
	CodeControlInvalidRequest:   "Send a JSON request body.",
	CodeControlMethodNotAllowed: "Use the documented HTTP method for this endpoint.",
	CodeInternal:                "Check the bridge log for details.",
}

// GetNextAction returns the recovery action for a code, or "" if none is known.
func GetNextAction(code string) string {
	return nextActions[code]
}

// Common error constructors for frequently used error types.

// NotConnected creates a "bridge.not_connected" error.
// Pending pairing codes, if any, are listed so the operator can approve one.
func NotConnected(pendingCodes []string) *CodedError {
	msg := "browser extension is not connected"
	if len(pendingCodes) > 0 {
		msg = fmt.Sprintf("%s; pending pairing codes awaiting approval: %s", msg, strings.Join(pendingCodes, ", "))
	} else {
		msg += "; ensure the extension is installed, its server URL points at this bridge, and the browser is running"
	}
	return New(CodeBridgeNotConnected, msg)
}

// Shutdown creates a "bridge.shutdown" error.
func Shutdown() *CodedError {
	return New(CodeBridgeShutdown, "bridge shutting down")
}

// Timeout creates an "rpc.timeout" error naming the action and elapsed time.
func Timeout(action string, elapsedMs int64) *CodedError {
	return New(CodeRPCTimeout, fmt.Sprintf("request timed out after %dms for action: %s", elapsedMs, action))
}

// ActionNotAllowed creates an "action.not_allowed" error.
func ActionNotAllowed(action string) *CodedError {
	return New(CodeActionNotAllowed, fmt.Sprintf("action %q is not allowed", action))
}

// PairingExpiredOrUnknown creates a "pairing.expired_or_unknown" error.
func PairingExpiredOrUnknown(code string) *CodedError {
	return New(CodePairingExpiredOrUnknown, fmt.Sprintf("pairing code %q is unknown, expired, or its device disconnected", code))
}

// ProtocolViolation creates a "protocol.violation" error.
func ProtocolViolation(reason string) *CodedError {
	return New(CodeProtocolViolation, reason)
}

// DeviceNotFound creates a "device.not_found" error.
func DeviceNotFound(deviceID string) *CodedError {
	return New(CodeDeviceNotFound, fmt.Sprintf("device %s not found", deviceID))
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}
