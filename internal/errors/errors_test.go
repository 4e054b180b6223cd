package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestCodedError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *CodedError
		expected string
	}{
		{
			name:     "error without cause",
			err:      New(CodeDeviceNotFound, "device abc not found"),
			expected: "device.not_found: device abc not found",
		},
		{
			name:     "error with cause",
			err:      Wrap(CodeStorageSaveFailed, "persist pairings", errors.New("disk full")),
			expected: "storage.save_failed: persist pairings (disk full)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestCodedError_Unwrap(t *testing.T) {
	cause := errors.New("original error")
	err := Wrap(CodeInternal, "wrapped", cause)

	if err.Unwrap() != cause {
		t.Error("Unwrap() should return the original cause")
	}

	err2 := New(CodeDeviceNotFound, "not found")
	if err2.Unwrap() != nil {
		t.Error("Unwrap() should return nil when no cause")
	}
}

func TestGetCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil error", nil, ""},
		{"CodedError", New(CodeRPCTimeout, "slow"), CodeRPCTimeout},
		{"wrapped with fmt", fmt.Errorf("call: %w", Shutdown()), CodeBridgeShutdown},
		{"remote error", Remote("fetch_post", "boom"), CodeRPCRemoteError},
		{"plain error", errors.New("some error"), CodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(tt.err); got != tt.expected {
				t.Errorf("GetCode() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestToCodeAndMessage(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantCode    string
		wantMessage string
	}{
		{"nil error", nil, "", ""},
		{"CodedError", New(CodePolicyDenied, "denied"), CodePolicyDenied, "denied"},
		{"remote error keeps message verbatim", Remote("fetch_subreddit", "boom"), CodeRPCRemoteError, "boom"},
		{"plain error", errors.New("some error"), CodeUnknown, "some error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, message := ToCodeAndMessage(tt.err)
			if code != tt.wantCode {
				t.Errorf("code = %q, want %q", code, tt.wantCode)
			}
			if message != tt.wantMessage {
				t.Errorf("message = %q, want %q", message, tt.wantMessage)
			}
		})
	}
}

func TestRemoteError(t *testing.T) {
	err := Remote("fetch_subreddit", "boom")
	if err.Error() != "boom" {
		t.Errorf("Error() = %q, want boom", err.Error())
	}

	empty := Remote("fetch_post", "")
	if empty.Error() != "action fetch_post failed" {
		t.Errorf("Error() = %q", empty.Error())
	}
}

func TestNotConnectedListsPendingCodes(t *testing.T) {
	err := NotConnected([]string{"ABC234", "XYZ789"})
	if !IsCode(err, CodeBridgeNotConnected) {
		t.Fatalf("code = %q", err.Code)
	}
	if !strings.Contains(err.Message, "ABC234, XYZ789") {
		t.Errorf("message %q should list pending codes", err.Message)
	}

	bare := NotConnected(nil)
	if strings.Contains(bare.Message, "pending pairing codes") {
		t.Errorf("message %q should not mention codes when none are pending", bare.Message)
	}
}

func TestTimeoutNamesAction(t *testing.T) {
	err := Timeout("search_reddit", 250)
	if err.Message != "request timed out after 250ms for action: search_reddit" {
		t.Errorf("message = %q", err.Message)
	}
}

func TestEveryBridgeCodeHasNextAction(t *testing.T) {
	codes := []string{
		CodeBridgeNotConnected,
		CodeBridgeShutdown,
		CodeAuthRejected,
		CodePairingExpiredOrUnknown,
		CodePairingRateLimited,
		CodeRPCTimeout,
		CodeRPCRemoteError,
		CodeActionNotAllowed,
		CodeProtocolViolation,
		CodePolicyDenied,
		CodeDeviceNotFound,
	}
	for _, code := range codes {
		if !strings.Contains(code, ".") {
			t.Errorf("error code %q should be in format {domain}.{error}", code)
		}
		if strings.TrimSpace(GetNextAction(code)) == "" {
			t.Errorf("missing next action for %q", code)
		}
	}
	if GetNextAction("nope.nope") != "" {
		t.Error("unknown code should have no next action")
	}
}

func TestErrorsAs(t *testing.T) {
	cause := errors.New("original")
	coded := Wrap(CodeStorageSaveFailed, "wrapped", cause)
	wrapped := Wrap(CodeInternal, "double wrapped", coded)

	var target *CodedError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As should find CodedError in chain")
	}
	if target.Code != CodeInternal {
		t.Errorf("errors.As should find outermost CodedError, got code %q", target.Code)
	}
	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is should reach the innermost cause")
	}
}
