package auth

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/redditagent/bridge/internal/errors"
)

// ApproveRequest is the JSON body for POST /pairings/approve.
type ApproveRequest struct {
	// Code is the pairing code shown in the extension popup.
	Code string `json:"code"`
}

// ApproveResponse is returned on a successful approval.
// The device token is never included; it goes only to the device.
type ApproveResponse struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
}

// PairingsResponse is the body of GET /pairings.
type PairingsResponse struct {
	Pairings []Pairing `json:"pairings"`
}

// ErrorResponse is the JSON response for error conditions.
type ErrorResponse struct {
	// ErrorCode is the stable dotted taxonomy code (e.g., "pairing.expired_or_unknown").
	ErrorCode string `json:"error_code"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// NextAction is the single primary recovery action for the operator.
	NextAction string `json:"next_action,omitempty"`
}

// Approver completes an approval: it approves the code and delivers the
// token to the waiting device. The bridge server implements it.
type Approver interface {
	ApprovePairing(code string) (*Device, error)
}

// PendingLister lists live pending pairings. PairingManager implements it.
type PendingLister interface {
	Pending() []Pairing
}

// ApproveHandler handles POST /pairings/approve.
type ApproveHandler struct {
	approver Approver
	log      *zap.SugaredLogger
}

// NewApproveHandler creates a new approve handler.
func NewApproveHandler(approver Approver, logger *zap.SugaredLogger) *ApproveHandler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ApproveHandler{approver: approver, log: logger}
}

// ServeHTTP handles POST /pairings/approve requests.
// Approval is restricted to loopback or unix socket callers: whoever can
// approve a code can admit a device.
func (h *ApproveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !IsLocalRequest(r) {
		h.log.Warnf("rejected pairing approval from non-loopback address %s", r.RemoteAddr)
		WriteError(w, http.StatusForbidden, apperrors.New(apperrors.CodePolicyDenied, "pairing approval is only available from this machine"))
		return
	}
	if r.Method != http.MethodPost {
		WriteError(w, http.StatusMethodNotAllowed, apperrors.New(apperrors.CodeControlMethodNotAllowed, "only POST is allowed"))
		return
	}

	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debugf("failed to parse approve request: %v", err)
		WriteError(w, http.StatusBadRequest, apperrors.New(apperrors.CodeControlInvalidRequest, "invalid JSON body"))
		return
	}

	device, err := h.approver.ApprovePairing(req.Code)
	if err != nil {
		WriteError(w, StatusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, ApproveResponse{DeviceID: device.ID, DeviceName: device.Name})
}

// PairingsHandler handles GET /pairings.
type PairingsHandler struct {
	lister PendingLister
}

// NewPairingsHandler creates a new pending pairings handler.
func NewPairingsHandler(lister PendingLister) *PairingsHandler {
	return &PairingsHandler{lister: lister}
}

// ServeHTTP handles GET /pairings requests.
func (h *PairingsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !IsLocalRequest(r) {
		WriteError(w, http.StatusForbidden, apperrors.New(apperrors.CodePolicyDenied, "pairing listing is only available from this machine"))
		return
	}
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, apperrors.New(apperrors.CodeControlMethodNotAllowed, "only GET is allowed"))
		return
	}
	writeJSON(w, http.StatusOK, PairingsResponse{Pairings: h.lister.Pending()})
}

// StatusFor maps an error code to an HTTP status.
func StatusFor(err error) int {
	switch apperrors.GetCode(err) {
	case apperrors.CodePairingMissingCode, apperrors.CodeControlInvalidRequest,
		apperrors.CodeActionNotAllowed, apperrors.CodeActionInvalidParams:
		return http.StatusBadRequest
	case apperrors.CodePairingExpiredOrUnknown, apperrors.CodeDeviceNotFound:
		return http.StatusNotFound
	case apperrors.CodePairingRateLimited:
		return http.StatusTooManyRequests
	case apperrors.CodePolicyDenied:
		return http.StatusForbidden
	case apperrors.CodeControlMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case apperrors.CodeBridgeNotConnected, apperrors.CodeBridgeShutdown:
		return http.StatusServiceUnavailable
	case apperrors.CodeRPCTimeout:
		return http.StatusGatewayTimeout
	case apperrors.CodeRPCRemoteError, apperrors.CodeRPCSendFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteError sends a JSON error response with taxonomy code and next action.
func WriteError(w http.ResponseWriter, status int, err error) {
	code, message := apperrors.ToCodeAndMessage(err)
	writeJSON(w, status, ErrorResponse{
		ErrorCode:  code,
		Message:    message,
		NextAction: apperrors.GetNextAction(code),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// IsLocalRequest checks if the request originates from the local machine.
// Returns true for loopback or unix socket addresses.
func IsLocalRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return isUnixSocketRemoteAddr(r.RemoteAddr)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

// Requests over a unix socket carry an empty or path-like RemoteAddr.
func isUnixSocketRemoteAddr(remoteAddr string) bool {
	if remoteAddr == "" || remoteAddr == "@" {
		return true
	}
	return strings.HasPrefix(remoteAddr, "/") || strings.HasPrefix(remoteAddr, "@")
}
