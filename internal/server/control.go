package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/redditagent/bridge/internal/auth"
	apperrors "github.com/redditagent/bridge/internal/errors"
)

// ActionRequest is the body of POST /actions.
type ActionRequest struct {
	Action    string          `json:"action"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
}

// ActionResponse is a successful POST /actions result.
type ActionResponse struct {
	Data json.RawMessage `json:"data"`
}

// DevicesResponse is the body of GET /devices.
type DevicesResponse struct {
	Devices []DeviceSummary `json:"devices"`
}

// ControlHandler returns the local operator API. It is meant to be served
// on the control socket; every route also refuses non-local requests.
//
//	GET    /status
//	GET    /pairings
//	POST   /pairings/approve
//	GET    /devices
//	DELETE /devices/{id}
//	POST   /actions
func (s *Server) ControlHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/status", method(http.MethodGet, http.HandlerFunc(s.handleStatus)))
	mux.Handle("/pairings", auth.NewPairingsHandler(s.pairing))
	mux.Handle("/pairings/approve", auth.NewApproveHandler(s, s.log.Named("control")))
	mux.Handle("/devices", method(http.MethodGet, http.HandlerFunc(s.handleDevices)))
	mux.Handle("/devices/", method(http.MethodDelete, http.HandlerFunc(s.handleRevoke)))
	mux.Handle("/actions", method(http.MethodPost, http.HandlerFunc(s.handleAction)))
	return localOnly(mux, s.log)
}

func localOnly(next http.Handler, log *zap.SugaredLogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.IsLocalRequest(r) {
			log.Warnf("control: refused request from %s", r.RemoteAddr)
			auth.WriteError(w, http.StatusForbidden,
				apperrors.New(apperrors.CodePolicyDenied, "control API is local-only"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func method(m string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != m {
			w.Header().Set("Allow", m)
			auth.WriteError(w, http.StatusMethodNotAllowed,
				apperrors.New(apperrors.CodeControlMethodNotAllowed, r.Method+" is not allowed here"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, DevicesResponse{Devices: s.PairedDevices()})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/devices/")
	if id == "" || strings.Contains(id, "/") {
		auth.WriteError(w, http.StatusBadRequest,
			apperrors.New(apperrors.CodeControlInvalidRequest, "expected /devices/{id}"))
		return
	}
	if err := s.RevokeDevice(id); err != nil {
		auth.WriteError(w, auth.StatusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		auth.WriteError(w, http.StatusBadRequest,
			apperrors.Wrap(apperrors.CodeControlInvalidRequest, "invalid request body", err))
		return
	}

	data, err := s.SendAction(r.Context(), req.Action, req.Params, time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		auth.WriteError(w, auth.StatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{Data: data})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
