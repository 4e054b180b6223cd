package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/redditagent/bridge/internal/metrics"
)

// Handler returns the HTTP handler for the bridge listener: the WebSocket
// endpoint, /health, and /metrics when a metrics handler is configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(s.opts.Path, s.handleWebSocket)

	// Health check endpoint for monitoring
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status": "ok",
			"state":  s.State().String(),
		})
	})

	if s.opts.MetricsHandler != nil {
		mux.Handle("/metrics", s.opts.MetricsHandler)
	}

	return mux
}

// handleWebSocket upgrades a request and starts the connection pumps.
// Addresses outside the network policy are closed right after the upgrade
// with a policy-violation close frame; nothing they send is read.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.isStopped() {
		http.Error(w, "bridge shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error response.
		s.log.Debugf("bridge: upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}

	if !s.opts.Policy.Allow(r.RemoteAddr) {
		s.log.Warnf("bridge: rejected connection from %s (network policy %s)", r.RemoteAddr, s.opts.Policy)
		s.obs.ConnOpened()
		s.obs.ConnClosed(metrics.CloseReasonPolicyDenied)
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "policy violation"),
			time.Now().Add(writeWait))
		ws.Close()
		return
	}

	c := newConn(s, ws, r.RemoteAddr)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "bridge shutting down"),
			time.Now().Add(writeWait))
		ws.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.obs.ConnOpened()
	s.log.Debugf("bridge: connection %s from %s", c.id, r.RemoteAddr)

	go c.writePump()
	go c.readPump()
}
