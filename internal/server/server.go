// Package server implements the bridge side of the extension link.
//
// A Server accepts WebSocket connections from the browser extension, gates
// them by network policy, runs the identify/pairing handshake, and keeps at
// most one authenticated socket as the authoritative session. Action calls
// from the local operator are sent over that socket and correlated with
// their responses by request id.
package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/redditagent/bridge/internal/auth"
	"github.com/redditagent/bridge/internal/metrics"
	"github.com/redditagent/bridge/internal/netpolicy"
	"github.com/redditagent/bridge/internal/pending"
)

// Server is the bridge session manager. Create it with New, then Start.
//
// Thread safety: All exported methods are safe for concurrent use.
type Server struct {
	opts     Options
	log      *zap.SugaredLogger
	obs      metrics.Observer
	pairing  *auth.PairingManager
	devices  DeviceRegistry
	calls    *pending.Registry[json.RawMessage]
	idle     *idleSupervisor
	allowed  map[string]bool
	upgrader websocket.Upgrader

	// inflight maps request id to action name for outstanding calls.
	inflight sync.Map

	mu            sync.Mutex
	conns         map[*conn]struct{}
	authoritative *conn
	state         State
	httpServer    *http.Server
	listener      net.Listener
	started       bool
	stopped       bool
	startedAt     time.Time

	// statusMu serializes OnStatus callbacks.
	statusMu sync.Mutex

	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// New validates opts and creates a Server. It does not listen yet.
func New(opts Options) (*Server, error) {
	if opts.Pairing == nil {
		return nil, errors.New("server: pairing manager is required")
	}
	if opts.Devices == nil {
		return nil, errors.New("server: device registry is required")
	}
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.Policy == "" {
		opts.Policy = netpolicy.Default
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.RequestTimeout > MaxRequestTimeout {
		opts.RequestTimeout = MaxRequestTimeout
	}
	if opts.ConnectWait < 0 {
		opts.ConnectWait = 0
	}
	if opts.InboundRate == 0 {
		opts.InboundRate = DefaultInboundRate
	}
	if opts.InboundBurst <= 0 {
		opts.InboundBurst = DefaultInboundBurst
	}
	actions := opts.AllowedActions
	if len(actions) == 0 {
		actions = DefaultAllowedActions
	}
	allowed := make(map[string]bool, len(actions))
	for _, a := range actions {
		allowed[a] = true
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	s := &Server{
		opts:    opts,
		log:     log,
		obs:     metrics.OrNop(opts.Metrics),
		pairing: opts.Pairing,
		devices: opts.Devices,
		calls:   pending.New[json.RawMessage](),
		allowed: allowed,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Extension origins (chrome-extension://...) vary per install;
			// the network policy is the gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
		done:  make(chan struct{}),
	}
	s.idle = newIdleSupervisor(opts.IdleTimeout, s.idleExpired)
	// A code can time out while its socket stays open.
	s.pairing.OnExpire(s.updateState)
	return s, nil
}

// Done is closed once the server has stopped.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Addr returns the listening address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
}

// URL returns the WebSocket endpoint clients should connect to.
func (s *Server) URL() string {
	host, port, err := net.SplitHostPort(s.Addr())
	if err != nil {
		return ""
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "localhost"
	}
	scheme := "ws"
	if s.opts.TLS != nil {
		scheme = "wss"
	}
	return scheme + "://" + net.JoinHostPort(host, port) + s.opts.Path
}

// State returns the current connection state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot for operators.
func (s *Server) Status() Status {
	pairings := s.pairing.Pending()
	if pairings == nil {
		pairings = []auth.Pairing{}
	}

	s.mu.Lock()
	st := Status{
		State:               s.state,
		Policy:              s.opts.Policy.String(),
		PendingPairings:     pairings,
		Connections:         len(s.conns),
		OutstandingRequests: s.calls.Len(),
		IdleTimeoutSeconds:  int64(s.opts.IdleTimeout / time.Second),
	}
	if c := s.authoritative; c != nil {
		st.Device = &DeviceSummary{DeviceID: c.deviceID, DeviceName: c.deviceName, Connected: true}
	}
	if !s.startedAt.IsZero() {
		st.StartedAt = s.startedAt
		st.UptimeSeconds = int64(time.Since(s.startedAt).Seconds())
	}
	s.mu.Unlock()

	st.URL = s.URL()
	st.PairedDevices = s.devices.Len()
	if s.opts.TLS != nil {
		st.TLSFingerprint = s.opts.TLS.Fingerprint
	}
	return st
}

// PairedDevices lists trusted devices without their token hashes, oldest
// approval first.
func (s *Server) PairedDevices() []DeviceSummary {
	connected := s.authoritativeDeviceID()
	records := s.devices.List()
	out := make([]DeviceSummary, 0, len(records))
	for _, d := range records {
		out = append(out, DeviceSummary{
			DeviceID:   d.ID,
			DeviceName: d.Name,
			ApprovedAt: d.ApprovedAt,
			LastSeenAt: d.LastSeen,
			Connected:  d.ID == connected,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ApprovedAt.Before(out[j].ApprovedAt)
	})
	return out
}

// PendingPairings lists pairings awaiting approval.
func (s *Server) PendingPairings() []auth.Pairing {
	return s.pairing.Pending()
}

func (s *Server) authoritativeConn() *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authoritative
}

func (s *Server) authoritativeDeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authoritative == nil {
		return ""
	}
	return s.authoritative.deviceID
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// updateState recomputes the state and notifies on change.
func (s *Server) updateState() {
	pendingCount := len(s.pairing.Pending())

	s.mu.Lock()
	next := StateDisconnected
	switch {
	case s.authoritative != nil:
		next = StateConnected
	case pendingCount > 0 && !s.stopped:
		next = StatePairing
	}
	prev := s.state
	s.state = next
	s.mu.Unlock()

	if prev == next {
		return
	}
	s.obs.Authoritative(next == StateConnected)
	s.log.Debugf("bridge: state %s -> %s", prev, next)
	s.notifyStatus()
}

func (s *Server) notifyStatus() {
	if s.opts.OnStatus == nil {
		return
	}
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.opts.OnStatus(s.Status())
}
