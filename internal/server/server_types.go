package server

import (
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/redditagent/bridge/internal/auth"
	"github.com/redditagent/bridge/internal/metrics"
	"github.com/redditagent/bridge/internal/netpolicy"
	"github.com/redditagent/bridge/internal/storage"
)

// Defaults for Options fields left zero.
const (
	DefaultPath           = "/ws"
	DefaultRequestTimeout = 60 * time.Second
	MaxRequestTimeout     = 300 * time.Second
	DefaultInboundRate    = rate.Limit(100)
	DefaultInboundBurst   = 50

	// connectPollInterval is how often SendAction re-checks for an
	// authoritative socket while waiting out a reconnect.
	connectPollInterval = 50 * time.Millisecond

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameBytes  = 4 << 20
	sendBufferSize = 256
)

// DefaultAllowedActions are the actions the extension implements.
var DefaultAllowedActions = []string{
	"get_skill",
	"fetch_subreddit",
	"search_reddit",
	"fetch_user_posts",
	"fetch_post",
	"reply_to_comment",
}

// TLSConfig holds the TLS configuration for the server.
type TLSConfig struct {
	// CertPath is the path to the TLS certificate file.
	CertPath string
	// KeyPath is the path to the TLS private key file.
	KeyPath string
	// Fingerprint is shown in status output so operators can verify the cert.
	Fingerprint string
}

// DeviceRegistry is the part of the trust store the server manages directly.
// storage.TrustStore implements it.
type DeviceRegistry interface {
	List() []*storage.Device
	Delete(id string) error
	Len() int
}

// Options configures a Server.
type Options struct {
	// Host and Port are the listen address. Port 0 picks a free port.
	Host string
	Port int

	// Path is the WebSocket endpoint. Default: /ws.
	Path string

	// Policy gates inbound connections by remote address.
	Policy netpolicy.Policy

	// Pairing authenticates devices. Required.
	Pairing *auth.PairingManager

	// Devices is the trust store behind Pairing. Required.
	Devices DeviceRegistry

	// Audit records revocations. Optional.
	Audit auth.AuditSink

	// IdleTimeout stops the bridge after this long without traffic.
	// Zero disables idle shutdown.
	IdleTimeout time.Duration

	// RequestTimeout is the per-call default. Zero uses DefaultRequestTimeout.
	RequestTimeout time.Duration

	// ConnectWait is how long SendAction waits for an authoritative socket
	// before failing with bridge.not_connected.
	ConnectWait time.Duration

	// AllowedActions overrides DefaultAllowedActions when non-empty.
	AllowedActions []string

	// InboundRate and InboundBurst limit frames per connection. A client
	// that exceeds them is disconnected.
	InboundRate  rate.Limit
	InboundBurst int

	// TLS enables a wss:// listener when non-nil.
	TLS *TLSConfig

	// Metrics receives bridge events. Nil discards them.
	Metrics metrics.Observer

	// MetricsHandler is served at /metrics when non-nil.
	MetricsHandler http.Handler

	// Logger receives bridge log lines. Nil discards them.
	Logger *zap.SugaredLogger

	// OnStatus is called after every state transition.
	OnStatus func(Status)

	// OnIdleShutdown is called after an idle timeout stopped the bridge.
	OnIdleShutdown func()
}

// State is the bridge connection state.
type State int

const (
	StateDisconnected State = iota
	StatePairing
	StateConnected
)

// String returns the state name used in status output.
func (s State) String() string {
	switch s {
	case StatePairing:
		return "pairing"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name. Unknown names decode as disconnected.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pairing":
		*s = StatePairing
	case "connected":
		*s = StateConnected
	default:
		*s = StateDisconnected
	}
	return nil
}

// DeviceSummary is a paired device without its token hash.
type DeviceSummary struct {
	DeviceID   string    `json:"deviceId"`
	DeviceName string    `json:"deviceName"`
	ApprovedAt time.Time `json:"approvedAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
	Connected  bool      `json:"connected"`
}

// Status is a snapshot of the bridge for operators.
type Status struct {
	State               State          `json:"state"`
	URL                 string         `json:"url"`
	Policy              string         `json:"policy"`
	TLSFingerprint      string         `json:"tlsFingerprint,omitempty"`
	Device              *DeviceSummary `json:"device,omitempty"`
	PendingPairings     []auth.Pairing `json:"pendingPairings"`
	PairedDevices       int            `json:"pairedDevices"`
	Connections         int            `json:"connections"`
	OutstandingRequests int            `json:"outstandingRequests"`
	IdleTimeoutSeconds  int64          `json:"idleTimeoutSeconds"`
	StartedAt           time.Time      `json:"startedAt,omitempty"`
	UptimeSeconds       int64          `json:"uptimeSeconds"`
}
