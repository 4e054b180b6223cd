// Package metrics exports bridge events to Prometheus.
//
// The server reports through the Observer interface. NopObserver discards
// everything; PromObserver registers collectors on a registry that the
// bridge exposes at /metrics when metrics are enabled.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CloseReason labels why a bridge connection ended.
type CloseReason string

const (
	CloseReasonPeerClosed        CloseReason = "peer_closed"
	CloseReasonPolicyDenied      CloseReason = "policy_denied"
	CloseReasonProtocolViolation CloseReason = "protocol_violation"
	CloseReasonSuperseded        CloseReason = "superseded"
	CloseReasonRevoked           CloseReason = "revoked"
	CloseReasonShutdown          CloseReason = "shutdown"
	CloseReasonWriteError        CloseReason = "write_error"
)

// PairingOutcome labels a pairing state change.
type PairingOutcome string

const (
	PairingRequested       PairingOutcome = "requested"
	PairingRefreshed       PairingOutcome = "refreshed"
	PairingApproved        PairingOutcome = "approved"
	PairingReauthenticated PairingOutcome = "reauthenticated"
	PairingTokenRejected   PairingOutcome = "token_rejected"
	PairingApproveFailed   PairingOutcome = "approve_failed"
)

// RPCResult labels the outcome of an action call.
type RPCResult string

const (
	RPCResultOK           RPCResult = "ok"
	RPCResultRemoteError  RPCResult = "remote_error"
	RPCResultTimeout      RPCResult = "timeout"
	RPCResultNotConnected RPCResult = "not_connected"
	RPCResultShutdown     RPCResult = "shutdown"
	RPCResultSendFailed   RPCResult = "send_failed"
	RPCResultRejected     RPCResult = "rejected"
)

// Observer receives bridge metric events. Implementations must be safe for
// concurrent use.
type Observer interface {
	ConnOpened()
	ConnClosed(reason CloseReason)
	Authoritative(active bool)
	Pairing(outcome PairingOutcome)
	RPC(action string, result RPCResult, d time.Duration)
	Outstanding(n int)
}

// NopObserver discards all events.
type NopObserver struct{}

func (NopObserver) ConnOpened()                          {}
func (NopObserver) ConnClosed(CloseReason)               {}
func (NopObserver) Authoritative(bool)                   {}
func (NopObserver) Pairing(PairingOutcome)               {}
func (NopObserver) RPC(string, RPCResult, time.Duration) {}
func (NopObserver) Outstanding(int)                      {}

// OrNop returns o, or NopObserver if o is nil.
func OrNop(o Observer) Observer {
	if o == nil {
		return NopObserver{}
	}
	return o
}

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// PromObserver exports bridge metrics to Prometheus.
type PromObserver struct {
	connGauge    prometheus.Gauge
	connTotal    prometheus.Counter
	closeTotal   *prometheus.CounterVec
	authGauge    prometheus.Gauge
	pairingTotal *prometheus.CounterVec
	rpcTotal     *prometheus.CounterVec
	rpcLatency   *prometheus.HistogramVec
	outstanding  prometheus.Gauge
}

// NewPromObserver registers bridge metrics on the registry.
func NewPromObserver(reg prometheus.Registerer) *PromObserver {
	o := &PromObserver{
		connGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "redditbridge_connections",
			Help: "Current websocket connection count.",
		}),
		connTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "redditbridge_connections_total",
			Help: "Websocket connections accepted.",
		}),
		closeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redditbridge_connection_close_total",
			Help: "Websocket connection close reasons.",
		}, []string{"reason"}),
		authGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "redditbridge_authoritative_session",
			Help: "1 while an authenticated extension session is active.",
		}),
		pairingTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redditbridge_pairing_total",
			Help: "Pairing outcomes.",
		}, []string{"outcome"}),
		rpcTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redditbridge_rpc_calls_total",
			Help: "Action call outcomes.",
		}, []string{"action", "result"}),
		rpcLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "redditbridge_rpc_latency_seconds",
			Help:    "Action call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),
		outstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "redditbridge_rpc_outstanding",
			Help: "Action calls awaiting a response.",
		}),
	}
	reg.MustRegister(
		o.connGauge,
		o.connTotal,
		o.closeTotal,
		o.authGauge,
		o.pairingTotal,
		o.rpcTotal,
		o.rpcLatency,
		o.outstanding,
	)
	return o
}

func (o *PromObserver) ConnOpened() {
	o.connGauge.Inc()
	o.connTotal.Inc()
}

func (o *PromObserver) ConnClosed(reason CloseReason) {
	o.connGauge.Dec()
	o.closeTotal.WithLabelValues(string(reason)).Inc()
}

func (o *PromObserver) Authoritative(active bool) {
	if active {
		o.authGauge.Set(1)
		return
	}
	o.authGauge.Set(0)
}

func (o *PromObserver) Pairing(outcome PairingOutcome) {
	o.pairingTotal.WithLabelValues(string(outcome)).Inc()
}

func (o *PromObserver) RPC(action string, result RPCResult, d time.Duration) {
	o.rpcTotal.WithLabelValues(action, string(result)).Inc()
	o.rpcLatency.WithLabelValues(action).Observe(d.Seconds())
}

func (o *PromObserver) Outstanding(n int) {
	o.outstanding.Set(float64(n))
}
