// Package client is the extension side of the bridge link.
//
// A Client probes candidate URLs for a host, opens one socket, detects which
// of the two wire protocols the peer speaks, authenticates, and then serves
// action calls through an Executor until the socket closes. A failed connect
// cycle is retried once after a fixed delay; after that Run returns and the
// caller decides when to try again.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Defaults for Options fields left zero.
const (
	DefaultProbeTimeout = 3 * time.Second
	DefaultRetryDelay   = 5 * time.Second
	DefaultDetectGrace  = 750 * time.Millisecond
	DefaultPingInterval = 20 * time.Second
	DefaultDeviceName   = "redditbridge agent"

	writeWait = 10 * time.Second
)

// State is the client connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StatePairing      State = "pairing"
	StateConnected    State = "connected"
)

// Protocol is the wire variant pinned for a socket.
type Protocol string

const (
	ProtocolUnknown Protocol = ""
	ProtocolBridge  Protocol = "bridge"
	ProtocolGateway Protocol = "gateway"
)

// Status is reported through Options.OnStatus after every transition.
type Status struct {
	State       State
	URL         string
	Protocol    Protocol
	PairingCode string
	ExpiresAt   time.Time
	// Hint is an operator-facing explanation when pairing or approval is needed.
	Hint string
}

// Options configures a Client.
type Options struct {
	// Target is a bare host, host:port, or full ws(s):// URL.
	Target string

	// Identity provides the device id, signing key, and stored tokens. Required.
	Identity *Identity

	// DeviceName is shown to the operator when pairing.
	DeviceName string

	// Executor runs action calls. Default: DefaultActions().
	Executor Executor

	// Gateway describes this client to challenge-response gateways.
	Gateway GatewayClientInfo

	ProbeTimeout time.Duration
	RetryDelay   time.Duration
	DetectGrace  time.Duration
	PingInterval time.Duration

	// Dialer overrides websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Logger receives client log lines. Nil discards them.
	Logger *zap.SugaredLogger

	// OnStatus is called after every state transition.
	OnStatus func(Status)
}

// Client maintains the link to one bridge host.
type Client struct {
	opts       Options
	log        *zap.SugaredLogger
	candidates []string

	mu     sync.Mutex
	status Status
}

// ErrUnreachable is returned by Run when no candidate accepted a connection.
var ErrUnreachable = errors.New("bridge not reachable")

// New validates opts and builds the candidate list.
func New(opts Options) (*Client, error) {
	if opts.Identity == nil {
		return nil, errors.New("client: identity is required")
	}
	candidates, err := Candidates(opts.Target)
	if err != nil {
		return nil, err
	}
	if opts.DeviceName == "" {
		opts.DeviceName = DefaultDeviceName
	}
	if opts.Executor == nil {
		opts.Executor = DefaultActions()
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.DetectGrace <= 0 {
		opts.DetectGrace = DefaultDetectGrace
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	opts.Gateway = opts.Gateway.withDefaults()

	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Client{
		opts:       opts,
		log:        log,
		candidates: candidates,
		status:     Status{State: StateDisconnected},
	}, nil
}

// Candidates returns the URLs this client tries, in order.
func (c *Client) Candidates() []string {
	return append([]string(nil), c.candidates...)
}

// Status returns the latest status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) setStatus(st Status) {
	c.mu.Lock()
	changed := c.status != st
	c.status = st
	c.mu.Unlock()
	if !changed {
		return
	}
	if st.URL != "" {
		c.log.Infof("client: status %s (%s)", st.State, st.URL)
	} else {
		c.log.Infof("client: status %s", st.State)
	}
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(st)
	}
}

// Run connects and serves sessions until ctx is done, a connect cycle and
// its single retry both fail, or the peer rejects this device outright.
// Each time an established session closes, a fresh cycle starts after
// RetryDelay.
func (c *Client) Run(ctx context.Context) error {
	for {
		ws, url, err := c.connect(ctx)
		if err != nil {
			c.setStatus(Status{State: StateDisconnected})
			return err
		}

		err = c.serve(ctx, ws, url)
		c.setStatus(Status{State: StateDisconnected})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var fatal *fatalError
		if errors.As(err, &fatal) {
			return fatal.err
		}
		c.log.Infof("client: connection to %s closed: %v", url, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.RetryDelay):
		}
	}
}

// connect runs one probe cycle, retrying it once after RetryDelay.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, string, error) {
	var ws *websocket.Conn
	var url string

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.opts.RetryDelay), 1), ctx)
	err := backoff.RetryNotify(func() error {
		var err error
		ws, url, err = c.probe(ctx)
		return err
	}, policy, func(err error, wait time.Duration) {
		c.log.Infof("client: %v; retrying in %s", err, wait)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", err
	}
	return ws, url, nil
}

// probe tries every candidate in order with a per-candidate timeout.
func (c *Client) probe(ctx context.Context) (*websocket.Conn, string, error) {
	c.setStatus(Status{State: StateConnecting})
	for _, url := range c.candidates {
		dctx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
		ws, _, err := c.opts.Dialer.DialContext(dctx, url, nil)
		cancel()
		if err == nil {
			c.log.Infof("client: connected to %s", url)
			return ws, url, nil
		}
		c.log.Debugf("client: %s unavailable: %v", url, err)
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
	}
	return nil, "", fmt.Errorf("%w at %s", ErrUnreachable, c.opts.Target)
}

// fatalError ends Run instead of reconnecting.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// adapter speaks one wire protocol on an open socket.
type adapter interface {
	protocol() Protocol
	// begin runs once the protocol is pinned.
	begin(ctx context.Context) error
	// handle processes one inbound frame in arrival order.
	handle(ctx context.Context, data []byte) error
}

// serve pins the protocol for ws and runs its adapter until the socket closes.
func (c *Client) serve(ctx context.Context, ws *websocket.Conn, url string) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer ws.Close()

	l := &link{ws: ws}
	go func() {
		<-sctx.Done()
		l.close()
	}()

	frames := make(chan []byte, 16)
	var readErr error
	go func() {
		defer close(frames)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				readErr = err
				return
			}
			select {
			case frames <- data:
			case <-sctx.Done():
				return
			}
		}
	}()

	var ad adapter
	grace := time.NewTimer(c.opts.DetectGrace)
	defer grace.Stop()

	for ad == nil {
		select {
		case <-sctx.Done():
			return sctx.Err()
		case data, ok := <-frames:
			if !ok {
				return readErr
			}
			if looksLikeGateway(data) {
				ad = newGatewayAdapter(c, l, url)
			} else {
				ad = newBridgeAdapter(c, l, url)
			}
			if err := ad.begin(sctx); err != nil {
				return err
			}
			if err := ad.handle(sctx, data); err != nil {
				return err
			}
		case <-grace.C:
			ad = newBridgeAdapter(c, l, url)
			if err := ad.begin(sctx); err != nil {
				return err
			}
		}
	}
	c.log.Infof("client: %s speaks the %s protocol", url, ad.protocol())

	for {
		select {
		case <-sctx.Done():
			return sctx.Err()
		case data, ok := <-frames:
			if !ok {
				return readErr
			}
			if err := ad.handle(sctx, data); err != nil {
				return err
			}
		}
	}
}

// looksLikeGateway reports whether the first frame a peer sent is a gateway
// frame. The bridge never speaks first, so any gateway event pins it.
func looksLikeGateway(data []byte) bool {
	var probe struct {
		Type  string `json:"type"`
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.Type == "event" && probe.Event != ""
}

// link serializes writes on a socket.
type link struct {
	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
}

func (l *link) send(v interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return websocket.ErrCloseSent
	}
	l.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return l.ws.WriteJSON(v)
}

func (l *link) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.ws.SetWriteDeadline(time.Now().Add(writeWait))
	l.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	l.ws.Close()
}
