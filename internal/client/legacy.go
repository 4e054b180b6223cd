package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Bridge protocol frame types.
const (
	frameIdentify        = "identify"
	framePairingRequired = "pairing_required"
	framePairingApproved = "pairing_approved"
	frameIdentified      = "identified"
	framePing            = "ping"
	framePong            = "pong"

	roleExtension = "extension"
)

type identifyFrame struct {
	Type       string `json:"type"`
	Role       string `json:"role"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName,omitempty"`
	AuthToken  string `json:"authToken,omitempty"`
}

type pingFrame struct {
	Type string `json:"type"`
}

// bridgeFrame is the union of the server frames this adapter understands.
type bridgeFrame struct {
	Type      string          `json:"type"`
	Code      string          `json:"code"`
	ExpiresAt time.Time       `json:"expiresAt"`
	AuthToken string          `json:"authToken"`
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	Params    json.RawMessage `json:"params"`
}

type bridgeResponse struct {
	ID      string      `json:"id"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// bridgeAdapter speaks the identify/pairing protocol of a redditbridge host.
type bridgeAdapter struct {
	c   *Client
	l   *link
	url string

	// sentToken is the token offered in identify, if any.
	sentToken string

	mu            sync.Mutex
	authenticated bool
	keepalive     bool
}

func newBridgeAdapter(c *Client, l *link, url string) *bridgeAdapter {
	return &bridgeAdapter{c: c, l: l, url: url}
}

func (a *bridgeAdapter) protocol() Protocol { return ProtocolBridge }

func (a *bridgeAdapter) begin(ctx context.Context) error {
	id := a.c.opts.Identity
	a.sentToken = id.Token(TokenBridge)
	return a.l.send(identifyFrame{
		Type:       frameIdentify,
		Role:       roleExtension,
		DeviceID:   id.DeviceID,
		DeviceName: a.c.opts.DeviceName,
		AuthToken:  a.sentToken,
	})
}

func (a *bridgeAdapter) handle(ctx context.Context, data []byte) error {
	var f bridgeFrame
	if err := json.Unmarshal(data, &f); err != nil {
		a.c.log.Warnf("client: dropping malformed frame: %v", err)
		return nil
	}

	switch f.Type {
	case framePairingRequired:
		a.setAuthenticated(false)
		if a.sentToken != "" {
			// The host no longer knows this token; a fresh one comes with approval.
			if err := a.c.opts.Identity.SetToken(TokenBridge, ""); err != nil {
				a.c.log.Warnf("client: clear stale token: %v", err)
			}
			a.sentToken = ""
		}
		a.c.log.Infof("client: pairing required, approve code %s on the bridge host", f.Code)
		a.c.setStatus(Status{
			State:       StatePairing,
			URL:         a.url,
			Protocol:    ProtocolBridge,
			PairingCode: f.Code,
			ExpiresAt:   f.ExpiresAt,
			Hint:        fmt.Sprintf("run: redditbridge pairings approve %s", f.Code),
		})
		return nil

	case framePairingApproved:
		if f.AuthToken != "" {
			if err := a.c.opts.Identity.SetToken(TokenBridge, f.AuthToken); err != nil {
				a.c.log.Warnf("client: save token: %v", err)
			}
		}
		a.connected(ctx)
		return nil

	case frameIdentified:
		a.connected(ctx)
		return nil

	case framePong:
		return nil
	}

	if f.ID != "" && f.Action != "" {
		if !a.isAuthenticated() {
			a.c.log.Warnf("client: ignoring action %s before authentication", f.Action)
			return nil
		}
		go a.execute(ctx, f)
		return nil
	}

	a.c.log.Debugf("client: ignoring frame type %q", f.Type)
	return nil
}

func (a *bridgeAdapter) connected(ctx context.Context) {
	a.setAuthenticated(true)
	a.c.setStatus(Status{State: StateConnected, URL: a.url, Protocol: ProtocolBridge})

	a.mu.Lock()
	start := !a.keepalive
	a.keepalive = true
	a.mu.Unlock()
	if start {
		go a.pingLoop(ctx)
	}
}

// pingLoop keeps the session alive until the socket or ctx goes away.
func (a *bridgeAdapter) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(a.c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.l.send(pingFrame{Type: framePing}); err != nil {
				return
			}
		}
	}
}

func (a *bridgeAdapter) execute(ctx context.Context, f bridgeFrame) {
	resp := bridgeResponse{ID: f.ID}
	data, err := a.c.opts.Executor.Execute(ctx, f.Action, f.Params)
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Success = true
		resp.Data = data
	}
	if err := a.l.send(resp); err != nil {
		a.c.log.Debugf("client: response for %s not sent: %v", f.ID, err)
	}
}

func (a *bridgeAdapter) setAuthenticated(v bool) {
	a.mu.Lock()
	a.authenticated = v
	a.mu.Unlock()
}

func (a *bridgeAdapter) isAuthenticated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.authenticated
}
