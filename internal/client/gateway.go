package client

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/redditagent/bridge/internal/errors"
)

// Gateway frame vocabulary.
const (
	gwTypeEvent = "event"
	gwTypeReq   = "req"
	gwTypeRes   = "res"

	gwEventChallenge = "connect.challenge"
	gwEventTick      = "tick"
	gwMethodConnect  = "connect"

	gwProtocolVersion = 3
)

// Signature payload encodings accepted by gateways.
const (
	payloadV2 = "v2"
	payloadV3 = "v3"
)

// GatewayClientInfo describes this client in the gateway connect request.
type GatewayClientInfo struct {
	ClientID     string
	Version      string
	Platform     string
	Mode         string
	DeviceFamily string
	Role         string
	Scopes       []string
}

func (g GatewayClientInfo) withDefaults() GatewayClientInfo {
	if g.ClientID == "" {
		g.ClientID = "redditbridge-agent"
	}
	if g.Version == "" {
		g.Version = "dev"
	}
	if g.Platform == "" {
		g.Platform = runtime.GOOS
	}
	if g.Mode == "" {
		g.Mode = "node"
	}
	if g.DeviceFamily == "" {
		g.DeviceFamily = "desktop"
	}
	if g.Role == "" {
		g.Role = "node"
	}
	if g.Scopes == nil {
		g.Scopes = []string{}
	}
	return g
}

// SignaturePayload builds the string a device signs for a gateway challenge.
func SignaturePayload(version, deviceID string, info GatewayClientInfo, signedAtMs int64, token, nonce string) string {
	fields := []string{
		version,
		deviceID,
		info.ClientID,
		info.Mode,
		info.Role,
		strings.Join(info.Scopes, ","),
		strconv.FormatInt(signedAtMs, 10),
		token,
		nonce,
	}
	if version == payloadV3 {
		fields = append(fields,
			strings.ToLower(strings.TrimSpace(info.Platform)),
			strings.ToLower(strings.TrimSpace(info.DeviceFamily)))
	}
	return strings.Join(fields, "|")
}

type gatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type gatewayFrame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event,omitempty"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *gatewayError   `json:"error,omitempty"`
}

type gatewayResponse struct {
	Type    string        `json:"type"`
	ID      string        `json:"id"`
	OK      bool          `json:"ok"`
	Payload interface{}   `json:"payload,omitempty"`
	Error   *gatewayError `json:"error,omitempty"`
}

type gatewayRequest struct {
	Type   string      `json:"type"`
	ID     string      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

type connectClient struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

type connectDevice struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce"`
}

type connectAuth struct {
	Token string `json:"token,omitempty"`
}

type connectParams struct {
	MinProtocol int           `json:"minProtocol"`
	MaxProtocol int           `json:"maxProtocol"`
	Client      connectClient `json:"client"`
	Role        string        `json:"role"`
	Scopes      []string      `json:"scopes"`
	Device      connectDevice `json:"device"`
	Auth        connectAuth   `json:"auth"`
}

type challengePayload struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

type helloPayload struct {
	Auth struct {
		DeviceToken string `json:"deviceToken"`
	} `json:"auth"`
}

// gatewayAdapter speaks the challenge-response gateway protocol.
type gatewayAdapter struct {
	c   *Client
	l   *link
	url string

	nonce     string
	version   string
	fellBack  bool
	connectID string
	token     string

	mu            sync.Mutex
	authenticated bool
}

func newGatewayAdapter(c *Client, l *link, url string) *gatewayAdapter {
	return &gatewayAdapter{c: c, l: l, url: url}
}

func (a *gatewayAdapter) protocol() Protocol { return ProtocolGateway }

// begin sends nothing; the gateway speaks first.
func (a *gatewayAdapter) begin(context.Context) error { return nil }

func (a *gatewayAdapter) handle(ctx context.Context, data []byte) error {
	var f gatewayFrame
	if err := json.Unmarshal(data, &f); err != nil {
		a.c.log.Warnf("client: dropping malformed gateway frame: %v", err)
		return nil
	}

	switch f.Type {
	case gwTypeEvent:
		switch f.Event {
		case gwEventChallenge:
			var p challengePayload
			if err := json.Unmarshal(f.Payload, &p); err != nil || p.Nonce == "" {
				return fmt.Errorf("gateway challenge without nonce")
			}
			a.nonce = p.Nonce
			a.version = payloadV3
			a.fellBack = false
			return a.sendConnect()
		case gwEventTick:
			return nil
		}
		a.c.log.Debugf("client: ignoring gateway event %q", f.Event)
		return nil

	case gwTypeRes:
		if f.ID != "" && f.ID == a.connectID {
			return a.handleConnectResult(f)
		}
		a.c.log.Debugf("client: ignoring gateway response %s", f.ID)
		return nil

	case gwTypeReq:
		if !a.isAuthenticated() {
			a.c.log.Warnf("client: ignoring gateway call %s before authentication", f.Method)
			return nil
		}
		go a.execute(ctx, f)
		return nil
	}

	a.c.log.Debugf("client: ignoring gateway frame type %q", f.Type)
	return nil
}

func (a *gatewayAdapter) sendConnect() error {
	id := a.c.opts.Identity
	info := a.c.opts.Gateway
	a.token = id.Token(TokenGateway)
	signedAt := time.Now().UnixMilli()
	payload := SignaturePayload(a.version, id.DeviceID, info, signedAt, a.token, a.nonce)

	a.connectID = uuid.NewString()
	return a.l.send(gatewayRequest{
		Type:   gwTypeReq,
		ID:     a.connectID,
		Method: gwMethodConnect,
		Params: connectParams{
			MinProtocol: gwProtocolVersion,
			MaxProtocol: gwProtocolVersion,
			Client: connectClient{
				ID:       info.ClientID,
				Version:  info.Version,
				Platform: info.Platform,
				Mode:     info.Mode,
			},
			Role:   info.Role,
			Scopes: info.Scopes,
			Device: connectDevice{
				ID:        id.DeviceID,
				PublicKey: id.PublicKeyBase64URL(),
				Signature: id.Sign(payload),
				SignedAt:  signedAt,
				Nonce:     a.nonce,
			},
			Auth: connectAuth{Token: a.token},
		},
	})
}

func (a *gatewayAdapter) handleConnectResult(f gatewayFrame) error {
	a.connectID = ""
	if f.OK {
		var hello helloPayload
		if len(f.Payload) > 0 {
			if err := json.Unmarshal(f.Payload, &hello); err != nil {
				a.c.log.Warnf("client: unreadable gateway hello: %v", err)
			}
		}
		if tok := hello.Auth.DeviceToken; tok != "" && tok != a.token {
			if err := a.c.opts.Identity.SetToken(TokenGateway, tok); err != nil {
				a.c.log.Warnf("client: save gateway token: %v", err)
			}
		}
		a.mu.Lock()
		a.authenticated = true
		a.mu.Unlock()
		a.c.setStatus(Status{State: StateConnected, URL: a.url, Protocol: ProtocolGateway})
		return nil
	}

	gwErr := gatewayError{Code: "UNKNOWN", Message: "connect rejected"}
	if f.Error != nil {
		gwErr = *f.Error
	}

	if isSignatureInvalid(gwErr) && !a.fellBack {
		a.fellBack = true
		if a.version == payloadV3 {
			a.version = payloadV2
		} else {
			a.version = payloadV3
		}
		a.c.log.Infof("client: gateway rejected the signature, retrying with %s payload", a.version)
		return a.sendConnect()
	}

	if a.token != "" {
		if err := a.c.opts.Identity.SetToken(TokenGateway, ""); err != nil {
			a.c.log.Warnf("client: clear gateway token: %v", err)
		}
	}
	hint := fmt.Sprintf("approve device %s on the gateway, then restart the agent", shortID(a.c.opts.Identity.DeviceID))
	a.c.setStatus(Status{
		State:    StatePairing,
		URL:      a.url,
		Protocol: ProtocolGateway,
		Hint:     hint,
	})
	return &fatalError{err: apperrors.New(apperrors.CodeAuthRejected,
		fmt.Sprintf("gateway rejected connect (%s: %s); %s", gwErr.Code, gwErr.Message, hint))}
}

func (a *gatewayAdapter) execute(ctx context.Context, f gatewayFrame) {
	resp := gatewayResponse{Type: gwTypeRes, ID: f.ID}
	data, err := a.c.opts.Executor.Execute(ctx, f.Method, f.Params)
	if err != nil {
		resp.Error = &gatewayError{Code: "ACTION_FAILED", Message: err.Error()}
	} else {
		resp.OK = true
		resp.Payload = data
	}
	if err := a.l.send(resp); err != nil {
		a.c.log.Debugf("client: gateway response for %s not sent: %v", f.ID, err)
	}
}

func (a *gatewayAdapter) isAuthenticated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.authenticated
}

func isSignatureInvalid(e gatewayError) bool {
	text := strings.ToLower(e.Code + " " + e.Message)
	return strings.Contains(text, "signature")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
