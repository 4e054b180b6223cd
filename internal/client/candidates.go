package client

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Default ports tried for a bare host.
const (
	DefaultBridgePort  = 7071
	DefaultGatewayPort = 18789
	DefaultBridgePath  = "/ws"
)

// Candidates expands what the operator typed into the ordered list of
// WebSocket URLs to try, most specific first.
//
//	ws://h:1/x        -> ws://h:1/x
//	h:1               -> ws://h:1/ws, ws://h:1/
//	h                 -> ws://h:7071/ws, ws://h:18789/, wss://h:7071/ws
//	http(s)://h:1/x   -> ws(s)://h:1/x
func Candidates(target string) ([]string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, fmt.Errorf("no bridge host configured")
	}

	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil {
			return nil, fmt.Errorf("invalid bridge URL %q: %w", target, err)
		}
		switch u.Scheme {
		case "ws", "wss":
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		default:
			return nil, fmt.Errorf("unsupported scheme %q in %q", u.Scheme, target)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("bridge URL %q has no host", target)
		}
		if u.Path == "" {
			u.Path = "/"
		}
		return []string{u.String()}, nil
	}

	if host, port, err := net.SplitHostPort(target); err == nil {
		if _, err := strconv.ParseUint(port, 10, 16); err != nil || host == "" {
			return nil, fmt.Errorf("invalid bridge address %q", target)
		}
		hp := net.JoinHostPort(host, port)
		return []string{
			"ws://" + hp + DefaultBridgePath,
			"ws://" + hp + "/",
		}, nil
	}

	host := strings.Trim(target, "[]")
	if strings.ContainsAny(host, "/?#@ ") {
		return nil, fmt.Errorf("invalid bridge host %q", target)
	}
	bridge := net.JoinHostPort(host, strconv.Itoa(DefaultBridgePort))
	gateway := net.JoinHostPort(host, strconv.Itoa(DefaultGatewayPort))
	return []string{
		"ws://" + bridge + DefaultBridgePath,
		"ws://" + gateway + "/",
		"wss://" + bridge + DefaultBridgePath,
	}, nil
}
