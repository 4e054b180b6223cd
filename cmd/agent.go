package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/redditagent/bridge/internal/client"
	"github.com/redditagent/bridge/internal/config"
	"github.com/redditagent/bridge/internal/license"
	"github.com/redditagent/bridge/internal/logging"
	"github.com/redditagent/bridge/internal/mdns"
	bridgetls "github.com/redditagent/bridge/internal/tls"
)

const agentUsage = `Usage: redditbridge agent [options]

Connect to a bridge or gateway as a device and serve its action calls. The
host may be a bare name (ports 7071 and 18789 are tried), host:port, or a
full ws:// or wss:// URL. Without a host, --discover browses the local
network for an advertised bridge.

The first connection to a bridge prints a pairing code; approve it on the
bridge machine with 'redditbridge pairings approve <code>'.
`

// defaultDiscoverTimeout bounds the mDNS browse.
const defaultDiscoverTimeout = 3 * time.Second

func runAgent(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("agent", agentUsage, stderr)
	var cf configFlags
	cf.register(fs)
	host := fs.StringP("host", "H", "", "Bridge host, host:port, or URL (default: [agent] host)")
	name := fs.String("name", "", "Device name shown when pairing")
	licenseKey := fs.String("license-key", "", "License key for actions other than get_skill")
	identityPath := fs.String("identity", "", "Device identity file (default: ~/.redditbridge/agent/identity.json)")
	fingerprint := fs.String("fingerprint", "", "Expected TLS certificate fingerprint for wss:// hosts")
	gatewayToken := fs.String("gateway-token", "", "Shared token for a gateway, saved with the identity")
	discover := fs.Bool("discover", false, "Find a bridge with mDNS when no host is set")
	discoverTimeout := fs.Duration("discover-timeout", defaultDiscoverTimeout, "How long to browse for bridges")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	if err := parseFlags(fs, args, stderr); err != nil {
		return exitCode(err)
	}

	cfg, err := cf.load()
	if err != nil {
		printError(stderr, err)
		return 1
	}
	agentCfg := cfg.Agent
	if *host != "" {
		agentCfg.Host = *host
	}
	if *name != "" {
		agentCfg.DeviceName = *name
	}
	if *licenseKey != "" {
		agentCfg.LicenseKey = *licenseKey
	}
	if *identityPath != "" {
		agentCfg.IdentityPath = *identityPath
	}
	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}

	log, err := logging.New(level, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer log.Sync()

	identity, err := client.LoadOrCreateIdentity(config.ExpandPath(agentCfg.IdentityPath))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *gatewayToken != "" {
		if err := identity.SetToken(client.TokenGateway, *gatewayToken); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pin := *fingerprint
	if agentCfg.Host == "" {
		if !*discover {
			fmt.Fprintln(stderr, "Error: no bridge host configured; pass --host or --discover")
			return 1
		}
		found, err := discoverBridge(ctx, *discoverTimeout)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "Found bridge %q at %s\n", found.Name, found.URL())
		agentCfg.Host = found.URL()
		if pin == "" {
			pin = found.Fingerprint
		}
	}

	validator := license.NewValidator(license.Options{
		InstanceID: identity.DeviceID,
		Logger:     log,
	})
	executor := client.RequireLicense(client.DefaultActions(), validator.Valid, agentCfg.LicenseKey)

	var dialer *websocket.Dialer
	if pin != "" {
		dialer = pinnedDialer(pin)
	}

	c, err := client.New(client.Options{
		Target:     agentCfg.Host,
		Identity:   identity,
		DeviceName: agentCfg.DeviceName,
		Executor:   executor,
		Gateway:    client.GatewayClientInfo{Version: Version},
		Dialer:     dialer,
		Logger:     log,
		OnStatus:   func(st client.Status) { printAgentStatus(stdout, st) },
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Device %s, trying %s\n", identity.DeviceID, strings.Join(c.Candidates(), ", "))
	err = c.Run(ctx)
	if err == nil || ctx.Err() != nil {
		fmt.Fprintln(stdout, "Agent stopped.")
		return 0
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

func printAgentStatus(w io.Writer, st client.Status) {
	switch st.State {
	case client.StateConnecting:
		fmt.Fprintln(w, "Connecting...")
	case client.StatePairing:
		if st.PairingCode != "" {
			fmt.Fprintf(w, "Pairing code: %s (expires %s)\n", FormatCode(st.PairingCode), st.ExpiresAt.Format("15:04:05"))
		}
		if st.Hint != "" {
			fmt.Fprintf(w, "  %s\n", st.Hint)
		}
	case client.StateConnected:
		fmt.Fprintf(w, "Connected to %s (%s)\n", st.URL, st.Protocol)
	case client.StateDisconnected:
		fmt.Fprintln(w, "Disconnected.")
	}
}

// discoverBridge browses mDNS and returns the first bridge by name.
func discoverBridge(ctx context.Context, timeout time.Duration) (mdns.DiscoveredHost, error) {
	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	hosts, err := mdns.Discover(browseCtx)
	if err != nil {
		return mdns.DiscoveredHost{}, err
	}
	if len(hosts) == 0 {
		return mdns.DiscoveredHost{}, fmt.Errorf("no bridge found on the local network within %s", timeout)
	}
	return hosts[0], nil
}

// pinnedDialer accepts a self-signed certificate only when its fingerprint
// matches want.
func pinnedDialer(want string) *websocket.Dialer {
	want = strings.ToUpper(strings.TrimSpace(want))
	d := *websocket.DefaultDialer
	d.TLSClientConfig = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("bridge presented no certificate")
			}
			cert, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return err
			}
			if got := bridgetls.ComputeFingerprint(cert); got != want {
				return fmt.Errorf("certificate fingerprint %s does not match %s", got, want)
			}
			return nil
		},
	}
	return &d
}
