// Package mdns provides optional mDNS/Bonjour advertisement of the bridge.
//
// When enabled, the bridge advertises itself on the local network using
// DNS-SD, so `redditbridge agent --discover` can find it without a host.
// The advertisement carries:
//   - Service type: _redditbridge._tcp
//   - TXT records with version, name, WebSocket path, network policy,
//     and the TLS fingerprint when wss:// is served
//
// Discovery only reveals presence; pairing is still required.
package mdns

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the DNS-SD service type for bridges.
const ServiceType = "_redditbridge._tcp"

// ProtocolVersion identifies the advertisement format.
const ProtocolVersion = "1"

// Config holds configuration for mDNS advertisement.
type Config struct {
	// Port is the bridge port to advertise.
	Port int

	// Path is the WebSocket endpoint path.
	Path string

	// Policy is the bridge's network policy name.
	Policy string

	// Fingerprint is the TLS certificate fingerprint; set only for wss://.
	Fingerprint string

	// Name is a human-readable name for this host.
	// Defaults to the system hostname if empty.
	Name string
}

// Advertiser manages DNS-SD service registration.
type Advertiser struct {
	config Config
	server *zeroconf.Server
	mu     sync.Mutex
}

// NewAdvertiser creates a new mDNS advertiser with the given configuration.
func NewAdvertiser(cfg Config) *Advertiser {
	return &Advertiser{config: cfg}
}

// Start begins advertising the service. Calling it again while running is a no-op.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}

	name := instanceName(a.config.Name)
	server, err := zeroconf.Register(
		name,
		ServiceType,
		"local.",
		a.config.Port,
		txtRecords(a.config, name),
		nil,
	)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	a.server = server
	return nil
}

// Stop unregisters the service. It is safe to call on a stopped advertiser.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// IsRunning returns true if the advertiser is currently running.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

func instanceName(name string) string {
	if name != "" {
		return name
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "redditbridge"
	}
	return hostname
}

// txtRecords builds the TXT strings. Each must stay under 255 bytes; a
// SHA-256 fingerprint is 95.
func txtRecords(cfg Config, name string) []string {
	path := cfg.Path
	if path == "" {
		path = "/ws"
	}
	records := []string{
		"version=" + ProtocolVersion,
		"name=" + name,
		"path=" + path,
	}
	if cfg.Policy != "" {
		records = append(records, "policy="+cfg.Policy)
	}
	if cfg.Fingerprint != "" {
		records = append(records, "fp="+cfg.Fingerprint)
	}
	return records
}

// DiscoveredHost is a bridge found via mDNS.
type DiscoveredHost struct {
	Name        string
	Host        string
	Port        int
	Path        string
	Policy      string
	Fingerprint string
	Version     string
}

// URL returns the bridge endpoint, wss:// when a fingerprint was advertised.
func (h DiscoveredHost) URL() string {
	scheme := "ws"
	if h.Fingerprint != "" {
		scheme = "wss"
	}
	path := h.Path
	if path == "" {
		path = "/ws"
	}
	return scheme + "://" + net.JoinHostPort(h.Host, strconv.Itoa(h.Port)) + path
}

func hostFromEntry(instance string, port int, addrs []net.IP, text []string) DiscoveredHost {
	host := DiscoveredHost{Name: instance, Port: port}
	if len(addrs) > 0 {
		host.Host = addrs[0].String()
	}
	for _, txt := range text {
		key, value, ok := strings.Cut(txt, "=")
		if !ok {
			continue
		}
		switch key {
		case "fp":
			host.Fingerprint = value
		case "version":
			host.Version = value
		case "name":
			host.Name = value
		case "path":
			host.Path = value
		case "policy":
			host.Policy = value
		}
	}
	return host
}

// Discover browses for bridges until ctx is done and returns what it found,
// sorted by name. IPv4 addresses are preferred.
func Discover(ctx context.Context) ([]DiscoveredHost, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		hosts []DiscoveredHost
		wg    sync.WaitGroup
	)
	entries := make(chan *zeroconf.ServiceEntry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			addrs := append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...)
			h := hostFromEntry(entry.Instance, entry.Port, addrs, entry.Text)
			if h.Host == "" {
				continue
			}
			hosts = append(hosts, h)
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	// zeroconf closes entries once ctx is done.
	<-ctx.Done()
	wg.Wait()

	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Name < hosts[j].Name })
	return hosts, nil
}
