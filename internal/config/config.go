// Package config provides TOML configuration file loading for the bridge.
// The configuration file lives at ~/.redditbridge/config.toml by default, but can be
// overridden with the --config flag. CLI flags always take precedence over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"

	"github.com/redditagent/bridge/internal/logging"
	"github.com/redditagent/bridge/internal/netpolicy"
)

// Config represents the bridge configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML files
// via struct tags.
type Config struct {
	// Host is the interface the WebSocket listener binds.
	// Default: 0.0.0.0
	Host string `toml:"host"`

	// Port is the WebSocket listener port. 0 picks a free port.
	// Default: 7071
	Port int `toml:"port"`

	// Path is the WebSocket endpoint path.
	// Default: /ws
	Path string `toml:"path"`

	// PairingCodeTTLSeconds is how long a pairing code stays valid.
	// Default: 600
	PairingCodeTTLSeconds int `toml:"pairing_code_ttl_seconds"`

	// PairingStorePath is the trust store file of paired devices.
	// Default: ~/.redditbridge/pairings.json
	PairingStorePath string `toml:"pairing_store_path"`

	// NetworkPolicy is one of loopback, private, any.
	// Default: private
	NetworkPolicy string `toml:"network_policy"`

	// IdleTimeoutSeconds stops the bridge after this long without traffic.
	// 0 disables the idle shutdown. Default: 300
	IdleTimeoutSeconds int `toml:"idle_timeout_seconds"`

	// RequestTimeoutMs is the default per-action timeout, capped at 300000.
	// Default: 60000
	RequestTimeoutMs int `toml:"request_timeout_ms"`

	// ConnectWaitMs is how long an action call waits for the extension to
	// reconnect before failing. Default: 2000
	ConnectWaitMs int `toml:"connect_wait_ms"`

	// AllowedActions replaces the built-in action allow-list when non-empty.
	AllowedActions []string `toml:"allowed_actions"`

	// LogLevel controls logging verbosity: debug, info, warn, error.
	// Default: info
	LogLevel string `toml:"log_level"`

	// AuditDB is the SQLite pairing audit log. Empty disables auditing.
	// Default: ~/.redditbridge/audit.db
	AuditDB string `toml:"audit_db"`

	// ControlSocket is the Unix socket the local CLI talks to.
	// Default: ~/.redditbridge/control.sock
	ControlSocket string `toml:"control_socket"`

	// Metrics serves Prometheus metrics on /metrics of the bridge listener.
	Metrics bool `toml:"metrics"`

	// MDNS advertises the bridge on the local network. Discovery only reveals
	// presence; pairing is still required.
	MDNS bool `toml:"mdns"`

	// TLS serves wss:// with a self-signed certificate.
	TLS bool `toml:"tls"`

	// TLSCert and TLSKey override the generated certificate paths.
	// Default: ~/.redditbridge/certs/bridge.crt and bridge.key
	TLSCert string `toml:"tls_cert"`
	TLSKey  string `toml:"tls_key"`

	// Agent configures `redditbridge agent`.
	Agent AgentConfig `toml:"agent"`
}

// AgentConfig is the [agent] table.
type AgentConfig struct {
	// Host is the bridge host, host:port, or URL to connect to.
	Host string `toml:"host"`

	// DeviceName is shown to the operator when pairing.
	DeviceName string `toml:"device_name"`

	// LicenseKey unlocks every action except get_skill.
	LicenseKey string `toml:"license_key"`

	// IdentityPath stores the device keypair and auth tokens.
	// Default: ~/.redditbridge/agent/identity.json
	IdentityPath string `toml:"identity_path"`
}

// Defaults returns a Config with every default applied.
func Defaults() *Config {
	return &Config{
		Host:                  DefaultHost,
		Port:                  DefaultPort,
		Path:                  DefaultPath,
		PairingCodeTTLSeconds: DefaultPairingCodeTTLSeconds,
		PairingStorePath:      filepath.Join("~", DirName, "pairings.json"),
		NetworkPolicy:         string(netpolicy.Default),
		IdleTimeoutSeconds:    DefaultIdleTimeoutSeconds,
		RequestTimeoutMs:      DefaultRequestTimeoutMs,
		ConnectWaitMs:         DefaultConnectWaitMs,
		LogLevel:              "info",
		AuditDB:               filepath.Join("~", DirName, "audit.db"),
		ControlSocket:         filepath.Join("~", DirName, "control.sock"),
		Agent: AgentConfig{
			IdentityPath: filepath.Join("~", DirName, "agent", "identity.json"),
		},
	}
}

// Dir returns ~/.redditbridge.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, DirName), nil
}

// DefaultConfigPath returns the default config file location: ~/.redditbridge/config.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ExpandPath replaces a leading ~ with the user's home directory.
func ExpandPath(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// WriteDefault creates a commented config file at the given path.
//
// Behavior:
//   - If the file already exists, returns without error (does not overwrite).
//   - Creates the parent directory if it doesn't exist.
//   - Returns an error if the file cannot be written.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := fmt.Sprintf(`# redditbridge configuration

host = %q
port = %d

# loopback, private (LAN and Tailscale), or any
network_policy = %q

# Stop after this many seconds without traffic; 0 keeps the bridge running
idle_timeout_seconds = %d
`, DefaultHost, DefaultPort, netpolicy.Default, DefaultIdleTimeoutSeconds)

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load reads a TOML config file from the given path on top of Defaults.
//
// Behavior:
//   - If path is empty, attempts to load from the default location (~/.redditbridge/config.toml).
//     Returns the defaults without error if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys in config file %s: %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var err error
	if c.Port < 0 || c.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("port %d out of range", c.Port))
	}
	if !strings.HasPrefix(c.Path, "/") {
		err = multierr.Append(err, fmt.Errorf("path %q must start with /", c.Path))
	}
	if _, perr := netpolicy.Parse(c.NetworkPolicy); perr != nil {
		err = multierr.Append(err, perr)
	}
	if _, lerr := logging.ParseLevel(c.LogLevel); lerr != nil {
		err = multierr.Append(err, lerr)
	}
	if c.PairingCodeTTLSeconds <= 0 {
		err = multierr.Append(err, fmt.Errorf("pairing_code_ttl_seconds must be positive"))
	}
	for name, v := range map[string]int{
		"idle_timeout_seconds": c.IdleTimeoutSeconds,
		"request_timeout_ms":   c.RequestTimeoutMs,
		"connect_wait_ms":      c.ConnectWaitMs,
	} {
		if v < 0 {
			err = multierr.Append(err, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.PairingStorePath == "" {
		err = multierr.Append(err, fmt.Errorf("pairing_store_path must be set"))
	}
	for _, a := range c.AllowedActions {
		if strings.TrimSpace(a) == "" {
			err = multierr.Append(err, fmt.Errorf("allowed_actions contains an empty name"))
			break
		}
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		err = multierr.Append(err, fmt.Errorf("tls_cert and tls_key must be set together"))
	}
	return err
}

// Policy returns the parsed network policy. Call Validate first.
func (c *Config) Policy() netpolicy.Policy {
	p, err := netpolicy.Parse(c.NetworkPolicy)
	if err != nil {
		return netpolicy.Default
	}
	return p
}

// PairingCodeTTL returns the pairing code lifetime.
func (c *Config) PairingCodeTTL() time.Duration {
	return time.Duration(c.PairingCodeTTLSeconds) * time.Second
}

// IdleTimeout returns the idle shutdown window; 0 disables it.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// RequestTimeout returns the default action timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// ConnectWait returns how long action calls wait for a reconnect.
func (c *Config) ConnectWait() time.Duration {
	return time.Duration(c.ConnectWaitMs) * time.Millisecond
}
