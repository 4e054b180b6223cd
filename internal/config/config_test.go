package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/redditagent/bridge/internal/netpolicy"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}
	return path
}

// TestLoad_AllFields verifies that all config fields are parsed correctly from TOML.
func TestLoad_AllFields(t *testing.T) {
	path := writeConfig(t, `
host = "127.0.0.1"
port = 9000
path = "/bridge"
pairing_code_ttl_seconds = 120
pairing_store_path = "/tmp/pairings.json"
network_policy = "loopback"
idle_timeout_seconds = 0
request_timeout_ms = 30000
connect_wait_ms = 500
allowed_actions = ["get_skill", "fetch_post"]
log_level = "debug"
audit_db = ""
control_socket = "/tmp/rb.sock"
metrics = true
mdns = true
tls = true
tls_cert = "/tmp/c.crt"
tls_key = "/tmp/c.key"

[agent]
host = "mybox.local"
device_name = "Laptop"
license_key = "KEY-1"
identity_path = "/tmp/identity.json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Host != "127.0.0.1" || cfg.Port != 9000 || cfg.Path != "/bridge" {
		t.Errorf("listener = %s:%d%s", cfg.Host, cfg.Port, cfg.Path)
	}
	if cfg.PairingCodeTTL() != 2*time.Minute {
		t.Errorf("PairingCodeTTL = %s", cfg.PairingCodeTTL())
	}
	if cfg.PairingStorePath != "/tmp/pairings.json" {
		t.Errorf("PairingStorePath = %q", cfg.PairingStorePath)
	}
	if cfg.Policy() != netpolicy.Loopback {
		t.Errorf("Policy = %s", cfg.Policy())
	}
	// An explicit zero must survive decoding on top of the defaults.
	if cfg.IdleTimeout() != 0 {
		t.Errorf("IdleTimeout = %s, want 0", cfg.IdleTimeout())
	}
	if cfg.RequestTimeout() != 30*time.Second || cfg.ConnectWait() != 500*time.Millisecond {
		t.Errorf("timeouts = %s, %s", cfg.RequestTimeout(), cfg.ConnectWait())
	}
	if len(cfg.AllowedActions) != 2 || cfg.AllowedActions[1] != "fetch_post" {
		t.Errorf("AllowedActions = %v", cfg.AllowedActions)
	}
	if cfg.LogLevel != "debug" || cfg.AuditDB != "" || cfg.ControlSocket != "/tmp/rb.sock" {
		t.Errorf("misc = %q %q %q", cfg.LogLevel, cfg.AuditDB, cfg.ControlSocket)
	}
	if !cfg.Metrics || !cfg.MDNS || !cfg.TLS || cfg.TLSCert != "/tmp/c.crt" || cfg.TLSKey != "/tmp/c.key" {
		t.Errorf("features = %+v", cfg)
	}
	want := AgentConfig{Host: "mybox.local", DeviceName: "Laptop", LicenseKey: "KEY-1", IdentityPath: "/tmp/identity.json"}
	if cfg.Agent != want {
		t.Errorf("Agent = %+v, want %+v", cfg.Agent, want)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

// TestLoad_PartialConfig verifies that unspecified fields keep their defaults.
func TestLoad_PartialConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `port = 8080`))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.Host != DefaultHost || cfg.Path != DefaultPath {
		t.Errorf("Host/Path = %q %q", cfg.Host, cfg.Path)
	}
	if cfg.IdleTimeoutSeconds != DefaultIdleTimeoutSeconds {
		t.Errorf("IdleTimeoutSeconds = %d", cfg.IdleTimeoutSeconds)
	}
	if cfg.NetworkPolicy != "private" {
		t.Errorf("NetworkPolicy = %q", cfg.NetworkPolicy)
	}
	if !strings.HasSuffix(cfg.AuditDB, "audit.db") {
		t.Errorf("AuditDB = %q", cfg.AuditDB)
	}
}

// TestLoad_ExplicitPath_NotFound verifies that an error is returned when
// an explicit config path is provided but the file doesn't exist.
func TestLoad_ExplicitPath_NotFound(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.toml"); err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

// TestLoad_EmptyPath_NoDefaultFile verifies that an empty path returns
// the defaults without error when no default file exists.
func TestLoad_EmptyPath_NoDefaultFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, DefaultPort)
	}
}

// TestLoad_EmptyPath_DefaultFileExists verifies that an empty path loads
// from the default location when the file exists.
func TestLoad_EmptyPath_DefaultFileExists(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := filepath.Join(home, DirName)
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(`port = 7777`), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
	if cfg.Port != 7777 {
		t.Errorf("Port = %d, want 7777", cfg.Port)
	}
}

// TestLoad_InvalidTOML verifies that a parse error is returned for invalid TOML.
func TestLoad_InvalidTOML(t *testing.T) {
	if _, err := Load(writeConfig(t, `host = "missing quote`)); err == nil {
		t.Error("Load() expected error for invalid TOML, got nil")
	}
}

// TestLoad_UnknownKey verifies that typos are reported instead of ignored.
func TestLoad_UnknownKey(t *testing.T) {
	_, err := Load(writeConfig(t, `idle_timeout = 5`))
	if err == nil || !strings.Contains(err.Error(), "idle_timeout") {
		t.Errorf("Load() = %v, want unknown key error", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"ephemeral port", func(c *Config) { c.Port = 0 }, ""},
		{"port too large", func(c *Config) { c.Port = 70000 }, "port 70000 out of range"},
		{"negative port", func(c *Config) { c.Port = -1 }, "out of range"},
		{"bad policy", func(c *Config) { c.NetworkPolicy = "public" }, "public"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "unknown log level"},
		{"relative path", func(c *Config) { c.Path = "ws" }, "must start with /"},
		{"zero pairing ttl", func(c *Config) { c.PairingCodeTTLSeconds = 0 }, "pairing_code_ttl_seconds"},
		{"negative idle", func(c *Config) { c.IdleTimeoutSeconds = -1 }, "idle_timeout_seconds must not be negative"},
		{"negative request timeout", func(c *Config) { c.RequestTimeoutMs = -5 }, "request_timeout_ms"},
		{"negative connect wait", func(c *Config) { c.ConnectWaitMs = -5 }, "connect_wait_ms"},
		{"empty action", func(c *Config) { c.AllowedActions = []string{"get_skill", " "} }, "allowed_actions"},
		{"cert without key", func(c *Config) { c.TLSCert = "/tmp/c.crt" }, "tls_cert and tls_key"},
		{"no store", func(c *Config) { c.PairingStorePath = "" }, "pairing_store_path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

// TestValidate_ReportsAllProblems verifies that several bad settings are
// reported together.
func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Port = -1
	cfg.NetworkPolicy = "nope"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "port") || !strings.Contains(err.Error(), "nope") {
		t.Fatalf("Validate() = %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	if got := ExpandPath("~/x/y"); got != filepath.Join(home, "x", "y") {
		t.Errorf("ExpandPath(~/x/y) = %q", got)
	}
	if got := ExpandPath("~"); got != home {
		t.Errorf("ExpandPath(~) = %q", got)
	}
	if got := ExpandPath("/abs/path"); got != "/abs/path" {
		t.Errorf("ExpandPath(/abs/path) = %q", got)
	}
	if got := ExpandPath("~other/x"); got != "~other/x" {
		t.Errorf("ExpandPath(~other/x) = %q", got)
	}
}

// TestWriteDefault verifies the generated file loads and never overwrites.
func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() error: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("mode = %o, want 600", perm)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load(default) error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	if err := os.WriteFile(path, []byte(`port = 1`), 0600); err != nil {
		t.Fatal(err)
	}
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() second call error: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != `port = 1` {
		t.Error("WriteDefault overwrote an existing file")
	}
}
