package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/redditagent/bridge/internal/auth"
	"github.com/redditagent/bridge/internal/client"
	"github.com/redditagent/bridge/internal/config"
	"github.com/redditagent/bridge/internal/server"
)

type paths struct {
	dir    string
	socket string
	store  string
	audit  string
}

// testPaths returns scratch file locations. The socket lives under /tmp so
// it stays within the Unix socket path limit.
func testPaths(t *testing.T) paths {
	t.Helper()
	dir := t.TempDir()
	sockDir, err := os.MkdirTemp("/tmp", "rb-")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(sockDir) })
	return paths{
		dir:    dir,
		socket: filepath.Join(sockDir, "control.sock"),
		store:  filepath.Join(dir, "pairings.json"),
		audit:  filepath.Join(dir, "audit.db"),
	}
}

// writeConfig writes a loopback config on a free port and returns its path.
func writeConfig(t *testing.T, p paths, extra string) string {
	t.Helper()
	body := fmt.Sprintf(`host = "127.0.0.1"
port = 0
network_policy = "loopback"
idle_timeout_seconds = 0
pairing_store_path = %q
audit_db = %q
control_socket = %q
%s`, p.store, p.audit, p.socket, extra)
	path := filepath.Join(p.dir, "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func startTestBridge(t *testing.T, cfgPath string) *bridge {
	t.Helper()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	b, err := startBridge(cfg, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatalf("startBridge: %v", err)
	}
	t.Cleanup(func() { b.stop() })
	return b
}

// runDevice connects an agent to b and reports its status transitions.
func runDevice(t *testing.T, b *bridge, dir string) (chan client.Status, context.CancelFunc) {
	t.Helper()
	id, err := client.LoadOrCreateIdentity(filepath.Join(dir, "identity.json"))
	if err != nil {
		t.Fatal(err)
	}
	status := make(chan client.Status, 64)
	c, err := client.New(client.Options{
		Target:      "ws://" + b.srv.Addr() + server.DefaultPath,
		Identity:    id,
		DeviceName:  "laptop",
		DetectGrace: 50 * time.Millisecond,
		RetryDelay:  100 * time.Millisecond,
		Logger:      zaptest.NewLogger(t).Sugar(),
		OnStatus: func(st client.Status) {
			select {
			case status <- st:
			default:
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return status, cancel
}

func waitState(t *testing.T, ch chan client.Status, want client.State) client.Status {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case st := <-ch:
			if st.State == want {
				return st
			}
		case <-timeout:
			t.Fatalf("timed out waiting for device state %s", want)
		}
	}
}

func TestCLIPairingFlow(t *testing.T) {
	p := testPaths(t)
	cfgPath := writeConfig(t, p, "")
	b := startTestBridge(t, cfgPath)

	status, stopDevice := runDevice(t, b, p.dir)
	pairing := waitState(t, status, client.StatePairing)

	code, out, errOut := runWithArgs("pairings", "list", "--config", cfgPath, "--json")
	if code != 0 {
		t.Fatalf("pairings list = %d, %s", code, errOut)
	}
	var pending auth.PairingsResponse
	if err := json.Unmarshal([]byte(out), &pending); err != nil {
		t.Fatalf("pairings list output: %v\n%s", err, out)
	}
	if len(pending.Pairings) != 1 || pending.Pairings[0].Code != pairing.PairingCode {
		t.Fatalf("pending = %+v, device shows %q", pending.Pairings, pairing.PairingCode)
	}
	deviceID := pending.Pairings[0].DeviceID

	code, out, errOut = runWithArgs("pairings", "approve", "--config", cfgPath, strings.ToLower(pairing.PairingCode))
	if code != 0 || !strings.Contains(out, "Approved laptop") {
		t.Fatalf("approve = %d, %q, %q", code, out, errOut)
	}
	waitState(t, status, client.StateConnected)

	code, out, errOut = runWithArgs("status", "--config", cfgPath, "--json")
	if code != 0 {
		t.Fatalf("status = %d, %s", code, errOut)
	}
	var st server.Status
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatal(err)
	}
	if st.State != server.StateConnected || st.Device == nil || st.Device.DeviceID != deviceID {
		t.Fatalf("status = %+v", st)
	}

	code, out, errOut = runWithArgs("call", "--config", cfgPath, "get_skill")
	if code != 0 {
		t.Fatalf("call = %d, %s", code, errOut)
	}
	var doc string
	if err := json.Unmarshal([]byte(out), &doc); err != nil || doc != client.SkillDoc {
		t.Fatalf("call output = %q (%v)", out, err)
	}

	code, _, errOut = runWithArgs("call", "--config", cfgPath, "fetch_post", `{"url":"x"}`)
	if code != 1 || !strings.Contains(errOut, "unknown action: fetch_post") {
		t.Fatalf("remote failure = %d, %q", code, errOut)
	}

	code, out, _ = runWithArgs("devices", "list", "--config", cfgPath)
	if code != 0 || !strings.Contains(out, deviceID) || !strings.Contains(out, "yes") {
		t.Fatalf("devices list = %d, %q", code, out)
	}

	code, out, _ = runWithArgs("audit", "--config", cfgPath, "--json", "--device", deviceID)
	if code != 0 {
		t.Fatalf("audit = %d", code)
	}
	var events []auditEntry
	if err := json.Unmarshal([]byte(out), &events); err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, ev := range events {
		seen[ev.Event] = true
	}
	if !seen["requested"] || !seen["approved"] {
		t.Fatalf("audit events = %+v", events)
	}

	stopDevice()
	code, out, errOut = runWithArgs("devices", "revoke", "--config", cfgPath, deviceID)
	if code != 0 || !strings.Contains(out, "Revoked device: "+deviceID) {
		t.Fatalf("revoke = %d, %q, %q", code, out, errOut)
	}
	code, out, _ = runWithArgs("devices", "list", "--config", cfgPath)
	if code != 0 || !strings.Contains(out, "No paired devices") {
		t.Fatalf("devices list after revoke = %d, %q", code, out)
	}
}

func TestStartBridgeSingleInstance(t *testing.T) {
	p := testPaths(t)
	cfgPath := writeConfig(t, p, "")
	startTestBridge(t, cfgPath)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	_, err = startBridge(cfg, zaptest.NewLogger(t).Sugar())
	if err == nil || !strings.Contains(err.Error(), "already in use") {
		t.Fatalf("second startBridge err = %v", err)
	}
}

func TestStatusWithoutBridge(t *testing.T) {
	cfgPath := writeConfig(t, testPaths(t), "")
	code, _, errOut := runWithArgs("status", "--config", cfgPath)
	if code != 1 || !strings.Contains(errOut, "redditbridge start") {
		t.Fatalf("status = %d, %q", code, errOut)
	}
}

func TestApproveUnknownCode(t *testing.T) {
	p := testPaths(t)
	cfgPath := writeConfig(t, p, "")
	startTestBridge(t, cfgPath)

	code, _, errOut := runWithArgs("pairings", "approve", "--config", cfgPath, "ZZZZZZ")
	if code != 1 || errOut == "" {
		t.Fatalf("approve = %d, %q", code, errOut)
	}
}
