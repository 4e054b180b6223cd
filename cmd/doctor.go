// This file implements `redditbridge doctor`, a preflight check of the local
// setup with one remediation step per problem. It supports human-readable
// and --json output.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/redditagent/bridge/internal/config"
	"github.com/redditagent/bridge/internal/ipc"
	"github.com/redditagent/bridge/internal/netpolicy"
	"github.com/redditagent/bridge/internal/server"
	"github.com/redditagent/bridge/internal/storage"
	bridgetls "github.com/redditagent/bridge/internal/tls"
)

// DoctorResult is the top-level JSON output for `redditbridge doctor --json`.
type DoctorResult struct {
	// Version is the doctor output schema version. Always "1".
	Version string        `json:"version"`
	Checks  []DoctorCheck `json:"checks"`
	Summary DoctorSummary `json:"summary"`
}

// DoctorCheck is one diagnostic check.
type DoctorCheck struct {
	// ID is a stable identifier such as "bridge.control".
	ID         string `json:"id"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	NextAction string `json:"next_action"`
}

// DoctorSummary holds aggregate counts of check outcomes.
type DoctorSummary struct {
	Pass int `json:"pass"`
	Warn int `json:"warn"`
	Fail int `json:"fail"`
}

// Stable check IDs. These are part of the CLI contract.
const (
	checkIDConfig  = "config.valid"
	checkIDControl = "bridge.control"
	checkIDPolicy  = "network.policy"
	checkIDTrust   = "trust.store"
	checkIDAudit   = "audit.log"
	checkIDTLS     = "tls.certificate"
)

const (
	statusPass = "pass"
	statusWarn = "warn"
	statusFail = "fail"
)

// doctorQueryStatus asks the running bridge for its status. Tests replace it.
var doctorQueryStatus = func(socket string) (*server.Status, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var st server.Status
	if err := ipc.NewClient(socket, 0).Get(ctx, "/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

const doctorUsage = `Usage: redditbridge doctor [options]

Check the configuration, the trust store, the audit log, and whether a bridge
is running. Exits 1 when any check fails.
`

func runDoctor(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("doctor", doctorUsage, stderr)
	var cf configFlags
	cf.register(fs)
	jsonMode := fs.Bool("json", false, "Output in JSON format")
	if err := parseFlags(fs, args, stderr); err != nil {
		return exitCode(err)
	}

	var checks []DoctorCheck
	cfg, err := cf.load()
	if err != nil {
		checks = append(checks, DoctorCheck{
			ID:         checkIDConfig,
			Status:     statusFail,
			Message:    err.Error(),
			NextAction: "Fix the config file or recreate it with `redditbridge init`.",
		})
		// Keep checking the rest with defaults.
		cfg = config.Defaults()
	} else {
		checks = append(checks, pass(checkIDConfig, "Configuration is valid."))
	}

	checks = append(checks,
		evalControl(config.ExpandPath(cfg.ControlSocket)),
		evalPolicy(cfg),
		evalTrustStore(config.ExpandPath(cfg.PairingStorePath)),
		evalAudit(cfg.AuditDB),
	)
	if cfg.TLS {
		checks = append(checks, evalTLS(cfg))
	}

	result := DoctorResult{Version: "1", Checks: checks}
	for _, c := range checks {
		switch c.Status {
		case statusPass:
			result.Summary.Pass++
		case statusWarn:
			result.Summary.Warn++
		case statusFail:
			result.Summary.Fail++
		}
	}

	if *jsonMode {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			fmt.Fprintf(stderr, "Error: failed to encode JSON: %v\n", err)
			return 1
		}
	} else {
		renderDoctorHuman(stdout, result)
	}

	if result.Summary.Fail > 0 {
		return 1
	}
	return 0
}

func pass(id, msg string) DoctorCheck {
	return DoctorCheck{ID: id, Status: statusPass, Message: msg, NextAction: "No action required."}
}

func evalControl(socket string) DoctorCheck {
	st, err := doctorQueryStatus(socket)
	switch {
	case err == nil:
		return pass(checkIDControl, fmt.Sprintf("Bridge is running at %s (%s).", st.URL, st.State))
	case errors.Is(err, ipc.ErrNotRunning):
		return DoctorCheck{
			ID:         checkIDControl,
			Status:     statusWarn,
			Message:    "Bridge is not running.",
			NextAction: "Start it with `redditbridge start`.",
		}
	default:
		return DoctorCheck{
			ID:         checkIDControl,
			Status:     statusFail,
			Message:    fmt.Sprintf("Control socket %s did not answer: %v", socket, err),
			NextAction: "Stop any stale bridge process and remove the socket file, then start again.",
		}
	}
}

func evalPolicy(cfg *config.Config) DoctorCheck {
	switch cfg.Policy() {
	case netpolicy.Any:
		return DoctorCheck{
			ID:         checkIDPolicy,
			Status:     statusWarn,
			Message:    "Network policy 'any' accepts connections from every address.",
			NextAction: "Use `network_policy = \"private\"` unless the bridge sits behind another gate.",
		}
	case netpolicy.Loopback:
		return pass(checkIDPolicy, "Only this machine can connect (loopback).")
	default:
		return pass(checkIDPolicy, "This machine, LAN, and Tailscale peers can connect (private).")
	}
}

func evalTrustStore(path string) DoctorCheck {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DoctorCheck{
			ID:         checkIDTrust,
			Status:     statusWarn,
			Message:    "No devices paired yet.",
			NextAction: "Connect the extension, then run `redditbridge pairings approve <code>`.",
		}
	}
	if err != nil {
		return DoctorCheck{
			ID:         checkIDTrust,
			Status:     statusFail,
			Message:    fmt.Sprintf("Trust store %s is unreadable: %v", path, err),
			NextAction: "Fix the file permissions; the bridge needs to read and write it.",
		}
	}
	if !json.Valid(data) {
		return DoctorCheck{
			ID:         checkIDTrust,
			Status:     statusWarn,
			Message:    fmt.Sprintf("Trust store %s is not valid JSON; the bridge will start with no paired devices.", path),
			NextAction: "Restore the file from a backup or pair your devices again.",
		}
	}
	n := storage.OpenTrustStore(path, storage.TrustStoreOptions{}).Len()
	return pass(checkIDTrust, fmt.Sprintf("%d paired device(s) in %s.", n, path))
}

func evalAudit(path string) DoctorCheck {
	if path == "" {
		return DoctorCheck{
			ID:         checkIDAudit,
			Status:     statusWarn,
			Message:    "Pairing audit log is disabled.",
			NextAction: "Set `audit_db` to keep a record of pairing events.",
		}
	}
	path = config.ExpandPath(path)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return pass(checkIDAudit, fmt.Sprintf("Audit log will be created at %s.", path))
	}
	store, err := storage.NewSQLiteStore(path, nil)
	if err != nil {
		return DoctorCheck{
			ID:         checkIDAudit,
			Status:     statusFail,
			Message:    fmt.Sprintf("Audit log %s cannot be opened: %v", path, err),
			NextAction: "Move the damaged file aside; a new log is created on start.",
		}
	}
	defer store.Close()
	version, err := store.SchemaVersion()
	if err != nil {
		return DoctorCheck{
			ID:         checkIDAudit,
			Status:     statusFail,
			Message:    fmt.Sprintf("Audit log schema unreadable: %v", err),
			NextAction: "Move the damaged file aside; a new log is created on start.",
		}
	}
	return pass(checkIDAudit, fmt.Sprintf("Audit log %s (schema v%d).", path, version))
}

func evalTLS(cfg *config.Config) DoctorCheck {
	certPath, keyPath := config.ExpandPath(cfg.TLSCert), config.ExpandPath(cfg.TLSKey)
	if certPath == "" {
		var err error
		if certPath, err = bridgetls.DefaultCertPath(); err == nil {
			keyPath, err = bridgetls.DefaultKeyPath()
		}
		if err != nil {
			return DoctorCheck{ID: checkIDTLS, Status: statusFail, Message: err.Error(), NextAction: "Set `tls_cert` and `tls_key`."}
		}
	}
	if _, err := os.Stat(certPath); errors.Is(err, os.ErrNotExist) {
		return pass(checkIDTLS, "A self-signed certificate will be generated on start.")
	}
	info, err := bridgetls.LoadCertificate(certPath, keyPath)
	if err != nil {
		return DoctorCheck{
			ID:         checkIDTLS,
			Status:     statusFail,
			Message:    fmt.Sprintf("TLS certificate error: %v", err),
			NextAction: "Fix `tls_cert`/`tls_key`, or delete the default files under ~/.redditbridge/certs to regenerate them.",
		}
	}
	if time.Until(info.NotAfter) < 7*24*time.Hour {
		return DoctorCheck{
			ID:         checkIDTLS,
			Status:     statusWarn,
			Message:    fmt.Sprintf("TLS certificate expires %s.", info.NotAfter.Format("2006-01-02")),
			NextAction: "Restart the bridge to renew a generated certificate, or replace a custom one.",
		}
	}
	return pass(checkIDTLS, fmt.Sprintf("TLS certificate %s, fingerprint %s.", certPath, info.Fingerprint))
}

func renderDoctorHuman(w io.Writer, result DoctorResult) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "redditbridge doctor")
	fmt.Fprintln(w, "===================")
	fmt.Fprintln(w, "")
	for _, c := range result.Checks {
		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(c.Status), c.ID, c.Message)
		if c.Status != statusPass {
			fmt.Fprintf(w, "    -> %s\n", c.NextAction)
		}
	}
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Summary: %d passed, %d warnings, %d failures\n",
		result.Summary.Pass, result.Summary.Warn, result.Summary.Fail)
	fmt.Fprintln(w, "")
}

func statusIcon(status string) string {
	switch status {
	case statusPass:
		return "[PASS]"
	case statusWarn:
		return "[WARN]"
	case statusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}
