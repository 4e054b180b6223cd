package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runWithArgs(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(append([]string{"redditbridge"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunUsage(t *testing.T) {
	code, out, _ := runWithArgs()
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out, "Usage:") {
		t.Fatalf("expected usage output, got %q", out)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	code, out, _ := runWithArgs("nope")
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(out, "Unknown command") {
		t.Fatalf("expected unknown command output, got %q", out)
	}
}

func TestRunVersion(t *testing.T) {
	code, out, _ := runWithArgs("version")
	if code != 0 || !strings.Contains(out, "redditbridge "+Version) {
		t.Fatalf("version = %d, %q", code, out)
	}
}

func TestRunMissingSubcommands(t *testing.T) {
	for _, group := range []string{"pairings", "devices"} {
		code, out, _ := runWithArgs(group)
		if code != 1 {
			t.Errorf("%s: expected exit code 1, got %d", group, code)
		}
		if !strings.Contains(out, "Usage: redditbridge "+group) {
			t.Errorf("%s: expected usage, got %q", group, out)
		}

		code, out, _ = runWithArgs(group, "bogus")
		if code != 1 || !strings.Contains(out, "Unknown "+group+" command") {
			t.Errorf("%s bogus = %d, %q", group, code, out)
		}
	}
}

func TestCommandHelp(t *testing.T) {
	for _, args := range [][]string{
		{"start", "--help"},
		{"status", "-h"},
		{"pairings", "list", "--help"},
		{"pairings", "approve", "--help"},
		{"devices", "list", "--help"},
		{"devices", "revoke", "--help"},
		{"call", "--help"},
		{"audit", "--help"},
		{"agent", "--help"},
		{"doctor", "--help"},
		{"init", "--help"},
	} {
		code, _, errOut := runWithArgs(args...)
		if code != 0 {
			t.Errorf("%v: expected exit code 0, got %d", args, code)
		}
		if !strings.Contains(errOut, "Usage: redditbridge") {
			t.Errorf("%v: expected usage on stderr, got %q", args, errOut)
		}
	}
}

func TestStartInvalidFlag(t *testing.T) {
	code, _, errOut := runWithArgs("start", "--port=bad")
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if errOut == "" {
		t.Fatal("expected error output for invalid flag")
	}
}

func TestStartRejectsInvalidPolicy(t *testing.T) {
	cfgPath := writeConfig(t, testPaths(t), "")
	code, _, errOut := runWithArgs("start", "--config", cfgPath, "--policy", "everyone")
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(errOut, "unknown network policy") {
		t.Fatalf("expected policy error, got %q", errOut)
	}
}

func TestInitWritesConfigOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.toml")

	code, out, _ := runWithArgs("init", "--config", path)
	if code != 0 || !strings.Contains(out, "Created config") {
		t.Fatalf("init = %d, %q", code, out)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "network_policy") {
		t.Errorf("config missing network_policy:\n%s", data)
	}

	code, out, _ = runWithArgs("init", "--config", path)
	if code != 0 || !strings.Contains(out, "already exists") {
		t.Fatalf("second init = %d, %q", code, out)
	}
}

func TestCallValidatesParams(t *testing.T) {
	code, _, errOut := runWithArgs("call", "fetch_post", "{not json")
	if code != 1 || !strings.Contains(errOut, "valid JSON") {
		t.Fatalf("call = %d, %q", code, errOut)
	}
	code, _, _ = runWithArgs("call")
	if code != 1 {
		t.Fatalf("call without action = %d, want 1", code)
	}
}

func TestAgentRequiresHost(t *testing.T) {
	paths := testPaths(t)
	cfgPath := writeConfig(t, paths, "")
	code, _, errOut := runWithArgs("agent", "--config", cfgPath, "--identity", filepath.Join(paths.dir, "id.json"))
	if code != 1 || !strings.Contains(errOut, "no bridge host configured") {
		t.Fatalf("agent = %d, %q", code, errOut)
	}
}
