package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/redditagent/bridge/internal/server"
)

const statusUsage = `Usage: redditbridge status [options]

Show whether the extension is connected, which device holds the bridge, and
any pairing codes waiting for approval.
`

const callUsage = `Usage: redditbridge call [options] <action> [params-json]

Run an action through the connected extension and print its result.

Examples:
  redditbridge call get_skill
  redditbridge call fetch_subreddit '{"subreddit":"golang","limit":5}'
`

// callSlack is added to the action timeout for the control round trip.
const callSlack = 10 * time.Second

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("status", statusUsage, stderr)
	var cf configFlags
	cf.register(fs)
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	if err := parseFlags(fs, args, stderr); err != nil {
		return exitCode(err)
	}

	client, err := cf.control(0)
	if err != nil {
		printError(stderr, err)
		return 1
	}
	var st server.Status
	if err := client.Get(context.Background(), "/status", &st); err != nil {
		printError(stderr, err)
		return 1
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.Encode(st)
		return 0
	}
	printStatus(stdout, st)
	return 0
}

func printStatus(w io.Writer, st server.Status) {
	fmt.Fprintf(w, "State:     %s\n", st.State)
	fmt.Fprintf(w, "URL:       %s\n", st.URL)
	fmt.Fprintf(w, "Policy:    %s\n", st.Policy)
	if st.TLSFingerprint != "" {
		fmt.Fprintf(w, "TLS:       %s\n", st.TLSFingerprint)
	}
	if st.Device != nil {
		fmt.Fprintf(w, "Device:    %s (%s)\n", displayName(st.Device.DeviceName), st.Device.DeviceID)
	} else {
		fmt.Fprintln(w, "Device:    none")
	}
	fmt.Fprintf(w, "Paired:    %d device(s)\n", st.PairedDevices)
	fmt.Fprintf(w, "Sockets:   %d open, %d request(s) in flight\n", st.Connections, st.OutstandingRequests)
	if !st.StartedAt.IsZero() {
		fmt.Fprintf(w, "Uptime:    %s\n", strings.TrimSpace(humanize.RelTime(st.StartedAt, time.Now(), "", "")))
	}
	if st.IdleTimeoutSeconds > 0 {
		fmt.Fprintf(w, "Idle stop: after %s without traffic\n", time.Duration(st.IdleTimeoutSeconds)*time.Second)
	}
	if len(st.PendingPairings) > 0 {
		fmt.Fprintln(w, "\nPending pairings:")
		for _, p := range st.PendingPairings {
			fmt.Fprintf(w, "  %s  %s  expires %s\n", FormatCode(p.Code), displayName(p.DeviceName), humanize.Time(p.ExpiresAt))
		}
		fmt.Fprintln(w, "\nApprove with: redditbridge pairings approve <code>")
	}
}

func runCall(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("call", callUsage, stderr)
	var cf configFlags
	cf.register(fs)
	timeout := fs.Duration("timeout", 0, "Action timeout, capped at 5m (default: request_timeout_ms)")
	if err := parseFlags(fs, args, stderr); err != nil {
		return exitCode(err)
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		fs.Usage()
		return 1
	}

	req := server.ActionRequest{Action: fs.Arg(0), TimeoutMs: timeout.Milliseconds()}
	if fs.NArg() == 2 {
		params := []byte(fs.Arg(1))
		if !json.Valid(params) {
			fmt.Fprintln(stderr, "Error: params must be valid JSON")
			return 1
		}
		req.Params = params
	}

	cfg, err := cf.load()
	if err != nil {
		printError(stderr, err)
		return 1
	}
	wait := *timeout
	if wait <= 0 {
		wait = cfg.RequestTimeout()
	}
	client, err := cf.control(wait + cfg.ConnectWait() + callSlack)
	if err != nil {
		printError(stderr, err)
		return 1
	}

	var resp server.ActionResponse
	if err := client.Post(context.Background(), "/actions", req, &resp); err != nil {
		printError(stderr, err)
		return 1
	}

	var out bytes.Buffer
	if err := json.Indent(&out, resp.Data, "", "  "); err != nil {
		stdout.Write(resp.Data)
		fmt.Fprintln(stdout)
		return 0
	}
	out.WriteByte('\n')
	out.WriteTo(stdout)
	return 0
}
