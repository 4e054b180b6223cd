package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/skip2/go-qrcode"

	"github.com/redditagent/bridge/internal/auth"
)

const pairingsListUsage = `Usage: redditbridge pairings list [options]

List pairing codes waiting for approval. Each code is also shown in the
extension that asked for it; approve only codes you recognize.
`

const pairingsApproveUsage = `Usage: redditbridge pairings approve [options] <code>

Approve a pending pairing code. The waiting device receives its token and
becomes the connected device. Codes are case-insensitive.
`

func runPairingsList(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("pairings list", pairingsListUsage, stderr)
	var cf configFlags
	cf.register(fs)
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	qr := fs.Bool("qr", false, "Render each pending code as a QR code")
	if err := parseFlags(fs, args, stderr); err != nil {
		return exitCode(err)
	}

	client, err := cf.control(0)
	if err != nil {
		printError(stderr, err)
		return 1
	}
	var resp auth.PairingsResponse
	if err := client.Get(context.Background(), "/pairings", &resp); err != nil {
		printError(stderr, err)
		return 1
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.Encode(resp)
		return 0
	}
	if len(resp.Pairings) == 0 {
		fmt.Fprintln(stdout, "No pending pairings.")
		return 0
	}
	if *qr {
		for _, p := range resp.Pairings {
			DisplayQRCode(stdout, p)
		}
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CODE\tDEVICE\tNAME\tREQUESTED\tEXPIRES")
	fmt.Fprintln(w, "----\t------\t----\t---------\t-------")
	for _, p := range resp.Pairings {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			p.Code,
			p.DeviceID,
			displayName(p.DeviceName),
			humanize.Time(p.RequestedAt),
			humanize.Time(p.ExpiresAt),
		)
	}
	w.Flush()
	fmt.Fprintln(stdout, "\nApprove with: redditbridge pairings approve <code>")
	return 0
}

func runPairingsApprove(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("pairings approve", pairingsApproveUsage, stderr)
	var cf configFlags
	cf.register(fs)
	if err := parseFlags(fs, args, stderr); err != nil {
		return exitCode(err)
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}

	client, err := cf.control(0)
	if err != nil {
		printError(stderr, err)
		return 1
	}
	var resp auth.ApproveResponse
	if err := client.Post(context.Background(), "/pairings/approve", auth.ApproveRequest{Code: fs.Arg(0)}, &resp); err != nil {
		printError(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "Approved %s (%s).\n", displayName(resp.DeviceName), resp.DeviceID)
	return 0
}

// DisplayQRCode renders a pending pairing as a QR code with a plain-text
// fallback. The payload is redditbridge://pair?code=<code>&device=<id>.
func DisplayQRCode(w io.Writer, p auth.Pairing) {
	payload := fmt.Sprintf("redditbridge://pair?code=%s&device=%s",
		url.QueryEscape(p.Code),
		url.QueryEscape(p.DeviceID))

	qr, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		fmt.Fprintf(w, "Error generating QR code: %v\n", err)
		DisplayPairingCode(w, p)
		return
	}

	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "         PAIRING REQUEST")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
	fmt.Fprint(w, qr.ToSmallString(false))
	fmt.Fprintln(w, "-------------------------------------------")
	fmt.Fprintf(w, "  Code:    %s\n", FormatCode(p.Code))
	fmt.Fprintf(w, "  Device:  %s (%s)\n", displayName(p.DeviceName), p.DeviceID)
	fmt.Fprintf(w, "  Expires: %s\n", p.ExpiresAt.Format("15:04:05"))
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
}

// DisplayPairingCode shows a pending pairing as text.
func DisplayPairingCode(w io.Writer, p auth.Pairing) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "         PAIRING REQUEST")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "           %s\n", FormatCode(p.Code))
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "  Device:  %s (%s)\n", displayName(p.DeviceName), p.DeviceID)
	fmt.Fprintf(w, "  Expires: %s (%s)\n", p.ExpiresAt.Format("15:04:05"), humanize.Time(p.ExpiresAt))
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
}

func displayName(name string) string {
	if name == "" {
		return "(unnamed)"
	}
	return name
}

// lastSeen formats a timestamp relative to now, or "never" when unset.
func lastSeen(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}
