package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/redditagent/bridge/internal/config"
	"github.com/redditagent/bridge/internal/storage"
)

const auditUsage = `Usage: redditbridge audit [options]

Show recent pairing events, newest first: requests, approvals, expirations,
reconnects, rejected tokens, and revocations. Action calls are not recorded.
`

// auditEntry is the JSON form of a pairing event.
type auditEntry struct {
	Event      string `json:"event"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName,omitempty"`
	Code       string `json:"code,omitempty"`
	RemoteAddr string `json:"remoteAddr,omitempty"`
	Detail     string `json:"detail,omitempty"`
	OccurredAt string `json:"occurredAt"`
}

func runAudit(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("audit", auditUsage, stderr)
	var cf configFlags
	cf.register(fs)
	device := fs.String("device", "", "Only show events for this device id")
	limit := fs.IntP("limit", "n", 50, "Maximum events to show; 0 shows all")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	if err := parseFlags(fs, args, stderr); err != nil {
		return exitCode(err)
	}

	cfg, err := cf.load()
	if err != nil {
		printError(stderr, err)
		return 1
	}
	if cfg.AuditDB == "" {
		fmt.Fprintln(stdout, "Pairing audit log is disabled (audit_db is empty).")
		return 0
	}
	path := config.ExpandPath(cfg.AuditDB)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintln(stdout, "No pairing events recorded.")
		return 0
	}

	store, err := storage.NewSQLiteStore(path, nil)
	if err != nil {
		printError(stderr, err)
		return 1
	}
	defer store.Close()

	events, err := store.ListPairingEvents(*device, *limit)
	if err != nil {
		printError(stderr, err)
		return 1
	}

	if *jsonOutput {
		entries := make([]auditEntry, 0, len(events))
		for _, ev := range events {
			entries = append(entries, auditEntry{
				Event:      ev.Event,
				DeviceID:   ev.DeviceID,
				DeviceName: ev.DeviceName,
				Code:       ev.Code,
				RemoteAddr: ev.RemoteAddr,
				Detail:     ev.Detail,
				OccurredAt: ev.OccurredAt.Format("2006-01-02T15:04:05Z07:00"),
			})
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.Encode(entries)
		return 0
	}
	if len(events) == 0 {
		fmt.Fprintln(stdout, "No pairing events recorded.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tEVENT\tDEVICE\tNAME\tCODE\tFROM\tDETAIL")
	for _, ev := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			humanize.Time(ev.OccurredAt),
			ev.Event,
			ev.DeviceID,
			ev.DeviceName,
			ev.Code,
			ev.RemoteAddr,
			ev.Detail,
		)
	}
	w.Flush()
	return 0
}
