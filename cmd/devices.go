package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/redditagent/bridge/internal/config"
	"github.com/redditagent/bridge/internal/ipc"
	"github.com/redditagent/bridge/internal/server"
	"github.com/redditagent/bridge/internal/storage"
)

const devicesListUsage = `Usage: redditbridge devices list [options]

List paired devices. When the bridge is not running the trust store file is
read directly.
`

const devicesRevokeUsage = `Usage: redditbridge devices revoke [options] <device-id>

Remove a device from the trust store. A connected device is disconnected and
must pair again.
`

func runDevicesList(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("devices list", devicesListUsage, stderr)
	var cf configFlags
	cf.register(fs)
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	if err := parseFlags(fs, args, stderr); err != nil {
		return exitCode(err)
	}

	cfg, err := cf.load()
	if err != nil {
		printError(stderr, err)
		return 1
	}

	var resp server.DevicesResponse
	client := ipc.NewClient(config.ExpandPath(cfg.ControlSocket), 0)
	err = client.Get(context.Background(), "/devices", &resp)
	if errors.Is(err, ipc.ErrNotRunning) {
		resp.Devices, err = devicesFromStore(cfg)
	}
	if err != nil {
		printError(stderr, err)
		return 1
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.Encode(resp)
		return 0
	}
	if len(resp.Devices) == 0 {
		fmt.Fprintln(stdout, "No paired devices found.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE ID\tNAME\tAPPROVED\tLAST SEEN\tCONNECTED")
	fmt.Fprintln(w, "---------\t----\t--------\t---------\t---------")
	for _, d := range resp.Devices {
		connected := ""
		if d.Connected {
			connected = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			d.DeviceID,
			displayName(d.DeviceName),
			lastSeen(d.ApprovedAt),
			lastSeen(d.LastSeenAt),
			connected,
		)
	}
	w.Flush()
	return 0
}

// devicesFromStore lists devices straight from the trust store file.
func devicesFromStore(cfg *config.Config) ([]server.DeviceSummary, error) {
	path := config.ExpandPath(cfg.PairingStorePath)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	store := storage.OpenTrustStore(path, storage.TrustStoreOptions{})
	records := store.List()
	out := make([]server.DeviceSummary, 0, len(records))
	for _, d := range records {
		out = append(out, server.DeviceSummary{
			DeviceID:   d.ID,
			DeviceName: d.Name,
			ApprovedAt: d.ApprovedAt,
			LastSeenAt: d.LastSeen,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ApprovedAt.Before(out[j].ApprovedAt) })
	return out, nil
}

func runDevicesRevoke(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("devices revoke", devicesRevokeUsage, stderr)
	var cf configFlags
	cf.register(fs)
	if err := parseFlags(fs, args, stderr); err != nil {
		return exitCode(err)
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Error: device-id is required")
		fs.Usage()
		return 1
	}
	deviceID := fs.Arg(0)

	cfg, err := cf.load()
	if err != nil {
		printError(stderr, err)
		return 1
	}

	// The running bridge closes the device's socket before forgetting it.
	client := ipc.NewClient(config.ExpandPath(cfg.ControlSocket), 0)
	err = client.Delete(context.Background(), "/devices/"+deviceID)
	if err == nil {
		fmt.Fprintf(stdout, "Revoked device: %s\n", deviceID)
		return 0
	}
	if !errors.Is(err, ipc.ErrNotRunning) {
		printError(stderr, err)
		return 1
	}

	store := storage.OpenTrustStore(config.ExpandPath(cfg.PairingStorePath), storage.TrustStoreOptions{})
	if err := store.Delete(deviceID); err != nil {
		printError(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "Revoked device: %s\n", deviceID)
	fmt.Fprintln(stdout, "Note: the bridge is not running; the device must pair again next time it connects.")
	return 0
}
