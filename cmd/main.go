package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.1.0" ./cmd
var Version = "dev"

const usage = `redditbridge - local WebSocket bridge between an AI agent and the Reddit extension

Usage:
  redditbridge <command> [options]

Commands:
  start                     Start the bridge and wait for the extension
  status                    Show bridge state, device, and pending pairings
  pairings list             List pending pairing codes
  pairings approve <code>   Approve a pairing code shown in the extension
  devices list              List paired devices
  devices revoke <id>       Remove a device and disconnect it
  call <action> [params]    Run an action through the connected extension
  audit                     Show recent pairing events
  agent                     Connect to a bridge as a device and serve actions
  doctor                    Check the local setup
  init                      Write a default config file
Run 'redditbridge <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}

	switch args[1] {
	case "start":
		return runStart(args[2:], stdout, stderr)
	case "status":
		return runStatus(args[2:], stdout, stderr)
	case "pairings":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: redditbridge pairings <list|approve>")
			return 1
		}
		switch args[2] {
		case "list":
			return runPairingsList(args[3:], stdout, stderr)
		case "approve":
			return runPairingsApprove(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown pairings command: %s\n", args[2])
			return 1
		}
	case "devices":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: redditbridge devices <list|revoke>")
			return 1
		}
		switch args[2] {
		case "list":
			return runDevicesList(args[3:], stdout, stderr)
		case "revoke":
			return runDevicesRevoke(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown devices command: %s\n", args[2])
			return 1
		}
	case "call":
		return runCall(args[2:], stdout, stderr)
	case "audit":
		return runAudit(args[2:], stdout, stderr)
	case "agent":
		return runAgent(args[2:], stdout, stderr)
	case "doctor":
		return runDoctor(args[2:], stdout, stderr)
	case "init":
		return runInit(args[2:], stdout, stderr)
	case "--help", "-h", "help":
		fmt.Fprint(stdout, usage)
		return 0
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "redditbridge %s\n", Version)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
