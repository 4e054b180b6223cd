package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/redditagent/bridge/internal/config"
	"github.com/redditagent/bridge/internal/ipc"
)

// errHelp means --help was printed; the command exits 0.
var errHelp = errors.New("help requested")

// newFlagSet returns a pflag set that reports errors to stderr and prints
// usage, then the option defaults, on --help.
func newFlagSet(name, usage string, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SortFlags = false
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		if fs.HasFlags() {
			fmt.Fprintln(stderr, "\nOptions:")
			fs.PrintDefaults()
		}
	}
	return fs
}

// parseFlags parses args and maps --help to errHelp. Other parse errors are
// reported on stderr.
func parseFlags(fs *pflag.FlagSet, args []string, stderr io.Writer) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return errHelp
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

// exitCode turns a parse error into the process exit status.
func exitCode(err error) int {
	if errors.Is(err, errHelp) {
		return 0
	}
	return 1
}

// configFlags are shared by every command that reads the config file.
type configFlags struct {
	path   string
	socket string
}

func (c *configFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&c.path, "config", "c", "", "Config file (default: ~/.redditbridge/config.toml)")
	fs.StringVar(&c.socket, "socket", "", "Control socket of the running bridge (default: from config)")
}

// load reads and validates the config file.
func (c *configFlags) load() (*config.Config, error) {
	cfg, err := config.Load(c.path)
	if err != nil {
		return nil, err
	}
	if c.socket != "" {
		cfg.ControlSocket = c.socket
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// control returns a client for the running bridge's control socket.
func (c *configFlags) control(timeout time.Duration) (*ipc.Client, error) {
	cfg, err := c.load()
	if err != nil {
		return nil, err
	}
	return ipc.NewClient(config.ExpandPath(cfg.ControlSocket), timeout), nil
}

// printError writes an error, adding a start hint when the bridge is down.
func printError(stderr io.Writer, err error) {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	if errors.Is(err, ipc.ErrNotRunning) {
		fmt.Fprintln(stderr, "\nStart the bridge with: redditbridge start")
	}
}

// FormatCode spaces a pairing code for reading aloud: "ABC234" -> "ABC 234".
func FormatCode(code string) string {
	if len(code) < 6 || len(code)%2 != 0 {
		return code
	}
	half := len(code) / 2
	return strings.Join([]string{code[:half], code[half:]}, " ")
}
