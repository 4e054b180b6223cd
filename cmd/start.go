package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/redditagent/bridge/internal/auth"
	"github.com/redditagent/bridge/internal/config"
	"github.com/redditagent/bridge/internal/ipc"
	"github.com/redditagent/bridge/internal/logging"
	"github.com/redditagent/bridge/internal/mdns"
	"github.com/redditagent/bridge/internal/metrics"
	"github.com/redditagent/bridge/internal/server"
	"github.com/redditagent/bridge/internal/storage"
	bridgetls "github.com/redditagent/bridge/internal/tls"
)

const startUsage = `Usage: redditbridge start [options]

Start the bridge. The Reddit extension connects to the printed URL; the first
time a device connects it shows a pairing code that you approve with
'redditbridge pairings approve <code>'.

The bridge stops on Ctrl+C, or after the idle timeout passes without traffic.
`

// startFlags are the config overrides accepted by start.
type startFlags struct {
	configFlags
	host        string
	port        int
	policy      string
	idleTimeout time.Duration
	logLevel    string
	store       string
	mdns        bool
	tls         bool
	metrics     bool
}

func runStart(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("start", startUsage, stderr)
	var f startFlags
	f.register(fs)
	fs.StringVar(&f.host, "host", "", "Interface to listen on (default: 0.0.0.0)")
	fs.IntVarP(&f.port, "port", "p", 0, "Port to listen on (default: 7071)")
	fs.StringVar(&f.policy, "policy", "", "Network policy: loopback, private, or any (default: private)")
	fs.DurationVar(&f.idleTimeout, "idle-timeout", 0, "Stop after this long without traffic; 0s never stops (default: 5m)")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.StringVar(&f.store, "pairing-store", "", "Trust store of paired devices (default: ~/.redditbridge/pairings.json)")
	fs.BoolVar(&f.mdns, "mdns", false, "Advertise the bridge on the local network")
	fs.BoolVar(&f.tls, "tls", false, "Serve wss:// with a self-signed certificate")
	fs.BoolVar(&f.metrics, "metrics", false, "Serve Prometheus metrics at /metrics")
	if err := parseFlags(fs, args, stderr); err != nil {
		return exitCode(err)
	}

	cfg, err := config.Load(f.path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	// Flags override the file only when given.
	if fs.Changed("socket") {
		cfg.ControlSocket = f.socket
	}
	if fs.Changed("host") {
		cfg.Host = f.host
	}
	if fs.Changed("port") {
		cfg.Port = f.port
	}
	if fs.Changed("policy") {
		cfg.NetworkPolicy = f.policy
	}
	if fs.Changed("idle-timeout") {
		cfg.IdleTimeoutSeconds = int(f.idleTimeout / time.Second)
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if fs.Changed("pairing-store") {
		cfg.PairingStorePath = f.store
	}
	if fs.Changed("mdns") {
		cfg.MDNS = f.mdns
	}
	if fs.Changed("tls") {
		cfg.TLS = f.tls
	}
	if fs.Changed("metrics") {
		cfg.Metrics = f.metrics
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: invalid configuration: %v\n", err)
		return 1
	}

	log, err := logging.New(cfg.LogLevel, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer log.Sync()

	b, err := startBridge(cfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	printBanner(stdout, b)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	select {
	case <-b.srv.Done():
		fmt.Fprintln(stdout, "\nBridge stopped after the idle timeout.")
	case sig := <-sigCh:
		fmt.Fprintf(stdout, "\nReceived signal %v, stopping...\n", sig)
	}
	if err := b.stop(); err != nil {
		fmt.Fprintf(stderr, "Warning: %v\n", err)
	}
	return 0
}

// bridge is a running server with its supporting services.
type bridge struct {
	srv         *server.Server
	socket      *ipc.SocketServer
	audit       *storage.SQLiteStore
	advertiser  *mdns.Advertiser
	fingerprint string
	log         *zap.SugaredLogger
}

// startBridge wires the trust store, audit log, pairing manager, server,
// control socket, and optional TLS, metrics, and mDNS from cfg.
func startBridge(cfg *config.Config, log *zap.SugaredLogger) (*bridge, error) {
	b := &bridge{log: log}

	trust := storage.OpenTrustStore(config.ExpandPath(cfg.PairingStorePath), storage.TrustStoreOptions{
		Logger: log.Named("trust"),
	})

	var auditSink auth.AuditSink
	if cfg.AuditDB != "" {
		path := config.ExpandPath(cfg.AuditDB)
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create audit directory: %w", err)
		}
		store, err := storage.NewSQLiteStore(path, log.Named("audit"))
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		b.audit = store
		auditSink = store
	}

	pairing := auth.NewPairingManager(auth.PairingConfig{
		CodeTTL:     cfg.PairingCodeTTL(),
		DeviceStore: trust,
		Audit:       auditSink,
		Logger:      log.Named("pairing"),
	})

	opts := server.Options{
		Host:           cfg.Host,
		Port:           cfg.Port,
		Path:           cfg.Path,
		Policy:         cfg.Policy(),
		Pairing:        pairing,
		Devices:        trust,
		Audit:          auditSink,
		IdleTimeout:    cfg.IdleTimeout(),
		RequestTimeout: cfg.RequestTimeout(),
		ConnectWait:    cfg.ConnectWait(),
		AllowedActions: cfg.AllowedActions,
		Logger:         log,
		OnIdleShutdown: func() {
			log.Infof("bridge: idle for %s, shutting down", cfg.IdleTimeout())
		},
	}

	if cfg.TLS {
		certPath, keyPath := cfg.TLSCert, cfg.TLSKey
		if certPath != "" {
			certPath, keyPath = config.ExpandPath(certPath), config.ExpandPath(keyPath)
		}
		info, err := bridgetls.EnsureCertificate(bridgetls.CertConfig{CertPath: certPath, KeyPath: keyPath})
		if err != nil {
			b.closeAudit()
			return nil, fmt.Errorf("failed to set up TLS certificate: %w", err)
		}
		if info.IsGenerated {
			log.Infof("tls: generated certificate %s", info.CertPath)
		}
		opts.TLS = &server.TLSConfig{CertPath: info.CertPath, KeyPath: info.KeyPath, Fingerprint: info.Fingerprint}
		b.fingerprint = info.Fingerprint
	}

	if cfg.Metrics {
		reg := metrics.NewRegistry()
		opts.Metrics = metrics.NewPromObserver(reg)
		opts.MetricsHandler = metrics.Handler(reg)
	}

	srv, err := server.New(opts)
	if err != nil {
		b.closeAudit()
		return nil, err
	}
	b.srv = srv

	// The control socket doubles as the single-instance lock, so claim it
	// before binding the port.
	b.socket = ipc.NewSocketServer(config.ExpandPath(cfg.ControlSocket), srv.ControlHandler(), log)
	if err := b.socket.Start(); err != nil {
		b.closeAudit()
		return nil, err
	}
	if err := srv.Start(); err != nil {
		b.socket.Stop()
		b.closeAudit()
		return nil, err
	}

	if cfg.MDNS {
		port := cfg.Port
		if _, p, err := net.SplitHostPort(srv.Addr()); err == nil {
			port, _ = strconv.Atoi(p)
		}
		b.advertiser = mdns.NewAdvertiser(mdns.Config{
			Port:        port,
			Path:        cfg.Path,
			Policy:      cfg.Policy().String(),
			Fingerprint: b.fingerprint,
		})
		if err := b.advertiser.Start(); err != nil {
			log.Warnf("mdns: advertisement failed: %v", err)
			b.advertiser = nil
		}
	}
	return b, nil
}

// stop tears services down in reverse order of creation.
func (b *bridge) stop() error {
	if b.advertiser != nil {
		b.advertiser.Stop()
	}
	return multierr.Combine(
		b.srv.Stop(),
		b.socket.Stop(),
		b.closeAudit(),
	)
}

func (b *bridge) closeAudit() error {
	if b.audit == nil {
		return nil
	}
	err := b.audit.Close()
	b.audit = nil
	return err
}

func printBanner(w io.Writer, b *bridge) {
	st := b.srv.Status()
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "  redditbridge")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintf(w, "  URL:      %s\n", st.URL)
	fmt.Fprintf(w, "  Policy:   %s\n", st.Policy)
	fmt.Fprintf(w, "  Devices:  %d paired\n", st.PairedDevices)
	if st.IdleTimeoutSeconds > 0 {
		fmt.Fprintf(w, "  Idle:     stops after %s without traffic\n", time.Duration(st.IdleTimeoutSeconds)*time.Second)
	}
	if b.fingerprint != "" {
		fmt.Fprintf(w, "  TLS:      %s\n", b.fingerprint)
	}
	if b.advertiser != nil {
		fmt.Fprintf(w, "  mDNS:     advertising %s\n", mdns.ServiceType)
	}
	fmt.Fprintln(w, "  Pairing:  run 'redditbridge pairings list' when the extension asks")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
}

const initUsage = `Usage: redditbridge init [options]

Write a commented config file with the default settings. An existing file is
left untouched.
`

func runInit(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("init", initUsage, stderr)
	path := fs.StringP("config", "c", "", "Config file to create (default: ~/.redditbridge/config.toml)")
	if err := parseFlags(fs, args, stderr); err != nil {
		return exitCode(err)
	}

	target := *path
	if target == "" {
		p, err := config.DefaultConfigPath()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		target = p
	}
	if _, err := os.Stat(target); err == nil {
		fmt.Fprintf(stdout, "Config already exists: %s\n", target)
		return 0
	}
	if err := config.WriteDefault(target); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Created config: %s\n", target)
	return 0
}
