package config

// DirName is the per-user state directory under $HOME.
const DirName = ".redditbridge"

// Listener defaults.
const (
	DefaultHost = "0.0.0.0"
	DefaultPort = 7071
	DefaultPath = "/ws"
)

// Timing defaults.
const (
	DefaultPairingCodeTTLSeconds = 600
	DefaultIdleTimeoutSeconds    = 300
	DefaultRequestTimeoutMs      = 60000
	DefaultConnectWaitMs         = 2000
)
