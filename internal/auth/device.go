// Package auth implements device pairing for the bridge.
//
// The pairing flow works as follows:
//  1. The browser extension connects and identifies with its deviceId.
//  2. If it presents a token that matches the trust store, it is authenticated
//     immediately and no pairing happens.
//  3. Otherwise the bridge mints a short pairing code (e.g. "K7M2QX") and sends
//     it to the extension, which shows it in its popup.
//  4. The operator runs `redditbridge pairings approve K7M2QX` on the bridge host.
//  5. The bridge generates a device token, stores only its bcrypt hash, and
//     sends the plaintext token to the waiting extension exactly once.
//
// Security considerations:
//   - Codes use an alphabet without look-alike characters and expire (10 minutes by default)
//   - Codes can only be approved once and only while their socket is open
//   - Approval attempts are rate limited
//   - Tokens are hashed before storage (bcrypt)
//   - Approval is only reachable from the local machine
package auth

import (
	"time"

	"github.com/redditagent/bridge/internal/storage"
)

// Device is an alias for storage.Device to avoid import cycles.
type Device = storage.Device

// DeviceStore is the trust store the pairing manager authenticates against.
// storage.TrustStore implements it. Implementations must be safe for
// concurrent access and should log, not fail, on persistence errors.
type DeviceStore interface {
	// Verify returns the device if token matches its stored hash.
	Verify(id, token string) (*Device, bool)

	// Put inserts or replaces a device record.
	Put(device *Device) error

	// Touch refreshes LastSeen and, if non-empty, the device name.
	Touch(id, name string, now time.Time) error
}

// AuditSink records pairing state changes. storage.SQLiteStore implements it.
type AuditSink interface {
	SavePairingEvent(ev *storage.PairingEvent) error
}

// Peer is the connection a pending pairing is bound to.
// The pairing manager never writes to a peer; it only checks liveness.
type Peer interface {
	// ID identifies the connection in logs.
	ID() string

	// Open reports whether the connection can still receive frames.
	Open() bool
}
