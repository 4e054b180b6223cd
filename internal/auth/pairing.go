package auth

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/redditagent/bridge/internal/errors"
	"github.com/redditagent/bridge/internal/storage"
)

const (
	// CodeAlphabet excludes look-alike characters (0/O, 1/I/L).
	CodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

	// DefaultCodeLength is the number of characters in a pairing code.
	DefaultCodeLength = 6

	// DefaultCodeTTL is how long a pairing code stays valid.
	DefaultCodeTTL = 600 * time.Second

	// MaxDeviceNameLength caps device names in runes.
	MaxDeviceNameLength = 64

	// MaxDeviceIDLength caps client-supplied device ids.
	MaxDeviceIDLength = 128

	// DefaultDeviceName is used when the client sends no usable name.
	DefaultDeviceName = "Browser extension"
)

// Default approval rate limit: 10 per minute with a burst of 5.
var (
	DefaultApproveRate  = rate.Every(6 * time.Second)
	DefaultApproveBurst = 5
)

// PairingConfig holds configuration for the pairing manager.
type PairingConfig struct {
	// CodeTTL is how long a pairing code remains valid.
	// Default: 600 seconds.
	CodeTTL time.Duration

	// CodeLength is the pairing code length. Default: 6.
	CodeLength int

	// DeviceStore is where paired devices are persisted.
	// Required.
	DeviceStore DeviceStore

	// Audit receives pairing events. Optional.
	Audit AuditSink

	// HashCost is the bcrypt cost for new tokens. Zero uses the storage default.
	HashCost int

	// ApproveRate and ApproveBurst limit approval attempts.
	// Zero values use DefaultApproveRate and DefaultApproveBurst;
	// rate.Inf disables limiting.
	ApproveRate  rate.Limit
	ApproveBurst int

	// Logger receives pairing log lines. Nil discards them.
	Logger *zap.SugaredLogger

	// TimeNow returns the current time. Useful for testing.
	// Default: time.Now.
	TimeNow func() time.Time
}

// Pairing is a pending pairing as shown to operators and sent to the device.
type Pairing struct {
	Code        string    `json:"code"`
	DeviceID    string    `json:"deviceId"`
	DeviceName  string    `json:"deviceName"`
	RequestedAt time.Time `json:"requestedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// IdentifyRequest is what a connecting device presents.
type IdentifyRequest struct {
	DeviceID   string
	DeviceName string
	Token      string
	RemoteAddr string
}

// IdentifyResult is the outcome of Identify. Exactly one of Device and
// Pairing is set.
type IdentifyResult struct {
	// Device is set when the presented token matched the trust store.
	Device *Device

	// Pairing is set when the device must be approved first.
	Pairing *Pairing

	// Refreshed is true when an existing pending pairing was rebound
	// instead of minting a new code.
	Refreshed bool

	// TokenRejected is true when a token was presented but did not match.
	TokenRejected bool
}

// Authenticated reports whether the device skipped pairing.
func (r *IdentifyResult) Authenticated() bool {
	return r.Device != nil
}

// Approval is the outcome of a successful Approve.
type Approval struct {
	Pairing Pairing

	// Peer is the connection the token must be delivered to.
	Peer Peer

	// Token is the plaintext device token. It is returned exactly once.
	Token string

	// Device is the stored record.
	Device *Device
}

// pendingPairing is a Pairing bound to the connection waiting on it.
type pendingPairing struct {
	Pairing
	peer Peer
}

// PairingManager tracks pending pairings and exchanges approved codes for
// device tokens.
//
// State per device: no-pairing -> pending -> (approved | expired | superseded).
// At most one pending pairing exists per device; the latest identify wins it.
//
// Thread safety: All exported methods are safe for concurrent use.
type PairingManager struct {
	mu sync.Mutex

	config  PairingConfig
	log     *zap.SugaredLogger
	limiter *rate.Limiter

	// byCode and byDevice index the same pending pairings.
	byCode   map[string]*pendingPairing
	byDevice map[string]*pendingPairing

	// expiry fires at the earliest pending ExpiresAt.
	expiry   *time.Timer
	onExpire func()
	closed   bool
}

// NewPairingManager creates a new pairing manager with the given config.
func NewPairingManager(config PairingConfig) *PairingManager {
	if config.CodeTTL <= 0 {
		config.CodeTTL = DefaultCodeTTL
	}
	if config.CodeLength <= 0 {
		config.CodeLength = DefaultCodeLength
	}
	if config.TimeNow == nil {
		config.TimeNow = time.Now
	}
	if config.ApproveRate == 0 {
		config.ApproveRate = DefaultApproveRate
	}
	if config.ApproveBurst <= 0 {
		config.ApproveBurst = DefaultApproveBurst
	}
	log := config.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &PairingManager{
		config:   config,
		log:      log,
		limiter:  rate.NewLimiter(config.ApproveRate, config.ApproveBurst),
		byCode:   make(map[string]*pendingPairing),
		byDevice: make(map[string]*pendingPairing),
	}
}

// CodeTTL returns the configured code lifetime.
func (pm *PairingManager) CodeTTL() time.Duration {
	return pm.config.CodeTTL
}

// Identify authenticates a device or creates/refreshes its pending pairing.
// peer is the connection the device identified on.
func (pm *PairingManager) Identify(req IdentifyRequest, peer Peer) (*IdentifyResult, error) {
	deviceID := strings.TrimSpace(req.DeviceID)
	if err := validateDeviceID(deviceID); err != nil {
		return nil, err
	}
	name := SanitizeDeviceName(req.DeviceName)
	now := pm.config.TimeNow()

	result := &IdentifyResult{}
	if req.Token != "" {
		if device, ok := pm.config.DeviceStore.Verify(deviceID, req.Token); ok {
			// An identify without a name keeps the stored one.
			var rename string
			if strings.TrimSpace(req.DeviceName) != "" {
				rename = name
				device.Name = name
			}
			if err := pm.config.DeviceStore.Touch(deviceID, rename, now); err != nil {
				pm.log.Warnw("failed to record last seen", "deviceId", deviceID, "error", err)
			}
			device.LastSeen = now
			name = device.Name

			pm.mu.Lock()
			pm.removeLocked(pm.byDevice[deviceID])
			pm.armExpiryLocked(now)
			pm.mu.Unlock()

			pm.log.Infof("device %s (%s) re-authenticated", deviceID, name)
			pm.audit(storage.EventReauthenticated, deviceID, name, "", req.RemoteAddr, "")
			result.Device = device
			return result, nil
		}
		result.TokenRejected = true
		pm.log.Warnf("device %s presented an unknown or stale token", deviceID)
		pm.audit(storage.EventRejected, deviceID, name, "", req.RemoteAddr, "token mismatch")
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.pruneExpiredLocked(now)

	if p, ok := pm.byDevice[deviceID]; ok {
		p.peer = peer
		p.DeviceName = name
		p.RequestedAt = now
		p.ExpiresAt = now.Add(pm.config.CodeTTL)

		pm.armExpiryLocked(now)

		cp := p.Pairing
		result.Pairing = &cp
		result.Refreshed = true
		pm.log.Infof("refreshed pairing %s for device %s on connection %s", p.Code, deviceID, peer.ID())
		pm.audit(storage.EventRefreshed, deviceID, name, p.Code, req.RemoteAddr, "")
		return result, nil
	}

	code, err := pm.newCodeLocked()
	if err != nil {
		return nil, apperrors.Internal("generate pairing code", err)
	}
	p := &pendingPairing{
		Pairing: Pairing{
			Code:        code,
			DeviceID:    deviceID,
			DeviceName:  name,
			RequestedAt: now,
			ExpiresAt:   now.Add(pm.config.CodeTTL),
		},
		peer: peer,
	}
	pm.byCode[code] = p
	pm.byDevice[deviceID] = p
	pm.armExpiryLocked(now)

	cp := p.Pairing
	result.Pairing = &cp
	pm.log.Infof("pairing requested by %s (%s): code %s expires %s",
		deviceID, name, code, p.ExpiresAt.Format(time.RFC3339))
	pm.audit(storage.EventRequested, deviceID, name, code, req.RemoteAddr, "")
	return result, nil
}

// Approve exchanges a pending code for a fresh device token.
// It succeeds at most once per code.
func (pm *PairingManager) Approve(code string) (*Approval, error) {
	normalized := NormalizeCode(code)
	if normalized == "" {
		return nil, apperrors.New(apperrors.CodePairingMissingCode, "pairing code is required")
	}
	if !pm.limiter.Allow() {
		pm.log.Warnf("approval rate limit exceeded")
		return nil, apperrors.New(apperrors.CodePairingRateLimited, "too many approval attempts, try again later")
	}

	pm.mu.Lock()
	now := pm.config.TimeNow()
	pm.pruneExpiredLocked(now)
	p, ok := pm.byCode[normalized]
	if !ok {
		pm.mu.Unlock()
		pm.log.Infof("approval attempt with unknown or expired code %s", normalized)
		return nil, apperrors.PairingExpiredOrUnknown(normalized)
	}
	// Removing under the lock is what makes approval single-use.
	pm.removeLocked(p)
	pm.armExpiryLocked(now)
	pm.mu.Unlock()

	token, err := storage.GenerateToken()
	if err != nil {
		return nil, apperrors.Internal("generate device token", err)
	}
	hash, err := storage.HashToken(token, pm.config.HashCost)
	if err != nil {
		return nil, apperrors.Internal("hash device token", err)
	}

	device := &Device{
		ID:         p.DeviceID,
		Name:       p.DeviceName,
		TokenHash:  hash,
		ApprovedAt: now,
		LastSeen:   now,
	}
	if err := pm.config.DeviceStore.Put(device); err != nil {
		// The record is held in memory; the device works until restart.
		pm.log.Errorw("approved device not persisted", "deviceId", device.ID, "error", err)
	}

	pm.log.Infof("approved pairing %s for device %s (%s)", p.Code, p.DeviceID, p.DeviceName)
	pm.audit(storage.EventApproved, p.DeviceID, p.DeviceName, p.Code, "", "")

	return &Approval{
		Pairing: p.Pairing,
		Peer:    p.peer,
		Token:   token,
		Device:  device,
	}, nil
}

// Release drops the pending pairing bound to peer, if any.
// Called when a connection closes.
func (pm *PairingManager) Release(peer Peer) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for _, p := range pm.byCode {
		if p.peer == peer {
			pm.log.Infof("pairing %s dropped: connection %s closed", p.Code, peer.ID())
			pm.removeLocked(p)
			pm.armExpiryLocked(pm.config.TimeNow())
			pm.audit(storage.EventExpired, p.DeviceID, p.DeviceName, p.Code, "", "connection closed")
			return
		}
	}
}

// Pending returns the live pending pairings, oldest request first.
func (pm *PairingManager) Pending() []Pairing {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.pruneExpiredLocked(pm.config.TimeNow())

	out := make([]Pairing, 0, len(pm.byCode))
	for _, p := range pm.byCode {
		out = append(out, p.Pairing)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].Code < out[j].Code
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}

// PendingCodes returns the codes of Pending.
func (pm *PairingManager) PendingCodes() []string {
	pending := pm.Pending()
	codes := make([]string, len(pending))
	for i, p := range pending {
		codes[i] = p.Code
	}
	return codes
}

// OnExpire registers fn to run after the expiry timer has pruned timed-out
// pairings. fn runs on the timer goroutine with no locks held.
func (pm *PairingManager) OnExpire(fn func()) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.onExpire = fn
}

// Close stops the expiry timer. Pending pairings stay readable.
func (pm *PairingManager) Close() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.closed = true
	if pm.expiry != nil {
		pm.expiry.Stop()
	}
}

// armExpiryLocked points the expiry timer at the earliest pending deadline,
// or stops it when nothing is pending. Must be called with pm.mu held.
func (pm *PairingManager) armExpiryLocked(now time.Time) {
	if pm.closed {
		return
	}
	var next time.Time
	for _, p := range pm.byCode {
		if next.IsZero() || p.ExpiresAt.Before(next) {
			next = p.ExpiresAt
		}
	}
	if next.IsZero() {
		if pm.expiry != nil {
			pm.expiry.Stop()
		}
		return
	}
	d := next.Sub(now)
	if d < 0 {
		d = 0
	}
	if pm.expiry == nil {
		pm.expiry = time.AfterFunc(d, pm.expire)
		return
	}
	pm.expiry.Reset(d)
}

func (pm *PairingManager) expire() {
	pm.mu.Lock()
	if pm.closed {
		pm.mu.Unlock()
		return
	}
	now := pm.config.TimeNow()
	pm.pruneExpiredLocked(now)
	pm.armExpiryLocked(now)
	fn := pm.onExpire
	pm.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// pruneExpiredLocked drops pairings past expiry or whose connection closed.
// Must be called with pm.mu held.
func (pm *PairingManager) pruneExpiredLocked(now time.Time) {
	for code, p := range pm.byCode {
		var reason string
		switch {
		case !now.Before(p.ExpiresAt):
			reason = "code expired"
		case p.peer == nil || !p.peer.Open():
			reason = "connection closed"
		default:
			continue
		}
		pm.log.Infof("pairing %s for device %s pruned: %s", code, p.DeviceID, reason)
		pm.removeLocked(p)
		pm.audit(storage.EventExpired, p.DeviceID, p.DeviceName, p.Code, "", reason)
	}
}

// removeLocked unindexes p. Must be called with pm.mu held; p may be nil.
func (pm *PairingManager) removeLocked(p *pendingPairing) {
	if p == nil {
		return
	}
	if pm.byCode[p.Code] == p {
		delete(pm.byCode, p.Code)
	}
	if pm.byDevice[p.DeviceID] == p {
		delete(pm.byDevice, p.DeviceID)
	}
}

// newCodeLocked mints a code not currently pending.
// Must be called with pm.mu held.
func (pm *PairingManager) newCodeLocked() (string, error) {
	for attempt := 0; attempt < 100; attempt++ {
		code, err := generateRandomCode(pm.config.CodeLength)
		if err != nil {
			return "", err
		}
		if _, taken := pm.byCode[code]; !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("no free pairing code after 100 attempts")
}

func (pm *PairingManager) audit(event, deviceID, deviceName, code, remoteAddr, detail string) {
	if pm.config.Audit == nil {
		return
	}
	err := pm.config.Audit.SavePairingEvent(&storage.PairingEvent{
		Event:      event,
		DeviceID:   deviceID,
		DeviceName: deviceName,
		Code:       code,
		RemoteAddr: remoteAddr,
		Detail:     detail,
		OccurredAt: pm.config.TimeNow(),
	})
	if err != nil {
		pm.log.Warnw("failed to record pairing event", "event", event, "error", err)
	}
}

// generateRandomCode generates a random code of the given length from
// CodeAlphabet using crypto/rand.
func generateRandomCode(length int) (string, error) {
	code := make([]byte, length)
	max := big.NewInt(int64(len(CodeAlphabet)))
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		code[i] = CodeAlphabet[n.Int64()]
	}
	return string(code), nil
}

// NormalizeCode trims, uppercases, and strips non-alphanumerics, so
// "k7m-2qx " matches "K7M2QX".
func NormalizeCode(code string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(code)) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SanitizeDeviceName strips control characters, collapses whitespace, and
// caps the length. Empty results become DefaultDeviceName.
func SanitizeDeviceName(name string) string {
	fields := strings.FieldsFunc(name, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	})
	clean := strings.Join(fields, " ")
	if r := []rune(clean); len(r) > MaxDeviceNameLength {
		clean = strings.TrimSpace(string(r[:MaxDeviceNameLength]))
	}
	if clean == "" {
		return DefaultDeviceName
	}
	return clean
}

func validateDeviceID(id string) error {
	if id == "" {
		return apperrors.ProtocolViolation("identify without deviceId")
	}
	if len(id) > MaxDeviceIDLength {
		return apperrors.ProtocolViolation("deviceId too long")
	}
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return apperrors.ProtocolViolation("deviceId contains whitespace or control characters")
		}
	}
	return nil
}
