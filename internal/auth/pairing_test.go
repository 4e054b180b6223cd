package auth

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	apperrors "github.com/redditagent/bridge/internal/errors"
	"github.com/redditagent/bridge/internal/storage"
)

// fakePeer is a connection stand-in whose liveness tests control.
type fakePeer struct {
	id     string
	closed atomic.Bool
}

func newFakePeer(id string) *fakePeer { return &fakePeer{id: id} }

func (p *fakePeer) ID() string { return p.id }
func (p *fakePeer) Open() bool { return !p.closed.Load() }
func (p *fakePeer) Close()     { p.closed.Store(true) }

// recordingAudit collects pairing events in memory.
type recordingAudit struct {
	mu     sync.Mutex
	events []storage.PairingEvent
}

func (a *recordingAudit) SavePairingEvent(ev *storage.PairingEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, *ev)
	return nil
}

func (a *recordingAudit) kinds() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.events))
	for i, ev := range a.events {
		out[i] = ev.Event
	}
	return out
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	pm    *PairingManager
	store *storage.TrustStore
	audit *recordingAudit
	clock *testClock
}

func newTestEnv(t *testing.T, mutate ...func(*PairingConfig)) *testEnv {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	env := &testEnv{
		store: storage.OpenTrustStore(filepath.Join(t.TempDir(), "pairings.json"), storage.TrustStoreOptions{
			Logger:   log,
			HashCost: bcrypt.MinCost,
		}),
		audit: &recordingAudit{},
		clock: &testClock{now: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)},
	}
	cfg := PairingConfig{
		DeviceStore: env.store,
		Audit:       env.audit,
		HashCost:    bcrypt.MinCost,
		ApproveRate: rate.Inf,
		Logger:      log,
		TimeNow:     env.clock.Now,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	env.pm = NewPairingManager(cfg)
	t.Cleanup(env.pm.Close)
	return env
}

func TestIdentifyUnknownDeviceCreatesPairing(t *testing.T) {
	env := newTestEnv(t)
	peer := newFakePeer("c1")

	res, err := env.pm.Identify(IdentifyRequest{DeviceID: "dev-1", DeviceName: "Chrome"}, peer)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if res.Authenticated() || res.Pairing == nil {
		t.Fatalf("expected pending pairing, got %+v", res)
	}

	p := res.Pairing
	if len(p.Code) != DefaultCodeLength {
		t.Errorf("code %q length = %d", p.Code, len(p.Code))
	}
	for _, r := range p.Code {
		if !strings.ContainsRune(CodeAlphabet, r) {
			t.Errorf("code %q contains %q outside the alphabet", p.Code, r)
		}
	}
	if got := p.ExpiresAt.Sub(p.RequestedAt); got != DefaultCodeTTL {
		t.Errorf("TTL = %v, want %v", got, DefaultCodeTTL)
	}
	if p.DeviceName != "Chrome" {
		t.Errorf("DeviceName = %q", p.DeviceName)
	}
	if codes := env.pm.PendingCodes(); len(codes) != 1 || codes[0] != p.Code {
		t.Errorf("PendingCodes = %v", codes)
	}
}

func TestCodeAlphabetExcludesLookAlikes(t *testing.T) {
	for _, r := range "01OIL" {
		if strings.ContainsRune(CodeAlphabet, r) {
			t.Errorf("alphabet contains look-alike %q", r)
		}
	}
}

func TestReidentifyRefreshesPairing(t *testing.T) {
	env := newTestEnv(t)
	first := newFakePeer("c1")
	second := newFakePeer("c2")

	r1, _ := env.pm.Identify(IdentifyRequest{DeviceID: "dev-1", DeviceName: "old"}, first)
	env.clock.Advance(time.Minute)
	r2, err := env.pm.Identify(IdentifyRequest{DeviceID: "dev-1", DeviceName: "new"}, second)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}

	if !r2.Refreshed {
		t.Error("second identify should refresh")
	}
	if r2.Pairing.Code != r1.Pairing.Code {
		t.Errorf("code changed on refresh: %s -> %s", r1.Pairing.Code, r2.Pairing.Code)
	}
	if !r2.Pairing.RequestedAt.After(r1.Pairing.RequestedAt) || !r2.Pairing.ExpiresAt.After(r1.Pairing.ExpiresAt) {
		t.Error("refresh should move timestamps forward")
	}
	if len(env.pm.Pending()) != 1 {
		t.Fatalf("pending = %d, want 1 (no duplicate)", len(env.pm.Pending()))
	}

	// The first socket closing must not drop the rebound pairing.
	first.Close()
	env.pm.Release(first)
	approval, err := env.pm.Approve(r1.Pairing.Code)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if approval.Peer != second {
		t.Error("approval should target the latest socket")
	}
	if approval.Device.Name != "new" {
		t.Errorf("Name = %q", approval.Device.Name)
	}
}

func TestApproveSucceedsAtMostOnce(t *testing.T) {
	env := newTestEnv(t)
	peer := newFakePeer("c1")
	res, _ := env.pm.Identify(IdentifyRequest{DeviceID: "dev-1"}, peer)

	approval, err := env.pm.Approve(res.Pairing.Code)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if approval.Token == "" || approval.Peer != peer {
		t.Fatalf("approval = %+v", approval)
	}
	if approval.Device.TokenHash == approval.Token {
		t.Error("stored hash must not be the plaintext token")
	}
	if _, ok := env.store.Verify("dev-1", approval.Token); !ok {
		t.Error("trust store should accept the issued token")
	}
	if len(env.pm.Pending()) != 0 {
		t.Error("approved pairing should be removed")
	}

	_, err = env.pm.Approve(res.Pairing.Code)
	if !apperrors.IsCode(err, apperrors.CodePairingExpiredOrUnknown) {
		t.Errorf("second Approve err = %v, want pairing.expired_or_unknown", err)
	}
}

func TestApproveNormalizesCode(t *testing.T) {
	env := newTestEnv(t)
	res, _ := env.pm.Identify(IdentifyRequest{DeviceID: "dev-1"}, newFakePeer("c1"))

	messy := " " + strings.ToLower(res.Pairing.Code[:3]) + "-" + strings.ToLower(res.Pairing.Code[3:]) + "\n"
	if _, err := env.pm.Approve(messy); err != nil {
		t.Fatalf("Approve(%q): %v", messy, err)
	}
}

func TestApproveRejectsExpiredCode(t *testing.T) {
	env := newTestEnv(t)
	res, _ := env.pm.Identify(IdentifyRequest{DeviceID: "dev-1"}, newFakePeer("c1"))

	env.clock.Advance(DefaultCodeTTL)
	if _, err := env.pm.Approve(res.Pairing.Code); !apperrors.IsCode(err, apperrors.CodePairingExpiredOrUnknown) {
		t.Errorf("err = %v, want pairing.expired_or_unknown", err)
	}
	if len(env.pm.Pending()) != 0 {
		t.Error("expired pairing should be pruned")
	}
}

func TestExpiryTimerPrunesAndNotifies(t *testing.T) {
	env := newTestEnv(t, func(c *PairingConfig) {
		c.CodeTTL = 50 * time.Millisecond
		c.TimeNow = time.Now
	})
	fired := make(chan struct{}, 1)
	env.pm.OnExpire(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	if _, err := env.pm.Identify(IdentifyRequest{DeviceID: "dev-1"}, newFakePeer("c1")); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("expiry hook never ran")
	}
	kinds := env.audit.kinds()
	if len(kinds) != 2 || kinds[1] != storage.EventExpired {
		t.Errorf("audit = %v, want [requested expired]", kinds)
	}
	if n := len(env.pm.Pending()); n != 0 {
		t.Errorf("pending = %d after expiry", n)
	}
}

func TestCloseStopsExpiryTimer(t *testing.T) {
	env := newTestEnv(t, func(c *PairingConfig) {
		c.CodeTTL = 30 * time.Millisecond
		c.TimeNow = time.Now
	})
	fired := make(chan struct{}, 1)
	env.pm.OnExpire(func() { fired <- struct{}{} })

	env.pm.Identify(IdentifyRequest{DeviceID: "dev-1"}, newFakePeer("c1"))
	env.pm.Close()

	select {
	case <-fired:
		t.Fatal("expiry hook ran after Close")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestApproveRejectsClosedSocket(t *testing.T) {
	env := newTestEnv(t)
	peer := newFakePeer("c1")
	res, _ := env.pm.Identify(IdentifyRequest{DeviceID: "dev-1"}, peer)

	peer.Close()
	if _, err := env.pm.Approve(res.Pairing.Code); !apperrors.IsCode(err, apperrors.CodePairingExpiredOrUnknown) {
		t.Errorf("err = %v, want pairing.expired_or_unknown", err)
	}
	if env.store.Len() != 0 {
		t.Error("no device should be stored for a dead socket")
	}
}

func TestApproveMissingAndGarbledCodes(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.pm.Approve("  -- "); !apperrors.IsCode(err, apperrors.CodePairingMissingCode) {
		t.Errorf("blank code err = %v", err)
	}
	if _, err := env.pm.Approve("ZZZZZZ"); !apperrors.IsCode(err, apperrors.CodePairingExpiredOrUnknown) {
		t.Errorf("unknown code err = %v", err)
	}
}

func TestApproveRateLimited(t *testing.T) {
	env := newTestEnv(t, func(c *PairingConfig) {
		c.ApproveRate = rate.Every(time.Hour)
		c.ApproveBurst = 2
	})

	for i := 0; i < 2; i++ {
		if _, err := env.pm.Approve("AAAAAA"); !apperrors.IsCode(err, apperrors.CodePairingExpiredOrUnknown) {
			t.Fatalf("attempt %d err = %v", i, err)
		}
	}
	if _, err := env.pm.Approve("AAAAAA"); !apperrors.IsCode(err, apperrors.CodePairingRateLimited) {
		t.Errorf("third attempt err = %v, want pairing.rate_limited", err)
	}
}

func TestIdentifyWithValidTokenSkipsPairing(t *testing.T) {
	env := newTestEnv(t)
	res, _ := env.pm.Identify(IdentifyRequest{DeviceID: "dev-1", DeviceName: "Chrome"}, newFakePeer("c1"))
	approval, err := env.pm.Approve(res.Pairing.Code)
	if err != nil {
		t.Fatal(err)
	}

	env.clock.Advance(time.Hour)
	again, err := env.pm.Identify(IdentifyRequest{DeviceID: "dev-1", Token: approval.Token}, newFakePeer("c2"))
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if !again.Authenticated() {
		t.Fatalf("expected authenticated, got %+v", again)
	}
	if again.Device.Name != "Chrome" {
		t.Errorf("nameless identify should keep stored name, got %q", again.Device.Name)
	}
	if got := env.store.Get("dev-1"); !got.LastSeen.Equal(env.clock.Now()) {
		t.Errorf("LastSeen = %v, want %v", got.LastSeen, env.clock.Now())
	}

	renamed, _ := env.pm.Identify(IdentifyRequest{DeviceID: "dev-1", DeviceName: "Work Chrome", Token: approval.Token}, newFakePeer("c3"))
	if renamed.Device.Name != "Work Chrome" || env.store.Get("dev-1").Name != "Work Chrome" {
		t.Errorf("rename not applied: %+v", renamed.Device)
	}
}

func TestIdentifyWithBadTokenFallsBackToPairing(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.pm.Identify(IdentifyRequest{DeviceID: "dev-1", Token: "forged"}, newFakePeer("c1"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Authenticated() || !res.TokenRejected || res.Pairing == nil {
		t.Errorf("result = %+v", res)
	}

	kinds := env.audit.kinds()
	if len(kinds) != 2 || kinds[0] != storage.EventRejected || kinds[1] != storage.EventRequested {
		t.Errorf("audit events = %v", kinds)
	}
}

func TestIdentifyRejectsBadDeviceID(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"", "   ", "has space", strings.Repeat("x", MaxDeviceIDLength+1)} {
		if _, err := env.pm.Identify(IdentifyRequest{DeviceID: id}, newFakePeer("c")); !apperrors.IsCode(err, apperrors.CodeProtocolViolation) {
			t.Errorf("deviceId %q err = %v, want protocol.violation", id, err)
		}
	}
}

func TestReleaseDropsPairing(t *testing.T) {
	env := newTestEnv(t)
	peer := newFakePeer("c1")
	env.pm.Identify(IdentifyRequest{DeviceID: "dev-1"}, peer)

	env.pm.Release(newFakePeer("other"))
	if len(env.pm.Pending()) != 1 {
		t.Fatal("unrelated Release should not drop the pairing")
	}
	env.pm.Release(peer)
	if len(env.pm.Pending()) != 0 {
		t.Error("Release should drop the pairing bound to the peer")
	}
}

func TestCodesUniqueAcrossDevices(t *testing.T) {
	env := newTestEnv(t, func(c *PairingConfig) { c.CodeLength = 2 })
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		res, err := env.pm.Identify(IdentifyRequest{DeviceID: fmt.Sprintf("dev-%d", i)}, newFakePeer("c"))
		if err != nil {
			t.Fatal(err)
		}
		if seen[res.Pairing.Code] {
			t.Fatalf("duplicate pending code %s", res.Pairing.Code)
		}
		seen[res.Pairing.Code] = true
	}
}

func TestSanitizeDeviceName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", DefaultDeviceName},
		{"   ", DefaultDeviceName},
		{"Chrome\x00 on\tMac\n", "Chrome on Mac"},
		{strings.Repeat("é", 100), strings.Repeat("é", MaxDeviceNameLength)},
	}
	for _, tt := range tests {
		if got := SanitizeDeviceName(tt.in); got != tt.want {
			t.Errorf("SanitizeDeviceName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeCode(t *testing.T) {
	tests := map[string]string{
		"abc234":    "ABC234",
		" AB-C2 34": "ABC234",
		"ab_c!2.34": "ABC234",
		"":          "",
	}
	for in, want := range tests {
		if got := NormalizeCode(in); got != want {
			t.Errorf("NormalizeCode(%q) = %q, want %q", in, got, want)
		}
	}
}
