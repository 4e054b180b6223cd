package mdns

import (
	"context"
	"net"
	"reflect"
	"testing"
	"time"
)

func TestAdvertiserStopBeforeStart(t *testing.T) {
	advertiser := NewAdvertiser(Config{Port: 7071})

	if advertiser.IsRunning() {
		t.Error("advertiser should not be running before Start()")
	}
	// Multiple stops should be safe.
	advertiser.Stop()
	advertiser.Stop()
	if advertiser.IsRunning() {
		t.Error("advertiser should not be running after Stop()")
	}
}

func TestTXTRecords(t *testing.T) {
	got := txtRecords(Config{Policy: "private"}, "box")
	want := []string{"version=1", "name=box", "path=/ws", "policy=private"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("txtRecords = %v, want %v", got, want)
	}

	got = txtRecords(Config{Path: "/bridge", Fingerprint: "AA:BB"}, "box")
	want = []string{"version=1", "name=box", "path=/bridge", "fp=AA:BB"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("txtRecords = %v, want %v", got, want)
	}
	for _, r := range txtRecords(Config{Fingerprint: string(make([]byte, 95)), Policy: "loopback"}, "a-long-host-name") {
		if len(r) > 255 {
			t.Errorf("TXT record exceeds 255 bytes: %d", len(r))
		}
	}
}

func TestInstanceNameFallsBackToHostname(t *testing.T) {
	if got := instanceName("mine"); got != "mine" {
		t.Errorf("instanceName(mine) = %q", got)
	}
	if got := instanceName(""); got == "" {
		t.Error("instanceName(\"\") is empty")
	}
}

func TestHostFromEntry(t *testing.T) {
	h := hostFromEntry("inst", 7071,
		[]net.IP{net.ParseIP("192.168.1.5"), net.ParseIP("fe80::1")},
		[]string{"version=1", "name=Studio", "path=/ws", "policy=private", "fp=AA:BB", "junk"})

	want := DiscoveredHost{
		Name:        "Studio",
		Host:        "192.168.1.5",
		Port:        7071,
		Path:        "/ws",
		Policy:      "private",
		Fingerprint: "AA:BB",
		Version:     "1",
	}
	if h != want {
		t.Fatalf("host = %+v, want %+v", h, want)
	}
	if got := h.URL(); got != "wss://192.168.1.5:7071/ws" {
		t.Errorf("URL = %q", got)
	}

	plain := hostFromEntry("inst", 9000, []net.IP{net.ParseIP("fd7a:115c:a1e0::1")}, nil)
	if plain.Name != "inst" {
		t.Errorf("Name = %q, want instance fallback", plain.Name)
	}
	if got := plain.URL(); got != "ws://[fd7a:115c:a1e0::1]:9000/ws" {
		t.Errorf("URL = %q", got)
	}
}

// TestAdvertiseAndDiscover needs multicast and may not work in every CI
// environment.
func TestAdvertiseAndDiscover(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network test in short mode")
	}

	advertiser := NewAdvertiser(Config{Port: 47071, Name: "redditbridge-test", Policy: "loopback"})
	if err := advertiser.Start(); err != nil {
		t.Skipf("mdns unavailable: %v", err)
	}
	defer advertiser.Stop()
	if err := advertiser.Start(); err != nil {
		t.Fatalf("second Start() = %v, want no-op", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	hosts, err := Discover(ctx)
	if err != nil {
		t.Skipf("mdns browse unavailable: %v", err)
	}
	for _, h := range hosts {
		if h.Name == "redditbridge-test" && h.Port == 47071 && h.Policy == "loopback" {
			return
		}
	}
	t.Skipf("advertisement not seen (multicast likely blocked); got %v", hosts)
}
