package netpolicy

import (
	"fmt"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", Private, false},
		{"loopback", Loopback, false},
		{" Private ", Private, false},
		{"ANY", Any, false},
		{"lan", "", true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("Parse(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAllowPrivate(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1", true},
		{"::1", true},
		{"10.0.0.1", true},
		{"10.255.255.254", true},
		{"172.16.0.1", true},
		{"172.31.255.255", true},
		{"172.32.0.1", false},
		{"192.168.1.20", true},
		{"100.64.0.1", true},
		{"100.127.255.254", true},
		{"100.128.0.1", false},
		{"fd7a:115c:a1e0:ab12::1", true},
		{"fd00::1", false},
		{"8.8.8.8", false},
		{"2001:4860:4860::8888", false},
		{"::ffff:192.168.1.20", true},
		{"::ffff:8.8.8.8", false},
		{"192.168.1.20:51234", true},
		{"[::ffff:10.1.2.3]:443", true},
		{"[::1]:7071", true},
		{"not-an-ip", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := Private.Allow(tt.addr); got != tt.want {
			t.Errorf("Private.Allow(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestAllowPrivateRangesExhaustively(t *testing.T) {
	// Walk a stride of each range to cover both edges and interior addresses.
	for b := 0; b < 256; b += 17 {
		for _, addr := range []string{
			fmt.Sprintf("10.%d.%d.%d", b, 255-b, b),
			fmt.Sprintf("172.%d.%d.%d", 16+b%16, b, 255-b),
			fmt.Sprintf("192.168.%d.%d", b, 255-b),
			fmt.Sprintf("100.%d.%d.%d", 64+b%64, b, 1),
		} {
			if !Private.Allow(addr) {
				t.Errorf("Private.Allow(%q) = false, want true", addr)
			}
		}
	}
}

func TestAllowLoopback(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1", true},
		{"::1", true},
		{"::ffff:127.0.0.1", true},
		{"127.0.0.1:40000", true},
		{"127.0.0.2", false},
		{"10.0.0.1", false},
		{"192.168.0.1", false},
		{"100.64.0.1", false},
		{"8.8.8.8", false},
	}
	for _, tt := range tests {
		if got := Loopback.Allow(tt.addr); got != tt.want {
			t.Errorf("Loopback.Allow(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestAllowAny(t *testing.T) {
	for _, addr := range []string{"8.8.8.8", "1.1.1.1:443", "2001:db8::1", "10.0.0.1", "127.0.0.1", "", "not-an-address", "@"} {
		if !Any.Allow(addr) {
			t.Errorf("Any.Allow(%q) = false, want true", addr)
		}
	}
}

func TestUnparseableDeniedOutsideAny(t *testing.T) {
	for _, p := range []Policy{Loopback, Private} {
		if p.Allow("not-an-address") {
			t.Errorf("%s.Allow(unparseable) = true, want false", p)
		}
	}
}

func TestParseRemoteIPNormalizesMapped(t *testing.T) {
	ip := ParseRemoteIP("::ffff:10.0.0.7")
	if ip == nil || len(ip) != 4 || ip.String() != "10.0.0.7" {
		t.Errorf("ParseRemoteIP mapped = %v, want 4-byte 10.0.0.7", ip)
	}
	if ip := ParseRemoteIP("fe80::1%en0"); ip == nil {
		t.Error("zone-qualified address should parse")
	}
}
