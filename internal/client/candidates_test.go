package client

import (
	"reflect"
	"testing"
)

func TestCandidates(t *testing.T) {
	tests := []struct {
		target string
		want   []string
	}{
		{"127.0.0.1", []string{"ws://127.0.0.1:7071/ws", "ws://127.0.0.1:18789/", "wss://127.0.0.1:7071/ws"}},
		{"mybox.local", []string{"ws://mybox.local:7071/ws", "ws://mybox.local:18789/", "wss://mybox.local:7071/ws"}},
		{"::1", []string{"ws://[::1]:7071/ws", "ws://[::1]:18789/", "wss://[::1]:7071/ws"}},
		{"10.0.0.5:9000", []string{"ws://10.0.0.5:9000/ws", "ws://10.0.0.5:9000/"}},
		{"[fd7a::1]:9000", []string{"ws://[fd7a::1]:9000/ws", "ws://[fd7a::1]:9000/"}},
		{"ws://host:1234/bridge", []string{"ws://host:1234/bridge"}},
		{"wss://host", []string{"wss://host/"}},
		{"http://host:80/x", []string{"ws://host:80/x"}},
		{"https://host/x", []string{"wss://host/x"}},
		{"  127.0.0.1:7071  ", []string{"ws://127.0.0.1:7071/ws", "ws://127.0.0.1:7071/"}},
	}
	for _, tt := range tests {
		got, err := Candidates(tt.target)
		if err != nil {
			t.Errorf("Candidates(%q) error: %v", tt.target, err)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Candidates(%q) = %v, want %v", tt.target, got, tt.want)
		}
	}
}

func TestCandidatesInvalid(t *testing.T) {
	for _, target := range []string{"", "   ", "ftp://host", "ws://", "host:notaport", ":7071", "host/path"} {
		if got, err := Candidates(target); err == nil {
			t.Errorf("Candidates(%q) = %v, want error", target, got)
		}
	}
}
