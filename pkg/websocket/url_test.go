package websocket

import (
	"errors"
	"testing"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want wsURL
	}{
		{
			name: "wss with path and query",
			raw:  "wss://example.com/chat?x=1",
			want: wsURL{scheme: "wss", host: "example.com", hostname: "example.com", service: "443", path: "/chat?x=1"},
		},
		{
			name: "ws default port and path",
			raw:  "ws://example.com",
			want: wsURL{scheme: "ws", host: "example.com", hostname: "example.com", service: "80", path: "/"},
		},
		{
			name: "explicit port",
			raw:  "ws://example.com:8080/socket",
			want: wsURL{scheme: "ws", host: "example.com:8080", hostname: "example.com", service: "8080", path: "/socket"},
		},
		{
			name: "query without path",
			raw:  "ws://example.com?token=abc",
			want: wsURL{scheme: "ws", host: "example.com", hostname: "example.com", service: "80", path: "/?token=abc"},
		},
		{
			name: "IPv6 literal",
			raw:  "ws://[::1]:9000/x",
			want: wsURL{scheme: "ws", host: "[::1]:9000", hostname: "::1", service: "9000", path: "/x"},
		},
		{
			name: "IPv6 literal default port",
			raw:  "wss://[2001:db8::1]/x",
			want: wsURL{scheme: "wss", host: "[2001:db8::1]", hostname: "2001:db8::1", service: "443", path: "/x"},
		},
		{
			name: "trailing slash",
			raw:  "ws://example.com/",
			want: wsURL{scheme: "ws", host: "example.com", hostname: "example.com", service: "80", path: "/"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseURL(tt.raw)
			if err != nil {
				t.Fatalf("parseURL(%q) error = %v", tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("parseURL(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseURLErrors(t *testing.T) {
	for _, raw := range []string{
		"",
		"example.com",
		"http://example.com",
		"wss://",
		"ws://:80/x",
		"ws://example.com:",
		"ws://[::1/x",
		"ws://2001:db8::1/x",
	} {
		if _, err := parseURL(raw); !errors.Is(err, ErrInvalidURL) {
			t.Errorf("parseURL(%q) error = %v, want ErrInvalidURL", raw, err)
		}
	}
}
