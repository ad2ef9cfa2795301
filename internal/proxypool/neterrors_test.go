package proxypool

import (
	"errors"
	"testing"
)

func TestIsTransientNetworkError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"connection closed", errors.New("page.goto: net::ERR_CONNECTION_CLOSED"), true},
		{"connection reset", errors.New("net::ERR_CONNECTION_RESET at https://example.com"), true},
		{"network changed", errors.New("net::ERR_NETWORK_CHANGED"), true},
		{"tcp timeout", errors.New("net::ERR_CONNECTION_TIMED_OUT"), true},
		{"generic timeout", errors.New("net::ERR_TIMED_OUT"), true},
		{"empty response", errors.New("net::ERR_EMPTY_RESPONSE"), true},
		{"aborted", errors.New("net::ERR_ABORTED"), true},
		{"proxy failure is not transient", errors.New("net::ERR_PROXY_CONNECTION_FAILED"), false},
		{"unrelated error", errors.New("element not found"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransientNetworkError(tt.err); got != tt.want {
				t.Errorf("IsTransientNetworkError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsPermanentProxyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"proxy connection failed", errors.New("net::ERR_PROXY_CONNECTION_FAILED"), true},
		{"tunnel failed", errors.New("net::ERR_TUNNEL_CONNECTION_FAILED"), true},
		{"407 header", errors.New("407 Proxy Authentication Required"), true},
		{"auth error", errors.New("net::ERR_PROXY_AUTH_UNSUPPORTED"), true},
		{"transient is not permanent", errors.New("net::ERR_CONNECTION_RESET"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanentProxyError(tt.err); got != tt.want {
				t.Errorf("IsPermanentProxyError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorDescription(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"connection closed", errors.New("net::ERR_CONNECTION_CLOSED"), "ERR_CONNECTION_CLOSED (TCP FIN)"},
		{"connection reset", errors.New("net::ERR_CONNECTION_RESET"), "ERR_CONNECTION_RESET (TCP RST)"},
		{"proxy failed", errors.New("net::ERR_PROXY_CONNECTION_FAILED"), "ERR_PROXY_CONNECTION_FAILED (proxy unavailable)"},
		{"tcp timeout", errors.New("net::ERR_CONNECTION_TIMED_OUT"), "ERR_CONNECTION_TIMED_OUT (TCP timeout)"},
		{"generic timeout", errors.New("navigation timeout of 30000ms exceeded"), "timeout"},
		{"passthrough", errors.New("element not found"), "element not found"},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorDescription(tt.err); got != tt.want {
				t.Errorf("ErrorDescription(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
