package proxypool

import "strings"

// transientPatterns match network failures that can resolve on their own.
// These count toward the three-strikes limit instead of blocking outright.
var transientPatterns = []string{
	"err_connection_closed",
	"err_connection_reset",
	"err_network_changed",
	"err_connection_timed_out",
	"err_timed_out",
	"err_empty_response",
	"connection closed",
	"connection reset",
	"net::err_aborted",
}

// permanentPatterns match proxy failures that will not resolve on retry.
// The proxy is blocked immediately, bypassing the error counter.
var permanentPatterns = []string{
	"err_proxy_connection_failed",
	"err_tunnel_connection_failed",
	"proxy authentication required",
	"err_proxy_auth",
	"407 proxy authentication",
}

// IsTransientNetworkError reports whether err looks like a recoverable
// network failure.
func IsTransientNetworkError(err error) bool {
	if err == nil {
		return false
	}
	return matchesAny(err.Error(), transientPatterns)
}

// IsPermanentProxyError reports whether err indicates the proxy itself is
// broken (unreachable or rejecting authentication).
func IsPermanentProxyError(err error) bool {
	if err == nil {
		return false
	}
	return matchesAny(err.Error(), permanentPatterns)
}

func matchesAny(msg string, patterns []string) bool {
	msg = strings.ToLower(msg)
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// ErrorDescription returns a short label for an error, for logs and the
// proxy error counter.
func ErrorDescription(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "err_connection_closed"):
		return "ERR_CONNECTION_CLOSED (TCP FIN)"
	case strings.Contains(msg, "err_connection_reset"):
		return "ERR_CONNECTION_RESET (TCP RST)"
	case strings.Contains(msg, "err_proxy_connection_failed"):
		return "ERR_PROXY_CONNECTION_FAILED (proxy unavailable)"
	case strings.Contains(msg, "err_connection_timed_out"):
		return "ERR_CONNECTION_TIMED_OUT (TCP timeout)"
	case strings.Contains(msg, "timeout"):
		return "timeout"
	}

	s := err.Error()
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}
