package domain

import (
	"net/http"
	"strings"
)

// ExtractHostname derives the request hostname from the Host header (or
// :authority), stripping a trailing port and IPv6 brackets, lowercased
// for lookup. Returns "" when no host was supplied.
func ExtractHostname(r *http.Request) string {
	host := r.Host
	if host == "" {
		host = r.Header.Get("Host")
	}
	if host == "" {
		return ""
	}

	// Bracketed IPv6 literal, with or without port: [::1]:8080, [::1]
	if strings.HasPrefix(host, "[") {
		if idx := strings.LastIndex(host, "]:"); idx != -1 {
			host = host[:idx+1]
		}
		host = strings.TrimPrefix(host, "[")
		host = strings.TrimSuffix(host, "]")
		return strings.ToLower(host)
	}

	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return strings.ToLower(host)
}
