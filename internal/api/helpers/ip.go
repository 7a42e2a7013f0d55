package helpers

import (
	"net"
	"net/http"
	"strings"
)

// GetRealIP extracts the client IP, preferring proxy headers over
// RemoteAddr. The deployment is expected to sit behind a reverse proxy
// that strips client-supplied forwarding headers.
func GetRealIP(r *http.Request) net.IP {
	xForwardedFor := r.Header.Get("X-Forwarded-For")
	if xForwardedFor != "" {
		for _, p := range strings.Split(xForwardedFor, ",") {
			if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
				return ip
			}
		}
	}

	if xRealIP := r.Header.Get("X-Real-IP"); xRealIP != "" {
		if ip := net.ParseIP(strings.TrimSpace(xRealIP)); ip != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return net.ParseIP(r.RemoteAddr)
}

// ClientIP is GetRealIP as a string, empty when unresolvable.
func ClientIP(r *http.Request) string {
	if ip := GetRealIP(r); ip != nil {
		return ip.String()
	}
	return ""
}
