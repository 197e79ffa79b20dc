// Package admission implements the split-horizon Host-based request
// filter (component C14): loopback/local UI requests get full access,
// while requests arriving on the configured external tunnel hostname may
// only reach /api/remote/*. Grounded on the teacher's
// ControlServer.securityMiddleware Host/IP classification
// (internal/api/server.go), generalized from a single loopback-only gate
// to two named horizons since this system, unlike the teacher's
// always-loopback AI control surface, deliberately exposes one path
// family externally.
package admission

import (
	"net"
	"net/http"
	"strings"
)

// Filter classifies inbound requests by their Host header.
type Filter struct {
	remoteHost string
}

// New constructs a Filter. remoteHost is the configured external tunnel
// hostname (port ignored, compared case-insensitively).
func New(remoteHost string) *Filter {
	return &Filter{remoteHost: strings.ToLower(hostOnly(remoteHost))}
}

func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}

// IsExternal reports whether host matches the configured remote tunnel
// hostname (case-insensitive, port ignored).
func (f *Filter) IsExternal(host string) bool {
	if f.remoteHost == "" {
		return false
	}
	return strings.ToLower(hostOnly(host)) == f.remoteHost
}

// Middleware rejects any request arriving on the external tunnel
// hostname whose path is not under /api/remote/, with 403.
func (f *Filter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.IsExternal(r.Host) && !strings.HasPrefix(r.URL.Path, "/api/remote/") {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
