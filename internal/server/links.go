package server

import (
	"net/http"
	"strings"
)

// requestOrigin reconstructs the public origin of r, preferring the
// forwarding headers set by a reverse proxy.
func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		p, _, _ = strings.Cut(p, ",")
		if p = strings.ToLower(strings.TrimSpace(p)); p == "http" || p == "https" {
			scheme = p
		}
	}

	host := r.Host
	if h := r.Header.Get("X-Forwarded-Host"); h != "" {
		h, _, _ = strings.Cut(h, ",")
		host = strings.TrimSpace(h)
	}
	if host == "" {
		host = "localhost:8080"
	}
	return scheme + "://" + host
}
