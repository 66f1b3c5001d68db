package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRateLimiter_Allow(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	rl := newRateLimiter(60, 5, nil)
	rl.now = func() time.Time { return now }

	// The burst is available immediately.
	for i := 0; i < 5; i++ {
		if !rl.allow("192.168.1.1") {
			t.Errorf("Request %d should be allowed", i+1)
		}
	}
	if rl.allow("192.168.1.1") {
		t.Error("6th request should be denied")
	}
	if !rl.allow("192.168.1.2") {
		t.Error("Request from different IP should be allowed")
	}

	// 60/min refills one token per second.
	now = now.Add(time.Second)
	if !rl.allow("192.168.1.1") {
		t.Error("Request after refill should be allowed")
	}
	if rl.allow("192.168.1.1") {
		t.Error("Only one token should have been refilled")
	}
}

func TestRateLimiter_EvictsIdleVisitors(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	rl := newRateLimiter(60, 1, nil)
	rl.now = func() time.Time { return now }

	rl.allow("10.0.0.1")
	rl.allow("10.0.0.2")
	now = now.Add(11 * time.Minute)
	rl.allow("10.0.0.3")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.visitors) != 1 {
		t.Fatalf("expected idle visitors to be evicted, have %d", len(rl.visitors))
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := newRateLimiter(60, 3, nil)
	handler := rl.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("Request %d: expected 200, got %d", i+1, w.Code)
		}
	}

	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("4th request: expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestEndpointRateLimiter(t *testing.T) {
	erl := newEndpointRateLimiter(RateLimits{AuthPerMinute: 2, LinkPerMinute: 1}, nil, zap.NewNop())
	handler := erl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	hit := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", path, nil)
		req.RemoteAddr = "198.51.100.9:5000"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	hit("/api/auth/login")
	hit("/api/auth/register")
	w := hit("/api/auth/login")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("3rd auth request: expected 429, got %d", w.Code)
	}
	if got := w.Header().Get("X-RateLimit-Limit-Type"); got != "authentication" {
		t.Errorf("limit type: got %q", got)
	}

	if w := hit("/api/share/abc"); w.Code != http.StatusOK {
		t.Errorf("first link request: expected 200, got %d", w.Code)
	}
	if w := hit("/api/share/def"); w.Code != http.StatusTooManyRequests {
		t.Errorf("second link request: expected 429, got %d", w.Code)
	}

	// Other endpoints are not limited here.
	for i := 0; i < 5; i++ {
		if w := hit("/api/files/my-files"); w.Code != http.StatusOK {
			t.Fatalf("unlimited endpoint: expected 200, got %d", w.Code)
		}
	}
}

func TestClientIP(t *testing.T) {
	ips, err := newIPResolver([]string{"10.0.0.0/8", "192.0.2.53"})
	if err != nil {
		t.Fatalf("newIPResolver: %v", err)
	}
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{"remote addr", "198.51.100.1:1234", nil, "198.51.100.1"},
		{"no port", "198.51.100.9", nil, "198.51.100.9"},
		{"untrusted peer ignores forwarded for", "198.51.100.1:1234", map[string]string{"X-Forwarded-For": "203.0.113.5"}, "198.51.100.1"},
		{"untrusted peer ignores real ip", "198.51.100.1:1234", map[string]string{"X-Real-IP": "203.0.113.6"}, "198.51.100.1"},
		{"trusted peer", "10.0.0.1:1234", map[string]string{"X-Forwarded-For": "203.0.113.5"}, "203.0.113.5"},
		{"spoofed leftmost hop", "10.0.0.1:1234", map[string]string{"X-Forwarded-For": "1.2.3.4, 203.0.113.5, 10.0.0.7"}, "203.0.113.5"},
		{"single trusted address", "192.0.2.53:80", map[string]string{"X-Forwarded-For": "203.0.113.8"}, "203.0.113.8"},
		{"all hops trusted", "10.0.0.1:1234", map[string]string{"X-Forwarded-For": "10.0.0.9, 10.0.0.8"}, "10.0.0.9"},
		{"trusted real ip", "10.0.0.1:1234", map[string]string{"X-Real-IP": "203.0.113.6"}, "203.0.113.6"},
		{"trusted without headers", "10.0.0.1:1234", nil, "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ips.clientIP(req); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientIPWithoutTrustedProxies(t *testing.T) {
	var ips *ipResolver
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "198.51.100.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.5")
	if got := ips.clientIP(req); got != "198.51.100.1" {
		t.Errorf("clientIP = %q, want the peer address", got)
	}
}

func TestNewIPResolverRejectsGarbage(t *testing.T) {
	for _, in := range []string{"not-an-ip", "10.0.0.0/99"} {
		if _, err := newIPResolver([]string{in}); err == nil {
			t.Errorf("expected an error for %q", in)
		}
	}
}

func TestRateLimiterIgnoresRotatedForwardedFor(t *testing.T) {
	rl := newRateLimiter(60, 2, nil)
	handler := rl.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "198.51.100.1:40000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		last = w.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("rotating X-Forwarded-For must not reset the budget, got %d", last)
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.visitors) != 1 {
		t.Fatalf("expected one visitor for one peer, have %d", len(rl.visitors))
	}
}
