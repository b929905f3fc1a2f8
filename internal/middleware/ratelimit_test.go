package middleware

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		forwarded  string
		realIP     string
		remoteAddr string
		want       string
	}{
		{
			name:       "forwarded single ip",
			forwarded:  "203.0.113.1",
			remoteAddr: "198.51.100.10:1234",
			want:       "203.0.113.1",
		},
		{
			name:       "forwarded chain uses first",
			forwarded:  " 203.0.113.1 , 198.51.100.2 ",
			remoteAddr: "198.51.100.10:1234",
			want:       "203.0.113.1",
		},
		{
			name:       "real ip when no forwarded",
			realIP:     "203.0.113.9",
			remoteAddr: "198.51.100.10:1234",
			want:       "203.0.113.9",
		},
		{
			name:       "remote host fallback",
			remoteAddr: "198.51.100.10:1234",
			want:       "198.51.100.10",
		},
		{
			name:       "ipv6 remote",
			remoteAddr: net.JoinHostPort("2001:db8::2", "443"),
			want:       "2001:db8::2",
		},
		{
			name:       "remote without port",
			remoteAddr: "203.0.113.1",
			want:       "203.0.113.1",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			if got := ClientIP(req); got != tc.want {
				t.Fatalf("ClientIP() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRateLimiterBlocksBurstOverflow(t *testing.T) {
	rl := NewRateLimiter(3)
	handler := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip + ":1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 3; i++ {
		if code := do("203.0.113.1"); code != http.StatusOK {
			t.Fatalf("request %d: got %d, want %d", i+1, code, http.StatusOK)
		}
	}
	if code := do("203.0.113.1"); code != http.StatusTooManyRequests {
		t.Fatalf("overflow request: got %d, want %d", code, http.StatusTooManyRequests)
	}

	// A different client has its own bucket.
	if code := do("203.0.113.2"); code != http.StatusOK {
		t.Fatalf("other client: got %d, want %d", code, http.StatusOK)
	}
}

func TestRateLimiterPrunesIdleClients(t *testing.T) {
	rl := NewRateLimiter(3)
	current := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return current }

	rl.allow("203.0.113.1")
	if len(rl.clients) != 1 {
		t.Fatalf("clients = %d, want 1", len(rl.clients))
	}

	// Traffic from another client past the idle horizon sweeps the first.
	current = current.Add(11 * time.Minute)
	rl.allow("203.0.113.2")
	if _, ok := rl.clients["203.0.113.1"]; ok {
		t.Fatal("idle client entry should have been pruned")
	}
	if _, ok := rl.clients["203.0.113.2"]; !ok {
		t.Fatal("active client entry missing")
	}

	// Recently seen entries survive a sweep.
	current = current.Add(2 * time.Minute)
	rl.allow("203.0.113.3")
	if _, ok := rl.clients["203.0.113.2"]; !ok {
		t.Fatal("recently active client should survive the sweep")
	}
}
