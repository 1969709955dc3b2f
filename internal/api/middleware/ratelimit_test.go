package middleware

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIPRateLimiterAllow(t *testing.T) {
	rl := NewIPRateLimiter(2, 2, testLogger())
	defer rl.Stop()

	if !rl.Allow("192.168.1.1") {
		t.Fatal("first request should pass")
	}
	if !rl.Allow("192.168.1.1") {
		t.Fatal("second request should pass, burst is 2")
	}
	if rl.Allow("192.168.1.1") {
		t.Fatal("third request should exceed the burst")
	}

	// Budgets are per IP.
	if !rl.Allow("192.168.1.2") {
		t.Fatal("different IP should have its own budget")
	}
}

func TestIPRateLimiterSweep(t *testing.T) {
	rl := NewIPRateLimiter(10, 10, testLogger())
	defer rl.Stop()

	rl.Allow("10.0.0.1")

	rl.mu.Lock()
	n := len(rl.limiters)
	rl.mu.Unlock()
	if n != 1 {
		t.Fatalf("limiters = %d, want 1", n)
	}

	// A cutoff in the future evicts everything seen so far.
	rl.sweep(time.Now().Add(time.Minute))

	rl.mu.Lock()
	n = len(rl.limiters)
	rl.mu.Unlock()
	if n != 0 {
		t.Fatalf("limiters after sweep = %d, want 0", n)
	}
}

func TestIPRateLimiterStopTwice(t *testing.T) {
	rl := NewIPRateLimiter(1, 1, testLogger())
	rl.Stop()
	rl.Stop()
}

func TestRateLimitMiddlewareRejects(t *testing.T) {
	rl := NewIPRateLimiter(1, 1, testLogger())
	defer rl.Stop()

	handler := RateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
	req.RemoteAddr = "10.0.0.5:12345"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("Retry-After = %q, want 1", rec.Header().Get("Retry-After"))
	}

	// Rejection body carries the api envelope.
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parsing rejection body: %v", err)
	}
	if resp["error"] != "rate limit exceeded" {
		t.Fatalf("error = %v, want rate limit exceeded", resp["error"])
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"192.168.1.1:8080", "192.168.1.1"},
		{"[::1]:8080", "::1"},
		{"10.0.0.1", "10.0.0.1"}, // no port
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remoteAddr
		if got := clientIP(r); got != tt.want {
			t.Errorf("clientIP(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}
