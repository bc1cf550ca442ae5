package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRateLimiterThrottlesPerIdentity(t *testing.T) {
	rl := NewRateLimiter(RateLimit{RatePerSecond: 0.001, Burst: 2})
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(identity string) int {
		req := httptest.NewRequest("POST", "/v1/package", nil)
		req.Header.Set("X-Pkt-Identity", identity)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := do("pkt1alice"); code != http.StatusOK {
		t.Fatalf("first request = %d", code)
	}
	if code := do("pkt1alice"); code != http.StatusOK {
		t.Fatalf("second request = %d", code)
	}
	if code := do("pkt1alice"); code != http.StatusTooManyRequests {
		t.Fatalf("burst exceeded = %d, want 429", code)
	}
	// A different identity has its own bucket.
	if code := do("pkt1bob"); code != http.StatusOK {
		t.Fatalf("other identity = %d", code)
	}
}

func TestRateLimiterDisabledWhenZero(t *testing.T) {
	rl := NewRateLimiter(RateLimit{})
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest("GET", "/healthz", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i, rec.Code)
		}
	}
}
