package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cadence/internal/gateway/handlers"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerMinute: 60,
		Burst:             5,
		Enabled:           true,
		CleanupInterval:   time.Minute,
	})
	defer rl.Stop()

	ip := "192.168.1.1"
	for i := 0; i < 5; i++ {
		allowed, remaining, _ := rl.Allow(ip)
		if !allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
		if remaining != 4-i {
			t.Errorf("request %d: remaining = %d, want %d", i+1, remaining, 4-i)
		}
	}

	allowed, remaining, reset := rl.Allow(ip)
	if allowed {
		t.Error("6th request should be denied")
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}
	if !reset.After(time.Now()) {
		t.Errorf("reset %v should be in the future", reset)
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 60, Burst: 1})
	defer rl.Stop()

	for i := 0; i < 50; i++ {
		if allowed, _, _ := rl.Allow("10.0.0.1"); !allowed {
			t.Fatalf("request %d denied while disabled", i+1)
		}
	}
}

func TestRateLimiter_TokenRefill(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerMinute: 600,
		Burst:             2,
		Enabled:           true,
		CleanupInterval:   time.Minute,
	})
	defer rl.Stop()

	ip := "192.168.1.1"
	rl.Allow(ip)
	rl.Allow(ip)
	if allowed, _, _ := rl.Allow(ip); allowed {
		t.Fatal("burst should be exhausted")
	}

	time.Sleep(150 * time.Millisecond)

	if allowed, _, _ := rl.Allow(ip); !allowed {
		t.Error("request should be allowed after refill")
	}
}

func TestRateLimiter_DifferentClients(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerMinute: 60,
		Burst:             2,
		Enabled:           true,
		CleanupInterval:   time.Minute,
	})
	defer rl.Stop()

	rl.Allow("192.168.1.1")
	rl.Allow("192.168.1.1")
	if allowed, _, _ := rl.Allow("192.168.1.1"); allowed {
		t.Error("first client should be limited")
	}

	allowed, remaining, _ := rl.Allow("192.168.1.2")
	if !allowed {
		t.Error("second client should be allowed")
	}
	if remaining != 1 {
		t.Errorf("remaining = %d, want 1", remaining)
	}
}

func TestRateLimiter_Evict(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerMinute: 60,
		Burst:             1,
		Enabled:           true,
	})
	defer rl.Stop()

	rl.Allow("192.168.1.1")
	rl.evict(time.Now().Add(time.Second))

	rl.mu.RLock()
	n := len(rl.clients)
	rl.mu.RUnlock()
	if n != 0 {
		t.Errorf("clients = %d, want 0 after evict", n)
	}

	if allowed, _, _ := rl.Allow("192.168.1.1"); !allowed {
		t.Error("evicted client should start with a full bucket")
	}
}

func TestRateLimiter_StopTwice(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Enabled: true, CleanupInterval: time.Millisecond})
	rl.Stop()
	rl.Stop()
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerMinute: 60,
		Burst:             2,
		Enabled:           true,
		CleanupInterval:   time.Minute,
	})
	defer rl.Stop()

	handler := rl.RateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.RemoteAddr = "192.168.1.1:1234"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want 200", i+1, rr.Code)
		}
		if got := rr.Header().Get("X-RateLimit-Limit"); got != "60" {
			t.Errorf("X-RateLimit-Limit = %s, want 60", got)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = "192.168.1.1:1234"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	var resp handlers.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if resp.Error.Code != handlers.ErrCodeRateLimited {
		t.Errorf("code = %s, want %s", resp.Error.Code, handlers.ErrCodeRateLimited)
	}
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 60, Burst: 2})
	defer rl.Stop()

	handler := rl.RateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.RemoteAddr = "192.168.1.1:1234"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want 200", i+1, rr.Code)
		}
		if rr.Header().Get("X-RateLimit-Limit") != "" {
			t.Error("disabled limiter should not set headers")
		}
	}
}
