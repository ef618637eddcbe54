package gateway_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/taskdag/internal/config"
	"github.com/basket/taskdag/internal/gateway"
)

const (
	sessionA = "6f1c2a3e-8d4b-4c5a-9e7f-0a1b2c3d4e5f"
	sessionB = "7a2d3b4f-9e5c-4d6b-8f80-1b2c3d4e5f60"
	sessionC = "8b3e4c50-af6d-4e7c-9091-2c3d4e5f6071"
)

func newLimitedHandler(cfg config.RateLimitConfig) (*gateway.RateLimitMiddleware, http.Handler) {
	rl := gateway.NewRateLimitMiddleware(cfg, "", nil)
	return rl, rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

// limitedRequest issues a request carrying sessionID in the session cookie.
// An empty sessionID sends no cookie.
func limitedRequest(handler http.Handler, path, sessionID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	if sessionID != "" {
		req.AddCookie(&http.Cookie{Name: config.DefaultSessionCookieName, Value: sessionID})
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_UnderLimit(t *testing.T) {
	_, handler := newLimitedHandler(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 10})
	for i := 0; i < 5; i++ {
		if rec := limitedRequest(handler, "/api/tasks", sessionA); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestRateLimit_OverLimitReturnsDetailAndRetryAfter(t *testing.T) {
	_, handler := newLimitedHandler(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 3})
	for i := 0; i < 3; i++ {
		if rec := limitedRequest(handler, "/api/tasks", sessionA); rec.Code != http.StatusOK {
			t.Fatalf("burst request %d: expected 200, got %d", i, rec.Code)
		}
	}

	rec := limitedRequest(handler, "/api/tasks", sessionA)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("expected Retry-After: 1, got %q", got)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v (%s)", err, rec.Body.String())
	}
	if body["detail"] != "Rate limit exceeded" {
		t.Fatalf("unexpected detail %q", body["detail"])
	}
}

func TestRateLimit_RefillOverTime(t *testing.T) {
	_, handler := newLimitedHandler(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 1})

	if rec := limitedRequest(handler, "/api/tasks", sessionA); rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}
	if rec := limitedRequest(handler, "/api/tasks", sessionA); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 immediately after, got %d", rec.Code)
	}
	time.Sleep(1100 * time.Millisecond)
	if rec := limitedRequest(handler, "/api/tasks", sessionA); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after refill, got %d", rec.Code)
	}
}

func TestRateLimit_PerSessionIsolation(t *testing.T) {
	_, handler := newLimitedHandler(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 2})
	for i := 0; i < 2; i++ {
		limitedRequest(handler, "/api/tasks", sessionA)
	}
	if rec := limitedRequest(handler, "/api/tasks", sessionA); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("session A: expected 429, got %d", rec.Code)
	}
	if rec := limitedRequest(handler, "/api/tasks", sessionB); rec.Code != http.StatusOK {
		t.Fatalf("session B: expected 200, got %d", rec.Code)
	}
}

func TestRateLimit_MalformedCookieFallsBackToClientIP(t *testing.T) {
	rl, handler := newLimitedHandler(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 1})

	limitedRequest(handler, "/api/tasks", "not-a-uuid")
	if rec := limitedRequest(handler, "/api/tasks", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("cookieless request from the same IP: expected 429, got %d", rec.Code)
	}
	if rl.BucketCount() != 1 {
		t.Fatalf("expected one IP bucket, got %d", rl.BucketCount())
	}
}

func TestRateLimit_SkipsHealthAndMetrics(t *testing.T) {
	_, handler := newLimitedHandler(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 1})

	limitedRequest(handler, "/api/tasks", "")
	if rec := limitedRequest(handler, "/api/tasks", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for /api/tasks, got %d", rec.Code)
	}
	for _, path := range []string{"/healthz", "/metrics/prometheus"} {
		if rec := limitedRequest(handler, path, ""); rec.Code != http.StatusOK {
			t.Fatalf("expected 200 for %s, got %d", path, rec.Code)
		}
	}
}

func TestRateLimit_EvictStale(t *testing.T) {
	rl, handler := newLimitedHandler(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 10})
	for _, sid := range []string{sessionA, sessionB, sessionC} {
		limitedRequest(handler, "/api/tasks", sid)
	}
	if rl.BucketCount() != 3 {
		t.Fatalf("expected 3 buckets, got %d", rl.BucketCount())
	}

	rl.EvictStale(0)
	if rl.BucketCount() != 0 {
		t.Fatalf("expected 0 buckets after full eviction, got %d", rl.BucketCount())
	}

	for _, sid := range []string{sessionA, sessionB} {
		limitedRequest(handler, "/api/tasks", sid)
	}
	rl.EvictStale(time.Hour)
	if rl.BucketCount() != 2 {
		t.Fatalf("expected 2 buckets after no-op eviction, got %d", rl.BucketCount())
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	rl, handler := newLimitedHandler(config.RateLimitConfig{Enabled: false, BurstSize: 1})
	for i := 0; i < 5; i++ {
		if rec := limitedRequest(handler, "/api/tasks", sessionA); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	if rl.BucketCount() != 0 {
		t.Fatalf("disabled limiter should not track buckets, got %d", rl.BucketCount())
	}
}
