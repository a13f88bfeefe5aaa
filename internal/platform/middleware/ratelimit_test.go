package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestMemoryLimiter_WindowResets(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 10, 0, time.UTC)
	l := NewMemoryLimiter()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ok, _, _ := l.Allow(ctx, "u1", 3); !ok {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	ok, retry, _ := l.Allow(ctx, "u1", 3)
	if ok {
		t.Fatal("expected 4th request to be limited")
	}
	if retry != 50*time.Second {
		t.Errorf("expected 50s retry, got %v", retry)
	}
	if ok, _, _ := l.Allow(ctx, "u2", 3); !ok {
		t.Error("expected keys to be isolated")
	}

	now = now.Add(time.Minute)
	if ok, _, _ := l.Allow(ctx, "u1", 3); !ok {
		t.Error("expected new window to reset the count")
	}
}

func TestRateLimit_Returns429(t *testing.T) {
	e := echo.New()
	mw := RateLimit(RateLimitConfig{RequestsPerMinute: 1}, NewMemoryLimiter(), zerolog.Nop())

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/units", nil), httptest.NewRecorder())
	if err := mw(okHandler)(c); err != nil {
		t.Fatalf("first request: %v", err)
	}

	rec := httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/units", nil), rec)
	err := mw(okHandler)(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, int) (bool, time.Duration, error) {
	return false, 0, errors.New("redis down")
}

func TestRateLimit_FailsOpen(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if err := RateLimit(DefaultRateLimitConfig(), failingLimiter{}, zerolog.Nop())(okHandler)(c); err != nil {
		t.Fatalf("expected request through when limiter fails, got %v", err)
	}
}
