package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newContext(method, path string, body io.Reader) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, path, body)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func ok(c echo.Context) error { return c.String(http.StatusOK, "ok") }

func TestRequestID_GeneratesNew(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/", nil)

	var seen string
	h := RequestID()(func(c echo.Context) error {
		seen, _ = c.Get("request_id").(string)
		return ok(c)
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen == "" {
		t.Error("expected request_id to be generated")
	}
	if rec.Header().Get(RequestIDHeader) != seen {
		t.Errorf("expected response header %q, got %q", seen, rec.Header().Get(RequestIDHeader))
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/", nil)
	c.Request().Header.Set(RequestIDHeader, "my-custom-id")

	if err := RequestID()(ok)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) != "my-custom-id" {
		t.Errorf("expected my-custom-id, got %s", rec.Header().Get(RequestIDHeader))
	}
}

func TestLogger_RecordsSessionAndStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	c, _ := newContext(http.MethodPost, "/api/v1/sessions/s1/turns", nil)
	c.SetParamNames("id")
	c.SetParamValues("s1")
	c.Set("request_id", "req-1")

	err := Logger(logger)(func(echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "busy")
	})(c)
	if err == nil {
		t.Fatal("expected handler error to propagate")
	}

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if line["session_id"] != "s1" || line["request_id"] != "req-1" {
		t.Errorf("missing ids in %v", line)
	}
	if line["status"] != float64(http.StatusConflict) {
		t.Errorf("expected status 409, got %v", line["status"])
	}
	if line["level"] != "warn" {
		t.Errorf("expected warn level for client error, got %v", line["level"])
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	c, _ := newContext(http.MethodGet, "/panic", nil)
	c.Set("request_id", "req-7")

	err := Recovery(zerolog.Nop())(func(echo.Context) error { panic("boom") })(c)

	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 HTTPError, got %v", err)
	}
	body, _ := he.Message.(map[string]string)
	if body["request_id"] != "req-7" {
		t.Errorf("expected request id in body, got %v", he.Message)
	}
}

func TestRecovery_LogsSession(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	e.Use(Recovery(zerolog.New(&buf)))
	e.POST("/api/v1/sessions/:id/turns", func(echo.Context) error { panic("boom") })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/sessions/s9/turns", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("bad log line %q: %v", buf.String(), err)
	}
	if line["session_id"] != "s9" || line["route"] != "/api/v1/sessions/:id/turns" {
		t.Errorf("unexpected log fields %v", line)
	}
}

func TestRecovery_CommittedResponse(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/stream", nil)
	h := Recovery(zerolog.Nop())(func(c echo.Context) error {
		c.Response().WriteHeader(http.StatusOK)
		panic("mid-stream")
	})
	if err := h(c); err != nil {
		t.Errorf("expected nil after headers were sent, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status should be untouched, got %d", rec.Code)
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	c, _ := newContext(http.MethodGet, "/ok", nil)
	if err := Recovery(zerolog.Nop())(ok)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSecurityHeaders(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/", nil)
	if err := SecurityHeaders(false)(ok)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
		"Referrer-Policy":        "no-referrer",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s: expected %q, got %q", k, v, got)
		}
	}
	if got := rec.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("expected no HSTS outside production, got %q", got)
	}

	c, rec = newContext(http.MethodGet, "/", nil)
	if err := SecurityHeaders(true)(ok)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Error("expected HSTS when strict transport is on")
	}
}

func TestRequestTimeout(t *testing.T) {
	slow := func(c echo.Context) error {
		select {
		case <-time.After(5 * time.Second):
			return ok(c)
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		}
	}

	t.Run("expires", func(t *testing.T) {
		c, rec := newContext(http.MethodPost, "/api/v1/sessions/s1/turns", nil)
		if err := RequestTimeout(30 * time.Millisecond)(slow)(c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Code != http.StatusGatewayTimeout {
			t.Errorf("expected 504, got %d", rec.Code)
		}
	})

	t.Run("fast handler", func(t *testing.T) {
		c, rec := newContext(http.MethodGet, "/api/v1/sessions/s1", nil)
		if err := RequestTimeout(time.Second)(ok)(c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("websocket skipped", func(t *testing.T) {
		c, _ := newContext(http.MethodGet, "/api/v1/ws", nil)
		var hasDeadline bool
		err := RequestTimeout(time.Millisecond)(func(c echo.Context) error {
			_, hasDeadline = c.Request().Context().Deadline()
			return nil
		})(c)
		if err != nil || hasDeadline {
			t.Errorf("expected websocket path without deadline, err=%v", err)
		}
	})
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 1 << 20},
		{"512", 512},
		{"64K", 64 << 10},
		{"10MB", 10 << 20},
		{"1g", 1 << 30},
		{"junk", 1 << 20},
	}
	for _, tt := range tests {
		if got := parseLimit(tt.in); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestBodyLimit(t *testing.T) {
	mw := BodyLimit("16", "64")
	drain := func(c echo.Context) error {
		if _, err := io.ReadAll(c.Request().Body); err != nil {
			return err
		}
		return ok(c)
	}

	t.Run("json within limit", func(t *testing.T) {
		c, rec := newContext(http.MethodPost, "/api/v1/sessions", strings.NewReader(`{"name":"a"}`))
		if err := mw(drain)(c); err != nil || rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d err=%v", rec.Code, err)
		}
	})

	t.Run("json over limit by content length", func(t *testing.T) {
		c, rec := newContext(http.MethodPost, "/api/v1/sessions", strings.NewReader(strings.Repeat("x", 32)))
		if err := mw(drain)(c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("expected 413, got %d", rec.Code)
		}
	})

	t.Run("upload uses larger limit", func(t *testing.T) {
		c, rec := newContext(http.MethodPost, "/api/v1/sessions/s1/prescriptions", strings.NewReader(strings.Repeat("x", 48)))
		if err := mw(drain)(c); err != nil || rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d err=%v", rec.Code, err)
		}
	})

	t.Run("enforced while reading", func(t *testing.T) {
		c, _ := newContext(http.MethodPost, "/api/v1/sessions/s1/audio", strings.NewReader(strings.Repeat("x", 100)))
		c.Request().ContentLength = -1
		err := mw(drain)(c)
		var he *echo.HTTPError
		if !errors.As(err, &he) || he.Code != http.StatusRequestEntityTooLarge {
			t.Fatalf("expected 413 error from reader, got %v", err)
		}
	})
}

func rateLimitedServer(cfg RateLimitConfig) *echo.Echo {
	e := echo.New()
	g := e.Group("/api/v1", RateLimit(cfg))
	g.POST("/sessions/:id/turns", ok)
	g.GET("/catalog/products", ok)
	return e
}

func serve(e *echo.Echo, method, path, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = ip + ":1234"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_PerIP(t *testing.T) {
	e := rateLimitedServer(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 2})

	for i := 0; i < 2; i++ {
		if rec := serve(e, http.MethodGet, "/api/v1/catalog/products", "10.0.0.1"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := serve(e, http.MethodGet, "/api/v1/catalog/products", "10.0.0.1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Scope") != "ip" || rec.Header().Get("Retry-After") == "" {
		t.Errorf("unexpected headers %v", rec.Header())
	}
	if rec := serve(e, http.MethodGet, "/api/v1/catalog/products", "10.0.0.2"); rec.Code != http.StatusOK {
		t.Fatalf("other client should have its own bucket, got %d", rec.Code)
	}
}

func TestRateLimit_PerSession(t *testing.T) {
	e := rateLimitedServer(RateLimitConfig{
		RequestsPerSecond:        1000,
		BurstSize:                100,
		SessionRequestsPerSecond: 0.001,
		SessionBurst:             2,
	})

	// One conversation driven from several addresses shares one budget.
	for i, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		if rec := serve(e, http.MethodPost, "/api/v1/sessions/s1/turns", ip); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := serve(e, http.MethodPost, "/api/v1/sessions/s1/turns", "10.0.0.3")
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("X-RateLimit-Scope") != "session" {
		t.Fatalf("expected session-scoped 429, got %d %v", rec.Code, rec.Header())
	}

	if rec := serve(e, http.MethodPost, "/api/v1/sessions/s2/turns", "10.0.0.3"); rec.Code != http.StatusOK {
		t.Errorf("another session has its own budget, got %d", rec.Code)
	}
	if rec := serve(e, http.MethodGet, "/api/v1/catalog/products", "10.0.0.3"); rec.Code != http.StatusOK {
		t.Errorf("non-session routes are only charged per IP, got %d", rec.Code)
	}
}

func TestLimiter_RefillAndRetryAfter(t *testing.T) {
	l := newLimiter(0.5, 1, time.Minute)
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if ok, _ := l.take("k", t0); !ok {
		t.Fatal("expected first token")
	}
	ok, wait := l.take("k", t0)
	if ok || wait != 2 {
		t.Fatalf("expected refusal with retry after 2s, got %v %d", ok, wait)
	}
	if ok, _ := l.take("k", t0.Add(2*time.Second)); !ok {
		t.Error("expected a token after refill")
	}
}

func TestLimiter_ZeroRate(t *testing.T) {
	l := newLimiter(0, 1, 0)
	now := time.Now()
	l.take("k", now)
	if ok, wait := l.take("k", now); ok || wait != 1 {
		t.Errorf("expected refusal with retry after 1s, got %v %d", ok, wait)
	}
}

func TestLimiter_EvictsIdleBuckets(t *testing.T) {
	l := newLimiter(1, 1, time.Minute)
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	l.take("old", t0)
	l.take("new", t0.Add(2*time.Minute))
	if got := l.size(); got != 1 {
		t.Errorf("expected idle bucket evicted, %d left", got)
	}
}
