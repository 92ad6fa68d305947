package shield

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(DefaultHeaders())(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/channels", nil))

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("X-Frame-Options = %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control = %q", got)
	}
}

func TestTraceIDInjected(t *testing.T) {
	var inCtx string
	h := TraceID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inCtx = TraceIDFrom(r.Context())
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	header := rec.Header().Get("X-Trace-ID")
	if header == "" || header != inCtx {
		t.Fatalf("trace id header %q, context %q", header, inCtx)
	}
}

func TestRateLimiterBlocksAfterLimit(t *testing.T) {
	rl := NewRateLimiter(3, "/health")
	h := rl.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/widget/chat/ch1", nil)
	req.RemoteAddr = "203.0.113.7:1234"

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i+1, rec.Code)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over limit: %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After missing on 429")
	}

	// Another client is unaffected.
	other := httptest.NewRequest(http.MethodPost, "/api/widget/chat/ch1", nil)
	other.RemoteAddr = "198.51.100.9:1234"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, other)
	if rec.Code != http.StatusOK {
		t.Fatalf("other client: %d", rec.Code)
	}

	// Excluded prefixes always pass.
	health := httptest.NewRequest(http.MethodGet, "/health", nil)
	health.RemoteAddr = "203.0.113.7:1234"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, health)
	if rec.Code != http.StatusOK {
		t.Fatalf("excluded path: %d", rec.Code)
	}
}

func TestExtractIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:5555"
	if got := ExtractIP(r); got != "192.0.2.1" {
		t.Fatalf("remote addr ip = %q", got)
	}
	r.Header.Set("X-Forwarded-For", "203.0.113.50, 10.0.0.1")
	if got := ExtractIP(r); got != "203.0.113.50" {
		t.Fatalf("xff ip = %q", got)
	}
}
