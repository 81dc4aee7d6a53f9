package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func newCORSTestHandler(t *testing.T, cfg CORSConfig) http.Handler {
	t.Helper()
	policy, err := newCORSPolicy(cfg)
	if err != nil {
		t.Fatalf("newCORSPolicy: %v", err)
	}
	return corsMiddleware(policy, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestCORSAllowsConfiguredPlayerOrigin(t *testing.T) {
	handler := newCORSTestHandler(t, CORSConfig{PlayerOrigins: []string{"https://courses.example.com"}})

	req := httptest.NewRequest(http.MethodGet, "/media/manifest/lesson-1", nil)
	req.Header.Set("Origin", "https://courses.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://courses.example.com" {
		t.Fatalf("Allow-Origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Expose-Headers"); got == "" {
		t.Fatal("range headers are not exposed to the player")
	}
}

func TestCORSBlocksUnknownOrigin(t *testing.T) {
	handler := newCORSTestHandler(t, CORSConfig{PlayerOrigins: []string{"https://courses.example.com"}})

	req := httptest.NewRequest(http.MethodGet, "/media/manifest/lesson-1", nil)
	req.Header.Set("Origin", "https://evil.example.net")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := newCORSTestHandler(t, CORSConfig{AdminOrigins: []string{"https://admin.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/assets", nil)
	req.Header.Set("Origin", "https://admin.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got == "" {
		t.Fatal("preflight response missing allowed methods")
	}
}

func TestCORSAllowsSameOriginWithoutConfig(t *testing.T) {
	handler := newCORSTestHandler(t, CORSConfig{})

	req := httptest.NewRequest(http.MethodGet, "http://gateway.local/healthz", nil)
	req.Host = "gateway.local"
	req.Header.Set("Origin", "http://gateway.local")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for same-origin request", rec.Code)
	}
}
