package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lectern/internal/api"
	"lectern/internal/auth"
	"lectern/internal/observability/metrics"
	"lectern/internal/queue"
	"lectern/internal/storage"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *api.Handler) {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	blobs, err := storage.NewFileBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBlobStore: %v", err)
	}
	jobs := queue.NewMemoryQueue(queue.DefaultRetryPolicy())
	t.Cleanup(func() { jobs.Close() })
	sessions := auth.NewSessionManager(time.Hour)
	handler := api.NewHandler(store, blobs, jobs, sessions)

	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(testWriter{t}, nil))
	}
	srv, err := New(handler, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, handler
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

func (s *Server) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func sessionToken(t *testing.T, handler *api.Handler, email, role string) string {
	t.Helper()
	user, err := handler.Store.CreateUser(storage.CreateUserParams{
		Email:       email,
		DisplayName: "Test User",
		Password:    "a sound passphrase",
		Roles:       []string{role},
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	token, _, err := handler.Sessions.Create(user.ID)
	if err != nil {
		t.Fatalf("Create session: %v", err)
	}
	return token
}

func TestHealthEndpointThroughMiddleware(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	rec := srv.serve(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("response missing X-Request-Id header")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("response missing security headers")
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode health payload: %v", err)
	}
	if payload.Status != "ok" {
		t.Fatalf("health status = %q, want ok", payload.Status)
	}
}

func TestRequestIDEchoedWhenProvided(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-abc-123")
	rec := srv.serve(req)
	if got := rec.Header().Get("X-Request-Id"); got != "req-abc-123" {
		t.Fatalf("X-Request-Id = %q, want echo of caller value", got)
	}
}

func TestManagementAPIRequiresSession(t *testing.T) {
	srv, handler := newTestServer(t, Config{})

	rec := srv.serve(httptest.NewRequest(http.MethodGet, "/api/assets", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d, want 401", rec.Code)
	}

	token := sessionToken(t, handler, "teacher@example.com", "instructor")
	req := httptest.NewRequest(http.MethodGet, "/api/assets", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = srv.serve(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestMediaRoutesBypassSessionMiddleware(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	// An unknown asset must surface as 404 from the handler, proving the
	// session middleware let the anonymous request through.
	rec := srv.serve(httptest.NewRequest(http.MethodGet, "/media/manifest/no-such-asset", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestAuthEndpointsBypassSessionMiddleware(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	req := httptest.NewRequest(http.MethodPost, "/api/auth/signup", strings.NewReader(
		`{"displayName":"Dana","email":"dana@example.com","password":"correct horse battery"}`))
	rec := srv.serve(req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
}

func TestLoginRateLimit(t *testing.T) {
	srv, handler := newTestServer(t, Config{
		RateLimit: RateLimitConfig{LoginLimit: 2, LoginWindow: time.Minute},
	})
	sessionToken(t, handler, "dana@example.com", "viewer")

	login := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(
			`{"email":"dana@example.com","password":"wrong"}`))
		req.RemoteAddr = "203.0.113.7:4455"
		return srv.serve(req)
	}

	for i := 0; i < 2; i++ {
		if rec := login(); rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d, want 401", i+1, rec.Code)
		}
	}
	rec := login()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("throttled status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("throttled response missing Retry-After")
	}
}

func TestGlobalRateLimit(t *testing.T) {
	srv, _ := newTestServer(t, Config{
		RateLimit: RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1},
	})

	if rec := srv.serve(httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d, want 200", rec.Code)
	}
	if rec := srv.serve(httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", rec.Code)
	}
}

func TestMetricsEndpointReportsRequests(t *testing.T) {
	recorder := metrics.New()
	srv, _ := newTestServer(t, Config{Metrics: recorder})

	srv.serve(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	rec := srv.serve(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "lectern_http_requests_total") {
		t.Fatalf("metrics output missing request counter:\n%s", rec.Body.String())
	}
}

func TestExtractClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.0.0.9:1234"
	req.Header.Set("X-Forwarded-For", "198.51.100.4, 10.0.0.9")
	if got := extractClientIP(req); got != "198.51.100.4" {
		t.Fatalf("extractClientIP = %q, want first forwarded hop", got)
	}

	req.Header.Del("X-Forwarded-For")
	if got := extractClientIP(req); got != "10.0.0.9" {
		t.Fatalf("extractClientIP = %q, want remote host", got)
	}
}
