package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"lectern/internal/auth"
	"lectern/internal/queue"
	"lectern/internal/storage"
)

// Handler carries the gateway's collaborators. Media serving, upload intake,
// and account management all hang off it.
type Handler struct {
	Store               storage.Repository
	Blobs               storage.BlobStore
	Queue               queue.Queue
	Sessions            *auth.SessionManager
	Logger              *slog.Logger
	SessionCookiePolicy SessionCookiePolicy
}

func NewHandler(store storage.Repository, blobs storage.BlobStore, jobs queue.Queue, sessions *auth.SessionManager) *Handler {
	if sessions == nil {
		sessions = auth.NewSessionManager(24 * time.Hour)
	}
	return &Handler{Store: store, Blobs: blobs, Queue: jobs, Sessions: sessions}
}

func (h *Handler) sessionManager() *auth.SessionManager {
	if h.Sessions == nil {
		h.Sessions = auth.NewSessionManager(24 * time.Hour)
	}
	return h.Sessions
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// Health reports liveness of the datastore and the queue transport.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := "ok"
	services := map[string]string{}
	if h.Store != nil {
		if err := h.Store.Ping(r.Context()); err != nil {
			status = "degraded"
			services["store"] = err.Error()
		} else {
			services["store"] = "ok"
		}
	}
	if err := h.sessionManager().Ping(r.Context()); err != nil {
		status = "degraded"
		services["sessions"] = err.Error()
	} else {
		services["sessions"] = "ok"
	}
	if pinger, ok := h.Queue.(interface{ Ping(context.Context) error }); ok {
		if err := pinger.Ping(r.Context()); err != nil {
			status = "degraded"
			services["queue"] = err.Error()
		} else {
			services["queue"] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"services": services,
	})
}

// ExtractToken pulls the session token from the Authorization header or the
// session cookie.
func ExtractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}
