package api

import (
	"context"
	"fmt"
	"net/http"

	"lectern/internal/models"
)

type contextKey string

const (
	userContextKey contextKey = "authenticatedUser"

	roleAdmin      = "admin"
	roleInstructor = "instructor"
)

// ContextWithUser stores the authenticated user in the provided context.
func ContextWithUser(ctx context.Context, user models.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext retrieves the authenticated user from context if present.
func UserFromContext(ctx context.Context) (models.User, bool) {
	user, ok := ctx.Value(userContextKey).(models.User)
	return user, ok
}

// AuthenticateRequest validates the session token on the request and returns the user.
func (h *Handler) AuthenticateRequest(r *http.Request) (models.User, error) {
	token := ExtractToken(r)
	if token == "" {
		return models.User{}, fmt.Errorf("missing session token")
	}
	userID, _, ok, err := h.sessionManager().Validate(token)
	if err != nil {
		return models.User{}, fmt.Errorf("session lookup failed")
	}
	if !ok {
		return models.User{}, fmt.Errorf("invalid or expired session")
	}
	user, exists := h.Store.GetUser(userID)
	if !exists {
		return models.User{}, fmt.Errorf("account not found")
	}
	return user, nil
}

// requestUser resolves the caller from middleware context first, then from
// the request's own credentials. Media routes accept anonymous callers, so a
// missing token is not an error here.
func (h *Handler) requestUser(r *http.Request) (models.User, bool) {
	if user, ok := UserFromContext(r.Context()); ok {
		return user, true
	}
	if ExtractToken(r) == "" {
		return models.User{}, false
	}
	user, err := h.AuthenticateRequest(r)
	if err != nil {
		return models.User{}, false
	}
	return user, true
}

func (h *Handler) requireAuthenticatedUser(w http.ResponseWriter, r *http.Request) (models.User, bool) {
	if user, ok := h.requestUser(r); ok {
		return user, true
	}
	WriteError(w, http.StatusUnauthorized, fmt.Errorf("authentication required"))
	return models.User{}, false
}

func (h *Handler) requireRole(w http.ResponseWriter, r *http.Request, roles ...string) (models.User, bool) {
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return models.User{}, false
	}
	if len(roles) == 0 {
		return user, true
	}
	for _, required := range roles {
		if user.HasRole(required) {
			return user, true
		}
	}
	WriteError(w, http.StatusForbidden, fmt.Errorf("forbidden"))
	return models.User{}, false
}
