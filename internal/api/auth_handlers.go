package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"lectern/internal/models"
	"lectern/internal/storage"
)

type signupRequest struct {
	DisplayName string   `json:"displayName"`
	Email       string   `json:"email"`
	Password    string   `json:"password"`
	Roles       []string `json:"roles,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token     string      `json:"token,omitempty"`
	ExpiresAt time.Time   `json:"expiresAt,omitempty"`
	User      models.User `json:"user"`
}

func sanitizeUser(user models.User) models.User {
	user.PasswordHash = ""
	return user
}

// Signup registers an account. Elevated roles stick only when the request is
// made by an authenticated admin; everyone else signs up as a viewer.
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload"))
		return
	}
	roles := []string{"viewer"}
	if caller, ok := h.requestUser(r); ok && caller.HasRole(roleAdmin) {
		for _, role := range req.Roles {
			role = strings.ToLower(strings.TrimSpace(role))
			if role != "" && role != "viewer" {
				roles = append(roles, role)
			}
		}
	}
	user, err := h.Store.CreateUser(storage.CreateUserParams{
		Email:       req.Email,
		DisplayName: req.DisplayName,
		Password:    req.Password,
		Roles:       roles,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, sanitizeUser(user))
}

// Login exchanges credentials for a session token.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload"))
		return
	}
	user, err := h.Store.AuthenticateUser(req.Email, req.Password)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid credentials"))
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Errorf("login failed"))
		return
	}
	token, expiresAt, err := h.sessionManager().Create(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("session creation failed"))
		return
	}
	h.setSessionCookie(w, r, token, expiresAt)
	writeJSON(w, http.StatusOK, sessionResponse{Token: token, ExpiresAt: expiresAt, User: sanitizeUser(user)})
}

// Session reports the current session on GET and revokes it on DELETE.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		user, err := h.AuthenticateRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionResponse{User: sanitizeUser(user)})
	case http.MethodDelete:
		if token := ExtractToken(r); token != "" {
			if err := h.sessionManager().Revoke(token); err != nil {
				h.logger().Warn("session revoke failed", "error", err)
			}
		}
		h.ClearSessionCookie(w, r)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
