package api

import (
	"fmt"
	"net/http"

	"lectern/internal/models"
)

// authorizePlayback gates every protected media request. The policy is
// evaluated fresh on each call because enrollment state can change between
// the manifest, key, and segment requests of a single playback session.
//
// Order of checks: admin bypasses everything; a preview asset is open to
// anyone, authenticated or not; otherwise the caller must be authenticated
// (401) and hold an active, completed enrollment for the asset's course (403).
func (h *Handler) authorizePlayback(w http.ResponseWriter, r *http.Request, asset models.MediaAsset) bool {
	user, authenticated := h.requestUser(r)
	if authenticated && user.HasRole(roleAdmin) {
		return true
	}
	if asset.Preview {
		return true
	}
	if !authenticated {
		WriteError(w, http.StatusUnauthorized, fmt.Errorf("authentication required"))
		return false
	}
	if !h.Store.HasActiveEnrollment(user.ID, asset.CourseID) {
		WriteError(w, http.StatusForbidden, fmt.Errorf("forbidden"))
		return false
	}
	return true
}
