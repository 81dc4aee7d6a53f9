package api

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"path"
	"strings"

	"lectern/internal/queue"
	"lectern/internal/storage"
)

const maxUploadMemory = 32 << 20

// Assets handles upload intake on POST and course listings on GET.
func (h *Handler) Assets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createAsset(w, r)
	case http.MethodGet:
		h.listAssets(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// createAsset accepts an instructor's video upload: the raw file lands in the
// blob store, the asset record starts out pending, and a transcode job is
// enqueued. A queue outage is logged but does not fail the upload; the asset
// simply stays pending until an operator re-enqueues it.
func (h *Handler) createAsset(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireRole(w, r, roleAdmin, roleInstructor); !ok {
		return
	}
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid multipart payload"))
		return
	}
	courseID := strings.TrimSpace(r.FormValue("courseId"))
	if courseID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("courseId is required"))
		return
	}
	title := strings.TrimSpace(r.FormValue("title"))
	preview := strings.EqualFold(strings.TrimSpace(r.FormValue("preview")), "true")

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("video file is required"))
		return
	}
	defer file.Close()

	assetID := strings.TrimSpace(r.FormValue("lessonId"))
	if assetID == "" {
		assetID, err = newAssetID()
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("id generation failed"))
			return
		}
	}

	filename := path.Base(strings.TrimSpace(header.Filename))
	ext := strings.ToLower(path.Ext(filename))
	if ext == "" {
		ext = ".mp4"
	}
	rawPath := path.Join("raw", assetID, "input"+ext)
	written, err := h.Blobs.Save(rawPath, file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("upload write failed"))
		return
	}

	asset, err := h.Store.CreateAsset(storage.CreateAssetParams{
		ID:           assetID,
		CourseID:     courseID,
		Title:        title,
		Filename:     filename,
		SizeBytes:    written,
		Preview:      preview,
		RawInputPath: rawPath,
	})
	if err != nil {
		if deleteErr := h.Blobs.Delete(rawPath); deleteErr != nil {
			h.logger().Warn("orphaned upload cleanup failed", "path", rawPath, "error", deleteErr)
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if h.Queue != nil {
		err := h.Queue.Enqueue(r.Context(), queue.Job{AssetID: asset.ID, InputPath: rawPath})
		if err != nil {
			h.logger().Error("transcode enqueue failed, asset stays pending", "asset_id", asset.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusAccepted, asset)
}

func (h *Handler) listAssets(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireRole(w, r, roleAdmin, roleInstructor); !ok {
		return
	}
	assets, err := h.Store.ListAssets(strings.TrimSpace(r.URL.Query().Get("courseId")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("asset listing failed"))
		return
	}
	writeJSON(w, http.StatusOK, assets)
}

// AssetByID serves status reads and deletions for a single asset.
func (h *Handler) AssetByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/assets/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		if _, ok := h.requireRole(w, r, roleAdmin, roleInstructor); !ok {
			return
		}
		asset, ok := h.Store.GetAsset(id)
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, asset)
	case http.MethodDelete:
		if _, ok := h.requireRole(w, r, roleAdmin, roleInstructor); !ok {
			return
		}
		asset, ok := h.Store.GetAsset(id)
		if !ok {
			http.NotFound(w, r)
			return
		}
		// Removing the output tree also removes the per-asset key.
		if err := h.Blobs.DeleteTree(path.Join("hls", asset.ID)); err != nil {
			h.logger().Warn("output cleanup failed", "asset_id", asset.ID, "error", err)
		}
		if asset.RawInputPath != "" {
			if err := h.Blobs.Delete(asset.RawInputPath); err != nil {
				h.logger().Warn("raw cleanup failed", "asset_id", asset.ID, "error", err)
			}
		}
		if err := h.Store.DeleteAsset(id); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("asset delete failed"))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type createEnrollmentRequest struct {
	UserID    string `json:"userId"`
	CourseID  string `json:"courseId"`
	Completed bool   `json:"completed"`
}

// Enrollments records enrollment state on behalf of the payment system.
func (h *Handler) Enrollments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := h.requireRole(w, r, roleAdmin); !ok {
		return
	}
	var req createEnrollmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload"))
		return
	}
	enrollment, err := h.Store.CreateEnrollment(storage.CreateEnrollmentParams{
		UserID:    req.UserID,
		CourseID:  req.CourseID,
		Completed: req.Completed,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, enrollment)
}

func newAssetID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
