package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"lectern/internal/models"
	"lectern/internal/queue"
)

func multipartUpload(t *testing.T, fields map[string]string, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := io.WriteString(part, content); err != nil {
		t.Fatalf("write file part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, writer.FormDataContentType()
}

func postAsset(h *testHarness, token string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/assets", body)
	req.Header.Set("Content-Type", contentType)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.Assets(rec, req)
	return rec
}

func TestCreateAssetAcceptsUploadAndEnqueues(t *testing.T) {
	h := newTestHarness(t)
	_, token := h.createUser(t, "teacher@example.com", "instructor")

	body, contentType := multipartUpload(t, map[string]string{
		"courseId": "course-1",
		"lessonId": "lesson-1",
		"title":    "Intro",
	}, "intro.mp4", "mock video bytes")
	rec := postAsset(h, token, body, contentType)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	asset, ok := h.store.GetAsset("lesson-1")
	if !ok {
		t.Fatal("asset not recorded")
	}
	if asset.Status != models.AssetStatusPending {
		t.Fatalf("status = %q, want pending", asset.Status)
	}
	if asset.RawInputPath != "raw/lesson-1/input.mp4" {
		t.Fatalf("raw path = %q", asset.RawInputPath)
	}
	if _, err := h.blobs.Stat(asset.RawInputPath); err != nil {
		t.Fatalf("raw blob missing: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	delivery, err := h.queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if delivery.Job.AssetID != "lesson-1" || delivery.Job.InputPath != asset.RawInputPath {
		t.Fatalf("job = %+v", delivery.Job)
	}
}

func TestCreateAssetRequiresInstructorRole(t *testing.T) {
	h := newTestHarness(t)
	_, viewerToken := h.createUser(t, "viewer@example.com", "viewer")
	body, contentType := multipartUpload(t, map[string]string{"courseId": "course-1"}, "a.mp4", "x")

	if rec := postAsset(h, viewerToken, body, contentType); rec.Code != http.StatusForbidden {
		t.Fatalf("viewer status = %d, want 403", rec.Code)
	}
	body, contentType = multipartUpload(t, map[string]string{"courseId": "course-1"}, "a.mp4", "x")
	if rec := postAsset(h, "", body, contentType); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d, want 401", rec.Code)
	}
}

func TestCreateAssetRequiresCourse(t *testing.T) {
	h := newTestHarness(t)
	_, token := h.createUser(t, "teacher@example.com", "instructor")
	body, contentType := multipartUpload(t, map[string]string{"title": "No course"}, "a.mp4", "x")
	if rec := postAsset(h, token, body, contentType); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, queue.Job) error { return errors.New("broker down") }
func (failingQueue) Dequeue(context.Context) (queue.Delivery, error) {
	return queue.Delivery{}, errors.New("broker down")
}
func (failingQueue) Ack(context.Context, queue.Delivery) error { return errors.New("broker down") }
func (failingQueue) Close() error                              { return nil }

func TestCreateAssetSurvivesQueueOutage(t *testing.T) {
	h := newTestHarness(t)
	h.handler.Queue = failingQueue{}
	_, token := h.createUser(t, "teacher@example.com", "instructor")

	body, contentType := multipartUpload(t, map[string]string{
		"courseId": "course-1",
		"lessonId": "lesson-9",
	}, "clip.mp4", "bytes")
	rec := postAsset(h, token, body, contentType)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 despite queue outage", rec.Code)
	}
	asset, ok := h.store.GetAsset("lesson-9")
	if !ok || asset.Status != models.AssetStatusPending {
		t.Fatalf("asset = %+v, ok = %v, want pending", asset, ok)
	}
}

func TestDeleteAssetRemovesBlobs(t *testing.T) {
	h := newTestHarness(t)
	h.seedReadyAsset(t, "lesson-1", false)
	_, token := h.createUser(t, "admin@example.com", "admin")

	req := httptest.NewRequest(http.MethodDelete, "/api/assets/lesson-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.handler.AssetByID(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	if _, ok := h.store.GetAsset("lesson-1"); ok {
		t.Fatal("asset record survived deletion")
	}
	// The key is co-located with the output tree and goes with it.
	if _, err := h.blobs.Stat("hls/lesson-1/key.bin"); err == nil {
		t.Fatal("key blob survived deletion")
	}
}

func TestAssetStatusEndpoint(t *testing.T) {
	h := newTestHarness(t)
	h.seedReadyAsset(t, "lesson-1", false)
	_, token := h.createUser(t, "teacher@example.com", "instructor")

	req := httptest.NewRequest(http.MethodGet, "/api/assets/lesson-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.handler.AssetByID(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
