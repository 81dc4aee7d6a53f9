package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"lectern/internal/models"
)

const (
	manifestContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/mp2t"
	keyContentType      = "application/octet-stream"
)

// mimeByExtension is the closed lookup table for progressive streaming.
// Anything unlisted is served as generic video.
var mimeByExtension = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".ts":   segmentContentType,
	".m3u8": manifestContentType,
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
}

const defaultStreamContentType = "video/mp4"

func mimeForFilename(name string) string {
	if mime, ok := mimeByExtension[strings.ToLower(path.Ext(name))]; ok {
		return mime
	}
	return defaultStreamContentType
}

func (h *Handler) lookupAsset(w http.ResponseWriter, r *http.Request, prefix string) (models.MediaAsset, string, bool) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return models.MediaAsset{}, "", false
	}
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	id, remainder, _ := strings.Cut(rest, "/")
	if strings.TrimSpace(id) == "" {
		http.NotFound(w, r)
		return models.MediaAsset{}, "", false
	}
	asset, ok := h.Store.GetAsset(id)
	if !ok {
		http.NotFound(w, r)
		return models.MediaAsset{}, "", false
	}
	return asset, remainder, true
}

// Manifest serves the asset's playlist with key and segment references
// rewritten to gateway routes. A patch failure falls back to the raw bytes so
// playback is never blocked by a rewrite bug.
func (h *Handler) Manifest(w http.ResponseWriter, r *http.Request) {
	asset, _, ok := h.lookupAsset(w, r, "/media/manifest/")
	if !ok {
		return
	}
	if !h.authorizePlayback(w, r, asset) {
		return
	}
	if asset.Status != models.AssetStatusReady || asset.OutputManifestPath == "" {
		http.NotFound(w, r)
		return
	}
	reader, err := h.Blobs.Open(asset.OutputManifestPath)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer reader.Close()
	raw, err := io.ReadAll(reader)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("manifest read failed"))
		return
	}
	w.Header().Set("Content-Type", manifestContentType)
	patched, err := patchManifest(raw, asset.ID)
	if err != nil {
		h.logger().Warn("manifest patch failed, serving raw", "asset_id", asset.ID, "error", err)
		_, _ = w.Write(raw)
		return
	}
	_, _ = io.WriteString(w, patched)
}

// Key serves the asset's 16-byte content key. Caching is disabled end to end;
// the key must never outlive the playback session in an intermediary.
func (h *Handler) Key(w http.ResponseWriter, r *http.Request) {
	asset, _, ok := h.lookupAsset(w, r, "/media/key/")
	if !ok {
		return
	}
	if !h.authorizePlayback(w, r, asset) {
		return
	}
	if asset.Status != models.AssetStatusReady || asset.OutputManifestPath == "" {
		http.NotFound(w, r)
		return
	}
	keyPath := path.Join(path.Dir(asset.OutputManifestPath), "key.bin")
	reader, err := h.Blobs.Open(keyPath)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer reader.Close()
	w.Header().Set("Content-Type", keyContentType)
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	_, _ = io.Copy(w, reader)
}

// Segment streams one encrypted segment verbatim.
func (h *Handler) Segment(w http.ResponseWriter, r *http.Request) {
	asset, segmentName, ok := h.lookupAsset(w, r, "/media/segment/")
	if !ok {
		return
	}
	if segmentName == "" || segmentName != path.Base(segmentName) || strings.Contains(segmentName, "..") {
		http.NotFound(w, r)
		return
	}
	if !h.authorizePlayback(w, r, asset) {
		return
	}
	if asset.Status != models.AssetStatusReady || asset.OutputManifestPath == "" {
		http.NotFound(w, r)
		return
	}
	segmentPath := path.Join(path.Dir(asset.OutputManifestPath), segmentName)
	reader, err := h.Blobs.Open(segmentPath)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer reader.Close()
	w.Header().Set("Content-Type", segmentContentType)
	_, _ = io.Copy(w, reader)
}

// Stream serves the raw upload progressively with single-range support, for
// assets that have not been transcoded yet.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	asset, _, ok := h.lookupAsset(w, r, "/media/stream/")
	if !ok {
		return
	}
	if !h.authorizePlayback(w, r, asset) {
		return
	}
	if asset.RawInputPath == "" {
		http.NotFound(w, r)
		return
	}
	info, err := h.Blobs.Stat(asset.RawInputPath)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	reader, err := h.Blobs.Open(asset.RawInputPath)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer reader.Close()

	size := info.Size()
	contentType := mimeForFilename(asset.Filename)
	if contentType == defaultStreamContentType {
		contentType = mimeForFilename(asset.RawInputPath)
	}
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", contentType)

	rangeHeader := strings.TrimSpace(r.Header.Get("Range"))
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		_, _ = io.Copy(w, reader)
		return
	}

	start, end, err := parseByteRange(rangeHeader, size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "invalid range", http.StatusRequestedRangeNotSatisfiable)
		return
	}
	if _, err := reader.Seek(start, io.SeekStart); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("seek failed"))
		return
	}
	length := end - start + 1
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(http.StatusPartialContent)
	_, _ = io.CopyN(w, reader, length)
}

var errInvalidRange = errors.New("invalid range")

// parseByteRange handles a single `bytes=start-end` range. The end offset is
// optional and defaults to the final byte. Multi-range requests are rejected.
func parseByteRange(header string, size int64) (int64, int64, error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return 0, 0, errInvalidRange
	}
	startText, endText, ok := strings.Cut(spec, "-")
	if !ok || strings.TrimSpace(startText) == "" {
		return 0, 0, errInvalidRange
	}
	start, err := strconv.ParseInt(strings.TrimSpace(startText), 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, errInvalidRange
	}
	end := size - 1
	if trimmed := strings.TrimSpace(endText); trimmed != "" {
		end, err = strconv.ParseInt(trimmed, 10, 64)
		if err != nil || end < start {
			return 0, 0, errInvalidRange
		}
		if end >= size {
			end = size - 1
		}
	}
	return start, end, nil
}
