package transcode

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"lectern/internal/storage"
)

const (
	// keyURI is the key reference baked into the playlist. The gateway
	// rewrites it to an absolute, authorised route at serve time.
	keyURI = "key.bin"

	manifestName = "index.m3u8"
)

// Result reports where the finished rendition lives inside the blob store.
type Result struct {
	ManifestPath string
	KeyPath      string
}

// PipelineConfig configures a transcode pipeline.
type PipelineConfig struct {
	Blobs          storage.BlobStore
	Encoder        Encoder
	Logger         *slog.Logger
	SegmentSeconds int
}

// Pipeline runs one asset through key generation, ffmpeg encoding and
// post-encode cleanup. A rerun for the same asset starts from a clean output
// directory, so redelivered jobs cannot mix partial outputs.
type Pipeline struct {
	blobs          storage.BlobStore
	encoder        Encoder
	logger         *slog.Logger
	segmentSeconds int
}

// NewPipeline constructs a Pipeline from the provided configuration.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if cfg.Encoder == nil {
		return nil, fmt.Errorf("encoder is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	segment := cfg.SegmentSeconds
	if segment <= 0 {
		segment = 10
	}
	return &Pipeline{blobs: cfg.Blobs, encoder: cfg.Encoder, logger: logger, segmentSeconds: segment}, nil
}

// OutputDir returns the blob-store path holding an asset's rendition.
func OutputDir(assetID string) string {
	return path.Join("hls", assetID)
}

// ManifestPath returns the blob-store path of an asset's playlist.
func ManifestPath(assetID string) string {
	return path.Join(OutputDir(assetID), manifestName)
}

// KeyPath returns the blob-store path of an asset's content key.
func KeyPath(assetID string) string {
	return path.Join(OutputDir(assetID), "key.bin")
}

// Run encodes the raw upload referenced by the job into an encrypted HLS
// rendition. On success the raw upload is removed; on failure it is kept so
// a redelivery can try again.
func (p *Pipeline) Run(ctx context.Context, assetID, inputPath string) (Result, error) {
	if strings.TrimSpace(assetID) == "" {
		return Result{}, fmt.Errorf("asset id is required")
	}
	if strings.TrimSpace(inputPath) == "" {
		return Result{}, fmt.Errorf("input path is required")
	}
	if _, err := p.blobs.Stat(inputPath); err != nil {
		return Result{}, fmt.Errorf("raw upload missing: %w", err)
	}

	outputDir := OutputDir(assetID)
	if err := p.blobs.DeleteTree(outputDir); err != nil {
		return Result{}, fmt.Errorf("reset output dir: %w", err)
	}

	material, err := NewKeyMaterial()
	if err != nil {
		return Result{}, err
	}
	keyPath := KeyPath(assetID)
	if _, err := p.blobs.Save(keyPath, bytes.NewReader(material.Key)); err != nil {
		return Result{}, fmt.Errorf("write content key: %w", err)
	}

	keyInfoPath, cleanup, err := p.writeKeyInfo(keyPath, material.IVHex)
	if err != nil {
		return Result{}, err
	}
	defer cleanup()

	absInput, err := p.blobs.AbsolutePath(inputPath)
	if err != nil {
		return Result{}, err
	}
	absOutput, err := p.blobs.AbsolutePath(outputDir)
	if err != nil {
		return Result{}, err
	}
	if err := os.MkdirAll(absOutput, 0o755); err != nil {
		return Result{}, fmt.Errorf("create output dir: %w", err)
	}

	if err := p.encoder.Encode(ctx, EncodeRequest{
		InputPath:      absInput,
		OutputDir:      absOutput,
		KeyInfoPath:    keyInfoPath,
		SegmentSeconds: p.segmentSeconds,
	}); err != nil {
		return Result{}, fmt.Errorf("encode asset %s: %w", assetID, err)
	}

	manifestPath := ManifestPath(assetID)
	if _, err := p.blobs.Stat(manifestPath); err != nil {
		return Result{}, fmt.Errorf("encoder produced no playlist: %w", err)
	}

	if err := p.blobs.Delete(inputPath); err != nil {
		p.logger.Warn("raw upload cleanup failed", "asset_id", assetID, "path", inputPath, "error", err)
	}
	return Result{ManifestPath: manifestPath, KeyPath: keyPath}, nil
}

// writeKeyInfo produces the three-line descriptor ffmpeg reads for HLS
// encryption. It lives in a temp file outside the served tree and is removed
// once the encode finishes.
func (p *Pipeline) writeKeyInfo(keyPath, ivHex string) (string, func(), error) {
	absKey, err := p.blobs.AbsolutePath(keyPath)
	if err != nil {
		return "", nil, err
	}
	file, err := os.CreateTemp("", "keyinfo-*.txt")
	if err != nil {
		return "", nil, fmt.Errorf("create key info: %w", err)
	}
	content := strings.Join([]string{keyURI, filepath.ToSlash(absKey), ivHex}, "\n") + "\n"
	if _, err := file.WriteString(content); err != nil {
		file.Close()
		os.Remove(file.Name())
		return "", nil, fmt.Errorf("write key info: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return "", nil, fmt.Errorf("close key info: %w", err)
	}
	name := file.Name()
	return name, func() { os.Remove(name) }, nil
}
