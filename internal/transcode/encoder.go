package transcode

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// EncodeRequest describes a single ffmpeg run: one raw input file encoded
// into an encrypted, segmented HLS rendition under OutputDir.
type EncodeRequest struct {
	InputPath      string
	OutputDir      string
	KeyInfoPath    string
	SegmentSeconds int
}

// Encoder turns a raw upload into HLS output. Implementations must be safe
// for concurrent use; the worker bounds parallelism itself.
type Encoder interface {
	Encode(ctx context.Context, req EncodeRequest) error
}

// FFmpegEncoder shells out to ffmpeg for the actual media work.
type FFmpegEncoder struct {
	Binary string
	Logger *slog.Logger
}

// NewFFmpegEncoder constructs an encoder using the provided ffmpeg binary,
// defaulting to whatever "ffmpeg" resolves to on PATH.
func NewFFmpegEncoder(binary string, logger *slog.Logger) *FFmpegEncoder {
	if strings.TrimSpace(binary) == "" {
		binary = "ffmpeg"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegEncoder{Binary: binary, Logger: logger}
}

func (e *FFmpegEncoder) Encode(ctx context.Context, req EncodeRequest) error {
	args, err := buildEncodeArgs(req)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, e.Binary, args...)
	cmd.Stdout = newLogWriter(e.Logger, "stdout")
	cmd.Stderr = newLogWriter(e.Logger, "stderr")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}

func buildEncodeArgs(req EncodeRequest) ([]string, error) {
	if strings.TrimSpace(req.InputPath) == "" {
		return nil, fmt.Errorf("input path is required")
	}
	if strings.TrimSpace(req.OutputDir) == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if strings.TrimSpace(req.KeyInfoPath) == "" {
		return nil, fmt.Errorf("key info path is required")
	}
	segment := req.SegmentSeconds
	if segment <= 0 {
		segment = 10
	}
	return []string{
		"-y",
		"-i", req.InputPath,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-c:a", "aac",
		"-f", "hls",
		"-hls_time", strconv.Itoa(segment),
		"-hls_playlist_type", "event",
		"-hls_key_info_file", req.KeyInfoPath,
		"-hls_segment_filename", filepath.ToSlash(filepath.Join(req.OutputDir, "segment_%03d.ts")),
		filepath.ToSlash(filepath.Join(req.OutputDir, "index.m3u8")),
	}, nil
}

type logWriter struct {
	logger *slog.Logger
	stream string
}

func newLogWriter(logger *slog.Logger, stream string) *logWriter {
	return &logWriter{logger: logger, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug("ffmpeg output", "stream", w.stream, "line", string(line))
	}
	return total, nil
}
