package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrBlobNotFound is returned when the requested blob path does not exist.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore persists raw uploads and transcode outputs addressed by relative
// path. Paths use forward slashes and never escape the store root.
type BlobStore interface {
	Save(path string, body io.Reader) (int64, error)
	Open(path string) (io.ReadSeekCloser, error)
	Stat(path string) (fs.FileInfo, error)
	Delete(path string) error
	DeleteTree(path string) error
	// AbsolutePath resolves a store-relative path to an OS path. The transcode
	// encoder runs as a separate process and needs real filesystem locations.
	AbsolutePath(path string) (string, error)
}

// FileBlobStore is a BlobStore rooted at a local media directory.
type FileBlobStore struct {
	root string
}

// NewFileBlobStore creates the root directory when missing and returns a
// filesystem-backed blob store.
func NewFileBlobStore(root string) (*FileBlobStore, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, errors.New("blob store root is required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve blob root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FileBlobStore{root: abs}, nil
}

// Root exposes the absolute root directory of the store.
func (b *FileBlobStore) Root() string {
	return b.root
}

// AbsolutePath resolves the relative path inside the store root, rejecting
// traversal outside it.
func (b *FileBlobStore) AbsolutePath(path string) (string, error) {
	cleaned := filepath.Clean("/" + filepath.FromSlash(strings.TrimSpace(path)))
	resolved := filepath.Join(b.root, cleaned)
	if resolved != b.root && !strings.HasPrefix(resolved, b.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q escapes blob store root", path)
	}
	return resolved, nil
}

// Save streams the body into the blob at path, creating parent directories.
func (b *FileBlobStore) Save(path string, body io.Reader) (int64, error) {
	target, err := b.AbsolutePath(path)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("create blob dir: %w", err)
	}
	file, err := os.Create(target)
	if err != nil {
		return 0, fmt.Errorf("create blob %s: %w", path, err)
	}
	written, err := io.Copy(file, body)
	if err != nil {
		file.Close()
		_ = os.Remove(target)
		return 0, fmt.Errorf("write blob %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return 0, fmt.Errorf("close blob %s: %w", path, err)
	}
	return written, nil
}

// Open returns a seekable reader for the blob at path.
func (b *FileBlobStore) Open(path string) (io.ReadSeekCloser, error) {
	target, err := b.AbsolutePath(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(target)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, path)
	} else if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", path, err)
	}
	return file, nil
}

// Stat reports file metadata for the blob at path.
func (b *FileBlobStore) Stat(path string) (fs.FileInfo, error) {
	target, err := b.AbsolutePath(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(target)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, path)
	} else if err != nil {
		return nil, fmt.Errorf("stat blob %s: %w", path, err)
	}
	return info, nil
}

// Delete removes a single blob. Deleting a missing blob is not an error.
func (b *FileBlobStore) Delete(path string) error {
	target, err := b.AbsolutePath(path)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete blob %s: %w", path, err)
	}
	return nil
}

// DeleteTree removes a blob directory recursively, including the per-asset
// encryption key stored alongside the output.
func (b *FileBlobStore) DeleteTree(path string) error {
	target, err := b.AbsolutePath(path)
	if err != nil {
		return err
	}
	if target == b.root {
		return errors.New("refusing to delete blob store root")
	}
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("delete blob tree %s: %w", path, err)
	}
	return nil
}
