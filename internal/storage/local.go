package storage

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bleepstore/bleepfiles/internal/uid"
)

// LocalBackend stores files on the local filesystem below RootDir. Object
// paths are sharded by the first characters of the object id, and every
// URI is the absolute path of the stored file.
//
// Whole-file writes are crash-safe: data goes to a temp file that is synced
// and renamed into place. Multipart uploads use the generic path: the file
// is truncated to its final size and parts are written at their offsets.
type LocalBackend struct {
	// RootDir is the base directory under which all files are stored.
	RootDir string
}

// NewLocalBackend creates a LocalBackend rooted at rootDir, creating the
// root and its temp directory when missing.
func NewLocalBackend(rootDir string) (*LocalBackend, error) {
	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("resolving storage root %q: %w", rootDir, err)
	}
	if err := os.MkdirAll(filepath.Join(abs, ".tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root %q: %w", abs, err)
	}
	return &LocalBackend{RootDir: abs}, nil
}

// CleanTempFiles removes leftovers of interrupted writes. It runs on every
// startup.
func (b *LocalBackend) CleanTempFiles() error {
	tmpDir := filepath.Join(b.RootDir, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

func (b *LocalBackend) Name() string { return "local" }

// NewURI shards objects as <root>/ab/cd/<rest>/data.
func (b *LocalBackend) NewURI(objectID string) string {
	if len(objectID) < 5 {
		return filepath.Join(b.RootDir, objectID, "data")
	}
	return filepath.Join(b.RootDir, objectID[:2], objectID[2:4], objectID[4:], "data")
}

// path validates that uri lies inside RootDir.
func (b *LocalBackend) path(uri string) (string, error) {
	p := filepath.Clean(uri)
	if !strings.HasPrefix(p, b.RootDir+string(filepath.Separator)) {
		return "", fmt.Errorf("uri %q is outside storage root", uri)
	}
	return p, nil
}

func (b *LocalBackend) tempPath() string {
	return filepath.Join(b.RootDir, ".tmp", "tmp-"+uid.New())
}

// Initialize creates the file and extends it to size bytes.
func (b *LocalBackend) Initialize(ctx context.Context, uri string, size int64) error {
	p, err := b.path(uri)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating parent directories for %q: %w", p, err)
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("creating %q: %w", p, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return fmt.Errorf("preallocating %q: %w", p, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing %q: %w", p, err)
	}
	return f.Close()
}

// Write stores r at uri via temp file, fsync and rename.
func (b *LocalBackend) Write(ctx context.Context, uri string, r io.Reader, size int64) (int64, string, error) {
	p, err := b.path(uri)
	if err != nil {
		return 0, "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return 0, "", fmt.Errorf("creating parent directories for %q: %w", p, err)
	}

	tmpPath := b.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return 0, "", fmt.Errorf("creating temp file: %w", err)
	}

	h := md5.New()
	n, err := copyExact(tmpFile, io.TeeReader(r, h), size)
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return n, "", fmt.Errorf("writing file data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return n, "", fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return n, "", fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, p); err != nil {
		os.Remove(tmpPath)
		return n, "", fmt.Errorf("renaming temp file to final path: %w", err)
	}
	return n, formatChecksum(h), nil
}

// Update writes size bytes at offset seek of an initialized file.
func (b *LocalBackend) Update(ctx context.Context, uri string, r io.Reader, seek, size int64) (int64, error) {
	p, err := b.path(uri)
	if err != nil {
		return 0, err
	}
	f, err := os.OpenFile(p, os.O_WRONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%s: %w", p, ErrObjectNotFound)
		}
		return 0, fmt.Errorf("opening %q: %w", p, err)
	}
	defer f.Close()

	n, err := copyExact(io.NewOffsetWriter(f, seek), r, size)
	if err != nil {
		return n, fmt.Errorf("writing %d bytes at offset %d: %w", size, seek, err)
	}
	if err := f.Sync(); err != nil {
		return n, fmt.Errorf("syncing %q: %w", p, err)
	}
	return n, nil
}

func (b *LocalBackend) Open(ctx context.Context, uri string) (io.ReadCloser, int64, error) {
	p, err := b.path(uri)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("%s: %w", p, ErrObjectNotFound)
		}
		return nil, 0, fmt.Errorf("opening %q: %w", p, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %q: %w", p, err)
	}
	return f, info.Size(), nil
}

// Delete removes the file and any shard directories it leaves empty.
func (b *LocalBackend) Delete(ctx context.Context, uri string) error {
	p, err := b.path(uri)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %q: %w", p, err)
	}
	for dir := filepath.Dir(p); dir != b.RootDir && strings.HasPrefix(dir, b.RootDir); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			break
		}
	}
	return nil
}

func (b *LocalBackend) FileURL(uri string) string {
	return "file://" + filepath.ToSlash(uri)
}

// HealthCheck verifies the root directory is writable.
func (b *LocalBackend) HealthCheck(ctx context.Context) error {
	probe := b.tempPath()
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		return fmt.Errorf("storage root not writable: %w", err)
	}
	return os.Remove(probe)
}

var _ Backend = (*LocalBackend)(nil)
