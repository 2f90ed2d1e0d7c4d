package storage

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// MemoryBackend keeps file bytes in a map keyed by URI. It optionally
// snapshots its content to a SQLite file so data survives restarts.
type MemoryBackend struct {
	mu           sync.RWMutex
	objects      map[string][]byte
	currentSize  int64
	maxSizeBytes int64

	snapshotPath     string
	snapshotInterval time.Duration
	stopCh           chan struct{}
	wg               sync.WaitGroup
	closeOnce        sync.Once
}

// NewMemoryBackend creates a MemoryBackend. A non-empty snapshotPath loads
// any existing snapshot and, when interval is positive, starts a goroutine
// that writes one periodically.
func NewMemoryBackend(maxSizeBytes int64, snapshotPath string, interval time.Duration) (*MemoryBackend, error) {
	b := &MemoryBackend{
		objects:          make(map[string][]byte),
		maxSizeBytes:     maxSizeBytes,
		snapshotPath:     snapshotPath,
		snapshotInterval: interval,
		stopCh:           make(chan struct{}),
	}

	if snapshotPath != "" {
		if err := b.loadSnapshot(); err != nil {
			return nil, fmt.Errorf("loading snapshot: %w", err)
		}
		if interval > 0 {
			b.wg.Add(1)
			go b.snapshotLoop()
		}
	}
	return b, nil
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) NewURI(objectID string) string {
	return "mem://" + objectID
}

// storeLocked replaces the bytes at uri, enforcing the size cap. The caller
// must hold b.mu.
func (b *MemoryBackend) storeLocked(uri string, data []byte) error {
	delta := int64(len(data)) - int64(len(b.objects[uri]))
	if b.maxSizeBytes > 0 && b.currentSize+delta > b.maxSizeBytes {
		return fmt.Errorf("memory limit exceeded: current=%d, delta=%d, max=%d", b.currentSize, delta, b.maxSizeBytes)
	}
	b.objects[uri] = data
	b.currentSize += delta
	return nil
}

func (b *MemoryBackend) Initialize(ctx context.Context, uri string, size int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.storeLocked(uri, make([]byte, size))
}

func (b *MemoryBackend) Write(ctx context.Context, uri string, r io.Reader, size int64) (int64, string, error) {
	data, err := readExact(r, size)
	if err != nil {
		return 0, "", fmt.Errorf("reading file data: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.storeLocked(uri, data); err != nil {
		return 0, "", err
	}
	return int64(len(data)), Checksum(data), nil
}

// Update copies the part into the preallocated buffer, growing it when the
// write extends past the end.
func (b *MemoryBackend) Update(ctx context.Context, uri string, r io.Reader, seek, size int64) (int64, error) {
	data, err := readExact(r, size)
	if err != nil {
		return 0, fmt.Errorf("reading part data: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	existing, ok := b.objects[uri]
	if !ok {
		return 0, fmt.Errorf("%s: %w", uri, ErrObjectNotFound)
	}
	end := seek + int64(len(data))
	buf := existing
	if end > int64(len(existing)) {
		buf = make([]byte, end)
		copy(buf, existing)
	}
	copy(buf[seek:], data)
	if err := b.storeLocked(uri, buf); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (b *MemoryBackend) Open(ctx context.Context, uri string) (io.ReadCloser, int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.objects[uri]
	if !ok {
		return nil, 0, fmt.Errorf("%s: %w", uri, ErrObjectNotFound)
	}
	// Copy so later Updates don't race the reader.
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	return io.NopCloser(bytes.NewReader(dataCopy)), int64(len(dataCopy)), nil
}

func (b *MemoryBackend) Delete(ctx context.Context, uri string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if data, ok := b.objects[uri]; ok {
		b.currentSize -= int64(len(data))
		delete(b.objects, uri)
	}
	return nil
}

func (b *MemoryBackend) FileURL(uri string) string { return uri }

func (b *MemoryBackend) HealthCheck(ctx context.Context) error { return nil }

// Size returns the total number of bytes held.
func (b *MemoryBackend) Size() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.currentSize
}

// Close stops the snapshot goroutine and writes a final snapshot.
func (b *MemoryBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.stopCh)
		b.wg.Wait()
		if b.snapshotPath != "" {
			if serr := b.writeSnapshot(); serr != nil {
				err = fmt.Errorf("writing final snapshot: %w", serr)
			}
		}
	})
	return err
}

func (b *MemoryBackend) snapshotLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			if err := b.writeSnapshot(); err != nil {
				slog.Error("Memory backend snapshot failed", "error", err)
			}
		}
	}
}

// loadSnapshot restores state from the snapshot file. A missing file is a
// fresh start.
func (b *MemoryBackend) loadSnapshot() error {
	if _, err := os.Stat(b.snapshotPath); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", b.snapshotPath)
	if err != nil {
		return fmt.Errorf("opening snapshot database: %w", err)
	}
	defer db.Close()

	var tableCount int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name = 'blob_snapshots'`).Scan(&tableCount)
	if err != nil {
		return fmt.Errorf("checking snapshot tables: %w", err)
	}
	if tableCount == 0 {
		return nil
	}

	rows, err := db.Query("SELECT uri, data FROM blob_snapshots")
	if err != nil {
		return fmt.Errorf("querying blob snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var uri string
		var data []byte
		if err := rows.Scan(&uri, &data); err != nil {
			return fmt.Errorf("scanning blob snapshot row: %w", err)
		}
		b.objects[uri] = data
		b.currentSize += int64(len(data))
	}
	return rows.Err()
}

// writeSnapshot writes the current state to a temp database and renames it
// over the snapshot path.
func (b *MemoryBackend) writeSnapshot() error {
	b.mu.RLock()
	objectsCopy := make(map[string][]byte, len(b.objects))
	for k, v := range b.objects {
		objectsCopy[k] = v
	}
	b.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(b.snapshotPath), 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}

	tmpPath := b.snapshotPath + ".tmp"
	os.Remove(tmpPath)

	fail := func(db *sql.DB, err error) error {
		db.Close()
		os.Remove(tmpPath)
		return err
	}

	db, err := sql.Open("sqlite", tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp snapshot database: %w", err)
	}

	schema := `
		PRAGMA synchronous = FULL;

		CREATE TABLE blob_snapshots (
			uri  TEXT PRIMARY KEY,
			data BLOB NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		return fail(db, fmt.Errorf("creating snapshot schema: %w", err))
	}

	tx, err := db.Begin()
	if err != nil {
		return fail(db, fmt.Errorf("beginning snapshot transaction: %w", err))
	}

	uris := make([]string, 0, len(objectsCopy))
	for k := range objectsCopy {
		uris = append(uris, k)
	}
	sort.Strings(uris)

	for _, uri := range uris {
		if _, err := tx.Exec("INSERT INTO blob_snapshots (uri, data) VALUES (?, ?)", uri, objectsCopy[uri]); err != nil {
			tx.Rollback()
			return fail(db, fmt.Errorf("inserting blob snapshot for %q: %w", uri, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fail(db, fmt.Errorf("committing snapshot transaction: %w", err))
	}
	if err := db.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp snapshot database: %w", err)
	}
	if err := os.Rename(tmpPath, b.snapshotPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming snapshot file: %w", err)
	}
	return nil
}

var _ Backend = (*MemoryBackend)(nil)
