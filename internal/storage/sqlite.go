package storage

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteBackend stores file bytes as BLOBs in a SQLite database, suitable
// for small files in single-node or embedded deployments.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the database at dbPath, applies
// PRAGMAs and creates the blob table.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite storage database: %w", err)
	}
	// Part splices are read-modify-write transactions; one connection keeps
	// them serialized and the PRAGMAs in effect.
	db.SetMaxOpenConns(1)

	b := &SQLiteBackend{db: db}
	if err := b.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite storage database: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := b.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS file_blobs (
			uri  TEXT PRIMARY KEY,
			data BLOB NOT NULL
		);
	`
	if _, err := b.db.Exec(schema); err != nil {
		return fmt.Errorf("creating storage schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (b *SQLiteBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *SQLiteBackend) Name() string { return "sqlite" }

func (b *SQLiteBackend) NewURI(objectID string) string {
	return "sqlite://" + objectID
}

// Initialize stores a zero-filled blob of the given size.
func (b *SQLiteBackend) Initialize(ctx context.Context, uri string, size int64) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO file_blobs (uri, data) VALUES (?, zeroblob(?))`,
		uri, size,
	)
	if err != nil {
		return fmt.Errorf("initializing %q: %w", uri, err)
	}
	return nil
}

func (b *SQLiteBackend) Write(ctx context.Context, uri string, r io.Reader, size int64) (int64, string, error) {
	data, err := readExact(r, size)
	if err != nil {
		return 0, "", fmt.Errorf("reading file data: %w", err)
	}

	_, err = b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO file_blobs (uri, data) VALUES (?, ?)`,
		uri, data,
	)
	if err != nil {
		return 0, "", fmt.Errorf("writing %q: %w", uri, err)
	}
	return int64(len(data)), Checksum(data), nil
}

// Update splices the part into the stored blob inside a transaction.
func (b *SQLiteBackend) Update(ctx context.Context, uri string, r io.Reader, seek, size int64) (int64, error) {
	part, err := readExact(r, size)
	if err != nil {
		return 0, fmt.Errorf("reading part data: %w", err)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var data []byte
	err = tx.QueryRowContext(ctx, `SELECT data FROM file_blobs WHERE uri = ?`, uri).Scan(&data)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%s: %w", uri, ErrObjectNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("reading %q: %w", uri, err)
	}

	if end := seek + int64(len(part)); end > int64(len(data)) {
		grown := make([]byte, end)
		copy(grown, data)
		data = grown
	}
	copy(data[seek:], part)

	if _, err := tx.ExecContext(ctx, `UPDATE file_blobs SET data = ? WHERE uri = ?`, data, uri); err != nil {
		return 0, fmt.Errorf("updating %q: %w", uri, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing update of %q: %w", uri, err)
	}
	return int64(len(part)), nil
}

func (b *SQLiteBackend) Open(ctx context.Context, uri string) (io.ReadCloser, int64, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx, `SELECT data FROM file_blobs WHERE uri = ?`, uri).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, 0, fmt.Errorf("%s: %w", uri, ErrObjectNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("reading %q: %w", uri, err)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, uri string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM file_blobs WHERE uri = ?`, uri); err != nil {
		return fmt.Errorf("deleting %q: %w", uri, err)
	}
	return nil
}

func (b *SQLiteBackend) FileURL(uri string) string { return uri }

// HealthCheck runs a trivial query.
func (b *SQLiteBackend) HealthCheck(ctx context.Context) error {
	var n int
	return b.db.QueryRowContext(ctx, `SELECT 1`).Scan(&n)
}

var _ Backend = (*SQLiteBackend)(nil)
