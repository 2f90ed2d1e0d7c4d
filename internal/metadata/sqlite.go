package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	berrors "github.com/bleepstore/bleepfiles/internal/errors"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

const (
	// timeFormat is the ISO 8601 format used for all timestamps in SQLite.
	timeFormat = "2006-01-02T15:04:05.000Z"
)

// SQLiteStore implements Store on top of SQLite. It is the durable,
// single-node metadata backend.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dsn and applies the schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}
	// PRAGMAs are per connection; a single connection keeps foreign keys
	// and the busy timeout in force for every statement.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle for export/import tooling.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS records (
			id         TEXT PRIMARY KEY,
			size_limit INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS objects (
			id            TEXT PRIMARY KEY,
			uri           TEXT NOT NULL DEFAULT '',
			size          INTEGER NOT NULL DEFAULT 0,
			checksum      TEXT NOT NULL DEFAULT '',
			storage_class TEXT NOT NULL DEFAULT 'L',
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS files (
			record_id  TEXT NOT NULL,
			key        TEXT NOT NULL,
			metadata   TEXT NOT NULL DEFAULT '{}',
			status     TEXT NOT NULL DEFAULT '',
			committed  INTEGER NOT NULL DEFAULT 0,
			object_id  TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			PRIMARY KEY (record_id, key),
			FOREIGN KEY (record_id) REFERENCES records(id) ON DELETE CASCADE,
			FOREIGN KEY (object_id) REFERENCES objects(id) ON DELETE SET NULL
		);

		CREATE INDEX IF NOT EXISTS idx_files_object ON files(object_id);

		CREATE TABLE IF NOT EXISTS object_tags (
			object_id TEXT NOT NULL,
			key       TEXT NOT NULL,
			value     TEXT NOT NULL,

			PRIMARY KEY (object_id, key),
			FOREIGN KEY (object_id) REFERENCES objects(id) ON DELETE CASCADE
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`,
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting schema version: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks that the database answers queries.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- Records ----

func (s *SQLiteStore) CreateRecord(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (id, size_limit, created_at) VALUES (?, ?, ?)`,
		rec.ID, rec.SizeLimit, formatTime(rec.CreatedAt),
	)
	if err != nil {
		if isConstraintError(err) {
			return berrors.ErrAlreadyExists.WithMessage("record %s already exists", rec.ID)
		}
		return fmt.Errorf("creating record %q: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*Record, error) {
	var rec Record
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, size_limit, created_at FROM records WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.SizeLimit, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting record %q: %w", id, err)
	}
	rec.CreatedAt = parseTime(createdAt)
	return &rec, nil
}

// DeleteRecord removes the record, its files and their objects and tags.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM objects WHERE id IN (SELECT object_id FROM files WHERE record_id = ? AND object_id IS NOT NULL)`, id,
	)
	if err != nil {
		return fmt.Errorf("deleting objects of record %q: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting record %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return berrors.ErrNotFound.WithMessage("record %s not found", id)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ---- Files ----

const fileColumns = `f.record_id, f.key, f.metadata, f.status, f.committed, f.created_at, f.updated_at,
	o.id, o.uri, o.size, o.checksum, o.storage_class, o.created_at, o.updated_at`

const fileFrom = `FROM files f LEFT JOIN objects o ON o.id = f.object_id`

func (s *SQLiteStore) GetFile(ctx context.Context, recordID, key string) (*FileRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` `+fileFrom+` WHERE f.record_id = ? AND f.key = ?`,
		recordID, key,
	)
	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting file %q: %w", key, err)
	}
	return f, nil
}

func (s *SQLiteStore) CreateFile(ctx context.Context, f *FileRecord) error {
	meta, err := marshalMetadata(f.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE id = ?`, f.RecordID).Scan(&exists); err != nil {
		return fmt.Errorf("checking record %q: %w", f.RecordID, err)
	}
	if exists == 0 {
		return berrors.ErrNotFound.WithMessage("record %s not found", f.RecordID)
	}

	var objectID sql.NullString
	if f.Object != nil {
		if err := insertObject(ctx, tx, f.Object); err != nil {
			return err
		}
		objectID = sql.NullString{String: f.Object.ID, Valid: true}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO files (record_id, key, metadata, status, committed, object_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.RecordID, f.Key, meta, f.Status, boolToInt(f.Committed), objectID,
		formatTime(f.CreatedAt), formatTime(f.UpdatedAt),
	)
	if err != nil {
		if isConstraintError(err) {
			return berrors.ErrAlreadyExists.WithMessage("file %s already exists", f.Key).WithFile(f.Key, nil)
		}
		return fmt.Errorf("creating file %q: %w", f.Key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteFile(ctx context.Context, recordID, key string) (*FileRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+fileColumns+` `+fileFrom+` WHERE f.record_id = ? AND f.key = ?`,
		recordID, key,
	)
	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting file %q: %w", key, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE record_id = ? AND key = ?`, recordID, key); err != nil {
		return nil, fmt.Errorf("deleting file %q: %w", key, err)
	}
	if f.Object != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE id = ?`, f.Object.ID); err != nil {
			return nil, fmt.Errorf("deleting object %q: %w", f.Object.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return f, nil
}

func (s *SQLiteStore) CommitFile(ctx context.Context, recordID, key string) error {
	return s.updateFile(ctx, recordID, key, `committed = 1`)
}

func (s *SQLiteStore) SetFileStatus(ctx context.Context, recordID, key, status string) error {
	return s.updateFile(ctx, recordID, key, `status = ?`, status)
}

func (s *SQLiteStore) updateFile(ctx context.Context, recordID, key, set string, args ...any) error {
	args = append(args, formatTime(time.Now()), recordID, key)
	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET `+set+`, updated_at = ? WHERE record_id = ? AND key = ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("updating file %q: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return berrors.ErrNotFound.WithMessage("file %s not found", key).WithFile(key, nil)
	}
	return nil
}

// AttachObject inserts obj and points the file at it. A previously attached
// object is removed together with its tags.
func (s *SQLiteStore) AttachObject(ctx context.Context, recordID, key string, obj *StorageObject) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var previous sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT object_id FROM files WHERE record_id = ? AND key = ?`, recordID, key,
	).Scan(&previous)
	if err == sql.ErrNoRows {
		return berrors.ErrNotFound.WithMessage("file %s not found", key).WithFile(key, nil)
	}
	if err != nil {
		return fmt.Errorf("getting file %q: %w", key, err)
	}

	if err := insertObject(ctx, tx, obj); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE files SET object_id = ?, updated_at = ? WHERE record_id = ? AND key = ?`,
		obj.ID, formatTime(time.Now()), recordID, key,
	)
	if err != nil {
		return fmt.Errorf("attaching object to %q: %w", key, err)
	}
	if previous.Valid && previous.String != obj.ID {
		if _, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE id = ?`, previous.String); err != nil {
			return fmt.Errorf("deleting replaced object %q: %w", previous.String, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateObject(ctx context.Context, obj *StorageObject) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE objects SET uri = ?, size = ?, checksum = ?, storage_class = ?, updated_at = ? WHERE id = ?`,
		obj.URI, obj.Size, obj.Checksum, obj.StorageClass, formatTime(time.Now()), obj.ID,
	)
	if err != nil {
		return fmt.Errorf("updating object %q: %w", obj.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return berrors.ErrNotFound.WithMessage("object %s not found", obj.ID)
	}
	return nil
}

func (s *SQLiteStore) ListFiles(ctx context.Context, recordID string) ([]*FileRecord, error) {
	rec, err := s.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, berrors.ErrNotFound.WithMessage("record %s not found", recordID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` `+fileFrom+` WHERE f.record_id = ? ORDER BY f.key`,
		recordID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing files of %q: %w", recordID, err)
	}
	defer rows.Close()

	var files []*FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning file row: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// ---- Tags ----

func (s *SQLiteStore) GetTags(ctx context.Context, objectID, prefix string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM object_tags WHERE object_id = ? AND key LIKE ? ESCAPE '\'`,
		objectID, escapeLikePattern(prefix)+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("getting tags of %q: %w", objectID, err)
	}
	defer rows.Close()

	tags := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scanning tag row: %w", err)
		}
		tags[k] = v
	}
	return tags, rows.Err()
}

// SetTags upserts each tag individually.
func (s *SQLiteStore) SetTags(ctx context.Context, objectID string, tags map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for k, v := range tags {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO object_tags (object_id, key, value) VALUES (?, ?, ?)
			 ON CONFLICT (object_id, key) DO UPDATE SET value = excluded.value`,
			objectID, k, v,
		)
		if err != nil {
			return fmt.Errorf("setting tag %q on %q: %w", k, objectID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteTags(ctx context.Context, objectID, prefix string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM object_tags WHERE object_id = ? AND key LIKE ? ESCAPE '\'`,
		objectID, escapeLikePattern(prefix)+"%",
	)
	if err != nil {
		return fmt.Errorf("deleting tags of %q: %w", objectID, err)
	}
	return nil
}

// ---- Helper functions ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*FileRecord, error) {
	var f FileRecord
	var metaStr, createdAt, updatedAt string
	var committed int
	var objID, objURI, objChecksum, objClass, objCreated, objUpdated sql.NullString
	var objSize sql.NullInt64

	err := row.Scan(
		&f.RecordID, &f.Key, &metaStr, &f.Status, &committed, &createdAt, &updatedAt,
		&objID, &objURI, &objSize, &objChecksum, &objClass, &objCreated, &objUpdated,
	)
	if err != nil {
		return nil, err
	}
	f.Committed = committed != 0
	f.CreatedAt = parseTime(createdAt)
	f.UpdatedAt = parseTime(updatedAt)
	if metaStr != "" && metaStr != "{}" {
		if err := json.Unmarshal([]byte(metaStr), &f.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata of %q: %w", f.Key, err)
		}
	}
	if objID.Valid {
		f.Object = &StorageObject{
			ID:           objID.String,
			URI:          objURI.String,
			Size:         objSize.Int64,
			Checksum:     objChecksum.String,
			StorageClass: objClass.String,
			CreatedAt:    parseTime(objCreated.String),
			UpdatedAt:    parseTime(objUpdated.String),
		}
	}
	return &f, nil
}

func insertObject(ctx context.Context, tx *sql.Tx, obj *StorageObject) error {
	now := time.Now()
	if obj.CreatedAt.IsZero() {
		obj.CreatedAt = now
	}
	if obj.UpdatedAt.IsZero() {
		obj.UpdatedAt = now
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO objects (id, uri, size, checksum, storage_class, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		obj.ID, obj.URI, obj.Size, obj.Checksum, obj.StorageClass,
		formatTime(obj.CreatedAt), formatTime(obj.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("creating object %q: %w", obj.ID, err)
	}
	return nil
}

func marshalMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshaling file metadata: %w", err)
	}
	return string(b), nil
}

func isConstraintError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}

// escapeLikePattern escapes LIKE wildcards using backslash. The query must
// carry ESCAPE '\'.
func escapeLikePattern(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

var _ Store = (*SQLiteStore)(nil)
