// Package serialization exports the metadata database to JSON and imports
// it back. Records, storage objects, files and multipart tags round-trip;
// stored bytes are not part of an export.
//
// An import is checked before anything is written: every file must point at
// an object that exists, multipart tags may only sit on class M objects, and
// every class M object needs its part count. A document failing any of these
// is rejected as a whole with an *IntegrityError.
package serialization

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	Version       = "0.1.0"
	ExportVersion = 1

	multipartClass   = "M"
	multipartPrefix  = "multipart:"
	multipartPartTag = "multipart:parts"
)

// AllTables lists all valid table names in dependency order.
var AllTables = []string{"records", "objects", "files", "object_tags"}

// Envelope describes where and when a document was produced.
type Envelope struct {
	Version       int    `json:"version"`
	ExportedAt    string `json:"exported_at,omitempty"`
	SchemaVersion int    `json:"schema_version,omitempty"`
	Source        string `json:"source,omitempty"`
}

// RecordRow is one row of the records table.
type RecordRow struct {
	ID        string `json:"id"`
	SizeLimit int64  `json:"size_limit"`
	CreatedAt string `json:"created_at"`
}

// ObjectRow is one row of the objects table.
type ObjectRow struct {
	ID           string `json:"id"`
	URI          string `json:"uri"`
	Size         int64  `json:"size"`
	Checksum     string `json:"checksum"`
	StorageClass string `json:"storage_class"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// FileRow is one row of the files table. Metadata is the stored JSON object.
type FileRow struct {
	RecordID  string          `json:"record_id"`
	Key       string          `json:"key"`
	Metadata  json.RawMessage `json:"metadata"`
	Status    string          `json:"status"`
	Committed bool            `json:"committed"`
	ObjectID  *string         `json:"object_id"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

// TagRow is one row of the object_tags table.
type TagRow struct {
	ObjectID string `json:"object_id"`
	Key      string `json:"key"`
	Value    string `json:"value"`
}

// Document is the exported form of the database. A nil table was not
// exported; an empty one was exported and held no rows. Fields are declared
// in key order so the output is sorted.
type Document struct {
	Envelope Envelope     `json:"bleepfiles_export"`
	Files    *[]FileRow   `json:"files,omitempty"`
	Tags     *[]TagRow    `json:"object_tags,omitempty"`
	Objects  *[]ObjectRow `json:"objects,omitempty"`
	Records  *[]RecordRow `json:"records,omitempty"`
}

// ExportOptions configures what to export.
type ExportOptions struct {
	Tables []string
}

// ImportOptions configures how to import.
type ImportOptions struct {
	// Replace empties every table present in the document before inserting.
	Replace bool
	// ExternalTags is set when tags live in a separate tag store, so class M
	// objects are not expected to carry tags in the database.
	ExternalTags bool
}

// ImportResult holds the result of an import operation.
type ImportResult struct {
	Counts   map[string]int
	Skipped  map[string]int
	Warnings []string
}

// IntegrityError lists every inconsistency found in an imported document.
type IntegrityError struct {
	Problems []string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("inconsistent metadata (%d problems): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// ExportMetadata exports metadata from SQLite to a JSON string.
func ExportMetadata(dbPath string, opts *ExportOptions) (string, error) {
	if opts == nil {
		opts = &ExportOptions{Tables: AllTables}
	}

	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return "", fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	doc := &Document{Envelope: Envelope{
		Version:       ExportVersion,
		ExportedAt:    time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		SchemaVersion: schemaVersion(db),
		Source:        "go/" + Version,
	}}
	for _, table := range opts.Tables {
		if err := exportTable(db, doc, table); err != nil {
			return "", err
		}
	}

	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding export: %w", err)
	}
	return string(b), nil
}

func exportTable(db *sql.DB, doc *Document, table string) error {
	switch table {
	case "records":
		rows, err := queryRows(db, table, "SELECT id, size_limit, created_at FROM records ORDER BY id",
			func(s scanner) (RecordRow, error) {
				var r RecordRow
				err := s.Scan(&r.ID, &r.SizeLimit, &r.CreatedAt)
				return r, err
			})
		doc.Records = &rows
		return err
	case "objects":
		rows, err := queryRows(db, table, `SELECT id, uri, size, checksum, storage_class, created_at, updated_at
			FROM objects ORDER BY id`,
			func(s scanner) (ObjectRow, error) {
				var o ObjectRow
				err := s.Scan(&o.ID, &o.URI, &o.Size, &o.Checksum, &o.StorageClass, &o.CreatedAt, &o.UpdatedAt)
				return o, err
			})
		doc.Objects = &rows
		return err
	case "files":
		rows, err := queryRows(db, table, `SELECT record_id, key, metadata, status, committed, object_id, created_at, updated_at
			FROM files ORDER BY record_id, key`,
			func(s scanner) (FileRow, error) {
				var (
					f        FileRow
					meta     string
					objectID sql.NullString
				)
				if err := s.Scan(&f.RecordID, &f.Key, &meta, &f.Status, &f.Committed, &objectID, &f.CreatedAt, &f.UpdatedAt); err != nil {
					return f, err
				}
				f.Metadata = json.RawMessage("{}")
				if json.Valid([]byte(meta)) {
					f.Metadata = json.RawMessage(meta)
				}
				if objectID.Valid {
					f.ObjectID = &objectID.String
				}
				return f, nil
			})
		doc.Files = &rows
		return err
	case "object_tags":
		rows, err := queryRows(db, table, "SELECT object_id, key, value FROM object_tags ORDER BY object_id, key",
			func(s scanner) (TagRow, error) {
				var t TagRow
				err := s.Scan(&t.ObjectID, &t.Key, &t.Value)
				return t, err
			})
		doc.Tags = &rows
		return err
	default:
		return fmt.Errorf("unknown table %q", table)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func queryRows[T any](db *sql.DB, table, query string, scan func(scanner) (T, error)) ([]T, error) {
	rows, err := db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", table, err)
	}
	defer rows.Close()

	out := make([]T, 0)
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", table, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", table, err)
	}
	return out, nil
}

// ImportMetadata imports metadata from a JSON string into SQLite. Without
// Replace, rows whose key already exists are skipped.
func ImportMetadata(dbPath string, jsonStr string, opts *ImportOptions) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}

	var doc Document
	if err := json.Unmarshal([]byte(jsonStr), &doc); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	if v := doc.Envelope.Version; v < 1 || v > ExportVersion {
		return nil, fmt.Errorf("unsupported export version: %d", v)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	// Foreign keys are a per-connection setting.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := checkDocument(tx, &doc, opts); err != nil {
		return nil, err
	}

	if opts.Replace {
		present := map[string]bool{
			"object_tags": doc.Tags != nil,
			"files":       doc.Files != nil,
			"objects":     doc.Objects != nil,
			"records":     doc.Records != nil,
		}
		for _, table := range []string{"object_tags", "files", "objects", "records"} {
			if !present[table] {
				continue
			}
			if _, err := tx.Exec("DELETE FROM " + table); err != nil {
				return nil, fmt.Errorf("deleting %s: %w", table, err)
			}
		}
	}

	result := &ImportResult{
		Counts:  make(map[string]int),
		Skipped: make(map[string]int),
	}
	ins := &inserter{tx: tx, replace: opts.Replace, result: result}
	if doc.Records != nil {
		ins.table("records", []string{"id", "size_limit", "created_at"}, len(*doc.Records), func(i int) []any {
			r := (*doc.Records)[i]
			return []any{r.ID, r.SizeLimit, r.CreatedAt}
		})
	}
	if doc.Objects != nil {
		ins.table("objects", []string{"id", "uri", "size", "checksum", "storage_class", "created_at", "updated_at"}, len(*doc.Objects), func(i int) []any {
			o := (*doc.Objects)[i]
			return []any{o.ID, o.URI, o.Size, o.Checksum, o.StorageClass, o.CreatedAt, o.UpdatedAt}
		})
	}
	if doc.Files != nil {
		ins.table("files", []string{"record_id", "key", "metadata", "status", "committed", "object_id", "created_at", "updated_at"}, len(*doc.Files), func(i int) []any {
			f := (*doc.Files)[i]
			meta := "{}"
			var buf bytes.Buffer
			if err := json.Compact(&buf, f.Metadata); err == nil && buf.String() != "null" {
				meta = buf.String()
			}
			var objectID any
			if f.ObjectID != nil {
				objectID = *f.ObjectID
			}
			return []any{f.RecordID, f.Key, meta, f.Status, f.Committed, objectID, f.CreatedAt, f.UpdatedAt}
		})
	}
	if doc.Tags != nil {
		ins.table("object_tags", []string{"object_id", "key", "value"}, len(*doc.Tags), func(i int) []any {
			t := (*doc.Tags)[i]
			return []any{t.ObjectID, t.Key, t.Value}
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return result, nil
}

type inserter struct {
	tx      *sql.Tx
	replace bool
	result  *ImportResult
}

// table inserts n rows into table, counting inserted and skipped rows. A
// row the database rejects is skipped with a warning.
func (in *inserter) table(table string, columns []string, n int, row func(i int) []any) {
	verb := "INSERT OR IGNORE"
	if in.replace {
		verb = "INSERT"
	}
	query := fmt.Sprintf("%s INTO %s (%s) VALUES (?%s)",
		verb, table, strings.Join(columns, ", "), strings.Repeat(", ?", len(columns)-1))

	inserted, skipped := 0, 0
	for i := 0; i < n; i++ {
		res, err := in.tx.Exec(query, row(i)...)
		if err != nil {
			skipped++
			in.result.Warnings = append(in.result.Warnings, fmt.Sprintf("Skipped %s row: %v", table, err))
			continue
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			inserted++
		} else {
			skipped++
		}
	}
	in.result.Counts[table] = inserted
	in.result.Skipped[table] = skipped
}

// checkDocument verifies the document against itself and, for tables it
// does not replace, against what the database already holds.
func checkDocument(tx *sql.Tx, doc *Document, opts *ImportOptions) error {
	var problems []string

	classes := make(map[string]string)
	if doc.Objects != nil {
		for _, o := range *doc.Objects {
			classes[o.ID] = o.StorageClass
		}
	}
	// classOf resolves an object the document does not carry from the
	// database, unless the objects table is about to be replaced.
	classOf := func(id string) (string, bool, error) {
		if c, ok := classes[id]; ok {
			return c, true, nil
		}
		if opts.Replace && doc.Objects != nil {
			return "", false, nil
		}
		var c string
		err := tx.QueryRow("SELECT storage_class FROM objects WHERE id = ?", id).Scan(&c)
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		if err != nil {
			return "", false, fmt.Errorf("looking up object %s: %w", id, err)
		}
		classes[id] = c
		return c, true, nil
	}

	if doc.Files != nil {
		for _, f := range *doc.Files {
			if f.ObjectID == nil {
				continue
			}
			_, ok, err := classOf(*f.ObjectID)
			if err != nil {
				return err
			}
			if !ok {
				problems = append(problems, fmt.Sprintf("file %s/%s refers to missing object %s", f.RecordID, f.Key, *f.ObjectID))
			}
		}
	}

	hasParts := make(map[string]bool)
	if doc.Tags != nil {
		for _, t := range *doc.Tags {
			if !strings.HasPrefix(t.Key, multipartPrefix) {
				continue
			}
			if t.Key == multipartPartTag {
				hasParts[t.ObjectID] = true
			}
			class, ok, err := classOf(t.ObjectID)
			if err != nil {
				return err
			}
			switch {
			case !ok:
				problems = append(problems, fmt.Sprintf("tag %s on missing object %s", t.Key, t.ObjectID))
			case class != multipartClass:
				problems = append(problems, fmt.Sprintf("tag %s on object %s of class %s", t.Key, t.ObjectID, class))
			}
		}
	}

	if !opts.ExternalTags && doc.Objects != nil {
		for _, o := range *doc.Objects {
			if o.StorageClass != multipartClass || hasParts[o.ID] {
				continue
			}
			if doc.Tags == nil || !opts.Replace {
				var n int
				err := tx.QueryRow("SELECT COUNT(*) FROM object_tags WHERE object_id = ? AND key = ?", o.ID, multipartPartTag).Scan(&n)
				if err != nil {
					return fmt.Errorf("looking up tags of %s: %w", o.ID, err)
				}
				if n > 0 {
					continue
				}
			}
			problems = append(problems, fmt.Sprintf("multipart object %s has no %s tag", o.ID, multipartPartTag))
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return &IntegrityError{Problems: problems}
	}
	return nil
}

func schemaVersion(db *sql.DB) int {
	var version int
	err := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		return 1
	}
	return version
}
