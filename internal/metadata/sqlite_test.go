package metadata

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	berrors "github.com/bleepstore/bleepfiles/internal/errors"
)

// newTestStore creates a SQLiteStore backed by a temporary database file.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore(%q) failed: %v", dbPath, err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// storeFactories lists every full Store implementation so the behaviour
// tests below run against each of them.
func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"sqlite": func(t *testing.T) Store { return newTestStore(t) },
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
	}
}

func seedRecord(t *testing.T, store Store, id string) *Record {
	t.Helper()
	rec := &Record{ID: id, SizeLimit: 1024, CreatedAt: time.Now().UTC().Truncate(time.Millisecond)}
	if err := store.CreateRecord(context.Background(), rec); err != nil {
		t.Fatalf("CreateRecord(%q) failed: %v", id, err)
	}
	return rec
}

func TestRecordCRUD(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			seedRecord(t, store, "rec1")

			got, err := store.GetRecord(ctx, "rec1")
			if err != nil {
				t.Fatalf("GetRecord: %v", err)
			}
			if got == nil || got.SizeLimit != 1024 {
				t.Fatalf("GetRecord = %+v, want size limit 1024", got)
			}

			err = store.CreateRecord(ctx, &Record{ID: "rec1"})
			if !errors.Is(err, berrors.ErrAlreadyExists) {
				t.Errorf("duplicate CreateRecord error = %v, want ErrAlreadyExists", err)
			}

			missing, err := store.GetRecord(ctx, "nope")
			if err != nil || missing != nil {
				t.Errorf("GetRecord(nope) = %v, %v; want nil, nil", missing, err)
			}

			if err := store.DeleteRecord(ctx, "rec1"); err != nil {
				t.Fatalf("DeleteRecord: %v", err)
			}
			if err := store.DeleteRecord(ctx, "rec1"); !errors.Is(err, berrors.ErrNotFound) {
				t.Errorf("second DeleteRecord error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestFileLifecycle(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			seedRecord(t, store, "rec1")

			f := &FileRecord{
				RecordID: "rec1",
				Key:      "data.bin",
				Metadata: map[string]any{"title": "Data"},
			}
			if err := store.CreateFile(ctx, f); err != nil {
				t.Fatalf("CreateFile: %v", err)
			}
			if err := store.CreateFile(ctx, f); !errors.Is(err, berrors.ErrAlreadyExists) {
				t.Errorf("duplicate CreateFile error = %v, want ErrAlreadyExists", err)
			}

			got, err := store.GetFile(ctx, "rec1", "data.bin")
			if err != nil {
				t.Fatalf("GetFile: %v", err)
			}
			if got.Object != nil {
				t.Error("new file should have no object")
			}
			if got.Metadata["title"] != "Data" {
				t.Errorf("Metadata = %v", got.Metadata)
			}

			obj := &StorageObject{ID: "obj1", URI: "file:///tmp/obj1", Size: 10, Checksum: "md5:abc", StorageClass: "L"}
			if err := store.AttachObject(ctx, "rec1", "data.bin", obj); err != nil {
				t.Fatalf("AttachObject: %v", err)
			}
			if err := store.CommitFile(ctx, "rec1", "data.bin"); err != nil {
				t.Fatalf("CommitFile: %v", err)
			}

			got, _ = store.GetFile(ctx, "rec1", "data.bin")
			if !got.Committed {
				t.Error("file should be committed")
			}
			if got.ObjectID() != "obj1" || got.StorageClass() != "L" || got.Object.Size != 10 {
				t.Errorf("Object = %+v", got.Object)
			}

			obj.StorageClass = "M"
			obj.Checksum = "multipart:unknown"
			if err := store.UpdateObject(ctx, obj); err != nil {
				t.Fatalf("UpdateObject: %v", err)
			}
			got, _ = store.GetFile(ctx, "rec1", "data.bin")
			if got.StorageClass() != "M" || got.Object.Checksum != "multipart:unknown" {
				t.Errorf("after UpdateObject: %+v", got.Object)
			}

			if err := store.SetFileStatus(ctx, "rec1", "data.bin", StatusFailed); err != nil {
				t.Fatalf("SetFileStatus: %v", err)
			}

			files, err := store.ListFiles(ctx, "rec1")
			if err != nil {
				t.Fatalf("ListFiles: %v", err)
			}
			if len(files) != 1 || files[0].Status != StatusFailed {
				t.Fatalf("ListFiles = %+v", files)
			}

			deleted, err := store.DeleteFile(ctx, "rec1", "data.bin")
			if err != nil {
				t.Fatalf("DeleteFile: %v", err)
			}
			if deleted == nil || deleted.ObjectID() != "obj1" {
				t.Fatalf("DeleteFile returned %+v", deleted)
			}
			again, err := store.DeleteFile(ctx, "rec1", "data.bin")
			if err != nil || again != nil {
				t.Errorf("second DeleteFile = %v, %v; want nil, nil", again, err)
			}
		})
	}
}

func TestCreateFileWithObject(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			seedRecord(t, store, "rec1")

			f := &FileRecord{
				RecordID: "rec1",
				Key:      "remote.txt",
				Object:   &StorageObject{ID: "o-r", URI: "https://example.org/remote.txt", StorageClass: "R"},
			}
			if err := store.CreateFile(ctx, f); err != nil {
				t.Fatalf("CreateFile: %v", err)
			}
			got, _ := store.GetFile(ctx, "rec1", "remote.txt")
			if got.StorageClass() != "R" || got.Object.URI != "https://example.org/remote.txt" {
				t.Errorf("Object = %+v", got.Object)
			}
		})
	}
}

func TestCreateFileUnknownRecord(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			err := store.CreateFile(context.Background(), &FileRecord{RecordID: "ghost", Key: "a"})
			if !errors.Is(err, berrors.ErrNotFound) {
				t.Errorf("CreateFile error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestTags(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			seedRecord(t, store, "rec1")
			f := &FileRecord{RecordID: "rec1", Key: "big.bin", Object: &StorageObject{ID: "obj-m", StorageClass: "M"}}
			if err := store.CreateFile(ctx, f); err != nil {
				t.Fatalf("CreateFile: %v", err)
			}

			err := store.SetTags(ctx, "obj-m", map[string]string{
				"multipart:parts":     "4",
				"multipart:part_size": "100",
				"other":               "keep",
			})
			if err != nil {
				t.Fatalf("SetTags: %v", err)
			}
			if err := store.SetTags(ctx, "obj-m", map[string]string{"multipart:etag_1": "e1"}); err != nil {
				t.Fatalf("SetTags delta: %v", err)
			}

			tags, err := store.GetTags(ctx, "obj-m", "multipart:")
			if err != nil {
				t.Fatalf("GetTags: %v", err)
			}
			if len(tags) != 3 || tags["multipart:parts"] != "4" || tags["multipart:etag_1"] != "e1" {
				t.Errorf("GetTags = %v", tags)
			}

			if err := store.DeleteTags(ctx, "obj-m", "multipart:"); err != nil {
				t.Fatalf("DeleteTags: %v", err)
			}
			tags, _ = store.GetTags(ctx, "obj-m", "")
			if len(tags) != 1 || tags["other"] != "keep" {
				t.Errorf("after DeleteTags = %v", tags)
			}

			if _, err := store.DeleteFile(ctx, "rec1", "big.bin"); err != nil {
				t.Fatalf("DeleteFile: %v", err)
			}
			tags, _ = store.GetTags(ctx, "obj-m", "")
			if len(tags) != 0 {
				t.Errorf("tags survived file deletion: %v", tags)
			}
		})
	}
}

func TestTagPrefixIsLiteral(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedRecord(t, store, "rec1")
	f := &FileRecord{RecordID: "rec1", Key: "k", Object: &StorageObject{ID: "obj", StorageClass: "M"}}
	if err := store.CreateFile(ctx, f); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	store.SetTags(ctx, "obj", map[string]string{"a_b": "1", "axb": "2"})

	tags, err := store.GetTags(ctx, "obj", "a_")
	if err != nil {
		t.Fatalf("GetTags: %v", err)
	}
	if len(tags) != 1 || tags["a_b"] != "1" {
		t.Errorf("GetTags(a_) = %v, want only a_b", tags)
	}
}

func TestConcurrentTagUpserts(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			seedRecord(t, store, "rec1")
			f := &FileRecord{RecordID: "rec1", Key: "k", Object: &StorageObject{ID: "obj", StorageClass: "M"}}
			if err := store.CreateFile(ctx, f); err != nil {
				t.Fatalf("CreateFile: %v", err)
			}

			var wg sync.WaitGroup
			for i := 1; i <= 8; i++ {
				wg.Add(1)
				go func(part int) {
					defer wg.Done()
					key := fmt.Sprintf("multipart:etag_%d", part)
					if err := store.SetTags(ctx, "obj", map[string]string{key: "x"}); err != nil {
						t.Errorf("SetTags(%s): %v", key, err)
					}
				}(i)
			}
			wg.Wait()

			tags, _ := store.GetTags(ctx, "obj", "multipart:")
			if len(tags) != 8 {
				t.Errorf("got %d tags, want 8: %v", len(tags), tags)
			}
		})
	}
}

func TestDeleteRecordCascades(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			seedRecord(t, store, "rec1")
			f := &FileRecord{RecordID: "rec1", Key: "k", Object: &StorageObject{ID: "obj", StorageClass: "M"}}
			if err := store.CreateFile(ctx, f); err != nil {
				t.Fatalf("CreateFile: %v", err)
			}
			store.SetTags(ctx, "obj", map[string]string{"multipart:parts": "2"})

			if err := store.DeleteRecord(ctx, "rec1"); err != nil {
				t.Fatalf("DeleteRecord: %v", err)
			}
			if got, _ := store.GetFile(ctx, "rec1", "k"); got != nil {
				t.Error("file survived record deletion")
			}
			if tags, _ := store.GetTags(ctx, "obj", ""); len(tags) != 0 {
				t.Errorf("tags survived record deletion: %v", tags)
			}
		})
	}
}

func TestSQLiteReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "persist.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	seedRecord(t, store, "rec1")
	store.Close()

	store, err = NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	defer store.Close()
	if rec, _ := store.GetRecord(context.Background(), "rec1"); rec == nil {
		t.Fatal("record lost after reopen")
	}
}
