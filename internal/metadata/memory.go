package metadata

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	berrors "github.com/bleepstore/bleepfiles/internal/errors"
)

// MemoryStore is an in-memory Store. Every read returns a copy so callers
// cannot mutate stored state. Intended for tests and ephemeral deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	// files is keyed by record id, then file key.
	files map[string]map[string]*FileRecord
	tags  map[string]map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		files:   make(map[string]map[string]*FileRecord),
		tags:    make(map[string]map[string]string),
	}
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// Ping always succeeds.
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) CreateRecord(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; ok {
		return berrors.ErrAlreadyExists.WithMessage("record %s already exists", rec.ID)
	}
	cp := *rec
	m.records[rec.ID] = &cp
	m.files[rec.ID] = make(map[string]*FileRecord)
	return nil
}

func (m *MemoryStore) GetRecord(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) DeleteRecord(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return berrors.ErrNotFound.WithMessage("record %s not found", id)
	}
	for _, f := range m.files[id] {
		if f.Object != nil {
			delete(m.tags, f.Object.ID)
		}
	}
	delete(m.files, id)
	delete(m.records, id)
	return nil
}

func (m *MemoryStore) GetFile(ctx context.Context, recordID, key string) (*FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[recordID][key]
	if !ok {
		return nil, nil
	}
	return copyFile(f), nil
}

func (m *MemoryStore) CreateFile(ctx context.Context, f *FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	files, ok := m.files[f.RecordID]
	if !ok {
		return berrors.ErrNotFound.WithMessage("record %s not found", f.RecordID)
	}
	if _, exists := files[f.Key]; exists {
		return berrors.ErrAlreadyExists.WithMessage("file %s already exists", f.Key).WithFile(f.Key, nil)
	}
	files[f.Key] = copyFile(f)
	return nil
}

func (m *MemoryStore) DeleteFile(ctx context.Context, recordID, key string) (*FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[recordID][key]
	if !ok {
		return nil, nil
	}
	delete(m.files[recordID], key)
	if f.Object != nil {
		delete(m.tags, f.Object.ID)
	}
	return f, nil
}

func (m *MemoryStore) CommitFile(ctx context.Context, recordID, key string) error {
	return m.mutateFile(recordID, key, func(f *FileRecord) {
		f.Committed = true
	})
}

func (m *MemoryStore) AttachObject(ctx context.Context, recordID, key string, obj *StorageObject) error {
	cp := *obj
	return m.mutateFile(recordID, key, func(f *FileRecord) {
		if f.Object != nil && f.Object.ID != cp.ID {
			delete(m.tags, f.Object.ID)
		}
		f.Object = &cp
	})
}

func (m *MemoryStore) UpdateObject(ctx context.Context, obj *StorageObject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, files := range m.files {
		for _, f := range files {
			if f.Object != nil && f.Object.ID == obj.ID {
				cp := *obj
				cp.CreatedAt = f.Object.CreatedAt
				f.Object = &cp
				f.UpdatedAt = time.Now().UTC()
				return nil
			}
		}
	}
	return berrors.ErrNotFound.WithMessage("object %s not found", obj.ID)
}

func (m *MemoryStore) SetFileStatus(ctx context.Context, recordID, key, status string) error {
	return m.mutateFile(recordID, key, func(f *FileRecord) {
		f.Status = status
	})
}

func (m *MemoryStore) ListFiles(ctx context.Context, recordID string) ([]*FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	files, ok := m.files[recordID]
	if !ok {
		return nil, berrors.ErrNotFound.WithMessage("record %s not found", recordID)
	}
	out := make([]*FileRecord, 0, len(files))
	for _, f := range files {
		out = append(out, copyFile(f))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) mutateFile(recordID, key string, fn func(*FileRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[recordID][key]
	if !ok {
		return berrors.ErrNotFound.WithMessage("file %s not found", key).WithFile(key, nil)
	}
	fn(f)
	f.UpdatedAt = time.Now().UTC()
	return nil
}

// ---- Tags ----

func (m *MemoryStore) GetTags(ctx context.Context, objectID, prefix string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterTags(m.tags[objectID], prefix), nil
}

func (m *MemoryStore) SetTags(ctx context.Context, objectID string, tags map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tags[objectID]
	if !ok {
		t = make(map[string]string, len(tags))
		m.tags[objectID] = t
	}
	for k, v := range tags {
		t[k] = v
	}
	return nil
}

func (m *MemoryStore) DeleteTags(ctx context.Context, objectID, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tags[objectID]
	for k := range t {
		if strings.HasPrefix(k, prefix) {
			delete(t, k)
		}
	}
	if len(t) == 0 {
		delete(m.tags, objectID)
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
