package metadata

import (
	"context"
	"errors"
)

// taggedStore routes tag operations to a dedicated TagStore and everything
// else to the wrapped Store.
type taggedStore struct {
	Store
	tags TagStoreCloser
}

// WithTagStore returns a Store that keeps object tags in tags instead of
// in store. Closing it closes both.
func WithTagStore(store Store, tags TagStoreCloser) Store {
	return &taggedStore{Store: store, tags: tags}
}

func (s *taggedStore) GetTags(ctx context.Context, objectID, prefix string) (map[string]string, error) {
	return s.tags.GetTags(ctx, objectID, prefix)
}

func (s *taggedStore) SetTags(ctx context.Context, objectID string, tags map[string]string) error {
	return s.tags.SetTags(ctx, objectID, tags)
}

func (s *taggedStore) DeleteTags(ctx context.Context, objectID, prefix string) error {
	return s.tags.DeleteTags(ctx, objectID, prefix)
}

func (s *taggedStore) Close() error {
	return errors.Join(s.tags.Close(), s.Store.Close())
}
