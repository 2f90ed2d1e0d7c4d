package metadata

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bleepstore/bleepfiles/internal/config"
)

// firestoreBatchLimit is the maximum number of writes in one batch.
const firestoreBatchLimit = 500

// FirestoreAPI is the document-level subset of Firestore used by the tag store.
type FirestoreAPI interface {
	SetDoc(ctx context.Context, collection, docID string, data map[string]any) error
	// QueryDocs returns the data of every document whose field equals value.
	QueryDocs(ctx context.Context, collection, field string, value any) ([]map[string]any, error)
	DeleteDocs(ctx context.Context, collection string, docIDs []string) error
	Close() error
}

// realFirestoreClient wraps the official client to satisfy FirestoreAPI.
type realFirestoreClient struct {
	client *firestore.Client
}

func (c *realFirestoreClient) SetDoc(ctx context.Context, collection, docID string, data map[string]any) error {
	_, err := c.client.Collection(collection).Doc(docID).Set(ctx, data)
	return err
}

func (c *realFirestoreClient) QueryDocs(ctx context.Context, collection, field string, value any) ([]map[string]any, error) {
	docs, err := c.client.Collection(collection).Where(field, "==", value).Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Data())
	}
	return out, nil
}

func (c *realFirestoreClient) DeleteDocs(ctx context.Context, collection string, docIDs []string) error {
	for i := 0; i < len(docIDs); i += firestoreBatchLimit {
		end := i + firestoreBatchLimit
		if end > len(docIDs) {
			end = len(docIDs)
		}
		batch := c.client.Batch()
		for _, id := range docIDs[i:end] {
			batch.Delete(c.client.Collection(collection).Doc(id))
		}
		if _, err := batch.Commit(ctx); err != nil && status.Code(err) != codes.NotFound {
			return err
		}
	}
	return nil
}

func (c *realFirestoreClient) Close() error {
	return c.client.Close()
}

// FirestoreTagStore keeps object tags as one Firestore document per tag.
type FirestoreTagStore struct {
	client     FirestoreAPI
	collection string
}

// NewFirestoreTagStore connects to Firestore using the configured project
// and, optionally, a service account credentials file.
func NewFirestoreTagStore(ctx context.Context, cfg *config.FirestoreConfig) (*FirestoreTagStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("firestore config is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "bleepfiles-tags"
	}
	return NewFirestoreTagStoreWithClient(collection, &realFirestoreClient{client: client}), nil
}

// NewFirestoreTagStoreWithClient creates a tag store around an existing client.
func NewFirestoreTagStoreWithClient(collection string, client FirestoreAPI) *FirestoreTagStore {
	return &FirestoreTagStore{client: client, collection: collection}
}

func (s *FirestoreTagStore) Close() error {
	return s.client.Close()
}

// encodeTagKey makes a tag key safe for use in a document id.
func encodeTagKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func docIDTag(objectID, key string) string {
	return "tag_" + objectID + "_" + encodeTagKey(key)
}

func (s *FirestoreTagStore) GetTags(ctx context.Context, objectID, prefix string) (map[string]string, error) {
	docs, err := s.client.QueryDocs(ctx, s.collection, "object_id", objectID)
	if err != nil {
		return nil, fmt.Errorf("querying tags of %q: %w", objectID, err)
	}
	tags := make(map[string]string)
	for _, doc := range docs {
		k, _ := doc["key"].(string)
		v, _ := doc["value"].(string)
		if strings.HasPrefix(k, prefix) {
			tags[k] = v
		}
	}
	return tags, nil
}

func (s *FirestoreTagStore) SetTags(ctx context.Context, objectID string, tags map[string]string) error {
	for k, v := range tags {
		err := s.client.SetDoc(ctx, s.collection, docIDTag(objectID, k), map[string]any{
			"object_id": objectID,
			"key":       k,
			"value":     v,
		})
		if err != nil {
			return fmt.Errorf("setting tag %q: %w", k, err)
		}
	}
	return nil
}

func (s *FirestoreTagStore) DeleteTags(ctx context.Context, objectID, prefix string) error {
	tags, err := s.GetTags(ctx, objectID, prefix)
	if err != nil {
		return err
	}
	if len(tags) == 0 {
		return nil
	}
	ids := make([]string, 0, len(tags))
	for k := range tags {
		ids = append(ids, docIDTag(objectID, k))
	}
	if err := s.client.DeleteDocs(ctx, s.collection, ids); err != nil {
		return fmt.Errorf("deleting tags of %q: %w", objectID, err)
	}
	return nil
}

var _ TagStoreCloser = (*FirestoreTagStore)(nil)
