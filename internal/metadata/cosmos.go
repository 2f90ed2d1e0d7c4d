package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"

	"github.com/bleepstore/bleepfiles/internal/config"
)

// CosmosAPI is the item-level subset of a Cosmos container client used by
// the tag store. Items are partitioned by object id.
type CosmosAPI interface {
	UpsertItem(ctx context.Context, partitionKey string, item []byte) error
	QueryItems(ctx context.Context, partitionKey, query string, params []azcosmos.QueryParameter) ([][]byte, error)
	DeleteItem(ctx context.Context, partitionKey, id string) error
}

type realCosmosClient struct {
	container *azcosmos.ContainerClient
}

func (c *realCosmosClient) UpsertItem(ctx context.Context, partitionKey string, item []byte) error {
	_, err := c.container.UpsertItem(ctx, azcosmos.NewPartitionKeyString(partitionKey), item, nil)
	return err
}

func (c *realCosmosClient) QueryItems(ctx context.Context, partitionKey, query string, params []azcosmos.QueryParameter) ([][]byte, error) {
	pager := c.container.NewQueryItemsPager(query, azcosmos.NewPartitionKeyString(partitionKey), &azcosmos.QueryOptions{
		QueryParameters: params,
	})
	var items [][]byte
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		items = append(items, resp.Items...)
	}
	return items, nil
}

func (c *realCosmosClient) DeleteItem(ctx context.Context, partitionKey, id string) error {
	_, err := c.container.DeleteItem(ctx, azcosmos.NewPartitionKeyString(partitionKey), id, nil)
	if err != nil && !isCosmosNotFound(err) {
		return err
	}
	return nil
}

func isCosmosNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "NotFound") || strings.Contains(msg, "404")
}

// cosmosTagItem is the JSON document stored per tag.
type cosmosTagItem struct {
	ID       string `json:"id"`
	ObjectID string `json:"object_id"`
	Type     string `json:"type"`
	Key      string `json:"key"`
	Value    string `json:"value"`
}

// CosmosTagStore keeps object tags in an Azure Cosmos DB container whose
// partition key path is /object_id.
type CosmosTagStore struct {
	client CosmosAPI
}

// NewCosmosTagStore connects to the configured Cosmos account with a master key.
func NewCosmosTagStore(cfg *config.CosmosConfig) (*CosmosTagStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cosmos config is required")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("cosmos endpoint is required")
	}

	cred, err := azcosmos.NewKeyCredential(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("creating cosmos key credential: %w", err)
	}
	client, err := azcosmos.NewClientWithKey(cfg.Endpoint, cred, &azcosmos.ClientOptions{
		ClientOptions: policy.ClientOptions{},
	})
	if err != nil {
		return nil, fmt.Errorf("creating cosmos client: %w", err)
	}
	dbClient, err := client.NewDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("getting database client: %w", err)
	}
	containerClient, err := dbClient.NewContainer(cfg.Container)
	if err != nil {
		return nil, fmt.Errorf("getting container client: %w", err)
	}
	return NewCosmosTagStoreWithClient(&realCosmosClient{container: containerClient}), nil
}

// NewCosmosTagStoreWithClient creates a tag store around an existing client.
func NewCosmosTagStoreWithClient(client CosmosAPI) *CosmosTagStore {
	return &CosmosTagStore{client: client}
}

func (s *CosmosTagStore) Close() error {
	return nil
}

func (s *CosmosTagStore) GetTags(ctx context.Context, objectID, prefix string) (map[string]string, error) {
	items, err := s.queryTags(ctx, objectID, prefix)
	if err != nil {
		return nil, err
	}
	tags := make(map[string]string, len(items))
	for _, it := range items {
		tags[it.Key] = it.Value
	}
	return tags, nil
}

func (s *CosmosTagStore) SetTags(ctx context.Context, objectID string, tags map[string]string) error {
	for k, v := range tags {
		data, err := json.Marshal(cosmosTagItem{
			ID:       docIDTag(objectID, k),
			ObjectID: objectID,
			Type:     "tag",
			Key:      k,
			Value:    v,
		})
		if err != nil {
			return fmt.Errorf("marshaling tag %q: %w", k, err)
		}
		if err := s.client.UpsertItem(ctx, objectID, data); err != nil {
			return fmt.Errorf("upserting tag %q: %w", k, err)
		}
	}
	return nil
}

func (s *CosmosTagStore) DeleteTags(ctx context.Context, objectID, prefix string) error {
	items, err := s.queryTags(ctx, objectID, prefix)
	if err != nil {
		return err
	}
	for _, it := range items {
		if err := s.client.DeleteItem(ctx, objectID, it.ID); err != nil {
			return fmt.Errorf("deleting tag %q: %w", it.Key, err)
		}
	}
	return nil
}

func (s *CosmosTagStore) queryTags(ctx context.Context, objectID, prefix string) ([]cosmosTagItem, error) {
	query := "SELECT * FROM c WHERE c.type = 'tag' AND c.object_id = @object_id AND STARTSWITH(c.key, @prefix)"
	params := []azcosmos.QueryParameter{
		{Name: "@object_id", Value: objectID},
		{Name: "@prefix", Value: prefix},
	}
	raw, err := s.client.QueryItems(ctx, objectID, query, params)
	if err != nil {
		return nil, fmt.Errorf("querying tags of %q: %w", objectID, err)
	}
	items := make([]cosmosTagItem, 0, len(raw))
	for _, r := range raw {
		var it cosmosTagItem
		if err := json.Unmarshal(r, &it); err != nil {
			continue
		}
		items = append(items, it)
	}
	return items, nil
}

var _ TagStoreCloser = (*CosmosTagStore)(nil)
