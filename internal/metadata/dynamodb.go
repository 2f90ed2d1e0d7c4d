package metadata

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/bleepstore/bleepfiles/internal/config"
)

// dynamoBatchSize is the BatchWriteItem request limit.
const dynamoBatchSize = 25

// DynamoDBAPI is the subset of the DynamoDB client used by the tag store.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDBTagStore keeps object tags in a single DynamoDB table. Each tag
// is its own item (pk = OBJECT#<id>, sk = TAG#<key>), so writing one tag
// never touches another.
type DynamoDBTagStore struct {
	client    DynamoDBAPI
	tableName string
}

// NewDynamoDBTagStore creates a tag store from configuration, using the
// default AWS credential chain.
func NewDynamoDBTagStore(ctx context.Context, cfg *config.DynamoDBConfig) (*DynamoDBTagStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("dynamodb config is required")
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	if cfg.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.EndpointURL)
	}

	return NewDynamoDBTagStoreWithClient(cfg.Table, dynamodb.NewFromConfig(awsCfg)), nil
}

// NewDynamoDBTagStoreWithClient creates a tag store around an existing client.
func NewDynamoDBTagStoreWithClient(table string, client DynamoDBAPI) *DynamoDBTagStore {
	return &DynamoDBTagStore{client: client, tableName: table}
}

// Ping checks that the table is reachable.
func (s *DynamoDBTagStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	return err
}

func (s *DynamoDBTagStore) Close() error {
	return nil
}

func pkTagObject(objectID string) string {
	return "OBJECT#" + objectID
}

func skTag(key string) string {
	return "TAG#" + key
}

func (s *DynamoDBTagStore) GetTags(ctx context.Context, objectID, prefix string) (map[string]string, error) {
	items, err := s.queryTags(ctx, objectID, prefix)
	if err != nil {
		return nil, err
	}
	tags := make(map[string]string, len(items))
	for _, item := range items {
		tags[strings.TrimPrefix(getString(item, "sk"), "TAG#")] = getString(item, "value")
	}
	return tags, nil
}

func (s *DynamoDBTagStore) SetTags(ctx context.Context, objectID string, tags map[string]string) error {
	for k, v := range tags {
		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.tableName),
			Item: map[string]types.AttributeValue{
				"pk":    &types.AttributeValueMemberS{Value: pkTagObject(objectID)},
				"sk":    &types.AttributeValueMemberS{Value: skTag(k)},
				"type":  &types.AttributeValueMemberS{Value: "tag"},
				"value": &types.AttributeValueMemberS{Value: v},
			},
		})
		if err != nil {
			return fmt.Errorf("putting tag %q: %w", k, err)
		}
	}
	return nil
}

func (s *DynamoDBTagStore) DeleteTags(ctx context.Context, objectID, prefix string) error {
	items, err := s.queryTags(ctx, objectID, prefix)
	if err != nil {
		return err
	}

	for i := 0; i < len(items); i += dynamoBatchSize {
		end := i + dynamoBatchSize
		if end > len(items) {
			end = len(items)
		}
		var writeRequests []types.WriteRequest
		for _, item := range items[i:end] {
			writeRequests = append(writeRequests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{
					Key: map[string]types.AttributeValue{
						"pk": item["pk"],
						"sk": item["sk"],
					},
				},
			})
		}
		_, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{
				s.tableName: writeRequests,
			},
		})
		if err != nil {
			return fmt.Errorf("deleting tags of %q: %w", objectID, err)
		}
	}
	return nil
}

func (s *DynamoDBTagStore) queryTags(ctx context.Context, objectID, prefix string) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	var exclusiveStartKey map[string]types.AttributeValue
	for {
		resp, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: pkTagObject(objectID)},
				":prefix": &types.AttributeValueMemberS{Value: skTag(prefix)},
			},
			ExclusiveStartKey: exclusiveStartKey,
		})
		if err != nil {
			return nil, fmt.Errorf("querying tags of %q: %w", objectID, err)
		}
		items = append(items, resp.Items...)
		if resp.LastEvaluatedKey == nil {
			break
		}
		exclusiveStartKey = resp.LastEvaluatedKey
	}
	return items, nil
}

func getString(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

var _ TagStoreCloser = (*DynamoDBTagStore)(nil)
