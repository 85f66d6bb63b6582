package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	attrPK      = "PK"
	attrValue   = "val"
	attrVersion = "ver"
	attrTTL     = "ttl"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoClient.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoClient stores records in a single DynamoDB table keyed by PK.
// Expiry relies on the table's TTL attribute; since DynamoDB deletes expired
// items lazily, every read also filters on ttl.
type DynamoClient struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// NewDynamo creates a DynamoDB-backed Store.
func NewDynamo(api dynamodbAPI, tableName string) (*DynamoClient, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoClient{api: api, tableName: tableName, now: time.Now}, nil
}

// ttlValue returns the Unix expiry timestamp for a write made now.
func (c *DynamoClient) ttlValue(ttl time.Duration) int64 {
	return c.now().Add(ttl).Unix()
}

func (c *DynamoClient) nowValue() *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(c.now().Unix(), 10)}
}

func keyAttr(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{attrPK: &types.AttributeValueMemberS{Value: key}}
}

// Put overwrites the item and bumps its version.
func (c *DynamoClient) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := validateWrite("Put", key, ttl); err != nil {
		return err
	}
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              keyAttr(key),
		UpdateExpression: aws.String("SET #v = :v, #ttl = :ttl ADD #ver :one"),
		ExpressionAttributeNames: map[string]string{
			"#v":   attrValue,
			"#ttl": attrTTL,
			"#ver": attrVersion,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v":   &types.AttributeValueMemberS{Value: string(value)},
			":ttl": &types.AttributeValueMemberN{Value: strconv.FormatInt(c.ttlValue(ttl), 10)},
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: Put: %w", err)
	}
	return nil
}

// Get returns the live item stored under key.
func (c *DynamoClient) Get(ctx context.Context, key string) (Item, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            keyAttr(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Item{}, fmt.Errorf("repository: Get: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return Item{}, ErrNotFound
	}
	expired, err := c.expired(out.Item)
	if err != nil {
		return Item{}, fmt.Errorf("repository: Get decode ttl: %w", err)
	}
	if expired {
		return Item{}, ErrNotFound
	}

	val, err := strAttr(out.Item, attrValue)
	if err != nil {
		return Item{}, fmt.Errorf("repository: Get decode value: %w", err)
	}
	ver, err := intAttr(out.Item, attrVersion)
	if err != nil {
		return Item{}, fmt.Errorf("repository: Get decode version: %w", err)
	}
	return Item{Value: []byte(val), Version: ver}, nil
}

// Delete removes key and reports whether a live item was there.
func (c *DynamoClient) Delete(ctx context.Context, key string) (bool, error) {
	out, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(c.tableName),
		Key:          keyAttr(key),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, fmt.Errorf("repository: Delete: %w", err)
	}
	if out == nil || len(out.Attributes) == 0 {
		return false, nil
	}
	expired, err := c.expired(out.Attributes)
	if err != nil {
		return false, fmt.Errorf("repository: Delete decode ttl: %w", err)
	}
	return !expired, nil
}

// ListKeys scans the table for live keys starting with prefix.
func (c *DynamoClient) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	p := dynamodb.NewScanPaginator(c.api, &dynamodb.ScanInput{
		TableName:            aws.String(c.tableName),
		FilterExpression:     aws.String("begins_with(#pk, :prefix) AND #ttl > :now"),
		ProjectionExpression: aws.String("#pk"),
		ExpressionAttributeNames: map[string]string{
			"#pk":  attrPK,
			"#ttl": attrTTL,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: prefix},
			":now":    c.nowValue(),
		},
	})

	keys := []string{}
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("repository: ListKeys scan: %w", err)
		}
		for _, item := range out.Items {
			k, err := strAttr(item, attrPK)
			if err != nil {
				return nil, fmt.Errorf("repository: ListKeys decode key: %w", err)
			}
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// PutVersioned writes the item only if the stored version matches expected.
// An expired item counts as absent.
func (c *DynamoClient) PutVersioned(ctx context.Context, key string, value []byte, ttl time.Duration, expected int64) (int64, error) {
	if err := validateWrite("PutVersioned", key, ttl); err != nil {
		return 0, err
	}
	next := expected + 1

	in := &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			attrPK:      &types.AttributeValueMemberS{Value: key},
			attrValue:   &types.AttributeValueMemberS{Value: string(value)},
			attrVersion: &types.AttributeValueMemberN{Value: strconv.FormatInt(next, 10)},
			attrTTL:     &types.AttributeValueMemberN{Value: strconv.FormatInt(c.ttlValue(ttl), 10)},
		},
	}
	if expected == 0 {
		in.ConditionExpression = aws.String("attribute_not_exists(#pk) OR #ttl <= :now")
		in.ExpressionAttributeNames = map[string]string{"#pk": attrPK, "#ttl": attrTTL}
		in.ExpressionAttributeValues = map[string]types.AttributeValue{":now": c.nowValue()}
	} else {
		in.ConditionExpression = aws.String("#ver = :expected AND #ttl > :now")
		in.ExpressionAttributeNames = map[string]string{"#ver": attrVersion, "#ttl": attrTTL}
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expected, 10)},
			":now":      c.nowValue(),
		}
	}

	if _, err := c.api.PutItem(ctx, in); err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return 0, ErrVersionConflict
		}
		return 0, fmt.Errorf("repository: PutVersioned: %w", err)
	}
	return next, nil
}

// Ping checks that the table is reachable.
func (c *DynamoClient) Ping(ctx context.Context) error {
	if _, err := c.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(c.tableName)}); err != nil {
		return fmt.Errorf("repository: Ping: %w", err)
	}
	return nil
}

// expired reports whether the item's ttl has passed. Items without a ttl
// never expire.
func (c *DynamoClient) expired(item map[string]types.AttributeValue) (bool, error) {
	if _, ok := item[attrTTL]; !ok {
		return false, nil
	}
	ttl, err := intAttr(item, attrTTL)
	if err != nil {
		return false, err
	}
	return ttl <= c.now().Unix(), nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
