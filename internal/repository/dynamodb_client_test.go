package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
)

type fakeDynamo struct {
	getOut       *dynamodb.GetItemOutput
	getErr       error
	putErr       error
	updateErr    error
	deleteOut    *dynamodb.DeleteItemOutput
	deleteErr    error
	scanPages    []*dynamodb.ScanOutput
	scanErr      error
	describeErr  error
	lastGetInput *dynamodb.GetItemInput
	lastPutInput *dynamodb.PutItemInput
	lastUpdateIn *dynamodb.UpdateItemInput
	lastDeleteIn *dynamodb.DeleteItemInput
	scanInputs   []*dynamodb.ScanInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdateIn = in
	return &dynamodb.UpdateItemOutput{}, f.updateErr
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.lastDeleteIn = in
	return f.deleteOut, f.deleteErr
}

func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.scanInputs = append(f.scanInputs, in)
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	idx := len(f.scanInputs) - 1
	if idx >= len(f.scanPages) {
		return &dynamodb.ScanOutput{}, nil
	}
	return f.scanPages[idx], nil
}

func (f *fakeDynamo) DescribeTable(_ context.Context, _ *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	return &dynamodb.DescribeTableOutput{}, f.describeErr
}

var fixedNow = time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC)

func makeItem(key, value string, version, ttl int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK:      &types.AttributeValueMemberS{Value: key},
		attrValue:   &types.AttributeValueMemberS{Value: value},
		attrVersion: &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", version)},
		attrTTL:     &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", ttl)},
	}
}

func mustNewDynamo(t *testing.T, db *fakeDynamo) *DynamoClient {
	t.Helper()
	c, err := NewDynamo(db, "test-table")
	require.NoError(t, err)
	c.now = func() time.Time { return fixedNow }
	return c
}

func TestDynamoGet_HappyPath(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{
		Item: makeItem("conversation:abc", `{"x":1}`, 3, fixedNow.Add(time.Hour).Unix()),
	}}
	c := mustNewDynamo(t, db)
	it, err := c.Get(context.Background(), "conversation:abc")
	require.NoError(t, err)
	require.Equal(t, `{"x":1}`, string(it.Value))
	require.Equal(t, int64(3), it.Version)
	require.True(t, *db.lastGetInput.ConsistentRead)
}

func TestDynamoGet_Missing(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	c := mustNewDynamo(t, db)
	_, err := c.Get(context.Background(), "conversation:abc")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDynamoGet_ExpiredNotYetReaped(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{
		Item: makeItem("conversation:abc", `{}`, 1, fixedNow.Add(-time.Second).Unix()),
	}}
	c := mustNewDynamo(t, db)
	_, err := c.Get(context.Background(), "conversation:abc")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDynamoGet_GetItemError(t *testing.T) {
	db := &fakeDynamo{getErr: errors.New("boom")}
	c := mustNewDynamo(t, db)
	_, err := c.Get(context.Background(), "k")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
	require.Contains(t, err.Error(), "Get")
}

func TestDynamoGet_MalformedVersion(t *testing.T) {
	item := makeItem("k", "v", 1, fixedNow.Add(time.Hour).Unix())
	item[attrVersion] = &types.AttributeValueMemberS{Value: "bad"}
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}}
	c := mustNewDynamo(t, db)
	_, err := c.Get(context.Background(), "k")
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode version")
}

func TestDynamoPut_UpdateExpression(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewDynamo(t, db)
	err := c.Put(context.Background(), "model:m1", []byte(`{}`), time.Hour)
	require.NoError(t, err)
	require.Equal(t, "SET #v = :v, #ttl = :ttl ADD #ver :one", *db.lastUpdateIn.UpdateExpression)
	ttl := db.lastUpdateIn.ExpressionAttributeValues[":ttl"].(*types.AttributeValueMemberN).Value
	require.Equal(t, fmt.Sprintf("%d", fixedNow.Add(time.Hour).Unix()), ttl)
}

func TestDynamoPut_Validation(t *testing.T) {
	c := mustNewDynamo(t, &fakeDynamo{})
	require.Error(t, c.Put(context.Background(), " ", []byte("x"), time.Hour))
	require.Error(t, c.Put(context.Background(), "k", []byte("x"), 0))
}

func TestDynamoPut_Error(t *testing.T) {
	c := mustNewDynamo(t, &fakeDynamo{updateErr: errors.New("ProvisionedThroughputExceededException")})
	err := c.Put(context.Background(), "k", []byte("x"), time.Hour)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Put")
}

func TestDynamoPutVersioned_NewItemCondition(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewDynamo(t, db)
	ver, err := c.PutVersioned(context.Background(), "conversation:abc", []byte(`{}`), time.Hour, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), ver)
	require.Equal(t, "attribute_not_exists(#pk) OR #ttl <= :now", *db.lastPutInput.ConditionExpression)
	require.Equal(t, "1", db.lastPutInput.Item[attrVersion].(*types.AttributeValueMemberN).Value)
}

func TestDynamoPutVersioned_ExistingItemCondition(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewDynamo(t, db)
	ver, err := c.PutVersioned(context.Background(), "conversation:abc", []byte(`{}`), time.Hour, 4)
	require.NoError(t, err)
	require.Equal(t, int64(5), ver)
	require.Equal(t, "#ver = :expected AND #ttl > :now", *db.lastPutInput.ConditionExpression)
	require.Equal(t, "4", db.lastPutInput.ExpressionAttributeValues[":expected"].(*types.AttributeValueMemberN).Value)
}

func TestDynamoPutVersioned_ConditionFailed(t *testing.T) {
	db := &fakeDynamo{putErr: fmt.Errorf("operation error: %w", &types.ConditionalCheckFailedException{})}
	c := mustNewDynamo(t, db)
	_, err := c.PutVersioned(context.Background(), "conversation:abc", []byte(`{}`), time.Hour, 2)
	require.ErrorIs(t, err, ErrVersionConflict)
}

func TestDynamoPutVersioned_OtherError(t *testing.T) {
	db := &fakeDynamo{putErr: errors.New("internal server error")}
	c := mustNewDynamo(t, db)
	_, err := c.PutVersioned(context.Background(), "conversation:abc", []byte(`{}`), time.Hour, 2)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrVersionConflict)
	require.Contains(t, err.Error(), "PutVersioned")
}

func TestDynamoDelete_Existing(t *testing.T) {
	db := &fakeDynamo{deleteOut: &dynamodb.DeleteItemOutput{
		Attributes: makeItem("k", "v", 1, fixedNow.Add(time.Minute).Unix()),
	}}
	c := mustNewDynamo(t, db)
	ok, err := c.Delete(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.ReturnValueAllOld, db.lastDeleteIn.ReturnValues)
}

func TestDynamoDelete_MissingOrExpired(t *testing.T) {
	c := mustNewDynamo(t, &fakeDynamo{deleteOut: &dynamodb.DeleteItemOutput{}})
	ok, err := c.Delete(context.Background(), "k")
	require.NoError(t, err)
	require.False(t, ok)

	c = mustNewDynamo(t, &fakeDynamo{deleteOut: &dynamodb.DeleteItemOutput{
		Attributes: makeItem("k", "v", 1, fixedNow.Add(-time.Minute).Unix()),
	}})
	ok, err = c.Delete(context.Background(), "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDynamoListKeys_Paginates(t *testing.T) {
	db := &fakeDynamo{scanPages: []*dynamodb.ScanOutput{
		{
			Items:            []map[string]types.AttributeValue{{attrPK: &types.AttributeValueMemberS{Value: "conversation:a"}}},
			LastEvaluatedKey: map[string]types.AttributeValue{attrPK: &types.AttributeValueMemberS{Value: "conversation:a"}},
		},
		{
			Items: []map[string]types.AttributeValue{{attrPK: &types.AttributeValueMemberS{Value: "conversation:b"}}},
		},
	}}
	c := mustNewDynamo(t, db)
	keys, err := c.ListKeys(context.Background(), ConversationPrefix)
	require.NoError(t, err)
	require.Equal(t, []string{"conversation:a", "conversation:b"}, keys)
	require.Len(t, db.scanInputs, 2)
	require.Equal(t, "begins_with(#pk, :prefix) AND #ttl > :now", *db.scanInputs[0].FilterExpression)
	require.NotNil(t, db.scanInputs[1].ExclusiveStartKey)
}

func TestDynamoListKeys_ScanError(t *testing.T) {
	c := mustNewDynamo(t, &fakeDynamo{scanErr: errors.New("ResourceNotFoundException")})
	_, err := c.ListKeys(context.Background(), ModelPrefix)
	require.Error(t, err)
	require.Contains(t, err.Error(), "ListKeys")
}

func TestDynamoPing(t *testing.T) {
	require.NoError(t, mustNewDynamo(t, &fakeDynamo{}).Ping(context.Background()))
	require.Error(t, mustNewDynamo(t, &fakeDynamo{describeErr: errors.New("no table")}).Ping(context.Background()))
}

func TestNewDynamo_NilAPI(t *testing.T) {
	_, err := NewDynamo(nil, "test-table")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestNewDynamo_EmptyTableName(t *testing.T) {
	_, err := NewDynamo(&fakeDynamo{}, " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}
