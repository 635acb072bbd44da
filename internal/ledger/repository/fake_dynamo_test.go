package repository

import (
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
)

// fakeDynamo evaluates only the condition expressions DynamoStore issues.
type fakeDynamo struct {
	dynamodbiface.DynamoDBAPI

	mu    sync.Mutex
	items map[string]map[string]*dynamodb.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[string]map[string]*dynamodb.AttributeValue{}}
}

func conditionFailed() error {
	return awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "The conditional request failed", nil)
}

func attrS(item map[string]*dynamodb.AttributeValue, name string) string {
	if v := item[name]; v != nil && v.S != nil {
		return *v.S
	}
	return ""
}

func attrN(item map[string]*dynamodb.AttributeValue, name string) int64 {
	if v := item[name]; v != nil && v.N != nil {
		n, _ := strconv.ParseInt(*v.N, 10, 64)
		return n
	}
	return 0
}

func valueS(values map[string]*dynamodb.AttributeValue, name string) string {
	return attrS(values, name)
}

func valueN(values map[string]*dynamodb.AttributeValue, name string) int64 {
	return attrN(values, name)
}

func (f *fakeDynamo) check(existing map[string]*dynamodb.AttributeValue, condition string, values map[string]*dynamodb.AttributeValue) bool {
	switch condition {
	case "":
		return true
	case "attribute_not_exists(event_id)":
		return existing == nil
	case "attribute_not_exists(event_id) OR (#status = :pending AND expires_at < :now)":
		return existing == nil ||
			(attrS(existing, "status") == valueS(values, ":pending") && attrN(existing, "expires_at") < valueN(values, ":now"))
	case "#status = :pending AND claim_token = :token":
		return existing != nil &&
			attrS(existing, "status") == valueS(values, ":pending") &&
			attrS(existing, "claim_token") == valueS(values, ":token")
	case "expires_at < :before":
		return existing != nil && attrN(existing, "expires_at") < valueN(values, ":before")
	}
	panic("unsupported condition: " + condition)
}

func (f *fakeDynamo) PutItemWithContext(_ aws.Context, in *dynamodb.PutItemInput, _ ...request.Option) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := attrS(in.Item, "event_id")
	if !f.check(f.items[key], aws.StringValue(in.ConditionExpression), in.ExpressionAttributeValues) {
		return nil, conditionFailed()
	}
	f.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItemWithContext(_ aws.Context, in *dynamodb.GetItemInput, _ ...request.Option) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[attrS(in.Key, "event_id")]}, nil
}

func (f *fakeDynamo) DeleteItemWithContext(_ aws.Context, in *dynamodb.DeleteItemInput, _ ...request.Option) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := attrS(in.Key, "event_id")
	if !f.check(f.items[key], aws.StringValue(in.ConditionExpression), in.ExpressionAttributeValues) {
		return nil, conditionFailed()
	}
	delete(f.items, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) ScanPagesWithContext(_ aws.Context, in *dynamodb.ScanInput, fn func(*dynamodb.ScanOutput, bool) bool, _ ...request.Option) error {
	f.mu.Lock()
	var items []map[string]*dynamodb.AttributeValue
	for _, item := range f.items {
		if f.check(item, aws.StringValue(in.FilterExpression), in.ExpressionAttributeValues) {
			items = append(items, map[string]*dynamodb.AttributeValue{"event_id": item["event_id"]})
		}
	}
	f.mu.Unlock()
	fn(&dynamodb.ScanOutput{Items: items}, true)
	return nil
}
