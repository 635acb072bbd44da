package repository

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/google/uuid"
	"github.com/smallbiznis/orderflow/internal/clock"
	"github.com/smallbiznis/orderflow/internal/config"
	"github.com/smallbiznis/orderflow/internal/ledger/domain"
)

// dynamoItem is the table layout. expires_at is the table's TTL attribute.
type dynamoItem struct {
	EventID    string `dynamodbav:"event_id"`
	OrderID    string `dynamodbav:"order_id,omitempty"`
	Cause      string `dynamodbav:"cause"`
	Status     string `dynamodbav:"status"`
	ClaimToken string `dynamodbav:"claim_token,omitempty"`
	AppliedAt  int64  `dynamodbav:"applied_at"`
	ExpiresAt  int64  `dynamodbav:"expires_at"`
}

type DynamoStore struct {
	client    dynamodbiface.DynamoDBAPI
	table     string
	clock     clock.Clock
	retention time.Duration
}

// NewDynamoClient builds a client from the default credential chain.
// A non-empty endpoint targets a local DynamoDB.
func NewDynamoClient(region, endpoint string) (dynamodbiface.DynamoDBAPI, error) {
	cfg := aws.NewConfig().WithRegion(region)
	if endpoint != "" {
		cfg = cfg.WithEndpoint(endpoint)
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            *cfg,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, err
	}
	return dynamodb.New(sess), nil
}

func NewDynamoStore(client dynamodbiface.DynamoDBAPI, table string, clk clock.Clock, retention time.Duration) *DynamoStore {
	return &DynamoStore{client: client, table: table, clock: clk, retention: retention}
}

func (s *DynamoStore) Backend() string { return config.LedgerBackendDynamoDB }

func (s *DynamoStore) HasBeenApplied(ctx context.Context, key string) (bool, error) {
	item, err := s.get(ctx, key)
	if err != nil || item == nil {
		return false, err
	}
	return item.Status == string(domain.EntryStatusApplied), nil
}

func (s *DynamoStore) RecordApplied(ctx context.Context, entry domain.Entry) error {
	if err := domain.ValidKey(entry.EventID); err != nil {
		return err
	}
	err := s.put(ctx, s.applied(entry), "attribute_not_exists(event_id)", nil)
	if isConditionFailed(err) {
		return domain.ErrAlreadyApplied
	}
	return err
}

func (s *DynamoStore) Claim(ctx context.Context, entry domain.Entry, hold time.Duration) (*domain.Claim, error) {
	if err := domain.ValidKey(entry.EventID); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	entry.Status = domain.EntryStatusPending
	entry.ClaimToken = uuid.NewString()
	entry.ExpiresAt = now.Add(hold)
	if entry.AppliedAt.IsZero() {
		entry.AppliedAt = now
	}

	err := s.put(ctx, entry,
		"attribute_not_exists(event_id) OR (#status = :pending AND expires_at < :now)",
		map[string]*dynamodb.AttributeValue{
			":pending": {S: aws.String(string(domain.EntryStatusPending))},
			":now":     {N: aws.String(strconv.FormatInt(now.Unix(), 10))},
		},
	)
	if isConditionFailed(err) {
		existing, getErr := s.get(ctx, entry.EventID)
		if getErr != nil {
			return nil, getErr
		}
		if existing != nil && existing.Status == string(domain.EntryStatusApplied) {
			return nil, domain.ErrAlreadyApplied
		}
		return nil, domain.ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return &domain.Claim{Entry: entry, Token: entry.ClaimToken}, nil
}

func (s *DynamoStore) Commit(ctx context.Context, claim *domain.Claim) error {
	err := s.put(ctx, s.applied(claim.Entry),
		"#status = :pending AND claim_token = :token",
		map[string]*dynamodb.AttributeValue{
			":pending": {S: aws.String(string(domain.EntryStatusPending))},
			":token":   {S: aws.String(claim.Token)},
		},
	)
	if isConditionFailed(err) {
		return domain.ErrConflict
	}
	return err
}

func (s *DynamoStore) Release(ctx context.Context, claim *domain.Claim) error {
	_, err := s.client.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(s.table),
		Key:                      keyOf(claim.Entry.EventID),
		ConditionExpression:      aws.String("#status = :pending AND claim_token = :token"),
		ExpressionAttributeNames: map[string]*string{"#status": aws.String("status")},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":pending": {S: aws.String(string(domain.EntryStatusPending))},
			":token":   {S: aws.String(claim.Token)},
		},
	})
	if isConditionFailed(err) {
		return nil
	}
	return err
}

// Purge deletes expired items ahead of DynamoDB's own TTL sweep, which
// may lag by days.
func (s *DynamoStore) Purge(ctx context.Context, before time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	var keys []string
	err := s.client.ScanPagesWithContext(ctx, &dynamodb.ScanInput{
		TableName:            aws.String(s.table),
		FilterExpression:     aws.String("expires_at < :before"),
		ProjectionExpression: aws.String("event_id"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":before": {N: aws.String(strconv.FormatInt(before.Unix(), 10))},
		},
	}, func(page *dynamodb.ScanOutput, last bool) bool {
		for _, item := range page.Items {
			if id := item["event_id"]; id != nil && id.S != nil {
				keys = append(keys, *id.S)
			}
			if len(keys) >= limit {
				return false
			}
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	var removed int64
	for _, key := range keys {
		_, err := s.client.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
			TableName:           aws.String(s.table),
			Key:                 keyOf(key),
			ConditionExpression: aws.String("expires_at < :before"),
			ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
				":before": {N: aws.String(strconv.FormatInt(before.Unix(), 10))},
			},
		})
		if isConditionFailed(err) {
			continue
		}
		if err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *DynamoStore) put(ctx context.Context, entry domain.Entry, condition string, values map[string]*dynamodb.AttributeValue) error {
	av, err := dynamodbattribute.MarshalMap(toItem(entry))
	if err != nil {
		return err
	}
	input := &dynamodb.PutItemInput{
		TableName:                 aws.String(s.table),
		Item:                      av,
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeValues: values,
	}
	if values != nil && strings.Contains(condition, "#status") {
		input.ExpressionAttributeNames = map[string]*string{"#status": aws.String("status")}
	}
	_, err = s.client.PutItemWithContext(ctx, input)
	return err
}

func (s *DynamoStore) get(ctx context.Context, key string) (*dynamoItem, error) {
	out, err := s.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            keyOf(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var item dynamoItem
	if err := dynamodbattribute.UnmarshalMap(out.Item, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *DynamoStore) applied(entry domain.Entry) domain.Entry {
	if entry.AppliedAt.IsZero() {
		entry.AppliedAt = s.clock.Now()
	}
	entry.Status = domain.EntryStatusApplied
	entry.ClaimToken = ""
	entry.ExpiresAt = entry.AppliedAt.Add(s.retention)
	return entry
}

func toItem(entry domain.Entry) dynamoItem {
	item := dynamoItem{
		EventID:    entry.EventID,
		Cause:      string(entry.Cause),
		Status:     string(entry.Status),
		ClaimToken: entry.ClaimToken,
		AppliedAt:  entry.AppliedAt.Unix(),
		ExpiresAt:  entry.ExpiresAt.Unix(),
	}
	if entry.OrderID != 0 {
		item.OrderID = entry.OrderID.String()
	}
	return item
}

func keyOf(eventID string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		"event_id": {S: aws.String(eventID)},
	}
}

func isConditionFailed(err error) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException
}

var _ domain.Store = (*DynamoStore)(nil)
