package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

// KeyIDIndex is the GSI on key_id (hash) and issued_at (range).
const KeyIDIndex = "GSI1"

var _ IssuanceStore = (*DynamoDBIssuanceStore)(nil)

// DynamoDBAPI is the subset of the DynamoDB client used by the ledger.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoDBIssuanceStore is a DynamoDB implementation of IssuanceStore
type DynamoDBIssuanceStore struct {
	client    DynamoDBAPI
	tableName string
}

// NewDynamoDBIssuanceStore creates a ledger backed by tableName.
func NewDynamoDBIssuanceStore(client DynamoDBAPI, tableName string) *DynamoDBIssuanceStore {
	return &DynamoDBIssuanceStore{
		client:    client,
		tableName: tableName,
	}
}

// Register stores a record, the put is conditional on the serial being new.
func (s *DynamoDBIssuanceStore) Register(ctx context.Context, record *IssuanceRecord) error {
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("failed to marshal issuance record: %w", err)
	}

	cond := expression.AttributeNotExists(expression.Name("serial"))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.tableName),
		Item:                     item,
		ConditionExpression:      expr.Condition(),
		ExpressionAttributeNames: expr.Names(),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrIssuanceAlreadyExists
		}
		return wrapAWSError(err, "failed to register issuance")
	}

	log.Debug().
		Str("serial", record.Serial).
		Str("key_id", record.KeyID).
		Str("fingerprint", record.Fingerprint).
		Msg("issuance registered")

	return nil
}

// Get retrieves a record by serial.
func (s *DynamoDBIssuanceStore) Get(ctx context.Context, serial string) (*IssuanceRecord, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"serial": &types.AttributeValueMemberS{Value: serial},
		},
	})
	if err != nil {
		return nil, wrapAWSError(err, "failed to get issuance")
	}

	if result.Item == nil {
		return nil, ErrIssuanceNotFound
	}

	var record IssuanceRecord
	if err := attributevalue.UnmarshalMap(result.Item, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal issuance record: %w", err)
	}

	return &record, nil
}

// ListByPrincipal queries GSI1 for a key id, newest first.
func (s *DynamoDBIssuanceStore) ListByPrincipal(ctx context.Context, principal string) ([]*IssuanceRecord, error) {
	keyEx := expression.Key("key_id").Equal(expression.Value(principal))
	expr, err := expression.NewBuilder().WithKeyCondition(keyEx).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		IndexName:                 aws.String(KeyIDIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(false),
	})

	var records []*IssuanceRecord
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrapAWSError(err, "failed to query issuances by principal")
		}
		records = append(records, unmarshalRecords(page.Items)...)
	}

	return records, nil
}

// List scans the table. Scans are unordered, results are sorted newest first.
func (s *DynamoDBIssuanceStore) List(ctx context.Context, opts ListOptions) ([]*IssuanceRecord, error) {
	input := &dynamodb.ScanInput{
		TableName: aws.String(s.tableName),
	}

	if opts.Environment != "" {
		filter := expression.Name("environment").Equal(expression.Value(opts.Environment))
		expr, err := expression.NewBuilder().WithFilter(filter).Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build filter expression: %w", err)
		}
		input.FilterExpression = expr.Filter()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	var records []*IssuanceRecord
	paginator := dynamodb.NewScanPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrapAWSError(err, "failed to list issuances")
		}
		records = append(records, unmarshalRecords(page.Items)...)
	}

	sortNewestFirst(records)
	if opts.Limit > 0 && len(records) > opts.Limit {
		records = records[:opts.Limit]
	}

	return records, nil
}

func unmarshalRecords(items []map[string]types.AttributeValue) []*IssuanceRecord {
	records := make([]*IssuanceRecord, 0, len(items))
	for _, item := range items {
		var record IssuanceRecord
		if err := attributevalue.UnmarshalMap(item, &record); err != nil {
			log.Error().Err(err).Msg("failed to unmarshal issuance record, skipping")
			continue
		}
		records = append(records, &record)
	}
	return records
}
