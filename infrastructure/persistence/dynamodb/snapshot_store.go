package dynamodb

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"graphcore/application/ports"
	"graphcore/domain/core/valueobjects"
	"graphcore/domain/versioning"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

// snapshotItem represents the DynamoDB item structure for a snapshot
type snapshotItem struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	GraphID   string `dynamodbav:"GraphID"`
	Version   uint64 `dynamodbav:"Version"`
	Checksum  string `dynamodbav:"Checksum"`
	NodeCount int    `dynamodbav:"NodeCount"`
	EdgeCount int    `dynamodbav:"EdgeCount"`
	State     string `dynamodbav:"State"`
	TakenAt   string `dynamodbav:"TakenAt"`
}

// SnapshotStore implements ports.SnapshotStore on DynamoDB
type SnapshotStore struct {
	client    Client
	tableName string
	logger    *zap.Logger
}

var _ ports.SnapshotStore = (*SnapshotStore)(nil)

// NewSnapshotStore creates a new SnapshotStore
func NewSnapshotStore(client Client, tableName string, logger *zap.Logger) *SnapshotStore {
	return &SnapshotStore{client: client, tableName: tableName, logger: logger}
}

// Save persists a snapshot
func (s *SnapshotStore) Save(ctx context.Context, snap *versioning.Snapshot) error {
	if snap == nil || snap.GraphID.IsZero() {
		return fmt.Errorf("invalid snapshot")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	desc := snap.Describe()
	item, err := attributevalue.MarshalMap(snapshotItem{
		PK:        snapshotPK(snap.GraphID.String()),
		SK:        snapshotSK(snap.Version),
		GraphID:   desc.GraphID,
		Version:   desc.Version,
		Checksum:  desc.Checksum,
		NodeCount: desc.NodeCount,
		EdgeCount: desc.EdgeCount,
		State:     string(data),
		TakenAt:   desc.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot item: %w", err)
	}

	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	}); err != nil {
		return classify("save snapshot", err)
	}
	s.logger.Debug("Saved snapshot",
		zap.String("graph_id", desc.GraphID),
		zap.Uint64("version", desc.Version),
	)
	return nil
}

func (s *SnapshotStore) query(ctx context.Context, id valueobjects.GraphID, forward bool, limit int32, projection bool) ([]map[string]types.AttributeValue, error) {
	keyCond := expression.Key("PK").Equal(expression.Value(snapshotPK(id.String())))
	builder := expression.NewBuilder().WithKeyCondition(keyCond)
	if projection {
		builder = builder.WithProjection(expression.NamesList(expression.Name("SK"), expression.Name("Version")))
	}
	expr, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("build snapshot query: %w", err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		KeyConditionExpression:    expr.KeyCondition(),
		ProjectionExpression:      expr.Projection(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(forward),
	}
	if limit > 0 {
		input.Limit = aws.Int32(limit)
	}

	var items []map[string]types.AttributeValue
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, classify("query snapshots", err)
		}
		items = append(items, result.Items...)
		if limit > 0 || result.LastEvaluatedKey == nil {
			return items, nil
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
}

func decodeSnapshot(item map[string]types.AttributeValue) (*versioning.Snapshot, error) {
	var record snapshotItem
	if err := attributevalue.UnmarshalMap(item, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot item: %w", err)
	}
	var snap versioning.Snapshot
	if err := json.Unmarshal([]byte(record.State), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Latest queries newest first and takes one item
func (s *SnapshotStore) Latest(ctx context.Context, id valueobjects.GraphID) (*versioning.Snapshot, bool, error) {
	items, err := s.query(ctx, id, false, 1, false)
	if err != nil {
		return nil, false, err
	}
	if len(items) == 0 {
		return nil, false, nil
	}
	snap, err := decodeSnapshot(items[0])
	if err != nil {
		return nil, false, err
	}
	return snap, true, nil
}

// Get loads the snapshot at version
func (s *SnapshotStore) Get(ctx context.Context, id valueobjects.GraphID, version uint64) (*versioning.Snapshot, bool, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: snapshotPK(id.String())},
			"SK": &types.AttributeValueMemberS{Value: snapshotSK(version)},
		},
	})
	if err != nil {
		return nil, false, classify("get snapshot", err)
	}
	if result.Item == nil {
		return nil, false, nil
	}
	snap, err := decodeSnapshot(result.Item)
	if err != nil {
		return nil, false, err
	}
	return snap, true, nil
}

// Versions lists stored versions ascending
func (s *SnapshotStore) Versions(ctx context.Context, id valueobjects.GraphID) ([]uint64, error) {
	items, err := s.query(ctx, id, true, 0, true)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, 0, len(items))
	for _, item := range items {
		sk, ok := item["SK"].(*types.AttributeValueMemberS)
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimPrefix(sk.Value, snapshotSKPre), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid snapshot key %q: %w", sk.Value, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Delete removes one version
func (s *SnapshotStore) Delete(ctx context.Context, id valueobjects.GraphID, version uint64) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: snapshotPK(id.String())},
			"SK": &types.AttributeValueMemberS{Value: snapshotSK(version)},
		},
	})
	if err != nil {
		return classify("delete snapshot", err)
	}
	return nil
}
