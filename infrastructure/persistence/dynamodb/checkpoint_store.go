package dynamodb

import (
	"context"
	"fmt"
	"time"

	"graphcore/application/ports"
	"graphcore/domain/core/valueobjects"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

type checkpointItem struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	Watermark uint64 `dynamodbav:"Watermark"`
	State     string `dynamodbav:"State"`
	UpdatedAt string `dynamodbav:"UpdatedAt"`
}

// CheckpointStore implements ports.CheckpointStore on DynamoDB
type CheckpointStore struct {
	client    Client
	tableName string
}

var _ ports.CheckpointStore = (*CheckpointStore)(nil)

func NewCheckpointStore(client Client, tableName string) *CheckpointStore {
	return &CheckpointStore{client: client, tableName: tableName}
}

// SaveCheckpoint writes cp unless the stored watermark is further ahead
func (s *CheckpointStore) SaveCheckpoint(ctx context.Context, cp ports.Checkpoint) error {
	item, err := attributevalue.MarshalMap(checkpointItem{
		PK:        checkpointPK(cp.Projection),
		SK:        cp.AggregateID.String(),
		Watermark: cp.Watermark,
		State:     string(cp.State),
		UpdatedAt: cp.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	cond := expression.AttributeNotExists(expression.Name("PK")).
		Or(expression.Name("Watermark").LessThanEqual(expression.Value(cp.Watermark)))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("build checkpoint condition: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.tableName),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		if isConditionFailure(err) {
			return nil
		}
		return classify("save checkpoint", err)
	}
	return nil
}

// LoadCheckpoints queries every checkpoint of a projection
func (s *CheckpointStore) LoadCheckpoints(ctx context.Context, projection string) ([]ports.Checkpoint, error) {
	keyCond := expression.Key("PK").Equal(expression.Value(checkpointPK(projection)))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("build checkpoint query: %w", err)
	}
	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}

	var out []ports.Checkpoint
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, classify("load checkpoints", err)
		}
		for _, raw := range result.Items {
			var item checkpointItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
			}
			id, err := valueobjects.NewGraphIDFromString(item.SK)
			if err != nil {
				return nil, fmt.Errorf("invalid checkpoint key %q: %w", item.SK, err)
			}
			updated, _ := time.Parse(time.RFC3339Nano, item.UpdatedAt)
			out = append(out, ports.Checkpoint{
				Projection:  projection,
				AggregateID: id,
				Watermark:   item.Watermark,
				State:       []byte(item.State),
				UpdatedAt:   updated,
			})
		}
		if result.LastEvaluatedKey == nil {
			return out, nil
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
}
