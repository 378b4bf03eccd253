package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

// ErrLockHeld is returned when another owner holds an unexpired lease
var ErrLockHeld = errors.New("lock already held")

// DistributedLock provides leases using DynamoDB conditional writes. The
// outbox processor uses it so only one instance exports at a time.
type DistributedLock struct {
	client    Client
	tableName string
	logger    *zap.Logger
	now       func() time.Time
}

// LockRecord represents a lock record in DynamoDB
type LockRecord struct {
	PK        string `dynamodbav:"PK"` // LOCK#<resource_name>
	SK        string `dynamodbav:"SK"` // LOCK
	LockID    string `dynamodbav:"LockID"`
	Owner     string `dynamodbav:"Owner"`
	ExpiresAt int64  `dynamodbav:"ExpiresAt"` // unix millis
	TTL       int64  `dynamodbav:"TTL"`       // unix seconds, for DynamoDB TTL
}

// NewDistributedLock creates a new distributed lock instance
func NewDistributedLock(client Client, tableName string, logger *zap.Logger) *DistributedLock {
	return &DistributedLock{client: client, tableName: tableName, logger: logger, now: time.Now}
}

func lockKey(resource string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "LOCK#" + resource},
		"SK": &types.AttributeValueMemberS{Value: "LOCK"},
	}
}

// AcquireLock takes the lease for resource if it is free or expired
func (dl *DistributedLock) AcquireLock(ctx context.Context, resource, ownerID string, lease time.Duration) (*Lock, error) {
	now := dl.now()
	expiresAt := now.Add(lease)
	lockID := fmt.Sprintf("%s_%d", ownerID, now.UnixNano())

	item, err := attributevalue.MarshalMap(LockRecord{
		PK:        "LOCK#" + resource,
		SK:        "LOCK",
		LockID:    lockID,
		Owner:     ownerID,
		ExpiresAt: expiresAt.UnixMilli(),
		TTL:       expiresAt.Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock: %w", err)
	}

	cond := expression.AttributeNotExists(expression.Name("PK")).
		Or(expression.Name("ExpiresAt").LessThan(expression.Value(now.UnixMilli())))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return nil, fmt.Errorf("build lock condition: %w", err)
	}

	_, err = dl.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(dl.tableName),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		if isConditionFailure(err) {
			dl.logger.Debug("Failed to acquire lock - already held",
				zap.String("resource", resource),
				zap.String("owner", ownerID),
			)
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, resource)
		}
		return nil, classify("acquire lock", err)
	}

	return &Lock{lock: dl, resource: resource, lockID: lockID, ownerID: ownerID, expiresAt: expiresAt}, nil
}

// ReleaseLock deletes the lease if it is still ours
func (dl *DistributedLock) ReleaseLock(ctx context.Context, resource, lockID string) error {
	cond := expression.Name("LockID").Equal(expression.Value(lockID))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("build release condition: %w", err)
	}
	_, err = dl.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(dl.tableName),
		Key:                       lockKey(resource),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		if isConditionFailure(err) {
			dl.logger.Warn("Lock already released or taken over", zap.String("resource", resource))
			return nil
		}
		return classify("release lock", err)
	}
	return nil
}

// Lock represents an acquired lease
type Lock struct {
	lock      *DistributedLock
	resource  string
	lockID    string
	ownerID   string
	expiresAt time.Time
}

// Release releases the lock
func (l *Lock) Release(ctx context.Context) error {
	return l.lock.ReleaseLock(ctx, l.resource, l.lockID)
}

// IsExpired checks if the lease has run out
func (l *Lock) IsExpired() bool {
	return l.lock.now().After(l.expiresAt)
}
