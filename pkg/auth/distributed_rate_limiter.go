package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// CounterAPI is the part of the DynamoDB API the distributed limiter uses
type CounterAPI interface {
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DistributedRateLimiter counts requests per fixed window in DynamoDB so the
// limit holds across Lambda instances. It shares the event table; counters
// expire through the table's TTL attribute.
type DistributedRateLimiter struct {
	client    CounterAPI
	tableName string
	limit     int
	window    time.Duration
	keyPrefix string
	now       func() time.Time
}

type rateLimitEntry struct {
	Count int `dynamodbav:"Count"`
}

// NewDistributedRateLimiter creates a limiter allowing limit requests per window
func NewDistributedRateLimiter(client CounterAPI, tableName string, limit int, window time.Duration, keyPrefix string) *DistributedRateLimiter {
	return &DistributedRateLimiter{
		client:    client,
		tableName: tableName,
		limit:     limit,
		window:    window,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}
}

func (r *DistributedRateLimiter) key(key string, windowStart time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: fmt.Sprintf("RATELIMIT#%s#%s", r.keyPrefix, key)},
		"SK": &types.AttributeValueMemberS{Value: "W#" + strconv.FormatInt(windowStart.Unix(), 10)},
	}
}

// Allow increments the counter of the current window unless it is at the
// limit. Storage errors fail open: the request is allowed and the error
// returned for logging.
func (r *DistributedRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	windowStart := r.now().Truncate(r.window)
	windowEnd := windowStart.Add(r.window)

	out, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 r.key(key, windowStart),
		UpdateExpression:    aws.String("SET #count = if_not_exists(#count, :zero) + :one, #ttl = :ttl"),
		ConditionExpression: aws.String("attribute_not_exists(#count) OR #count < :limit"),
		ExpressionAttributeNames: map[string]string{
			"#count": "Count",
			"#ttl":   "TTL",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero":  &types.AttributeValueMemberN{Value: "0"},
			":one":   &types.AttributeValueMemberN{Value: "1"},
			":limit": &types.AttributeValueMemberN{Value: strconv.Itoa(r.limit)},
			":ttl":   &types.AttributeValueMemberN{Value: strconv.FormatInt(windowEnd.Add(time.Hour).Unix(), 10)},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return false, nil
		}
		return true, fmt.Errorf("rate limiter error (failing open): %w", err)
	}

	var entry rateLimitEntry
	if err := attributevalue.UnmarshalMap(out.Attributes, &entry); err != nil {
		return true, fmt.Errorf("failed to parse rate limit entry (failing open): %w", err)
	}
	return entry.Count <= r.limit, nil
}

// Reset clears the counter of the current window
func (r *DistributedRateLimiter) Reset(ctx context.Context, key string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key:       r.key(key, r.now().Truncate(r.window)),
	})
	return err
}
