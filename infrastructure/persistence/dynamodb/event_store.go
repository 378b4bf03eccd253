package dynamodb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"graphcore/application/ports"
	"graphcore/domain/core/valueobjects"
	"graphcore/domain/events"
	"graphcore/infrastructure/persistence/streams"
	pkgerrors "graphcore/pkg/errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

// PublishStatus represents the export status of an event
type PublishStatus string

const (
	PublishStatusPending   PublishStatus = "pending"
	PublishStatusPublished PublishStatus = "published"
	PublishStatusFailed    PublishStatus = "failed"
)

// EventRecord is how an envelope is stored, with outbox fields alongside
type EventRecord struct {
	PK            string `dynamodbav:"PK"`
	SK            string `dynamodbav:"SK"`
	EventID       string `dynamodbav:"EventID"`
	AggregateID   string `dynamodbav:"AggregateID"`
	Sequence      uint64 `dynamodbav:"Sequence"`
	Timestamp     string `dynamodbav:"Timestamp"`
	EventType     string `dynamodbav:"EventType"`
	SchemaVersion int    `dynamodbav:"SchemaVersion"`
	CausationID   string `dynamodbav:"CausationID,omitempty"`
	CorrelationID string `dynamodbav:"CorrelationID,omitempty"`
	Payload       string `dynamodbav:"Payload"`
	Hash          string `dynamodbav:"Hash"`
	PrevHash      string `dynamodbav:"PrevHash"`

	PublishStatus   string `dynamodbav:"PublishStatus"`
	PublishAttempts int    `dynamodbav:"PublishAttempts"`
	LastPublishTry  string `dynamodbav:"LastPublishTry,omitempty"`
	ErrorMessage    string `dynamodbav:"ErrorMessage,omitempty"`
}

type headRecord struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	Version   uint64 `dynamodbav:"Version"`
	Hash      string `dynamodbav:"Hash"`
	Timestamp string `dynamodbav:"Timestamp"`
}

func toRecord(env events.Envelope) EventRecord {
	return EventRecord{
		PK:            streamPK(env.AggregateID.String()),
		SK:            seqSK(env.Sequence),
		EventID:       env.EventID,
		AggregateID:   env.AggregateID.String(),
		Sequence:      env.Sequence,
		Timestamp:     env.Timestamp.UTC().Format(time.RFC3339Nano),
		EventType:     string(env.Type),
		SchemaVersion: env.SchemaVersion,
		CausationID:   env.CausationID,
		CorrelationID: env.CorrelationID,
		Payload:       string(env.RawPayload),
		Hash:          env.Hash,
		PrevHash:      env.PrevHash,
		PublishStatus: string(PublishStatusPending),
	}
}

// Envelope converts the record back; Payload is left for Hydrate
func (r EventRecord) Envelope() (events.Envelope, error) {
	id, err := valueobjects.NewGraphIDFromString(r.AggregateID)
	if err != nil {
		return events.Envelope{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return events.Envelope{}, fmt.Errorf("failed to parse timestamp: %w", err)
	}
	return events.Envelope{
		EventID:       r.EventID,
		AggregateID:   id,
		Sequence:      r.Sequence,
		Timestamp:     ts.UTC(),
		Type:          events.EventType(r.EventType),
		SchemaVersion: r.SchemaVersion,
		CausationID:   r.CausationID,
		CorrelationID: r.CorrelationID,
		RawPayload:    json.RawMessage(r.Payload),
		Hash:          r.Hash,
		PrevHash:      r.PrevHash,
	}, nil
}

// Option configures a DynamoDBEventLog
type Option func(*DynamoDBEventLog)

// WithClock overrides the time source used to seal envelopes
func WithClock(now func() time.Time) Option {
	return func(l *DynamoDBEventLog) { l.now = now }
}

// WithUpcaster hydrates read envelopes through u
func WithUpcaster(u events.Upcaster) Option {
	return func(l *DynamoDBEventLog) { l.upcaster = u }
}

// DynamoDBEventLog implements ports.EventLog. An append is one transaction:
// every event item is conditioned on not existing and the HEAD item on still
// holding the expected version.
type DynamoDBEventLog struct {
	client    Client
	tableName string
	logger    *zap.Logger
	now       func() time.Time
	upcaster  events.Upcaster
}

var _ ports.EventLog = (*DynamoDBEventLog)(nil)

// NewDynamoDBEventLog creates a new DynamoDB event log
func NewDynamoDBEventLog(client Client, tableName string, logger *zap.Logger, opts ...Option) *DynamoDBEventLog {
	l := &DynamoDBEventLog{
		client:    client,
		tableName: tableName,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append seals evts onto the stream when its tail matches expectedVersion
func (l *DynamoDBEventLog) Append(ctx context.Context, id valueobjects.GraphID, evts []events.DomainEvent, expectedVersion uint64, meta events.Metadata) (ports.AppendedRange, error) {
	graph := id.String()
	head, err := l.Tail(ctx, id)
	if err != nil {
		return ports.AppendedRange{}, err
	}
	if head.Sequence != expectedVersion {
		return ports.AppendedRange{}, pkgerrors.ConcurrencyConflict(graph, expectedVersion, head.Sequence)
	}
	if len(evts) == 0 {
		return ports.AppendedRange{}, nil
	}
	if len(evts)+1 > maxTransactOps {
		// one transaction slot is the HEAD update
		return ports.AppendedRange{}, pkgerrors.AppendTooLarge(graph, len(evts), maxTransactOps-1)
	}

	sealed, err := events.Seal(id, head, evts, meta, l.now())
	if err != nil {
		return ports.AppendedRange{}, err
	}

	items := make([]types.TransactWriteItem, 0, len(sealed)+1)
	for _, env := range sealed {
		item, err := attributevalue.MarshalMap(toRecord(env))
		if err != nil {
			return ports.AppendedRange{}, fmt.Errorf("failed to marshal event record: %w", err)
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(l.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			},
		})
	}
	headItem, err := l.headWrite(graph, sealed[len(sealed)-1].Head(), expectedVersion)
	if err != nil {
		return ports.AppendedRange{}, err
	}
	items = append(items, headItem)

	_, err = l.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		if isConditionFailure(err) {
			actual := expectedVersion
			if current, tailErr := l.Tail(ctx, id); tailErr == nil {
				actual = current.Sequence
			}
			return ports.AppendedRange{}, pkgerrors.ConcurrencyConflict(graph, expectedVersion, actual)
		}
		return ports.AppendedRange{}, classify("append", err)
	}

	l.logger.Debug("Appended events",
		zap.String("graph_id", graph),
		zap.Uint64("first", sealed[0].Sequence),
		zap.Uint64("last", sealed[len(sealed)-1].Sequence),
	)
	return ports.AppendedRange{
		First:     sealed[0].Sequence,
		Last:      sealed[len(sealed)-1].Sequence,
		Envelopes: sealed,
	}, nil
}

// headWrite creates the HEAD item for a new stream or moves an existing one
// forward, conditioned on the version the caller read.
func (l *DynamoDBEventLog) headWrite(graph string, head events.ChainHead, expected uint64) (types.TransactWriteItem, error) {
	ts := head.Timestamp.UTC().Format(time.RFC3339Nano)
	if expected == 0 {
		item, err := attributevalue.MarshalMap(headRecord{
			PK: streamPK(graph), SK: headSK, Version: head.Sequence, Hash: head.Hash, Timestamp: ts,
		})
		if err != nil {
			return types.TransactWriteItem{}, err
		}
		return types.TransactWriteItem{Put: &types.Put{
			TableName:           aws.String(l.tableName),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		}}, nil
	}

	update := expression.Set(expression.Name("Version"), expression.Value(head.Sequence)).
		Set(expression.Name("Hash"), expression.Value(head.Hash)).
		Set(expression.Name("Timestamp"), expression.Value(ts))
	cond := expression.Name("Version").Equal(expression.Value(expected))
	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return types.TransactWriteItem{}, fmt.Errorf("build head update: %w", err)
	}
	return types.TransactWriteItem{Update: &types.Update{
		TableName: aws.String(l.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: streamPK(graph)},
			"SK": &types.AttributeValueMemberS{Value: headSK},
		},
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}}, nil
}

func (l *DynamoDBEventLog) page(graph string) streams.PageFunc {
	return func(ctx context.Context, after uint64, limit int) ([]events.Envelope, error) {
		keyCond := expression.Key("PK").Equal(expression.Value(streamPK(graph))).
			And(expression.Key("SK").Between(expression.Value(seqSK(after+1)), expression.Value(seqSK(^uint64(0)))))
		expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
		if err != nil {
			return nil, fmt.Errorf("build key condition: %w", err)
		}

		result, err := l.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(l.tableName),
			KeyConditionExpression:    expr.KeyCondition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ScanIndexForward:          aws.Bool(true),
			ConsistentRead:            aws.Bool(true),
			Limit:                     aws.Int32(int32(limit)),
		})
		if err != nil {
			return nil, classify("read", err)
		}

		out := make([]events.Envelope, 0, len(result.Items))
		for _, item := range result.Items {
			// records are contiguous, so a broken one sits right after the last good one
			position := after + uint64(len(out)) + 1
			var record EventRecord
			if err := attributevalue.UnmarshalMap(item, &record); err != nil {
				return nil, pkgerrors.ChainIntegrityViolation(graph, position, fmt.Sprintf("unreadable event record: %v", err))
			}
			env, err := record.Envelope()
			if err != nil {
				return nil, pkgerrors.ChainIntegrityViolation(graph, position, err.Error())
			}
			out = append(out, env)
		}
		return out, nil
	}
}

// Read streams envelopes from fromSequence
func (l *DynamoDBEventLog) Read(ctx context.Context, id valueobjects.GraphID, fromSequence uint64) (ports.Stream, error) {
	return streams.NewPaged(l.page(id.String()), fromSequence, streams.WithUpcaster(l.upcaster)), nil
}

// ReadUntil streams envelopes with timestamp <= until
func (l *DynamoDBEventLog) ReadUntil(ctx context.Context, id valueobjects.GraphID, until time.Time) (ports.Stream, error) {
	return streams.NewPaged(l.page(id.String()), 1, streams.WithUpcaster(l.upcaster), streams.WithUntil(until)), nil
}

// Tail reads the HEAD item with a strongly consistent read
func (l *DynamoDBEventLog) Tail(ctx context.Context, id valueobjects.GraphID) (events.ChainHead, error) {
	result, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(l.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: streamPK(id.String())},
			"SK": &types.AttributeValueMemberS{Value: headSK},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return events.ChainHead{}, classify("tail", err)
	}
	if result.Item == nil {
		return events.Genesis(), nil
	}

	var record headRecord
	if err := attributevalue.UnmarshalMap(result.Item, &record); err != nil {
		return events.ChainHead{}, fmt.Errorf("failed to unmarshal head: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, record.Timestamp)
	if err != nil {
		return events.ChainHead{}, fmt.Errorf("failed to parse head timestamp: %w", err)
	}
	return events.ChainHead{Sequence: record.Version, Hash: record.Hash, Timestamp: ts.UTC()}, nil
}

// Streams scans for HEAD items. Intended for operator tooling and
// projection catch-up, not the request path.
func (l *DynamoDBEventLog) Streams(ctx context.Context) ([]valueobjects.GraphID, error) {
	filter := expression.Name("SK").Equal(expression.Value(headSK)).
		And(expression.Name("PK").BeginsWith(streamPrefix))
	proj := expression.NamesList(expression.Name("PK"))
	expr, err := expression.NewBuilder().WithFilter(filter).WithProjection(proj).Build()
	if err != nil {
		return nil, fmt.Errorf("build filter: %w", err)
	}
	input := &dynamodb.ScanInput{
		TableName:                 aws.String(l.tableName),
		FilterExpression:          expr.Filter(),
		ProjectionExpression:      expr.Projection(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}

	var ids []valueobjects.GraphID
	for {
		result, err := l.client.Scan(ctx, input)
		if err != nil {
			return nil, classify("streams", err)
		}
		for _, item := range result.Items {
			pk, ok := item["PK"].(*types.AttributeValueMemberS)
			if !ok {
				continue
			}
			id, err := valueobjects.NewGraphIDFromString(strings.TrimPrefix(pk.Value, streamPrefix))
			if err != nil {
				l.logger.Warn("Skipping malformed stream key", zap.String("pk", pk.Value), zap.Error(err))
				continue
			}
			ids = append(ids, id)
		}
		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

// Outbox methods

// GetPendingEvents returns up to limit events not yet exported, ordered by
// stream and sequence.
func (l *DynamoDBEventLog) GetPendingEvents(ctx context.Context, limit int32) ([]EventRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	filter := expression.Name("PublishStatus").Equal(expression.Value(string(PublishStatusPending))).
		And(expression.Name("PK").BeginsWith(streamPrefix))
	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("build filter: %w", err)
	}

	result, err := l.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:                 aws.String(l.tableName),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		Limit:                     aws.Int32(limit),
	})
	if err != nil {
		return nil, classify("scan pending", err)
	}

	records := make([]EventRecord, 0, len(result.Items))
	for _, item := range result.Items {
		var record EventRecord
		if err := attributevalue.UnmarshalMap(item, &record); err != nil {
			l.logger.Warn("Skipping malformed outbox record", zap.Error(err))
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].AggregateID != records[j].AggregateID {
			return records[i].AggregateID < records[j].AggregateID
		}
		return records[i].Sequence < records[j].Sequence
	})
	return records, nil
}

// MarkEventAsPublished marks an event as exported
func (l *DynamoDBEventLog) MarkEventAsPublished(ctx context.Context, pk, sk string) error {
	update := expression.Set(expression.Name("PublishStatus"), expression.Value(string(PublishStatusPublished))).
		Set(expression.Name("LastPublishTry"), expression.Value(l.now().UTC().Format(time.RFC3339)))
	return l.updateOutbox(ctx, pk, sk, update)
}

// MarkEventAsFailed records a failed export. The event stays pending until
// maxAttempts is reached.
func (l *DynamoDBEventLog) MarkEventAsFailed(ctx context.Context, pk, sk, errorMsg string, attempts, maxAttempts int) error {
	status := PublishStatusPending
	if attempts >= maxAttempts {
		status = PublishStatusFailed
	}
	update := expression.Set(expression.Name("PublishStatus"), expression.Value(string(status))).
		Set(expression.Name("PublishAttempts"), expression.Value(attempts)).
		Set(expression.Name("LastPublishTry"), expression.Value(l.now().UTC().Format(time.RFC3339))).
		Set(expression.Name("ErrorMessage"), expression.Value(errorMsg))
	return l.updateOutbox(ctx, pk, sk, update)
}

func (l *DynamoDBEventLog) updateOutbox(ctx context.Context, pk, sk string, update expression.UpdateBuilder) error {
	expr, err := expression.NewBuilder().
		WithUpdate(update).
		WithCondition(expression.AttributeExists(expression.Name("PK"))).
		Build()
	if err != nil {
		return fmt.Errorf("build outbox update: %w", err)
	}
	_, err = l.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(l.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return classify("update outbox", err)
	}
	return nil
}
