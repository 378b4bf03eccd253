package eventbridge

import (
	"context"
	"encoding/json"
	"fmt"

	"graphcore/application/ports"
	"graphcore/domain/events"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"go.uber.org/zap"
)

// Source is the EventBridge source attached to every exported event
const Source = "graphcore.events"

// EventBridge limits to 10 entries per PutEvents call
const batchSize = 10

// PutEventsAPI is the part of the EventBridge client used by the publisher
type PutEventsAPI interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

var _ PutEventsAPI = (*eventbridge.Client)(nil)

// Detail is the JSON body of an exported event. It carries the chain fields
// so consumers can verify ordering and integrity on their side.
type Detail struct {
	EventID       string          `json:"event_id"`
	AggregateID   string          `json:"aggregate_id"`
	Sequence      uint64          `json:"sequence"`
	Type          string          `json:"type"`
	SchemaVersion int             `json:"schema_version"`
	CausationID   string          `json:"causation_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Hash          string          `json:"hash"`
	PrevHash      string          `json:"prev_hash"`
}

// EventBridgePublisher implements ports.EventSink on AWS EventBridge
type EventBridgePublisher struct {
	client       PutEventsAPI
	eventBusName string
	source       string
	logger       *zap.Logger
}

var _ ports.EventSink = (*EventBridgePublisher)(nil)

// NewEventBridgePublisher creates a new EventBridge publisher
func NewEventBridgePublisher(client PutEventsAPI, eventBusName string, logger *zap.Logger) *EventBridgePublisher {
	return &EventBridgePublisher{
		client:       client,
		eventBusName: eventBusName,
		source:       Source,
		logger:       logger,
	}
}

// Export sends envs in batches of ten. A failed batch fails the whole export;
// the caller retries and consumers drop duplicates by aggregate and sequence.
func (p *EventBridgePublisher) Export(ctx context.Context, envs []events.Envelope) error {
	for i := 0; i < len(envs); i += batchSize {
		end := i + batchSize
		if end > len(envs) {
			end = len(envs)
		}
		if err := p.publishBatch(ctx, envs[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (p *EventBridgePublisher) publishBatch(ctx context.Context, envs []events.Envelope) error {
	entries := make([]types.PutEventsRequestEntry, 0, len(envs))
	for _, env := range envs {
		detail, err := json.Marshal(Detail{
			EventID:       env.EventID,
			AggregateID:   env.AggregateID.String(),
			Sequence:      env.Sequence,
			Type:          string(env.Type),
			SchemaVersion: env.SchemaVersion,
			CausationID:   env.CausationID,
			CorrelationID: env.CorrelationID,
			Payload:       env.RawPayload,
			Hash:          env.Hash,
			PrevHash:      env.PrevHash,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal event %s/%d: %w", env.AggregateID, env.Sequence, err)
		}
		entries = append(entries, types.PutEventsRequestEntry{
			EventBusName: aws.String(p.eventBusName),
			Source:       aws.String(p.source),
			DetailType:   aws.String(string(env.Type)),
			Detail:       aws.String(string(detail)),
			Time:         aws.Time(env.Timestamp),
			Resources:    []string{fmt.Sprintf("graphcore:graph/%s", env.AggregateID)},
		})
	}

	result, err := p.client.PutEvents(ctx, &eventbridge.PutEventsInput{Entries: entries})
	if err != nil {
		return fmt.Errorf("failed to publish events to EventBridge: %w", err)
	}

	if result.FailedEntryCount > 0 {
		for i, entry := range result.Entries {
			if entry.ErrorCode != nil && i < len(envs) {
				p.logger.Error("Failed to publish event",
					zap.String("graph_id", envs[i].AggregateID.String()),
					zap.Uint64("sequence", envs[i].Sequence),
					zap.String("errorCode", aws.ToString(entry.ErrorCode)),
					zap.String("errorMessage", aws.ToString(entry.ErrorMessage)),
				)
			}
		}
		return fmt.Errorf("%d events failed to publish", result.FailedEntryCount)
	}

	p.logger.Debug("Events published to EventBridge",
		zap.Int("count", len(entries)),
		zap.String("eventBus", p.eventBusName),
	)
	return nil
}
