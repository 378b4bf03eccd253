package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"graphcore/application/ports"
	"graphcore/domain/events"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const outboxLockResource = "outbox"

// OutboxProcessor re-exports events whose publish status is still pending.
// The command path hands envelopes to the sink directly; this loop covers the
// cases where that hand-off failed or the process died before it.
type OutboxProcessor struct {
	eventLog *DynamoDBEventLog
	sink     ports.EventSink
	lock     *DistributedLock
	logger   *zap.Logger
	ownerID  string

	batchSize          int32
	processingInterval time.Duration
	maxRetries         int

	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewOutboxProcessor creates a new outbox processor
func NewOutboxProcessor(eventLog *DynamoDBEventLog, sink ports.EventSink, lock *DistributedLock, logger *zap.Logger) *OutboxProcessor {
	return &OutboxProcessor{
		eventLog:           eventLog,
		sink:               sink,
		lock:               lock,
		logger:             logger,
		ownerID:            uuid.NewString(),
		batchSize:          50,
		processingInterval: 5 * time.Second,
		maxRetries:         3,
		stopChan:           make(chan struct{}),
		stoppedChan:        make(chan struct{}),
	}
}

// Start begins the background processing of outbox events
func (op *OutboxProcessor) Start(ctx context.Context) {
	op.logger.Info("Starting outbox processor",
		zap.Int32("batchSize", op.batchSize),
		zap.Duration("interval", op.processingInterval),
	)
	go op.processLoop(ctx)
}

// Stop gracefully stops the outbox processor
func (op *OutboxProcessor) Stop() {
	close(op.stopChan)
	<-op.stoppedChan
	op.logger.Info("Outbox processor stopped")
}

func (op *OutboxProcessor) processLoop(ctx context.Context) {
	defer close(op.stoppedChan)

	ticker := time.NewTicker(op.processingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-op.stopChan:
			return
		case <-ticker.C:
			if _, err := op.ProcessBatch(ctx); err != nil {
				op.logger.Error("Error processing outbox batch", zap.Error(err))
			}
		}
	}
}

// ProcessBatch exports one batch of pending events under the outbox lease and
// returns how many were exported.
func (op *OutboxProcessor) ProcessBatch(ctx context.Context) (int, error) {
	lease, err := op.lock.AcquireLock(ctx, outboxLockResource, op.ownerID, 2*op.processingInterval)
	if errors.Is(err, ErrLockHeld) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			op.logger.Warn("Failed to release outbox lease", zap.Error(err))
		}
	}()

	pending, err := op.eventLog.GetPendingEvents(ctx, op.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to get pending events: %w", err)
	}

	exported := 0
	for _, record := range pending {
		if lease.IsExpired() {
			break
		}
		if err := op.processEvent(ctx, record); err != nil {
			op.logger.Error("Failed to export event",
				zap.String("graph_id", record.AggregateID),
				zap.Uint64("sequence", record.Sequence),
				zap.Error(err),
			)
			continue
		}
		exported++
	}

	if len(pending) > 0 {
		op.logger.Debug("Completed outbox batch",
			zap.Int("pending", len(pending)),
			zap.Int("exported", exported),
		)
	}
	return exported, nil
}

func (op *OutboxProcessor) processEvent(ctx context.Context, record EventRecord) error {
	env, err := record.Envelope()
	if err != nil {
		return op.markEventFailed(ctx, record, fmt.Sprintf("malformed record: %v", err))
	}
	if err := op.sink.Export(ctx, []events.Envelope{env}); err != nil {
		return op.markEventFailed(ctx, record, fmt.Sprintf("export failed: %v", err))
	}
	return op.eventLog.MarkEventAsPublished(ctx, record.PK, record.SK)
}

func (op *OutboxProcessor) markEventFailed(ctx context.Context, record EventRecord, msg string) error {
	attempts := record.PublishAttempts + 1
	if err := op.eventLog.MarkEventAsFailed(ctx, record.PK, record.SK, msg, attempts, op.maxRetries); err != nil {
		return err
	}
	if attempts >= op.maxRetries {
		op.logger.Warn("Event permanently failed after max retries",
			zap.String("graph_id", record.AggregateID),
			zap.Uint64("sequence", record.Sequence),
			zap.Int("attempts", attempts),
		)
	}
	return errors.New(msg)
}

// DirectSink returns the sink the command path exports through. Successful
// exports are marked published; failures stay pending for the processor.
func (op *OutboxProcessor) DirectSink() ports.EventSink {
	return outboxSink{op: op}
}

type outboxSink struct {
	op *OutboxProcessor
}

func (s outboxSink) Export(ctx context.Context, envs []events.Envelope) error {
	if err := s.op.sink.Export(ctx, envs); err != nil {
		return err
	}
	for _, env := range envs {
		if err := s.op.eventLog.MarkEventAsPublished(ctx, streamPK(env.AggregateID.String()), seqSK(env.Sequence)); err != nil {
			// exported but still pending: the processor will export it again
			s.op.logger.Warn("Failed to mark event published",
				zap.String("graph_id", env.AggregateID.String()),
				zap.Uint64("sequence", env.Sequence),
				zap.Error(err),
			)
		}
	}
	return nil
}
