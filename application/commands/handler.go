// Package commands runs graph commands against the event log: load, decide,
// append, then fan out to snapshots, projections and the export sink.
package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"graphcore/application/ports"
	"graphcore/application/quarantine"
	"graphcore/application/snapshots"
	graphcmd "graphcore/domain/commands"
	"graphcore/domain/config"
	"graphcore/domain/core/aggregates"
	"graphcore/domain/core/valueobjects"
	"graphcore/domain/events"
	"graphcore/pkg/common"
	pkgerrors "graphcore/pkg/errors"
	"graphcore/pkg/observability"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Acknowledgment is returned once a command's events are durable
type Acknowledgment struct {
	AggregateID valueobjects.GraphID `json:"aggregate_id"`
	Version     uint64               `json:"version"`
	// First and Last are zero when the command produced no events
	First uint64 `json:"first"`
	Last  uint64 `json:"last"`
	// Attempts counts loads, including retries after conflicts
	Attempts int `json:"attempts"`
}

// Options tunes retries and timeouts
type Options struct {
	// MaxRetries bounds reloads after a concurrency conflict
	MaxRetries int
	// MaxInfraRetries bounds retries after a retryable storage error
	MaxInfraRetries int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	// AppendTimeout bounds an append once started; caller cancellation does
	// not abort it
	AppendTimeout time.Duration
	ExportTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxRetries:      3,
		MaxInfraRetries: 5,
		InitialBackoff:  10 * time.Millisecond,
		MaxBackoff:      time.Second,
		AppendTimeout:   5 * time.Second,
		ExportTimeout:   5 * time.Second,
	}
}

// Handler executes commands. It keeps no aggregate state between commands,
// so any number of goroutines may call Handle.
type Handler struct {
	log       ports.EventLog
	snapshots *snapshots.Manager
	notifier  ports.EventNotifier
	sink      ports.EventSink
	cfg       config.Provider
	opts      Options
	logger    *zap.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer

	quarantined *quarantine.Registry
}

// Dependencies groups the optional collaborators of a Handler. Nil members
// are skipped.
type Dependencies struct {
	Snapshots *snapshots.Manager
	Notifier  ports.EventNotifier
	Sink      ports.EventSink
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
	// Quarantine is shared with the projection engine and the query
	// handler; a private registry is created when nil
	Quarantine *quarantine.Registry
}

// NewHandler creates a new command handler
func NewHandler(log ports.EventLog, cfg config.Provider, opts Options, deps Dependencies, logger *zap.Logger) *Handler {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.AppendTimeout <= 0 {
		opts.AppendTimeout = DefaultOptions().AppendTimeout
	}
	if opts.ExportTimeout <= 0 {
		opts.ExportTimeout = DefaultOptions().ExportTimeout
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultOptions().InitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultOptions().MaxBackoff
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = observability.NewTracer("graphcore")
	}
	held := deps.Quarantine
	if held == nil {
		held = quarantine.NewRegistry(logger)
	}
	return &Handler{
		log:         log,
		snapshots:   deps.Snapshots,
		notifier:    deps.Notifier,
		sink:        deps.Sink,
		cfg:         cfg,
		opts:        opts,
		logger:      logger,
		metrics:     deps.Metrics,
		tracer:      tracer,
		quarantined: held,
	}
}

// Handle runs cmd to a definitive outcome. Conflicts reload and retry up to
// MaxRetries times; validation failures are returned as is.
func (h *Handler) Handle(ctx context.Context, cmd graphcmd.Command) (Acknowledgment, error) {
	if cmd == nil {
		return Acknowledgment{}, pkgerrors.InvalidCommand("command is nil")
	}
	start := time.Now()
	name := cmd.CommandName()
	id := cmd.AggregateID()

	ctx, span := h.tracer.StartSpan(ctx, "command."+name, attribute.String("graph_id", id.String()))
	defer span.End()

	meta := metadataFrom(ctx)
	logger := h.logger.With(
		zap.String("command", name),
		zap.String("graph_id", id.String()),
		zap.String("correlation_id", meta.CorrelationID),
	)

	attempts, conflicts, infra := 0, 0, 0
	operation := func() (Acknowledgment, error) {
		attempts++
		ack, err := h.attempt(ctx, cmd, meta)
		if err == nil {
			ack.Attempts = attempts
			return ack, nil
		}
		switch {
		case pkgerrors.IsConcurrencyConflict(err):
			conflicts++
			if conflicts > h.opts.MaxRetries {
				return ack, backoff.Permanent(err)
			}
			h.metrics.RecordRetry("conflict")
			logger.Debug("Append conflict, reloading", zap.Int("attempt", attempts), zap.Error(err))
			return ack, err
		case pkgerrors.IsRetryable(err):
			infra++
			if infra > h.opts.MaxInfraRetries {
				return ack, backoff.Permanent(err)
			}
			h.metrics.RecordRetry("storage")
			logger.Warn("Storage error, retrying", zap.Int("attempt", attempts), zap.Error(err))
			return ack, err
		default:
			return ack, backoff.Permanent(err)
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = h.opts.InitialBackoff
	policy.MaxInterval = h.opts.MaxBackoff
	ack, err := backoff.Retry(ctx, operation, backoff.WithBackOff(policy))

	status := statusOf(err)
	h.metrics.RecordCommand(name, status, time.Since(start))
	if err != nil {
		h.tracer.RecordError(ctx, err)
		if status == "error" || status == "quarantined" {
			logger.Error("Command failed", zap.Int("attempts", attempts), zap.Error(err))
		} else {
			logger.Debug("Command rejected", zap.String("status", status), zap.Error(err))
		}
		return Acknowledgment{}, err
	}

	logger.Debug("Command handled",
		zap.Uint64("version", ack.Version),
		zap.Uint64("first", ack.First),
		zap.Uint64("last", ack.Last),
		zap.Int("attempts", attempts),
	)
	return ack, nil
}

// attempt is one load-decide-append cycle
func (h *Handler) attempt(ctx context.Context, cmd graphcmd.Command, meta events.Metadata) (Acknowledgment, error) {
	id := cmd.AggregateID()
	g, _, err := h.load(ctx, id)
	if err != nil {
		return Acknowledgment{}, err
	}

	before := g.Version()
	evts, err := g.Handle(cmd)
	if err != nil {
		return Acknowledgment{}, err
	}
	if len(evts) == 0 {
		return Acknowledgment{AggregateID: id, Version: before}, nil
	}

	// last point at which the caller can still abandon the command
	if err := ctx.Err(); err != nil {
		return Acknowledgment{}, err
	}

	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.opts.AppendTimeout)
	r, err := h.log.Append(appendCtx, id, evts, before, meta)
	cancel()
	if err != nil {
		return Acknowledgment{}, err
	}

	g.ApplyAll(r.Envelopes)
	h.afterAppend(ctx, g, before, r)
	return Acknowledgment{AggregateID: id, Version: g.Version(), First: r.First, Last: r.Last}, nil
}

func (h *Handler) afterAppend(ctx context.Context, g *aggregates.Graph, before uint64, r ports.AppendedRange) {
	h.metrics.RecordAppended(len(r.Envelopes))
	if h.notifier != nil {
		h.notifier.Notify(r)
	}
	if h.snapshots != nil && h.snapshots.ShouldSnapshot(before, g.Version()) {
		h.snapshots.Request(g)
	}
	if h.sink != nil {
		exportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.opts.ExportTimeout)
		defer cancel()
		if err := h.sink.Export(exportCtx, r.Envelopes); err != nil {
			// the events are durable; the outbox relay exports them later
			h.metrics.RecordExportFailure()
			h.logger.Warn("Export failed",
				zap.String("graph_id", g.ID().String()),
				zap.Uint64("first", r.First),
				zap.Uint64("last", r.Last),
				zap.Error(err),
			)
		}
	}
}

// Load rebuilds the current aggregate, from the latest valid snapshot when
// there is one. An uncreated graph fails with GraphNotFound.
func (h *Handler) Load(ctx context.Context, id valueobjects.GraphID) (*aggregates.Graph, error) {
	g, _, err := h.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !g.Exists() {
		return nil, pkgerrors.GraphNotFound(id.String())
	}
	return g, nil
}

// load returns the aggregate and the number of envelopes replayed on top of
// the snapshot. A snapshot whose head does not link to the log is dropped
// and the stream replayed from genesis; only a violation in the log itself
// quarantines the stream.
func (h *Handler) load(ctx context.Context, id valueobjects.GraphID) (*aggregates.Graph, int, error) {
	if err := h.quarantined.Check(id); err != nil {
		return nil, 0, err
	}

	var g *aggregates.Graph
	if h.snapshots != nil {
		if restored, ok := h.snapshots.Restore(ctx, id); ok {
			g = restored
		}
	}
	fromSnapshot := g != nil
	if g == nil {
		g = aggregates.NewGraph(id, h.cfg.Current())
	}

	replayed, err := h.replayFrom(ctx, id, g)
	if err != nil && fromSnapshot && replayed == 0 && errors.Is(err, pkgerrors.ErrChainIntegrityViolation) {
		h.logger.Warn("Snapshot does not link to the log, replaying from genesis",
			zap.String("graph_id", id.String()),
			zap.Uint64("snapshot_version", g.Version()),
			zap.Error(err),
		)
		g = aggregates.NewGraph(id, h.cfg.Current())
		replayed, err = h.replayFrom(ctx, id, g)
	}
	if pkgerrors.IsIntegrityViolation(err) {
		return nil, 0, h.quarantined.Add(id, err)
	}
	if err != nil {
		return nil, 0, err
	}
	return g, replayed, nil
}

func (h *Handler) replayFrom(ctx context.Context, id valueobjects.GraphID, g *aggregates.Graph) (int, error) {
	stream, err := h.log.Read(ctx, id, g.Version()+1)
	if err != nil {
		return 0, err
	}
	return h.replay(ctx, id, g, stream)
}

// LoadAt rebuilds the aggregate as it was at t
func (h *Handler) LoadAt(ctx context.Context, id valueobjects.GraphID, t time.Time) (*aggregates.Graph, error) {
	if err := h.quarantined.Check(id); err != nil {
		return nil, err
	}
	stream, err := h.log.ReadUntil(ctx, id, t)
	if err != nil {
		return nil, err
	}
	g := aggregates.NewGraph(id, h.cfg.Current())
	if _, err := h.replay(ctx, id, g, stream); err != nil {
		if pkgerrors.IsIntegrityViolation(err) {
			return nil, h.quarantined.Add(id, err)
		}
		return nil, err
	}
	if !g.Exists() {
		return nil, pkgerrors.GraphNotFound(id.String())
	}
	return g, nil
}

// replay applies stream on top of g. Envelopes that fail to open or do not
// link to their predecessor stop it with an integrity violation.
func (h *Handler) replay(ctx context.Context, id valueobjects.GraphID, g *aggregates.Graph, stream ports.Stream) (int, error) {
	defer stream.Close()

	verifier := events.ResumeChainVerifier(id, g.Head())
	replayed := 0
	for stream.Next(ctx) {
		env := stream.Envelope()
		if err := verifier.Verify(&env); err != nil {
			return replayed, err
		}
		g.Apply(env)
		replayed++
	}
	return replayed, stream.Err()
}

// ForceSnapshot loads the graph and snapshots it synchronously
func (h *Handler) ForceSnapshot(ctx context.Context, id valueobjects.GraphID) (uint64, error) {
	if h.snapshots == nil {
		return 0, errors.New("snapshots are not configured")
	}
	g, err := h.Load(ctx, id)
	if err != nil {
		return 0, err
	}
	if err := h.snapshots.Save(ctx, g); err != nil {
		return 0, fmt.Errorf("failed to save snapshot: %w", err)
	}
	return g.Version(), nil
}

// Release lifts a quarantine. The next load verifies the chain again.
func (h *Handler) Release(id valueobjects.GraphID) bool {
	return h.quarantined.Release(id)
}

// Quarantined lists the ids of quarantined streams
func (h *Handler) Quarantined() []string {
	return h.quarantined.List()
}

func metadataFrom(ctx context.Context) events.Metadata {
	meta := events.Metadata{}
	if id, ok := common.GetCorrelationID(ctx); ok && id != "" {
		meta.CorrelationID = id
	} else {
		meta.CorrelationID = uuid.NewString()
	}
	if id, ok := common.GetCausationID(ctx); ok {
		meta.CausationID = id
	}
	return meta
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case pkgerrors.IsConcurrencyConflict(err):
		return "conflict"
	case pkgerrors.IsIntegrityViolation(err):
		return "quarantined"
	case pkgerrors.IsValidationFailure(err):
		return "rejected"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
