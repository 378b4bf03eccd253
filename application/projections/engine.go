package projections

import (
	"context"
	"fmt"
	"sync"
	"time"

	"graphcore/application/ports"
	"graphcore/application/quarantine"
	"graphcore/domain/core/valueobjects"
	"graphcore/domain/events"
	pkgerrors "graphcore/pkg/errors"
	"graphcore/pkg/observability"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	DefaultQueueSize       = 256
	DefaultCatchUpInterval = time.Second
)

// Options tunes the engine
type Options struct {
	// QueueSize bounds pending notifications per projection. Notifications
	// beyond it are dropped and recovered by the periodic catch-up.
	QueueSize       int
	CatchUpInterval time.Duration
	// Quarantine receives streams that fail verification and is consulted
	// before folding; nil keeps violations local to the engine
	Quarantine *quarantine.Registry
}

func DefaultOptions() Options {
	return Options{QueueSize: DefaultQueueSize, CatchUpInterval: DefaultCatchUpInterval}
}

type runner struct {
	p     Projection
	queue chan ports.AppendedRange

	// foldMu keeps folds of one projection single threaded
	foldMu sync.Mutex
	// chains holds a verifier positioned at the watermark of each stream.
	// Guarded by foldMu.
	chains map[valueobjects.GraphID]*events.ChainVerifier

	sigMu   sync.Mutex
	changed chan struct{}
}

// signal wakes everyone waiting for this projection to advance
func (r *runner) signal() {
	r.sigMu.Lock()
	close(r.changed)
	r.changed = make(chan struct{})
	r.sigMu.Unlock()
}

func (r *runner) wait() <-chan struct{} {
	r.sigMu.Lock()
	defer r.sigMu.Unlock()
	return r.changed
}

// Engine drives projections from the event log. Each projection runs in its
// own goroutine; appends only ever enqueue a notification and never wait on
// a fold.
type Engine struct {
	log         ports.EventLog
	checkpoints ports.CheckpointStore
	opts        Options
	logger      *zap.Logger
	metrics     *observability.Metrics
	tracer      *observability.Tracer

	mu      sync.RWMutex
	runners map[string]*runner
	order   []*runner
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ ports.EventNotifier = (*Engine)(nil)

// NewEngine creates an engine. checkpoints, metrics and tracer may be nil.
func NewEngine(log ports.EventLog, checkpoints ports.CheckpointStore, opts Options, logger *zap.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Engine {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.CatchUpInterval <= 0 {
		opts.CatchUpInterval = DefaultCatchUpInterval
	}
	if tracer == nil {
		tracer = observability.NewTracer("graphcore")
	}
	return &Engine{
		log:         log,
		checkpoints: checkpoints,
		opts:        opts,
		logger:      logger,
		metrics:     metrics,
		tracer:      tracer,
		runners:     make(map[string]*runner),
	}
}

// Register adds a projection. It must be called before Start.
func (e *Engine) Register(p Projection) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancel != nil {
		return fmt.Errorf("projection '%s' registered after start", p.Name())
	}
	if _, exists := e.runners[p.Name()]; exists {
		return fmt.Errorf("projection '%s' already registered", p.Name())
	}
	r := &runner{
		p:       p,
		queue:   make(chan ports.AppendedRange, e.opts.QueueSize),
		chains:  make(map[valueobjects.GraphID]*events.ChainVerifier),
		changed: make(chan struct{}),
	}
	e.runners[p.Name()] = r
	e.order = append(e.order, r)
	e.logger.Info("Registered projection", zap.String("projection", p.Name()))
	return nil
}

// Start restores checkpoints and launches one goroutine per projection
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return fmt.Errorf("projection engine already started")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	runners := append([]*runner(nil), e.order...)
	e.mu.Unlock()

	for _, r := range runners {
		if err := e.restore(ctx, r); err != nil {
			cancel()
			return err
		}
	}
	for _, r := range runners {
		e.wg.Add(1)
		go e.run(runCtx, r)
	}
	return nil
}

// Stop halts every projection goroutine and waits for them
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

// Notify enqueues a freshly appended range for every projection. It never
// blocks: when a queue is full the notification is dropped.
func (e *Engine) Notify(rng ports.AppendedRange) {
	if rng.Empty() {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.order {
		select {
		case r.queue <- rng:
		default:
			e.metrics.RecordDropped(r.p.Name())
			e.logger.Debug("Projection queue full, dropping notification",
				zap.String("projection", r.p.Name()),
				zap.String("graph_id", rng.Envelopes[0].AggregateID.String()),
			)
		}
	}
}

func (e *Engine) run(ctx context.Context, r *runner) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.CatchUpInterval)
	defer ticker.Stop()

	e.catchUpAll(ctx, r)
	for {
		select {
		case <-ctx.Done():
			return
		case rng := <-r.queue:
			e.apply(ctx, r, rng)
		case <-ticker.C:
			e.catchUpAll(ctx, r)
		}
	}
}

// apply folds a notified range directly when it continues the watermark and
// falls back to reading the log when there is a gap or no verifier yet.
func (e *Engine) apply(ctx context.Context, r *runner, rng ports.AppendedRange) {
	id := rng.Envelopes[0].AggregateID

	r.foldMu.Lock()
	defer r.foldMu.Unlock()

	if e.isQuarantined(id) {
		return
	}
	before := r.p.Watermark(id)
	if rng.Last <= before {
		return
	}
	verifier, ok := r.chains[id]
	if rng.First > before+1 || !ok {
		e.catchUp(ctx, r, id)
		return
	}
	for _, env := range rng.Envelopes {
		if env.Sequence <= r.p.Watermark(id) {
			continue
		}
		if err := verifier.Verify(&env); err != nil {
			e.violation(ctx, r, id, err)
			break
		}
		if err := e.fold(r, env); err != nil {
			break
		}
	}
	e.keepChain(r, id, verifier)
	e.progressed(ctx, r, id, before)
}

func (e *Engine) catchUpAll(ctx context.Context, r *runner) {
	ids, err := e.log.Streams(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("Failed to list streams for catch-up", zap.String("projection", r.p.Name()), zap.Error(err))
		}
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		r.foldMu.Lock()
		e.catchUp(ctx, r, id)
		r.foldMu.Unlock()
	}
}

// catchUp reads the log from watermark+1 and folds until the tail or the
// first failure. Every envelope is verified against its predecessor before
// it is folded; without a cached verifier the envelope at the watermark is
// read again to anchor one. The caller holds foldMu.
func (e *Engine) catchUp(ctx context.Context, r *runner, id valueobjects.GraphID) {
	if e.isQuarantined(id) {
		return
	}
	before := r.p.Watermark(id)
	ctx, span := e.tracer.StartSpan(ctx, "projection.catch_up",
		attribute.String("projection", r.p.Name()),
		attribute.String("graph_id", id.String()),
	)
	defer span.End()

	verifier := r.chains[id]
	from := before + 1
	if verifier == nil {
		if before == 0 {
			verifier = events.NewChainVerifier(id)
		} else {
			from = before
		}
	}

	stream, err := e.log.Read(ctx, id, from)
	if err != nil {
		e.logger.Warn("Failed to read stream for projection",
			zap.String("projection", r.p.Name()),
			zap.String("graph_id", id.String()),
			zap.Error(err),
		)
		return
	}
	defer stream.Close()

	for stream.Next(ctx) {
		env := stream.Envelope()
		if verifier == nil && env.Sequence == before {
			verifier = events.ResumeChainVerifier(id, env.Head())
			continue
		}
		if verifier == nil || env.Sequence != r.p.Watermark(id)+1 {
			e.logger.Error("Stream gap during projection catch-up",
				zap.String("projection", r.p.Name()),
				zap.String("graph_id", id.String()),
				zap.Uint64("watermark", r.p.Watermark(id)),
				zap.Uint64("sequence", env.Sequence),
			)
			break
		}
		if err := verifier.Verify(&env); err != nil {
			e.violation(ctx, r, id, err)
			break
		}
		if err := e.fold(r, env); err != nil {
			e.tracer.RecordError(ctx, err)
			break
		}
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		if pkgerrors.IsIntegrityViolation(err) {
			e.violation(ctx, r, id, err)
		} else {
			e.logger.Warn("Projection catch-up stopped",
				zap.String("projection", r.p.Name()),
				zap.String("graph_id", id.String()),
				zap.Error(err),
			)
		}
	}
	e.keepChain(r, id, verifier)
	e.progressed(ctx, r, id, before)
}

// keepChain caches verifier only while it sits exactly at the watermark. A
// verifier that ran ahead of a failed fold is dropped and re-anchored on the
// next catch-up.
func (e *Engine) keepChain(r *runner, id valueobjects.GraphID, verifier *events.ChainVerifier) {
	if verifier != nil {
		if seq, _ := verifier.Head(); seq == r.p.Watermark(id) {
			r.chains[id] = verifier
			return
		}
	}
	delete(r.chains, id)
}

// violation holds the watermark of a stream that failed verification
func (e *Engine) violation(ctx context.Context, r *runner, id valueobjects.GraphID, err error) {
	e.tracer.RecordError(ctx, err)
	e.logger.Error("Projection halted on integrity violation",
		zap.String("projection", r.p.Name()),
		zap.String("graph_id", id.String()),
		zap.Uint64("watermark", r.p.Watermark(id)),
		zap.Error(err),
	)
	if e.opts.Quarantine != nil {
		_ = e.opts.Quarantine.Add(id, err)
	}
}

func (e *Engine) isQuarantined(id valueobjects.GraphID) bool {
	return e.opts.Quarantine != nil && e.opts.Quarantine.Check(id) != nil
}

func (e *Engine) fold(r *runner, env events.Envelope) error {
	if err := r.p.Fold(env); err != nil {
		e.logger.Warn("Projection fold failed",
			zap.String("projection", r.p.Name()),
			zap.String("graph_id", env.AggregateID.String()),
			zap.Uint64("sequence", env.Sequence),
			zap.Error(err),
		)
		return err
	}
	e.metrics.RecordWatermark(r.p.Name(), env.Sequence)
	return nil
}

func (e *Engine) progressed(ctx context.Context, r *runner, id valueobjects.GraphID, before uint64) {
	if r.p.Watermark(id) == before {
		return
	}
	e.saveCheckpoint(ctx, r, id)
	r.signal()
}

func (e *Engine) saveCheckpoint(ctx context.Context, r *runner, id valueobjects.GraphID) {
	cp, ok := r.p.(Checkpointer)
	if e.checkpoints == nil || !ok {
		return
	}
	watermark, state, err := cp.Checkpoint(id)
	if err == nil {
		err = e.checkpoints.SaveCheckpoint(context.WithoutCancel(ctx), ports.Checkpoint{
			Projection:  r.p.Name(),
			AggregateID: id,
			Watermark:   watermark,
			State:       state,
			UpdatedAt:   time.Now().UTC(),
		})
	}
	if err != nil {
		e.logger.Warn("Failed to save projection checkpoint",
			zap.String("projection", r.p.Name()),
			zap.String("graph_id", id.String()),
			zap.Error(err),
		)
	}
}

func (e *Engine) restore(ctx context.Context, r *runner) error {
	cp, ok := r.p.(Checkpointer)
	if e.checkpoints == nil || !ok {
		return nil
	}
	saved, err := e.checkpoints.LoadCheckpoints(ctx, r.p.Name())
	if err != nil {
		return fmt.Errorf("failed to load checkpoints for '%s': %w", r.p.Name(), err)
	}
	restored := 0
	for _, c := range saved {
		if err := cp.Restore(c.AggregateID, c.Watermark, c.State); err != nil {
			// refolding from the log is always possible
			e.logger.Warn("Discarding projection checkpoint",
				zap.String("projection", r.p.Name()),
				zap.String("graph_id", c.AggregateID.String()),
				zap.Error(err),
			)
			continue
		}
		restored++
	}
	e.logger.Info("Restored projection checkpoints",
		zap.String("projection", r.p.Name()),
		zap.Int("count", restored),
	)
	return nil
}

// CatchUp synchronously folds every projection up to the current tail of id
func (e *Engine) CatchUp(ctx context.Context, id valueobjects.GraphID) {
	e.mu.RLock()
	runners := append([]*runner(nil), e.order...)
	e.mu.RUnlock()
	for _, r := range runners {
		r.foldMu.Lock()
		e.catchUp(ctx, r, id)
		r.foldMu.Unlock()
	}
}

// Rebuild resets a projection and refolds the whole log into it
func (e *Engine) Rebuild(ctx context.Context, name string) error {
	r, ok := e.runner(name)
	if !ok {
		return fmt.Errorf("projection '%s' not found", name)
	}
	r.foldMu.Lock()
	r.p.Reset()
	r.chains = make(map[valueobjects.GraphID]*events.ChainVerifier)
	r.foldMu.Unlock()
	e.catchUpAll(ctx, r)
	e.logger.Info("Rebuilt projection", zap.String("projection", name))
	return nil
}

// Watermark returns the watermark of projection name for id
func (e *Engine) Watermark(name string, id valueobjects.GraphID) (uint64, bool) {
	r, ok := e.runner(name)
	if !ok {
		return 0, false
	}
	return r.p.Watermark(id), true
}

// WaitFor blocks until projection name has folded id up to at least seq or
// ctx is done. It returns the watermark reached; on timeout the error is
// the context's.
func (e *Engine) WaitFor(ctx context.Context, name string, id valueobjects.GraphID, seq uint64) (uint64, error) {
	r, ok := e.runner(name)
	if !ok {
		return 0, fmt.Errorf("projection '%s' not found", name)
	}
	for {
		changed := r.wait()
		wm := r.p.Watermark(id)
		if wm >= seq {
			return wm, nil
		}
		select {
		case <-ctx.Done():
			return wm, ctx.Err()
		case <-changed:
		}
	}
}

// Projections lists registered projection names in registration order
func (e *Engine) Projections() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.order))
	for _, r := range e.order {
		out = append(out, r.p.Name())
	}
	return out
}

func (e *Engine) runner(name string) (*runner, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runners[name]
	return r, ok
}
