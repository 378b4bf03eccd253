package commands

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"graphcore/application/ports"
	"graphcore/application/quarantine"
	"graphcore/application/snapshots"
	graphcmd "graphcore/domain/commands"
	"graphcore/domain/config"
	"graphcore/domain/core/valueobjects"
	"graphcore/domain/events"
	"graphcore/domain/versioning"
	"graphcore/infrastructure/persistence/memory"
	"graphcore/pkg/common"
	pkgerrors "graphcore/pkg/errors"
	"graphcore/pkg/observability"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// interferingLog lets another writer append right before the first append
// that goes through it
type interferingLog struct {
	ports.EventLog
	once      sync.Once
	interfere func(ctx context.Context)
}

func (l *interferingLog) Append(ctx context.Context, id valueobjects.GraphID, evts []events.DomainEvent, expected uint64, meta events.Metadata) (ports.AppendedRange, error) {
	if l.interfere != nil {
		l.once.Do(func() { l.interfere(ctx) })
	}
	return l.EventLog.Append(ctx, id, evts, expected, meta)
}

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Export(ctx context.Context, envs []events.Envelope) error {
	return m.Called(ctx, envs).Error(0)
}

type recordingNotifier struct {
	mu     sync.Mutex
	ranges []ports.AppendedRange
}

func (n *recordingNotifier) Notify(r ports.AppendedRange) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ranges = append(n.ranges, r)
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.InitialBackoff = time.Millisecond
	opts.MaxBackoff = 5 * time.Millisecond
	return opts
}

func newHandler(log ports.EventLog, deps Dependencies) *Handler {
	return NewHandler(log, config.NewStaticProvider(nil), testOptions(), deps, zap.NewNop())
}

// seed creates a graph and renames it until it reaches version
func seed(t *testing.T, h *Handler, version int) valueobjects.GraphID {
	t.Helper()
	id := valueobjects.NewGraphID()
	_, err := h.Handle(context.Background(), graphcmd.CreateGraph{Graph: id, Name: "g0"})
	require.NoError(t, err)
	for i := 1; i < version; i++ {
		_, err := h.Handle(context.Background(), graphcmd.RenameGraph{Graph: id, Name: fmt.Sprintf("g%d", i)})
		require.NoError(t, err)
	}
	return id
}

func TestHandle_AppendsAndAcknowledges(t *testing.T) {
	log := memory.NewInMemoryEventLog()
	notifier := &recordingNotifier{}
	h := newHandler(log, Dependencies{Notifier: notifier})
	ctx := common.WithCorrelationID(context.Background(), "corr-1")

	id := valueobjects.NewGraphID()
	ack, err := h.Handle(ctx, graphcmd.CreateGraph{Graph: id, Name: "ideas", Tags: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ack.Version)
	assert.Equal(t, uint64(1), ack.First)
	assert.Equal(t, uint64(1), ack.Last)
	assert.Equal(t, 1, ack.Attempts)

	add := graphcmd.NewAddNode(id, valueobjects.NewNodeContent("first", "note", nil), valueobjects.Position3D{})
	ack, err = h.Handle(ctx, add)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ack.Version)

	envs, err := log.Read(ctx, id, 1)
	require.NoError(t, err)
	var correlations []string
	for envs.Next(ctx) {
		correlations = append(correlations, envs.Envelope().CorrelationID)
	}
	require.NoError(t, envs.Err())
	assert.Equal(t, []string{"corr-1", "corr-1"}, correlations)

	require.Len(t, notifier.ranges, 2)
	assert.Equal(t, uint64(2), notifier.ranges[1].First)
}

func TestHandle_ConflictReloadsAndRetries(t *testing.T) {
	inner := memory.NewInMemoryEventLog()
	log := &interferingLog{EventLog: inner}
	metrics := observability.NewMetrics("test")
	h := newHandler(log, Dependencies{Metrics: metrics})
	id := seed(t, h, 5)

	var other ports.AppendedRange
	log.interfere = func(ctx context.Context) {
		var err error
		other, err = inner.Append(ctx, id, []events.DomainEvent{events.GraphTagged{Tag: "other"}}, 5, events.Metadata{})
		require.NoError(t, err)
	}

	ack, err := h.Handle(context.Background(), graphcmd.RenameGraph{Graph: id, Name: "mine"})
	require.NoError(t, err)

	assert.Equal(t, uint64(6), other.First)
	assert.Equal(t, uint64(6), other.Last)
	assert.Equal(t, uint64(7), ack.First)
	assert.Equal(t, uint64(7), ack.Last)
	assert.Equal(t, 2, ack.Attempts)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AppendConflicts))

	g, err := h.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "mine", g.Name())
	assert.Contains(t, g.Tags(), "other")
}

func TestHandle_ConflictRetriesAreBounded(t *testing.T) {
	inner := memory.NewInMemoryEventLog()
	h := newHandler(inner, Dependencies{})
	id := seed(t, h, 1)

	// every append finds another writer ahead of it
	racing := &racingLog{EventLog: inner, id: id}
	h.log = racing

	_, err := h.Handle(context.Background(), graphcmd.RenameGraph{Graph: id, Name: "never"})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsConcurrencyConflict(err))
	assert.Equal(t, h.opts.MaxRetries+1, racing.calls)
}

type racingLog struct {
	ports.EventLog
	id    valueobjects.GraphID
	calls int
}

func (l *racingLog) Append(ctx context.Context, id valueobjects.GraphID, evts []events.DomainEvent, expected uint64, meta events.Metadata) (ports.AppendedRange, error) {
	l.calls++
	head, err := l.EventLog.Tail(ctx, l.id)
	if err != nil {
		return ports.AppendedRange{}, err
	}
	if _, err := l.EventLog.Append(ctx, l.id, []events.DomainEvent{events.GraphTagged{Tag: fmt.Sprintf("t%d", l.calls)}}, head.Sequence, events.Metadata{}); err != nil {
		return ports.AppendedRange{}, err
	}
	return l.EventLog.Append(ctx, id, evts, expected, meta)
}

func TestHandle_RejectsWithoutAppending(t *testing.T) {
	log := memory.NewInMemoryEventLog()
	h := newHandler(log, Dependencies{})
	id := seed(t, h, 1)

	add := graphcmd.NewAddNode(id, valueobjects.NewNodeContent("n", "", nil), valueobjects.Position3D{})
	_, err := h.Handle(context.Background(), add)
	require.NoError(t, err)

	loop := graphcmd.NewConnectNodes(id, add.NodeID, add.NodeID, valueobjects.DirectedRelationship("self"))
	_, err = h.Handle(context.Background(), loop)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsValidationFailure(err))

	head, err := log.Tail(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), head.Sequence)
}

func TestHandle_UnknownGraph(t *testing.T) {
	h := newHandler(memory.NewInMemoryEventLog(), Dependencies{})
	_, err := h.Handle(context.Background(), graphcmd.RenameGraph{Graph: valueobjects.NewGraphID(), Name: "x"})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsValidationFailure(err))
}

func TestHandle_NoEventsIsAcknowledged(t *testing.T) {
	log := memory.NewInMemoryEventLog()
	notifier := &recordingNotifier{}
	h := newHandler(log, Dependencies{Notifier: notifier})
	id := seed(t, h, 1)

	_, err := h.Handle(context.Background(), graphcmd.TagGraph{Graph: id, Tag: "x"})
	require.NoError(t, err)
	ack, err := h.Handle(context.Background(), graphcmd.TagGraph{Graph: id, Tag: "x"})
	require.NoError(t, err)

	assert.Equal(t, uint64(2), ack.Version)
	assert.Zero(t, ack.First)
	assert.Zero(t, ack.Last)
	assert.Len(t, notifier.ranges, 2)
}

func TestHandle_CancelledBeforeAppend(t *testing.T) {
	log := memory.NewInMemoryEventLog()
	h := newHandler(log, Dependencies{})
	id := seed(t, h, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Handle(ctx, graphcmd.RenameGraph{Graph: id, Name: "late"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	head, err := log.Tail(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), head.Sequence)
}

func TestHandle_ExportFailureDoesNotFailCommand(t *testing.T) {
	sink := new(mockSink)
	sink.On("Export", mock.Anything, mock.Anything).Return(errors.New("bus down"))
	metrics := observability.NewMetrics("test")
	h := newHandler(memory.NewInMemoryEventLog(), Dependencies{Sink: sink, Metrics: metrics})

	ack, err := h.Handle(context.Background(), graphcmd.CreateGraph{Graph: valueobjects.NewGraphID(), Name: "g"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ack.Version)
	sink.AssertNumberOfCalls(t, "Export", 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ExportFailures))
}

func TestLoad_ReplaysOnlyEventsAfterSnapshot(t *testing.T) {
	log := memory.NewInMemoryEventLog()
	store := memory.NewInMemorySnapshotStore()
	snaps := snapshots.NewManager(store, config.NewStaticProvider(nil), snapshots.DefaultOptions(), zap.NewNop(), nil)
	h := newHandler(log, Dependencies{Snapshots: snaps})

	id := seed(t, h, 100)
	snaps.Wait()
	snap, ok, err := store.Latest(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(100), snap.Version)

	for i := 0; i < 10; i++ {
		_, err := h.Handle(context.Background(), graphcmd.RenameGraph{Graph: id, Name: fmt.Sprintf("after%d", i)})
		require.NoError(t, err)
	}
	snaps.Wait()

	g, replayed, err := h.load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, uint64(110), g.Version())
	assert.Equal(t, 10, replayed)
	assert.Equal(t, "after9", g.Name())

	full := newHandler(log, Dependencies{})
	fromScratch, replayed, err := full.load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 110, replayed)
	assert.True(t, g.Equal(fromScratch))
}

func TestForceSnapshot(t *testing.T) {
	store := memory.NewInMemorySnapshotStore()
	snaps := snapshots.NewManager(store, config.NewStaticProvider(nil), snapshots.DefaultOptions(), zap.NewNop(), nil)
	h := newHandler(memory.NewInMemoryEventLog(), Dependencies{Snapshots: snaps})
	id := seed(t, h, 3)

	version, err := h.ForceSnapshot(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), version)

	_, err = newHandler(memory.NewInMemoryEventLog(), Dependencies{}).ForceSnapshot(context.Background(), id)
	assert.Error(t, err)
}

func TestHandle_QuarantinesTamperedStream(t *testing.T) {
	log := memory.NewInMemoryEventLog()
	h := newHandler(log, Dependencies{})
	id := seed(t, h, 3)

	var original string
	require.True(t, log.Tamper(id, 2, func(e *events.Envelope) {
		original = e.Hash
		e.Hash = "deadbeef"
	}))

	_, err := h.Handle(context.Background(), graphcmd.RenameGraph{Graph: id, Name: "x"})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsIntegrityViolation(err))
	assert.Equal(t, []string{id.String()}, h.Quarantined())

	// stays quarantined without touching the log again
	_, err = h.Load(context.Background(), id)
	assert.True(t, pkgerrors.IsIntegrityViolation(err))

	require.True(t, log.Tamper(id, 2, func(e *events.Envelope) { e.Hash = original }))
	assert.True(t, h.Release(id))
	assert.False(t, h.Release(id))

	ack, err := h.Handle(context.Background(), graphcmd.RenameGraph{Graph: id, Name: "x"})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), ack.Version)
	assert.Empty(t, h.Quarantined())
}

// countingLog counts reads so tests can tell retries apart
type countingLog struct {
	ports.EventLog
	mu    sync.Mutex
	reads int
}

func (l *countingLog) Read(ctx context.Context, id valueobjects.GraphID, from uint64) (ports.Stream, error) {
	l.mu.Lock()
	l.reads++
	l.mu.Unlock()
	return l.EventLog.Read(ctx, id, from)
}

func TestHandle_QuarantinesUndecodablePayload(t *testing.T) {
	log := memory.NewInMemoryEventLog()
	id := seed(t, newHandler(log, Dependencies{}), 3)

	// the hash still matches, so only decoding can catch it
	require.True(t, log.Tamper(id, 2, func(e *events.Envelope) {
		e.RawPayload = []byte(`{"new_name":`)
		e.Hash = events.ComputeHash(e)
	}))

	counting := &countingLog{EventLog: log}
	h := newHandler(counting, Dependencies{})
	_, err := h.Handle(context.Background(), graphcmd.RenameGraph{Graph: id, Name: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrStreamQuarantined)
	assert.ErrorIs(t, err, pkgerrors.ErrChainIntegrityViolation)
	assert.Equal(t, 1, counting.reads, "integrity violations are not retried")
	assert.Equal(t, []string{id.String()}, h.Quarantined())
}

func TestLoad_SnapshotNotLinkedToLogFallsBackToGenesis(t *testing.T) {
	log := memory.NewInMemoryEventLog()
	seeder := newHandler(log, Dependencies{})
	id := seed(t, seeder, 3)

	g, err := seeder.Load(context.Background(), id)
	require.NoError(t, err)
	snap, err := versioning.NewSnapshot(g, time.Now())
	require.NoError(t, err)
	snap.State.Head.Hash = "0000"
	snap.Checksum, err = versioning.Checksum(snap.State)
	require.NoError(t, err)

	for _, name := range []string{"g3", "g4"} {
		_, err := seeder.Handle(context.Background(), graphcmd.RenameGraph{Graph: id, Name: name})
		require.NoError(t, err)
	}

	store := memory.NewInMemorySnapshotStore()
	require.NoError(t, store.Save(context.Background(), snap))
	snaps := snapshots.NewManager(store, config.NewStaticProvider(nil), snapshots.DefaultOptions(), zap.NewNop(), nil)
	h := newHandler(log, Dependencies{Snapshots: snaps})

	loaded, replayed, err := h.load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 5, replayed)
	assert.Equal(t, uint64(5), loaded.Version())
	assert.Equal(t, "g4", loaded.Name())
	assert.Empty(t, h.Quarantined())
}

func TestHandle_SharedQuarantine(t *testing.T) {
	log := memory.NewInMemoryEventLog()
	held := quarantine.NewRegistry(zap.NewNop())
	h := newHandler(log, Dependencies{Quarantine: held})
	id := seed(t, h, 2)

	// a violation found elsewhere, e.g. by a projection, blocks commands
	_ = held.Add(id, pkgerrors.ChainIntegrityViolation(id.String(), 2, "previous hash does not link to predecessor"))
	_, err := h.Handle(context.Background(), graphcmd.RenameGraph{Graph: id, Name: "x"})
	assert.ErrorIs(t, err, pkgerrors.ErrStreamQuarantined)
	assert.Equal(t, []string{id.String()}, h.Quarantined())

	assert.True(t, h.Release(id))
	assert.NoError(t, held.Check(id))
	_, err = h.Handle(context.Background(), graphcmd.RenameGraph{Graph: id, Name: "x"})
	assert.NoError(t, err)
}

func TestLoadAt_QuarantinesTamperedStream(t *testing.T) {
	log := memory.NewInMemoryEventLog()
	h := newHandler(log, Dependencies{})
	id := seed(t, h, 3)

	require.True(t, log.Tamper(id, 1, func(e *events.Envelope) { e.PrevHash = "feed" }))

	_, err := h.LoadAt(context.Background(), id, time.Now().Add(time.Hour))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsIntegrityViolation(err))
	assert.Equal(t, []string{id.String()}, h.Quarantined())
}

func TestLoadAt(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var tick int
	clock := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	log := memory.NewInMemoryEventLog(memory.WithClock(clock))
	h := newHandler(log, Dependencies{})
	id := seed(t, h, 3) // g0 at +1m, g1 at +2m, g2 at +3m

	g, err := h.LoadAt(context.Background(), id, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), g.Version())
	assert.Equal(t, "g1", g.Name())

	_, err = h.LoadAt(context.Background(), id, base)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsValidationFailure(err))
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{pkgerrors.ConcurrencyConflict("g", 1, 2), "conflict"},
		{pkgerrors.StreamQuarantined("g", errors.New("bad hash")), "quarantined"},
		{pkgerrors.SelfLoopNotAllowed("n"), "rejected"},
		{context.Canceled, "cancelled"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusOf(tt.err))
	}
}
