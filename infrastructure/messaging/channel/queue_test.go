package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"graphcore/domain/core/valueobjects"
	"graphcore/domain/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func envelope(id valueobjects.GraphID, seq uint64) events.Envelope {
	return events.Envelope{AggregateID: id, Sequence: seq, Hash: "h", PrevHash: "p"}
}

func TestQueue_ConsumeInOrderAndSkipsRedelivery(t *testing.T) {
	q := NewQueue(8, zap.NewNop())
	id := valueobjects.NewGraphID()

	require.NoError(t, q.Export(context.Background(), []events.Envelope{envelope(id, 1), envelope(id, 2)}))
	// redelivery after an uncertain export
	require.NoError(t, q.Export(context.Background(), []events.Envelope{envelope(id, 2), envelope(id, 3)}))
	q.Close()

	var got []uint64
	q.Consume(context.Background(), func(_ context.Context, env events.Envelope) error {
		got = append(got, env.Sequence)
		return nil
	})
	assert.Equal(t, []uint64{1, 2, 3}, got)
}

func TestQueue_FullQueueHonoursContext(t *testing.T) {
	q := NewQueue(1, zap.NewNop())
	id := valueobjects.NewGraphID()
	require.NoError(t, q.Export(context.Background(), []events.Envelope{envelope(id, 1)}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Export(ctx, []events.Envelope{envelope(id, 2)})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, q.Len())
}

func TestQueue_CloseReleasesBlockedExporter(t *testing.T) {
	q := NewQueue(1, zap.NewNop())
	id := valueobjects.NewGraphID()
	require.NoError(t, q.Export(context.Background(), []events.Envelope{envelope(id, 1)}))

	var wg sync.WaitGroup
	var err error
	wg.Add(1)
	go func() {
		defer wg.Done()
		err = q.Export(context.Background(), []events.Envelope{envelope(id, 2)})
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()
	wg.Wait()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, q.Export(context.Background(), nil), ErrClosed)
}

func TestDeduplicator_PerAggregate(t *testing.T) {
	d := NewDeduplicator()
	a, b := valueobjects.NewGraphID(), valueobjects.NewGraphID()

	assert.True(t, d.First(envelope(a, 1)))
	assert.True(t, d.First(envelope(b, 1)))
	assert.False(t, d.First(envelope(a, 1)))
	assert.True(t, d.First(envelope(a, 5)))
	assert.False(t, d.First(envelope(a, 3)))
}
