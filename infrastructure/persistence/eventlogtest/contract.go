// Package eventlogtest holds the behavioural suite every EventLog backend
// must pass.
package eventlogtest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"graphcore/application/ports"
	"graphcore/domain/core/valueobjects"
	"graphcore/domain/events"
	"graphcore/infrastructure/persistence/streams"
	pkgerrors "graphcore/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory builds a fresh, empty log that seals with now
type Factory func(t *testing.T, now func() time.Time) ports.EventLog

// SteppingClock returns a clock that advances one second per call
func SteppingClock(start time.Time) func() time.Time {
	var ticks int64
	return func() time.Time {
		n := atomic.AddInt64(&ticks, 1)
		return start.Add(time.Duration(n) * time.Second)
	}
}

func tags(n int) []events.DomainEvent {
	out := make([]events.DomainEvent, n)
	for i := range out {
		out[i] = events.GraphTagged{Tag: "t"}
	}
	return out
}

func seed(t *testing.T, log ports.EventLog, id valueobjects.GraphID, n int) {
	t.Helper()
	ctx := context.Background()
	_, err := log.Append(ctx, id, []events.DomainEvent{events.GraphCreated{GraphID: id, Name: "g", Tags: []string{}}}, 0, events.Metadata{})
	require.NoError(t, err)
	for i := 1; i < n; i++ {
		_, err := log.Append(ctx, id, tags(1), uint64(i), events.Metadata{})
		require.NoError(t, err)
	}
}

func readAll(t *testing.T, log ports.EventLog, id valueobjects.GraphID, from uint64) []events.Envelope {
	t.Helper()
	s, err := log.Read(context.Background(), id, from)
	require.NoError(t, err)
	envs, err := streams.Collect(context.Background(), s)
	require.NoError(t, err)
	return envs
}

// Run executes the suite against logs built by factory
func Run(t *testing.T, factory Factory) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("append to empty stream", func(t *testing.T) {
		log := factory(t, SteppingClock(start))
		id := valueobjects.NewGraphID()
		meta := events.Metadata{CausationID: "cmd-1", CorrelationID: "req-1"}

		r, err := log.Append(context.Background(), id, []events.DomainEvent{
			events.GraphCreated{GraphID: id, Name: "g", Tags: []string{}},
			events.GraphTagged{Tag: "a"},
		}, 0, meta)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), r.First)
		assert.Equal(t, uint64(2), r.Last)
		require.Len(t, r.Envelopes, 2)
		assert.Equal(t, events.GenesisHash, r.Envelopes[0].PrevHash)

		envs := readAll(t, log, id, 1)
		require.Len(t, envs, 2)
		require.NoError(t, events.VerifyChain(id, envs))
		assert.Equal(t, "req-1", envs[1].CorrelationID)
		assert.Equal(t, events.GraphTagged{Tag: "a"}, envs[1].Payload)
		assert.Equal(t, r.Envelopes[1].Hash, envs[1].Hash)
	})

	t.Run("stale append writes nothing", func(t *testing.T) {
		log := factory(t, SteppingClock(start))
		id := valueobjects.NewGraphID()
		seed(t, log, id, 3)
		before, err := log.Tail(context.Background(), id)
		require.NoError(t, err)

		tests := []struct {
			name     string
			expected uint64
		}{
			{"behind", 1},
			{"ahead", 7},
			{"zero", 0},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := log.Append(context.Background(), id, tags(2), tt.expected, events.Metadata{})
				assert.ErrorIs(t, err, pkgerrors.ErrConcurrencyConflict)
				assert.True(t, pkgerrors.IsRetryable(err))

				after, err := log.Tail(context.Background(), id)
				require.NoError(t, err)
				assert.Equal(t, before, after)
				assert.Len(t, readAll(t, log, id, 1), 3)
			})
		}
	})

	t.Run("concurrent append at version 5", func(t *testing.T) {
		log := factory(t, SteppingClock(start))
		id := valueobjects.NewGraphID()
		seed(t, log, id, 5)

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			ranges    []ports.AppendedRange
			conflicts int
		)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r, err := log.Append(context.Background(), id, tags(1), 5, events.Metadata{})
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					assert.ErrorIs(t, err, pkgerrors.ErrConcurrencyConflict)
					conflicts++
					return
				}
				ranges = append(ranges, r)
			}()
		}
		wg.Wait()

		require.Len(t, ranges, 1)
		assert.Equal(t, 1, conflicts)
		assert.Equal(t, uint64(6), ranges[0].First)
		assert.Equal(t, uint64(6), ranges[0].Last)

		retry, err := log.Append(context.Background(), id, tags(1), 6, events.Metadata{})
		require.NoError(t, err)
		assert.Equal(t, uint64(7), retry.First)
		assert.Equal(t, uint64(7), retry.Last)
		require.NoError(t, events.VerifyChain(id, readAll(t, log, id, 1)))
	})

	t.Run("read from offset and reset", func(t *testing.T) {
		log := factory(t, SteppingClock(start))
		id := valueobjects.NewGraphID()
		seed(t, log, id, 10)

		s, err := log.Read(context.Background(), id, 4)
		require.NoError(t, err)
		var first []uint64
		for s.Next(context.Background()) {
			first = append(first, s.Envelope().Sequence)
		}
		require.NoError(t, s.Err())
		assert.Equal(t, []uint64{4, 5, 6, 7, 8, 9, 10}, first)

		s.Reset()
		require.True(t, s.Next(context.Background()))
		assert.Equal(t, uint64(4), s.Envelope().Sequence)
		require.NoError(t, s.Close())

		assert.Empty(t, readAll(t, log, id, 11))
	})

	t.Run("read spans pages", func(t *testing.T) {
		log := factory(t, SteppingClock(start))
		id := valueobjects.NewGraphID()
		seed(t, log, id, 1)
		total := streams.DefaultPageSize*2 + 7
		_, err := log.Append(context.Background(), id, tags(total-1), 1, events.Metadata{})
		require.NoError(t, err)

		envs := readAll(t, log, id, 1)
		require.Len(t, envs, total)
		require.NoError(t, events.VerifyChain(id, envs))
	})

	t.Run("read until is a prefix", func(t *testing.T) {
		log := factory(t, SteppingClock(start))
		id := valueobjects.NewGraphID()
		seed(t, log, id, 6)
		all := readAll(t, log, id, 1)
		cut := all[3].Timestamp

		s, err := log.ReadUntil(context.Background(), id, cut)
		require.NoError(t, err)
		prefix, err := streams.Collect(context.Background(), s)
		require.NoError(t, err)
		require.Len(t, prefix, 4)
		for i := range prefix {
			assert.Equal(t, all[i].Hash, prefix[i].Hash)
		}

		s, err = log.ReadUntil(context.Background(), id, start)
		require.NoError(t, err)
		none, err := streams.Collect(context.Background(), s)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("tail and streams", func(t *testing.T) {
		log := factory(t, SteppingClock(start))
		a, b := valueobjects.NewGraphID(), valueobjects.NewGraphID()

		head, err := log.Tail(context.Background(), a)
		require.NoError(t, err)
		assert.True(t, head.IsGenesis())

		seed(t, log, a, 2)
		seed(t, log, b, 1)
		head, err = log.Tail(context.Background(), a)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), head.Sequence)

		ids, err := log.Streams(context.Background())
		require.NoError(t, err)
		assert.ElementsMatch(t, []valueobjects.GraphID{a, b}, ids)
	})

	t.Run("unknown stream reads empty", func(t *testing.T) {
		log := factory(t, SteppingClock(start))
		assert.Empty(t, readAll(t, log, valueobjects.NewGraphID(), 1))
	})

	t.Run("timestamps never go backwards", func(t *testing.T) {
		var calls int64
		backwards := func() time.Time {
			n := atomic.AddInt64(&calls, 1)
			return start.Add(-time.Duration(n) * time.Minute)
		}
		log := factory(t, backwards)
		id := valueobjects.NewGraphID()
		seed(t, log, id, 4)

		envs := readAll(t, log, id, 1)
		for i := 1; i < len(envs); i++ {
			assert.False(t, envs[i].Timestamp.Before(envs[i-1].Timestamp))
		}
	})
}
