package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"graphcore/application/ports"
	"graphcore/domain/core/valueobjects"
	"graphcore/domain/events"
	"graphcore/infrastructure/persistence/streams"
	pkgerrors "graphcore/pkg/errors"
)

// Option configures an InMemoryEventLog
type Option func(*InMemoryEventLog)

// WithClock overrides the time source used to seal envelopes
func WithClock(now func() time.Time) Option {
	return func(l *InMemoryEventLog) { l.now = now }
}

// WithUpcaster hydrates read envelopes through u
func WithUpcaster(u events.Upcaster) Option {
	return func(l *InMemoryEventLog) { l.upcaster = u }
}

// InMemoryEventLog keeps every stream in process memory. The map lock is only
// held to find a stream; compare-and-append holds that stream's lock alone.
type InMemoryEventLog struct {
	mu       sync.RWMutex
	streams  map[valueobjects.GraphID]*memStream
	now      func() time.Time
	upcaster events.Upcaster
}

type memStream struct {
	mu   sync.Mutex
	envs []events.Envelope
}

var _ ports.EventLog = (*InMemoryEventLog)(nil)

// NewInMemoryEventLog creates an empty log
func NewInMemoryEventLog(opts ...Option) *InMemoryEventLog {
	l := &InMemoryEventLog{
		streams: make(map[valueobjects.GraphID]*memStream),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *InMemoryEventLog) stream(id valueobjects.GraphID, create bool) *memStream {
	l.mu.RLock()
	s, ok := l.streams[id]
	l.mu.RUnlock()
	if ok || !create {
		return s
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok = l.streams[id]; !ok {
		s = &memStream{}
		l.streams[id] = s
	}
	return s
}

// Append seals evts onto the stream when its tail matches expectedVersion
func (l *InMemoryEventLog) Append(ctx context.Context, id valueobjects.GraphID, evts []events.DomainEvent, expectedVersion uint64, meta events.Metadata) (ports.AppendedRange, error) {
	if err := ctx.Err(); err != nil {
		return ports.AppendedRange{}, pkgerrors.StorageTimeout("append", err)
	}
	s := l.stream(id, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	actual := uint64(len(s.envs))
	if actual != expectedVersion {
		return ports.AppendedRange{}, pkgerrors.ConcurrencyConflict(id.String(), expectedVersion, actual)
	}
	if len(evts) == 0 {
		return ports.AppendedRange{}, nil
	}

	head := events.Genesis()
	if actual > 0 {
		head = s.envs[actual-1].Head()
	}
	sealed, err := events.Seal(id, head, evts, meta, l.now())
	if err != nil {
		return ports.AppendedRange{}, err
	}
	s.envs = append(s.envs, sealed...)

	return ports.AppendedRange{
		First:     sealed[0].Sequence,
		Last:      sealed[len(sealed)-1].Sequence,
		Envelopes: sealed,
	}, nil
}

func (l *InMemoryEventLog) page(id valueobjects.GraphID) streams.PageFunc {
	return func(ctx context.Context, after uint64, limit int) ([]events.Envelope, error) {
		s := l.stream(id, false)
		if s == nil {
			return nil, nil
		}
		s.mu.Lock()
		defer s.mu.Unlock()

		// sequence n lives at index n-1
		if after >= uint64(len(s.envs)) {
			return nil, nil
		}
		end := after + uint64(limit)
		if end > uint64(len(s.envs)) {
			end = uint64(len(s.envs))
		}
		out := make([]events.Envelope, end-after)
		copy(out, s.envs[after:end])
		return out, nil
	}
}

// Read streams envelopes from fromSequence
func (l *InMemoryEventLog) Read(ctx context.Context, id valueobjects.GraphID, fromSequence uint64) (ports.Stream, error) {
	return streams.NewPaged(l.page(id), fromSequence, streams.WithUpcaster(l.upcaster)), nil
}

// ReadUntil streams envelopes with timestamp <= until
func (l *InMemoryEventLog) ReadUntil(ctx context.Context, id valueobjects.GraphID, until time.Time) (ports.Stream, error) {
	return streams.NewPaged(l.page(id), 1, streams.WithUpcaster(l.upcaster), streams.WithUntil(until)), nil
}

// Tail returns the head of the stream
func (l *InMemoryEventLog) Tail(ctx context.Context, id valueobjects.GraphID) (events.ChainHead, error) {
	s := l.stream(id, false)
	if s == nil {
		return events.Genesis(), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.envs) == 0 {
		return events.Genesis(), nil
	}
	return s.envs[len(s.envs)-1].Head(), nil
}

// Streams lists non-empty streams sorted by id
func (l *InMemoryEventLog) Streams(ctx context.Context) ([]valueobjects.GraphID, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]valueobjects.GraphID, 0, len(l.streams))
	for id, s := range l.streams {
		s.mu.Lock()
		n := len(s.envs)
		s.mu.Unlock()
		if n > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

// Tamper replaces the stored envelope at sequence. It exists so integrity
// checks can be exercised end to end.
func (l *InMemoryEventLog) Tamper(id valueobjects.GraphID, sequence uint64, mutate func(*events.Envelope)) bool {
	s := l.stream(id, false)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sequence == 0 || sequence > uint64(len(s.envs)) {
		return false
	}
	mutate(&s.envs[sequence-1])
	return true
}
