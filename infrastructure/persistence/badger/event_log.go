package badger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"graphcore/application/ports"
	"graphcore/domain/core/valueobjects"
	"graphcore/domain/events"
	"graphcore/infrastructure/persistence/streams"
	pkgerrors "graphcore/pkg/errors"

	"github.com/dgraph-io/badger/v4"
)

// Option configures a BadgerEventLog
type Option func(*BadgerEventLog)

// WithClock overrides the time source used to seal envelopes
func WithClock(now func() time.Time) Option {
	return func(l *BadgerEventLog) { l.now = now }
}

// WithUpcaster hydrates read envelopes through u
func WithUpcaster(u events.Upcaster) Option {
	return func(l *BadgerEventLog) { l.upcaster = u }
}

// BadgerEventLog persists streams in BadgerDB. Compare-and-append runs in one
// read-write transaction; Badger's optimistic conflict detection rejects the
// loser of two concurrent appends.
type BadgerEventLog struct {
	db       *badger.DB
	now      func() time.Time
	upcaster events.Upcaster
}

var _ ports.EventLog = (*BadgerEventLog)(nil)

// NewBadgerEventLog wraps an open database
func NewBadgerEventLog(db *badger.DB, opts ...Option) *BadgerEventLog {
	l := &BadgerEventLog{db: db, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func readHead(txn *badger.Txn, graph string) (events.ChainHead, error) {
	item, err := txn.Get(headKey(graph))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return events.Genesis(), nil
	}
	if err != nil {
		return events.ChainHead{}, err
	}
	var head events.ChainHead
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &head)
	})
	return head, err
}

// Append seals evts onto the stream when its tail matches expectedVersion
func (l *BadgerEventLog) Append(ctx context.Context, id valueobjects.GraphID, evts []events.DomainEvent, expectedVersion uint64, meta events.Metadata) (ports.AppendedRange, error) {
	if err := ctx.Err(); err != nil {
		return ports.AppendedRange{}, pkgerrors.StorageTimeout("append", err)
	}
	graph := id.String()

	var sealed []events.Envelope
	err := l.db.Update(func(txn *badger.Txn) error {
		head, err := readHead(txn, graph)
		if err != nil {
			return err
		}
		if head.Sequence != expectedVersion {
			return pkgerrors.ConcurrencyConflict(graph, expectedVersion, head.Sequence)
		}
		if len(evts) == 0 {
			return nil
		}

		sealed, err = events.Seal(id, head, evts, meta, l.now())
		if err != nil {
			return err
		}
		for _, env := range sealed {
			data, err := json.Marshal(env)
			if err != nil {
				return fmt.Errorf("marshal envelope %d: %w", env.Sequence, err)
			}
			if err := txn.Set(eventKey(graph, env.Sequence), data); err != nil {
				return err
			}
		}
		headData, err := json.Marshal(sealed[len(sealed)-1].Head())
		if err != nil {
			return err
		}
		return txn.Set(headKey(graph), headData)
	})

	switch {
	case err == nil:
	case errors.Is(err, badger.ErrConflict):
		actual, tailErr := l.Tail(ctx, id)
		if tailErr != nil {
			return ports.AppendedRange{}, pkgerrors.ConcurrencyConflict(graph, expectedVersion, expectedVersion)
		}
		return ports.AppendedRange{}, pkgerrors.ConcurrencyConflict(graph, expectedVersion, actual.Sequence)
	case pkgerrors.GetDomainError(err) != nil:
		return ports.AppendedRange{}, err
	default:
		return ports.AppendedRange{}, pkgerrors.StorageUnavailable("append", err)
	}

	if len(sealed) == 0 {
		return ports.AppendedRange{}, nil
	}
	return ports.AppendedRange{
		First:     sealed[0].Sequence,
		Last:      sealed[len(sealed)-1].Sequence,
		Envelopes: sealed,
	}, nil
}

func (l *BadgerEventLog) page(graph string) streams.PageFunc {
	return func(ctx context.Context, after uint64, limit int) ([]events.Envelope, error) {
		out := make([]events.Envelope, 0, limit)
		err := l.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = eventPrefix(graph)
			opts.PrefetchSize = limit
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Seek(eventKey(graph, after+1)); it.Valid() && len(out) < limit; it.Next() {
				var env events.Envelope
				var decodeErr error
				if err := it.Item().Value(func(val []byte) error {
					decodeErr = json.Unmarshal(val, &env)
					return nil
				}); err != nil {
					return err
				}
				if decodeErr != nil {
					// keys are contiguous, so a broken record sits right after the last good one
					return pkgerrors.ChainIntegrityViolation(graph, after+uint64(len(out))+1,
						fmt.Sprintf("unreadable event record %s: %v", it.Item().Key(), decodeErr))
				}
				out = append(out, env)
			}
			return nil
		})
		if pkgerrors.IsIntegrityViolation(err) {
			return nil, err
		}
		if err != nil {
			return nil, pkgerrors.StorageUnavailable("read", err)
		}
		return out, nil
	}
}

// Read streams envelopes from fromSequence
func (l *BadgerEventLog) Read(ctx context.Context, id valueobjects.GraphID, fromSequence uint64) (ports.Stream, error) {
	return streams.NewPaged(l.page(id.String()), fromSequence, streams.WithUpcaster(l.upcaster)), nil
}

// ReadUntil streams envelopes with timestamp <= until
func (l *BadgerEventLog) ReadUntil(ctx context.Context, id valueobjects.GraphID, until time.Time) (ports.Stream, error) {
	return streams.NewPaged(l.page(id.String()), 1, streams.WithUpcaster(l.upcaster), streams.WithUntil(until)), nil
}

// Tail returns the head of the stream
func (l *BadgerEventLog) Tail(ctx context.Context, id valueobjects.GraphID) (events.ChainHead, error) {
	var head events.ChainHead
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		head, err = readHead(txn, id.String())
		return err
	})
	if err != nil {
		return events.ChainHead{}, pkgerrors.StorageUnavailable("tail", err)
	}
	return head, nil
}

// Streams lists every stream with a head
func (l *BadgerEventLog) Streams(ctx context.Context) ([]valueobjects.GraphID, error) {
	var ids []valueobjects.GraphID
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = headPrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			raw := bytes.TrimPrefix(it.Item().Key(), headPrefix)
			id, err := valueobjects.NewGraphIDFromString(string(raw))
			if err != nil {
				return fmt.Errorf("invalid stream key %q: %w", it.Item().Key(), err)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, pkgerrors.StorageUnavailable("streams", err)
	}
	return ids, nil
}
