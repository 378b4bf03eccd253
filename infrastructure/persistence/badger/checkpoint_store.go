package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"graphcore/application/ports"
	pkgerrors "graphcore/pkg/errors"

	"github.com/dgraph-io/badger/v4"
)

// BadgerCheckpointStore persists projection checkpoints
type BadgerCheckpointStore struct {
	db *badger.DB
}

var _ ports.CheckpointStore = (*BadgerCheckpointStore)(nil)

func NewBadgerCheckpointStore(db *badger.DB) *BadgerCheckpointStore {
	return &BadgerCheckpointStore{db: db}
}

// SaveCheckpoint writes cp unless a checkpoint further ahead is stored
func (s *BadgerCheckpointStore) SaveCheckpoint(ctx context.Context, cp ports.Checkpoint) error {
	key := checkpointKey(cp.Projection, cp.AggregateID.String())
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			var existing ports.Checkpoint
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &existing) }); err != nil {
				return err
			}
			if existing.Watermark > cp.Watermark {
				return nil
			}
		}
		return txn.Set(key, data)
	})
	if errors.Is(err, badger.ErrConflict) {
		// a concurrent writer for the same projection won; it is at least as far
		return nil
	}
	if err != nil {
		return pkgerrors.StorageUnavailable("save checkpoint", err)
	}
	return nil
}

// LoadCheckpoints returns every checkpoint of a projection
func (s *BadgerCheckpointStore) LoadCheckpoints(ctx context.Context, projection string) ([]ports.Checkpoint, error) {
	var out []ports.Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = checkpointPrefix(projection)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var cp ports.Checkpoint
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &cp) }); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, cp)
		}
		return nil
	})
	if err != nil {
		return nil, pkgerrors.StorageUnavailable("load checkpoints", err)
	}
	return out, nil
}
