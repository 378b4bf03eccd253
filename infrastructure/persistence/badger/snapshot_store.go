package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"graphcore/application/ports"
	"graphcore/domain/core/valueobjects"
	"graphcore/domain/versioning"
	pkgerrors "graphcore/pkg/errors"

	"github.com/dgraph-io/badger/v4"
)

// BadgerSnapshotStore keeps snapshots under snap/<graph>/<version>
type BadgerSnapshotStore struct {
	db *badger.DB
}

var _ ports.SnapshotStore = (*BadgerSnapshotStore)(nil)

func NewBadgerSnapshotStore(db *badger.DB) *BadgerSnapshotStore {
	return &BadgerSnapshotStore{db: db}
}

// Save writes snap
func (s *BadgerSnapshotStore) Save(ctx context.Context, snap *versioning.Snapshot) error {
	if snap == nil || snap.GraphID.IsZero() {
		return fmt.Errorf("invalid snapshot")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(snap.GraphID.String(), snap.Version), data)
	})
	if err != nil {
		return pkgerrors.StorageUnavailable("save snapshot", err)
	}
	return nil
}

// Latest seeks backwards from the end of the graph's snapshot range
func (s *BadgerSnapshotStore) Latest(ctx context.Context, id valueobjects.GraphID) (*versioning.Snapshot, bool, error) {
	var snap *versioning.Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := snapshotPrefix(id.String())
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(append(append([]byte{}, prefix...), 0xFF))
		if !it.Valid() {
			return nil
		}
		var decoded versioning.Snapshot
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &decoded)
		}); err != nil {
			return err
		}
		snap = &decoded
		return nil
	})
	if err != nil {
		return nil, false, pkgerrors.StorageUnavailable("load snapshot", err)
	}
	return snap, snap != nil, nil
}

// Get loads one version
func (s *BadgerSnapshotStore) Get(ctx context.Context, id valueobjects.GraphID, version uint64) (*versioning.Snapshot, bool, error) {
	var snap *versioning.Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(id.String(), version))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var decoded versioning.Snapshot
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &decoded)
		}); err != nil {
			return err
		}
		snap = &decoded
		return nil
	})
	if err != nil {
		return nil, false, pkgerrors.StorageUnavailable("load snapshot", err)
	}
	return snap, snap != nil, nil
}

// Versions lists stored versions ascending; keys sort by zero-padded version
func (s *BadgerSnapshotStore) Versions(ctx context.Context, id valueobjects.GraphID) ([]uint64, error) {
	var out []uint64
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := snapshotPrefix(id.String())
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			raw := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			v, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid snapshot key %q: %w", it.Item().Key(), err)
			}
			out = append(out, v)
		}
		return nil
	})
	if err != nil {
		return nil, pkgerrors.StorageUnavailable("list snapshots", err)
	}
	return out, nil
}

// Delete removes one version
func (s *BadgerSnapshotStore) Delete(ctx context.Context, id valueobjects.GraphID, version uint64) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(snapshotKey(id.String(), version))
	})
	if err != nil {
		return pkgerrors.StorageUnavailable("delete snapshot", err)
	}
	return nil
}
