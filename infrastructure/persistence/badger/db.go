// Package badger stores events, snapshots and projection checkpoints in an
// embedded BadgerDB.
//
// Key layout:
//
//	evt/<graph>/<sequence %020d>   envelope JSON
//	head/<graph>                   chain head JSON
//	snap/<graph>/<version %020d>   snapshot JSON
//	ckpt/<projection>/<graph>      checkpoint JSON
package badger

import (
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Config holds configuration for a BadgerDB instance
type Config struct {
	// Path is ignored when InMemory is true
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *zap.Logger
}

// InMemoryConfig returns configuration for tests
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// zapLogger adapts zap to BadgerDB's Logger interface
type zapLogger struct {
	sugar *zap.SugaredLogger
}

func (l *zapLogger) Errorf(format string, args ...interface{})   { l.sugar.Errorf(format, args...) }
func (l *zapLogger) Warningf(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }
func (l *zapLogger) Infof(format string, args ...interface{})    { l.sugar.Infof(format, args...) }
func (l *zapLogger) Debugf(format string, args ...interface{})   { l.sugar.Debugf(format, args...) }

// Open opens the database. The caller owns the returned handle.
func Open(cfg Config) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&zapLogger{sugar: cfg.Logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return db, nil
}

func eventPrefix(graph string) []byte { return []byte("evt/" + graph + "/") }

func eventKey(graph string, seq uint64) []byte {
	return []byte(fmt.Sprintf("evt/%s/%020d", graph, seq))
}

func headKey(graph string) []byte { return []byte("head/" + graph) }

var headPrefix = []byte("head/")

func snapshotPrefix(graph string) []byte { return []byte("snap/" + graph + "/") }

func snapshotKey(graph string, version uint64) []byte {
	return []byte(fmt.Sprintf("snap/%s/%020d", graph, version))
}

func checkpointPrefix(projection string) []byte { return []byte("ckpt/" + projection + "/") }

func checkpointKey(projection, graph string) []byte {
	return []byte("ckpt/" + projection + "/" + graph)
}
