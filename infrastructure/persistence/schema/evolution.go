// Package schema migrates stored event payloads between schema versions.
package schema

import (
	"encoding/json"
	"fmt"
	"sync"

	"graphcore/domain/events"
)

// UpcastFunc rewrites one payload from FromVersion to FromVersion+1
type UpcastFunc func(raw json.RawMessage) (json.RawMessage, error)

// Migration is a single payload step for one event type
type Migration struct {
	EventType   events.EventType `json:"event_type"`
	FromVersion int              `json:"from_version"`
	Description string           `json:"description"`
	Up          UpcastFunc       `json:"-"`
}

type migrationKey struct {
	eventType events.EventType
	from      int
}

// SchemaEvolution is a registry of payload migrations. It implements
// events.Upcaster by chaining single-version steps up to the current schema.
type SchemaEvolution struct {
	mu             sync.RWMutex
	currentVersion int
	migrations     map[migrationKey]Migration
}

var _ events.Upcaster = (*SchemaEvolution)(nil)

// NewSchemaEvolution creates an empty registry targeting the current schema
func NewSchemaEvolution() *SchemaEvolution {
	return &SchemaEvolution{
		currentVersion: events.CurrentSchemaVersion,
		migrations:     make(map[migrationKey]Migration),
	}
}

// RegisterMigration adds a step. Steps must move exactly one version forward
// and may not be registered twice.
func (s *SchemaEvolution) RegisterMigration(m Migration) error {
	if m.Up == nil {
		return fmt.Errorf("migration for %s v%d has no up function", m.EventType, m.FromVersion)
	}
	if m.FromVersion < 0 || m.FromVersion >= s.currentVersion {
		return fmt.Errorf("invalid migration: from_version %d must be below current version %d",
			m.FromVersion, s.currentVersion)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := migrationKey{m.EventType, m.FromVersion}
	if _, exists := s.migrations[key]; exists {
		return fmt.Errorf("migration for %s from %d already exists", m.EventType, m.FromVersion)
	}
	s.migrations[key] = m
	return nil
}

// Upcast applies registered steps from fromVersion up to the current version.
// A gap in the chain is an error: the payload cannot be read safely.
func (s *SchemaEvolution) Upcast(t events.EventType, fromVersion int, raw json.RawMessage) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := raw
	for v := fromVersion; v < s.currentVersion; v++ {
		m, ok := s.migrations[migrationKey{t, v}]
		if !ok {
			return nil, fmt.Errorf("no migration found for %s from version %d to %d", t, v, v+1)
		}
		next, err := m.Up(out)
		if err != nil {
			return nil, fmt.Errorf("migration %s %d->%d failed: %w", t, v, v+1, err)
		}
		out = next
	}
	return out, nil
}

// GetCurrentVersion returns the target schema version
func (s *SchemaEvolution) GetCurrentVersion() int {
	return s.currentVersion
}

// Migrations lists registered steps
func (s *SchemaEvolution) Migrations() []Migration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Migration, 0, len(s.migrations))
	for _, m := range s.migrations {
		out = append(out, m)
	}
	return out
}

// RenameField returns a step that moves a top-level JSON field. Fields that
// are absent are left alone.
func RenameField(from, to string) UpcastFunc {
	return func(raw json.RawMessage) (json.RawMessage, error) {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, err
		}
		if v, ok := obj[from]; ok {
			obj[to] = v
			delete(obj, from)
		}
		return json.Marshal(obj)
	}
}

// DefaultField returns a step that sets a top-level field when it is missing
func DefaultField(field string, value interface{}) UpcastFunc {
	return func(raw json.RawMessage) (json.RawMessage, error) {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, err
		}
		if _, ok := obj[field]; !ok {
			encoded, err := json.Marshal(value)
			if err != nil {
				return nil, err
			}
			obj[field] = encoded
		}
		return json.Marshal(obj)
	}
}

// NewDefaultSchemaEvolution returns the registry used by the running service.
// Version 0 payloads predate the tags field on graph.created.
func NewDefaultSchemaEvolution() *SchemaEvolution {
	s := NewSchemaEvolution()
	_ = s.RegisterMigration(Migration{
		EventType:   events.TypeGraphCreated,
		FromVersion: 0,
		Description: "add empty tags to graph.created",
		Up:          DefaultField("tags", []string{}),
	})
	return s
}
