package valueobjects

import (
	"fmt"

	"github.com/google/uuid"
)

// GraphID identifies a graph aggregate and therefore its event stream.
// Also used as the optional containing-subgraph reference of nodes and edges.
type GraphID struct {
	value string
}

// NewGraphID creates a new random GraphID
func NewGraphID() GraphID {
	return GraphID{value: uuid.New().String()}
}

// NewGraphIDFromString creates a GraphID from an existing string
func NewGraphIDFromString(id string) (GraphID, error) {
	v, err := parseID("graph", id)
	if err != nil {
		return GraphID{}, err
	}
	return GraphID{value: v}, nil
}

func (id GraphID) String() string            { return id.value }
func (id GraphID) Equals(other GraphID) bool { return id.value == other.value }
func (id GraphID) IsZero() bool              { return id.value == "" }

// MarshalText implements encoding.TextMarshaler
func (id GraphID) MarshalText() ([]byte, error) { return []byte(id.value), nil }

// UnmarshalText implements encoding.TextUnmarshaler. Empty text is the zero ID.
func (id *GraphID) UnmarshalText(data []byte) error {
	v, err := parseOptionalID("graph", string(data))
	if err != nil {
		return err
	}
	id.value = v
	return nil
}

// NodeID is a value object representing a unique node identifier
type NodeID struct {
	value string
}

// NewNodeID creates a new random NodeID
func NewNodeID() NodeID {
	return NodeID{value: uuid.New().String()}
}

// NewNodeIDFromString creates a NodeID from an existing string
func NewNodeIDFromString(id string) (NodeID, error) {
	v, err := parseID("node", id)
	if err != nil {
		return NodeID{}, err
	}
	return NodeID{value: v}, nil
}

func (id NodeID) String() string           { return id.value }
func (id NodeID) Equals(other NodeID) bool { return id.value == other.value }
func (id NodeID) IsZero() bool             { return id.value == "" }

func (id NodeID) MarshalText() ([]byte, error) { return []byte(id.value), nil }

func (id *NodeID) UnmarshalText(data []byte) error {
	v, err := parseOptionalID("node", string(data))
	if err != nil {
		return err
	}
	id.value = v
	return nil
}

// EdgeID is a value object representing a unique edge identifier
type EdgeID struct {
	value string
}

// NewEdgeID creates a new random EdgeID
func NewEdgeID() EdgeID {
	return EdgeID{value: uuid.New().String()}
}

// NewEdgeIDFromString creates an EdgeID from an existing string
func NewEdgeIDFromString(id string) (EdgeID, error) {
	v, err := parseID("edge", id)
	if err != nil {
		return EdgeID{}, err
	}
	return EdgeID{value: v}, nil
}

func (id EdgeID) String() string           { return id.value }
func (id EdgeID) Equals(other EdgeID) bool { return id.value == other.value }
func (id EdgeID) IsZero() bool             { return id.value == "" }

func (id EdgeID) MarshalText() ([]byte, error) { return []byte(id.value), nil }

func (id *EdgeID) UnmarshalText(data []byte) error {
	v, err := parseOptionalID("edge", string(data))
	if err != nil {
		return err
	}
	id.value = v
	return nil
}

// parseID validates a UUID and returns it in canonical lowercase form
func parseID(kind, s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("%s ID cannot be empty", kind)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%s ID must be a valid UUID: %w", kind, err)
	}
	return u.String(), nil
}

func parseOptionalID(kind, s string) (string, error) {
	if s == "" {
		return "", nil
	}
	return parseID(kind, s)
}
