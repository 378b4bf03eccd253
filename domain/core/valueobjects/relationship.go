package valueobjects

import (
	"encoding/json"
	"fmt"
	"strings"

	"graphcore/domain/config"
	pkgerrors "graphcore/pkg/errors"
)

// Relationship describes what an edge means: a type tag, a numeric strength
// and whether the edge is directed.
type Relationship struct {
	relType  string
	strength float64
	directed bool
}

// NewRelationship creates a relationship descriptor
func NewRelationship(relType string, strength float64, directed bool) Relationship {
	return Relationship{
		relType:  strings.TrimSpace(relType),
		strength: strength,
		directed: directed,
	}
}

// DirectedRelationship is shorthand for a directed edge with strength 1
func DirectedRelationship(relType string) Relationship {
	return NewRelationship(relType, 1.0, true)
}

func (r Relationship) Type() string      { return r.relType }
func (r Relationship) Strength() float64 { return r.strength }
func (r Relationship) IsDirected() bool  { return r.directed }

// Validate checks the relationship against the domain configuration
func (r Relationship) Validate(cfg *config.DomainConfig) error {
	if cfg == nil {
		cfg = config.DefaultDomainConfig()
	}
	if r.relType == "" {
		return pkgerrors.InvalidRelationship("relationship type is required")
	}
	if !isFinite(r.strength) {
		return pkgerrors.InvalidRelationship("strength must be finite")
	}
	if r.strength < cfg.MinEdgeStrength || r.strength > cfg.MaxEdgeStrength {
		return pkgerrors.InvalidRelationship(
			fmt.Sprintf("strength %v outside [%v, %v]", r.strength, cfg.MinEdgeStrength, cfg.MaxEdgeStrength))
	}
	return nil
}

func (r Relationship) Equals(other Relationship) bool {
	return r == other
}

type relationshipJSON struct {
	Type     string  `json:"type"`
	Strength float64 `json:"strength"`
	Directed bool    `json:"directed"`
}

func (r Relationship) MarshalJSON() ([]byte, error) {
	return json.Marshal(relationshipJSON{Type: r.relType, Strength: r.strength, Directed: r.directed})
}

func (r *Relationship) UnmarshalJSON(data []byte) error {
	var raw relationshipJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = NewRelationship(raw.Type, raw.Strength, raw.Directed)
	return nil
}
