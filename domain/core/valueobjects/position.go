package valueobjects

import (
	"fmt"
	"math"
)

// Position3D is the spatial placement of a node. Position is not business
// content, which is why it is the one node field with an in-place move event.
type Position3D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// NewPosition3D creates a position, rejecting NaN and infinite coordinates
func NewPosition3D(x, y, z float64) (Position3D, error) {
	p := Position3D{X: x, Y: y, Z: z}
	if !p.IsFinite() {
		return Position3D{}, fmt.Errorf("position (%v, %v, %v) must be finite", x, y, z)
	}
	return p, nil
}

// Origin returns (0,0,0)
func Origin() Position3D {
	return Position3D{}
}

// IsFinite reports whether all coordinates are finite numbers
func (p Position3D) IsFinite() bool {
	return isFinite(p.X) && isFinite(p.Y) && isFinite(p.Z)
}

// DistanceTo returns the euclidean distance between two positions
func (p Position3D) DistanceTo(other Position3D) float64 {
	dx, dy, dz := p.X-other.X, p.Y-other.Y, p.Z-other.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func (p Position3D) Equals(other Position3D) bool {
	return p == other
}

func (p Position3D) String() string {
	return fmt.Sprintf("(%g, %g, %g)", p.X, p.Y, p.Z)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
