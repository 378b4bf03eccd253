package entities

import (
	"encoding/json"

	"graphcore/domain/core/valueobjects"
)

// Node is a replace-only value record. The only derived copy allowed is
// WithPosition; content changes are modelled as remove followed by add.
type Node struct {
	id       valueobjects.NodeID
	content  valueobjects.NodeContent
	position valueobjects.Position3D
	subgraph valueobjects.GraphID
}

// NewNode creates a node record
func NewNode(id valueobjects.NodeID, content valueobjects.NodeContent, position valueobjects.Position3D, subgraph valueobjects.GraphID) Node {
	return Node{
		id:       id,
		content:  content,
		position: position,
		subgraph: subgraph,
	}
}

func (n Node) ID() valueobjects.NodeID           { return n.id }
func (n Node) Content() valueobjects.NodeContent { return n.content }
func (n Node) Position() valueobjects.Position3D { return n.position }

// Subgraph returns the containing subgraph; zero when the node is top-level
func (n Node) Subgraph() valueobjects.GraphID { return n.subgraph }

// WithPosition returns a copy placed at p
func (n Node) WithPosition(p valueobjects.Position3D) Node {
	n.position = p
	return n
}

// Equals compares every field of two nodes
func (n Node) Equals(other Node) bool {
	return n.id.Equals(other.id) &&
		n.content.Equals(other.content) &&
		n.position.Equals(other.position) &&
		n.subgraph.Equals(other.subgraph)
}

type nodeJSON struct {
	ID       valueobjects.NodeID      `json:"id"`
	Content  valueobjects.NodeContent `json:"content"`
	Position valueobjects.Position3D  `json:"position"`
	Subgraph valueobjects.GraphID     `json:"subgraph,omitempty"`
}

func (n Node) MarshalJSON() ([]byte, error) {
	return json.Marshal(nodeJSON{ID: n.id, Content: n.content, Position: n.position, Subgraph: n.subgraph})
}

func (n *Node) UnmarshalJSON(data []byte) error {
	var raw nodeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*n = NewNode(raw.ID, raw.Content, raw.Position, raw.Subgraph)
	return nil
}
