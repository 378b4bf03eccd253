package handlers

import (
	"net/http"

	"graphcore/application/commands"
	"graphcore/application/queries"
	pkgerrors "graphcore/pkg/errors"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// NodeHandler handles node commands and the adjacency queries rooted at a node
type NodeHandler struct {
	base
}

// NewNodeHandler creates a new node handler
func NewNodeHandler(cmds CommandSender, qs QueryAsker, errs *pkgerrors.ErrorHandler, logger *zap.Logger) *NodeHandler {
	return &NodeHandler{base: newBase(cmds, qs, errs, logger)}
}

// AddNode handles POST /graphs/{graphID}/nodes
func (h *NodeHandler) AddNode(w http.ResponseWriter, r *http.Request) {
	var req commands.AddNodeRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.send(w, r, http.StatusCreated, "AddNode", chi.URLParam(r, "graphID"), req)
}

// ChangeContent handles PUT /graphs/{graphID}/nodes/{nodeID}
func (h *NodeHandler) ChangeContent(w http.ResponseWriter, r *http.Request) {
	var req commands.ChangeNodeContentRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.NodeID = chi.URLParam(r, "nodeID")
	h.send(w, r, http.StatusOK, "ChangeNodeContent", chi.URLParam(r, "graphID"), req)
}

// MoveNode handles PUT /graphs/{graphID}/nodes/{nodeID}/position
func (h *NodeHandler) MoveNode(w http.ResponseWriter, r *http.Request) {
	var req commands.MoveNodeRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.NodeID = chi.URLParam(r, "nodeID")
	h.send(w, r, http.StatusOK, "MoveNode", chi.URLParam(r, "graphID"), req)
}

// RemoveNode handles DELETE /graphs/{graphID}/nodes/{nodeID}. Edges touching
// the node are removed with it.
func (h *NodeHandler) RemoveNode(w http.ResponseWriter, r *http.Request) {
	h.send(w, r, http.StatusOK, "RemoveNode", chi.URLParam(r, "graphID"),
		commands.NodeRequest{NodeID: chi.URLParam(r, "nodeID")})
}

// Neighbors handles GET /graphs/{graphID}/nodes/{nodeID}/neighbors?direction=
func (h *NodeHandler) Neighbors(w http.ResponseWriter, r *http.Request) {
	h.ask(w, r, h.nodeQuery(r, "GetNeighbors"))
}

// Edges handles GET /graphs/{graphID}/nodes/{nodeID}/edges?direction=
func (h *NodeHandler) Edges(w http.ResponseWriter, r *http.Request) {
	h.ask(w, r, h.nodeQuery(r, "GetEdges"))
}

// Traverse handles GET /graphs/{graphID}/nodes/{nodeID}/traverse?max_depth=
func (h *NodeHandler) Traverse(w http.ResponseWriter, r *http.Request) {
	depth, err := queryInt(r, "max_depth")
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	req := h.nodeQuery(r, "Traverse")
	req.MaxDepth = depth
	h.ask(w, r, req)
}

func (h *NodeHandler) nodeQuery(r *http.Request, typ string) queries.QueryRequest {
	return queries.QueryRequest{
		Type:      typ,
		GraphID:   chi.URLParam(r, "graphID"),
		NodeID:    chi.URLParam(r, "nodeID"),
		Direction: r.URL.Query().Get("direction"),
	}
}
