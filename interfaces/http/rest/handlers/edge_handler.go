package handlers

import (
	"net/http"

	"graphcore/application/commands"
	pkgerrors "graphcore/pkg/errors"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// EdgeHandler handles edge-related HTTP requests
type EdgeHandler struct {
	base
}

// NewEdgeHandler creates a new edge handler
func NewEdgeHandler(cmds CommandSender, errs *pkgerrors.ErrorHandler, logger *zap.Logger) *EdgeHandler {
	return &EdgeHandler{base: newBase(cmds, nil, errs, logger)}
}

// ConnectNodes handles POST /graphs/{graphID}/edges
func (h *EdgeHandler) ConnectNodes(w http.ResponseWriter, r *http.Request) {
	var req commands.ConnectNodesRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.send(w, r, http.StatusCreated, "ConnectNodes", chi.URLParam(r, "graphID"), req)
}

// RemoveEdge handles DELETE /graphs/{graphID}/edges/{edgeID}
func (h *EdgeHandler) RemoveEdge(w http.ResponseWriter, r *http.Request) {
	h.send(w, r, http.StatusOK, "RemoveEdge", chi.URLParam(r, "graphID"),
		commands.EdgeRequest{EdgeID: chi.URLParam(r, "edgeID")})
}
