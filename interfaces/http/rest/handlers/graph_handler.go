package handlers

import (
	"net/http"

	"graphcore/application/commands"
	"graphcore/application/queries"
	"graphcore/domain/core/aggregates"
	"graphcore/domain/core/valueobjects"
	"graphcore/pkg/common"
	pkgerrors "graphcore/pkg/errors"
	"graphcore/pkg/utils"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// GraphHandler handles graph-level HTTP requests
type GraphHandler struct {
	base
	state StateLoader
}

// NewGraphHandler creates a new graph handler
func NewGraphHandler(cmds CommandSender, qs QueryAsker, state StateLoader, errs *pkgerrors.ErrorHandler, logger *zap.Logger) *GraphHandler {
	return &GraphHandler{base: newBase(cmds, qs, errs, logger), state: state}
}

// CreateGraph handles POST /graphs
func (h *GraphHandler) CreateGraph(w http.ResponseWriter, r *http.Request) {
	var req commands.CreateGraphRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.send(w, r, http.StatusCreated, "CreateGraph", req.GraphID, req)
}

// ListGraphs handles GET /graphs
func (h *GraphHandler) ListGraphs(w http.ResponseWriter, r *http.Request) {
	params := common.ExtractPaginationParams(r)
	h.ask(w, r, queries.QueryRequest{Type: "ListGraphs", Page: params.Page, PageSize: params.PageSize})
}

// GetGraph handles GET /graphs/{graphID}
func (h *GraphHandler) GetGraph(w http.ResponseWriter, r *http.Request) {
	h.ask(w, r, queries.QueryRequest{Type: "GetGraphSummary", GraphID: chi.URLParam(r, "graphID")})
}

// RenameGraph handles PATCH /graphs/{graphID}
func (h *GraphHandler) RenameGraph(w http.ResponseWriter, r *http.Request) {
	var req commands.RenameGraphRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.send(w, r, http.StatusOK, "RenameGraph", chi.URLParam(r, "graphID"), req)
}

// DeleteGraph handles DELETE /graphs/{graphID}
func (h *GraphHandler) DeleteGraph(w http.ResponseWriter, r *http.Request) {
	h.send(w, r, http.StatusOK, "DeleteGraph", chi.URLParam(r, "graphID"), nil)
}

// TagGraph handles POST /graphs/{graphID}/tags
func (h *GraphHandler) TagGraph(w http.ResponseWriter, r *http.Request) {
	var req commands.TagRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.send(w, r, http.StatusOK, "TagGraph", chi.URLParam(r, "graphID"), req)
}

// UntagGraph handles DELETE /graphs/{graphID}/tags/{tag}
func (h *GraphHandler) UntagGraph(w http.ResponseWriter, r *http.Request) {
	h.send(w, r, http.StatusOK, "UntagGraph", chi.URLParam(r, "graphID"), commands.TagRequest{Tag: chi.URLParam(r, "tag")})
}

// GetState handles GET /graphs/{graphID}/state. It replays the log rather
// than reading projections, so the answer is always current; with
// ?as_of=<RFC3339> it is the state as of that instant.
func (h *GraphHandler) GetState(w http.ResponseWriter, r *http.Request) {
	id, err := valueobjects.NewGraphIDFromString(chi.URLParam(r, "graphID"))
	if err != nil {
		h.errors.Handle(w, r, pkgerrors.NewValidationError(err.Error()))
		return
	}

	var g *aggregates.Graph
	if asOf := r.URL.Query().Get("as_of"); asOf != "" {
		t, perr := utils.ParseRFC3339(asOf)
		if perr != nil {
			h.errors.Handle(w, r, pkgerrors.NewValidationError("as_of must be an RFC3339 timestamp"))
			return
		}
		g, err = h.state.LoadAt(r.Context(), id, t)
	} else {
		g, err = h.state.Load(r.Context(), id)
	}
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}

	common.RespondWithMeta(w, http.StatusOK, g.State(), common.NewMeta(r).WithWatermark(g.Version()))
}
