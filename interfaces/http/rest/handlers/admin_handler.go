package handlers

import (
	"context"
	"net/http"
	"sort"

	"graphcore/domain/core/valueobjects"
	"graphcore/pkg/common"
	pkgerrors "graphcore/pkg/errors"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Operator is the operator surface of the command handler
type Operator interface {
	ForceSnapshot(ctx context.Context, id valueobjects.GraphID) (uint64, error)
	Release(id valueobjects.GraphID) bool
	Quarantined() []string
}

// AdminHandler exposes quarantine and snapshot operations. Quarantine
// lives in the serving process, so releasing a stream has to go through it.
type AdminHandler struct {
	operator Operator
	errors   *pkgerrors.ErrorHandler
	logger   *zap.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(operator Operator, errs *pkgerrors.ErrorHandler, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{operator: operator, errors: errs, logger: logger}
}

// Quarantined handles GET /admin/quarantined
func (h *AdminHandler) Quarantined(w http.ResponseWriter, r *http.Request) {
	ids := h.operator.Quarantined()
	sort.Strings(ids)
	common.RespondJSON(w, http.StatusOK, map[string]interface{}{"graphs": ids})
}

// Release handles POST /admin/graphs/{graphID}/release
func (h *AdminHandler) Release(w http.ResponseWriter, r *http.Request) {
	id, ok := h.graphID(w, r)
	if !ok {
		return
	}
	released := h.operator.Release(id)
	h.logger.Info("Quarantine release requested",
		zap.String("graph_id", id.String()),
		zap.Bool("released", released),
	)
	common.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"graph_id": id.String(),
		"released": released,
	})
}

// Snapshot handles POST /admin/graphs/{graphID}/snapshot
func (h *AdminHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := h.graphID(w, r)
	if !ok {
		return
	}
	version, err := h.operator.ForceSnapshot(r.Context(), id)
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	common.RespondWithMeta(w, http.StatusOK, map[string]interface{}{
		"graph_id": id.String(),
		"version":  version,
	}, common.NewMeta(r).WithWatermark(version))
}

func (h *AdminHandler) graphID(w http.ResponseWriter, r *http.Request) (valueobjects.GraphID, bool) {
	id, err := valueobjects.NewGraphIDFromString(chi.URLParam(r, "graphID"))
	if err != nil {
		h.errors.Handle(w, r, pkgerrors.NewValidationError(err.Error()))
		return valueobjects.GraphID{}, false
	}
	return id, true
}
