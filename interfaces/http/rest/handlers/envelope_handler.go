package handlers

import (
	"net/http"

	"graphcore/application/commands"
	"graphcore/application/queries"
	pkgerrors "graphcore/pkg/errors"

	"go.uber.org/zap"
)

// EnvelopeHandler accepts the transport-neutral command and query
// envelopes, for clients that speak the same JSON as the Lambda entry point
type EnvelopeHandler struct {
	base
}

// NewEnvelopeHandler creates a new envelope handler
func NewEnvelopeHandler(cmds CommandSender, qs QueryAsker, errs *pkgerrors.ErrorHandler, logger *zap.Logger) *EnvelopeHandler {
	return &EnvelopeHandler{base: newBase(cmds, qs, errs, logger)}
}

// Command handles POST /commands
func (h *EnvelopeHandler) Command(w http.ResponseWriter, r *http.Request) {
	var req commands.CommandRequest
	if !h.decode(w, r, &req) {
		return
	}
	status := http.StatusOK
	if req.Type == "CreateGraph" {
		status = http.StatusCreated
	}
	h.send(w, r, status, req.Type, req.GraphID, req.Payload)
}

// Query handles POST /queries
func (h *EnvelopeHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req queries.QueryRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.ask(w, r, req)
}
