// Package handlers adapts HTTP requests onto the command and query buses.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"graphcore/application/commands"
	"graphcore/application/queries"
	"graphcore/domain/core/aggregates"
	"graphcore/domain/core/valueobjects"
	"graphcore/pkg/common"
	pkgerrors "graphcore/pkg/errors"

	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// CommandSender is the command side; *bus.CommandBus implements it
type CommandSender interface {
	SendRequest(ctx context.Context, req commands.CommandRequest) (commands.Acknowledgment, error)
}

// QueryAsker is the query side; *bus.QueryBus implements it
type QueryAsker interface {
	AskRequest(ctx context.Context, req queries.QueryRequest) (queries.Result, error)
}

// StateLoader rebuilds aggregates from the log; *commands.Handler implements it
type StateLoader interface {
	Load(ctx context.Context, id valueobjects.GraphID) (*aggregates.Graph, error)
	LoadAt(ctx context.Context, id valueobjects.GraphID, t time.Time) (*aggregates.Graph, error)
}

// base holds what every resource handler needs
type base struct {
	commands CommandSender
	queries  QueryAsker
	errors   *pkgerrors.ErrorHandler
	logger   *zap.Logger
}

func newBase(cmds CommandSender, qs QueryAsker, errs *pkgerrors.ErrorHandler, logger *zap.Logger) base {
	return base{commands: cmds, queries: qs, errors: errs, logger: logger}
}

// send dispatches a command and answers with the acknowledgment. The
// watermark in the response meta is the new version, which callers pass
// back as min_watermark to read their own write.
func (b base) send(w http.ResponseWriter, r *http.Request, status int, typ, graphID string, payload interface{}) {
	req := commands.CommandRequest{Type: typ, GraphID: graphID}
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		req.Payload = p
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			b.errors.Handle(w, r, pkgerrors.NewValidationError("invalid payload"))
			return
		}
		req.Payload = raw
	}

	ack, err := b.commands.SendRequest(r.Context(), req)
	if err != nil {
		b.errors.Handle(w, r, err)
		return
	}
	common.RespondWithMeta(w, status, ack, common.NewMeta(r).WithWatermark(ack.Version))
}

// ask runs a query and answers with its data and watermark
func (b base) ask(w http.ResponseWriter, r *http.Request, req queries.QueryRequest) {
	if req.MinWatermark == 0 {
		wm, err := minWatermark(r)
		if err != nil {
			b.errors.Handle(w, r, err)
			return
		}
		req.MinWatermark = wm
	}

	res, err := b.queries.AskRequest(r.Context(), req)
	if err != nil {
		b.errors.Handle(w, r, err)
		return
	}

	meta := common.NewMeta(r).WithWatermark(res.Watermark)
	if page, ok := res.Data.(*common.PaginatedResult); ok {
		meta.Pagination = page.Pagination
		common.RespondWithMeta(w, http.StatusOK, page.Items, meta)
		return
	}
	common.RespondWithMeta(w, http.StatusOK, res.Data, meta)
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func (b base) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := common.ParseJSONBody(w, r, v, maxBodyBytes); err != nil {
		b.errors.Handle(w, r, pkgerrors.NewValidationError("invalid request body: "+err.Error()))
		return false
	}
	return true
}

// minWatermark reads ?min_watermark= or the X-Min-Watermark header
func minWatermark(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("min_watermark")
	if raw == "" {
		raw = r.Header.Get("X-Min-Watermark")
	}
	if raw == "" {
		return 0, nil
	}
	wm, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, pkgerrors.NewValidationError("min_watermark must be a non-negative integer")
	}
	return wm, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, pkgerrors.NewValidationError(name + " must be an integer")
	}
	return n, nil
}
