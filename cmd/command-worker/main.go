// Package main implements a Lambda that applies commands delivered by direct
// invocation or by an EventBridge rule, without going through HTTP.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"graphcore/application/commands"
	"graphcore/infrastructure/config"
	"graphcore/infrastructure/di"
	"graphcore/pkg/common"
	pkgerrors "graphcore/pkg/errors"

	awsevents "github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"
)

// CommandRequestedDetailType marks EventBridge events whose detail is a
// commands.CommandRequest
const CommandRequestedDetailType = "CommandRequested"

// Sender dispatches one command; *bus.CommandBus implements it
type Sender interface {
	SendRequest(ctx context.Context, req commands.CommandRequest) (commands.Acknowledgment, error)
}

// Batch is the direct-invocation payload
type Batch struct {
	Commands []commands.CommandRequest `json:"commands"`
	// StopOnError skips the rest of the batch after the first failure
	StopOnError bool `json:"stop_on_error,omitempty"`
}

// Result reports one command of a batch
type Result struct {
	Type  string                   `json:"type"`
	Ack   *commands.Acknowledgment `json:"ack,omitempty"`
	Error string                   `json:"error,omitempty"`
	Code  string                   `json:"code,omitempty"`
}

// Response summarizes a batch
type Response struct {
	Results []Result `json:"results"`
	Applied int      `json:"applied"`
	Failed  int      `json:"failed"`
	Skipped int      `json:"skipped"`
}

// Worker turns invocation payloads into commands
type Worker struct {
	sender Sender
	logger *zap.Logger
}

// NewWorker creates a worker over sender
func NewWorker(sender Sender, logger *zap.Logger) *Worker {
	return &Worker{sender: sender, logger: logger}
}

// Handle accepts an EventBridge event, a Batch or a single CommandRequest
func (w *Worker) Handle(ctx context.Context, event json.RawMessage) (*Response, error) {
	batch, correlation, err := parseEvent(event)
	if err != nil {
		return nil, err
	}
	if correlation != "" {
		ctx = common.WithCorrelationID(ctx, correlation)
	}
	return w.Apply(ctx, batch), nil
}

// Apply sends the commands of batch in order
func (w *Worker) Apply(ctx context.Context, batch Batch) *Response {
	resp := &Response{Results: make([]Result, 0, len(batch.Commands))}
	for i, req := range batch.Commands {
		if batch.StopOnError && resp.Failed > 0 {
			resp.Skipped = len(batch.Commands) - i
			break
		}

		res := Result{Type: req.Type}
		ack, err := w.sender.SendRequest(ctx, req)
		if err != nil {
			res.Error = err.Error()
			if de := pkgerrors.GetDomainError(err); de != nil {
				res.Code = de.Code
			}
			resp.Failed++
			w.logger.Warn("Command failed",
				zap.String("type", req.Type),
				zap.String("graph_id", req.GraphID),
				zap.Error(err),
			)
		} else {
			res.Ack = &ack
			resp.Applied++
		}
		resp.Results = append(resp.Results, res)
	}

	w.logger.Info("Batch applied",
		zap.Int("applied", resp.Applied),
		zap.Int("failed", resp.Failed),
		zap.Int("skipped", resp.Skipped),
	)
	return resp
}

// parseEvent returns the commands in event and, for EventBridge events, the
// event id to correlate them with
func parseEvent(event json.RawMessage) (Batch, string, error) {
	var shape struct {
		DetailType string          `json:"detail-type"`
		Commands   json.RawMessage `json:"commands"`
	}
	if err := json.Unmarshal(event, &shape); err != nil {
		return Batch{}, "", fmt.Errorf("unable to parse event: %w", err)
	}

	switch {
	case shape.DetailType != "":
		var ev awsevents.CloudWatchEvent
		if err := json.Unmarshal(event, &ev); err != nil {
			return Batch{}, "", fmt.Errorf("failed to parse EventBridge event: %w", err)
		}
		if ev.DetailType != CommandRequestedDetailType {
			return Batch{}, "", fmt.Errorf("unexpected detail type %q", ev.DetailType)
		}
		var req commands.CommandRequest
		if err := json.Unmarshal(ev.Detail, &req); err != nil {
			return Batch{}, "", fmt.Errorf("failed to parse command detail: %w", err)
		}
		return Batch{Commands: []commands.CommandRequest{req}}, ev.ID, nil

	case len(shape.Commands) > 0:
		var batch Batch
		if err := json.Unmarshal(event, &batch); err != nil {
			return Batch{}, "", fmt.Errorf("failed to parse batch: %w", err)
		}
		return batch, "", nil

	default:
		var req commands.CommandRequest
		if err := json.Unmarshal(event, &req); err != nil || req.Type == "" {
			return Batch{}, "", fmt.Errorf("unable to parse event")
		}
		return Batch{Commands: []commands.CommandRequest{req}}, "", nil
	}
}

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	container, _, err := di.InitializeContainer(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize dependency container: %v", err)
	}
	if err := container.Start(ctx); err != nil {
		log.Fatalf("Failed to start container: %v", err)
	}

	worker := NewWorker(container.CommandBus, container.Logger)
	lambda.Start(worker.Handle)
}
