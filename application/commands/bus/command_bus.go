// Package bus dispatches domain commands through a middleware pipeline to
// the command handler.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"graphcore/application/commands"
	graphcmd "graphcore/domain/commands"
	"graphcore/pkg/common"
	pkgerrors "graphcore/pkg/errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CommandHandler handles a command and acknowledges it
type CommandHandler interface {
	Handle(ctx context.Context, cmd graphcmd.Command) (commands.Acknowledgment, error)
}

// CommandHandlerFunc is an adapter to allow functions to be used as handlers
type CommandHandlerFunc func(ctx context.Context, cmd graphcmd.Command) (commands.Acknowledgment, error)

// Handle implements CommandHandler
func (f CommandHandlerFunc) Handle(ctx context.Context, cmd graphcmd.Command) (commands.Acknowledgment, error) {
	return f(ctx, cmd)
}

// Middleware defines command middleware
type Middleware func(next CommandHandler) CommandHandler

// CommandBus dispatches commands to handlers registered by command name.
// Unregistered names fall through to the default handler when one is set.
type CommandBus struct {
	mu       sync.RWMutex
	handlers map[string]CommandHandler
	fallback CommandHandler
	pipeline *Pipeline
}

// NewCommandBus creates a new command bus. fallback may be nil.
func NewCommandBus(fallback CommandHandler, middlewares ...Middleware) *CommandBus {
	return &CommandBus{
		handlers: make(map[string]CommandHandler),
		fallback: fallback,
		pipeline: NewPipeline(middlewares...),
	}
}

// Register registers a handler for a command name
func (b *CommandBus) Register(name string, handler CommandHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[name]; exists {
		return fmt.Errorf("handler already registered for command %s", name)
	}
	b.handlers[name] = handler
	return nil
}

// Send dispatches a command to its handler
func (b *CommandBus) Send(ctx context.Context, cmd graphcmd.Command) (commands.Acknowledgment, error) {
	if cmd == nil {
		return commands.Acknowledgment{}, pkgerrors.InvalidCommand("command is nil")
	}

	b.mu.RLock()
	handler, exists := b.handlers[cmd.CommandName()]
	b.mu.RUnlock()

	if !exists {
		if b.fallback == nil {
			return commands.Acknowledgment{}, fmt.Errorf("%w: %s", ErrHandlerNotFound, cmd.CommandName())
		}
		handler = b.fallback
	}
	return b.pipeline.Execute(handler).Handle(ctx, cmd)
}

// SendRequest decodes a transport request and sends the resulting command
func (b *CommandBus) SendRequest(ctx context.Context, req commands.CommandRequest) (commands.Acknowledgment, error) {
	cmd, err := req.Decode()
	if err != nil {
		return commands.Acknowledgment{}, err
	}
	return b.Send(ctx, cmd)
}

// LoggingMiddleware logs command execution
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next CommandHandler) CommandHandler {
		return CommandHandlerFunc(func(ctx context.Context, cmd graphcmd.Command) (commands.Acknowledgment, error) {
			start := time.Now()
			fields := []zap.Field{
				zap.String("command", cmd.CommandName()),
				zap.String("graph_id", cmd.AggregateID().String()),
			}
			if id, ok := common.GetRequestID(ctx); ok {
				fields = append(fields, zap.String("request_id", id))
			}

			ack, err := next.Handle(ctx, cmd)
			fields = append(fields, zap.Duration("duration", time.Since(start)))
			if err != nil {
				logger.Info("Command failed", append(fields, zap.Error(err))...)
			} else {
				logger.Info("Command succeeded", append(fields, zap.Uint64("version", ack.Version))...)
			}
			return ack, err
		})
	}
}

// ValidationMiddleware rejects commands without a target graph
func ValidationMiddleware() Middleware {
	return func(next CommandHandler) CommandHandler {
		return CommandHandlerFunc(func(ctx context.Context, cmd graphcmd.Command) (commands.Acknowledgment, error) {
			if cmd.AggregateID().IsZero() {
				return commands.Acknowledgment{}, pkgerrors.InvalidCommand("graph id is required")
			}
			return next.Handle(ctx, cmd)
		})
	}
}

// CorrelationMiddleware makes sure every command carries a correlation id.
// The request id is used when the caller did not supply one.
func CorrelationMiddleware() Middleware {
	return func(next CommandHandler) CommandHandler {
		return CommandHandlerFunc(func(ctx context.Context, cmd graphcmd.Command) (commands.Acknowledgment, error) {
			id, ok := common.GetCorrelationID(ctx)
			if !ok || id == "" {
				id = uuid.NewString()
			}
			return next.Handle(common.WithCorrelationID(ctx, id), cmd)
		})
	}
}

// TimeoutMiddleware bounds how long a caller waits for an acknowledgment.
// An append already in flight still completes.
func TimeoutMiddleware(d time.Duration) Middleware {
	return func(next CommandHandler) CommandHandler {
		return CommandHandlerFunc(func(ctx context.Context, cmd graphcmd.Command) (commands.Acknowledgment, error) {
			if d <= 0 {
				return next.Handle(ctx, cmd)
			}
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next.Handle(ctx, cmd)
		})
	}
}

// Pipeline chains multiple middleware together
type Pipeline struct {
	middlewares []Middleware
}

// NewPipeline creates a new middleware pipeline
func NewPipeline(middlewares ...Middleware) *Pipeline {
	return &Pipeline{
		middlewares: middlewares,
	}
}

// Execute wraps handler so the first middleware runs outermost
func (p *Pipeline) Execute(handler CommandHandler) CommandHandler {
	for i := len(p.middlewares) - 1; i >= 0; i-- {
		handler = p.middlewares[i](handler)
	}
	return handler
}

var ErrHandlerNotFound = errors.New("command handler not found")
