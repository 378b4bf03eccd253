package common

import (
	"context"
	"time"
)

// ContextKey represents a context key type
type ContextKey string

// Context keys
const (
	ContextKeyUserID        ContextKey = "user_id"
	ContextKeyRequestID     ContextKey = "request_id"
	ContextKeyCorrelationID ContextKey = "correlation_id"
	ContextKeyCausationID   ContextKey = "causation_id"
	ContextKeyStartTime     ContextKey = "start_time"
)

// WithUserID adds user ID to context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ContextKeyUserID, userID)
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(ContextKeyUserID).(string)
	return userID, ok
}

// WithRequestID adds request ID to context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// GetRequestID extracts request ID from context
func GetRequestID(ctx context.Context) (string, bool) {
	requestID, ok := ctx.Value(ContextKeyRequestID).(string)
	return requestID, ok
}

// WithCorrelationID tags every event produced under ctx with id
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyCorrelationID, id)
}

// GetCorrelationID falls back to the request ID when no correlation ID was set
func GetCorrelationID(ctx context.Context) (string, bool) {
	if id, ok := ctx.Value(ContextKeyCorrelationID).(string); ok && id != "" {
		return id, true
	}
	return GetRequestID(ctx)
}

// WithCausationID records what caused the command being handled under ctx,
// usually the event or command id upstream.
func WithCausationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyCausationID, id)
}

func GetCausationID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ContextKeyCausationID).(string)
	return id, ok
}

// WithStartTime adds start time to context
func WithStartTime(ctx context.Context, startTime time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyStartTime, startTime)
}

// GetStartTime extracts start time from context
func GetStartTime(ctx context.Context) (time.Time, bool) {
	startTime, ok := ctx.Value(ContextKeyStartTime).(time.Time)
	return startTime, ok
}

// GetElapsedTime calculates elapsed time from start time in context
func GetElapsedTime(ctx context.Context) time.Duration {
	if startTime, ok := GetStartTime(ctx); ok {
		return time.Since(startTime)
	}
	return 0
}

// EnrichContext adds common request metadata to context
func EnrichContext(ctx context.Context, userID, requestID string) context.Context {
	ctx = WithUserID(ctx, userID)
	ctx = WithRequestID(ctx, requestID)
	ctx = WithStartTime(ctx, time.Now())
	return ctx
}

// ContextMetadata contains all context metadata
type ContextMetadata struct {
	UserID        string        `json:"user_id,omitempty"`
	RequestID     string        `json:"request_id,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	CausationID   string        `json:"causation_id,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`
}

// ExtractMetadata extracts all metadata from context
func ExtractMetadata(ctx context.Context) ContextMetadata {
	meta := ContextMetadata{}

	if userID, ok := GetUserID(ctx); ok {
		meta.UserID = userID
	}
	if requestID, ok := GetRequestID(ctx); ok {
		meta.RequestID = requestID
	}
	if id, ok := GetCorrelationID(ctx); ok {
		meta.CorrelationID = id
	}
	if id, ok := GetCausationID(ctx); ok {
		meta.CausationID = id
	}
	meta.Duration = GetElapsedTime(ctx)

	return meta
}
