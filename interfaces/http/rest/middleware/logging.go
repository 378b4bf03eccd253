package middleware

import (
	"net/http"
	"time"

	"graphcore/pkg/common"
	"graphcore/pkg/observability"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// RequestContext copies the request id, the caller's correlation id and the
// start time into the context. Commands sent from the request carry them into
// event metadata. Must run after chi's RequestID.
func RequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		reqID := middleware.GetReqID(ctx)
		if reqID != "" {
			ctx = common.WithRequestID(ctx, reqID)
			w.Header().Set("X-Request-ID", reqID)
		}
		if corr := r.Header.Get("X-Correlation-ID"); corr != "" {
			ctx = common.WithCorrelationID(ctx, corr)
		} else if reqID != "" {
			ctx = common.WithCorrelationID(ctx, reqID)
		}
		ctx = common.WithStartTime(ctx, time.Now())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Logger logs each request and records its HTTP metrics. metrics may be nil.
func Logger(logger *zap.Logger, metrics *observability.Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			duration := time.Since(start)

			// the route pattern keeps ids out of metric labels
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			metrics.RecordHTTP(r.Method, route, status, duration)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", duration),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			}
			if status >= 500 {
				logger.Error("HTTP Request", fields...)
				return
			}
			logger.Info("HTTP Request", fields...)
		})
	}
}
