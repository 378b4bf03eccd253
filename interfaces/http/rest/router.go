package rest

import (
	"net/http"

	"graphcore/interfaces/http/rest/handlers"
	"graphcore/interfaces/http/rest/middleware"
	"graphcore/pkg/auth"
	pkgerrors "graphcore/pkg/errors"
	"graphcore/pkg/observability"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// AdminRole is required for the /admin routes
const AdminRole = "admin"

// ReadinessCheck reports whether the service can take traffic
type ReadinessCheck func() error

// RouterConfig carries everything the router wires together. Validator,
// Limiter, Metrics and Ready are optional.
type RouterConfig struct {
	Commands handlers.CommandSender
	Queries  handlers.QueryAsker
	State    handlers.StateLoader
	// Operator enables the /admin routes; they need the admin role when a
	// Validator is set
	Operator handlers.Operator

	Validator    *auth.JWTValidator
	TrustGateway bool
	Limiter      auth.RateLimiter

	Metrics    *observability.Metrics
	EnableCORS bool
	Debug      bool
	Ready      ReadinessCheck
	Logger     *zap.Logger
}

// Router creates and configures the HTTP router
type Router struct {
	cfg    RouterConfig
	errors *pkgerrors.ErrorHandler
}

// NewRouter creates a new router instance
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Router{
		cfg:    cfg,
		errors: pkgerrors.NewErrorHandler(cfg.Logger, cfg.Debug),
	}
}

// Setup configures all routes and middleware
func (rt *Router) Setup() http.Handler {
	router := chi.NewRouter()

	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.RequestContext)
	router.Use(middleware.Logger(rt.cfg.Logger, rt.cfg.Metrics))
	router.Use(rt.errors.Middleware)

	if rt.cfg.EnableCORS {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Correlation-ID", "X-Min-Watermark"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	router.Get("/health", rt.healthCheck)
	router.Get("/ready", rt.readinessCheck)
	if rt.cfg.Metrics != nil {
		router.Handle("/metrics", rt.cfg.Metrics.Handler())
	}

	graphs := handlers.NewGraphHandler(rt.cfg.Commands, rt.cfg.Queries, rt.cfg.State, rt.errors, rt.cfg.Logger)
	nodes := handlers.NewNodeHandler(rt.cfg.Commands, rt.cfg.Queries, rt.errors, rt.cfg.Logger)
	edges := handlers.NewEdgeHandler(rt.cfg.Commands, rt.errors, rt.cfg.Logger)
	envelopes := handlers.NewEnvelopeHandler(rt.cfg.Commands, rt.cfg.Queries, rt.errors, rt.cfg.Logger)

	router.Route("/api/v2", func(r chi.Router) {
		if rt.cfg.Validator != nil {
			r.Use(middleware.Authenticate(rt.cfg.Validator, middleware.AuthOptions{TrustGateway: rt.cfg.TrustGateway}, rt.cfg.Logger))
		}
		if rt.cfg.Limiter != nil {
			r.Use(middleware.RateLimit(rt.cfg.Limiter, rt.cfg.Logger))
		}

		r.Post("/commands", envelopes.Command)
		r.Post("/queries", envelopes.Query)

		r.Route("/graphs", func(r chi.Router) {
			r.Post("/", graphs.CreateGraph)
			r.Get("/", graphs.ListGraphs)

			r.Route("/{graphID}", func(r chi.Router) {
				r.Get("/", graphs.GetGraph)
				r.Patch("/", graphs.RenameGraph)
				r.Delete("/", graphs.DeleteGraph)
				r.Get("/state", graphs.GetState)
				r.Post("/tags", graphs.TagGraph)
				r.Delete("/tags/{tag}", graphs.UntagGraph)

				r.Post("/nodes", nodes.AddNode)
				r.Route("/nodes/{nodeID}", func(r chi.Router) {
					r.Put("/", nodes.ChangeContent)
					r.Delete("/", nodes.RemoveNode)
					r.Put("/position", nodes.MoveNode)
					r.Get("/neighbors", nodes.Neighbors)
					r.Get("/edges", nodes.Edges)
					r.Get("/traverse", nodes.Traverse)
				})

				r.Post("/edges", edges.ConnectNodes)
				r.Delete("/edges/{edgeID}", edges.RemoveEdge)
			})
		})

		if rt.cfg.Operator != nil {
			admin := handlers.NewAdminHandler(rt.cfg.Operator, rt.errors, rt.cfg.Logger)
			r.Route("/admin", func(r chi.Router) {
				if rt.cfg.Validator != nil {
					r.Use(middleware.RequireRole(AdminRole))
				}
				r.Get("/quarantined", admin.Quarantined)
				r.Post("/graphs/{graphID}/release", admin.Release)
				r.Post("/graphs/{graphID}/snapshot", admin.Snapshot)
			})
		}
	})

	return router
}

func (rt *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

func (rt *Router) readinessCheck(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if rt.cfg.Ready != nil {
		if err := rt.cfg.Ready(); err != nil {
			rt.cfg.Logger.Warn("Readiness check failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"not ready"}`))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}
