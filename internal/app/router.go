package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	documentshttp "github.com/saf-gda/saf-gda/internal/documents/http"
	landinghttp "github.com/saf-gda/saf-gda/internal/landing/http"
	locationhttp "github.com/saf-gda/saf-gda/internal/location/http"
	"github.com/saf-gda/saf-gda/internal/observability"
	"github.com/saf-gda/saf-gda/internal/platform/httpx"
	reconcilehttp "github.com/saf-gda/saf-gda/internal/reconcile/http"
	"github.com/saf-gda/saf-gda/jobs"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics
	DB      Pinger

	LandingHandler   *landinghttp.Handler
	DocumentsHandler *documentshttp.Handler
	ReconcileHandler *reconcilehttp.Handler
	LocationHandler  *locationhttp.Handler
	JobHandler       *jobs.Handler
}

// NewRouter constructs the chi.Router with SAF defaults.
func NewRouter(params RouterParams) http.Handler {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if params.DB != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := params.DB.Ping(ctx); err != nil {
				logger.Warn("health check", slog.Any("error", err))
				httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "database unreachable")
				return
			}
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	var keyHash string
	if params.Config != nil {
		keyHash = params.Config.APIKeyHash
	}
	if params.JobHandler != nil {
		r.Route("/jobs", func(r chi.Router) {
			r.Use(RequireAPIKey(keyHash, logger))
			params.JobHandler.MountRoutes(r)
		})
	}
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(RequireAPIKey(keyHash, logger))
		params.LandingHandler.MountRoutes(r)
		params.DocumentsHandler.MountRoutes(r)
		params.ReconcileHandler.MountRoutes(r)
		params.LocationHandler.MountRoutes(r)
	})

	return r
}
