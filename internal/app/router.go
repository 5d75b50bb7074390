package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	analytichttp "github.com/flowbit/flowbit/internal/analytics/http"
	"github.com/flowbit/flowbit/internal/observability"
	"github.com/flowbit/flowbit/internal/platform/httpx"
	queryhttp "github.com/flowbit/flowbit/internal/query/http"
	"github.com/flowbit/flowbit/jobs"
)

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	DB               Pinger
	AnalyticsHandler *analytichttp.Handler
	QueryHandler     *queryhttp.Handler
	JobHandler       *jobs.Handler
	Metrics          *observability.Metrics
}

// NewRouter constructs the chi.Router with flowbit defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	health := healthHandler(params.DB, params.Logger)
	r.Get("/healthz", health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", health)
		if params.AnalyticsHandler != nil {
			params.AnalyticsHandler.MountRoutes(r)
		}
		if params.QueryHandler != nil {
			limit := queryhttp.RateLimit{}
			if params.Config != nil {
				limit = queryhttp.RateLimit{Requests: params.Config.ChatRateLimit, Window: params.Config.ChatRateLimitEvery}
			}
			params.QueryHandler.MountRoutes(r, limit)
		}
	})

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.StatusProblem(w, http.StatusNotFound, "no route for "+r.URL.Path)
	})

	return r
}

type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db"`
}

func healthHandler(db Pinger, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if db == nil {
			httpx.JSON(w, http.StatusOK, healthResponse{Status: "ok", DB: "unconfigured"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			logger.Warn("health check failed", slog.Any("error", err))
			httpx.JSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", DB: "unreachable"})
			return
		}
		httpx.JSON(w, http.StatusOK, healthResponse{Status: "ok", DB: "connected"})
	}
}
