package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	gatewayhttp "github.com/odyssey-erp/payroll-sync/internal/gateway/http"
	integrationhttp "github.com/odyssey-erp/payroll-sync/internal/integration/http"
	"github.com/odyssey-erp/payroll-sync/internal/observability"
	payrollhttp "github.com/odyssey-erp/payroll-sync/internal/payroll/http"
	"github.com/odyssey-erp/payroll-sync/internal/platform/httpx"
	"github.com/odyssey-erp/payroll-sync/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	PayrollHandler   *payrollhttp.Handler
	SyncAdminHandler *integrationhttp.Handler
	GatewayHandler   *gatewayhttp.Handler
	JobHandler       *jobs.Handler
	Metrics          *observability.Metrics
	// Readiness maps a dependency name to its probe for /readyz.
	Readiness map[string]func(context.Context) error
}

// NewRouter constructs the chi.Router with the service defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/readyz", readinessHandler(params.Readiness, params.Logger))

	if params.GatewayHandler != nil {
		params.GatewayHandler.MountRoutes(r)
	}

	r.Route("/api/payroll", func(r chi.Router) {
		r.Use(httprate.Limit(300, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
		if params.PayrollHandler != nil {
			params.PayrollHandler.MountRoutes(r)
		}
		if params.SyncAdminHandler != nil {
			params.SyncAdminHandler.MountRoutes(r)
		}
	})

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}

func readinessHandler(checks map[string]func(context.Context) error, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(r.Context()); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = err.Error()
				if logger != nil {
					logger.Warn("readiness check failed", slog.String("dependency", name), slog.Any("error", err))
				}
				continue
			}
			results[name] = "ok"
		}
		overall := "ok"
		if status != http.StatusOK {
			overall = "unavailable"
		}
		httpx.JSON(w, status, map[string]any{"status": overall, "checks": results})
	}
}
