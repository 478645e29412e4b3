package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tabletalk/tabletalk/internal/catalog"
	"github.com/tabletalk/tabletalk/internal/config"
	"github.com/tabletalk/tabletalk/internal/dataset"
	"github.com/tabletalk/tabletalk/internal/maintenance"
	"github.com/tabletalk/tabletalk/internal/observability"
	"github.com/tabletalk/tabletalk/internal/session"
	"github.com/tabletalk/tabletalk/internal/workflow"
)

type ReadinessCheck func(ctx context.Context) error

type DatasetService interface {
	Upload(ctx context.Context, request dataset.UploadRequest) (catalog.Dataset, error)
	Get(ctx context.Context, tenantID, name string) (catalog.Dataset, error)
	List(ctx context.Context, tenantID string) ([]catalog.Dataset, error)
	Delete(ctx context.Context, tenantID, name string) (catalog.Dataset, error)
}

type InteractionService interface {
	Preview(ctx context.Context, in workflow.PreviewInput) (session.Interaction, error)
	Retry(ctx context.Context, ref workflow.Ref) (session.Interaction, error)
	Confirm(ctx context.Context, ref workflow.Ref) (workflow.Outcome, error)
	Abandon(ctx context.Context, ref workflow.Ref) error
	Lookup(ctx context.Context, ref workflow.Ref) (session.Interaction, error)
	FindPending(ctx context.Context, key session.Key) (session.Interaction, error)
	Profile(ctx context.Context, tenantID, name string) (workflow.ProfileView, error)
}

type MaintenanceRunner interface {
	RunOnce(ctx context.Context) (maintenance.RunSummary, error)
	RunOrphanGCOnce(ctx context.Context, tenantID string) (maintenance.GCSummary, error)
	RunIntegrityCheckOnce(ctx context.Context, tenantID string) (maintenance.IntegritySummary, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Datasets          DatasetService
	Interactions      InteractionService
	Maintenance       MaintenanceRunner
	MaxUploadBytes    int64
	UI                http.Handler
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	routes := map[string]http.HandlerFunc{
		"GET /v1/datasets": func(w http.ResponseWriter, r *http.Request) {
			handleListDatasets(deps, w, r)
		},
		"POST /v1/datasets": func(w http.ResponseWriter, r *http.Request) {
			handleUploadDataset(deps, w, r)
		},
		"GET /v1/datasets/{name}": func(w http.ResponseWriter, r *http.Request) {
			handleGetDataset(deps, w, r)
		},
		"DELETE /v1/datasets/{name}": func(w http.ResponseWriter, r *http.Request) {
			handleDeleteDataset(deps, w, r)
		},
		"GET /v1/datasets/{name}/profile": func(w http.ResponseWriter, r *http.Request) {
			handleDatasetProfile(deps, w, r)
		},
		"POST /v1/ask": func(w http.ResponseWriter, r *http.Request) {
			handleInteraction(deps, session.KindQuery, w, r)
		},
		"POST /v1/visualize": func(w http.ResponseWriter, r *http.Request) {
			handleInteraction(deps, session.KindChart, w, r)
		},
		"GET /v1/interactions/{id}": func(w http.ResponseWriter, r *http.Request) {
			handleGetInteraction(deps, w, r)
		},
		"POST /v1/interactions/{id}/retry": func(w http.ResponseWriter, r *http.Request) {
			handleRetryInteraction(deps, w, r)
		},
		"DELETE /v1/interactions/{id}": func(w http.ResponseWriter, r *http.Request) {
			handleAbandonInteraction(deps, w, r)
		},
		"POST /v1/maintenance/run": func(w http.ResponseWriter, r *http.Request) {
			handleMaintenanceRun(deps, w, r)
		},
		"POST /v1/gc/run": func(w http.ResponseWriter, r *http.Request) {
			handleOrphanGCRun(deps, w, r)
		},
		"POST /v1/integrity/run": func(w http.ResponseWriter, r *http.Request) {
			handleIntegrityRun(deps, w, r)
		},
	}

	protected := http.NewServeMux()
	for pattern, handler := range routes {
		protected.HandleFunc(pattern, handler)
	}

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	for pattern := range routes {
		mux.Handle(pattern, protectedHandler)
	}
	if deps.UI != nil {
		mux.Handle("GET /{path...}", deps.UI)
	}

	middlewares := []func(http.Handler) http.Handler{
		corsMiddleware(cfg.CORS),
		observability.TraceMiddleware,
		observability.RecoverMiddleware(deps.Logger),
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func corsMiddleware(cfg config.CORSConfig) func(http.Handler) http.Handler {
	if len(cfg.AllowedOrigins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Tenant-ID", "X-Session-ID", "X-Trace-ID"},
		ExposedHeaders:   []string{"X-Trace-ID"},
		AllowCredentials: false,
		MaxAge:           cfg.MaxAge,
	})
}

func CheckCatalogDSN(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.Catalog.Backend == config.BackendPostgres && cfg.Catalog.DSN == "" {
			return errors.New("catalog dsn is not configured")
		}
		return nil
	}
}

func CheckObjectStoreConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.ObjectStore.Backend != config.BackendS3 {
			return nil
		}
		if cfg.ObjectStore.Endpoint == "" {
			return errors.New("object store endpoint is not configured")
		}
		if cfg.ObjectStore.Bucket == "" {
			return errors.New("object store bucket is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"error":      message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
