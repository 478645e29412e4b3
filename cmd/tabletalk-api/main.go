package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tabletalk/tabletalk/internal/api"
	"github.com/tabletalk/tabletalk/internal/api/uistatic"
	"github.com/tabletalk/tabletalk/internal/auth"
	"github.com/tabletalk/tabletalk/internal/catalog"
	catalogmemory "github.com/tabletalk/tabletalk/internal/catalog/memory"
	catalogpostgres "github.com/tabletalk/tabletalk/internal/catalog/postgres"
	"github.com/tabletalk/tabletalk/internal/config"
	"github.com/tabletalk/tabletalk/internal/dataset"
	"github.com/tabletalk/tabletalk/internal/llm"
	"github.com/tabletalk/tabletalk/internal/maintenance"
	"github.com/tabletalk/tabletalk/internal/observability"
	queryduckdb "github.com/tabletalk/tabletalk/internal/query/duckdb"
	"github.com/tabletalk/tabletalk/internal/session"
	sessionmemory "github.com/tabletalk/tabletalk/internal/session/memory"
	sessionpostgres "github.com/tabletalk/tabletalk/internal/session/postgres"
	"github.com/tabletalk/tabletalk/internal/storage"
	storagememory "github.com/tabletalk/tabletalk/internal/storage/memory"
	s3store "github.com/tabletalk/tabletalk/internal/storage/s3"
	"github.com/tabletalk/tabletalk/internal/synth"
	"github.com/tabletalk/tabletalk/internal/workflow"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv("tabletalk-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)

	var db *sql.DB
	if cfg.Catalog.Backend == config.BackendPostgres || cfg.Sessions.Backend == config.BackendPostgres {
		db, err = catalogpostgres.Open(context.Background(), catalogpostgres.DBConfig{
			DSN:             cfg.Catalog.DSN,
			ApplicationName: cfg.Service.Name,
			MaxOpenConns:    cfg.Catalog.MaxOpenConns,
			MaxIdleConns:    cfg.Catalog.MaxIdleConns,
			ConnMaxIdleTime: cfg.Catalog.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.Catalog.ConnMaxLifetime,
		})
		if err != nil {
			logger.Error("failed to open catalog db", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
	}

	var catalogRepo catalog.DatasetRepository = catalogmemory.NewRepository()
	if cfg.Catalog.Backend == config.BackendPostgres {
		catalogRepo = catalogpostgres.NewRepository(db)
	}

	var sessions session.Store = sessionmemory.New()
	if cfg.Sessions.Backend == config.BackendPostgres {
		sessions = sessionpostgres.NewStore(db)
	}

	objectStore, err := openObjectStore(cfg)
	if err != nil {
		logger.Error("failed to initialize object store", slog.Any("error", err))
		os.Exit(1)
	}

	datasets := dataset.NewStore(catalogRepo, objectStore, logger, dataset.Options{
		MaxPerTenant:   cfg.Datasets.MaxPerTenant,
		MaxUploadBytes: cfg.Datasets.MaxUploadBytes,
		IgnoreColumns:  cfg.Datasets.IgnoreColumns,
		ScratchDir:     cfg.Datasets.ScratchDir,
	})
	engine := queryduckdb.NewEngine(objectStore, queryduckdb.Options{
		MemoryLimit: cfg.Executor.MemoryLimit,
		Threads:     cfg.Executor.Threads,
		Timeout:     cfg.Executor.Timeout,
		ScratchDir:  cfg.Datasets.ScratchDir,
	})

	var chatModel llm.ChatModel
	if llm.RequiresAPIKey(cfg.AI.Provider) && cfg.AI.APIKey == "" {
		logger.Warn("ai provider has no api key; questions will fail until one is configured", slog.String("provider", cfg.AI.Provider))
	} else {
		chatModel, err = llm.New(context.Background(), llm.Config{
			Provider:  cfg.AI.Provider,
			BaseURL:   cfg.AI.BaseURL,
			APIKey:    cfg.AI.APIKey,
			Model:     cfg.AI.QueryModel,
			MaxTokens: cfg.AI.MaxTokens,
			Timeout:   cfg.AI.Timeout,
		})
		if err != nil {
			logger.Error("failed to initialize ai provider", slog.Any("error", err))
			os.Exit(1)
		}
	}
	synthesizer := synth.New(chatModel, synth.Options{
		Provider:          cfg.AI.Provider,
		QueryModel:        cfg.AI.QueryModel,
		AnswerModel:       cfg.AI.AnswerModel,
		ChartModel:        cfg.AI.ChartModel,
		QueryTemperature:  cfg.AI.QueryTemperature,
		AnswerTemperature: cfg.AI.AnswerTemperature,
		ChartTemperature:  cfg.AI.ChartTemperature,
	})

	interactions := &workflow.Service{
		Datasets:    datasets,
		Engine:      engine,
		Synthesizer: synthesizer,
		Sessions:    sessions,
		Config: workflow.Config{
			PreviewTimeout: cfg.Executor.PreviewTimeout,
			Timeout:        cfg.Executor.Timeout,
			MaxResultRows:  cfg.Executor.MaxResultRows,
			MaxDistinct:    cfg.Datasets.MaxDistinctValues,
			TTL:            cfg.Sessions.TTL,
			ConfirmMode:    cfg.Executor.ConfirmMode,
		},
		Logger: logger,
	}

	maintenanceService := &maintenance.Service{
		Sessions:    sessions,
		Datasets:    datasets,
		Catalog:     catalogRepo,
		ObjectStore: objectStore,
		Config: maintenance.Config{
			Interval:       cfg.Maintenance.Interval,
			DatasetIdleTTL: cfg.Maintenance.DatasetIdleTTL,
		},
		Logger: logger,
	}

	deps := api.Dependencies{
		Logger:       logger,
		Datasets:     datasets,
		Interactions: interactions,
		Maintenance:  maintenanceService,
		Readiness: api.CombineReadinessChecks(
			catalogRepo.HealthCheck,
			api.CheckCatalogDSN(cfg),
			api.CheckObjectStoreConfig(cfg),
		),
		DependencyTimeout: time.Second,
		MaxUploadBytes:    cfg.Datasets.MaxUploadBytes,
	}
	if cfg.UI.Enabled {
		deps.UI = uistatic.Handler()
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      api.NewHandler(cfg, deps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Maintenance.RunInBackground {
		go func() {
			if err := maintenanceService.Run(ctx); err != nil {
				logger.Error("maintenance loop stopped", slog.Any("error", err))
			}
		}()
	}

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("ai_provider", cfg.AI.Provider),
			slog.String("catalog_backend", cfg.Catalog.Backend),
			slog.String("objectstore_backend", cfg.ObjectStore.Backend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

func openObjectStore(cfg config.Config) (storage.ObjectStore, error) {
	if cfg.ObjectStore.Backend != config.BackendS3 {
		return storagememory.New(), nil
	}
	return s3store.New(context.Background(), s3store.Config{
		Endpoint:         cfg.ObjectStore.Endpoint,
		Region:           cfg.ObjectStore.Region,
		Bucket:           cfg.ObjectStore.Bucket,
		AccessKeyID:      cfg.ObjectStore.AccessKeyID,
		SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
		UseSSL:           cfg.ObjectStore.UseSSL,
		Prefix:           cfg.ObjectStore.Prefix,
		AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
	})
}
