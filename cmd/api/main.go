package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"server/internal/adapter/repo"
	"server/internal/batch"
	"server/internal/classify"
	"server/internal/credits"
	"server/internal/http/handlers"
	httpapi "server/internal/http/httpapi"
	"server/internal/infra"
	"server/internal/meshops"
	"server/internal/metrics"
	"server/internal/pipeline"
	"server/internal/providers"
	"server/internal/providers/luma"
	"server/internal/providers/meshy"
	"server/internal/providers/rodin"
	"server/internal/providers/stability"
	"server/internal/providers/tripo"
	"server/internal/storage"
)

func main() {
	// Load .env (optional).
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	httpClient := &http.Client{Timeout: 60 * time.Second}

	registry, viewsAdapter, submitter, err := buildRegistry(cfg, logger, httpClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure providers")
	}

	blobs, err := storage.NewFileStore(resolveStoragePath(cfg.StoragePath))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure storage")
	}

	recorder := metrics.NewRecorder()
	classifier := classify.New()
	ledger := credits.NewLedger(repo.NewCreditStore(dbpool), logger)

	coordinator := batch.NewCoordinator(batch.Options{
		Batches:    repo.NewBatchRepository(dbpool),
		Views:      viewsAdapter,
		Submitter:  submitter,
		Classifier: classifier,
		Blobs:      blobs,
		HTTPClient: httpClient,
		Logger:     logger,
	})

	engine := pipeline.NewEngine(pipeline.Options{
		Pipelines:   repo.NewPipelineRepository(dbpool),
		Batches:     repo.NewBatchRepository(dbpool),
		Ledger:      ledger,
		Registry:    registry,
		Coordinator: coordinator,
		Classifier:  classifier,
		Blobs:       blobs,
		Recorder:    recorder,
		HTTPClient:  httpClient,
		Logger:      logger,
		Config: pipeline.Config{
			ViewsCost:      cfg.ViewsCost,
			ModelCost:      cfg.ModelCost,
			RegenerateCost: cfg.RegenerateCost,
			MaxRetries:     cfg.MaxRetries,
			PollInterval:   cfg.PollInterval,
			BackoffCap:     cfg.BackoffCap,
			StorageBaseURL: cfg.StorageBaseURL,
		},
	})

	var meshOps *meshops.Client
	if cfg.MeshOpsBaseURL != "" {
		meshOps, err = meshops.NewClient(meshops.Options{BaseURL: cfg.MeshOpsBaseURL})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure mesh service client")
		}
	} else {
		logger.Warn().Msg("MESHOPS_BASE_URL not set, mesh analyze/optimize disabled")
	}

	app := &handlers.App{
		Engine:   engine,
		Ledger:   ledger,
		MeshOps:  meshOps,
		Blobs:    blobs,
		Recorder: recorder,
		SQL:      infra.NewSQLRunner(dbpool, logger),
		Logger:   logger,
	}

	router := httpapi.NewRouter(app, httpapi.Options{
		JWTSecret:       cfg.JWTSecret,
		RateLimitPerMin: cfg.RateLimitPerMin,
	})

	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}

// buildRegistry registers every vendor whose credentials are configured.
// The view-synthesis vendor is mandatory; mesh vendors are optional and
// tier selection falls through to whatever is available.
func buildRegistry(cfg *infra.Config, logger infra.Logger, httpClient *http.Client) (*providers.Registry, providers.Adapter, providers.BatchSubmitter, error) {
	registry := providers.NewRegistry("stability", cfg.MeshVendorDefault)

	stabilityClient, err := stability.NewClient(stability.Options{
		APIKey:     cfg.StabilityAPIKey,
		BaseURL:    cfg.StabilityBaseURL,
		HTTPClient: httpClient,
		Logger:     &logger,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	registry.Register(stabilityClient)

	if cfg.TripoAPIKey != "" {
		client, err := tripo.NewClient(tripo.Options{APIKey: cfg.TripoAPIKey, BaseURL: cfg.TripoBaseURL, HTTPClient: httpClient, Logger: &logger})
		if err != nil {
			return nil, nil, nil, err
		}
		registry.Register(client)
	}
	if cfg.MeshyAPIKey != "" {
		client, err := meshy.NewClient(meshy.Options{APIKey: cfg.MeshyAPIKey, BaseURL: cfg.MeshyBaseURL, HTTPClient: httpClient, Logger: &logger})
		if err != nil {
			return nil, nil, nil, err
		}
		registry.Register(client)
	}
	if cfg.RodinAccessKey != "" {
		client, err := rodin.NewClient(rodin.Options{AccessKey: cfg.RodinAccessKey, AccessSecret: cfg.RodinSecretKey, BaseURL: cfg.RodinBaseURL, HTTPClient: httpClient, Logger: &logger})
		if err != nil {
			return nil, nil, nil, err
		}
		registry.Register(client)
	}
	if cfg.LumaAPIKey != "" {
		client, err := luma.NewClient(luma.Options{APIKey: cfg.LumaAPIKey, BaseURL: cfg.LumaBaseURL, HTTPClient: httpClient, Logger: &logger})
		if err != nil {
			return nil, nil, nil, err
		}
		registry.Register(client)
	}

	// Draft jobs stick to the cheaper vendors; the high tier needs the
	// ones that honor large face budgets.
	registry.RestrictTier("draft", "tripo", "meshy")
	registry.RestrictTier("high", "tripo", "rodin")

	return registry, stabilityClient, stabilityClient, nil
}

func resolveStoragePath(path string) string {
	if path == "" {
		path = "./data/storage"
	}
	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			return abs
		}
	}
	return path
}
