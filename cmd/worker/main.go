package main

import (
	"context"
	"errors"
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
	"server/internal/infra"
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
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv).With().Str("proc", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	httpClient := &http.Client{Timeout: 60 * time.Second}

	registry, viewsAdapter, submitter, err := buildRegistry(cfg, logger, httpClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure providers")
	}

	blobs, err := storage.NewFileStore(resolveStoragePath(cfg.StoragePath))
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}

	classifier := classify.New()
	recorder := metrics.NewRecorder()
	ledger := credits.NewLedger(repo.NewCreditStore(pool), logger)

	coordinator := batch.NewCoordinator(batch.Options{
		Batches:    repo.NewBatchRepository(pool),
		Views:      viewsAdapter,
		Submitter:  submitter,
		Classifier: classifier,
		Blobs:      blobs,
		HTTPClient: httpClient,
		Logger:     logger,
	})

	engine := pipeline.NewEngine(pipeline.Options{
		Pipelines:   repo.NewPipelineRepository(pool),
		Batches:     repo.NewBatchRepository(pool),
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

	logger.Info().Msg("worker: started")
	if err := run(ctx, engine, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}

// run claims and drives due pipelines until the context is cancelled.
// One unit per iteration; when nothing is due the loop idles briefly.
func run(ctx context.Context, engine *pipeline.Engine, cfg *infra.Config, logger infra.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		claimed, err := engine.PollDue(ctx, cfg.WorkerLease)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			logger.Error().Err(err).Msg("worker: poll step failed")
			sleep(ctx, cfg.WorkerIdleSleep)
			continue
		}
		if !claimed {
			sleep(ctx, cfg.WorkerIdleSleep)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// buildRegistry registers every vendor whose credentials are configured.
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
