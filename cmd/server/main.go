package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/greenscore/backend/config"
	httpDelivery "github.com/greenscore/backend/internal/delivery/http"
	"github.com/greenscore/backend/internal/domain"
	"github.com/greenscore/backend/internal/infrastructure/cache"
	"github.com/greenscore/backend/internal/infrastructure/metrics"
	"github.com/greenscore/backend/internal/infrastructure/model"
	"github.com/greenscore/backend/internal/infrastructure/scheduler"
	"github.com/greenscore/backend/internal/infrastructure/storage"
	"github.com/greenscore/backend/internal/logging"
	"github.com/greenscore/backend/internal/usecase"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	logger.Info("starting GreenScore backend",
		"version", "1.0.0",
		"environment", cfg.Server.Environment,
		"port", cfg.Server.Port,
		"storage", cfg.Storage.Type)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage is the only dependency whose absence aborts startup
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	defer store.Close()

	cacheManager := cache.NewManager(store, cache.Config{
		TTL:          cfg.Cache.TTL,
		MaxEntries:   cfg.Cache.MaxEntries,
		ErrorLogSize: cfg.Cache.ErrorLogSize,
		ErrorLogTTL:  cfg.Cache.ErrorLogTTL,
	}, logger.With("component", "cache"))
	if err := cacheManager.Load(ctx); err != nil {
		return err
	}

	table := usecase.DefaultProductTypeTable
	if cfg.Scoring.KeywordTable != "" {
		table, err = usecase.LoadProductTypeTable(cfg.Scoring.KeywordTable)
		if err != nil {
			return err
		}
		logger.Info("loaded product type table", "path", cfg.Scoring.KeywordTable, "rules", len(table))
	}

	encoder := usecase.NewFeatureEncoder()
	seed := uint64(time.Now().UnixNano())
	modelService := usecase.NewModelService(
		store,
		model.NewKVStore(store, cfg.Model.Name),
		cacheManager,
		cacheManager,
		encoder,
		func(inputSize int) domain.Model {
			return model.NewNetwork(inputSize, model.DefaultHiddenLayers, model.DefaultDropout, seed)
		},
		usecase.ModelServiceConfig{
			InferenceTimeout:   cfg.Model.InferenceTimeout,
			MaxRetries:         cfg.Model.MaxRetries,
			BaseBackoff:        cfg.Model.BaseBackoff,
			MaxTrainingSamples: cfg.Model.MaxTrainingSamples,
			RetrainEvery:       cfg.Model.RetrainEvery,
			MinTrainingSamples: cfg.Model.MinTrainingSamples,
			HistorySize:        cfg.Model.HistorySize,
			Train: domain.TrainOptions{
				Epochs:          cfg.Model.Epochs,
				ValidationSplit: cfg.Model.ValidationSplit,
				LearningRate:    cfg.Model.LearningRate,
			},
		},
		logger.With("component", "model"),
	)
	if err := modelService.Initialize(ctx); err != nil {
		return err
	}

	var (
		collector      *metrics.Collector
		observer       usecase.AnalysisObserver
		metricsHandler http.Handler
	)
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		observer = collector
		metricsHandler = collector.Handler()
		collector.Refresh(cacheManager.Stats(), modelService.GetModelMetrics())
	}

	analyzer := usecase.NewAnalyzer(
		usecase.NewFeatureExtractor(table),
		usecase.NewHeuristicScorer(nil),
		modelService,
		cacheManager,
		observer,
		usecase.AnalyzerConfig{
			FallbackConfidence:  cfg.Scoring.FallbackConfidence,
			ConfidenceThreshold: cfg.Model.ConfidenceThreshold,
		},
		logger.With("component", "analyzer"),
	)

	// Timers
	sweeper := scheduler.NewIntervalScheduler("cache-sweep", cfg.Cache.SweepInterval, logger)
	if err := sweeper.Start(ctx, func(ctx context.Context, _ time.Time) {
		removed := cacheManager.CleanupExpiredEntries(ctx)
		logger.Info("cache sweep finished", "removed", removed)
	}); err != nil {
		return err
	}

	refresher := scheduler.NewIntervalScheduler("metrics-refresh", cfg.Metrics.RefreshInterval, logger)
	if collector != nil {
		if err := refresher.Start(ctx, func(context.Context, time.Time) {
			collector.Refresh(cacheManager.Stats(), modelService.GetModelMetrics())
		}); err != nil {
			return err
		}
	}

	handler := httpDelivery.NewHandler(analyzer, modelService, cacheManager)
	router := httpDelivery.SetupRouter(cfg, handler, metricsHandler, logger)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	return shutdown(server, sweeper, refresher, modelService, logger)
}

// shutdown stops the timers and the HTTP server, then waits for background training
func shutdown(
	server *http.Server,
	sweeper, refresher *scheduler.IntervalScheduler,
	modelService *usecase.ModelService,
	logger *slog.Logger,
) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := sweeper.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop sweep: %w", err))
	}
	if err := refresher.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop metrics refresh: %w", err))
	}
	if err := server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http: %w", err))
	}
	if err := modelService.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop training: %w", err))
	}

	logger.Info("server stopped")
	return errors.Join(errs...)
}
