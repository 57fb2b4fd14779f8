package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/fedrag/privacy-rag/apperr"
	"github.com/fedrag/privacy-rag/cache"
	"github.com/fedrag/privacy-rag/config"
	"github.com/fedrag/privacy-rag/guardrail"
	"github.com/fedrag/privacy-rag/knowledge"
	"github.com/fedrag/privacy-rag/pii"
	"github.com/fedrag/privacy-rag/pii/detectors"
	"github.com/fedrag/privacy-rag/pipeline"
	"github.com/fedrag/privacy-rag/resilience"
	"github.com/fedrag/privacy-rag/server"
	"github.com/fedrag/privacy-rag/telemetry"
)

const shutdownTimeout = 10 * time.Second

var serveFlags struct {
	port   string
	dryRun bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the answering service",
	Long: `Start the HTTP answering service.

Routes:
  POST /chat                   answer a question
  GET  /health                 detector health
  GET  /metrics                Prometheus metrics
  GET  /api/telemetry/weekly   weekly rollup per guardrail policy

Examples:
  # Start with settings from .env and the environment
  privacy-rag serve

  # Validate configuration without starting
  privacy-rag serve --dry-run`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveFlags.port, "port", "", "override listen port (for example :8080)")
	serveCmd.Flags().BoolVar(&serveFlags.dryRun, "dry-run", false, "validate configuration and exit")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig()
	if err != nil {
		if e, ok := apperr.As(err); ok && len(e.Missing) > 0 {
			log.Printf("[Config] Missing required settings: %v", e.Missing)
		}
		return err
	}
	if serveFlags.dryRun {
		fmt.Println("Configuration is valid")
		return nil
	}

	logger := newLogger(os.Stdout, cfg.Logging)
	slog.SetDefault(logger)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN, AttachStacktrace: true}); err != nil {
			logger.Warn("sentry disabled", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.server.Start()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := svc.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
		return nil
	}
}

func loadServeConfig() (*config.Config, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	if serveFlags.port != "" {
		cfg.Server.Port = serveFlags.port
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// app owns everything built for one serve run
type app struct {
	server  *server.Server
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}

	detectorCfg, err := detectorConfig(cfg)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, "detector.config", err)
	}
	manager := pii.NewDetectorManager(cfg.PII.DetectorName, detectorCfg, logger)
	a.closers = append(a.closers, func() { _ = manager.Close() })
	log.Printf("[Startup] PII detection using detector: %s (healthy: %t)", cfg.PII.DetectorName, manager.IsHealthy())

	redactor := pii.NewRedactor(manager, pii.Options{
		MinConfidenceScore: cfg.PII.MinConfidenceScore,
		LanguageCode:       cfg.PII.LanguageCode,
	})

	kb, err := knowledge.NewBedrockServiceFromConfig(ctx, knowledge.BedrockConfig{
		Region:          cfg.Knowledge.Region,
		KnowledgeBaseID: cfg.Knowledge.KnowledgeBaseID,
		ModelARN:        cfg.Knowledge.ModelARN,
		NumberOfResults: cfg.Knowledge.NumberOfResults,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	executor := resilience.NewExecutor(resilience.Options{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
	})

	contextCache := cache.NewLRU(cfg.Cache.ContextCapacity, cfg.Cache.TTL, knowledge.CloneSnippets)
	answerLRU := cache.NewLRU(cfg.Cache.AnswerCapacity, cfg.Cache.TTL, pipeline.CachedAnswer.Clone)
	var answerCache cache.Cache[pipeline.CachedAnswer] = answerLRU
	if cfg.Cache.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		a.closers = append(a.closers, func() { _ = client.Close() })
		answerCache = &cache.Tiered[pipeline.CachedAnswer]{
			Local:  answerLRU,
			Shared: cache.NewRedisStore[pipeline.CachedAnswer](client, "privacy-rag:answer:", cfg.Cache.TTL, logger),
		}
		log.Printf("[Startup] Shared answer cache enabled at %s", cfg.Cache.RedisAddr)
	}

	classifier, err := buildClassifier(ctx, cfg.Guardrail, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	policies := guardrail.NewPolicies(cfg.Guardrail.ID, cfg.Guardrail.Version, cfg.Guardrail.ComplianceID, cfg.Guardrail.ComplianceVersion)
	if !cfg.Guardrail.ComplianceEnabled() {
		logger.Warn("no compliance guardrail configured; verified compliance questions are retried without a guardrail")
	}

	collector := telemetry.NewCollector(cfg.Telemetry.MetricsNamespace, prometheus.NewRegistry())
	aggregator := telemetry.NewAggregator(cfg.Telemetry.RetentionWeeks)
	if err := a.startTelemetry(ctx, cfg, aggregator, logger); err != nil {
		a.close()
		return nil, err
	}

	orchestrator := pipeline.New(pipeline.Deps{
		Redactor:     redactor,
		Knowledge:    kb,
		Executor:     executor,
		ContextCache: contextCache,
		AnswerCache:  answerCache,
		Selector:     guardrail.NewSelector(policies, classifier, redactor),
		Bypass:       guardrail.NewBypass(policies, classifier, classifier, redactor, logger),
		Recorder:     telemetry.Recorders{collector, aggregator},
		Logger:       logger,
	}, pipeline.Options{
		MaxQueryLength:    cfg.Server.MaxQueryLength,
		ContextTopK:       cfg.Knowledge.ContextTopK,
		DegradeOnThrottle: cfg.Server.DegradeOnThrottle,
		LogVerbose:        cfg.Logging.LogVerbose,
	})

	a.server = server.NewServer(server.Options{
		Port:           cfg.Server.Port,
		RequestTimeout: cfg.Server.RequestTimeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
	}, server.Deps{
		Pipeline: orchestrator,
		Health:   manager,
		Weekly:   aggregator,
		Metrics:  promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{EnableOpenMetrics: true}),
		Logger:   logger,
	})
	return a, nil
}

// detectorConfig builds the factory config for the configured detector
func detectorConfig(cfg *config.Config) (map[string]interface{}, error) {
	switch cfg.PII.DetectorName {
	case detectors.DetectorNameModel:
		return map[string]interface{}{"base_url": cfg.PII.ModelBaseURL}, nil
	case detectors.DetectorNameONNXModel:
		return pii.ModelDirectoryConfig(cfg.PII.ModelDir)
	case detectors.DetectorNameComprehend:
		return map[string]interface{}{"region": cfg.Knowledge.Region}, nil
	default:
		return map[string]interface{}{}, nil
	}
}

// buildClassifier loads the keyword tables and, when they come from a file,
// keeps them in sync with it until ctx is done.
func buildClassifier(ctx context.Context, cfg config.GuardrailConfig, logger *slog.Logger) (*guardrail.KeywordClassifier, error) {
	if cfg.KeywordsFile == "" {
		return guardrail.NewKeywordClassifier(guardrail.DefaultKeywords()), nil
	}

	tables, err := guardrail.LoadKeywordFile(cfg.KeywordsFile)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, "guardrail.keywords", err)
	}
	classifier := guardrail.NewKeywordClassifier(tables)

	watcher, err := guardrail.NewKeywordWatcher(cfg.KeywordsFile, classifier, logger)
	if err != nil {
		logger.Warn("keyword hot reload disabled", "error", err)
		return classifier, nil
	}
	go func() {
		if err := watcher.Run(ctx); err != nil {
			logger.Error("keyword watcher stopped", "error", err)
		}
	}()
	return classifier, nil
}

// startTelemetry restores and schedules persistence of the weekly rollup.
// The memory store keeps everything in process.
func (a *app) startTelemetry(ctx context.Context, cfg *config.Config, aggregator *telemetry.Aggregator, logger *slog.Logger) error {
	var store telemetry.Store
	switch cfg.Telemetry.Store {
	case "postgres":
		s, err := telemetry.NewPostgresStore(ctx, telemetry.DatabaseConfig{
			Host:         cfg.Database.Host,
			Port:         cfg.Database.Port,
			Database:     cfg.Database.Database,
			Username:     cfg.Database.Username,
			Password:     cfg.Database.Password,
			SSLMode:      cfg.Database.SSLMode,
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
			MaxLifetime:  time.Duration(cfg.Database.MaxLifetime) * time.Second,
		})
		if err != nil {
			return err
		}
		store = s
	case "sqlite":
		s, err := telemetry.NewSQLiteStore(ctx, cfg.Telemetry.SQLitePath)
		if err != nil {
			return err
		}
		store = s
	default:
		return nil
	}
	a.closers = append(a.closers, func() { _ = store.Close() })

	scheduler := telemetry.NewScheduler(aggregator, store, cfg.Telemetry.FlushSchedule, logger)
	if err := scheduler.Restore(ctx); err != nil {
		logger.Warn("starting with empty weekly telemetry", "error", err)
	}
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	a.closers = append(a.closers, func() {
		scheduler.Stop()
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := scheduler.Flush(flushCtx); err != nil {
			logger.Error("final telemetry flush failed", "error", err)
		}
	})
	log.Printf("[Startup] Weekly telemetry persisted to %s", cfg.Telemetry.Store)
	return nil
}
