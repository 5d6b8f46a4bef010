package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/triage-agent/internal/analysis"
	"github.com/miradorstack/triage-agent/internal/api"
	"github.com/miradorstack/triage-agent/internal/cache"
	"github.com/miradorstack/triage-agent/internal/config"
	"github.com/miradorstack/triage-agent/internal/knowledge"
	"github.com/miradorstack/triage-agent/internal/ledger"
	"github.com/miradorstack/triage-agent/internal/llm"
	"github.com/miradorstack/triage-agent/internal/metrics"
	"github.com/miradorstack/triage-agent/internal/models"
	"github.com/miradorstack/triage-agent/internal/scheduler"
	"github.com/miradorstack/triage-agent/internal/services"
	"github.com/miradorstack/triage-agent/internal/tracing"
	"github.com/miradorstack/triage-agent/internal/triage"
	"github.com/miradorstack/triage-agent/internal/utils"
	"github.com/miradorstack/triage-agent/internal/workflow"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON, utils.FileSink{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	slog.SetDefault(logger)
	logger.Info("starting triage-agent",
		slog.String("grpc_address", cfg.Server.Address),
		slog.String("http_address", cfg.Server.HTTPAddress),
		slog.Duration("rca_delay", cfg.Workflow.RCADelay))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("triage-agent exited", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("triage-agent stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown", slog.Any("error", err))
		}
	}()

	clock := clockwork.NewRealClock()

	// Lookups go to Redis when enabled, otherwise to an in-process LRU.
	var redisProvider *cache.RedisProvider
	if cfg.Cache.Enabled || cfg.Workflow.Queue == "redis" {
		redisProvider, err = cache.NewRedisProvider(cache.RedisConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
			KeyPrefix:    cfg.Cache.KeyPrefix,
		})
		if err != nil {
			if cfg.Workflow.Queue == "redis" {
				return fmt.Errorf("redis task queue: %w", err)
			}
			logger.Warn("redis cache unavailable, using local cache", slog.Any("error", err))
		} else {
			defer redisProvider.Close()
		}
	}
	// Locks stay out of the lookup LRU so evictions never drop a held lock.
	// A nil provider gives the runner its own in-process lock table.
	var locks cache.Provider
	if redisProvider != nil {
		locks = redisProvider
	}
	var cacheProvider cache.Provider
	if redisProvider != nil && cfg.Cache.Enabled {
		cacheProvider = redisProvider
	} else {
		local, err := cache.NewLRUProvider(cfg.Cache.LocalSize, clock)
		if err != nil {
			return err
		}
		cacheProvider = local
	}

	provider, err := llm.New(llm.Config{
		Provider:  cfg.AI.Provider,
		Model:     cfg.AI.Model,
		APIKey:    cfg.AI.APIKey,
		BaseURL:   cfg.AI.BaseURL,
		MaxTokens: cfg.AI.MaxTokens,
		Timeout:   cfg.AI.Timeout,
	})
	if err != nil {
		return fmt.Errorf("ai provider: %w", err)
	}
	gateway, err := analysis.NewGateway(provider, analysis.Options{
		Retry:             cfg.Retry.AI,
		Clock:             clock,
		RequestsPerSecond: cfg.AI.RequestsPerSecond,
		Burst:             cfg.AI.Burst,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	ledgerClient, err := ledger.NewClient(ledger.Options{
		BaseURL: cfg.Ledger.BaseURL,
		Timeout: cfg.Ledger.Timeout,
		Retry:   cfg.Retry.Ledger,
		Clock:   clock,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	kb, err := buildKnowledge(cfg, cacheProvider, clock, logger)
	if err != nil {
		return err
	}

	var journal workflow.Journal = workflow.NewMemoryJournal()
	if cfg.Workflow.JournalDSN != "" {
		sqlJournal, err := workflow.OpenSQLiteJournal(cfg.Workflow.JournalDSN)
		if err != nil {
			return err
		}
		journal = sqlJournal
	}
	defer journal.Close()

	runner, err := workflow.NewRunner(gateway, ledgerClient, kb, journal, locks, workflow.Options{
		Author:         cfg.Ledger.Author,
		KnowledgeLimit: cfg.Knowledge.Limit,
		LockTTL:        cfg.Workflow.LockTTL,
		Clock:          clock,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	var queue scheduler.Queue = scheduler.NewMemoryQueue()
	if cfg.Workflow.Queue == "redis" {
		queue = scheduler.NewRedisQueue(redisProvider.Client(), cfg.Workflow.QueuePrefix)
	}
	sched := scheduler.New(queue, scheduler.Options{
		PollInterval:  cfg.Workflow.PollInterval,
		MaxConcurrent: cfg.Workflow.MaxConcurrent,
		Clock:         clock,
		Logger:        logger,
		OnDropped:     runner.RecordDropped,
	})
	sched.Register(workflow.TaskKind, runner.Handle)

	orch, err := triage.New(gateway, ledgerClient, sched, triage.Options{
		Author:   cfg.Ledger.Author,
		Assignee: models.Assignee{Type: cfg.Ledger.AssigneeType, Name: cfg.Ledger.AssigneeName},
		Status:   cfg.Ledger.IncidentStatus,
		RCADelay: cfg.Workflow.RCADelay,
		// Every create attempt may use the full ledger timeout plus backoff.
		CreateTimeout: createBudget(cfg),
		Clock:         clock,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	svc := services.NewTriageService(logger, orch, journal, sched)

	grpcServer, err := api.NewServer(cfg.Server, services.NewGRPCService(svc), logger)
	if err != nil {
		return fmt.Errorf("create gRPC server: %w", err)
	}
	httpServer := &http.Server{
		Addr: cfg.Server.HTTPAddress,
		Handler: api.NewHTTPHandler(svc, api.HTTPOptions{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			Gatherer:       prometheus.DefaultGatherer,
			Logger:         logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		// Triage waits on the AI capability and the ledger.
		WriteTimeout: cfg.AI.Timeout*time.Duration(max(cfg.Retry.AI.MaxAttempts, 1)) + cfg.Ledger.Timeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("gRPC server listening", slog.String("address", grpcServer.Address()))
		return grpcServer.Start()
	})
	g.Go(func() error {
		logger.Info("http server listening", slog.String("address", cfg.Server.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if metricsServer != nil {
		g.Go(func() error {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return sched.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		// Ingress first so no new triage can schedule work, then drain workflows.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("http server shutdown", slog.Any("error", err))
		}
		grpcServer.Shutdown(shutdownCtx)

		drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Workflow.DrainTimeout)
		defer cancelDrain()
		if err := sched.Shutdown(drainCtx); err != nil {
			logger.Warn("workflows did not drain in time", slog.Duration("drain_timeout", cfg.Workflow.DrainTimeout), slog.Any("error", err))
		}

		if metricsServer != nil {
			metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelMetrics()
			if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server shutdown", slog.Any("error", err))
			}
		}
		return nil
	})

	return g.Wait()
}

func createBudget(cfg *config.Config) time.Duration {
	attempts := time.Duration(max(cfg.Retry.Ledger.MaxAttempts, 1))
	return attempts*cfg.Ledger.Timeout + (attempts-1)*cfg.Retry.Ledger.MaxDelay
}

func buildKnowledge(cfg *config.Config, provider cache.Provider, clock clockwork.Clock, logger *slog.Logger) (knowledge.Searcher, error) {
	var sources []knowledge.Searcher

	rules, err := knowledge.LoadRulePack(cfg.Knowledge.RulesPath)
	if err != nil {
		return nil, fmt.Errorf("load rule pack: %w", err)
	}
	if rules.Len() > 0 {
		logger.Info("rule pack loaded", slog.String("path", cfg.Knowledge.RulesPath), slog.Int("rules", rules.Len()))
		sources = append(sources, rules)
	}

	if cfg.Knowledge.Weaviate.Endpoint != "" {
		searcher, err := knowledge.NewWeaviateSearcher(knowledge.WeaviateOptions{
			Endpoint: cfg.Knowledge.Weaviate.Endpoint,
			APIKey:   cfg.Knowledge.Weaviate.APIKey,
			Class:    cfg.Knowledge.Weaviate.Class,
			Timeout:  cfg.Knowledge.Weaviate.Timeout,
			Cache:    provider,
			CacheTTL: cfg.Knowledge.Weaviate.CacheTTL,
			Retry:    cfg.Retry.Knowledge,
			Clock:    clock,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("weaviate searcher: %w", err)
		}
		sources = append(sources, searcher)
	}

	if len(sources) == 0 {
		logger.Warn("no knowledge sources configured; RCA runs without context")
		return knowledge.Empty{}, nil
	}
	return knowledge.NewMulti(logger, sources...), nil
}
