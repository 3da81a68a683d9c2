// sarflow turns AML alerts into reviewable SAR drafts backed by an audit trail.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/sarflow/internal/api"
	"github.com/opensource-finance/sarflow/internal/audit"
	"github.com/opensource-finance/sarflow/internal/bus"
	"github.com/opensource-finance/sarflow/internal/cache"
	"github.com/opensource-finance/sarflow/internal/cases"
	"github.com/opensource-finance/sarflow/internal/config"
	"github.com/opensource-finance/sarflow/internal/domain"
	"github.com/opensource-finance/sarflow/internal/logging"
	"github.com/opensource-finance/sarflow/internal/metrics"
	"github.com/opensource-finance/sarflow/internal/narrative"
	"github.com/opensource-finance/sarflow/internal/pipeline"
	"github.com/opensource-finance/sarflow/internal/repository"
	"github.com/opensource-finance/sarflow/internal/retrieval"
	"github.com/opensource-finance/sarflow/internal/rules"
	"github.com/opensource-finance/sarflow/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load(os.Getenv("SARFLOW_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	slog.SetDefault(logging.New(cfg.Logging))

	slog.Info("starting sarflow",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"generator", cfg.Generator.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Rule Engine
	engine, err := rules.NewDefaultEngine()
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	// Reference corpus for grounding narratives
	corpus, err := retrieval.NewCorpusRetriever(cfg.Retrieval.CorpusDir)
	if err != nil {
		slog.Error("failed to load reference corpus", "error", err)
		os.Exit(1)
	}
	retriever := retrieval.NewCachedRetriever(corpus, cacheImpl, cfg.Retrieval.CacheTTL)
	slog.Info("reference corpus loaded",
		"dir", cfg.Retrieval.CorpusDir,
		"documents", corpus.Len(),
	)

	// Narrative generation
	httpProvider := narrative.NewOllamaGenerator(cfg.Generator)
	var provider domain.TextGenerator
	switch cfg.Generator.Type {
	case "ollama":
		provider = httpProvider
	case "bus":
		provider = narrative.NewBusGenerator(busImpl)
	}
	generator := narrative.NewGenerator(provider, cfg.Generator.Timeout)
	slog.Info("narrative generator initialized", "provider", generator.ProviderName())

	collector := metrics.New()
	auditLog := audit.NewLogger(repo, audit.WithBus(busImpl))

	p := pipeline.New(repo, auditLog, engine,
		pipeline.WithRetriever(retriever, cfg.Retrieval.TopK),
		pipeline.WithGenerator(generator),
		pipeline.WithMetrics(collector),
		pipeline.WithBatchWorkers(cfg.Pipeline.BatchWorkers),
	)
	caseSvc := cases.NewService(repo, auditLog, cases.WithMetrics(collector))

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	workerCfg := worker.Config{
		ProcessAlerts:   cfg.Pipeline.AsyncWorker,
		ServeGeneration: cfg.Pipeline.ServeGeneration,
	}
	if workerCfg.ProcessAlerts || workerCfg.ServeGeneration {
		asyncWorker = worker.NewWorker(busImpl, p, httpProvider)
		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started",
				"process_alerts", workerCfg.ProcessAlerts,
				"serve_generation", workerCfg.ServeGeneration,
			)
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:     repo,
		Cache:    cacheImpl,
		Bus:      busImpl,
		Engine:   engine,
		Pipeline: p,
		Cases:    caseSvc,
		Metrics:  collector,
		Version:  Version,
	})

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("sarflow is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop accepting requests before draining the worker
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	slog.Info("sarflow shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                 SARFLOW                   |")
	fmt.Println("  |     Alert to SAR draft, with evidence     |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:   %s\n", version)
	fmt.Printf("  Tier:      %s\n", cfg.Tier)
	fmt.Printf("  Generator: %s\n", cfg.Generator.Type)
	fmt.Printf("  Server:    http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /alerts                       - Draft a case from an alert")
	fmt.Println("    POST /alerts/batch                 - Draft cases for many alerts")
	fmt.Println("    GET  /cases                        - List cases")
	fmt.Println("    GET  /cases/{id}                   - Get a case")
	fmt.Println("    GET  /cases/{id}/audit             - Case audit timeline")
	fmt.Println("    GET  /cases/{id}/export/{format}   - Export json, audit or text")
	fmt.Println("    POST /cases/{id}/{action}          - submit, approve, reject, finalize, reopen")
	fmt.Println("    GET  /rules                        - Loaded typology rules")
	fmt.Println("    GET  /metrics                      - Prometheus metrics")
	fmt.Println("    GET  /health                       - Health check")
	fmt.Println()
}
