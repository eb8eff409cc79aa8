// Kestrel - Risk reasoning for pipeline and road networks.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/opensource-utility/kestrel/internal/api"
	"github.com/opensource-utility/kestrel/internal/bus"
	"github.com/opensource-utility/kestrel/internal/cache"
	"github.com/opensource-utility/kestrel/internal/domain"
	"github.com/opensource-utility/kestrel/internal/evaluator"
	"github.com/opensource-utility/kestrel/internal/ontology"
	"github.com/opensource-utility/kestrel/internal/reasoner"
	"github.com/opensource-utility/kestrel/internal/repository"
	"github.com/opensource-utility/kestrel/internal/rules"
	"github.com/opensource-utility/kestrel/internal/tasks"
	"github.com/opensource-utility/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg := loadConfig()

	// Initialize structured logger
	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"profile", cfg.Profile,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"reasoner_enabled", cfg.Reasoner.Enabled(),
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

	// Initialize Rule Engine for the configured profile
	profile := domain.ProfileByName(cfg.Profile)
	engine, err := rules.NewEngine(profile)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "profile", profile.Name)

	// Initialize Reasoner (optional)
	var llm reasoner.Reasoner
	if cfg.Reasoner.Enabled() {
		llm = reasoner.NewClient(cfg.Reasoner)
		slog.Info("reasoner initialized", "model", cfg.Reasoner.Model)
	} else {
		slog.Info("reasoner disabled - rule engine only")
	}

	// Initialize Task Service and Evaluator
	taskSvc := tasks.NewService(repo, busImpl, logger)
	eval := evaluator.New(evaluator.Options{
		Repository: repo,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Engine:     engine,
		RuleSource: ontology.NewSource(repo),
		Reasoner:   llm,
		Tasks:      taskSvc,
		Profile:    profile,
		Logger:     logger,
	})
	slog.Info("evaluator initialized", "default_mode", cfg.ReasoningMode)

	// Initialize async Worker
	asyncWorker := worker.NewWorker(busImpl, eval, logger)
	if err := asyncWorker.Start(worker.Config{Mode: cfg.ReasoningMode}); err != nil {
		slog.Error("failed to start async worker", "error", err)
		os.Exit(1)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, engine, eval, taskSvc, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	asyncWorker.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// loadConfig builds the configuration from defaults plus KESTREL_* env vars.
func loadConfig() *domain.Config {
	cfg := domain.DefaultConfig()
	if os.Getenv("KESTREL_CLUSTER") == "true" {
		cfg = domain.ClusterConfig()
	}

	if v := os.Getenv("KESTREL_PROFILE"); v != "" {
		cfg.Profile = v
	}
	if v := os.Getenv("KESTREL_MODE"); v != "" {
		cfg.ReasoningMode = domain.ParseReasoningMode(v)
	}
	if os.Getenv("KESTREL_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}
	if v := os.Getenv("KESTREL_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("KESTREL_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("KESTREL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("KESTREL_SQLITE_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := os.Getenv("KESTREL_PG_HOST"); v != "" {
		cfg.Repository.PostgresHost = v
	}
	if v := os.Getenv("KESTREL_PG_USER"); v != "" {
		cfg.Repository.PostgresUser = v
	}
	if v := os.Getenv("KESTREL_PG_PASSWORD"); v != "" {
		cfg.Repository.PostgresPassword = v
	}
	if v := os.Getenv("KESTREL_PG_DB"); v != "" {
		cfg.Repository.PostgresDB = v
	}
	if v := os.Getenv("KESTREL_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("KESTREL_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}

	if v := os.Getenv("KESTREL_LLM_BASE_URL"); v != "" {
		cfg.Reasoner.BaseURL = v
	}
	if v := os.Getenv("KESTREL_LLM_API_KEY"); v != "" {
		cfg.Reasoner.APIKey = v
	}
	if v := os.Getenv("KESTREL_LLM_MODEL"); v != "" {
		cfg.Reasoner.Model = v
	}

	return cfg
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🪶 KESTREL                  ║")
	fmt.Println("  ║     Network Risk Reasoning Engine         ║")
	fmt.Println("  ║      Eyes on every segment.               ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Profile:  %s\n", cfg.Profile)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /segments                  - Create or update a segment")
	fmt.Println("    POST /segments/{id}/readings    - Ingest a sensor reading")
	fmt.Println("    POST /segments/{id}/alarms      - Raise a raw alarm")
	fmt.Println("    POST /ontology/entities         - Create an ontology entity")
	fmt.Println("    GET  /rules?class=              - List rules for a class")
	fmt.Println("    POST /risk/evaluate             - Evaluate a segment")
	fmt.Println("    GET  /risk/topn                 - Rank segments by risk")
	fmt.Println("    GET  /risk/events               - List evaluation traces")
	fmt.Println("    GET  /tasks                     - List follow-up tasks")
	fmt.Println("    POST /admin/purge               - Purge sensing data")
	fmt.Println("    GET  /health                    - Health check")
	fmt.Println()
}
