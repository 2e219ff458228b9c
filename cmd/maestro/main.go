// Maestro orchestrator server: serves the HTTP API, runs the worker job
// processor, and drives supervisor runs.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/maestro-run/maestro/pkg/api"
	"github.com/maestro-run/maestro/pkg/artifacts"
	"github.com/maestro-run/maestro/pkg/barrier"
	"github.com/maestro-run/maestro/pkg/cleanup"
	"github.com/maestro-run/maestro/pkg/config"
	"github.com/maestro-run/maestro/pkg/database"
	"github.com/maestro-run/maestro/pkg/engine"
	"github.com/maestro-run/maestro/pkg/events"
	"github.com/maestro-run/maestro/pkg/llm"
	"github.com/maestro-run/maestro/pkg/queue"
	"github.com/maestro-run/maestro/pkg/store/postgres"
	"github.com/maestro-run/maestro/pkg/supervisor"
	"github.com/maestro-run/maestro/pkg/tools"
	"github.com/maestro-run/maestro/pkg/version"
)

// resolvePodID determines the pod identifier for multi-replica job claiming.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	configPath := flag.String("config", "", "Path to maestro.yaml (defaults to MAESTRO_CONFIG or ./maestro.yaml)")
	envPath := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	podID := resolvePodID()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("Starting maestro",
		"version", version.Full(),
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"pod_id", podID,
		"workers", cfg.Queue.WorkerCount)

	ctx := context.Background()

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		logger.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	logger.Info("Connected to PostgreSQL database")

	st := postgres.New(dbClient.Pool())

	// Requeue jobs a previous incarnation of this pod died holding, before
	// any claim loop starts.
	resultStore, err := artifacts.NewFSStore(cfg.Artifacts.BaseDir)
	if err != nil {
		logger.Error("Failed to open artifact store", "dir", cfg.Artifacts.BaseDir, "error", err)
		os.Exit(1)
	}
	outputStore, err := artifacts.NewToolOutputStore(cfg.Artifacts.BaseDir)
	if err != nil {
		logger.Error("Failed to open tool output store", "dir", cfg.Artifacts.BaseDir, "error", err)
		os.Exit(1)
	}
	outputStore.InlineLimit = cfg.Artifacts.InlineLimit

	llmClient, err := llm.NewAnthropicClient(cfg.LLM.APIKey)
	if err != nil {
		logger.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}

	// Streaming infrastructure: durable events go through the publisher
	// (INSERT + NOTIFY); the listener fans them out to WebSocket clients.
	publisher := events.NewPublisher(dbClient.Pool(), st.Runs().RootRunID)
	catchup := api.NewEventCatchup(st.Runs(), st.Events())
	connManager := events.NewConnectionManager(catchup, 10*time.Second)

	notifyListener := events.NewNotifyListener(dbClient.DSN(), connManager)
	if err := notifyListener.Start(ctx); err != nil {
		logger.Error("Failed to start NOTIFY listener", "error", err)
		os.Exit(1)
	}
	defer notifyListener.Stop(ctx)
	connManager.SetListener(notifyListener)
	logger.Info("Streaming infrastructure initialized")

	registry := tools.NewRegistry()
	registry.MustRegister(tools.NewCurrentTimeTool(time.Now))
	registry.MustRegister(tools.NewReadWorkerResultTool(st.Jobs(), resultStore))
	registry.MustRegister(tools.NewCheckWorkerStatusTool(st.Jobs()))
	registry.MustRegister(tools.NewGetToolOutputTool(outputStore))
	registry.MustRegister(tools.NewSearchToolsTool(registry))

	eng := engine.New(llmClient, st.Jobs(), resultStore, publisher, logger, engine.Config{
		MaxIterations:      cfg.Engine.MaxIterations,
		MaxConcurrentTools: cfg.Engine.MaxConcurrentTools,
		MaxUserTurns:       cfg.Engine.MaxUserTurns,
		MaxChars:           cfg.Engine.MaxChars,
	})

	// Coordinator and supervisor service reference each other; the resumer
	// is attached after both exist.
	coordinator := barrier.NewCoordinator(st, nil, logger, barrier.Config{
		Timeout:          cfg.Barrier.Timeout,
		ReapInterval:     cfg.Barrier.ReapInterval,
		CreatedOrphanAge: cfg.Barrier.CreatedOrphanAge,
	})

	inbox := supervisor.NewInboxBuilder(st.Jobs(), st.Threads(), resultStore)
	service := supervisor.NewService(st, eng, registry, coordinator, inbox, outputStore, publisher, logger, supervisor.Config{
		DefaultTimeout: cfg.Supervisor.Timeout,
		MaxChainDepth:  cfg.Supervisor.MaxChainDepth,
		MaxTokens:      cfg.LLM.MaxTokens,
		Stream:         cfg.Supervisor.Stream,
		Allowlist:      cfg.Supervisor.Allowlist,
	})
	coordinator.SetResumer(service)

	summarizer := queue.NewSummarizer(llmClient, firstNonEmpty(cfg.LLM.SummaryModel, cfg.LLM.DefaultModel))
	processor := queue.NewProcessor(st, eng, registry, coordinator,
		resultStore, outputStore, summarizer, publisher, logger, podID, queue.Config{
			Workers:           cfg.Queue.WorkerCount,
			PollInterval:      cfg.Queue.PollInterval,
			PollJitter:        cfg.Queue.PollJitter,
			HeartbeatInterval: cfg.Queue.HeartbeatInterval,
			DefaultModel:      cfg.LLM.DefaultModel,
			MaxTokens:         cfg.LLM.MaxTokens,
			Allowlist:         cfg.Queue.Allowlist,
		})

	if err := processor.CleanupStartupOrphans(ctx); err != nil {
		logger.Error("Startup orphan cleanup failed", "error", err)
		// Non-fatal; the orphan detector catches survivors.
	}

	// Background loops run against their own cancellable context so shutdown
	// can stop them independently of in-flight HTTP requests.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	reaper := barrier.NewReaper(st, coordinator, logger, barrier.Config{
		Timeout:          cfg.Barrier.Timeout,
		ReapInterval:     cfg.Barrier.ReapInterval,
		CreatedOrphanAge: cfg.Barrier.CreatedOrphanAge,
	})
	go reaper.Run(bgCtx)

	orphans := queue.NewOrphanDetector(st, logger, queue.OrphanConfig{
		Threshold:    cfg.Queue.OrphanThreshold,
		ScanInterval: cfg.Queue.OrphanScan,
		MaxRetries:   cfg.Queue.MaxRetries,
	})
	go orphans.Run(bgCtx)

	retention := cleanup.NewService(st, logger, cleanup.Config{
		EventTTL: cfg.Retention.EventTTL,
		Interval: cfg.Retention.Interval,
	})
	go retention.Run(bgCtx)

	processorDone := make(chan struct{})
	go func() {
		processor.Run(bgCtx)
		close(processorDone)
	}()

	server := api.NewServer(st, service, processor, connManager, dbClient, logger, cfg.Server.AllowedWSOrigins)
	httpServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	// Graceful shutdown: stop the HTTP surface first so no new runs start,
	// then give workers the remaining budget to finish. Jobs that do not
	// finish in time are orphan-recovered by the next incarnation.
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	bgCancel()
	select {
	case <-processorDone:
		logger.Info("Job processor stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timeout exceeded, running jobs will be orphan-recovered")
	}

	logger.Info("Shutdown complete")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

