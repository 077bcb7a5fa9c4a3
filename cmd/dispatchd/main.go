package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/dispatchd/dispatchd/internal/adapter/conveyor"
	dhttp "github.com/dispatchd/dispatchd/internal/adapter/http"
	"github.com/dispatchd/dispatchd/internal/adapter/litellm"
	dnats "github.com/dispatchd/dispatchd/internal/adapter/nats"
	dotel "github.com/dispatchd/dispatchd/internal/adapter/otel"
	"github.com/dispatchd/dispatchd/internal/adapter/postgres"
	"github.com/dispatchd/dispatchd/internal/adapter/ristretto"
	"github.com/dispatchd/dispatchd/internal/adapter/trackpad"
	"github.com/dispatchd/dispatchd/internal/adapter/ws"
	"github.com/dispatchd/dispatchd/internal/config"
	"github.com/dispatchd/dispatchd/internal/logger"
	"github.com/dispatchd/dispatchd/internal/middleware"
	"github.com/dispatchd/dispatchd/internal/port/messagequeue"
	"github.com/dispatchd/dispatchd/internal/resilience"
	"github.com/dispatchd/dispatchd/internal/service"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.New(cfg.Logging)
	log.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"pg_max_conns", cfg.Postgres.MaxConns,
	)

	ctx := context.Background()

	// --- Telemetry ---
	otelShutdown, err := dotel.Init(ctx, cfg.Telemetry.Endpoint, cfg.Logging.Service, version, cfg.Telemetry.Insecure)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			log.Warn("otel shutdown failed", "error", err)
		}
	}()

	metrics, err := dotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	log.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	log.Info("migrations applied")

	// NATS fan-out is optional: the event log in Postgres stays
	// authoritative when the queue is absent.
	var queue *dnats.Queue
	if cfg.NATS.URL != "" {
		queue, err = dnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			log.Warn("nats unavailable, event fan-out disabled", "error", err)
			queue = nil
		} else {
			defer func() { _ = queue.Close() }()
		}
	}

	cache, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer cache.Close()

	// --- Backend clients ---
	agentClient := conveyor.NewClient(cfg.Conveyor.BaseURL, cfg.Conveyor.APIKey)
	agentClient.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))

	llmClient := litellm.NewClient(cfg.LLM.URL, cfg.LLM.APIKey)
	llmClient.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))

	trackerClient := trackpad.NewClient(cfg.Tracker.BaseURL, cfg.Tracker.APIKey)

	// --- Stores and services ---
	runStore := postgres.NewRunStore(pool)
	artifactStore := postgres.NewArtifactStore(pool)
	suggestionStore := postgres.NewSuggestionStore(pool)

	hub := ws.NewHub()
	var queuePort messagequeue.Queue
	if queue != nil {
		queuePort = queue
	}
	events := service.NewPublishingLog(postgres.NewEventLog(pool), queuePort, hub, log)

	artifactSvc := service.NewArtifactService(artifactStore, trackerClient, cfg.Artifacts.MinBodyLen, log)

	agentProvider := service.NewAgentProvider(
		agentClient, runStore, events, artifactSvc, trackerClient, cache,
		service.NewToolchainState(cfg.Conveyor.ToolchainRefresh), log,
	)
	llmProvider := service.NewLLMProvider(llmClient, runStore, events, suggestionStore,
		service.LLMProviderConfig{
			Model:          cfg.LLM.Model,
			FlushBytes:     cfg.LLM.FlushBytes,
			FlushInterval:  cfg.LLM.FlushInterval,
			SubstantiveLen: cfg.LLM.SubstantiveLen,
		}, log)

	dispatcher := service.NewDispatcher(agentProvider, llmProvider)
	dispatcher.SetMetrics(metrics)

	runSvc := service.NewRunService(runStore, events, dispatcher, log)
	runSvc.SetMetrics(metrics)

	streamer := service.NewStreamer(runStore, events, dispatcher, service.StreamerConfig{
		IdleDelay:     cfg.Stream.IdleDelay,
		KeepAlive:     cfg.Stream.KeepAlive,
		DrainLimit:    cfg.Stream.DrainLimit,
		MaxIterations: cfg.Stream.MaxIterations,
		PollBudget:    cfg.Conveyor.PollBudget,
		StreamBudget:  cfg.LLM.StreamBudget,
	}, log)

	// --- HTTP ---
	handlers := &dhttp.Handlers{
		Runs:     runSvc,
		Streamer: streamer,
		Version:  version,
	}
	if queue != nil {
		handlers.Queue = queue
	}

	r := chi.NewRouter()
	r.Use(dhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(dhttp.Logger)
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(dotel.HTTPMiddleware(cfg.Logging.Service))

	dhttp.MountRoutes(r, handlers, hub.HandleWS)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Long-lived SSE responses; the coordinator bounds each stream.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
		}
	}()

	<-done
	log.Info("shutting down server")

	if queue != nil {
		if err := queue.Drain(); err != nil {
			log.Warn("nats drain failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
