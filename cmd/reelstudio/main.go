package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Driftwald/ReelStudio/internal/adapter/blob"
	"github.com/Driftwald/ReelStudio/internal/adapter/ffmpeg"
	rshttp "github.com/Driftwald/ReelStudio/internal/adapter/http"
	"github.com/Driftwald/ReelStudio/internal/adapter/imagegen"
	"github.com/Driftwald/ReelStudio/internal/adapter/mcp"
	rsnats "github.com/Driftwald/ReelStudio/internal/adapter/nats"
	"github.com/Driftwald/ReelStudio/internal/adapter/natskv"
	"github.com/Driftwald/ReelStudio/internal/adapter/otel"
	"github.com/Driftwald/ReelStudio/internal/adapter/postgres"
	"github.com/Driftwald/ReelStudio/internal/adapter/ristretto"
	"github.com/Driftwald/ReelStudio/internal/adapter/tiered"
	"github.com/Driftwald/ReelStudio/internal/adapter/ws"
	"github.com/Driftwald/ReelStudio/internal/config"
	"github.com/Driftwald/ReelStudio/internal/domain/settings"
	"github.com/Driftwald/ReelStudio/internal/logger"
	"github.com/Driftwald/ReelStudio/internal/middleware"
	workpool "github.com/Driftwald/ReelStudio/internal/pool"
	"github.com/Driftwald/ReelStudio/internal/resilience"
	"github.com/Driftwald/ReelStudio/internal/secrets"
	"github.com/Driftwald/ReelStudio/internal/service"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	bootstrap := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(bootstrap)

	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	appLogger, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(appLogger)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"storage_root", cfg.Storage.Root,
		"generation_concurrency", cfg.Generation.Concurrency,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Observability ---
	otelShutdown, err := otel.Setup(ctx, cfg.Logging.Service, version, cfg.Otel.Endpoint, cfg.Otel.Insecure)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFlush()
		_ = otelShutdown(flushCtx)
	}()

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---

	// PostgreSQL
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	// Run migrations
	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	store := postgres.NewStore(pool)
	events := postgres.NewEventStore(pool)

	// Blob storage
	blobs, err := blob.NewLocalStore(cfg.Storage.Root)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}

	// NATS
	queue, err := rsnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() {
		_ = queue.Drain()
		_ = queue.Close()
	}()

	// Task cache: in-process ristretto in front of a replicated NATS KV bucket.
	l1, err := ristretto.New(int64(cfg.Cache.L1MaxSizeMB) << 20)
	if err != nil {
		return fmt.Errorf("l1 cache: %w", err)
	}
	kv, err := queue.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
	if err != nil {
		return fmt.Errorf("l2 cache: %w", err)
	}
	taskCache := tiered.New(l1, natskv.New(kv), cfg.Cache.L2TTL)

	// --- Secrets ---
	vault, err := secrets.NewVault(secrets.EnvLoader(
		secrets.KeyGenerationAPIKey,
		secrets.KeyMCPAPIKey,
		secrets.KeyOTLPHeaders,
	))
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}

	// A key stored via `reelstudio admin set-api-key` wins over the environment.
	genKey := vault.Get(secrets.KeyGenerationAPIKey)
	if setting, err := store.GetSetting(ctx, settings.KeyGenerationAPIKey); err == nil {
		var stored string
		if json.Unmarshal(setting.Value, &stored) == nil && stored != "" {
			genKey = stored
		}
	}

	// --- Generation and composition backends ---
	gen := imagegen.NewClient(cfg.Generation.URL, cfg.Generation.Model, genKey, cfg.Generation.RequestTimeout)
	genBreaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	gen.SetBreaker(genBreaker)

	enc := ffmpeg.NewEncoder(cfg.Composition.FFmpegPath, workpool.New(cfg.Composition.MaxConcurrent))

	// --- Services ---
	hub := ws.NewHub()

	files := service.NewFileStoreService(store, blobs, cfg.Storage)
	files.SetMetrics(metrics)

	sched := service.NewScheduler(gen, files, cfg.Generation)
	comp := service.NewCompositionService(enc, files, cfg.Composition)

	orch := service.NewOrchestrator(store, files, sched, comp, queue)
	orch.SetCache(taskCache)
	orch.SetEvents(events)
	orch.SetHub(hub)
	orch.SetMetrics(metrics)

	tasks := service.NewTaskService(store, files, queue, cfg)
	tasks.SetCache(taskCache)
	tasks.SetEvents(events)
	tasks.SetHub(hub)
	tasks.SetMetrics(metrics)
	tasks.SetOrchestrator(orch)

	settingsSvc := service.NewSettingsService(store)
	settingsSvc.SetTaskService(tasks)

	// Start the queue consumer that drives tasks through their lifecycle.
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	defer orch.Stop()

	files.StartSweeper(ctx)

	// --- HTTP ---
	handlers := &rshttp.Handlers{
		Tasks:         tasks,
		Files:         files,
		Settings:      settingsSvc,
		Hub:           hub,
		DB:            pool,
		Queue:         queue,
		Generation:    genBreaker,
		Idempotency:   taskCache,
		MaxImageBytes: cfg.Storage.MaxImageSizeMB << 20,
		MaxAudioBytes: cfg.Storage.MaxAudioSizeMB << 20,
		SweepMinAge:   cfg.Storage.SweepMinAge,
		Version:       version,
	}

	r := chi.NewRouter()

	// Middleware. The rate limiter keys on the socket address, so it runs
	// before RealIP rewrites RemoteAddr.
	if cfg.Server.RateLimit > 0 {
		rl := middleware.NewRateLimiter(float64(cfg.Server.RateLimit), cfg.Server.RateBurst)
		stopCleanup := rl.StartCleanup(time.Minute, 10*time.Minute)
		defer stopCleanup()
		r.Use(rl.Handler)
	}
	r.Use(rshttp.SecurityHeaders)
	r.Use(rshttp.CORS(cfg.Server.CORSOrigin))
	r.Use(rshttp.RequestID)
	r.Use(chimw.RealIP)
	r.Use(rshttp.Logger)
	r.Use(chimw.Recoverer)
	r.Use(otel.HTTPMiddleware(cfg.Logging.Service))

	rshttp.MountRoutes(r, handlers)

	// --- MCP ---
	if cfg.MCP.Enabled {
		mcpSrv := mcp.NewServer(mcp.ServerConfig{
			Addr:    ":" + cfg.MCP.Port,
			Name:    "reelstudio",
			Version: version,
			APIKey:  vault.Get(secrets.KeyMCPAPIKey),
		}, mcp.ServerDeps{
			TaskReader:  store,
			TaskDeleter: tasks,
			FileAdmin:   files,
		})
		if err := mcpSrv.Start(); err != nil {
			return fmt.Errorf("mcp: %w", err)
		}
		defer func() {
			stopCtx, cancelStop := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelStop()
			_ = mcpSrv.Stop(stopCtx)
		}()
	}

	addr := ":" + cfg.Server.Port

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	return srv.Shutdown(shutdownCtx)
}
