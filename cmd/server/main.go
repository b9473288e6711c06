package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gottino/remarkable-sync/internal/config"
	"github.com/gottino/remarkable-sync/internal/handlers"
	custommw "github.com/gottino/remarkable-sync/internal/middleware"
	"github.com/gottino/remarkable-sync/internal/observability"
	"github.com/gottino/remarkable-sync/internal/repository"
	"github.com/gottino/remarkable-sync/internal/services"
	"github.com/gottino/remarkable-sync/internal/targets"
	"github.com/gottino/remarkable-sync/internal/watcher"
)

const version = "1.0.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize telemetry
	telemetry, err := observability.Initialize(ctx, observability.NewConfig("remarkable-sync", version))
	if err != nil {
		log.Printf("Telemetry initialization failed: %v", err)
	}

	// Initialize database
	var db *sql.DB
	if cfg.UsePostgres() {
		log.Println("Using PostgreSQL database")
		db, err = repository.NewPostgresDB(cfg.DatabaseURL)
	} else {
		log.Println("Using SQLite database")
		db, err = repository.NewSQLiteDB(cfg.DatabasePath)
	}
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	// Repositories
	syncRepo := repository.NewSyncRecordRepository(db)
	pageRepo := repository.NewPageSyncRecordRepository(db)
	changelogRepo := repository.NewChangelogRepository(db)
	contentRepo := repository.NewContentRepository(db)

	// Core services
	fingerprints := services.NewFingerprintService()
	detector := services.NewChangeDetector(contentRepo, syncRepo, fingerprints)
	pageManager := services.NewPageSyncManager(contentRepo, syncRepo, pageRepo, fingerprints)
	manager := services.NewSyncManager(syncRepo, pageRepo, contentRepo, detector, fingerprints)

	// Sync targets
	if cfg.Notion.Enabled {
		notion, err := targets.NewNotionTarget(cfg.NotionAPI)
		if err != nil {
			log.Fatalf("Failed to initialize Notion target: %v", err)
		}
		manager.RegisterTarget(ctx, notion)
	}
	if cfg.Readwise.Enabled {
		readwise, err := targets.NewReadwiseTarget(cfg.ReadwiseAPI)
		if err != nil {
			log.Fatalf("Failed to initialize Readwise target: %v", err)
		}
		manager.RegisterTarget(ctx, readwise)
	}
	if len(manager.TargetNames()) == 0 {
		log.Println("Warning: no sync targets configured, the engine will only track content")
	}

	// Events hub
	hub := services.NewEventsHub()
	go hub.Run()

	// Queue processor
	processor := services.NewQueueProcessor(manager, pageManager, changelogRepo, syncRepo, pageRepo, contentRepo, services.ProcessorConfig{
		Interval:         time.Duration(cfg.Processor.IntervalSeconds) * time.Second,
		BatchSize:        cfg.Processor.BatchSize,
		MaxConcurrency:   cfg.Processor.MaxConcurrency,
		MaxRetries:       cfg.Processor.MaxRetries,
		BaseRetryDelay:   time.Duration(cfg.Processor.BaseRetryDelaySeconds) * time.Second,
		MaxRetryDelay:    time.Duration(cfg.Processor.MaxRetryDelaySeconds) * time.Second,
		StuckThreshold:   time.Duration(cfg.Processor.StuckThresholdMinutes) * time.Minute,
		NotebookCooldown: time.Duration(cfg.Processor.NotebookCooldownSeconds) * time.Second,
	})
	processor.SetEventsHub(hub)
	if cfg.Processor.Enabled {
		processor.Start(ctx)
	}

	// Content watcher
	var contentWatcher *watcher.Watcher
	if cfg.Watcher.Enabled {
		contentWatcher, err = watcher.New(watcher.Config{
			Root:      cfg.Watcher.Root,
			Debounce:  time.Duration(cfg.Watcher.DebounceSeconds) * time.Second,
			QueueSize: cfg.Watcher.QueueSize,
		}, changelogRepo)
		if err != nil {
			log.Fatalf("Failed to initialize watcher: %v", err)
		}
		contentWatcher.SetEventsHub(hub)
		if err := contentWatcher.Start(ctx); err != nil {
			log.Fatalf("Failed to start watcher: %v", err)
		}
	}

	// Handlers
	healthHandler := handlers.NewHealthHandler(db, version)
	statusHandler := handlers.NewStatusHandler(manager, processor)
	wsHandler := handlers.NewWebSocketHandler(hub)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(observability.TracingMiddleware("remarkable-sync"))
	if httpMetrics, err := observability.NewHTTPMetrics(); err == nil {
		r.Use(observability.MetricsMiddleware(httpMetrics))
	}
	r.Use(custommw.APIKeyAuth(cfg.Security.APIKey, cfg.Security.APIKeyHeader))

	// Routes
	r.Get("/health", healthHandler.HealthCheck)
	r.Get("/api/health", healthHandler.HealthCheck)

	r.Route("/api/sync", func(r chi.Router) {
		r.Get("/status", statusHandler.GetStatus)
		r.Get("/stats", statusHandler.GetStats)
		r.Post("/run", statusHandler.RunNow)
	})

	r.Get("/api/ws", wsHandler.HandleConnection)

	// Create server
	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("reMarkable sync server starting on %s", cfg.ServerAddress)
		if cfg.Watcher.Enabled {
			log.Printf("Watching content at %s", cfg.Watcher.Root)
		}
		log.Printf("Registered targets: %v", manager.TargetNames())

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")

	if contentWatcher != nil {
		contentWatcher.Stop()
	}
	if cfg.Processor.Enabled {
		processor.Stop()
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			log.Printf("Telemetry shutdown error: %v", err)
		}
	}

	log.Println("Server stopped")
}
