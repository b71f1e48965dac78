package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mkarlsen/ticketscrub/internal/cache"
	"github.com/mkarlsen/ticketscrub/internal/config"
	"github.com/mkarlsen/ticketscrub/internal/events"
	"github.com/mkarlsen/ticketscrub/internal/logger"
	"github.com/mkarlsen/ticketscrub/internal/pii"
	"github.com/mkarlsen/ticketscrub/internal/pipeline"
	"github.com/mkarlsen/ticketscrub/internal/server"
	"github.com/mkarlsen/ticketscrub/internal/source"
	"github.com/mkarlsen/ticketscrub/internal/store"
	"go.uber.org/zap"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	// Parse command line flags
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.Bool("health-check", false, "Perform health check and exit")
	)
	flag.Parse()

	// Show version and exit
	if *showVersion {
		fmt.Printf("ticketscrub %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	// Perform health check and exit
	if *healthCheck {
		performHealthCheck()
		return
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		}
	}

	log, err := logger.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting ticketscrub",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
	)

	// Connect to the database
	reader := source.NewReader(log.WithComponent("source"))
	db, err := store.NewPostgres(&store.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, reader, log.WithComponent("store"))
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	{
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := db.EnsureSchema(ctx); err != nil {
			log.Fatal("Failed to ensure database schema", zap.Error(err))
		}
	}

	// Build the pipeline
	detector := pii.NewDetector(log.WithComponent("pii"))
	orchestrator := pipeline.NewOrchestrator(db, db, db, db, detector, pipeline.Config{
		ProgressFlushEvery: cfg.Pipeline.ProgressFlushEvery,
		MaxTrackedErrors:   cfg.Pipeline.MaxTrackedErrors,
	}, log.WithComponent("pipeline"))

	// Optional Redis progress cache
	if cfg.Redis.Enabled {
		progress, err := cache.NewProgressCache(&cache.Config{
			Enabled:        cfg.Redis.Enabled,
			RedisURL:       cfg.Redis.URL,
			KeyPrefix:      cfg.Redis.KeyPrefix + ":",
			ProgressTTL:    cfg.Redis.TTL,
			MaxConnections: cfg.Redis.MaxConnections,
			MinIdleConns:   cfg.Redis.MinIdleConns,
		}, log.WithComponent("cache"))
		if err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer progress.Close()
		orchestrator.SetProgressSink(progress)
	}

	// Live run events
	hub := events.NewHub(log)
	orchestrator.SetEventSink(hub)

	// Create API server
	srv := server.New(cfg, orchestrator, hub, log)

	// Watch the configuration file for log level changes
	err = config.Watch(func(newCfg *config.Config) {
		log.Info("Configuration reloaded",
			zap.String("log_level", newCfg.Logging.Level),
		)
	})
	if err != nil {
		log.Warn("Failed to watch configuration file", zap.Error(err))
	}

	// Start server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		serverErrors <- srv.Start()
	}()

	// Setup graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Error("Server error", zap.Error(err))
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests and active runs 30 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Stop(ctx); err != nil {
			log.Error("Failed to shutdown server gracefully", zap.Error(err))
		}
		if err := orchestrator.Shutdown(ctx); err != nil {
			log.Error("Failed to drain active runs", zap.Error(err))
			os.Exit(1)
		}

		log.Info("Server shutdown complete")
	}
}

// performHealthCheck performs a health check against the running server
func performHealthCheck() {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get("http://localhost:8080/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
	os.Exit(0)
}
