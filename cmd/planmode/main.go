package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nishichengju/planmode/internal/application/orchestrator"
	"github.com/nishichengju/planmode/internal/application/workers"
	"github.com/nishichengju/planmode/internal/config"
	"github.com/nishichengju/planmode/internal/domain"
	"github.com/nishichengju/planmode/internal/ports"
	memoryevents "github.com/nishichengju/planmode/pkg/adapters/events/memory"
	redisevents "github.com/nishichengju/planmode/pkg/adapters/events/redis"
	"github.com/nishichengju/planmode/pkg/adapters/llm"
	"github.com/nishichengju/planmode/pkg/adapters/metrics/prometheus"
	memorystorage "github.com/nishichengju/planmode/pkg/adapters/storage/memory"
	redisstorage "github.com/nishichengju/planmode/pkg/adapters/storage/redis"
	"github.com/nishichengju/planmode/pkg/api/grpc"
	"github.com/nishichengju/planmode/pkg/api/http"
	"github.com/nishichengju/planmode/pkg/api/websocket"

	promclient "github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting planmode",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("llm_provider", cfg.LLM.Provider))

	// Initialize Redis client when a backend needs it
	var redisClient *goredis.Client
	if cfg.UsesRedis() {
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})

		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))
	}

	// Initialize adapters
	var eventBus ports.EventBus
	switch cfg.EventsBackend {
	case config.BackendRedis:
		eventBus, err = redisevents.NewStreamsEventBus(
			redisClient,
			"planmode-ws",
			fmt.Sprintf("planmode-%d", os.Getpid()),
			logger,
		)
		if err != nil {
			logger.Fatal("failed to create event bus", zap.Error(err))
		}
	default:
		eventBus = memoryevents.NewInMemoryEventBus(logger)
	}

	var snapshots ports.SnapshotStore
	switch cfg.StorageBackend {
	case config.BackendRedis:
		snapshots = redisstorage.NewSnapshotStore(redisClient, cfg.SnapshotTTL, logger)
	default:
		snapshots = memorystorage.NewInMemorySnapshotStore(cfg.SnapshotTTL)
	}

	collaborator, err := llm.NewClient(&llm.Config{
		Provider:           cfg.LLM.Provider,
		APIKey:             cfg.LLM.APIKey,
		BaseURL:            cfg.LLM.BaseURL,
		DefaultModel:       cfg.LLM.DefaultModel,
		DefaultMaxTokens:   cfg.LLM.DefaultMaxTokens,
		DefaultTemperature: cfg.LLM.DefaultTemperature,
		Logger:             logger,
	})
	if err != nil {
		logger.Fatal("failed to create LLM client", zap.Error(err))
	}

	metricsCollector := prometheus.NewCollector(promclient.DefaultRegisterer)

	// Initialize application components
	runner := workers.NewRunner(collaborator, metricsCollector, logger, cfg.Timeouts.TaskExecutionTimeout)
	validator := orchestrator.NewValidator()

	newPipeline := func(observer orchestrator.Observer) *orchestrator.Pipeline {
		coordinator := orchestrator.NewCoordinator(runner, collaborator, logger,
			orchestrator.WithMaxConcurrency(cfg.Planner.TaskMaxConcurrency),
			orchestrator.WithCoordinatorMetrics(metricsCollector))
		return orchestrator.NewPipeline(collaborator, coordinator, validator, logger,
			orchestrator.WithObserver(observer),
			orchestrator.WithPipelineMetrics(metricsCollector))
	}

	manager := orchestrator.NewManager(
		newPipeline,
		eventBus,
		snapshots,
		metricsCollector,
		logger,
		orchestrator.WithMaxActiveRuns(cfg.Planner.MaxActiveRuns),
		orchestrator.WithRunTimeout(cfg.Timeouts.RunExecutionTimeout),
		orchestrator.WithMinMessageLength(cfg.Planner.MinMessageLength),
		orchestrator.WithDefaultLimits(domain.Limits{
			Model:       cfg.LLM.DefaultModel,
			MaxTokens:   cfg.LLM.DefaultMaxTokens,
			Temperature: cfg.LLM.DefaultTemperature,
		}),
	)

	healthMonitor := workers.NewHealthMonitor(
		manager,
		cfg.Planner.MaxActiveRuns,
		cfg.Planner.HealthCheckInterval,
		metricsCollector,
		logger,
	)

	// Initialize API servers
	httpServer := http.NewServer(&http.Config{
		Port:   cfg.HTTPPort,
		Runs:   manager,
		Health: healthMonitor,
		Logger: logger,
	})

	// Add WebSocket handler to HTTP server
	wsHandler := websocket.NewHandler(eventBus, manager, logger)
	httpServer.SetupWebSocket(wsHandler.HandleRunStream)

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:   cfg.GRPCPort,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("failed to create gRPC server", zap.Error(err))
	}
	healthMonitor.OnChange(grpcServer.SetServing)

	// Start health monitor
	healthMonitor.Start()

	// Start servers
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	logger.Info("planmode started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.String("events_backend", cfg.EventsBackend),
		zap.String("storage_backend", cfg.StorageBackend),
		zap.Int("max_active_runs", cfg.Planner.MaxActiveRuns))

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	healthMonitor.Stop()

	// Shutdown components
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("run manager shutdown error", zap.Error(err))
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}

	if err := eventBus.Close(); err != nil {
		logger.Error("event bus close error", zap.Error(err))
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("Redis close error", zap.Error(err))
		}
	}

	logger.Info("planmode shut down complete")
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(zapLevel)
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapConfig.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
