package main

import (
	"context"
	"dealflow-pipeline/internal/config"
	"dealflow-pipeline/internal/handlers"
	"dealflow-pipeline/internal/middleware"
	"dealflow-pipeline/internal/pkg/logger"
	"dealflow-pipeline/internal/routes"
	"dealflow-pipeline/internal/services"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	serviceName    = "dealflow-pipeline"
	serviceVersion = "1.0.0"
)

func main() {
	config, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	appLogger, err := logger.New(config.Log)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	appLogger.WithFields(logger.Fields{
		"service":     serviceName,
		"version":     serviceVersion,
		"environment": config.Environment,
		"port":        config.HTTP.Port,
		"log_level":   config.Log.Level,
	}).Info("Starting deal pipeline")

	if config.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
		appLogger.Info("Running in production mode")
	} else {
		gin.SetMode(gin.DebugMode)
		appLogger.Info("Running in development mode")
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	serviceContainer, err := initializeServices(startCtx, config, appLogger)
	startCancel()
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize services")
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	serviceContainer.pipeline.Run(workerCtx)

	if err := serviceContainer.maintenance.Start(); err != nil {
		appLogger.WithError(err).Fatal("Failed to start maintenance scheduler")
	}

	router := gin.New()
	setupMiddleware(router, config, appLogger)
	routes.SetupRoutes(router, initializeHandlers(serviceContainer, appLogger))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.HTTP.Port),
		Handler:      router,
		ReadTimeout:  config.HTTP.ReadTimeout,
		WriteTimeout: config.HTTP.WriteTimeout,
		IdleTimeout:  config.HTTP.IdleTimeout,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"addr":          server.Addr,
			"read_timeout":  config.HTTP.ReadTimeout.String(),
			"write_timeout": config.HTTP.WriteTimeout.String(),
			"idle_timeout":  config.HTTP.IdleTimeout.String(),
		}).Info("HTTP server starting")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start HTTP server")
		}
	}()

	appLogger.WithFields(logger.Fields{
		"service": serviceName,
		"version": serviceVersion,
		"port":    config.HTTP.Port,
		"endpoints": []string{
			"POST /api/v1/observations",
			"POST /api/v1/observations/batch",
			"GET /api/v1/pages/:page/listings",
			"GET /api/v1/pages/:page/categories",
			"GET /api/v1/admin/listings/:id",
			"DELETE /api/v1/admin/listings/:id",
			"POST /api/v1/admin/maintenance/expire",
			"GET /api/v1/health",
			"GET /api/v1/metrics",
		},
	}).Info("Service started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	// Block until signal received
	sig := <-quit
	appLogger.WithField("signal", sig.String()).Info("Received shutdown signal")

	appLogger.Info("Starting graceful shutdown...")
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		appLogger.WithError(err).Error("HTTP server forced to shutdown")
	} else {
		appLogger.Info("HTTP server shutdown completed")
	}

	stopWorkers()
	if err := serviceContainer.close(ctx); err != nil {
		appLogger.WithError(err).Error("Error during service cleanup")
	} else {
		appLogger.Info("Service cleanup completed")
	}

	appLogger.WithFields(logger.Fields{
		"service": serviceName,
		"version": serviceVersion,
	}).Info("Deal pipeline shutdown complete")
}

type ServiceContainer struct {
	redis       *services.RedisService
	store       services.ListingStore
	pipeline    *services.Pipeline
	query       *services.QueryService
	maintenance *services.MaintenanceService
}

func initializeServices(ctx context.Context, config *config.Config, logger *logger.Logger) (*ServiceContainer, error) {
	logger.Info("Initializing services...")
	pc := config.Pipeline

	registry, err := services.LoadRegistry(config.Affiliate.RegistryPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load affiliate registry: %w", err)
	}

	var redisService *services.RedisService
	if pc.LockDriver == "redis" || pc.QueueDriver == "redis" {
		logger.WithFields(map[string]interface{}{
			"pool_size": config.Redis.PoolSize,
			"stream":    config.Redis.Stream,
		}).Info("Initializing Redis service")
		redisService, err = services.NewRedisService(config.Redis, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis service: %w", err)
		}
	}

	var store services.ListingStore
	switch pc.StoreDriver {
	case "postgres":
		logger.Info("Initializing Postgres listing store")
		pg, err := services.NewPostgresStore(ctx, config.Postgres, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize postgres store: %w", err)
		}
		store = pg
	default:
		logger.Warn("Using in-memory listing store; listings are lost on restart")
		store = services.NewMemoryStore()
	}

	var locker services.IdentityLocker = services.NewKeyedMutex()
	if pc.LockDriver == "redis" {
		locker = services.NewRedisLocker(redisService)
	}

	var queue services.ObservationQueue = services.NewMemoryQueue(pc.QueueSize, logger)
	if pc.QueueDriver == "redis" {
		streamQueue, err := services.NewRedisStreamQueue(ctx, redisService)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize observation stream: %w", err)
		}
		queue = streamQueue
	}

	indexer, err := services.NewSearchIndexer(config.Search, logger)
	if err != nil {
		logger.WithError(err).Warn("Search index unavailable, continuing without it")
		indexer = services.NoopIndexer{}
	}

	extractor, err := services.NewContentExtractor(config.Scraper, pc.Currency, registry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize content extractor: %w", err)
	}

	logger.Info("Initializing Pipeline")
	pipeline := services.NewPipeline(
		store,
		queue,
		locker,
		indexer,
		registry,
		services.NewRedirectResolver(config.Resolver, logger),
		extractor,
		pc,
		logger,
	)

	logger.Info("All services initialized successfully")

	return &ServiceContainer{
		redis:       redisService,
		store:       store,
		pipeline:    pipeline,
		query:       services.NewQueryService(store, logger),
		maintenance: services.NewMaintenanceService(config.Maintenance, store, indexer, logger),
	}, nil
}

func initializeHandlers(sc *ServiceContainer, logger *logger.Logger) routes.Handlers {
	logger.Info("Initializing HTTP handlers")

	return routes.Handlers{
		Observation: handlers.NewObservationHandler(sc.pipeline, logger),
		Listing:     handlers.NewListingHandler(sc.query, sc.maintenance, logger),
		Maintenance: handlers.NewMaintenanceHandler(sc.maintenance, logger),
		Health:      handlers.NewHealthHandler(sc.pipeline, logger),
		Metrics:     handlers.NewMetricsHandler(sc.pipeline, logger),
	}
}

func (sc *ServiceContainer) close(ctx context.Context) error {
	var errs []error

	sc.maintenance.Stop(ctx)

	if err := sc.pipeline.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pipeline close error: %w", err))
	}

	sc.store.Close()

	if sc.redis != nil {
		if err := sc.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	return errors.Join(errs...)
}

func setupMiddleware(router *gin.Engine, config *config.Config, logger *logger.Logger) {
	logger.Info("Setting up middleware stack")

	router.Use(gin.Recovery())
	router.Use(middleware.CORSMiddleware(config.HTTP.AllowedOrigins))
	router.Use(middleware.LoggingMiddleware(logger))

	logger.Info("Middleware Stack Configured Successfully")
}
