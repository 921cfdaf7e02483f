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
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/umarqureshi/fajr/internal/api"
	"github.com/umarqureshi/fajr/internal/circuitbreaker"
	"github.com/umarqureshi/fajr/internal/config"
	"github.com/umarqureshi/fajr/internal/db"
	"github.com/umarqureshi/fajr/internal/jobs"
	"github.com/umarqureshi/fajr/internal/metrics"
	"github.com/umarqureshi/fajr/internal/notify"
	"github.com/umarqureshi/fajr/internal/observ"
	"github.com/umarqureshi/fajr/internal/privacy"
	"github.com/umarqureshi/fajr/internal/push"
	"github.com/umarqureshi/fajr/internal/redis"
	"github.com/umarqureshi/fajr/internal/scheduler"
	"github.com/umarqureshi/fajr/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting fajr notification service",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("push_provider", cfg.PushProvider),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	// Initialize repositories
	queueRepo := db.NewQueueRepository(database, logger)
	logRepo := db.NewLogRepository(database, logger)
	deviceRepo := db.NewDeviceRepository(database, logger)
	contentRepo := db.NewContentRepository(database, logger)

	// Initialize Redis for idempotency and rate limiting
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitPerMinute,
			Window: 1 * time.Minute,
		})
		defer redisClient.Close()
	}

	// Initialize the push transport behind a circuit breaker
	var transport push.Transport
	switch cfg.PushProvider {
	case "sns":
		transport, err = push.NewSNSTransport(ctx, push.SNSConfig{
			Region:            cfg.SNSRegion,
			BroadcastTopicARN: cfg.SNSBroadcastTopicARN,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create sns transport: %w", err)
		}
	default:
		transport, err = push.NewFCMTransport(ctx, push.FCMConfig{
			ProjectID:       cfg.FCMProjectID,
			CredentialsPath: cfg.FCMCredentialsFile,
			CredentialsJSON: cfg.FCMCredentialsJSON,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create fcm transport: %w", err)
		}
	}

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(cfg.PushProvider), logger)
	protected := circuitbreaker.NewProtectedTransport(transport, breaker, logger)

	sender := push.NewSender(deviceRepo, protected, push.Config{
		BroadcastTopic: cfg.BroadcastTopic,
	}, logger)

	// Message rendering and the privacy gate
	builder := notify.NewBuilder(contentRepo, notify.DefaultTemplates(), logger)

	gate := privacy.New(deviceRepo, logRepo, privacy.Config{
		UrgentCategories:  []string{notify.CategoryStreakEscalation, notify.CategoryAdminAlert},
		DefaultQuietStart: cfg.QuietHoursStart,
		DefaultQuietEnd:   cfg.QuietHoursEnd,
		DailyCap:          cfg.DailyCap,
	}, logger)

	sched := scheduler.New(queueRepo, gate, logger)

	// Queue processor
	proc := worker.New(queueRepo, builder, sender, logRepo, deviceRepo, worker.Config{
		PollInterval: time.Duration(cfg.WorkerPollSeconds) * time.Second,
		BatchSize:    cfg.WorkerBatchSize,
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go proc.Start(workerCtx)

	logger.Info("queue processor started",
		zap.Int("poll_seconds", cfg.WorkerPollSeconds),
		zap.Int("batch_size", cfg.WorkerBatchSize),
	)

	// Background maintenance jobs
	runner := jobs.NewRunner(queueRepo, logRepo, contentRepo, sched, jobs.Config{
		StaleAfter:       time.Duration(cfg.StaleAfterMinutes) * time.Minute,
		LogRetentionDays: cfg.LogRetentionDays,
	}, logger)
	if err := runner.Start(); err != nil {
		return fmt.Errorf("failed to start background jobs: %w", err)
	}
	defer runner.Stop()

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// API routes
	var handler *api.Handler
	if idempotencyService != nil {
		handler = api.NewHandlerWithIdempotency(logger, sched, queueRepo, logRepo, idempotencyService)
	} else {
		handler = api.NewHandler(logger, sched, queueRepo, logRepo)
	}
	r.Route("/v1", func(r chi.Router) {
		// Apply rate limiting to API routes
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.ClientKeyFunc))

		r.Post("/notifications", handler.ScheduleNotification)
		r.Post("/notifications/cancel", handler.CancelNotification)
		r.Get("/notifications/{id}", handler.GetNotification)

		// Admin routes
		r.Get("/admin/queue", handler.ListQueue)
		r.Post("/admin/queue/{id}/retry", handler.RetryNotification)
		r.Get("/admin/stats", handler.GetStats)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
