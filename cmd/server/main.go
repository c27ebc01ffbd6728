package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"enrollment-service/config"
	"enrollment-service/internal/api"
	"enrollment-service/internal/broker"
	"enrollment-service/internal/gateway"
	"enrollment-service/internal/redisclient"
	"enrollment-service/internal/service"
	"enrollment-service/internal/store"
	"enrollment-service/internal/util"
	"enrollment-service/internal/worker"

	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting enrollment service")

	tp, err := util.InitTracer("enrollment-service", cfg.Server.Env, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = db.Migrate(migrateCtx)
	migrateCancel()
	if err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	logger.Info("Database connected")

	probes := map[string]api.Pinger{"database": db}

	// Redis only fronts the delivery log, so the service runs without it.
	var cache service.DeliveryCache
	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Warn("Redis unavailable, webhook dedupe falls back to the database", zap.Error(err))
	} else {
		defer redisClient.Close()
		cache = redisClient
		probes["redis"] = redisClient
		logger.Info("Redis connected")
	}

	enrollmentProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEnrollments, logger)
	defer enrollmentProducer.Close()
	retryProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicReconcileRetry, logger)
	defer retryProducer.Close()
	logger.Info("Kafka producers initialized")

	eventPublisher := broker.NewEventPublisher(enrollmentProducer, retryProducer)
	clock := quartz.NewReal()

	reconciler := service.NewReconciler(db, eventPublisher, clock, store.TxOptions{
		Isolation: sql.LevelReadCommitted,
		MaxWait:   cfg.Reconcile.TxMaxWait,
		Timeout:   cfg.Reconcile.TxTimeout,
	}, logger)
	driver := service.NewRetryDriver(reconciler, service.RetryPolicy{
		MaxAttempts: cfg.Reconcile.MaxAttempts,
		BaseDelay:   cfg.Reconcile.BaseDelay,
	}, clock, logger)
	followUps := service.NewFollowUpScheduler(eventPublisher, clock,
		cfg.Reconcile.FollowUpDelay, cfg.Reconcile.FollowUpMaxAttempts, logger)

	gw := gateway.NewStubGateway(cfg.Payment.CheckoutBaseURL)
	checkoutService := service.NewCheckoutService(db, gw, driver, followUps, clock, cfg.Reconcile.ConfirmDelay, logger)
	tracker := service.NewDeliveryTracker(db, cache, cfg.Payment.DeliveryTTL, logger)
	webhookService := service.NewWebhookService(cfg.Payment.WebhookSecret, tracker, driver, logger)

	if cfg.Payment.WebhookSecret == "" {
		logger.Warn("WEBHOOK_SECRET is empty, webhook signatures are not checked")
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	retryConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicReconcileRetry, cfg.Kafka.ConsumerGroup, logger)
	retryWorker := worker.NewRetryWorker(retryConsumer, driver, followUps, clock, logger)
	go func() {
		if err := retryWorker.Start(workerCtx); err != nil {
			logger.Error("Retry worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	handler := api.NewHandler(checkoutService, webhookService, probes, logger)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := retryWorker.Stop(); err != nil {
		logger.Error("Error stopping retry worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
