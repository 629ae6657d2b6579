package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"appointment-service/config"
	"appointment-service/internal/api"
	"appointment-service/internal/audit"
	"appointment-service/internal/broker"
	"appointment-service/internal/gateway"
	"appointment-service/internal/identity"
	"appointment-service/internal/notify"
	"appointment-service/internal/redisclient"
	"appointment-service/internal/service"
	"appointment-service/internal/store"
	"appointment-service/internal/store/memstore"
	"appointment-service/internal/util"
	"appointment-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting appointment service", zap.String("env", cfg.Server.Env))

	if cfg.Observ.TracingEnabled {
		tp, err := util.InitTracer("appointment-service", cfg.Observ.JaegerEndpoint)
		if err != nil {
			logger.Fatal("Failed to initialize tracer", zap.Error(err))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Warn("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	checks := map[string]api.Pinger{}

	ledger, err := openLedger(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer ledger.Close()
	checks["store"] = ledger
	logger.Info("Store ready", zap.String("driver", cfg.Database.Driver))

	var redisClient *redisclient.Client
	if cfg.Redis.Enabled {
		redisClient, err = redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		checks["redis"] = redisClient
		logger.Info("Redis connected")
	}

	var notifier notify.Notifier = notify.NewLogNotifier()
	if cfg.Observ.NotifyDriver == "rabbitmq" {
		amqpNotifier, err := notify.NewAMQPNotifier(cfg.RabbitMQ.URL, cfg.RabbitMQ.Queue)
		if err != nil {
			logger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
		}
		defer amqpNotifier.Close()
		notifier = amqpNotifier
		logger.Info("RabbitMQ notifier ready", zap.String("queue", cfg.RabbitMQ.Queue))
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	// Kafka carries events to the notification worker when enabled; otherwise
	// the dispatcher hands them to the worker in process.
	var (
		deliver            broker.DeliverFunc
		notificationWorker *worker.NotificationWorker
	)
	if cfg.Kafka.Enabled {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
		defer producer.Close()
		deliver = broker.NewEventPublisher(producer).Publish

		deadLetter := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicDeadLetter)
		defer deadLetter.Close()

		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, cfg.Kafka.ConsumerGroup).
			WithRetry(broker.RetryPolicy{
				Attempts: cfg.Kafka.RetryAttempts,
				Backoff:  cfg.Kafka.RetryBackoff,
				MaxDelay: broker.DefaultRetryPolicy.MaxDelay,
			}).
			WithDeadLetter(deadLetter)
		notificationWorker = worker.NewNotificationWorker(consumer, ledger, notifier)
		go func() {
			if err := notificationWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
				logger.Error("Notification worker error", zap.Error(err))
			}
		}()
		logger.Info("Kafka event pipeline initialized", zap.String("topic", cfg.Kafka.TopicEvents))
	} else {
		notificationWorker = worker.NewNotificationWorker(nil, ledger, notifier)
		deliver = notificationWorker.Handle
	}

	events := broker.NewDispatcher("events", 1024, 10*time.Second, deliver)
	events.Start(4)
	auditor := audit.NewRecorder(ledger, 1024)

	var processor gateway.Processor
	if cfg.Payment.KeyID != "" && cfg.Payment.KeySecret != "" {
		processor = gateway.NewRazorpayProcessor(cfg.Payment.KeyID, cfg.Payment.KeySecret)
	} else {
		logger.Warn("Payment gateway credentials missing, orders will be synthesized locally")
	}
	signer := gateway.NewSigner(cfg.Payment.KeySecret, cfg.Payment.WebhookSecret)

	policy := service.PolicyFromConfig(cfg)
	slotService := service.NewSlotService(ledger, policy)
	walletService := service.NewWalletService(ledger, policy, events, auditor)

	bookingDeps := service.BookingDeps{
		Store:     ledger,
		Slots:     slotService,
		Wallet:    walletService,
		Processor: processor,
		Events:    events,
		Audit:     auditor,
	}
	settlementDeps := service.SettlementDeps{
		Store:     ledger,
		Slots:     slotService,
		Wallet:    walletService,
		Processor: processor,
		Signer:    signer,
		Events:    events,
		Audit:     auditor,
	}
	if redisClient != nil {
		bookingDeps.Idempotency = redisClient
		settlementDeps.Dedup = redisClient
	}
	bookingService := service.NewBookingService(bookingDeps, policy)
	settlementService := service.NewSettlementService(settlementDeps, policy)

	var scheduler *worker.Scheduler
	if cfg.Jobs.Enabled {
		var locker worker.Locker
		if redisClient != nil {
			locker = redisClient
		}
		scheduler = worker.NewScheduler(locker, 5*time.Minute, policy.Location)
		for _, job := range worker.MaintenanceJobs(cfg.Jobs, settlementService, walletService, slotService) {
			if err := scheduler.Add(job); err != nil {
				logger.Fatal("Failed to schedule job", zap.Error(err))
			}
		}
		scheduler.Start()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(api.Deps{
		Booking:    bookingService,
		Settlement: settlementService,
		Slots:      slotService,
		Wallet:     walletService,
		Auth:       identity.NewJWTValidator(cfg.Auth.JWTSecret),
		Checks:     checks,
	})
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

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	if scheduler != nil {
		scheduler.Stop()
	}
	// drain side effects before the sinks go away
	events.Close()
	auditor.Close()

	workerCancel()
	if err := notificationWorker.Stop(); err != nil {
		logger.Warn("Error stopping notification worker", zap.Error(err))
	}

	logger.Info("Server exited")
}

func openLedger(cfg config.DatabaseConfig) (store.Ledger, error) {
	if cfg.Driver == "memory" {
		return memstore.New(), nil
	}

	db, err := store.NewStore(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate: %w", err)
		}
	}
	return db, nil
}
