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

	"reservation-service/config"
	"reservation-service/internal/api"
	"reservation-service/internal/broker"
	"reservation-service/internal/cache"
	"reservation-service/internal/idempotency"
	"reservation-service/internal/models"
	"reservation-service/internal/payment"
	"reservation-service/internal/service"
	"reservation-service/internal/store"
	"reservation-service/internal/util"
	"reservation-service/internal/worker"

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
	logger.Info("Starting reservation service")

	tp, err := util.InitTracer("reservation-service", cfg.Observ.JaegerEndpoint, cfg.Observ.TraceSampleRatio)
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

	ledger, reservationCache := openBackends(cfg, logger)
	defer ledger.Close()
	defer reservationCache.Close()

	var gateway payment.Gateway
	verifier := payment.NewWebhookVerifier(cfg.Payment.WebhookSecret, cfg.Payment.WebhookTolerance)
	switch cfg.Payment.Provider {
	case config.ProviderStripe:
		if cfg.Payment.StripeSecretKey == "" {
			logger.Fatal("STRIPE_SECRET_KEY is required when PAYMENT_PROVIDER=stripe")
		}
		gateway = payment.NewStripeGateway(cfg.Payment.StripeAPIURL, cfg.Payment.StripeSecretKey, verifier)
	default:
		logger.Warn("Using mock payment gateway; payments always succeed")
		gateway = payment.NewMockGateway(verifier)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var writer broker.MessageWriter
	var recoveryWorker *worker.RecoveryWorker
	switch cfg.Storage.EventsBackend {
	case config.EventsLog:
		recoveryWorker = worker.NewRecoveryWorker(nil, ledger)
		writer = broker.NewInProcessWriter(recoveryWorker.HandleMessage)
		logger.Info("Reservation events delivered in-process")
	default:
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicReservations)
		writer = producer
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicReservations, cfg.Kafka.RecoveryGroup)
		recoveryWorker = worker.NewRecoveryWorker(consumer, ledger)
		logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicReservations))
	}
	defer writer.Close()

	eventPublisher := broker.NewEventPublisher(writer)
	reservationService := service.NewReservationService(ledger, reservationCache, gateway, eventPublisher, service.Config{
		ReservationTTL: cfg.Reservation.TTL,
		GracePeriod:    cfg.Reservation.GracePeriod,
	})
	paymentEvents := service.NewPaymentEventHandler(ledger, reservationService)
	guard := idempotency.NewGuard(reservationCache, cfg.Reservation.IdempotencyTTL, idempotency.DefaultLockTTL)

	go func() {
		if err := recoveryWorker.Start(workerCtx); err != nil {
			logger.Error("Recovery worker error", zap.Error(err))
		}
	}()

	sweeper := worker.NewSweeper(reservationCache, reservationService, cfg.Reservation.SweepBatchSize)
	go sweeper.Start(workerCtx, cfg.Reservation.SweepInterval)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(reservationService, paymentEvents, gateway, guard, map[string]api.Pinger{
		"ledger": ledger,
		"cache":  reservationCache,
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

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := recoveryWorker.Stop(); err != nil {
		logger.Warn("Failed to stop recovery worker", zap.Error(err))
	}

	logger.Info("Server exited")
}

// openBackends connects the ledger and cache selected by STORAGE_BACKEND
func openBackends(cfg *config.Config, logger *zap.Logger) (store.Ledger, cache.Cache) {
	if cfg.Storage.Backend == config.BackendMemory {
		logger.Warn("Using in-memory ledger and cache; state is lost on restart")
		return seedDemoCatalog(), cache.NewMemoryCache()
	}

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	logger.Info("Database connected")

	if cfg.Database.Migrate {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := db.Migrate(ctx); err != nil {
			logger.Fatal("Failed to apply schema", zap.Error(err))
		}
		logger.Info("Database schema applied")
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	logger.Info("Redis connected")

	return db, redisCache
}

func seedDemoCatalog() *store.MemoryLedger {
	ledger := store.NewMemoryLedger()
	limit := 2
	ledger.AddProduct(1, nil)
	ledger.AddProduct(2, &limit)
	ledger.AddVariant(models.ProductVariant{ID: 1, ProductID: 1, InitialStock: 100, PriceCents: 2500, Currency: "usd"})
	ledger.AddVariant(models.ProductVariant{ID: 2, ProductID: 1, InitialStock: 50, PriceCents: 2700, Currency: "usd"})
	ledger.AddVariant(models.ProductVariant{ID: 3, ProductID: 2, InitialStock: 10, PriceCents: 19900, Currency: "usd"})
	return ledger
}
