package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"psamonitor/api"
	"psamonitor/auth"
	"psamonitor/config"
	"psamonitor/log"
	"psamonitor/metrics"
	"psamonitor/services"
	"psamonitor/store"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

func main() {
	// Initialize structured logger
	logger := log.GetInstance()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	metrics.Init(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence
	st := openStore(ctx, cfg, logger)

	verifier := auth.NewVerifier(cfg.DeviceAPIKey, cfg.JWTSecret)
	broker := services.NewAuthorizationBroker(st, cfg.AdminChatID, cfg.StoreTimeout, logger)
	aggregator := services.NewHistoricalAggregator(cfg, st, logger)

	// Chat transport
	var telegramService *services.TelegramService
	var sender services.Sender = services.LogSender{Logger: logger}
	if cfg.TelegramBotToken != "" {
		telegramService, err = services.NewTelegramService(cfg, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram service", zap.Error(err))
		}
		sender = telegramService
	} else {
		logger.Warn("TELEGRAM_BOT_TOKEN not set, notifications will only be logged")
	}

	// Notification suppression, shared across replicas when Redis is configured
	var suppressor services.Suppressor = services.NewMemorySuppressor(cfg.SuppressionWindow)
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, cfg.StoreTimeout)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Fatal("Failed to connect to Redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		pingCancel()
		suppressor = services.NewRedisSuppressor(redisClient, cfg.SuppressionWindow)
		logger.Info("Redis notification suppression enabled", zap.String("addr", cfg.RedisAddr))
	}

	dispatcher := services.NewNotificationDispatcher(cfg, sender, broker, st, suppressor, logger)
	go dispatcher.Start()

	sinks := []services.EventSink{dispatcher}

	// Live status mirror
	var firebaseService *services.FirebaseService
	var statusMirror *services.BatchWriterService
	mirrorCtx, mirrorCancel := context.WithCancel(ctx)
	defer mirrorCancel()
	if cfg.FirebaseDbUrl != "" && cfg.FirebaseServiceAccountJSON != "" {
		firebaseService, err = services.NewFirebaseService(ctx, cfg, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Firebase service", zap.Error(err))
		}
		statusMirror = services.NewBatchWriterService(cfg, firebaseService, logger)
		go statusMirror.Start(mirrorCtx)
		sinks = append(sinks, statusMirror)
	}

	// External alarm webhook
	var webhook *services.AlarmWebhookService
	if cfg.AlarmWebhookURL != "" {
		webhook = services.NewAlarmWebhookService(cfg.AlarmWebhookURL, cfg.DeliveryTimeout, logger)
		sinks = append(sinks, webhook)
		logger.Info("Alarm webhook initialized", zap.String("url", cfg.AlarmWebhookURL))
	}

	// Alarm evaluation
	evaluator := services.NewAlarmEvaluator(cfg, st, services.NewThresholdClassifier(cfg.Thresholds), logger,
		services.WithEventSinks(sinks...))
	if err := evaluator.Restore(ctx); err != nil {
		logger.Fatal("Failed to restore alarm states", zap.Error(err))
	}

	watchdogCtx, watchdogCancel := context.WithCancel(ctx)
	defer watchdogCancel()
	watchdog := services.NewStalenessWatchdog(evaluator, cfg.StalenessCheckInterval, logger)
	go watchdog.Start(watchdogCtx)

	gatekeeper := services.NewTelemetryGatekeeper(cfg, verifier, aggregator, evaluator, logger)

	// Intake: message broker, chat commands and HTTP
	intakeCtx, intakeCancel := context.WithCancel(ctx)
	defer intakeCancel()

	var rabbitService *services.RabbitMQService
	if cfg.RabbitMQURL != "" {
		rabbitService, err = services.NewRabbitMQService(cfg, logger)
		if err != nil {
			logger.Fatal("Failed to initialize RabbitMQ service", zap.Error(err))
		}
		go func() {
			if err := rabbitService.Consume(intakeCtx, gatekeeper); err != nil {
				logger.Error("RabbitMQ consumer stopped", zap.Error(err))
			}
		}()
	}

	if telegramService != nil {
		router := services.NewBotCommandRouter(broker, aggregator, telegramService, cfg.Timezone, logger)
		go telegramService.Listen(intakeCtx, router)

		if cfg.AdminChatID != 0 {
			if err := telegramService.SendStartupMessage(ctx, cfg.AdminChatID); err != nil {
				logger.Warn("Failed to send startup message", zap.Error(err))
			}
		}
	}

	server := api.NewHTTPServer(cfg.HTTPAddr, api.NewServer(gatekeeper, aggregator, verifier, st, logger).Handler())
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	logger.Info("PSA plant monitoring service started",
		zap.Int("debounce_count", cfg.DebounceCount),
		zap.Duration("staleness_timeout", cfg.StalenessTimeout),
		zap.Duration("suppression_window", cfg.SuppressionWindow),
		zap.Int("max_retry_attempts", cfg.MaxRetryAttempts),
		zap.Bool("telegram", telegramService != nil),
		zap.Bool("rabbitmq", rabbitService != nil),
		zap.Bool("status_mirror", statusMirror != nil),
		zap.Bool("alarm_webhook", webhook != nil),
	)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received, stopping services")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()

	// Stop intake first so nothing new reaches the evaluator
	intakeCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down HTTP server", zap.Error(err))
	}
	if err := gatekeeper.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error draining telemetry gatekeeper", zap.Error(err))
	}

	watchdogCancel()
	<-watchdog.Done()

	if err := dispatcher.Drain(shutdownCtx); err != nil {
		logger.Error("Error draining notification dispatcher", zap.Error(err))
	}

	if statusMirror != nil {
		mirrorCancel()
		remaining := time.Until(deadline(shutdownCtx))
		if !statusMirror.WaitForShutdown(remaining) {
			logger.Warn("Status mirror did not flush before the grace period ended")
		}
	}
	if webhook != nil {
		if err := webhook.Close(shutdownCtx); err != nil {
			logger.Error("Error draining alarm webhook", zap.Error(err))
		}
	}
	if rabbitService != nil {
		if err := rabbitService.Close(); err != nil {
			logger.Error("Error closing RabbitMQ service", zap.Error(err))
		}
	}
	if firebaseService != nil {
		if err := firebaseService.Close(); err != nil {
			logger.Error("Error closing Firebase service", zap.Error(err))
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("Error closing Redis client", zap.Error(err))
		}
	}
	if err := st.Close(); err != nil {
		logger.Error("Error closing store", zap.Error(err))
	}

	logger.Info("PSA plant monitoring service stopped")
}

// openStore connects to PostgreSQL when DATABASE_URL is set and falls back
// to the in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) store.Store {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store; data is lost on restart")
		return store.NewMemoryStore()
	}

	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	pg, err := store.OpenPostgres(openCtx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to open PostgreSQL store", zap.Error(err))
	}
	logger.Info("PostgreSQL store ready")
	return pg
}

func deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now()
}
