// cmd/bot/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"trinity-bot/internal/bot"
	"trinity-bot/internal/common/aws"
	"trinity-bot/internal/common/config"
	"trinity-bot/internal/common/database"
	"trinity-bot/internal/common/logger"
	"trinity-bot/internal/common/observability"
	"trinity-bot/internal/discord"
	"trinity-bot/internal/entitlements/audit"
	"trinity-bot/internal/entitlements/bindings"
	"trinity-bot/internal/entitlements/reconciler"
	"trinity-bot/internal/entitlements/store"
	"trinity-bot/internal/entitlements/sync"
	"trinity-bot/internal/notify"
	"trinity-bot/internal/scheduler"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting trinity-bot...",
		zap.String("environment", cfg.App.Environment),
		zap.String("version", cfg.App.Version),
	)

	obs := observability.New(cfg.App.Name)
	defer obs.Shutdown()

	tracing := observability.NewTracing(cfg.App.Name, os.Getenv("JAEGER_ENDPOINT"))
	defer tracing.Shutdown()

	ctx := context.Background()

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")

	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Redis with retry ---
	var redisClient *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		redisClient, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		return redisClient.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")

	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer redisClient.Close()
	zapLog.Info("Redis connected successfully")

	// --- Init Elasticsearch audit trail (optional) ---
	var recorder audit.Recorder = audit.NoOpRecorder{}
	if cfg.Audit.Enabled {
		var esClient *database.ElasticsearchClient
		err = retryWithBackoff(func() error {
			var err error
			esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
			if err != nil {
				return err
			}
			return esClient.Ping()
		}, 15, 2*time.Second, zapLog, "Elasticsearch connection")

		if err != nil {
			zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
		}
		recorder = audit.NewESRecorder(esClient.Client, cfg.Audit.IndexPrefix, log)
		zapLog.Info("Elasticsearch connected successfully")
	}

	// --- Role bindings ---
	roleBindings, err := bindings.Load(cfg.Entitlements.BindingsPath)
	if err != nil {
		zapLog.Fatal("failed to load role bindings", zap.Error(err))
	}
	zapLog.Info("Role bindings loaded", zap.Int("count", roleBindings.Len()))

	// --- Discord client and interaction verifier ---
	discordClient := discord.NewClient(cfg.Discord.Token, cfg.Discord.ApplicationID, cfg.Discord.APIBaseURL)
	verifier, err := discord.NewInteractionVerifier(cfg.Discord.PublicKey)
	if err != nil {
		zapLog.Fatal("invalid discord public key", zap.Error(err))
	}

	// --- Notification channels ---
	var emailSender notify.EmailSender
	if cfg.Notifications.Email.Enabled {
		sesClient, err := aws.NewSESClient(ctx, cfg.Notifications.AWS.Region)
		if err != nil {
			zapLog.Fatal("failed to create SES client", zap.Error(err))
		}
		emailSender = sesClient
	}

	var alertPublisher notify.AlertPublisher
	if cfg.Notifications.Alerts.Enabled {
		snsClient, err := aws.NewSNSClient(ctx, cfg.Notifications.AWS.Region)
		if err != nil {
			zapLog.Fatal("failed to create SNS client", zap.Error(err))
		}
		alertPublisher = snsClient
	}

	notifier := notify.New(discordClient, emailSender, alertPublisher,
		cfg.Notifications.Email.FromEmail, cfg.Notifications.Alerts.TopicARN, log)

	// --- Entitlement store and synchronizer ---
	entitlementStore := store.New(pg.DB, redisClient.Client, cfg.Entitlements.CacheTTLDuration(), log)
	synchronizer := sync.New(entitlementStore, discordClient, roleBindings, redisClient.Client,
		recorder, tracing, cfg.Discord.GuildID, log)

	// --- Expiry reconciler on its schedule ---
	var sweepScheduler *scheduler.Scheduler
	if cfg.Reconciler.Enabled {
		sweeper := reconciler.New(entitlementStore, discordClient, roleBindings, notifier,
			recorder, obs, tracing, cfg.Reconciler.ManagedSlugs, log)
		sweepScheduler = scheduler.New(
			cfg.Reconciler.StartupDelayDuration(),
			cfg.Reconciler.IntervalDuration(),
			sweeper.Sweep,
			log,
		)
		sweepScheduler.Start(ctx)
		zapLog.Info("Expiry reconciler scheduled",
			zap.Duration("startupDelay", cfg.Reconciler.StartupDelayDuration()),
			zap.Duration("interval", cfg.Reconciler.IntervalDuration()),
			zap.Strings("managedSlugs", cfg.Reconciler.ManagedSlugs),
		)
	} else {
		zapLog.Info("Expiry reconciler disabled")
	}

	// --- Interactions, Health & Metrics Server ---
	interactionHandler := bot.NewHandler(verifier, discordClient, synchronizer, cfg.App.Environment, log)

	http.Handle("/interactions", interactionHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})
	http.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := pg.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "ready",
			"time":   time.Now().Format(time.RFC3339),
		})
	})
	http.Handle("/metrics", promhttp.Handler())

	go func() {
		zapLog.Info("HTTP server listening", zap.String("address", cfg.HTTP.Address))
		if err := http.ListenAndServe(cfg.HTTP.Address, nil); err != nil {
			zapLog.Error("HTTP server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, stopping...")
	if sweepScheduler != nil {
		sweepScheduler.Stop()
	}

	zapLog.Info("trinity-bot stopped gracefully")
}
