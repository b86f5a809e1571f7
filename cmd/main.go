/**
 * @description
 * This is the main entry point for the billing service. It is responsible for
 * initializing all components: configuration, database connection, payment
 * provider client, Redis, RabbitMQ producer, the core application service,
 * the cron scheduler and the HTTP server. It wires everything together and
 * starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages.
 * - pkg/provider: Payment provider clients.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ridepool/billing-service/internal/api"
	"github.com/ridepool/billing-service/internal/app"
	"github.com/ridepool/billing-service/internal/config"
	"github.com/ridepool/billing-service/internal/domain"
	"github.com/ridepool/billing-service/internal/store"
	"github.com/ridepool/billing-service/pkg/provider"
	"github.com/ridepool/billing-service/pkg/provider/stripeprovider"
	"github.com/ridepool/billing-service/pkg/provider/stubprovider"
	rmrabbit "github.com/ridepool/billing-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"webhook secret must be configured\" env=WEBHOOK_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting billing-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer for audit events. Unavailability
	// degrades to a no-op publisher rather than blocking boot.
	var publisher rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		publisher = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		publisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Redis backs webhook event deduplication across replicas. Without it we
	// fall back to single-process dedup.
	var eventStore app.ProcessedEventStore
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; webhook dedup is process-local\" env=REDIS_URL")
		eventStore = app.NewMemoryEventStore(24 * time.Hour)
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; webhook dedup is process-local\" err=%v", parseErr)
			eventStore = app.NewMemoryEventStore(24 * time.Hour)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; webhook dedup is process-local\" err=%v", pingErr)
				redisClient.Close()
				eventStore = app.NewMemoryEventStore(24 * time.Hour)
			} else {
				defer redisClient.Close()
				eventStore = app.NewRedisEventStore(redisClient, "billing:webhook_events", 24*time.Hour)
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Payment provider selection.
	var paymentProvider provider.Provider
	switch cfg.PaymentDriver {
	case "stub":
		paymentProvider = stubprovider.New(nil)
		log.Println("level=warn component=bootstrap msg=\"using stub payment provider\"")
	default:
		if strings.TrimSpace(cfg.StripeAPIKey) == "" {
			log.Fatalf("level=fatal component=bootstrap msg=\"stripe api key must be configured\" env=STRIPE_API_KEY")
		}
		paymentProvider = stripeprovider.New(cfg.StripeAPIKey)
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	retryPolicy := domainRetryPolicy(cfg)
	billingService := app.NewService(repository, paymentProvider, publisher, app.Settings{
		Currency:      cfg.Currency,
		DueIn:         cfg.InvoiceDueIn,
		AmountCeiling: cfg.AmountCeiling,
		ChargeTimeout: cfg.ChargeTimeout,
		PendingMinAge: cfg.PendingMinAge,
		RetryPolicy:   retryPolicy,
		NoticeGrace:   cfg.NoticeGrace,
	})

	// Scheduled jobs and cron wiring.
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	jobs := app.NewJobs(billingService, logger, cfg.DefaultPaymentMethod, cfg.ReconcileLookback)
	scheduler := app.NewScheduler(jobs, logger, app.Schedules{
		RetrySchedule:     cfg.RetryJobSchedule,
		DunningSchedule:   cfg.DunningJobSchedule,
		OverdueSchedule:   cfg.OverdueJobSchedule,
		ReconcileSchedule: cfg.ReconcileJobSchedule,
	})
	scheduler.Start()
	defer scheduler.Stop()

	// Initialize the API handlers and router.
	handlers := api.NewHandler(billingService)
	webhookHandler := api.NewWebhookHandler(billingService, eventStore, cfg.WebhookSecret, cfg.WebhookTolerance)
	router := api.BillingRoutes(handlers, webhookHandler, cfg.InternalAPIKey)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server failed\" err=%v", err)
		}
	}()

	// Wait for an interrupt signal for graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("level=info component=bootstrap msg=\"shutting down\"")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("level=warn component=http msg=\"shutdown incomplete\" err=%v", err)
	}
	<-scheduler.Stop().Done()
}

func domainRetryPolicy(cfg config.Config) *domain.RetryPolicy {
	return domain.NewRetryPolicy(cfg.RetryBase, cfg.RetryCap, cfg.RetryMax, cfg.RetryJitter, time.Now().UnixNano())
}
