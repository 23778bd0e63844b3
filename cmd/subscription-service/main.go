/**
 * @description
 * This is the main entry point for the subscription-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * the payment gateway client, the message broker, Redis, the reconciliation engine,
 * and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Webhook dedup and initialize rate limiting (optional).
 * - github.com/joho/godotenv: Local .env loading.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/paystackclient: Client for the payment gateway.
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

	"github.com/bishopkbb/access-edu-ng-sub000/internal/api"
	"github.com/bishopkbb/access-edu-ng-sub000/internal/app"
	"github.com/bishopkbb/access-edu-ng-sub000/internal/config"
	"github.com/bishopkbb/access-edu-ng-sub000/internal/store"
	"github.com/bishopkbb/access-edu-ng-sub000/pkg/paystackclient"
	"github.com/bishopkbb/access-edu-ng-sub000/pkg/rabbitmq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment\"")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if cfg.PaystackSecretKey == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"payment gateway secret key must be configured\" env=PAYSTACK_SECRET_KEY")
	}
	if cfg.InternalAPIKey == "" {
		log.Println("level=warn component=bootstrap msg=\"internal api key not set; internal routes are unauthenticated\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting subscription-service\" port=%s", cfg.ServerPort)

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

	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{}
	rabbitProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, cfg.SubscriptionEventsExchange)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
	} else {
		publisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}
	defer publisher.Close()

	redisClient := connectRedis(cfg.RedisURL)
	if redisClient != nil {
		defer redisClient.Close()
	}

	gateway := paystackclient.NewClient(cfg.PaystackBaseURL, cfg.PaystackSecretKey, time.Duration(cfg.GatewayTimeoutSeconds)*time.Second)
	gateway.CallbackURL = cfg.PaystackCallbackURL

	repository := store.NewRepository(dbpool)

	engineOpts := app.EngineOptions{
		ReconcileAfter: time.Duration(cfg.PendingReconcileAfterMinutes) * time.Minute,
		ExpireAfter:    time.Duration(cfg.PendingExpireAfterHours) * time.Hour,
		BatchSize:      cfg.ReconcileBatchSize,
	}
	var limiter app.RateLimiter
	if redisClient != nil {
		engineOpts.Deduplicator = app.NewRedisWebhookDeduplicator(redisClient, cfg.RedisKeyPrefix, time.Duration(cfg.WebhookDedupTTLMinutes)*time.Minute)
		limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix)
	}

	engine := app.NewEngine(repository, gateway, publisher, logger, engineOpts)
	catalog := app.NewPlanCatalog(cfg.Plans(), repository)
	service := app.NewService(engine, repository, gateway, catalog, repository, limiter, logger, app.ServiceOptions{
		InitializeLimitPerMinute: cfg.InitializeRateLimitPerMinute,
		Currency:                 cfg.PlanCurrency,
	})

	webhooks := api.NewWebhookHandler(app.NewWebhookVerifier(cfg.PaystackWebhookSecret), engine)
	router := api.NewRouter(api.NewHandler(service), webhooks, cfg.ClerkJWKSURL, cfg.InternalAPIKey)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// connectRedis returns nil when Redis is not configured or unreachable; webhook
// dedup then relies on the store and initialize is not rate limited.
func connectRedis(redisURL string) *redis.Client {
	if strings.TrimSpace(redisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; webhook dedup cache and rate limiting disabled\" env=REDIS_URL")
		return nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; webhook dedup cache and rate limiting disabled\" err=%v", err)
		return nil
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; webhook dedup cache and rate limiting disabled\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}
