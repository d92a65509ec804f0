/**
 * @description
 * This is the main entry point for the exchange-service. It loads configuration,
 * opens the store (PostgreSQL or in-memory), connects the optional Redis and
 * RabbitMQ dependencies, wires the exchange, payment and withdrawal services, starts
 * the expiry scheduler and serves the HTTP API until SIGINT/SIGTERM.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Shared rate limiting for status polls.
 * - github.com/joho/godotenv: Local .env support.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/mercadopago: Client for the PIX payment gateway.
 * - pkg/stripe: Client for hosted card checkout sessions.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/romapay/exchange-service/internal/api"
	"github.com/romapay/exchange-service/internal/app"
	"github.com/romapay/exchange-service/internal/config"
	"github.com/romapay/exchange-service/internal/store"
	"github.com/romapay/exchange-service/internal/store/migrations"
	"github.com/romapay/exchange-service/pkg/mercadopago"
	rmrabbit "github.com/romapay/exchange-service/pkg/rabbitmq"
	"github.com/romapay/exchange-service/pkg/stripe"
)

func main() {
	// A missing .env file is normal outside local development.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("level=warn component=bootstrap msg=\".env load failed\" err=%v", err)
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	log.Printf("level=info component=bootstrap msg=\"starting exchange-service\" port=%s store=%s", cfg.ServerPort, cfg.StoreDriver)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "exchange-service")

	var repository store.Repository
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		log.Println("level=warn component=bootstrap msg=\"using in-memory store; data is lost on restart\"")
		repository = store.NewMemoryRepository()
	default:
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
		}
		poolConfig.MaxConns = cfg.DBMaxConns
		poolConfig.MinConns = 2
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute

		dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
		}
		defer dbpool.Close()

		migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
		err = migrations.RunPostgres(migrateCtx, dbpool)
		cancelMigrate()
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database migration failed\" err=%v", err)
		}
		log.Println("level=info component=bootstrap msg=\"database connected\"")

		lockTimeout := time.Duration(cfg.DBLockTimeoutMs) * time.Millisecond
		repository = store.NewPostgresRepository(dbpool, lockTimeout)
	}

	if cfg.SeedCatalog {
		seedCtx, cancelSeed := context.WithTimeout(context.Background(), 10*time.Second)
		err := store.SeedCatalog(seedCtx, repository, store.DefaultCatalog)
		cancelSeed()
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"catalog seed failed\" err=%v", err)
		}
		log.Printf("level=info component=bootstrap msg=\"catalog seeded\" tokens=%d", len(store.DefaultCatalog))
	}

	var redisClient *redis.Client
	if cfg.StatusPollsLimit > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; payment status rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; payment status rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				pingErr := redisClient.Ping(pingCtx).Err()
				cancelPing()
				if pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; payment status rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	consumeCtx, stopConsuming := context.WithCancel(context.Background())
	defer stopConsuming()

	var publisher app.EventPublisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; storing notifications directly\" err=%v", err)
	} else {
		defer rabbitProducer.Close()
		publisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}
	if publisher != nil {
		rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, 16)
		if err != nil {
			// Nothing would receive published notifications; store them directly instead.
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; storing notifications directly\" err=%v", err)
			publisher = nil
		} else {
			defer rabbitConsumer.Close()
			consumer := app.NewNotificationConsumer(repository)
			sub := consumer.Subscription(cfg.EventsExchange, cfg.NotificationQueue)
			if err := rmrabbit.Subscribe(consumeCtx, rabbitConsumer, sub, consumer.Handle); err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"notification consumer start failed\" err=%v", err)
			}
		}
	}
	notifier := app.NewEventNotifier(publisher, cfg.EventsExchange, repository, logger)

	gateway := mercadopago.NewClient(cfg.MercadoPagoBaseURL, cfg.MercadoPagoAccessToken)

	ledger := app.NewLedger(repository)
	exchangeService := app.NewExchangeService(
		repository,
		ledger,
		app.NewLotteryResolver(nil),
		notifier,
		notifier,
		logger,
		cfg.ExchangeRetries,
	)
	reconciler := app.NewReconciler(repository, ledger, gateway, notifier, notifier, logger, app.ReconcilerConfig{
		MinCredits:             cfg.MinCreditsPurchase,
		CreditUnitPrice:        cfg.CreditUnitPrice,
		PaymentExpiry:          time.Duration(cfg.PaymentExpiryMinutes) * time.Minute,
		HonorLateApproval:      cfg.HonorLateApproval,
		NotificationURL:        cfg.PaymentNotificationURL,
		PollRateLimitPerMinute: cfg.StatusPollsLimit,
		GatewayRetries:         2,
	})
	if cfg.StripeSecretKey != "" {
		reconciler.SetCheckoutGateway(stripe.NewClient(cfg.StripeBaseURL, cfg.StripeSecretKey), app.CheckoutConfig{
			Currency:   cfg.CheckoutCurrency,
			SuccessURL: cfg.CheckoutSuccessURL,
			CancelURL:  cfg.CheckoutCancelURL,
			Expiry:     time.Duration(cfg.CheckoutExpiryMinutes) * time.Minute,
		})
		log.Println("level=info component=bootstrap msg=\"card checkout enabled\"")
	} else {
		log.Println("level=info component=bootstrap msg=\"STRIPE_SECRET_KEY not set; card checkout disabled\"")
	}
	if redisClient != nil {
		reconciler.SetRateLimiter(app.NewRedisPollLimiter(redisClient, cfg.RedisRatePrefix))
	}
	withdrawals := app.NewWithdrawalService(repository, ledger, notifier, notifier, logger, cfg.PointUnitValue)

	scheduler := app.NewScheduler(reconciler, logger, cfg.PaymentExpirySchedule)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"scheduler start failed\" err=%v", err)
	}

	handlers := api.NewHandlers(exchangeService, ledger, reconciler, withdrawals, repository, cfg.PaymentWebhookSecret)
	router := api.Routes(handlers, api.AuthConfig{
		JWKSURL:  cfg.JWTJWKSURL,
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
	}, cfg.CORSAllowedOrigins)

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
	<-scheduler.Stop().Done()
	stopConsuming()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
