package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dukerupert/manzil/internal"
	"github.com/dukerupert/manzil/internal/auth"
	"github.com/dukerupert/manzil/internal/billing"
	"github.com/dukerupert/manzil/internal/bootstrap"
	"github.com/dukerupert/manzil/internal/cookie"
	"github.com/dukerupert/manzil/internal/domain"
	"github.com/dukerupert/manzil/internal/events"
	"github.com/dukerupert/manzil/internal/handler"
	"github.com/dukerupert/manzil/internal/handler/api"
	"github.com/dukerupert/manzil/internal/handler/webhook"
	"github.com/dukerupert/manzil/internal/middleware"
	"github.com/dukerupert/manzil/internal/repository"
	"github.com/dukerupert/manzil/internal/router"
	"github.com/dukerupert/manzil/internal/routes"
	"github.com/dukerupert/manzil/internal/service"
	"github.com/dukerupert/manzil/internal/telemetry"
	"github.com/dukerupert/manzil/internal/worker"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the outbox relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply pending migrations before serving")
	return cmd
}

func serve(ctx context.Context, migrate bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)

	cleanupSentry, err := telemetry.InitSentry(telemetry.SentryConfig{
		DSN:              cfg.Sentry.DSN,
		Enabled:          cfg.Sentry.Enabled,
		Environment:      cfg.Sentry.Environment,
		Release:          cfg.Sentry.Release,
		SampleRate:       cfg.Sentry.SampleRate,
		TracesSampleRate: cfg.Sentry.TracesSampleRate,
		Debug:            cfg.Sentry.Debug,
	}, logger)
	if err != nil {
		return fmt.Errorf("sentry initialization failed: %w", err)
	}
	defer cleanupSentry()
	defer telemetry.RecoverWithSentry()

	telemetry.InitBusinessMetrics("manzil")

	if migrate {
		logger.Info("Running database migrations...")
		sqlDB, err := openSQL(cfg.DatabaseUrl)
		if err != nil {
			return err
		}
		err = internal.RunMigrations(sqlDB)
		sqlDB.Close()
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		logger.Info("Database migrations completed successfully")
	}

	// Initialize pgx connection pool for application
	pool, err := pgxpool.New(ctx, cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()
	store := repository.NewStore(pool)

	payments, err := newBillingProvider(cfg, logger)
	if err != nil {
		return err
	}

	guard, closeGuard, err := newPaymentGuard(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeGuard()

	publisher, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	tokens, err := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.Issuer)
	if err != nil {
		return fmt.Errorf("failed to initialize token issuer: %w", err)
	}

	// Initialize services
	authService := service.NewAuthService(store, tokens, logger)
	dashboardService := service.NewDashboardService(store, logger)
	orderService := service.NewOrderService(store, payments, guard, service.OrderConfig{
		ShippingPrice:       cfg.Orders.ShippingPrice,
		Currency:            cfg.Orders.Currency,
		AllowStatusOverride: cfg.Orders.StatusOverride,
	}, logger)

	if err := bootstrap.EnsureOwner(ctx, store, &bootstrap.OwnerConfig{
		Email:    cfg.Owner.Email,
		Password: cfg.Owner.Password,
		Name:     cfg.Owner.Name,
	}, logger); err != nil {
		return fmt.Errorf("failed to bootstrap owner account: %w", err)
	}

	// ==========================================================================
	// Initialize middleware
	// ==========================================================================

	metrics := middleware.NewMetrics("manzil")

	securityConfig := middleware.DefaultSecurityHeadersConfig()
	if cfg.Env == "dev" {
		securityConfig = middleware.DevSecurityHeadersConfig()
	}

	defaultRateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	defer defaultRateLimiter.Stop()
	authRateLimiter := middleware.NewRateLimiter(middleware.StrictRateLimiterConfig())
	defer authRateLimiter.Stop()

	chain := []router.Middleware{
		router.Recovery(logger),
		telemetry.SentryMiddleware(),
		middleware.RequestID,
		middleware.WithClientIP(),
		metrics.Middleware,
		middleware.SecurityHeaders(securityConfig),
	}
	if len(cfg.CORSOrigins) > 0 {
		chain = append(chain, router.CORS(cfg.CORSOrigins))
	}
	chain = append(chain,
		middleware.Language,
		middleware.MaxBodySize(middleware.DefaultMaxBodySize),
		middleware.Timeout(middleware.DefaultTimeout),
		defaultRateLimiter.Middleware,
		middleware.WithIdentity(authService),
		telemetry.SentryContextMiddleware(sentryUser),
		middleware.WithRequestLogger(logger),
		router.Logger(logger),
	)

	// ==========================================================================
	// Register routes
	// ==========================================================================

	r := router.New(chain...)

	r.Get("/metrics", metrics.Handler().ServeHTTP)
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			handler.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		handler.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	routes.RegisterAPIRoutes(r, routes.APIDeps{
		AuthHandler:      api.NewAuthHandler(authService, cookie.NewConfig(cfg.CookieDomain, cfg.Env != "dev"), logger),
		OrderHandler:     api.NewOrderHandler(orderService, logger),
		PaymentHandler:   api.NewPaymentHandler(orderService, logger),
		DashboardHandler: api.NewDashboardHandler(dashboardService),
		AuthRateLimit:    authRateLimiter.Middleware,
	})

	stripeWebhook := webhook.NewStripeHandler(payments, orderService, webhook.StripeWebhookConfig{
		WebhookSecret: cfg.Stripe.WebhookSecret,
	}, logger)
	routes.RegisterWebhookRoutes(r, routes.WebhookDeps{
		StripeHandler: stripeWebhook.HandleWebhook,
	})

	// Preflight requests never match a method-specific pattern.
	r.Handle(http.MethodOptions, "/api/", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	r.Get("/", handler.NotFoundResponse)

	// ==========================================================================
	// Start relay and server
	// ==========================================================================

	relay := worker.NewWorker(store, publisher, worker.Config{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
	}, logger)
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("outbox relay stopped", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "address", srv.Addr, "env", cfg.Env, "stripe", cfg.Stripe.Enabled())
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}

	stop()
	select {
	case <-relayDone:
	case <-shutdownCtx.Done():
		logger.Warn("outbox relay did not stop before shutdown deadline")
	}
	return nil
}

func newBillingProvider(cfg *internal.Config, logger *slog.Logger) (billing.Provider, error) {
	if !cfg.Stripe.Enabled() {
		logger.Warn("STRIPE_SECRET_KEY not set; using the mock payment provider")
		return billing.NewMockProvider(), nil
	}
	provider, err := billing.NewStripeProvider(billing.StripeConfig{
		APIKey:        cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		MaxRetries:    cfg.Stripe.MaxRetries,
		HTTPClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: &telemetry.HTTPTransport{Transport: http.DefaultTransport},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Stripe provider: %w", err)
	}
	logger.Info("Stripe billing provider initialized")
	return provider, nil
}

// newPaymentGuard returns the replay guard and a func that releases it.
func newPaymentGuard(ctx context.Context, cfg *internal.Config, logger *slog.Logger) (service.PaymentGuard, func(), error) {
	if cfg.Redis.Addr == "" {
		logger.Info("REDIS_ADDR not set; payment replay guard relies on the database only")
		return service.NoopPaymentGuard{}, func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis ping failed: %w", err)
	}
	logger.Info("Redis payment guard enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.GuardTTL)
	return service.NewRedisPaymentGuard(client, cfg.Redis.GuardTTL), func() { client.Close() }, nil
}

func newPublisher(cfg *internal.Config, logger *slog.Logger) (events.Publisher, error) {
	kafkaPublisher, err := events.NewKafkaPublisher(cfg.Kafka.Brokers)
	if err == nil {
		logger.Info("Kafka publisher initialized", "brokers", cfg.Kafka.Brokers)
		return kafkaPublisher, nil
	}
	if !errors.Is(err, events.ErrDisabled) {
		return nil, fmt.Errorf("failed to initialize kafka publisher: %w", err)
	}

	natsPublisher, err := events.NewNATSPublisher(cfg.Kafka.NATSURL)
	if err == nil {
		logger.Info("NATS publisher initialized", "url", cfg.Kafka.NATSURL)
		return natsPublisher, nil
	}
	if !errors.Is(err, events.ErrDisabled) {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	logger.Info("No broker configured; order events are logged")
	return events.NewLogPublisher(logger), nil
}

func sentryUser(ctx context.Context) *telemetry.UserInfo {
	id, ok := domain.IdentityFromContext(ctx)
	if !ok {
		return nil
	}
	return &telemetry.UserInfo{ID: id.UserID.String(), Role: string(id.Role)}
}
