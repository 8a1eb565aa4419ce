package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/rotulo-studio/api/internal/handlers"
	"github.com/rotulo-studio/api/internal/payments"
	"github.com/rotulo-studio/api/internal/platform/auth"
	"github.com/rotulo-studio/api/internal/platform/config"
	"github.com/rotulo-studio/api/internal/platform/jobs"
	"github.com/rotulo-studio/api/internal/platform/observability"
	"github.com/rotulo-studio/api/internal/platform/requestctx"
	"github.com/rotulo-studio/api/internal/platform/secrets"
	"github.com/rotulo-studio/api/internal/repositories/postgres"
	"github.com/rotulo-studio/api/internal/services"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx := context.Background()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	fetcher, err := secrets.NewFetcher(ctx, secrets.WithLogger(logger.Named("secrets")))
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)))
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	dbProvider, err := postgres.NewProvider(ctx, postgres.Config{
		DSN:      cfg.Database.DSN,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer dbProvider.Close()

	if cfg.Database.Migrate {
		if err := postgres.Migrate(ctx, dbProvider.Pool()); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	pool := dbProvider.Pool()
	unitOfWork, err := postgres.NewUnitOfWork(pool)
	if err != nil {
		logger.Fatal("failed to initialise unit of work", zap.Error(err))
	}
	orderRepo, err := postgres.NewOrderRepository(pool)
	if err != nil {
		logger.Fatal("failed to initialise order repository", zap.Error(err))
	}
	stockRepo, err := postgres.NewStockRepository(pool)
	if err != nil {
		logger.Fatal("failed to initialise stock repository", zap.Error(err))
	}
	usageRepo, err := postgres.NewMaterialUsageRepository(pool)
	if err != nil {
		logger.Fatal("failed to initialise usage repository", zap.Error(err))
	}
	counterRepo, err := postgres.NewCounterRepository(pool)
	if err != nil {
		logger.Fatal("failed to initialise counter repository", zap.Error(err))
	}

	events := eventLogger(logger)

	gatewayManager, err := buildGateways(cfg, events)
	if err != nil {
		logger.Fatal("failed to initialise payment gateways", zap.Error(err))
	}

	var alerts services.StockAlertPublisher
	if cfg.Alerts.Enabled {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.Alerts.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		alerts, err = jobs.NewPubSubAlertPublisher(pubsubClient.Topic(cfg.Alerts.Topic))
		if err != nil {
			logger.Fatal("failed to initialise alert publisher", zap.Error(err))
		}
	}

	reconciler, err := services.NewReconciliationService(services.ReconciliationServiceDeps{
		UnitOfWork: unitOfWork,
		Orders:     orderRepo,
		Stock:      stockRepo,
		Gateways:   gatewayManager,
		Alerts:     alerts,
		Logger:     events,
	})
	if err != nil {
		logger.Fatal("failed to initialise reconciliation service", zap.Error(err))
	}

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		UnitOfWork: unitOfWork,
		Orders:     orderRepo,
		Stock:      stockRepo,
		Counters:   counterRepo,
		Alerts:     alerts,
		Logger:     events,
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	usageService, err := services.NewMaterialUsageService(services.MaterialUsageServiceDeps{
		UnitOfWork: unitOfWork,
		Orders:     orderRepo,
		Stock:      stockRepo,
		Usages:     usageRepo,
		Alerts:     alerts,
		Logger:     events,
	})
	if err != nil {
		logger.Fatal("failed to initialise material usage service", zap.Error(err))
	}

	validator, err := auth.NewSignatureValidator(
		auth.StaticSecrets(cfg.Gateways.WebhookSecrets),
		cfg.Security.Environment,
		auth.WithSignatureTolerance(cfg.Security.SignatureTolerance),
		auth.WithSignatureBypass(cfg.Security.SignatureBypass),
		auth.WithSignatureLogger(zap.NewStdLog(logger.Named("webhooks"))),
	)
	if err != nil {
		logger.Fatal("failed to initialise signature validator", zap.Error(err))
	}

	health := handlers.NewHealthHandlers()
	health.AddCheck("database", dbProvider.Ping)

	webhookHandlers := handlers.NewWebhookHandlers(reconciler, validator, gatewayManager.Providers(), cfg.Security.Environment)
	orderHandlers := handlers.NewOrderHandlers(orderService, usageService)
	materialHandlers := handlers.NewMaterialHandlers(usageService)

	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.TraceMiddleware(),
			observability.InjectLoggerMiddleware(logger),
			observability.RequestLoggerMiddleware(),
			observability.RecoveryMiddleware(logger),
		),
		handlers.WithHealthHandlers(health),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithMaterialRoutes(materialHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("addr", server.Addr),
			zap.String("environment", cfg.Security.Environment),
			zap.Strings("providers", gatewayManager.Providers()),
		)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info("shutdown signal received")
		timeoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(timeoutCtx); err != nil {
			logger.Error("graceful shutdown failed", zap.Error(err))
		}
	}

	logger.Info("server stopped")
}

// buildGateways registers the configured payment providers. Mercado Pago is
// always wired; Stripe joins when an API key is present.
func buildGateways(cfg config.Config, events payments.MercadoPagoLogger) (*payments.Manager, error) {
	providers := make(map[string]payments.Provider)

	mercadoPago, err := payments.NewMercadoPagoProvider(payments.MercadoPagoConfig{
		BaseURL:     cfg.Gateways.MercadoPagoBaseURL,
		AccessToken: cfg.Gateways.MercadoPagoAccessToken,
		Timeout:     cfg.Gateways.Timeout,
		Logger:      payments.MercadoPagoLogger(events),
	})
	if err != nil {
		return nil, err
	}
	providers["mercadopago"] = mercadoPago

	if cfg.Gateways.StripeAPIKey != "" {
		stripeProvider, err := payments.NewStripeProvider(payments.StripeConfig{
			APIKey: cfg.Gateways.StripeAPIKey,
		})
		if err != nil {
			return nil, err
		}
		providers["stripe"] = stripeProvider
	}

	return payments.NewManager(providers)
}

// eventLogger adapts the services' event callback onto zap, preferring the
// request-scoped logger when the context carries one.
func eventLogger(base *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := observability.FromContext(ctx)
		if logger == requestctx.NoopLogger() {
			logger = base
		}
		zapFields := make([]zap.Field, 0, len(fields))
		for key, value := range fields {
			zapFields = append(zapFields, zap.Any(key, value))
		}
		logger.Info(event, zapFields...)
	}
}
