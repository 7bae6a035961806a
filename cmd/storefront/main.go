package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"finitefield.org/storefront/internal/cart"
	"finitefield.org/storefront/internal/catalog"
	"finitefield.org/storefront/internal/checkout"
	"finitefield.org/storefront/internal/handlers"
	"finitefield.org/storefront/internal/payments"
	"finitefield.org/storefront/internal/platform/config"
	"finitefield.org/storefront/internal/platform/idempotency"
	"finitefield.org/storefront/internal/platform/money"
	"finitefield.org/storefront/internal/platform/observability"
	"finitefield.org/storefront/internal/platform/secrets"
	"finitefield.org/storefront/internal/platform/shopper"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const scriptFetchTimeout = 10 * time.Second

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	boot, err := config.LoadBootstrap()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read bootstrap configuration: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(boot.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("storefront")

	fetcher := secrets.NewFetcher(ctx,
		secrets.WithProject(boot.Secrets.ProjectID),
		secrets.WithFallbackFile(boot.Secrets.FallbackFile),
		secrets.WithLogger(logger.Named("secrets")),
	)
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		var vErr *config.ValidationError
		if errors.As(err, &vErr) {
			logger.Fatal("invalid configuration", zap.Strings("fields", vErr.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	events := observability.EventLogger(logger)

	products, err := catalog.Default()
	if err != nil {
		logger.Fatal("failed to load catalog", zap.Error(err))
	}
	formatter, err := money.NewFormatter(cfg.Checkout.Locale, cfg.Checkout.Currency, cfg.Checkout.ConversionRate)
	if err != nil {
		logger.Fatal("failed to initialise money formatter", zap.Error(err))
	}
	carts := cart.NewRegistry(cart.WithIdleTTL(cfg.Cart.IdleTTL), cart.WithLogger(events))

	resources, stripeGateway, err := buildGateways(cfg.Payments, events)
	if err != nil {
		logger.Fatal("failed to initialise payment gateways", zap.Error(err))
	}
	manager, err := payments.NewManager(resources,
		payments.WithDefaultProvider(cfg.Payments.DefaultProvider),
		payments.WithCurrencyRoutes(cfg.Payments.CurrencyRoutes),
		payments.WithManagerLogger(events),
	)
	if err != nil {
		logger.Fatal("failed to initialise payment manager", zap.Error(err))
	}

	checkoutService, err := checkout.NewService(checkout.Deps{
		Payments:         manager,
		TaxRate:          cfg.Checkout.TaxRate,
		ConversionRate:   cfg.Checkout.ConversionRate,
		Currency:         cfg.Checkout.Currency,
		DefaultCountry:   cfg.Checkout.Country,
		StoreName:        cfg.Checkout.StoreName,
		StoreDescription: cfg.Checkout.StoreDescription,
		Logger:           events,
	})
	if err != nil {
		logger.Fatal("failed to initialise checkout service", zap.Error(err))
	}

	sessions, err := shopper.New(shopper.Config{
		SigningKey: cfg.Session.SigningKey,
		CookieName: cfg.Session.CookieName,
		MaxAge:     cfg.Session.MaxAge,
		Secure:     cfg.Session.Secure,
		Logger:     logger.Named("shopper"),
	})
	if err != nil {
		logger.Fatal("failed to initialise shopper sessions", zap.Error(err))
	}
	idempotencyStore := idempotency.NewMemoryStore(cfg.Checkout.AttemptRetention)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	var bgWG sync.WaitGroup
	bgWG.Add(2)
	go func() {
		defer bgWG.Done()
		carts.RunJanitor(bgCtx, cfg.Cart.SweepInterval)
	}()
	go func() {
		defer bgWG.Done()
		runPruner(bgCtx, logger.Named("pruner"), cfg.Cart.SweepInterval, cfg.Checkout.AttemptRetention, manager, checkoutService, idempotencyStore)
	}()

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthStartedAt(startedAt),
		handlers.WithHealthVersion(version),
		handlers.WithGatewayStates(manager.ScriptStates),
	)
	catalogHandlers := handlers.NewCatalogHandlers(products, formatter)
	cartHandlers := handlers.NewCartHandlers(carts, products, formatter, checkoutService)
	checkoutHandlers := handlers.NewCheckoutHandlers(checkoutService, manager, carts,
		handlers.WithCheckoutFormatter(formatter),
		handlers.WithCheckoutLogger(events),
		handlers.WithWriteTimeout(cfg.Server.WriteTimeout),
		handlers.WithSubmitMiddlewares(idempotency.Middleware(idempotencyStore)),
	)

	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.InjectLogger(logger.Named("http")),
			observability.Trace(),
			observability.Recovery(logger.Named("http")),
			observability.RequestLogger(),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithProductRoutes(catalogHandlers.Routes),
		handlers.WithCartRoutes(cartHandlers.Routes),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithShopperMiddlewares(sessions.Middleware),
	}
	if stripeGateway != nil {
		webhookHandlers := handlers.NewWebhookHandlers(stripeGateway, manager, events)
		opts = append(opts, handlers.WithWebhookRoutes(webhookHandlers.Routes))
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handlers.NewRouter(opts...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("storefront listening",
			zap.Strings("providers", manager.Providers()),
			zap.String("currency", cfg.Checkout.Currency),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	bgCancel()
	bgWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// buildGateways registers one lazily loaded resource per configured provider.
// The Stripe gateway is also returned for webhook verification.
func buildGateways(cfg config.PaymentsConfig, events payments.Logger) (map[string]*payments.Resource, *payments.StripeGateway, error) {
	resources := make(map[string]*payments.Resource)
	client := &http.Client{Timeout: scriptFetchTimeout}

	if cfg.Widget.Enabled() {
		widgetCfg := payments.WidgetConfig{
			KeyID:      cfg.Widget.KeyID,
			KeySecret:  cfg.Widget.KeySecret,
			ThemeColor: cfg.Widget.ThemeColor,
		}
		if _, err := payments.NewWidgetGateway(widgetCfg); err != nil {
			return nil, nil, err
		}
		resources[payments.WidgetProvider] = payments.NewResource(payments.WidgetProvider, payments.HTTPScriptLoader{
			URL:    cfg.Widget.ScriptURL,
			Client: client,
			Build: func(context.Context) (payments.Gateway, error) {
				return payments.NewWidgetGateway(widgetCfg)
			},
		})
	}

	var stripeGateway *payments.StripeGateway
	if cfg.Stripe.Enabled() {
		gw, err := payments.NewStripeGateway(payments.StripeConfig{
			APIKey:        cfg.Stripe.APIKey,
			AccountID:     cfg.Stripe.AccountID,
			SuccessURL:    cfg.Stripe.SuccessURL,
			CancelURL:     cfg.Stripe.CancelURL,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			Logger:        events,
		})
		if err != nil {
			return nil, nil, err
		}
		stripeGateway = gw
		resources[payments.StripeProvider] = payments.NewResource(payments.StripeProvider, payments.HTTPScriptLoader{
			URL:    cfg.Stripe.ScriptURL,
			Client: client,
			Build: func(context.Context) (payments.Gateway, error) {
				return gw, nil
			},
		})
	}

	if cfg.EnableFake {
		resources[payments.FakeProvider] = payments.NewResource(payments.FakeProvider, payments.StaticLoader(&payments.FakeGateway{}))
	}
	return resources, stripeGateway, nil
}

func runPruner(ctx context.Context, logger *zap.Logger, interval, retention time.Duration, manager *payments.Manager, svc *checkout.Service, store *idempotency.MemoryStore) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now().UTC()
			cutoff := now.Add(-retention)
			sessions := manager.PruneResolved(cutoff)
			attempts := svc.PruneFinished(cutoff)
			keys := store.Cleanup(now)
			if sessions+attempts+keys > 0 {
				logger.Info("pruned resolved checkout state",
					zap.Int("sessions", sessions),
					zap.Int("attempts", attempts),
					zap.Int("idempotencyKeys", keys),
				)
			}
		case <-ctx.Done():
			return
		}
	}
}
