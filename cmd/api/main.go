package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/meraki-bazaar/api/internal/di"
	"github.com/meraki-bazaar/api/internal/handlers"
	"github.com/meraki-bazaar/api/internal/mail"
	"github.com/meraki-bazaar/api/internal/payments"
	"github.com/meraki-bazaar/api/internal/platform/auth"
	"github.com/meraki-bazaar/api/internal/platform/config"
	pfirestore "github.com/meraki-bazaar/api/internal/platform/firestore"
	"github.com/meraki-bazaar/api/internal/platform/idempotency"
	"github.com/meraki-bazaar/api/internal/platform/jobs"
	"github.com/meraki-bazaar/api/internal/platform/observability"
	"github.com/meraki-bazaar/api/internal/platform/secrets"
	platformstorage "github.com/meraki-bazaar/api/internal/platform/storage"
	firestorerepo "github.com/meraki-bazaar/api/internal/repositories/firestore"
	"github.com/meraki-bazaar/api/internal/services"
)

const (
	shutdownTimeout    = 10 * time.Second
	checkoutRateLimit  = 20
	checkoutRateWindow = time.Minute
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger initialisation failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.Named("api")

	ctx := observability.WithLogger(context.Background(), logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("environment load failed", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("secret fetcher initialisation failed", zap.Error(err))
	}
	defer func() { _ = fetcher.Close() }()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.Names()))
		}
		logger.Fatal("config load failed", zap.Error(err))
	}

	eventLog := serviceEventLogger(logger)

	provider := pfirestore.NewProvider(cfg.Firestore)
	registry, err := firestorerepo.NewRegistry(provider)
	if err != nil {
		logger.Fatal("repository initialisation failed", zap.Error(err))
	}

	firestoreClient, err := provider.Client(ctx)
	if err != nil {
		logger.Fatal("firestore client initialisation failed", zap.Error(err))
	}
	eventsStore := idempotency.NewFirestoreStore(firestoreClient)

	gcsClient, err := gcs.NewClient(ctx, googleClientOptions(cfg)...)
	if err != nil {
		logger.Fatal("cloud storage client initialisation failed", zap.Error(err))
	}
	defer func() { _ = gcsClient.Close() }()

	archive, err := platformstorage.NewArchive(gcsClient, cfg.Storage.InvoicesBucket)
	if err != nil {
		logger.Fatal("invoice archive initialisation failed", zap.Error(err))
	}

	var signedURLs *platformstorage.Client
	if keyFile := strings.TrimSpace(cfg.Storage.SignedURLKeyFile); keyFile != "" {
		signer, err := platformstorage.NewServiceAccountSignerFromFile(keyFile)
		if err != nil {
			logger.Fatal("signed url signer initialisation failed", zap.Error(err))
		}
		signedURLs, err = platformstorage.NewClient(signer)
		if err != nil {
			logger.Fatal("signed url client initialisation failed", zap.Error(err))
		}
	} else {
		logger.Warn("invoice download links disabled: no signed url key configured")
	}

	gateway, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
		APIKey:        cfg.Stripe.APIKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		Logger:        eventLog,
	})
	if err != nil {
		logger.Fatal("stripe gateway initialisation failed", zap.Error(err))
	}

	sender, err := mail.NewSender(mail.SenderConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		Timeout:  cfg.SMTP.Timeout,
		Logger:   eventLog,
	})
	if err != nil {
		logger.Fatal("mail sender initialisation failed", zap.Error(err))
	}

	pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID, googleClientOptions(cfg)...)
	if err != nil {
		logger.Fatal("pubsub client initialisation failed", zap.Error(err))
	}
	defer func() { _ = pubsubClient.Close() }()
	topic := pubsubClient.Topic(cfg.PubSub.OrderEventsTopic)
	defer topic.Stop()

	publisher, err := jobs.NewPubSubOrderEventPublisher(topic)
	if err != nil {
		logger.Fatal("order event publisher initialisation failed", zap.Error(err))
	}

	verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("firebase verifier initialisation failed", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(verifier)

	container, err := di.NewContainer(di.Dependencies{
		Config:    cfg,
		Registry:  registry,
		Gateway:   gateway,
		Archive:   archive,
		Sender:    sender,
		Events:    eventsStore,
		Publisher: publisher,
		Logger:    eventLog,
	})
	if err != nil {
		logger.Fatal("service wiring failed", zap.Error(err))
	}

	health := handlers.NewHealthHandlers(
		handlers.WithReadinessCheck("firestore", registry.Health().Ping),
	)
	checkoutHandlers := handlers.NewCheckoutHandlers(authenticator, container.Services.Checkout,
		handlers.WithCheckoutRateLimit(checkoutRateLimit, checkoutRateWindow),
	)
	webhookHandlers := handlers.NewWebhookHandlers(container.Services.Webhook, eventLog)

	var orderOpts []handlers.OrderHandlersOption
	if signedURLs != nil {
		orderOpts = append(orderOpts, handlers.WithInvoiceSigner(signedURLs, cfg.Storage.InvoicesBucket))
	}
	orderHandlers := handlers.NewOrderHandlers(authenticator, container.Services.Orders, orderOpts...)
	internalHandlers := handlers.NewInternalTaskHandlers(container.Worker, eventLog)

	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger),
		observability.TraceMiddleware(traceProjectID(cfg)),
		observability.RecoveryMiddleware(logger),
		observability.RequestLoggerMiddleware(traceProjectID(cfg)),
	}

	routerOpts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(health),
		handlers.WithCheckoutRoutes(func(r chi.Router) {
			checkoutHandlers.Routes(r)
			webhookHandlers.Routes(r)
		}),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	}
	if oidc := buildOIDCMiddleware(cfg.Security, logger); oidc != nil {
		routerOpts = append(routerOpts, handlers.WithInternalMiddlewares(oidc))
	} else if cfg.Security.Environment != "local" {
		logger.Warn("internal task routes are not protected by OIDC",
			zap.String("environment", cfg.Security.Environment))
	}
	router := handlers.NewRouter(routerOpts...)

	workerCtx, stopWorker := context.WithCancel(
		observability.WithLogger(context.Background(), logger.Named("worker")))
	go func() {
		if err := container.Worker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("fulfillment worker stopped", zap.Error(err))
		}
	}()
	go runCleanupLoop(workerCtx, container.Worker, cfg.Worker.CleanupInterval)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("meraki bazaar api listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serverErr:
		logger.Error("server failed", zap.Error(err))
	}

	stopWorker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	if err := container.Close(shutdownCtx); err != nil {
		logger.Error("repository shutdown failed", zap.Error(err))
	}
	logger.Info("server stopped")
}

// serviceEventLogger adapts the request-scoped zap logger to the event logging
// contract consumed by the service layer.
func serviceEventLogger(fallback *zap.Logger) func(context.Context, string, map[string]any) {
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := fallback
		if ctx != nil {
			logger = observability.FromContext(ctx)
		}
		zapFields := make([]zap.Field, 0, len(fields))
		for key, value := range fields {
			zapFields = append(zapFields, zap.Any(key, value))
		}
		logger.Info(event, zapFields...)
	}
}

// runCleanupLoop prunes expired checkout snapshots and stale idempotency
// entries on a fixed cadence until the context is cancelled.
func runCleanupLoop(ctx context.Context, worker *services.FulfillmentWorker, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := worker.CleanupExpired(ctx); err != nil {
				observability.FromContext(ctx).Warn("cleanup pass failed", zap.Error(err))
			}
		}
	}
}

func buildOIDCMiddleware(cfg config.SecurityConfig, logger *zap.Logger) func(http.Handler) http.Handler {
	jwksURL := strings.TrimSpace(cfg.OIDC.JWKSURL)
	audience := strings.TrimSpace(cfg.OIDC.Audience)
	if jwksURL == "" || audience == "" {
		return nil
	}
	printf := observability.NewPrintfAdapter(logger.Named("oidc"))
	cache := auth.NewJWKSCache(jwksURL, auth.WithJWKSLogger(printf))
	validator := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(printf))
	return validator.RequireOIDC(audience, cfg.OIDC.Issuers)
}

func googleClientOptions(cfg config.Config) []option.ClientOption {
	if path := strings.TrimSpace(cfg.Firebase.CredentialsFile); path != "" {
		return []option.ClientOption{option.WithCredentialsFile(path)}
	}
	return nil
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		return strings.TrimSpace(env[key])
	}

	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if fallbackPath := lookup("API_SECRET_FALLBACK_FILE"); fallbackPath != "" {
		opts = append(opts, secrets.WithFallbackFile(fallbackPath))
	}
	if credentials := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentials != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentials)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the secrets that must resolve before the server
// starts. Local development may fall back to plain environment values.
func requiredSecretNames(env map[string]string) []string {
	environment := "local"
	if env != nil {
		if value := strings.TrimSpace(env["API_SECURITY_ENVIRONMENT"]); value != "" {
			environment = strings.ToLower(value)
		}
	}
	if environment == "local" {
		return nil
	}
	return []string{"Stripe.APIKey", "Stripe.WebhookSecret"}
}
