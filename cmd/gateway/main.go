// Command gateway is the HTTP server for the auth gateway.
//
// Purpose:
//   This binary authorizes every inbound request against the channel and
//   access grant records of one application, performing SSO logins when a
//   session is missing, and forwards allowed traffic upstream. It can also run
//   purely as a forward-auth endpoint behind another reverse proxy.
//
// Dependencies:
//   - internal/config: environment configuration, exclusion pattern loader
//   - internal/telemetry: logging, tracing, metrics
//   - internal/cache, internal/session: Redis or in-memory state
//   - internal/channel, internal/storage/postgres: channel resolution (slave or master mode)
//   - internal/sso: identity provider drivers
//   - internal/authority, internal/api: decision engine and HTTP shim
//
// Key Responsibilities:
//   - Load configuration and initialize runtime dependencies
//   - Register /v1/authority/* routes and the protected catch-all
//   - Register health/readiness endpoints (/v1/status/*) and /metrics
//   - Handle graceful shutdown (SIGINT/SIGTERM)
//
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/api"
	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/authority"
	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/cache"
	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/channel"
	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/config"
	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/notify"
	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/session"
	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/sso"
	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/storage/postgres"
	"github.com/otherjamesbrown/ai-aas/services/auth-gateway/internal/telemetry"
)

func main() {
	ctx := context.Background()

	cfg := config.MustLoad()

	tel := telemetry.MustInit(ctx, telemetry.Config{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.TelemetryEndpoint,
		Protocol:    cfg.TelemetryProtocol,
		Headers:     map[string]string{},
		Insecure:    cfg.TelemetryInsecure,
		LogLevel:    cfg.LogLevel,
		Debug:       cfg.Debug,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			tel.Logger.Error("failed to shutdown telemetry", zap.Error(err))
		}
	}()

	logger := tel.Logger
	logger.Info("starting auth gateway",
		zap.String("environment", cfg.Environment),
		zap.String("mode", string(cfg.Level)),
		zap.Int64("appid", cfg.AppID),
		zap.Int64("poolid", cfg.PoolID),
		zap.Int("port", cfg.HTTPPort),
	)

	status := api.NewStatusHandlers(api.BuildMetadata{
		Version:   getEnvOrDefault("VERSION", "dev"),
		Commit:    getEnvOrDefault("COMMIT_SHA", ""),
		BuildTime: getEnvOrDefault("BUILD_TIME", ""),
	}, logger)

	// Exclusion patterns: bbolt snapshot plus etcd watch
	ignoreCache, err := config.NewCache(cfg.ConfigCachePath)
	if err != nil {
		logger.Fatal("failed to open exclusion cache", zap.Error(err))
	}
	defer ignoreCache.Close()

	loader := config.NewLoader(cfg.ConfigServiceEndpoint, cfg.ConfigWatchEnabled, ignoreCache, logger)
	if err := loader.Load(ctx); err != nil {
		logger.Warn("failed to load exclusion patterns, continuing with static list", zap.Error(err))
	}
	if err := loader.Watch(context.Background()); err != nil {
		logger.Warn("failed to start exclusion watch", zap.Error(err))
	}
	defer loader.Stop()
	if cfg.ConfigServiceEndpoint != "" {
		status.Register("config_service", false, loader.Health)
	}

	// Cache and sessions
	store, redisClient := buildCache(ctx, cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
		status.Register("redis", true, func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}
	sessions := session.NewStore(store, cfg.ExpireDuration())

	// Anomaly reporting
	var reporter channel.Reporter
	if cfg.AnomalyEnabled {
		var notifier channel.Notifier = notify.NewLogNotifier(logger)
		if brokers := cfg.KafkaBrokerList(); len(brokers) > 0 {
			kafkaNotifier := notify.NewKafkaNotifier(notify.KafkaConfig{
				Brokers:  brokers,
				Topic:    cfg.KafkaAnomalyTopic,
				ClientID: cfg.ServiceName,
			}, logger)
			defer kafkaNotifier.Close()
			notifier = kafkaNotifier
			logger.Info("anomaly notices published to Kafka", zap.String("topic", cfg.KafkaAnomalyTopic))
		}
		geo := channel.NewGeoClient(cfg.GeoPrimaryURL, cfg.GeoSecondaryURL, cfg.GeoSecondaryKey, cfg.OutboundHTTPTimeout, logger)
		reporter = channel.NewAnomalyReporter(geo, notifier, channel.ReporterConfig{
			Recipient: cfg.AnomalyRecipient,
			Async:     cfg.AnomalyAsync,
			Timeout:   cfg.AnomalyTimeout,
		}, logger)
	}

	// Channel source
	source, closeSource, err := buildSource(ctx, cfg, status, logger)
	if err != nil {
		logger.Fatal("failed to initialize channel source", zap.Error(err))
	}
	defer closeSource()
	resolver := channel.NewResolver(source, store, cfg.ExpireDuration(), reporter, logger)

	// Identity providers
	registry := buildRegistry(cfg, store, logger)
	logger.Info("identity providers enabled", zap.Any("providers", registry.Enabled()))

	app := api.NewRouteApplication(cfg.IgnorePatterns(), loader, cfg.ExpireDuration())
	engine := authority.NewEngine(authority.Config{
		AppID:  cfg.AppID,
		PoolID: cfg.PoolID,
		Lang:   cfg.Lang,
		Debug:  cfg.Debug,
		Expire: cfg.ExpireDuration(),
	}, app, resolver, registry, logger)
	handler := api.NewHandler(engine, resolver, logger)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	router.Get("/v1/status/healthz", status.Healthz)
	router.Get("/v1/status/readyz", status.Readyz)
	router.Handle("/metrics", promhttp.Handler())

	appRouter := chi.NewRouter()
	appRouter.Use(api.SessionMiddleware(sessions, api.CookieConfig{
		Name:   cfg.SessionCookie,
		Secure: cfg.SessionSecure,
		MaxAge: cfg.ExpireDuration(),
	}, logger))
	handler.RegisterRoutes(appRouter)

	if cfg.UpstreamURL != "" {
		proxy, err := api.NewUpstreamProxy(cfg.UpstreamURL, logger)
		if err != nil {
			logger.Fatal("invalid upstream", zap.Error(err))
		}
		appRouter.With(handler.Protect).Handle("/*", proxy)
		logger.Info("proxying authorized traffic", zap.String("upstream", cfg.UpstreamURL))
	} else {
		logger.Info("no upstream configured, serving forward-auth only")
	}
	router.Mount("/", appRouter)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-sigCtx.Done()
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("auth gateway stopped")
}

// buildCache returns the shared cache. A Redis outage at startup falls back
// to the in-process cache.
func buildCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) (cache.Cache, *redis.Client) {
	if cfg.CacheBackend != "redis" {
		logger.Info("using in-memory cache")
		return cache.NewMemoryCache(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("Redis unavailable, using in-memory cache", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		_ = client.Close()
		return cache.NewMemoryCache(), nil
	}
	logger.Info("Redis connected", zap.String("addr", cfg.RedisAddr))
	return cache.NewRedisCache(client, cfg.ServiceName+":"), client
}

// buildSource selects the local database in master mode and the remote
// authority in slave mode.
func buildSource(ctx context.Context, cfg *config.Config, status *api.StatusHandlers, logger *zap.Logger) (channel.Source, func(), error) {
	if cfg.Level == config.ModeMaster {
		store, err := postgres.NewStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		status.Register("postgres", true, store.Ping)
		logger.Info("master mode: resolving channels from postgres")
		return store, store.Close, nil
	}

	remote, err := channel.NewRemoteClient(cfg.AuthorityBaseURL(), cfg.OutboundHTTPTimeout, logger)
	if err != nil {
		return nil, nil, err
	}
	status.Register("authority", false, remote.Ping)
	logger.Info("slave mode: resolving channels from remote authority", zap.String("base", cfg.AuthorityBaseURL()))
	return remote, func() {}, nil
}

// buildRegistry registers the generic host client and every enabled provider.
func buildRegistry(cfg *config.Config, c cache.Cache, logger *zap.Logger) *sso.Registry {
	timeout := cfg.OutboundHTTPTimeout
	generic := sso.NewClient(
		sso.NewHostDriver(cfg.Host, cfg.SSOPath, timeout, logger),
		sso.Credentials{AppID: strconv.FormatInt(cfg.AppID, 10), Secret: cfg.Secret},
		c, logger,
	)
	registry := sso.NewRegistry(generic)

	if p := cfg.WeChat; p.Status {
		registry.Register(sso.NewClient(
			sso.NewWeChatDriver("", p.Endpoint, timeout, logger),
			sso.Credentials{AppID: p.AppID, Secret: p.Secret},
			c, logger,
		))
	}
	if p := cfg.AliPay; p.Status {
		registry.Register(sso.NewClient(
			sso.NewAliPayDriver("", p.Endpoint, timeout, logger),
			sso.Credentials{AppID: p.AppID, Secret: p.Secret, PublicKey: p.PublicKey},
			c, logger,
		))
	}
	if p := cfg.DingTalk; p.Status {
		registry.Register(sso.NewClient(
			sso.NewDingTalkDriver("", p.Endpoint, timeout, logger),
			sso.Credentials{AppID: p.AppID, Secret: p.Secret},
			c, logger,
		))
	}
	return registry
}

// getEnvOrDefault returns the value of an environment variable or a default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
