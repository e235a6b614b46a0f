package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/kenneth/unikey-gateway/internal/api"
	"github.com/kenneth/unikey-gateway/internal/config"
	"github.com/kenneth/unikey-gateway/internal/crypto"
	"github.com/kenneth/unikey-gateway/internal/debug"
	"github.com/kenneth/unikey-gateway/internal/metrics"
	"github.com/kenneth/unikey-gateway/internal/middleware"
	"github.com/kenneth/unikey-gateway/internal/provider"
	"github.com/kenneth/unikey-gateway/internal/proxy"
	"github.com/kenneth/unikey-gateway/internal/usage"
	"github.com/kenneth/unikey-gateway/internal/vault"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	debug.InitFromLogLevel(cfg.Logging.Level)
	metrics.SetVersion(version)

	logger.WithFields(logrus.Fields(crypto.HardwareAccelerationInfo())).Info("Starting unikey-gateway")

	if cfg.Tracing.Enabled {
		shutdown, err := setupTracing()
		if err != nil {
			logger.WithError(err).Fatal("Failed to set up tracing")
		}
		defer shutdown(context.Background())
	}

	engine := crypto.NewEngine()
	kdf := crypto.KDFParams{
		Time:      cfg.Vault.KDF.Time,
		MemoryKiB: cfg.Vault.KDF.MemoryKiB,
		Threads:   cfg.Vault.KDF.Threads,
	}

	var redisClient *redis.Client
	newRedis := func(rc config.RedisConfig) *redis.Client {
		if redisClient != nil {
			return redisClient
		}
		redisClient = redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		return redisClient
	}

	var store vault.Store
	switch cfg.Vault.Backend {
	case "redis":
		store = vault.NewRedisStore(newRedis(cfg.Vault.Redis), engine, kdf)
	default:
		store = vault.NewMemoryStore(engine, kdf)
	}

	var usageStore usage.Store
	switch cfg.Usage.Backend {
	case "redis":
		usageStore = usage.NewRedisStore(newRedis(cfg.Usage.Redis), cfg.Usage.MaxRecords)
	default:
		usageStore = usage.NewMemoryStore(cfg.Usage.MaxRecords)
	}

	writer, err := usage.NewWriterFromConfig(cfg.Usage.Sink)
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure usage sink")
	}
	ledger := usage.NewLedger(usageStore, writer, logger)
	defer ledger.Close()

	registry := provider.NewDefaultRegistry(cfg.Providers.Enabled)
	logger.WithField("providers", strings.Join(registry.Names(), ",")).Info("Provider adapters registered")

	m := metrics.NewMetrics()
	dispatcher := proxy.NewDispatcher(store, registry, ledger, cfg.Dispatch, logger, m, nil)

	handler := api.NewHandler(store, registry, dispatcher, ledger, logger, m)
	if redisClient != nil {
		rc := redisClient
		handler.SetReadyCheck(func(r *http.Request) error {
			return rc.Ping(r.Context()).Err()
		})
	}

	router := mux.NewRouter()
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))
	router.Handle("/metrics", m.Handler()).Methods("GET")
	handler.RegisterRoutes(router)

	// Hot-reload dispatch policy and enabled providers on config edits.
	if *configPath != "" {
		stop, err := config.Watch(*configPath, logger, func(next *config.Config) {
			dispatcher.SetPolicy(next.Dispatch)
			reg := provider.NewDefaultRegistry(next.Providers.Enabled)
			dispatcher.SetRegistry(reg)
			handler.SetRegistry(reg)
		})
		if err != nil {
			logger.WithError(err).Warn("Config hot reload unavailable")
		} else {
			defer stop()
		}
	}

	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.WithField("addr", cfg.Server.ListenAddr).Info("Listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Graceful shutdown failed")
	}
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format != "text" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

func setupTracing() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
