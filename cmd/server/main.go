package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"claude-relay-go/internal/config"
	"claude-relay-go/internal/constants"
	"claude-relay-go/internal/events"
	"claude-relay-go/internal/health"
	"claude-relay-go/internal/logging"
	"claude-relay-go/internal/monitoring"
	"claude-relay-go/internal/monitoring/tracing"
	"claude-relay-go/internal/registry"
	"claude-relay-go/internal/retrypolicy"
	"claude-relay-go/internal/runtime"
	"claude-relay-go/internal/selection"
	"claude-relay-go/internal/server"
	"claude-relay-go/internal/stats"
	"claude-relay-go/internal/storage"
	"claude-relay-go/internal/sweeper"
	"claude-relay-go/internal/token"
	"claude-relay-go/internal/upstream"

	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	manager, err := config.NewManager(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	defer manager.Close()

	cfg := manager.Get()
	if *debug {
		cfg.Debug = true
	}
	if err := logging.Setup(cfg); err != nil {
		log.WithError(err).Fatal("Failed to configure logging")
	}
	log.WithFields(log.Fields{
		"config":  *configPath,
		"version": constants.GetFullVersion(),
	}).Info("Starting claude-relay gateway")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.TracingEnabled {
		shutdown, err := tracing.Init(ctx, cfg.OTLPEndpoint)
		if err != nil {
			log.WithError(err).Warn("Tracing initialization failed")
		} else if shutdown != nil {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.WithError(err).Warn("Tracing shutdown failed")
				}
			}()
		}
	}

	metrics := monitoring.NewMetrics()
	store, err := buildStorageBackend(ctx, cfg, metrics)
	if err != nil {
		log.WithError(err).Fatal("Storage backend initialization failed")
	}
	defer store.Close()

	hub := events.NewHub()
	manager.SetEventPublisher(hub)

	reg := registry.New(store, registry.Options{})
	reg.SetEventPublisher(hub)
	tracker := health.New(store, health.Options{})
	selector := selection.New(reg, tracker)
	selector.SetMetrics(metrics)
	tokens := token.NewManager(reg, token.Options{})

	settings := config.NewSettingsCache(store)
	settings.SetEventPublisher(hub)

	client, err := upstream.NewClient(upstream.ClientOptions{
		ProxyURL:       cfg.ProxyURL,
		RequestTimeout: time.Duration(cfg.RequestTimeoutSec) * time.Second,
		Metrics:        metrics,
	})
	if err != nil {
		log.WithError(err).Fatal("Upstream client initialization failed")
	}

	tasks := runtime.NewTaskManager(ctx)
	sweeps := sweeper.New(reg, tokens, store, settings, []sweeper.QuotaProber{
		upstream.NewKiroQuotaProber(tokens),
	})
	if err := sweeps.Register(tasks); err != nil {
		log.WithError(err).Fatal("Background sweeper registration failed")
	}

	policy := retrypolicy.Default()
	if cfg.RetryMax > 0 {
		policy.MaxRetries = cfg.RetryMax
	}
	if cfg.RetryIntervalSec > 0 {
		policy.BaseDelay = time.Duration(cfg.RetryIntervalSec) * time.Second
	}
	if !cfg.RetryEnabled {
		policy.MaxRetries = 0
	}

	srv := server.New(server.Deps{
		Config:   cfg,
		Store:    store,
		Registry: reg,
		Selector: selector,
		Tokens:   tokens,
		Adapters: upstream.NewRegistry(upstream.NewSignatureCache(store)),
		Client:   client,
		Resolver: upstream.NewModelResolver(store),
		Settings: settings,
		Stats:    stats.NewService(store),
		Metrics:  metrics,
		Tasks:    tasks,
		Policy:   policy,
	})

	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Error("Gateway terminated")
		tasks.StopAll()
		tasks.Wait()
		os.Exit(1)
	}
	tasks.StopAll()
	tasks.Wait()
	log.Info("Gateway stopped")
}

// buildStorageBackend opens the configured store and layers the optional
// Redis cache and metrics instrumentation over it.
func buildStorageBackend(ctx context.Context, cfg *config.Config, metrics *monitoring.Metrics) (storage.Backend, error) {
	var backend storage.Backend
	var err error

	switch cfg.StorageBackend {
	case "mysql":
		backend, err = storage.NewMySQLBackend(ctx, storage.MySQLConfig{
			Host:     cfg.MySQLHost,
			Port:     cfg.MySQLPort,
			User:     cfg.MySQLUser,
			Password: cfg.MySQLPassword,
			Database: cfg.MySQLDatabase,
			Timezone: cfg.MySQLTimezone,
		})
	case "postgres":
		backend, err = storage.NewPostgresBackend(ctx, cfg.PostgresDSN)
	case "mongodb":
		backend, err = storage.NewMongoBackend(cfg.MongoDBURI, cfg.MongoDatabase)
	case "memory", "":
		backend = storage.NewMemoryBackend()
	default:
		log.WithField("backend", cfg.StorageBackend).Warn("Unknown storage backend, using memory")
		backend = storage.NewMemoryBackend()
	}
	if err != nil {
		return nil, err
	}
	if err := backend.Initialize(ctx); err != nil {
		return nil, err
	}

	if cfg.RedisAddr != "" {
		cache := storage.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
		backend = storage.WithCache(backend, cache)
		log.WithField("addr", cfg.RedisAddr).Info("Redis cache layer enabled")
	}

	label := storage.DetectBackendLabel(cfg.StorageBackend, backend)
	log.WithField("backend", label).Info("Storage backend ready")
	return storage.WithInstrumentation(backend, metrics, label), nil
}
