package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opslens/chronicle/internal/api"
	"github.com/opslens/chronicle/internal/buffer"
	"github.com/opslens/chronicle/internal/cache"
	"github.com/opslens/chronicle/internal/config"
	"github.com/opslens/chronicle/internal/deadletter"
	"github.com/opslens/chronicle/internal/engine"
	"github.com/opslens/chronicle/internal/metrics"
	"github.com/opslens/chronicle/internal/normalize"
	"github.com/opslens/chronicle/internal/patterns"
	"github.com/opslens/chronicle/internal/registry"
	"github.com/opslens/chronicle/internal/services"
	"github.com/opslens/chronicle/internal/store"
	"github.com/opslens/chronicle/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting chronicle engine", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer bootCancel()

	var (
		timelineStore store.TimelineStore
		incidentReg   registry.Registry
	)
	if cfg.Store.PostgresDSN != "" {
		pgStore, err := store.NewPostgresStore(bootCtx, cfg.Store.PostgresDSN, cfg.Store.MaxConns, cfg.Store.ConnectTimeout)
		if err != nil {
			logger.Error("failed to connect timeline store", slog.Any("error", err))
			os.Exit(1)
		}
		timelineStore = pgStore
		pgRegistry, err := registry.NewPostgresRegistry(bootCtx, pgStore.Pool())
		if err != nil {
			logger.Error("failed to initialise incident registry", slog.Any("error", err))
			os.Exit(1)
		}
		incidentReg = pgRegistry
	} else {
		logger.Warn("no postgres DSN configured, using in-memory storage")
		timelineStore = store.NewMemoryStore()
		incidentReg = registry.NewMemoryRegistry()
	}
	defer timelineStore.Close()

	var cacheProvider cache.Provider = cache.NoopProvider{}
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable", slog.Any("error", err))
		} else {
			cacheProvider = provider
			defer provider.Close()
		}
	}

	cachedReader := registry.NewCachedReader(incidentReg, cacheProvider, cfg.Cache.IncidentTTL, logger)

	var dead deadletter.Publisher = deadletter.NewLogPublisher(logger)
	if len(cfg.DeadLetter.Brokers) > 0 {
		publisher, err := deadletter.NewKafkaPublisher(deadletter.KafkaConfig{
			Brokers:      cfg.DeadLetter.Brokers,
			Topic:        cfg.DeadLetter.Topic,
			WriteTimeout: cfg.DeadLetter.WriteTimeout,
			MaxAttempts:  cfg.DeadLetter.MaxAttempts,
		}, logger)
		if err != nil {
			logger.Warn("dead-letter publisher unavailable, falling back to log", slog.Any("error", err))
		} else {
			dead = publisher
			defer publisher.Close()
		}
	}

	correlator := engine.NewCorrelator(engine.Config{
		LookbackMargin: cfg.Pipeline.LookbackMargin,
	}, logger, timelineStore, cachedReader)

	ingestService := services.NewIngestService(
		services.PipelineConfig{
			LookbackMargin: cfg.Pipeline.LookbackMargin,
			AppendRetries:  cfg.Pipeline.AppendRetries,
			AppendBackoff:  cfg.Pipeline.AppendBackoff,
		},
		buffer.Config{
			DedupWindow:  cfg.Pipeline.DedupWindow,
			FlushTimeout: cfg.Pipeline.FlushTimeout,
		},
		logger,
		normalize.NewRegistry(),
		correlator,
		timelineStore,
		cachedReader,
		dead,
	)
	defer ingestService.Shutdown()

	hub := registry.NewHub()
	hub.Subscribe(func(incidentID string) {
		go ingestService.OnIncidentWindowChanged(incidentID)
	})

	incidentService := services.NewIncidentService(logger, incidentReg, hub, cachedReader, ingestService.MarkIncidentClosed)
	miner := patterns.NewMiner(logger, timelineStore)

	handlers := api.NewHandlers(logger, ingestService, incidentService, miner)
	server, err := api.NewServer(cfg.Server, handlers)
	if err != nil {
		logger.Error("failed to create HTTP server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Error("HTTP server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	logger.Info("chronicle engine stopped")
}
