package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/opendata-ingest/internal/bus"
	"github.com/ethpandaops/opendata-ingest/internal/config"
	"github.com/ethpandaops/opendata-ingest/internal/feed"
	"github.com/ethpandaops/opendata-ingest/internal/leader"
	"github.com/ethpandaops/opendata-ingest/internal/opendata"
	"github.com/ethpandaops/opendata-ingest/internal/poller"
	"github.com/ethpandaops/opendata-ingest/internal/publisher"
	"github.com/ethpandaops/opendata-ingest/internal/reconcile"
	"github.com/ethpandaops/opendata-ingest/internal/redis"
	"github.com/ethpandaops/opendata-ingest/internal/resilience"
	"github.com/ethpandaops/opendata-ingest/internal/server"
	"github.com/ethpandaops/opendata-ingest/internal/timescale"
	"github.com/ethpandaops/opendata-ingest/internal/version"
	"github.com/ethpandaops/opendata-ingest/internal/watermark"
)

// infrastructure holds optional shared backends.
type infrastructure struct {
	redisClient redis.Client
	elector     leader.Elector
	sinkStore   *timescale.Store
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	feedName := flag.String("feed", "", "Feed to ingest (air or weather), overrides feed.name")
	flag.Parse()

	logger := setupLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := loadAndValidateConfig(logger, *configPath, *feedName)
	if err != nil {
		logger.WithError(err).Fatal("Configuration error")
	}

	def, err := cfg.Definition()
	if err != nil {
		logger.WithError(err).Fatal("Configuration error")
	}

	infra, err := setupInfrastructure(ctx, logger, cfg, def)
	if err != nil {
		logger.WithError(err).Fatal("Infrastructure setup failed")
	}

	producer, driver, err := setupPipeline(logger, cfg, def, infra)
	if err != nil {
		logger.WithError(err).Fatal("Pipeline setup failed")
	}

	srv := server.New(logger, cfg.Server, func(context.Context) error {
		if phase := driver.Phase(); phase != poller.PhasePolling && phase != poller.PhaseSleeping {
			return fmt.Errorf("poller is %s", phase)
		}

		return nil
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Ops server error")
		}
	}()

	driverDone := make(chan error, 1)

	go func() { driverDone <- driver.Run(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Received shutdown signal")
		cancel()

		if err := <-driverDone; err != nil {
			logger.WithError(err).Error("Poll loop failed")
		}
	case err := <-driverDone:
		if err != nil {
			logger.WithError(err).Error("Poll loop failed")
		}

		cancel()
	}

	shutdownGracefully(logger, cfg, srv, producer, infra)
}

func setupLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	logger.WithFields(logrus.Fields{
		"version":    version.Short(),
		"git_commit": version.GitCommit,
		"build_date": version.BuildDate,
	}).Info("Starting producer...")

	return logger
}

func loadAndValidateConfig(logger *logrus.Logger, configPath, feedName string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if feedName != "" {
		cfg.Feed.Name = feedName
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	logger.SetLevel(level)

	logger.WithFields(logrus.Fields{
		"feed":          cfg.Feed.Name,
		"state_backend": cfg.State.Backend,
		"leader":        cfg.Leader.Enabled,
		"log_level":     cfg.LogLevel,
	}).Info("Configuration loaded")

	return cfg, nil
}

// setupInfrastructure connects Redis and Timescale when configured and starts
// leader election.
func setupInfrastructure(
	ctx context.Context,
	logger *logrus.Logger,
	cfg *config.Config,
	def *feed.Definition,
) (*infrastructure, error) {
	infra := &infrastructure{elector: leader.NewStandalone()}

	if cfg.Redis != nil {
		infra.redisClient = redis.NewClient(logger, *cfg.Redis)

		if err := infra.redisClient.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start Redis client: %w", err)
		}
	}

	if cfg.Leader.Enabled {
		infra.elector = leader.NewElector(logger, cfg.Leader, infra.redisClient)
	}

	if err := infra.elector.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start leader election: %w", err)
	}

	if cfg.Timescale.DSN != "" {
		pool, err := timescale.Connect(ctx, cfg.Timescale)
		if err != nil {
			return nil, err
		}

		infra.sinkStore, err = timescale.NewStore(logger, pool, def)
		if err != nil {
			pool.Close()

			return nil, err
		}
	}

	return infra, nil
}

func setupPipeline(
	logger *logrus.Logger,
	cfg *config.Config,
	def *feed.Definition,
	infra *infrastructure,
) (*resilience.Producer, *poller.Driver, error) {
	var latest watermark.LatestFunc
	if infra.sinkStore != nil {
		latest = infra.sinkStore.LatestTimestamp
	}

	seeder := watermark.NewSeeder(logger, cfg.State, latest)

	var store watermark.Store

	switch cfg.State.Backend {
	case watermark.BackendRedis:
		store = watermark.NewRedisStore(logger, cfg.State, def.Name, infra.redisClient, seeder)
	default:
		store = watermark.NewFileStore(logger, cfg.State.Dir, seeder)
	}

	topic := cfg.Kafka.TopicFor(def.Topic)

	dlq, err := resilience.NewDiskQueue(cfg.Resilience.DLQDir, def.Name, topic)
	if err != nil {
		return nil, nil, err
	}

	var throttler *resilience.Throttler
	if cfg.Resilience.Throttle.IsEnabled() {
		throttler = resilience.NewThrottler(cfg.Resilience.Throttle)
	}

	producer := resilience.NewProducer(logger, topic, dlq, throttler, bus.WriterFactory(logger, cfg.Kafka, topic))

	datasetID := def.DatasetID
	if cfg.OpenData.DatasetID != "" {
		datasetID = cfg.OpenData.DatasetID
	}

	upstream := opendata.NewClient(logger, resilience.NewClient(logger, cfg.Resilience), datasetID)

	bootstrap := func(ctx context.Context) (poller.Reconciler, error) {
		schema := upstream.Discover(ctx, cfg.OpenData, def)

		logger.WithFields(logrus.Fields{
			"dataset":   datasetID,
			"ts_field":  schema.TimestampField,
			"select":    schema.Select,
			"available": len(schema.Available),
		}).Info("Upstream schema resolved")

		return reconcile.New(logger, def, opendata.NewSource(upstream, cfg.OpenData, schema)), nil
	}

	driver := poller.NewDriver(logger, cfg.Poller, def.Name, poller.Deps{
		Bootstrap:    bootstrap,
		Store:        store,
		Publisher:    publisher.New(logger, producer),
		Producer:     producer,
		Limiter:      resilience.NewInflightLimiter(cfg.Resilience.MaxInflight),
		Elector:      infra.elector,
		FlushTimeout: cfg.Resilience.FlushTimeout,
	})

	logger.WithFields(logrus.Fields{
		"topic":   topic,
		"dataset": datasetID,
		"dlq":     dlq.Path(),
	}).Info("Pipeline ready")

	return producer, driver, nil
}

// shutdownGracefully stops components in reverse dependency order:
// ops server, producer, leader election, then backends.
func shutdownGracefully(
	logger *logrus.Logger,
	cfg *config.Config,
	srv *server.Server,
	producer *resilience.Producer,
	infra *infrastructure,
) {
	logger.Info("Initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error during ops server shutdown")
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Error("Error closing producer")
	}

	if err := infra.elector.Stop(); err != nil {
		logger.WithError(err).Error("Error stopping leader election")
	}

	if infra.redisClient != nil {
		if err := infra.redisClient.Stop(); err != nil {
			logger.WithError(err).Error("Error stopping Redis client")
		}
	}

	if infra.sinkStore != nil {
		infra.sinkStore.Close()
	}

	logger.Info("Producer stopped gracefully")
}
