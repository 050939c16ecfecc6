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
	"github.com/ethpandaops/opendata-ingest/internal/server"
	"github.com/ethpandaops/opendata-ingest/internal/sink"
	"github.com/ethpandaops/opendata-ingest/internal/timescale"
	"github.com/ethpandaops/opendata-ingest/internal/version"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	feedName := flag.String("feed", "", "Feed to persist (air or weather), overrides feed.name")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.WithField("version", version.Full()).Info("Starting sink...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := loadConfig(logger, *configPath, *feedName)
	if err != nil {
		logger.WithError(err).Fatal("Configuration error")
	}

	def, err := cfg.Definition()
	if err != nil {
		logger.WithError(err).Fatal("Configuration error")
	}

	pool, err := timescale.Connect(ctx, cfg.Timescale)
	if err != nil {
		logger.WithError(err).Fatal("Timescale connection failed")
	}

	store, err := timescale.NewStore(logger, pool, def)
	if err != nil {
		logger.WithError(err).Fatal("Timescale store setup failed")
	}

	topic := cfg.Kafka.TopicFor(def.Topic)
	reader := bus.NewReader(logger, cfg.Kafka, []string{topic})
	consumer := sink.New(logger, cfg.Sink, def.Table, reader, store)

	srv := server.New(logger, cfg.Server, store.Ping)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Ops server error")
		}
	}()

	runErr := make(chan error, 1)

	go func() { runErr <- consumer.Run(ctx) }()

	logger.WithFields(logrus.Fields{
		"topic": topic,
		"table": def.Table,
		"group": cfg.Kafka.GroupID,
	}).Info("Sink ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Received shutdown signal")
		cancel()
		<-consumer.Done()
	case err := <-runErr:
		if err != nil {
			logger.WithError(err).Error("Sink failed")
		}

		cancel()
	}

	// Shutdown order: ops server, reader, database pool.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error during ops server shutdown")
	}

	if err := reader.Close(); err != nil {
		logger.WithError(err).Error("Error closing Kafka reader")
	}

	store.Close()

	logger.Info("Sink stopped gracefully")
}

func loadConfig(logger *logrus.Logger, configPath, feedName string) (*config.Config, error) {
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

	if err := cfg.Timescale.Validate(); err != nil {
		return nil, fmt.Errorf("timescale: %w", err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	logger.SetLevel(level)

	return cfg, nil
}
