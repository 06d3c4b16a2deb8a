package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/labqc/labqc-server/internal/alerting"
	"github.com/labqc/labqc-server/internal/api"
	"github.com/labqc/labqc-server/internal/archive"
	"github.com/labqc/labqc-server/internal/catalog"
	"github.com/labqc/labqc-server/internal/config"
	"github.com/labqc/labqc-server/internal/database"
	"github.com/labqc/labqc-server/internal/domain"
	"github.com/labqc/labqc-server/internal/history"
	"github.com/labqc/labqc-server/internal/metrics"
	"github.com/labqc/labqc-server/internal/pipeline"
	"github.com/labqc/labqc-server/internal/service"
)

func main() {
	// Load configuration
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Validate configuration
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	cfg := configManager.GetConfig()
	logger := newLogger(cfg.Logging)

	logger.WithFields(logrus.Fields{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Starting laboratory QC server")

	// Test catalog: file-based definitions or the built-in panel set
	var cat *catalog.Catalog
	if cfg.Catalog.File != "" {
		cat, err = catalog.LoadFile(logger, cfg.Catalog.File)
	} else {
		cat, err = catalog.New(logger, catalog.DefaultDefinitions())
	}
	if err != nil {
		logger.WithError(err).Fatal("Failed to load test catalog")
	}

	// Core services
	correlator := service.NewClinicalCorrelator(logger, cat)
	suggester := service.NewCorrectionSuggester(logger, cat)
	validator := service.NewValidator(logger, cat, suggester, correlator, service.ValidatorConfig{
		AbsoluteBreachLevel: domain.AlertLevel(cfg.Alerting.AbsoluteBreachLevel),
	})
	detector := service.NewAnomalyDetector(logger, service.DefaultDetectorConfig())

	hist, err := history.New(logger, cfg.History.MaxSeries, cfg.History.MaxLength)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create history store")
	}

	// Alert engine with default escalation policies and log-backed channels
	engineConfig := alerting.DefaultEngineConfig()
	engineConfig.ChannelTimeout = cfg.Alerting.ChannelTimeout
	engineConfig.MaxHistory = cfg.Alerting.MaxHistory
	channels := alerting.DefaultChannels(logger, alerting.LogTransport(logger))
	engine, err := alerting.NewEngine(logger, engineConfig, alerting.DefaultPolicies(), channels)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create alert engine")
	}
	defer engine.Close()

	// Optional persistent archive
	var store archive.Store
	var db *database.DB
	if cfg.Archive.Enabled {
		store, db, err = openArchive(logger, cfg)
		if err != nil {
			logger.WithError(err).Fatal("Failed to open alert archive")
		}
		defer store.Close()
		if db != nil {
			defer db.Close()
		}
		engine.SetArchive(store)
	}

	// Metrics aggregation and websocket alert stream
	aggregator := metrics.NewAggregator(logger, metrics.DefaultThresholds())
	defer aggregator.Close()
	engine.AddSink(aggregator)

	hub := api.NewStreamHub(logger)
	go hub.Run()
	defer hub.Stop()
	engine.AddSink(hub)

	// Processing pipeline
	proc := pipeline.New(logger, pipeline.Config{
		Workers:   cfg.Pipeline.Workers,
		QueueSize: cfg.Pipeline.QueueSize,
	}, validator, detector, correlator, hist, engine, aggregator)
	defer proc.Shutdown()

	server := api.NewServer(logger, cfg.Server, cfg.Logging.Level, api.Dependencies{
		Validator:  validator,
		Detector:   detector,
		Engine:     engine,
		Aggregator: aggregator,
		History:    hist,
		Pipeline:   proc,
		Hub:        hub,
		Archive:    store,
		DB:         db,
	})

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down")
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}

	logger.Info("Server stopped")
}

// newLogger builds the process logger from configuration
func newLogger(cfg domain.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.Output == "stderr" {
		logger.SetOutput(os.Stderr)
	} else {
		logger.SetOutput(os.Stdout)
	}

	return logger
}

// openArchive opens the configured archive backend. For postgres it runs
// migrations first and returns the health-check pool alongside the store.
func openArchive(logger *logrus.Logger, cfg *domain.Config) (archive.Store, *database.DB, error) {
	switch archive.Backend(cfg.Archive.Backend) {
	case archive.BackendPostgres:
		dbConfig := database.Config{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			Database:    cfg.Database.Database,
			Username:    cfg.Database.Username,
			Password:    cfg.Database.Password,
			MaxConns:    int32(cfg.Database.MaxOpenConns),
			MinConns:    int32(cfg.Database.MaxIdleConns),
			MaxConnLife: cfg.Database.ConnMaxLifetime,
			MaxConnIdle: cfg.Database.ConnMaxLifetime,
			SSLMode:     cfg.Database.SSLMode,
		}
		runner, err := database.NewMigrationRunner(dbConfig.URL(), logger)
		if err != nil {
			return nil, nil, err
		}
		defer runner.Close()
		if err := runner.Up(); err != nil {
			return nil, nil, err
		}
		db, err := database.NewConnection(context.Background(), dbConfig, logger)
		if err != nil {
			return nil, nil, err
		}
		store, err := archive.Open(archive.BackendPostgres, dbConfig.URL())
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return store, db, nil
	default:
		store, err := archive.Open(archive.BackendSQLite, cfg.Archive.Path)
		return store, nil, err
	}
}
