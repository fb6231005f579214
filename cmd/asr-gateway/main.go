package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/snarg/asr-gateway/internal/api"
	"github.com/snarg/asr-gateway/internal/archive"
	"github.com/snarg/asr-gateway/internal/config"
	"github.com/snarg/asr-gateway/internal/database"
	"github.com/snarg/asr-gateway/internal/executor"
	"github.com/snarg/asr-gateway/internal/gateway"
	"github.com/snarg/asr-gateway/internal/metrics"
	"github.com/snarg/asr-gateway/internal/mqttclient"
	"github.com/snarg/asr-gateway/internal/recognizer"
	"github.com/snarg/asr-gateway/internal/registry"
	"github.com/snarg/asr-gateway/internal/storage"
)

var version = "dev"

func main() {
	var overrides config.Overrides

	root := &cobra.Command{
		Use:           "asr-gateway",
		Short:         "Streaming speech recognition over WebSocket",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(overrides)
		},
	}
	f := root.Flags()
	f.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default .env)")
	f.StringVar(&overrides.HTTPAddr, "listen", "", "listen address, e.g. :6006")
	f.StringVar(&overrides.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	f.StringVar(&overrides.LogFile, "log-file", "", "append logs to this file as well as stdout")
	f.StringVar(&overrides.DocRoot, "doc-root", "", "directory with index.html and the browser clients")
	f.StringVar(&overrides.RecognizerFile, "recognizer-config", "", "YAML recognizer tuning file")
	f.IntVar(&overrides.DecodeWorkers, "decode-workers", 0, "number of decode goroutines")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(overrides config.Overrides) error {
	startTime := time.Now()

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		lf, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			early := zerolog.New(os.Stderr).With().Timestamp().Logger()
			early.Fatal().Err(err).Str("path", cfg.LogFile).Msg("failed to open log file")
		}
		defer lf.Close()
		out = zerolog.MultiLevelWriter(os.Stdout, lf)
	}
	log := zerolog.New(out).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("asr-gateway starting")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Recognizer
	tuning, err := recognizer.LoadTuning(cfg.RecognizerFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load recognizer tuning")
	}
	rec, err := recognizer.NewStub(cfg.SampleRate, tuning, log.With().Str("component", "recognizer").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create recognizer")
	}
	log.Info().
		Int("sample_rate", cfg.SampleRate).
		Int("input_sample_rate", cfg.InputSampleRate).
		Str("method", tuning.Method).
		Bool("endpoint", tuning.Endpoint.Enabled).
		Msg("recognizer ready")

	// Archive sinks; all optional
	var sinks []archive.Sink
	var db *database.DB
	var dbPool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		db, err = database.Connect(ctx, cfg.DatabaseURL, log.With().Str("component", "database").Logger())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("database migration failed")
		}
		dbPool = db.Pool
	}

	store, err := storage.New(cfg.S3, cfg.RecordingsDir, log.With().Str("component", "storage").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize recordings storage")
	}
	if store != nil {
		sinks = append(sinks, archive.NewRecordingSink(store))
	}
	if db != nil {
		sinks = append(sinks, archive.NewTranscriptSink(db, store != nil))
	}

	var mqtt *mqttclient.Publisher
	if cfg.MQTTBrokerURL != "" {
		mqtt, err = mqttclient.Connect(mqttclient.Options{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Topic:     cfg.MQTTTopic,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			QoS:       1,
			Log:       log.With().Str("component", "mqtt").Logger(),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer mqtt.Close()
		sinks = append(sinks, archive.NewPublishSink(mqtt))
	}

	var pool *archive.WorkerPool
	if len(sinks) > 0 {
		pool = archive.NewWorkerPool(archive.WorkerPoolOptions{
			Sinks:     sinks,
			Workers:   cfg.ArchiveWorkers,
			QueueSize: cfg.ArchiveQueueSize,
			Log:       log.With().Str("component", "archive").Logger(),
		})
		pool.Start()
		defer pool.Stop()
		log.Info().Strs("sinks", pool.Sinks()).Msg("archive enabled")
	}

	// Execution contexts
	compute := executor.New("compute", cfg.DecodeWorkers, log)
	network := executor.NewStriped("network", cfg.NetworkWorkers, log)
	compute.Start()
	network.Start()
	defer network.Stop()
	defer compute.Stop()

	// Gateway
	gwOpts := gateway.Options{
		Recognizer:           rec,
		Registry:             registry.New(rec),
		Compute:              compute,
		Network:              network,
		InputSampleRate:      cfg.InputSampleRate,
		MaxMessageSize:       int64(cfg.MaxMessageSize),
		MaxActiveConnections: cfg.MaxActiveConnections,
		SendQueueSize:        cfg.SendQueueSize,
		Log:                  log,
	}
	if pool != nil {
		gwOpts.Archive = pool
		gwOpts.RecordMaxSeconds = cfg.RecordMaxSeconds
	}
	gw := gateway.New(gwOpts)

	// Metrics
	var archStats metrics.ArchiveStats
	if pool != nil {
		archStats = pool
	}
	prometheus.MustRegister(metrics.NewCollector(dbPool, gw, archStats))

	// HTTP Server
	docs := api.NewDocumentServer(cfg.DocRoot, log)
	srvOpts := api.ServerOptions{
		Config:      cfg,
		Gateway:     gw,
		Docs:        docs,
		Scheduler:   gw.Scheduler(),
		Connections: gw,
		Version:     version,
		StartTime:   startTime,
		Log:         log.With().Str("component", "http").Logger(),
	}
	if pool != nil {
		srvOpts.Archive = pool
	}
	if db != nil {
		srvOpts.Database = db
		srvOpts.Transcripts = db
	}
	if mqtt != nil {
		srvOpts.MQTT = mqtt
	}
	if store != nil {
		srvOpts.Recordings = store
	}
	srv := api.NewServer(srvOpts)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		if err := docs.Watch(gctx); err != nil {
			log.Warn().Err(err).Msg("document watcher unavailable, cache will not refresh")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			log.Info().Msg("shutdown signal received")
		}

		// Graceful shutdown with 10s timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http server shutdown error")
		}
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("http server error")
	}

	log.Info().
		Int64("decoded", gw.Scheduler().Stats().Decoded).
		Int64("finalized", gw.Scheduler().Stats().Finalized).
		Msg("asr-gateway stopped")
	return err
}
