package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"BatchLedger/internal/config"
	"BatchLedger/internal/core"
	"BatchLedger/internal/ingestion"
	"BatchLedger/internal/observability"
	"BatchLedger/internal/persistence"
	"BatchLedger/internal/query"
	"BatchLedger/internal/server"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", os.Getenv(config.PathEnv), "path to the YAML configuration file")
	flag.Parse()

	boot := observability.NewLogger("batchledger")
	if *configPath == "" {
		boot.Fatal().Msgf("no configuration: pass -config or set %s", config.PathEnv)
	}
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		boot.Fatal().Err(err).Str("path", *configPath).Msg("load configuration")
	}

	logger := componentLogger(cfg, "batchledger")
	if os.Getenv("GOGC") == "" {
		logger.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("batchledger stopped")
	}
	logger.Info().Msg("batchledger shutdown complete")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := openPostgres(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info().Msg("Postgres connected")

	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir).WithLogger(componentLogger(cfg, "migrator"))
	if err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()
	health.AddCheck("postgres", db.PingContext)

	// --- Engine ---
	markets, err := cfg.Markets()
	if err != nil {
		return err
	}
	engineLog := componentLogger(cfg, "engine")
	engine := core.NewEngine(cfg.EngineParams(), markets, core.Dependencies{
		Roles:   cfg.Roles(),
		Swapper: cfg.Swapper(),
		Metrics: metrics,
		Logger:  &engineLog,
	})

	// --- Recovery: snapshot + replay ---
	snapMgr := persistence.NewSnapshotManager(db, metrics, componentLogger(cfg, "snapshot"))
	replayedKeys, err := persistence.Recover(ctx, snapMgr, engine, cfg.Pipeline.ReplayBatchSize)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	logger.Info().
		Int64("sequence", engine.Sequence()).
		Uint32("tx_counter", engine.TxCounter()).
		Msg("state recovered")

	// --- Deduplication ---
	dedupStore := persistence.NewPostgresDedupStore(db)
	dedup := core.NewDedupChecker(cfg.Pipeline.DedupCapacity, dedupStore, metrics)
	if recent, err := dedupStore.RecentKeys(ctx, cfg.Pipeline.DedupCapacity); err != nil {
		logger.Warn().Err(err).Msg("dedup warm from command log failed, using replayed keys")
		dedup.Warm(replayedKeys)
	} else {
		dedup.Warm(recent)
		logger.Info().Int("keys", len(recent)).Msg("dedup LRU warmed")
	}

	// --- NATS ---
	var (
		js        jetstream.JetStream
		custody   core.Custody
		publishCh chan *core.Output
	)
	if !cfg.NATS.Disabled {
		nc, jsCtx, err := ingestion.ConnectNATS(cfg.NATS.URL, componentLogger(cfg, "nats"))
		if err != nil {
			return err
		}
		defer nc.Close()
		js = jsCtx
		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			return fmt.Errorf("ensure NATS streams: %w", err)
		}
		custody = ingestion.NewCustodyPublisher(js, metrics)
		publishCh = make(chan *core.Output, cfg.Pipeline.PublishChanSize)
		health.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		})
		logger.Info().Str("url", cfg.NATS.URL).Msg("NATS connected")
	} else {
		logger.Warn().Msg("NATS disabled, effects are not forwarded to custody")
	}

	// --- Pipeline ---
	// The persist channel blocks the runner when full; the publish channel drops.
	persistCh := make(chan *core.Output, cfg.Pipeline.PersistChanSize)
	worker := persistence.NewPersistenceWorker(db, persistCh, persistence.WorkerConfig{
		BatchSize:    cfg.Pipeline.PersistBatchSize,
		FlushTimeout: cfg.Pipeline.FlushTimeout,
		Custody:      custody,
		Metrics:      metrics,
		Logger:       componentLogger(cfg, "persistence"),
	})
	worker.SetLastSequence(engine.Sequence())

	runner := core.NewRunner(engine, core.RunnerConfig{
		QueueSize: cfg.Pipeline.QueueSize,
		Dedup:     dedup,
		Persist:   persistCh,
		Publish:   publishCh,
		Metrics:   metrics,
		Logger:    componentLogger(cfg, "runner"),
	})

	// --- Services ---
	queryService := query.NewQueryService(engine, query.Config{
		DB:          db,
		Oracle:      cfg.Oracle(),
		AltFeeAsset: cfg.EngineParams().AltFeeAsset,
		Persisted:   worker.LastSequence,
		Metrics:     metrics,
	})
	ingestService := ingestion.NewGRPCIngestService(runner, cfg.Server.SubmitTimeout)
	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.ServerDeps{
		QueryService:  queryService,
		IngestService: ingestService,
		HealthChecker: health,
		Callers:       cfg.Callers(),
		Logger:        componentLogger(cfg, "server"),
	})

	// --- Start goroutines ---
	// Workers outlive the serving context so they can drain after ingestion stops.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	serveCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()

	errChan := make(chan error, 10)

	// 1. Persistence worker
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := worker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()

	// 2. Event publisher
	publisherDone := make(chan struct{})
	if publishCh != nil {
		publisher := ingestion.NewEventPublisher(js, publishCh, metrics, componentLogger(cfg, "publisher"))
		go func() {
			defer close(publisherDone)
			_ = publisher.Run(workerCtx)
		}()
	} else {
		close(publisherDone)
	}

	// 3. Runner, the single writer
	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		_ = runner.Run(serveCtx)
	}()

	// 4. Periodic snapshots
	go func() {
		_ = snapMgr.Run(workerCtx, cfg.Pipeline.SnapshotInterval, engine, worker.LastSequence)
	}()

	// 5. NATS ingestion
	var subscriber *ingestion.NATSSubscriber
	if js != nil {
		sequencer, custodian := cfg.PrimarySequencer(), cfg.PrimaryCustodian()
		if sequencer == (common.Address{}) {
			logger.Warn().Msg("no sequencer configured, NATS batches will be rejected")
		}
		if custodian == (common.Address{}) {
			logger.Warn().Msg("no custodian configured, NATS deposits will be rejected")
		}
		subscriber = ingestion.NewNATSSubscriber(js, runner, metrics, componentLogger(cfg, "subscriber"))
		if err := subscriber.Subscribe(serveCtx, ingestion.DefaultSubjects(sequencer, custodian)); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
	}

	// 6. gRPC server and 7. HTTP/JSON gateway
	go func() {
		if err := grpcServer.StartGRPC(serveCtx); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		if err := grpcServer.StartHTTPGateway(serveCtx); err != nil {
			errChan <- fmt.Errorf("http gateway: %w", err)
		}
	}()

	// 8. Prometheus metrics server
	go func() {
		if err := serveMetrics(serveCtx, cfg.Server.MetricsAddr, logger); err != nil {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	health.SetReady(true)
	grpcServer.SetServing(true)
	logger.Info().
		Int64("sequence", engine.Sequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("batchledger ready")

	// --- Wait for shutdown signal ---
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake, let the runner finish its current command, then drain the
	// channels into Postgres and NATS before the final snapshot.
	health.SetReady(false)
	grpcServer.SetServing(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	stopServing()
	<-runnerDone

	close(persistCh)
	if publishCh != nil {
		close(publishCh)
	}

	drain := time.NewTimer(30 * time.Second)
	defer drain.Stop()
	for _, done := range []chan struct{}{workerDone, publisherDone} {
		select {
		case <-done:
		case <-drain.C:
			logger.Error().Msg("drain timed out")
		}
	}
	stopWorkers()

	snapCtx, cancelSnap := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSnap()
	if snap := engine.CreateSnapshotState(); snap.Sequence > 0 && snap.Sequence <= worker.LastSequence() {
		if err := snapMgr.SaveSnapshot(snapCtx, snap); err != nil {
			logger.Error().Err(err).Msg("final snapshot failed")
		} else {
			logger.Info().Int64("sequence", snap.Sequence).Msg("final snapshot saved")
		}
	}
	return runErr
}

func openPostgres(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func componentLogger(cfg *config.Config, name string) zerolog.Logger {
	return observability.NewLoggerForFormat(name, cfg.Logging.Level, cfg.Logging.Format)
}
