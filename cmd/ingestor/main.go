package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	mqcontracts "inviteflow/contracts/mq"
	"inviteflow/internal/config"
	"inviteflow/internal/credential"
	"inviteflow/internal/httpserver"
	"inviteflow/internal/model"
	"inviteflow/internal/mqhandler"
	"inviteflow/internal/provider"
	"inviteflow/internal/provider/imapcal"
	"inviteflow/internal/repository"
	"inviteflow/internal/service/ingest"
	pkgconfig "inviteflow/pkg/config"
	"inviteflow/pkg/db"
	"inviteflow/pkg/lease"
	"inviteflow/pkg/logger"
	"inviteflow/pkg/mq"
	"inviteflow/pkg/otel"
	"inviteflow/pkg/outbox"
	redisclient "inviteflow/pkg/redis"
	"inviteflow/pkg/storage"
	"inviteflow/pkg/util"
)

const syncQueue = "account.sync.requested.q"

func main() {
	var (
		env       string
		configDir string
		once      bool
	)
	flags := pflag.NewFlagSet("ingestor", pflag.ExitOnError)
	flags.StringVar(&env, "env", pkgconfig.GetConfigEnv(), "configuration environment (overlays <env>.yaml on base.yaml)")
	flags.StringVar(&configDir, "config-dir", pkgconfig.GetEnv("CONFIG_DIR", "config"), "directory holding the YAML configuration")
	flags.BoolVar(&once, "once", false, "sync every active account once and exit")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.LoadFrom(env, configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ingestor: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ingestor: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting ingestor...",
		zap.String("env", env),
		zap.String("db_host", cfg.DB.Host),
		zap.Int("db_port", cfg.DB.Port),
		zap.Duration("interval", cfg.Ingestion.Interval),
		zap.Int("concurrency", cfg.Ingestion.Concurrency),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := otel.Init(ctx, cfg.Tracing, "inviteflow-ingestor", log)
	if err != nil {
		log.Fatal("Failed to init tracing", zap.Error(err))
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	// DB
	dbConn, err := db.NewConnection(ctx, cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to init DB", zap.Error(err))
	}
	defer dbConn.Close()

	// Redis backs the account leases and the consumer dedup keys.
	rdb, err := redisclient.NewRedisClient(cfg.Redis, log)
	if err != nil {
		log.Fatal("Failed to init Redis", zap.Error(err))
	}
	defer rdb.Close()

	creds, err := credential.Open(cfg.Credentials)
	if err != nil {
		log.Fatal("Failed to open credential store", zap.Error(err))
	}
	registry := provider.NewRegistry(creds)
	registry.Register(model.ProviderIMAP, imapcal.NewFactory(log))
	registry.Register(model.ProviderIMAPCalDAV, imapcal.NewFactory(log))

	outboxRepo := outbox.NewRepository(dbConn)
	accounts := repository.NewAccountRepository(dbConn)
	messages := repository.NewMessageRepository(dbConn, outboxRepo)

	opts := []ingest.Option{
		ingest.WithBatchSize(cfg.Ingestion.BatchSize),
		ingest.WithProviderTimeout(cfg.Ingestion.ProviderTimeout),
	}
	archive, err := storage.New(cfg.Storage, log)
	if err != nil {
		log.Fatal("Failed to init raw message archive", zap.Error(err))
	}
	if archive != nil {
		opts = append(opts, ingest.WithArchive(archive))
	}
	pipeline := ingest.NewPipeline(accounts, messages, registry, log, opts...)
	scheduler := ingest.NewScheduler(pipeline, accounts, lease.NewRedisLocker(rdb), cfg.Ingestion.LeaseTTL, cfg.Ingestion.Concurrency, log)

	if once {
		summary, err := scheduler.SyncAll(ctx)
		if err != nil {
			log.Fatal("Sync pass failed", zap.Error(err))
		}
		log.Info("Sync pass completed",
			zap.Int("accounts", summary.Accounts),
			zap.Int("succeeded", summary.Succeeded),
			zap.Int("failed", summary.Failed),
			zap.Int("skipped", summary.Skipped),
			zap.Int("new_invites", summary.Totals.NewInvites),
		)
		return
	}

	// MQ
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init publisher", zap.Error(err))
	}
	defer publisher.Close()

	dispatcher := outbox.NewDispatcher(outboxRepo, publisher, log)

	log.Info("Initializing MQ consumer...",
		zap.String("queue", syncQueue),
		zap.String("routing_key", mqcontracts.RoutingAccountSyncRequested),
	)
	consumer, err := mq.NewConsumer(cfg.MQ.URL, syncQueue, mqcontracts.RoutingAccountSyncRequested, log)
	if err != nil {
		log.Fatal("Failed to init consumer", zap.Error(err))
	}
	defer consumer.Close()
	consumer.SetHandler(mqhandler.NewAccountSyncHandler(scheduler, util.NewDeduper(rdb, cfg.Automation.DedupTTL, log), log).Handle)

	var wg sync.WaitGroup
	wg.Go(func() {
		if err := consumer.StartConsuming(ctx); err != nil && ctx.Err() == nil {
			log.Error("Sync request consumer stopped", zap.Error(err))
			cancel()
		}
	})
	wg.Go(func() { dispatcher.Start(ctx) })
	wg.Go(func() { scheduler.Run(ctx, cfg.Ingestion.Interval) })

	// HTTP Server
	router := httpserver.NewRouter(httpserver.Deps{
		DB:       dbConn,
		Broker:   publisher,
		Accounts: accounts,
		Syncer:   scheduler,
		Outbox:   outboxRepo,
	}, log)
	srv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("ingestor is fully initialized and running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	log.Info("Shutting down ingestor gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// In-flight syncs finish before the pool closes.
	wg.Wait()
	log.Info("ingestor shutdown complete")
}
