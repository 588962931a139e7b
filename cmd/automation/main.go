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
	"inviteflow/internal/service/agent"
	"inviteflow/internal/service/automation"
	"inviteflow/internal/service/execution"
	"inviteflow/internal/service/policy"
	"inviteflow/internal/service/rules"
	pkgconfig "inviteflow/pkg/config"
	"inviteflow/pkg/db"
	"inviteflow/pkg/lease"
	"inviteflow/pkg/logger"
	"inviteflow/pkg/mq"
	"inviteflow/pkg/otel"
	"inviteflow/pkg/outbox"
	redisclient "inviteflow/pkg/redis"
	"inviteflow/pkg/util"
)

const inviteQueue = "invite.detected.q"

func main() {
	var (
		env       string
		configDir string
		once      bool
	)
	flags := pflag.NewFlagSet("automation", pflag.ExitOnError)
	flags.StringVar(&env, "env", pkgconfig.GetConfigEnv(), "configuration environment (overlays <env>.yaml on base.yaml)")
	flags.StringVar(&configDir, "config-dir", pkgconfig.GetEnv("CONFIG_DIR", "config"), "directory holding the YAML configuration")
	flags.BoolVar(&once, "once", false, "sweep every user with pending invites once and exit")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.LoadFrom(env, configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "automation: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "automation: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	loc, err := cfg.Automation.Location()
	if err != nil {
		log.Fatal("Invalid automation timezone", zap.Error(err))
	}

	log.Info("Starting automation...",
		zap.String("env", env),
		zap.String("db_host", cfg.DB.Host),
		zap.Duration("interval", cfg.Automation.Interval),
		zap.Float64("threshold", cfg.Automation.Threshold),
		zap.String("timezone", loc.String()),
		zap.Bool("model_configured", cfg.Agent.URL != ""),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := otel.Init(ctx, cfg.Tracing, "inviteflow-automation", log)
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

	// Redis backs the per-user leases, dedup keys and retry counters.
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

	accounts := repository.NewAccountRepository(dbConn)
	invites := repository.NewInviteRepository(dbConn)
	messages := repository.NewMessageRepository(dbConn, outbox.NewRepository(dbConn))
	ruleRepo := repository.NewRuleRepository(dbConn)
	audit := repository.NewAutomationRepository(dbConn)

	conflicts := policy.NewConflictDetector(accounts, registry, cfg.Ingestion.ProviderTimeout, log)
	evaluator := policy.NewEvaluator(ruleRepo, conflicts, agent.NewClient(cfg.Agent.URL, cfg.Agent.Timeout, log), policy.Heuristics{
		Location:    loc,
		WorkStart:   cfg.Automation.WorkStart,
		WorkEnd:     cfg.Automation.WorkEnd,
		MinDuration: time.Duration(cfg.Automation.MinDurationMinutes) * time.Minute,
	}, log)
	coordinator := execution.NewCoordinator(invites, accounts, messages, audit, registry, log,
		execution.WithThreshold(cfg.Automation.Threshold),
		execution.WithMinutesSaved(cfg.Automation.MinutesSavedPerAction),
		execution.WithProviderTimeout(cfg.Ingestion.ProviderTimeout),
		execution.WithLocation(loc),
	)
	controller := automation.NewController(invites, evaluator, coordinator, lease.NewRedisLocker(rdb), cfg.Automation.LeaseTTL, log)

	if once {
		res, err := controller.RunAll(ctx)
		if err != nil {
			log.Fatal("Automation pass failed", zap.Error(err))
		}
		log.Info("Automation pass completed",
			zap.Int("users", res.Users),
			zap.Int("skipped", res.Skipped),
			zap.Int("errors", res.Errors),
			zap.Int("executed", res.Totals.Executed),
			zap.Int("deferred", res.Totals.Deferred),
			zap.Int("failed", res.Totals.Failed),
		)
		return
	}

	// MQ
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init publisher", zap.Error(err))
	}
	defer publisher.Close()

	log.Info("Initializing MQ consumer...",
		zap.String("queue", inviteQueue),
		zap.String("routing_key", mqcontracts.RoutingInviteDetected),
	)
	consumer, err := mq.NewConsumer(cfg.MQ.URL, inviteQueue, mqcontracts.RoutingInviteDetected, log)
	if err != nil {
		log.Fatal("Failed to init consumer", zap.Error(err))
	}
	defer consumer.Close()
	inviteHandler := mqhandler.NewInviteDetectedHandler(
		controller,
		util.NewRetryCounter(rdb, cfg.Automation.DedupTTL),
		util.NewDeduper(rdb, cfg.Automation.DedupTTL, log),
		log,
	)
	consumer.SetHandler(inviteHandler.Handle)

	var wg sync.WaitGroup
	wg.Go(func() {
		if err := consumer.StartConsuming(ctx); err != nil && ctx.Err() == nil {
			log.Error("Invite consumer stopped", zap.Error(err))
			cancel()
		}
	})
	wg.Go(func() { controller.Run(ctx, cfg.Automation.Interval) })

	// HTTP Server
	router := httpserver.NewRouter(httpserver.Deps{
		DB:            dbConn,
		Broker:        publisher,
		Accounts:      accounts,
		SyncRequester: publisher,
		Automation:    controller,
		Overrides:     coordinator,
		Rules:         rules.NewService(ruleRepo, log),
		Stats:         audit,
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

	log.Info("automation is fully initialized and running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	log.Info("Shutting down automation gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Sweeps in flight finish their executions before the pool closes.
	wg.Wait()
	log.Info("automation shutdown complete")
}
