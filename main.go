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
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"signal-core/internal/api"
	"signal-core/internal/dispatch"
	"signal-core/internal/events"
	"signal-core/internal/gateway"
	"signal-core/internal/health"
	"signal-core/internal/market"
	"signal-core/internal/monitor"
	"signal-core/internal/notify"
	"signal-core/internal/order"
	"signal-core/internal/position"
	"signal-core/internal/scheduler"
	sig "signal-core/internal/signal"
	"signal-core/pkg/config"
	"signal-core/pkg/crypto"
	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/binance"
	"signal-core/pkg/logger"
)

var version = "dev"

func main() {
	issueFor := flag.String("issue-token", "", "print a read-API JWT for this user ID and exit")
	issueTTL := flag.Duration("token-ttl", 72*time.Hour, "lifetime of a token printed by -issue-token")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if *issueFor != "" {
		tok, err := api.GenerateToken(*issueFor, cfg.JWTSecret, time.Now().Add(*issueTTL))
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(tok)
		return
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("signal core stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting signal core",
		zap.String("version", version),
		zap.String("port", cfg.Port),
		zap.String("db_path", cfg.DBPath),
		zap.String("flip_policy", cfg.FlipPolicy),
		zap.Bool("mock_feed", cfg.UseMockFeed))

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	q := database.Queries()

	// Credentials are sealed with the master key ring. Without one only
	// plaintext credentials work.
	var decrypter gateway.Decrypter
	var sealer db.Sealer
	keys, err := crypto.LoadKeyRingFromEnv(crypto.DefaultKeyEnv)
	switch {
	case err == nil:
		decrypter, sealer = keys, keys
		log.Info("credential key ring loaded", zap.Ints("versions", keys.Versions()))
	case errors.Is(err, crypto.ErrKeyNotFound):
		log.Warn("no master encryption key, only plaintext credentials can be opened")
	default:
		return fmt.Errorf("load key ring: %w", err)
	}

	if cfg.SeedFile != "" {
		f, err := db.ReadSeedFile(cfg.SeedFile)
		if err != nil {
			return fmt.Errorf("read seed file: %w", err)
		}
		n, err := db.Seed(ctx, q, f, sealer)
		if err != nil {
			return fmt.Errorf("seed users: %w", err)
		}
		log.Info("seeded users", zap.Int("count", n), zap.String("file", cfg.SeedFile))
	}

	bus := events.NewBus()
	store := position.NewStore(database, log)

	// Market data
	var prices market.Accessor
	var cached *market.Cached
	if cfg.UseMockFeed {
		feed := &market.MockFeed{Bus: bus, Symbols: cfg.MockSymbols, Log: log}
		feed.Start(ctx)
		prices = market.NewCached(feed, 0, cfg.MarketDataTimeout, market.WithLogger(log))
	} else {
		venues := market.Venues{
			"binance": binance.New(binance.Config{Testnet: cfg.BinanceTestnet, Logger: log}),
		}
		cached = market.NewCached(venues, cfg.PriceCacheTTL, cfg.MarketDataTimeout, market.WithBus(bus), market.WithLogger(log))
		prices = cached
	}

	// Execution
	gateways := gateway.NewManager(q, decrypter, gateway.DefaultFactory(cfg.BinanceTestnet, log), gateway.DefaultConfig(), log)
	defer gateways.Close()
	paper := order.NewPaperExecutor(prices, nil, log)
	router := order.NewRouter(paper, gateways, log)

	notifiers := notify.Multi{notify.Log{L: log.Named("notify")}, notify.Bus{B: bus}}
	if email := notify.NewEmail(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	}); email != nil {
		notifiers = append(notifiers, email)
		log.Info("email notifications enabled", zap.String("smtp_host", cfg.SMTPHost))
	}

	dispatcher := dispatch.New(store, router, prices, notifiers, dispatch.Config{
		SlotWait:          cfg.SlotWait,
		ExecutionTimeout:  cfg.ExecutionTimeout,
		MarketDataTimeout: cfg.MarketDataTimeout,
		Workers:           cfg.DispatchWorkers,
		FlipPolicy:        cfg.FlipPolicy,
	}, log)

	mon := monitor.New(store, prices, dispatcher, q, notifiers, monitor.Config{
		Parallelism:       cfg.MonitorParallelism,
		FailureThreshold:  cfg.MonitorFailureThreshold,
		FixedExits:        cfg.MonitorFixedExits,
		MarketDataTimeout: cfg.MarketDataTimeout,
	}, log)
	checker := health.NewChecker(store, q, mon, bus, log)

	intake, err := sig.NewIntake(sig.ActiveUsers{Users: q})
	if err != nil {
		return fmt.Errorf("build intake: %w", err)
	}

	sched := scheduler.New(log)
	server := api.NewServer(api.Deps{
		Users:                  q,
		Intake:                 intake,
		Dispatcher:             dispatcher,
		Positions:              store,
		Ledger:                 paper.Ledger(),
		Monitor:                mon,
		Health:                 checker,
		Gateways:               gateways,
		Scheduler:              sched,
		Bus:                    bus,
		JWTSecret:              cfg.JWTSecret,
		WebhookRatePerMinute:   cfg.WebhookRatePerMinute,
		WebhookResponseTimeout: cfg.WebhookResponseTimeout,
		Version:                version,
	}, log)

	tasks := []scheduler.Task{
		{Name: "trailing-stop-monitor", Interval: cfg.MonitorInterval, Run: mon.Run},
		{Name: "health-check", Interval: cfg.HealthInterval, Run: checker.Run, RunImmediately: true},
		{Name: "gateway-cleanup", Interval: 5 * time.Minute, Run: func(context.Context) error {
			if n := gateways.CleanupIdle(); n > 0 {
				log.Debug("idle gateways removed", zap.Int("count", n))
			}
			return nil
		}},
		{Name: "limiter-cleanup", Interval: 10 * time.Minute, Run: func(context.Context) error {
			server.CleanupLimiters(30 * time.Minute)
			return nil
		}},
	}
	if cached != nil {
		tasks = append(tasks, scheduler.Task{Name: "price-cache-prune", Interval: time.Minute, Run: func(context.Context) error {
			cached.Prune()
			return nil
		}})
	}
	for _, t := range tasks {
		if err := sched.Add(t); err != nil {
			return fmt.Errorf("schedule %s: %w", t.Name, err)
		}
	}
	sched.Start(ctx)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	if cfg.GRPCHealthAddr != "" {
		g.Go(func() error { return checker.Serve(gctx, cfg.GRPCHealthAddr) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		sched.Stop()
		// In-flight executions finish and persist before the store closes.
		dispatcher.Close()
		return err
	})

	err = g.Wait()
	stats := dispatcher.Stats()
	log.Info("signal core stopped",
		zap.Uint64("dispatched", stats.Dispatched),
		zap.Uint64("executed", stats.Executed),
		zap.Uint64("failed", stats.Failed))
	return err
}
