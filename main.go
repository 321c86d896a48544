package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"botcore/internal/api"
	"botcore/internal/bots"
	"botcore/internal/events"
	"botcore/internal/gateway"
	"botcore/internal/jobs"
	"botcore/internal/market"
	"botcore/internal/monitor"
	"botcore/internal/orders"
	"botcore/internal/portfolio"
	"botcore/internal/reconciliation"
	"botcore/internal/risk"
	"botcore/internal/strategy"
	"botcore/internal/trades"
	"botcore/pkg/config"
	"botcore/pkg/crypto"
	"botcore/pkg/db"
	"botcore/pkg/exchanges/binance/futures"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	keys, err := crypto.NewKeyManager(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("encryption key: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()

	pool := gateway.NewManager(database, keys, gateway.DefaultFactory, gateway.DefaultConfig())
	pool.Start(ctx)

	orderSvc := orders.NewService(database, bus, pool)
	recorder := trades.NewRecorder(database, bus)
	orderSvc.SetRecorder(recorder)

	riskMon := risk.NewMonitor(database, bus)
	tracker := portfolio.NewTracker(database, bus)
	tracker.SetRecorder(recorder)

	streams := gateway.NewStreamService(pool, database, orderSvc)

	registry := strategy.NewRegistry()
	strategy.RegisterBuiltins(registry)
	if cfg.StrategySeedPath != "" {
		seeds, err := strategy.LoadSeedFile(cfg.StrategySeedPath)
		switch {
		case os.IsNotExist(err):
			log.Printf("main: no strategy seed file at %s, skipping", cfg.StrategySeedPath)
		case err != nil:
			log.Fatalf("strategy seeds: %v", err)
		default:
			if err := strategy.SyncSeeds(ctx, database, registry, "system", seeds); err != nil {
				log.Fatalf("sync strategy seeds: %v", err)
			}
			log.Printf("main: synced %d strategy seed(s)", len(seeds))
		}
	}

	manager := bots.NewManager(database, bus, pool, registry, orderSvc)
	manager.SetStreams(streams)

	queue := jobs.NewQueue()
	scheduler := jobs.NewScheduler(queue, cfg.SchedulerTick)
	workers := jobs.NewPool(queue, cfg.WorkerCount, cfg.WorkerPoll)

	marketGW := futures.NewClient(futures.Config{Testnet: cfg.UseTestnetMarketData})
	handlers := reconciliation.NewHandlers(database, orderSvc, recorder, pool, manager, riskMon, marketGW, cfg.TickerSymbols)
	handlers.Register(workers)
	registerTasks(scheduler)

	feed := market.NewFeed(marketGW, database, bus, cfg.TickerSymbols, cfg.TickerPoll)

	metrics := monitor.NewCollector()
	metrics.RegisterSource("jobs", func() map[string]any {
		s := queue.Stats()
		return map[string]any{"scheduled": s.Scheduled, "in_flight": s.InFlight, "dead_letter": s.DeadLetter}
	})
	metrics.RegisterSource("gateways", func() map[string]any {
		s := pool.Stats()
		return map[string]any{"total": s.TotalGateways, "unhealthy": s.UnhealthyCount}
	})

	auth := api.NewAuth(database, cfg.JWTSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	connections := gateway.NewConnectionService(database, keys, pool)
	hub := api.NewHub(bus)
	metrics.RegisterSource("sessions", func() map[string]any {
		return map[string]any{"connected": hub.SessionCount(), "dropped_events": hub.Dropped()}
	})
	server := api.NewServer(cfg, database, auth, connections, orderSvc, manager, queue, metrics, tracker, hub)

	scheduler.Start(ctx)
	workers.Start(ctx)
	hub.Start(ctx)
	tracker.Start(ctx)
	feed.Start(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("main: received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Fatalf("http server: %v", err)
		}
		return
	}

	// Stop producing work first, then the engines, then the fan-out.
	scheduler.Stop()
	workers.Stop()
	manager.StopAll()
	streams.Stop()
	feed.Stop()
	tracker.Stop()
	hub.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("main: http shutdown: %v", err)
	}

	pool.Stop()
	if err := database.Close(); err != nil {
		log.Printf("main: close database: %v", err)
	}
	log.Printf("main: shutdown complete")
}

// registerTasks wires the periodic maintenance jobs.
func registerTasks(s *jobs.Scheduler) {
	tasks := []*jobs.Task{
		{
			Name:     "reconcile-orders",
			JobName:  reconciliation.JobReconcileOrders,
			Kind:     jobs.ScheduleInterval,
			Interval: time.Minute,
			Priority: jobs.PriorityHigh,
			Enabled:  true,
		},
		{
			Name:     "reconcile-bots",
			JobName:  reconciliation.JobReconcileBots,
			Kind:     jobs.ScheduleInterval,
			Interval: time.Minute,
			Priority: jobs.PriorityHigh,
			Enabled:  true,
		},
		{
			Name:     "refresh-bot-stats",
			JobName:  reconciliation.JobRefreshBotStats,
			Kind:     jobs.ScheduleCron,
			CronExpr: "*/5 * * * *",
			Priority: jobs.PriorityLow,
			Enabled:  true,
		},
		{
			Name:     "check-risk-limits",
			JobName:  reconciliation.JobCheckRiskLimits,
			Kind:     jobs.ScheduleInterval,
			Interval: time.Minute,
			Priority: jobs.PriorityHigh,
			Enabled:  true,
		},
		{
			Name:     "fetch-missing-candles",
			JobName:  reconciliation.JobFetchMissingCandles,
			Kind:     jobs.ScheduleInterval,
			Interval: 15 * time.Minute,
			Priority: jobs.PriorityNormal,
			Enabled:  true,
		},
	}
	for _, t := range tasks {
		if err := s.Register(t); err != nil {
			log.Fatalf("register task %s: %v", t.Name, err)
		}
	}
}
