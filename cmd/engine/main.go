package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/alert"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/domain/lot"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/infra/kraken"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/infrastructure/postgres"
	pglots "github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/infrastructure/postgres/lots"
	pgtimestop "github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/infrastructure/postgres/timestop"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/ops"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/pkg/config"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/pkg/logger"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/service/execution"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/service/exitmanager"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/service/fifo"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/service/fillwatcher"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/service/store"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub002/internal/service/timestop"
)

const (
	serviceName    = "krakenbot-engine"
	serviceVersion = "1.0.0"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize logger
	if err := logger.Init(logger.Config{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		FileEnabled:    cfg.Logging.FileEnabled,
		FilePath:       cfg.Logging.FilePath,
		RotationSize:   cfg.Logging.RotationSize,
		RetentionDays:  cfg.Logging.RetentionDays,
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize logger")
	}

	log.Info().
		Str("version", serviceVersion).
		Msg("🚀 Starting KrakenBot engine (exit/reconciliation core)...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection
	dbPool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbPool.Close()

	log.Info().Msg("✅ Database connected")

	// Initialize Kraken client
	krakenClient, err := kraken.NewClient(cfg.Kraken)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Kraken client (required for trading)")
	}

	log.Info().Msg("✅ Kraken client initialized")

	// Repositories
	lotRepo := pglots.NewLotRepository(dbPool.Pool)
	fillRepo := pglots.NewFillRepository(dbPool.Pool)
	matchStore := pglots.NewMatchStore(dbPool.Pool)
	ttlRepo := pgtimestop.NewConfigRepository(dbPool.Pool)

	// Position store: storage is authoritative, the mirror rebuilds at boot
	positions := store.New(lotRepo)
	if err := positions.Rebuild(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to rebuild position store")
	}
	log.Info().Int("open_lots", len(positions.List())).Msg("✅ Position store rebuilt")

	// Services
	notifier := alert.NewLogNotifier()
	ttlService := timestop.NewService(ttlRepo, cfg.Exit.TimeStopBaseHours)
	matcher := fifo.NewMatcher(matchStore)
	trader := execution.NewService(krakenClient, fillRepo, matcher, nil)

	manager := exitmanager.NewManager(positions, krakenClient, ttlService, trader, notifier, cfg.Engine, cfg.Exit)
	trader.SetPnlSink(manager)

	watcher := fillwatcher.NewManager(krakenClient, positions, fillRepo, notifier,
		cfg.Engine.FillPollInterval, cfg.Engine.FillTimeout)

	// Resume fill watching for lots that were still waiting when the
	// previous process died.
	for _, l := range positions.List() {
		if l.Status != lot.StatusPendingFill {
			continue
		}
		if l.EntryOrderID == "" {
			log.Warn().
				Str("lot_id", l.LotID.String()).
				Str("pair", l.Pair).
				Msg("PENDING_FILL lot has no entry order id, cannot resume watcher")
			continue
		}
		watcher.Start(ctx, fillwatcher.OrderContext{
			OrderID:        l.EntryOrderID,
			Pair:           l.Pair,
			LotID:          l.LotID,
			ExpectedAmount: l.Amount,
			PlacedAt:       l.OpenedAt,
		})
		log.Info().
			Str("lot_id", l.LotID.String()).
			Str("order_id", l.EntryOrderID).
			Msg("Resumed fill watcher")
	}

	// Ops surface
	opsServer := ops.NewServer(cfg.Ops.Addr, dbPool.Pool, positions, manager)
	go func() {
		if err := opsServer.Start(); err != nil {
			log.Error().Err(err).Msg("Ops server failed")
		}
	}()

	log.Info().Msg("✅ Ops server started")

	// Exit evaluation loop
	go func() {
		ticker := time.NewTicker(cfg.Engine.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				manager.Tick(ctx)
			case <-ctx.Done():
				log.Info().Msg("Exit evaluation loop stopped")
				return
			}
		}
	}()

	log.Info().
		Dur("tick_interval", cfg.Engine.TickInterval).
		Msg("🎯 Exit engine running")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Info().Msg("🛑 Shutdown signal received, stopping services...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ops server shutdown failed")
	}

	// Let in-flight fill watchers observe the cancellation
	watcher.Wait()

	log.Info().Msg("👋 KrakenBot engine stopped")
}
