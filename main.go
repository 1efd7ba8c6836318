package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"consensus-trading-bot/config"
	"consensus-trading-bot/internal/api"
	"consensus-trading-bot/internal/broker"
	"consensus-trading-bot/internal/cache"
	"consensus-trading-bot/internal/calibration"
	"consensus-trading-bot/internal/circuit"
	"consensus-trading-bot/internal/consensus"
	"consensus-trading-bot/internal/database"
	"consensus-trading-bot/internal/engine"
	"consensus-trading-bot/internal/events"
	"consensus-trading-bot/internal/execution"
	"consensus-trading-bot/internal/logging"
	"consensus-trading-bot/internal/models"
	"consensus-trading-bot/internal/monitor"
	"consensus-trading-bot/internal/risk"
	"consensus-trading-bot/internal/secrets"
	"consensus-trading-bot/internal/sources"
	syncpush "consensus-trading-bot/internal/sync"
)

// outcomeFanout feeds every closed position to the repository, the
// calibrator and the circuit breaker. The repository row is the durable
// record; the other two are in-memory consumers.
type outcomeFanout struct {
	repo       *database.Repository
	calibrator *calibration.Calibrator
	breaker    *circuit.Breaker
	state      *risk.RiskState
}

func (f *outcomeFanout) RecordOutcome(ctx context.Context, rec models.OutcomeRecord) error {
	if f.calibrator != nil && rec.RawConfidence > 0 {
		f.calibrator.Observe(rec.RawConfidence, rec.Won)
	}
	if f.breaker != nil {
		equity := f.state.Snapshot().Equity
		if equity > 0 {
			f.breaker.RecordTrade(rec.PnL / equity * 100)
		}
	}
	if f.repo == nil {
		return nil
	}
	return f.repo.RecordOutcome(ctx, rec)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Startup logging; pipeline components carry their own zerolog loggers
	startupLog := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "main",
	})
	logging.SetDefault(startupLog)

	zerolog.SetGlobalLevel(zerologLevel(cfg.LoggingConfig.Level))
	rootLogger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		startupLog.Fatal("Database connection failed", "error", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		startupLog.Fatal("Database migrations failed", "error", err)
	}
	repo := database.NewRepository(db)

	// Broker credentials come from Vault when enabled, config otherwise
	loader, err := secrets.NewLoader(cfg.VaultConfig)
	if err != nil {
		startupLog.Fatal("Vault client failed", "error", err)
	}
	creds, err := loader.BrokerCredentials(ctx, cfg.BrokerConfig)
	if err != nil {
		startupLog.Fatal("Broker credentials unavailable", "error", err)
	}
	if !cfg.BrokerConfig.PaperMode && creds.APIKey == "" {
		startupLog.Fatal("Live mode requires broker credentials")
	}

	// Market data stream
	provider := sources.NewStreamProvider(cfg.SourcesConfig.StreamURL, 500, rootLogger)
	go provider.Run(ctx)

	// Redis cache fronts adapter votes and monitor price polls. The bot
	// runs fine without it; a degraded cache falls through to live fetches.
	var marketCache *cache.MarketCache
	if cfg.RedisConfig.Enabled {
		marketCache, err = cache.NewMarketCache(cfg.RedisConfig)
		if err != nil {
			startupLog.Fatal("Redis cache setup failed", "error", err)
		}
		defer marketCache.Close()
	}

	// Broker client: paper fills behind the same interface a live adapter
	// would implement, rate limited to the external call budget
	paper := broker.NewPaperClient(cfg.BrokerConfig.PaperBalance, func(symbol string) (float64, error) {
		return provider.GetPrice(context.Background(), symbol)
	})
	var client broker.Client = broker.NewRateLimitedClient(paper, cfg.EngineConfig.MaxAPIPerSec, 10)
	if marketCache != nil {
		// Outside the rate limiter so cache hits never spend call budget
		client = broker.NewCachedPriceClient(client, marketCache,
			time.Duration(cfg.MonitorConfig.PollInterval)*time.Second)
	}
	if !cfg.BrokerConfig.PaperMode {
		startupLog.Warn("Live broker transport is provided externally; running with simulated fills")
	}

	account, err := client.GetAccount(ctx)
	if err != nil {
		startupLog.Fatal("Broker account unavailable", "error", err)
	}

	// Core pipeline state
	bus := events.NewEventBus()
	state := risk.NewRiskState(account.Equity, cfg.RiskConfig.MaxDrawdownPercent)

	calibrator := calibration.NewCalibrator(calibration.Config{
		BucketSize: cfg.CalibrationConfig.BucketSize,
		WindowSize: cfg.CalibrationConfig.WindowSize,
		MinSamples: cfg.CalibrationConfig.MinSamples,
	})
	seedCalibrator(ctx, repo, calibrator, cfg.CalibrationConfig.WindowSize, startupLog)

	breaker := circuit.NewBreaker(cfg.CircuitConfig, bus)
	breaker.OnTrip(func(reason string) { state.Block(reason) })
	breaker.OnReset(state.Unblock)

	validator := risk.NewValidator(risk.Config{
		MaxDailyLossPercent:   cfg.RiskConfig.MaxDailyLossPercent,
		MaxDrawdownPercent:    cfg.RiskConfig.MaxDrawdownPercent,
		MaxOpenPositions:      cfg.RiskConfig.MaxOpenPositions,
		MaxPerCorrelatedGroup: cfg.RiskConfig.MaxPerCorrelatedGroup,
		CorrelatedGroups:      cfg.RiskConfig.CorrelatedGroups,
		MinConfidence:         cfg.RiskConfig.MinConfidence,
		SymbolMinConfidence:   cfg.RiskConfig.SymbolMinConfidence,
		RegimeMinConfidence:   cfg.RiskConfig.RegimeMinConfidence,
	})
	sizer := risk.NewSizer(risk.SizerConfig{
		BasePercent:             cfg.SizingConfig.BasePercent,
		MinPercent:              cfg.SizingConfig.MinPercent,
		MaxPercent:              cfg.SizingConfig.MaxPercent,
		HighConfidenceThreshold: cfg.SizingConfig.HighConfidenceThreshold,
		HighConfidenceBoost:     cfg.SizingConfig.HighConfidenceBoost,
		VolatilityBaseline:      cfg.SizingConfig.VolatilityBaseline,
		MaxDrawdownPercent:      cfg.RiskConfig.MaxDrawdownPercent,
	})

	router := execution.NewRouter(execution.Config{
		MaxRetries:    cfg.ExecutionConfig.MaxRetries,
		RetryInterval: time.Duration(cfg.ExecutionConfig.InitialBackoff) * time.Millisecond,
	}, client, execution.NewPositionBook(), state, bus, rootLogger)

	// Source adapters and consensus
	adapters, err := sources.Build(cfg.SourcesConfig.Sources, provider)
	if err != nil {
		startupLog.Fatal("Source adapter setup failed", "error", err)
	}
	// A nil *MarketCache must not become a non-nil interface value
	var voteCache sources.VoteCache
	if marketCache != nil {
		voteCache = marketCache
	}
	collector := sources.NewCollector(adapters, voteCache, rootLogger)
	voter := consensus.NewEngine(consensus.Config{
		MinAdapters:   cfg.ConsensusConfig.MinAdapters,
		MinConfidence: cfg.ConsensusConfig.MinConfidence,
		MaxConfidence: cfg.ConsensusConfig.MaxConfidence,
	})

	// Monitor shares the engine's signal index for outcome attribution
	signalIndex := engine.NewSignalIndex(1024)
	recorder := &outcomeFanout{repo: repo, calibrator: calibrator, breaker: breaker, state: state}
	positionMonitor := monitor.New(monitor.Config{
		PollInterval:      time.Duration(cfg.MonitorConfig.PollInterval) * time.Second,
		MinHoldingPeriod:  time.Duration(cfg.MonitorConfig.MinHoldingPeriod) * time.Second,
		HoldingScope:      cfg.MonitorConfig.HoldingPeriodScope,
		ReconcileInterval: time.Duration(cfg.MonitorConfig.ReconcileInterval) * time.Second,
	}, router, client, state, bus, recorder, signalIndex, rootLogger)

	// Optional subsystems
	var publisher engine.Publisher
	if cfg.SyncConfig.Enabled {
		publisher = syncpush.NewPusher(cfg.SyncConfig, rootLogger)
	}

	liveEngine, err := engine.New(cfg.EngineConfig, engine.Deps{
		Collector:   collector,
		Provider:    provider,
		Consensus:   voter,
		Calibrator:  calibrator,
		Validator:   validator,
		Sizer:       sizer,
		State:       state,
		Router:      router,
		Monitor:     positionMonitor,
		Breaker:     breaker,
		Store:       repo,
		Publisher:   publisher,
		Bus:         bus,
		SignalIndex: signalIndex,
	}, rootLogger)
	if err != nil {
		startupLog.Fatal("Engine setup failed", "error", err)
	}

	// Operational server
	var server *api.Server
	if cfg.ServerConfig.Enabled {
		server = api.NewServer(cfg.ServerConfig, state, router.Book(), breaker, repo, rootLogger)
		if marketCache != nil {
			server.RegisterCache(marketCache)
		}
		go func() {
			if err := server.Start(); err != nil {
				startupLog.Error("Operational server stopped", "error", err)
			}
		}()
	}

	go positionMonitor.Run(ctx)

	startupLog.Info("Consensus trading bot started",
		"symbols", len(cfg.EngineConfig.Symbols),
		"paper_mode", cfg.BrokerConfig.PaperMode)

	liveEngine.Run(ctx)

	// Shutdown: flatten positions so brackets never dangle, then stop the
	// operational server
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()

	positionMonitor.CloseAll(shutdownCtx)
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			startupLog.Error("Server shutdown failed", "error", err)
		}
	}
	startupLog.Info("Shutdown complete")
}

// seedCalibrator replays persisted outcomes so restarts do not reset the
// confidence mapping
func seedCalibrator(ctx context.Context, repo *database.Repository, c *calibration.Calibrator, window int, logger *logging.Logger) {
	limit := window * 20
	if limit < 1000 {
		limit = 1000
	}
	records, err := repo.GetRecentOutcomes(ctx, limit)
	if err != nil {
		logger.Warn("Calibrator seeding skipped", "error", err)
		return
	}
	if len(records) > 0 {
		c.Seed(records)
		logger.Info("Calibrator seeded", "outcomes", len(records))
	}
}

func zerologLevel(level string) zerolog.Level {
	switch level {
	case "DEBUG", "debug":
		return zerolog.DebugLevel
	case "WARN", "warn":
		return zerolog.WarnLevel
	case "ERROR", "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
