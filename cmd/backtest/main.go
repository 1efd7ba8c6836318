// Command backtest replays the consensus pipeline over stored historical
// bars. It wires the exact decision components the live engine uses, so a
// run exercises the same consensus, calibration, validation and sizing
// code paths that produce live signals.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/rs/zerolog"

	"consensus-trading-bot/config"
	"consensus-trading-bot/internal/backtest"
	"consensus-trading-bot/internal/calibration"
	"consensus-trading-bot/internal/consensus"
	"consensus-trading-bot/internal/database"
	"consensus-trading-bot/internal/history"
	"consensus-trading-bot/internal/risk"
	"consensus-trading-bot/internal/sources"
)

func main() {
	var (
		symbol     = flag.String("symbol", "", "Symbol to replay (required)")
		startStr   = flag.String("start", "", "Range start, RFC3339 or 2006-01-02 (required)")
		endStr     = flag.String("end", "", "Range end, RFC3339 or 2006-01-02 (required)")
		tier       = flag.String("tier", "deep", "Liquidity tier for the cost model: deep, medium, thin")
		save       = flag.Bool("save", false, "Persist the run and its trades to the database")
		jsonOutput = flag.Bool("json", false, "Print the full stats report as JSON")
	)
	flag.Parse()

	if *symbol == "" || *startStr == "" || *endStr == "" {
		flag.Usage()
		os.Exit(2)
	}

	start, err := parseTime(*startStr)
	if err != nil {
		log.Fatalf("Invalid -start: %v", err)
	}
	end, err := parseTime(*endStr)
	if err != nil {
		log.Fatalf("Invalid -end: %v", err)
	}
	if !end.After(start) {
		log.Fatalf("Range is empty: %s to %s", start, end)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	defer db.Close()

	bars, err := history.NewPostgresStore(db.Pool).GetBars(ctx, *symbol, start, end)
	if err != nil {
		log.Fatalf("Failed to load bars: %v", err)
	}
	if len(bars) == 0 {
		log.Fatalf("No stored bars for %s in [%s, %s)", *symbol, start, end)
	}

	// Replay adapters evaluate the visible bar window directly, so no live
	// provider is attached
	adapters, err := sources.Build(cfg.SourcesConfig.Sources, nil)
	if err != nil {
		log.Fatalf("Source adapter setup failed: %v", err)
	}

	pipeline := backtest.Pipeline{
		Adapters: adapters,
		Consensus: consensus.NewEngine(consensus.Config{
			MinAdapters:   cfg.ConsensusConfig.MinAdapters,
			MinConfidence: cfg.ConsensusConfig.MinConfidence,
			MaxConfidence: cfg.ConsensusConfig.MaxConfidence,
		}),
		Calibrator: calibration.NewCalibrator(calibration.Config{
			BucketSize: cfg.CalibrationConfig.BucketSize,
			WindowSize: cfg.CalibrationConfig.WindowSize,
			MinSamples: cfg.CalibrationConfig.MinSamples,
		}),
		Validator: risk.NewValidator(risk.Config{
			MaxDailyLossPercent:   cfg.RiskConfig.MaxDailyLossPercent,
			MaxDrawdownPercent:    cfg.RiskConfig.MaxDrawdownPercent,
			MaxOpenPositions:      cfg.RiskConfig.MaxOpenPositions,
			MaxPerCorrelatedGroup: cfg.RiskConfig.MaxPerCorrelatedGroup,
			CorrelatedGroups:      cfg.RiskConfig.CorrelatedGroups,
			MinConfidence:         cfg.RiskConfig.MinConfidence,
			SymbolMinConfidence:   cfg.RiskConfig.SymbolMinConfidence,
			RegimeMinConfidence:   cfg.RiskConfig.RegimeMinConfidence,
		}),
		Sizer: risk.NewSizer(risk.SizerConfig{
			BasePercent:             cfg.SizingConfig.BasePercent,
			MinPercent:              cfg.SizingConfig.MinPercent,
			MaxPercent:              cfg.SizingConfig.MaxPercent,
			HighConfidenceThreshold: cfg.SizingConfig.HighConfidenceThreshold,
			HighConfidenceBoost:     cfg.SizingConfig.HighConfidenceBoost,
			VolatilityBaseline:      cfg.SizingConfig.VolatilityBaseline,
			MaxDrawdownPercent:      cfg.RiskConfig.MaxDrawdownPercent,
		}),
	}

	engine, err := backtest.NewEngine(backtest.Config{
		InitialCapital:     cfg.BacktestConfig.InitialCapital,
		WarmupBars:         cfg.BacktestConfig.WarmupBars,
		MaxDrawdownPercent: cfg.RiskConfig.MaxDrawdownPercent,
		MinHoldingPeriod:   time.Duration(cfg.MonitorConfig.MinHoldingPeriod) * time.Second,
		Tier:               backtest.LiquidityTier(*tier),
		BucketSize:         cfg.CalibrationConfig.BucketSize,
		VolatilityBaseline: cfg.SizingConfig.VolatilityBaseline,
	}, pipeline, logger)
	if err != nil {
		log.Fatalf("Backtest setup failed: %v", err)
	}

	result, err := engine.Run(ctx, *symbol, bars)
	if err != nil {
		log.Fatalf("Backtest failed: %v", err)
	}

	if *save {
		repo := database.NewRepository(db)
		if err := repo.SaveBacktestRun(ctx, &result.Run, result.Trades); err != nil {
			log.Fatalf("Failed to persist run: %v", err)
		}
		fmt.Printf("Saved run %s\n\n", result.Run.RunID)
	}

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result.Stats); err != nil {
			log.Fatalf("Failed to encode stats: %v", err)
		}
		return
	}

	printReport(result)
}

func printReport(result *backtest.Result) {
	s := result.Stats
	fmt.Printf("Backtest %s  %s\n", result.Run.Symbol, result.Run.RunID)
	fmt.Printf("  Period:        %s to %s\n",
		result.Run.Start.Format("2006-01-02 15:04"),
		result.Run.End.Format("2006-01-02 15:04"))
	fmt.Printf("  Trades:        %d  (%d wins, %d losses)\n", s.TotalTrades, s.Wins, s.Losses)
	fmt.Printf("  Win rate:      %.1f%%  [%.1f%%, %.1f%%] 95%% CI", s.WinRate*100, s.WinRateLow*100, s.WinRateHigh*100)
	if s.Significant {
		fmt.Printf("  z=%.2f significant\n", s.ZScore)
	} else {
		fmt.Printf("  z=%.2f not significant\n", s.ZScore)
	}
	fmt.Printf("  Net PnL:       %.2f  (gross %.2f, costs %.2f)\n", s.NetPnL, s.GrossPnL, s.TotalCosts)
	fmt.Printf("  Profit factor: %.2f   Sharpe: %.2f   Max drawdown: %.1f%%\n",
		s.ProfitFactor, s.Sharpe, s.MaxDrawdown*100)
	fmt.Printf("  Final equity:  %.2f  (from %.2f)\n", s.FinalEquity, result.Run.InitialCapital)
	fmt.Printf("  Rejections:    %d\n", len(result.Rejections))

	if len(s.ByExitReason) > 0 {
		fmt.Println("  By exit reason:")
		for reason, bucket := range s.ByExitReason {
			fmt.Printf("    %-16s %3d trades  %.1f%% win  net %.2f\n",
				reason, bucket.Trades, bucket.WinRate*100, bucket.NetPnL)
		}
	}
	if len(s.ByRegime) > 0 {
		fmt.Println("  By regime:")
		for regime, bucket := range s.ByRegime {
			fmt.Printf("    %-16s %3d trades  %.1f%% win  net %.2f\n",
				regime, bucket.Trades, bucket.WinRate*100, bucket.NetPnL)
		}
	}
}

func parseTime(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", value)
}
