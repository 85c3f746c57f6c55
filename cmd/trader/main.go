package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/calebhsu/perptrader/api"
	"github.com/calebhsu/perptrader/internal/config"
	"github.com/calebhsu/perptrader/pkg/binance"
	"github.com/calebhsu/perptrader/pkg/coordinator"
	"github.com/calebhsu/perptrader/pkg/tradelog"
	"github.com/calebhsu/perptrader/pkg/trader"
)

var (
	cfgFile string
	logger  *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "perp-trader",
		Short: "Perpetual futures trading bot",
		Long:  `Automated trading against Binance USD-margined perpetual futures: a trend-following engine and an offset market-making engine behind a shared order coordinator`,
		Run:   runTrader,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runTrader(cmd *cobra.Command, args []string) {
	logger = logrus.New()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rest := binance.NewRestClient(cfg.Binance.APIKey, cfg.Binance.APISecret, cfg.Binance.Testnet, logger)
	filters, err := rest.SymbolFilters(ctx, cfg.Trading.Symbol)
	if err != nil {
		logger.WithError(err).Fatal("Failed to fetch symbol filters")
	}
	logger.WithFields(logrus.Fields{
		"symbol": cfg.Trading.Symbol,
		"tick":   filters.TickSize,
		"step":   filters.StepSize,
	}).Info("Symbol filters loaded")

	coordCfg := coordinator.Config{
		Symbol:           cfg.Trading.Symbol,
		TickSize:         filters.TickSize,
		StepSize:         filters.StepSize,
		MaxMarkDeviation: cfg.Trading.MaxMarkDeviation,
		LockTimeout:      cfg.Trading.LockTimeout(),
	}
	reconnectDelay := time.Duration(cfg.Binance.ReconnectDelay) * time.Second

	var trendEngine *trader.TrendEngine
	var makerEngine *trader.MakerEngine

	if cfg.Trend.Enabled {
		trendEngine, err = startTrendEngine(ctx, cfg, rest, coordCfg, reconnectDelay)
		if err != nil {
			logger.WithError(err).Fatal("Failed to start trend engine")
		}
	}
	if cfg.Maker.Enabled {
		makerEngine, err = startMakerEngine(ctx, cfg, rest, coordCfg, reconnectDelay)
		if err != nil {
			logger.WithError(err).Fatal("Failed to start maker engine")
		}
	}
	if trendEngine == nil && makerEngine == nil {
		logger.Fatal("No engine enabled, nothing to do")
	}

	apiServer := api.NewServer(trendEngine, makerEngine, logger, fmt.Sprintf("%d", cfg.Server.Port))
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.WithError(err).Fatal("Failed to start API server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Trader is running. Press Ctrl+C to stop.")

	<-sigChan
	logger.Info("Received shutdown signal")

	if trendEngine != nil {
		trendEngine.Stop()
	}
	if makerEngine != nil {
		makerEngine.Stop()
	}
	cancel()

	logger.Info("Trader stopped")
}

// startTrendEngine builds a full stack for the trend strategy: its own stream
// manager, coordinator, and trade log, so nothing is shared across engines.
func startTrendEngine(ctx context.Context, cfg *config.Config, rest *binance.RestClient, coordCfg coordinator.Config, reconnectDelay time.Duration) (*trader.TrendEngine, error) {
	journal := tradelog.New(tradelog.DefaultCapacity)
	coord := coordinator.New(rest, coordCfg, logger, journal)
	state := trader.NewMarketState()

	engine := trader.NewTrendEngine(coord, state, trader.TrendConfig{
		Symbol:            cfg.Trading.Symbol,
		Quantity:          cfg.Trend.Quantity,
		LossLimit:         cfg.Trend.LossLimit,
		TrailingProfit:    cfg.Trend.TrailingProfit,
		CallbackRate:      cfg.Trend.CallbackRate,
		ProfitLockTrigger: cfg.Trend.ProfitLockTrigger,
		ProfitLockOffset:  cfg.Trend.ProfitLockOffset,
		Cooldown:          cfg.Trend.Cooldown(),
		TickInterval:      cfg.Trading.TickInterval(),
		SlippageLimit:     cfg.Trading.SlippageLimit,
		FlatEpsilon:       cfg.Trading.FlatEpsilon,
		EntryEpsilon:      cfg.Trading.EntryEpsilon,
		SMAPeriod:         cfg.Trend.SMAPeriod,
		TickSize:          coordCfg.TickSize,
	}, logger, journal)

	sm := binance.NewStreamManager(rest, cfg.Trading.Symbol, cfg.Trading.KlineInterval, reconnectDelay, logger)
	state.Bind(sm, coord, nil)
	if err := sm.Start(ctx, cfg.Binance.Testnet); err != nil {
		return nil, err
	}

	go engine.Run(ctx)
	return engine, nil
}

func startMakerEngine(ctx context.Context, cfg *config.Config, rest *binance.RestClient, coordCfg coordinator.Config, reconnectDelay time.Duration) (*trader.MakerEngine, error) {
	journal := tradelog.New(tradelog.DefaultCapacity)
	coord := coordinator.New(rest, coordCfg, logger, journal)
	state := trader.NewMarketState()

	engine := trader.NewMakerEngine(coord, state, trader.MakerConfig{
		Symbol:         cfg.Trading.Symbol,
		BidOffset:      cfg.Maker.BidOffset,
		AskOffset:      cfg.Maker.AskOffset,
		Quantity:       cfg.Maker.Quantity,
		PriceTolerance: cfg.Maker.PriceTolerance,
		DepthLevels:    cfg.Maker.DepthLevels,
		ImbalanceRatio: cfg.Maker.ImbalanceRatio,
		CollapseRatio:  cfg.Maker.CollapseRatio,
		LossLimit:      cfg.Maker.LossLimit,
		TickInterval:   cfg.Trading.TickInterval(),
		SlippageLimit:  cfg.Trading.SlippageLimit,
		FlatEpsilon:    cfg.Trading.FlatEpsilon,
		TickSize:       coordCfg.TickSize,
	}, logger, journal)

	sm := binance.NewStreamManager(rest, cfg.Trading.Symbol, cfg.Trading.KlineInterval, reconnectDelay, logger)
	state.Bind(sm, coord, nil)
	if err := sm.Start(ctx, cfg.Binance.Testnet); err != nil {
		return nil, err
	}

	go engine.Run(ctx)
	return engine, nil
}
