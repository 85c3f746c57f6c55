package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/calebhsu/perptrader/pkg/secrets"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Binance BinanceConfig `mapstructure:"binance"`
	Trading TradingConfig `mapstructure:"trading"`
	Trend   TrendConfig   `mapstructure:"trend"`
	Maker   MakerConfig   `mapstructure:"maker"`
	Logging LoggingConfig `mapstructure:"logging"`
	GCP     GCPConfig     `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type BinanceConfig struct {
	APIKey         string `mapstructure:"api_key"`
	APISecret      string `mapstructure:"api_secret"`
	Testnet        bool   `mapstructure:"testnet"`
	ReconnectDelay int    `mapstructure:"reconnect_delay"` // seconds
}

type TradingConfig struct {
	Symbol           string  `mapstructure:"symbol"`
	KlineInterval    string  `mapstructure:"kline_interval"`
	TickIntervalMs   int     `mapstructure:"tick_interval_ms"`
	MaxMarkDeviation float64 `mapstructure:"max_mark_deviation"`
	LockTimeoutMs    int     `mapstructure:"lock_timeout_ms"`
	SlippageLimit    float64 `mapstructure:"slippage_limit"`
	FlatEpsilon      float64 `mapstructure:"flat_epsilon"`
	EntryEpsilon     float64 `mapstructure:"entry_epsilon"`
}

type TrendConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	Quantity          float64 `mapstructure:"quantity"`
	LossLimit         float64 `mapstructure:"loss_limit"`
	TrailingProfit    float64 `mapstructure:"trailing_profit"`
	CallbackRate      float64 `mapstructure:"callback_rate"`
	ProfitLockTrigger float64 `mapstructure:"profit_lock_trigger"`
	ProfitLockOffset  float64 `mapstructure:"profit_lock_offset"`
	CooldownSec       int     `mapstructure:"cooldown_sec"`
	SMAPeriod         int     `mapstructure:"sma_period"`
}

type MakerConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	BidOffset      float64 `mapstructure:"bid_offset"`
	AskOffset      float64 `mapstructure:"ask_offset"`
	Quantity       float64 `mapstructure:"quantity"`
	PriceTolerance float64 `mapstructure:"price_tolerance"`
	DepthLevels    int     `mapstructure:"depth_levels"`
	ImbalanceRatio float64 `mapstructure:"imbalance_ratio"`
	CollapseRatio  float64 `mapstructure:"collapse_ratio"`
	LossLimit      float64 `mapstructure:"loss_limit"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

// TickInterval converts the configured tick cadence to a duration.
func (t TradingConfig) TickInterval() time.Duration {
	return time.Duration(t.TickIntervalMs) * time.Millisecond
}

// LockTimeout converts the configured lock deadline to a duration.
func (t TradingConfig) LockTimeout() time.Duration {
	return time.Duration(t.LockTimeoutMs) * time.Millisecond
}

func (t TrendConfig) Cooldown() time.Duration {
	return time.Duration(t.CooldownSec) * time.Second
}

func Load(configPath string) (*Config, error) {
	// A .env file is optional; real env vars win either way.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/perp-trader")
	}

	v.SetEnvPrefix("PERP")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		if err := loadSecretsFromGCP(ctx, &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)

	// Binance defaults
	v.SetDefault("binance.testnet", false)
	v.SetDefault("binance.reconnect_delay", 5)

	// Trading defaults
	v.SetDefault("trading.symbol", "BTCUSDT")
	v.SetDefault("trading.kline_interval", "1m")
	v.SetDefault("trading.tick_interval_ms", 1000)
	v.SetDefault("trading.max_mark_deviation", 0.05)
	v.SetDefault("trading.lock_timeout_ms", 3000)
	v.SetDefault("trading.slippage_limit", 0.01)
	v.SetDefault("trading.flat_epsilon", 1e-5)
	v.SetDefault("trading.entry_epsilon", 1e-8)

	// Trend strategy defaults
	v.SetDefault("trend.enabled", true)
	v.SetDefault("trend.quantity", 0.001)
	v.SetDefault("trend.loss_limit", 10.0)
	v.SetDefault("trend.trailing_profit", 20.0)
	v.SetDefault("trend.callback_rate", 0.5)
	v.SetDefault("trend.profit_lock_trigger", 5.0)
	v.SetDefault("trend.profit_lock_offset", 2.0)
	v.SetDefault("trend.cooldown_sec", 60)
	v.SetDefault("trend.sma_period", 30)

	// Maker strategy defaults
	v.SetDefault("maker.enabled", false)
	v.SetDefault("maker.bid_offset", 10.0)
	v.SetDefault("maker.ask_offset", 10.0)
	v.SetDefault("maker.quantity", 0.001)
	v.SetDefault("maker.price_tolerance", 1.0)
	v.SetDefault("maker.depth_levels", 10)
	v.SetDefault("maker.imbalance_ratio", 3.0)
	v.SetDefault("maker.collapse_ratio", 6.0)
	v.SetDefault("maker.loss_limit", 10.0)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// GCP defaults
	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.binance_api_key", secretNames.BinanceAPIKey)
	v.SetDefault("gcp.secret_names.binance_api_secret", secretNames.BinanceAPISecret)
}

func overrideFromEnv(config *Config) {
	if apiKey := os.Getenv("BINANCE_API_KEY"); apiKey != "" {
		config.Binance.APIKey = apiKey
	}
	if apiSecret := os.Getenv("BINANCE_API_SECRET"); apiSecret != "" {
		config.Binance.APISecret = apiSecret
	}
	if testnet := os.Getenv("BINANCE_TESTNET"); testnet == "true" {
		config.Binance.Testnet = true
	}
	if symbol := os.Getenv("TRADING_SYMBOL"); symbol != "" {
		config.Trading.Symbol = symbol
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	// Only load secrets that are not already set
	if config.Binance.APIKey == "" {
		config.Binance.APIKey = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.BinanceAPIKey, "")
	}
	if config.Binance.APISecret == "" {
		config.Binance.APISecret = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.BinanceAPISecret, "")
	}

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}
