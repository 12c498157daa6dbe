// Package config loads the engine configuration from a yaml file or CLI
// flags. Decimal-valued parameters are held as strings in yaml and parsed
// explicitly so precision never passes through a float.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ExchangeConfig holds per-exchange credentials and fee schedule.
type ExchangeConfig struct {
	APIKey    string
	APISecret string
	MakerFee  decimal.Decimal
	TakerFee  decimal.Decimal
}

// Config is the fully parsed engine configuration.
type Config struct {
	Symbols      []string
	ScanInterval time.Duration
	BookDepth    int

	MinSpreadPercent decimal.Decimal
	MinProfit        decimal.Decimal
	MaxPositionSize  decimal.Decimal

	MaxRetries         int
	RetryDelay         time.Duration
	MaxSlippagePercent decimal.Decimal
	VerifyTimeout      time.Duration
	PollInterval       time.Duration

	DailyLossLimit         decimal.Decimal
	PerTradeLossLimit      decimal.Decimal
	MaxPositionPerExchange decimal.Decimal
	MaxTotalPosition       decimal.Decimal
	MaxDrawdownPercent     decimal.Decimal
	WorstCaseLossPercent   decimal.Decimal
	UnwindPenaltyPercent   decimal.Decimal

	VolatilityMaxPercent decimal.Decimal
	VolatilityWindow     time.Duration
	VolatilityMinSamples int

	ConnectivityMaxFailures     int
	ConnectivityWindow          time.Duration
	ConnectivityRecoveryTimeout time.Duration

	ErrorRateMax         float64
	ErrorRateWindow      time.Duration
	ErrorRateMinRequests int

	WALDir    string
	Exchanges map[string]ExchangeConfig
}

type exchangeTmp struct {
	APIKeyEnv    string `yaml:"api_key_env"`
	APISecretEnv string `yaml:"api_secret_env"`
	MakerFee     string `yaml:"maker_fee"`
	TakerFee     string `yaml:"taker_fee"`
}

type configTmp struct {
	Symbols      []string      `yaml:"symbols"`
	ScanInterval time.Duration `yaml:"scan_interval"`
	BookDepth    int           `yaml:"book_depth"`

	MinSpreadPercent string `yaml:"min_spread_percent"`
	MinProfit        string `yaml:"min_profit"`
	MaxPositionSize  string `yaml:"max_position_size"`

	MaxRetries         int           `yaml:"max_retries"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
	MaxSlippagePercent string        `yaml:"max_slippage_percent"`
	VerifyTimeout      time.Duration `yaml:"verify_timeout"`
	PollInterval       time.Duration `yaml:"poll_interval"`

	DailyLossLimit         string `yaml:"daily_loss_limit"`
	PerTradeLossLimit      string `yaml:"per_trade_loss_limit"`
	MaxPositionPerExchange string `yaml:"max_position_per_exchange"`
	MaxTotalPosition       string `yaml:"max_total_position"`
	MaxDrawdownPercent     string `yaml:"max_drawdown_percent"`
	WorstCaseLossPercent   string `yaml:"worst_case_loss_percent"`
	UnwindPenaltyPercent   string `yaml:"unwind_penalty_percent"`

	VolatilityMaxPercent string        `yaml:"volatility_max_percent"`
	VolatilityWindow     time.Duration `yaml:"volatility_window"`
	VolatilityMinSamples int           `yaml:"volatility_min_samples"`

	ConnectivityMaxFailures     int           `yaml:"connectivity_max_failures"`
	ConnectivityWindow          time.Duration `yaml:"connectivity_window"`
	ConnectivityRecoveryTimeout time.Duration `yaml:"connectivity_recovery_timeout"`

	ErrorRateMax         float64       `yaml:"error_rate_max"`
	ErrorRateWindow      time.Duration `yaml:"error_rate_window"`
	ErrorRateMinRequests int           `yaml:"error_rate_min_requests"`

	WALDir    string                 `yaml:"wal_dir"`
	Exchanges map[string]exchangeTmp `yaml:"exchanges"`
}

// Default returns the configuration with every parameter at its default.
func Default() Config {
	return Config{
		Symbols:      []string{"BTCUSDT"},
		ScanInterval: 5 * time.Second,
		BookDepth:    5,

		MinSpreadPercent: decimal.RequireFromString("0.5"),
		MinProfit:        decimal.RequireFromString("1"),
		MaxPositionSize:  decimal.RequireFromString("1000"),

		MaxRetries:         3,
		RetryDelay:         time.Second,
		MaxSlippagePercent: decimal.RequireFromString("0.5"),
		VerifyTimeout:      30 * time.Second,
		PollInterval:       time.Second,

		DailyLossLimit:         decimal.RequireFromString("100"),
		PerTradeLossLimit:      decimal.RequireFromString("50"),
		MaxPositionPerExchange: decimal.RequireFromString("5000"),
		MaxTotalPosition:       decimal.RequireFromString("10000"),
		MaxDrawdownPercent:     decimal.RequireFromString("10"),
		WorstCaseLossPercent:   decimal.RequireFromString("1"),
		UnwindPenaltyPercent:   decimal.RequireFromString("1"),

		VolatilityMaxPercent: decimal.RequireFromString("5"),
		VolatilityWindow:     time.Minute,
		VolatilityMinSamples: 10,

		ConnectivityMaxFailures:     5,
		ConnectivityWindow:          time.Minute,
		ConnectivityRecoveryTimeout: 5 * time.Minute,

		ErrorRateMax:         0.5,
		ErrorRateWindow:      time.Minute,
		ErrorRateMinRequests: 10,

		WALDir: "./wal/orders",
		Exchanges: map[string]ExchangeConfig{
			"binance": {
				APIKey:    os.Getenv("BINANCE_API_KEY"),
				APISecret: os.Getenv("BINANCE_API_SECRET"),
				MakerFee:  decimal.RequireFromString("0.0005"),
				TakerFee:  decimal.RequireFromString("0.001"),
			},
			"bybit": {
				APIKey:    os.Getenv("BYBIT_API_KEY"),
				APISecret: os.Getenv("BYBIT_API_SECRET"),
				MakerFee:  decimal.RequireFromString("0.0005"),
				TakerFee:  decimal.RequireFromString("0.001"),
			},
		},
	}
}

// Get loads the configuration: a yaml file when -config is given, otherwise
// the defaults with -symbols applied.
func Get() (Config, error) {
	configPath := flag.String("config", "", "path to yaml config")
	symbolsFlag := flag.String("symbols", "", "comma-separated symbols, example: BTCUSDT,ETHUSDT")
	flag.Parse()

	if *configPath != "" {
		return FromYaml(*configPath)
	}

	cfg := Default()
	if *symbolsFlag != "" {
		cfg.Symbols = nil
		for _, s := range strings.Split(*symbolsFlag, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.Symbols = append(cfg.Symbols, strings.ToUpper(s))
			}
		}
	}
	return cfg, nil
}

// FromYaml parses the configuration file at path on top of the defaults.
func FromYaml(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var tmp configTmp
	if err := yaml.Unmarshal(raw, &tmp); err != nil {
		return Config{}, fmt.Errorf("parse yaml config: %w", err)
	}

	cfg := Default()

	if len(tmp.Symbols) > 0 {
		cfg.Symbols = tmp.Symbols
	}
	if tmp.ScanInterval > 0 {
		cfg.ScanInterval = tmp.ScanInterval
	}
	if tmp.BookDepth > 0 {
		cfg.BookDepth = tmp.BookDepth
	}
	if tmp.MaxRetries > 0 {
		cfg.MaxRetries = tmp.MaxRetries
	}
	if tmp.RetryDelay > 0 {
		cfg.RetryDelay = tmp.RetryDelay
	}
	if tmp.VerifyTimeout > 0 {
		cfg.VerifyTimeout = tmp.VerifyTimeout
	}
	if tmp.PollInterval > 0 {
		cfg.PollInterval = tmp.PollInterval
	}
	if tmp.VolatilityWindow > 0 {
		cfg.VolatilityWindow = tmp.VolatilityWindow
	}
	if tmp.VolatilityMinSamples > 0 {
		cfg.VolatilityMinSamples = tmp.VolatilityMinSamples
	}
	if tmp.ConnectivityMaxFailures > 0 {
		cfg.ConnectivityMaxFailures = tmp.ConnectivityMaxFailures
	}
	if tmp.ConnectivityWindow > 0 {
		cfg.ConnectivityWindow = tmp.ConnectivityWindow
	}
	if tmp.ConnectivityRecoveryTimeout > 0 {
		cfg.ConnectivityRecoveryTimeout = tmp.ConnectivityRecoveryTimeout
	}
	if tmp.ErrorRateMax > 0 {
		cfg.ErrorRateMax = tmp.ErrorRateMax
	}
	if tmp.ErrorRateWindow > 0 {
		cfg.ErrorRateWindow = tmp.ErrorRateWindow
	}
	if tmp.ErrorRateMinRequests > 0 {
		cfg.ErrorRateMinRequests = tmp.ErrorRateMinRequests
	}
	if tmp.WALDir != "" {
		cfg.WALDir = tmp.WALDir
	}

	decimals := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"min_spread_percent", tmp.MinSpreadPercent, &cfg.MinSpreadPercent},
		{"min_profit", tmp.MinProfit, &cfg.MinProfit},
		{"max_position_size", tmp.MaxPositionSize, &cfg.MaxPositionSize},
		{"max_slippage_percent", tmp.MaxSlippagePercent, &cfg.MaxSlippagePercent},
		{"daily_loss_limit", tmp.DailyLossLimit, &cfg.DailyLossLimit},
		{"per_trade_loss_limit", tmp.PerTradeLossLimit, &cfg.PerTradeLossLimit},
		{"max_position_per_exchange", tmp.MaxPositionPerExchange, &cfg.MaxPositionPerExchange},
		{"max_total_position", tmp.MaxTotalPosition, &cfg.MaxTotalPosition},
		{"max_drawdown_percent", tmp.MaxDrawdownPercent, &cfg.MaxDrawdownPercent},
		{"worst_case_loss_percent", tmp.WorstCaseLossPercent, &cfg.WorstCaseLossPercent},
		{"unwind_penalty_percent", tmp.UnwindPenaltyPercent, &cfg.UnwindPenaltyPercent},
		{"volatility_max_percent", tmp.VolatilityMaxPercent, &cfg.VolatilityMaxPercent},
	}
	for _, d := range decimals {
		if d.raw == "" {
			continue
		}
		parsed, err := decimal.NewFromString(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect %q param in yaml config: %w", d.name, err)
		}
		*d.dst = parsed
	}

	for name, ex := range tmp.Exchanges {
		parsed := ExchangeConfig{
			APIKey:    os.Getenv(ex.APIKeyEnv),
			APISecret: os.Getenv(ex.APISecretEnv),
		}
		if def, ok := cfg.Exchanges[name]; ok {
			parsed.MakerFee, parsed.TakerFee = def.MakerFee, def.TakerFee
		}
		if ex.MakerFee != "" {
			fee, err := decimal.NewFromString(ex.MakerFee)
			if err != nil {
				return Config{}, fmt.Errorf("incorrect 'maker_fee' for %s: %w", name, err)
			}
			parsed.MakerFee = fee
		}
		if ex.TakerFee != "" {
			fee, err := decimal.NewFromString(ex.TakerFee)
			if err != nil {
				return Config{}, fmt.Errorf("incorrect 'taker_fee' for %s: %w", name, err)
			}
			parsed.TakerFee = fee
		}
		cfg.Exchanges[name] = parsed
	}

	return cfg, nil
}
