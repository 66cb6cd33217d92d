// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// App captures process-wide runtime settings such as name, environment, metrics, and logging levels.
type App struct {
	Name        string
	Env         string
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Exchange describes BingX swap API connectivity and the symbol universe.
type Exchange struct {
	BaseURL      string   `yaml:"base_url"`
	WSURL        string   `yaml:"ws_url"`
	APIKey       string   `yaml:"api_key"`
	APISecret    string   `yaml:"api_secret"`
	Interval     string   `yaml:"interval"`
	CandleLimit  int      `yaml:"candle_limit"`
	AllowSymbols []string `yaml:"allow_symbols"`
	DenySymbols  []string `yaml:"deny_symbols"`
	MaxSymbols   int      `yaml:"max_symbols"`
}

// Trade groups order sizing and exit thresholds.
type Trade struct {
	NotionalUSDT      float64 `yaml:"notional_usdt"`
	Leverage          int     `yaml:"leverage"`
	StopLossPct       float64 `yaml:"stop_loss_pct"`
	TakeProfitBasePct float64 `yaml:"take_profit_base_pct"`
	TrailGivebackPct  float64 `yaml:"trail_giveback_pct"`
	RSIFloor          float64 `yaml:"rsi_floor"`
	RSICeil           float64 `yaml:"rsi_ceil"`
	MinRangePct       float64 `yaml:"min_range_pct"`
}

// Scan tunes the universe pass cadence and the shared request budget.
type Scan struct {
	IntervalSecs      int     `yaml:"interval_secs"`
	Workers           int     `yaml:"workers"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Paper captures simulated-account settings for paper mode.
type Paper struct {
	StartingMargin float64 `yaml:"starting_margin"`
	FillsPath      string  `yaml:"fills_path"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App      App      `yaml:"app"`
	Exchange Exchange `yaml:"exchange"`
	Trade    Trade    `yaml:"trade"`
	Scan     Scan     `yaml:"scan"`
	Paper    Paper    `yaml:"paper"`
}

// Load reads a YAML file from disk and hydrates a Config struct.
// Credentials may be left out of the file; ApplyEnv fills them from the environment.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return &config, nil
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ApplyEnv overlays credentials from the environment (and a best-effort .env file)
// so secrets never need to live in the YAML file.
func (c *Config) ApplyEnv() {
	_ = godotenv.Load() // best-effort
	if v := os.Getenv("BINGX_API_KEY"); v != "" {
		c.Exchange.APIKey = v
	}
	if v := os.Getenv("BINGX_API_SECRET"); v != "" {
		c.Exchange.APISecret = v
	}
}

// Validate rejects configurations the scanner cannot run with.
func (c *Config) Validate() error {
	if c.Trade.NotionalUSDT <= 0 {
		return fmt.Errorf("trade.notional_usdt must be positive")
	}
	if c.Trade.Leverage < 1 {
		return fmt.Errorf("trade.leverage must be >= 1")
	}
	if c.Trade.StopLossPct <= 0 || c.Trade.TakeProfitBasePct <= 0 || c.Trade.TrailGivebackPct <= 0 {
		return fmt.Errorf("trade exit thresholds must be positive")
	}
	if c.Scan.RequestsPerSecond <= 0 {
		return fmt.Errorf("scan.requests_per_second must be positive")
	}
	if c.Exchange.Interval == "" {
		return fmt.Errorf("exchange.interval is required")
	}
	return nil
}
