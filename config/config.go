// Package config loads and validates a backtest run configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rustyeddy/execsim/risk"
	"github.com/rustyeddy/execsim/sim"
	"github.com/rustyeddy/execsim/strategies"
	"github.com/shopspring/decimal"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config represents the complete backtest configuration
type Config struct {
	Account   AccountConfig   `json:"account" yaml:"account"`
	Sizing    SizingConfig    `json:"sizing" yaml:"sizing"`
	Costs     CostsConfig     `json:"costs" yaml:"costs"`
	Allocator AllocatorConfig `json:"allocator" yaml:"allocator"`
	Exits     ExitsConfig     `json:"exits" yaml:"exits"`
	Strategy  StrategyConfig  `json:"strategy" yaml:"strategy"`
	Data      DataConfig      `json:"data" yaml:"data"`
	Journal   JournalConfig   `json:"journal" yaml:"journal"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Report    ReportConfig    `json:"report" yaml:"report"`
}

// AccountConfig contains account initialization parameters
type AccountConfig struct {
	ID       string  `json:"id" yaml:"id"`
	Currency string  `json:"currency" yaml:"currency"`
	Balance  float64 `json:"balance" yaml:"balance"`
}

// SizingConfig selects the position sizing policy. Fields the policy
// does not read are ignored.
type SizingConfig struct {
	Policy   string  `json:"policy" yaml:"policy"` // fixed-fraction, percent-of-equity, confidence-weighted
	Fraction float64 `json:"fraction" yaml:"fraction"`
	Pct      float64 `json:"pct" yaml:"pct"`
	MinPct   float64 `json:"min_pct" yaml:"min_pct"`
	MaxPct   float64 `json:"max_pct" yaml:"max_pct"`
}

// CostsConfig is the simulated transaction cost model, as fractions.
type CostsConfig struct {
	Slippage   float64 `json:"slippage" yaml:"slippage"`
	Commission float64 `json:"commission" yaml:"commission"`
}

type AllocatorConfig struct {
	Buffer         float64 `json:"buffer" yaml:"buffer"`
	FallbackBuffer float64 `json:"fallback_buffer" yaml:"fallback_buffer"`
	CashReservePct float64 `json:"cash_reserve_pct" yaml:"cash_reserve_pct"`
	MaxPositions   int     `json:"max_positions" yaml:"max_positions"`
}

type ExitsConfig struct {
	CatastrophicPct float64 `json:"catastrophic_pct" yaml:"catastrophic_pct"`
	StopLossPct     float64 `json:"stop_loss_pct" yaml:"stop_loss_pct"`
	TrailingPct     float64 `json:"trailing_pct" yaml:"trailing_pct"`
	TakeProfitPct   float64 `json:"take_profit_pct" yaml:"take_profit_pct"`
	MinHoldingBars  int     `json:"min_holding_bars" yaml:"min_holding_bars"`
}

// StrategyConfig contains strategy parameters
type StrategyConfig struct {
	Name       string   `json:"name" yaml:"name"`
	Symbols    []string `json:"symbols,omitempty" yaml:"symbols,omitempty"`
	FastPeriod int      `json:"fast_period,omitempty" yaml:"fast_period,omitempty"`
	SlowPeriod int      `json:"slow_period,omitempty" yaml:"slow_period,omitempty"`
	ATRPeriod  int      `json:"atr_period,omitempty" yaml:"atr_period,omitempty"`
	AllowShort bool     `json:"allow_short" yaml:"allow_short"`
}

// DataConfig points at the bar file and bounds the replay to [From, To).
// From and To are RFC3339 timestamps or YYYY-MM-DD dates; empty means open.
type DataConfig struct {
	Path           string  `json:"path" yaml:"path"`
	From           string  `json:"from,omitempty" yaml:"from,omitempty"`
	To             string  `json:"to,omitempty" yaml:"to,omitempty"`
	WindowSize     int     `json:"window_size" yaml:"window_size"`
	CloseAtEnd     bool    `json:"close_at_end" yaml:"close_at_end"`
	PeriodsPerYear float64 `json:"periods_per_year" yaml:"periods_per_year"`
}

// JournalConfig contains journaling parameters
type JournalConfig struct {
	Type       string `json:"type" yaml:"type"` // "sqlite", "csv" or "none"
	TradesFile string `json:"trades_file,omitempty" yaml:"trades_file,omitempty"`
	EquityFile string `json:"equity_file,omitempty" yaml:"equity_file,omitempty"`
	DBPath     string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
}

type LoggingConfig struct {
	Level    string `json:"level" yaml:"level"`
	Encoding string `json:"encoding" yaml:"encoding"` // console or json
}

// ReportConfig controls the Org summary written after a run. An empty
// OrgDir disables it.
type ReportConfig struct {
	OrgDir string `json:"org_dir,omitempty" yaml:"org_dir,omitempty"`
}

// LoadFromFile loads configuration from a file (YAML or JSON)
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Missing keys keep their defaults.
	cfg := Default()

	// Try YAML first, fall back to JSON
	if err := yaml.Unmarshal(data, cfg); err != nil {
		cfg = Default()
		if jerr := json.Unmarshal(data, cfg); jerr != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SaveToFile saves configuration to a file (YAML for .yaml/.yml, JSON otherwise)
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Account.Currency == "" {
		return fmt.Errorf("account.currency is required")
	}
	if c.Account.Balance <= 0 {
		return fmt.Errorf("account.balance must be positive")
	}

	if _, err := c.SizingPolicy(); err != nil {
		return fmt.Errorf("sizing: %w", err)
	}

	costs := c.SimCosts()
	if err := costs.Validate(); err != nil {
		return fmt.Errorf("costs: %w", err)
	}

	a := c.Allocator
	if a.Buffer < costs.MinBuffer().InexactFloat64() {
		return fmt.Errorf("allocator.buffer %.4f is below slippage+commission %s",
			a.Buffer, costs.MinBuffer().StringFixed(6))
	}
	if a.FallbackBuffer < a.Buffer {
		return fmt.Errorf("allocator.fallback_buffer must be at least allocator.buffer")
	}
	if a.CashReservePct < 0 || a.CashReservePct >= 1 {
		return fmt.Errorf("allocator.cash_reserve_pct must be in [0,1)")
	}
	if a.MaxPositions < 0 {
		return fmt.Errorf("allocator.max_positions must not be negative")
	}

	if err := c.ExitConfig().Validate(); err != nil {
		return err
	}

	if _, err := strategies.StrategyByName(c.Strategy.Name, c.StrategyParams()); err != nil {
		return fmt.Errorf("strategy: %w", err)
	}

	if _, _, err := c.Data.Range(); err != nil {
		return err
	}
	if c.Data.WindowSize < 0 {
		return fmt.Errorf("data.window_size must not be negative")
	}

	switch c.Journal.Type {
	case "sqlite":
		if c.Journal.DBPath == "" {
			return fmt.Errorf("journal db_path required for SQLite type")
		}
	case "csv":
		if c.Journal.TradesFile == "" || c.Journal.EquityFile == "" {
			return fmt.Errorf("journal trades_file and equity_file required for CSV type")
		}
	case "none", "":
	default:
		return fmt.Errorf("journal.type must be 'sqlite', 'csv' or 'none'")
	}

	if c.Logging.Level != "" {
		if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	switch c.Logging.Encoding {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.encoding must be 'console' or 'json'")
	}
	return nil
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Account: AccountConfig{
			ID:       "SIM-001",
			Currency: "USD",
			Balance:  100000,
		},
		Sizing: SizingConfig{
			Policy: risk.PolicyPercentOfEquity,
			Pct:    0.05,
		},
		Costs: CostsConfig{
			Slippage:   0.005,
			Commission: 0.001,
		},
		Allocator: AllocatorConfig{
			Buffer:         0.016,
			FallbackBuffer: 0.02,
			CashReservePct: 0.01,
		},
		Exits: ExitsConfig{
			CatastrophicPct: 0.05,
			StopLossPct:     0.02,
			TrailingPct:     0.03,
			TakeProfitPct:   0.03,
			MinHoldingBars:  10,
		},
		Strategy: StrategyConfig{
			Name:       "ema-cross",
			FastPeriod: 10,
			SlowPeriod: 30,
			ATRPeriod:  14,
		},
		Data: DataConfig{
			Path:           "./data/bars.csv",
			WindowSize:     200,
			CloseAtEnd:     true,
			PeriodsPerYear: 252,
		},
		Journal: JournalConfig{
			Type:   "sqlite",
			DBPath: "./trader.db",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "console",
		},
	}
}

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func (c *Config) InitialCapital() decimal.Decimal { return dec(c.Account.Balance) }

func (c *Config) SimCosts() sim.Costs {
	return sim.Costs{Slippage: dec(c.Costs.Slippage), Commission: dec(c.Costs.Commission)}
}

func (c *Config) SizingPolicy() (risk.SizingPolicy, error) {
	return risk.NewSizingPolicy(c.Sizing.Policy, risk.SizingParams{
		Fraction: dec(c.Sizing.Fraction),
		Pct:      dec(c.Sizing.Pct),
		MinPct:   dec(c.Sizing.MinPct),
		MaxPct:   dec(c.Sizing.MaxPct),
	})
}

func (c *Config) AllocatorConfig() risk.AllocatorConfig {
	return risk.AllocatorConfig{
		Buffer:         dec(c.Allocator.Buffer),
		FallbackBuffer: dec(c.Allocator.FallbackBuffer),
		CashReservePct: dec(c.Allocator.CashReservePct),
		MaxPositions:   c.Allocator.MaxPositions,
	}
}

func (c *Config) ExitConfig() risk.ExitConfig {
	return risk.ExitConfig{
		CatastrophicPct: dec(c.Exits.CatastrophicPct),
		StopLossPct:     dec(c.Exits.StopLossPct),
		TrailingPct:     dec(c.Exits.TrailingPct),
		TakeProfitPct:   dec(c.Exits.TakeProfitPct),
		MinHoldingBars:  c.Exits.MinHoldingBars,
	}
}

func (c *Config) StrategyParams() strategies.Params {
	return strategies.Params{
		Symbols:    c.Strategy.Symbols,
		FastPeriod: c.Strategy.FastPeriod,
		SlowPeriod: c.Strategy.SlowPeriod,
		ATRPeriod:  c.Strategy.ATRPeriod,
		AllowShort: c.Strategy.AllowShort,
	}
}

// Range parses From and To; zero times mean unbounded.
func (d DataConfig) Range() (from, to time.Time, err error) {
	if from, err = parseBound(d.From); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("data.from: %w", err)
	}
	if to, err = parseBound(d.To); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("data.to: %w", err)
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("data.from must be before data.to")
	}
	return from, to, nil
}

func parseBound(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", s)
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. With no paths it reads ./.env
// and a missing file is not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		err := godotenv.Load()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return godotenv.Load(paths...)
}

// ApplyEnv overrides fields from TRADER_* variables. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *float64) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = f
		return nil
	}

	if err := num("TRADER_BALANCE", &c.Account.Balance); err != nil {
		return err
	}
	if err := num("TRADER_SLIPPAGE", &c.Costs.Slippage); err != nil {
		return err
	}
	if err := num("TRADER_COMMISSION", &c.Costs.Commission); err != nil {
		return err
	}
	str("TRADER_SIZING_POLICY", &c.Sizing.Policy)
	str("TRADER_STRATEGY", &c.Strategy.Name)
	if v, ok := lookup("TRADER_SYMBOLS"); ok && v != "" {
		var syms []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				syms = append(syms, s)
			}
		}
		c.Strategy.Symbols = syms
	}
	str("TRADER_DATA", &c.Data.Path)
	str("TRADER_FROM", &c.Data.From)
	str("TRADER_TO", &c.Data.To)
	str("TRADER_JOURNAL", &c.Journal.Type)
	str("TRADER_DB", &c.Journal.DBPath)
	str("TRADER_LOG_LEVEL", &c.Logging.Level)
	str("TRADER_LOG_FORMAT", &c.Logging.Encoding)
	str("TRADER_ORG_DIR", &c.Report.OrgDir)
	return nil
}
