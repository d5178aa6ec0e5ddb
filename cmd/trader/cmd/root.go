package cmd

import (
	"fmt"

	"github.com/rustyeddy/execsim/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "trader",
	Short: "An event-driven backtester for equity bar data",
	Long: `Trader replays historical OHLCV bars through a strategy, a capital
allocator, a fill simulator and a portfolio ledger, one timestamp at a time.

It provides tools for:
  - Backtesting strategies against CSV bar files
  - Cash-safe position sizing with per-step reservations
  - Stop-loss, trailing stop and take-profit exits
  - Trade and equity journals in SQLite or CSV, with Org-mode reports

Settings come from a YAML/JSON config file, then TRADER_* environment
variables (a .env file is loaded if present), then command-line flags.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(envFiles...); err != nil {
			return fmt.Errorf("load env: %w", err)
		}
		return nil
	},
}

var (
	cfgFile   string
	envFiles  []string
	logLevel  string
	logFormat string
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML or JSON); defaults apply when empty")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env", nil, "dotenv files to load (default ./.env if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log encoding override (console, json)")
}

// loadConfig layers the config file, TRADER_* variables and the global
// logging flags. Command flags are applied by the caller.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if cfgFile != "" {
		var err error
		if cfg, err = config.LoadFromFile(cfgFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(nil); err != nil {
		return nil, fmt.Errorf("env: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Encoding = logFormat
	}
	return cfg, nil
}
