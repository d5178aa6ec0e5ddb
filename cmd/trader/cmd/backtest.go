package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rustyeddy/execsim/backtest"
	"github.com/rustyeddy/execsim/config"
	"github.com/rustyeddy/execsim/internal/id"
	"github.com/rustyeddy/execsim/internal/logger"
	"github.com/rustyeddy/execsim/journal"
	"github.com/rustyeddy/execsim/portfolio"
	"github.com/rustyeddy/execsim/risk"
	"github.com/rustyeddy/execsim/sim"
	"github.com/rustyeddy/execsim/strategies"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Run a backtest over a CSV bar file",
	Long: `Backtest replays bars (time,symbol,open,high,low,close[,volume]) through
the configured strategy and prints a performance summary.

Supported strategies:
  - noop: Does nothing (baseline test)
  - open-once: Goes long every symbol on its first bar
  - ema-cross: Fast/slow EMA crossover with ATR-scaled strength

Example:
  trader backtest -c run.yaml
  trader backtest --data data/daily.csv --strategy ema-cross --symbols AAPL,MSFT --fast 10 --slow 30`,
	RunE: runBacktest,
}

var (
	btDataPath   string
	btFrom       string
	btTo         string
	btStrategy   string
	btSymbols    []string
	btFast       int
	btSlow       int
	btAllowShort bool
	btBalance    float64
	btPolicy     string
	btJournal    string
	btDBPath     string
	btOrgDir     string
	btCloseEnd   bool
)

func init() {
	rootCmd.AddCommand(backtestCmd)

	f := backtestCmd.Flags()
	f.StringVarP(&btDataPath, "data", "t", "", "path to bar CSV")
	f.StringVar(&btFrom, "from", "", "first bar time to include (YYYY-MM-DD or RFC3339)")
	f.StringVar(&btTo, "to", "", "stop before this time (YYYY-MM-DD or RFC3339)")
	f.StringVarP(&btStrategy, "strategy", "s", "", "strategy name ("+strings.Join(strategies.Names(), ", ")+")")
	f.StringSliceVar(&btSymbols, "symbols", nil, "symbols to trade (default: every symbol in the data)")
	f.IntVar(&btFast, "fast", 0, "ema-cross: fast EMA period")
	f.IntVar(&btSlow, "slow", 0, "ema-cross: slow EMA period")
	f.BoolVar(&btAllowShort, "allow-short", false, "ema-cross: open shorts on bear crosses")
	f.Float64VarP(&btBalance, "balance", "b", 0, "initial capital")
	f.StringVar(&btPolicy, "policy", "", "sizing policy (fixed-fraction, percent-of-equity, confidence-weighted)")
	f.StringVar(&btJournal, "journal", "", "journal type (sqlite, csv, none)")
	f.StringVarP(&btDBPath, "db", "d", "", "path to SQLite journal DB")
	f.StringVar(&btOrgDir, "org-dir", "", "directory for the Org run report")
	f.BoolVar(&btCloseEnd, "close-end", true, "close all open positions at the end of the data")
}

// applyBacktestFlags copies explicitly set flags over cfg.
func applyBacktestFlags(cmd *cobra.Command, cfg *config.Config) {
	set := cmd.Flags().Changed
	if set("data") {
		cfg.Data.Path = btDataPath
	}
	if set("from") {
		cfg.Data.From = btFrom
	}
	if set("to") {
		cfg.Data.To = btTo
	}
	if set("strategy") {
		cfg.Strategy.Name = btStrategy
	}
	if set("symbols") {
		cfg.Strategy.Symbols = btSymbols
	}
	if set("fast") {
		cfg.Strategy.FastPeriod = btFast
	}
	if set("slow") {
		cfg.Strategy.SlowPeriod = btSlow
	}
	if set("allow-short") {
		cfg.Strategy.AllowShort = btAllowShort
	}
	if set("balance") {
		cfg.Account.Balance = btBalance
	}
	if set("policy") {
		cfg.Sizing.Policy = btPolicy
	}
	if set("journal") {
		cfg.Journal.Type = btJournal
	}
	if set("db") {
		cfg.Journal.DBPath = btDBPath
	}
	if set("org-dir") {
		cfg.Report.OrgDir = btOrgDir
	}
	if set("close-end") {
		cfg.Data.CloseAtEnd = btCloseEnd
	}
}

func runBacktest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyBacktestFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Encoding)
	if err != nil {
		return err
	}
	defer log.Sync()

	eng, err := buildEngine(cfg, log)
	if err != nil {
		return err
	}

	from, to, _ := cfg.Data.Range()
	feed, err := backtest.NewCSVBarFeed(cfg.Data.Path, from, to)
	if err != nil {
		return fmt.Errorf("open data: %w", err)
	}

	j, db, err := openJournal(cfg.Journal)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer j.Close()
	eng.Journal = j

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	log.Info("backtest starting",
		zap.String("run_id", eng.Options.RunID),
		zap.String("strategy", eng.Strategy.Name()),
		zap.String("data", cfg.Data.Path),
		zap.String("journal", cfg.Journal.Type),
	)
	res, err := eng.Run(ctx, feed)
	if err != nil {
		return fmt.Errorf("backtest: %w", err)
	}

	out := cmd.OutOrStdout()
	backtest.PrintResult(out, res)

	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	run := res.BacktestRun(runSymbols(cfg, res), filepath.Base(cfg.Data.Path), raw)

	if cfg.Report.OrgDir != "" {
		if err := os.MkdirAll(cfg.Report.OrgDir, 0o755); err != nil {
			return fmt.Errorf("org dir: %w", err)
		}
		run.OrgPath = filepath.Join(cfg.Report.OrgDir, run.RunID+".org")
		if err := run.WriteBacktestOrg(); err != nil {
			return fmt.Errorf("write org: %w", err)
		}
		fmt.Fprintf(out, "Org report: %s\n", run.OrgPath)
	}

	if db != nil {
		if err := db.RecordBacktest(ctx, run); err != nil {
			return fmt.Errorf("record run: %w", err)
		}
		fmt.Fprintf(out, "Journal: %s (run %s)\n", cfg.Journal.DBPath, run.RunID)
	}
	return nil
}

func buildEngine(cfg *config.Config, log *zap.Logger) (*backtest.Engine, error) {
	ledger, err := portfolio.New(cfg.InitialCapital())
	if err != nil {
		return nil, err
	}
	policy, err := cfg.SizingPolicy()
	if err != nil {
		return nil, fmt.Errorf("sizing: %w", err)
	}
	costs := cfg.SimCosts()
	alloc, err := risk.NewAllocator(cfg.AllocatorConfig(), policy, costs, log.Named("allocator"))
	if err != nil {
		return nil, err
	}
	exits, err := risk.NewExitEvaluator(cfg.ExitConfig())
	if err != nil {
		return nil, err
	}
	fills, err := sim.NewFillSimulator(costs, log.Named("sim"))
	if err != nil {
		return nil, err
	}
	strat, err := strategies.StrategyByName(cfg.Strategy.Name, cfg.StrategyParams())
	if err != nil {
		return nil, fmt.Errorf("strategy: %w", err)
	}

	return &backtest.Engine{
		Ledger:    ledger,
		Allocator: alloc,
		Exits:     exits,
		Fills:     fills,
		Strategy:  strat,
		Log:       log.Named("engine"),
		Options: backtest.Options{
			RunID:          id.New(),
			WindowSize:     cfg.Data.WindowSize,
			CloseAtEnd:     cfg.Data.CloseAtEnd,
			PeriodsPerYear: cfg.Data.PeriodsPerYear,
		},
	}, nil
}

// openJournal returns the run's journal and, for SQLite, the store that
// also keeps the run summary.
func openJournal(jc config.JournalConfig) (journal.Journal, *journal.SQLite, error) {
	switch jc.Type {
	case "sqlite":
		db, err := journal.NewSQLite(jc.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return db, db, nil
	case "csv":
		j, err := journal.NewCSV(jc.TradesFile, jc.EquityFile)
		if err != nil {
			return nil, nil, err
		}
		return j, nil, nil
	default:
		return journal.Nop{}, nil, nil
	}
}

// runSymbols is the configured universe, or every symbol that traded.
func runSymbols(cfg *config.Config, res backtest.Result) []string {
	if len(cfg.Strategy.Symbols) > 0 {
		return cfg.Strategy.Symbols
	}
	seen := make(map[string]bool)
	for _, t := range res.Trades {
		seen[t.Symbol] = true
	}
	for _, p := range res.OpenPositions {
		seen[p.Symbol] = true
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
