package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: create schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (j *SQLite) RecordTrade(t TradeRecord) error {
	_, err := j.db.Exec(`
		INSERT INTO trades
		(trade_id, run_id, symbol, side, quantity, entry_price, exit_price, open_time, close_time, commission, realized_pl, entry_reason, exit_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TradeID, t.RunID, t.Symbol, t.Side, t.Quantity, t.EntryPrice, t.ExitPrice,
		t.OpenTime.UTC(), t.CloseTime.UTC(), t.Commission, t.RealizedPL, t.EntryReason, t.ExitReason,
	)
	return err
}

func (j *SQLite) RecordEquity(e EquitySnapshot) error {
	_, err := j.db.Exec(`
		INSERT INTO equity
		(run_id, time, cash, equity, reserved, positions)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Time.UTC(), e.Cash, e.Equity, e.Reserved, e.Positions,
	)
	return err
}

func (j *SQLite) RecordBacktest(ctx context.Context, r BacktestRun) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO backtest_runs
		(run_id, created, strategy, symbols, dataset, config, start_time, end_time,
		 trades, wins, losses, start_equity, end_equity, net_pl,
		 return_pct, win_rate, profit_factor, max_dd_pct, sharpe,
		 git_commit, org_path, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Created.UTC(), r.Strategy, strings.Join(r.Symbols, ","), r.Dataset, string(r.Config),
		r.Start.UTC(), r.End.UTC(),
		r.Trades, r.Wins, r.Losses, r.StartEquity, r.EndEquity, r.NetPL,
		r.ReturnPct, r.WinRate, r.ProfitFactor, r.MaxDDPct, r.Sharpe,
		r.GitCommit, r.OrgPath, strings.Join(r.Notes, "\n"),
	)
	return err
}

func (j *SQLite) GetBacktestRun(ctx context.Context, runID string) (BacktestRun, error) {
	var (
		r              BacktestRun
		symbols, notes string
		config         string
	)
	err := j.db.QueryRowContext(ctx, `
		SELECT run_id, created, strategy, symbols, dataset, config, start_time, end_time,
		       trades, wins, losses, start_equity, end_equity, net_pl,
		       return_pct, win_rate, profit_factor, max_dd_pct, sharpe,
		       git_commit, org_path, notes
		FROM backtest_runs WHERE run_id = ?`, runID).Scan(
		&r.RunID, &r.Created, &r.Strategy, &symbols, &r.Dataset, &config, &r.Start, &r.End,
		&r.Trades, &r.Wins, &r.Losses, &r.StartEquity, &r.EndEquity, &r.NetPL,
		&r.ReturnPct, &r.WinRate, &r.ProfitFactor, &r.MaxDDPct, &r.Sharpe,
		&r.GitCommit, &r.OrgPath, &notes,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BacktestRun{}, fmt.Errorf("backtest run %q %w", runID, ErrNotFound)
		}
		return BacktestRun{}, err
	}
	if symbols != "" {
		r.Symbols = strings.Split(symbols, ",")
	}
	if notes != "" {
		r.Notes = strings.Split(notes, "\n")
	}
	if config != "" {
		r.Config = []byte(config)
	}
	return r, nil
}

func (j *SQLite) ListTradesByRunID(ctx context.Context, runID string) ([]TradeRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE run_id = ?
		ORDER BY close_time ASC, trade_id ASC`, runID)
	if err != nil {
		return nil, err
	}
	return scanTrades(rows)
}

func (j *SQLite) ListEquityByRunID(ctx context.Context, runID string) ([]EquitySnapshot, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT `+equityColumns+`
		FROM equity
		WHERE run_id = ?
		ORDER BY time ASC`, runID)
	if err != nil {
		return nil, err
	}
	return scanEquity(rows)
}

// ExportBacktestOrg loads a run and its trades and returns the Org block.
func (j *SQLite) ExportBacktestOrg(ctx context.Context, runID string) (string, error) {
	r, err := j.GetBacktestRun(ctx, runID)
	if err != nil {
		return "", err
	}
	trades, err := j.ListTradesByRunID(ctx, runID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if err := r.RenderOrg(&b); err != nil {
		return "", err
	}
	if len(trades) > 0 {
		b.WriteString("\n** Trades\n")
		b.WriteString(FormatTradesOrg(trades))
	}
	return b.String(), nil
}

func (j *SQLite) Close() error {
	return j.db.Close()
}
