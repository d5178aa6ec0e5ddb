package backtest

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/rustyeddy/execsim/journal"
	"github.com/rustyeddy/execsim/portfolio"
	"github.com/shopspring/decimal"
)

type EquityPoint struct {
	Time   time.Time
	Equity decimal.Decimal
}

// Result summarizes a run. Ratios are fractions: 0.05 is 5%.
type Result struct {
	RunID    string
	Strategy string

	Start time.Time
	End   time.Time

	StartEquity decimal.Decimal
	EndEquity   decimal.Decimal
	Cash        decimal.Decimal
	NetPL       decimal.Decimal

	TotalReturn float64
	WinRate     float64
	// ProfitFactor is gross profit / gross loss; 0 when there were no losses.
	ProfitFactor float64
	MaxDrawdown  float64
	Sharpe       float64

	Wins   int
	Losses int

	Trades        []portfolio.ClosedTrade
	OpenPositions []portfolio.Position
	Equity        []EquityPoint
	Stats         Stats
}

func (e *Engine) result(startEquity decimal.Decimal, start, end time.Time) Result {
	r := Result{
		RunID:         e.Options.RunID,
		Strategy:      e.Strategy.Name(),
		Start:         start,
		End:           end,
		StartEquity:   startEquity,
		EndEquity:     e.Ledger.Equity(),
		Cash:          e.Ledger.Cash(),
		Trades:        e.trades,
		OpenPositions: e.Ledger.Positions(),
		Equity:        e.equity,
		Stats:         e.stats,
	}
	r.NetPL = r.EndEquity.Sub(r.StartEquity)
	if startEquity.IsPositive() {
		r.TotalReturn = r.NetPL.Div(startEquity).InexactFloat64()
	}
	r.Wins, r.Losses, r.WinRate, r.ProfitFactor = tradeStats(e.trades)
	r.MaxDrawdown = maxDrawdown(startEquity, e.equity)
	r.Sharpe = sharpe(startEquity, e.equity, e.Options.PeriodsPerYear)
	return r
}

func tradeStats(trades []portfolio.ClosedTrade) (wins, losses int, winRate, profitFactor float64) {
	gross, loss := decimal.Zero, decimal.Zero
	for _, t := range trades {
		switch {
		case t.RealizedPL.IsPositive():
			wins++
			gross = gross.Add(t.RealizedPL)
		case t.RealizedPL.IsNegative():
			losses++
			loss = loss.Add(t.RealizedPL.Neg())
		}
	}
	if n := len(trades); n > 0 {
		winRate = float64(wins) / float64(n)
	}
	if loss.IsPositive() {
		profitFactor = gross.Div(loss).InexactFloat64()
	}
	return wins, losses, winRate, profitFactor
}

// maxDrawdown is the largest peak-to-trough fall of the equity curve as a
// fraction of the peak.
func maxDrawdown(start decimal.Decimal, curve []EquityPoint) float64 {
	peak := start
	worst := decimal.Zero
	for _, p := range curve {
		if p.Equity.GreaterThan(peak) {
			peak = p.Equity
		}
		if !peak.IsPositive() {
			continue
		}
		dd := peak.Sub(p.Equity).Div(peak)
		if dd.GreaterThan(worst) {
			worst = dd
		}
	}
	return worst.InexactFloat64()
}

// sharpe annualizes the mean over the sample standard deviation of per-step
// returns. The risk-free rate is taken as zero.
func sharpe(start decimal.Decimal, curve []EquityPoint, periodsPerYear float64) float64 {
	if len(curve) < 2 || !start.IsPositive() {
		return 0
	}
	rets := make([]float64, 0, len(curve))
	prev := start.InexactFloat64()
	for _, p := range curve {
		cur := p.Equity.InexactFloat64()
		if prev > 0 {
			rets = append(rets, cur/prev-1)
		}
		prev = cur
	}
	if len(rets) < 2 {
		return 0
	}

	mean := 0.0
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))

	ss := 0.0
	for _, r := range rets {
		ss += (r - mean) * (r - mean)
	}
	sd := math.Sqrt(ss / float64(len(rets)-1))
	if sd == 0 {
		return 0
	}
	return mean / sd * math.Sqrt(periodsPerYear)
}

// BacktestRun converts the result into the journal row; percentages are
// scaled to percent units there.
func (r Result) BacktestRun(symbols []string, dataset string, config []byte) journal.BacktestRun {
	return journal.BacktestRun{
		RunID:        r.RunID,
		Created:      time.Now().UTC(),
		Strategy:     r.Strategy,
		Symbols:      symbols,
		Dataset:      dataset,
		Config:       config,
		Start:        r.Start,
		End:          r.End,
		Trades:       len(r.Trades),
		Wins:         r.Wins,
		Losses:       r.Losses,
		StartEquity:  r.StartEquity,
		EndEquity:    r.EndEquity,
		NetPL:        r.NetPL,
		ReturnPct:    r.TotalReturn * 100,
		WinRate:      r.WinRate * 100,
		ProfitFactor: r.ProfitFactor,
		MaxDDPct:     r.MaxDrawdown * 100,
		Sharpe:       r.Sharpe,
	}
}

func PrintResult(w io.Writer, r Result) {
	fmt.Fprintln(w, "==================================================")
	fmt.Fprintln(w, " Backtest Result")
	fmt.Fprintln(w, "==================================================")

	fmt.Fprintf(w, "Run ID:        %s\n", r.RunID)
	fmt.Fprintf(w, "Strategy:      %s\n", r.Strategy)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Period")
	fmt.Fprintln(w, "--------------------------------------------------")
	fmt.Fprintf(w, "Start:         %s\n", r.Start.Format(time.RFC3339))
	fmt.Fprintf(w, "End:           %s\n", r.End.Format(time.RFC3339))
	fmt.Fprintf(w, "Steps:         %d\n", r.Stats.Steps)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Trade Statistics")
	fmt.Fprintln(w, "--------------------------------------------------")
	fmt.Fprintf(w, "Trades:        %d\n", len(r.Trades))
	fmt.Fprintf(w, "Wins:          %d\n", r.Wins)
	fmt.Fprintf(w, "Losses:        %d\n", r.Losses)
	fmt.Fprintf(w, "Win Rate:      %.2f%%\n", r.WinRate*100)
	if r.ProfitFactor > 0 {
		fmt.Fprintf(w, "Profit Factor: %.2f\n", r.ProfitFactor)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Account Performance")
	fmt.Fprintln(w, "--------------------------------------------------")
	fmt.Fprintf(w, "Start Equity:  %s\n", r.StartEquity.StringFixed(2))
	fmt.Fprintf(w, "End Equity:    %s\n", r.EndEquity.StringFixed(2))
	fmt.Fprintf(w, "Cash:          %s\n", r.Cash.StringFixed(2))
	fmt.Fprintf(w, "Net P/L:       %s\n", r.NetPL.StringFixed(2))
	fmt.Fprintf(w, "Return:        %.2f%%\n", r.TotalReturn*100)
	fmt.Fprintf(w, "Max Drawdown:  %.2f%%\n", r.MaxDrawdown*100)
	fmt.Fprintf(w, "Sharpe:        %.2f\n", r.Sharpe)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Execution")
	fmt.Fprintln(w, "--------------------------------------------------")
	fmt.Fprintf(w, "Signals:       %d (invalid %d)\n", r.Stats.Signals, r.Stats.InvalidSignals)
	fmt.Fprintf(w, "Orders:        %d (rejected signals %d)\n", r.Stats.Orders, r.Stats.Rejected)
	fmt.Fprintf(w, "Fills:         %d (dropped %d)\n", r.Stats.Fills, r.Stats.DroppedFills)
	fmt.Fprintf(w, "Exits:         ignored %d, held %d\n", r.Stats.IgnoredExits, r.Stats.HeldExits)

	if len(r.Trades) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Trades")
		fmt.Fprintln(w, "--------------------------------------------------")
		for _, t := range r.Trades {
			fmt.Fprintf(w, "%s %-6s %-5s %6d  %10s -> %-10s %10s  %s / %s\n",
				t.ExitTime.Format("2006-01-02"), t.Symbol, t.Side, t.Quantity,
				t.EntryPrice.StringFixed(2), t.ExitPrice.StringFixed(2), t.RealizedPL.StringFixed(2),
				t.EntryReason, t.ExitReason)
		}
	}

	if len(r.OpenPositions) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Open Positions")
		fmt.Fprintln(w, "--------------------------------------------------")
		for _, p := range r.OpenPositions {
			fmt.Fprintf(w, "%-6s %6d @ %s\n", p.Symbol, p.Quantity, p.EntryPrice.StringFixed(2))
		}
	}

	fmt.Fprintln(w)
}
