// Package backtest replays historical bars through strategy, allocator,
// fill simulator and ledger, one step at a time.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/execsim/broker"
	"github.com/rustyeddy/execsim/internal/id"
	"github.com/rustyeddy/execsim/journal"
	"github.com/rustyeddy/execsim/market"
	"github.com/rustyeddy/execsim/portfolio"
	"github.com/rustyeddy/execsim/risk"
	"github.com/rustyeddy/execsim/sim"
	"github.com/rustyeddy/execsim/strategies"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Options controls how the engine behaves.
type Options struct {
	// RunID tags journal rows; a ULID is generated when empty.
	RunID string
	// WindowSize is how many bars per symbol strategies can look back on.
	WindowSize int
	// CloseAtEnd liquidates every open position at the last bar's marks
	// with reason end_of_data.
	CloseAtEnd bool
	// PeriodsPerYear annualizes the Sharpe ratio (252 for daily bars).
	PeriodsPerYear float64
}

// riskStrategyID tags exit signals raised by the exit evaluator.
const riskStrategyID = "risk"

func DefaultOptions() Options {
	return Options{WindowSize: 200, PeriodsPerYear: 252}
}

// Stats counts what happened to signals and orders during a run.
type Stats struct {
	Steps          int
	Signals        int
	InvalidSignals int
	IgnoredExits   int
	HeldExits      int
	Rejected       int
	Orders         int
	Fills          int
	DroppedFills   int
}

// Engine drives the event loop. Every collaborator is required except
// Journal and Log.
type Engine struct {
	Ledger    *portfolio.Ledger
	Allocator *risk.Allocator
	Exits     *risk.ExitEvaluator
	Fills     *sim.FillSimulator
	Strategy  strategies.Strategy
	Journal   journal.Journal
	Log       *zap.Logger
	Options   Options

	q       queue
	window  *market.Window
	step    market.Step
	bar     int
	exiting map[string]bool
	// entering holds symbols with an entry order allocated this step.
	entering map[string]bool

	equity []EquityPoint
	trades []portfolio.ClosedTrade
	stats  Stats
}

func (e *Engine) validate() error {
	switch {
	case e.Ledger == nil:
		return fmt.Errorf("backtest: Ledger is required")
	case e.Allocator == nil:
		return fmt.Errorf("backtest: Allocator is required")
	case e.Exits == nil:
		return fmt.Errorf("backtest: Exits is required")
	case e.Fills == nil:
		return fmt.Errorf("backtest: Fills is required")
	case e.Strategy == nil:
		return fmt.Errorf("backtest: Strategy is required")
	}
	return nil
}

// Run replays feed to the end, or until ctx is done or a fatal error occurs.
// The ledger invariant error (portfolio.ErrInvariantViolated) is fatal and
// carries a state dump. So is an exit fill the ledger cannot book, since the
// position would otherwise stay open. Insufficient funds on an entry and
// invalid signals are not fatal.
func (e *Engine) Run(ctx context.Context, feed Feed) (Result, error) {
	if err := e.validate(); err != nil {
		return Result{}, err
	}
	if feed == nil {
		return Result{}, fmt.Errorf("backtest: Feed is required")
	}
	defer feed.Close()

	e.init()

	startEquity := e.Ledger.Equity()
	var start, end time.Time

	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		s, ok, err := feed.Next()
		if err != nil {
			return Result{}, fmt.Errorf("backtest: feed: %w", err)
		}
		if !ok {
			break
		}
		if len(s.Bars) == 0 {
			continue
		}
		if start.IsZero() {
			start = s.Time
		}
		end = s.Time

		if err := e.runStep(s); err != nil {
			return Result{}, err
		}
	}

	if e.Options.CloseAtEnd && !end.IsZero() && len(e.Ledger.Positions()) > 0 {
		if err := e.closeAll(); err != nil {
			return Result{}, err
		}
	}

	r := e.result(startEquity, start, end)
	e.Log.Info("backtest complete",
		zap.String("run_id", r.RunID),
		zap.String("strategy", r.Strategy),
		zap.Int("steps", r.Stats.Steps),
		zap.Int("trades", len(r.Trades)),
		zap.String("end_equity", r.EndEquity.StringFixed(2)),
	)
	return r, nil
}

func (e *Engine) init() {
	if e.Log == nil {
		e.Log = zap.NewNop()
	}
	if e.Journal == nil {
		e.Journal = journal.Nop{}
	}
	def := DefaultOptions()
	if e.Options.WindowSize <= 0 {
		e.Options.WindowSize = def.WindowSize
	}
	if e.Options.PeriodsPerYear <= 0 {
		e.Options.PeriodsPerYear = def.PeriodsPerYear
	}
	if e.Options.RunID == "" {
		e.Options.RunID = id.New()
	}
	e.window = market.NewWindow(e.Options.WindowSize)
	e.bar = -1
	e.q = queue{}
	e.equity = nil
	e.trades = nil
	e.stats = Stats{}
}

// runStep processes one Step: Market, then every Signal, Order and Fill it
// produces, in FIFO order. The step's reservations are released once the
// queue is empty.
func (e *Engine) runStep(s market.Step) error {
	res, err := e.Allocator.BeginStep()
	if err != nil {
		return fmt.Errorf("backtest: step %s: %w", s.Time.Format(time.RFC3339), err)
	}
	defer res.Release()

	e.step = s
	e.exiting = make(map[string]bool)
	e.entering = make(map[string]bool)
	e.q.Push(MarketEvent{Step: s})

	if err := e.drain(); err != nil {
		return err
	}

	reserved := e.Allocator.Reserved()
	res.Release()
	e.stats.Steps++
	return e.snapshot(s.Time, reserved)
}

func (e *Engine) drain() error {
	for {
		ev, ok := e.q.Pop()
		if !ok {
			return nil
		}
		if err := e.dispatch(ev); err != nil {
			return err
		}
	}
}

func (e *Engine) dispatch(ev Event) error {
	switch ev := ev.(type) {
	case MarketEvent:
		return e.onMarket(ev)
	case SignalEvent:
		e.onSignal(ev)
		return nil
	case OrderEvent:
		e.onOrder(ev)
		return nil
	case FillEvent:
		return e.onFill(ev)
	default:
		return fmt.Errorf("backtest: unknown event %T", ev)
	}
}

func (e *Engine) onMarket(ev MarketEvent) error {
	s := ev.Step
	e.bar++

	for _, b := range s.Bars {
		if !b.Valid() {
			e.Log.Warn("invalid bar skipped", zap.String("symbol", b.Symbol), zap.Time("time", b.Time))
			continue
		}
		e.Ledger.Mark(b.Symbol, b.Close)
	}
	e.window.Push(s)

	// Risk exits are queued ahead of the strategy's signals.
	for _, pos := range e.Ledger.Positions() {
		if pos.LastEntryTime.Equal(s.Time) {
			continue
		}
		price, ok := e.price(pos.Symbol)
		if !ok {
			continue
		}
		dec := e.Exits.Evaluate(risk.ExitInput{Position: pos, Price: price, Bar: e.bar})
		if !dec.Exit {
			continue
		}
		e.stats.Signals++
		e.q.Push(SignalEvent{
			Signal: broker.Signal{
				Symbol:     pos.Symbol,
				Type:       broker.Exit,
				Time:       s.Time,
				StrategyID: riskStrategyID,
				Reason:     string(dec.Reason),
			},
			Price:      price,
			ExitReason: dec.Reason,
		})
	}

	sigs, err := e.Strategy.GenerateSignals(strategies.Context{
		Time:   s.Time,
		Bar:    e.bar,
		Step:   s,
		Window: e.window,
		View:   e.Ledger.View(),
	})
	if err != nil {
		return fmt.Errorf("backtest: strategy %s: %w", e.Strategy.Name(), err)
	}

	for _, sig := range sigs {
		e.stats.Signals++
		if sig.Time.IsZero() {
			sig.Time = s.Time
		}
		if sig.StrategyID == "" {
			sig.StrategyID = e.Strategy.Name()
		}
		if err := sig.Validate(); err != nil {
			e.stats.InvalidSignals++
			e.Log.Warn("signal rejected", zap.String("symbol", sig.Symbol), zap.Error(err))
			continue
		}
		price, _ := e.price(sig.Symbol)
		e.q.Push(SignalEvent{Signal: sig, Price: price})
	}
	return nil
}

func (e *Engine) onSignal(ev SignalEvent) {
	sig := ev.Signal
	log := e.Log.With(
		zap.String("symbol", sig.Symbol),
		zap.Stringer("type", sig.Type),
		zap.String("strategy", sig.StrategyID),
	)

	if !ev.Price.IsPositive() {
		e.stats.Rejected++
		log.Debug("signal dropped: no price this step")
		return
	}

	if sig.Type == broker.Exit {
		if ev.ExitReason != "" {
			e.onRiskExit(sig, ev.ExitReason, ev.Price, log)
			return
		}
		e.onExitSignal(sig, ev.Price, log)
		return
	}

	if e.exiting[sig.Symbol] {
		e.stats.Rejected++
		log.Debug("entry dropped: symbol is exiting this step")
		return
	}
	if pos, ok := e.Ledger.Position(sig.Symbol); ok && pos.IsLong() != (sig.Type == broker.Long) {
		e.stats.Rejected++
		log.Debug("entry dropped: opposite position open", zap.Int64("qty", pos.Quantity))
		return
	}

	order, dec := e.Allocator.Allocate(sig, e.Ledger.View(), ev.Price)
	if !dec.Allowed {
		e.stats.Rejected++
		return
	}
	e.entering[sig.Symbol] = true
	e.stats.Orders++
	e.q.Push(OrderEvent{Order: order, Price: ev.Price})
}

// onRiskExit closes a position the exit evaluator already decided on during
// the market event.
func (e *Engine) onRiskExit(sig broker.Signal, reason risk.ExitReason, price decimal.Decimal, log *zap.Logger) {
	pos, ok := e.Ledger.Position(sig.Symbol)
	if !ok {
		e.stats.IgnoredExits++
		log.Debug("exit ignored", zap.Error(portfolio.ErrNoPosition))
		return
	}
	e.queueExit(pos, reason, price)
}

// onExitSignal closes the whole position. It never goes through sizing.
func (e *Engine) onExitSignal(sig broker.Signal, price decimal.Decimal, log *zap.Logger) {
	pos, ok := e.Ledger.Position(sig.Symbol)
	if !ok {
		e.stats.IgnoredExits++
		log.Debug("exit ignored", zap.Error(portfolio.ErrNoPosition))
		return
	}
	if e.exiting[sig.Symbol] {
		return
	}
	if pos.LastEntryTime.Equal(e.step.Time) {
		e.stats.IgnoredExits++
		log.Debug("exit ignored: entered this bar")
		return
	}
	// The pending entry fills first, so an exit sized now would leave it open.
	if e.entering[sig.Symbol] {
		e.stats.IgnoredExits++
		log.Debug("exit ignored: entry pending this step")
		return
	}

	dec := e.Exits.Evaluate(risk.ExitInput{Position: pos, Price: price, Bar: e.bar, Technical: true})
	switch {
	case dec.Exit:
		e.queueExit(pos, dec.Reason, price)
	case dec.Held:
		e.stats.HeldExits++
		log.Debug("exit held for minimum holding period",
			zap.Int("bars_held", dec.BarsHeld),
			zap.Int("min_bars", e.Exits.Config().MinHoldingBars),
		)
	}
}

// queueExit enqueues a market order for the full position in the closing
// direction and marks the symbol so no entry is accepted this step.
func (e *Engine) queueExit(pos portfolio.Position, reason risk.ExitReason, price decimal.Decimal) {
	if e.exiting[pos.Symbol] {
		return
	}
	e.exiting[pos.Symbol] = true

	dir := broker.Sell
	if !pos.IsLong() {
		dir = broker.Buy
	}
	order := broker.Order{
		ID:        id.NewAt(e.step.Time),
		Symbol:    pos.Symbol,
		Quantity:  uint64(pos.AbsQuantity()),
		Direction: dir,
		Type:      broker.Market,
		Time:      e.step.Time,
		Reason:    string(reason),
		Exit:      true,
	}
	e.stats.Orders++
	e.Log.Debug("exit queued",
		zap.String("symbol", pos.Symbol),
		zap.String("reason", string(reason)),
		zap.Bool("immediate", reason.Immediate()),
		zap.Int64("qty", pos.Quantity),
		zap.String("pnl_pct", pos.UnrealizedPct(price).StringFixed(4)),
	)
	e.q.Push(OrderEvent{Order: order, Price: price})
}

func (e *Engine) onOrder(ev OrderEvent) {
	f := e.Fills.Simulate(ev.Order, ev.Price, e.bar)
	e.q.Push(FillEvent{Fill: f, Order: ev.Order})
}

func (e *Engine) onFill(ev FillEvent) error {
	res, err := e.Fills.Book(e.Ledger, ev.Fill)
	if err != nil {
		var inv *portfolio.InvariantError
		switch {
		case errors.As(err, &inv):
			inv.Reserved = e.Allocator.Reserved()
			e.Log.Error("ledger invariant violated; stopping run",
				zap.String("order", ev.Order.ID),
				zap.String("dump", inv.Dump()),
			)
			return fmt.Errorf("backtest: %w", inv)
		case errors.Is(err, portfolio.ErrInsufficientFunds) && ev.Order.Exit:
			stuck := &portfolio.InvariantError{
				Reason:    fmt.Sprintf("%s exit for %s cannot be booked: %v", ev.Order.Reason, ev.Fill.Symbol, err),
				Cash:      e.Ledger.Cash(),
				Reserved:  e.Allocator.Reserved(),
				Positions: e.Ledger.Positions(),
			}
			e.Log.Error("exit fill rejected; stopping run",
				zap.String("order", ev.Order.ID),
				zap.String("dump", stuck.Dump()),
			)
			return fmt.Errorf("backtest: %w", stuck)
		case errors.Is(err, portfolio.ErrInsufficientFunds):
			e.stats.DroppedFills++
			return nil
		default:
			return fmt.Errorf("backtest: order %s: %w", ev.Order.ID, err)
		}
	}
	e.stats.Fills++

	if res.Closed == nil {
		return nil
	}
	ct := *res.Closed
	e.trades = append(e.trades, ct)
	if err := e.Journal.RecordTrade(journal.TradeFromClosed(e.Options.RunID, ct)); err != nil {
		return fmt.Errorf("backtest: journal trade: %w", err)
	}
	e.Log.Info("position closed",
		zap.String("symbol", ct.Symbol),
		zap.String("side", string(ct.Side)),
		zap.Int64("qty", ct.Quantity),
		zap.String("pl", ct.RealizedPL.StringFixed(2)),
		zap.String("reason", ct.ExitReason),
		zap.Int("bars_held", ct.BarsHeld()),
	)
	return nil
}

// closeAll liquidates every open position at its last mark as one extra
// step on the final timestamp.
func (e *Engine) closeAll() error {
	res, err := e.Allocator.BeginStep()
	if err != nil {
		return fmt.Errorf("backtest: close at end: %w", err)
	}
	defer res.Release()

	e.exiting = make(map[string]bool)
	e.entering = make(map[string]bool)
	for _, pos := range e.Ledger.Positions() {
		price, ok := e.Ledger.Price(pos.Symbol)
		if !ok {
			continue
		}
		e.queueExit(pos, risk.ExitEndOfData, price)
	}
	if err := e.drain(); err != nil {
		return err
	}
	res.Release()

	// replace the last snapshot with the liquidated state
	if n := len(e.equity); n > 0 {
		e.equity = e.equity[:n-1]
	}
	return e.snapshot(e.step.Time, decimal.Zero)
}

// price is the current step's close for symbol.
func (e *Engine) price(symbol string) (decimal.Decimal, bool) {
	b, ok := e.step.Bar(symbol)
	if !ok || !b.Valid() {
		return decimal.Zero, false
	}
	return b.Close, true
}

func (e *Engine) snapshot(t time.Time, reserved decimal.Decimal) error {
	eq := e.Ledger.Equity()
	e.equity = append(e.equity, EquityPoint{Time: t, Equity: eq})

	snap := journal.EquitySnapshot{
		RunID:     e.Options.RunID,
		Time:      t,
		Cash:      e.Ledger.Cash(),
		Equity:    eq,
		Reserved:  reserved,
		Positions: len(e.Ledger.Positions()),
	}
	if err := e.Journal.RecordEquity(snap); err != nil {
		return fmt.Errorf("backtest: journal equity: %w", err)
	}
	return nil
}
