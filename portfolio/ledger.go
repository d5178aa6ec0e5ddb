// Package portfolio owns cash and open positions. The Ledger is the single
// source of truth for whether a symbol is held; everything else reads a View.
package portfolio

import (
	"fmt"
	"sort"

	"github.com/rustyeddy/execsim/broker"
	"github.com/shopspring/decimal"
)

// Ledger is not safe for concurrent use. The replay loop is single-threaded
// and ApplyFill is the only path that mutates cash.
type Ledger struct {
	initial   decimal.Decimal
	cash      decimal.Decimal
	realized  decimal.Decimal
	positions map[string]*Position
	marks     map[string]decimal.Decimal
}

func New(initialCapital decimal.Decimal) (*Ledger, error) {
	if !initialCapital.IsPositive() {
		return nil, fmt.Errorf("portfolio: initial capital must be positive, got %s", initialCapital)
	}
	return &Ledger{
		initial:   initialCapital,
		cash:      initialCapital,
		positions: make(map[string]*Position),
		marks:     make(map[string]decimal.Decimal),
	}, nil
}

func (l *Ledger) Cash() decimal.Decimal           { return l.cash }
func (l *Ledger) InitialCapital() decimal.Decimal { return l.initial }
func (l *Ledger) RealizedPL() decimal.Decimal     { return l.realized }

// Position returns a copy of the open position for symbol.
func (l *Ledger) Position(symbol string) (Position, bool) {
	p, ok := l.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Positions returns copies of all open positions ordered by symbol.
func (l *Ledger) Positions() []Position {
	out := make([]Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Mark records the latest price for symbol and advances the position's
// favourable extreme used by trailing stops.
func (l *Ledger) Mark(symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	l.marks[symbol] = price

	p, ok := l.positions[symbol]
	if !ok {
		return
	}
	if p.Quantity > 0 && price.GreaterThan(p.Peak) {
		p.Peak = price
	}
	if p.Quantity < 0 && price.LessThan(p.Peak) {
		p.Peak = price
	}
}

// Price returns the last mark for symbol, falling back to the entry price
// of an open position.
func (l *Ledger) Price(symbol string) (decimal.Decimal, bool) {
	if m, ok := l.marks[symbol]; ok {
		return m, true
	}
	if p, ok := l.positions[symbol]; ok {
		return p.EntryPrice, true
	}
	return decimal.Zero, false
}

// Equity is cash plus the marked value of every open position.
func (l *Ledger) Equity() decimal.Decimal {
	eq := l.cash
	for sym, p := range l.positions {
		px, _ := l.Price(sym)
		eq = eq.Add(p.MarketValue(px))
	}
	return eq
}

// ShortExposure is the cash needed to buy back every open short at mark.
func (l *Ledger) ShortExposure() decimal.Decimal {
	exp := decimal.Zero
	for sym, p := range l.positions {
		if p.Quantity >= 0 {
			continue
		}
		px, _ := l.Price(sym)
		exp = exp.Add(p.MarketValue(px).Neg())
	}
	return exp
}

// Result describes the effect of one fill.
type Result struct {
	Realized decimal.Decimal
	// Closed is set when the fill reduced or closed a position.
	Closed *ClosedTrade
	// Position is the state after the fill; nil when it closed.
	Position *Position
}

// ApplyFill books a fill. Affordability is checked before anything is
// mutated: on ErrInsufficientFunds, ErrOverClose or ErrInvalidFill the
// ledger is unchanged. An *InvariantError is fatal.
func (l *Ledger) ApplyFill(f broker.Fill) (Result, error) {
	if err := validateFill(f); err != nil {
		return Result{}, err
	}

	q := int64(f.Quantity)
	qd := decimal.NewFromInt(q)
	signed := f.SignedQuantity()
	notional := f.Price.Mul(qd)

	var cur int64
	pos := l.positions[f.Symbol]
	if pos != nil {
		cur = pos.Quantity
	}
	reducing := cur != 0 && (cur > 0) != (signed > 0)
	if reducing && q > abs64(cur) {
		return Result{}, fmt.Errorf("%w: %s holds %d, fill %s %d", ErrOverClose, f.Symbol, cur, f.Direction, q)
	}

	var newCash decimal.Decimal
	switch f.Direction {
	case broker.Buy:
		total := notional.Add(f.Commission)
		if total.GreaterThan(l.cash) {
			return Result{}, fmt.Errorf("%w: buy %d %s costs %s, cash %s",
				ErrInsufficientFunds, q, f.Symbol, total.StringFixed(2), l.cash.StringFixed(2))
		}
		newCash = l.cash.Sub(total)
	case broker.Sell:
		newCash = l.cash.Add(notional).Sub(f.Commission)
		if newCash.IsNegative() {
			return Result{}, fmt.Errorf("%w: sell %d %s commission %s exceeds cash",
				ErrInsufficientFunds, q, f.Symbol, f.Commission.StringFixed(2))
		}
	}

	l.cash = newCash
	if _, ok := l.marks[f.Symbol]; !ok {
		l.marks[f.Symbol] = f.Price
	}

	var res Result
	if reducing {
		res = l.reduce(pos, f, q)
	} else {
		res = l.increase(pos, f, signed)
	}

	if err := l.Check(); err != nil {
		return res, err
	}
	return res, nil
}

func (l *Ledger) increase(pos *Position, f broker.Fill, signed int64) Result {
	if pos == nil {
		pos = &Position{
			Symbol:          f.Symbol,
			EntryPrice:      f.Price,
			EntryTime:       f.Time,
			Side:            sideOf(signed),
			EntryBar:        f.Bar,
			EntryCommission: decimal.Zero,
			Peak:            f.Price,
			EntryReason:     f.Reason,
		}
		l.positions[f.Symbol] = pos
	} else {
		oldAbs := decimal.NewFromInt(pos.AbsQuantity())
		addAbs := decimal.NewFromInt(abs64(signed))
		pos.EntryPrice = pos.EntryPrice.Mul(oldAbs).Add(f.Price.Mul(addAbs)).Div(oldAbs.Add(addAbs))
	}
	pos.Quantity += signed
	pos.EntryCommission = pos.EntryCommission.Add(f.Commission)
	pos.LastEntryTime = f.Time

	after := *pos
	return Result{Realized: decimal.Zero, Position: &after}
}

func (l *Ledger) reduce(pos *Position, f broker.Fill, q int64) Result {
	absCur := pos.AbsQuantity()
	qd := decimal.NewFromInt(q)

	entryComm := pos.EntryCommission
	if q < absCur {
		entryComm = pos.EntryCommission.Mul(qd).Div(decimal.NewFromInt(absCur))
	}

	priceTerm := f.Price.Sub(pos.EntryPrice).Mul(qd)
	if pos.Quantity < 0 {
		priceTerm = priceTerm.Neg()
	}
	realized := priceTerm.Sub(f.Commission).Sub(entryComm)

	trade := ClosedTrade{
		Symbol:      pos.Symbol,
		Side:        pos.Side,
		Quantity:    q,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   f.Price,
		EntryTime:   pos.EntryTime,
		ExitTime:    f.Time,
		EntryBar:    pos.EntryBar,
		ExitBar:     f.Bar,
		Commission:  entryComm.Add(f.Commission),
		RealizedPL:  realized,
		EntryReason: pos.EntryReason,
		ExitReason:  f.Reason,
		Partial:     q < absCur,
	}

	pos.EntryCommission = pos.EntryCommission.Sub(entryComm)
	pos.Quantity += f.SignedQuantity()
	l.realized = l.realized.Add(realized)

	res := Result{Realized: realized, Closed: &trade}
	if pos.Quantity == 0 {
		delete(l.positions, pos.Symbol)
		return res
	}
	after := *pos
	res.Position = &after
	return res
}

// Check verifies the ledger invariants: non-negative cash and no empty
// positions.
func (l *Ledger) Check() error {
	if l.cash.IsNegative() {
		return l.invariant("cash is negative")
	}
	for sym, p := range l.positions {
		if p.Quantity == 0 {
			return l.invariant(fmt.Sprintf("zero-quantity position %s left open", sym))
		}
	}
	return nil
}

func (l *Ledger) invariant(reason string) *InvariantError {
	return &InvariantError{
		Reason:    reason,
		Cash:      l.cash,
		Reserved:  decimal.Zero,
		Positions: l.Positions(),
	}
}

func validateFill(f broker.Fill) error {
	switch {
	case f.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidFill)
	case f.Quantity == 0:
		return fmt.Errorf("%w: zero quantity for %s", ErrInvalidFill, f.Symbol)
	case !f.Price.IsPositive():
		return fmt.Errorf("%w: non-positive price %s for %s", ErrInvalidFill, f.Price, f.Symbol)
	case f.Commission.IsNegative():
		return fmt.Errorf("%w: negative commission for %s", ErrInvalidFill, f.Symbol)
	case f.Direction != broker.Buy && f.Direction != broker.Sell:
		return fmt.Errorf("%w: unknown direction for %s", ErrInvalidFill, f.Symbol)
	}
	return nil
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
