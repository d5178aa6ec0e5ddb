package portfolio

import (
	"sort"

	"github.com/shopspring/decimal"
)

// View is an immutable snapshot of the ledger handed to strategies and the
// allocator. Strategies must not keep their own position bookkeeping.
type View struct {
	Cash           decimal.Decimal
	Equity         decimal.Decimal
	InitialCapital decimal.Decimal
	ShortExposure  decimal.Decimal
	positions      map[string]Position
}

func (l *Ledger) View() View {
	pos := make(map[string]Position, len(l.positions))
	for sym, p := range l.positions {
		pos[sym] = *p
	}
	return View{
		Cash:           l.cash,
		Equity:         l.Equity(),
		InitialCapital: l.initial,
		ShortExposure:  l.ShortExposure(),
		positions:      pos,
	}
}

func (v View) Position(symbol string) (Position, bool) {
	p, ok := v.positions[symbol]
	return p, ok
}

// Holds reports whether there is an open position for symbol.
func (v View) Holds(symbol string) bool {
	_, ok := v.positions[symbol]
	return ok
}

func (v View) Count() int { return len(v.positions) }

func (v View) Symbols() []string {
	out := make([]string, 0, len(v.positions))
	for s := range v.positions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
