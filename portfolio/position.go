package portfolio

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

func sideOf(qty int64) Side {
	if qty < 0 {
		return SideShort
	}
	return SideLong
}

// Position is the open holding for one symbol. Quantity is signed:
// >0 long, <0 short. A position with zero quantity never exists in the ledger.
type Position struct {
	Symbol     string
	Quantity   int64
	EntryPrice decimal.Decimal // weighted average fill price
	EntryTime  time.Time
	Side       Side

	// EntryBar is the bar index of the first entry fill.
	EntryBar int
	// LastEntryTime is the timestamp of the most recent opening/adding fill.
	LastEntryTime time.Time
	// EntryCommission is the commission paid on the quantity still open.
	EntryCommission decimal.Decimal
	// Peak is the most favourable mark since entry: highest for longs,
	// lowest for shorts.
	Peak        decimal.Decimal
	EntryReason string
}

func (p Position) AbsQuantity() int64 {
	if p.Quantity < 0 {
		return -p.Quantity
	}
	return p.Quantity
}

func (p Position) IsLong() bool { return p.Quantity > 0 }

// MarketValue is quantity × price; negative for shorts.
func (p Position) MarketValue(price decimal.Decimal) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(p.Quantity))
}

// UnrealizedPL is the mark-to-market P&L excluding commissions.
func (p Position) UnrealizedPL(price decimal.Decimal) decimal.Decimal {
	return price.Sub(p.EntryPrice).Mul(decimal.NewFromInt(p.Quantity))
}

// UnrealizedPct is the signed return from entry as a fraction: +0.03 is a
// 3% gain for either side.
func (p Position) UnrealizedPct(price decimal.Decimal) decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	pct := price.Sub(p.EntryPrice).Div(p.EntryPrice)
	if p.Quantity < 0 {
		return pct.Neg()
	}
	return pct
}

// ClosedTrade records a reduction or full close of a position.
type ClosedTrade struct {
	Symbol      string
	Side        Side
	Quantity    int64 // units closed, always positive
	EntryPrice  decimal.Decimal
	ExitPrice   decimal.Decimal
	EntryTime   time.Time
	ExitTime    time.Time
	EntryBar    int
	ExitBar     int
	Commission  decimal.Decimal // entry share + exit commission
	RealizedPL  decimal.Decimal
	EntryReason string
	ExitReason  string
	Partial     bool
}

func (t ClosedTrade) BarsHeld() int { return t.ExitBar - t.EntryBar }
