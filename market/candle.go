package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bar is one OHLCV record for one symbol at one timestamp.
type Bar struct {
	Symbol string
	Time   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// Valid reports whether the bar has a symbol, a timestamp and a positive
// close, and whether High/Low bracket Open and Close.
func (b Bar) Valid() bool {
	if b.Symbol == "" || b.Time.IsZero() || !b.Close.IsPositive() {
		return false
	}
	if b.High.IsZero() && b.Low.IsZero() {
		// close-only bar
		return true
	}
	return b.High.GreaterThanOrEqual(b.Low) &&
		b.High.GreaterThanOrEqual(b.Close) &&
		b.Low.LessThanOrEqual(b.Close)
}
