package portfolio

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds means a fill would take cash below zero. The
	// ledger was not modified.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNoPosition means an exit was requested for a symbol with no open
	// position.
	ErrNoPosition = errors.New("no position to exit")

	// ErrOverClose means a fill would reduce a position through zero into
	// the opposite side.
	ErrOverClose = errors.New("fill exceeds open position")

	ErrInvalidFill = errors.New("invalid fill")

	// ErrInvariantViolated is a programming error: ledger state is corrupt
	// and the run must stop.
	ErrInvariantViolated = errors.New("ledger invariant violated")
)

// InvariantError carries a state dump for postmortem. Reserved is filled
// in by the caller that owns the reservation ledger.
type InvariantError struct {
	Reason    string
	Cash      decimal.Decimal
	Reserved  decimal.Decimal
	Positions []Position
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %s (cash=%s reserved=%s positions=%d)",
		ErrInvariantViolated, e.Reason, e.Cash, e.Reserved, len(e.Positions))
}

func (e *InvariantError) Unwrap() error { return ErrInvariantViolated }

// Dump renders the full ledger state, one position per line.
func (e *InvariantError) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "reason:   %s\n", e.Reason)
	fmt.Fprintf(&b, "cash:     %s\n", e.Cash.StringFixed(2))
	fmt.Fprintf(&b, "reserved: %s\n", e.Reserved.StringFixed(2))
	for _, p := range e.Positions {
		fmt.Fprintf(&b, "position: %s qty=%d entry=%s since=%s\n",
			p.Symbol, p.Quantity, p.EntryPrice.StringFixed(4), p.EntryTime.Format("2006-01-02T15:04:05Z07:00"))
	}
	return b.String()
}
