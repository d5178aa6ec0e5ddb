// Package journal records closed trades, equity snapshots and backtest runs.
package journal

import (
	"time"

	"github.com/rustyeddy/execsim/internal/id"
	"github.com/rustyeddy/execsim/portfolio"
	"github.com/shopspring/decimal"
)

// TradeRecord is one closed (or partially closed) position.
type TradeRecord struct {
	TradeID     string
	RunID       string
	Symbol      string
	Side        string
	Quantity    int64
	EntryPrice  decimal.Decimal
	ExitPrice   decimal.Decimal
	OpenTime    time.Time
	CloseTime   time.Time
	Commission  decimal.Decimal
	RealizedPL  decimal.Decimal
	EntryReason string
	ExitReason  string
}

// TradeFromClosed converts a ledger close into a journal row.
func TradeFromClosed(runID string, ct portfolio.ClosedTrade) TradeRecord {
	return TradeRecord{
		TradeID:     id.NewAt(ct.ExitTime),
		RunID:       runID,
		Symbol:      ct.Symbol,
		Side:        string(ct.Side),
		Quantity:    ct.Quantity,
		EntryPrice:  ct.EntryPrice,
		ExitPrice:   ct.ExitPrice,
		OpenTime:    ct.EntryTime,
		CloseTime:   ct.ExitTime,
		Commission:  ct.Commission,
		RealizedPL:  ct.RealizedPL,
		EntryReason: ct.EntryReason,
		ExitReason:  ct.ExitReason,
	}
}

// EquitySnapshot is the account state at the end of one step.
type EquitySnapshot struct {
	RunID  string
	Time   time.Time
	Cash   decimal.Decimal
	Equity decimal.Decimal
	// Reserved is the cash committed to entries during the step.
	Reserved  decimal.Decimal
	Positions int
}

type Journal interface {
	RecordTrade(TradeRecord) error
	RecordEquity(EquitySnapshot) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordTrade(TradeRecord) error     { return nil }
func (Nop) RecordEquity(EquitySnapshot) error { return nil }
func (Nop) Close() error                      { return nil }

// Memory keeps records in slices. Not safe for concurrent use.
type Memory struct {
	Trades []TradeRecord
	Equity []EquitySnapshot
}

func (m *Memory) RecordTrade(t TradeRecord) error {
	m.Trades = append(m.Trades, t)
	return nil
}

func (m *Memory) RecordEquity(e EquitySnapshot) error {
	m.Equity = append(m.Equity, e)
	return nil
}

func (m *Memory) Close() error { return nil }

// Multi fans records out to every journal in order and stops at the first
// error.
type Multi []Journal

func (m Multi) RecordTrade(t TradeRecord) error {
	for _, j := range m {
		if err := j.RecordTrade(t); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) RecordEquity(e EquitySnapshot) error {
	for _, j := range m {
		if err := j.RecordEquity(e); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) Close() error {
	var first error
	for _, j := range m {
		if err := j.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
