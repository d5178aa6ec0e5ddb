package risk

import (
	"fmt"

	"github.com/rustyeddy/execsim/portfolio"
	"github.com/shopspring/decimal"
)

type ExitReason string

const (
	ExitCatastrophic ExitReason = "catastrophic_stop"
	ExitStopLoss     ExitReason = "stop_loss"
	ExitTrailing     ExitReason = "trailing_stop"
	ExitTakeProfit   ExitReason = "take_profit"
	ExitTechnical    ExitReason = "technical_exit"
	ExitEndOfData    ExitReason = "end_of_data"
)

// Immediate reports whether the reason bypasses the minimum holding period.
func (r ExitReason) Immediate() bool {
	switch r {
	case ExitCatastrophic, ExitStopLoss, ExitTrailing, ExitEndOfData:
		return true
	}
	return false
}

type ExitConfig struct {
	CatastrophicPct decimal.Decimal // 0.05
	StopLossPct     decimal.Decimal // 0.02
	TrailingPct     decimal.Decimal // 0.03; zero disables
	TakeProfitPct   decimal.Decimal // 0.03; zero disables
	MinHoldingBars  int             // 10
}

func DefaultExitConfig() ExitConfig {
	return ExitConfig{
		CatastrophicPct: decimal.RequireFromString("0.05"),
		StopLossPct:     decimal.RequireFromString("0.02"),
		TrailingPct:     decimal.RequireFromString("0.03"),
		TakeProfitPct:   decimal.RequireFromString("0.03"),
		MinHoldingBars:  10,
	}
}

func (c ExitConfig) Validate() error {
	for name, v := range map[string]decimal.Decimal{
		"catastrophic_pct": c.CatastrophicPct,
		"stop_loss_pct":    c.StopLossPct,
		"trailing_pct":     c.TrailingPct,
		"take_profit_pct":  c.TakeProfitPct,
	} {
		if v.IsNegative() || v.GreaterThanOrEqual(one) {
			return fmt.Errorf("exits %s must be in [0,1), got %s", name, v)
		}
	}
	if c.MinHoldingBars < 0 {
		return fmt.Errorf("exits min_holding_bars must not be negative")
	}
	return nil
}

// ExitInput is everything needed to judge one open position on one bar.
type ExitInput struct {
	Position portfolio.Position
	Price    decimal.Decimal
	Bar      int
	// Technical is set when the strategy asked to exit on an indicator flip.
	Technical bool
}

type ExitDecision struct {
	Exit   bool
	Reason ExitReason
	// Held is set when a profit or technical condition matched but the
	// position has not been held long enough.
	Held     bool
	BarsHeld int
	PnLPct   decimal.Decimal
}

// ExitEvaluator applies the exit priority ladder. Risk exits (catastrophic,
// stop-loss, trailing) fire on the bar they trigger; take-profit and
// technical exits wait for MinHoldingBars.
type ExitEvaluator struct {
	cfg ExitConfig
}

func NewExitEvaluator(cfg ExitConfig) (*ExitEvaluator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("risk: %w", err)
	}
	return &ExitEvaluator{cfg: cfg}, nil
}

func (e *ExitEvaluator) Config() ExitConfig { return e.cfg }

// Evaluate checks the ladder in priority order; the first match wins.
func (e *ExitEvaluator) Evaluate(in ExitInput) ExitDecision {
	p := in.Position
	out := ExitDecision{
		BarsHeld: in.Bar - p.EntryBar,
		PnLPct:   p.UnrealizedPct(in.Price),
	}
	if p.Quantity == 0 || !in.Price.IsPositive() {
		return out
	}

	if e.cfg.CatastrophicPct.IsPositive() && out.PnLPct.LessThanOrEqual(e.cfg.CatastrophicPct.Neg()) {
		return out.exit(ExitCatastrophic)
	}
	if e.cfg.StopLossPct.IsPositive() && out.PnLPct.LessThanOrEqual(e.cfg.StopLossPct.Neg()) {
		return out.exit(ExitStopLoss)
	}
	if e.trailingHit(p, in.Price) {
		return out.exit(ExitTrailing)
	}

	held := out.BarsHeld >= e.cfg.MinHoldingBars

	if e.cfg.TakeProfitPct.IsPositive() && out.PnLPct.GreaterThanOrEqual(e.cfg.TakeProfitPct) {
		if held {
			return out.exit(ExitTakeProfit)
		}
		out.Held = true
		return out
	}
	if in.Technical {
		if held {
			return out.exit(ExitTechnical)
		}
		out.Held = true
	}
	return out
}

// trailingHit is true once price has moved in the position's favour and
// then retraced TrailingPct from the best mark since entry.
func (e *ExitEvaluator) trailingHit(p portfolio.Position, price decimal.Decimal) bool {
	if !e.cfg.TrailingPct.IsPositive() || !p.Peak.IsPositive() {
		return false
	}
	if p.Quantity > 0 {
		if !p.Peak.GreaterThan(p.EntryPrice) {
			return false
		}
		retrace := p.Peak.Sub(price).Div(p.Peak)
		return retrace.GreaterThanOrEqual(e.cfg.TrailingPct)
	}
	if !p.Peak.LessThan(p.EntryPrice) {
		return false
	}
	retrace := price.Sub(p.Peak).Div(p.Peak)
	return retrace.GreaterThanOrEqual(e.cfg.TrailingPct)
}

func (d ExitDecision) exit(r ExitReason) ExitDecision {
	d.Exit = true
	d.Reason = r
	return d
}
