package risk

import (
	"fmt"
	"strings"

	"github.com/rustyeddy/execsim/broker"
	"github.com/rustyeddy/execsim/portfolio"
	"github.com/shopspring/decimal"
)

// SizingPolicy returns the cash value a strategy wants committed to an
// entry, before the transaction-cost buffer is applied.
type SizingPolicy interface {
	Name() string
	TargetValue(sig broker.Signal, view portfolio.View) decimal.Decimal
}

// strengthWeighted is implemented by policies that already fold the
// signal's strength into their target, so the allocator must not scale it
// a second time.
type strengthWeighted interface {
	weightsByStrength() bool
}

const (
	PolicyFixedFraction      = "fixed-fraction"
	PolicyPercentOfEquity    = "percent-of-equity"
	PolicyConfidenceWeighted = "confidence-weighted"
)

// FixedFraction commits Fraction of the initial capital to every entry.
type FixedFraction struct {
	Fraction decimal.Decimal
}

func (FixedFraction) Name() string { return PolicyFixedFraction }

func (p FixedFraction) TargetValue(_ broker.Signal, v portfolio.View) decimal.Decimal {
	return v.InitialCapital.Mul(p.Fraction)
}

// PercentOfEquity commits Pct of current marked equity.
type PercentOfEquity struct {
	Pct decimal.Decimal
}

func (PercentOfEquity) Name() string { return PolicyPercentOfEquity }

func (p PercentOfEquity) TargetValue(_ broker.Signal, v portfolio.View) decimal.Decimal {
	return v.Equity.Mul(p.Pct)
}

// ConfidenceWeighted interpolates between MinPct and MaxPct of equity by the
// signal's strength. A signal without strength gets MinPct.
type ConfidenceWeighted struct {
	MinPct decimal.Decimal
	MaxPct decimal.Decimal
}

func (ConfidenceWeighted) Name() string { return PolicyConfidenceWeighted }

func (p ConfidenceWeighted) TargetValue(sig broker.Signal, v portfolio.View) decimal.Decimal {
	span := p.MaxPct.Sub(p.MinPct)
	pct := p.MinPct.Add(span.Mul(decimal.NewFromFloat(sig.Strength)))
	return v.Equity.Mul(pct)
}

func (ConfidenceWeighted) weightsByStrength() bool { return true }

// SizingParams are the knobs for NewSizingPolicy; unused ones are ignored.
type SizingParams struct {
	Fraction decimal.Decimal
	Pct      decimal.Decimal
	MinPct   decimal.Decimal
	MaxPct   decimal.Decimal
}

func NewSizingPolicy(name string, p SizingParams) (SizingPolicy, error) {
	in01 := func(field string, v decimal.Decimal) error {
		if !v.IsPositive() || v.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("sizing %s must be in (0,1], got %s", field, v)
		}
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(name)) {
	case PolicyFixedFraction:
		if err := in01("fraction", p.Fraction); err != nil {
			return nil, err
		}
		return FixedFraction{Fraction: p.Fraction}, nil

	case PolicyPercentOfEquity, "":
		if err := in01("pct", p.Pct); err != nil {
			return nil, err
		}
		return PercentOfEquity{Pct: p.Pct}, nil

	case PolicyConfidenceWeighted:
		if err := in01("min_pct", p.MinPct); err != nil {
			return nil, err
		}
		if err := in01("max_pct", p.MaxPct); err != nil {
			return nil, err
		}
		if p.MaxPct.LessThan(p.MinPct) {
			return nil, fmt.Errorf("sizing max_pct %s below min_pct %s", p.MaxPct, p.MinPct)
		}
		return ConfidenceWeighted{MinPct: p.MinPct, MaxPct: p.MaxPct}, nil

	default:
		return nil, fmt.Errorf("unknown sizing policy %q (supported: %s, %s, %s)",
			name, PolicyFixedFraction, PolicyPercentOfEquity, PolicyConfidenceWeighted)
	}
}
