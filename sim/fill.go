// Package sim turns orders into fills with simulated slippage and
// commission, and books them against the portfolio ledger.
package sim

import (
	"fmt"

	"github.com/rustyeddy/execsim/broker"
	"github.com/rustyeddy/execsim/internal/id"
	"github.com/rustyeddy/execsim/portfolio"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// FillSimulator executes market orders at the bar price adjusted by Costs.
type FillSimulator struct {
	costs Costs
	log   *zap.Logger
}

func NewFillSimulator(costs Costs, log *zap.Logger) (*FillSimulator, error) {
	if err := costs.Validate(); err != nil {
		return nil, fmt.Errorf("sim: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &FillSimulator{costs: costs, log: log}, nil
}

func (s *FillSimulator) Costs() Costs { return s.costs }

// Simulate builds the fill for order at the requested price without
// touching any ledger.
func (s *FillSimulator) Simulate(order broker.Order, price decimal.Decimal, bar int) broker.Fill {
	fp := s.costs.FillPrice(price, order.Direction == broker.Buy)
	return broker.Fill{
		ID:         id.NewAt(order.Time),
		OrderID:    order.ID,
		Symbol:     order.Symbol,
		Quantity:   order.Quantity,
		Direction:  order.Direction,
		Price:      fp,
		Commission: s.costs.CommissionOn(int64(order.Quantity), fp),
		Time:       order.Time,
		Bar:        bar,
		Reason:     order.Reason,
	}
}

// Execute simulates the fill and books it with Book.
func (s *FillSimulator) Execute(l *portfolio.Ledger, order broker.Order, price decimal.Decimal, bar int) (broker.Fill, portfolio.Result, error) {
	if order.Quantity == 0 {
		return broker.Fill{}, portfolio.Result{}, fmt.Errorf("sim: order %s for %s has zero quantity", order.ID, order.Symbol)
	}
	if !price.IsPositive() {
		return broker.Fill{}, portfolio.Result{}, fmt.Errorf("sim: no valid price for %s", order.Symbol)
	}

	f := s.Simulate(order, price, bar)
	res, err := s.Book(l, f)
	return f, res, err
}

// Book re-checks a buy's affordability against the ledger's actual cash and
// then applies the fill. portfolio.ErrInsufficientFunds means the fill was
// rejected and nothing changed; callers should treat it as a dropped order,
// not a fatal error.
func (s *FillSimulator) Book(l *portfolio.Ledger, f broker.Fill) (portfolio.Result, error) {
	if f.Direction == broker.Buy {
		need := f.Notional().Add(f.Commission)
		if cash := l.Cash(); need.GreaterThan(cash) {
			s.log.Info("fill rejected: actual cost exceeds cash",
				zap.String("symbol", f.Symbol),
				zap.Uint64("qty", f.Quantity),
				zap.String("cost", need.StringFixed(2)),
				zap.String("cash", cash.StringFixed(2)),
			)
			return portfolio.Result{}, fmt.Errorf("sim: %w: need %s, have %s",
				portfolio.ErrInsufficientFunds, need.StringFixed(2), cash.StringFixed(2))
		}
	}

	res, err := l.ApplyFill(f)
	if err != nil {
		return res, err
	}

	s.log.Debug("filled",
		zap.String("symbol", f.Symbol),
		zap.Stringer("dir", f.Direction),
		zap.Uint64("qty", f.Quantity),
		zap.String("price", f.Price.StringFixed(4)),
		zap.String("commission", f.Commission.StringFixed(4)),
		zap.String("reason", f.Reason),
	)
	return res, nil
}
