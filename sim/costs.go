package sim

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// Costs is the transaction-cost model. Slippage is applied to the requested
// price first; commission is then charged on the slipped notional. The
// allocator's estimate and the simulator's actual charge both go through
// these methods, so they agree exactly.
type Costs struct {
	Slippage   decimal.Decimal // fraction, 0.005 = 0.5%
	Commission decimal.Decimal // fraction of notional, 0.001 = 0.1%
}

func DefaultCosts() Costs {
	return Costs{
		Slippage:   decimal.RequireFromString("0.005"),
		Commission: decimal.RequireFromString("0.001"),
	}
}

func (c Costs) Validate() error {
	if c.Slippage.IsNegative() || c.Slippage.GreaterThanOrEqual(one) {
		return fmt.Errorf("slippage must be in [0,1), got %s", c.Slippage)
	}
	if c.Commission.IsNegative() || c.Commission.GreaterThanOrEqual(one) {
		return fmt.Errorf("commission must be in [0,1), got %s", c.Commission)
	}
	return nil
}

// FillPrice is the slipped execution price: buys pay up, sells receive less.
func (c Costs) FillPrice(price decimal.Decimal, buy bool) decimal.Decimal {
	if buy {
		return price.Mul(one.Add(c.Slippage))
	}
	return price.Mul(one.Sub(c.Slippage))
}

// CommissionOn returns the commission for qty units at an already-slipped price.
func (c Costs) CommissionOn(qty int64, fillPrice decimal.Decimal) decimal.Decimal {
	return fillPrice.Mul(decimal.NewFromInt(qty)).Mul(c.Commission)
}

// BuyCost is the total cash a buy of qty at price consumes:
// qty×P×(1+s) + qty×P×(1+s)×c.
func (c Costs) BuyCost(qty int64, price decimal.Decimal) decimal.Decimal {
	fp := c.FillPrice(price, true)
	notional := fp.Mul(decimal.NewFromInt(qty))
	return notional.Add(c.CommissionOn(qty, fp))
}

// MinBuffer is the smallest sizing buffer that covers these costs:
// s + c + s×c.
func (c Costs) MinBuffer() decimal.Decimal {
	return c.Slippage.Add(c.Commission).Add(c.Slippage.Mul(c.Commission))
}
