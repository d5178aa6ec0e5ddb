package broker

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction of an order or fill.
type Direction int8

const (
	Buy  Direction = +1
	Sell Direction = -1
)

func (d Direction) String() string {
	switch d {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Sign is +1 for buys and -1 for sells.
func (d Direction) Sign() int64 { return int64(d) }

type OrderType string

const Market OrderType = "market"

// Order is a request to trade. Entry orders come from the allocator and
// carry the cash they reserved; exit orders always close a full position.
type Order struct {
	ID        string
	Symbol    string
	Quantity  uint64
	Direction Direction
	Type      OrderType
	Time      time.Time
	Reason    string

	// EstimatedCost is the cash reserved for this order (entries only).
	EstimatedCost decimal.Decimal
	Exit          bool
}

// Fill is the executed result of an Order. It is the only input allowed
// to mutate the portfolio ledger.
type Fill struct {
	ID         string
	OrderID    string
	Symbol     string
	Quantity   uint64
	Direction  Direction
	Price      decimal.Decimal
	Commission decimal.Decimal
	Time       time.Time
	Bar        int
	Reason     string
}

// Notional is quantity × price, excluding commission.
func (f Fill) Notional() decimal.Decimal {
	return f.Price.Mul(decimal.NewFromInt(int64(f.Quantity)))
}

// SignedQuantity is +qty for buys and -qty for sells.
func (f Fill) SignedQuantity() int64 {
	return f.Direction.Sign() * int64(f.Quantity)
}
