package backtest

import (
	"github.com/rustyeddy/execsim/broker"
	"github.com/rustyeddy/execsim/market"
	"github.com/rustyeddy/execsim/risk"
	"github.com/shopspring/decimal"
)

// Event is one item on the step queue. The concrete types are the closed
// set below; the engine dispatches on them with a type switch.
type Event interface {
	Kind() string
}

// MarketEvent starts a step.
type MarketEvent struct {
	Step market.Step
}

// SignalEvent carries a strategy signal, or an EXIT raised by the exit
// evaluator, in which case ExitReason is set.
type SignalEvent struct {
	Signal     broker.Signal
	Price      decimal.Decimal
	ExitReason risk.ExitReason
}

// OrderEvent carries an order and the bar price it executes against.
type OrderEvent struct {
	Order broker.Order
	Price decimal.Decimal
}

type FillEvent struct {
	Fill  broker.Fill
	Order broker.Order
}

func (MarketEvent) Kind() string { return "market" }
func (SignalEvent) Kind() string { return "signal" }
func (OrderEvent) Kind() string  { return "order" }
func (FillEvent) Kind() string   { return "fill" }

// queue is a FIFO drained completely before the next step starts.
type queue struct {
	items []Event
	head  int
}

func (q *queue) Push(e Event) { q.items = append(q.items, e) }

func (q *queue) Pop() (Event, bool) {
	if q.head >= len(q.items) {
		return nil, false
	}
	e := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	return e, true
}

func (q *queue) Len() int { return len(q.items) - q.head }
