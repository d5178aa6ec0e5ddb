// Package risk sizes entry orders against available capital and decides
// when open positions must be exited.
package risk

import (
	"errors"
	"fmt"

	"github.com/rustyeddy/execsim/broker"
	"github.com/rustyeddy/execsim/internal/id"
	"github.com/rustyeddy/execsim/portfolio"
	"github.com/rustyeddy/execsim/sim"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrReservationLeak means a step began while cash from a previous step was
// still reserved: the loop failed to release its reservation.
var ErrReservationLeak = errors.New("reservation not released")

var one = decimal.NewFromInt(1)

type AllocatorConfig struct {
	// Buffer inflates the price when converting cash to shares. It must be
	// at least the simulator's slippage + commission.
	Buffer decimal.Decimal
	// FallbackBuffer is used to shrink an order whose cost estimate still
	// exceeds available cash.
	FallbackBuffer decimal.Decimal
	// CashReservePct of cash is never allocated to entries.
	CashReservePct decimal.Decimal
	// MaxPositions caps concurrently open symbols; 0 disables the cap.
	MaxPositions int
}

func DefaultAllocatorConfig() AllocatorConfig {
	return AllocatorConfig{
		Buffer:         decimal.RequireFromString("0.016"),
		FallbackBuffer: decimal.RequireFromString("0.02"),
		CashReservePct: decimal.RequireFromString("0.01"),
	}
}

// Allocator turns entry signals into affordable orders. It owns the
// per-step reservation ledger: cash committed to orders generated earlier
// in the step that have not filled yet.
type Allocator struct {
	cfg    AllocatorConfig
	policy SizingPolicy
	costs  sim.Costs
	log    *zap.Logger

	reserved decimal.Decimal
	pending  map[string]struct{}
}

func NewAllocator(cfg AllocatorConfig, policy SizingPolicy, costs sim.Costs, log *zap.Logger) (*Allocator, error) {
	if policy == nil {
		return nil, fmt.Errorf("risk: sizing policy is required")
	}
	if cfg.Buffer.IsNegative() || cfg.FallbackBuffer.IsNegative() {
		return nil, fmt.Errorf("risk: buffers must not be negative")
	}
	if cfg.CashReservePct.IsNegative() || cfg.CashReservePct.GreaterThanOrEqual(one) {
		return nil, fmt.Errorf("risk: cash reserve pct must be in [0,1), got %s", cfg.CashReservePct)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if need := costs.MinBuffer(); cfg.Buffer.LessThan(need) {
		log.Warn("sizing buffer below transaction costs; orders will be shrunk with the fallback buffer",
			zap.String("buffer", cfg.Buffer.String()),
			zap.String("required", need.String()),
		)
	}
	return &Allocator{
		cfg:      cfg,
		policy:   policy,
		costs:    costs,
		log:      log,
		reserved: decimal.Zero,
		pending:  make(map[string]struct{}),
	}, nil
}

func (a *Allocator) Policy() SizingPolicy { return a.policy }

// Reserved is the cash committed to unfilled orders in the current step.
func (a *Allocator) Reserved() decimal.Decimal { return a.reserved }

// Available is the cash an entry may still use:
// cash − reserved − cash reserve − open short liability.
func (a *Allocator) Available(v portfolio.View) decimal.Decimal {
	return v.Cash.
		Sub(a.reserved).
		Sub(v.Cash.Mul(a.cfg.CashReservePct)).
		Sub(v.ShortExposure)
}

// ClearReservations drops every reservation. Calling it with nothing
// reserved is a no-op.
func (a *Allocator) ClearReservations() {
	a.reserved = decimal.Zero
	if len(a.pending) > 0 {
		a.pending = make(map[string]struct{})
	}
}

// Reservation scopes the reservation ledger to one step. The dispatch loop
// acquires it with BeginStep when a bar starts and releases it once the
// step's event queue is drained.
type Reservation struct {
	a        *Allocator
	released bool
}

func (a *Allocator) BeginStep() (*Reservation, error) {
	if !a.reserved.IsZero() || len(a.pending) > 0 {
		return nil, fmt.Errorf("risk: %w: %s still reserved", ErrReservationLeak, a.reserved.StringFixed(2))
	}
	return &Reservation{a: a}, nil
}

// Release clears the step's reservations. It is safe to call more than once.
func (r *Reservation) Release() {
	if r == nil || r.released {
		return
	}
	r.a.ClearReservations()
	r.released = true
}

// Allocate sizes an entry signal at price. On success the order's estimated
// cost is reserved immediately so later signals in the same step see less
// available cash. Exit signals are rejected here; exits never go through
// sizing.
func (a *Allocator) Allocate(sig broker.Signal, v portfolio.View, price decimal.Decimal) (broker.Order, Decision) {
	dec := Decision{Allowed: true}

	if !sig.Type.IsEntry() {
		dec.add(CodeNotEntry, "%s is not an entry signal", sig.Type)
		return broker.Order{}, dec
	}
	if !price.IsPositive() {
		dec.add(CodeBadPrice, "no valid price for %s", sig.Symbol)
		return broker.Order{}, dec
	}

	if a.cfg.MaxPositions > 0 && !v.Holds(sig.Symbol) {
		open := v.Count()
		for sym := range a.pending {
			if !v.Holds(sym) {
				open++
			}
		}
		if _, already := a.pending[sig.Symbol]; !already && open >= a.cfg.MaxPositions {
			dec.add(CodeMaxPositions, "%d positions open or pending, max %d", open, a.cfg.MaxPositions)
			return broker.Order{}, dec
		}
	}

	available := a.Available(v)
	if !available.IsPositive() {
		dec.add(CodeNoCapital, "available cash %s (cash %s, reserved %s)",
			available.StringFixed(2), v.Cash.StringFixed(2), a.reserved.StringFixed(2))
		a.logReject(sig, dec)
		return broker.Order{}, dec
	}

	target := a.policy.TargetValue(sig, v)
	if w, ok := a.policy.(strengthWeighted); !(ok && w.weightsByStrength()) && sig.HasStrength() {
		target = target.Mul(decimal.NewFromFloat(sig.Strength))
	}
	budget := decimal.Min(target, available)

	shares := a.sharesFor(budget, price, a.cfg.Buffer)
	estimated := a.costs.BuyCost(shares, price)

	if estimated.GreaterThan(available) {
		shrunk := a.sharesFor(available, price, a.cfg.FallbackBuffer)
		if shrunk > shares-1 {
			shrunk = shares - 1
		}
		a.log.Debug("order shrunk with fallback buffer",
			zap.String("symbol", sig.Symbol),
			zap.Int64("from", shares),
			zap.Int64("to", shrunk),
		)
		shares = shrunk
		estimated = a.costs.BuyCost(shares, price)
		if estimated.GreaterThan(available) {
			shares = 0
		}
	}

	if shares <= 0 {
		dec.add(CodeZeroSize, "budget %s buys no shares at %s", budget.StringFixed(2), price.StringFixed(4))
		a.logReject(sig, dec)
		return broker.Order{}, dec
	}

	a.reserved = a.reserved.Add(estimated)
	a.pending[sig.Symbol] = struct{}{}

	order := broker.Order{
		ID:            id.NewAt(sig.Time),
		Symbol:        sig.Symbol,
		Quantity:      uint64(shares),
		Direction:     sig.Type.Direction(),
		Type:          broker.Market,
		Time:          sig.Time,
		Reason:        entryReason(sig),
		EstimatedCost: estimated,
	}

	a.log.Debug("entry sized",
		zap.String("symbol", sig.Symbol),
		zap.Stringer("type", sig.Type),
		zap.Int64("shares", shares),
		zap.String("target", target.StringFixed(2)),
		zap.String("available", available.StringFixed(2)),
		zap.String("estimated", estimated.StringFixed(2)),
		zap.String("reserved", a.reserved.StringFixed(2)),
	)
	return order, dec
}

// sharesFor is floor(cash / (price × (1 + buffer))).
func (a *Allocator) sharesFor(cash, price, buffer decimal.Decimal) int64 {
	if !cash.IsPositive() {
		return 0
	}
	per := price.Mul(one.Add(buffer))
	return cash.Div(per).Floor().IntPart()
}

func (a *Allocator) logReject(sig broker.Signal, dec Decision) {
	for _, v := range dec.Violations {
		a.log.Info("entry rejected",
			zap.String("symbol", sig.Symbol),
			zap.Stringer("type", sig.Type),
			zap.String("code", v.Code),
			zap.String("detail", v.Msg),
		)
	}
}

func entryReason(sig broker.Signal) string {
	if sig.Reason != "" {
		return sig.Reason
	}
	return sig.Type.String()
}
