package risk

import (
	"testing"
	"time"

	"github.com/rustyeddy/execsim/broker"
	"github.com/rustyeddy/execsim/portfolio"
	"github.com/rustyeddy/execsim/sim"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newLedger(t *testing.T, capital string) *portfolio.Ledger {
	t.Helper()
	l, err := portfolio.New(d(capital))
	require.NoError(t, err)
	return l
}

func newAllocator(t *testing.T, cfg AllocatorConfig, policy SizingPolicy) *Allocator {
	t.Helper()
	a, err := NewAllocator(cfg, policy, sim.DefaultCosts(), nil)
	require.NoError(t, err)
	return a
}

func long(sym string) broker.Signal {
	return broker.Signal{Symbol: sym, Type: broker.Long, Time: t0, StrategyID: "test"}
}

func TestAllocateBufferedShares(t *testing.T) {
	t.Parallel()

	l := newLedger(t, "1000")
	a := newAllocator(t, DefaultAllocatorConfig(), PercentOfEquity{Pct: d("1")})

	order, dec := a.Allocate(long("X"), l.View(), d("100"))
	require.True(t, dec.Allowed, "%v", dec.Violations)

	// not 10: the buffer leaves room for slippage and commission
	assert.Equal(t, uint64(9), order.Quantity)
	assert.Equal(t, broker.Buy, order.Direction)
	assert.Equal(t, broker.Market, order.Type)
	assert.Equal(t, "LONG", order.Reason)
	assert.True(t, order.EstimatedCost.Equal(sim.DefaultCosts().BuyCost(9, d("100"))))
	assert.True(t, a.Reserved().Equal(order.EstimatedCost))
}

func TestAllocateSameStepSignalsCannotOverdraw(t *testing.T) {
	t.Parallel()

	l := newLedger(t, "10000")
	a := newAllocator(t, DefaultAllocatorConfig(), PercentOfEquity{Pct: d("0.5")})
	v := l.View()

	var orders []broker.Order
	total := decimal.Zero
	for _, sym := range []string{"AAA", "BBB", "CCC"} {
		order, dec := a.Allocate(long(sym), v, d("100"))
		if !dec.Allowed {
			continue
		}
		orders = append(orders, order)
		total = total.Add(order.EstimatedCost)
		assert.True(t, total.LessThanOrEqual(v.Cash), "after %s committed %s", sym, total)
	}

	require.Len(t, orders, 3)
	assert.Equal(t, uint64(49), orders[0].Quantity)
	assert.Equal(t, uint64(48), orders[1].Quantity)
	assert.Equal(t, uint64(1), orders[2].Quantity, "third signal is downsized")
	assert.True(t, total.LessThanOrEqual(d("9900")), "committed %s", total)
	assert.True(t, a.Reserved().Equal(total))

	_, dec := a.Allocate(long("DDD"), v, d("100"))
	assert.False(t, dec.Allowed)
	assert.True(t, dec.Has(CodeZeroSize) || dec.Has(CodeNoCapital))
}

func TestAllocateRejectsWithoutCapital(t *testing.T) {
	t.Parallel()

	l := newLedger(t, "1000")
	a := newAllocator(t, DefaultAllocatorConfig(), PercentOfEquity{Pct: d("1")})
	v := l.View()

	_, dec := a.Allocate(long("X"), v, d("100"))
	require.True(t, dec.Allowed)

	// what is left after the reservation and the 1% cash reserve is < 1 share
	_, dec = a.Allocate(long("Y"), v, d("100"))
	assert.False(t, dec.Allowed)
	assert.True(t, dec.Has(CodeZeroSize))

	_, dec = a.Allocate(long("Z"), v, d("1"))
	require.True(t, dec.Allowed, "a cheap symbol still fits in the remainder")

	for i := 0; i < 200; i++ {
		_, dec = a.Allocate(long("Z"), v, d("0.01"))
		if !dec.Allowed {
			break
		}
	}
	assert.False(t, dec.Allowed)
}

func TestAllocateNonEntryAndBadPrice(t *testing.T) {
	t.Parallel()

	l := newLedger(t, "1000")
	a := newAllocator(t, DefaultAllocatorConfig(), PercentOfEquity{Pct: d("1")})

	_, dec := a.Allocate(broker.Signal{Symbol: "X", Type: broker.Exit, Time: t0}, l.View(), d("100"))
	assert.True(t, dec.Has(CodeNotEntry))

	_, dec = a.Allocate(long("X"), l.View(), decimal.Zero)
	assert.True(t, dec.Has(CodeBadPrice))
	assert.True(t, a.Reserved().IsZero())
}

func TestAllocateStrengthScalesTarget(t *testing.T) {
	t.Parallel()

	l := newLedger(t, "10000")
	a := newAllocator(t, DefaultAllocatorConfig(), PercentOfEquity{Pct: d("0.5")})

	sig := long("X")
	sig.Strength = 0.5
	order, dec := a.Allocate(sig, l.View(), d("100"))
	require.True(t, dec.Allowed)
	// 2500 / 101.6
	assert.Equal(t, uint64(24), order.Quantity)
}

func TestAllocateConfidenceWeightedNotScaledTwice(t *testing.T) {
	t.Parallel()

	l := newLedger(t, "10000")
	a := newAllocator(t, DefaultAllocatorConfig(), ConfidenceWeighted{MinPct: d("0.1"), MaxPct: d("0.5")})

	sig := long("X")
	sig.Strength = 0.5
	order, dec := a.Allocate(sig, l.View(), d("100"))
	require.True(t, dec.Allowed)
	// equity × (0.1 + 0.4×0.5) = 3000; 3000 / 101.6
	assert.Equal(t, uint64(29), order.Quantity)
}

func TestAllocateShortReservesCollateral(t *testing.T) {
	t.Parallel()

	l := newLedger(t, "1000")
	a := newAllocator(t, DefaultAllocatorConfig(), PercentOfEquity{Pct: d("1")})

	sig := broker.Signal{Symbol: "X", Type: broker.Short, Time: t0}
	order, dec := a.Allocate(sig, l.View(), d("100"))
	require.True(t, dec.Allowed)
	assert.Equal(t, broker.Sell, order.Direction)
	assert.Equal(t, uint64(9), order.Quantity)
	assert.True(t, a.Reserved().IsPositive())
}

func TestAllocateSubtractsShortExposure(t *testing.T) {
	t.Parallel()

	l := newLedger(t, "1000")
	_, err := l.ApplyFill(broker.Fill{Symbol: "S", Direction: broker.Sell, Quantity: 5, Price: d("100"), Commission: decimal.Zero, Time: t0})
	require.NoError(t, err)

	a := newAllocator(t, DefaultAllocatorConfig(), PercentOfEquity{Pct: d("1")})
	v := l.View()
	// cash 1500 - 1% - 500 exposure
	assert.True(t, a.Available(v).Equal(d("985")), "got %s", a.Available(v))
}

func TestAllocateFallbackBufferShrinks(t *testing.T) {
	t.Parallel()

	cfg := DefaultAllocatorConfig()
	cfg.Buffer = decimal.Zero
	cfg.CashReservePct = decimal.Zero
	l := newLedger(t, "1000")
	a := newAllocator(t, cfg, PercentOfEquity{Pct: d("1")})

	order, dec := a.Allocate(long("X"), l.View(), d("100"))
	require.True(t, dec.Allowed)
	// 10 shares would cost 1006.005; fallback gives floor(1000/102)
	assert.Equal(t, uint64(9), order.Quantity)
	assert.True(t, order.EstimatedCost.LessThanOrEqual(d("1000")))
}

func TestMaxPositions(t *testing.T) {
	t.Parallel()

	cfg := DefaultAllocatorConfig()
	cfg.MaxPositions = 2
	l := newLedger(t, "100000")
	a := newAllocator(t, cfg, PercentOfEquity{Pct: d("0.1")})
	v := l.View()

	_, dec := a.Allocate(long("A"), v, d("10"))
	require.True(t, dec.Allowed)
	_, dec = a.Allocate(long("B"), v, d("10"))
	require.True(t, dec.Allowed)
	_, dec = a.Allocate(long("C"), v, d("10"))
	assert.True(t, dec.Has(CodeMaxPositions))

	_, dec = a.Allocate(long("A"), v, d("10"))
	assert.True(t, dec.Allowed, "adding to a pending symbol is not a new position")
}

func TestClearReservationsIdempotent(t *testing.T) {
	t.Parallel()

	l := newLedger(t, "1000")
	a := newAllocator(t, DefaultAllocatorConfig(), PercentOfEquity{Pct: d("1")})

	a.ClearReservations()
	assert.True(t, a.Reserved().IsZero())

	_, dec := a.Allocate(long("X"), l.View(), d("100"))
	require.True(t, dec.Allowed)
	require.True(t, a.Reserved().IsPositive())

	a.ClearReservations()
	assert.True(t, a.Reserved().IsZero())
	a.ClearReservations()
	assert.True(t, a.Reserved().IsZero())
}

func TestReservationScope(t *testing.T) {
	t.Parallel()

	l := newLedger(t, "1000")
	a := newAllocator(t, DefaultAllocatorConfig(), PercentOfEquity{Pct: d("1")})

	r, err := a.BeginStep()
	require.NoError(t, err)
	_, dec := a.Allocate(long("X"), l.View(), d("100"))
	require.True(t, dec.Allowed)

	_, err = a.BeginStep()
	assert.ErrorIs(t, err, ErrReservationLeak)

	r.Release()
	r.Release()
	assert.True(t, a.Reserved().IsZero())

	_, err = a.BeginStep()
	assert.NoError(t, err)
}

func TestNewAllocatorValidation(t *testing.T) {
	t.Parallel()

	_, err := NewAllocator(DefaultAllocatorConfig(), nil, sim.DefaultCosts(), nil)
	assert.Error(t, err)

	cfg := DefaultAllocatorConfig()
	cfg.CashReservePct = d("1")
	_, err = NewAllocator(cfg, FixedFraction{Fraction: d("0.1")}, sim.DefaultCosts(), nil)
	assert.Error(t, err)

	cfg = DefaultAllocatorConfig()
	cfg.Buffer = d("-0.1")
	_, err = NewAllocator(cfg, FixedFraction{Fraction: d("0.1")}, sim.DefaultCosts(), nil)
	assert.Error(t, err)
}
