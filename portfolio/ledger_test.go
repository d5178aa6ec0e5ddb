package portfolio

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/rustyeddy/execsim/broker"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newLedger(t *testing.T, capital string) *Ledger {
	t.Helper()
	l, err := New(d(capital))
	require.NoError(t, err)
	return l
}

func fill(sym string, dir broker.Direction, qty uint64, price, comm string, bar int) broker.Fill {
	return broker.Fill{
		Symbol:     sym,
		Direction:  dir,
		Quantity:   qty,
		Price:      d(price),
		Commission: d(comm),
		Time:       t0.Add(time.Duration(bar) * time.Hour),
		Bar:        bar,
		Reason:     "test",
	}
}

func TestNewRejectsNonPositiveCapital(t *testing.T) {
	t.Parallel()

	_, err := New(decimal.Zero)
	require.Error(t, err)
	_, err = New(d("-1"))
	require.Error(t, err)
}

func TestApplyFillBuyOpensLong(t *testing.T) {
	t.Parallel()

	l := newLedger(t, "1000")
	res, err := l.ApplyFill(fill("X", broker.Buy, 9, "100", "0.9", 1))
	require.NoError(t, err)

	assert.True(t, l.Cash().Equal(d("99.1")))
	require.NotNil(t, res.Position)
	assert.Nil(t, res.Closed)

	p, ok := l.Position("X")
	require.True(t, ok)
	assert.Equal(t, int64(9), p.Quantity)
	assert.Equal(t, SideLong, p.Side)
	assert.Equal(t, 1, p.EntryBar)
	assert.True(t, p.EntryPrice.Equal(d("100")))
	assert.True(t, p.EntryCommission.Equal(d("0.9")))
	assert.True(t, l.Equity().Equal(d("999.1")))
}

func TestApplyFillInsufficientFundsDoesNotMutate(t *testing.T) {
	t.Parallel()

	l := newLedger(t, "1000")
	_, err := l.ApplyFill(fill("X", broker.Buy, 10, "100", "1", 0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientFunds))

	assert.True(t, l.Cash().Equal(d("1000")))
	_, ok := l.Position("X")
	assert.False(t, ok)
}

func TestApplyFillWeightedAverageEntry(t *testing.T) {
	t.Parallel()

	l := newLedger(t, "10000")
	_, err := l.ApplyFill(fill("X", broker.Buy, 10, "100", "1", 0))
	require.NoError(t, err)
	_, err = l.ApplyFill(fill("X", broker.Buy, 30, "120", "3", 2))
	require.NoError(t, err)

	p, ok := l.Position("X")
	require.True(t, ok)
	assert.Equal(t, int64(40), p.Quantity)
	assert.True(t, p.EntryPrice.Equal(d("115")), "got %s", p.EntryPrice)
	assert.True(t, p.EntryCommission.Equal(d("4")))
	assert.Equal(t, 0, p.EntryBar)
	assert.Equal(t, t0.Add(2*time.Hour), p.LastEntryTime)
}

func TestRoundTripNetsTwoCommissions(t *testing.T) {
	t.Parallel()

	l := newLedger(t, "10000")
	_, err := l.ApplyFill(fill("X", broker.Buy, 50, "100", "5", 0))
	require.NoError(t, err)

	res, err := l.ApplyFill(fill("X", broker.Sell, 50, "100", "5", 4))
	require.NoError(t, err)

	require.NotNil(t, res.Closed)
	assert.Nil(t, res.Position)
	assert.True(t, res.Realized.Equal(d("-10")), "got %s", res.Realized)
	assert.True(t, res.Closed.Commission.Equal(d("10")))
	assert.Equal(t, 4, res.Closed.BarsHeld())
	assert.False(t, res.Closed.Partial)
	assert.True(t, l.Cash().Equal(d("9990")))
	assert.True(t, l.RealizedPL().Equal(d("-10")))

	_, ok := l.Position("X")
	assert.False(t, ok)
}

func TestPartialCloseProRatesEntryCommission(t *testing.T) {
	t.Parallel()

	l := newLedger(t, "10000")
	_, err := l.ApplyFill(fill("X", broker.Buy, 40, "100", "4", 0))
	require.NoError(t, err)

	res, err := l.ApplyFill(fill("X", broker.Sell, 10, "110", "1", 1))
	require.NoError(t, err)

	// (110-100)*10 - 1 exit - 1 entry share
	assert.True(t, res.Realized.Equal(d("98")), "got %s", res.Realized)
	require.NotNil(t, res.Closed)
	assert.True(t, res.Closed.Partial)
	require.NotNil(t, res.Position)
	assert.Equal(t, int64(30), res.Position.Quantity)
	assert.True(t, res.Position.EntryCommission.Equal(d("3")))
}

func TestShortLifecycle(t *testing.T) {
	t.Parallel()

	l := newLedger(t, "10000")
	_, err := l.ApplyFill(fill("X", broker.Sell, 10, "100", "1", 0))
	require.NoError(t, err)

	p, ok := l.Position("X")
	require.True(t, ok)
	assert.Equal(t, int64(-10), p.Quantity)
	assert.Equal(t, SideShort, p.Side)
	assert.True(t, l.Cash().Equal(d("10999")))

	l.Mark("X", d("90"))
	assert.True(t, l.ShortExposure().Equal(d("900")))
	assert.True(t, l.Equity().Equal(d("10099")))

	p, _ = l.Position("X")
	assert.True(t, p.Peak.Equal(d("90")))
	l.Mark("X", d("95"))
	p, _ = l.Position("X")
	assert.True(t, p.Peak.Equal(d("90")), "short peak tracks the low")

	res, err := l.ApplyFill(fill("X", broker.Buy, 10, "90", "1", 3))
	require.NoError(t, err)
	// (100-90)*10 - 1 - 1
	assert.True(t, res.Realized.Equal(d("98")), "got %s", res.Realized)
	assert.True(t, l.Cash().Equal(d("10098")))
	assert.Equal(t, 0, l.View().Count())
}

func TestOverCloseRejected(t *testing.T) {
	t.Parallel()

	l := newLedger(t, "10000")
	_, err := l.ApplyFill(fill("X", broker.Buy, 5, "100", "0", 0))
	require.NoError(t, err)

	_, err = l.ApplyFill(fill("X", broker.Sell, 6, "100", "0", 1))
	assert.ErrorIs(t, err, ErrOverClose)

	p, _ := l.Position("X")
	assert.Equal(t, int64(5), p.Quantity)
	assert.True(t, l.Cash().Equal(d("9500")))
}

func TestInvalidFills(t *testing.T) {
	t.Parallel()

	l := newLedger(t, "1000")

	tests := []struct {
		name string
		f    broker.Fill
	}{
		{"no symbol", fill("", broker.Buy, 1, "1", "0", 0)},
		{"zero qty", fill("X", broker.Buy, 0, "1", "0", 0)},
		{"zero price", fill("X", broker.Buy, 1, "0", "0", 0)},
		{"negative commission", fill("X", broker.Buy, 1, "1", "-1", 0)},
		{"no direction", broker.Fill{Symbol: "X", Quantity: 1, Price: d("1")}},
	}
	for _, tt := range tests {
		_, err := l.ApplyFill(tt.f)
		assert.ErrorIs(t, err, ErrInvalidFill, tt.name)
	}
	assert.True(t, l.Cash().Equal(d("1000")))
}

func TestLongPeakTracksHigh(t *testing.T) {
	t.Parallel()

	l := newLedger(t, "1000")
	_, err := l.ApplyFill(fill("X", broker.Buy, 1, "100", "0", 0))
	require.NoError(t, err)

	l.Mark("X", d("110"))
	l.Mark("X", d("105"))
	l.Mark("X", d("0")) // ignored

	p, _ := l.Position("X")
	assert.True(t, p.Peak.Equal(d("110")))
	px, ok := l.Price("X")
	require.True(t, ok)
	assert.True(t, px.Equal(d("105")))
}

// Any sequence of fills leaves cash non-negative, whether each fill is
// accepted or rejected.
func TestCashNeverNegative(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	l := newLedger(t, "5000")
	syms := []string{"A", "B", "C"}

	for i := 0; i < 2000; i++ {
		dir := broker.Buy
		if rng.Intn(2) == 0 {
			dir = broker.Sell
		}
		price := decimal.NewFromInt(int64(50 + rng.Intn(100)))
		qty := uint64(1 + rng.Intn(40))
		f := broker.Fill{
			Symbol:     syms[rng.Intn(len(syms))],
			Direction:  dir,
			Quantity:   qty,
			Price:      price,
			Commission: price.Mul(decimal.NewFromInt(int64(qty))).Mul(d("0.001")),
			Time:       t0,
			Bar:        i,
		}
		_, err := l.ApplyFill(f)
		if err != nil {
			require.False(t, errors.Is(err, ErrInvariantViolated), "fill %d: %v", i, err)
		}
		require.False(t, l.Cash().IsNegative(), "fill %d left cash %s", i, l.Cash())
	}
}

func TestInvariantErrorDump(t *testing.T) {
	t.Parallel()

	l := newLedger(t, "1000")
	_, err := l.ApplyFill(fill("X", broker.Buy, 1, "100", "0", 0))
	require.NoError(t, err)

	l.cash = d("-5")
	err = l.Check()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvariantViolated)

	var ie *InvariantError
	require.True(t, errors.As(err, &ie))
	ie.Reserved = d("12.5")
	dump := ie.Dump()
	assert.Contains(t, dump, "cash:     -5.00")
	assert.Contains(t, dump, "reserved: 12.50")
	assert.Contains(t, dump, "position: X qty=1")
}

func TestViewIsSnapshot(t *testing.T) {
	t.Parallel()

	l := newLedger(t, "1000")
	_, err := l.ApplyFill(fill("B", broker.Buy, 1, "100", "0", 0))
	require.NoError(t, err)
	_, err = l.ApplyFill(fill("A", broker.Buy, 1, "100", "0", 0))
	require.NoError(t, err)

	v := l.View()
	assert.Equal(t, []string{"A", "B"}, v.Symbols())
	assert.True(t, v.Holds("A"))

	_, err = l.ApplyFill(fill("A", broker.Sell, 1, "100", "0", 1))
	require.NoError(t, err)

	assert.True(t, v.Holds("A"), "earlier view is unaffected")
	assert.False(t, l.View().Holds("A"))
	assert.True(t, v.Cash.Equal(d("800")))
}
