package strategies

import (
	"testing"
	"time"

	"github.com/rustyeddy/execsim/broker"
	"github.com/rustyeddy/execsim/market"
	"github.com/rustyeddy/execsim/portfolio"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func step(i int, closes map[string]float64) market.Step {
	ts := t0.Add(time.Duration(i) * 24 * time.Hour)
	var bars []market.Bar
	for sym, c := range closes {
		px := decimal.NewFromFloat(c)
		bars = append(bars, market.Bar{Symbol: sym, Time: ts, Open: px, High: px, Low: px, Close: px, Volume: decimal.NewFromInt(100)})
	}
	return market.NewStep(ts, bars...)
}

func ctxFor(i int, s market.Step, v portfolio.View) Context {
	return Context{Time: s.Time, Bar: i, Step: s, View: v}
}

func flatView(t *testing.T) portfolio.View {
	t.Helper()
	l, err := portfolio.New(decimal.NewFromInt(10000))
	require.NoError(t, err)
	return l.View()
}

func holdingView(t *testing.T, sym string, dir broker.Direction) portfolio.View {
	t.Helper()
	l, err := portfolio.New(decimal.NewFromInt(10000))
	require.NoError(t, err)
	_, err = l.ApplyFill(broker.Fill{Symbol: sym, Direction: dir, Quantity: 10, Price: decimal.NewFromInt(10), Commission: decimal.Zero, Time: t0})
	require.NoError(t, err)
	return l.View()
}

func TestStrategyByName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want string
	}{
		{"noop", "noop"},
		{"None", "noop"},
		{"open-once", "open-once"},
		{" EMA-Cross ", "ema-cross"},
		{"emacross", "ema-cross"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, err := StrategyByName(tt.name, Params{FastPeriod: 2, SlowPeriod: 5})
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Name())
		})
	}

	_, err := StrategyByName("martingale", Params{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ema-cross")

	_, err = StrategyByName("ema-cross", Params{FastPeriod: 5, SlowPeriod: 5})
	assert.Error(t, err)
}

func TestNoop(t *testing.T) {
	t.Parallel()

	sigs, err := Noop{}.GenerateSignals(ctxFor(0, step(0, map[string]float64{"X": 1}), flatView(t)))
	assert.NoError(t, err)
	assert.Empty(t, sigs)
}

func TestOpenOnce(t *testing.T) {
	t.Parallel()

	s := NewOpenOnce()
	v := flatView(t)

	sigs, err := s.GenerateSignals(ctxFor(0, step(0, map[string]float64{"B": 10, "A": 20}), v))
	require.NoError(t, err)
	require.Len(t, sigs, 2)
	assert.Equal(t, "A", sigs[0].Symbol)
	assert.Equal(t, "B", sigs[1].Symbol)
	for _, sig := range sigs {
		assert.Equal(t, broker.Long, sig.Type)
		assert.NoError(t, sig.Validate())
	}

	// same symbols again, still flat: never re-enters
	sigs, err = s.GenerateSignals(ctxFor(1, step(1, map[string]float64{"A": 20, "B": 10, "C": 5}), v))
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, "C", sigs[0].Symbol)
}

func TestOpenOnceConfiguredSymbolsAndHeld(t *testing.T) {
	t.Parallel()

	s := NewOpenOnce("A", "Z")
	sigs, err := s.GenerateSignals(ctxFor(0, step(0, map[string]float64{"A": 1, "B": 1}), holdingView(t, "A", broker.Buy)))
	require.NoError(t, err)
	assert.Empty(t, sigs, "A held, B not configured, Z has no bar")
}

// closes for fast=2/slow=3: bull cross on index 4, bear cross on index 6
var crossCloses = []float64{10, 9, 8, 7, 12, 15, 5}

func runCross(t *testing.T, s *EMACross, view func(i int) portfolio.View) map[int][]broker.Signal {
	t.Helper()
	out := map[int][]broker.Signal{}
	for i, c := range crossCloses {
		sigs, err := s.GenerateSignals(ctxFor(i, step(i, map[string]float64{"X": c}), view(i)))
		require.NoError(t, err)
		if len(sigs) > 0 {
			out[i] = sigs
		}
	}
	return out
}

func TestEMACrossLongThenExit(t *testing.T) {
	t.Parallel()

	s, err := NewEMACross(EMACrossConfig{FastPeriod: 2, SlowPeriod: 3})
	require.NoError(t, err)

	flat, long := flatView(t), holdingView(t, "X", broker.Buy)
	got := runCross(t, s, func(i int) portfolio.View {
		if i >= 5 {
			return long
		}
		return flat
	})

	require.Len(t, got, 2)
	require.Len(t, got[4], 1)
	assert.Equal(t, broker.Long, got[4][0].Type)
	assert.Equal(t, "bull cross", got[4][0].Reason)
	assert.False(t, got[4][0].HasStrength(), "no ATR configured")
	assert.InDelta(t, 10.5, got[4][0].Metadata["ema_fast"], 1e-9)
	assert.InDelta(t, 10.0, got[4][0].Metadata["ema_slow"], 1e-9)

	require.Len(t, got[6], 1)
	assert.Equal(t, broker.Exit, got[6][0].Type)
	assert.Equal(t, "bear cross", got[6][0].Reason)
}

func TestEMACrossRepeatsExitWhileWrongSide(t *testing.T) {
	t.Parallel()

	s, err := NewEMACross(EMACrossConfig{FastPeriod: 2, SlowPeriod: 3})
	require.NoError(t, err)

	flat, long := flatView(t), holdingView(t, "X", broker.Buy)
	closes := append(append([]float64{}, crossCloses...), 4, 20)
	got := map[int][]broker.Signal{}
	for i, c := range closes {
		v := flat
		if i >= 5 {
			v = long
		}
		sigs, err := s.GenerateSignals(ctxFor(i, step(i, map[string]float64{"X": c}), v))
		require.NoError(t, err)
		if len(sigs) > 0 {
			got[i] = sigs
		}
	}

	require.Contains(t, got, 6)
	assert.Equal(t, "bear cross", got[6][0].Reason)
	require.Contains(t, got, 7)
	assert.Equal(t, broker.Exit, got[7][0].Type)
	assert.Equal(t, "fast below slow", got[7][0].Reason)
	assert.NotContains(t, got, 8, "fast back above slow")
}

func TestEMACrossShortsOnlyWhenAllowed(t *testing.T) {
	t.Parallel()

	flat := flatView(t)
	always := func(int) portfolio.View { return flat }

	s, err := NewEMACross(EMACrossConfig{FastPeriod: 2, SlowPeriod: 3})
	require.NoError(t, err)
	got := runCross(t, s, always)
	assert.NotContains(t, got, 6)

	s, err = NewEMACross(EMACrossConfig{FastPeriod: 2, SlowPeriod: 3, AllowShort: true})
	require.NoError(t, err)
	got = runCross(t, s, always)
	require.Contains(t, got, 6)
	assert.Equal(t, broker.Short, got[6][0].Type)
}

func TestEMACrossExitsShortOnBullCross(t *testing.T) {
	t.Parallel()

	s, err := NewEMACross(EMACrossConfig{FastPeriod: 2, SlowPeriod: 3})
	require.NoError(t, err)
	short := holdingView(t, "X", broker.Sell)
	got := runCross(t, s, func(int) portfolio.View { return short })

	require.Contains(t, got, 4)
	assert.Equal(t, broker.Exit, got[4][0].Type)
	assert.NotContains(t, got, 6, "bear cross while short is a no-op")
}

func TestEMACrossStrengthFromATR(t *testing.T) {
	t.Parallel()

	s, err := NewEMACross(EMACrossConfig{FastPeriod: 2, SlowPeriod: 3, ATRPeriod: 2})
	require.NoError(t, err)
	flat := flatView(t)
	got := runCross(t, s, func(int) portfolio.View { return flat })

	require.Contains(t, got, 4)
	sig := got[4][0]
	// diff 0.5, ATR 3
	assert.InDelta(t, 0.5/3, sig.Strength, 1e-9)
	assert.InDelta(t, 3.0, sig.Metadata["atr"], 1e-9)
	assert.NoError(t, sig.Validate())
}
