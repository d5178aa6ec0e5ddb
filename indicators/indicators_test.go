package indicators

import (
	"testing"
	"time"

	"github.com/rustyeddy/execsim/market"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func bar(i int, o, h, l, c float64) market.Bar {
	return market.Bar{
		Symbol: "X",
		Time:   baseTime.Add(time.Duration(i) * time.Hour),
		Open:   decimal.NewFromFloat(o),
		High:   decimal.NewFromFloat(h),
		Low:    decimal.NewFromFloat(l),
		Close:  decimal.NewFromFloat(c),
		Volume: decimal.NewFromInt(1000),
	}
}

func testBars() []market.Bar {
	return []market.Bar{
		bar(0, 100, 105, 99, 102),
		bar(1, 102, 107, 101, 105),
		bar(2, 105, 108, 104, 106),
		bar(3, 106, 110, 105, 108),
		bar(4, 108, 112, 107, 110),
	}
}

func TestMA(t *testing.T) {
	t.Parallel()

	got, err := MA(testBars(), 3)
	require.NoError(t, err)
	assert.InDelta(t, (106.0+108.0+110.0)/3, got, 1e-9)

	_, err = MA(testBars(), 6)
	assert.Error(t, err)
	_, err = MA(testBars(), 0)
	assert.Error(t, err)
}

func TestEMA(t *testing.T) {
	t.Parallel()

	got, err := EMA(testBars(), 3)
	require.NoError(t, err)

	// seed 104.333..., k = 0.5
	want := (102.0 + 105.0 + 106.0) / 3
	want = (108-want)*0.5 + want
	want = (110-want)*0.5 + want
	assert.InDelta(t, want, got, 1e-9)
}

func TestATRFunc(t *testing.T) {
	t.Parallel()

	got, err := ATRFunc(testBars(), 3)
	require.NoError(t, err)

	// true ranges: 6, 4, 5, 5; seed (6+4+5)/3 = 5, then (5*2+5)/3
	assert.InDelta(t, 5.0, got, 1e-9)

	_, err = ATRFunc(testBars(), 5)
	assert.Error(t, err, "needs period+1 bars")
}

func TestTrueRange(t *testing.T) {
	t.Parallel()

	prev := bar(0, 0, 0, 0, 100)
	tests := []struct {
		name string
		cur  market.Bar
		want float64
	}{
		{"high-low widest", bar(1, 100, 104, 98, 101), 6},
		{"gap up", bar(1, 108, 110, 107, 109), 10},
		{"gap down", bar(1, 92, 93, 90, 91), 10},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, trueRange(tt.cur, prev), 1e-9)
		})
	}
}
