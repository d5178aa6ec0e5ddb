package indicators

import (
	"fmt"

	"github.com/rustyeddy/execsim/market"
)

// MA is the simple moving average of the last period closes.
func MA(bars []market.Bar, period int) (float64, error) {
	if err := enough(len(bars), period, period); err != nil {
		return 0, err
	}
	sum := 0.0
	for _, b := range bars[len(bars)-period:] {
		sum += closeOf(b)
	}
	return sum / float64(period), nil
}

// EMA runs the streaming EMA over bars and returns the final value.
func EMA(bars []market.Bar, period int) (float64, error) {
	if err := enough(len(bars), period, period); err != nil {
		return 0, err
	}
	e := NewEMA(period)
	for _, b := range bars {
		e.Update(b)
	}
	return e.Value(), nil
}

// ATRFunc runs the streaming ATR over bars and returns the final value.
func ATRFunc(bars []market.Bar, period int) (float64, error) {
	if err := enough(len(bars), period, period+1); err != nil {
		return 0, err
	}
	a := NewATR(period)
	for _, b := range bars {
		a.Update(b)
	}
	return a.Value(), nil
}

func enough(have, period, need int) error {
	if period <= 0 {
		return fmt.Errorf("period must be positive, got %d", period)
	}
	if have < need {
		return fmt.Errorf("not enough bars: need %d, got %d", need, have)
	}
	return nil
}
