package market

import (
	"sort"
	"time"
)

// Step groups every bar that shares one timestamp. The dispatch loop
// processes exactly one Step per iteration.
type Step struct {
	Time time.Time
	Bars []Bar
}

// NewStep builds a Step with bars ordered by symbol so replay is
// deterministic regardless of input order.
func NewStep(t time.Time, bars ...Bar) Step {
	out := make([]Bar, len(bars))
	copy(out, bars)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return Step{Time: t, Bars: out}
}

// Bar returns the bar for symbol, if present in this step.
func (s Step) Bar(symbol string) (Bar, bool) {
	for _, b := range s.Bars {
		if b.Symbol == symbol {
			return b, true
		}
	}
	return Bar{}, false
}

// Symbols returns the symbols present in the step, in order.
func (s Step) Symbols() []string {
	out := make([]string, 0, len(s.Bars))
	for _, b := range s.Bars {
		out = append(out, b.Symbol)
	}
	return out
}
