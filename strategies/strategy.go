// Package strategies holds the signal generators the backtest engine drives.
package strategies

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rustyeddy/execsim/broker"
	"github.com/rustyeddy/execsim/market"
	"github.com/rustyeddy/execsim/portfolio"
)

// Context is what a strategy sees on each step. Positions come from the
// ledger through View; strategies must not track their own.
type Context struct {
	Time   time.Time
	Bar    int
	Step   market.Step
	Window *market.Window
	View   portfolio.View
}

// Strategy turns market data into typed signals. It is called once per step,
// after exits for the step have been evaluated.
type Strategy interface {
	Name() string
	GenerateSignals(ctx Context) ([]broker.Signal, error)
}

// Params configures the built-in strategies. Unused fields are ignored.
type Params struct {
	Symbols    []string
	FastPeriod int
	SlowPeriod int
	ATRPeriod  int
	AllowShort bool
}

// Factory builds a strategy from Params.
type Factory func(Params) (Strategy, error)

var registry = map[string]Factory{
	"noop": func(Params) (Strategy, error) { return Noop{}, nil },
	"open-once": func(p Params) (Strategy, error) {
		return NewOpenOnce(p.Symbols...), nil
	},
	"ema-cross": func(p Params) (Strategy, error) {
		return NewEMACross(EMACrossConfig{
			Symbols:    p.Symbols,
			FastPeriod: p.FastPeriod,
			SlowPeriod: p.SlowPeriod,
			ATRPeriod:  p.ATRPeriod,
			AllowShort: p.AllowShort,
		})
	},
}

// Register adds or replaces a named strategy factory.
func Register(name string, f Factory) {
	registry[normalize(name)] = f
}

// Names lists the registered strategies.
func Names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func StrategyByName(name string, p Params) (Strategy, error) {
	f, ok := registry[normalize(name)]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (supported: %s)", name, strings.Join(Names(), ", "))
	}
	return f(p)
}

func normalize(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "none":
		return "noop"
	case "emacross":
		return "ema-cross"
	}
	return n
}

// symbolsOf returns the configured symbols, or every symbol in the step.
func symbolsOf(configured []string, s market.Step) []string {
	if len(configured) > 0 {
		return configured
	}
	return s.Symbols()
}
