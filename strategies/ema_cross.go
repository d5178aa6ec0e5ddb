package strategies

import (
	"fmt"
	"math"

	"github.com/rustyeddy/execsim/broker"
	"github.com/rustyeddy/execsim/indicators"
)

type EMACrossConfig struct {
	Symbols    []string `yaml:"symbols" json:"symbols"`
	FastPeriod int      `yaml:"fast_period" json:"fast_period"`
	SlowPeriod int      `yaml:"slow_period" json:"slow_period"`
	// ATRPeriod scales signal strength: |fast − slow| / ATR, capped at 1.
	// Zero leaves strength unset.
	ATRPeriod  int  `yaml:"atr_period" json:"atr_period"`
	AllowShort bool `yaml:"allow_short" json:"allow_short"`
}

func EMACrossConfigDefaults() EMACrossConfig {
	return EMACrossConfig{
		FastPeriod: 10,
		SlowPeriod: 30,
		ATRPeriod:  14,
	}
}

// EMACross trades a fast/slow EMA crossover per symbol.
//   - bull cross: LONG when flat
//   - bear cross: SHORT when flat and shorts are allowed
//   - EXIT every bar a held position has the fast EMA on the wrong side, so
//     an exit held back by the minimum holding period is asked for again
//
// Position state always comes from the ledger view.
type EMACross struct {
	cfg   EMACrossConfig
	state map[string]*crossState
}

type crossState struct {
	fast, slow *indicators.ExponentialMA
	atr        *indicators.ATR

	lastDiff     float64
	haveLastDiff bool
}

func NewEMACross(cfg EMACrossConfig) (*EMACross, error) {
	def := EMACrossConfigDefaults()
	if cfg.FastPeriod == 0 {
		cfg.FastPeriod = def.FastPeriod
	}
	if cfg.SlowPeriod == 0 {
		cfg.SlowPeriod = def.SlowPeriod
	}
	if cfg.FastPeriod < 0 || cfg.SlowPeriod < 0 || cfg.ATRPeriod < 0 {
		return nil, fmt.Errorf("ema-cross: periods must not be negative")
	}
	if cfg.FastPeriod >= cfg.SlowPeriod {
		return nil, fmt.Errorf("ema-cross: fast period %d must be below slow period %d", cfg.FastPeriod, cfg.SlowPeriod)
	}
	return &EMACross{cfg: cfg, state: make(map[string]*crossState)}, nil
}

func (s *EMACross) Name() string { return "ema-cross" }

func (s *EMACross) Config() EMACrossConfig { return s.cfg }

func (s *EMACross) GenerateSignals(ctx Context) ([]broker.Signal, error) {
	var out []broker.Signal
	for _, sym := range symbolsOf(s.cfg.Symbols, ctx.Step) {
		bar, ok := ctx.Step.Bar(sym)
		if !ok {
			continue
		}
		st := s.stateFor(sym)
		st.fast.Update(bar)
		st.slow.Update(bar)
		if st.atr != nil {
			st.atr.Update(bar)
		}

		if !st.fast.Ready() || !st.slow.Ready() {
			continue
		}

		diff := st.fast.Value() - st.slow.Value()
		if !st.haveLastDiff {
			st.lastDiff = diff
			st.haveLastDiff = true
			continue
		}

		bull := diff > 0 && st.lastDiff <= 0
		bear := diff < 0 && st.lastDiff >= 0
		st.lastDiff = diff

		pos, held := ctx.View.Position(sym)

		var typ broker.SignalType
		var reason string
		switch {
		case bull && held && !pos.IsLong():
			typ, reason = broker.Exit, "bull cross"
		case bear && held && pos.IsLong():
			typ, reason = broker.Exit, "bear cross"
		case held && !pos.IsLong() && diff > 0:
			typ, reason = broker.Exit, "fast above slow"
		case held && pos.IsLong() && diff < 0:
			typ, reason = broker.Exit, "fast below slow"
		case bull && !held:
			typ, reason = broker.Long, "bull cross"
		case bear && !held && s.cfg.AllowShort:
			typ, reason = broker.Short, "bear cross"
		default:
			continue
		}

		sig := broker.Signal{
			Symbol:     sym,
			Type:       typ,
			Time:       ctx.Time,
			StrategyID: s.Name(),
			Reason:     reason,
			Metadata: map[string]float64{
				"ema_fast": st.fast.Value(),
				"ema_slow": st.slow.Value(),
			},
		}
		if typ.IsEntry() && st.atr != nil && st.atr.Ready() && st.atr.Value() > 0 {
			sig.Strength = math.Min(1, math.Abs(diff)/st.atr.Value())
			sig.Metadata["atr"] = st.atr.Value()
		}
		out = append(out, sig)
	}
	return out, nil
}

func (s *EMACross) stateFor(sym string) *crossState {
	st, ok := s.state[sym]
	if ok {
		return st
	}
	st = &crossState{
		fast: indicators.NewEMA(s.cfg.FastPeriod),
		slow: indicators.NewEMA(s.cfg.SlowPeriod),
	}
	if s.cfg.ATRPeriod > 0 {
		st.atr = indicators.NewATR(s.cfg.ATRPeriod)
	}
	s.state[sym] = st
	return st
}
