package strategies

import "github.com/rustyeddy/execsim/broker"

// OpenOnce goes long each symbol on the first bar it appears and never
// signals for that symbol again. Exits are left to the risk ladder.
type OpenOnce struct {
	Symbols []string
	opened  map[string]bool
}

func NewOpenOnce(symbols ...string) *OpenOnce {
	return &OpenOnce{Symbols: symbols, opened: make(map[string]bool)}
}

func (s *OpenOnce) Name() string { return "open-once" }

func (s *OpenOnce) GenerateSignals(ctx Context) ([]broker.Signal, error) {
	if s.opened == nil {
		s.opened = make(map[string]bool)
	}

	var out []broker.Signal
	for _, sym := range symbolsOf(s.Symbols, ctx.Step) {
		if s.opened[sym] || ctx.View.Holds(sym) {
			continue
		}
		if _, ok := ctx.Step.Bar(sym); !ok {
			continue
		}
		s.opened[sym] = true
		sig := broker.Signal{
			Symbol:     sym,
			Type:       broker.Long,
			Time:       ctx.Time,
			StrategyID: s.Name(),
			Reason:     "open once",
		}
		out = append(out, sig)
	}
	return out, nil
}
