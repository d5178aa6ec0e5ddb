package strategies

import "github.com/rustyeddy/execsim/broker"

// Noop never signals.
type Noop struct{}

func (Noop) Name() string { return "noop" }

func (Noop) GenerateSignals(Context) ([]broker.Signal, error) { return nil, nil }
