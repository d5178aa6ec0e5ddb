package broker

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidSignalType is returned when a signal type is not one of
// LONG, SHORT or EXIT.
var ErrInvalidSignalType = errors.New("invalid signal type")

// ErrInvalidSignal is returned by Signal.Validate for malformed signals
// other than a bad type.
var ErrInvalidSignal = errors.New("invalid signal")

// SignalType is the closed set of decisions a strategy can emit.
// The zero value is not a valid type.
type SignalType uint8

const (
	Long SignalType = iota + 1
	Short
	Exit
)

var signalTypeNames = map[SignalType]string{
	Long:  "LONG",
	Short: "SHORT",
	Exit:  "EXIT",
}

// ParseSignalType accepts exactly "LONG", "SHORT" or "EXIT". Lowercase or
// legacy spellings such as "buy" are rejected.
func ParseSignalType(s string) (SignalType, error) {
	for t, name := range signalTypeNames {
		if s == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q (want LONG, SHORT or EXIT)", ErrInvalidSignalType, s)
}

func (t SignalType) Valid() bool {
	_, ok := signalTypeNames[t]
	return ok
}

func (t SignalType) String() string {
	if name, ok := signalTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("SignalType(%d)", uint8(t))
}

// IsEntry reports whether the type requests opening or adding to a position.
func (t SignalType) IsEntry() bool { return t == Long || t == Short }

// Direction returns the order direction an entry of this type trades in.
func (t SignalType) Direction() Direction {
	if t == Short {
		return Sell
	}
	return Buy
}

func (t SignalType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSignalType, uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *SignalType) UnmarshalText(b []byte) error {
	v, err := ParseSignalType(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Signal is a strategy decision for one symbol at one bar.
type Signal struct {
	Symbol     string
	Type       SignalType
	Strength   float64 // [0,1]; 0 means not supplied
	Time       time.Time
	StrategyID string
	Reason     string

	// Metadata is an indicator snapshot kept for audit logs.
	Metadata map[string]float64
}

// NewSignal parses typ and builds a validated signal.
func NewSignal(symbol, typ string, strength float64, ts time.Time, strategyID string) (Signal, error) {
	st, err := ParseSignalType(typ)
	if err != nil {
		return Signal{}, err
	}
	s := Signal{
		Symbol:     symbol,
		Type:       st,
		Strength:   strength,
		Time:       ts,
		StrategyID: strategyID,
	}
	if err := s.Validate(); err != nil {
		return Signal{}, err
	}
	return s, nil
}

func (s Signal) Validate() error {
	if !s.Type.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidSignalType, s.Type)
	}
	if s.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidSignal)
	}
	if s.Strength < 0 || s.Strength > 1 {
		return fmt.Errorf("%w: strength %.4f outside [0,1]", ErrInvalidSignal, s.Strength)
	}
	return nil
}

// HasStrength reports whether the strategy supplied a confidence.
func (s Signal) HasStrength() bool { return s.Strength > 0 }
