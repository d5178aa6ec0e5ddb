package risk

import "fmt"

// Violation codes reported by the allocator.
const (
	CodeNotEntry     = "NOT_ENTRY"
	CodeBadPrice     = "BAD_PRICE"
	CodeNoCapital    = "NO_CAPITAL"
	CodeZeroSize     = "ZERO_SIZE"
	CodeMaxPositions = "MAX_POSITIONS"
)

type Violation struct {
	Code string
	Msg  string
}

func (v Violation) String() string { return v.Code + ": " + v.Msg }

// Decision is the allocator's verdict on one entry signal. When Allowed is
// false, Order is the zero value and Violations says why.
type Decision struct {
	Allowed    bool
	Violations []Violation
}

func (d *Decision) add(code, format string, args ...any) {
	d.Violations = append(d.Violations, Violation{Code: code, Msg: fmt.Sprintf(format, args...)})
	d.Allowed = false
}

// Has reports whether a violation with code was recorded.
func (d Decision) Has(code string) bool {
	for _, v := range d.Violations {
		if v.Code == code {
			return true
		}
	}
	return false
}
