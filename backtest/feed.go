package backtest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rustyeddy/execsim/market"
	"github.com/shopspring/decimal"
)

// Feed yields one Step (every bar sharing a timestamp) at a time.
// Implementations must be deterministic and return (ok=false, err=nil) at EOF.
type Feed interface {
	Next() (s market.Step, ok bool, err error)
	Close() error
}

// CSVBarFeed reads bar rows:
//
//	time,symbol,open,high,low,close[,volume]
//
// where time is RFC3339 or RFC3339Nano, or a YYYY-MM-DD date.
// Rows must be ordered by time; consecutive rows with the same time form
// one Step. It optionally filters bars to [From, To). A header row
// ("time,...") is allowed and empty/short rows are skipped.
type CSVBarFeed struct {
	rc   io.Closer
	r    *csv.Reader
	from time.Time
	to   time.Time
	line int

	sawFirst bool
	pending  *market.Bar
	last     time.Time
	done     bool
}

func NewCSVBarFeed(path string, from, to time.Time) (*CSVBarFeed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	feed := NewCSVBarReader(f, from, to)
	feed.rc = f
	return feed, nil
}

// NewCSVBarReader reads bars from r. Close is a no-op unless r came from
// NewCSVBarFeed.
func NewCSVBarReader(r io.Reader, from, to time.Time) *CSVBarFeed {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	return &CSVBarFeed{r: cr, from: from, to: to}
}

func (f *CSVBarFeed) Close() error {
	if f.rc != nil {
		return f.rc.Close()
	}
	return nil
}

func (f *CSVBarFeed) Next() (market.Step, bool, error) {
	var bars []market.Bar
	if f.pending != nil {
		bars = append(bars, *f.pending)
		f.pending = nil
	}

	for !f.done {
		b, ok, err := f.nextBar()
		if err != nil {
			return market.Step{}, false, err
		}
		if !ok {
			f.done = true
			break
		}
		if len(bars) > 0 && !b.Time.Equal(bars[0].Time) {
			f.pending = &b
			break
		}
		bars = append(bars, b)
	}

	if len(bars) == 0 {
		return market.Step{}, false, nil
	}
	return market.NewStep(bars[0].Time, bars...), true, nil
}

func (f *CSVBarFeed) nextBar() (market.Bar, bool, error) {
	for {
		row, err := f.r.Read()
		if err == io.EOF {
			return market.Bar{}, false, nil
		}
		if err != nil {
			return market.Bar{}, false, err
		}
		f.line++
		if len(row) == 0 {
			continue
		}

		if !f.sawFirst {
			f.sawFirst = true
			if strings.EqualFold(strings.TrimSpace(row[0]), "time") {
				continue
			}
		}

		b, ok, err := parseBarRow(row)
		if err != nil {
			return market.Bar{}, false, fmt.Errorf("line %d: %w", f.line, err)
		}
		if !ok {
			continue
		}
		if b.Time.Before(f.last) {
			return market.Bar{}, false, fmt.Errorf("line %d: time %s before %s; rows must be sorted",
				f.line, b.Time.Format(time.RFC3339), f.last.Format(time.RFC3339))
		}
		f.last = b.Time
		if !inRange(b.Time, f.from, f.to) {
			continue
		}
		return b, true, nil
	}
}

func parseBarRow(row []string) (market.Bar, bool, error) {
	if len(row) < 6 {
		return market.Bar{}, false, nil
	}

	ts := strings.TrimSpace(row[0])
	sym := strings.TrimSpace(row[1])
	if ts == "" || sym == "" {
		return market.Bar{}, false, nil
	}
	t, err := parseTime(ts)
	if err != nil {
		return market.Bar{}, false, err
	}

	b := market.Bar{Symbol: sym, Time: t, Volume: decimal.Zero}
	fields := []struct {
		name string
		dst  *decimal.Decimal
		col  int
	}{
		{"open", &b.Open, 2},
		{"high", &b.High, 3},
		{"low", &b.Low, 4},
		{"close", &b.Close, 5},
		{"volume", &b.Volume, 6},
	}
	for _, fld := range fields {
		if fld.col >= len(row) {
			continue
		}
		raw := strings.TrimSpace(row[fld.col])
		if raw == "" && fld.name == "volume" {
			continue
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return market.Bar{}, false, fmt.Errorf("bad %s %q: %w", fld.name, raw, err)
		}
		*fld.dst = v
	}
	return b, true, nil
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("bad time %q", s)
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}

// SliceFeed replays in-memory steps.
type SliceFeed struct {
	steps []market.Step
	i     int
}

func NewSliceFeed(steps ...market.Step) *SliceFeed {
	return &SliceFeed{steps: steps}
}

// NewSliceFeedFromBars groups bars by timestamp into time-ordered steps.
func NewSliceFeedFromBars(bars []market.Bar) *SliceFeed {
	byTime := make(map[int64][]market.Bar)
	for _, b := range bars {
		k := b.Time.UnixNano()
		byTime[k] = append(byTime[k], b)
	}
	keys := make([]int64, 0, len(byTime))
	for k := range byTime {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	steps := make([]market.Step, 0, len(keys))
	for _, k := range keys {
		bs := byTime[k]
		steps = append(steps, market.NewStep(bs[0].Time, bs...))
	}
	return NewSliceFeed(steps...)
}

func (f *SliceFeed) Next() (market.Step, bool, error) {
	if f.i >= len(f.steps) {
		return market.Step{}, false, nil
	}
	s := f.steps[f.i]
	f.i++
	return s, true, nil
}

func (f *SliceFeed) Close() error { return nil }
