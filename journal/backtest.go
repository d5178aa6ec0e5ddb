package journal

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/shopspring/decimal"
)

// BacktestRun mirrors the backtest_runs table.
type BacktestRun struct {
	RunID    string
	Created  time.Time
	Strategy string
	Symbols  []string
	Dataset  string
	Config   []byte // run configuration as YAML

	Start time.Time
	End   time.Time

	Trades int
	Wins   int
	Losses int

	StartEquity decimal.Decimal
	EndEquity   decimal.Decimal
	NetPL       decimal.Decimal

	// Percentages are in percent units: 12.5 means 12.5%.
	ReturnPct    float64
	WinRate      float64
	ProfitFactor float64
	MaxDDPct     float64
	Sharpe       float64

	GitCommit string
	OrgPath   string

	Notes []string
}

var backtestOrgFuncs = template.FuncMap{
	"orTime": func(t time.Time) time.Time {
		if t.IsZero() {
			return time.Now()
		}
		return t
	},
	"money": func(d decimal.Decimal) string { return d.StringFixed(2) },
	"join":  strings.Join,
}

var backtestOrg = template.Must(template.New("backtest").Funcs(backtestOrgFuncs).Parse(BacktestOrgTemplate))

// RenderOrg writes the run as an Org-mode heading.
func (r *BacktestRun) RenderOrg(w io.Writer) error {
	if err := backtestOrg.Execute(w, r); err != nil {
		return fmt.Errorf("journal: render backtest org: %w", err)
	}
	return nil
}

// WriteBacktestOrg renders the run to OrgPath.
func (r *BacktestRun) WriteBacktestOrg() error {
	if r.OrgPath == "" {
		return fmt.Errorf("journal: backtest run %s has no org path", r.RunID)
	}
	f, err := os.Create(r.OrgPath)
	if err != nil {
		return err
	}
	if err := r.RenderOrg(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

const BacktestOrgTemplate = `
* BACKTEST: {{.Strategy}} {{join .Symbols " "}}
:PROPERTIES:
:RUN_ID:      {{if .RunID}}{{.RunID}}{{else}}(run-id?){{end}}
:STRATEGY:    {{.Strategy}}
:SYMBOLS:     {{join .Symbols ","}}
:DATASET:     {{if .Dataset}}{{.Dataset}}{{else}}(dataset?){{end}}
:START_DATE:  {{.Start.Format "2006-01-02"}}
:END_DATE:    {{.End.Format "2006-01-02"}}
:START_EQ:    {{money .StartEquity}}
:END_EQ:      {{money .EndEquity}}
:NET_PL:      {{money .NetPL}}
:RETURN_PCT:  {{printf "%.2f" .ReturnPct}}
:MAX_DD_PCT:  {{printf "%.2f" .MaxDDPct}}
:SHARPE:      {{printf "%.2f" .Sharpe}}
:TRADES:      {{.Trades}}
:WINS:        {{.Wins}}
:LOSSES:      {{.Losses}}
:WIN_RATE:    {{printf "%.2f" .WinRate}}
:PROFIT_FAC:  {{if ne .ProfitFactor 0.0}}{{printf "%.2f" .ProfitFactor}}{{else}}(profit-factor?){{end}}
{{- if .GitCommit}}
:GIT_COMMIT:  {{.GitCommit}}
{{- end}}
:CREATED:     [{{(orTime .Created).Format "2006-01-02 Mon 15:04"}}]
:END:

** Performance Summary
- Net P/L:          *{{money .NetPL}}*
- Return:           *{{printf "%.2f" .ReturnPct}}%*
- Max Drawdown:     *{{printf "%.2f" .MaxDDPct}}%*
- Win Rate:         *{{printf "%.2f" .WinRate}}%*
- Sharpe:           *{{printf "%.2f" .Sharpe}}*

** Trade Distribution
| Outcome | Count |
|---------+-------|
| Wins    | {{.Wins}} |
| Losses  | {{.Losses}} |
| Total   | {{.Trades}} |

{{- if .Config }}

** Configuration
#+begin_src yaml
{{printf "%s" .Config}}
#+end_src
{{- end }}

{{- if .Notes }}

** Observations
{{- range .Notes }}
- {{.}}
{{- end }}
{{- end }}
`
