package journal

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestCSVJournalHeaders(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tradesPath := filepath.Join(dir, "trades.csv")
	equityPath := filepath.Join(dir, "equity.csv")

	j, err := NewCSV(tradesPath, equityPath)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	assert.Equal(t, [][]string{tradesHeader}, readCSV(t, tradesPath))
	assert.Equal(t, [][]string{equityHeader}, readCSV(t, equityPath))
}

func TestCSVJournalRecords(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tradesPath := filepath.Join(dir, "trades.csv")
	equityPath := filepath.Join(dir, "equity.csv")

	j, err := NewCSV(tradesPath, equityPath)
	require.NoError(t, err)

	closeT := time.Date(2024, 1, 2, 16, 0, 0, 0, time.UTC)
	require.NoError(t, j.RecordTrade(sampleTrade("T1", closeT)))
	require.NoError(t, j.RecordEquity(EquitySnapshot{RunID: "RUN1", Time: closeT, Cash: d("950.25"), Equity: d("1001"), Reserved: d("0"), Positions: 2}))

	// rows are flushed per record
	rows := readCSV(t, tradesPath)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{
		"T1", "RUN1", "AAPL", "long", "9", "100.5", "103.215",
		"2024-01-02T14:00:00Z", "2024-01-02T16:00:00Z",
		"1.834335", "22.600665", "ema cross up", "take_profit",
	}, rows[1])

	require.NoError(t, j.Close())

	rows = readCSV(t, equityPath)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"RUN1", "2024-01-02T16:00:00Z", "950.25", "1001", "0", "2"}, rows[1])
}

func TestNewCSVBadPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, err := NewCSV(filepath.Join(dir, "missing", "t.csv"), filepath.Join(dir, "e.csv"))
	assert.Error(t, err)

	_, err = NewCSV(filepath.Join(dir, "t.csv"), filepath.Join(dir, "missing", "e.csv"))
	assert.Error(t, err)
}
