package journal

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestSQLite(t *testing.T) (*SQLite, string) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	j, err := NewSQLite(path)
	require.NoError(t, err)

	return j, path
}

func sampleTrade(id string, closeT time.Time) TradeRecord {
	return TradeRecord{
		TradeID:     id,
		RunID:       "RUN1",
		Symbol:      "AAPL",
		Side:        "long",
		Quantity:    9,
		EntryPrice:  d("100.5"),
		ExitPrice:   d("103.215"),
		OpenTime:    closeT.Add(-2 * time.Hour),
		CloseTime:   closeT,
		Commission:  d("1.834335"),
		RealizedPL:  d("22.600665"),
		EntryReason: "ema cross up",
		ExitReason:  "take_profit",
	}
}

func TestSQLiteSchemaCreated(t *testing.T) {
	t.Parallel()

	j, path := newTestSQLite(t)
	require.NoError(t, j.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='table'`)
	require.NoError(t, err)
	defer rows.Close()

	found := map[string]bool{}
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		found[name] = true
	}
	require.NoError(t, rows.Err())

	assert.True(t, found["trades"])
	assert.True(t, found["equity"])
	assert.True(t, found["backtest_runs"])
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	t.Parallel()

	j, path := newTestSQLite(t)
	closeT := time.Date(2024, 1, 2, 16, 0, 0, 0, time.UTC)
	require.NoError(t, j.RecordTrade(sampleTrade("T1", closeT)))
	require.NoError(t, j.Close())

	j2, err := NewSQLite(path)
	require.NoError(t, err)
	defer j2.Close()

	got, err := j2.GetTrade("T1")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", got.Symbol)
}

func TestSQLiteDecimalsRoundTripExactly(t *testing.T) {
	t.Parallel()

	j, path := newTestSQLite(t)
	closeT := time.Date(2024, 1, 2, 16, 0, 0, 0, time.UTC)
	rec := sampleTrade("T1", closeT)
	require.NoError(t, j.RecordTrade(rec))
	require.NoError(t, j.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var pl, commission string
	require.NoError(t, db.QueryRow(`SELECT realized_pl, commission FROM trades`).Scan(&pl, &commission))
	assert.Equal(t, "22.600665", pl)
	assert.Equal(t, "1.834335", commission)
}

func TestSQLiteRecordEquity(t *testing.T) {
	t.Parallel()

	j, _ := newTestSQLite(t)
	defer j.Close()

	ts := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	snaps := []EquitySnapshot{
		{RunID: "R", Time: ts, Cash: d("1000.1"), Equity: d("999.9"), Reserved: d("10.5"), Positions: 1},
		{RunID: "R", Time: ts.Add(time.Hour), Cash: d("1000.1"), Equity: d("1001"), Positions: 1},
		{RunID: "other", Time: ts.Add(time.Hour), Cash: d("5"), Equity: d("5")},
	}
	for _, s := range snaps {
		require.NoError(t, j.RecordEquity(s))
	}

	got, err := j.ListEquityByRunID(context.Background(), "R")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Time.Equal(ts))
	assert.True(t, got[0].Cash.Equal(d("1000.1")))
	assert.True(t, got[0].Reserved.Equal(d("10.5")))
	assert.True(t, got[1].Equity.Equal(d("1001")))
	assert.True(t, got[1].Reserved.IsZero())
	assert.Equal(t, 1, got[1].Positions)

	between, err := j.ListEquityBetween(ts, ts.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, between, 1)
	assert.Equal(t, "R", between[0].RunID)
}
