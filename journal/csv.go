package journal

import (
	"encoding/csv"
	"os"
	"strconv"
	"time"
)

var (
	tradesHeader = []string{"trade_id", "run_id", "symbol", "side", "quantity", "entry_price", "exit_price", "open_time", "close_time", "commission", "realized_pl", "entry_reason", "exit_reason"}
	equityHeader = []string{"run_id", "time", "cash", "equity", "reserved", "positions"}
)

type CSVJournal struct {
	trades *csv.Writer
	equity *csv.Writer
	tf, ef *os.File
}

func NewCSV(tradesPath, equityPath string) (*CSVJournal, error) {
	tf, err := os.Create(tradesPath)
	if err != nil {
		return nil, err
	}
	ef, err := os.Create(equityPath)
	if err != nil {
		_ = tf.Close()
		return nil, err
	}

	j := &CSVJournal{csv.NewWriter(tf), csv.NewWriter(ef), tf, ef}
	if err := j.write(j.trades, tradesHeader); err != nil {
		_ = j.Close()
		return nil, err
	}
	if err := j.write(j.equity, equityHeader); err != nil {
		_ = j.Close()
		return nil, err
	}
	return j, nil
}

func (j *CSVJournal) RecordTrade(t TradeRecord) error {
	return j.write(j.trades, []string{
		t.TradeID,
		t.RunID,
		t.Symbol,
		t.Side,
		strconv.FormatInt(t.Quantity, 10),
		t.EntryPrice.String(),
		t.ExitPrice.String(),
		t.OpenTime.UTC().Format(time.RFC3339),
		t.CloseTime.UTC().Format(time.RFC3339),
		t.Commission.String(),
		t.RealizedPL.String(),
		t.EntryReason,
		t.ExitReason,
	})
}

func (j *CSVJournal) RecordEquity(e EquitySnapshot) error {
	return j.write(j.equity, []string{
		e.RunID,
		e.Time.UTC().Format(time.RFC3339),
		e.Cash.String(),
		e.Equity.String(),
		e.Reserved.String(),
		strconv.Itoa(e.Positions),
	})
}

func (j *CSVJournal) write(w *csv.Writer, row []string) error {
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func (j *CSVJournal) Close() error {
	j.trades.Flush()
	if err := j.trades.Error(); err != nil {
		return err
	}
	j.equity.Flush()
	if err := j.equity.Error(); err != nil {
		return err
	}

	if err := j.tf.Close(); err != nil {
		return err
	}
	return j.ef.Close()
}
