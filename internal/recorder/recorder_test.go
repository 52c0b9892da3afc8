package recorder

import (
	"context"
	"encoding/csv"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"polymarket-copytrader/internal/config"
	"polymarket-copytrader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var testLeader = config.TraderConfig{
	Name:          "whale",
	WalletAddress: "0xleader",
}

type fakeTrades struct {
	trades []types.Trade
}

func (f *fakeTrades) GetTrades(_ context.Context, _ string, sinceTS int64, maxTrades int) ([]types.Trade, error) {
	var out []types.Trade
	for _, tr := range f.trades {
		if tr.Timestamp > sinceTS {
			out = append(out, tr)
		}
	}
	if len(out) > maxTrades {
		out = out[len(out)-maxTrades:]
	}
	return out, nil
}

func newRecorder(t *testing.T, client TradesFetcher) *Recorder {
	t.Helper()
	return New(client, config.TrackingConfig{
		PollInterval: time.Second,
		OutputDir:    t.TempDir(),
	}, testLogger())
}

func readRows(t *testing.T, r *Recorder, name string) [][]string {
	t.Helper()
	f, err := os.Open(filepath.Join(r.dir, name+".csv"))
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	return rows
}

func TestRecordOnceWritesTrades(t *testing.T) {
	t.Parallel()

	client := &fakeTrades{trades: []types.Trade{
		{ID: "t1", Side: "BUY", Slug: "market-a", Outcome: "Yes", Size: 100, Price: 0.5, Timestamp: 1000, TransactionHash: "0x1"},
		{ID: "t2", Side: "SELL", Slug: "market-a", Outcome: "Yes", Size: 40, Price: 0.6, Timestamp: 1010, TransactionHash: "0x2"},
	}}
	r := newRecorder(t, client)

	n, err := r.RecordOnce(context.Background(), testLeader)
	if err != nil {
		t.Fatalf("RecordOnce: %v", err)
	}
	if n != 2 {
		t.Fatalf("recorded %d trades, want 2", n)
	}

	rows := readRows(t, r, "whale")
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want header + 2", len(rows))
	}
	if rows[0][0] != "timestamp" {
		t.Errorf("missing header: %v", rows[0])
	}
	if rows[1][1] != "t1" || rows[2][1] != "t2" {
		t.Errorf("trade IDs = %q, %q", rows[1][1], rows[2][1])
	}
	if rows[1][7] != "50.00" {
		t.Errorf("notional = %q, want 50.00", rows[1][7])
	}
}

func TestRecordOnceResumesFromCursor(t *testing.T) {
	t.Parallel()

	client := &fakeTrades{trades: []types.Trade{
		{ID: "t1", Side: "BUY", Size: 100, Price: 0.5, Timestamp: 1000},
	}}
	r := newRecorder(t, client)

	if _, err := r.RecordOnce(context.Background(), testLeader); err != nil {
		t.Fatalf("first RecordOnce: %v", err)
	}

	// Second poll with the same history writes nothing.
	n, err := r.RecordOnce(context.Background(), testLeader)
	if err != nil {
		t.Fatalf("second RecordOnce: %v", err)
	}
	if n != 0 {
		t.Fatalf("re-recorded %d trades, want 0", n)
	}

	// A new trade at the same boundary second is still picked up.
	client.trades = append(client.trades,
		types.Trade{ID: "t2", Side: "BUY", Size: 10, Price: 0.4, Timestamp: 1000},
		types.Trade{ID: "t3", Side: "SELL", Size: 5, Price: 0.6, Timestamp: 1020},
	)
	n, err = r.RecordOnce(context.Background(), testLeader)
	if err != nil {
		t.Fatalf("third RecordOnce: %v", err)
	}
	if n != 2 {
		t.Fatalf("recorded %d trades, want 2 (t2 boundary + t3)", n)
	}

	rows := readRows(t, r, "whale")
	if len(rows) != 4 {
		t.Errorf("got %d rows, want header + 3 distinct trades", len(rows))
	}
}

func TestRecorderSurvivesRestart(t *testing.T) {
	t.Parallel()

	client := &fakeTrades{trades: []types.Trade{
		{ID: "t1", Side: "BUY", Size: 100, Price: 0.5, Timestamp: 1000},
	}}
	r := newRecorder(t, client)
	if _, err := r.RecordOnce(context.Background(), testLeader); err != nil {
		t.Fatalf("RecordOnce: %v", err)
	}

	// Fresh recorder over the same directory reads the persisted cursor.
	r2 := New(client, config.TrackingConfig{PollInterval: time.Second, OutputDir: r.dir}, testLogger())
	n, err := r2.RecordOnce(context.Background(), testLeader)
	if err != nil {
		t.Fatalf("RecordOnce after restart: %v", err)
	}
	if n != 0 {
		t.Errorf("restart re-recorded %d trades, want 0", n)
	}
}
