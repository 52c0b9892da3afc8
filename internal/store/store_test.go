package store

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-copytrader/internal/ledger"
	"polymarket-copytrader/internal/monitor"
	"polymarket-copytrader/pkg/types"
)

func TestSaveAndLoadLedger(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	snap := ledger.Snapshot{
		Exposure: map[string]decimal.Decimal{
			"0xa": decimal.NewFromInt(150),
		},
		Positions: []ledger.MirrorPosition{
			{
				TokenID:       "tok1",
				ConditionID:   "0xcond",
				Size:          decimal.NewFromInt(300),
				AvgEntryPrice: decimal.NewFromFloat(0.5),
				Contributions: map[string]decimal.Decimal{"0xa": decimal.NewFromInt(150)},
			},
		},
		SavedAt: time.Now(),
	}

	if err := s.SaveLedger(snap); err != nil {
		t.Fatalf("SaveLedger: %v", err)
	}

	loaded, err := s.LoadLedger()
	if err != nil {
		t.Fatalf("LoadLedger: %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadLedger returned nil")
	}
	if !loaded.Exposure["0xa"].Equal(decimal.NewFromInt(150)) {
		t.Errorf("Exposure = %s, want 150", loaded.Exposure["0xa"])
	}
	if len(loaded.Positions) != 1 || !loaded.Positions[0].Size.Equal(decimal.NewFromInt(300)) {
		t.Errorf("Positions = %+v", loaded.Positions)
	}
}

func TestLoadLedgerMissing(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	loaded, err := s.LoadLedger()
	if err != nil {
		t.Fatalf("LoadLedger: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil for missing snapshot, got %+v", loaded)
	}
}

func TestSaveAndLoadCursors(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	cursors := map[string]monitor.CursorState{
		"0xleader": {LastSeenTS: 1700000000, BaselineTS: 1699990000, RecentIDs: []string{"t1", "t2"}},
	}
	if err := s.SaveCursors(cursors); err != nil {
		t.Fatalf("SaveCursors: %v", err)
	}

	loaded, err := s.LoadCursors()
	if err != nil {
		t.Fatalf("LoadCursors: %v", err)
	}
	cs := loaded["0xleader"]
	if cs.LastSeenTS != 1700000000 || cs.BaselineTS != 1699990000 {
		t.Errorf("cursor = %+v", cs)
	}
	if len(cs.RecentIDs) != 2 {
		t.Errorf("RecentIDs = %v", cs.RecentIDs)
	}
}

func TestLoadCursorsMissing(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	loaded, err := s.LoadCursors()
	if err != nil {
		t.Fatalf("LoadCursors: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil for missing cursors, got %+v", loaded)
	}
}

func TestSaveAndLoadDeferred(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	fills := map[string][]DeferredFill{
		"whale": {
			{Fill: types.FillEvent{TradeID: "t-sell", TokenID: "tok1", Side: types.SELL, Size: 250}, Attempt: 2},
		},
	}
	if err := s.SaveDeferred(fills); err != nil {
		t.Fatalf("SaveDeferred: %v", err)
	}

	loaded, err := s.LoadDeferred()
	if err != nil {
		t.Fatalf("LoadDeferred: %v", err)
	}
	got := loaded["whale"]
	if len(got) != 1 || got[0].Fill.TradeID != "t-sell" || got[0].Attempt != 2 {
		t.Errorf("deferred = %+v", got)
	}
}

func TestLoadDeferredMissing(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	loaded, err := s.LoadDeferred()
	if err != nil {
		t.Fatalf("LoadDeferred: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil for missing deferred fills, got %+v", loaded)
	}
}

func TestSaveLedgerOverwrites(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_ = s.SaveLedger(ledger.Snapshot{Exposure: map[string]decimal.Decimal{"0xa": decimal.NewFromInt(10)}})
	_ = s.SaveLedger(ledger.Snapshot{Exposure: map[string]decimal.Decimal{"0xa": decimal.NewFromInt(20)}})

	loaded, err := s.LoadLedger()
	if err != nil {
		t.Fatalf("LoadLedger: %v", err)
	}
	if !loaded.Exposure["0xa"].Equal(decimal.NewFromInt(20)) {
		t.Errorf("Exposure = %s, want 20 (latest save)", loaded.Exposure["0xa"])
	}
}
