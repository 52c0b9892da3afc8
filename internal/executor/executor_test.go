package executor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-copytrader/internal/exchange"
	"polymarket-copytrader/internal/ledger"
	"polymarket-copytrader/internal/risk"
	"polymarket-copytrader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// fakeVenue scripts PostOrder outcomes and records the orders it saw.
type fakeVenue struct {
	orders    []types.UserOrder
	errs      []error // consumed per PostOrder call; nil = success
	book      *types.BookResponse
	bookErr   error
	midpoint  float64
	open      []types.OpenOrder
	cancelled []string
}

func (f *fakeVenue) PostOrder(_ context.Context, order types.UserOrder) (*types.OrderResult, error) {
	f.orders = append(f.orders, order)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &types.OrderResult{OrderID: "ord-1", Status: "live"}, nil
}

func (f *fakeVenue) GetOrderBook(context.Context, string) (*types.BookResponse, error) {
	if f.bookErr != nil {
		return nil, f.bookErr
	}
	if f.book == nil {
		return &types.BookResponse{}, nil
	}
	return f.book, nil
}

func (f *fakeVenue) GetMidpoint(context.Context, string) (float64, error) {
	return f.midpoint, nil
}

func (f *fakeVenue) GetOpenOrders(context.Context) ([]types.OpenOrder, error) {
	return f.open, nil
}

func (f *fakeVenue) CancelOrders(_ context.Context, ids []string) (*types.CancelResponse, error) {
	f.cancelled = append(f.cancelled, ids...)
	return &types.CancelResponse{Canceled: ids}, nil
}

func transientErr() error {
	return &exchange.VenueError{Op: "post order", Kind: exchange.KindTransient, Err: errors.New("503")}
}

func invalidErr() error {
	return &exchange.VenueError{Op: "post order", Kind: exchange.KindInvalidArgument, Err: errors.New("bad order")}
}

func newTestLedger() *ledger.Ledger {
	return ledger.New(d(5000), map[string]decimal.Decimal{"0xleader": d(2000)})
}

func buyFill() types.FillEvent {
	return types.FillEvent{
		TradeID: "t1",
		Leader:  "whale",
		Wallet:  "0xleader",
		TokenID: "tok1",
		Side:    types.BUY,
		Size:    10000,
		Price:   0.50,
	}
}

func acceptDecision(shares, notional float64) risk.Decision {
	return risk.Decision{Verdict: risk.Accept, Shares: d(shares), Notional: d(notional)}
}

func testMeta() *types.MarketMeta {
	return &types.MarketMeta{TickSize: types.Tick001, MinOrderSize: 5}
}

func TestExecuteBuyCommits(t *testing.T) {
	t.Parallel()

	venue := &fakeVenue{}
	led := newTestLedger()
	ex := New(venue, led, nil, testLogger())

	err := ex.Execute(context.Background(), buyFill(), acceptDecision(160, 80), testMeta())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(venue.orders) != 1 {
		t.Fatalf("placed %d orders, want 1", len(venue.orders))
	}
	order := venue.orders[0]
	if order.Side != types.BUY || order.OrderType != types.OrderTypeGTC {
		t.Errorf("order = %+v, want GTC BUY", order)
	}
	if order.Price != 0.50 || order.Size != 160 {
		t.Errorf("price/size = %v/%v, want 0.50/160", order.Price, order.Size)
	}
	if order.ClientID != "t1:0" {
		t.Errorf("ClientID = %q, want t1:0", order.ClientID)
	}

	if got := led.ExposureOf("0xleader"); !got.Equal(d(80)) {
		t.Errorf("exposure = %s, want 80", got)
	}
	if !led.IsProcessed("t1") {
		t.Error("fill not marked processed after commit")
	}
}

func TestExecuteBuyRetriesTransient(t *testing.T) {
	t.Parallel()

	venue := &fakeVenue{errs: []error{transientErr(), transientErr(), nil}}
	led := newTestLedger()
	ex := New(venue, led, nil, testLogger())

	err := ex.Execute(context.Background(), buyFill(), acceptDecision(160, 80), testMeta())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(venue.orders) != 3 {
		t.Fatalf("placed %d orders, want 3 attempts", len(venue.orders))
	}
	// Retries carry distinct client IDs and therefore distinct salts.
	if venue.orders[0].ClientID == venue.orders[2].ClientID {
		t.Errorf("retry reused client ID %q", venue.orders[0].ClientID)
	}
	if got := led.ExposureOf("0xleader"); !got.Equal(d(80)) {
		t.Errorf("exposure = %s, want 80", got)
	}
}

func TestExecuteBuyReleasesOnFatalError(t *testing.T) {
	t.Parallel()

	venue := &fakeVenue{errs: []error{invalidErr()}}
	led := newTestLedger()
	ex := New(venue, led, nil, testLogger())

	err := ex.Execute(context.Background(), buyFill(), acceptDecision(160, 80), testMeta())
	if err == nil {
		t.Fatal("want error for invalid order")
	}
	if len(venue.orders) != 1 {
		t.Errorf("placed %d orders, want 1 (no retry on invalid)", len(venue.orders))
	}
	if got := led.ExposureOf("0xleader"); !got.IsZero() {
		t.Errorf("exposure = %s, want 0 (hold released)", got)
	}
	if !led.IsProcessed("t1") {
		t.Error("failed fill must still be marked processed")
	}
}

func TestExecuteBuyLedgerRejectIsCleanDrop(t *testing.T) {
	t.Parallel()

	venue := &fakeVenue{}
	led := ledger.New(d(5000), map[string]decimal.Decimal{"0xleader": d(50)})
	ex := New(venue, led, nil, testLogger())

	// Decision notional exceeds the leader allocation: reserve rejects.
	err := ex.Execute(context.Background(), buyFill(), acceptDecision(160, 80), testMeta())
	if err != nil {
		t.Fatalf("ledger reject should not be an error: %v", err)
	}
	if len(venue.orders) != 0 {
		t.Errorf("placed %d orders, want 0", len(venue.orders))
	}
	if !led.IsProcessed("t1") {
		t.Error("rejected fill must be marked processed")
	}
}

func TestExecuteBuyTickRounding(t *testing.T) {
	t.Parallel()

	venue := &fakeVenue{}
	led := newTestLedger()
	ex := New(venue, led, nil, testLogger())

	fill := buyFill()
	fill.Price = 0.567 // off the 0.01 grid

	if err := ex.Execute(context.Background(), fill, acceptDecision(100, 56.7), testMeta()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if venue.orders[0].Price != 0.56 {
		t.Errorf("buy price = %v, want 0.56 (rounded down)", venue.orders[0].Price)
	}
}

func TestExecuteSellAtBestBid(t *testing.T) {
	t.Parallel()

	venue := &fakeVenue{book: &types.BookResponse{
		Bids: []types.PriceLevel{{Price: "0.61", Size: "500"}, {Price: "0.60", Size: "900"}},
	}}
	led := newTestLedger()
	seedPosition(t, led, 200, 0.50)
	ex := New(venue, led, nil, testLogger())

	fill := buyFill()
	fill.TradeID = "t2"
	fill.Side = types.SELL

	err := ex.Execute(context.Background(), fill, acceptDecision(100, 61), testMeta())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	order := venue.orders[0]
	if order.OrderType != types.OrderTypeFOK || order.Side != types.SELL {
		t.Errorf("order = %+v, want FOK SELL", order)
	}
	if order.Price != 0.61 {
		t.Errorf("price = %v, want best bid 0.61", order.Price)
	}

	pos, ok := led.PositionOf("tok1")
	if !ok {
		t.Fatal("position gone after partial reduction")
	}
	if !pos.Size.Equal(d(100)) {
		t.Errorf("remaining size = %s, want 100", pos.Size)
	}
}

func TestExecuteSellFallsBackToMidpoint(t *testing.T) {
	t.Parallel()

	venue := &fakeVenue{midpoint: 0.55} // empty book
	led := newTestLedger()
	seedPosition(t, led, 200, 0.50)
	ex := New(venue, led, nil, testLogger())

	fill := buyFill()
	fill.TradeID = "t2"
	fill.Side = types.SELL

	if err := ex.Execute(context.Background(), fill, acceptDecision(200, 110), testMeta()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if venue.orders[0].Price != 0.55 {
		t.Errorf("price = %v, want midpoint 0.55", venue.orders[0].Price)
	}
	if _, ok := led.PositionOf("tok1"); ok {
		t.Error("full reduction should close the position")
	}
}

func TestExecuteSellRetriesFOKMiss(t *testing.T) {
	t.Parallel()

	venue := &fakeVenue{
		book: &types.BookResponse{Bids: []types.PriceLevel{{Price: "0.60", Size: "10"}}},
		errs: []error{transientErr(), nil},
	}
	led := newTestLedger()
	seedPosition(t, led, 200, 0.50)
	ex := New(venue, led, nil, testLogger())

	fill := buyFill()
	fill.TradeID = "t2"
	fill.Side = types.SELL

	if err := ex.Execute(context.Background(), fill, acceptDecision(100, 60), testMeta()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(venue.orders) != 2 {
		t.Errorf("placed %d orders, want 2 (retry after FOK miss)", len(venue.orders))
	}
}

func TestReconcileCancelsStaleOrders(t *testing.T) {
	t.Parallel()

	venue := &fakeVenue{open: []types.OpenOrder{{ID: "ord-a"}, {ID: "ord-b"}}}
	ex := New(venue, newTestLedger(), nil, testLogger())

	if err := ex.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(venue.cancelled) != 2 {
		t.Errorf("cancelled %v, want both stale orders", venue.cancelled)
	}
}

func TestRoundToTick(t *testing.T) {
	t.Parallel()

	tests := []struct {
		price float64
		tick  types.TickSize
		side  types.Side
		want  float64
	}{
		{0.567, types.Tick001, types.BUY, 0.56},
		{0.567, types.Tick001, types.SELL, 0.57},
		{0.56, types.Tick001, types.BUY, 0.56},
		{0.5, types.Tick01, types.SELL, 0.5},
		{0.005, types.Tick001, types.BUY, 0.01},  // clamp above zero
		{0.999, types.Tick001, types.SELL, 0.99}, // clamp below one
		{0.5432, types.Tick0001, types.BUY, 0.543},
	}
	for _, tt := range tests {
		got := roundToTick(tt.price, tt.tick, tt.side)
		if got != tt.want {
			t.Errorf("roundToTick(%v, %s, %s) = %v, want %v", tt.price, tt.tick, tt.side, got, tt.want)
		}
	}
}

// seedPosition buys into the ledger so sell tests have something to reduce.
func seedPosition(t *testing.T, led *ledger.Ledger, shares, price float64) {
	t.Helper()
	res, err := led.Reserve("0xleader", d(shares*price))
	if err != nil {
		t.Fatalf("seed reserve: %v", err)
	}
	fill := buyFill()
	fill.TradeID = "seed-" + time.Now().Format("150405.000000000")
	if err := led.Commit(res, fill, d(shares), d(price)); err != nil {
		t.Fatalf("seed commit: %v", err)
	}
}
