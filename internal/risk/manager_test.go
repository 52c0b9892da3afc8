package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-copytrader/internal/config"
	"polymarket-copytrader/internal/ledger"
	"polymarket-copytrader/internal/portfolio"
	"polymarket-copytrader/pkg/types"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

var testLeaderCfg = config.TraderConfig{
	Name:             "whale",
	WalletAddress:    "0xleader",
	AllocatedCapital: 2000,
	Enabled:          true,
}

func testRiskCfg() config.RiskConfig {
	return config.RiskConfig{
		Global: config.GlobalRiskConfig{
			MaxTotalExposure: 5000,
			MaxSingleBet:     500,
		},
		PerTrader: config.PerTraderConfig{
			MinPortfolioValue:      1000,
			MaxPositionPct:         0.10,
			UsePortfolioProportion: true,
		},
		MarketFilters: config.MarketFilterConfig{
			MinLiquidity: 1000,
		},
	}
}

func testSnapshot() *portfolio.Snapshot {
	return &portfolio.Snapshot{
		Wallet:         "0xleader",
		TotalValue:     100000,
		Deployed:       80000,
		DeploymentRate: 0.8,
		Positions:      map[string]types.Position{},
		PrevSizes:      map[string]float64{},
		SyncedAt:       time.Now(),
	}
}

func testMeta() *types.MarketMeta {
	return &types.MarketMeta{
		ConditionID:     "0xcond",
		Slug:            "test-market",
		Category:        "Politics",
		TickSize:        types.Tick001,
		MinOrderSize:    5,
		Liquidity:       50000,
		Active:          true,
		AcceptingOrders: true,
	}
}

func buyFill(size, price float64) types.FillEvent {
	return types.FillEvent{
		TradeID: "t1",
		Leader:  "whale",
		Wallet:  "0xleader",
		TokenID: "tok1",
		Side:    types.BUY,
		Size:    size,
		Price:   price,
	}
}

// fakeView is a stub ledger view with fixed exposures and positions.
type fakeView struct {
	leader    decimal.Decimal
	global    decimal.Decimal
	positions map[string]ledger.MirrorPosition
}

func (v *fakeView) ExposureOf(string) decimal.Decimal { return v.leader }
func (v *fakeView) GlobalExposure() decimal.Decimal   { return v.global }
func (v *fakeView) PositionOf(tokenID string) (ledger.MirrorPosition, bool) {
	pos, ok := v.positions[tokenID]
	return pos, ok
}

func emptyView() *fakeView {
	return &fakeView{positions: map[string]ledger.MirrorPosition{}}
}

func TestBuyProportionalSizing(t *testing.T) {
	t.Parallel()

	m := NewManager(testRiskCfg())
	// Leader bets $5,000 of a $100,000 book: 5% conviction.
	// Mirror: 2000 × 0.8 × 0.05 = $80 at 0.50 → 160 shares.
	dec := m.Decide(buyFill(10000, 0.50), testLeaderCfg, testSnapshot(), testMeta(), emptyView(), 0)
	if dec.Verdict != Accept {
		t.Fatalf("verdict = %v (%s), want accept", dec.Verdict, dec.Reason)
	}
	if !dec.Shares.Equal(d(160)) {
		t.Errorf("Shares = %s, want 160", dec.Shares)
	}
	if !dec.Notional.Equal(d(80)) {
		t.Errorf("Notional = %s, want 80", dec.Notional)
	}
}

func TestBuyCappedByMaxSingleBet(t *testing.T) {
	t.Parallel()

	cfg := testRiskCfg()
	cfg.PerTrader.MaxPositionPct = 1 // let max_single_bet bind
	m := NewManager(cfg)

	// 50% conviction → raw $800, capped to max_single_bet $500.
	dec := m.Decide(buyFill(100000, 0.50), testLeaderCfg, testSnapshot(), testMeta(), emptyView(), 0)
	if dec.Verdict != Accept {
		t.Fatalf("verdict = %v (%s), want accept", dec.Verdict, dec.Reason)
	}
	if !dec.Shares.Equal(d(1000)) {
		t.Errorf("Shares = %s, want 1000 ($500 at 0.50)", dec.Shares)
	}
}

func TestBuyCappedByMaxPositionPct(t *testing.T) {
	t.Parallel()

	m := NewManager(testRiskCfg())
	// Raw $400 (25% conviction × $1600 effective) exceeds 10% of the $2000
	// allocation, so the position cap of $200 binds.
	dec := m.Decide(buyFill(50000, 0.50), testLeaderCfg, testSnapshot(), testMeta(), emptyView(), 0)
	if dec.Verdict != Accept {
		t.Fatalf("verdict = %v (%s), want accept", dec.Verdict, dec.Reason)
	}
	if !dec.Shares.Equal(d(400)) {
		t.Errorf("Shares = %s, want 400 ($200 at 0.50)", dec.Shares)
	}
}

func TestBuyFullAllocationWithoutProportion(t *testing.T) {
	t.Parallel()

	cfg := testRiskCfg()
	cfg.PerTrader.UsePortfolioProportion = false
	m := NewManager(cfg)

	// Conviction ignored: effective allocation $1600 runs through the caps
	// (max_single_bet $500, then position cap $200).
	dec := m.Decide(buyFill(10, 0.50), testLeaderCfg, testSnapshot(), testMeta(), emptyView(), 0)
	if dec.Verdict != Accept {
		t.Fatalf("verdict = %v (%s), want accept", dec.Verdict, dec.Reason)
	}
	if !dec.Shares.Equal(d(400)) {
		t.Errorf("Shares = %s, want 400", dec.Shares)
	}
}

func TestBuyRejectsSmallPortfolio(t *testing.T) {
	t.Parallel()

	m := NewManager(testRiskCfg())
	snap := testSnapshot()
	snap.TotalValue = 500 // below min_portfolio_value 1000

	dec := m.Decide(buyFill(100, 0.5), testLeaderCfg, snap, testMeta(), emptyView(), 0)
	if dec.Verdict != Reject {
		t.Fatalf("verdict = %v, want reject", dec.Verdict)
	}

	dec = m.Decide(buyFill(100, 0.5), testLeaderCfg, nil, testMeta(), emptyView(), 0)
	if dec.Verdict != Reject {
		t.Errorf("nil snapshot: verdict = %v, want reject", dec.Verdict)
	}
}

func TestBuyVenueMinimumFloor(t *testing.T) {
	t.Parallel()

	m := NewManager(testRiskCfg())
	meta := testMeta()
	meta.MinOrderSize = 1

	// Tiny conviction: raw $0.016, floored to the $1 venue minimum → 2 shares.
	dec := m.Decide(buyFill(2, 0.50), testLeaderCfg, testSnapshot(), meta, emptyView(), 0)
	if dec.Verdict != Accept {
		t.Fatalf("verdict = %v (%s), want accept via $1 floor", dec.Verdict, dec.Reason)
	}
	if !dec.Shares.Equal(d(2)) {
		t.Errorf("Shares = %s, want 2 ($1 at 0.50)", dec.Shares)
	}
}

func TestBuyRejectsBelowMinOrderSize(t *testing.T) {
	t.Parallel()

	m := NewManager(testRiskCfg())

	// $1 floor at 0.50 is 2 shares, under the market minimum of 5.
	dec := m.Decide(buyFill(2, 0.50), testLeaderCfg, testSnapshot(), testMeta(), emptyView(), 0)
	if dec.Verdict != Reject {
		t.Fatalf("verdict = %v, want reject below min order size", dec.Verdict)
	}
}

func TestBuyCategoryFilters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		whitelist []string
		blacklist []string
		category  string
		want      Verdict
	}{
		{"no filters admits all", nil, nil, "Sports", Accept},
		{"blacklisted", nil, []string{"sports"}, "Sports", Reject},
		{"whitelisted", []string{"politics"}, nil, "Politics", Accept},
		{"not whitelisted", []string{"politics"}, nil, "Sports", Reject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testRiskCfg()
			cfg.MarketFilters.WhitelistCategories = tt.whitelist
			cfg.MarketFilters.BlacklistCategories = tt.blacklist
			m := NewManager(cfg)

			meta := testMeta()
			meta.Category = tt.category
			dec := m.Decide(buyFill(10000, 0.50), testLeaderCfg, testSnapshot(), meta, emptyView(), 0)
			if dec.Verdict != tt.want {
				t.Errorf("verdict = %v (%s), want %v", dec.Verdict, dec.Reason, tt.want)
			}
		})
	}
}

func TestBuyLiquidityGate(t *testing.T) {
	t.Parallel()

	m := NewManager(testRiskCfg())

	meta := testMeta()
	meta.Liquidity = 100 // below floor 1000
	dec := m.Decide(buyFill(10000, 0.50), testLeaderCfg, testSnapshot(), meta, emptyView(), 0)
	if dec.Verdict != Reject {
		t.Fatalf("thin market: verdict = %v, want reject", dec.Verdict)
	}

	// Book-derived metadata has no liquidity figure; the gate is skipped.
	meta = testMeta()
	meta.Liquidity = -1
	dec = m.Decide(buyFill(10000, 0.50), testLeaderCfg, testSnapshot(), meta, emptyView(), 0)
	if dec.Verdict != Accept {
		t.Errorf("unknown liquidity: verdict = %v (%s), want accept", dec.Verdict, dec.Reason)
	}
}

func TestBuyRejectsClosedMarket(t *testing.T) {
	t.Parallel()

	m := NewManager(testRiskCfg())
	meta := testMeta()
	meta.Closed = true
	dec := m.Decide(buyFill(10000, 0.50), testLeaderCfg, testSnapshot(), meta, emptyView(), 0)
	if dec.Verdict != Reject {
		t.Errorf("closed market: verdict = %v, want reject", dec.Verdict)
	}
}

func TestBuyExposureCaps(t *testing.T) {
	t.Parallel()

	m := NewManager(testRiskCfg())

	// Leader already at $1950 of their $2000 allocation; an $80 mirror busts it.
	view := &fakeView{leader: d(1950), positions: map[string]ledger.MirrorPosition{}}
	dec := m.Decide(buyFill(10000, 0.50), testLeaderCfg, testSnapshot(), testMeta(), view, 0)
	if dec.Verdict != Reject {
		t.Fatalf("leader cap: verdict = %v, want reject", dec.Verdict)
	}

	// Global exposure at $4950 of $5000.
	view = &fakeView{global: d(4950), positions: map[string]ledger.MirrorPosition{}}
	dec = m.Decide(buyFill(10000, 0.50), testLeaderCfg, testSnapshot(), testMeta(), view, 0)
	if dec.Verdict != Reject {
		t.Errorf("global cap: verdict = %v, want reject", dec.Verdict)
	}
}

func TestSellSkipsWithoutPosition(t *testing.T) {
	t.Parallel()

	m := NewManager(testRiskCfg())
	fill := buyFill(100, 0.60)
	fill.Side = types.SELL

	dec := m.Decide(fill, testLeaderCfg, testSnapshot(), testMeta(), emptyView(), 0)
	if dec.Verdict != Skip {
		t.Errorf("verdict = %v, want skip with no mirror position", dec.Verdict)
	}
}

func TestSellProportionalReduction(t *testing.T) {
	t.Parallel()

	m := NewManager(testRiskCfg())
	view := &fakeView{positions: map[string]ledger.MirrorPosition{
		"tok1": {TokenID: "tok1", Size: d(200), AvgEntryPrice: d(0.50)},
	}}

	// Leader sold 500 of a 1000-share position: mirror unwinds half.
	snap := testSnapshot()
	snap.Positions["tok1"] = types.Position{Asset: "tok1", Size: 500}
	snap.PrevSizes["tok1"] = 1000

	fill := buyFill(500, 0.60)
	fill.Side = types.SELL

	dec := m.Decide(fill, testLeaderCfg, snap, testMeta(), view, 0)
	if dec.Verdict != Accept {
		t.Fatalf("verdict = %v (%s), want accept", dec.Verdict, dec.Reason)
	}
	if !dec.Shares.Equal(d(100)) {
		t.Errorf("Shares = %s, want 100 (half of 200)", dec.Shares)
	}
	if !dec.Notional.Equal(d(60)) {
		t.Errorf("Notional = %s, want 60 (100 at 0.60)", dec.Notional)
	}
}

func TestSellFullExitWhenLeaderFlat(t *testing.T) {
	t.Parallel()

	m := NewManager(testRiskCfg())
	view := &fakeView{positions: map[string]ledger.MirrorPosition{
		"tok1": {TokenID: "tok1", Size: d(200), AvgEntryPrice: d(0.50)},
	}}

	// Leader no longer holds the token at all.
	fill := buyFill(1000, 0.60)
	fill.Side = types.SELL

	dec := m.Decide(fill, testLeaderCfg, testSnapshot(), testMeta(), view, 0)
	if dec.Verdict != Accept {
		t.Fatalf("verdict = %v (%s), want accept", dec.Verdict, dec.Reason)
	}
	if !dec.Shares.Equal(d(200)) {
		t.Errorf("Shares = %s, want full 200", dec.Shares)
	}
}

func TestSellDefersThenReconstructs(t *testing.T) {
	t.Parallel()

	m := NewManager(testRiskCfg())
	view := &fakeView{positions: map[string]ledger.MirrorPosition{
		"tok1": {TokenID: "tok1", Size: d(100), AvgEntryPrice: d(0.50)},
	}}

	// Leader still holds 750 and sold 250, but no previous snapshot size
	// exists for the token yet.
	snap := testSnapshot()
	snap.Positions["tok1"] = types.Position{Asset: "tok1", Size: 750}

	fill := buyFill(250, 0.60)
	fill.Side = types.SELL

	dec := m.Decide(fill, testLeaderCfg, snap, testMeta(), view, 0)
	if dec.Verdict != Defer {
		t.Fatalf("first attempt: verdict = %v, want defer", dec.Verdict)
	}

	// Past the deferral bound the pre-trade size is reconstructed:
	// 250 / (750 + 250) = 25% of the 100-share mirror.
	dec = m.Decide(fill, testLeaderCfg, snap, testMeta(), view, maxSellDeferrals)
	if dec.Verdict != Accept {
		t.Fatalf("fallback: verdict = %v (%s), want accept", dec.Verdict, dec.Reason)
	}
	if !dec.Shares.Equal(d(25)) {
		t.Errorf("Shares = %s, want 25", dec.Shares)
	}
}

func TestSellFractionClampedToPosition(t *testing.T) {
	t.Parallel()

	m := NewManager(testRiskCfg())
	view := &fakeView{positions: map[string]ledger.MirrorPosition{
		"tok1": {TokenID: "tok1", Size: d(50), AvgEntryPrice: d(0.50)},
	}}

	// Sold more than the previous snapshot recorded (bought in between):
	// fraction would exceed 1 and must clamp to a full exit.
	snap := testSnapshot()
	snap.Positions["tok1"] = types.Position{Asset: "tok1", Size: 100}
	snap.PrevSizes["tok1"] = 400

	fill := buyFill(600, 0.60)
	fill.Side = types.SELL

	dec := m.Decide(fill, testLeaderCfg, snap, testMeta(), view, 0)
	if dec.Verdict != Accept {
		t.Fatalf("verdict = %v (%s), want accept", dec.Verdict, dec.Reason)
	}
	if !dec.Shares.Equal(d(50)) {
		t.Errorf("Shares = %s, want clamped 50", dec.Shares)
	}
}

func TestSellDustReductionSkipped(t *testing.T) {
	t.Parallel()

	m := NewManager(testRiskCfg())
	view := &fakeView{positions: map[string]ledger.MirrorPosition{
		"tok1": {TokenID: "tok1", Size: d(0.5), AvgEntryPrice: d(0.50)},
	}}

	// 1% of a half-share mirror rounds below dust.
	snap := testSnapshot()
	snap.Positions["tok1"] = types.Position{Asset: "tok1", Size: 990}
	snap.PrevSizes["tok1"] = 1000

	fill := buyFill(10, 0.60)
	fill.Side = types.SELL

	dec := m.Decide(fill, testLeaderCfg, snap, testMeta(), view, 0)
	if dec.Verdict != Skip {
		t.Errorf("verdict = %v, want skip for dust reduction", dec.Verdict)
	}
}

func TestSellNearFullRoundsToExit(t *testing.T) {
	t.Parallel()

	m := NewManager(testRiskCfg())
	view := &fakeView{positions: map[string]ledger.MirrorPosition{
		"tok1": {TokenID: "tok1", Size: d(100), AvgEntryPrice: d(0.50)},
	}}

	// Leader sold 9999/10000: the 0.01-share remainder is dust, exit fully.
	snap := testSnapshot()
	snap.Positions["tok1"] = types.Position{Asset: "tok1", Size: 1}
	snap.PrevSizes["tok1"] = 10000

	fill := buyFill(9999, 0.60)
	fill.Side = types.SELL

	dec := m.Decide(fill, testLeaderCfg, snap, testMeta(), view, 0)
	if dec.Verdict != Accept {
		t.Fatalf("verdict = %v (%s), want accept", dec.Verdict, dec.Reason)
	}
	if !dec.Shares.Equal(d(100)) {
		t.Errorf("Shares = %s, want 100 (dust remainder folded into exit)", dec.Shares)
	}
}
