// Package portfolio tracks each leader's deployed capital and deployment rate.
//
// The tracker keeps one Snapshot per leader wallet, refreshed on the slow
// loop. Sizing reads two numbers from it: total portfolio value (to translate
// a fill into a conviction fraction) and deployment rate (to scale the
// leader's allocation down when they sit mostly in cash). Snapshots also keep
// the previous sync's per-token sizes so a SELL fill can be turned into the
// fraction of the position the leader unwound.
package portfolio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-copytrader/pkg/types"
)

// dustThreshold filters positions below this token count out of snapshots.
const dustThreshold = 1.0

// PositionsFetcher is the slice of the venue client the tracker needs.
type PositionsFetcher interface {
	GetPositions(ctx context.Context, wallet string, sizeThreshold float64) ([]types.Position, error)
}

// Snapshot is one leader's portfolio at a point in time.
//
// TotalValue is mark-to-market when any position carries marks, otherwise the
// cost basis. DeploymentRate is deployed ÷ total, clamped to [0, 1].
type Snapshot struct {
	Wallet         string
	TotalValue     float64
	Deployed       float64
	CashReserve    float64
	DeploymentRate float64
	PositionCount  int
	Positions      map[string]types.Position // keyed by token ID
	PrevSizes      map[string]float64        // token ID → size at the prior sync
	SyncedAt       time.Time
}

// PositionSize returns the leader's current size in a token (0 if none).
func (s *Snapshot) PositionSize(tokenID string) float64 {
	if s == nil {
		return 0
	}
	return s.Positions[tokenID].Size
}

// PreviousSize returns the leader's size in a token at the prior sync.
// The second return is false when this is the first snapshot for the wallet.
func (s *Snapshot) PreviousSize(tokenID string) (float64, bool) {
	if s == nil || s.PrevSizes == nil {
		return 0, false
	}
	size, ok := s.PrevSizes[tokenID]
	return size, ok
}

// Tracker maintains per-wallet portfolio snapshots. Each wallet's snapshot is
// replaced atomically, so readers always see a complete one.
type Tracker struct {
	client PositionsFetcher
	logger *slog.Logger

	mu        sync.RWMutex
	snapshots map[string]*Snapshot
	failures  map[string]int // consecutive sync failures per wallet
}

// NewTracker creates a portfolio tracker.
func NewTracker(client PositionsFetcher, logger *slog.Logger) *Tracker {
	return &Tracker{
		client:    client,
		logger:    logger.With("component", "portfolio"),
		snapshots: make(map[string]*Snapshot),
		failures:  make(map[string]int),
	}
}

// Sync fetches a wallet's open positions and swaps in a fresh snapshot.
// On failure the prior snapshot stays in place, the wallet's consecutive
// failure count is bumped, and the error is returned for the caller to log.
func (t *Tracker) Sync(ctx context.Context, wallet string) error {
	positions, err := t.client.GetPositions(ctx, wallet, dustThreshold)
	if err != nil {
		t.mu.Lock()
		t.failures[wallet]++
		count := t.failures[wallet]
		t.mu.Unlock()
		return fmt.Errorf("sync portfolio %s (failure %d): %w", wallet, count, err)
	}

	var deployed, initial float64
	byToken := make(map[string]types.Position, len(positions))
	for _, p := range positions {
		deployed += p.CurrentValue
		initial += p.InitialValue
		byToken[p.Asset] = p
	}

	// Marks beat cost basis; fall back to initial value only when the venue
	// reports no current values at all.
	total := deployed
	if deployed <= 0 {
		total = initial
	}

	var rate float64
	if total > 0 {
		rate = deployed / total
		if rate > 1 {
			rate = 1
		}
	}

	snap := &Snapshot{
		Wallet:         wallet,
		TotalValue:     total,
		Deployed:       deployed,
		CashReserve:    total - deployed,
		DeploymentRate: rate,
		PositionCount:  len(positions),
		Positions:      byToken,
		SyncedAt:       time.Now(),
	}

	t.mu.Lock()
	if prev, ok := t.snapshots[wallet]; ok {
		sizes := make(map[string]float64, len(prev.Positions))
		for tokenID, p := range prev.Positions {
			sizes[tokenID] = p.Size
		}
		snap.PrevSizes = sizes
	}
	t.snapshots[wallet] = snap
	t.failures[wallet] = 0
	t.mu.Unlock()

	t.logger.Debug("portfolio synced",
		"wallet", wallet,
		"total_value", total,
		"deployed", deployed,
		"deployment_rate", rate,
		"positions", len(positions),
	)
	return nil
}

// Get returns the latest snapshot for a wallet, false if never synced.
func (t *Tracker) Get(wallet string) (*Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap, ok := t.snapshots[wallet]
	return snap, ok
}

// FailCount returns the wallet's consecutive sync failure count.
func (t *Tracker) FailCount(wallet string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.failures[wallet]
}

// PositionFraction returns tradeSizeUSD as a fraction of the wallet's
// portfolio value, or zero when the portfolio is unknown or empty.
func (t *Tracker) PositionFraction(wallet string, tradeSizeUSD decimal.Decimal) decimal.Decimal {
	snap, ok := t.Get(wallet)
	if !ok || snap.TotalValue <= 0 {
		return decimal.Zero
	}
	return tradeSizeUSD.Div(decimal.NewFromFloat(snap.TotalValue))
}

// EffectiveAllocation scales a leader's allocated capital by their deployment
// rate: a leader 40% deployed risks 40% of what we allocated to them. Returns
// the scaled allocation and the rate itself. An unknown portfolio yields the
// full allocation (rate 1), matching the first-tick behavior before any sync.
func (t *Tracker) EffectiveAllocation(wallet string, allocatedCapital decimal.Decimal) (decimal.Decimal, float64) {
	snap, ok := t.Get(wallet)
	if !ok {
		return allocatedCapital, 1
	}
	rate := snap.DeploymentRate
	eff := allocatedCapital.Mul(decimal.NewFromFloat(rate))
	if eff.IsNegative() {
		eff = decimal.Zero
	}
	if eff.GreaterThan(allocatedCapital) {
		eff = allocatedCapital
	}
	return eff, rate
}
