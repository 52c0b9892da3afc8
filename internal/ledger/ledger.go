// Package ledger is the authoritative record of mirrored positions and
// exposure, per leader and globally.
//
// Admission follows a reserve-commit protocol. Reserve atomically checks the
// per-leader and global caps against committed exposure plus outstanding
// holds and either returns a hold or a typed rejection; Commit converts the
// hold into real exposure and a position change; Release rolls a hold back
// when execution fails. Two fills racing for the last slot of headroom can
// therefore never both be admitted: whichever Reserve runs second sees the
// first one's hold.
//
// All money amounts are decimals. The global exposure figure is always
// computed as the sum of per-leader exposure, never stored separately.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-copytrader/pkg/types"
)

// dustSize is the share count below which a mirror position counts as closed.
var dustSize = decimal.NewFromFloat(0.01)

// processedCapacity bounds the processed trade-ID set.
const processedCapacity = 4096

// RejectedError reports a reservation that would breach a cap.
type RejectedError struct {
	Scope     string // "leader" or "global"
	Leader    string // leader wallet (leader scope only)
	Requested decimal.Decimal
	Headroom  decimal.Decimal
}

func (e *RejectedError) Error() string {
	if e.Scope == "leader" {
		return fmt.Sprintf("reservation rejected: leader %s allocation exhausted (requested %s, headroom %s)",
			e.Leader, e.Requested, e.Headroom)
	}
	return fmt.Sprintf("reservation rejected: global exposure cap (requested %s, headroom %s)",
		e.Requested, e.Headroom)
}

// IsRejected reports whether err is a cap rejection (not an engine bug).
func IsRejected(err error) bool {
	_, ok := err.(*RejectedError)
	return ok
}

// MirrorPosition is our open position in one token, with the cost basis each
// leader contributed. Contributions drive proportional exposure release when
// the position is reduced.
type MirrorPosition struct {
	TokenID       string                     `json:"token_id"`
	ConditionID   string                     `json:"condition_id"`
	MarketSlug    string                     `json:"market_slug"`
	Outcome       string                     `json:"outcome"`
	Size          decimal.Decimal            `json:"size"`
	AvgEntryPrice decimal.Decimal            `json:"avg_entry_price"`
	Contributions map[string]decimal.Decimal `json:"contributions"` // wallet → cost basis
	OpenedAt      time.Time                  `json:"opened_at"`
	LastUpdated   time.Time                  `json:"last_updated"`
}

// Reservation is a hold on exposure headroom awaiting commit or release.
type Reservation struct {
	id     uint64
	wallet string
	amount decimal.Decimal
}

// Amount returns the held notional.
func (r *Reservation) Amount() decimal.Decimal { return r.amount }

// Ledger tracks exposure and mirror positions under a single mutex.
type Ledger struct {
	mu sync.Mutex

	maxTotal    decimal.Decimal
	allocations map[string]decimal.Decimal // wallet → allocated capital

	exposure  map[string]decimal.Decimal // wallet → committed exposure
	holds     map[uint64]*Reservation
	nextHold  uint64
	positions map[string]*MirrorPosition // token ID → position

	processed      map[string]struct{}
	processedOrder []string
}

// New creates a ledger with the given global cap and per-leader allocations
// keyed by wallet address.
func New(maxTotalExposure decimal.Decimal, allocations map[string]decimal.Decimal) *Ledger {
	allocs := make(map[string]decimal.Decimal, len(allocations))
	for wallet, amount := range allocations {
		allocs[wallet] = amount
	}
	return &Ledger{
		maxTotal:    maxTotalExposure,
		allocations: allocs,
		exposure:    make(map[string]decimal.Decimal),
		holds:       make(map[uint64]*Reservation),
		positions:   make(map[string]*MirrorPosition),
		processed:   make(map[string]struct{}),
	}
}

// Reserve places a hold of amount against a leader's allocation and the
// global cap. Exactly one of hold or error is non-nil; the error is a
// *RejectedError when a cap blocks admission.
func (l *Ledger) Reserve(wallet string, amount decimal.Decimal) (*Reservation, error) {
	if amount.IsNegative() || amount.IsZero() {
		return nil, fmt.Errorf("reserve: amount must be positive, got %s", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	allocation, ok := l.allocations[wallet]
	if !ok {
		return nil, &RejectedError{Scope: "leader", Leader: wallet, Requested: amount, Headroom: decimal.Zero}
	}

	var leaderHolds, allHolds decimal.Decimal
	for _, h := range l.holds {
		allHolds = allHolds.Add(h.amount)
		if h.wallet == wallet {
			leaderHolds = leaderHolds.Add(h.amount)
		}
	}

	leaderHeadroom := allocation.Sub(l.exposure[wallet]).Sub(leaderHolds)
	if amount.GreaterThan(leaderHeadroom) {
		return nil, &RejectedError{Scope: "leader", Leader: wallet, Requested: amount, Headroom: leaderHeadroom}
	}

	globalHeadroom := l.maxTotal.Sub(l.globalLocked()).Sub(allHolds)
	if amount.GreaterThan(globalHeadroom) {
		return nil, &RejectedError{Scope: "global", Requested: amount, Headroom: globalHeadroom}
	}

	l.nextHold++
	res := &Reservation{id: l.nextHold, wallet: wallet, amount: amount}
	l.holds[res.id] = res
	return res, nil
}

// Commit converts a hold into committed exposure and a position change.
// shares and price describe the executed mirror order; the exposure increase
// is their product, which may be below the held amount after rounding — the
// difference is released. Committing an unknown or already-settled hold is a
// bug and returns an error the engine treats as fatal.
func (l *Ledger) Commit(res *Reservation, fill types.FillEvent, shares, price decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if res == nil {
		return fmt.Errorf("commit: nil reservation")
	}
	if _, ok := l.holds[res.id]; !ok {
		return fmt.Errorf("commit: reservation %d not held (double commit or missing reserve)", res.id)
	}
	delete(l.holds, res.id)

	notional := shares.Mul(price)
	if notional.GreaterThan(res.amount) {
		notional = res.amount
	}
	l.exposure[res.wallet] = l.exposure[res.wallet].Add(notional)

	pos, ok := l.positions[fill.TokenID]
	if !ok {
		pos = &MirrorPosition{
			TokenID:       fill.TokenID,
			ConditionID:   fill.ConditionID,
			MarketSlug:    fill.MarketSlug,
			Outcome:       fill.Outcome,
			Contributions: make(map[string]decimal.Decimal),
			OpenedAt:      time.Now(),
		}
		l.positions[fill.TokenID] = pos
	}

	// Weighted average entry over the combined position.
	totalCost := pos.AvgEntryPrice.Mul(pos.Size).Add(notional)
	pos.Size = pos.Size.Add(shares)
	if pos.Size.IsPositive() {
		pos.AvgEntryPrice = totalCost.Div(pos.Size)
	}
	pos.Contributions[res.wallet] = pos.Contributions[res.wallet].Add(notional)
	pos.LastUpdated = time.Now()

	l.markProcessedLocked(fill.TradeID)
	return nil
}

// Release drops a hold. Safe to call after Commit or twice; settled holds
// are simply gone.
func (l *Ledger) Release(res *Reservation) {
	if res == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.holds, res.id)
}

// ApplyReduction shrinks a mirror position after a sell, releasing each
// contributing leader's exposure in proportion to the fraction sold. The
// release is measured at cost basis (the entry notional Commit recorded),
// not at sale proceeds: exposure tracks capital committed, so a full unwind
// returns exposure exactly to zero regardless of the exit price. A position
// at or below the dust threshold is closed outright and all its remaining
// contribution released.
func (l *Ledger) ApplyReduction(tokenID string, soldShares decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[tokenID]
	if !ok {
		return fmt.Errorf("apply reduction: no position for token %s", tokenID)
	}
	if soldShares.GreaterThan(pos.Size) {
		soldShares = pos.Size
	}
	if !pos.Size.IsPositive() {
		return fmt.Errorf("apply reduction: position %s has no size", tokenID)
	}

	fraction := soldShares.Div(pos.Size)
	remaining := pos.Size.Sub(soldShares)
	closing := remaining.LessThanOrEqual(dustSize)

	for wallet, contrib := range pos.Contributions {
		var release decimal.Decimal
		if closing {
			release = contrib
		} else {
			release = contrib.Mul(fraction)
		}
		pos.Contributions[wallet] = contrib.Sub(release)
		l.exposure[wallet] = l.exposure[wallet].Sub(release)
		if l.exposure[wallet].IsNegative() {
			l.exposure[wallet] = decimal.Zero
		}
	}

	if closing {
		delete(l.positions, tokenID)
		return nil
	}
	pos.Size = remaining
	pos.LastUpdated = time.Now()
	return nil
}

// MarkProcessed records a trade ID's final verdict so replays are no-ops.
// Called for rejected and skipped fills; Commit does it for accepted ones.
func (l *Ledger) MarkProcessed(tradeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.markProcessedLocked(tradeID)
}

// IsProcessed reports whether a trade ID already received a final verdict.
func (l *Ledger) IsProcessed(tradeID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.processed[tradeID]
	return ok
}

func (l *Ledger) markProcessedLocked(tradeID string) {
	if tradeID == "" {
		return
	}
	if _, ok := l.processed[tradeID]; ok {
		return
	}
	l.processed[tradeID] = struct{}{}
	l.processedOrder = append(l.processedOrder, tradeID)
	for len(l.processedOrder) > processedCapacity {
		oldest := l.processedOrder[0]
		l.processedOrder = l.processedOrder[1:]
		delete(l.processed, oldest)
	}
}

// ExposureOf returns a leader's committed exposure.
func (l *Ledger) ExposureOf(wallet string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exposure[wallet]
}

// GlobalExposure returns total committed exposure across all leaders.
func (l *Ledger) GlobalExposure() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.globalLocked()
}

func (l *Ledger) globalLocked() decimal.Decimal {
	var total decimal.Decimal
	for _, e := range l.exposure {
		total = total.Add(e)
	}
	return total
}

// PositionOf returns a copy of the mirror position for a token, or false.
func (l *Ledger) PositionOf(tokenID string) (MirrorPosition, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[tokenID]
	if !ok {
		return MirrorPosition{}, false
	}
	return copyPosition(pos), true
}

// Positions returns copies of all open mirror positions.
func (l *Ledger) Positions() []MirrorPosition {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]MirrorPosition, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, copyPosition(pos))
	}
	return out
}

func copyPosition(pos *MirrorPosition) MirrorPosition {
	cp := *pos
	cp.Contributions = make(map[string]decimal.Decimal, len(pos.Contributions))
	for wallet, c := range pos.Contributions {
		cp.Contributions[wallet] = c
	}
	return cp
}

// Snapshot is the persistable ledger state. Outstanding holds are transient
// and excluded; the processed set is bounded and rebuilt from the audit log.
type Snapshot struct {
	Exposure  map[string]decimal.Decimal `json:"exposure"`
	Positions []MirrorPosition           `json:"positions"`
	SavedAt   time.Time                  `json:"saved_at"`
}

// Export captures the current state for persistence.
func (l *Ledger) Export() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	exp := make(map[string]decimal.Decimal, len(l.exposure))
	for wallet, e := range l.exposure {
		if e.IsPositive() {
			exp[wallet] = e
		}
	}
	positions := make([]MirrorPosition, 0, len(l.positions))
	for _, pos := range l.positions {
		positions = append(positions, copyPosition(pos))
	}
	return Snapshot{Exposure: exp, Positions: positions, SavedAt: time.Now()}
}

// Restore loads persisted state into an empty ledger.
func (l *Ledger) Restore(snap Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for wallet, e := range snap.Exposure {
		l.exposure[wallet] = e
	}
	for i := range snap.Positions {
		pos := snap.Positions[i]
		if pos.Contributions == nil {
			pos.Contributions = make(map[string]decimal.Decimal)
		}
		l.positions[pos.TokenID] = &pos
	}
}
