// Package risk turns a leader fill into a sized mirror decision.
//
// Decide is a pure function over its inputs — the fill, the leader's
// portfolio snapshot, market metadata, and a read-only ledger view — and
// performs no I/O. Sizing mirrors conviction, not share count: a fill's
// weight is its notional as a fraction of the leader's portfolio, scaled by
// the capital allocated to that leader and by how deployed they are. A
// cascade of gates then rejects anything that would breach market filters or
// exposure caps. The caps checked here are advisory; the ledger re-checks
// them atomically at reserve time, so a stale view can only cause a late
// rejection, never an over-admission.
package risk

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"polymarket-copytrader/internal/config"
	"polymarket-copytrader/internal/ledger"
	"polymarket-copytrader/internal/portfolio"
	"polymarket-copytrader/pkg/types"
)

// venueMinOrderUSD is Polymarket's hard $1 minimum order notional.
var venueMinOrderUSD = decimal.NewFromInt(1)

// dustShares is the smallest mirror reduction worth placing.
var dustShares = decimal.NewFromFloat(0.01)

// maxSellDeferrals bounds how many ticks a SELL waits for a usable portfolio
// snapshot before falling back to reconstructing the sold fraction.
const maxSellDeferrals = 3

// Verdict is the outcome class of a decision.
type Verdict int

const (
	// Accept sizes a mirror order; Shares and Notional are set.
	Accept Verdict = iota
	// Reject drops the fill for a stated reason and marks it processed.
	Reject
	// Skip is a benign no-op (e.g. SELL with no mirror position).
	Skip
	// Defer retries the fill next tick; only SELLs defer.
	Defer
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	case Skip:
		return "skip"
	default:
		return "defer"
	}
}

// Decision is the sized outcome for one fill.
type Decision struct {
	Verdict  Verdict
	Shares   decimal.Decimal // mirror order size in tokens
	Notional decimal.Decimal // shares × price in USD
	Reason   string          // set for Reject/Skip/Defer
	Note     string          // sizing context for logs and audit
}

func accept(shares, notional decimal.Decimal, note string) Decision {
	return Decision{Verdict: Accept, Shares: shares, Notional: notional, Note: note}
}

func reject(reason string) Decision { return Decision{Verdict: Reject, Reason: reason} }
func skip(reason string) Decision   { return Decision{Verdict: Skip, Reason: reason} }
func deferFill(reason string) Decision {
	return Decision{Verdict: Defer, Reason: reason}
}

// LedgerView is the read-only slice of the ledger that sizing consults.
type LedgerView interface {
	ExposureOf(wallet string) decimal.Decimal
	GlobalExposure() decimal.Decimal
	PositionOf(tokenID string) (ledger.MirrorPosition, bool)
}

// Manager holds the risk configuration the decision function closes over.
type Manager struct {
	cfg config.RiskConfig
}

// NewManager creates a risk manager.
func NewManager(cfg config.RiskConfig) *Manager {
	return &Manager{cfg: cfg}
}

// Decide sizes a leader fill into a mirror decision. attempt counts prior
// deferrals of this same fill (0 on first sight); only SELL paths use it.
func (m *Manager) Decide(
	fill types.FillEvent,
	leader config.TraderConfig,
	snap *portfolio.Snapshot,
	meta *types.MarketMeta,
	view LedgerView,
	attempt int,
) Decision {
	if fill.Side == types.SELL {
		return m.decideSell(fill, snap, view, attempt)
	}
	return m.decideBuy(fill, leader, snap, meta, view)
}

func (m *Manager) decideBuy(
	fill types.FillEvent,
	leader config.TraderConfig,
	snap *portfolio.Snapshot,
	meta *types.MarketMeta,
	view LedgerView,
) Decision {
	if fill.Price <= 0 || fill.Size <= 0 {
		return reject("fill has no price or size")
	}
	if snap == nil || snap.TotalValue < m.cfg.PerTrader.MinPortfolioValue {
		return reject("portfolio too small or unknown")
	}

	// Market gates come first: no point sizing a filtered market.
	if d := m.checkMarket(meta); d != nil {
		return *d
	}

	price := decimal.NewFromFloat(fill.Price)
	allocated := decimal.NewFromFloat(leader.AllocatedCapital)

	// Conviction: the fill's notional as a fraction of the leader's book.
	positionPct := decimal.NewFromInt(1)
	if m.cfg.PerTrader.UsePortfolioProportion {
		notional := decimal.NewFromFloat(fill.Size).Mul(price)
		positionPct = notional.Div(decimal.NewFromFloat(snap.TotalValue))
	}

	rate := decimal.NewFromFloat(snap.DeploymentRate)
	effectiveAllocation := allocated.Mul(rate)

	mirrorUSD := effectiveAllocation.Mul(positionPct)
	limit := "conviction"
	if maxBet := decimal.NewFromFloat(m.cfg.Global.MaxSingleBet); mirrorUSD.GreaterThan(maxBet) {
		mirrorUSD = maxBet
		limit = "max_single_bet"
	}
	if posCap := allocated.Mul(decimal.NewFromFloat(m.cfg.PerTrader.MaxPositionPct)); mirrorUSD.GreaterThan(posCap) {
		mirrorUSD = posCap
		limit = "max_position_pct"
	}

	// Venue floor: raise sub-dollar mirrors to $1 when the leader's
	// effective allocation can cover it, otherwise there is nothing to place.
	if mirrorUSD.LessThan(venueMinOrderUSD) {
		if mirrorUSD.IsPositive() && effectiveAllocation.GreaterThanOrEqual(venueMinOrderUSD) {
			mirrorUSD = venueMinOrderUSD
			limit = "venue_minimum"
		} else {
			return reject("mirror size below venue minimum")
		}
	}

	shares := mirrorUSD.Div(price).RoundDown(2)
	if meta != nil && shares.LessThan(decimal.NewFromFloat(meta.MinOrderSize)) {
		return reject("below min order size")
	}
	notional := shares.Mul(price)

	// Advisory cap checks; the ledger is the authority at reserve time.
	if notional.Add(view.ExposureOf(fill.Wallet)).GreaterThan(allocated) {
		return reject("leader allocation exhausted")
	}
	if notional.Add(view.GlobalExposure()).GreaterThan(decimal.NewFromFloat(m.cfg.Global.MaxTotalExposure)) {
		return reject("global exposure cap")
	}

	note := fmt.Sprintf("pct=%s rate=%s limit=%s",
		positionPct.Round(4), rate.Round(2), limit)
	return accept(shares, notional, note)
}

// checkMarket applies the category and liquidity filters. A nil meta or a
// negative liquidity sentinel (book-derived metadata) skips the liquidity
// gate rather than failing it.
func (m *Manager) checkMarket(meta *types.MarketMeta) *Decision {
	if meta == nil {
		return nil
	}
	if meta.Closed || (meta.Active && !meta.AcceptingOrders) {
		d := reject("market not accepting orders")
		return &d
	}

	category := strings.ToLower(meta.Category)
	for _, black := range m.cfg.MarketFilters.BlacklistCategories {
		if category == strings.ToLower(black) {
			d := reject("category blacklisted: " + meta.Category)
			return &d
		}
	}
	if len(m.cfg.MarketFilters.WhitelistCategories) > 0 {
		found := false
		for _, white := range m.cfg.MarketFilters.WhitelistCategories {
			if category == strings.ToLower(white) {
				found = true
				break
			}
		}
		if !found {
			d := reject("category not whitelisted: " + meta.Category)
			return &d
		}
	}

	if meta.Liquidity >= 0 && meta.Liquidity < m.cfg.MarketFilters.MinLiquidity {
		d := reject(fmt.Sprintf("liquidity %.0f below floor %.0f",
			meta.Liquidity, m.cfg.MarketFilters.MinLiquidity))
		return &d
	}
	return nil
}

// decideSell derives how much of the mirror position to unwind from how much
// of their own position the leader sold.
//
// The sold fraction comes from the portfolio snapshot delta: sold size over
// the leader's size at the previous sync. When the fill lands before a
// usable snapshot pair exists, the fill defers a tick (bounded); after the
// bound, the pre-trade size is reconstructed as current + sold.
func (m *Manager) decideSell(
	fill types.FillEvent,
	snap *portfolio.Snapshot,
	view LedgerView,
	attempt int,
) Decision {
	pos, ok := view.PositionOf(fill.TokenID)
	if !ok {
		return skip("no mirror position for token")
	}

	soldSize := decimal.NewFromFloat(fill.Size)
	price := decimal.NewFromFloat(fill.Price)

	var fraction decimal.Decimal
	switch {
	case snap != nil && snap.PositionSize(fill.TokenID) == 0:
		// Leader is flat now: full exit.
		fraction = decimal.NewFromInt(1)
	case snap != nil:
		if prevSize, known := snap.PreviousSize(fill.TokenID); known && prevSize > 0 {
			fraction = soldSize.Div(decimal.NewFromFloat(prevSize))
		} else if attempt < maxSellDeferrals {
			return deferFill("awaiting portfolio snapshot for sell fraction")
		} else {
			// Reconstruct the pre-trade size from what remains plus
			// what this fill sold.
			preTrade := decimal.NewFromFloat(snap.PositionSize(fill.TokenID)).Add(soldSize)
			fraction = soldSize.Div(preTrade)
		}
	case attempt < maxSellDeferrals:
		return deferFill("awaiting portfolio snapshot for sell fraction")
	default:
		// Never synced this leader: exit the same fraction as a full sale.
		fraction = decimal.NewFromInt(1)
	}

	if fraction.GreaterThan(decimal.NewFromInt(1)) {
		fraction = decimal.NewFromInt(1)
	}

	shares := pos.Size.Mul(fraction).RoundDown(2)
	if shares.GreaterThan(pos.Size) {
		shares = pos.Size
	}
	if shares.LessThan(dustShares) {
		return skip("reduction below dust threshold")
	}
	// Selling down to dust exits the whole position.
	if pos.Size.Sub(shares).LessThanOrEqual(dustShares) {
		shares = pos.Size
	}

	note := fmt.Sprintf("fraction=%s of %s shares", fraction.Round(4), pos.Size)
	return accept(shares, shares.Mul(price), note)
}
