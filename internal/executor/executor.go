// Package executor turns accepted mirror decisions into venue orders.
//
// Placement follows a reserve-commit protocol against the exposure ledger:
// capital is held before the order goes out, committed once the venue accepts,
// and released on any terminal failure. Buys rest as GTC limit orders at the
// leader's price; sells go out fill-or-kill at the best bid so a reduction
// either happens at a known price or not at all. Transient venue errors retry
// with exponential backoff; auth and validation errors do not.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-copytrader/internal/audit"
	"polymarket-copytrader/internal/exchange"
	"polymarket-copytrader/internal/ledger"
	"polymarket-copytrader/internal/risk"
	"polymarket-copytrader/pkg/types"
)

const (
	baseBackoff = 500 * time.Millisecond
	maxBackoff  = 30 * time.Second
	maxAttempts = 5
)

// Venue is the slice of the exchange client the executor needs.
type Venue interface {
	PostOrder(ctx context.Context, order types.UserOrder) (*types.OrderResult, error)
	GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error)
	GetMidpoint(ctx context.Context, tokenID string) (float64, error)
	GetOpenOrders(ctx context.Context) ([]types.OpenOrder, error)
	CancelOrders(ctx context.Context, orderIDs []string) (*types.CancelResponse, error)
}

// Executor places mirror orders and keeps the ledger consistent with what the
// venue accepted.
type Executor struct {
	venue  Venue
	ledger *ledger.Ledger
	trail  *audit.Trail
	logger *slog.Logger
}

// New creates an executor. trail may be nil (no audit output).
func New(venue Venue, led *ledger.Ledger, trail *audit.Trail, logger *slog.Logger) *Executor {
	return &Executor{
		venue:  venue,
		ledger: led,
		trail:  trail,
		logger: logger.With("component", "executor"),
	}
}

// Execute places one accepted decision. A ledger rejection (the authoritative
// cap re-check at reserve time) is a clean drop, not an error; the fill is
// marked processed either way. The returned error signals a venue failure the
// engine should count against the leader.
func (e *Executor) Execute(ctx context.Context, fill types.FillEvent, dec risk.Decision, meta *types.MarketMeta) error {
	if fill.Side == types.SELL {
		return e.executeSell(ctx, fill, dec, meta)
	}
	return e.executeBuy(ctx, fill, dec, meta)
}

func (e *Executor) executeBuy(ctx context.Context, fill types.FillEvent, dec risk.Decision, meta *types.MarketMeta) error {
	res, err := e.ledger.Reserve(fill.Wallet, dec.Notional)
	if err != nil {
		if ledger.IsRejected(err) {
			e.logger.Info("mirror dropped at reserve", "trade", fill.TradeID, "reason", err.Error())
			e.ledger.MarkProcessed(fill.TradeID)
			e.record(fill, dec, "reject", err.Error(), nil, nil)
			return nil
		}
		return fmt.Errorf("reserve: %w", err)
	}

	tick := types.Tick001
	negRisk := false
	if meta != nil {
		tick = meta.TickSize
		negRisk = meta.NegRisk
	}
	price := roundToTick(fill.Price, tick, types.BUY)

	shares, _ := dec.Shares.Float64()
	order := types.UserOrder{
		TokenID:   fill.TokenID,
		Price:     price,
		Size:      shares,
		Side:      types.BUY,
		OrderType: types.OrderTypeGTC,
		TickSize:  tick,
		NegRisk:   negRisk,
	}

	result, err := e.placeWithRetry(ctx, fill.TradeID, order)
	if err != nil {
		e.ledger.Release(res)
		e.ledger.MarkProcessed(fill.TradeID)
		e.record(fill, dec, "error", "", nil, err)
		return fmt.Errorf("place buy %s: %w", fill.TradeID, err)
	}

	if err := e.ledger.Commit(res, fill, dec.Shares, decimal.NewFromFloat(price)); err != nil {
		// Commit only fails on protocol misuse; surface it loudly.
		return fmt.Errorf("commit %s: %w", fill.TradeID, err)
	}
	e.logger.Info("mirror buy placed",
		"trade", fill.TradeID,
		"leader", fill.Leader,
		"token", fill.TokenID,
		"shares", dec.Shares,
		"price", price,
		"order_id", result.OrderID,
		"status", result.Status,
		"dry_run", result.DryRun,
	)
	e.record(fill, dec, "accept", dec.Note, result, nil)
	return nil
}

// executeSell unwinds a mirror position fill-or-kill at the best bid. FOK
// keeps the ledger exact: the reduction applies only for what actually sold.
func (e *Executor) executeSell(ctx context.Context, fill types.FillEvent, dec risk.Decision, meta *types.MarketMeta) error {
	tick := types.Tick001
	negRisk := false
	if meta != nil {
		tick = meta.TickSize
		negRisk = meta.NegRisk
	}

	shares, _ := dec.Shares.Float64()
	var result *types.OrderResult
	var lastErr error

	backoff := baseBackoff
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, backoff); err != nil {
				return err
			}
			backoff = nextBackoff(backoff)
		}

		price, err := e.sellPrice(ctx, fill.TokenID)
		if err != nil {
			lastErr = err
			if exchange.IsTransient(err) {
				continue
			}
			break
		}
		price = roundToTick(price, tick, types.SELL)

		order := types.UserOrder{
			TokenID:   fill.TokenID,
			Price:     price,
			Size:      shares,
			Side:      types.SELL,
			OrderType: types.OrderTypeFOK,
			TickSize:  tick,
			NegRisk:   negRisk,
			ClientID:  clientID(fill.TradeID, attempt),
		}
		result, lastErr = e.venue.PostOrder(ctx, order)
		if lastErr == nil {
			break
		}
		// An FOK miss surfaces as transient: re-price off the fresh book.
		if !exchange.IsTransient(lastErr) {
			break
		}
		e.logger.Warn("sell attempt failed", "trade", fill.TradeID, "attempt", attempt+1, "err", lastErr)
	}

	e.ledger.MarkProcessed(fill.TradeID)
	if lastErr != nil {
		e.record(fill, dec, "error", "", nil, lastErr)
		return fmt.Errorf("place sell %s: %w", fill.TradeID, lastErr)
	}

	if err := e.ledger.ApplyReduction(fill.TokenID, dec.Shares); err != nil {
		return fmt.Errorf("apply reduction %s: %w", fill.TradeID, err)
	}
	e.logger.Info("mirror sell filled",
		"trade", fill.TradeID,
		"leader", fill.Leader,
		"token", fill.TokenID,
		"shares", dec.Shares,
		"order_id", result.OrderID,
		"dry_run", result.DryRun,
	)
	e.record(fill, dec, "accept", dec.Note, result, nil)
	return nil
}

// sellPrice is the best bid, falling back to the midpoint when the bid side
// is empty.
func (e *Executor) sellPrice(ctx context.Context, tokenID string) (float64, error) {
	book, err := e.venue.GetOrderBook(ctx, tokenID)
	if err == nil {
		if bid, ok := book.BestBid(); ok {
			return bid, nil
		}
	} else if !exchange.IsNotFound(err) {
		return 0, err
	}
	mid, err := e.venue.GetMidpoint(ctx, tokenID)
	if err != nil {
		return 0, err
	}
	if mid <= 0 {
		return 0, errors.New("no price available for sell")
	}
	return mid, nil
}

// placeWithRetry posts a GTC order, retrying transient failures with
// exponential backoff. The attempt number feeds the client ID so every
// retry carries a fresh deterministic salt.
func (e *Executor) placeWithRetry(ctx context.Context, tradeID string, order types.UserOrder) (*types.OrderResult, error) {
	backoff := baseBackoff
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, backoff); err != nil {
				return nil, err
			}
			backoff = nextBackoff(backoff)
		}

		order.ClientID = clientID(tradeID, attempt)
		result, err := e.venue.PostOrder(ctx, order)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !exchange.IsTransient(err) {
			return nil, err
		}
		e.logger.Warn("order attempt failed",
			"trade", tradeID, "attempt", attempt+1, "err", err)
	}
	return nil, lastErr
}

// Reconcile cancels resting orders left over from a previous run. The engine
// restarts from persisted state; orders placed before the crash are stale
// against whatever the leaders did in the meantime.
func (e *Executor) Reconcile(ctx context.Context) error {
	open, err := e.venue.GetOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}
	if len(open) == 0 {
		return nil
	}

	ids := make([]string, len(open))
	for i, o := range open {
		ids[i] = o.ID
	}
	resp, err := e.venue.CancelOrders(ctx, ids)
	if err != nil {
		return fmt.Errorf("cancel stale orders: %w", err)
	}
	e.logger.Info("cancelled stale orders from previous run",
		"found", len(open), "cancelled", len(resp.Canceled))
	return nil
}

func (e *Executor) record(fill types.FillEvent, dec risk.Decision, outcome, reason string, result *types.OrderResult, err error) {
	if e.trail == nil {
		return
	}
	entry := audit.Entry{
		Time:           time.Now(),
		Leader:         fill.Leader,
		TradeID:        fill.TradeID,
		MarketSlug:     fill.MarketSlug,
		TokenID:        fill.TokenID,
		Side:           string(fill.Side),
		LeaderSize:     fill.Size,
		LeaderPrice:    fill.Price,
		Decision:       outcome,
		Reason:         reason,
		MirrorShares:   dec.Shares,
		MirrorNotional: dec.Notional,
	}
	if result != nil {
		entry.OrderID = result.OrderID
		entry.OrderStatus = result.Status
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if werr := e.trail.Record(entry); werr != nil {
		e.logger.Error("audit write failed", "trade", fill.TradeID, "err", werr)
	}
}

// clientID makes order salts deterministic per (fill, attempt) so a replayed
// placement cannot produce two distinct live orders.
func clientID(tradeID string, attempt int) string {
	return fmt.Sprintf("%s:%d", tradeID, attempt)
}

// roundToTick snaps a price onto the market's tick grid: down for buys, up
// for sells, clamped inside (0, 1).
func roundToTick(price float64, tick types.TickSize, side types.Side) float64 {
	step := tick.Value()
	var snapped float64
	if side == types.BUY {
		snapped = math.Floor(price/step+1e-9) * step
	} else {
		snapped = math.Ceil(price/step-1e-9) * step
	}
	if snapped < step {
		snapped = step
	}
	if snapped > 1-step {
		snapped = 1 - step
	}
	// Kill float dust from the division.
	factor := math.Pow(10, float64(tick.Decimals()))
	return math.Round(snapped*factor) / factor
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
