// Package monitor turns each leader's trade history into an ordered stream of
// previously-unseen fills.
//
// Every leader has an isolated cursor (last seen trade timestamp) and a
// bounded set of recently seen trade IDs. Each poll reaches back past the
// cursor by an overlap window to absorb Data API indexing lag, drops trades
// already seen, aggregates partial fills of the same transaction, and emits
// the remainder oldest-first. The first observation of a leader only
// establishes the cursor: history from before the engine started is never
// mirrored.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"polymarket-copytrader/internal/config"
	"polymarket-copytrader/pkg/types"
)

const (
	// seenCapacity bounds the per-leader recently-seen ID set.
	seenCapacity = 1024
	// maxTradesPerPoll caps one poll's fetch; an active leader beyond this
	// loses oldest fills for the tick and catches up on the next.
	maxTradesPerPoll = 500
)

// TradesFetcher is the slice of the venue client the monitor needs.
type TradesFetcher interface {
	GetTrades(ctx context.Context, wallet string, sinceTS int64, maxTrades int) ([]types.Trade, error)
}

// leaderState is one leader's private cursor and dedup window. baselineTS
// fences off history from before the leader was first observed: the overlap
// window may re-fetch that region, but nothing at or before the baseline is
// ever emitted.
type leaderState struct {
	lastSeenTS int64
	baselineTS int64
	seen       *lruSet
}

// Monitor polls leader wallets for new fills. Leaders are polled in parallel
// by the engine; each leader's state is touched by one goroutine at a time,
// so the mutex only guards the state map itself.
type Monitor struct {
	client  TradesFetcher
	overlap time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	states map[string]*leaderState // by wallet
}

// New creates a monitor. overlap is how far behind the cursor each poll
// reaches; it should be at least twice the poll interval.
func New(client TradesFetcher, overlap time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{
		client:  client,
		overlap: overlap,
		logger:  logger.With("component", "monitor"),
		states:  make(map[string]*leaderState),
	}
}

// Poll returns the leader's fills that have not been seen before, oldest
// first, enriched with the trader's configured identity.
func (m *Monitor) Poll(ctx context.Context, leader config.TraderConfig) ([]types.FillEvent, error) {
	state := m.state(leader.WalletAddress)

	// First sight of this wallet: baseline the cursor at their most recent
	// trade and emit nothing. Only activity after startup gets mirrored.
	if state.lastSeenTS == 0 {
		recent, err := m.client.GetTrades(ctx, leader.WalletAddress, 0, 1)
		if err != nil {
			return nil, fmt.Errorf("baseline %s: %w", leader.Name, err)
		}
		state.lastSeenTS = time.Now().Unix()
		if len(recent) > 0 {
			state.lastSeenTS = recent[len(recent)-1].Timestamp
			state.seen.Add(recent[len(recent)-1].ID)
		}
		state.baselineTS = state.lastSeenTS
		m.logger.Info("leader baseline established",
			"leader", leader.Name, "cursor", state.lastSeenTS)
		return nil, nil
	}

	since := state.lastSeenTS - int64(m.overlap.Seconds())
	if since < 0 {
		since = 0
	}

	trades, err := m.client.GetTrades(ctx, leader.WalletAddress, since, maxTradesPerPoll)
	if err != nil {
		return nil, fmt.Errorf("poll %s: %w", leader.Name, err)
	}

	fresh := trades[:0]
	for _, tr := range trades {
		if tr.Timestamp <= state.baselineTS || state.seen.Contains(tr.ID) {
			continue
		}
		fresh = append(fresh, tr)
	}
	if len(fresh) == 0 {
		return nil, nil
	}

	events := aggregateFills(fresh, leader)

	for _, tr := range fresh {
		state.seen.Add(tr.ID)
		if tr.Timestamp > state.lastSeenTS {
			state.lastSeenTS = tr.Timestamp
		}
	}

	m.logger.Debug("poll complete",
		"leader", leader.Name,
		"raw", len(trades),
		"new", len(fresh),
		"events", len(events),
		"cursor", state.lastSeenTS,
	)
	return events, nil
}

func (m *Monitor) state(wallet string) *leaderState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[wallet]
	if !ok {
		st = &leaderState{seen: newLRUSet(seenCapacity)}
		m.states[wallet] = st
	}
	return st
}

// aggregateFills merges partial fills sharing a transaction into one event
// with a notional-weighted average price. Large taker orders often match
// several resting orders in one transaction; mirroring each partial would
// multiply the mirror size checks and order count for no reason.
func aggregateFills(trades []types.Trade, leader config.TraderConfig) []types.FillEvent {
	type key struct {
		tx    string
		token string
		side  string
	}
	groups := make(map[key][]types.Trade)
	order := make([]key, 0, len(trades))
	for _, tr := range trades {
		k := key{tx: tr.TransactionHash, token: tr.Asset, side: tr.Side}
		if tr.TransactionHash == "" {
			// No transaction hash: treat the trade as its own group.
			k.tx = tr.ID
		}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], tr)
	}

	events := make([]types.FillEvent, 0, len(order))
	for _, k := range order {
		group := groups[k]
		first := group[0]

		var size, notional float64
		ts := first.Timestamp
		for _, tr := range group {
			size += tr.Size
			notional += tr.Size * tr.Price
			if tr.Timestamp > ts {
				ts = tr.Timestamp
			}
		}
		price := first.Price
		if size > 0 {
			price = notional / size
		}

		tradeID := first.ID
		if len(group) > 1 {
			// Composite ID keeps the aggregate stable across replays even
			// if the venue returns the partials in a different order.
			tradeID = fmt.Sprintf("%s:%s:%s", k.tx, k.token, k.side)
		}

		events = append(events, types.FillEvent{
			TradeID:     tradeID,
			Leader:      leader.Name,
			Wallet:      leader.WalletAddress,
			TokenID:     first.Asset,
			ConditionID: first.ConditionID,
			MarketSlug:  first.Slug,
			Outcome:     first.Outcome,
			Side:        types.Side(first.Side),
			Size:        size,
			Price:       price,
			Timestamp:   time.Unix(ts, 0),
			TxHash:      first.TransactionHash,
		})
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events
}

// CursorState is the persistable view of one leader's monitor state.
type CursorState struct {
	LastSeenTS int64    `json:"last_seen_ts"`
	BaselineTS int64    `json:"baseline_ts"`
	RecentIDs  []string `json:"recent_ids"`
}

// ExportState returns all leader cursors for persistence.
func (m *Monitor) ExportState() map[string]CursorState {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]CursorState, len(m.states))
	for wallet, st := range m.states {
		out[wallet] = CursorState{
			LastSeenTS: st.lastSeenTS,
			BaselineTS: st.baselineTS,
			RecentIDs:  st.seen.Items(),
		}
	}
	return out
}

// RestoreState seeds leader cursors from persisted state. Wallets restored
// here skip the baseline step on their first poll.
func (m *Monitor) RestoreState(saved map[string]CursorState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for wallet, cs := range saved {
		if cs.LastSeenTS == 0 {
			continue
		}
		st := &leaderState{
			lastSeenTS: cs.LastSeenTS,
			baselineTS: cs.BaselineTS,
			seen:       newLRUSet(seenCapacity),
		}
		for _, id := range cs.RecentIDs {
			st.seen.Add(id)
		}
		m.states[wallet] = st
	}
}

// lruSet is a bounded set that evicts its oldest member when full.
type lruSet struct {
	capacity int
	items    map[string]struct{}
	order    []string
}

func newLRUSet(capacity int) *lruSet {
	return &lruSet{
		capacity: capacity,
		items:    make(map[string]struct{}, capacity),
	}
}

func (s *lruSet) Contains(id string) bool {
	_, ok := s.items[id]
	return ok
}

func (s *lruSet) Add(id string) {
	if id == "" {
		return
	}
	if _, ok := s.items[id]; ok {
		return
	}
	s.items[id] = struct{}{}
	s.order = append(s.order, id)
	for len(s.order) > s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.items, oldest)
	}
}

// Items returns the set's members oldest-first.
func (s *lruSet) Items() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}
