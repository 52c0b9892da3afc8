// Package feed watches the public market WebSocket channel for leader fills.
//
// The Data API indexes trades with a lag of several seconds; the tape does
// not. The feed subscribes to the token IDs the engine currently mirrors and
// emits a Sighting whenever a trade's maker or taker is a watched leader
// wallet, letting the engine poll that leader immediately instead of waiting
// for the next tick. Sightings are advisory: the Data API poll remains the
// source of truth, so a dropped event costs latency, never correctness.
//
// The connection auto-reconnects with exponential backoff (1s → 30s max) and
// re-subscribes to all tracked IDs. A read deadline (90s) ensures silent
// server failures are detected within ~2 missed pings.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-copytrader/internal/config"
	"polymarket-copytrader/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	sightingBuffer   = 64
)

// Sighting is a leader fill seen on the tape before the Data API has it.
type Sighting struct {
	Leader  string
	Wallet  string
	TokenID string
	Side    string
	Price   float64
	Size    float64
	At      time.Time
}

// Feed manages the market-channel WebSocket connection: lifecycle,
// subscription tracking, message routing, and automatic reconnection.
type Feed struct {
	url     string
	leaders map[string]string // lowercase wallet → leader name

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string]bool // token IDs

	sightings chan Sighting
	logger    *slog.Logger
}

// New creates a feed watching the given leaders' wallets.
func New(wsURL string, leaders []config.TraderConfig, logger *slog.Logger) *Feed {
	byWallet := make(map[string]string, len(leaders))
	for _, l := range leaders {
		byWallet[strings.ToLower(l.WalletAddress)] = l.Name
	}
	return &Feed{
		url:        wsURL,
		leaders:    byWallet,
		subscribed: make(map[string]bool),
		sightings:  make(chan Sighting, sightingBuffer),
		logger:     logger.With("component", "feed"),
	}
}

// Sightings returns a read-only channel of leader fills seen on the tape.
func (f *Feed) Sightings() <-chan Sighting { return f.sightings }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Watch adds token IDs to the live subscription.
func (f *Feed) Watch(ids []string) error {
	f.subscribedMu.Lock()
	fresh := ids[:0]
	for _, id := range ids {
		if !f.subscribed[id] {
			f.subscribed[id] = true
			fresh = append(fresh, id)
		}
	}
	f.subscribedMu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	return f.writeJSON(types.WSUpdateMsg{Operation: "subscribe", AssetIDs: fresh})
}

// Unwatch removes token IDs from the subscription.
func (f *Feed) Unwatch(ids []string) error {
	f.subscribedMu.Lock()
	for _, id := range ids {
		delete(f.subscribed, id)
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(types.WSUpdateMsg{Operation: "unsubscribe", AssetIDs: ids})
}

// Close gracefully closes the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "watching", len(f.leaders))

	// Start ping goroutine
	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if the server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *Feed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	ids := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		ids = append(ids, id)
	}
	f.subscribedMu.RUnlock()

	return f.writeJSON(types.WSSubscribeMsg{Type: "market", AssetIDs: ids})
}

func (f *Feed) dispatchMessage(data []byte) {
	// Peek at event_type to route
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "trade", "last_trade_price":
		var evt types.WSTradeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal trade event", "error", err)
			return
		}
		f.handleTrade(evt)

	case "book", "price_change", "tick_size_change", "best_bid_ask", "new_market", "market_resolved":
		// Informational events we don't need to process
		f.logger.Debug("ignoring event", "type", envelope.EventType)

	default:
		f.logger.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

// handleTrade emits a sighting when either counterparty is a watched leader.
func (f *Feed) handleTrade(evt types.WSTradeEvent) {
	name, wallet := f.matchLeader(evt)
	if name == "" {
		return
	}

	s := Sighting{
		Leader:  name,
		Wallet:  wallet,
		TokenID: evt.AssetID,
		Side:    evt.Side,
		Price:   evt.PriceFloat(),
		Size:    evt.SizeFloat(),
		At:      evt.Time(),
	}
	select {
	case f.sightings <- s:
	default:
		// The poll loop will catch the fill anyway.
		f.logger.Warn("sighting channel full, dropping event", "leader", name)
	}
}

func (f *Feed) matchLeader(evt types.WSTradeEvent) (name, wallet string) {
	if maker := strings.ToLower(evt.MakerAddress); maker != "" {
		if n, ok := f.leaders[maker]; ok {
			return n, maker
		}
	}
	if taker := strings.ToLower(evt.TakerAddress); taker != "" {
		if n, ok := f.leaders[taker]; ok {
			return n, taker
		}
	}
	return "", ""
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
