// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the copy trader — order types,
// market metadata, leader trades and positions, and WebSocket event payloads.
// It has no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"math/big"
	"strconv"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled: stays on book until filled or cancelled
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill: fills completely and immediately, or not at all
	OrderTypeFAK OrderType = "FAK" // Fill-And-Kill: fills what it can immediately, cancels the rest
)

// SignatureType identifies the signing scheme for the CTF exchange contract.
type SignatureType int

const (
	SigEOA        SignatureType = 0 // externally-owned account (standard wallet)
	SigProxy      SignatureType = 1 // Polymarket proxy / Magic wallet
	SigGnosisSafe SignatureType = 2 // Gnosis Safe multisig
)

// TickSize represents the price granularity for a market. Polymarket supports
// four tick sizes; each market has a fixed tick size that determines the
// minimum price increment and USDC amount rounding precision.
type TickSize string

const (
	Tick01    TickSize = "0.1"    // 1 decimal  — coarse markets
	Tick001   TickSize = "0.01"   // 2 decimals — standard markets (most common)
	Tick0001  TickSize = "0.001"  // 3 decimals — fine-grained markets
	Tick00001 TickSize = "0.0001" // 4 decimals — ultra-precise markets
)

// Decimals returns the number of decimal places for a tick size.
func (t TickSize) Decimals() int {
	switch t {
	case Tick01:
		return 1
	case Tick001:
		return 2
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 2
	}
}

// AmountDecimals returns the decimal precision for USDC amounts at this tick size.
// The CLOB requires maker/taker amounts rounded to tick decimals + 2.
func (t TickSize) AmountDecimals() int {
	return t.Decimals() + 2
}

// Value returns the tick size as a float64 increment.
func (t TickSize) Value() float64 {
	v, err := strconv.ParseFloat(string(t), 64)
	if err != nil {
		return 0.01
	}
	return v
}

// TickSizeFromFloat maps a numeric minimum tick to the TickSize enum.
// Unknown values default to 0.01, the most common granularity.
func TickSizeFromFloat(v float64) TickSize {
	switch v {
	case 0.1:
		return Tick01
	case 0.001:
		return Tick0001
	case 0.0001:
		return Tick00001
	default:
		return Tick001
	}
}

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// MarketMeta is the per-market metadata the sizing and execution paths need.
// Tick size and minimum order size constrain order placement, neg-risk selects
// the exchange contract, liquidity and category feed the market filters.
type MarketMeta struct {
	ConditionID     string
	Slug            string
	Question        string
	Category        string
	YesTokenID      string
	NoTokenID       string
	TickSize        TickSize
	MinOrderSize    float64
	NegRisk         bool
	Liquidity       float64
	Active          bool
	Closed          bool
	AcceptingOrders bool
	EndDate         time.Time
	FetchedAt       time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Leader activity (Data API)
// ————————————————————————————————————————————————————————————————————————

// Trade is one fill from the Data API /trades endpoint. Both maker and taker
// fills of the queried wallet appear here; Timestamp is unix seconds.
type Trade struct {
	ID              string  `json:"id"`
	ProxyWallet     string  `json:"proxyWallet"`
	Side            string  `json:"side"`
	Asset           string  `json:"asset"` // CTF token ID
	ConditionID     string  `json:"conditionId"`
	Size            float64 `json:"size"`
	Price           float64 `json:"price"`
	Timestamp       int64   `json:"timestamp"`
	Title           string  `json:"title"`
	Slug            string  `json:"slug"`
	Outcome         string  `json:"outcome"`
	OutcomeIndex    int     `json:"outcomeIndex"`
	TransactionHash string  `json:"transactionHash"`
}

// Position is one holding from the Data API /positions endpoint.
// InitialValue is cost basis, CurrentValue is mark-to-market.
type Position struct {
	ProxyWallet  string  `json:"proxyWallet"`
	Asset        string  `json:"asset"` // CTF token ID
	ConditionID  string  `json:"conditionId"`
	Size         float64 `json:"size"`
	AvgPrice     float64 `json:"avgPrice"`
	InitialValue float64 `json:"initialValue"`
	CurrentValue float64 `json:"currentValue"`
	CashPnL      float64 `json:"cashPnl"`
	PercentPnL   float64 `json:"percentPnl"`
	CurPrice     float64 `json:"curPrice"`
	Redeemable   bool    `json:"redeemable"`
	Title        string  `json:"title"`
	Slug         string  `json:"slug"`
	Outcome      string  `json:"outcome"`
	EndDate      string  `json:"endDate"`
	NegativeRisk bool    `json:"negativeRisk"`
}

// FillEvent is a leader trade after monitor enrichment: deduplicated, ordered,
// and tagged with the configured trader it belongs to. This is the unit of
// work flowing monitor → risk → executor.
type FillEvent struct {
	TradeID     string
	Leader      string // configured trader name
	Wallet      string // leader proxy wallet address
	TokenID     string
	ConditionID string
	MarketSlug  string
	Outcome     string
	Side        Side
	Size        float64
	Price       float64
	Timestamp   time.Time
	TxHash      string
}

// Notional returns the USD value of the fill (size × price).
func (f FillEvent) Notional() float64 {
	return f.Size * f.Price
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// UserOrder is the high-level order intent produced by the executor.
// The exchange client converts it to a SignedOrder for the CLOB API.
type UserOrder struct {
	TokenID    string    // which token to trade (YES or NO asset ID)
	Price      float64   // limit price (0.0 to 1.0 for binary markets)
	Size       float64   // quantity in tokens
	Side       Side      // BUY or SELL
	OrderType  OrderType // GTC, FOK, or FAK
	TickSize   TickSize  // market's price granularity (for amount rounding)
	NegRisk    bool      // neg-risk markets settle on a different exchange contract
	Expiration int64     // unix timestamp, 0 = no expiry
	FeeRateBps int       // fee rate in basis points
	ClientID   string    // deterministic ID; same ClientID yields the same salt and signature
}

// SignedOrder is the on-chain order format the CLOB API expects.
// MakerAmount and TakerAmount are in 6-decimal USDC units (1e6 = $1).
//
// For BUY:  maker gives MakerAmount USDC, receives TakerAmount tokens
// For SELL: maker gives MakerAmount tokens, receives TakerAmount USDC
type SignedOrder struct {
	Salt          string        `json:"salt"`
	Maker         string        `json:"maker"`       // funder/proxy wallet address
	Signer        string        `json:"signer"`      // EOA that signs the order
	Taker         string        `json:"taker"`       // zero address = open order
	TokenID       string        `json:"tokenId"`     // CTF token ID
	MakerAmount   *big.Int      `json:"makerAmount"` // what maker gives (scaled to 1e6)
	TakerAmount   *big.Int      `json:"takerAmount"` // what maker receives (scaled to 1e6)
	Side          Side          `json:"side"`
	Expiration    string        `json:"expiration"`    // unix timestamp as string
	Nonce         string        `json:"nonce"`         // replay protection
	FeeRateBps    string        `json:"feeRateBps"`    // fee in basis points as string
	SignatureType SignatureType `json:"signatureType"` // 0 = EOA
	Signature     string        `json:"signature"`     // EIP-712 signature hex
}

// OrderPayload is the REST API request body for POST /order.
type OrderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`     // API key of the order owner
	OrderType OrderType   `json:"orderType"` // GTC, FOK, FAK
}

// OrderResponse is the REST API response for a posted order.
type OrderResponse struct {
	Success            bool     `json:"success"`
	ErrorMsg           string   `json:"errorMsg"`
	OrderID            string   `json:"orderID"`
	Status             string   `json:"status"` // e.g. "live", "matched"
	TakingAmount       string   `json:"takingAmount"`
	MakingAmount       string   `json:"makingAmount"`
	TransactionsHashes []string `json:"transactionsHashes"`
}

// OrderResult is the executor-facing outcome of a placement: the venue
// response reduced to what the ledger and audit trail record.
type OrderResult struct {
	OrderID    string
	Status     string
	FilledSize float64
	AvgPrice   float64
	DryRun     bool
}

// OpenOrder represents a live resting order on the CLOB.
type OpenOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`        // "live", "matched", etc.
	Market       string `json:"market"`        // condition ID
	AssetID      string `json:"asset_id"`      // token ID
	Side         string `json:"side"`          // "BUY" or "SELL"
	OriginalSize string `json:"original_size"` // initial size
	SizeMatched  string `json:"size_matched"`  // how much has filled
	Price        string `json:"price"`         // limit price
}

// CancelResponse is returned by DELETE /orders, /cancel-all, /cancel-market-orders.
type CancelResponse struct {
	Canceled []string `json:"canceled"` // IDs of successfully cancelled orders
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is one price point in the order book with total size at that price.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// BookResponse is the REST /book endpoint response. Beyond the levels it
// carries per-market trading constraints, which serve as a metadata fallback
// when the Gamma API has no record for a condition ID.
type BookResponse struct {
	Market       string       `json:"market"`   // condition ID
	AssetID      string       `json:"asset_id"` // token ID
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Hash         string       `json:"hash"`
	Timestamp    string       `json:"timestamp"`
	MinOrderSize string       `json:"min_order_size"`
	TickSize     string       `json:"tick_size"`
	NegRisk      bool         `json:"neg_risk"`
}

// BestBid returns the highest bid price, or false when the book side is empty.
func (b *BookResponse) BestBid() (float64, bool) {
	return bestLevel(b.Bids, func(best, p float64) bool { return p > best })
}

// BestAsk returns the lowest ask price, or false when the book side is empty.
func (b *BookResponse) BestAsk() (float64, bool) {
	return bestLevel(b.Asks, func(best, p float64) bool { return p < best })
}

func bestLevel(levels []PriceLevel, better func(best, p float64) bool) (float64, bool) {
	found := false
	var best float64
	for _, lvl := range levels {
		p, err := strconv.ParseFloat(lvl.Price, 64)
		if err != nil {
			continue
		}
		if !found || better(best, p) {
			best = p
			found = true
		}
	}
	return best, found
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket events (CLOB market channel)
// ————————————————————————————————————————————————————————————————————————

// WSTradeEvent is a "trade" or "last_trade_price" event from the public
// market channel. All numeric fields arrive as strings. Maker and taker
// wallet addresses make leader fills visible seconds before the Data API
// indexes them.
type WSTradeEvent struct {
	EventType       string `json:"event_type"`
	AssetID         string `json:"asset_id"`
	Price           string `json:"price"`
	Size            string `json:"size"`
	Side            string `json:"side"`
	MakerAddress    string `json:"maker_address"`
	TakerAddress    string `json:"taker_address"`
	Timestamp       string `json:"timestamp"` // unix millis as string
	TransactionHash string `json:"transaction_hash"`
	FeeRateBps      string `json:"fee_rate_bps"`
	TradeID         string `json:"id"`
}

// PriceFloat returns the trade price as a float64 (0 when unparseable).
func (e *WSTradeEvent) PriceFloat() float64 {
	v, _ := strconv.ParseFloat(e.Price, 64)
	return v
}

// SizeFloat returns the trade size as a float64 (0 when unparseable).
func (e *WSTradeEvent) SizeFloat() float64 {
	v, _ := strconv.ParseFloat(e.Size, 64)
	return v
}

// Time converts the string millisecond timestamp to a time.Time.
func (e *WSTradeEvent) Time() time.Time {
	ms, err := strconv.ParseInt(e.Timestamp, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// WSSubscribeMsg is the initial subscription message for the market channel.
type WSSubscribeMsg struct {
	Type     string   `json:"type"`
	AssetIDs []string `json:"assets_ids"`
}

// WSUpdateMsg adds or removes asset subscriptions on a live connection.
type WSUpdateMsg struct {
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
	AssetIDs  []string `json:"assets_ids"`
}
