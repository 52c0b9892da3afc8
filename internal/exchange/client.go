// Package exchange implements the Polymarket REST clients used by the copy trader.
//
// Two HTTP surfaces are wrapped by Client:
//
// CLOB API (order management and pricing):
//   - GetOrderBook:  GET  /book                — L2 book + market trading constraints
//   - GetMidpoint:   GET  /midpoint            — mid price for a token
//   - PostOrder:     POST /order               — place one signed order (GTC/FOK/FAK)
//   - GetOpenOrders: GET  /data/orders         — live resting orders (reconciliation)
//   - CancelOrders:  DELETE /orders            — cancel specific orders by ID
//   - CancelAll:     DELETE /cancel-all        — emergency cancel everything
//   - GetBalance:    GET  /balance-allowance   — USDC collateral balance
//   - DeriveAPIKey:  GET  /auth/derive-api-key — bootstrap L2 creds from L1 wallet
//
// Data API (read-only leader activity, see dataapi.go):
//   - GetTrades, GetPositions, GetPortfolioValue
//
// Every request is rate-limited via per-category TokenBuckets, automatically
// retried on 5xx errors, authenticated where required, and classified into
// the VenueError taxonomy on failure.
package exchange

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-copytrader/internal/config"
	"polymarket-copytrader/pkg/types"
)

// Client wraps the Polymarket CLOB and Data APIs with rate limiting,
// retry, auth, and dry-run short-circuiting for mutating calls.
type Client struct {
	clob   *resty.Client // CLOB API: orders, books, balances
	data   *resty.Client // Data API: leader trades, positions, values
	auth   *Auth         // L1/L2 auth provider for request and order signing
	rl     *RateLimiter  // per-endpoint-category rate limiting
	dryRun bool          // when true, mutating methods return fake success without HTTP calls
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	return &Client{
		clob:   newRestyClient(cfg.API.CLOBBaseURL),
		data:   newRestyClient(cfg.API.DataBaseURL),
		auth:   auth,
		rl:     NewRateLimiter(),
		dryRun: cfg.DryRun,
		logger: logger.With("component", "exchange"),
	}
}

func newRestyClient(baseURL string) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")
}

// GetOrderBook fetches the order book for a single token.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.BookResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil || resp.StatusCode() != http.StatusOK {
		return nil, venueError("get book", resp, err)
	}
	return &result, nil
}

// GetMidpoint fetches the mid price for a token.
func (c *Client) GetMidpoint(ctx context.Context, tokenID string) (float64, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return 0, err
	}

	var result struct {
		Mid string `json:"mid"`
	}
	resp, err := c.clob.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/midpoint")
	if err != nil || resp.StatusCode() != http.StatusOK {
		return 0, venueError("get midpoint", resp, err)
	}

	mid, err := strconv.ParseFloat(result.Mid, 64)
	if err != nil {
		return 0, &VenueError{Kind: KindFatal, Op: "get midpoint", Message: fmt.Sprintf("unparseable mid %q", result.Mid)}
	}
	return mid, nil
}

// buildOrderPayload converts a high-level UserOrder into the signed on-chain
// order + metadata the REST API expects. It converts human-readable
// price/size to big.Int maker/taker amounts at the market's tick precision,
// sets the maker to the funder wallet (proxy), the signer to the EOA,
// the taker to the zero address (open order, anyone can fill), and signs
// against the exchange contract the market settles on.
func (c *Client) buildOrderPayload(order types.UserOrder) (*types.OrderPayload, error) {
	tickSize := order.TickSize
	if tickSize == "" {
		tickSize = types.Tick001
	}
	makerAmt, takerAmt := PriceToAmounts(order.Price, order.Size, order.Side, tickSize)

	signed := types.SignedOrder{
		Salt:          orderSalt(order.ClientID),
		Maker:         c.auth.FunderAddress().Hex(),
		Signer:        c.auth.Address().Hex(),
		Taker:         zeroAddress,
		TokenID:       order.TokenID,
		MakerAmount:   makerAmt,
		TakerAmount:   takerAmt,
		Side:          order.Side,
		Expiration:    fmt.Sprintf("%d", order.Expiration),
		Nonce:         "0",
		FeeRateBps:    fmt.Sprintf("%d", order.FeeRateBps),
		SignatureType: c.auth.sigType,
	}
	if err := c.auth.SignOrder(&signed, order.NegRisk); err != nil {
		return nil, err
	}

	return &types.OrderPayload{
		Order:     signed,
		Owner:     c.auth.creds.ApiKey,
		OrderType: order.OrderType,
	}, nil
}

// orderSalt derives the order salt. A non-empty client ID hashes to a fixed
// salt, so a retried post reproduces the identical order hash and the venue
// deduplicates it instead of double-placing.
func orderSalt(clientID string) string {
	if clientID == "" {
		return strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	sum := sha256.Sum256([]byte(clientID))
	return new(big.Int).SetBytes(sum[:8]).String()
}

// PostOrder signs and places a single order.
//
// HTTP-layer retries are safe here: the deterministic salt makes the retried
// payload byte-identical, so a request that actually reached the venue
// before the response was lost cannot double-place.
func (c *Client) PostOrder(ctx context.Context, order types.UserOrder) (*types.OrderResult, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would post order",
			"token", order.TokenID,
			"side", order.Side,
			"size", order.Size,
			"price", order.Price,
			"type", order.OrderType,
		)
		return &types.OrderResult{
			OrderID:    "dry-run-" + orderSalt(order.ClientID),
			Status:     "matched",
			FilledSize: roundDown(order.Size, 2),
			AvgPrice:   order.Price,
			DryRun:     true,
		}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	payload, err := c.buildOrderPayload(order)
	if err != nil {
		return nil, fmt.Errorf("build order: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/order", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.OrderResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/order")
	if err != nil || resp.StatusCode() != http.StatusOK {
		return nil, venueError("post order", resp, err)
	}
	if !result.Success {
		return nil, orderRejection(result.ErrorMsg)
	}

	filled, avg := fillFromResponse(order, result)
	c.logger.Info("order posted",
		"order_id", result.OrderID,
		"status", result.Status,
		"token", order.TokenID,
		"side", order.Side,
		"size", order.Size,
		"price", order.Price,
		"filled", filled,
	)
	return &types.OrderResult{
		OrderID:    result.OrderID,
		Status:     result.Status,
		FilledSize: filled,
		AvgPrice:   avg,
	}, nil
}

// orderRejection classifies a 200-with-failure response. An unfilled FOK is
// retryable at a refreshed price; anything else is a bad request.
func orderRejection(msg string) error {
	kind := KindInvalidArgument
	if strings.Contains(strings.ToLower(msg), "fully filled") {
		kind = KindTransient
	}
	return &VenueError{Kind: kind, Op: "post order", Message: msg}
}

// fillFromResponse extracts filled size and average price from a post
// response. Status "matched" means the order crossed immediately; the venue
// reports the exchanged amounts as human-unit strings.
func fillFromResponse(order types.UserOrder, resp types.OrderResponse) (filled, avg float64) {
	if resp.Status != "matched" {
		return 0, 0
	}
	making, errM := strconv.ParseFloat(resp.MakingAmount, 64)
	taking, errT := strconv.ParseFloat(resp.TakingAmount, 64)
	if errM != nil || errT != nil || making <= 0 || taking <= 0 {
		return roundDown(order.Size, 2), order.Price
	}
	// BUY: making = USDC spent, taking = tokens received
	// SELL: making = tokens sold, taking = USDC received
	if order.Side == types.BUY {
		return taking, making / taking
	}
	return making, taking / making
}

// GetOpenOrders lists the account's live resting orders. Used on startup to
// reconcile the venue's view against the persisted ledger.
func (c *Client) GetOpenOrders(ctx context.Context) ([]types.OpenOrder, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.L2Headers("GET", "/data/orders", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result []types.OpenOrder
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/data/orders")
	if err != nil || resp.StatusCode() != http.StatusOK {
		return nil, venueError("get open orders", resp, err)
	}
	return result, nil
}

// CancelOrders cancels multiple orders by ID.
func (c *Client) CancelOrders(ctx context.Context, orderIDs []string) (*types.CancelResponse, error) {
	if len(orderIDs) == 0 {
		return &types.CancelResponse{}, nil
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel orders", "count", len(orderIDs))
		return &types.CancelResponse{Canceled: orderIDs}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	payload := struct {
		OrderIDs []string `json:"orderIDs"`
	}{OrderIDs: orderIDs}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal cancel request: %w", err)
	}
	headers, err := c.auth.L2Headers("DELETE", "/orders", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/orders")
	if err != nil || resp.StatusCode() != http.StatusOK {
		return nil, venueError("cancel orders", resp, err)
	}

	c.logger.Info("orders cancelled", "count", len(result.Canceled))
	return &result, nil
}

// CancelAll cancels every open order across all markets.
func (c *Client) CancelAll(ctx context.Context) (*types.CancelResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel all orders")
		return &types.CancelResponse{}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.L2Headers("DELETE", "/cancel-all", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Delete("/cancel-all")
	if err != nil || resp.StatusCode() != http.StatusOK {
		return nil, venueError("cancel all", resp, err)
	}

	c.logger.Warn("all orders cancelled", "count", len(result.Canceled))
	return &result, nil
}

// GetBalance returns the funder wallet's USDC collateral balance.
func (c *Client) GetBalance(ctx context.Context) (float64, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return 0, err
	}

	headers, err := c.auth.L2Headers("GET", "/balance-allowance", "")
	if err != nil {
		return 0, fmt.Errorf("l2 headers: %w", err)
	}

	var result struct {
		Balance string `json:"balance"`
	}
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(map[string]string{
			"asset_type":     "COLLATERAL",
			"signature_type": strconv.Itoa(int(c.auth.sigType)),
		}).
		SetResult(&result).
		Get("/balance-allowance")
	if err != nil || resp.StatusCode() != http.StatusOK {
		return 0, venueError("get balance", resp, err)
	}

	raw, err := strconv.ParseFloat(result.Balance, 64)
	if err != nil {
		return 0, &VenueError{Kind: KindFatal, Op: "get balance", Message: fmt.Sprintf("unparseable balance %q", result.Balance)}
	}
	return raw / 1e6, nil // venue reports 6-decimal USDC units
}

// DeriveAPIKey derives L2 API credentials via L1 authentication.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil || resp.StatusCode() != http.StatusOK {
		return nil, venueError("derive api key", resp, err)
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}
