// Package market fetches per-market metadata from the Gamma API.
//
// The sizing and execution paths need a handful of facts about each market a
// leader trades: tick size and minimum order size (order placement), neg-risk
// flag (exchange contract selection), liquidity and category (risk filters).
// Metadata is cached per condition ID with a TTL so a burst of fills in the
// same market costs one Gamma request, and the CLOB /book response serves as
// a fallback for the trading constraints when Gamma has no record.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-copytrader/internal/config"
	"polymarket-copytrader/pkg/types"
)

// ErrNotFound is returned when no Gamma market matches the condition ID.
var ErrNotFound = errors.New("market not found")

// metaTTL bounds how long a cached MarketMeta is served. Liquidity drifts,
// but tick size and neg-risk are fixed per market, so a coarse TTL is fine.
const metaTTL = 10 * time.Minute

// GammaMarket is the JSON shape returned by the Gamma API.
type GammaMarket struct {
	ID                    string  `json:"id"`
	Question              string  `json:"question"`
	ConditionID           string  `json:"conditionId"`
	Slug                  string  `json:"slug"`
	Category              string  `json:"category"`
	Active                bool    `json:"active"`
	Closed                bool    `json:"closed"`
	AcceptingOrders       bool    `json:"acceptingOrders"`
	EndDate               string  `json:"endDate"`
	Liquidity             string  `json:"liquidity"`
	ClobTokenIds          string  `json:"clobTokenIds"`
	NegRisk               bool    `json:"negRisk"`
	OrderPriceMinTickSize float64 `json:"orderPriceMinTickSize"`
	OrderMinSize          float64 `json:"orderMinSize"`
}

// Service fetches and caches market metadata keyed by condition ID.
type Service struct {
	httpClient *resty.Client
	logger     *slog.Logger

	mu    sync.RWMutex
	cache map[string]*types.MarketMeta // conditionID → meta
}

// NewService creates a metadata service backed by the Gamma API.
func NewService(cfg config.Config, logger *slog.Logger) *Service {
	client := resty.New().
		SetBaseURL(cfg.API.GammaBaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Service{
		httpClient: client,
		logger:     logger.With("component", "market"),
		cache:      make(map[string]*types.MarketMeta),
	}
}

// ByConditionID returns metadata for a market, serving from cache when fresh.
func (s *Service) ByConditionID(ctx context.Context, conditionID string) (*types.MarketMeta, error) {
	s.mu.RLock()
	meta, ok := s.cache[conditionID]
	s.mu.RUnlock()
	if ok && time.Since(meta.FetchedAt) < metaTTL {
		return meta, nil
	}

	fetched, err := s.fetch(ctx, "condition_ids", conditionID)
	if err != nil {
		// Serve a stale entry over a hard failure; the caller's filters
		// still see real (if dated) liquidity numbers.
		if ok && !errors.Is(err, ErrNotFound) {
			s.logger.Warn("gamma fetch failed, serving stale metadata",
				"condition_id", conditionID, "age", time.Since(meta.FetchedAt), "error", err)
			return meta, nil
		}
		return nil, err
	}

	s.mu.Lock()
	s.cache[conditionID] = fetched
	s.mu.Unlock()
	return fetched, nil
}

// BySlug returns metadata looked up by market slug (uncached; CLI use).
func (s *Service) BySlug(ctx context.Context, slug string) (*types.MarketMeta, error) {
	return s.fetch(ctx, "slug", slug)
}

// Prime inserts metadata built elsewhere (e.g. from a /book response) so the
// fast path has trading constraints before Gamma answers.
func (s *Service) Prime(meta *types.MarketMeta) {
	if meta == nil || meta.ConditionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.cache[meta.ConditionID]; ok && time.Since(existing.FetchedAt) < metaTTL {
		return
	}
	s.cache[meta.ConditionID] = meta
}

func (s *Service) fetch(ctx context.Context, param, value string) (*types.MarketMeta, error) {
	var page []GammaMarket
	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetQueryParam(param, value).
		SetResult(&page).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("fetch market %s=%s: %w", param, value, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch market %s=%s: status %d", param, value, resp.StatusCode())
	}
	if len(page) == 0 {
		return nil, fmt.Errorf("market %s=%s: %w", param, value, ErrNotFound)
	}
	return convertToMeta(page[0]), nil
}

// convertToMeta transforms a Gamma API response into the internal MarketMeta
// type. It parses JSON-encoded token IDs, maps the numeric tick size to the
// TickSize enum, and converts string fields to their typed equivalents.
func convertToMeta(gm GammaMarket) *types.MarketMeta {
	liquidity, _ := strconv.ParseFloat(gm.Liquidity, 64)

	// Token IDs arrive as a JSON array string like "[\"id1\",\"id2\"]"
	var tokenIDs []string
	if gm.ClobTokenIds != "" {
		var ids []string
		if err := json.Unmarshal([]byte(gm.ClobTokenIds), &ids); err == nil {
			tokenIDs = ids
		}
	}
	var yesToken, noToken string
	if len(tokenIDs) >= 2 {
		yesToken = tokenIDs[0]
		noToken = tokenIDs[1]
	}

	endDate, _ := time.Parse(time.RFC3339, gm.EndDate)

	return &types.MarketMeta{
		ConditionID:     gm.ConditionID,
		Slug:            gm.Slug,
		Question:        gm.Question,
		Category:        gm.Category,
		YesTokenID:      yesToken,
		NoTokenID:       noToken,
		TickSize:        types.TickSizeFromFloat(gm.OrderPriceMinTickSize),
		MinOrderSize:    gm.OrderMinSize,
		NegRisk:         gm.NegRisk,
		Liquidity:       liquidity,
		Active:          gm.Active,
		Closed:          gm.Closed,
		AcceptingOrders: gm.AcceptingOrders,
		EndDate:         endDate,
		FetchedAt:       time.Now(),
	}
}

// MetaFromBook builds partial metadata from a CLOB /book response. Category
// and liquidity are unknown on this path, so callers must treat them as
// unfiltered rather than zero.
func MetaFromBook(book *types.BookResponse) *types.MarketMeta {
	minSize, _ := strconv.ParseFloat(book.MinOrderSize, 64)
	tick, _ := strconv.ParseFloat(book.TickSize, 64)

	return &types.MarketMeta{
		ConditionID:  book.Market,
		TickSize:     types.TickSizeFromFloat(tick),
		MinOrderSize: minSize,
		NegRisk:      book.NegRisk,
		Liquidity:    -1, // unknown, skip the liquidity gate
		FetchedAt:    time.Now(),
	}
}
