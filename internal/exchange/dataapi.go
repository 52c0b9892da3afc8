package exchange

import (
	"context"
	"net/http"
	"sort"
	"strconv"

	"polymarket-copytrader/pkg/types"
)

// dataPageSize is the page size for paginated Data API endpoints.
const dataPageSize = 100

// GetTrades returns a wallet's trades strictly newer than sinceTS, oldest
// first. The Data API serves newest-first pages, so pagination walks back in
// time until it crosses sinceTS, exhausts the history, or hits maxTrades.
// When maxTrades truncates, the most recent trades win.
func (c *Client) GetTrades(ctx context.Context, wallet string, sinceTS int64, maxTrades int) ([]types.Trade, error) {
	var collected []types.Trade

	for offset := 0; ; offset += dataPageSize {
		if err := c.rl.Data.Wait(ctx); err != nil {
			return nil, err
		}

		var page []types.Trade
		resp, err := c.data.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"user":      wallet,
				"limit":     strconv.Itoa(dataPageSize),
				"offset":    strconv.Itoa(offset),
				"takerOnly": "false",
			}).
			SetResult(&page).
			Get("/trades")
		if err != nil || resp.StatusCode() != http.StatusOK {
			return nil, venueError("get trades", resp, err)
		}

		done := false
		for _, t := range page {
			if t.Timestamp <= sinceTS {
				done = true
				break
			}
			collected = append(collected, t)
			if len(collected) >= maxTrades {
				done = true
				break
			}
		}
		if done || len(page) < dataPageSize {
			break
		}
	}

	sort.SliceStable(collected, func(i, j int) bool {
		return collected[i].Timestamp < collected[j].Timestamp
	})
	return collected, nil
}

// GetPositions returns a wallet's current positions. sizeThreshold filters
// out dust positions below that token count.
func (c *Client) GetPositions(ctx context.Context, wallet string, sizeThreshold float64) ([]types.Position, error) {
	var all []types.Position

	for offset := 0; ; offset += dataPageSize {
		if err := c.rl.Data.Wait(ctx); err != nil {
			return nil, err
		}

		var page []types.Position
		resp, err := c.data.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"user":          wallet,
				"sizeThreshold": strconv.FormatFloat(sizeThreshold, 'f', -1, 64),
				"limit":         strconv.Itoa(dataPageSize),
				"offset":        strconv.Itoa(offset),
			}).
			SetResult(&page).
			Get("/positions")
		if err != nil || resp.StatusCode() != http.StatusOK {
			return nil, venueError("get positions", resp, err)
		}

		all = append(all, page...)
		if len(page) < dataPageSize {
			break
		}
	}
	return all, nil
}

// GetPortfolioValue returns the total current value of a wallet's positions
// in USDC as reported by the Data API.
func (c *Client) GetPortfolioValue(ctx context.Context, wallet string) (float64, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return 0, err
	}

	var result []struct {
		User  string  `json:"user"`
		Value float64 `json:"value"`
	}
	resp, err := c.data.R().
		SetContext(ctx).
		SetQueryParam("user", wallet).
		SetResult(&result).
		Get("/value")
	if err != nil || resp.StatusCode() != http.StatusOK {
		return 0, venueError("get portfolio value", resp, err)
	}

	if len(result) == 0 {
		return 0, nil
	}
	return result[0].Value, nil
}
