// Package recorder appends each leader's trade history to a per-leader CSV.
//
// This is the standalone observation mode: no orders, no risk checks, just a
// durable record of what the watched wallets do. Each leader gets
// <name>.csv plus a cursor file so restarts resume without duplicating rows.
package recorder

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"polymarket-copytrader/internal/config"
	"polymarket-copytrader/pkg/types"
)

const maxTradesPerPoll = 500

var header = []string{
	"timestamp", "trade_id", "market_slug", "outcome", "side",
	"size", "price", "notional", "tx_hash",
}

// TradesFetcher is the slice of the venue client the recorder needs.
type TradesFetcher interface {
	GetTrades(ctx context.Context, wallet string, sinceTS int64, maxTrades int) ([]types.Trade, error)
}

// cursor marks how far a leader's history has been recorded. IDs at the
// boundary timestamp disambiguate trades sharing the same second.
type cursor struct {
	LastTS      int64    `json:"last_ts"`
	IDsAtLastTS []string `json:"ids_at_last_ts"`
}

// Recorder polls leader wallets and appends their trades to CSV files.
type Recorder struct {
	client   TradesFetcher
	dir      string
	interval time.Duration
	logger   *slog.Logger
}

// New creates a recorder writing under cfg.OutputDir.
func New(client TradesFetcher, cfg config.TrackingConfig, logger *slog.Logger) *Recorder {
	return &Recorder{
		client:   client,
		dir:      cfg.OutputDir,
		interval: cfg.PollInterval,
		logger:   logger.With("component", "recorder"),
	}
}

// Run polls all leaders until the context is cancelled.
func (r *Recorder) Run(ctx context.Context, leaders []config.TraderConfig) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	r.logger.Info("recording leader trades", "leaders", len(leaders), "dir", r.dir)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		for _, leader := range leaders {
			n, err := r.RecordOnce(ctx, leader)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.logger.Warn("record poll failed", "leader", leader.Name, "err", err)
				continue
			}
			if n > 0 {
				r.logger.Info("recorded trades", "leader", leader.Name, "count", n)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RecordOnce fetches and appends one leader's new trades, returning how many
// rows were written.
func (r *Recorder) RecordOnce(ctx context.Context, leader config.TraderConfig) (int, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return 0, fmt.Errorf("create output dir: %w", err)
	}

	cur, err := r.loadCursor(leader.Name)
	if err != nil {
		return 0, err
	}

	// Reach back one second so boundary trades are re-fetched; the ID set
	// filters the ones already written.
	since := cur.LastTS - 1
	if since < 0 {
		since = 0
	}
	trades, err := r.client.GetTrades(ctx, leader.WalletAddress, since, maxTradesPerPoll)
	if err != nil {
		return 0, fmt.Errorf("fetch trades for %s: %w", leader.Name, err)
	}

	boundary := make(map[string]bool, len(cur.IDsAtLastTS))
	for _, id := range cur.IDsAtLastTS {
		boundary[id] = true
	}

	fresh := trades[:0]
	for _, tr := range trades {
		if tr.Timestamp < cur.LastTS || boundary[tr.ID] {
			continue
		}
		fresh = append(fresh, tr)
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	if err := r.appendRows(leader.Name, fresh); err != nil {
		return 0, err
	}

	next := cursor{LastTS: cur.LastTS, IDsAtLastTS: cur.IDsAtLastTS}
	for _, tr := range fresh {
		if tr.Timestamp > next.LastTS {
			next.LastTS = tr.Timestamp
			next.IDsAtLastTS = next.IDsAtLastTS[:0]
		}
		if tr.Timestamp == next.LastTS {
			next.IDsAtLastTS = append(next.IDsAtLastTS, tr.ID)
		}
	}
	if err := r.saveCursor(leader.Name, next); err != nil {
		return 0, err
	}
	return len(fresh), nil
}

func (r *Recorder) appendRows(name string, trades []types.Trade) error {
	path := filepath.Join(r.dir, name+".csv")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		if err := w.Write(header); err != nil {
			return err
		}
	}
	for _, tr := range trades {
		row := []string{
			time.Unix(tr.Timestamp, 0).UTC().Format(time.RFC3339),
			tr.ID,
			tr.Slug,
			tr.Outcome,
			tr.Side,
			strconv.FormatFloat(tr.Size, 'f', -1, 64),
			strconv.FormatFloat(tr.Price, 'f', -1, 64),
			strconv.FormatFloat(tr.Size*tr.Price, 'f', 2, 64),
			tr.TransactionHash,
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func (r *Recorder) cursorPath(name string) string {
	return filepath.Join(r.dir, name+".cursor.json")
}

func (r *Recorder) loadCursor(name string) (cursor, error) {
	var cur cursor
	data, err := os.ReadFile(r.cursorPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return cur, nil
		}
		return cur, fmt.Errorf("read cursor: %w", err)
	}
	if err := json.Unmarshal(data, &cur); err != nil {
		return cur, fmt.Errorf("unmarshal cursor: %w", err)
	}
	return cur, nil
}

func (r *Recorder) saveCursor(name string, cur cursor) error {
	data, err := json.Marshal(cur)
	if err != nil {
		return fmt.Errorf("marshal cursor: %w", err)
	}
	path := r.cursorPath(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	return os.Rename(tmp, path)
}
