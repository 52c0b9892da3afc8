// Package audit appends one CSV row per attempted mirror, whatever the
// outcome. The trail is the record the operator reconciles against the venue:
// every fill that reached the risk manager appears exactly once, with the
// decision, sizing, and final order status.
package audit

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var header = []string{
	"timestamp", "leader", "trade_id", "market_slug", "token_id", "side",
	"leader_size", "leader_price", "decision", "reason",
	"mirror_shares", "mirror_notional", "order_id", "order_status", "error",
}

// Entry is one attempted mirror.
type Entry struct {
	Time           time.Time
	Leader         string
	TradeID        string
	MarketSlug     string
	TokenID        string
	Side           string
	LeaderSize     float64
	LeaderPrice    float64
	Decision       string // accept / reject / skip / defer
	Reason         string
	MirrorShares   decimal.Decimal
	MirrorNotional decimal.Decimal
	OrderID        string
	OrderStatus    string
	Error          string
}

// Trail is an append-only CSV audit log. A single mutex serializes writers;
// every row is flushed before Record returns so a crash loses at most the
// row being written.
type Trail struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
}

// Open creates or appends to the trail at path, writing the header only when
// the file is new or empty.
func Open(path string) (*Trail, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit trail: %w", err)
	}

	t := &Trail{file: f, writer: csv.NewWriter(f)}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat audit trail: %w", err)
	}
	if info.Size() == 0 {
		if err := t.writeRow(header); err != nil {
			f.Close()
			return nil, err
		}
	}
	return t, nil
}

// Record appends one entry and flushes it to disk.
func (t *Trail) Record(e Entry) error {
	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return t.writeRow([]string{
		ts.UTC().Format(time.RFC3339),
		e.Leader,
		e.TradeID,
		e.MarketSlug,
		e.TokenID,
		e.Side,
		strconv.FormatFloat(e.LeaderSize, 'f', -1, 64),
		strconv.FormatFloat(e.LeaderPrice, 'f', -1, 64),
		e.Decision,
		e.Reason,
		e.MirrorShares.String(),
		e.MirrorNotional.String(),
		e.OrderID,
		e.OrderStatus,
		e.Error,
	})
}

func (t *Trail) writeRow(row []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.writer.Write(row); err != nil {
		return fmt.Errorf("write audit row: %w", err)
	}
	t.writer.Flush()
	return t.writer.Error()
}

// Close flushes and closes the underlying file.
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writer.Flush()
	if err := t.writer.Error(); err != nil {
		t.file.Close()
		return err
	}
	return t.file.Close()
}
