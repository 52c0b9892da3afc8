// Package engine is the central orchestrator of the copy trader.
//
// It wires together all subsystems:
//
//  1. Monitor polls each leader wallet for new fills (fast loop).
//  2. Tracker refreshes leader portfolio snapshots (slow loop).
//  3. Risk manager sizes each fill into a mirror decision.
//  4. Executor places the order under the ledger's reserve-commit protocol.
//  5. An optional WebSocket feed triggers immediate polls when a leader
//     fill shows up on the tape before the Data API indexes it.
//
// Each leader runs through a small state machine — enabled, paused, faulted.
// Paused leaders keep their cursors advancing so a resume does not
// replay the pause window; faulted leaders (too many consecutive venue
// failures) stop entirely until an operator resumes them.
//
// Lifecycle: New() → Start() → [runs until SIGINT or control shutdown] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-copytrader/internal/audit"
	"polymarket-copytrader/internal/config"
	"polymarket-copytrader/internal/control"
	"polymarket-copytrader/internal/exchange"
	"polymarket-copytrader/internal/executor"
	"polymarket-copytrader/internal/feed"
	"polymarket-copytrader/internal/ledger"
	"polymarket-copytrader/internal/market"
	"polymarket-copytrader/internal/monitor"
	"polymarket-copytrader/internal/portfolio"
	"polymarket-copytrader/internal/risk"
	"polymarket-copytrader/internal/store"
	"polymarket-copytrader/pkg/types"
)

const (
	// maxConsecutiveFailures trips a leader into the faulted state.
	maxConsecutiveFailures = 5
	// drainTimeout bounds how long Stop waits for in-flight work.
	drainTimeout = 30 * time.Second
)

// Leader states.
const (
	stateEnabled = "enabled"
	statePaused  = "paused"
	stateFaulted = "faulted"
)

// fillSource yields new leader fills; satisfied by *monitor.Monitor.
type fillSource interface {
	Poll(ctx context.Context, leader config.TraderConfig) ([]types.FillEvent, error)
	ExportState() map[string]monitor.CursorState
	RestoreState(map[string]monitor.CursorState)
}

// placer executes accepted decisions; satisfied by *executor.Executor.
type placer interface {
	Execute(ctx context.Context, fill types.FillEvent, dec risk.Decision, meta *types.MarketMeta) error
	Reconcile(ctx context.Context) error
}

// metaSource resolves market metadata; satisfied by *market.Service.
type metaSource interface {
	ByConditionID(ctx context.Context, conditionID string) (*types.MarketMeta, error)
	Prime(meta *types.MarketMeta)
}

// leaderRun is one leader's live state.
type leaderRun struct {
	cfg      config.TraderConfig
	state    string
	failures int // consecutive poll/execute failures
}

// Engine orchestrates the copy-trading loops. It owns the lifecycle of all
// goroutines and the persistence of ledger and cursor state.
type Engine struct {
	cfg     config.Config
	client  *exchange.Client
	auth    *exchange.Auth
	meta    metaSource
	tracker *portfolio.Tracker
	mon     fillSource
	led     *ledger.Ledger
	riskMgr *risk.Manager
	exec    placer
	liveTap *feed.Feed // nil when the live feed is disabled
	store   *store.Store
	trail   *audit.Trail
	logger  *slog.Logger

	mu       sync.Mutex
	leaders  map[string]*leaderRun // by trader name
	deferred map[string][]store.DeferredFill

	startedAt time.Time
	stopping  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components.
// If L2 API credentials aren't configured, it derives them via L1 (EIP-712)
// auth — skipped in dry-run mode where no orders are signed.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	auth, err := exchange.NewAuth(cfg)
	if err != nil {
		return nil, err
	}

	client := exchange.NewClient(cfg, auth, logger)

	if !cfg.DryRun && !auth.HasL2Credentials() {
		logger.Info("no L2 credentials, deriving API key via L1...")
		creds, err := client.DeriveAPIKey(context.Background())
		if err != nil {
			return nil, err
		}
		auth.SetCredentials(*creds)
	}

	st, err := store.Open(cfg.StateDir)
	if err != nil {
		return nil, err
	}

	trailPath := cfg.Logging.TradesFile
	if trailPath == "" {
		trailPath = filepath.Join(cfg.StateDir, "audit.csv")
	}
	trail, err := audit.Open(trailPath)
	if err != nil {
		return nil, err
	}

	enabled := cfg.EnabledTraders()
	// Ledger keys are the configured wallet addresses, exactly as the
	// monitor stamps them onto fills.
	allocations := make(map[string]decimal.Decimal, len(enabled))
	for _, tr := range enabled {
		allocations[tr.WalletAddress] = decimal.NewFromFloat(tr.AllocatedCapital)
	}
	led := ledger.New(decimal.NewFromFloat(cfg.Risk.Global.MaxTotalExposure), allocations)

	var tap *feed.Feed
	if cfg.Monitoring.LiveFeed {
		tap = feed.New(cfg.API.WSMarketURL, enabled, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:      cfg,
		client:   client,
		auth:     auth,
		meta:     market.NewService(cfg, logger),
		tracker:  portfolio.NewTracker(client, logger),
		mon:      monitor.New(client, cfg.Monitoring.OverlapWindow, logger),
		led:      led,
		riskMgr:  risk.NewManager(cfg.Risk),
		liveTap:  tap,
		store:    st,
		trail:    trail,
		logger:   logger.With("component", "engine"),
		leaders:  make(map[string]*leaderRun, len(enabled)),
		deferred: make(map[string][]store.DeferredFill),
		ctx:      ctx,
		cancel:   cancel,
	}
	e.exec = executor.New(client, led, trail, logger)

	for _, tr := range enabled {
		e.leaders[tr.Name] = &leaderRun{cfg: tr, state: stateEnabled}
	}
	return e, nil
}

// Start restores persisted state and launches the polling loops.
func (e *Engine) Start() error {
	e.startedAt = time.Now()

	if snap, err := e.store.LoadLedger(); err != nil {
		return fmt.Errorf("load ledger: %w", err)
	} else if snap != nil {
		e.led.Restore(*snap)
		e.logger.Info("ledger restored",
			"positions", len(snap.Positions), "saved_at", snap.SavedAt)
	}
	if cursors, err := e.store.LoadCursors(); err != nil {
		return fmt.Errorf("load cursors: %w", err)
	} else if cursors != nil {
		e.mon.RestoreState(cursors)
		e.logger.Info("monitor cursors restored", "leaders", len(cursors))
	}
	// Deferred sells are past the monitor's seen set; without the queue they
	// would never resurface.
	if pending, err := e.store.LoadDeferred(); err != nil {
		return fmt.Errorf("load deferred fills: %w", err)
	} else if len(pending) > 0 {
		restored := 0
		e.mu.Lock()
		for name, fills := range pending {
			if _, ok := e.leaders[name]; ok {
				e.deferred[name] = fills
				restored += len(fills)
			}
		}
		e.mu.Unlock()
		e.logger.Info("deferred fills restored", "fills", restored)
	}

	// Orders resting from a previous run are stale against whatever the
	// leaders did while we were down.
	if !e.cfg.DryRun {
		if err := e.exec.Reconcile(e.ctx); err != nil {
			e.logger.Warn("open order reconciliation failed", "err", err)
		}
	}

	if e.liveTap != nil {
		e.watchPositionTokens()
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.liveTap.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("live feed error", "err", err)
			}
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.fastLoop()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.slowLoop()
	}()

	e.logger.Info("engine started",
		"leaders", len(e.leaders),
		"dry_run", e.cfg.DryRun,
		"poll_interval", e.cfg.Monitoring.PollInterval,
	)
	return nil
}

// Done is closed when the engine is shutting down.
func (e *Engine) Done() <-chan struct{} { return e.ctx.Done() }

// Stop shuts down gracefully: stops the loops, drains in-flight work (bounded),
// persists ledger and cursors, and closes resources.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.mu.Lock()
	e.stopping = true
	e.mu.Unlock()

	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		e.logger.Warn("drain timeout exceeded, forcing shutdown")
	}

	e.persist()

	if e.liveTap != nil {
		e.liveTap.Close()
	}
	e.trail.Close()
	e.store.Close()

	e.logger.Info("shutdown complete", "global_exposure", e.led.GlobalExposure())
}

// fastLoop polls leaders for fills every poll interval, and immediately when
// the live feed sights one of them on the tape.
func (e *Engine) fastLoop() {
	ticker := time.NewTicker(e.cfg.Monitoring.PollInterval)
	defer ticker.Stop()

	var sightings <-chan feed.Sighting
	if e.liveTap != nil {
		sightings = e.liveTap.Sightings()
	}

	// First tick establishes baselines before any mirroring.
	e.pollAll()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.pollAll()
			e.persist()
		case s := <-sightings:
			e.logger.Debug("tape sighting, polling early", "leader", s.Leader)
			if run := e.leaderByName(s.Leader); run != nil {
				e.pollLeader(run)
			}
		}
	}
}

// slowLoop refreshes leader portfolio snapshots.
func (e *Engine) slowLoop() {
	// Sync immediately so sizing has snapshots from the first fill on.
	e.syncAll()

	ticker := time.NewTicker(e.cfg.Monitoring.PortfolioSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.syncAll()
		}
	}
}

// pollAll polls every non-faulted leader in parallel.
func (e *Engine) pollAll() {
	var wg sync.WaitGroup
	for _, run := range e.activeLeaders() {
		wg.Add(1)
		go func(run *leaderRun) {
			defer wg.Done()
			e.pollLeader(run)
		}(run)
	}
	wg.Wait()
}

func (e *Engine) pollLeader(run *leaderRun) {
	name, cfg, state := e.leaderSnapshot(run)
	if state == stateFaulted {
		return
	}

	fills, err := e.mon.Poll(e.ctx, cfg)
	if err != nil {
		if e.ctx.Err() != nil {
			return
		}
		e.recordFailure(run, "poll", err)
		return
	}
	e.recordSuccess(run)

	pending := e.takeDeferred(name)
	if len(fills) == 0 && len(pending) == 0 {
		return
	}

	// Paused leaders advance their cursor without mirroring so a resume
	// does not replay the pause window.
	if state == statePaused {
		for _, df := range pending {
			e.led.MarkProcessed(df.Fill.TradeID)
		}
		for _, fill := range fills {
			e.led.MarkProcessed(fill.TradeID)
			e.logger.Info("fill skipped while paused", "leader", name, "trade", fill.TradeID)
		}
		return
	}

	for _, df := range pending {
		e.processFill(run, df.Fill, df.Attempt)
	}
	for _, fill := range fills {
		e.processFill(run, fill, 0)
	}
}

// processFill runs one fill through risk and execution.
func (e *Engine) processFill(run *leaderRun, fill types.FillEvent, attempt int) {
	if e.ctx.Err() != nil {
		return
	}
	if e.led.IsProcessed(fill.TradeID) {
		return
	}
	name, cfg, _ := e.leaderSnapshot(run)

	meta := e.marketMeta(fill)
	snap, _ := e.tracker.Get(fill.Wallet)

	dec := e.riskMgr.Decide(fill, cfg, snap, meta, e.led, attempt)
	switch dec.Verdict {
	case risk.Accept:
		if err := e.exec.Execute(e.ctx, fill, dec, meta); err != nil {
			e.recordFailure(run, "execute", err)
			return
		}
		e.recordSuccess(run)
		e.updateWatch(fill.TokenID)

	case risk.Defer:
		e.logger.Debug("fill deferred", "leader", name, "trade", fill.TradeID, "reason", dec.Reason)
		e.pushDeferred(name, store.DeferredFill{Fill: fill, Attempt: attempt + 1})

	default: // Reject or Skip
		e.led.MarkProcessed(fill.TradeID)
		e.logger.Info("fill not mirrored",
			"leader", name,
			"trade", fill.TradeID,
			"verdict", dec.Verdict.String(),
			"reason", dec.Reason,
		)
		e.recordAudit(fill, dec)
	}
}

// marketMeta resolves metadata from Gamma, falling back to the book's
// embedded constraints so an unindexed market can still trade.
func (e *Engine) marketMeta(fill types.FillEvent) *types.MarketMeta {
	meta, err := e.meta.ByConditionID(e.ctx, fill.ConditionID)
	if err == nil {
		return meta
	}
	e.logger.Debug("gamma metadata unavailable, trying book",
		"condition", fill.ConditionID, "err", err)

	book, berr := e.client.GetOrderBook(e.ctx, fill.TokenID)
	if berr != nil {
		e.logger.Warn("no metadata for market", "condition", fill.ConditionID, "err", berr)
		return nil
	}
	meta = market.MetaFromBook(book)
	// Cache the book-derived constraints so a burst of fills in an
	// unindexed market does not re-query Gamma every time.
	e.meta.Prime(meta)
	return meta
}

// syncAll refreshes portfolio snapshots for all non-faulted leaders.
func (e *Engine) syncAll() {
	var wg sync.WaitGroup
	for _, run := range e.activeLeaders() {
		wg.Add(1)
		go func(run *leaderRun) {
			defer wg.Done()
			_, cfg, _ := e.leaderSnapshot(run)
			if err := e.tracker.Sync(e.ctx, cfg.WalletAddress); err != nil && e.ctx.Err() == nil {
				e.recordFailure(run, "sync", err)
			}
		}(run)
	}
	wg.Wait()
}

// persist saves ledger, cursor, and deferred-fill state. Called after each
// tick and on stop; every write is an atomic replace.
func (e *Engine) persist() {
	if err := e.store.SaveLedger(e.led.Export()); err != nil {
		e.logger.Error("persist ledger failed", "err", err)
	}
	if err := e.store.SaveCursors(e.mon.ExportState()); err != nil {
		e.logger.Error("persist cursors failed", "err", err)
	}
	if err := e.store.SaveDeferred(e.exportDeferred()); err != nil {
		e.logger.Error("persist deferred fills failed", "err", err)
	}
}

func (e *Engine) exportDeferred() map[string][]store.DeferredFill {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string][]store.DeferredFill, len(e.deferred))
	for name, fills := range e.deferred {
		out[name] = append([]store.DeferredFill(nil), fills...)
	}
	return out
}

// updateWatch keeps the live feed subscribed to tokens we hold.
func (e *Engine) updateWatch(tokenID string) {
	if e.liveTap == nil {
		return
	}
	if _, held := e.led.PositionOf(tokenID); held {
		_ = e.liveTap.Watch([]string{tokenID})
	} else {
		_ = e.liveTap.Unwatch([]string{tokenID})
	}
}

func (e *Engine) watchPositionTokens() {
	positions := e.led.Positions()
	if len(positions) == 0 {
		return
	}
	ids := make([]string, len(positions))
	for i, pos := range positions {
		ids[i] = pos.TokenID
	}
	_ = e.liveTap.Watch(ids)
}

// ————————————————————————————————————————————————————————————————————————
// Leader state machine
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) activeLeaders() []*leaderRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*leaderRun, 0, len(e.leaders))
	for _, run := range e.leaders {
		if run.state != stateFaulted {
			out = append(out, run)
		}
	}
	return out
}

func (e *Engine) leaderByName(name string) *leaderRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaders[name]
}

func (e *Engine) leaderSnapshot(run *leaderRun) (name string, cfg config.TraderConfig, state string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return run.cfg.Name, run.cfg, run.state
}

func (e *Engine) recordFailure(run *leaderRun, op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run.failures++
	e.logger.Warn("leader operation failed",
		"leader", run.cfg.Name, "op", op, "failures", run.failures, "err", err)
	if run.failures >= maxConsecutiveFailures && run.state == stateEnabled {
		run.state = stateFaulted
		e.logger.Error("leader faulted after repeated failures",
			"leader", run.cfg.Name, "failures", run.failures)
	}
}

func (e *Engine) recordSuccess(run *leaderRun) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run.failures = 0
}

func (e *Engine) takeDeferred(name string) []store.DeferredFill {
	e.mu.Lock()
	defer e.mu.Unlock()
	pending := e.deferred[name]
	delete(e.deferred, name)
	return pending
}

func (e *Engine) pushDeferred(name string, df store.DeferredFill) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deferred[name] = append(e.deferred[name], df)
}

func (e *Engine) recordAudit(fill types.FillEvent, dec risk.Decision) {
	if e.trail == nil {
		return
	}
	err := e.trail.Record(audit.Entry{
		Time:           time.Now(),
		Leader:         fill.Leader,
		TradeID:        fill.TradeID,
		MarketSlug:     fill.MarketSlug,
		TokenID:        fill.TokenID,
		Side:           string(fill.Side),
		LeaderSize:     fill.Size,
		LeaderPrice:    fill.Price,
		Decision:       dec.Verdict.String(),
		Reason:         dec.Reason,
		MirrorShares:   dec.Shares,
		MirrorNotional: dec.Notional,
	})
	if err != nil {
		e.logger.Error("audit write failed", "trade", fill.TradeID, "err", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Control surface
// ————————————————————————————————————————————————————————————————————————

// PauseTrader suspends mirroring for a leader; its cursor keeps advancing.
func (e *Engine) PauseTrader(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.leaders[name]
	if !ok {
		return fmt.Errorf("unknown trader %q", name)
	}
	run.state = statePaused
	return nil
}

// ResumeTrader re-enables a paused or faulted leader and clears its failure
// count.
func (e *Engine) ResumeTrader(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.leaders[name]
	if !ok {
		return fmt.Errorf("unknown trader %q", name)
	}
	run.state = stateEnabled
	run.failures = 0
	return nil
}

// RequestShutdown triggers a graceful stop from the control surface.
func (e *Engine) RequestShutdown() {
	e.mu.Lock()
	e.stopping = true
	e.mu.Unlock()
	e.cancel()
}

// Status reports the engine state for the control surface.
func (e *Engine) Status() control.Status {
	e.mu.Lock()
	state := "running"
	if e.stopping {
		state = "stopping"
	}
	traders := make([]control.TraderStatus, 0, len(e.leaders))
	for _, run := range e.leaders {
		traders = append(traders, control.TraderStatus{
			Name:      run.cfg.Name,
			Wallet:    run.cfg.WalletAddress,
			State:     run.state,
			Exposure:  e.led.ExposureOf(run.cfg.WalletAddress).StringFixed(2),
			Allocated: decimal.NewFromFloat(run.cfg.AllocatedCapital).StringFixed(2),
			FailCount: run.failures,
		})
	}
	e.mu.Unlock()

	positions := e.led.Positions()
	posStatus := make([]control.PositionStatus, 0, len(positions))
	for _, pos := range positions {
		posStatus = append(posStatus, control.PositionStatus{
			TokenID:    pos.TokenID,
			MarketSlug: pos.MarketSlug,
			Outcome:    pos.Outcome,
			Size:       pos.Size.StringFixed(2),
			AvgEntry:   pos.AvgEntryPrice.StringFixed(4),
		})
	}

	return control.Status{
		State:            state,
		DryRun:           e.cfg.DryRun,
		UptimeSeconds:    int64(time.Since(e.startedAt).Seconds()),
		GlobalExposure:   e.led.GlobalExposure().StringFixed(2),
		MaxTotalExposure: decimal.NewFromFloat(e.cfg.Risk.Global.MaxTotalExposure).StringFixed(2),
		Traders:          traders,
		Positions:        posStatus,
	}
}
