// Polymarket Copy Trader — mirrors selected leader wallets' trades on
// Polymarket binary prediction markets, sized by conviction and bounded by
// per-leader and global exposure caps.
//
// Architecture:
//
//	main.go              — entry point: subcommand dispatch, signal handling
//	engine/engine.go     — orchestrator: fast fill loop + slow portfolio loop per leader
//	monitor/monitor.go   — per-leader trade polling with overlap window and dedup
//	portfolio/tracker.go — leader portfolio snapshots (deployment rate, position deltas)
//	risk/manager.go      — pure sizing + gate cascade: fill → mirror decision
//	ledger/ledger.go     — exposure accounting under a reserve-commit protocol
//	executor/executor.go — order placement: GTC buys, FOK sells, retry with backoff
//	market/meta.go       — Gamma metadata cache (tick size, category, liquidity)
//	feed/feed.go         — public market WebSocket tape for early leader sightings
//	exchange/client.go   — REST client for the CLOB and Data APIs
//	exchange/auth.go     — L1 (EIP-712) and L2 (HMAC) authentication
//	control/control.go   — localhost HTTP control surface (status/pause/resume/stop)
//	recorder/recorder.go — standalone leader trade history recorder
//	store/store.go       — crash-safe JSON persistence for ledger and cursors
//
// How it trades:
//
//	Each leader wallet is polled for new fills. A leader buy is mirrored in
//	proportion to the conviction it represents — the fill's notional as a
//	share of the leader's portfolio — scaled onto the capital allocated to
//	that leader. A leader sell unwinds the same fraction of the mirror
//	position. The exposure ledger enforces the per-leader and global caps
//	atomically, so no burst of fills can overcommit the account.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"polymarket-copytrader/internal/config"
	"polymarket-copytrader/internal/control"
	"polymarket-copytrader/internal/engine"
	"polymarket-copytrader/internal/exchange"
	"polymarket-copytrader/internal/recorder"
)

// Exit codes.
const (
	exitOK          = 0
	exitConfig      = 1
	exitAuth        = 2
	exitFatal       = 3
	exitNotRunning  = 4
	exitUnknownName = 5
)

const defaultControlAddr = "127.0.0.1:7801"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitConfig)
	}

	switch os.Args[1] {
	case "start":
		os.Exit(cmdStart(os.Args[2:]))
	case "status":
		os.Exit(cmdStatus(os.Args[2:]))
	case "pause":
		os.Exit(cmdPauseResume("pause", os.Args[2:]))
	case "resume":
		os.Exit(cmdPauseResume("resume", os.Args[2:]))
	case "stop":
		os.Exit(cmdStop(os.Args[2:]))
	case "track-trades":
		os.Exit(cmdTrackTrades(os.Args[2:]))
	case "check-balance":
		os.Exit(cmdCheckBalance(os.Args[2:]))
	case "derive-creds":
		os.Exit(cmdDeriveCreds(os.Args[2:]))
	case "-h", "--help", "help":
		usage()
		os.Exit(exitOK)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(exitConfig)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: copytrader <command> [flags]

commands:
  start          run the copy-trading engine
  status         show engine and per-leader state
  pause          pause mirroring for one leader
  resume         resume a paused or faulted leader
  stop           gracefully stop a running engine
  track-trades   record leader trade history without trading
  check-balance  print the follower wallet's balance and portfolio value
  derive-creds   derive L2 API credentials from the private key
`)
}

// loadConfig parses --config (plus any extra flags already registered on fs).
func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, error) {
	path := fs.String("config", "configs/config.yaml", "path to config file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if p := os.Getenv("POLY_CONFIG"); p != "" && !flagSet(fs, "config") {
		*path = p
	}

	cfg, err := config.Load(*path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func flagSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func newLogger(cfg *config.Config) *slog.Logger {
	var out io.Writer = os.Stdout
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot open log file %s: %v; logging to stdout only\n",
				cfg.Logging.File, err)
		} else {
			out = io.MultiWriter(os.Stdout, f)
		}
	}

	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}

func cmdStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		slog.Error("invalid config", "error", err)
		return exitConfig
	}
	logger := newLogger(cfg)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		if exchange.IsAuth(err) {
			return exitAuth
		}
		return exitFatal
	}

	ctrl := control.NewServer(cfg.ControlAddr, eng, logger)
	go func() {
		if err := ctrl.Start(); err != nil {
			logger.Error("control server failed", "error", err)
		}
	}()

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		return exitFatal
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("polymarket copy trader started",
		"leaders", len(cfg.EnabledTraders()),
		"max_exposure", cfg.Risk.Global.MaxTotalExposure,
		"dry_run", cfg.DryRun,
	)

	// Run until SIGINT/SIGTERM or a control-surface shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-eng.Done():
		logger.Info("shutdown requested via control server")
	}

	if err := ctrl.Stop(); err != nil {
		logger.Error("failed to stop control server", "error", err)
	}
	eng.Stop()
	return exitOK
}

func cmdStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := fs.String("addr", defaultControlAddr, "control server address")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	resp, err := controlGet(*addr, "/status")
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine not running at %s: %v\n", *addr, err)
		return exitNotRunning
	}
	defer resp.Body.Close()

	var st control.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		fmt.Fprintf(os.Stderr, "bad status response: %v\n", err)
		return exitFatal
	}

	fmt.Printf("state: %s   dry_run: %v   uptime: %s\n",
		st.State, st.DryRun, (time.Duration(st.UptimeSeconds) * time.Second))
	fmt.Printf("exposure: %s / %s\n\n", st.GlobalExposure, st.MaxTotalExposure)

	fmt.Printf("%-16s %-10s %12s %12s %8s\n", "LEADER", "STATE", "EXPOSURE", "ALLOCATED", "FAULTS")
	for _, tr := range st.Traders {
		fmt.Printf("%-16s %-10s %12s %12s %8d\n",
			tr.Name, tr.State, tr.Exposure, tr.Allocated, tr.FailCount)
	}
	if len(st.Positions) > 0 {
		fmt.Printf("\n%-44s %-10s %10s %10s\n", "MARKET", "OUTCOME", "SIZE", "AVG")
		for _, pos := range st.Positions {
			fmt.Printf("%-44s %-10s %10s %10s\n",
				pos.MarketSlug, pos.Outcome, pos.Size, pos.AvgEntry)
		}
	}
	return exitOK
}

func cmdPauseResume(action string, args []string) int {
	fs := flag.NewFlagSet(action, flag.ExitOnError)
	addr := fs.String("addr", defaultControlAddr, "control server address")
	name := fs.String("trader-name", "", "configured trader name")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if *name == "" {
		fmt.Fprintln(os.Stderr, "--trader-name is required")
		return exitConfig
	}

	resp, err := controlPost(*addr, "/traders/"+*name+"/"+action)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine not running at %s: %v\n", *addr, err)
		return exitNotRunning
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		fmt.Fprintf(os.Stderr, "unknown trader %q\n", *name)
		return exitUnknownName
	}
	fmt.Printf("%sd %s\n", action, *name)
	return exitOK
}

func cmdStop(args []string) int {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	addr := fs.String("addr", defaultControlAddr, "control server address")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	resp, err := controlPost(*addr, "/shutdown")
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine not running at %s: %v\n", *addr, err)
		return exitNotRunning
	}
	resp.Body.Close()
	fmt.Println("shutdown requested")
	return exitOK
}

func cmdTrackTrades(args []string) int {
	fs := flag.NewFlagSet("track-trades", flag.ExitOnError)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		slog.Error("invalid config", "error", err)
		return exitConfig
	}
	logger := newLogger(cfg)

	auth, err := exchange.NewAuth(*cfg)
	if err != nil {
		logger.Error("auth setup failed", "error", err)
		return exitAuth
	}
	client := exchange.NewClient(*cfg, auth, logger)
	rec := recorder.New(client, cfg.TradeTracking, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rec.Run(ctx, cfg.EnabledTraders()); err != nil && ctx.Err() == nil {
		logger.Error("recorder failed", "error", err)
		return exitFatal
	}
	return exitOK
}

func cmdCheckBalance(args []string) int {
	fs := flag.NewFlagSet("check-balance", flag.ExitOnError)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		slog.Error("invalid config", "error", err)
		return exitConfig
	}
	logger := newLogger(cfg)

	auth, err := exchange.NewAuth(*cfg)
	if err != nil {
		logger.Error("auth setup failed", "error", err)
		return exitAuth
	}
	client := exchange.NewClient(*cfg, auth, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if !auth.HasL2Credentials() {
		creds, err := client.DeriveAPIKey(ctx)
		if err != nil {
			logger.Error("failed to derive credentials", "error", err)
			return exitAuth
		}
		auth.SetCredentials(*creds)
	}

	balance, err := client.GetBalance(ctx)
	if err != nil {
		logger.Error("failed to fetch balance", "error", err)
		return exitFatal
	}
	value, err := client.GetPortfolioValue(ctx, auth.FunderAddress().Hex())
	if err != nil {
		logger.Error("failed to fetch portfolio value", "error", err)
		return exitFatal
	}

	fmt.Printf("wallet:          %s\n", auth.FunderAddress().Hex())
	fmt.Printf("usdc balance:    %.2f\n", balance)
	fmt.Printf("portfolio value: %.2f\n", value)
	return exitOK
}

func cmdDeriveCreds(args []string) int {
	fs := flag.NewFlagSet("derive-creds", flag.ExitOnError)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		slog.Error("invalid config", "error", err)
		return exitConfig
	}
	logger := newLogger(cfg)

	auth, err := exchange.NewAuth(*cfg)
	if err != nil {
		logger.Error("auth setup failed", "error", err)
		return exitAuth
	}
	client := exchange.NewClient(*cfg, auth, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	creds, err := client.DeriveAPIKey(ctx)
	if err != nil {
		logger.Error("failed to derive credentials", "error", err)
		return exitAuth
	}

	fmt.Println("export POLY_API_KEY=" + creds.ApiKey)
	fmt.Println("export POLY_API_SECRET=" + creds.Secret)
	fmt.Println("export POLY_PASSPHRASE=" + creds.Passphrase)
	return exitOK
}

func controlGet(addr, path string) (*http.Response, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	return client.Get("http://" + addr + path)
}

func controlPost(addr, path string) (*http.Response, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	return client.Post("http://"+addr+path, "", nil)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
