package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"pricelog/internal/coingecko"
	"pricelog/internal/config"
	"pricelog/internal/cryptocompare"
	"pricelog/internal/runner"
	"pricelog/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath string
		asset      string
		dbPath     string
		timeout    time.Duration
		retries    int
		backoff    time.Duration
		backfill   int
		dryRun     bool
		cronSpec   string
		info       bool
	)

	flag.StringVar(&configPath, "config", "", "path to config.yaml (optional)")
	flag.StringVar(&asset, "asset", "", "asset symbol to record (default from config, ETH)")
	flag.StringVar(&dbPath, "db", "", "path to the SQLite price database")
	flag.DurationVar(&timeout, "timeout", 0, "wall-clock budget for the whole invocation")
	flag.IntVar(&retries, "retries", -1, "re-attempts after a transient fetch failure")
	flag.DurationVar(&backoff, "backoff", 0, "fixed wait between fetch attempts")
	flag.IntVar(&backfill, "backfill", 0, "append up to N days of close history, then exit")
	flag.BoolVar(&dryRun, "dry-run", false, "fetch and log without writing to the store")
	flag.StringVar(&cronSpec, "cron", "", "run on this cron schedule instead of once")
	flag.BoolVar(&info, "info", false, "print store summary for the asset, then exit")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("load config failed", "error", err.Error())
		return 1
	}

	// Flags override config file and environment.
	if asset != "" {
		cfg.Asset = asset
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if timeout > 0 {
		cfg.Timeout = timeout
	}
	if retries >= 0 {
		cfg.Retries = retries
	}
	if backoff > 0 {
		cfg.Backoff = backoff
	}
	if cronSpec != "" {
		cfg.CronSpec = cronSpec
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err.Error())
		return 1
	}

	if info {
		return printInfo(cfg, logger)
	}

	var st store.Store
	if dryRun {
		st = store.NewNoopStore()
	} else {
		sq, err := store.OpenSQLite(cfg.DBPath)
		if err != nil {
			return storeOpenExit(err, logger)
		}
		defer sq.Close()
		st = sq
	}

	if backfill > 0 {
		hf := cryptocompare.NewHistoryFetcher(cfg.Asset, cfg.CryptoCompareAPIKey, cfg.CryptoCompareBaseURL)
		r := runner.New(hf, st, cfg.Retries, cfg.Backoff, logger)
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		defer cancel()
		return r.Backfill(ctx, hf, backfill).ExitCode()
	}

	f := coingecko.NewPriceFetcher(cfg.Asset, cfg.CoinGeckoBaseURL)
	r := runner.New(f, st, cfg.Retries, cfg.Backoff, logger)

	if cfg.CronSpec != "" {
		return runDaemon(cfg.CronSpec, cfg.Timeout, r, logger)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	return r.Run(ctx).ExitCode()
}

// runDaemon runs one job pass per cron tick until SIGINT/SIGTERM. Overlap
// within the process is handled by Runner.Tick; the store's key constraint
// covers overlap across processes.
func runDaemon(spec string, timeout time.Duration, r *runner.Runner, logger *slog.Logger) int {
	c := cron.New()
	_, err := c.AddFunc(spec, r.Tick(timeout))
	if err != nil {
		logger.Error("invalid cron spec", "spec", spec, "error", err.Error())
		return 1
	}

	c.Start()
	logger.Info("daemon started", "cron", spec)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping")
	<-c.Stop().Done()
	return 0
}

// printInfo prints a one-line summary of the stored history for the asset.
func printInfo(cfg *config.Config, logger *slog.Logger) int {
	sq, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return storeOpenExit(err, logger)
	}
	defer sq.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	info, err := sq.AssetInfo(ctx, cfg.Asset)
	if err != nil {
		return storeOpenExit(err, logger)
	}

	if info.Records == 0 {
		fmt.Printf("%s: no records\n", cfg.Asset)
		return 0
	}
	fmt.Printf("%s: %d records, %s .. %s, latest %s\n",
		cfg.Asset, info.Records, info.FirstDate, info.LastDate, info.LatestPrice)
	return 0
}

func storeOpenExit(err error, logger *slog.Logger) int {
	logger.Error("store error", "error", err.Error())
	if errors.Is(err, store.ErrCorruptData) {
		return runner.Outcome{Status: runner.StatusCorruptData}.ExitCode()
	}
	return runner.Outcome{Status: runner.StatusStoreUnavailable}.ExitCode()
}
