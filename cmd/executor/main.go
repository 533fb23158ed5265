package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/quantforge/quantforge/internal/config"
	"github.com/quantforge/quantforge/internal/exec"
	qlog "github.com/quantforge/quantforge/internal/log"
	"github.com/quantforge/quantforge/internal/metrics"
	"github.com/quantforge/quantforge/internal/ohlcv"
	"github.com/quantforge/quantforge/internal/risk"
	"github.com/quantforge/quantforge/internal/store"
	"github.com/quantforge/quantforge/internal/strategy"
	"github.com/quantforge/quantforge/internal/trailing"
)

func main() {
	var configPath string
	root := &cobra.Command{
		Use:           "executor",
		Short:         "Live execution core: orders, trailing stops, trade recording",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "config.yaml", "config file path")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "executor:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(config.Path(configPath))
	if err != nil {
		return err
	}
	if err := qlog.Setup("executor", cfg.Logging.Level, cfg.Logging.Dir); err != nil {
		return err
	}
	if !cfg.Venue.DryRun {
		if err := confirmLive(cfg.Venue.SubaccountID); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database.DSN, cfg.Database.QueryTimeout(), cfg.Database.MaxOpenConns, processID())
	if err != nil {
		return err
	}
	defer st.Close()

	reader, err := ohlcv.NewReader(cfg.Cache.Dir)
	if err != nil {
		return err
	}

	cred, err := store.NewCredentialRepo(st).GetActive(ctx, cfg.Venue.SubaccountID)
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.Venue.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Venue.RedisAddr})
		defer rdb.Close()
	}

	client, err := exec.NewClient(cfg.Venue, cred, rdb)
	if err != nil {
		return err
	}
	if err := client.LoadMetadata(ctx); err != nil {
		return err
	}

	registry := metrics.NewRegistry()
	srv := metrics.NewServer(cfg.Metrics.ListenAddr, "executor", registry)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	defer srv.Shutdown(context.Background())

	trail := trailing.NewService(cfg.Risk.Trailing, client)
	trail.Updated = registry.TrailingUpdates
	stopGuard := risk.NewEmergencyStop(cfg.Risk.Emergency.MaxPortfolioDrawdown, cfg.Risk.Emergency.MaxConsecutiveLosses)
	trader := exec.NewTrader(client, trail, store.NewTradeRepo(st), stopGuard, cfg.Risk, registry)

	feed := exec.NewMidsFeed(cfg.Venue.WSURL, client)
	feed.Subscribe(func(ctx context.Context, symbol string, price float64) {
		if err := trail.OnPriceUpdate(ctx, symbol, price); err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("trailing update failed")
		}
	})

	runner := exec.NewRunner(store.NewStrategyRepo(st), strategy.NewDSLLoader(), reader, trader, cfg)

	errCh := make(chan error, 3)
	go func() { errCh <- feed.Run(ctx) }()
	go func() { errCh <- runner.Run(ctx) }()
	go func() { errCh <- exec.WatchControl(ctx, rdb, trader, stopGuard) }()

	log.Info().
		Bool("dry_run", cfg.Venue.DryRun).
		Str("subaccount", cfg.Venue.SubaccountID).
		Msg("executor started")

	err = <-errCh
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// confirmLive demands an interactive acknowledgement before real order
// flow. A non-TTY stdin (service manager) skips the prompt; the config
// flag is the guard there.
func confirmLive(subaccount string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}
	fmt.Printf("Live trading on subaccount %s. Type LIVE to continue: ", subaccount)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return fmt.Errorf("read confirmation: %w", err)
	}
	if strings.TrimSpace(line) != "LIVE" {
		return errors.New("live trading not confirmed")
	}
	return nil
}

func processID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("executor-%s-%d", host, os.Getpid())
}
