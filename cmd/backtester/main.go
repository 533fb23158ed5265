package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantforge/quantforge/internal/config"
	"github.com/quantforge/quantforge/internal/exec"
	qlog "github.com/quantforge/quantforge/internal/log"
	"github.com/quantforge/quantforge/internal/metrics"
	"github.com/quantforge/quantforge/internal/ohlcv"
	"github.com/quantforge/quantforge/internal/orchestrator"
	"github.com/quantforge/quantforge/internal/store"
	"github.com/quantforge/quantforge/internal/strategy"
)

func main() {
	var configPath string
	root := &cobra.Command{
		Use:           "backtester",
		Short:         "Backtest orchestrator: validates, evaluates and pools strategies",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "config.yaml", "config file path")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "backtester:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(config.Path(configPath))
	if err != nil {
		return err
	}
	if err := qlog.Setup("backtester", cfg.Logging.Level, cfg.Logging.Dir); err != nil {
		return err
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

	// The orchestrator only needs venue metadata, never order flow.
	venueCfg := cfg.Venue
	venueCfg.DryRun = true
	client, err := exec.NewClient(venueCfg, nil, nil)
	if err != nil {
		return err
	}
	if err := client.LoadMetadata(ctx); err != nil {
		return err
	}

	registry := metrics.NewRegistry()
	srv := metrics.NewServer(cfg.Metrics.ListenAddr, "backtester", registry)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	defer srv.Shutdown(context.Background())

	orch := orchestrator.New(st, strategy.NewDSLLoader(), reader, client, registry, cfg)
	log.Info().
		Int("workers_new", cfg.Backtesting.ThreadsValidated).
		Int("workers_retest", cfg.Backtesting.ThreadsRetest).
		Msg("backtester starting")
	return orch.Run(ctx)
}

func processID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("backtester-%s-%d", host, os.Getpid())
}
