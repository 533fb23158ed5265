package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantforge/quantforge/internal/config"
	qlog "github.com/quantforge/quantforge/internal/log"
	"github.com/quantforge/quantforge/internal/rotator"
	"github.com/quantforge/quantforge/internal/store"
)

func main() {
	var configPath string
	root := &cobra.Command{
		Use:           "rotator",
		Short:         "Rotates the best ACTIVE strategies into the LIVE set",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "config.yaml", "config file path")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rotator:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(config.Path(configPath))
	if err != nil {
		return err
	}
	if err := qlog.Setup("rotator", cfg.Logging.Level, cfg.Logging.Dir); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database.DSN, cfg.Database.QueryTimeout(), cfg.Database.MaxOpenConns, processID())
	if err != nil {
		return err
	}
	defer st.Close()

	log.Info().Int("max_live", cfg.Rotator.MaxLive).Msg("rotator starting")
	err = rotator.New(st, cfg.Rotator, cfg.Pool.MaxSize).Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func processID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("rotator-%s-%d", host, os.Getpid())
}
