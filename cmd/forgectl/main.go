package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/quantforge/quantforge/internal/config"
	"github.com/quantforge/quantforge/internal/exec"
	qlog "github.com/quantforge/quantforge/internal/log"
	"github.com/quantforge/quantforge/internal/models"
	"github.com/quantforge/quantforge/internal/store"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "forgectl",
		Short:         "Operator CLI for the strategy pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "config file path")
	root.AddCommand(statusCmd(), poolCmd(), liveCmd(), showCmd(), retireCmd(),
		emergencyResetCmd(), closeAllCmd(), validateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "forgectl:", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context) (*store.Store, *config.Config, error) {
	cfg, err := config.Load(config.Path(configPath))
	if err != nil {
		return nil, nil, err
	}
	// CLI output stays on the console regardless of the log dir.
	if err := qlog.Setup("forgectl", cfg.Logging.Level, ""); err != nil {
		return nil, nil, err
	}
	st, err := store.Open(ctx, cfg.Database.DSN, cfg.Database.QueryTimeout(), cfg.Database.MaxOpenConns,
		fmt.Sprintf("forgectl-%d", os.Getpid()))
	if err != nil {
		return nil, nil, err
	}
	return st, cfg, nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Pipeline depth per lifecycle status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, cfg, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			counts, err := store.NewStrategyRepo(st).CountByStatus(ctx)
			if err != nil {
				return err
			}
			for _, status := range []models.Status{
				models.StatusGenerated, models.StatusValidated,
				models.StatusActive, models.StatusLive,
				models.StatusRetired, models.StatusFailed,
			} {
				fmt.Printf("%-10s %d\n", status, counts[status])
			}
			fmt.Printf("pool       %d/%d\n", counts[models.StatusActive], cfg.Pool.MaxSize)
			return nil
		},
	}
}

func listCommand(use, short string, status models.Status) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, _, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			rows, err := store.NewStrategyRepo(st).ListByStatus(ctx, status, limit)
			if err != nil {
				return err
			}
			fmt.Printf("%-36s %-24s %-5s %-4s %8s %8s  %s\n",
				"ID", "NAME", "KIND", "TF", "SCORE", "LIVE", "LAST BACKTEST")
			for _, row := range rows {
				fmt.Printf("%-36s %-24s %-5s %-4s %8.1f %8s  %s\n",
					row.ID, row.Name, row.Kind, row.Timeframe,
					floatOr(row.ScoreBacktest, 0), formatScore(row.ScoreLive),
					formatTime(row.LastBacktestedAt))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func poolCmd() *cobra.Command {
	return listCommand("pool", "ACTIVE pool leaderboard, best first", models.StatusActive)
}

func liveCmd() *cobra.Command {
	return listCommand("live", "Strategies currently in live rotation", models.StatusLive)
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <strategy-id>",
		Short: "Full strategy record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("bad strategy id: %w", err)
			}
			ctx := cmd.Context()
			st, _, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			row, err := store.NewStrategyRepo(st).GetByID(ctx, id)
			if err != nil {
				return err
			}
			if row == nil {
				return fmt.Errorf("strategy %s not found", id)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(row)
		},
	}
}

func retireCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "retire <strategy-id>",
		Short: "Manually retire a strategy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("bad strategy id: %w", err)
			}
			ctx := cmd.Context()
			st, _, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := store.NewStrategyRepo(st).Retire(ctx, id, reason); err != nil {
				return err
			}
			fmt.Printf("retired %s: %s\n", id, reason)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual retirement", "retirement reason")
	return cmd
}

// publishControl sends one operator command over the redis control
// channel and reports how many executors received it.
func publishControl(ctx context.Context, command string) error {
	cfg, err := config.Load(config.Path(configPath))
	if err != nil {
		return err
	}
	if cfg.Venue.RedisAddr == "" {
		return fmt.Errorf("venue.redis_addr is empty; no control channel available")
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Venue.RedisAddr})
	defer rdb.Close()

	receivers, err := rdb.Publish(ctx, exec.ControlChannel, command).Result()
	if err != nil {
		return fmt.Errorf("publish %s: %w", command, err)
	}
	if receivers == 0 {
		return fmt.Errorf("%s sent but no executor is listening", command)
	}
	fmt.Printf("%s delivered to %d executor(s)\n", command, receivers)
	return nil
}

func emergencyResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "emergency-reset",
		Short: "Clear a tripped emergency stop on the running executor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return publishControl(cmd.Context(), exec.ControlEmergencyReset)
		},
	}
}

func closeAllCmd() *cobra.Command {
	var confirmed bool
	cmd := &cobra.Command{
		Use:   "close-all",
		Short: "Flatten every open position on the running executor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirmed {
				return fmt.Errorf("close-all flattens all positions; re-run with --yes")
			}
			return publishControl(cmd.Context(), exec.ControlCloseAll)
		},
	}
	cmd.Flags().BoolVar(&confirmed, "yes", false, "confirm flattening all positions")
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := config.Path(configPath)
			if _, err := config.Load(path); err != nil {
				return err
			}
			fmt.Printf("%s: ok\n", path)
			return nil
		},
	}
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func formatScore(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f", *v)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}
