package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/safeshift/backend/internal/alerting"
	"github.com/safeshift/backend/internal/config"
	"github.com/safeshift/backend/internal/db"
	"github.com/safeshift/backend/internal/events"
	"github.com/safeshift/backend/internal/models"
	"github.com/safeshift/backend/internal/risk"
)

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "safeshiftctl",
		Short:         "Operate the SafeShift risk engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.AddCommand(newMigrateCmd(), newScoreCmd(), newForecastCmd(), newAlertsCmd(), newEventsCmd())
	return root
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("applying schema: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}

func newScoreCmd() *cobra.Command {
	var in risk.ScoreInput
	var category string

	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score a single shift without storing it",
		Long: `Compute the 0-100 risk score and zone for one shift.

Example:
  safeshiftctl score --rested 3 --category night --duration 16 --load 15 --strain 9`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Category = models.ShiftCategory(category)
			score, err := risk.Score(in)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), score)
		},
	}
	cmd.Flags().Float64Var(&in.HoursRested, "rested", 8, "hours rested before the shift")
	cmd.Flags().StringVar(&category, "category", string(models.CategoryDay), "shift category: day, night or rest")
	cmd.Flags().Float64Var(&in.DurationHours, "duration", 8, "shift length in hours")
	cmd.Flags().IntVar(&in.LoadCount, "load", 0, "patients or tasks handled")
	cmd.Flags().IntVar(&in.Strain, "strain", 1, "self-reported strain 1-10")
	return cmd
}

func newForecastCmd() *cobra.Command {
	var subject string
	var horizon int

	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Forecast a subject's risk score from stored history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if horizon < 1 || horizon > 90 {
				return fmt.Errorf("--horizon must be between 1 and 90")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store, err := openStoreWith(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			f, err := risk.NewTrendPredictor(store, cfg.TrendWindow()).Predict(cmd.Context(), subject, horizon)
			if err != nil {
				return fmt.Errorf("forecasting %s: %w", subject, err)
			}
			return writeJSON(cmd.OutOrStdout(), f)
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "subject id")
	cmd.Flags().IntVar(&horizon, "horizon", 7, "days ahead")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newAlertsCmd() *cobra.Command {
	var subject string

	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Summarize a subject's active alerts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			s, err := alerting.NewEngine(store, alerting.Options{SampleEvery: -1}).Summarize(cmd.Context(), subject)
			if err != nil {
				return fmt.Errorf("summarizing alerts: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), s)
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "subject id")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newEventsCmd() *cobra.Command {
	var (
		after   string
		count   int64
		subject string
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Read alert events from the Redis stream",
		Long: `Print alert.created and alert.resolved events from the configured stream.

Pass the last printed stream_id as --after to continue from there.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.RedisAddr == "" {
				return fmt.Errorf("REDIS_ADDR is not set")
			}
			client := events.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
			defer client.Close()

			got, err := events.NewStreamPublisher(client, cfg.AlertStream, 0).Read(cmd.Context(), after, count)
			if err != nil {
				return fmt.Errorf("reading %s: %w", cfg.AlertStream, err)
			}
			out := make([]events.Event, 0, len(got))
			for _, e := range got {
				if subject == "" || e.SubjectID == subject {
					out = append(out, e)
				}
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&after, "after", "", "stream id to continue after")
	cmd.Flags().Int64Var(&count, "count", 50, "entries to read")
	cmd.Flags().StringVar(&subject, "subject", "", "only events for this subject")
	return cmd
}

func openStore(ctx context.Context) (*db.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return openStoreWith(ctx, cfg)
}

func openStoreWith(ctx context.Context, cfg config.Config) (*db.Store, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return db.New(ctx, cfg.DatabaseURL)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
