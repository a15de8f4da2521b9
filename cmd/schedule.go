package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/convograph-crawler/internal/schedule"
)

// newScheduleCmd creates the 'schedule' subcommand.
func newScheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run pool passes on the cron specs in schedule.entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			sched, err := buildScheduler(appInstance)
			if err != nil {
				return err
			}
			if sched == nil {
				return errors.New("schedule.entries is empty")
			}
			return sched.Run(cmd.Context())
		},
	}
}

// buildScheduler returns nil when no entries are configured.
func buildScheduler(a App) (*schedule.Scheduler, error) {
	cfg := a.Config().Schedule
	if len(cfg.Entries) == 0 {
		return nil, nil
	}
	entries := make([]schedule.Entry, 0, len(cfg.Entries))
	for _, e := range cfg.Entries {
		if _, err := a.ResolvePools(e.Pools); err != nil {
			return nil, fmt.Errorf("schedule %q: %w", e.Spec, err)
		}
		entries = append(entries, schedule.Entry{Spec: e.Spec, Pools: e.Pools})
	}
	runner := schedule.RunnerFunc(func(ctx context.Context, pools []string) error {
		_, err := a.RunPools(ctx, pools)
		return err
	})
	return schedule.New(entries, runner, a.Logger())
}
