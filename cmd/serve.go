package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/convograph-crawler/internal/api"
)

// newServeCmd creates the 'serve' subcommand: the ops server plus the pool scheduler.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve health, metrics and the run ledger, and run scheduled pools",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := appInstance.Config()
			sched, err := buildScheduler(appInstance)
			if err != nil {
				return err
			}
			srv := api.NewServer(appInstance.Runs(), appInstance.Ready, api.Options{APIKey: cfg.Server.APIKey},
				appInstance.Logger())

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				return srv.ListenAndServe(ctx, fmt.Sprintf(":%d", cfg.Server.Port), cfg.Server.ShutdownTimeout)
			})
			if sched != nil {
				g.Go(func() error {
					return sched.Run(ctx)
				})
			}
			return g.Wait()
		},
	}
}
