package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/convograph-crawler/internal/app"
)

// newPoolCmd creates the 'pool' subcommand.
func newPoolCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pool NAME...|all",
		Short: "Complete likers, retweeters, timelines or follow lists for stored documents",
		Long: `Runs one or more worker pools once over every stored document that still
needs the pool's attribute. Pools: likes, retweets, timelines, followers,
following, or "` + app.AllPools + `" for every pool. Pools run concurrently.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			reports, err := appInstance.RunPools(cmd.Context(), args)
			capped := false
			for _, r := range reports {
				if r.Pool == "" {
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(),
					"%s: pending=%d trivial=%d done=%d failed=%d abandoned=%d calls=%d usage_capped=%t duration=%s\n",
					r.Pool, r.Pending, r.Trivial, r.Done, r.Failed, r.Abandoned, r.Calls, r.UsageCapped, r.Duration)
				capped = capped || r.UsageCapped
			}
			if err != nil {
				return err
			}
			if capped {
				return errUsageCap
			}
			return nil
		},
	}
}
