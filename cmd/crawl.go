package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newCrawlCmd creates the 'crawl' subcommand, which traverses the conversation of each seed.
func newCrawlCmd() *cobra.Command {
	var seedOnly bool
	cmd := &cobra.Command{
		Use:   "crawl SEED_ID...",
		Short: "Traverse the reply and quote graph of seed posts",
		Long: `Fetches each seed post and walks its replies and quotes breadth-first,
storing every post and author it meets. Seeds are crawled one after another;
the run stops at the first seed that hits the monthly usage cap.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			for _, seed := range args {
				if seedOnly {
					res := appInstance.FetchSeed(ctx, seed)
					fmt.Fprintf(out, "seed %s: %s (%d calls)\n", seed, res.Status, res.Calls)
					if res.Err != nil {
						appInstance.Logger().Warn("seed fetch failed", zap.String("seed_id", seed), zap.Error(res.Err))
					}
					continue
				}
				o := appInstance.Traverse(ctx, seed)
				fmt.Fprintf(out, "seed %s: nodes=%d calls=%d authors=%d posts=%d quotes=%d deferred=%d failures=%d duration=%s\n",
					seed, o.Nodes, o.Calls, o.Authors, o.Posts, o.QuotesExpanded, o.Deferred, o.Failures, o.Duration)
				if o.UsageCapped {
					return errUsageCap
				}
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&seedOnly, "seed-only", false, "only fetch and store the seed posts")
	return cmd
}
