package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/convograph-crawler/internal/config"
	"github.com/JakeFAU/convograph-crawler/internal/traversal"
)

var errUsageCap = errors.New("monthly usage cap exceeded")

// newSearchCmd creates the 'search' subcommand.
func newSearchCmd() *cobra.Command {
	var (
		startRaw string
		endRaw   string
		days     int
	)
	cmd := &cobra.Command{
		Use:   "search TERM...",
		Short: "Collect seeds from hashtag or mention searches and traverse them",
		Long: `Searches the full archive for posts matching any of the given hashtags or
mentions between --start and --end (or --start plus --days), skips seeds that
are already stored, and traverses the rest.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			start, end, err := searchWindow(startRaw, endRaw, days)
			if err != nil {
				return err
			}
			out := appInstance.Search(cmd.Context(), args, start, end)
			printSearch(cmd, strings.Join(args, " "), out)
			if out.UsageCapped {
				return errUsageCap
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&startRaw, "start", "", "window start (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVar(&endRaw, "end", "", "window end, exclusive (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().IntVar(&days, "days", 0, "window length in days when --end is not set")
	_ = cmd.MarkFlagRequired("start")
	return cmd
}

func searchWindow(startRaw, endRaw string, days int) (time.Time, time.Time, error) {
	start, err := parseTime(startRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("--start: %w", err)
	}
	switch {
	case endRaw != "":
		end, err := parseTime(endRaw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--end: %w", err)
		}
		if !end.After(start) {
			return time.Time{}, time.Time{}, errors.New("--end must be after --start")
		}
		return start, end, nil
	case days > 0:
		return start, start.AddDate(0, 0, days), nil
	default:
		return time.Time{}, time.Time{}, errors.New("either --end or a positive --days is required")
	}
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(config.EventDateLayout, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither %s nor RFC 3339", raw, config.EventDateLayout)
	}
	return t.UTC(), nil
}

func printSearch(cmd *cobra.Command, label string, out traversal.SearchOutcome) {
	nodes := 0
	for _, t := range out.Traversals {
		nodes += t.Nodes
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: hits=%d seeds=%d already_stored=%d traversals=%d nodes=%d calls=%d duration=%s\n",
		label, out.Hits, len(out.Seeds), out.Skipped, len(out.Traversals), nodes, out.Calls, out.Duration)
}
