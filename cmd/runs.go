package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/convograph-crawler/internal/store"
)

// newRunsCmd creates the 'runs' subcommand group for reading the run ledger.
func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect the run ledger",
	}
	cmd.AddCommand(newRunsListCmd(), newRunsShowCmd())
	return cmd
}

func ledger(cmd *cobra.Command) (store.RunRepository, error) {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return nil, err
	}
	runs := appInstance.Runs()
	if runs == nil {
		return nil, errors.New("run ledger is disabled (ledger.backend=none)")
	}
	return runs, nil
}

func newRunsListCmd() *cobra.Command {
	var (
		kind   string
		status string
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			runs, err := ledger(cmd)
			if err != nil {
				return err
			}
			filter := store.ListFilter{Limit: limit, Offset: offset}
			if kind != "" {
				k := store.RunKind(kind)
				filter.Kind = &k
			}
			if status != "" {
				s := store.RunStatus(status)
				filter.Status = &s
			}
			list, err := runs.ListRuns(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tTARGET\tSTATUS\tSTARTED\tCALLS\tITEMS\tFAILURES")
			for _, r := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
					r.ID, r.Kind, r.Target, r.Status, r.StartedAt.Format(time.RFC3339), r.Calls, r.Items, r.Failures)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind (traversal, search, event, pool)")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (running, success, usage_cap, error)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

func newRunsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Print one run as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := ledger(cmd)
			if err != nil {
				return err
			}
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id: %w", err)
			}
			run, err := runs.GetRun(cmd.Context(), id)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(run)
		},
	}
}
