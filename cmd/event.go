package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newEventCmd creates the 'event' subcommand, which runs named crawls from the config.
func newEventCmd() *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "event [NAME...]",
		Short: "Run configured event crawls",
		Long: `Runs the events defined under "events" in the config. An event with tags
searches them over its date window; an event with a seed id traverses that post.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if list || len(args) == 0 {
				for _, ev := range appInstance.Config().Events {
					target := ev.SeedID
					if len(ev.Tags) > 0 {
						target = fmt.Sprintf("%v from %s for %d days", ev.Tags, ev.Start, ev.Days)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", ev.Name, target, ev.Comment)
				}
				return nil
			}
			for _, name := range args {
				out, err := appInstance.RunEvent(cmd.Context(), name)
				if err != nil {
					return err
				}
				printSearch(cmd, name, out)
				if out.UsageCapped {
					return errUsageCap
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list configured events instead of running them")
	return cmd
}
