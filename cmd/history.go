// File: cmd/history.go
package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/passup/internal/observability"
	"github.com/xkilldash9x/passup/internal/service"
)

func newHistoryCmd() *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history [site]",
		Short: "Show recorded executions, newest first",
		Long:  "Show recorded executions, newest first. Requires database.url (or PASSUP_DATABASE_URL).",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfig(ctx)
			if err != nil {
				return err
			}
			if cfg.Database().URL == "" {
				return fmt.Errorf("database URL is not configured (hint: set PASSUP_DATABASE_URL)")
			}

			st, _, cleanup, err := service.InitializeStore(ctx, cfg.Database(), observability.GetLogger())
			if err != nil {
				return err
			}
			defer cleanup()

			site := ""
			if len(args) == 1 {
				site = args[0]
			}
			limit, _ := cmd.Flags().GetInt("limit")
			results, err := st.History(ctx, site, limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tSITE\tSTATUS\tERROR\tSTEP\tELAPSED")
			for _, res := range results {
				step := "-"
				if res.FailedStepIndex >= 0 {
					step = fmt.Sprint(res.FailedStepIndex)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					res.StartedAt.Local().Format(time.DateTime), res.SiteKey, res.Status, res.ErrorKind, step, res.Elapsed.Round(time.Millisecond))
			}
			return tw.Flush()
		},
	}
	historyCmd.Flags().IntP("limit", "n", 20, "Maximum number of executions to show")
	return historyCmd
}
