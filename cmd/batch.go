// File: cmd/batch.go
package cmd

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/passup/internal/credentials"
	"github.com/xkilldash9x/passup/internal/observability"
	"github.com/xkilldash9x/passup/internal/reporting"
	"github.com/xkilldash9x/passup/internal/service"
)

// Credential files written into the report folder after a batch.
const (
	RotatedFileName = "rotated.yaml"
	PendingFileName = "pending.yaml"
)

func newBatchCmd(factory service.ComponentFactory) *cobra.Command {
	batchCmd := &cobra.Command{
		Use:   "batch <entries.yaml>",
		Short: "Rotate every account listed in an entries file",
		Long: `Rotate every account listed in an entries file. Each entry names a url,
a username, the current password and optionally a new password; entries
without one get a generated password. Reports and rotated.yaml (the new
credentials of the successful rotations) are written to the output folder.
Generated passwords that were submitted without a confirmed change go to
pending.yaml with both passwords, since the site may already use the new one.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfig(ctx)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("concurrency") {
				n, _ := cmd.Flags().GetInt("concurrency")
				cfg.SetEngineConcurrency(n)
			}
			if cmd.Flags().Changed("output") {
				dir, _ := cmd.Flags().GetString("output")
				cfg.SetReportOutputFolder(dir)
			}
			if headful, _ := cmd.Flags().GetBool("headful"); headful {
				cfg.SetBrowserHeadless(false)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			entries, err := credentials.LoadEntries(args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("%s contains no entries", args[0])
			}

			logger := observability.GetLogger()
			components, err := factory.Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			summary, runErr := components.Orchestrator.RunBatch(ctx, entries)

			out := cmd.OutOrStdout()
			for _, o := range summary.Outcomes {
				printOutcome(out, o)
			}
			succeeded, failed, skipped := summary.Counts()
			fmt.Fprintf(out, "\n%d succeeded, %d failed, %d skipped in %s (run %s)\n",
				succeeded, failed, skipped, summary.Elapsed.Round(time.Second), summary.RunID)

			// Outputs are written even for an interrupted batch.
			folder := cfg.Report().OutputFolder
			var outputErrs []error
			paths, err := reporting.WriteRun(folder, summary.RunID, cfg.Report().Formats, summary.Results())
			if err != nil {
				outputErrs = append(outputErrs, fmt.Errorf("failed to write reports: %w", err))
			}
			for _, p := range paths {
				fmt.Fprintf(out, "report: %s\n", p)
			}

			if rotated := summary.Rotated(); len(rotated) > 0 {
				path := filepath.Join(folder, RotatedFileName)
				if err := credentials.WriteRotated(path, rotated); err != nil {
					// The only copy of the generated passwords; make it loud.
					logger.Error("Failed to save generated passwords.", zap.Error(err), zap.Int("entries", len(rotated)))
					outputErrs = append(outputErrs, err)
				} else {
					fmt.Fprintf(out, "rotated credentials: %s\n", path)
				}
			}

			if pending := summary.Pending(); len(pending) > 0 {
				path := filepath.Join(folder, PendingFileName)
				if err := credentials.WritePending(path, pending); err != nil {
					logger.Error("Failed to save unconfirmed passwords.", zap.Error(err), zap.Int("entries", len(pending)))
					outputErrs = append(outputErrs, err)
				} else {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %d account(s) may already use an unconfirmed generated password, see %s\n", len(pending), path)
				}
			}

			if runErr != nil {
				return runErr
			}
			if failures := summary.VaultFailures(); len(failures) > 0 {
				return fmt.Errorf("%w: %d new password(s) not saved to the password database, see %s",
					ErrExecutionsFailed, len(failures), RotatedFileName)
			}
			if err := errors.Join(outputErrs...); err != nil {
				return err
			}
			if !summary.AllSucceeded() {
				return ErrExecutionsFailed
			}
			return nil
		},
	}

	batchCmd.Flags().StringP("output", "o", "", "Report folder (overrides report.output_folder)")
	batchCmd.Flags().Int("concurrency", 0, "Concurrent executions (overrides engine.concurrency)")
	batchCmd.Flags().Bool("headful", false, "Show the browser windows")
	return batchCmd
}
