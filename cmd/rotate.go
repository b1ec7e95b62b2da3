// File: cmd/rotate.go
package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/xkilldash9x/passup/internal/config"
	"github.com/xkilldash9x/passup/internal/credentials"
	"github.com/xkilldash9x/passup/internal/observability"
	"github.com/xkilldash9x/passup/internal/orchestrator"
	"github.com/xkilldash9x/passup/internal/service"
)

// passwordPrompt reads a secret from the terminal. Tests replace it.
var passwordPrompt = func(w io.Writer, label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("%s not provided and stdin is not a terminal", label)
	}
	fmt.Fprintf(w, "%s: ", label)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", label, err)
	}
	return strings.TrimSpace(string(b)), nil
}

func newRotateCmd(factory service.ComponentFactory) *cobra.Command {
	secrets := viper.New()
	secrets.SetEnvPrefix(config.EnvPrefix)

	rotateCmd := &cobra.Command{
		Use:   "rotate <url|site>",
		Short: "Change the password of one account",
		Long: `Change the password of one account by running the flow registered for
the site. Passwords can be passed as flags, through PASSUP_OLD_PASSWORD and
PASSUP_NEW_PASSWORD, or typed at the prompt.`,
		Args: cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			for key, flag := range map[string]string{"old_password": "old-password", "new_password": "new-password"} {
				if err := secrets.BindEnv(key); err != nil {
					return err
				}
				if err := secrets.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return err
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfig(ctx)
			if err != nil {
				return err
			}
			if headful, _ := cmd.Flags().GetBool("headful"); headful {
				cfg.SetBrowserHeadless(false)
			}

			site, _ := cmd.Flags().GetString("site")
			user, _ := cmd.Flags().GetString("user")
			generate, _ := cmd.Flags().GetBool("generate")
			entry := credentials.Entry{
				URL:         withScheme(args[0]),
				Site:        site,
				Username:    user,
				OldPassword: secrets.GetString("old_password"),
				NewPassword: secrets.GetString("new_password"),
			}

			if entry.OldPassword == "" {
				if entry.OldPassword, err = passwordPrompt(cmd.ErrOrStderr(), "Current password"); err != nil {
					return err
				}
			}
			if entry.NewPassword == "" && !generate {
				if entry.NewPassword, err = passwordPrompt(cmd.ErrOrStderr(), "New password"); err != nil {
					return fmt.Errorf("%w (or pass --generate)", err)
				}
			}
			if entry.OldPassword == "" {
				return fmt.Errorf("current password must not be empty")
			}
			if entry.NewPassword != "" && generate {
				return fmt.Errorf("--generate cannot be combined with a new password")
			}

			logger := observability.GetLogger()
			components, err := factory.Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			summary, runErr := components.Orchestrator.RunBatch(ctx, []credentials.Entry{entry})
			out := summary.Outcomes[0]
			printOutcome(cmd.OutOrStdout(), out)
			if out.Unconfirmed() {
				// The change may have gone through before the flow failed.
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: the site may already use the generated password: %s\n", out.Entry.NewPassword)
			}
			if runErr != nil {
				return runErr
			}
			if out.Generated && out.Result.Succeeded() {
				// The generated password exists nowhere else.
				fmt.Fprintf(cmd.OutOrStdout(), "new password: %s\n", out.Entry.NewPassword)
			}
			if !summary.AllSucceeded() {
				logger.Debug("Rotation did not succeed.", zap.String("target", entry.Target()))
				return ErrExecutionsFailed
			}
			if out.VaultErr != nil {
				return fmt.Errorf("%w: new password not saved to the password database", ErrExecutionsFailed)
			}
			return nil
		},
	}

	rotateCmd.Flags().String("site", "", "Site key of the flow to run (default: resolved from the URL)")
	rotateCmd.Flags().StringP("user", "u", "", "Account user name")
	rotateCmd.Flags().String("old-password", "", "Current password (prefer PASSUP_OLD_PASSWORD)")
	rotateCmd.Flags().String("new-password", "", "New password (prefer PASSUP_NEW_PASSWORD)")
	rotateCmd.Flags().BoolP("generate", "g", false, "Generate the new password")
	rotateCmd.Flags().Bool("headful", false, "Show the browser window")
	return rotateCmd
}

// printOutcome writes a one-line, secret-free summary of an entry.
func printOutcome(w io.Writer, out orchestrator.Outcome) {
	switch {
	case out.Skipped:
		fmt.Fprintf(w, "SKIP  %s: %s\n", out.Entry, out.SkipReason)
	case out.Result.Succeeded():
		fmt.Fprintf(w, "OK    %s (%s, %d steps)\n", out.Entry, out.Result.Elapsed.Round(time.Millisecond), out.Result.StepsCompleted)
		if out.VaultErr != nil {
			fmt.Fprintf(w, "      not saved to the password database: %v\n", out.VaultErr)
		}
	default:
		step := ""
		if out.Result.FailedStep != "" {
			step = fmt.Sprintf(" at step %d %s", out.Result.FailedStepIndex, out.Result.FailedStep)
		}
		fmt.Fprintf(w, "FAIL  %s: %s%s: %s\n", out.Entry, out.Result.ErrorKind, step, out.Result.Message)
	}
}

// withScheme assumes https for bare hosts and site keys.
func withScheme(target string) string {
	if strings.Contains(target, "://") {
		return target
	}
	return "https://" + target
}
