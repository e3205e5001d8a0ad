package commands

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/appstage/pkg/engine"
)

func newApplyCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Install a candidate left staged by an earlier attempt",
		Long: `Commit the complete candidate held in the UPGRADE table.

A candidate that is not newer than the installed application is refused
unless --force is given.`,
		Example: `  # Install a staged candidate
  appstage apply

  # Install it even if it is not newer
  appstage apply --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			log.Info().Bool("force", force).Msg("Applying staged candidate")

			a.upgrader.SetProgressSink(progressPrinter(cmd.ErrOrStderr()))
			return a.runAttempt(cmd.Context(), cmd.OutOrStdout(), "apply", func(ctx context.Context) (engine.Outcome, error) {
				return a.upgrader.CommitStaged(ctx, force)
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "install even if the candidate is not newer")

	return cmd
}
