package commands

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/appstage/pkg/engine"
)

func newUpgradeCommand() *cobra.Command {
	var startOver bool

	cmd := &cobra.Command{
		Use:   "upgrade [profile-ref]",
		Short: "Upgrade the installed application",
		Long: `Stage the newest version of the installed application and install it
when it is newer than the installed version.

Without a reference the app server recorded by the last install is used.
Resources staged by an earlier attempt are reused unless they are too old
or --start-over is given.`,
		Example: `  # Upgrade from the recorded app server
  appstage upgrade

  # Upgrade from an explicit reference, discarding earlier staging
  appstage upgrade https://apps.example.org/clinic/profile.yaml --start-over`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ref string
			if len(args) > 0 {
				ref = args[0]
			}

			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			log.Info().
				Str("reference", ref).
				Bool("start_over", startOver).
				Msg("Upgrading application")

			return a.runAttempt(cmd.Context(), cmd.OutOrStdout(), "upgrade", func(ctx context.Context) (engine.Outcome, error) {
				task, err := a.upgrader.Submit(ctx, engine.Request{
					Mode:             engine.ModeUpgrade,
					ProfileReference: ref,
					ForceStartOver:   startOver,
					Sink:             progressPrinter(cmd.ErrOrStderr()),
				})
				if err != nil {
					return engine.Outcome{}, err
				}
				out, err := task.Wait(ctx)
				if err != nil {
					// Cancelled: wait for the attempt to stop between resources.
					<-task.Done()
					out, _ = task.Outcome()
				}
				return out, nil
			})
		},
	}

	cmd.Flags().BoolVar(&startOver, "start-over", false, "discard resources staged by earlier attempts")

	return cmd
}
