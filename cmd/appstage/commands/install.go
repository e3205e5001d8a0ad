package commands

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/appstage/pkg/engine"
)

func newInstallCommand() *cobra.Command {
	var (
		resume bool
		asset  bool
	)

	cmd := &cobra.Command{
		Use:   "install [profile-ref]",
		Short: "Install an application onto an empty device",
		Long: `Install the application described by a profile reference.

This command:
  - Refuses to run when an application is already installed
  - Discards partially staged resources unless --resume is given
  - Resolves the profile and every resource it references
  - Checks platform requirements and install policies
  - Commits the staged set atomically

References may be http(s)://, sftp://, file:// or asset:// URLs. With
--asset and no reference the profile bundled with the installation media
is used.`,
		Example: `  # Install from an app server
  appstage install https://apps.example.org/clinic/profile.yaml

  # Continue an interrupted install
  appstage install https://apps.example.org/clinic/profile.yaml --resume

  # Install the bundled profile
  appstage install --asset`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ref string
			if len(args) > 0 {
				ref = args[0]
			}
			if ref == "" && !asset {
				return cobra.ExactArgs(1)(cmd, args)
			}

			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			log.Info().
				Str("reference", ref).
				Bool("resume", resume).
				Bool("asset", asset).
				Msg("Installing application")

			return a.runAttempt(cmd.Context(), cmd.OutOrStdout(), "install", func(ctx context.Context) (engine.Outcome, error) {
				return a.upgrader.Install(ctx, ref, engine.InstallOptions{
					Resume: resume,
					Asset:  asset,
					Sink:   progressPrinter(cmd.ErrOrStderr()),
				})
			})
		},
	}

	cmd.Flags().BoolVar(&resume, "resume", false, "keep resources staged by an earlier attempt")
	cmd.Flags().BoolVar(&asset, "asset", false, "install the profile bundled with the installation media")

	return cmd
}
