package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/appstage/pkg/engine"
)

func newRecoverCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Run the startup recovery check",
		Long: `Restore the installed application if a previous commit was interrupted.

Every appstage command runs this check before doing anything else; this
command runs it on its own and reports what it did.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			report := a.recovery
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), report)
			}

			w := cmd.OutOrStdout()
			switch report.Action {
			case engine.RecoveryNone:
				fmt.Fprintln(w, "✓ Nothing to recover")
			case engine.RecoveryRestored:
				fmt.Fprintf(w, "✓ Restored %d resources from an interrupted commit\n", report.Restored)
			default:
				fmt.Fprintf(w, "✓ %s", report.Action)
				if report.Reason != "" {
					fmt.Fprintf(w, ": %s", report.Reason)
				}
				fmt.Fprintln(w)
			}
			return nil
		},
	}

	return cmd
}
