package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/appstage/pkg/resource"
	"github.com/openfroyo/appstage/pkg/stores"
)

func newResetCommand() *cobra.Command {
	var table string

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Destroy a scratch table",
		Long: `Destroy the UPGRADE or RECOVERY table.

Resetting UPGRADE discards everything staged so far; the next upgrade
starts over. The GLOBAL table can't be reset.`,
		Example: `  # Discard staged resources
  appstage reset --table upgrade`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			identity := resource.Identity(table)
			switch identity {
			case resource.IdentityUpgrade, resource.IdentityRecovery:
			default:
				return fmt.Errorf("invalid table %q: must be upgrade or recovery", table)
			}

			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.Clear(cmd.Context(), identity); err != nil {
				return fmt.Errorf("failed to reset %s table: %w", identity, err)
			}
			if identity == resource.IdentityUpgrade {
				if err := a.store.SetMeta(cmd.Context(), stores.MetaStagingStarted, ""); err != nil {
					return fmt.Errorf("failed to clear staging start: %w", err)
				}
			}

			log.Info().Str("table", table).Msg("Table reset")
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Reset %s table\n", identity)
			return nil
		},
	}

	cmd.Flags().StringVar(&table, "table", "", "table to reset (upgrade or recovery)")
	_ = cmd.MarkFlagRequired("table")

	return cmd
}
