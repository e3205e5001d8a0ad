package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "appstage",
		Short: "appstage - staged application installs and upgrades",
		Long: `appstage installs and upgrades an application made of versioned resources.

A candidate version is staged next to the live one, resource by resource,
and swapped in atomically once every resource is present. An interrupted
swap is rolled back the next time appstage runs.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (.yaml, .json or .cue)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInstallCommand())
	rootCmd.AddCommand(newUpgradeCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newRecoverCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newResetCommand())
	rootCmd.AddCommand(newMetricsCommand())

	return rootCmd
}
