package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newMetricsCommand() *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Serve Prometheus metrics",
		Long: `Serve Prometheus metrics until interrupted.

Table gauges are filled by the recovery check that runs on startup. The
address defaults to telemetry.metrics_address from the config, then :9090.`,
		Example: `  appstage metrics --address 127.0.0.1:9090`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, appOptions{serveMetrics: true, metricsAddress: address})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.tel.StartMetricsServer(); err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}
			log.Info().
				Str("address", a.tel.Config.Metrics.ListenAddress).
				Msg("Serving metrics, press Ctrl+C to stop")

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "listen address")

	return cmd
}
