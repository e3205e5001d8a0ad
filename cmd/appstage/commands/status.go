package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/openfroyo/appstage/pkg/resource"
	"github.com/openfroyo/appstage/pkg/stores"
)

// tableStatus is one table as shown by the status command.
type tableStatus struct {
	stores.TableState
	Resources []resource.Record `json:"resources"`
}

// statusReport is the --json rendering of the status command.
type statusReport struct {
	Tables   []tableStatus     `json:"tables"`
	Meta     map[string]string `json:"meta"`
	Events   []*stores.Event   `json:"events,omitempty"`
	Recovery string            `json:"recovery"`
}

var statusMetaKeys = []string{
	stores.MetaDefaultAppServer,
	stores.MetaLastInstall,
	stores.MetaLastUpdateAttempt,
	stores.MetaStagingStarted,
	stores.MetaStartOverUpgrade,
}

func newStatusCommand() *cobra.Command {
	var (
		events    int
		resources bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the resource tables and upgrade metadata",
		Long: `Show the GLOBAL, UPGRADE and RECOVERY tables, the upgrade metadata
and the most recent journal entries.`,
		Example: `  # Summary
  appstage status

  # Every resource, as JSON
  appstage status --resources --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := collectStatus(cmd.Context(), a.store, events)
			if err != nil {
				return err
			}
			report.Recovery = string(a.recovery.Action)

			if jsonOutput {
				if !resources {
					for i := range report.Tables {
						report.Tables[i].Resources = nil
					}
				}
				return writeJSON(cmd.OutOrStdout(), report)
			}
			return printStatus(cmd.OutOrStdout(), report, resources)
		},
	}

	cmd.Flags().IntVar(&events, "events", 10, "number of journal entries to show")
	cmd.Flags().BoolVar(&resources, "resources", false, "list every resource")

	return cmd
}

func collectStatus(ctx context.Context, store *stores.SQLiteStore, events int) (*statusReport, error) {
	report := &statusReport{Meta: make(map[string]string)}

	for _, identity := range []resource.Identity{
		resource.IdentityGlobal,
		resource.IdentityUpgrade,
		resource.IdentityRecovery,
	} {
		state, err := store.State(ctx, identity)
		if err != nil {
			return nil, err
		}
		table, err := store.Load(ctx, identity)
		if err != nil {
			return nil, err
		}
		report.Tables = append(report.Tables, tableStatus{
			TableState: *state,
			Resources:  table.Records(),
		})
	}

	for _, key := range statusMetaKeys {
		v, err := store.GetMeta(ctx, key)
		if errors.Is(err, stores.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if v != "" {
			report.Meta[key] = v
		}
	}

	if events > 0 {
		list, err := store.ListEvents(ctx, nil, events, 0)
		if err != nil {
			return nil, err
		}
		report.Events = list
	}

	return report, nil
}

func printStatus(w io.Writer, report *statusReport, resources bool) error {
	tw := newTable(w)
	tw.AppendHeader(table.Row{"Table", "Readiness", "Records", "Profile", "Updated"})
	for _, t := range report.Tables {
		profile := "-"
		for _, rec := range t.Resources {
			if rec.ID == resource.ProfileID {
				profile = fmt.Sprintf("%s v%d", rec.AppID, rec.Version)
			}
		}
		updated := "-"
		if !t.UpdatedAt.IsZero() {
			updated = t.UpdatedAt.Format(time.RFC3339)
		}
		tw.AppendRow(table.Row{t.Identity, t.Readiness, t.Records, profile, updated})
	}
	tw.Render()

	if resources {
		for _, t := range report.Tables {
			if len(t.Resources) == 0 {
				continue
			}
			fmt.Fprintf(w, "\n%s:\n", t.Identity)
			tw = newTable(w)
			tw.AppendHeader(table.Row{"ID", "Version", "Status", "Kind"})
			for _, rec := range t.Resources {
				tw.AppendRow(table.Row{rec.ID, rec.Version, rec.Status, rec.Kind})
			}
			tw.Render()
		}
	}

	if len(report.Meta) > 0 {
		fmt.Fprintln(w, "\nMetadata:")
		for _, key := range statusMetaKeys {
			if v, ok := report.Meta[key]; ok {
				fmt.Fprintf(w, "  %s: %s\n", key, formatMeta(key, v))
			}
		}
	}

	if len(report.Events) > 0 {
		fmt.Fprintln(w, "\nRecent events:")
		for _, ev := range report.Events {
			fmt.Fprintf(w, "  %s [%s] %s: %s\n", ev.Timestamp.Format(time.RFC3339), ev.Level, ev.Kind, ev.Message)
		}
	}
	return nil
}

func newTable(w io.Writer) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	return tw
}

// formatMeta renders millisecond timestamps as times.
func formatMeta(key, value string) string {
	switch key {
	case stores.MetaLastInstall, stores.MetaLastUpdateAttempt, stores.MetaStagingStarted:
		var ms int64
		if _, err := fmt.Sscan(value, &ms); err == nil {
			return time.UnixMilli(ms).Format(time.RFC3339)
		}
	}
	return value
}
