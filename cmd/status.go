package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/rc-worldmap/worldmap/internal/monitoring"
	"github.com/rc-worldmap/worldmap/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List recent pipeline runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if check, _ := cmd.Flags().GetBool("check"); check {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(st),
				monitoring.NewAlerter(cfg.Monitoring),
				cfg.Monitoring,
			)
			snap, alerts, err := checker.Check(ctx)
			if err != nil {
				return err
			}
			formatCheck(os.Stdout, snap, alerts)
			if len(alerts) > 0 {
				return eris.Errorf("status: %d alert(s)", len(alerts))
			}
			return nil
		}

		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := st.ListRuns(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

func init() {
	statusCmd.Flags().Int("limit", 20, "max number of runs to display")
	statusCmd.Flags().Bool("check", false, "evaluate alert thresholds and exit non-zero on any alert")
	rootCmd.AddCommand(statusCmd)
}

func newTable(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
}

func row(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}

// formatRunsList writes a tabular list of runs to out.
func formatRunsList(out io.Writer, runs []store.Run) {
	w := newTable(out)
	row(w, "ID\tKIND\tSTATUS\tSTARTED\tDURATION\tPROCESSED\tGEOCODED\tSKIPPED\tALIASED\n")
	row(w, "--\t----\t------\t-------\t--------\t---------\t--------\t-------\t-------\n")

	for _, r := range runs {
		dur := "-"
		if r.FinishedAt != nil {
			dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		row(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			truncateID(r.ID),
			r.Kind,
			r.Status,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
			r.Processed,
			r.Geocoded,
			r.Skipped,
			r.Aliased,
		)
		if r.Error != "" {
			row(w, "\terror: %s\n", truncate(r.Error, 80))
		}
	}
	_ = w.Flush()
}

// formatCheck writes a run log snapshot and its alerts to out.
func formatCheck(out io.Writer, snap *monitoring.Snapshot, alerts []monitoring.Alert) {
	w := newTable(out)
	row(w, "Window:\t%dh\n", snap.LookbackHours)
	row(w, "Runs:\t%d (committed %d, aborted %d, running %d)\n", snap.Runs, snap.Committed, snap.Aborted, snap.Running)
	row(w, "Skip rate:\t%.1f%% (%d / %d)\n", snap.SkipRate*100, snap.Skipped, snap.Processed)
	if snap.LastGeocodeAt != nil {
		row(w, "Last geocode:\t%s\n", snap.LastGeocodeAt.Format("2006-01-02 15:04"))
	} else {
		row(w, "Last geocode:\tnever\n")
	}
	for _, a := range alerts {
		row(w, "ALERT [%s]:\t%s\n", a.Severity, a.Message)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
