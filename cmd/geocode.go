package main

import (
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rc-worldmap/worldmap/internal/pipeline"
)

var geocodeCmd = &cobra.Command{
	Use:   "geocode",
	Short: "Geocode every location without a geolocation, then merge duplicates",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		fullRefresh, _ := cmd.Flags().GetBool("full-refresh")
		skipReconcile, _ := cmd.Flags().GetBool("skip-reconcile")

		env, err := initPipeline(ctx, "geonames")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Pipeline.Run(ctx, pipeline.RunOptions{
			FullRefresh:   fullRefresh,
			SkipReconcile: skipReconcile,
		})
		if err != nil {
			return err
		}
		formatRunResult(os.Stdout, res)
		return nil
	},
}

func formatRunResult(out io.Writer, res *pipeline.RunResult) {
	w := newTable(out)
	row(w, "Run:\t%s\n", res.RunID)
	row(w, "State:\t%s\n", res.State)
	row(w, "Processed:\t%d\n", res.Processed)
	row(w, "Geocoded:\t%d\n", res.Geocoded)
	row(w, "Already stored:\t%d\n", res.Existing)
	row(w, "Skipped:\t%d\n", res.Skipped)
	row(w, "Duplicate groups:\t%d\n", res.Reconcile.Groups)
	row(w, "Aliased:\t%d\n", res.Reconcile.Aliased)
	if res.Reconcile.Failed > 0 {
		row(w, "Groups failed:\t%d\n", res.Reconcile.Failed)
	}
	_ = w.Flush()
}

func init() {
	geocodeCmd.Flags().Bool("full-refresh", false, "delete all geolocations and aliases before geocoding")
	geocodeCmd.Flags().Bool("skip-reconcile", false, "do not merge duplicate coordinates")
	rootCmd.AddCommand(geocodeCmd)
}
