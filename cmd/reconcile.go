package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Merge geolocations that share identical coordinates",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Pipeline.Reconcile(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "groups: %d, merged: %d, aliased: %d, affiliations moved: %d, failed: %d\n",
			res.Groups, res.Merged, res.Aliased, res.Reassigned, res.Failed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}
