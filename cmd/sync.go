package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Import people and their current locations from the directory",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "directory")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Pipeline.SyncDirectory(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "synced %d people, %d locations (%d skipped)\n", res.People, res.Locations, res.Skipped)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
