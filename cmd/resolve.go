package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <location-id> <name>",
	Short: "Geocode a single location and print its canonical geolocation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return eris.Errorf("resolve: invalid location id %q", args[0])
		}

		env, err := initPipeline(ctx, "geonames")
		if err != nil {
			return err
		}
		defer env.Close()

		loc, err := env.Pipeline.ResolveOne(ctx, id, args[1])
		if err != nil {
			return err
		}
		if loc == nil {
			fmt.Fprintf(os.Stderr, "%q could not be resolved\n", args[1])
			return nil
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(loc)
	},
}

func init() {
	rootCmd.AddCommand(resolveCmd)
}
