package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rc-worldmap/worldmap/internal/config"
)

var cfg *config.Config

var (
	logLevelOverride  string
	logFormatOverride string
)

var rootCmd = &cobra.Command{
	Use:   "worldmap",
	Short: "Geocode and reconcile member locations for the world map",
	Long:  "Syncs member locations from the directory, geocodes them through GeoNames, merges duplicate coordinates and serves the map API.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		applyLogOverrides(&c.Log)
		cfg = c

		return eris.Wrap(config.InitLogger(cfg.Log), "init logger")
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

// applyLogOverrides lets --log-level and --log-format win over config.yaml
// and WORLDMAP_LOG_* for a single invocation.
func applyLogOverrides(lc *config.LogConfig) {
	if logLevelOverride != "" {
		lc.Level = logLevelOverride
	}
	if logFormatOverride != "" {
		lc.Format = logFormatOverride
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "override log.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormatOverride, "log-format", "", "override log.format (json, console)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
