package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rc-worldmap/worldmap/internal/config"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"migrate", "sync", "geocode", "reconcile", "resolve", "serve", "status"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "worldmap", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestGeocodeCommand_Flags(t *testing.T) {
	for _, name := range []string{"full-refresh", "skip-reconcile"} {
		flag := geocodeCmd.Flags().Lookup(name)
		require.NotNil(t, flag, "geocode should have --%s flag", name)
		assert.Equal(t, "false", flag.DefValue)
	}
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestStatusCommand_Flags(t *testing.T) {
	flag := statusCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "20", flag.DefValue)
}

func TestResolveCommand_Args(t *testing.T) {
	assert.Error(t, resolveCmd.Args(resolveCmd, []string{"1"}))
	assert.NoError(t, resolveCmd.Args(resolveCmd, []string{"1", "Brooklyn, NY"}))
}

func TestApplyLogOverrides(t *testing.T) {
	t.Cleanup(func() { logLevelOverride, logFormatOverride = "", "" })

	lc := config.LogConfig{Level: "info", Format: "json"}
	applyLogOverrides(&lc)
	assert.Equal(t, config.LogConfig{Level: "info", Format: "json"}, lc)

	require.NoError(t, rootCmd.PersistentFlags().Set("log-level", "debug"))
	require.NoError(t, rootCmd.PersistentFlags().Set("log-format", "console"))
	applyLogOverrides(&lc)
	assert.Equal(t, config.LogConfig{Level: "debug", Format: "console"}, lc)
}
