package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rc-worldmap/worldmap/internal/monitoring"
	"github.com/rc-worldmap/worldmap/internal/store"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	done := now.Add(2 * time.Minute)
	runs := []store.Run{
		{
			ID:         "abc12345-6789-0000-0000-000000000000",
			Kind:       store.RunKindGeocode,
			Status:     store.RunStatusCommitted,
			StartedAt:  now,
			FinishedAt: &done,
			Processed:  6,
			Geocoded:   4,
			Skipped:    2,
			Aliased:    2,
		},
		{
			ID:        "def12345-6789-0000-0000-000000000000",
			Kind:      store.RunKindSync,
			Status:    store.RunStatusRunning,
			StartedAt: now.Add(-1 * time.Hour),
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "KIND")
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc12345-6789")
	assert.Contains(t, output, "geocode")
	assert.Contains(t, output, "committed")
	assert.Contains(t, output, "2m0s")
	assert.Contains(t, output, "2025-06-15 10:30")
	assert.Contains(t, output, "sync")
	assert.Contains(t, output, "running")
}

func TestFormatRunsList_AbortedShowsError(t *testing.T) {
	runs := []store.Run{{
		ID:        "abc12345",
		Kind:      store.RunKindGeocode,
		Status:    store.RunStatusAborted,
		StartedAt: time.Now(),
		Error:     "pipeline: interrupted: context canceled",
	}}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)
	assert.Contains(t, buf.String(), "error: pipeline: interrupted: context canceled")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789"))
	assert.Equal(t, "short", truncateID("short"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

func TestFormatCheck(t *testing.T) {
	last := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	snap := &monitoring.Snapshot{
		Runs: 3, Committed: 2, Aborted: 1,
		Processed: 40, Skipped: 10, SkipRate: 0.25,
		LastGeocodeAt: &last, LookbackHours: 24,
	}
	alerts := []monitoring.Alert{{Type: monitoring.AlertRunAborted, Severity: "high", Message: "1 run(s) aborted in last 24h"}}

	var buf bytes.Buffer
	formatCheck(&buf, snap, alerts)
	out := buf.String()
	assert.Contains(t, out, "committed 2, aborted 1")
	assert.Contains(t, out, "25.0% (10 / 40)")
	assert.Contains(t, out, "2025-06-15 10:30")
	assert.Contains(t, out, "ALERT [high]:")
	assert.Contains(t, out, "1 run(s) aborted")

	buf.Reset()
	formatCheck(&buf, &monitoring.Snapshot{LookbackHours: 24}, nil)
	assert.Contains(t, buf.String(), "never")
	assert.NotContains(t, buf.String(), "ALERT")
}
