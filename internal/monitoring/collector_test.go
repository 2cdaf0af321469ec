package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rc-worldmap/worldmap/internal/store"
)

// fakeRuns returns a fixed run log, newest first.
type fakeRuns struct {
	runs []store.Run
	err  error
}

func (f *fakeRuns) ListRuns(_ context.Context, limit int) ([]store.Run, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit > 0 && len(f.runs) > limit {
		return f.runs[:limit], nil
	}
	return f.runs, nil
}

func finishedRun(kind store.RunKind, status store.RunStatus, age time.Duration, processed, skipped int) store.Run {
	started := time.Now().UTC().Add(-age)
	finished := started.Add(time.Minute)
	return store.Run{
		ID:         "run",
		Kind:       kind,
		Status:     status,
		StartedAt:  started,
		FinishedAt: &finished,
		Processed:  processed,
		Skipped:    skipped,
	}
}

func TestCollector_Collect(t *testing.T) {
	aborted := finishedRun(store.RunKindGeocode, store.RunStatusAborted, 2*time.Hour, 3, 0)
	aborted.Error = "pipeline: commit: connection reset"
	runs := &fakeRuns{runs: []store.Run{
		{ID: "live", Kind: store.RunKindSync, Status: store.RunStatusRunning, StartedAt: time.Now().UTC()},
		aborted,
		finishedRun(store.RunKindGeocode, store.RunStatusCommitted, 3*time.Hour, 40, 10),
		finishedRun(store.RunKindSync, store.RunStatusCommitted, 4*time.Hour, 300, 0),
		finishedRun(store.RunKindGeocode, store.RunStatusCommitted, 72*time.Hour, 500, 400),
	}}

	snap, err := NewCollector(runs).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 4, snap.Runs)
	assert.Equal(t, 2, snap.Committed)
	assert.Equal(t, 1, snap.Aborted)
	assert.Equal(t, 1, snap.Running)
	assert.Equal(t, 40, snap.Processed, "sync runs and runs outside the window are not counted")
	assert.Equal(t, 10, snap.Skipped)
	assert.InDelta(t, 0.25, snap.SkipRate, 0.0001)
	assert.Equal(t, "pipeline: commit: connection reset", snap.LastError)
	require.NotNil(t, snap.LastGeocodeAt)
	assert.WithinDuration(t, time.Now().Add(-3*time.Hour+time.Minute), *snap.LastGeocodeAt, 5*time.Second)
}

func TestCollector_LastGeocodeOutsideWindow(t *testing.T) {
	runs := &fakeRuns{runs: []store.Run{
		finishedRun(store.RunKindGeocode, store.RunStatusCommitted, 240*time.Hour, 10, 0),
	}}

	snap, err := NewCollector(runs).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Runs)
	require.NotNil(t, snap.LastGeocodeAt)
}

func TestCollector_Empty(t *testing.T) {
	snap, err := NewCollector(&fakeRuns{}).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Zero(t, snap.Runs)
	assert.Zero(t, snap.SkipRate)
	assert.Nil(t, snap.LastGeocodeAt)
}

func TestCollector_ListError(t *testing.T) {
	_, err := NewCollector(&fakeRuns{err: eris.New("db down")}).Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: list runs")
}
