// Package monitoring watches the pipeline run log and raises alerts when
// runs abort, skip too many locations, or stop happening.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/rc-worldmap/worldmap/internal/store"
)

// collectLimit bounds how many run log entries one snapshot reads.
const collectLimit = 1000

// RunLister is the part of the store the collector reads.
type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]store.Run, error)
}

// Snapshot is a point-in-time view of the run log.
type Snapshot struct {
	// Counts within the lookback window.
	Runs      int `json:"runs"`
	Committed int `json:"committed"`
	Aborted   int `json:"aborted"`
	Running   int `json:"running"`

	// Committed geocode runs within the window.
	Processed int     `json:"processed"`
	Skipped   int     `json:"skipped"`
	SkipRate  float64 `json:"skip_rate"`

	// LastGeocodeAt is when the newest committed geocode run finished, at
	// any age. Nil when there has never been one.
	LastGeocodeAt *time.Time `json:"last_geocode_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector builds snapshots from the run log.
type Collector struct {
	runs RunLister
}

// NewCollector creates a collector reading from runs.
func NewCollector(runs RunLister) *Collector {
	return &Collector{runs: runs}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := time.Now().UTC()
	snap := &Snapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.runs.ListRuns(ctx, collectLimit)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	// Runs arrive newest first.
	for _, r := range runs {
		if snap.LastGeocodeAt == nil && r.Kind == store.RunKindGeocode &&
			r.Status == store.RunStatusCommitted && r.FinishedAt != nil {
			finished := *r.FinishedAt
			snap.LastGeocodeAt = &finished
		}
		if r.StartedAt.Before(cutoff) {
			continue
		}

		snap.Runs++
		switch r.Status {
		case store.RunStatusCommitted:
			snap.Committed++
			if r.Kind == store.RunKindGeocode {
				snap.Processed += r.Processed
				snap.Skipped += r.Skipped
			}
		case store.RunStatusAborted:
			snap.Aborted++
			if snap.LastError == "" {
				snap.LastError = r.Error
			}
		case store.RunStatusRunning:
			snap.Running++
		}
	}

	if snap.Processed > 0 {
		snap.SkipRate = float64(snap.Skipped) / float64(snap.Processed)
	}
	return snap, nil
}
