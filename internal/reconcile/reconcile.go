// Package reconcile merges geolocations that share identical coordinates.
// Each duplicate group keeps one survivor; the other members become aliases
// of it and hand over their affiliations.
package reconcile

import (
	"context"

	"go.uber.org/zap"

	"github.com/rc-worldmap/worldmap/internal/geo"
)

// Writer is the part of a store transaction the reconciler needs.
type Writer interface {
	InsertAlias(ctx context.Context, a geo.LocationAlias) (bool, error)
	RepointAliases(ctx context.Context, fromID, toID int64) (int64, error)
	ReassignAffiliations(ctx context.Context, fromID, toID int64) (int64, error)
	Savepoint(ctx context.Context, fn func() error) error
}

// Result counts the outcome of one Reconcile call.
type Result struct {
	Groups     int
	Merged     int
	Failed     int
	Aliased    int
	Reassigned int64
}

// Reconciler merges duplicate groups within one transaction.
type Reconciler struct {
	w Writer
}

// New returns a Reconciler writing through w.
func New(w Writer) *Reconciler {
	return &Reconciler{w: w}
}

// SelectSurvivor picks the member with the strictly greatest population.
// Ties go to the lowest location id. It returns false for an empty group.
func SelectSurvivor(members []geo.GroupMember) (geo.GroupMember, bool) {
	if len(members) == 0 {
		return geo.GroupMember{}, false
	}
	best := members[0]
	for _, m := range members[1:] {
		if m.Population > best.Population ||
			(m.Population == best.Population && m.LocationID < best.LocationID) {
			best = m
		}
	}
	return best, true
}

// Reconcile merges every group. A group that fails is rolled back to its
// savepoint, logged, and counted in Result.Failed; the remaining groups
// still run. Only context cancellation stops the loop early.
func (r *Reconciler) Reconcile(ctx context.Context, groups []geo.DuplicateGroup) (Result, error) {
	var res Result
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if len(g.Members) < 2 {
			continue
		}
		res.Groups++

		aliased, moved, err := r.mergeGroup(ctx, g)
		if err != nil {
			res.Failed++
			zap.L().Warn("reconcile: group failed",
				zap.Float64("lat", g.Lat),
				zap.Float64("lng", g.Lng),
				zap.Error(err),
			)
			continue
		}
		res.Merged++
		res.Aliased += aliased
		res.Reassigned += moved
	}
	return res, nil
}

func (r *Reconciler) mergeGroup(ctx context.Context, g geo.DuplicateGroup) (int, int64, error) {
	survivor, _ := SelectSurvivor(g.Members)

	var aliased int
	var moved int64
	err := r.w.Savepoint(ctx, func() error {
		aliased, moved = 0, 0
		for _, m := range g.Members {
			if m.LocationID == survivor.LocationID {
				continue
			}
			n, err := r.mergeInto(ctx, m.LocationID, survivor.LocationID)
			if err != nil {
				return &geo.ReconciliationError{SurvivorID: survivor.LocationID, LosingID: m.LocationID, Err: err}
			}
			aliased++
			moved += n

			zap.L().Info("reconcile: aliased location",
				zap.Int64("losing_id", m.LocationID),
				zap.String("losing_name", m.Name),
				zap.Int64("survivor_id", survivor.LocationID),
				zap.String("survivor_name", survivor.Name),
				zap.Int64("affiliations_moved", n),
			)
		}
		return nil
	})
	return aliased, moved, err
}

// mergeInto aliases loser to survivor, moves aliases that pointed at the
// loser onto the survivor, then moves the loser's affiliations.
func (r *Reconciler) mergeInto(ctx context.Context, loser, survivor int64) (int64, error) {
	if _, err := r.w.InsertAlias(ctx, geo.LocationAlias{LocationID: loser, PreferredLocationID: survivor}); err != nil {
		return 0, err
	}
	if _, err := r.w.RepointAliases(ctx, loser, survivor); err != nil {
		return 0, err
	}
	return r.w.ReassignAffiliations(ctx, loser, survivor)
}
