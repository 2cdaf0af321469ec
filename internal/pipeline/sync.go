package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rc-worldmap/worldmap/internal/reconcile"
	"github.com/rc-worldmap/worldmap/internal/store"
)

// SyncResult summarizes a directory sync.
type SyncResult struct {
	RunID     string
	People    int
	Locations int
	Skipped   int
}

// SyncDirectory fetches every directory profile and upserts people, their
// current locations and affiliations in one transaction. A person's
// affiliations are replaced by the location the directory reports now,
// written against the survivor when that location has been aliased.
func (p *Pipeline) SyncDirectory(ctx context.Context) (*SyncResult, error) {
	if p.directory == nil {
		return nil, eris.New("sync: directory client not configured")
	}

	run, err := p.store.StartRun(ctx, store.RunKindSync)
	if err != nil {
		return nil, eris.Wrap(err, "sync: start run")
	}
	res := &SyncResult{RunID: run.ID}
	log := zap.L().With(zap.String("run_id", run.ID))

	syncErr := p.syncTx(ctx, log, res)

	run.Status = store.RunStatusCommitted
	if syncErr != nil {
		run.Status = store.RunStatusAborted
		run.Error = syncErr.Error()
	}
	run.Processed = res.People
	run.Skipped = res.Skipped
	if err := p.store.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		log.Warn("sync: record run", zap.Error(err))
	}
	if syncErr != nil {
		return res, syncErr
	}

	log.Info("sync: directory synced",
		zap.Int("people", res.People),
		zap.Int("locations", res.Locations),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

func (p *Pipeline) syncTx(ctx context.Context, log *zap.Logger, res *SyncResult) error {
	profiles, err := p.directory.Profiles(ctx)
	if err != nil {
		return eris.Wrap(err, "sync: fetch profiles")
	}
	log.Info("sync: fetched profiles", zap.Int("count", len(profiles)))

	tx, err := p.store.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "sync: begin")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	seen := make(map[int64]bool)
	for _, prof := range profiles {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "sync: interrupted")
		}

		loc, hasLoc := prof.Location()
		err := tx.Savepoint(ctx, func() error {
			if err := tx.UpsertPerson(ctx, prof.Person()); err != nil {
				return err
			}
			var ids []int64
			if hasLoc {
				if err := tx.UpsertLocation(ctx, loc); err != nil {
					return err
				}
				id, err := canonicalID(ctx, tx, loc.ID)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return tx.ReplaceAffiliations(ctx, prof.ID, ids)
		})
		if err != nil {
			res.Skipped++
			log.Warn("sync: skipping person", zap.Int64("person_id", prof.ID), zap.Error(err))
			continue
		}

		res.People++
		if hasLoc && !seen[loc.ID] {
			seen[loc.ID] = true
			res.Locations++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "sync: commit")
	}
	committed = true
	return nil
}

// canonicalID returns the location id that locationID resolves to through
// its alias, or locationID itself when it has no geolocation yet.
func canonicalID(ctx context.Context, tx store.Tx, locationID int64) (int64, error) {
	g, err := tx.Canonical(ctx, locationID)
	if err != nil {
		return 0, err
	}
	if g == nil {
		return locationID, nil
	}
	return g.LocationID, nil
}

// Reconcile merges duplicate geolocations without geocoding anything.
func (p *Pipeline) Reconcile(ctx context.Context) (*reconcile.Result, error) {
	run, err := p.store.StartRun(ctx, store.RunKindReconcile)
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: start run")
	}

	rec, recErr := p.reconcileTx(ctx)

	run.Status = store.RunStatusCommitted
	if recErr != nil {
		run.Status = store.RunStatusAborted
		run.Error = recErr.Error()
	}
	run.Processed = rec.Groups
	run.Aliased = rec.Aliased
	run.Skipped = rec.Failed
	if err := p.store.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		zap.L().Warn("reconcile: record run", zap.String("run_id", run.ID), zap.Error(err))
	}
	if recErr != nil {
		return nil, recErr
	}
	return &rec, nil
}

func (p *Pipeline) reconcileTx(ctx context.Context) (reconcile.Result, error) {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return reconcile.Result{}, eris.Wrap(err, "reconcile: begin")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	groups, err := tx.FetchDuplicateGroups(ctx)
	if err != nil {
		return reconcile.Result{}, eris.Wrap(err, "reconcile: fetch duplicate groups")
	}
	rec, err := reconcile.New(tx).Reconcile(ctx, groups)
	if err != nil {
		return rec, eris.Wrap(err, "reconcile: merge")
	}
	if err := tx.Commit(ctx); err != nil {
		return rec, eris.Wrap(err, "reconcile: commit")
	}
	committed = true
	return rec, nil
}
