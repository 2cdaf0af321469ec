// Package pipeline drives the geocoding batch: load un-geocoded locations,
// parse, geocode, persist, then reconcile duplicates, all inside a single
// store transaction.
package pipeline

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rc-worldmap/worldmap/internal/geo"
	"github.com/rc-worldmap/worldmap/internal/reconcile"
	"github.com/rc-worldmap/worldmap/internal/store"
	"github.com/rc-worldmap/worldmap/pkg/geocode"
	"github.com/rc-worldmap/worldmap/pkg/recurse"
)

// State is a step of the batch run.
type State string

// Batch run states. Parsing, Geocoding and Persisting repeat per location.
const (
	StateIdle        State = "idle"
	StateConnected   State = "connected"
	StatePurging     State = "purging"
	StateFetching    State = "fetching"
	StateParsing     State = "parsing"
	StateGeocoding   State = "geocoding"
	StatePersisting  State = "persisting"
	StateReconciling State = "reconciling"
	StateCommitted   State = "committed"
	StateAborted     State = "aborted"
)

// Pipeline geocodes locations and reconciles duplicates.
type Pipeline struct {
	store     store.Store
	parser    *geo.Parser
	geocoder  geocode.Client
	directory recurse.Client
	observe   func(State)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDirectory sets the directory client used by SyncDirectory.
func WithDirectory(c recurse.Client) Option {
	return func(p *Pipeline) {
		p.directory = c
	}
}

// WithStateObserver registers fn to be called on every state transition.
func WithStateObserver(fn func(State)) Option {
	return func(p *Pipeline) {
		p.observe = fn
	}
}

// New creates a Pipeline.
func New(st store.Store, parser *geo.Parser, gc geocode.Client, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:    st,
		parser:   parser,
		geocoder: gc,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RunOptions controls a batch run.
type RunOptions struct {
	// FullRefresh deletes every geolocation and alias before fetching, so
	// all locations are geocoded again.
	FullRefresh bool
	// SkipReconcile leaves duplicate groups untouched.
	SkipReconcile bool
}

// RunResult summarizes a batch run.
type RunResult struct {
	RunID     string
	State     State
	Processed int
	Geocoded  int
	Existing  int
	Skipped   int
	Reconcile reconcile.Result
}

func (p *Pipeline) transition(s State) {
	zap.L().Debug("pipeline: state", zap.String("state", string(s)))
	if p.observe != nil {
		p.observe(s)
	}
}

// Run executes one batch. Per-location failures are logged and skipped.
// Any other failure rolls back the whole transaction and is returned.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	p.transition(StateIdle)

	run, err := p.store.StartRun(ctx, store.RunKindGeocode)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: start run")
	}
	log := zap.L().With(zap.String("run_id", run.ID))
	res := &RunResult{RunID: run.ID}

	runErr := p.runTx(ctx, log, opts, res)
	if runErr != nil {
		res.State = StateAborted
		p.transition(StateAborted)
		log.Error("pipeline: run aborted", zap.Error(runErr))
	} else {
		res.State = StateCommitted
		p.transition(StateCommitted)
		log.Info("pipeline: run committed",
			zap.Int("processed", res.Processed),
			zap.Int("geocoded", res.Geocoded),
			zap.Int("existing", res.Existing),
			zap.Int("skipped", res.Skipped),
			zap.Int("aliased", res.Reconcile.Aliased),
			zap.Int("groups_failed", res.Reconcile.Failed),
		)
	}

	p.finishRun(ctx, run, res, runErr)
	return res, runErr
}

func (p *Pipeline) runTx(ctx context.Context, log *zap.Logger, opts RunOptions, res *RunResult) (err error) {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "pipeline: begin")
	}
	p.transition(StateConnected)

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			log.Warn("pipeline: rollback failed", zap.Error(rbErr))
		}
	}()

	if opts.FullRefresh {
		p.transition(StatePurging)
		if err := tx.PurgeGeocodes(ctx); err != nil {
			return eris.Wrap(err, "pipeline: purge")
		}
		log.Info("pipeline: purged geolocations and aliases")
	}

	p.transition(StateFetching)
	locs, err := tx.FetchUngeocoded(ctx)
	if err != nil {
		return eris.Wrap(err, "pipeline: fetch ungeocoded")
	}
	log.Info("pipeline: locations to geocode", zap.Int("count", len(locs)))

	for _, loc := range locs {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "pipeline: interrupted")
		}
		res.Processed++

		inserted, err := p.processLocation(ctx, tx, loc)
		switch {
		case err == nil && inserted:
			res.Geocoded++
		case err == nil:
			res.Existing++
		case ctx.Err() != nil:
			return eris.Wrap(ctx.Err(), "pipeline: interrupted")
		default:
			res.Skipped++
			log.Warn("pipeline: skipping location",
				zap.Int64("location_id", loc.ID),
				zap.String("name", loc.Name),
				zap.String("reason", SkipReason(err)),
				zap.Error(err),
			)
		}
	}

	if !opts.SkipReconcile {
		p.transition(StateReconciling)
		groups, err := tx.FetchDuplicateGroups(ctx)
		if err != nil {
			return eris.Wrap(err, "pipeline: fetch duplicate groups")
		}
		rec, err := reconcile.New(tx).Reconcile(ctx, groups)
		if err != nil {
			return eris.Wrap(err, "pipeline: reconcile")
		}
		res.Reconcile = rec
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "pipeline: commit")
	}
	committed = true
	return nil
}

// processLocation parses, geocodes and stores one location. It reports
// whether a new geolocation row was written.
func (p *Pipeline) processLocation(ctx context.Context, tx store.Tx, loc geo.Location) (bool, error) {
	p.transition(StateParsing)
	parsed, err := p.parser.ParseLocation(loc)
	if err != nil {
		return false, err
	}

	p.transition(StateGeocoding)
	result, err := p.geocoder.Geocode(ctx, parsed)
	if err != nil {
		return false, err
	}

	p.transition(StatePersisting)
	record := geo.Build(parsed, result.Fields())

	var inserted bool
	err = tx.Savepoint(ctx, func() error {
		var err error
		inserted, err = tx.UpsertGeoLocation(ctx, record)
		return err
	})
	if err != nil {
		return false, err
	}

	zap.L().Debug("pipeline: geocoded",
		zap.Int64("location_id", loc.ID),
		zap.String("name", loc.Name),
		zap.Float64("lat", record.Lat),
		zap.Float64("lng", record.Lng),
	)
	return inserted, nil
}

// finishRun writes the run log entry. Failures are logged only; the run
// outcome is already decided.
func (p *Pipeline) finishRun(ctx context.Context, run *store.Run, res *RunResult, runErr error) {
	run.Status = store.RunStatusCommitted
	if runErr != nil {
		run.Status = store.RunStatusAborted
		run.Error = runErr.Error()
	}
	run.Processed = res.Processed
	run.Geocoded = res.Geocoded
	run.Skipped = res.Skipped
	run.Aliased = res.Reconcile.Aliased

	if err := p.store.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		zap.L().Warn("pipeline: record run", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// SkipReason classifies a per-location error for logging.
func SkipReason(err error) string {
	var (
		parseErr    *geo.ParseError
		subdivErr   *geo.UnknownSubdivisionError
		timeoutErr  *geo.GeocodeTimeoutError
		notFoundErr *geo.GeocodeNotFoundError
		conflictErr *geo.PersistenceConflictError
	)
	switch {
	case errors.As(err, &parseErr):
		return "parse_error"
	case errors.As(err, &subdivErr):
		return "unknown_subdivision"
	case errors.As(err, &timeoutErr):
		return "geocode_timeout"
	case errors.As(err, &notFoundErr):
		return "geocode_not_found"
	case errors.As(err, &conflictErr):
		return "persistence_conflict"
	default:
		return "error"
	}
}

// Unresolvable reports whether err means the location cannot be resolved
// as named, as opposed to an upstream or store failure.
func Unresolvable(err error) bool {
	switch SkipReason(err) {
	case "parse_error", "unknown_subdivision", "geocode_not_found":
		return true
	}
	return false
}
