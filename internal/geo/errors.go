package geo

import (
	"fmt"

	"github.com/rotisserie/eris"
)

// ErrNotFound is returned by read helpers when no record matches.
var ErrNotFound = eris.New("geo: not found")

// ParseError reports a location name that cannot be parsed.
type ParseError struct {
	Name   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("geo: parse %q: %s", e.Name, e.Reason)
}

// UnknownSubdivisionError reports a two-letter code missing from the
// subdivision table.
type UnknownSubdivisionError struct {
	Code string
}

func (e *UnknownSubdivisionError) Error() string {
	return fmt.Sprintf("geo: unknown subdivision code %q", e.Code)
}

// GeocodeTimeoutError is returned after the geocoder timed out on every attempt.
type GeocodeTimeoutError struct {
	Query    string
	Attempts int
	Err      error
}

func (e *GeocodeTimeoutError) Error() string {
	return fmt.Sprintf("geocode: %q timed out after %d attempts: %v", e.Query, e.Attempts, e.Err)
}

func (e *GeocodeTimeoutError) Unwrap() error { return e.Err }

// GeocodeNotFoundError is returned when the geocoder has no match.
type GeocodeNotFoundError struct {
	Query string
}

func (e *GeocodeNotFoundError) Error() string {
	return fmt.Sprintf("geocode: no result for %q", e.Query)
}

// PersistenceConflictError wraps a constraint violation on write.
type PersistenceConflictError struct {
	Op string
	// Constraint is the violated constraint kind ("unique", "foreign key",
	// ...) when the backend reports it.
	Constraint string
	Err        error
}

func (e *PersistenceConflictError) Error() string {
	if e.Constraint != "" {
		return fmt.Sprintf("store: %s: %s violation: %v", e.Op, e.Constraint, e.Err)
	}
	return fmt.Sprintf("store: %s: constraint violation: %v", e.Op, e.Err)
}

func (e *PersistenceConflictError) Unwrap() error { return e.Err }

// ReconciliationError reports a duplicate group that could not be merged.
type ReconciliationError struct {
	SurvivorID int64
	LosingID   int64
	Err        error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconcile: merge %d into %d: %v", e.LosingID, e.SurvivorID, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }
