// Package kerr defines the build pipeline's error-kind taxonomy as a
// single value type, carried through return values rather than panics.
package kerr

import "fmt"

// Kind classifies a BuildError for reporting and control-flow decisions
// (which kinds abort the whole run vs. stay scoped to one tile).
type Kind string

const (
	InvalidInput          Kind = "InvalidInput"
	CacheInconsistency     Kind = "CacheInconsistency"
	NormalizationFailure   Kind = "NormalizationFailure"
	CoverageBelowThreshold Kind = "CoverageBelowThreshold"
	BackendTransient       Kind = "BackendTransient"
	BackendFatal           Kind = "BackendFatal"
	ValidationFailure      Kind = "ValidationFailure"
	EnrichmentFailure      Kind = "EnrichmentFailure"
	Cancellation           Kind = "Cancellation"
)

// Fatal reports whether errors of this kind abort the whole run rather
// than staying scoped to the tile that produced them.
func (k Kind) Fatal() bool {
	return k == InvalidInput || k == Cancellation
}

// BuildError is the single error type surfaced across the pipeline. Tile
// is empty for run-global errors (InvalidInput at plan time, Cancellation).
type BuildError struct {
	Kind       Kind
	Tile       string
	Reason     string
	Remediation string
	Err        error
}

func (e *BuildError) Error() string {
	if e.Tile != "" {
		return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Tile, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *BuildError) Unwrap() error { return e.Err }

// New builds a run-global BuildError (no tile context).
func New(kind Kind, reason string, err error) *BuildError {
	return &BuildError{Kind: kind, Reason: reason, Err: err}
}

// ForTile builds a per-tile BuildError.
func ForTile(kind Kind, tile, reason string, err error) *BuildError {
	return &BuildError{Kind: kind, Tile: tile, Reason: reason, Err: err}
}

// WithRemediation attaches a remediation hint and returns the receiver
// for chaining at the construction site.
func (e *BuildError) WithRemediation(hint string) *BuildError {
	e.Remediation = hint
	return e
}

// As reports whether err is a *BuildError of the given kind.
func As(err error, kind Kind) bool {
	be, ok := err.(*BuildError)
	if !ok {
		return false
	}
	return be.Kind == kind
}
