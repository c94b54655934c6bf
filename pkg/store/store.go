// Package store provides the intermediate data store used between flow
// steps: step outputs and fan-out manifests keyed by (flow, run, step).
//
// Two interchangeable implementations are provided: LocalStore, a
// disposable filesystem store for local runs, and SQLiteStore, a durable
// store backed by a SQLite database.
package store

import "errors"

// ErrNotFound is returned by Read and ReadManifest when no object exists
// at the given location.
var ErrNotFound = errors.New("store: object not found")

// Store is the narrow contract the engine uses for intermediate data.
//
// Write and WriteManifest return the location of the stored object; Read
// and ReadManifest take a location previously returned or computed via
// OutputLocation / ManifestLocation. Locations are opaque to callers.
type Store interface {
	// Write persists a step's output value and returns its location.
	Write(flowName, runID, stepName string, v any) (string, error)

	// WriteManifest persists the ordered element list produced by a step
	// whose output feeds a fan-out region.
	WriteManifest(flowName, runID, stepName string, items []any) (string, error)

	// Read loads a value previously stored with Write.
	Read(location string) (any, error)

	// ReadManifest loads an element list previously stored with
	// WriteManifest, preserving order.
	ReadManifest(location string) ([]any, error)

	// OutputLocation returns the location Write would use for the given
	// key, whether or not anything is stored there yet.
	OutputLocation(flowName, runID, stepName string) string

	// ManifestLocation is OutputLocation for manifests.
	ManifestLocation(flowName, runID, stepName string) string

	// Cleanup disposes of the store's data where that is appropriate for
	// the implementation. Durable stores may treat it as a no-op.
	Cleanup() error
}
