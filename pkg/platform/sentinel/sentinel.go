package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, the object store gateway and
// the work queue return these (optionally wrapped) so services can translate
// them into domain errors.
//
//   - ErrNotFound: row or object does not exist
//   - ErrConflict: a concurrent writer holds the resource
//   - ErrInvalidState: entity is in the wrong state for the requested operation
//   - ErrStale: the caller's view (run token, pending entry) was superseded
//   - ErrUnavailable: backend temporarily unavailable
//
// For validation errors (bad input, missing fields), use pkg/domain-errors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrStale        = errors.New("stale")
	ErrUnavailable  = errors.New("unavailable")
)
