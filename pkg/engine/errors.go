package engine

import (
	"errors"

	"codeberg.org/dirbridge/dirbridge/pkg/directory"
)

// ErrorClass is the engine's error taxonomy. Each class drives a
// different recovery path: transient errors retry the same record,
// dependency errors park it in the reject queue, conflicts take the
// reanimation path and permanent errors drop the record.
type ErrorClass int

const (
	ClassTransient ErrorClass = iota
	ClassDependency
	ClassConflict
	ClassPermanent
)

func Classify(err error) ErrorClass {
	switch {
	case errors.Is(err, directory.ErrUnavailable):
		return ClassTransient
	case errors.Is(err, directory.ErrNotFound):
		// A missing target or superior object: usually an ordering
		// problem that resolves once the dependency syncs.
		return ClassDependency
	case errors.Is(err, directory.ErrNotAllowedOnNonLeaf):
		// Children may still be pending deletion; park and retry later.
		return ClassDependency
	case errors.Is(err, directory.ErrAlreadyExists):
		return ClassConflict
	default:
		return ClassPermanent
	}
}

// ErrDirectoryUnavailable escalates past the bounded per-record retries;
// the process exits and external supervision restarts it.
var ErrDirectoryUnavailable = errors.New("engine: directory unavailable after retries")
