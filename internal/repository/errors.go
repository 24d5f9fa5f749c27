package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrBuildFinalized indicates a status change was attempted on a terminal build.
var ErrBuildFinalized = errors.New("repository: build already finalized")

// ErrConflict indicates a uniqueness violation.
var ErrConflict = errors.New("repository: conflict")
