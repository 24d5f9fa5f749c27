package domain

import "errors"

// Failure classes shared across components. Wrap them with fmt.Errorf("...: %w", ErrX).
var (
	ErrValidation      = errors.New("validation failed")
	ErrExecution       = errors.New("build execution failed")
	ErrStorage         = errors.New("object storage failure")
	ErrNodeUnavailable = errors.New("builder node unavailable")
)
