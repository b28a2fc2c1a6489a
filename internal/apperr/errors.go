// Package apperr holds the sentinel errors shared across waymark packages.
package apperr

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrInvalidTransition is returned when a status change is applied
	// without passing the lifecycle pre-check.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidRelationship is returned when an edge violates the entity
	// type rules.
	ErrInvalidRelationship = errors.New("invalid relationship")

	// ErrCycle is returned when a caller refuses a dependency that would
	// close a cycle.
	ErrCycle = errors.New("dependency cycle")
)
