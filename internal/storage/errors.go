package storage

import "errors"

var (
	// ErrNotFound is returned when a goal, item, decision or run does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrRunFinalized is returned by FinalizeRun when the run already left RUNNING.
	ErrRunFinalized = errors.New("storage: run already finalized")

	// ErrMigrationLocked is returned by RunMigrations when another process
	// held the migration lock past the caller's deadline.
	ErrMigrationLocked = errors.New("storage: migration lock not acquired")
)
