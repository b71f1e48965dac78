package pipeline

import "errors"

// Request-level errors. These are rejected synchronously before any
// background work starts; the handler layer maps them to HTTP statuses.
var (
	// ErrProjectNotFound: the project does not exist or is soft-deleted.
	ErrProjectNotFound = errors.New("project not found")

	// ErrRunNotFound: no such processing run for the project.
	ErrRunNotFound = errors.New("processing run not found")

	// ErrRunActive: another run for the project is pending or processing.
	ErrRunActive = errors.New("a processing run is already active for this project")

	// ErrNoSources: the project has no data sources.
	ErrNoSources = errors.New("project has no data sources")

	// ErrNoEligibleSource: no parsed source has a message-content mapping.
	ErrNoEligibleSource = errors.New("no parsed source with a message content mapping")

	// ErrNoConfig: the project has no processing configuration.
	ErrNoConfig = errors.New("processing config not found")

	// ErrRunFinished: the run is already in a terminal state.
	ErrRunFinished = errors.New("processing run is already finished")

	// ErrRunNotCompleted: output download requires a completed run.
	ErrRunNotCompleted = errors.New("processing run is not completed")
)
