package pipeline

import (
	"context"
	"time"
)

// ProjectStore answers project existence for already-authorized identifiers.
type ProjectStore interface {
	ProjectExists(ctx context.Context, projectID int64) (bool, error)
}

// ConfigStore provides per-project processing settings.
// Returns ErrNoConfig when the project has none.
type ConfigStore interface {
	GetConfig(ctx context.Context, projectID int64) (*ProcessingConfig, error)
}

// SourceCatalog lists a project's parsed sources and reads their rows.
// ReadRows is restartable: every call yields the full ordered row sequence
// from the beginning.
type SourceCatalog interface {
	ListSources(ctx context.Context, projectID int64) ([]*Source, error)
	ReadRows(ctx context.Context, sourceID int64) ([]Row, error)
}

// RunStore persists processing runs and their per-row outcomes.
type RunStore interface {
	// CreateRun inserts a new pending run. It must atomically enforce the
	// single-active-run-per-project invariant and return ErrRunActive when
	// violated, even under concurrent triggers.
	CreateRun(ctx context.Context, run *ProcessingRun) error

	// GetRun returns a run scoped to its project, or ErrRunNotFound.
	GetRun(ctx context.Context, projectID, runID int64) (*ProcessingRun, error)

	// ListRuns returns a project's runs, newest first.
	ListRuns(ctx context.Context, projectID int64) ([]*ProcessingRun, error)

	// GetRunStatus reads the current status; the row loop polls this
	// between rows to observe cancellation.
	GetRunStatus(ctx context.Context, runID int64) (RunStatus, error)

	// MarkProcessing flips pending → processing and stamps startedAt.
	MarkProcessing(ctx context.Context, runID int64, startedAt time.Time) error

	// UpdateProgress flushes the monotonic counters of an active run.
	UpdateProgress(ctx context.Context, runID int64, processed, filtered, errors int) error

	// CompleteRun finalizes a successful run with its statistics.
	CompleteRun(ctx context.Context, runID int64, processed, filtered, errors int, stats *Statistics, completedAt time.Time) error

	// FailRun finalizes a failed run, retaining partial counters.
	FailRun(ctx context.Context, runID int64, processed, filtered, errors int, message string, completedAt time.Time) error

	// CancelRun conditionally transitions an active run to cancelled and
	// stamps completedAt. Returns false when the run was no longer active.
	CancelRun(ctx context.Context, runID int64, completedAt time.Time) (bool, error)

	// AppendRecord persists one row outcome.
	AppendRecord(ctx context.Context, rec *ProcessedRecord) error

	// ListOutput returns the content of successfully processed records in
	// ascending source row order. limit <= 0 means all.
	ListOutput(ctx context.Context, runID int64, limit int) ([]Content, error)
}

// ProgressSink receives live counter snapshots for polling clients.
// Implementations must tolerate being skipped entirely (a nil sink).
type ProgressSink interface {
	Publish(ctx context.Context, runID int64, p Progress) error
	Fetch(ctx context.Context, runID int64) (*Progress, error)
	Clear(ctx context.Context, runID int64) error
}

// EventSink receives run lifecycle and progress events for live streaming.
type EventSink interface {
	PublishRunEvent(evt RunEvent)
}
