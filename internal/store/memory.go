package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mkarlsen/ticketscrub/internal/pipeline"
)

// Memory is an in-memory implementation of the pipeline stores. It backs the
// offline batch tool and tests, where a database round-trip per row would be
// pointless.
type Memory struct {
	mu       sync.Mutex
	nextRun  int64
	projects map[int64]bool
	configs  map[int64]*pipeline.ProcessingConfig
	sources  map[int64][]*pipeline.Source
	rows     map[int64][]pipeline.Row
	runs     map[int64]*pipeline.ProcessingRun
	records  map[int64][]*pipeline.ProcessedRecord
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		nextRun:  1,
		projects: make(map[int64]bool),
		configs:  make(map[int64]*pipeline.ProcessingConfig),
		sources:  make(map[int64][]*pipeline.Source),
		rows:     make(map[int64][]pipeline.Row),
		runs:     make(map[int64]*pipeline.ProcessingRun),
		records:  make(map[int64][]*pipeline.ProcessedRecord),
	}
}

// AddProject registers a project.
func (m *Memory) AddProject(projectID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[projectID] = true
}

// SetConfig sets the processing configuration for a project.
func (m *Memory) SetConfig(projectID int64, cfg *pipeline.ProcessingConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg.ProjectID = projectID
	m.configs[projectID] = cfg
}

// AddSource registers a source and its rows; the record count is taken from
// the row slice.
func (m *Memory) AddSource(src *pipeline.Source, rows []pipeline.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src.RecordCount = len(rows)
	m.sources[src.ProjectID] = append(m.sources[src.ProjectID], src)
	m.rows[src.ID] = rows
}

func (m *Memory) ProjectExists(ctx context.Context, projectID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.projects[projectID], nil
}

func (m *Memory) GetConfig(ctx context.Context, projectID int64) (*pipeline.ProcessingConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[projectID]
	if !ok {
		return nil, pipeline.ErrNoConfig
	}
	copied := *cfg
	return &copied, nil
}

func (m *Memory) ListSources(ctx context.Context, projectID int64) ([]*pipeline.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*pipeline.Source(nil), m.sources[projectID]...), nil
}

func (m *Memory) ReadRows(ctx context.Context, sourceID int64) ([]pipeline.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pipeline.Row(nil), m.rows[sourceID]...), nil
}

func (m *Memory) CreateRun(ctx context.Context, run *pipeline.ProcessingRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.runs {
		if existing.ProjectID == run.ProjectID && existing.Status.Active() {
			return pipeline.ErrRunActive
		}
	}
	run.ID = m.nextRun
	m.nextRun++
	copied := *run
	m.runs[run.ID] = &copied
	return nil
}

func (m *Memory) GetRun(ctx context.Context, projectID, runID int64) (*pipeline.ProcessingRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok || run.ProjectID != projectID {
		return nil, pipeline.ErrRunNotFound
	}
	copied := *run
	return &copied, nil
}

func (m *Memory) ListRuns(ctx context.Context, projectID int64) ([]*pipeline.ProcessingRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var runs []*pipeline.ProcessingRun
	for _, run := range m.runs {
		if run.ProjectID == projectID {
			copied := *run
			runs = append(runs, &copied)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].ID > runs[j].ID })
	return runs, nil
}

func (m *Memory) GetRunStatus(ctx context.Context, runID int64) (pipeline.RunStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return "", pipeline.ErrRunNotFound
	}
	return run.Status, nil
}

func (m *Memory) MarkProcessing(ctx context.Context, runID int64, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return pipeline.ErrRunNotFound
	}
	if run.Status == pipeline.StatusPending {
		run.Status = pipeline.StatusProcessing
		t := startedAt
		run.StartedAt = &t
	}
	return nil
}

func (m *Memory) UpdateProgress(ctx context.Context, runID int64, processed, filtered, errored int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return pipeline.ErrRunNotFound
	}
	run.ProcessedRecords = processed
	run.FilteredRecords = filtered
	run.ErrorRecords = errored
	return nil
}

func (m *Memory) CompleteRun(ctx context.Context, runID int64, processed, filtered, errored int, stats *pipeline.Statistics, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return pipeline.ErrRunNotFound
	}
	if run.Status != pipeline.StatusProcessing {
		return nil
	}
	run.Status = pipeline.StatusCompleted
	run.ProcessedRecords = processed
	run.FilteredRecords = filtered
	run.ErrorRecords = errored
	run.Statistics = stats
	t := completedAt
	run.CompletedAt = &t
	return nil
}

func (m *Memory) FailRun(ctx context.Context, runID int64, processed, filtered, errored int, message string, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return pipeline.ErrRunNotFound
	}
	if !run.Status.Active() {
		return nil
	}
	run.Status = pipeline.StatusFailed
	run.ProcessedRecords = processed
	run.FilteredRecords = filtered
	run.ErrorRecords = errored
	run.ErrorMessage = message
	t := completedAt
	run.CompletedAt = &t
	return nil
}

func (m *Memory) CancelRun(ctx context.Context, runID int64, completedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return false, pipeline.ErrRunNotFound
	}
	if !run.Status.Active() {
		return false, nil
	}
	run.Status = pipeline.StatusCancelled
	t := completedAt
	run.CompletedAt = &t
	return true, nil
}

func (m *Memory) AppendRecord(ctx context.Context, rec *pipeline.ProcessedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = int64(len(m.records[rec.RunID]) + 1)
	rec.CreatedAt = time.Now()
	copied := *rec
	m.records[rec.RunID] = append(m.records[rec.RunID], &copied)
	return nil
}

func (m *Memory) ListOutput(ctx context.Context, runID int64, limit int) ([]pipeline.Content, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := append([]*pipeline.ProcessedRecord(nil), m.records[runID]...)
	sort.Slice(recs, func(i, j int) bool { return recs[i].SourceRowNumber < recs[j].SourceRowNumber })

	var contents []pipeline.Content
	for _, rec := range recs {
		if rec.WasFiltered || rec.HasError {
			continue
		}
		contents = append(contents, rec.Content)
		if limit > 0 && len(contents) >= limit {
			break
		}
	}
	return contents, nil
}

// Records returns every persisted record for a run, for inspection in tests.
func (m *Memory) Records(runID int64) []*pipeline.ProcessedRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*pipeline.ProcessedRecord(nil), m.records[runID]...)
}
