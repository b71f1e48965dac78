package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mkarlsen/ticketscrub/internal/logger"
	"github.com/mkarlsen/ticketscrub/internal/pii"
	"go.uber.org/zap"
)

// Config contains orchestrator tuning.
type Config struct {
	// ProgressFlushEvery batches counter flushes: persisted progress is
	// written once per this many rows, not after every row.
	ProgressFlushEvery int
	// MaxTrackedErrors caps the per-run error list kept in statistics.
	MaxTrackedErrors int
}

// Orchestrator owns the processing-run lifecycle: it validates triggers,
// runs each accepted run in a background goroutine, drives the row loop
// through filter, classification and PII detection, and finalizes the run
// record. It is the only writer to a run's status and counters while the
// run is active; the cancel path only ever flips active → cancelled.
type Orchestrator struct {
	store    RunStore
	projects ProjectStore
	configs  ConfigStore
	catalog  SourceCatalog
	detector *pii.Detector
	progress ProgressSink // optional
	events   EventSink    // optional
	config   Config
	logger   *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates a run orchestrator.
func NewOrchestrator(
	store RunStore,
	projects ProjectStore,
	configs ConfigStore,
	catalog SourceCatalog,
	detector *pii.Detector,
	config Config,
	log *logger.Logger,
) *Orchestrator {
	if config.ProgressFlushEvery <= 0 {
		config.ProgressFlushEvery = 10
	}
	if config.MaxTrackedErrors <= 0 {
		config.MaxTrackedErrors = 50
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:    store,
		projects: projects,
		configs:  configs,
		catalog:  catalog,
		detector: detector,
		config:   config,
		logger:   log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetProgressSink attaches an optional live-progress cache.
func (o *Orchestrator) SetProgressSink(sink ProgressSink) { o.progress = sink }

// SetEventSink attaches an optional run event broadcaster.
func (o *Orchestrator) SetEventSink(sink EventSink) { o.events = sink }

// Trigger validates preconditions and creates a new pending run, then
// schedules its execution in the background. The caller gets the initial
// run record immediately and polls for progress.
func (o *Orchestrator) Trigger(ctx context.Context, projectID, userID int64) (*ProcessingRun, error) {
	exists, err := o.projects.ProjectExists(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("checking project: %w", err)
	}
	if !exists {
		return nil, ErrProjectNotFound
	}

	sources, err := o.catalog.ListSources(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}
	if len(sources) == 0 {
		return nil, ErrNoSources
	}

	total := 0
	for _, src := range sources {
		total += src.RecordCount
	}

	run := &ProcessingRun{
		ProjectID:    projectID,
		TriggeredBy:  userID,
		Status:       StatusPending,
		TotalRecords: total,
		CreatedAt:    time.Now().UTC(),
	}

	// CreateRun rejects concurrent triggers atomically; a read-then-write
	// check here would race.
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	o.logger.Info("Processing run triggered",
		zap.Int64("run_id", run.ID),
		zap.Int64("project_id", projectID),
		zap.Int("total_records", run.TotalRecords),
		zap.Int("sources", len(sources)),
	)
	o.publishStatus(run.ProjectID, run.ID, StatusPending, tally{}, run.TotalRecords)

	o.wg.Add(1)
	go o.execute(run.ID, projectID, run.TotalRecords)

	return run, nil
}

// GetRun returns a run, overlaying live counters from the progress sink
// while the run is active.
func (o *Orchestrator) GetRun(ctx context.Context, projectID, runID int64) (*ProcessingRun, error) {
	run, err := o.store.GetRun(ctx, projectID, runID)
	if err != nil {
		return nil, err
	}

	if run.Status.Active() && o.progress != nil {
		if p, err := o.progress.Fetch(ctx, runID); err == nil && p != nil {
			// Counters are monotonic; never let a stale snapshot move them back.
			run.ProcessedRecords = maxInt(run.ProcessedRecords, p.Processed)
			run.FilteredRecords = maxInt(run.FilteredRecords, p.Filtered)
			run.ErrorRecords = maxInt(run.ErrorRecords, p.Errors)
		}
	}

	return run, nil
}

// ListRuns returns a project's runs, newest first.
func (o *Orchestrator) ListRuns(ctx context.Context, projectID int64) ([]*ProcessingRun, error) {
	exists, err := o.projects.ProjectExists(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("checking project: %w", err)
	}
	if !exists {
		return nil, ErrProjectNotFound
	}
	return o.store.ListRuns(ctx, projectID)
}

// Cancel requests cooperative cancellation of an active run. The row loop
// observes the new status on its next per-row check and stops; records
// already persisted are kept.
func (o *Orchestrator) Cancel(ctx context.Context, projectID, runID int64) (*ProcessingRun, error) {
	run, err := o.store.GetRun(ctx, projectID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, ErrRunFinished
	}

	now := time.Now().UTC()
	ok, err := o.store.CancelRun(ctx, runID, now)
	if err != nil {
		return nil, fmt.Errorf("cancelling run: %w", err)
	}
	if !ok {
		// Lost the race against completion.
		return nil, ErrRunFinished
	}

	run.Status = StatusCancelled
	run.CompletedAt = &now

	o.logger.Info("Processing run cancelled",
		zap.Int64("run_id", runID),
		zap.Int64("project_id", projectID),
	)
	o.publishStatus(projectID, runID, StatusCancelled,
		tally{processed: run.ProcessedRecords, filtered: run.FilteredRecords, errors: run.ErrorRecords},
		run.TotalRecords)

	return run, nil
}

// Export writes the de-identified output of a completed run as JSONL: one
// content object per line, ascending source row order, filtered and errored
// records excluded. limit <= 0 exports everything.
func (o *Orchestrator) Export(ctx context.Context, projectID, runID int64, limit int, w io.Writer) error {
	run, err := o.store.GetRun(ctx, projectID, runID)
	if err != nil {
		return err
	}
	if run.Status != StatusCompleted {
		return ErrRunNotCompleted
	}

	contents, err := o.store.ListOutput(ctx, runID, limit)
	if err != nil {
		return fmt.Errorf("listing output: %w", err)
	}

	enc := json.NewEncoder(w)
	for i := range contents {
		if err := enc.Encode(&contents[i]); err != nil {
			return fmt.Errorf("encoding record: %w", err)
		}
	}
	return nil
}

// Shutdown drains in-flight runs. It waits until the context deadline for
// background executions to finish on their own, then cancels them and waits
// for the goroutines to exit.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return ctx.Err()
	}
}

// Wait blocks until all background executions have finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// tally tracks the run counters while the row loop is executing.
type tally struct {
	processed int
	filtered  int
	errors    int
	cancelled bool
}

func (t tally) total() int { return t.processed + t.filtered + t.errors }

// execute drives one run to a terminal state in the background.
func (o *Orchestrator) execute(runID, projectID int64, totalRecords int) {
	defer o.wg.Done()

	log := o.logger.WithRun(runID)
	t := &tally{}
	stats := &Statistics{Errors: []RowError{}}

	err := o.process(o.ctx, runID, projectID, totalRecords, t, stats, log)
	if err == nil {
		return
	}

	// Run-level failure. Finalize with whatever partial progress was made;
	// use a fresh context since o.ctx may be the reason we are here.
	now := time.Now().UTC()
	fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if ferr := o.store.FailRun(fctx, runID, t.processed, t.filtered, t.errors, err.Error(), now); ferr != nil {
		log.Error("Failed to finalize failed run", zap.Error(ferr), zap.NamedError("cause", err))
		return
	}

	log.Warn("Processing run failed",
		zap.Error(err),
		zap.Int("processed", t.processed),
		zap.Int("filtered", t.filtered),
		zap.Int("errors", t.errors),
	)
	o.publishStatus(projectID, runID, StatusFailed, *t, totalRecords)
	o.clearProgress(runID)
}

// process runs the row loop. Row-level failures are recorded and skipped;
// any returned error is a run-level failure.
func (o *Orchestrator) process(ctx context.Context, runID, projectID int64, totalRecords int, t *tally, stats *Statistics, log *logger.Logger) error {
	startedAt := time.Now().UTC()
	if err := o.store.MarkProcessing(ctx, runID, startedAt); err != nil {
		return fmt.Errorf("marking run processing: %w", err)
	}
	o.publishStatus(projectID, runID, StatusProcessing, *t, totalRecords)

	cfg, err := o.configs.GetConfig(ctx, projectID)
	if err != nil {
		return err
	}
	opts := cfg.DetectionOptions()

	sources, err := o.catalog.ListSources(ctx, projectID)
	if err != nil {
		return fmt.Errorf("listing sources: %w", err)
	}

	// One allocation scope per run: placeholder numbering and value
	// mappings are consistent across every source in this run and never
	// leak into other runs.
	scope := pii.NewAllocator()

	rowNumber := 0
	for _, src := range sources {
		if _, ok := src.MessageColumn(); !ok {
			log.Debug("Skipping source without message content mapping",
				zap.Int64("source_id", src.ID),
				zap.String("source", src.Name),
			)
			continue
		}

		rows, err := o.catalog.ReadRows(ctx, src.ID)
		if err != nil {
			return fmt.Errorf("reading source %d: %w", src.ID, err)
		}

		for _, row := range rows {
			rowNumber++

			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			// Cooperative cancellation, polled between rows.
			status, err := o.store.GetRunStatus(ctx, runID)
			if err != nil {
				return fmt.Errorf("checking run status: %w", err)
			}
			if status == StatusCancelled {
				t.cancelled = true
				log.Info("Run cancelled, stopping row loop",
					zap.Int("rows_seen", rowNumber-1),
					zap.Int("processed", t.processed),
				)
				// Persist the counters accumulated since the last flush.
				if err := o.store.UpdateProgress(ctx, runID, t.processed, t.filtered, t.errors); err != nil {
					log.Warn("Failed to flush counters after cancellation", zap.Error(err))
				}
				o.clearProgress(runID)
				return nil
			}

			if err := o.processRow(ctx, runID, rowNumber, row, src.Mapping, cfg, opts, scope, t, stats); err != nil {
				return err
			}

			if t.total()%o.config.ProgressFlushEvery == 0 {
				o.flushProgress(ctx, runID, projectID, totalRecords, *t, log)
			}
		}
	}

	stats.PIICounts = countsFromScope(scope)

	completedAt := time.Now().UTC()
	if err := o.store.CompleteRun(ctx, runID, t.processed, t.filtered, t.errors, stats, completedAt); err != nil {
		return fmt.Errorf("finalizing run: %w", err)
	}

	log.Info("Processing run completed",
		zap.Int("rows", rowNumber),
		zap.Int("processed", t.processed),
		zap.Int("filtered", t.filtered),
		zap.Int("errors", t.errors),
		zap.Duration("duration", completedAt.Sub(startedAt)),
	)
	o.publishStatus(projectID, runID, StatusCompleted, *t, totalRecords)
	o.clearProgress(runID)
	return nil
}

// processRow evaluates, detects and persists the outcome of a single row.
// Only storage failures propagate; anything wrong with the row itself is
// recorded as a row error and the run continues.
func (o *Orchestrator) processRow(ctx context.Context, runID int64, rowNumber int, row Row, mapping Mapping, cfg *ProcessingConfig, opts pii.Options, scope *pii.Allocator, t *tally, stats *Statistics) error {
	outcome, evalErr := Evaluate(row, mapping, cfg)
	if evalErr != nil {
		t.errors++
		if len(stats.Errors) < o.config.MaxTrackedErrors {
			stats.Errors = append(stats.Errors, RowError{Row: rowNumber, Message: evalErr.Error()})
		}
		rec := &ProcessedRecord{
			RunID:           runID,
			SourceRowNumber: rowNumber,
			Content:         Content{Messages: []Message{}},
			HasError:        true,
			ErrorMessage:    evalErr.Error(),
		}
		if err := o.store.AppendRecord(ctx, rec); err != nil {
			return fmt.Errorf("persisting error record: %w", err)
		}
		return nil
	}

	if outcome.Filtered {
		t.filtered++
		switch outcome.FilterReason {
		case ReasonStatus:
			stats.FilterBreakdown.Status++
		case ReasonDateRange:
			stats.FilterBreakdown.DateRange++
		default:
			stats.FilterBreakdown.MinLength++
		}
		rec := &ProcessedRecord{
			RunID:           runID,
			SourceRowNumber: rowNumber,
			Content:         Content{Messages: []Message{}},
			WasFiltered:     true,
			FilterReason:    outcome.FilterReason,
		}
		if err := o.store.AppendRecord(ctx, rec); err != nil {
			return fmt.Errorf("persisting filtered record: %w", err)
		}
		return nil
	}

	result := o.detector.Detect(outcome.Content, opts, scope)

	rec := &ProcessedRecord{
		RunID:           runID,
		SourceRowNumber: rowNumber,
		Content: Content{
			Messages: []Message{{Role: outcome.Role, Content: result.Text}},
			Metadata: metadataFromRow(row, mapping),
		},
		PIIMappings: result.Mappings,
	}
	if err := o.store.AppendRecord(ctx, rec); err != nil {
		return fmt.Errorf("persisting processed record: %w", err)
	}

	t.processed++
	return nil
}

// flushProgress writes the counters to the run store and the optional
// live sinks. Flush failures never fail the run.
func (o *Orchestrator) flushProgress(ctx context.Context, runID, projectID int64, totalRecords int, t tally, log *logger.Logger) {
	if err := o.store.UpdateProgress(ctx, runID, t.processed, t.filtered, t.errors); err != nil {
		log.Warn("Failed to flush run progress", zap.Error(err))
	}

	if o.progress != nil {
		p := Progress{
			Status:    StatusProcessing,
			Processed: t.processed,
			Filtered:  t.filtered,
			Errors:    t.errors,
			UpdatedAt: time.Now().UTC(),
		}
		if err := o.progress.Publish(ctx, runID, p); err != nil {
			log.Warn("Failed to publish progress snapshot", zap.Error(err))
		}
	}

	if o.events != nil {
		o.events.PublishRunEvent(RunEvent{
			Type:      "run_progress",
			ProjectID: projectID,
			RunID:     runID,
			Status:    StatusProcessing,
			Processed: t.processed,
			Filtered:  t.filtered,
			Errors:    t.errors,
			Total:     totalRecords,
			Timestamp: time.Now().UTC(),
		})
	}
}

func (o *Orchestrator) publishStatus(projectID, runID int64, status RunStatus, t tally, totalRecords int) {
	if o.events == nil {
		return
	}
	o.events.PublishRunEvent(RunEvent{
		Type:      "run_status",
		ProjectID: projectID,
		RunID:     runID,
		Status:    status,
		Processed: t.processed,
		Filtered:  t.filtered,
		Errors:    t.errors,
		Total:     totalRecords,
		Timestamp: time.Now().UTC(),
	})
}

func (o *Orchestrator) clearProgress(runID int64) {
	if o.progress == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.progress.Clear(ctx, runID); err != nil {
		o.logger.Warn("Failed to clear progress snapshot", zap.Int64("run_id", runID), zap.Error(err))
	}
}

func countsFromScope(scope *pii.Allocator) PIICounts {
	counts := scope.Counts()
	return PIICounts{
		Names:     counts[pii.CategoryPerson],
		Emails:    counts[pii.CategoryEmail],
		Phones:    counts[pii.CategoryPhone],
		Companies: counts[pii.CategoryCompany],
		Addresses: counts[pii.CategoryAddress],
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
