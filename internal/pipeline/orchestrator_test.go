package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/mkarlsen/ticketscrub/internal/logger"
	"github.com/mkarlsen/ticketscrub/internal/pii"
	"github.com/mkarlsen/ticketscrub/internal/pipeline"
	"github.com/mkarlsen/ticketscrub/internal/store"
)

func defaultConfig() *pipeline.ProcessingConfig {
	return &pipeline.ProcessingConfig{
		DeIdentificationEnabled: true,
		DetectNames:             true,
		DetectEmails:            true,
		DetectPhones:            true,
		DetectCompanies:         true,
		DetectAddresses:         true,
		MinMessageLength:        10,
		AgentRoleValue:          "agent",
		CustomerRoleValue:       "customer",
	}
}

func defaultMapping() pipeline.Mapping {
	return pipeline.Mapping{
		pipeline.TargetMessageContent: "body",
		pipeline.TargetSenderRole:     "role",
		pipeline.TargetTicketID:       "ticket",
	}
}

func newOrchestrator(mem *store.Memory, catalog pipeline.SourceCatalog) *pipeline.Orchestrator {
	if catalog == nil {
		catalog = mem
	}
	detector := pii.NewDetector(logger.NewNop())
	return pipeline.NewOrchestrator(mem, mem, mem, catalog, detector, pipeline.Config{}, logger.NewNop())
}

// captureSink records published run events.
type captureSink struct {
	mu     sync.Mutex
	events []pipeline.RunEvent
}

func (c *captureSink) PublishRunEvent(evt pipeline.RunEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureSink) statuses() []pipeline.RunStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []pipeline.RunStatus
	for _, evt := range c.events {
		if evt.Type == "run_status" {
			out = append(out, evt.Status)
		}
	}
	return out
}

// gatedCatalog delays ReadRows until the gate opens, keeping a run in
// flight long enough to race other operations against it.
type gatedCatalog struct {
	*store.Memory
	gate chan struct{}
}

func (g *gatedCatalog) ReadRows(ctx context.Context, sourceID int64) ([]pipeline.Row, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.Memory.ReadRows(ctx, sourceID)
}

func seedScenario(mem *store.Memory) {
	mem.AddProject(1)
	mem.SetConfig(1, defaultConfig())
	mem.AddSource(&pipeline.Source{ID: 1, ProjectID: 1, Name: "tickets-a.csv", Mapping: defaultMapping()}, []pipeline.Row{
		{"body": "Contact jane@acme.com about the refund", "role": "agent", "ticket": "T-1"},
		{"body": "short", "role": "agent"},
		{"body": "Call me at 555-123-4567 anytime", "role": "customer", "ticket": "T-2"},
		{"role": "agent"}, // message column missing
		{"body": "Dear John Smith, thanks for writing in", "role": "agent", "ticket": "T-3"},
		{"body": "tiny", "role": "customer"},
	})
	mem.AddSource(&pipeline.Source{ID: 2, ProjectID: 1, Name: "tickets-b.csv", Mapping: defaultMapping()}, []pipeline.Row{
		{"body": "Email jane@acme.com again please", "role": "customer", "ticket": "T-4"},
		{"body": "Reach bob@acme.com for escalation", "role": "agent", "ticket": "T-5"},
		{"body": "nope", "role": "agent"},
		{"body": "Another message from John Smith here okay", "role": "customer", "ticket": "T-6"},
	})
}

func TestOrchestrator(t *testing.T) {
	ctx := context.Background()

	t.Run("processes a run across sources", func(t *testing.T) {
		mem := store.NewMemory()
		seedScenario(mem)
		sink := &captureSink{}
		orch := newOrchestrator(mem, nil)
		orch.SetEventSink(sink)

		run, err := orch.Trigger(ctx, 1, 7)
		if err != nil {
			t.Fatal(err)
		}
		if run.Status != pipeline.StatusPending {
			t.Errorf("expected pending, got %s", run.Status)
		}
		if run.TotalRecords != 10 {
			t.Errorf("expected 10 total records, got %d", run.TotalRecords)
		}
		orch.Wait()

		final, err := orch.GetRun(ctx, 1, run.ID)
		if err != nil {
			t.Fatal(err)
		}
		if final.Status != pipeline.StatusCompleted {
			t.Fatalf("expected completed, got %s (%s)", final.Status, final.ErrorMessage)
		}
		if final.ProcessedRecords != 6 || final.FilteredRecords != 3 || final.ErrorRecords != 1 {
			t.Errorf("unexpected counters: processed=%d filtered=%d errors=%d",
				final.ProcessedRecords, final.FilteredRecords, final.ErrorRecords)
		}
		if final.CompletedAt == nil || final.StartedAt == nil {
			t.Error("expected timestamps on completed run")
		}

		stats := final.Statistics
		if stats == nil {
			t.Fatal("expected statistics on completed run")
		}
		if stats.PIICounts.Emails != 2 {
			t.Errorf("expected 2 distinct emails, got %d", stats.PIICounts.Emails)
		}
		if stats.PIICounts.Names != 1 {
			t.Errorf("expected 1 distinct name, got %d", stats.PIICounts.Names)
		}
		if stats.PIICounts.Phones != 1 {
			t.Errorf("expected 1 distinct phone, got %d", stats.PIICounts.Phones)
		}
		if stats.FilterBreakdown.MinLength != 3 {
			t.Errorf("expected 3 min-length filters, got %d", stats.FilterBreakdown.MinLength)
		}
		if len(stats.Errors) != 1 || stats.Errors[0].Row != 4 {
			t.Errorf("unexpected error list: %+v", stats.Errors)
		}

		statuses := sink.statuses()
		want := []pipeline.RunStatus{pipeline.StatusPending, pipeline.StatusProcessing, pipeline.StatusCompleted}
		if len(statuses) != len(want) {
			t.Fatalf("unexpected status events: %v", statuses)
		}
		for i := range want {
			if statuses[i] != want[i] {
				t.Errorf("status event %d: expected %s, got %s", i, want[i], statuses[i])
			}
		}
	})

	t.Run("row numbering is contiguous across sources", func(t *testing.T) {
		mem := store.NewMemory()
		seedScenario(mem)
		orch := newOrchestrator(mem, nil)

		run, err := orch.Trigger(ctx, 1, 0)
		if err != nil {
			t.Fatal(err)
		}
		orch.Wait()

		records := mem.Records(run.ID)
		if len(records) != 10 {
			t.Fatalf("expected a record per row, got %d", len(records))
		}
		seen := make(map[int]bool)
		for _, rec := range records {
			seen[rec.SourceRowNumber] = true
		}
		for n := 1; n <= 10; n++ {
			if !seen[n] {
				t.Errorf("missing row number %d", n)
			}
		}
	})

	t.Run("placeholders are stable within a run", func(t *testing.T) {
		mem := store.NewMemory()
		seedScenario(mem)
		orch := newOrchestrator(mem, nil)

		run, err := orch.Trigger(ctx, 1, 0)
		if err != nil {
			t.Fatal(err)
		}
		orch.Wait()

		var first, repeat *pipeline.ProcessedRecord
		for _, rec := range mem.Records(run.ID) {
			switch rec.SourceRowNumber {
			case 1:
				first = rec
			case 7:
				repeat = rec
			}
		}
		if first == nil || repeat == nil {
			t.Fatal("expected records for rows 1 and 7")
		}
		if first.PIIMappings["jane@acme.com"] != "[EMAIL_1]" {
			t.Errorf("unexpected mapping on first occurrence: %v", first.PIIMappings)
		}
		if repeat.PIIMappings["jane@acme.com"] != "[EMAIL_1]" {
			t.Errorf("repeat occurrence in another source should reuse the placeholder: %v", repeat.PIIMappings)
		}
	})

	t.Run("rejects concurrent runs for one project", func(t *testing.T) {
		mem := store.NewMemory()
		seedScenario(mem)
		catalog := &gatedCatalog{Memory: mem, gate: make(chan struct{})}
		orch := newOrchestrator(mem, catalog)

		if _, err := orch.Trigger(ctx, 1, 0); err != nil {
			t.Fatal(err)
		}
		if _, err := orch.Trigger(ctx, 1, 0); !errors.Is(err, pipeline.ErrRunActive) {
			t.Errorf("expected ErrRunActive, got %v", err)
		}

		close(catalog.gate)
		orch.Wait()

		// A finished run releases the project.
		if _, err := orch.Trigger(ctx, 1, 0); err != nil {
			t.Errorf("trigger after completion should succeed: %v", err)
		}
		orch.Wait()
	})

	t.Run("unknown project", func(t *testing.T) {
		mem := store.NewMemory()
		orch := newOrchestrator(mem, nil)

		if _, err := orch.Trigger(ctx, 42, 0); !errors.Is(err, pipeline.ErrProjectNotFound) {
			t.Errorf("expected ErrProjectNotFound, got %v", err)
		}
	})

	t.Run("project without sources", func(t *testing.T) {
		mem := store.NewMemory()
		mem.AddProject(1)
		mem.SetConfig(1, defaultConfig())
		orch := newOrchestrator(mem, nil)

		if _, err := orch.Trigger(ctx, 1, 0); !errors.Is(err, pipeline.ErrNoSources) {
			t.Errorf("expected ErrNoSources, got %v", err)
		}
	})

	t.Run("missing config fails the run", func(t *testing.T) {
		mem := store.NewMemory()
		mem.AddProject(1)
		mem.AddSource(&pipeline.Source{ID: 1, ProjectID: 1, Mapping: defaultMapping()}, []pipeline.Row{
			{"body": "hello there friend"},
		})
		orch := newOrchestrator(mem, nil)

		run, err := orch.Trigger(ctx, 1, 0)
		if err != nil {
			t.Fatal(err)
		}
		orch.Wait()

		final, err := orch.GetRun(ctx, 1, run.ID)
		if err != nil {
			t.Fatal(err)
		}
		if final.Status != pipeline.StatusFailed {
			t.Errorf("expected failed, got %s", final.Status)
		}
		if final.ErrorMessage == "" {
			t.Error("expected error message on failed run")
		}
	})

	t.Run("cancel stops an active run", func(t *testing.T) {
		mem := store.NewMemory()
		seedScenario(mem)
		catalog := &gatedCatalog{Memory: mem, gate: make(chan struct{})}
		orch := newOrchestrator(mem, catalog)

		run, err := orch.Trigger(ctx, 1, 0)
		if err != nil {
			t.Fatal(err)
		}

		cancelled, err := orch.Cancel(ctx, 1, run.ID)
		if err != nil {
			t.Fatal(err)
		}
		if cancelled.Status != pipeline.StatusCancelled {
			t.Errorf("expected cancelled, got %s", cancelled.Status)
		}

		close(catalog.gate)
		orch.Wait()

		final, err := orch.GetRun(ctx, 1, run.ID)
		if err != nil {
			t.Fatal(err)
		}
		if final.Status != pipeline.StatusCancelled {
			t.Errorf("run should stay cancelled, got %s", final.Status)
		}
	})

	t.Run("cancel of a finished run is rejected", func(t *testing.T) {
		mem := store.NewMemory()
		seedScenario(mem)
		orch := newOrchestrator(mem, nil)

		run, err := orch.Trigger(ctx, 1, 0)
		if err != nil {
			t.Fatal(err)
		}
		orch.Wait()

		if _, err := orch.Cancel(ctx, 1, run.ID); !errors.Is(err, pipeline.ErrRunFinished) {
			t.Errorf("expected ErrRunFinished, got %v", err)
		}
	})

	t.Run("cancel of an unknown run", func(t *testing.T) {
		mem := store.NewMemory()
		seedScenario(mem)
		orch := newOrchestrator(mem, nil)

		if _, err := orch.Cancel(ctx, 1, 99); !errors.Is(err, pipeline.ErrRunNotFound) {
			t.Errorf("expected ErrRunNotFound, got %v", err)
		}
	})

	t.Run("shutdown with a cancelled context interrupts an active run", func(t *testing.T) {
		mem := store.NewMemory()
		seedScenario(mem)
		catalog := &gatedCatalog{Memory: mem, gate: make(chan struct{})}
		orch := newOrchestrator(mem, catalog)

		run, err := orch.Trigger(ctx, 1, 0)
		if err != nil {
			t.Fatal(err)
		}

		sctx, cancel := context.WithCancel(ctx)
		cancel()
		if err := orch.Shutdown(sctx); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled from shutdown, got %v", err)
		}

		final, err := orch.GetRun(ctx, 1, run.ID)
		if err != nil {
			t.Fatal(err)
		}
		if final.Status != pipeline.StatusFailed {
			t.Errorf("expected status %s after interrupted shutdown, got %s", pipeline.StatusFailed, final.Status)
		}
		if final.ErrorMessage == "" {
			t.Error("expected the interrupted run to record an error message")
		}
	})
}

func TestExport(t *testing.T) {
	ctx := context.Background()

	t.Run("writes JSONL in source row order", func(t *testing.T) {
		mem := store.NewMemory()
		seedScenario(mem)
		orch := newOrchestrator(mem, nil)

		run, err := orch.Trigger(ctx, 1, 0)
		if err != nil {
			t.Fatal(err)
		}
		orch.Wait()

		var buf bytes.Buffer
		if err := orch.Export(ctx, 1, run.ID, 0, &buf); err != nil {
			t.Fatal(err)
		}

		lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
		if len(lines) != 6 {
			t.Fatalf("expected 6 output lines, got %d:\n%s", len(lines), buf.String())
		}
		if !strings.Contains(lines[0], "[EMAIL_1]") {
			t.Errorf("first line should carry the masked email: %s", lines[0])
		}
		if strings.Contains(buf.String(), "jane@acme.com") {
			t.Error("original email leaked into export")
		}
		for _, line := range lines {
			if !strings.HasPrefix(line, "{") || !strings.HasSuffix(line, "}") {
				t.Errorf("line is not a JSON object: %s", line)
			}
		}
	})

	t.Run("respects the record limit", func(t *testing.T) {
		mem := store.NewMemory()
		seedScenario(mem)
		orch := newOrchestrator(mem, nil)

		run, err := orch.Trigger(ctx, 1, 0)
		if err != nil {
			t.Fatal(err)
		}
		orch.Wait()

		var buf bytes.Buffer
		if err := orch.Export(ctx, 1, run.ID, 2, &buf); err != nil {
			t.Fatal(err)
		}
		lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
		if len(lines) != 2 {
			t.Errorf("expected 2 lines, got %d", len(lines))
		}
	})

	t.Run("rejects runs that are not completed", func(t *testing.T) {
		mem := store.NewMemory()
		seedScenario(mem)
		catalog := &gatedCatalog{Memory: mem, gate: make(chan struct{})}
		orch := newOrchestrator(mem, catalog)

		run, err := orch.Trigger(ctx, 1, 0)
		if err != nil {
			t.Fatal(err)
		}

		var buf bytes.Buffer
		if err := orch.Export(ctx, 1, run.ID, 0, &buf); !errors.Is(err, pipeline.ErrRunNotCompleted) {
			t.Errorf("expected ErrRunNotCompleted, got %v", err)
		}

		close(catalog.gate)
		orch.Wait()
	})
}
