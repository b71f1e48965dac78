package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mkarlsen/ticketscrub/internal/config"
	"github.com/mkarlsen/ticketscrub/internal/events"
	"github.com/mkarlsen/ticketscrub/internal/logger"
	"github.com/mkarlsen/ticketscrub/internal/pii"
	"github.com/mkarlsen/ticketscrub/internal/pipeline"
	"github.com/mkarlsen/ticketscrub/internal/store"
)

func testServer(t *testing.T, mem *store.Memory) *Server {
	t.Helper()

	cfg := config.GetDefaults()
	cfg.RateLimit.Enabled = false

	log := logger.NewNop()
	detector := pii.NewDetector(log)
	orch := pipeline.NewOrchestrator(mem, mem, mem, mem, detector, pipeline.Config{}, log)
	return New(cfg, orch, events.NewHub(log), log)
}

func seedProject(mem *store.Memory) {
	mem.AddProject(1)
	mem.SetConfig(1, &pipeline.ProcessingConfig{
		DeIdentificationEnabled: true,
		DetectEmails:            true,
		DetectNames:             true,
		DetectPhones:            true,
	})
	mem.AddSource(&pipeline.Source{
		ID:        1,
		ProjectID: 1,
		Name:      "tickets.csv",
		Mapping:   pipeline.Mapping{pipeline.TargetMessageContent: "body"},
	}, []pipeline.Row{
		{"body": "Contact jane@acme.com about the refund"},
		{"body": "All is fine now, thanks"},
	})
}

func doJSON(t *testing.T, srv *Server, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	var body map[string]any
	if strings.Contains(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("invalid JSON response: %v\n%s", err, rr.Body.String())
		}
	}
	return rr, body
}

func waitForTerminal(t *testing.T, srv *Server, runID int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, body := doJSON(t, srv, "GET", fmt.Sprintf("/api/projects/1/runs/%d", runID))
		data := body["data"].(map[string]any)
		status := pipeline.RunStatus(data["status"].(string))
		if status.Terminal() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run did not reach a terminal state")
}

func TestHandlers(t *testing.T) {
	t.Run("health", func(t *testing.T) {
		srv := testServer(t, store.NewMemory())
		rr, _ := doJSON(t, srv, "GET", "/health")
		if rr.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rr.Code)
		}
	})

	t.Run("preview returns samples in the envelope", func(t *testing.T) {
		mem := store.NewMemory()
		seedProject(mem)
		srv := testServer(t, mem)

		rr, body := doJSON(t, srv, "GET", "/api/projects/1/preview?sample_size=2")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if body["meta"] == nil {
			t.Error("expected meta in response envelope")
		}
		samples := body["data"].([]any)
		if len(samples) != 2 {
			t.Fatalf("expected 2 samples, got %d", len(samples))
		}
		first := samples[0].(map[string]any)
		if first["processed"] != "Contact [EMAIL_1] about the refund" {
			t.Errorf("unexpected processed text: %v", first["processed"])
		}
	})

	t.Run("preview of unknown project is 404", func(t *testing.T) {
		srv := testServer(t, store.NewMemory())
		rr, body := doJSON(t, srv, "GET", "/api/projects/9/preview")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
		if body["error"] == nil {
			t.Error("expected error in response envelope")
		}
	})

	t.Run("invalid sample size is 400", func(t *testing.T) {
		mem := store.NewMemory()
		seedProject(mem)
		srv := testServer(t, mem)

		rr, _ := doJSON(t, srv, "GET", "/api/projects/1/preview?sample_size=zero")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("process run lifecycle over HTTP", func(t *testing.T) {
		mem := store.NewMemory()
		seedProject(mem)
		srv := testServer(t, mem)

		rr, body := doJSON(t, srv, "POST", "/api/projects/1/process")
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
		}
		data := body["data"].(map[string]any)
		runID := int64(data["id"].(float64))
		if data["status"] != string(pipeline.StatusPending) {
			t.Errorf("expected pending run, got %v", data["status"])
		}

		waitForTerminal(t, srv, runID)

		rr, body = doJSON(t, srv, "GET", fmt.Sprintf("/api/projects/1/runs/%d", runID))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		data = body["data"].(map[string]any)
		if data["status"] != string(pipeline.StatusCompleted) {
			t.Fatalf("expected completed run, got %v", data)
		}
		if data["processedRecords"].(float64) != 2 {
			t.Errorf("expected 2 processed records, got %v", data["processedRecords"])
		}

		rr, body = doJSON(t, srv, "GET", "/api/projects/1/runs")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if runs := body["data"].([]any); len(runs) != 1 {
			t.Errorf("expected 1 run in history, got %d", len(runs))
		}

		// Download the de-identified output.
		req := httptest.NewRequest("GET", fmt.Sprintf("/api/projects/1/runs/%d/download", runID), nil)
		dl := httptest.NewRecorder()
		srv.Router().ServeHTTP(dl, req)
		if dl.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", dl.Code)
		}
		if got := dl.Header().Get("Content-Disposition"); !strings.Contains(got, ".jsonl") {
			t.Errorf("unexpected content disposition: %q", got)
		}
		lines := strings.Split(strings.TrimRight(dl.Body.String(), "\n"), "\n")
		if len(lines) != 2 {
			t.Errorf("expected 2 JSONL lines, got %d", len(lines))
		}
		if strings.Contains(dl.Body.String(), "jane@acme.com") {
			t.Error("original email leaked into download")
		}
	})

	t.Run("sample honors a bounded limit", func(t *testing.T) {
		mem := store.NewMemory()
		seedProject(mem)
		srv := testServer(t, mem)

		rr, body := doJSON(t, srv, "POST", "/api/projects/1/process")
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d", rr.Code)
		}
		runID := int64(body["data"].(map[string]any)["id"].(float64))
		waitForTerminal(t, srv, runID)

		sample := func(query string) *httptest.ResponseRecorder {
			req := httptest.NewRequest("GET", fmt.Sprintf("/api/projects/1/runs/%d/sample%s", runID, query), nil)
			rec := httptest.NewRecorder()
			srv.Router().ServeHTTP(rec, req)
			return rec
		}

		rec := sample("?limit=1")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if lines := strings.Split(strings.TrimRight(rec.Body.String(), "\n"), "\n"); len(lines) != 1 {
			t.Errorf("expected 1 JSONL line with limit=1, got %d", len(lines))
		}

		// A limit above the configured ceiling is capped, not an error.
		rec = sample("?limit=9999")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if lines := strings.Split(strings.TrimRight(rec.Body.String(), "\n"), "\n"); len(lines) != 2 {
			t.Errorf("expected 2 JSONL lines, got %d", len(lines))
		}

		if rec = sample("?limit=zero"); rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for a non-numeric limit, got %d", rec.Code)
		}
	})

	t.Run("second trigger conflicts while a run is active", func(t *testing.T) {
		mem := store.NewMemory()
		seedProject(mem)
		srv := testServer(t, mem)

		rr, body := doJSON(t, srv, "POST", "/api/projects/1/process")
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d", rr.Code)
		}
		runID := int64(body["data"].(map[string]any)["id"].(float64))

		// The first run may finish quickly; only assert the conflict when it
		// is still active.
		rr, _ = doJSON(t, srv, "POST", "/api/projects/1/process")
		if rr.Code != http.StatusConflict && rr.Code != http.StatusAccepted {
			t.Errorf("expected 409 or 202, got %d", rr.Code)
		}

		waitForTerminal(t, srv, runID)
	})

	t.Run("cancel of a completed run is 400", func(t *testing.T) {
		mem := store.NewMemory()
		seedProject(mem)
		srv := testServer(t, mem)

		_, body := doJSON(t, srv, "POST", "/api/projects/1/process")
		runID := int64(body["data"].(map[string]any)["id"].(float64))
		waitForTerminal(t, srv, runID)

		rr, _ := doJSON(t, srv, "POST", fmt.Sprintf("/api/projects/1/runs/%d/cancel", runID))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("unknown run is 404", func(t *testing.T) {
		mem := store.NewMemory()
		seedProject(mem)
		srv := testServer(t, mem)

		rr, _ := doJSON(t, srv, "GET", "/api/projects/1/runs/99")
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
	})

	t.Run("process without sources is 400", func(t *testing.T) {
		mem := store.NewMemory()
		mem.AddProject(1)
		srv := testServer(t, mem)

		rr, _ := doJSON(t, srv, "POST", "/api/projects/1/process")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for project without sources, got %d", rr.Code)
		}
	})

	t.Run("rate limit rejects bursts", func(t *testing.T) {
		mem := store.NewMemory()
		seedProject(mem)

		cfg := config.GetDefaults()
		cfg.RateLimit.Rate = 1
		cfg.RateLimit.Burst = 2

		log := logger.NewNop()
		orch := pipeline.NewOrchestrator(mem, mem, mem, mem, pii.NewDetector(log), pipeline.Config{}, log)
		srv := New(cfg, orch, events.NewHub(log), log)

		var limited bool
		for i := 0; i < 5; i++ {
			rr, _ := doJSON(t, srv, "GET", "/api/projects/1/preview")
			if rr.Code == http.StatusTooManyRequests {
				limited = true
				break
			}
		}
		if !limited {
			t.Error("expected a 429 after exhausting the burst")
		}
	})
}
