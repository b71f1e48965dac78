package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/mkarlsen/ticketscrub/internal/pipeline"
	"go.uber.org/zap"
)

// envelope is the response shape for every JSON endpoint.
type envelope struct {
	Data  interface{}    `json:"data,omitempty"`
	Error *errorBody     `json:"error,omitempty"`
	Meta  map[string]any `json:"meta"`
}

type errorBody struct {
	Message string `json:"message"`
}

func (s *Server) writeData(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{
		Data: data,
		Meta: map[string]any{"timestamp": time.Now().Format(time.RFC3339)},
	})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{
		Error: &errorBody{Message: message},
		Meta:  map[string]any{"timestamp": time.Now().Format(time.RFC3339)},
	})
}

// respondError maps pipeline errors to HTTP status codes.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, pipeline.ErrProjectNotFound),
		errors.Is(err, pipeline.ErrRunNotFound):
		s.writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrRunActive):
		s.writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, pipeline.ErrNoSources),
		errors.Is(err, pipeline.ErrNoEligibleSource),
		errors.Is(err, pipeline.ErrNoConfig),
		errors.Is(err, pipeline.ErrRunFinished),
		errors.Is(err, pipeline.ErrRunNotCompleted):
		s.writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		s.logger.WithRequestID(requestID(r.Context())).Error("Request failed", zap.Error(err))
		s.writeError(w, r, http.StatusInternalServerError, "internal server error")
	}
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

// handlePreview runs detection over a small sample without persisting anything.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	sampleSize := s.config.Pipeline.PreviewSampleSize
	if raw := r.URL.Query().Get("sample_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, r, http.StatusBadRequest, "invalid sample_size")
			return
		}
		sampleSize = n
	}

	results, err := s.orchestrator.Preview(r.Context(), projectID, sampleSize)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, results)
}

type processRequest struct {
	UserID int64 `json:"user_id"`
}

// handleProcess triggers a new processing run for the project.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var req processRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	run, err := s.orchestrator.Trigger(r.Context(), projectID, req.UserID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeData(w, http.StatusAccepted, run)
}

// handleListRuns returns the project's run history, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	runs, err := s.orchestrator.ListRuns(r.Context(), projectID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*pipeline.ProcessingRun{}
	}
	s.writeData(w, http.StatusOK, runs)
}

// handleGetRun returns one run with live progress overlaid.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	runID, err := pathID(r, "runID")
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	run, err := s.orchestrator.GetRun(r.Context(), projectID, runID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, run)
}

// handleCancelRun requests cancellation of an active run.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	runID, err := pathID(r, "runID")
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	run, err := s.orchestrator.Cancel(r.Context(), projectID, runID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, run)
}

// handleDownload streams the full JSONL output of a completed run.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.streamOutput(w, r, 0)
}

// handleSample streams the first records of a completed run as JSONL. A
// limit parameter can shrink the sample below the configured size, never
// grow it past the configured ceiling.
func (s *Server) handleSample(w http.ResponseWriter, r *http.Request) {
	limit := s.config.Pipeline.SampleDownloadSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, r, http.StatusBadRequest, "invalid limit")
			return
		}
		if n < limit {
			limit = n
		}
	}
	s.streamOutput(w, r, limit)
}

func (s *Server) streamOutput(w http.ResponseWriter, r *http.Request, limit int) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	runID, err := pathID(r, "runID")
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	// Verify the run first so errors still produce a JSON response instead of
	// a half-written download.
	if _, err := s.orchestrator.GetRun(r.Context(), projectID, runID); err != nil {
		s.respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="run-%d-output.jsonl"`, runID))

	if err := s.orchestrator.Export(r.Context(), projectID, runID, limit, w); err != nil {
		// Status mismatches are caught before any output is written.
		if errors.Is(err, pipeline.ErrRunNotCompleted) {
			w.Header().Del("Content-Disposition")
			s.respondError(w, r, err)
			return
		}
		s.logger.WithRequestID(requestID(r.Context())).Error("Export failed", zap.Error(err))
	}
}
