package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/prompthouse/flowkit/engine"
	"github.com/prompthouse/flowkit/flow"
	"github.com/prompthouse/flowkit/sink"
	"github.com/prompthouse/flowkit/store"
)

type runRequest struct {
	Inputs  map[string]any `json:"inputs"`
	Version string         `json:"version,omitempty"`
}

type runStartedResponse struct {
	RunID string `json:"run_id"`
}

// handleRunFlow starts an asynchronous run of the stored flow and returns
// the run id immediately.
func (s *Server) handleRunFlow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "READ_ERROR", err.Error())
		return
	}

	var req runRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
			return
		}
	}

	var def *flow.FlowDefinition
	if req.Version != "" {
		def, err = s.store.GetVersion(r.Context(), id, req.Version)
		if errors.Is(err, store.ErrVersionNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND",
				fmt.Sprintf("flow %q has no version %q", id, req.Version))
			return
		}
	} else {
		def, err = s.store.Get(r.Context(), id)
	}
	if err != nil {
		s.writeStoreError(w, id, err)
		return
	}

	runID, err := s.runner.Start(def, req.Inputs, s.eventHandler)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_FLOW", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, runStartedResponse{RunID: runID})
}

// handleListRuns merges live runs with recorded history. Live snapshots
// win on run id collisions since they are at least as fresh.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	flowID := r.URL.Query().Get("flow_id")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	seen := make(map[string]bool)
	var runs []*engine.Execution
	for _, exec := range s.runner.List() {
		if flowID != "" && exec.FlowID != flowID {
			continue
		}
		seen[exec.ID] = true
		runs = append(runs, exec)
	}

	if s.history != nil {
		recorded, err := s.history.ListExecutions(r.Context(), flowID, 0)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "HISTORY_ERROR", err.Error())
			return
		}
		for _, exec := range recorded {
			if !seen[exec.ID] {
				runs = append(runs, exec)
			}
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleGetRun returns the current snapshot of a run, falling back to
// recorded history once the process no longer tracks it.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	exec, err := s.runner.Get(runID)
	if errors.Is(err, engine.ErrRunNotFound) && s.history != nil {
		exec, err = s.history.Execution(r.Context(), runID)
	}
	if err != nil {
		if errors.Is(err, engine.ErrRunNotFound) || errors.Is(err, sink.ErrExecutionNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("run %q not found", runID))
			return
		}
		writeError(w, http.StatusInternalServerError, "HISTORY_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// handleRunTransitions returns the recorded status transitions for a run.
func (s *Server) handleRunTransitions(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if s.history == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "run history is not configured")
		return
	}

	transitions, err := s.history.Transitions(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "HISTORY_ERROR", err.Error())
		return
	}
	if len(transitions) == 0 {
		if _, err := s.runner.Get(runID); errors.Is(err, engine.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("run %q not found", runID))
			return
		}
	}
	writeJSON(w, http.StatusOK, transitions)
}

// handleCancelRun requests cooperative cancellation of a live run.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if err := s.runner.Cancel(runID); err != nil {
		if errors.Is(err, engine.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("run %q not found", runID))
			return
		}
		writeError(w, http.StatusInternalServerError, "CANCEL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "cancelling"})
}
