package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/prompthouse/flowkit/flow"
	"github.com/prompthouse/flowkit/store"
)

func (s *Server) readDefinition(w http.ResponseWriter, r *http.Request) (*flow.FlowDefinition, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "READ_ERROR", err.Error())
		return nil, false
	}

	var def flow.FlowDefinition
	if err := json.Unmarshal(body, &def); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return nil, false
	}

	diags := def.Validate()
	if flow.HasErrors(diags) {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			"flow validation failed", diagMessages(diags)...)
		return nil, false
	}
	return &def, true
}

func diagMessages(diags []flow.Diagnostic) []string {
	errs := flow.Errors(diags)
	details := make([]string, len(errs))
	for i, d := range errs {
		details[i] = fmt.Sprintf("%s: %s", d.Code, d.Message)
	}
	return details
}

// handleListFlows returns the latest version of every flow.
func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, flows)
}

// handleCreateFlow validates and stores a new flow as version 1.
func (s *Server) handleCreateFlow(w http.ResponseWriter, r *http.Request) {
	def, ok := s.readDefinition(w, r)
	if !ok {
		return
	}

	created, err := s.store.Create(r.Context(), def)
	if err != nil {
		if errors.Is(err, store.ErrFlowExists) {
			writeError(w, http.StatusConflict, "CONFLICT", fmt.Sprintf("flow %q already exists", def.ID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// handleGetFlow returns the latest version of a flow.
func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	def, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// handleUpdateFlow stores the body as the next version of an existing flow.
func (s *Server) handleUpdateFlow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	def, ok := s.readDefinition(w, r)
	if !ok {
		return
	}
	if def.ID != "" && def.ID != id {
		writeError(w, http.StatusBadRequest, "ID_MISMATCH",
			fmt.Sprintf("body flow id %q does not match path id %q", def.ID, id))
		return
	}
	def.ID = id

	updated, err := s.store.Update(r.Context(), def)
	if err != nil {
		s.writeStoreError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleDeleteFlow removes a flow and all its versions and schedules.
func (s *Server) handleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.Delete(r.Context(), id); err != nil {
		s.writeStoreError(w, id, err)
		return
	}
	if s.scheduleStore != nil {
		if err := s.scheduleStore.DeleteByFlow(r.Context(), id); err != nil {
			s.logger.Warn("delete schedules for removed flow", "flow_id", id, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCreateFlowVersion snapshots the body as an explicit new version of
// an existing flow. Equivalent to an update addressed at the versions
// collection; returns the stored version with 201.
func (s *Server) handleCreateFlowVersion(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	def, ok := s.readDefinition(w, r)
	if !ok {
		return
	}
	if def.ID != "" && def.ID != id {
		writeError(w, http.StatusBadRequest, "ID_MISMATCH",
			fmt.Sprintf("body flow id %q does not match path id %q", def.ID, id))
		return
	}
	def.ID = id

	stored, err := s.store.Update(r.Context(), def)
	if err != nil {
		s.writeStoreError(w, id, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

// handleListFlowVersions returns all versions of a flow, oldest first.
func (s *Server) handleListFlowVersions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	versions, err := s.store.ListVersions(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

// handleGetFlowVersion returns one specific version of a flow.
func (s *Server) handleGetFlowVersion(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	version := r.PathValue("version")
	def, err := s.store.GetVersion(r.Context(), id, version)
	if err != nil {
		if errors.Is(err, store.ErrVersionNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND",
				fmt.Sprintf("flow %q has no version %q", id, version))
			return
		}
		s.writeStoreError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// handleValidateFlow re-validates the stored flow and returns every
// diagnostic, warnings included.
func (s *Server) handleValidateFlow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	def, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, id, err)
		return
	}

	diags := def.Validate()
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":       !flow.HasErrors(diags),
		"diagnostics": diags,
	})
}

func (s *Server) writeStoreError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, store.ErrFlowNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("flow %q not found", id))
		return
	}
	writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
}
