package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/prompthouse/flowkit/store"
)

type scheduleRequest struct {
	Cron    string         `json:"cron,omitempty"`
	Enabled *bool          `json:"enabled,omitempty"`
	Inputs  map[string]any `json:"inputs,omitempty"`
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	flowID := r.PathValue("id")
	if s.scheduleStore == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "flow schedules are not configured")
		return
	}
	if !s.flowExists(r.Context(), flowID, w) {
		return
	}

	schedules, err := s.scheduleStore.ListSchedules(r.Context(), flowID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	flowID := r.PathValue("id")
	if s.scheduleStore == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "flow schedules are not configured")
		return
	}
	if !s.flowExists(r.Context(), flowID, w) {
		return
	}

	var req scheduleRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	now := time.Now().UTC()
	schedule := FlowSchedule{
		ID:        uuid.NewString(),
		FlowID:    flowID,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	created, err := applyScheduleRequest(schedule, req, true, now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_SCHEDULE", err.Error())
		return
	}

	if err := s.scheduleStore.CreateSchedule(r.Context(), created); err != nil {
		if errors.Is(err, ErrScheduleExists) {
			writeError(w, http.StatusConflict, "CONFLICT", fmt.Sprintf("schedule %q already exists", created.ID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	flowID := r.PathValue("id")
	scheduleID := r.PathValue("schedule_id")
	if s.scheduleStore == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "flow schedules are not configured")
		return
	}
	if !s.flowExists(r.Context(), flowID, w) {
		return
	}

	schedule, found, err := s.scheduleStore.GetSchedule(r.Context(), flowID, scheduleID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", scheduleID))
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	flowID := r.PathValue("id")
	scheduleID := r.PathValue("schedule_id")
	if s.scheduleStore == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "flow schedules are not configured")
		return
	}
	if !s.flowExists(r.Context(), flowID, w) {
		return
	}

	existing, found, err := s.scheduleStore.GetSchedule(r.Context(), flowID, scheduleID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", scheduleID))
		return
	}

	var req scheduleRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	now := time.Now().UTC()
	next, err := applyScheduleRequest(existing, req, false, now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_SCHEDULE", err.Error())
		return
	}
	next.UpdatedAt = now

	if err := s.scheduleStore.UpdateSchedule(r.Context(), next); err != nil {
		if errors.Is(err, ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", scheduleID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	flowID := r.PathValue("id")
	scheduleID := r.PathValue("schedule_id")
	if s.scheduleStore == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "flow schedules are not configured")
		return
	}
	if !s.flowExists(r.Context(), flowID, w) {
		return
	}

	if err := s.scheduleStore.DeleteSchedule(r.Context(), flowID, scheduleID); err != nil {
		if errors.Is(err, ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", scheduleID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) flowExists(ctx context.Context, flowID string, w http.ResponseWriter) bool {
	if _, err := s.store.Get(ctx, flowID); err != nil {
		if errors.Is(err, store.ErrFlowNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("flow %q not found", flowID))
			return false
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return false
	}
	return true
}

func applyScheduleRequest(base FlowSchedule, req scheduleRequest, creating bool, now time.Time) (FlowSchedule, error) {
	currentCron := base.Cron
	wasEnabled := base.Enabled

	if cleanCron := strings.TrimSpace(req.Cron); cleanCron != "" {
		base.Cron = cleanCron
	}
	if req.Enabled != nil {
		base.Enabled = *req.Enabled
	}
	if req.Inputs != nil {
		base.Inputs = req.Inputs
	}

	if strings.TrimSpace(base.Cron) == "" {
		return FlowSchedule{}, fmt.Errorf("cron is required")
	}
	if _, err := parseScheduleCron(base.Cron); err != nil {
		return FlowSchedule{}, err
	}

	cronChanged := strings.TrimSpace(currentCron) != "" && currentCron != base.Cron
	if base.Enabled && (creating || cronChanged || (!wasEnabled && base.Enabled) || base.NextRunAt.IsZero()) {
		nextRunAt, err := base.NextRun(now)
		if err != nil {
			return FlowSchedule{}, err
		}
		base.NextRunAt = nextRunAt
	}

	return base, nil
}

func decodeJSONBody(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}
