package server

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/job-autopilot/internal/types"
)

// handleJobApply starts an immediate job application run.
func (s *Server) handleJobApply(w http.ResponseWriter, r *http.Request) {
	var req types.JobApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	runID, err := s.service.CreateJobApplyRun(r.Context(), req)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	// Execution is already underway by the time the response goes out.
	s.jsonResponse(w, http.StatusAccepted, map[string]string{
		"runId":  runID.String(),
		"status": string(types.RunStatusRunning),
	})
}

// handleScheduleJobApply creates a future-dated job application run.
func (s *Server) handleScheduleJobApply(w http.ResponseWriter, r *http.Request) {
	var req types.ScheduleJobApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	runID, runAt, err := s.service.CreateScheduledJobApplyRun(r.Context(), req)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	s.jsonResponse(w, http.StatusAccepted, map[string]string{
		"runId":        runID.String(),
		"status":       string(types.RunStatusPending),
		"scheduledFor": runAt.UTC().Format(time.RFC3339),
	})
}

// handleEmailResponse generates an email reply synchronously.
func (s *Server) handleEmailResponse(w http.ResponseWriter, r *http.Request) {
	var req types.EmailResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := s.service.RunEmailResponse(r.Context(), req)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, result)
}

// handleListRuns returns recent runs, filtered by optional type and status
// query parameters.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.service.ListRuns(r.Context(), r.URL.Query().Get("type"), r.URL.Query().Get("status"))
	if err != nil {
		s.serviceError(w, err)
		return
	}
	if runs == nil {
		runs = []types.AutomationRun{}
	}

	s.jsonResponse(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// handleGetRun returns a single run by ID.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid run ID")
		return
	}

	run, err := s.service.GetRun(r.Context(), id)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, run)
}

// serviceError maps orchestration errors to HTTP responses. Internal errors
// are logged but not leaked to clients.
func (s *Server) serviceError(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("[server] internal error: %v", err)
		message = "internal server error"
	}
	s.errorResponse(w, status, message)
}
