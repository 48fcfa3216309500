package server

import (
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"github.com/jonathan/job-autopilot/internal/screenshot"
)

// handleScreenshot serves one stored screenshot artifact, addressed by run ID
// and position in the run's screenshot list. The name on disk is never taken
// from the request.
func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid run ID")
		return
	}

	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		s.errorResponse(w, http.StatusBadRequest, "invalid screenshot index")
		return
	}

	run, err := s.service.GetRun(r.Context(), runID)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	if index >= len(run.Screenshots) {
		s.errorResponse(w, http.StatusNotFound, "screenshot not found")
		return
	}

	name := run.Screenshots[index]
	path, err := s.artifacts.ArtifactPath(runID.String(), name)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "screenshot not found")
		return
	}

	contentType, ok := screenshot.AllowedExtension(filepath.Ext(name))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "screenshot not found")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	http.ServeFile(w, r, path)
}
