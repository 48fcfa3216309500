package server

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/jonathan/job-autopilot/internal/types"
)

// handleGetSettings returns the automation settings with clamps applied.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.settings.AutomationSettings(r.Context())
	if err != nil {
		log.Printf("[server] failed to load settings: %v", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load settings")
		return
	}
	s.jsonResponse(w, http.StatusOK, settings.Normalized())
}

// handleUpdateSettings replaces the automation settings. Out-of-range numeric
// values are clamped rather than rejected.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	settings := types.DefaultAutomationSettings()
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	settings = settings.Normalized()
	if err := s.settings.SaveAutomationSettings(r.Context(), settings); err != nil {
		log.Printf("[server] failed to save settings: %v", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to save settings")
		return
	}
	s.jsonResponse(w, http.StatusOK, settings)
}
