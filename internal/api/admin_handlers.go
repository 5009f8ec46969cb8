package api

import (
	"encoding/json"
	"net/http"

	"github.com/vrsandeep/pplx-kit/internal/jobs"
)

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	s.startJob(w, payload.JobID)
}

// handleSyncPlugins queues the plugin-sync job.
func (s *Server) handleSyncPlugins(w http.ResponseWriter, r *http.Request) {
	s.startJob(w, jobs.PluginSyncJobID)
}

func (s *Server) startJob(w http.ResponseWriter, id string) {
	if err := s.app.JobManager().RunJob(id, s.app); err != nil {
		RespondWithError(w, http.StatusConflict, err.Error()) // 409 Conflict if a job is already running
		return
	}
	RespondWithJSON(w, http.StatusAccepted, map[string]string{
		"message": "Job '" + id + "' started successfully.",
	})
}

func (s *Server) handleGetJobsStatus(w http.ResponseWriter, r *http.Request) {
	RespondWithJSON(w, http.StatusOK, s.app.JobManager().GetStatus())
}
