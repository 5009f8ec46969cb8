package api

import (
	"net/http"

	"github.com/vrsandeep/pplx-kit/internal/plugins"
)

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	RespondWithJSON(w, http.StatusOK, map[string]string{
		"version":      s.app.Version(),
		"core_version": plugins.CoreVersion,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.app.DB().PingContext(r.Context()); err != nil {
		RespondWithError(w, http.StatusServiceUnavailable, "Database connection failed")
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetDocument renders the host document with every attached panel.
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	page, err := s.app.Document().Render()
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, "Failed to render document")
		return
	}
	RespondWithHTML(w, http.StatusOK, page)
}
