package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vrsandeep/pplx-kit/internal/plugins"
)

// handleListPlugins lists every registered plugin in registration order.
func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	RespondWithJSON(w, http.StatusOK, s.plugins.GetAll())
}

func (s *Server) handleGetPluginInfo(w http.ResponseWriter, r *http.Request) {
	pluginID := chi.URLParam(r, "pluginID")

	info, exists := s.plugins.Get(pluginID)
	if !exists {
		RespondWithError(w, http.StatusNotFound, "Plugin not found")
		return
	}
	RespondWithJSON(w, http.StatusOK, info)
}

func (s *Server) handleEnablePlugin(w http.ResponseWriter, r *http.Request) {
	pluginID := chi.URLParam(r, "pluginID")
	if err := s.plugins.Enable(r.Context(), pluginID); err != nil {
		respondWithPluginError(w, "enable", err)
		return
	}
	s.respondWithPlugin(w, pluginID)
}

func (s *Server) handleDisablePlugin(w http.ResponseWriter, r *http.Request) {
	pluginID := chi.URLParam(r, "pluginID")
	if err := s.plugins.Disable(r.Context(), pluginID); err != nil {
		respondWithPluginError(w, "disable", err)
		return
	}
	s.respondWithPlugin(w, pluginID)
}

func (s *Server) handleUnregisterPlugin(w http.ResponseWriter, r *http.Request) {
	pluginID := chi.URLParam(r, "pluginID")
	err := s.plugins.Unregister(r.Context(), pluginID)
	if errors.Is(err, plugins.ErrNotRegistered) {
		RespondWithError(w, http.StatusNotFound, "Plugin not found")
		return
	}
	if err != nil {
		// The plugin is gone either way; report the teardown failure.
		RespondWithJSON(w, http.StatusOK, map[string]string{
			"message": fmt.Sprintf("Plugin %s unregistered", pluginID),
			"error":   err.Error(),
		})
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Plugin %s unregistered", pluginID),
	})
}

func (s *Server) respondWithPlugin(w http.ResponseWriter, pluginID string) {
	info, exists := s.plugins.Get(pluginID)
	if !exists {
		RespondWithError(w, http.StatusNotFound, "Plugin not found")
		return
	}
	RespondWithJSON(w, http.StatusOK, info)
}

// respondWithPluginError maps manager errors to status codes.
func respondWithPluginError(w http.ResponseWriter, op string, err error) {
	var (
		transition *plugins.TransitionError
		hook       *plugins.PluginError
	)
	switch {
	case errors.Is(err, plugins.ErrNotRegistered):
		RespondWithError(w, http.StatusNotFound, "Plugin not found")
	case errors.As(err, &transition):
		RespondWithError(w, http.StatusConflict, err.Error())
	case errors.As(err, &hook):
		RespondWithError(w, http.StatusUnprocessableEntity, fmt.Sprintf("Failed to %s plugin: %v", op, err))
	default:
		RespondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to %s plugin: %v", op, err))
	}
}
