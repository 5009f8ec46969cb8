// It defines the API server, sets up the routes (endpoints)
// using chi, and links them to the handler functions.

package api

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vrsandeep/pplx-kit/internal/core"
	"github.com/vrsandeep/pplx-kit/internal/plugins"
)

// Server holds the dependencies for our API.
type Server struct {
	app     *core.App
	plugins plugins.ManagerInterface
}

// NewServer creates a new Server instance.
func NewServer(app *core.App) *Server {
	return &Server{
		app:     app,
		plugins: app.PluginManager(),
	}
}

// SetPluginManager replaces the plugin manager for testing purposes.
func (s *Server) SetPluginManager(m plugins.ManagerInterface) {
	s.plugins = m
}

// Router sets up and returns the main router for the application.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  log.New(s.app.Logger().Writer("http"), "", 0),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)

	// The websocket stays open, so it is outside the timeout group.
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		s.app.WsHub().ServeWs(w, r)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Route("/api", func(r chi.Router) {
			r.Get("/version", s.handleGetVersion)
			r.Get("/health", s.handleHealth)
			r.Get("/document", s.handleGetDocument)

			// Plugin Management Routes
			r.Get("/plugins", s.handleListPlugins)
			r.Post("/plugins/sync", s.handleSyncPlugins)
			r.Get("/plugins/{pluginID}", s.handleGetPluginInfo)
			r.Post("/plugins/{pluginID}/enable", s.handleEnablePlugin)
			r.Post("/plugins/{pluginID}/disable", s.handleDisablePlugin)
			r.Delete("/plugins/{pluginID}", s.handleUnregisterPlugin)

			// Job Routes
			r.Get("/jobs/status", s.handleGetJobsStatus)
			r.Post("/jobs/run", s.handleRunJob)
		})
	})

	return r
}
