package testutil

import (
	"path/filepath"
	"testing"

	"github.com/vrsandeep/pplx-kit/internal/api"
	"github.com/vrsandeep/pplx-kit/internal/config"
	"github.com/vrsandeep/pplx-kit/internal/core"
)

// TestConfig returns defaults pointed at temporary locations, with the
// background services switched off.
func TestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.LogLevel = "error"
	cfg.Database.Path = ":memory:"
	cfg.Plugins.Path = filepath.Join(t.TempDir(), "plugins")
	cfg.Plugins.Watch = false
	cfg.Plugins.SyncInterval = 0
	return cfg
}

// SetupTestApp builds a core.App on an in-memory database. The websocket hub
// is running; the scheduler and watcher are not.
func SetupTestApp(t *testing.T) *core.App {
	t.Helper()
	app, err := core.NewWithConfig(TestConfig(t))
	if err != nil {
		t.Fatalf("Failed to create app: %v", err)
	}
	go app.WsHub().Run()
	t.Cleanup(app.Close)
	return app
}

// SetupTestServer initializes a full core.App and api.Server for integration testing.
func SetupTestServer(t *testing.T) (*api.Server, *core.App) {
	t.Helper()
	app := SetupTestApp(t)
	return api.NewServer(app), app
}
