package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/go-redis/redis/v8"

	"github.com/vrsandeep/pplx-kit/internal/config"
	"github.com/vrsandeep/pplx-kit/internal/db"
	"github.com/vrsandeep/pplx-kit/internal/dom"
	"github.com/vrsandeep/pplx-kit/internal/jobs"
	"github.com/vrsandeep/pplx-kit/internal/logger"
	"github.com/vrsandeep/pplx-kit/internal/messaging"
	"github.com/vrsandeep/pplx-kit/internal/panel"
	"github.com/vrsandeep/pplx-kit/internal/plugins"
	"github.com/vrsandeep/pplx-kit/internal/storage"
	"github.com/vrsandeep/pplx-kit/internal/watcher"
	"github.com/vrsandeep/pplx-kit/internal/websocket"
)

// Version is the host version, set at build time.
var Version = "dev"

// App holds the core components of the application that are shared
// between the server and the CLI.
type App struct {
	config  *config.Config
	db      *sql.DB
	redis   *redis.Client
	logs    *logger.Service
	log     logger.Logger
	storage *storage.Store
	bus     *messaging.Bus
	doc     *dom.Document
	panels  *panel.Factory
	manager *plugins.Manager
	hub     *websocket.Hub
	jobMgr  *jobs.JobManager

	scheduler *gocron.Scheduler
	watcher   *watcher.WatcherService

	syncMu  sync.Mutex
	scripts map[string]scriptEntry
}

// scriptEntry is a script plugin registered by SyncPlugins.
type scriptEntry struct {
	dir         string
	fingerprint string
}

// New loads config.yml and sets up the application.
func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig sets up and returns a new App instance. It handles
// initializing the database connection, running migrations and wiring the
// plugin services.
func NewWithConfig(cfg *config.Config) (*App, error) {
	app := &App{
		config:  cfg,
		logs:    logger.New(cfg.LogLevel, os.Stdout),
		scripts: make(map[string]scriptEntry),
	}
	app.log = app.logs.Create("core")

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if _, err := db.Migrate(database, app.logs.Create("db")); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}
	app.db = database

	if err := app.openStorage(); err != nil {
		app.Close()
		return nil, err
	}

	if err := app.openDocument(); err != nil {
		app.Close()
		return nil, err
	}

	app.bus = messaging.NewBus(app.logs.Create("messaging"))
	app.panels = panel.NewFactory(app.doc, panel.WithDuration(time.Duration(cfg.Panel.AnimationMS)*time.Millisecond))
	app.manager = plugins.NewManager(plugins.Options{
		Storage:               app.storage,
		Bus:                   app.bus,
		Logger:                app.logs,
		Panels:                app.panels,
		HookTimeout:           time.Duration(cfg.Plugins.HookTimeout) * time.Second,
		AutoEnableConcurrency: cfg.Plugins.AutoEnableConcurrency,
	})

	app.hub = websocket.NewHub()
	app.hub.SetLogger(app.logs.Create("websocket"))
	app.hub.ForwardBus(app.bus)

	app.jobMgr = jobs.NewManager(app)
	jobs.RegisterDefaults(app.jobMgr)

	app.log.Info("Core application setup complete")
	return app, nil
}

func (a *App) openStorage() error {
	switch a.config.Storage.Driver {
	case "", "sqlite":
		a.storage = storage.NewSQLite(a.db)
	case "memory":
		a.storage = storage.NewMemory()
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client, err := storage.DialRedis(ctx, a.config.Storage.RedisAddr, a.config.Storage.RedisDB)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.redis = client
		a.storage = storage.New(storage.NewRedisBackend(client, "pplx:"))
	default:
		return fmt.Errorf("unknown storage driver %q", a.config.Storage.Driver)
	}
	return nil
}

func (a *App) openDocument() error {
	path := a.config.Document.Template
	if path == "" {
		a.doc = dom.New()
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open document template: %w", err)
	}
	defer f.Close()
	doc, err := dom.Parse(f)
	if err != nil {
		return fmt.Errorf("failed to parse document template: %w", err)
	}
	a.doc = doc
	return nil
}

// Start syncs the plugins directory once and starts the background
// services: the websocket hub, the job scheduler and the file watcher.
func (a *App) Start(ctx context.Context) error {
	go a.hub.Run()

	if err := a.SyncPlugins(ctx); err != nil {
		a.log.Warn("Initial plugin sync finished with errors", err)
	}

	a.scheduler = jobs.StartJobs(a)

	if a.config.Plugins.Watch {
		w := watcher.NewWatcherService(a, watcher.DefaultDebounce)
		if err := w.Start(); err != nil {
			return fmt.Errorf("failed to start plugin watcher: %w", err)
		}
		a.watcher = w
	}
	return nil
}

// SyncPlugins reconciles the registry with the plugins directory. New script
// plugins are registered, changed ones are reloaded with their enabled state
// kept, and removed ones are unregistered. Loaded plugins whose persisted
// flag is set are enabled afterwards when auto-enable is on.
func (a *App) SyncPlugins(ctx context.Context) error {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()

	found, err := plugins.Discover(a.config.Plugins.Path)
	if err != nil {
		return err
	}

	var errs []error
	for path, msg := range found.Failed {
		errs = append(errs, fmt.Errorf("%s: %s", path, msg))
	}

	seen := make(map[string]bool, len(found.Plugins))
	for _, d := range found.Plugins {
		id := d.Manifest.ID
		seen[id] = true
		fp := fingerprint(d)

		wasEnabled := false
		if cur, ok := a.scripts[id]; ok {
			if cur.dir == d.Path && cur.fingerprint == fp {
				continue
			}
			wasEnabled = a.manager.IsEnabled(id)
			a.log.Info(fmt.Sprintf("Reloading changed plugin %s", id))
			if err := a.unregisterKeepingFlag(ctx, id); err != nil {
				a.log.Warn(fmt.Sprintf("Teardown of plugin %s failed", id), err)
			}
			delete(a.scripts, id)
		}

		if err := a.registerScript(ctx, d, fp); err != nil {
			errs = append(errs, err)
			continue
		}
		if wasEnabled {
			if err := a.manager.Enable(ctx, id); err != nil {
				errs = append(errs, err)
			}
		}
	}

	for id := range a.scripts {
		if seen[id] {
			continue
		}
		a.log.Info(fmt.Sprintf("Plugin %s was removed from disk", id))
		if err := a.unregisterKeepingFlag(ctx, id); err != nil {
			errs = append(errs, err)
		}
		delete(a.scripts, id)
	}

	if a.config.Plugins.AutoEnable {
		if err := a.manager.AutoEnablePlugins(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	for _, err := range errs {
		a.log.Error("Plugin sync", err)
	}
	return errors.Join(errs...)
}

// unregisterKeepingFlag removes a plugin that changed or vanished on disk.
// Unregister persists a disable, so an enabled flag is written back.
func (a *App) unregisterKeepingFlag(ctx context.Context, id string) error {
	wasEnabled := a.manager.IsEnabled(id)
	err := a.manager.Unregister(ctx, id)
	if errors.Is(err, plugins.ErrNotRegistered) {
		err = nil
	}
	if wasEnabled {
		if serr := a.storage.Set(ctx, plugins.EnabledKey(id), true); serr != nil {
			a.log.Warn(fmt.Sprintf("Failed to keep enabled flag of %s", id), serr)
		}
	}
	return err
}

func (a *App) registerScript(ctx context.Context, d plugins.Discovered, fp string) error {
	sp, err := plugins.LoadScript(d.Path)
	if err != nil {
		return fmt.Errorf("plugin %s: %w", d.Manifest.ID, err)
	}
	err = a.manager.Register(ctx, sp)
	var pe *plugins.PluginError
	if err == nil || errors.As(err, &pe) {
		// A failed load still leaves an entry behind.
		a.scripts[d.Manifest.ID] = scriptEntry{dir: d.Path, fingerprint: fp}
	}
	return err
}

// fingerprint changes whenever the manifest or the entry script is rewritten.
func fingerprint(d plugins.Discovered) string {
	var fp string
	for _, name := range []string{plugins.ManifestFile, d.Manifest.EntryPoint} {
		info, err := os.Stat(filepath.Join(d.Path, name))
		if err != nil {
			fp += name + ":missing;"
			continue
		}
		fp += fmt.Sprintf("%s:%d:%d;", name, info.Size(), info.ModTime().UnixNano())
	}
	return fp + d.Manifest.Version
}

// Close gracefully stops background services, tears down every plugin and
// closes the application's resources.
func (a *App) Close() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.manager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := a.manager.Shutdown(ctx); err != nil {
			a.log.Warn("Plugin shutdown finished with errors", err)
		}
		cancel()
	}
	if a.hub != nil {
		a.hub.Stop()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

func (a *App) Config() *config.Config          { return a.config }
func (a *App) DB() *sql.DB                     { return a.db }
func (a *App) Logger() *logger.Service         { return a.logs }
func (a *App) Storage() *storage.Store         { return a.storage }
func (a *App) Bus() *messaging.Bus             { return a.bus }
func (a *App) Document() *dom.Document         { return a.doc }
func (a *App) Panels() *panel.Factory          { return a.panels }
func (a *App) PluginManager() *plugins.Manager { return a.manager }
func (a *App) WsHub() *websocket.Hub           { return a.hub }
func (a *App) JobManager() *jobs.JobManager    { return a.jobMgr }
func (a *App) Version() string                 { return Version }

var _ jobs.JobContext = (*App)(nil)
