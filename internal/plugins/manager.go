package plugins

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vrsandeep/pplx-kit/internal/logger"
	"github.com/vrsandeep/pplx-kit/internal/messaging"
	"github.com/vrsandeep/pplx-kit/internal/panel"
	"github.com/vrsandeep/pplx-kit/internal/storage"
)

// Lifecycle events emitted on the bus. The payload is a map carrying
// "pluginId", plus "error" for EventError.
const (
	EventRegistered   = "core:plugin:registered"
	EventEnabled      = "core:plugin:enabled"
	EventDisabled     = "core:plugin:disabled"
	EventUnregistered = "core:plugin:unregistered"
	EventError        = "core:plugin:error"
)

const (
	DefaultHookTimeout           = 30 * time.Second
	DefaultAutoEnableConcurrency = 4
)

// EnabledKey is the storage key of the persisted enabled flag of a plugin.
func EnabledKey(id string) string {
	return "plugin:" + id + ":enabled"
}

// Options configures a Manager. Storage and Bus are required.
type Options struct {
	Storage               storage.Service
	Bus                   *messaging.Bus
	Logger                *logger.Service
	Panels                *panel.Factory
	CoreVersion           string
	HookTimeout           time.Duration
	AutoEnableConcurrency int
}

type entry struct {
	// tx serialises lifecycle transitions on this entry. Hooks run while it
	// is held; the fields below are guarded by Manager.mu.
	tx sync.Mutex

	plugin    Plugin
	meta      Metadata
	state     State
	loadedAt  time.Time
	enabledAt time.Time
	err       error
}

// Manager owns the registry of plugins and drives their lifecycle.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string

	storage     storage.Service
	bus         *messaging.Bus
	log         logger.Logger
	api         *API
	coreVersion string
	hookTimeout time.Duration
	concurrency int
}

// NewManager creates an empty manager.
func NewManager(opts Options) *Manager {
	logs := opts.Logger
	if logs == nil {
		logs = logger.Discard()
	}
	m := &Manager{
		entries:     make(map[string]*entry),
		storage:     opts.Storage,
		bus:         opts.Bus,
		log:         logs.Create("plugin-manager"),
		coreVersion: opts.CoreVersion,
		hookTimeout: opts.HookTimeout,
		concurrency: opts.AutoEnableConcurrency,
	}
	if m.coreVersion == "" {
		m.coreVersion = CoreVersion
	}
	if m.hookTimeout <= 0 {
		m.hookTimeout = DefaultHookTimeout
	}
	if m.concurrency <= 0 {
		m.concurrency = DefaultAutoEnableConcurrency
	}
	m.api = &API{
		Storage:   opts.Storage,
		Messaging: opts.Bus,
		Logger:    logs,
		Panels:    opts.Panels,
		Plugins:   m,
	}
	return m
}

// API returns the core API handed to plugins.
func (m *Manager) API() *API { return m.api }

// Register validates p, adds it to the registry and loads it. A failed load
// leaves the plugin registered in the error state.
func (m *Manager) Register(ctx context.Context, p Plugin) error {
	if p == nil {
		return &ValidationError{Field: "plugin", Reason: "is nil"}
	}
	meta := p.Metadata()
	meta.Dependencies = append([]string(nil), meta.Dependencies...)
	if err := Validate(meta, m.coreVersion); err != nil {
		m.log.Error("Plugin rejected", err)
		return err
	}

	m.mu.Lock()
	if _, exists := m.entries[meta.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, meta.ID)
	}
	for _, dep := range meta.Dependencies {
		if _, ok := m.entries[dep]; !ok {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s requires %s", ErrDependencyNotFound, meta.ID, dep)
		}
	}
	e := &entry{plugin: p, meta: meta, state: StateUnloaded}
	m.entries[meta.ID] = e
	m.order = append(m.order, meta.ID)
	// Take the transition lock before publishing so nothing can act on the
	// entry until the load step has run.
	e.tx.Lock()
	m.mu.Unlock()
	defer e.tx.Unlock()

	m.log.Info(fmt.Sprintf("Registered plugin %s v%s", meta.ID, meta.Version))
	m.emit(ctx, EventRegistered, meta.ID, nil)
	return m.load(ctx, e)
}

func (m *Manager) load(ctx context.Context, e *entry) error {
	id := e.meta.ID
	if state := m.stateOf(e); state != StateUnloaded {
		m.log.Warn(fmt.Sprintf("Plugin %s is already %s, skipping load", id, state))
		return nil
	}

	if l, ok := e.plugin.(Loader); ok {
		err := m.runHook(ctx, id, "onLoad", func(ctx context.Context) error {
			return l.OnLoad(ctx, m.api)
		})
		if err != nil {
			m.fail(ctx, e, err)
			return err
		}
	}

	m.mu.Lock()
	e.state = StateLoaded
	e.loadedAt = time.Now()
	e.err = nil
	m.mu.Unlock()
	m.log.Info(fmt.Sprintf("Loaded plugin %s", id))
	return nil
}

// Enable runs the plugin's OnEnable hook and persists the enabled flag.
func (m *Manager) Enable(ctx context.Context, id string) error {
	e, err := m.acquire(id)
	if err != nil {
		return err
	}
	defer e.tx.Unlock()
	return m.enable(ctx, e)
}

func (m *Manager) enable(ctx context.Context, e *entry) error {
	id := e.meta.ID
	switch state := m.stateOf(e); state {
	case StateEnabled:
		m.log.Warn(fmt.Sprintf("Plugin %s is already enabled", id))
		return nil
	case StateLoaded, StateDisabled:
	default:
		return &TransitionError{PluginID: id, From: state, Op: "enable"}
	}

	if en, ok := e.plugin.(Enabler); ok {
		if err := m.runHook(ctx, id, "onEnable", en.OnEnable); err != nil {
			m.fail(ctx, e, err)
			return err
		}
	}

	m.mu.Lock()
	e.state = StateEnabled
	e.enabledAt = time.Now()
	m.mu.Unlock()

	m.persistEnabled(ctx, id, true)
	m.log.Info(fmt.Sprintf("Enabled plugin %s", id))
	m.emit(ctx, EventEnabled, id, nil)
	return nil
}

// Disable runs the plugin's OnDisable hook and persists the flag as false.
func (m *Manager) Disable(ctx context.Context, id string) error {
	e, err := m.acquire(id)
	if err != nil {
		return err
	}
	defer e.tx.Unlock()
	return m.disable(ctx, e, true)
}

func (m *Manager) disable(ctx context.Context, e *entry, persist bool) error {
	id := e.meta.ID
	switch state := m.stateOf(e); state {
	case StateDisabled:
		m.log.Warn(fmt.Sprintf("Plugin %s is already disabled", id))
		return nil
	case StateEnabled:
	default:
		return &TransitionError{PluginID: id, From: state, Op: "disable"}
	}

	if d, ok := e.plugin.(Disabler); ok {
		if err := m.runHook(ctx, id, "onDisable", d.OnDisable); err != nil {
			m.fail(ctx, e, err)
			return err
		}
	}

	m.mu.Lock()
	e.state = StateDisabled
	e.enabledAt = time.Time{}
	m.mu.Unlock()

	if persist {
		m.persistEnabled(ctx, id, false)
	}
	m.log.Info(fmt.Sprintf("Disabled plugin %s", id))
	m.emit(ctx, EventDisabled, id, nil)
	return nil
}

func (m *Manager) unload(ctx context.Context, e *entry) error {
	id := e.meta.ID
	switch state := m.stateOf(e); state {
	case StateLoaded, StateDisabled:
	default:
		return &TransitionError{PluginID: id, From: state, Op: "unload"}
	}

	if u, ok := e.plugin.(Unloader); ok {
		if err := m.runHook(ctx, id, "onUnload", u.OnUnload); err != nil {
			m.fail(ctx, e, err)
			return err
		}
	}

	m.mu.Lock()
	e.state = StateUnloaded
	e.loadedAt = time.Time{}
	e.enabledAt = time.Time{}
	m.mu.Unlock()
	m.log.Info(fmt.Sprintf("Unloaded plugin %s", id))
	return nil
}

// Unregister tears the plugin down and removes it. The entry is removed even
// when a teardown hook fails; those failures are returned joined.
func (m *Manager) Unregister(ctx context.Context, id string) error {
	e, err := m.acquire(id)
	if err != nil {
		return err
	}
	defer e.tx.Unlock()
	return m.remove(ctx, e, true)
}

// Shutdown unregisters every plugin in reverse registration order. Unlike
// Unregister it leaves the persisted enabled flags alone, so the next start
// enables the same set.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	ids := append([]string(nil), m.order...)
	m.mu.RUnlock()

	var errs []error
	for i := len(ids) - 1; i >= 0; i-- {
		e, err := m.acquire(ids[i])
		if err != nil {
			continue
		}
		if err := m.remove(ctx, e, false); err != nil {
			errs = append(errs, err)
		}
		e.tx.Unlock()
	}
	return errors.Join(errs...)
}

func (m *Manager) remove(ctx context.Context, e *entry, persist bool) error {
	id := e.meta.ID
	var errs []error
	if m.stateOf(e) == StateEnabled {
		if err := m.disable(ctx, e, persist); err != nil {
			errs = append(errs, err)
		}
	}
	switch m.stateOf(e) {
	case StateLoaded, StateDisabled:
		if err := m.unload(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}

	m.mu.Lock()
	delete(m.entries, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	m.log.Info(fmt.Sprintf("Unregistered plugin %s", id))
	m.emit(ctx, EventUnregistered, id, nil)
	return errors.Join(errs...)
}

// AutoEnablePlugins enables every loaded plugin whose persisted flag is true.
// Failures are logged and do not stop the pass; they are returned joined.
func (m *Manager) AutoEnablePlugins(ctx context.Context) error {
	m.mu.RLock()
	var candidates []string
	for _, id := range m.order {
		if m.entries[id].state == StateLoaded {
			candidates = append(candidates, id)
		}
	}
	m.mu.RUnlock()

	var (
		errMu sync.Mutex
		errs  []error
	)
	record := func(err error) {
		errMu.Lock()
		errs = append(errs, err)
		errMu.Unlock()
	}

	g := new(errgroup.Group)
	g.SetLimit(m.concurrency)
	for _, id := range candidates {
		g.Go(func() error {
			enabled, _, err := storage.Get[bool](ctx, m.storage, EnabledKey(id))
			if err != nil {
				m.log.Error(fmt.Sprintf("Failed to read enabled flag of %s", id), err)
				record(fmt.Errorf("read enabled flag of %s: %w", id, err))
				return nil
			}
			if !enabled {
				return nil
			}
			if err := m.Enable(ctx, id); err != nil {
				m.log.Error(fmt.Sprintf("Failed to auto-enable plugin %s", id), err)
				record(err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Get returns a snapshot of the entry for id.
func (m *Manager) Get(id string) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return Info{}, false
	}
	return e.info(), true
}

// GetAll returns snapshots of every entry in registration order.
func (m *Manager) GetAll() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.entries[id].info())
	}
	return out
}

func (m *Manager) IsEnabled(id string) bool {
	state, ok := m.GetState(id)
	return ok && state == StateEnabled
}

// IsLoaded reports whether the plugin has completed its load step and not
// been unloaded since.
func (m *Manager) IsLoaded(id string) bool {
	state, ok := m.GetState(id)
	if !ok {
		return false
	}
	switch state {
	case StateLoaded, StateEnabled, StateDisabled:
		return true
	}
	return false
}

func (m *Manager) GetState(id string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return 0, false
	}
	return e.state, true
}

// acquire looks up id and takes its transition lock. The caller must unlock
// e.tx.
func (m *Manager) acquire(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	e.tx.Lock()

	// The entry may have been unregistered while we waited.
	m.mu.RLock()
	current := m.entries[id] == e
	m.mu.RUnlock()
	if !current {
		e.tx.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	return e, nil
}

func (m *Manager) stateOf(e *entry) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return e.state
}

func (m *Manager) fail(ctx context.Context, e *entry, err error) {
	m.mu.Lock()
	e.state = StateError
	e.err = err
	m.mu.Unlock()
	m.log.Error(fmt.Sprintf("Plugin %s entered error state", e.meta.ID), err)
	m.emit(ctx, EventError, e.meta.ID, err)
}

func (m *Manager) persistEnabled(ctx context.Context, id string, enabled bool) {
	if m.storage == nil {
		return
	}
	if err := m.storage.Set(ctx, EnabledKey(id), enabled); err != nil {
		m.log.Error(fmt.Sprintf("Failed to persist enabled flag of %s", id), err)
	}
}

func (m *Manager) emit(ctx context.Context, event, id string, err error) {
	if m.bus == nil {
		return
	}
	payload := map[string]interface{}{"pluginId": id}
	if err != nil {
		payload["error"] = err.Error()
	}
	m.bus.Emit(ctx, event, payload)
}

// runHook calls a lifecycle hook with the configured timeout. Panics and
// timeouts are reported as *PluginError.
func (m *Manager) runHook(ctx context.Context, id, function string, hook func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.hookTimeout)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		defer func() {
			if panicVal := recover(); panicVal != nil {
				errChan <- &PluginError{
					PluginID: id,
					Function: function,
					Message:  fmt.Sprintf("panic: %v", panicVal),
					IsPanic:  true,
				}
			}
		}()
		errChan <- hook(ctx)
	}()

	select {
	case err := <-errChan:
		if err == nil {
			return nil
		}
		var pe *PluginError
		if errors.As(err, &pe) {
			return err
		}
		return &PluginError{PluginID: id, Function: function, Message: "hook failed", Cause: err}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &PluginError{
				PluginID:  id,
				Function:  function,
				Message:   fmt.Sprintf("timeout after %s", m.hookTimeout),
				Cause:     ctx.Err(),
				IsTimeout: true,
			}
		}
		return &PluginError{PluginID: id, Function: function, Message: "cancelled", Cause: ctx.Err()}
	}
}

func (e *entry) info() Info {
	info := Info{Metadata: e.meta, State: e.state}
	info.Dependencies = append([]string(nil), e.meta.Dependencies...)
	if !e.loadedAt.IsZero() {
		t := e.loadedAt
		info.LoadedAt = &t
	}
	if !e.enabledAt.IsZero() {
		t := e.enabledAt
		info.EnabledAt = &t
	}
	if e.err != nil {
		info.Error = e.err.Error()
	}
	return info
}
