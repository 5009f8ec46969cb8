package plugins_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrsandeep/pplx-kit/internal/logger"
	"github.com/vrsandeep/pplx-kit/internal/messaging"
	"github.com/vrsandeep/pplx-kit/internal/plugins"
	"github.com/vrsandeep/pplx-kit/internal/storage"
)

type testEnv struct {
	mgr   *plugins.Manager
	store *storage.Store
	bus   *messaging.Bus

	mu     sync.Mutex
	events []string
}

func newTestEnv(t *testing.T, opts ...func(*plugins.Options)) *testEnv {
	t.Helper()
	env := &testEnv{
		store: storage.NewMemory(),
		bus:   messaging.NewBus(logger.Discard().Create("bus")),
	}
	o := plugins.Options{Storage: env.store, Bus: env.bus, Logger: logger.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	env.mgr = plugins.NewManager(o)

	for _, ev := range []string{plugins.EventRegistered, plugins.EventEnabled, plugins.EventDisabled, plugins.EventUnregistered, plugins.EventError} {
		env.bus.On(ev, func(_ context.Context, data interface{}) {
			payload := data.(map[string]interface{})
			env.mu.Lock()
			env.events = append(env.events, ev+" "+payload["pluginId"].(string))
			env.mu.Unlock()
		})
	}
	return env
}

func (e *testEnv) recorded() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

func (e *testEnv) flag(t *testing.T, id string) (bool, bool) {
	t.Helper()
	v, found, err := storage.Get[bool](context.Background(), e.store, plugins.EnabledKey(id))
	require.NoError(t, err)
	return v, found
}

func meta(id string, deps ...string) plugins.Metadata {
	return plugins.Metadata{
		ID:           id,
		Name:         "Plugin " + id,
		Version:      "1.0.0",
		Description:  "d",
		Author:       "a",
		Dependencies: deps,
	}
}

// recorder is a plugin whose hooks log their calls and can be made to fail.
type recorder struct {
	meta plugins.Metadata

	mu    sync.Mutex
	calls []string
	fail  map[string]error
	api   *plugins.API
}

func newRecorder(id string, deps ...string) *recorder {
	return &recorder{meta: meta(id, deps...), fail: map[string]error{}}
}

func (r *recorder) Metadata() plugins.Metadata { return r.meta }

func (r *recorder) hook(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
	return r.fail[name]
}

func (r *recorder) OnLoad(_ context.Context, api *plugins.API) error {
	r.mu.Lock()
	r.api = api
	r.mu.Unlock()
	return r.hook("load")
}
func (r *recorder) OnEnable(context.Context) error  { return r.hook("enable") }
func (r *recorder) OnDisable(context.Context) error { return r.hook("disable") }
func (r *recorder) OnUnload(context.Context) error  { return r.hook("unload") }

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Scenario A: a plugin without hooks is loaded right after registration.
func TestRegister_NoHooksIsLoaded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p := &plugins.Definition{Meta: plugins.Metadata{
		ID: "logger-x", Name: "Logger X", Version: "1.0.0", Description: "d", Author: "a",
	}}
	require.NoError(t, env.mgr.Register(ctx, p))

	state, ok := env.mgr.GetState("logger-x")
	require.True(t, ok)
	assert.Equal(t, plugins.StateLoaded, state)
	assert.True(t, env.mgr.IsLoaded("logger-x"))
	assert.False(t, env.mgr.IsEnabled("logger-x"))

	info, ok := env.mgr.Get("logger-x")
	require.True(t, ok)
	assert.NotNil(t, info.LoadedAt)
	assert.Nil(t, info.EnabledAt)
	assert.Equal(t, []string{"core:plugin:registered logger-x"}, env.recorded())
}

func TestRegister_Validation(t *testing.T) {
	tests := []struct {
		name  string
		meta  plugins.Metadata
		field string
	}{
		{"missing name", plugins.Metadata{ID: "x", Version: "1.0.0", Description: "d", Author: "a"}, "name"},
		{"missing author", plugins.Metadata{ID: "x", Name: "X", Version: "1.0.0", Description: "d"}, "author"},
		{"uppercase id", plugins.Metadata{ID: "Bad_ID", Name: "X", Version: "1.0.0", Description: "d", Author: "a"}, "id"},
		{"trailing dash", plugins.Metadata{ID: "bad-", Name: "X", Version: "1.0.0", Description: "d", Author: "a"}, "id"},
		{"reserved id", plugins.Metadata{ID: "plugin", Name: "X", Version: "1.0.0", Description: "d", Author: "a"}, "id"},
		{"short version", plugins.Metadata{ID: "x", Name: "X", Version: "1.0", Description: "d", Author: "a"}, "version"},
		{"self dependency", plugins.Metadata{ID: "x", Name: "X", Version: "1.0.0", Description: "d", Author: "a", Dependencies: []string{"x"}}, "dependencies"},
		{"bad constraint", plugins.Metadata{ID: "x", Name: "X", Version: "1.0.0", Description: "d", Author: "a", RequiredCoreVersion: "nope"}, "required_core_version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			err := env.mgr.Register(context.Background(), &plugins.Definition{Meta: tt.meta})
			require.Error(t, err)
			assert.ErrorIs(t, err, plugins.ErrInvalidPlugin)
			var ve *plugins.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.Empty(t, env.mgr.GetAll())
		})
	}
}

func TestRegister_VersionWithSuffixAccepted(t *testing.T) {
	env := newTestEnv(t)
	m := meta("beta")
	m.Version = "2.1.0-beta.3"
	require.NoError(t, env.mgr.Register(context.Background(), &plugins.Definition{Meta: m}))
}

func TestRegister_Duplicate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := newRecorder("dup")
	require.NoError(t, env.mgr.Register(ctx, first))
	require.NoError(t, env.mgr.Enable(ctx, "dup"))

	second := newRecorder("dup")
	err := env.mgr.Register(ctx, second)
	assert.ErrorIs(t, err, plugins.ErrAlreadyRegistered)
	assert.Empty(t, second.Calls())

	state, _ := env.mgr.GetState("dup")
	assert.Equal(t, plugins.StateEnabled, state, "the existing entry is untouched")
	assert.Len(t, env.mgr.GetAll(), 1)
}

func TestRegister_MissingDependency(t *testing.T) {
	env := newTestEnv(t)
	err := env.mgr.Register(context.Background(), newRecorder("child", "parent"))
	assert.ErrorIs(t, err, plugins.ErrDependencyNotFound)
	_, ok := env.mgr.Get("child")
	assert.False(t, ok)
}

func TestRegister_CoreVersionMismatch(t *testing.T) {
	env := newTestEnv(t, func(o *plugins.Options) { o.CoreVersion = "1.2.0" })
	m := meta("future")
	m.RequiredCoreVersion = ">=2.0.0"
	err := env.mgr.Register(context.Background(), &plugins.Definition{Meta: m})
	assert.ErrorIs(t, err, plugins.ErrCoreVersionMismatch)

	m.ID = "current"
	m.RequiredCoreVersion = "^1.1"
	assert.NoError(t, env.mgr.Register(context.Background(), &plugins.Definition{Meta: m}))
}

func TestRegister_LoadFailureLeavesErrorEntry(t *testing.T) {
	env := newTestEnv(t)
	boom := errors.New("load boom")
	p := newRecorder("bad-load")
	p.fail["load"] = boom

	err := env.mgr.Register(context.Background(), p)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	info, ok := env.mgr.Get("bad-load")
	require.True(t, ok, "a plugin whose load failed stays registered")
	assert.Equal(t, plugins.StateError, info.State)
	assert.Contains(t, info.Error, "load boom")
	assert.False(t, env.mgr.IsLoaded("bad-load"))
	assert.Contains(t, env.recorded(), "core:plugin:error bad-load")
}

func TestEnableDisable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := newRecorder("toggle")
	require.NoError(t, env.mgr.Register(ctx, p))

	require.NoError(t, env.mgr.Enable(ctx, "toggle"))
	assert.True(t, env.mgr.IsEnabled("toggle"))
	info, _ := env.mgr.Get("toggle")
	assert.NotNil(t, info.EnabledAt)
	v, found := env.flag(t, "toggle")
	assert.True(t, found)
	assert.True(t, v)

	require.NoError(t, env.mgr.Disable(ctx, "toggle"))
	state, _ := env.mgr.GetState("toggle")
	assert.Equal(t, plugins.StateDisabled, state)
	assert.True(t, env.mgr.IsLoaded("toggle"))
	info, _ = env.mgr.Get("toggle")
	assert.Nil(t, info.EnabledAt)
	v, _ = env.flag(t, "toggle")
	assert.False(t, v)

	require.NoError(t, env.mgr.Enable(ctx, "toggle"), "re-enable from disabled")

	assert.Equal(t, []string{"load", "enable", "disable", "enable"}, p.Calls())
	assert.Equal(t, []string{
		"core:plugin:registered toggle",
		"core:plugin:enabled toggle",
		"core:plugin:disabled toggle",
		"core:plugin:enabled toggle",
	}, env.recorded())
}

func TestEnableDisable_NoOps(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := newRecorder("idem")
	require.NoError(t, env.mgr.Register(ctx, p))

	err := env.mgr.Disable(ctx, "idem")
	assert.ErrorIs(t, err, plugins.ErrInvalidTransition, "disable requires enabled")
	var te *plugins.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, plugins.StateLoaded, te.From)

	require.NoError(t, env.mgr.Enable(ctx, "idem"))
	require.NoError(t, env.mgr.Enable(ctx, "idem"))
	require.NoError(t, env.mgr.Disable(ctx, "idem"))
	require.NoError(t, env.mgr.Disable(ctx, "idem"))

	assert.Equal(t, []string{"load", "enable", "disable"}, p.Calls())
}

func TestEnable_NotRegistered(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	assert.ErrorIs(t, env.mgr.Enable(ctx, "ghost"), plugins.ErrNotRegistered)
	assert.ErrorIs(t, env.mgr.Disable(ctx, "ghost"), plugins.ErrNotRegistered)
	assert.ErrorIs(t, env.mgr.Unregister(ctx, "ghost"), plugins.ErrNotRegistered)
	assert.False(t, env.mgr.IsEnabled("ghost"))
	assert.False(t, env.mgr.IsLoaded("ghost"))
	_, ok := env.mgr.GetState("ghost")
	assert.False(t, ok)
}

// Scenario B: a failing onEnable surfaces the error and parks the plugin in
// the error state.
func TestEnable_HookFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	boom := errors.New("boom")
	p := newRecorder("p1")
	p.fail["enable"] = boom
	require.NoError(t, env.mgr.Register(ctx, p))

	err := env.mgr.Enable(ctx, "p1")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	var pe *plugins.PluginError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "p1", pe.PluginID)
	assert.Equal(t, "onEnable", pe.Function)

	state, _ := env.mgr.GetState("p1")
	assert.Equal(t, plugins.StateError, state)
	_, found := env.flag(t, "p1")
	assert.False(t, found, "a failed enable does not persist the flag")

	err = env.mgr.Enable(ctx, "p1")
	assert.ErrorIs(t, err, plugins.ErrInvalidTransition, "error is terminal for enable")
	assert.ErrorIs(t, env.mgr.Disable(ctx, "p1"), plugins.ErrInvalidTransition)
}

func TestErrorRecoveryByReRegistering(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := newRecorder("flaky")
	p.fail["enable"] = errors.New("boom")
	require.NoError(t, env.mgr.Register(ctx, p))
	require.Error(t, env.mgr.Enable(ctx, "flaky"))

	require.NoError(t, env.mgr.Unregister(ctx, "flaky"))
	assert.Equal(t, []string{"load", "enable"}, p.Calls(), "no teardown hooks run from the error state")

	fixed := newRecorder("flaky")
	require.NoError(t, env.mgr.Register(ctx, fixed))
	require.NoError(t, env.mgr.Enable(ctx, "flaky"))
	assert.True(t, env.mgr.IsEnabled("flaky"))
}

func TestUnregister_TearsDownEnabledPlugin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := newRecorder("full")
	require.NoError(t, env.mgr.Register(ctx, p))
	require.NoError(t, env.mgr.Enable(ctx, "full"))

	require.NoError(t, env.mgr.Unregister(ctx, "full"))
	assert.Equal(t, []string{"load", "enable", "disable", "unload"}, p.Calls())
	_, ok := env.mgr.Get("full")
	assert.False(t, ok)
	assert.Contains(t, env.recorded(), "core:plugin:unregistered full")
}

func TestUnregister_BestEffort(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := newRecorder("messy")
	p.fail["disable"] = errors.New("disable boom")
	require.NoError(t, env.mgr.Register(ctx, p))
	require.NoError(t, env.mgr.Enable(ctx, "messy"))

	err := env.mgr.Unregister(ctx, "messy")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disable boom")
	_, ok := env.mgr.Get("messy")
	assert.False(t, ok, "the entry is removed even when teardown fails")
	assert.Equal(t, []string{"load", "enable", "disable"}, p.Calls())

	q := newRecorder("unload-fails")
	q.fail["unload"] = errors.New("unload boom")
	require.NoError(t, env.mgr.Register(ctx, q))
	err = env.mgr.Unregister(ctx, "unload-fails")
	assert.ErrorContains(t, err, "unload boom")
	assert.Empty(t, env.mgr.GetAll())
}

func TestShutdown_KeepsEnabledFlags(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	base := newRecorder("base")
	ui := newRecorder("ui", "base")
	require.NoError(t, env.mgr.Register(ctx, base))
	require.NoError(t, env.mgr.Register(ctx, ui))
	require.NoError(t, env.mgr.Enable(ctx, "base"))
	require.NoError(t, env.mgr.Enable(ctx, "ui"))

	require.NoError(t, env.mgr.Shutdown(ctx))
	assert.Empty(t, env.mgr.GetAll())
	assert.Equal(t, []string{"load", "enable", "disable", "unload"}, ui.Calls())

	events := env.recorded()
	assert.Equal(t, []string{"core:plugin:disabled ui", "core:plugin:unregistered ui", "core:plugin:disabled base", "core:plugin:unregistered base"}, events[len(events)-4:])

	for _, id := range []string{"base", "ui"} {
		enabled, found := env.flag(t, id)
		assert.True(t, found)
		assert.True(t, enabled, "%s stays enabled for the next start", id)
	}
}

// Scenario C: unregistering a dependency leaves its dependents alone.
func TestUnregister_DependencyWithEnabledDependent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.mgr.Register(ctx, newRecorder("a")))
	require.NoError(t, env.mgr.Register(ctx, newRecorder("b", "a")))
	require.NoError(t, env.mgr.Enable(ctx, "a"))
	require.NoError(t, env.mgr.Enable(ctx, "b"))

	require.NoError(t, env.mgr.Unregister(ctx, "a"))
	_, ok := env.mgr.Get("a")
	assert.False(t, ok)
	assert.True(t, env.mgr.IsEnabled("b"))
}

func TestGetAll_OrderAndSnapshots(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, env.mgr.Register(ctx, newRecorder(id)))
	}
	require.NoError(t, env.mgr.Register(ctx, newRecorder("dep-user", "alpha")))

	all := env.mgr.GetAll()
	ids := make([]string, len(all))
	for i, info := range all {
		ids[i] = info.ID
	}
	assert.Equal(t, []string{"zeta", "alpha", "mid", "dep-user"}, ids)

	all[3].Dependencies[0] = "mutated"
	all[3].State = plugins.StateError
	info, _ := env.mgr.Get("dep-user")
	assert.Equal(t, []string{"alpha"}, info.Dependencies)
	assert.Equal(t, plugins.StateLoaded, info.State)

	require.NoError(t, env.mgr.Unregister(ctx, "alpha"))
	all = env.mgr.GetAll()
	require.Len(t, all, 3)
	assert.Equal(t, "dep-user", all[2].ID)
}

func TestAutoEnablePlugins(t *testing.T) {
	env := newTestEnv(t, func(o *plugins.Options) { o.AutoEnableConcurrency = 2 })
	ctx := context.Background()

	on := newRecorder("on")
	off := newRecorder("off")
	broken := newRecorder("broken")
	broken.fail["enable"] = errors.New("boom")
	already := newRecorder("already")
	for _, p := range []*recorder{on, off, broken, already} {
		require.NoError(t, env.mgr.Register(ctx, p))
	}
	require.NoError(t, env.mgr.Enable(ctx, "already"))
	require.NoError(t, env.store.Set(ctx, plugins.EnabledKey("on"), true))
	require.NoError(t, env.store.Set(ctx, plugins.EnabledKey("off"), false))
	require.NoError(t, env.store.Set(ctx, plugins.EnabledKey("broken"), true))

	err := env.mgr.AutoEnablePlugins(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	assert.True(t, env.mgr.IsEnabled("on"))
	state, _ := env.mgr.GetState("off")
	assert.Equal(t, plugins.StateLoaded, state)
	state, _ = env.mgr.GetState("broken")
	assert.Equal(t, plugins.StateError, state)
	assert.Equal(t, []string{"load", "enable"}, already.Calls(), "enabled plugins are not enabled again")
}

func TestAutoEnablePlugins_SlowHookDoesNotBlockOthers(t *testing.T) {
	env := newTestEnv(t, func(o *plugins.Options) {
		o.AutoEnableConcurrency = 2
		o.HookTimeout = time.Second
	})
	ctx := context.Background()

	release := make(chan struct{})
	slow := &plugins.Definition{
		Meta: meta("slow"),
		Enable: func(ctx context.Context) error {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	}
	require.NoError(t, env.mgr.Register(ctx, slow))
	require.NoError(t, env.mgr.Register(ctx, newRecorder("fast")))
	require.NoError(t, env.store.Set(ctx, plugins.EnabledKey("slow"), true))
	require.NoError(t, env.store.Set(ctx, plugins.EnabledKey("fast"), true))

	done := make(chan error, 1)
	go func() { done <- env.mgr.AutoEnablePlugins(ctx) }()

	assert.Eventually(t, func() bool { return env.mgr.IsEnabled("fast") }, time.Second, 5*time.Millisecond)
	close(release)
	require.NoError(t, <-done)
	assert.True(t, env.mgr.IsEnabled("slow"))
}

func TestHookTimeout(t *testing.T) {
	env := newTestEnv(t, func(o *plugins.Options) { o.HookTimeout = 20 * time.Millisecond })
	ctx := context.Background()
	stuck := &plugins.Definition{
		Meta: meta("stuck"),
		Enable: func(ctx context.Context) error {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return nil
		},
	}
	require.NoError(t, env.mgr.Register(ctx, stuck))

	err := env.mgr.Enable(ctx, "stuck")
	var pe *plugins.PluginError
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.IsTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	state, _ := env.mgr.GetState("stuck")
	assert.Equal(t, plugins.StateError, state)
}

func TestHookPanic(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := &plugins.Definition{
		Meta: meta("panicky"),
		Load: func(context.Context, *plugins.API) error { panic("kaboom") },
	}
	err := env.mgr.Register(ctx, p)
	var pe *plugins.PluginError
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.IsPanic)
	assert.Contains(t, pe.Message, "kaboom")
	state, _ := env.mgr.GetState("panicky")
	assert.Equal(t, plugins.StateError, state)
}

func TestConcurrentEnableRunsHookOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	var calls int32
	p := &plugins.Definition{
		Meta: meta("busy"),
		Enable: func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			time.Sleep(5 * time.Millisecond)
			return nil
		},
	}
	require.NoError(t, env.mgr.Register(ctx, p))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, env.mgr.Enable(ctx, "busy"))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestLoadReceivesCoreAPI(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := newRecorder("api-user")
	require.NoError(t, env.mgr.Register(ctx, p))

	require.NotNil(t, p.api)
	assert.Same(t, env.bus, p.api.Messaging)
	assert.Same(t, env.mgr.API(), p.api)
	require.NotNil(t, p.api.Plugins)
	assert.True(t, p.api.Plugins.IsLoaded("api-user"))
	require.NoError(t, p.api.Storage.Set(ctx, "k", "v"))
}

func TestStateStringAndParse(t *testing.T) {
	for _, s := range []plugins.State{plugins.StateUnloaded, plugins.StateLoaded, plugins.StateEnabled, plugins.StateDisabled, plugins.StateError} {
		parsed, err := plugins.ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := plugins.ParseState("bogus")
	assert.Error(t, err)
	assert.Equal(t, "State(42)", plugins.State(42).String())
}
