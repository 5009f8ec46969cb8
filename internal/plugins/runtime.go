package plugins

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dop251/goja"

	"github.com/vrsandeep/pplx-kit/internal/logger"
	"github.com/vrsandeep/pplx-kit/internal/panel"
)

var hookNames = []string{"onLoad", "onEnable", "onDisable", "onUnload"}

// ScriptPlugin is a plugin written in JavaScript and run in its own goja VM.
// The script assigns its hooks to exports (or module.exports); each hook is
// called with the core object as its only argument.
type ScriptPlugin struct {
	manifest *Manifest
	dir      string

	// sem holds one token; whoever holds it owns the VM and everything
	// below it. goja runtimes are not safe for concurrent use.
	sem     chan struct{}
	vm      *goja.Runtime
	exports *goja.Object
	core    *goja.Object
	ctx     context.Context
	api     *API
	log     logger.Logger

	loading     bool
	loadScope   []func()
	enableScope []func()
	panels      []*panel.Panel

	// Events arriving from another runtime while this one is busy wait
	// here, in arrival order.
	qmu      sync.Mutex
	queue    []queuedCall
	draining bool
}

// deliveryTimeout bounds a queued event handler.
const deliveryTimeout = DefaultHookTimeout

type queuedCall struct {
	event  string
	invoke func(ctx context.Context) error
	log    logger.Logger
}

// LoadScript reads the manifest in dir and evaluates the entry script.
func LoadScript(dir string) (*ScriptPlugin, error) {
	manifest, err := LoadManifest(dir)
	if err != nil {
		return nil, err
	}

	scriptPath := filepath.Join(dir, manifest.EntryPoint)
	scriptData, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin script: %w", err)
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	module := vm.NewObject()
	exports := vm.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, err
	}

	// CommonJS-like wrapper: (function(exports, module) { ... })
	wrapped := "(function(exports, module) {\n" + string(scriptData) + "\n})"
	fnVal, err := vm.RunScript(scriptPath, wrapped)
	if err != nil {
		return nil, fmt.Errorf("failed to execute plugin script: %w", err)
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, fmt.Errorf("failed to execute plugin script: wrapper is not callable")
	}
	if _, err := fn(goja.Undefined(), exports, module); err != nil {
		return nil, fmt.Errorf("failed to execute plugin script: %w", err)
	}

	exportsVal := module.Get("exports")
	if exportsVal == nil || goja.IsUndefined(exportsVal) || goja.IsNull(exportsVal) {
		return nil, fmt.Errorf("plugin %s does not export an object", manifest.ID)
	}
	exportsObj := exportsVal.ToObject(vm)
	for _, name := range hookNames {
		v := exportsObj.Get(name)
		if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
			continue
		}
		if _, ok := goja.AssertFunction(v); !ok {
			return nil, fmt.Errorf("plugin %s: export %s is not a function", manifest.ID, name)
		}
	}

	return &ScriptPlugin{
		manifest: manifest,
		dir:      dir,
		sem:      make(chan struct{}, 1),
		vm:       vm,
		exports:  exportsObj,
		log:      logger.Discard().Create(manifest.ID),
	}, nil
}

func (s *ScriptPlugin) Metadata() Metadata { return s.manifest.Metadata() }

// Manifest returns the plugin manifest.
func (s *ScriptPlugin) Manifest() *Manifest { return s.manifest }

func (s *ScriptPlugin) Dir() string { return s.dir }

// HasHook reports whether the script exports the named hook.
func (s *ScriptPlugin) HasHook(name string) bool {
	s.lock()
	defer s.unlock()
	return s.hook(name) != nil
}

func (s *ScriptPlugin) OnLoad(ctx context.Context, api *API) error {
	s.lock()
	s.api = api
	if api.Logger != nil {
		s.log = api.Logger.Create("plugin:" + s.manifest.ID)
	}
	s.core = s.newCore()
	s.loading = true
	s.unlock()

	defer func() {
		s.lock()
		s.loading = false
		s.unlock()
	}()
	return s.callHook(ctx, "onLoad")
}

func (s *ScriptPlugin) OnEnable(ctx context.Context) error {
	return s.callHook(ctx, "onEnable")
}

// OnDisable runs the hook and drops the subscriptions made since load.
func (s *ScriptPlugin) OnDisable(ctx context.Context) error {
	err := s.callHook(ctx, "onDisable")
	s.lock()
	s.release(&s.enableScope)
	s.unlock()
	return err
}

// OnUnload runs the hook, then drops every subscription and destroys the
// panels the plugin created.
func (s *ScriptPlugin) OnUnload(ctx context.Context) error {
	err := s.callHook(ctx, "onUnload")

	s.lock()
	s.release(&s.enableScope)
	s.release(&s.loadScope)
	panels := s.panels
	s.panels = nil
	s.unlock()

	for _, p := range panels {
		p.Destroy()
	}
	return err
}

// Call invokes an arbitrary export and returns its exported Go value.
func (s *ScriptPlugin) Call(ctx context.Context, name string, args ...interface{}) (interface{}, error) {
	var out interface{}
	err := s.run(ctx, func(ctx context.Context) error {
		fn := s.hook(name)
		if fn == nil {
			return fmt.Errorf("function %s not found", name)
		}
		jsArgs := make([]goja.Value, len(args))
		for i, a := range args {
			jsArgs[i] = s.vm.ToValue(a)
		}
		val, err := s.settle(ctx, name)(fn(goja.Undefined(), jsArgs...))
		if err != nil {
			return err
		}
		if val != nil {
			out = val.Export()
		}
		return nil
	})
	return out, err
}

func (s *ScriptPlugin) callHook(ctx context.Context, name string) error {
	return s.run(ctx, func(ctx context.Context) error {
		fn := s.hook(name)
		if fn == nil {
			return nil
		}
		var core goja.Value = goja.Undefined()
		if s.core != nil {
			core = s.core
		}
		_, err := s.settle(ctx, name)(fn(goja.Undefined(), core))
		return err
	})
}

// hook returns the exported function name, or nil. Caller holds the VM.
func (s *ScriptPlugin) hook(name string) goja.Callable {
	v := s.exports.Get(name)
	if v == nil {
		return nil
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil
	}
	return fn
}

// settle turns the result of a JS call into a Go result. Promises must have
// settled by the time the call returns, which is the case for async
// functions that only await already-resolved work.
func (s *ScriptPlugin) settle(ctx context.Context, function string) func(goja.Value, error) (goja.Value, error) {
	return func(val goja.Value, err error) (goja.Value, error) {
		if err != nil {
			return nil, s.pluginError(ctx, function, err)
		}
		if val == nil {
			return nil, nil
		}
		p, ok := val.Export().(*goja.Promise)
		if !ok {
			return val, nil
		}
		switch p.State() {
		case goja.PromiseStatePending:
			return nil, &PluginError{PluginID: s.manifest.ID, Function: function, Message: "promise did not settle"}
		case goja.PromiseStateRejected:
			reason := "unknown error"
			if r := p.Result(); r != nil && !goja.IsUndefined(r) && !goja.IsNull(r) {
				reason = r.String()
			}
			return nil, &PluginError{PluginID: s.manifest.ID, Function: function, Message: "promise rejected: " + reason}
		}
		return p.Result(), nil
	}
}

func (s *ScriptPlugin) pluginError(ctx context.Context, function string, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return &PluginError{
			PluginID:  s.manifest.ID,
			Function:  function,
			Message:   "interrupted",
			Cause:     ctx.Err(),
			IsTimeout: errors.Is(ctx.Err(), context.DeadlineExceeded),
		}
	}
	return &PluginError{PluginID: s.manifest.ID, Function: function, Message: "script error", Cause: err}
}

type chainKey struct{}

// callChain records the script runtimes entered along one synchronous call
// path, so a runtime re-entered through the bus runs inline instead of
// waiting on its own lock.
type callChain struct {
	rt     *ScriptPlugin
	parent *callChain
}

func onChain(ctx context.Context, s *ScriptPlugin) bool {
	c, _ := ctx.Value(chainKey{}).(*callChain)
	for ; c != nil; c = c.parent {
		if c.rt == s {
			return true
		}
	}
	return false
}

// inOtherRuntime reports whether ctx belongs to a call running inside a
// different script runtime, which then holds its own VM.
func inOtherRuntime(ctx context.Context, s *ScriptPlugin) bool {
	c, _ := ctx.Value(chainKey{}).(*callChain)
	return c != nil && !onChain(ctx, s)
}

func (s *ScriptPlugin) lock() { s.sem <- struct{}{} }

func (s *ScriptPlugin) unlock() { <-s.sem }

func (s *ScriptPlugin) tryLock() bool {
	select {
	case s.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// lockContext waits for the VM until ctx is done.
func (s *ScriptPlugin) lockContext(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run executes fn with exclusive use of the VM. Cancelling ctx interrupts
// the running script, or gives up waiting for the VM.
func (s *ScriptPlugin) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if onChain(ctx, s) {
		prev := s.ctx
		s.ctx = ctx
		defer func() { s.ctx = prev }()
		return fn(ctx)
	}

	if err := s.lockContext(ctx); err != nil {
		return &PluginError{
			PluginID:  s.manifest.ID,
			Function:  "runtime",
			Message:   "busy",
			Cause:     err,
			IsTimeout: errors.Is(err, context.DeadlineExceeded),
		}
	}
	return s.runLocked(ctx, fn)
}

// runLocked is run for a caller that already took the VM.
func (s *ScriptPlugin) runLocked(ctx context.Context, fn func(ctx context.Context) error) error {
	defer s.unlock()

	parent, _ := ctx.Value(chainKey{}).(*callChain)
	ctx = context.WithValue(ctx, chainKey{}, &callChain{rt: s, parent: parent})
	prev := s.ctx
	s.ctx = ctx
	defer func() { s.ctx = prev }()

	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		s.vm.Interrupt(ctx.Err())
		close(interrupted)
	})
	defer func() {
		if !stop() {
			<-interrupted
			s.vm.ClearInterrupt()
		}
	}()

	return fn(ctx)
}

// currentCtx returns the context of the call in progress. Caller holds the VM.
func (s *ScriptPlugin) currentCtx() context.Context {
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// track records an undo func in the scope of the current phase. Caller holds
// the VM.
func (s *ScriptPlugin) track(undo func()) {
	if s.loading {
		s.loadScope = append(s.loadScope, undo)
		return
	}
	s.enableScope = append(s.enableScope, undo)
}

// enqueue schedules an event handler to run once the VM is free.
func (s *ScriptPlugin) enqueue(c queuedCall) {
	s.qmu.Lock()
	s.queue = append(s.queue, c)
	start := !s.draining
	s.draining = true
	s.qmu.Unlock()
	if start {
		go s.drain()
	}
}

// queued reports whether deliveries are waiting or being drained. New ones
// must then queue behind them.
func (s *ScriptPlugin) queued() bool {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return s.draining
}

func (s *ScriptPlugin) drain() {
	for {
		s.qmu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.qmu.Unlock()
			return
		}
		c := s.queue[0]
		s.queue = s.queue[1:]
		s.qmu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		if err := s.run(ctx, c.invoke); err != nil {
			c.log.Error(fmt.Sprintf("Handler for %s failed", c.event), err)
		}
		cancel()
	}
}

func (s *ScriptPlugin) release(scope *[]func()) {
	for _, undo := range *scope {
		undo()
	}
	*scope = nil
}
