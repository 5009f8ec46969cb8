package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/dop251/goja"

	"github.com/vrsandeep/pplx-kit/internal/dom"
	"github.com/vrsandeep/pplx-kit/internal/messaging"
	"github.com/vrsandeep/pplx-kit/internal/panel"
	"github.com/vrsandeep/pplx-kit/internal/storage"
)

// newCore builds the core object passed to every hook. Caller holds the VM.
// The Go functions bound here run on the VM goroutine, with the VM held.
func (s *ScriptPlugin) newCore() *goja.Object {
	vm := s.vm
	core := vm.NewObject()

	info := vm.NewObject()
	info.Set("id", s.manifest.ID)
	info.Set("name", s.manifest.Name)
	info.Set("version", s.manifest.Version)
	info.Set("dir", s.dir)
	info.Set("config", s.goToJS(s.manifest.config()))
	core.Set("plugin", info)

	logObj := vm.NewObject()
	logObj.Set("debug", s.logFunc(func(msg string) { s.log.Debug(msg) }))
	logObj.Set("info", s.logFunc(func(msg string) { s.log.Info(msg) }))
	logObj.Set("warn", s.logFunc(func(msg string) { s.log.Warn(msg) }))
	logObj.Set("error", s.logFunc(func(msg string) { s.log.Error(msg) }))
	core.Set("log", logObj)

	if s.api.Storage != nil {
		core.Set("storage", s.storageObject(s.api.Storage.Namespace(s.manifest.ID)))
	}
	if s.api.Messaging != nil {
		core.Set("messaging", s.messagingObject(s.api.Messaging))
	}
	if s.api.Panels != nil {
		panels := vm.NewObject()
		panels.Set("create", s.createPanel)
		core.Set("panels", panels)

		doc := vm.NewObject()
		doc.Set("querySelector", s.querySelector)
		doc.Set("querySelectorAll", s.querySelectorAll)
		doc.Set("xpath", s.xpathQuery)
		core.Set("dom", doc)
	}
	if s.api.Plugins != nil {
		core.Set("plugins", s.pluginsObject(s.api.Plugins))
	}
	return core
}

func (s *ScriptPlugin) logFunc(write func(string)) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args := make([]interface{}, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		write(fmt.Sprint(args...))
		return goja.Undefined()
	}
}

func (s *ScriptPlugin) storageObject(store storage.Service) *goja.Object {
	obj := s.vm.NewObject()
	obj.Set("get", func(key string) (goja.Value, error) {
		var v interface{}
		found, err := store.Get(s.currentCtx(), key, &v)
		if err != nil {
			return nil, err
		}
		if !found {
			return goja.Null(), nil
		}
		return s.goToJS(v), nil
	})
	obj.Set("set", func(key string, value goja.Value) error {
		var v interface{}
		if value != nil {
			v = value.Export()
		}
		return store.Set(s.currentCtx(), key, v)
	})
	obj.Set("remove", func(key string) error {
		return store.Remove(s.currentCtx(), key)
	})
	obj.Set("has", func(key string) (bool, error) {
		return store.Has(s.currentCtx(), key)
	})
	obj.Set("keys", func() ([]string, error) {
		return store.Keys(s.currentCtx())
	})
	return obj
}

func (s *ScriptPlugin) messagingObject(bus *messaging.Bus) *goja.Object {
	obj := s.vm.NewObject()
	obj.Set("emit", func(event string, data goja.Value) {
		bus.Emit(s.currentCtx(), event, exportValue(data))
	})
	obj.Set("on", func(event string, fn goja.Callable) func() {
		handler, live := s.jsHandler(event, fn)
		return s.subscribe(bus.On(event, handler), live)
	})
	obj.Set("once", func(event string, fn goja.Callable) func() {
		handler, live := s.jsHandler(event, fn)
		return s.subscribe(bus.Once(event, handler), live)
	})
	obj.Set("request", func(target string, data goja.Value) (goja.Value, error) {
		resp, err := bus.Request(s.currentCtx(), target, exportValue(data))
		if err != nil {
			return nil, err
		}
		return s.goToJS(resp), nil
	})
	obj.Set("onRequest", func(target string, fn goja.Callable) (func(), error) {
		unsubscribe, err := bus.OnRequest(target, s.jsRequestHandler(target, fn))
		if err != nil {
			return nil, err
		}
		return s.subscribe(unsubscribe, nil), nil
	})
	return obj
}

// subscribe records unsubscribe so the plugin's teardown removes it, and
// returns it for the script to call early. Clearing live drops deliveries
// still waiting in the queue.
func (s *ScriptPlugin) subscribe(unsubscribe func(), live *atomic.Bool) func() {
	off := unsubscribe
	if live != nil {
		off = func() {
			live.Store(false)
			unsubscribe()
		}
	}
	s.track(off)
	return off
}

// jsHandler wraps fn as a bus handler. An event emitted from inside another
// runtime runs inline only when this VM is free; otherwise it is queued, so
// two plugins emitting at each other never wait on each other's VM.
func (s *ScriptPlugin) jsHandler(event string, fn goja.Callable) (messaging.Handler, *atomic.Bool) {
	live := new(atomic.Bool)
	live.Store(true)
	log := s.log

	return func(ctx context.Context, data interface{}) {
		call := func(ctx context.Context) error {
			if !live.Load() {
				return nil
			}
			_, err := s.settle(ctx, event)(fn(goja.Undefined(), s.goToJS(data)))
			return err
		}

		var err error
		switch {
		case !inOtherRuntime(ctx, s):
			err = s.run(ctx, call)
		case !s.queued() && s.tryLock():
			err = s.runLocked(ctx, call)
		default:
			s.enqueue(queuedCall{event: event, invoke: call, log: log})
			return
		}
		if err != nil {
			log.Error(fmt.Sprintf("Handler for %s failed", event), err)
		}
	}, live
}

func (s *ScriptPlugin) jsRequestHandler(target string, fn goja.Callable) messaging.RequestHandler {
	return func(ctx context.Context, data interface{}) (interface{}, error) {
		var out interface{}
		err := s.run(ctx, func(ctx context.Context) error {
			val, err := s.settle(ctx, target)(fn(goja.Undefined(), s.goToJS(data)))
			if err != nil {
				return err
			}
			out = exportValue(val)
			return nil
		})
		return out, err
	}
}

func (s *ScriptPlugin) createPanel(call goja.FunctionCall) goja.Value {
	cfg := panel.Config{}
	if arg := call.Argument(0); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
		opts, ok := arg.Export().(map[string]interface{})
		if !ok {
			panic(s.vm.NewTypeError("panels.create expects an options object"))
		}
		cfg = panelConfig(opts)
	}
	p := s.api.Panels.Create(cfg)
	s.panels = append(s.panels, p)
	return s.vm.ToValue(p)
}

func panelConfig(opts map[string]interface{}) panel.Config {
	cfg := panel.Config{}
	if v, ok := opts["id"].(string); ok {
		cfg.ID = v
	}
	if v, ok := opts["title"].(string); ok {
		cfg.Title = v
	}
	if v, ok := opts["position"].(string); ok {
		cfg.Position = panel.Position(v)
	}
	switch v := opts["width"].(type) {
	case int64:
		cfg.Width = int(v)
	case float64:
		cfg.Width = int(v)
	}
	if v, ok := opts["content"].(string); ok {
		cfg.Content = v
	}
	if v, ok := opts["collapsible"].(bool); ok {
		cfg.Collapsible = panel.Bool(v)
	}
	if v, ok := opts["draggable"].(bool); ok {
		cfg.Draggable = panel.Bool(v)
	}
	if v, ok := opts["resizable"].(bool); ok {
		cfg.Resizable = panel.Bool(v)
	}
	return cfg
}

func (s *ScriptPlugin) document() *dom.Document {
	return s.api.Panels.Document()
}

func (s *ScriptPlugin) querySelector(selector string) goja.Value {
	el, ok := s.document().FindFirst(selector)
	if !ok {
		return goja.Null()
	}
	return s.elementToJS(el)
}

func (s *ScriptPlugin) querySelectorAll(selector string) goja.Value {
	return s.elementsToJS(s.document().Find(selector))
}

func (s *ScriptPlugin) xpathQuery(expr string) (goja.Value, error) {
	els, err := s.document().XPath(expr)
	if err != nil {
		return nil, err
	}
	return s.elementsToJS(els), nil
}

func (s *ScriptPlugin) elementToJS(el dom.Element) goja.Value {
	obj := s.vm.NewObject()
	obj.Set("tagName", el.Tag)
	obj.Set("id", el.ID)
	obj.Set("textContent", el.Text)
	obj.Set("innerHTML", el.HTML)
	attrs := make(map[string]interface{}, len(el.Attrs))
	for k, v := range el.Attrs {
		attrs[k] = v
	}
	obj.Set("attributes", s.goToJS(attrs))
	obj.Set("getAttribute", func(name string) goja.Value {
		val, exists := el.Attrs[name]
		if !exists {
			return goja.Null()
		}
		return s.vm.ToValue(val)
	})
	return obj
}

func (s *ScriptPlugin) elementsToJS(els []dom.Element) goja.Value {
	items := make([]interface{}, len(els))
	for i, el := range els {
		items[i] = s.elementToJS(el)
	}
	return s.vm.NewArray(items...)
}

func (s *ScriptPlugin) pluginsObject(reg Registry) *goja.Object {
	obj := s.vm.NewObject()
	obj.Set("get", func(id string) (goja.Value, error) {
		info, ok := reg.Get(id)
		if !ok {
			return goja.Null(), nil
		}
		return s.jsonToJS(info)
	})
	obj.Set("getAll", func() (goja.Value, error) {
		return s.jsonToJS(reg.GetAll())
	})
	obj.Set("isEnabled", reg.IsEnabled)
	obj.Set("isLoaded", reg.IsLoaded)
	obj.Set("getState", func(id string) goja.Value {
		state, ok := reg.GetState(id)
		if !ok {
			return goja.Null()
		}
		return s.vm.ToValue(state.String())
	})
	return obj
}

// jsonToJS converts v through its JSON form, so JSON tags and marshalers
// decide what scripts see.
func (s *ScriptPlugin) jsonToJS(v interface{}) (goja.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return s.goToJS(out), nil
}

func (s *ScriptPlugin) goToJS(v interface{}) goja.Value {
	vm := s.vm
	if v == nil {
		return goja.Null()
	}

	switch val := v.(type) {
	case goja.Value:
		return val
	case []interface{}:
		items := make([]interface{}, len(val))
		for i, item := range val {
			items[i] = s.goToJS(item)
		}
		return vm.NewArray(items...)
	case map[string]interface{}:
		obj := vm.NewObject()
		for k, v := range val {
			obj.Set(k, s.goToJS(v))
		}
		return obj
	default:
		return vm.ToValue(val)
	}
}

func exportValue(v goja.Value) interface{} {
	if v == nil || goja.IsUndefined(v) {
		return nil
	}
	return v.Export()
}
