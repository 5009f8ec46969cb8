// Package messaging implements the process-wide event bus: fire-and-forget
// events (emit/on/once) and request/response channels (request/onRequest).
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vrsandeep/pplx-kit/internal/logger"
)

var (
	// ErrNoResponder is returned by Request when nobody serves the target.
	ErrNoResponder = errors.New("messaging: no request handler registered")
	// ErrResponderExists is returned by OnRequest when the target is taken.
	ErrResponderExists = errors.New("messaging: request handler already registered")
)

// Handler receives emitted events. Handlers run synchronously on the
// emitting goroutine, in subscription order.
type Handler func(ctx context.Context, data interface{})

// RequestHandler answers a request.
type RequestHandler func(ctx context.Context, data interface{}) (interface{}, error)

// Observer sees every emitted event. It is how the websocket hub mirrors the bus.
type Observer func(event string, data interface{})

type subscription struct {
	id      uint64
	handler Handler
	once    bool
}

// Bus is safe for concurrent use.
type Bus struct {
	mu         sync.RWMutex
	nextID     uint64
	handlers   map[string][]*subscription
	responders map[string]*responder
	observers  []Observer
	log        logger.Logger
}

// NewBus creates an empty bus. log may be nil.
func NewBus(log logger.Logger) *Bus {
	if log == nil {
		log = logger.Discard().Create("messaging")
	}
	return &Bus{
		handlers:   make(map[string][]*subscription),
		responders: make(map[string]*responder),
		log:        log,
	}
}

// On subscribes h to event and returns a function that removes it.
func (b *Bus) On(event string, h Handler) func() {
	return b.subscribe(event, h, false)
}

// Once subscribes h for a single delivery.
func (b *Bus) Once(event string, h Handler) func() {
	return b.subscribe(event, h, true)
}

func (b *Bus) subscribe(event string, h Handler, once bool) func() {
	b.mu.Lock()
	b.nextID++
	sub := &subscription{id: b.nextID, handler: h, once: once}
	b.handlers[event] = append(b.handlers[event], sub)
	b.mu.Unlock()

	return func() { b.remove(event, sub.id) }
}

// remove reports whether the subscription was still present.
func (b *Bus) remove(event string, id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[event]
	for i, s := range subs {
		if s.id == id {
			b.handlers[event] = append(subs[:i:i], subs[i+1:]...)
			if len(b.handlers[event]) == 0 {
				delete(b.handlers, event)
			}
			return true
		}
	}
	return false
}

// Emit delivers data to every subscriber of event. A panicking handler is
// logged and does not stop delivery to the others.
func (b *Bus) Emit(ctx context.Context, event string, data interface{}) {
	b.mu.RLock()
	subs := make([]*subscription, len(b.handlers[event]))
	copy(subs, b.handlers[event])
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.mu.RUnlock()

	for _, s := range subs {
		// A once-subscription fires only for the emit that removes it.
		if s.once && !b.remove(event, s.id) {
			continue
		}
		b.deliver(ctx, event, s.handler, data)
	}
	for _, o := range observers {
		b.observe(o, event, data)
	}
}

func (b *Bus) deliver(ctx context.Context, event string, h Handler, data interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error(fmt.Sprintf("handler for %q panicked: %v", event, r))
		}
	}()
	h(ctx, data)
}

func (b *Bus) observe(o Observer, event string, data interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error(fmt.Sprintf("observer panicked on %q: %v", event, r))
		}
	}()
	o(event, data)
}

type responder struct {
	id      uint64
	handler RequestHandler
}

// OnRequest registers the single responder for target. The returned function
// unregisters it; it only ever removes this registration, so calling it again
// after someone else took the target is harmless.
func (b *Bus) OnRequest(target string, h RequestHandler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.responders[target]; exists {
		return nil, fmt.Errorf("%w: %s", ErrResponderExists, target)
	}
	b.nextID++
	r := &responder{id: b.nextID, handler: h}
	b.responders[target] = r
	return func() {
		b.mu.Lock()
		if cur, ok := b.responders[target]; ok && cur.id == r.id {
			delete(b.responders, target)
		}
		b.mu.Unlock()
	}, nil
}

// Request sends data to the responder for target and returns its answer.
func (b *Bus) Request(ctx context.Context, target string, data interface{}) (resp interface{}, err error) {
	b.mu.RLock()
	r, ok := b.responders[target]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoResponder, target)
	}
	h := r.handler
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("request handler for %q panicked: %v", target, r)
		}
	}()
	return h(ctx, data)
}

// Observe registers an observer for all events.
func (b *Bus) Observe(o Observer) {
	b.mu.Lock()
	b.observers = append(b.observers, o)
	b.mu.Unlock()
}

// HandlerCount returns the number of subscribers of event.
func (b *Bus) HandlerCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[event])
}
