package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_EmitOrderAndUnsubscribe(t *testing.T) {
	bus := NewBus(nil)
	ctx := context.Background()

	var got []string
	unsubA := bus.On("core:plugin:enabled", func(_ context.Context, data interface{}) {
		got = append(got, "a:"+data.(string))
	})
	bus.On("core:plugin:enabled", func(_ context.Context, data interface{}) {
		got = append(got, "b:"+data.(string))
	})

	bus.Emit(ctx, "core:plugin:enabled", "x")
	assert.Equal(t, []string{"a:x", "b:x"}, got)

	unsubA()
	unsubA() // second call is harmless
	got = nil
	bus.Emit(ctx, "core:plugin:enabled", "y")
	assert.Equal(t, []string{"b:y"}, got)
}

func TestBus_Once(t *testing.T) {
	bus := NewBus(nil)
	ctx := context.Background()

	calls := 0
	bus.Once("ready", func(context.Context, interface{}) { calls++ })

	bus.Emit(ctx, "ready", nil)
	bus.Emit(ctx, "ready", nil)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.HandlerCount("ready"))
}

func TestBus_OnceUnsubscribeBeforeEmit(t *testing.T) {
	bus := NewBus(nil)
	calls := 0
	off := bus.Once("ready", func(context.Context, interface{}) { calls++ })
	off()
	bus.Emit(context.Background(), "ready", nil)
	assert.Equal(t, 0, calls)
}

func TestBus_PanickingHandlerDoesNotStopDelivery(t *testing.T) {
	bus := NewBus(nil)
	delivered := false
	bus.On("e", func(context.Context, interface{}) { panic("bad handler") })
	bus.On("e", func(context.Context, interface{}) { delivered = true })

	assert.NotPanics(t, func() { bus.Emit(context.Background(), "e", nil) })
	assert.True(t, delivered)
}

func TestBus_HandlerMayUnsubscribeDuringEmit(t *testing.T) {
	bus := NewBus(nil)
	var off func()
	calls := 0
	off = bus.On("e", func(context.Context, interface{}) {
		calls++
		off()
	})
	bus.Emit(context.Background(), "e", nil)
	bus.Emit(context.Background(), "e", nil)
	assert.Equal(t, 1, calls)
}

func TestBus_Request(t *testing.T) {
	bus := NewBus(nil)
	ctx := context.Background()

	_, err := bus.Request(ctx, "explorer", nil)
	assert.ErrorIs(t, err, ErrNoResponder)

	off, err := bus.OnRequest("explorer", func(_ context.Context, data interface{}) (interface{}, error) {
		return "pong:" + data.(string), nil
	})
	require.NoError(t, err)

	_, err = bus.OnRequest("explorer", func(context.Context, interface{}) (interface{}, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrResponderExists)

	resp, err := bus.Request(ctx, "explorer", "ping")
	require.NoError(t, err)
	assert.Equal(t, "pong:ping", resp)

	off()
	_, err = bus.Request(ctx, "explorer", "ping")
	assert.ErrorIs(t, err, ErrNoResponder)
}

func TestBus_StaleRequestUnsubscribe(t *testing.T) {
	bus := NewBus(nil)
	ctx := context.Background()

	offFirst, err := bus.OnRequest("svc", func(context.Context, interface{}) (interface{}, error) { return "first", nil })
	require.NoError(t, err)
	offFirst()

	_, err = bus.OnRequest("svc", func(context.Context, interface{}) (interface{}, error) { return "second", nil })
	require.NoError(t, err)

	// The first owner's teardown runs its unsubscribe again.
	offFirst()
	resp, err := bus.Request(ctx, "svc", nil)
	require.NoError(t, err)
	assert.Equal(t, "second", resp)
}

func TestBus_RequestErrors(t *testing.T) {
	bus := NewBus(nil)
	boom := errors.New("boom")
	_, err := bus.OnRequest("fail", func(context.Context, interface{}) (interface{}, error) { return nil, boom })
	require.NoError(t, err)
	_, err = bus.OnRequest("panic", func(context.Context, interface{}) (interface{}, error) { panic("oops") })
	require.NoError(t, err)

	_, err = bus.Request(context.Background(), "fail", nil)
	assert.ErrorIs(t, err, boom)

	_, err = bus.Request(context.Background(), "panic", nil)
	assert.ErrorContains(t, err, "panicked")

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	_, err = bus.Request(ctx, "fail", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBus_Observe(t *testing.T) {
	bus := NewBus(nil)
	var seen []string
	bus.Observe(func(event string, _ interface{}) { seen = append(seen, event) })

	bus.Emit(context.Background(), "a", nil)
	bus.Emit(context.Background(), "b", nil)
	assert.Equal(t, []string{"a", "b"}, seen)
}
