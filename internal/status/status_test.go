package status

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/advancedcontrol/engine/internal/reactor"
	"github.com/advancedcontrol/engine/pkg/types"
)

type event struct {
	reactor *reactor.Reactor
	key     string
	value   any
}

func collector(buf int) (Callback, <-chan event) {
	ch := make(chan event, buf)
	return func(ctx context.Context, _ types.ModuleID, key string, value any) {
		ch <- event{reactor: reactor.Current(ctx), key: key, value: value}
	}, ch
}

func startReactor(t *testing.T, name string) *reactor.Reactor {
	t.Helper()
	r := reactor.New(0, name, reactor.Options{})
	r.Start()
	t.Cleanup(r.Stop)
	return r
}

func next(t *testing.T, ch <-chan event) event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no status event")
		return event{}
	}
}

// TestNotifyDeliversOnSubscriberReactor tests callbacks run on the reactor
// the subscriber named
func TestNotifyDeliversOnSubscriberReactor(t *testing.T) {
	r := startReactor(t, "sub")
	reg := NewRegistry(nil, nil)
	fn, ch := collector(4)

	reg.Subscribe("display", types.StatusConnected, r, fn)
	reg.Notify("display", types.StatusConnected, true)

	ev := next(t, ch)
	assert.Same(t, r, ev.reactor)
	assert.Equal(t, true, ev.value)
}

// TestSubscribeReplaysLastValue tests late subscribers see the current value
func TestSubscribeReplaysLastValue(t *testing.T) {
	r := startReactor(t, "sub")
	reg := NewRegistry(nil, nil)
	reg.Notify("display", "power", "on")
	reg.Notify("display", "power", "off")

	fn, ch := collector(4)
	reg.Subscribe("display", "power", r, fn)

	assert.Equal(t, "off", next(t, ch).value)
	v, ok := reg.Value("display", "power")
	require.True(t, ok)
	assert.Equal(t, "off", v)
}

// TestUnsubscribeStopsDelivery tests removed subscriptions are not called
func TestUnsubscribeStopsDelivery(t *testing.T) {
	reg := NewRegistry(nil, nil)
	var mu sync.Mutex
	calls := 0
	sub := reg.Subscribe("display", "power", nil, func(context.Context, types.ModuleID, string, any) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	reg.Notify("display", "power", 1)
	sub.Unsubscribe()
	sub.Unsubscribe()
	reg.Notify("display", "power", 2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, reg.Subscribers("display", "power"))
}

// TestMoveRehomesFollowingSubscriptions tests subscriptions without an
// explicit reactor follow the module to its new reactor
func TestMoveRehomesFollowingSubscriptions(t *testing.T) {
	oldR := startReactor(t, "old")
	newR := startReactor(t, "new")
	pinned := startReactor(t, "pinned")
	reg := NewRegistry(nil, nil)
	reg.Bind("display", oldR)

	follow, followCh := collector(4)
	stay, stayCh := collector(4)
	reg.Subscribe("display", "power", nil, follow)
	reg.Subscribe("display", "power", pinned, stay)

	assert.Equal(t, 1, reg.Move("display", newR))
	reg.Notify("display", "power", "on")

	assert.Same(t, newR, next(t, followCh).reactor)
	assert.Same(t, pinned, next(t, stayCh).reactor)
}

// TestInlineCallbackPanicIsReported tests a panicking inline callback goes
// to the error handler
func TestInlineCallbackPanicIsReported(t *testing.T) {
	var got error
	reg := NewRegistry(nil, func(err error, _ ...any) { got = err })
	reg.Subscribe("display", "power", nil, func(context.Context, types.ModuleID, string, any) {
		panic("boom")
	})

	assert.NotPanics(t, func() { reg.Notify("display", "power", 1) })
	require.Error(t, got)
	assert.Equal(t, map[string]any{"power": 1}, reg.Values("display"))
}
