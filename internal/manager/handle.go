package manager

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"github.com/advancedcontrol/engine/internal/driver"
	"github.com/advancedcontrol/engine/internal/future"
	"github.com/advancedcontrol/engine/internal/processor"
	"github.com/advancedcontrol/engine/internal/reactor"
	"github.com/advancedcontrol/engine/internal/tokenizer"
	"github.com/advancedcontrol/engine/pkg/types"
)

// handle is the driver.Module a driver sees.
type handle struct{ m *Manager }

var _ driver.Module = handle{}

func (h handle) ID() types.ModuleID       { return h.m.settings.ID }
func (h handle) Settings() types.Settings { return h.m.settings.Clone() }
func (h handle) Logger() pslog.Logger     { return h.m.logger }

// Send queues req on the module's processor. Calls from other goroutines
// are moved onto the reactor; the returned future settles either way.
func (h handle) Send(req driver.Request) *future.Future[any] {
	m := h.m
	if !m.r.InLoop() {
		f := future.New[any]()
		if !m.r.Schedule(func(context.Context) { f.Follow(h.Send(req)) }) {
			f.Reject(reactor.ErrStopped)
		}
		return f
	}
	if m.proc == nil {
		f := future.New[any]()
		if m.settings.Role.HasTransport() {
			f.Reject(processor.ErrTerminated)
		} else {
			f.Reject(ErrNoTransport)
		}
		return f
	}
	return m.proc.QueueCommand(req)
}

func (h handle) Configure(opts map[string]any) error {
	if h.m.proc == nil {
		return ErrNoTransport
	}
	return h.m.proc.Configure(opts)
}

func (h handle) Tokenize(fn tokenizer.LengthFunc) error {
	if h.m.proc == nil {
		return ErrNoTransport
	}
	return h.m.proc.Tokenize(fn)
}

func (h handle) Status(key string, value any) { h.m.publish(key, value) }

func (h handle) Schedule() driver.Scheduler { return scheduler{h.m} }

func (h handle) Exec(ctx context.Context, id types.ModuleID, method string, args ...any) (any, error) {
	if h.m.deps.Exec == nil {
		return nil, types.ErrModuleNotFound
	}
	return h.m.deps.Exec(ctx, id, method, args...)
}

// scheduler hands out reactor timers tracked by the manager, so Stop
// cancels everything a driver scheduled.
type scheduler struct{ m *Manager }

func (s scheduler) In(d time.Duration, fn func(ctx context.Context)) driver.Cancelable {
	return s.m.timers.Track(s.m.r.After(d, fn))
}

func (s scheduler) Every(d time.Duration, fn func(ctx context.Context)) driver.Cancelable {
	return s.m.timers.Track(s.m.r.Every(d, fn))
}
