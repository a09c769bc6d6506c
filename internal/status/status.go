// Package status is the side channel through which modules publish state
// ("connected", "power", ...) and other modules or operators observe it.
//
// Values are keyed by module id and status key. The registry remembers the
// last value of every key so a late subscriber is replayed the current
// value. Callbacks run on the subscriber's reactor, or on the publishing
// module's reactor when the subscriber did not name one.
package status

import (
	"context"
	"fmt"
	"sync"

	"pkt.systems/pslog"

	"github.com/advancedcontrol/engine/internal/reactor"
	"github.com/advancedcontrol/engine/pkg/types"
)

// Callback observes a status change.
type Callback func(ctx context.Context, id types.ModuleID, key string, value any)

type subKey struct {
	id  types.ModuleID
	key string
}

// Subscription is a registered callback.
type Subscription struct {
	reg    *Registry
	seq    uint64
	target subKey
	r      *reactor.Reactor
	follow bool // runs on the module's reactor and moves with it
	fn     Callback
}

// Module returns the observed module id.
func (s *Subscription) Module() types.ModuleID { return s.target.id }

// Key returns the observed status key.
func (s *Subscription) Key() string { return s.target.key }

// Unsubscribe removes the subscription. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.reg == nil {
		return
	}
	s.reg.remove(s)
}

// Registry stores status values and their subscribers.
type Registry struct {
	mu      sync.Mutex
	seq     uint64
	values  map[subKey]any
	subs    map[subKey]map[uint64]*Subscription
	homes   map[types.ModuleID]*reactor.Reactor
	onError reactor.ErrorHandler
	logger  pslog.Logger
}

// NewRegistry builds an empty registry. onError receives panics raised by
// callbacks that run inline.
func NewRegistry(logger pslog.Logger, onError reactor.ErrorHandler) *Registry {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Registry{
		values:  make(map[subKey]any),
		subs:    make(map[subKey]map[uint64]*Subscription),
		homes:   make(map[types.ModuleID]*reactor.Reactor),
		onError: onError,
		logger:  logger.With("sys", "status"),
	}
}

// Bind records the reactor that owns module id. Subscriptions made before
// the module existed start following it.
func (g *Registry) Bind(id types.ModuleID, r *reactor.Reactor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rehome(id, r)
}

// Subscribe registers fn for (id, key). When r is nil the callback runs on
// the module's reactor. The last known value, if any, is replayed.
func (g *Registry) Subscribe(id types.ModuleID, key string, r *reactor.Reactor, fn Callback) *Subscription {
	k := subKey{id: id, key: key}
	g.mu.Lock()
	g.seq++
	s := &Subscription{reg: g, seq: g.seq, target: k, r: r, fn: fn}
	if r == nil {
		s.follow = true
		s.r = g.homes[id]
	}
	set, ok := g.subs[k]
	if !ok {
		set = make(map[uint64]*Subscription)
		g.subs[k] = set
	}
	set[s.seq] = s
	value, replay := g.values[k]
	g.mu.Unlock()

	if replay {
		g.dispatch(s, value)
	}
	return s
}

func (g *Registry) remove(s *Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.subs[s.target]
	if !ok {
		return
	}
	delete(set, s.seq)
	if len(set) == 0 {
		delete(g.subs, s.target)
	}
}

// Notify stores value and delivers it to every subscriber of (id, key).
func (g *Registry) Notify(id types.ModuleID, key string, value any) {
	k := subKey{id: id, key: key}
	g.mu.Lock()
	g.values[k] = value
	targets := make([]*Subscription, 0, len(g.subs[k]))
	for _, s := range g.subs[k] {
		targets = append(targets, s)
	}
	g.mu.Unlock()

	for _, s := range targets {
		g.dispatch(s, value)
	}
}

func (g *Registry) dispatch(s *Subscription, value any) {
	g.mu.Lock()
	r := s.r
	g.mu.Unlock()
	call := func(ctx context.Context) {
		if !g.active(s) {
			return
		}
		s.fn(ctx, s.target.id, s.target.key, value)
	}
	if r != nil {
		if !r.Schedule(call) {
			g.logger.Debug("status.dispatch.dropped", "module", s.target.id, "key", s.target.key)
		}
		return
	}
	defer func() {
		if rec := recover(); rec != nil && g.onError != nil {
			g.onError(panicError{rec}, "module", s.target.id, "key", s.target.key)
		}
	}()
	call(context.Background())
}

func (g *Registry) active(s *Subscription) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.subs[s.target][s.seq]
	return ok
}

// Value returns the last value published for (id, key).
func (g *Registry) Value(id types.ModuleID, key string) (any, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.values[subKey{id: id, key: key}]
	return v, ok
}

// Values returns a copy of every value published by id.
func (g *Registry) Values(id types.ModuleID) map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]any)
	for k, v := range g.values {
		if k.id == id {
			out[k.key] = v
		}
	}
	return out
}

// Move rebinds module id to r and migrates the subscriptions that follow
// the module's reactor. Used when a module is reloaded onto another reactor.
func (g *Registry) Move(id types.ModuleID, r *reactor.Reactor) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	moved := g.rehome(id, r)
	if moved > 0 && r != nil {
		g.logger.Debug("status.subscriptions.moved", "module", id, "count", moved, "reactor", r.Name())
	}
	return moved
}

func (g *Registry) rehome(id types.ModuleID, r *reactor.Reactor) int {
	g.homes[id] = r
	moved := 0
	for k, set := range g.subs {
		if k.id != id {
			continue
		}
		for _, s := range set {
			if s.follow {
				s.r = r
				moved++
			}
		}
	}
	return moved
}

// Subscribers returns the number of subscriptions on (id, key).
func (g *Registry) Subscribers(id types.ModuleID, key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs[subKey{id: id, key: key}])
}

type panicError struct{ v any }

func (e panicError) Error() string { return fmt.Sprintf("status callback panicked: %v", e.v) }
