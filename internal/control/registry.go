package control

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/advancedcontrol/engine/internal/manager"
	"github.com/advancedcontrol/engine/internal/reactor"
	"github.com/advancedcontrol/engine/internal/settings"
	"github.com/advancedcontrol/engine/internal/status"
	"github.com/advancedcontrol/engine/pkg/types"
)

// Load returns the manager for s, loading it when needed. Concurrent loads
// of one id share a single attempt. The manager is built on the next
// reactor in round-robin order.
func (c *Control) Load(ctx context.Context, s types.Settings) (*manager.Manager, error) {
	if err := c.Mount(); err != nil {
		return nil, err
	}
	if m, ok := c.Module(s.ID); ok {
		return m, nil
	}
	v, err, _ := c.loads.Do(string(s.ID), func() (any, error) {
		if m, ok := c.Module(s.ID); ok {
			return m, nil
		}
		return c.load(ctx, s)
	})
	if err != nil {
		c.HandleError(err, "module", string(s.ID), "op", "load")
		return nil, err
	}
	return v.(*manager.Manager), nil
}

func (c *Control) load(ctx context.Context, s types.Settings) (*manager.Manager, error) {
	factory, err := c.deps.Load(ctx, s.Dependency)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", s.ID, err)
	}
	r := c.pool().Next()
	m, err := reactor.Call(ctx, r, func(ctx context.Context) (*manager.Manager, error) {
		return manager.New(ctx, s, manager.Deps{
			Reactor: r,
			Factory: factory,
			Status:  c.status,
			UDP:     c.udp,
			Exec:    c.Exec,
			Metrics: c.metrics,
			Backoff: c.cfg.Backoff,
			Logger:  c.logger,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", s.ID, err)
	}

	c.mu.Lock()
	c.modules[s.ID] = m
	reloaded := c.unloaded[s.ID]
	delete(c.unloaded, s.ID)
	c.mu.Unlock()

	if reloaded && c.IsReady() {
		c.status.Move(s.ID, r)
	}
	c.logger.Info("control.module.loaded",
		"module", string(s.ID), "role", string(s.Role), "dependency", s.Dependency, "reactor", r.Name())
	return m, nil
}

// Module returns the loaded manager for id.
func (c *Control) Module(id types.ModuleID) (*manager.Manager, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.modules[id]
	return m, ok
}

// Modules returns the loaded module ids in order.
func (c *Control) Modules() []types.ModuleID {
	c.mu.RLock()
	ids := make([]types.ModuleID, 0, len(c.modules))
	for id := range c.modules {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (c *Control) managers() []*manager.Manager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*manager.Manager, 0, len(c.modules))
	for _, m := range c.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (c *Control) lookup(id types.ModuleID) (*manager.Manager, error) {
	m, ok := c.Module(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrModuleNotFound, id)
	}
	return m, nil
}

// Start starts module id on its reactor.
func (c *Control) Start(ctx context.Context, id types.ModuleID) error {
	m, err := c.lookup(id)
	if err != nil {
		return err
	}
	if err := m.Start(ctx); err != nil {
		c.HandleError(err, "module", string(id), "op", "start")
		return err
	}
	return nil
}

// Stop stops module id on its reactor.
func (c *Control) Stop(ctx context.Context, id types.ModuleID) error {
	m, err := c.lookup(id)
	if err != nil {
		return err
	}
	if err := m.Stop(ctx); err != nil {
		c.HandleError(err, "module", string(id), "op", "stop")
		return err
	}
	return nil
}

// Unload stops module id and drops it from the registry. Unloading an id
// that is not loaded does nothing.
func (c *Control) Unload(ctx context.Context, id types.ModuleID) error {
	m, ok := c.Module(id)
	if !ok {
		return nil
	}
	err := m.Unload(ctx)
	c.mu.Lock()
	if c.modules[id] == m {
		delete(c.modules, id)
	}
	c.unloaded[id] = true
	c.mu.Unlock()
	if err != nil {
		c.HandleError(err, "module", string(id), "op", "unload")
		return err
	}
	c.logger.Info("control.module.unloaded", "module", string(id))
	return nil
}

// Update reloads module id with fresh settings from the store and starts it
// again when it was running. It is not atomic against a concurrent Start or
// Stop of the same id.
func (c *Control) Update(ctx context.Context, id types.ModuleID) error {
	if c.store == nil {
		return errors.New("update: no settings store")
	}
	m, err := c.lookup(id)
	if err != nil {
		return err
	}
	running := m.State() == manager.Started
	if err := c.Unload(ctx, id); err != nil {
		return err
	}
	s, err := c.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}
	m, err = c.Load(ctx, s)
	if err != nil {
		return err
	}
	if running {
		if err := m.Start(ctx); err != nil {
			c.HandleError(err, "module", string(id), "op", "start")
			return err
		}
	}
	c.logger.Info("control.module.updated", "module", string(id), "running", running)
	return nil
}

// Reload hands the stored settings for id to the driver's update hook
// without restarting the module.
func (c *Control) Reload(ctx context.Context, id types.ModuleID) error {
	if c.store == nil {
		return errors.New("reload: no settings store")
	}
	m, err := c.lookup(id)
	if err != nil {
		return err
	}
	s, err := c.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("reload %s: %w", id, err)
	}
	return m.Reloaded(ctx, s)
}

// Exec calls method on module id's driver.
func (c *Control) Exec(ctx context.Context, id types.ModuleID, method string, args ...any) (any, error) {
	m, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	return m.Exec(ctx, method, args...)
}

// Subscribe registers fn for status key of module id. The callback runs on
// the module's reactor, following it across reloads.
func (c *Control) Subscribe(id types.ModuleID, key string, fn status.Callback) *status.Subscription {
	return c.status.Subscribe(id, key, nil, fn)
}

// ApplyChange brings the registry in line with an edit of the settings
// store. Modules whose only difference is their config map get the update
// hook; other modified modules go through Update.
func (c *Control) ApplyChange(ctx context.Context, change settings.Change) {
	if c.store == nil {
		return
	}
	for _, id := range change.Removed {
		_ = c.Unload(ctx, id)
	}
	for _, id := range change.Modified {
		m, ok := c.Module(id)
		if !ok {
			change.Added = append(change.Added, id)
			continue
		}
		s, err := c.store.Get(ctx, id)
		if err != nil {
			c.HandleError(err, "module", string(id), "op", "update")
			continue
		}
		if configOnly(m.Settings(), s) {
			if err := m.Reloaded(ctx, s); err != nil {
				c.HandleError(err, "module", string(id), "op", "reload")
			}
			continue
		}
		if err := c.Update(ctx, id); err != nil {
			c.HandleError(err, "module", string(id), "op", "update")
		}
	}
	for _, id := range change.Added {
		s, err := c.store.Get(ctx, id)
		if err != nil {
			c.HandleError(err, "module", string(id), "op", "load")
			continue
		}
		c.bootModule(ctx, s)
	}
}

// configOnly reports whether a and b differ in nothing but Config and the
// modification time.
func configOnly(a, b types.Settings) bool {
	a.Config, b.Config = nil, nil
	a.UpdatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	return reflect.DeepEqual(a, b)
}
