// Package dependency resolves driver dependency identifiers to factories.
//
// Factories are registered at startup. Resolution runs on the blocking
// worker pool so reactors never wait on it. It is serialized per
// identifier, and results are cached for the life of the process.
package dependency

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"
	"pkt.systems/pslog"

	"github.com/advancedcontrol/engine/internal/driver"
	"github.com/advancedcontrol/engine/internal/worker"
	"github.com/advancedcontrol/engine/pkg/types"
)

// Source looks a factory up when it was not registered directly. It may
// block; it always runs on the worker pool.
type Source func(ctx context.Context, id string) (driver.Factory, error)

// Manager is the factory registry.
type Manager struct {
	pool   *worker.Pool
	logger pslog.Logger

	mu         sync.Mutex
	registered map[string]driver.Factory
	resolved   map[string]driver.Factory
	sources    []Source
	group      singleflight.Group
}

// NewManager builds a registry that resolves on pool.
func NewManager(pool *worker.Pool, logger pslog.Logger) *Manager {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Manager{
		pool:       pool,
		logger:     logger.With("sys", "dependency"),
		registered: make(map[string]driver.Factory),
		resolved:   make(map[string]driver.Factory),
	}
}

// Register adds a factory under id, replacing any earlier one.
func (m *Manager) Register(id string, f driver.Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered[id] = f
	delete(m.resolved, id)
}

// AddSource appends a fallback lookup consulted in order after the
// registered factories.
func (m *Manager) AddSource(src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = append(m.sources, src)
}

// Aliases returns a Source that resolves each key of aliases to the factory
// registered under its value. Settings written against a renamed driver keep
// loading without a store migration. Ids not in the table fall through to
// the next source.
func (m *Manager) Aliases(aliases map[string]string) Source {
	table := maps.Clone(aliases)
	return func(_ context.Context, id string) (driver.Factory, error) {
		target, ok := table[id]
		if !ok {
			return nil, nil
		}
		m.mu.Lock()
		f := m.registered[target]
		m.mu.Unlock()
		if f == nil {
			return nil, fmt.Errorf("alias for %s: %w", target, types.ErrFileNotFound)
		}
		m.logger.Debug("dependency.alias", "dependency", id, "target", target)
		return f, nil
	}
}

// Load returns the factory for id. The first load of an id runs on the
// worker pool; concurrent loads of the same id share that work.
func (m *Manager) Load(ctx context.Context, id string) (driver.Factory, error) {
	m.mu.Lock()
	f, ok := m.resolved[id]
	m.mu.Unlock()
	if ok {
		return f, nil
	}

	v, err, shared := m.group.Do(id, func() (any, error) {
		return worker.Run(ctx, m.pool, func(ctx context.Context) (driver.Factory, error) {
			return m.resolve(ctx, id)
		})
	})
	if err != nil {
		return nil, err
	}
	m.logger.Debug("dependency.loaded", "dependency", id, "shared", shared)
	return v.(driver.Factory), nil
}

func (m *Manager) resolve(ctx context.Context, id string) (driver.Factory, error) {
	m.mu.Lock()
	if f, ok := m.resolved[id]; ok {
		m.mu.Unlock()
		return f, nil
	}
	f, ok := m.registered[id]
	sources := append([]Source(nil), m.sources...)
	m.mu.Unlock()

	if !ok {
		for _, src := range sources {
			found, err := src(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("resolve %s: %w", id, err)
			}
			if found != nil {
				f, ok = found, true
				break
			}
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrFileNotFound, id)
	}

	m.mu.Lock()
	m.resolved[id] = f
	m.mu.Unlock()
	return f, nil
}

// Registered returns the sorted identifiers of registered factories.
func (m *Manager) Registered() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.registered))
	for id := range m.registered {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
