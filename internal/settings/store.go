// Package settings provides the module settings collaborators the engine
// reads from: an in-memory store, a YAML file that can be watched for
// edits, and a SQLite table. The engine never writes settings back; the
// Put/Delete methods exist for the tools that own the data.
package settings

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/advancedcontrol/engine/pkg/types"
)

// ErrNotFound means no settings exist for the module id.
var ErrNotFound = errors.New("settings not found")

// Store is the read side the engine consumes.
type Store interface {
	Get(ctx context.Context, id types.ModuleID) (types.Settings, error)
	List(ctx context.Context) ([]types.Settings, error)
}

// Change lists the module ids affected by an edit.
type Change struct {
	Added    []types.ModuleID
	Removed  []types.ModuleID
	Modified []types.ModuleID
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Modified) == 0
}

// Diff compares two settings sets.
func Diff(before, after []types.Settings) Change {
	old := index(before)
	cur := index(after)
	var c Change
	for id, s := range cur {
		prev, ok := old[id]
		switch {
		case !ok:
			c.Added = append(c.Added, id)
		case !reflect.DeepEqual(prev, s):
			c.Modified = append(c.Modified, id)
		}
	}
	for id := range old {
		if _, ok := cur[id]; !ok {
			c.Removed = append(c.Removed, id)
		}
	}
	sortIDs(c.Added)
	sortIDs(c.Removed)
	sortIDs(c.Modified)
	return c
}

func index(list []types.Settings) map[types.ModuleID]types.Settings {
	out := make(map[types.ModuleID]types.Settings, len(list))
	for _, s := range list {
		out[s.ID] = s
	}
	return out
}

func sortIDs(ids []types.ModuleID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// validate normalises s and checks the fields every module needs.
func validate(s types.Settings) (types.Settings, error) {
	if s.ID == "" {
		return s, errors.New("settings: module id is required")
	}
	role, err := types.ParseRole(string(s.Role))
	if err != nil {
		return s, fmt.Errorf("settings %s: %w", s.ID, err)
	}
	s.Role = role
	if s.Dependency == "" {
		return s, fmt.Errorf("settings %s: dependency is required", s.ID)
	}
	return s, nil
}

// Memory is a map-backed Store.
type Memory struct {
	mu      sync.RWMutex
	modules map[types.ModuleID]types.Settings
}

// NewMemory returns a store holding list.
func NewMemory(list ...types.Settings) (*Memory, error) {
	m := &Memory{modules: make(map[types.ModuleID]types.Settings)}
	for _, s := range list {
		if err := m.Put(s); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Put adds or replaces settings.
func (m *Memory) Put(s types.Settings) error {
	s, err := validate(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.modules[s.ID] = s.Clone()
	m.mu.Unlock()
	return nil
}

// Delete removes a module's settings.
func (m *Memory) Delete(id types.ModuleID) {
	m.mu.Lock()
	delete(m.modules, id)
	m.mu.Unlock()
}

func (m *Memory) Get(_ context.Context, id types.ModuleID) (types.Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.modules[id]
	if !ok {
		return types.Settings{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.Clone(), nil
}

func (m *Memory) List(context.Context) ([]types.Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Settings, 0, len(m.modules))
	for _, s := range m.modules {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
