package settings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"github.com/advancedcontrol/engine/pkg/types"
)

const debounce = 100 * time.Millisecond

// fileDoc is the on-disk layout.
type fileDoc struct {
	Modules []types.Settings `yaml:"modules"`
}

// File is a Store backed by a YAML document.
type File struct {
	path   string
	logger pslog.Logger

	mu  sync.RWMutex
	mem *Memory
}

// OpenFile reads path.
func OpenFile(path string, logger pslog.Logger) (*File, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	f := &File{path: path, logger: logger.With("sys", "settings.file", "path", path)}
	if _, err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// ParseYAML decodes a settings document.
func ParseYAML(data []byte) ([]types.Settings, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	seen := make(map[types.ModuleID]bool, len(doc.Modules))
	out := make([]types.Settings, 0, len(doc.Modules))
	for _, s := range doc.Modules {
		s, err := validate(s)
		if err != nil {
			return nil, err
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("settings: duplicate module id %s", s.ID)
		}
		seen[s.ID] = true
		out = append(out, s)
	}
	return out, nil
}

// Reload re-reads the file and reports what changed.
func (f *File) Reload() (Change, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return Change{}, fmt.Errorf("read settings: %w", err)
	}
	list, err := ParseYAML(data)
	if err != nil {
		return Change{}, err
	}
	mem, err := NewMemory(list...)
	if err != nil {
		return Change{}, err
	}

	f.mu.Lock()
	var before []types.Settings
	if f.mem != nil {
		before, _ = f.mem.List(context.Background())
	}
	f.mem = mem
	f.mu.Unlock()

	return Diff(before, list), nil
}

func (f *File) store() *Memory {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.mem
}

func (f *File) Get(ctx context.Context, id types.ModuleID) (types.Settings, error) {
	return f.store().Get(ctx, id)
}

func (f *File) List(ctx context.Context) ([]types.Settings, error) {
	return f.store().List(ctx)
}

// Watch reloads the file whenever it changes and passes each non-empty
// change to fn. It returns when ctx is done. The directory is watched so
// editors that replace the file by rename are seen.
func (f *File) Watch(ctx context.Context, fn func(Change)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("settings watch: %w", err)
	}
	defer w.Close()
	dir := filepath.Dir(f.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("settings watch %s: %w", dir, err)
	}
	name := filepath.Clean(f.path)

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(debounce)
		case <-timer.C:
			change, err := f.Reload()
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				f.logger.Warn("settings.reload.failed", "error", err)
				continue
			}
			if change.Empty() {
				continue
			}
			f.logger.Info("settings.reloaded",
				"added", len(change.Added), "removed", len(change.Removed), "modified", len(change.Modified))
			fn(change)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("settings.watch.error", "error", err)
		}
	}
}
