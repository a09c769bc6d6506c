// ============================================================================
// Control - reactor pool, module registry and boot sequence
// ============================================================================
//
// Package: internal/control
// File: control.go
// Function: Owns the reactors, the loaded module managers and the shared
// services they use, and boots the configured modules in two phases.
//
// Boot:
//   1. devices and services load concurrently and stream in
//   2. at the first logic module, wait for every device/service load
//   3. logic modules load
//   4. triggers load
//   5. the ready gate opens and statistics snapshots begin
//
// Concurrency:
//   mu guards the registry. Everything module-scoped lives on the module's
//   reactor and is reached through reactor.Call.
// ============================================================================

package control

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"pkt.systems/pslog"

	"github.com/advancedcontrol/engine/internal/dependency"
	"github.com/advancedcontrol/engine/internal/driver"
	"github.com/advancedcontrol/engine/internal/manager"
	"github.com/advancedcontrol/engine/internal/metrics"
	"github.com/advancedcontrol/engine/internal/reactor"
	"github.com/advancedcontrol/engine/internal/settings"
	"github.com/advancedcontrol/engine/internal/snapshot"
	"github.com/advancedcontrol/engine/internal/status"
	"github.com/advancedcontrol/engine/internal/transport"
	"github.com/advancedcontrol/engine/internal/watchdog"
	"github.com/advancedcontrol/engine/internal/worker"
	"github.com/advancedcontrol/engine/pkg/types"
)

// ErrShutdown is returned once Shutdown has run.
var ErrShutdown = errors.New("control is shut down")

// fatalGrace bounds how long a fatal escalation waits for workers to stop.
const fatalGrace = 2 * time.Second

// ============================================================================
// Configuration
// ============================================================================

// Config sizes the runtime.
type Config struct {
	Reactors      int                     `yaml:"reactors"` // 0 means one per CPU
	Workers       int                     `yaml:"workers"`
	WorkerQueue   int                     `yaml:"worker_queue"`
	StatsInterval time.Duration           `yaml:"stats_interval"`
	StatsTimeout  time.Duration           `yaml:"stats_timeout"`
	SnapshotPath  string                  `yaml:"snapshot_path"`
	Watchdog      watchdog.Config         `yaml:"watchdog"`
	Backoff       transport.BackoffConfig `yaml:"backoff"`
	Aliases       map[string]string       `yaml:"aliases"` // retired dependency id -> registered id
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		WorkerQueue:   64,
		StatsInterval: 30 * time.Second,
		StatsTimeout:  time.Second,
		Watchdog:      watchdog.DefaultConfig(),
		Backoff:       transport.DefaultBackoff(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Reactors <= 0 {
		c.Reactors = runtime.NumCPU()
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.WorkerQueue <= 0 {
		c.WorkerQueue = d.WorkerQueue
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = d.StatsInterval
	}
	if c.StatsTimeout <= 0 {
		c.StatsTimeout = d.StatsTimeout
	}
	return c
}

// TriggerLoader loads the trigger subsystem once every module is loaded.
type TriggerLoader interface {
	LoadTriggers(ctx context.Context) error
}

// Options carry the collaborators.
type Options struct {
	Logger   pslog.Logger
	Store    settings.Store
	Metrics  *metrics.Collector
	Triggers TriggerLoader
	// Watchdog overrides; Clock and Exit are mostly for tests.
	Clock watchdog.Clock
	Exit  func(code int)
}

// ============================================================================
// Control
// ============================================================================

// Control is the process-wide runtime.
type Control struct {
	cfg      Config
	logger   pslog.Logger
	store    settings.Store
	metrics  *metrics.Collector
	triggers TriggerLoader
	instance string

	workers  *worker.Pool
	deps     *dependency.Manager
	status   *status.Registry
	udp      *transport.UDPSockets
	watchdog *watchdog.Watchdog
	snapshot *snapshot.Manager

	mountMu  sync.Mutex
	mounted  bool
	closed   bool
	reactors *reactor.Pool
	started  time.Time

	mu       sync.RWMutex
	modules  map[types.ModuleID]*manager.Manager
	unloaded map[types.ModuleID]bool
	loads    singleflight.Group

	ready     chan struct{}
	readyOnce sync.Once

	statsCancel context.CancelFunc
	statsDone   chan struct{}
}

// New builds a Control. Nothing runs until Mount.
func New(cfg Config, opts Options) *Control {
	logger := opts.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	cfg = cfg.withDefaults()
	c := &Control{
		cfg:      cfg,
		logger:   logger.With("sys", "control"),
		store:    opts.Store,
		metrics:  opts.Metrics,
		triggers: opts.Triggers,
		instance: uuid.NewString(),
		workers:  worker.NewPool(cfg.WorkerQueue),
		udp:      transport.NewUDPSockets(logger),
		modules:  make(map[types.ModuleID]*manager.Manager),
		unloaded: make(map[types.ModuleID]bool),
		ready:    make(chan struct{}),
	}
	c.deps = dependency.NewManager(c.workers, logger)
	if len(cfg.Aliases) > 0 {
		c.deps.AddSource(c.deps.Aliases(cfg.Aliases))
	}
	c.status = status.NewRegistry(logger, c.HandleError)
	c.watchdog = watchdog.New(cfg.Watchdog, watchdog.Options{
		Clock:   opts.Clock,
		Logger:  logger,
		Metrics: opts.Metrics,
		OnFatal: c.fatal,
		Exit:    opts.Exit,
	})
	if cfg.SnapshotPath != "" {
		c.snapshot = snapshot.NewManager(cfg.SnapshotPath)
	}
	return c
}

// Instance identifies this process in statistics snapshots.
func (c *Control) Instance() string { return c.instance }

// Register adds a driver factory under a dependency identifier.
func (c *Control) Register(dependency string, f driver.Factory) {
	c.deps.Register(dependency, f)
}

// Dependencies returns the driver registry.
func (c *Control) Dependencies() *dependency.Manager { return c.deps }

// Status returns the status registry.
func (c *Control) Status() *status.Registry { return c.status }

// Watchdog returns the reactor supervisor.
func (c *Control) Watchdog() *watchdog.Watchdog { return c.watchdog }

// Mount starts the worker pool and the reactors and puts the reactors
// under the watchdog. Repeated calls are no-ops.
func (c *Control) Mount() error {
	c.mountMu.Lock()
	defer c.mountMu.Unlock()
	if c.closed {
		return ErrShutdown
	}
	if c.mounted {
		return nil
	}
	if err := c.workers.Start(c.cfg.Workers); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	c.reactors = reactor.NewPool(c.cfg.Reactors, reactor.Options{
		Logger:  c.logger,
		OnError: c.HandleError,
	})
	c.reactors.Start()
	for _, r := range c.reactors.All() {
		c.watchdog.Attach(r)
	}
	c.watchdog.Start()
	c.started = time.Now()
	c.mounted = true
	c.logger.Info("control.mounted", "reactors", c.reactors.Len(), "workers", c.cfg.Workers)
	return nil
}

func (c *Control) pool() *reactor.Pool {
	c.mountMu.Lock()
	defer c.mountMu.Unlock()
	return c.reactors
}

// ============================================================================
// Boot
// ============================================================================

// Boot loads every module in the store in two phases, then the triggers,
// then opens the ready gate. Individual load failures are reported through
// HandleError and do not stop the boot.
func (c *Control) Boot(ctx context.Context) error {
	if err := c.Mount(); err != nil {
		return err
	}
	start := time.Now()
	var list []types.Settings
	if c.store != nil {
		var err error
		if list, err = c.store.List(ctx); err != nil {
			return fmt.Errorf("list module settings: %w", err)
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Role != types.RoleLogic && list[j].Role == types.RoleLogic
	})

	var devices, logic errgroup.Group
	group := &devices
	counts := map[types.Role]int{}
	for _, s := range list {
		if s.Role == types.RoleLogic && group == &devices {
			_ = devices.Wait()
			c.logger.Debug("control.boot.devices.loaded", "count", counts[types.RoleDevice]+counts[types.RoleService])
			group = &logic
		}
		counts[s.Role]++
		group.Go(func() error {
			c.bootModule(ctx, s)
			return nil
		})
	}
	_ = devices.Wait()
	_ = logic.Wait()

	if c.triggers != nil {
		if err := c.triggers.LoadTriggers(ctx); err != nil {
			c.HandleError(fmt.Errorf("load triggers: %w", err))
		}
	}

	elapsed := time.Since(start)
	c.metrics.SetBootTime(elapsed)
	c.readyOnce.Do(func() { close(c.ready) })
	c.logger.Info("control.ready",
		"devices", counts[types.RoleDevice],
		"services", counts[types.RoleService],
		"logic", counts[types.RoleLogic],
		"elapsed", elapsed)
	c.startStats()
	return nil
}

// BootAsync runs Boot on its own goroutine. The channel receives Boot's
// result.
func (c *Control) BootAsync(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.Boot(ctx) }()
	return done
}

func (c *Control) bootModule(ctx context.Context, s types.Settings) {
	m, err := c.Load(ctx, s)
	if err != nil {
		return
	}
	if s.Running && s.Role.HasTransport() {
		if err := m.Start(ctx); err != nil {
			c.HandleError(err, "module", string(s.ID), "op", "start")
		}
	}
}

// Ready is closed once boot completes.
func (c *Control) Ready() <-chan struct{} { return c.ready }

// IsReady reports whether boot has completed.
func (c *Control) IsReady() bool {
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

// HandleError is the process-wide funnel for failures no caller handles.
func (c *Control) HandleError(err error, keyvals ...any) {
	if err == nil {
		return
	}
	c.metrics.RecordError()
	c.logger.Error("control.error", append([]any{"error", err}, keyvals...)...)
}

// fatal runs when the watchdog gives up on a reactor, right before exit.
func (c *Control) fatal() {
	c.logger.Error("control.fatal.stopping")
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.workers.Stop()
		if p := c.pool(); p != nil {
			p.Stop()
		}
	}()
	select {
	case <-done:
	case <-time.After(fatalGrace):
		c.logger.Warn("control.fatal.stop_timeout", "grace", fatalGrace)
	}
}

// Shutdown stops every module, the statistics loop, the watchdog, the
// reactors and the worker pool.
func (c *Control) Shutdown(ctx context.Context) error {
	c.mountMu.Lock()
	if c.closed {
		c.mountMu.Unlock()
		return nil
	}
	c.closed = true
	mounted := c.mounted
	c.mountMu.Unlock()
	if !mounted {
		return nil
	}

	c.stopStats()

	var g errgroup.Group
	for _, m := range c.managers() {
		g.Go(func() error {
			if err := m.Stop(ctx); err != nil {
				return fmt.Errorf("stop %s: %w", m.ID(), err)
			}
			return nil
		})
	}
	err := g.Wait()

	c.watchdog.Stop()
	c.reactors.Stop()
	c.udp.Close()
	c.workers.Stop()
	c.logger.Info("control.shutdown", "error", err)
	return err
}
