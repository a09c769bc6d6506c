// ============================================================================
// Module Manager
// ============================================================================
//
// Package: internal/manager
// File: manager.go
// Function: Owns the processor, transport and driver instance of one module
// and moves them through their lifecycle.
//
// States:
//   unstarted -> started -> stopped -> (started again) ...
//   any       -> unloaded (terminal, via Control)
//
// Roles:
//   device   persistent TCP, make-and-break TCP or shared UDP
//   service  persistent TCP to the host of the settings URI, TLS for https
//   logic    no transport; started as soon as it is constructed
//
// Concurrency:
//   A Manager is pinned to one reactor. Public methods called from another
//   goroutine are redirected onto that reactor and wait for the result.
// ============================================================================

package manager

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"github.com/advancedcontrol/engine/internal/driver"
	"github.com/advancedcontrol/engine/internal/metrics"
	"github.com/advancedcontrol/engine/internal/processor"
	"github.com/advancedcontrol/engine/internal/queue"
	"github.com/advancedcontrol/engine/internal/reactor"
	"github.com/advancedcontrol/engine/internal/status"
	"github.com/advancedcontrol/engine/internal/transport"
	"github.com/advancedcontrol/engine/pkg/types"
)

var (
	// ErrUnloaded is returned by operations on an unloaded manager.
	ErrUnloaded = errors.New("module unloaded")
	// ErrNoTransport is returned when a logic module tries to send.
	ErrNoTransport = errors.New("module has no transport")
	// ErrNotExecutor means the driver exposes no methods.
	ErrNotExecutor = errors.New("driver does not accept calls")
)

// State is the lifecycle state of a Manager.
type State int32

const (
	Unstarted State = iota
	Started
	Stopped
	Unloaded
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	case Unloaded:
		return "unloaded"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ExecFunc performs a cross-module call on behalf of a driver.
type ExecFunc func(ctx context.Context, id types.ModuleID, method string, args ...any) (any, error)

// Deps are the shared services a Manager needs.
type Deps struct {
	Reactor *reactor.Reactor
	Factory driver.Factory
	Status  *status.Registry
	UDP     *transport.UDPSockets
	Exec    ExecFunc
	Metrics *metrics.Collector
	Backoff transport.BackoffConfig
	Logger  pslog.Logger
}

// Manager runs one module.
type Manager struct {
	r        *reactor.Reactor
	settings types.Settings
	deps     Deps
	logger   pslog.Logger

	drv       driver.Driver
	proc      *processor.Processor
	transport transport.Transport
	timers    reactor.Timers

	state     atomic.Int32
	connected atomic.Bool
	reported  bool
}

// New builds the manager for settings. It must run on deps.Reactor. Logic
// modules are started before New returns.
func New(ctx context.Context, settings types.Settings, deps Deps) (*Manager, error) {
	if deps.Reactor == nil || deps.Factory == nil {
		return nil, errors.New("manager: reactor and factory are required")
	}
	if !deps.Reactor.Owns(ctx) {
		return nil, fmt.Errorf("manager %s: must be constructed on its reactor", settings.ID)
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	m := &Manager{
		r:        deps.Reactor,
		settings: settings.Clone(),
		deps:     deps,
		logger:   logger.With("sys", "manager", "module", string(settings.ID), "role", string(settings.Role)),
	}
	drv := deps.Factory()
	if drv == nil {
		return nil, fmt.Errorf("manager %s: factory %s returned no driver", settings.ID, settings.Dependency)
	}
	m.drv = drv
	if deps.Status != nil {
		deps.Status.Bind(settings.ID, m.r)
	}
	if !settings.Role.HasTransport() {
		if err := m.Start(ctx); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ID returns the module id.
func (m *Manager) ID() types.ModuleID { return m.settings.ID }

// Settings returns the settings snapshot taken at load time.
func (m *Manager) Settings() types.Settings { return m.settings }

// Reactor returns the owning reactor.
func (m *Manager) Reactor() *reactor.Reactor { return m.r }

// Driver returns the driver instance.
func (m *Manager) Driver() driver.Driver { return m.drv }

// State returns the lifecycle state. Safe from any goroutine.
func (m *Manager) State() State { return State(m.state.Load()) }

// IsConnected reports the last connection state. Safe from any goroutine.
func (m *Manager) IsConnected() bool { return m.connected.Load() }

// Start builds the processor and transport, runs the driver's load hook and
// then lets the transport connect. It is a no-op when already started.
func (m *Manager) Start(ctx context.Context) error {
	if !m.r.Owns(ctx) {
		return reactor.Do(ctx, m.r, m.Start)
	}
	switch m.State() {
	case Started:
		return nil
	case Unloaded:
		return ErrUnloaded
	}

	if m.settings.Role.HasTransport() {
		if err := m.buildIO(); err != nil {
			m.teardownIO()
			return fmt.Errorf("start %s: %w", m.settings.ID, err)
		}
	}
	m.state.Store(int32(Started))
	m.publish(types.StatusRunning, true)
	m.logger.Info("manager.started")

	m.hook(ctx, "load", func() error { return m.drv.Load(ctx, handle{m}) })

	if m.transport != nil && m.State() == Started {
		m.transport.Start(ctx)
	}
	return nil
}

func (m *Manager) buildIO() error {
	proc, err := processor.New(processor.Config{
		Loop:      processor.ReactorLoop(m.r),
		Logger:    m.logger,
		Receive:   m.receiveHook(),
		Status:    m.publish,
		Observe:   m.deps.Metrics.ObserveCommand,
		Overrides: m.settings.Config,
	})
	if err != nil {
		return err
	}
	m.proc = proc
	_, conn := proc.Options()
	t, err := newTransport(m.settings, m.deps, m, []byte(conn.WaitReady), m.logger)
	if err != nil {
		return err
	}
	m.transport = t
	proc.SetTransport(t)
	return nil
}

func (m *Manager) receiveHook() queue.ReceiveFunc {
	rcv, ok := m.drv.(driver.Receiver)
	if !ok {
		return nil
	}
	return rcv.Received
}

// Stop runs the driver's unload hook and tears everything down even when
// the hook fails.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.r.Owns(ctx) {
		return reactor.Do(ctx, m.r, m.Stop)
	}
	if m.State() != Started {
		return nil
	}
	defer func() {
		m.timers.CancelAll()
		m.teardownIO()
		m.setConnected(ctx, false)
		m.state.Store(int32(Stopped))
		m.publish(types.StatusRunning, false)
		m.logger.Info("manager.stopped")
	}()
	if u, ok := m.drv.(driver.Unloader); ok {
		m.hook(ctx, "unload", func() error { return u.Unload(ctx) })
	}
	return nil
}

func (m *Manager) teardownIO() {
	if m.transport != nil {
		m.transport.Terminate()
		m.transport = nil
	}
	if m.proc != nil {
		m.proc.Terminate()
		m.proc = nil
	}
}

// Unload stops the manager and marks it unloaded.
func (m *Manager) Unload(ctx context.Context) error {
	if !m.r.Owns(ctx) {
		return reactor.Do(ctx, m.r, m.Unload)
	}
	if err := m.Stop(ctx); err != nil {
		return err
	}
	m.state.Store(int32(Unloaded))
	return nil
}

// Reloaded hands new settings to the driver's update hook. The manager's
// own snapshot is only replaced by a full reload.
func (m *Manager) Reloaded(ctx context.Context, settings types.Settings) error {
	if !m.r.Owns(ctx) {
		return reactor.Do(ctx, m.r, func(ctx context.Context) error { return m.Reloaded(ctx, settings) })
	}
	if m.State() == Unloaded {
		return ErrUnloaded
	}
	if u, ok := m.drv.(driver.Updater); ok {
		m.hook(ctx, "update", func() error { return u.Update(ctx, settings.Clone()) })
	}
	return nil
}

// Exec invokes an exposed driver method for another module.
func (m *Manager) Exec(ctx context.Context, method string, args ...any) (any, error) {
	if !m.r.Owns(ctx) {
		return reactor.Call(ctx, m.r, func(ctx context.Context) (any, error) { return m.Exec(ctx, method, args...) })
	}
	if m.State() != Started {
		return nil, fmt.Errorf("%w: %s is %s", types.ErrModuleUnavailable, m.settings.ID, m.State())
	}
	if driver.IsProtected(m.drv, method) {
		return nil, fmt.Errorf("%w: %s.%s", types.ErrProtectedMethod, m.settings.ID, method)
	}
	ex, ok := m.drv.(driver.Executor)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotExecutor, m.settings.ID)
	}
	return ex.Exec(ctx, method, args...)
}

// Stats describes the manager at one instant.
type Stats struct {
	ID        types.ModuleID `json:"id"`
	Role      types.Role     `json:"role"`
	State     string         `json:"state"`
	Connected bool           `json:"connected"`
	Queued    int            `json:"queued"`
	Waiting   string         `json:"waiting,omitempty"`
	Timers    int            `json:"timers"`
}

// Stats samples the manager on its reactor.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	return reactor.Call(ctx, m.r, func(context.Context) (Stats, error) {
		s := Stats{
			ID:        m.settings.ID,
			Role:      m.settings.Role,
			State:     m.State().String(),
			Connected: m.IsConnected(),
			Timers:    m.timers.Len(),
		}
		if m.proc != nil {
			s.Queued = m.proc.Queue().Len()
			if w := m.proc.Waiting(); w != nil {
				s.Waiting = w.String()
			}
		}
		return s, nil
	})
}

// hook runs driver code, converting panics and errors into logged reports.
func (m *Manager) hook(ctx context.Context, name string, fn func() error) {
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v", rec)
			}
		}()
		return fn()
	}()
	if err != nil {
		m.logger.Error("manager.hook.failed", "hook", name, "error", err)
		m.r.Report(fmt.Errorf("module %s %s hook: %w", m.settings.ID, name, err), "module", string(m.settings.ID))
		return
	}
	m.logger.Trace("manager.hook.done", "hook", name, "elapsed", time.Since(start))
}

func (m *Manager) publish(key string, value any) {
	if m.deps.Status != nil {
		m.deps.Status.Notify(m.settings.ID, key, value)
	}
}

// setConnected publishes the connected status only when it changes.
func (m *Manager) setConnected(ctx context.Context, up bool) {
	if m.reported && m.connected.Load() == up {
		return
	}
	if !m.reported && !up {
		return
	}
	m.reported = true
	m.connected.Store(up)
	m.publish(types.StatusConnected, up)

	w, ok := m.drv.(driver.ConnectionWatcher)
	if !ok {
		return
	}
	if up {
		m.hook(ctx, "connected", func() error { w.Connected(ctx); return nil })
	} else {
		m.hook(ctx, "disconnected", func() error { w.Disconnected(ctx); return nil })
	}
}

// ============================================================================
// transport.Handler
// ============================================================================

// Connected is signalled by the transport once the link is usable.
func (m *Manager) Connected(ctx context.Context) {
	if m.proc == nil {
		return
	}
	m.setConnected(ctx, true)
	m.proc.Connected()
}

// Disconnected is signalled when an established link drops.
func (m *Manager) Disconnected(ctx context.Context) {
	if m.proc == nil {
		return
	}
	m.proc.Disconnected(ctx)
	m.setConnected(ctx, false)
}

// Offline is signalled after repeated connection failures.
func (m *Manager) Offline(context.Context) {
	if m.proc == nil {
		return
	}
	m.logger.Warn("manager.offline")
	m.proc.Offline()
}

// Received routes inbound bytes through the processor.
func (m *Manager) Received(ctx context.Context, data []byte) {
	if m.proc == nil {
		return
	}
	m.proc.Buffer(ctx, data)
}

// TransmitFailed fails cmd fast.
func (m *Manager) TransmitFailed(_ context.Context, cmd *queue.Command, err error) {
	if m.proc == nil {
		return
	}
	m.proc.TransmitFailed(cmd, err)
}
