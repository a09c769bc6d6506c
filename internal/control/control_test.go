package control

// ============================================================================
// Control Test File
// Purpose: Verify boot phases, the module registry, status migration and
// statistics snapshots
// ============================================================================

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/advancedcontrol/engine/internal/driver"
	"github.com/advancedcontrol/engine/internal/drivers/echo"
	"github.com/advancedcontrol/engine/internal/drivers/ticker"
	"github.com/advancedcontrol/engine/internal/future"
	"github.com/advancedcontrol/engine/internal/manager"
	"github.com/advancedcontrol/engine/internal/metrics"
	"github.com/advancedcontrol/engine/internal/reactor"
	"github.com/advancedcontrol/engine/internal/settings"
	"github.com/advancedcontrol/engine/internal/snapshot"
	"github.com/advancedcontrol/engine/internal/transport"
	"github.com/advancedcontrol/engine/internal/watchdog"
	"github.com/advancedcontrol/engine/pkg/types"
)

// ============================================================================
// Test helpers
// ============================================================================

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Reactors = 2
	cfg.Workers = 2
	cfg.Backoff = transport.BackoffConfig{Initial: 10 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 1.5}
	return cfg
}

func newControl(t *testing.T, store settings.Store, tweak ...func(*Config, *Options)) *Control {
	t.Helper()
	cfg := testConfig()
	opts := Options{
		Store: store,
		Clock: watchdog.NewManualClock(time.Now()),
		Exit:  func(int) {},
	}
	for _, fn := range tweak {
		fn(&cfg, &opts)
	}
	c := New(cfg, opts)
	c.Register(echo.Dependency, echo.New)
	c.Register(ticker.Dependency, ticker.New)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return c
}

func memoryStore(t *testing.T, list ...types.Settings) *settings.Memory {
	t.Helper()
	m, err := settings.NewMemory(list...)
	require.NoError(t, err)
	return m
}

// spy is a logic driver that records its hooks.
type spy struct {
	mu      sync.Mutex
	loads   int
	updates []types.Settings
	onLoad  func()
}

func (p *spy) Load(context.Context, driver.Module) error {
	p.mu.Lock()
	p.loads++
	p.mu.Unlock()
	if p.onLoad != nil {
		p.onLoad()
	}
	return nil
}

func (p *spy) Update(_ context.Context, s types.Settings) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, s)
	return nil
}

func (p *spy) updateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.updates)
}

type triggerRecorder struct {
	ready   bool
	modules []types.ModuleID
	calls   atomic.Int32
	c       *Control
}

func (r *triggerRecorder) LoadTriggers(context.Context) error {
	r.calls.Add(1)
	r.ready = r.c.IsReady()
	r.modules = r.c.Modules()
	return nil
}

// pongServer answers every line with "pong\n".
func pongServer(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				sc := bufio.NewScanner(c)
				for sc.Scan() {
					if _, err := c.Write([]byte("pong\n")); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return host, p
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		total := 0.0
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		return total
	}
	return 0
}

// ============================================================================
// Mount and boot
// ============================================================================

// TestMountIsIdempotent tests repeated mounts keep the same reactors
func TestMountIsIdempotent(t *testing.T) {
	c := newControl(t, nil)
	require.NoError(t, c.Mount())
	first := c.pool()
	require.NoError(t, c.Mount())
	assert.Same(t, first, c.pool())
	assert.Equal(t, 2, first.Len())
}

// TestBootLoadsDevicesBeforeLogic tests the two boot phases and the ready gate
func TestBootLoadsDevicesBeforeLogic(t *testing.T) {
	store := memoryStore(t,
		types.Settings{ID: "rules", Role: types.RoleLogic, Dependency: "spy"},
		types.Settings{ID: "display", Role: types.RoleDevice, Dependency: echo.Dependency, Address: "127.0.0.1", Port: 1},
		types.Settings{ID: "api", Role: types.RoleService, Dependency: echo.Dependency, URI: "http://127.0.0.1:1"},
	)
	triggers := &triggerRecorder{}
	c := newControl(t, store, func(_ *Config, o *Options) { o.Triggers = triggers })
	triggers.c = c

	var sawDevices atomic.Bool
	c.Register("spy", func() driver.Driver {
		_, display := c.Module("display")
		_, api := c.Module("api")
		sawDevices.Store(display && api)
		return &spy{}
	})

	assert.False(t, c.IsReady())
	select {
	case err := <-c.BootAsync(context.Background()):
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("boot did not finish")
	}

	select {
	case <-c.Ready():
	default:
		t.Fatal("ready gate not open after boot")
	}
	assert.True(t, sawDevices.Load(), "logic modules load after every device and service")
	assert.Equal(t, int32(1), triggers.calls.Load())
	assert.False(t, triggers.ready, "triggers load before the ready gate opens")
	assert.Equal(t, []types.ModuleID{"api", "display", "rules"}, triggers.modules)

	m, ok := c.Module("display")
	require.True(t, ok)
	assert.Equal(t, manager.Unstarted, m.State(), "modules not marked running stay unstarted")
	m, ok = c.Module("rules")
	require.True(t, ok)
	assert.Equal(t, manager.Started, m.State())
}

// TestBootReportsLoadFailures tests a bad module does not stop the boot
func TestBootReportsLoadFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	store := memoryStore(t,
		types.Settings{ID: "ghost", Role: types.RoleDevice, Dependency: "missing"},
		types.Settings{ID: "clock", Role: types.RoleLogic, Dependency: ticker.Dependency},
	)
	c := newControl(t, store, func(_ *Config, o *Options) { o.Metrics = metrics.NewCollector(reg) })

	require.NoError(t, c.Boot(context.Background()))
	assert.True(t, c.IsReady())
	assert.Equal(t, []types.ModuleID{"clock"}, c.Modules())
	assert.Equal(t, 1.0, counterValue(t, reg, "engine_errors_total"))
}

// ============================================================================
// Registry
// ============================================================================

// TestEndToEndEcho tests ping resolves with pong and connected is reported once
func TestEndToEndEcho(t *testing.T) {
	host, port := pongServer(t)
	c := newControl(t, nil)

	var mu sync.Mutex
	var seen []any
	c.Subscribe("display", types.StatusConnected, func(_ context.Context, _ types.ModuleID, _ string, v any) {
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
	})
	connected := func() []any {
		mu.Lock()
		defer mu.Unlock()
		return append([]any(nil), seen...)
	}

	ctx := context.Background()
	m, err := c.Load(ctx, types.Settings{
		ID: "display", Role: types.RoleDevice, Dependency: echo.Dependency, Address: host, Port: port,
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx, "display"))
	require.Eventually(t, m.IsConnected, 2*time.Second, 5*time.Millisecond)

	v, err := c.Exec(ctx, "display", "send", "ping\n")
	require.NoError(t, err)
	f, ok := v.(*future.Future[any])
	require.True(t, ok)
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	got, err := f.Wait(wctx)
	require.NoError(t, err)
	assert.Equal(t, "pong", got)

	require.Eventually(t, func() bool { return len(connected()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []any{true}, connected())

	last, ok := c.Status().Value("display", echo.StatusLastReceived)
	require.True(t, ok)
	assert.Equal(t, "pong", last)
	n, err := c.Exec(ctx, "display", "received")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

// TestLoadIsIdempotent tests concurrent loads of one id build one manager
func TestLoadIsIdempotent(t *testing.T) {
	c := newControl(t, nil)
	var built atomic.Int32
	c.Register("spy", func() driver.Driver {
		built.Add(1)
		return &spy{}
	})
	s := types.Settings{ID: "rules", Role: types.RoleLogic, Dependency: "spy"}

	var wg sync.WaitGroup
	results := make([]*manager.Manager, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := c.Load(context.Background(), s)
			assert.NoError(t, err)
			results[i] = m
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), built.Load())
	for _, m := range results {
		assert.Same(t, results[0], m)
	}
}

// TestLoadMissingDependency tests the file-not-found error
func TestLoadMissingDependency(t *testing.T) {
	c := newControl(t, nil)
	_, err := c.Load(context.Background(), types.Settings{ID: "x", Role: types.RoleLogic, Dependency: "nope"})
	assert.ErrorIs(t, err, types.ErrFileNotFound)
	assert.Empty(t, c.Modules())
}

// TestLoadAliasedDependency tests configured aliases resolve to registered drivers
func TestLoadAliasedDependency(t *testing.T) {
	c := newControl(t, nil, func(cfg *Config, _ *Options) {
		cfg.Aliases = map[string]string{"rules_v1": "spy"}
	})
	c.Register("spy", func() driver.Driver { return &spy{} })

	m, err := c.Load(context.Background(), types.Settings{ID: "rules", Role: types.RoleLogic, Dependency: "rules_v1"})
	require.NoError(t, err)
	assert.Equal(t, types.ModuleID("rules"), m.ID())
}

// TestUnknownModule tests operations on ids that are not loaded
func TestUnknownModule(t *testing.T) {
	c := newControl(t, nil)
	ctx := context.Background()
	assert.ErrorIs(t, c.Start(ctx, "nobody"), types.ErrModuleNotFound)
	assert.ErrorIs(t, c.Stop(ctx, "nobody"), types.ErrModuleNotFound)
	_, err := c.Exec(ctx, "nobody", "count")
	assert.ErrorIs(t, err, types.ErrModuleNotFound)
	assert.NoError(t, c.Unload(ctx, "nobody"))
}

// TestExecRules tests cross-module call restrictions
func TestExecRules(t *testing.T) {
	c := newControl(t, nil)
	ctx := context.Background()
	_, err := c.Load(ctx, types.Settings{
		ID: "clock", Role: types.RoleLogic, Dependency: ticker.Dependency, Config: map[string]any{"interval": "1h"},
	})
	require.NoError(t, err)
	_, err = c.Load(ctx, types.Settings{
		ID: "display", Role: types.RoleDevice, Dependency: echo.Dependency, Address: "127.0.0.1", Port: 1,
	})
	require.NoError(t, err)

	v, err := c.Exec(ctx, "clock", "count")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	_, err = c.Exec(ctx, "clock", "Load")
	assert.ErrorIs(t, err, types.ErrProtectedMethod)

	_, err = c.Exec(ctx, "display", "received")
	assert.ErrorIs(t, err, types.ErrModuleUnavailable, "device is not started")
}

// TestStartStop tests lifecycle calls are routed to the manager
func TestStartStop(t *testing.T) {
	c := newControl(t, nil)
	ctx := context.Background()
	m, err := c.Load(ctx, types.Settings{
		ID: "clock", Role: types.RoleLogic, Dependency: ticker.Dependency, Config: map[string]any{"interval": 5},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, ok := c.Status().Value("clock", ticker.StatusTick)
		return ok && v.(int64) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Stop(ctx, "clock"))
	assert.Equal(t, manager.Stopped, m.State())
	running, _ := c.Status().Value("clock", types.StatusRunning)
	assert.Equal(t, false, running)

	require.NoError(t, c.Start(ctx, "clock"))
	assert.Equal(t, manager.Started, m.State())
}

// TestReloadMovesSubscriptions tests subscriptions follow a reloaded module
func TestReloadMovesSubscriptions(t *testing.T) {
	c := newControl(t, nil)
	ctx := context.Background()
	require.NoError(t, c.Boot(ctx))

	type tick struct {
		reactor string
		value   any
	}
	ticks := make(chan tick, 256)
	c.Subscribe("clock", ticker.StatusTick, func(ctx context.Context, _ types.ModuleID, _ string, v any) {
		name := ""
		if r := reactor.Current(ctx); r != nil {
			name = r.Name()
		}
		select {
		case ticks <- tick{reactor: name, value: v}:
		default:
		}
	})

	s := types.Settings{ID: "clock", Role: types.RoleLogic, Dependency: ticker.Dependency, Config: map[string]any{"interval": "10ms"}}
	first, err := c.Load(ctx, s)
	require.NoError(t, err)
	require.NoError(t, c.Unload(ctx, "clock"))
	assert.Equal(t, manager.Unloaded, first.State())
	_, ok := c.Module("clock")
	assert.False(t, ok)

	second, err := c.Load(ctx, s)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.NotEqual(t, first.Reactor().Name(), second.Reactor().Name())

	deadline := time.After(2 * time.Second)
	for {
		select {
		case tk := <-ticks:
			if tk.reactor == second.Reactor().Name() {
				return
			}
		case <-deadline:
			t.Fatal("no tick delivered on the new reactor")
		}
	}
}

// TestUpdateRefetchesSettings tests update swaps in stored settings
func TestUpdateRefetchesSettings(t *testing.T) {
	host, port := pongServer(t)
	store := memoryStore(t, types.Settings{
		ID: "display", Role: types.RoleDevice, Dependency: echo.Dependency, Address: host, Port: port, Name: "old",
	})
	c := newControl(t, store)
	ctx := context.Background()
	require.NoError(t, c.Boot(ctx))
	require.NoError(t, c.Start(ctx, "display"))
	before, _ := c.Module("display")

	require.NoError(t, store.Put(types.Settings{
		ID: "display", Role: types.RoleDevice, Dependency: echo.Dependency, Address: host, Port: port, Name: "new",
	}))
	require.NoError(t, c.Update(ctx, "display"))

	after, ok := c.Module("display")
	require.True(t, ok)
	assert.NotSame(t, before, after)
	assert.Equal(t, "new", after.Settings().Name)
	assert.Equal(t, manager.Started, after.State(), "running modules are restarted")
	assert.Equal(t, manager.Unloaded, before.State())

	assert.ErrorIs(t, c.Update(ctx, "nobody"), types.ErrModuleNotFound)
}

// TestApplyChange tests store edits are mirrored into the registry
func TestApplyChange(t *testing.T) {
	store := memoryStore(t, types.Settings{ID: "rules", Role: types.RoleLogic, Dependency: "spy"})
	c := newControl(t, store)
	var spies []*spy
	var mu sync.Mutex
	c.Register("spy", func() driver.Driver {
		p := &spy{}
		mu.Lock()
		spies = append(spies, p)
		mu.Unlock()
		return p
	})
	ctx := context.Background()
	require.NoError(t, c.Boot(ctx))
	original, _ := c.Module("rules")

	// config only: update hook, same manager
	require.NoError(t, store.Put(types.Settings{
		ID: "rules", Role: types.RoleLogic, Dependency: "spy", Config: map[string]any{"mode": "night"},
	}))
	c.ApplyChange(ctx, settings.Change{Modified: []types.ModuleID{"rules"}})
	current, _ := c.Module("rules")
	assert.Same(t, original, current)
	mu.Lock()
	first := spies[0]
	mu.Unlock()
	assert.Equal(t, 1, first.updateCount())

	// anything else: full update
	require.NoError(t, store.Put(types.Settings{
		ID: "rules", Name: "Rules", Role: types.RoleLogic, Dependency: "spy", Config: map[string]any{"mode": "night"},
	}))
	c.ApplyChange(ctx, settings.Change{Modified: []types.ModuleID{"rules"}})
	current, _ = c.Module("rules")
	assert.NotSame(t, original, current)
	assert.Equal(t, "Rules", current.Settings().Name)

	// added and removed
	require.NoError(t, store.Put(types.Settings{ID: "clock", Role: types.RoleLogic, Dependency: ticker.Dependency}))
	c.ApplyChange(ctx, settings.Change{Added: []types.ModuleID{"clock"}, Removed: []types.ModuleID{"rules"}})
	assert.Equal(t, []types.ModuleID{"clock"}, c.Modules())
}

// ============================================================================
// Statistics and shutdown
// ============================================================================

// TestStatsSnapshots tests the periodic snapshot file after boot
func TestStatsSnapshots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats", "engine.json")
	store := memoryStore(t,
		types.Settings{ID: "clock", Role: types.RoleLogic, Dependency: ticker.Dependency},
		types.Settings{ID: "display", Role: types.RoleDevice, Dependency: echo.Dependency, Address: "127.0.0.1", Port: 1},
	)
	c := newControl(t, store, func(cfg *Config, _ *Options) {
		cfg.SnapshotPath = path
		cfg.StatsInterval = 20 * time.Millisecond
	})
	require.NoError(t, c.Boot(context.Background()))

	snap := snapshot.NewManager(path)
	require.Eventually(t, snap.Exists, 2*time.Second, 10*time.Millisecond)
	data, err := snap.Load()
	require.NoError(t, err)

	assert.Equal(t, c.Instance(), data.Instance)
	assert.True(t, data.Ready)
	require.Len(t, data.Modules, 2)
	assert.Equal(t, "clock", data.Modules[0].ID)
	assert.Equal(t, "started", data.Modules[0].State)
	assert.Equal(t, "unstarted", data.Modules[1].State)
	assert.Len(t, data.Reactors, 2)
	for _, r := range data.Reactors {
		assert.Equal(t, "none", r.Watchdog)
	}
	assert.Equal(t, 2, data.Workers.Workers)
}

// TestShutdown tests teardown stops modules and refuses new work
func TestShutdown(t *testing.T) {
	c := newControl(t, nil)
	ctx := context.Background()
	m, err := c.Load(ctx, types.Settings{ID: "clock", Role: types.RoleLogic, Dependency: ticker.Dependency})
	require.NoError(t, err)

	require.NoError(t, c.Shutdown(ctx))
	assert.Equal(t, manager.Stopped, m.State())
	assert.NoError(t, c.Shutdown(ctx), "second shutdown is a no-op")

	_, err = c.Load(ctx, types.Settings{ID: "other", Role: types.RoleLogic, Dependency: ticker.Dependency})
	assert.ErrorIs(t, err, ErrShutdown)
	assert.ErrorIs(t, c.Mount(), ErrShutdown)
}

// TestConfigDefaults tests zero values are filled in
func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Positive(t, cfg.Reactors)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 30*time.Second, cfg.StatsInterval)
	assert.Equal(t, time.Second, cfg.StatsTimeout)
}
