package cli

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/advancedcontrol/engine/internal/server"
	"github.com/advancedcontrol/engine/internal/settings"
	"github.com/advancedcontrol/engine/internal/snapshot"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	return out.String()
}

const modulesYAML = `
modules:
  - id: display_1
    name: Lobby Display
    role: device
    dependency: echo
    address: 10.0.0.12
    port: 4999
  - id: clock_1
    role: logic
    dependency: ticker
    running: true
`

// ============================================================================
// Command tree
// ============================================================================

// TestBuildCLI tests the root command and its subcommands
func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "engine", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Use] = true
		assert.NotNil(t, c.RunE, "%s should have RunE", c.Use)
	}
	assert.Len(t, names, 4)
	for _, name := range []string{"run", "modules", "status", "version"} {
		assert.True(t, names[name], "missing %s command", name)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/engine.yaml", configFlag.DefValue)
}

// TestVersionCommand tests the version output
func TestVersionCommand(t *testing.T) {
	out := execute(t, "version")
	assert.Equal(t, "engine "+Version+"\n", out)
}

// ============================================================================
// Configuration
// ============================================================================

// TestLoadConfig_ValidYAML tests a full config file
func TestLoadConfig_ValidYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "engine.yaml", `
log_level: debug
control:
  reactors: 3
  workers: 6
  stats_interval: 10s
  snapshot_path: /tmp/stats.json
  watchdog:
    trace_after: 2s
  backoff:
    initial: 500ms
    max: 1m
settings:
  sqlite: /var/lib/engine/settings.db
  watch: false
admin:
  listen: 127.0.0.1:9000
metrics:
  enabled: true
  listen: ":9191"
telemetry:
  endpoint: otel-collector:4318
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3, cfg.Control.Reactors)
	assert.Equal(t, 6, cfg.Control.Workers)
	assert.Equal(t, 10*time.Second, cfg.Control.StatsInterval)
	assert.Equal(t, "/tmp/stats.json", cfg.Control.SnapshotPath)
	assert.Equal(t, 2*time.Second, cfg.Control.Watchdog.TraceAfter)
	assert.Equal(t, 500*time.Millisecond, cfg.Control.Backoff.Initial)
	assert.Equal(t, time.Minute, cfg.Control.Backoff.Max)
	assert.Equal(t, "/var/lib/engine/settings.db", cfg.Settings.SQLite)
	assert.False(t, cfg.Settings.Watch)
	assert.Equal(t, "127.0.0.1:9000", cfg.Admin.Listen)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9191", cfg.Metrics.Listen)
	assert.Equal(t, "otel-collector:4318", cfg.Telemetry.Endpoint)
}

// TestLoadConfig_FileNotFound tests a missing file
func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := loadConfig("/nonexistent/engine.yaml")
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to read config file")
}

// TestLoadConfig_InvalidYAML tests a malformed file
func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "invalid.yaml", `
control:
  workers: "not a number"
  invalid yaml structure
    broken indentation
`)
	cfg, err := loadConfig(path)
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

// TestLoadConfig_EmptyFile tests that an empty file keeps the defaults
func TestLoadConfig_EmptyFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "empty.yaml", "")
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), *cfg)
}

// TestLoadConfig_PartialConfig tests that unset fields keep their defaults
func TestLoadConfig_PartialConfig(t *testing.T) {
	path := writeFile(t, t.TempDir(), "partial.yaml", `
control:
  workers: 2
`)
	cfg, err := loadConfig(path)
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, 2, cfg.Control.Workers)
	assert.Equal(t, def.Control.StatsInterval, cfg.Control.StatsInterval)
	assert.Equal(t, def.Control.Watchdog, cfg.Control.Watchdog)
	assert.Equal(t, def.Settings.File, cfg.Settings.File)
	assert.Equal(t, def.Admin.Listen, cfg.Admin.Listen)
}

// TestBindConfig_Env tests ENGINE_* overrides
func TestBindConfig_Env(t *testing.T) {
	t.Setenv("ENGINE_WORKERS", "8")
	t.Setenv("ENGINE_SETTINGS_SQLITE", "/data/settings.db")
	t.Setenv("ENGINE_STATS_INTERVAL", "5s")
	t.Setenv("ENGINE_LOG_LEVEL", "warn")

	v := newViper(BuildCLI().PersistentFlags())
	cfg := DefaultConfig()
	require.NoError(t, bindConfig(v, &cfg))

	assert.Equal(t, 8, cfg.Control.Workers)
	assert.Equal(t, "/data/settings.db", cfg.Settings.SQLite)
	assert.Equal(t, 5*time.Second, cfg.Control.StatsInterval)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, DefaultConfig().Control.Reactors, cfg.Control.Reactors)
}

// TestBindConfig_Flags tests that flags enable the matching features
func TestBindConfig_Flags(t *testing.T) {
	cmd := BuildCLI()
	flags := cmd.PersistentFlags()
	require.NoError(t, flags.Set("reactors", "2"))
	require.NoError(t, flags.Set("metrics-listen", ":9999"))

	v := newViper(flags)
	cfg := DefaultConfig()
	require.NoError(t, bindConfig(v, &cfg))

	assert.Equal(t, 2, cfg.Control.Reactors)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9999", cfg.Metrics.Listen)
}

// TestBindConfig_InvalidLevel tests that an unknown log level is rejected
func TestBindConfig_InvalidLevel(t *testing.T) {
	t.Setenv("ENGINE_LOG_LEVEL", "loud")
	v := newViper(BuildCLI().PersistentFlags())
	cfg := DefaultConfig()
	err := bindConfig(v, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log-level")
}

// ============================================================================
// Settings store
// ============================================================================

// TestOpenStore tests store selection
func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	t.Run("sqlite wins", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Settings.SQLite = filepath.Join(dir, "settings.db")
		cfg.Settings.File = writeFile(t, dir, "modules.yaml", modulesYAML)
		st, file, err := openStore(ctx, &cfg, nil)
		require.NoError(t, err)
		defer st.Close()
		assert.Nil(t, file)
		assert.IsType(t, &settings.SQLite{}, st)
	})

	t.Run("file", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Settings.File = writeFile(t, dir, "modules.yaml", modulesYAML)
		st, file, err := openStore(ctx, &cfg, nil)
		require.NoError(t, err)
		defer st.Close()
		require.NotNil(t, file)
		list, err := st.List(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})

	t.Run("empty", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Settings.File = ""
		st, file, err := openStore(ctx, &cfg, nil)
		require.NoError(t, err)
		defer st.Close()
		assert.Nil(t, file)
		list, err := st.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("missing file", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Settings.File = filepath.Join(dir, "absent.yaml")
		_, _, err := openStore(ctx, &cfg, nil)
		assert.Error(t, err)
	})
}

// TestModulesCommand tests listing modules from a settings file
func TestModulesCommand(t *testing.T) {
	dir := t.TempDir()
	modules := writeFile(t, dir, "modules.yaml", modulesYAML)
	config := writeFile(t, dir, "engine.yaml", "settings:\n  file: "+modules+"\n")

	out := execute(t, "-c", config, "modules")

	assert.Contains(t, out, "DEPENDENCY")
	assert.Contains(t, out, "display_1")
	assert.Contains(t, out, "10.0.0.12:4999")
	assert.Contains(t, out, "clock_1")
	assert.Contains(t, out, "ticker")
}

// ============================================================================
// Status
// ============================================================================

// TestStatusCommand tests printing a snapshot
func TestStatusCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.json")
	require.NoError(t, snapshot.NewManager(path).Write(snapshot.Data{
		SchemaVer: snapshot.SchemaVersion,
		Instance:  "a3c1",
		TakenAt:   time.Now().UTC(),
		Ready:     true,
		Uptime:    "1m0s",
		Reactors: []snapshot.Reactor{
			{Name: "reactor-0", Pending: 1, Processed: 1200, Modules: 2, Watchdog: "none"},
		},
		Modules: []snapshot.Module{
			{ID: "display_1", Role: "device", State: "started", Connected: true, Reactor: "reactor-0"},
			{ID: "clock_1", Role: "logic", State: "started", Reactor: "reactor-0", Error: "stats timeout"},
		},
		Workers: snapshot.WorkerPool{Workers: 4, Completed: 2500},
	}))
	config := writeFile(t, dir, "engine.yaml", "control:\n  snapshot_path: "+path+"\n")

	out := execute(t, "-c", config, "status")

	assert.Contains(t, out, "instance a3c1, ready=true, up 1m0s")
	assert.Contains(t, out, "2,500 completed")
	assert.Contains(t, out, "1,200")
	assert.Contains(t, out, "display_1")
	assert.Contains(t, out, "started (stats timeout)")
}

// TestStatusCommand_NoSnapshot tests the message when nothing was written yet
func TestStatusCommand_NoSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.json")
	config := writeFile(t, dir, "engine.yaml", "control:\n  snapshot_path: "+path+"\n")

	out := execute(t, "-c", config, "status")
	assert.Contains(t, out, "no statistics at "+path)
}

// TestStatusCommand_Live tests live statistics from a running admin server
func TestStatusCommand_Live(t *testing.T) {
	admin := server.New(nil)
	admin.ServeStats(func(context.Context) snapshot.Data {
		return snapshot.Data{SchemaVer: snapshot.SchemaVersion, Instance: "live-1", TakenAt: time.Now().UTC(), Uptime: "5s"}
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = admin.Serve(ln) }()
	t.Cleanup(admin.Stop)

	dir := t.TempDir()
	config := writeFile(t, dir, "engine.yaml", "admin:\n  listen: "+ln.Addr().String()+"\ncontrol:\n  snapshot_path: "+filepath.Join(dir, "none.json")+"\n")

	out := execute(t, "-c", config, "status", "--live")
	assert.Contains(t, out, "health: NOT_SERVING")
	assert.Contains(t, out, "instance live-1, ready=false, up 5s")
}
