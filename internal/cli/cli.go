// ============================================================================
// Engine CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and inspecting the engine
//
// Command Structure:
//   engine                         # Root command
//   ├── run                        # Boot the engine and serve until signalled
//   ├── modules                    # List module settings from the store
//   ├── status                     # Show the last statistics snapshot
//   │   └── --live                 # Ask a running engine for health and live stats
//   ├── version                    # Print version information
//   └── --config, -c               # Config file (YAML)
//
// Configuration:
//   The YAML file is read first. Flags and ENGINE_* environment variables
//   override it, e.g. ENGINE_WORKERS=8 or ENGINE_LOG_LEVEL=debug.
//
// run Command:
//   1. Load config and open the settings store
//   2. Start tracing, metrics and the admin health endpoint
//   3. Boot Control; the health endpoint turns SERVING at the ready gate
//   4. Follow edits of the settings file
//   5. On SIGINT/SIGTERM shut everything down
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"github.com/advancedcontrol/engine/internal/control"
	"github.com/advancedcontrol/engine/internal/drivers/echo"
	"github.com/advancedcontrol/engine/internal/drivers/ticker"
	"github.com/advancedcontrol/engine/internal/metrics"
	"github.com/advancedcontrol/engine/internal/server"
	"github.com/advancedcontrol/engine/internal/settings"
	"github.com/advancedcontrol/engine/internal/snapshot"
	"github.com/advancedcontrol/engine/internal/telemetry"
)

// Version is set at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

const shutdownTimeout = 15 * time.Second

// Config is the complete engine configuration.
type Config struct {
	LogLevel string         `yaml:"log_level"`
	Control  control.Config `yaml:"control"`

	Settings struct {
		File   string `yaml:"file"`
		SQLite string `yaml:"sqlite"`
		Watch  bool   `yaml:"watch"`
	} `yaml:"settings"`

	Admin struct {
		Listen string `yaml:"listen"`
	} `yaml:"admin"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Listen  string `yaml:"listen"`
	} `yaml:"metrics"`

	Telemetry struct {
		Endpoint string `yaml:"endpoint"`
	} `yaml:"telemetry"`
}

// DefaultConfig is used for anything the file leaves out.
func DefaultConfig() Config {
	var cfg Config
	cfg.LogLevel = "info"
	cfg.Control = control.DefaultConfig()
	cfg.Control.SnapshotPath = "data/engine-stats.json"
	cfg.Settings.File = "configs/modules.yaml"
	cfg.Settings.Watch = true
	cfg.Admin.Listen = "127.0.0.1:7946"
	cfg.Metrics.Listen = ":9090"
	return cfg
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "engine",
		Short:         "Engine: a runtime for devices, services and logic modules",
		Long:          "Engine loads module drivers onto a pool of reactors, keeps their connections alive and reports their status.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "configs/engine.yaml", "config file path")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flags.Int("reactors", 0, "number of reactors (0 = one per CPU)")
	flags.Int("workers", 0, "blocking worker pool size")
	flags.String("settings-file", "", "YAML module settings file")
	flags.String("settings-sqlite", "", "SQLite module settings database")
	flags.String("snapshot-path", "", "statistics snapshot file")
	flags.Duration("stats-interval", 0, "statistics snapshot interval")
	flags.String("admin-listen", "", "gRPC health endpoint address")
	flags.String("metrics-listen", "", "Prometheus listen address")
	flags.String("otlp-endpoint", "", "OTLP/HTTP trace collector endpoint")

	v := newViper(flags)

	load := func() (*Config, error) {
		cfg, err := loadConfig(configFile)
		if err != nil {
			return nil, err
		}
		if err := bindConfig(v, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	rootCmd.AddCommand(buildRunCommand(load))
	rootCmd.AddCommand(buildModulesCommand(load))
	rootCmd.AddCommand(buildStatusCommand(load))
	rootCmd.AddCommand(buildVersionCommand())
	return rootCmd
}

// newViper binds every flag except --config and the matching ENGINE_*
// environment variables.
func newViper(flags *pflag.FlagSet) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		if err := v.BindPFlag(f.Name, f); err != nil {
			panic(err)
		}
	})
	return v
}

// bindConfig applies flag and environment overrides that were actually set.
func bindConfig(v *viper.Viper, cfg *Config) error {
	if v.IsSet("log-level") {
		cfg.LogLevel = v.GetString("log-level")
	}
	if v.IsSet("reactors") {
		cfg.Control.Reactors = v.GetInt("reactors")
	}
	if v.IsSet("workers") {
		cfg.Control.Workers = v.GetInt("workers")
	}
	if v.IsSet("settings-file") {
		cfg.Settings.File = v.GetString("settings-file")
	}
	if v.IsSet("settings-sqlite") {
		cfg.Settings.SQLite = v.GetString("settings-sqlite")
	}
	if v.IsSet("snapshot-path") {
		cfg.Control.SnapshotPath = v.GetString("snapshot-path")
	}
	if v.IsSet("stats-interval") {
		cfg.Control.StatsInterval = v.GetDuration("stats-interval")
	}
	if v.IsSet("admin-listen") {
		cfg.Admin.Listen = v.GetString("admin-listen")
	}
	if v.IsSet("metrics-listen") {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = v.GetString("metrics-listen")
	}
	if v.IsSet("otlp-endpoint") {
		cfg.Telemetry.Endpoint = v.GetString("otlp-endpoint")
	}
	if _, ok := pslog.ParseLevel(cfg.LogLevel); !ok {
		return fmt.Errorf("log-level: invalid value %q", cfg.LogLevel)
	}
	return nil
}

// loadConfig reads path over the defaults. An empty path yields the
// defaults.
func loadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return &cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return &cfg, nil
}

func newLogger(cfg *Config) pslog.Logger {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("ENGINE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "engine")
	if level, ok := pslog.ParseLevel(cfg.LogLevel); ok {
		logger = logger.LogLevel(level)
	}
	return logger
}

// store is a settings.Store that may hold resources.
type store interface {
	settings.Store
	io.Closer
}

type nopCloser struct{ settings.Store }

func (nopCloser) Close() error { return nil }

// openStore picks SQLite when configured, otherwise the YAML file.
func openStore(ctx context.Context, cfg *Config, logger pslog.Logger) (store, *settings.File, error) {
	if cfg.Settings.SQLite != "" {
		db, err := settings.OpenSQLite(ctx, cfg.Settings.SQLite)
		if err != nil {
			return nil, nil, err
		}
		return db, nil, nil
	}
	if cfg.Settings.File != "" {
		f, err := settings.OpenFile(cfg.Settings.File, logger)
		if err != nil {
			return nil, nil, err
		}
		return nopCloser{f}, f, nil
	}
	mem, _ := settings.NewMemory()
	return nopCloser{mem}, nil, nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(load func() (*Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the engine",
		Long:  "Boot every configured module and serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runEngine(ctx, cfg, newLogger(cfg))
		},
	}
}

func runEngine(ctx context.Context, cfg *Config, logger pslog.Logger) error {
	log := logger.With("sys", "cli.run")

	shutdownTracing, err := telemetry.Setup(ctx, "engine", cfg.Telemetry.Endpoint, logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	st, file, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open settings: %w", err)
	}
	defer st.Close()

	collector := metrics.NewCollector(prometheus.NewRegistry())
	if cfg.Metrics.Enabled {
		go func() {
			if err := collector.Serve(ctx, cfg.Metrics.Listen); err != nil {
				log.Error("metrics.serve.failed", "error", err)
			}
		}()
	}

	ctrl := control.New(cfg.Control, control.Options{
		Logger:  logger,
		Store:   st,
		Metrics: collector,
	})
	ctrl.Register(echo.Dependency, echo.New)
	ctrl.Register(ticker.Dependency, ticker.New)

	if cfg.Admin.Listen != "" {
		admin := server.New(logger)
		admin.ServeStats(ctrl.Stats)
		admin.FollowReady(ctx, ctrl.Ready())
		go func() {
			if err := admin.ListenAndServe(ctx, cfg.Admin.Listen); err != nil {
				log.Error("admin.serve.failed", "error", err)
			}
		}()
	}

	booted := ctrl.BootAsync(ctx)
	if file != nil && cfg.Settings.Watch {
		go func() {
			select {
			case <-ctrl.Ready():
			case <-ctx.Done():
				return
			}
			err := file.Watch(ctx, func(change settings.Change) { ctrl.ApplyChange(ctx, change) })
			if err != nil {
				log.Warn("settings.watch.failed", "error", err)
			}
		}()
	}

	select {
	case err := <-booted:
		if err != nil {
			_ = ctrl.Shutdown(context.Background())
			return fmt.Errorf("boot: %w", err)
		}
		log.Info("engine.started", "modules", len(ctrl.Modules()), "instance", ctrl.Instance())
	case <-ctx.Done():
	}

	<-ctx.Done()
	log.Info("engine.stopping")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := ctrl.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("engine.stopped")
	return nil
}

// ============================================================================
// modules
// ============================================================================

func buildModulesCommand(load func() (*Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "List module settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return listModules(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}
}

func listModules(ctx context.Context, out io.Writer, cfg *Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	st, _, err := openStore(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer st.Close()
	list, err := st.List(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tROLE\tDEPENDENCY\tENDPOINT\tRUNNING\tUPDATED")
	for _, s := range list {
		endpoint := "-"
		switch {
		case s.URI != "":
			endpoint = s.URI
		case s.Address != "":
			endpoint = s.Endpoint()
		}
		updated := "-"
		if !s.UpdatedAt.IsZero() {
			updated = humanize.Time(s.UpdatedAt)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n", s.ID, s.Role, s.Dependency, endpoint, s.Running, updated)
	}
	return w.Flush()
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(load func() (*Config, error)) *cobra.Command {
	var live bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show engine status",
		Long:  "Print the last statistics snapshot, or with --live ask the running engine for live statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showStatus(cmd.Context(), cmd.OutOrStdout(), cfg, live)
		},
	}
	cmd.Flags().BoolVar(&live, "live", false, "query the admin endpoint for health and live statistics")
	return cmd
}

func showStatus(ctx context.Context, out io.Writer, cfg *Config, live bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var (
		data    snapshot.Data
		fetched bool
	)
	if live {
		status, err := server.CheckHealth(ctx, cfg.Admin.Listen, server.ServiceName)
		if err != nil {
			fmt.Fprintf(out, "health: unreachable (%v)\n", err)
		} else {
			fmt.Fprintf(out, "health: %s\n", status)
			data, err = server.FetchStats(ctx, cfg.Admin.Listen)
			fetched = err == nil
		}
	}

	if !fetched {
		var err error
		data, err = snapshot.NewManager(cfg.Control.SnapshotPath).Load()
		if errors.Is(err, snapshot.ErrSnapshotNotFound) {
			fmt.Fprintf(out, "no statistics at %s (is the engine running?)\n", cfg.Control.SnapshotPath)
			return nil
		}
		if err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "instance %s, ready=%t, up %s, sampled %s\n",
		data.Instance, data.Ready, data.Uptime, humanize.Time(data.TakenAt))
	fmt.Fprintf(out, "workers: %d (%s completed, %s failed)\n\n",
		data.Workers.Workers, humanize.Comma(int64(data.Workers.Completed)), humanize.Comma(int64(data.Workers.Failed)))

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REACTOR\tMODULES\tPENDING\tPROCESSED\tWATCHDOG")
	for _, r := range data.Reactors {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", r.Name, r.Modules, r.Pending, humanize.Comma(int64(r.Processed)), r.Watchdog)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "MODULE\tROLE\tSTATE\tCONNECTED\tQUEUED\tREACTOR")
	for _, m := range data.Modules {
		state := m.State
		if m.Error != "" {
			state += " (" + m.Error + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%s\n", m.ID, m.Role, state, m.Connected, m.Queued, m.Reactor)
	}
	return w.Flush()
}

// ============================================================================
// version
// ============================================================================

func buildVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "engine %s\n", Version)
			return nil
		},
	}
}
