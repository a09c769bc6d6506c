// ============================================================================
// Reactor Watchdog
// ============================================================================
//
// Package: internal/watchdog
// File: watchdog.go
// Function: Detects reactors that stopped processing work and escalates.
//
// Heartbeats:
//   Every attached reactor runs a periodic task that stores "last seen" in
//   its own slot. A stalled reactor cannot run that task, so its slot ages.
//
// Escalation (elapsed since last heartbeat):
//   < trace_after                 none
//   trace_after .. interrupt_after  open a diagnostic span with the stalled
//                                   goroutine's stack, log a warning
//   interrupt_after .. fatal_after  close the span, cancel the running task
//   >= fatal_after                  log, stop all workers, exit the process
//
//   A fresh heartbeat at any level resets the reactor to none.
// ============================================================================

package watchdog

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"github.com/advancedcontrol/engine/internal/metrics"
	"github.com/advancedcontrol/engine/internal/reactor"
)

// Level is the escalation state of one reactor.
type Level int

const (
	None Level = iota
	Traced
	Interrupted
	Fatal
)

func (l Level) String() string {
	switch l {
	case None:
		return "none"
	case Traced:
		return "trace"
	case Interrupted:
		return "interrupt"
	case Fatal:
		return "fatal"
	default:
		return "level(" + strconv.Itoa(int(l)) + ")"
	}
}

// Config tunes the watchdog. Zero durations take the defaults.
type Config struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	CheckInterval     time.Duration `yaml:"check_interval"`
	TraceAfter        time.Duration `yaml:"trace_after"`
	InterruptAfter    time.Duration `yaml:"interrupt_after"`
	FatalAfter        time.Duration `yaml:"fatal_after"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: time.Second,
		CheckInterval:     2 * time.Second,
		TraceAfter:        5 * time.Second,
		InterruptAfter:    20 * time.Second,
		FatalAfter:        60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.TraceAfter <= 0 {
		c.TraceAfter = d.TraceAfter
	}
	if c.InterruptAfter <= 0 {
		c.InterruptAfter = d.InterruptAfter
	}
	if c.FatalAfter <= 0 {
		c.FatalAfter = d.FatalAfter
	}
	return c
}

// Options carry the collaborators.
type Options struct {
	Clock   Clock
	Logger  pslog.Logger
	Tracer  trace.Tracer
	Metrics *metrics.Collector
	// OnFatal stops the workers before the process exits.
	OnFatal func()
	// Exit terminates the process. Defaults to os.Exit.
	Exit func(code int)
}

type entry struct {
	r     *reactor.Reactor
	last  atomic.Int64 // unix nanos, written by the reactor
	beat  *reactor.Timer
	level Level      // checker only
	span  trace.Span // checker only
}

// Watchdog supervises a set of reactors from its own reactor.
type Watchdog struct {
	cfg     Config
	clock   Clock
	logger  pslog.Logger
	tracer  trace.Tracer
	metrics *metrics.Collector
	onFatal func()
	exit    func(int)

	self  *reactor.Reactor
	check *reactor.Timer

	mu      sync.Mutex
	entries map[*reactor.Reactor]*entry
	fatal   atomic.Bool
}

// New builds a watchdog. It does nothing until Start.
func New(cfg Config, opts Options) *Watchdog {
	logger := opts.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/advancedcontrol/engine/internal/watchdog")
	}
	exit := opts.Exit
	if exit == nil {
		exit = os.Exit
	}
	return &Watchdog{
		cfg:     cfg.withDefaults(),
		clock:   clock,
		logger:  logger.With("sys", "watchdog"),
		tracer:  tracer,
		metrics: opts.Metrics,
		onFatal: opts.OnFatal,
		exit:    exit,
		entries: make(map[*reactor.Reactor]*entry),
	}
}

// Attach starts recording heartbeats for r.
func (w *Watchdog) Attach(r *reactor.Reactor) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.entries[r]; ok {
		return
	}
	e := &entry{r: r}
	e.last.Store(w.clock.Now().UnixNano())
	e.beat = r.Every(w.cfg.HeartbeatInterval, func(context.Context) {
		e.last.Store(w.clock.Now().UnixNano())
	})
	w.entries[r] = e
}

// Detach stops supervising r.
func (w *Watchdog) Detach(r *reactor.Reactor) {
	w.mu.Lock()
	e, ok := w.entries[r]
	delete(w.entries, r)
	w.mu.Unlock()
	if ok {
		e.beat.Cancel()
		if e.span != nil {
			e.span.End()
		}
	}
}

// Beat records a heartbeat for r immediately.
func (w *Watchdog) Beat(r *reactor.Reactor) {
	w.mu.Lock()
	e, ok := w.entries[r]
	w.mu.Unlock()
	if ok {
		e.last.Store(w.clock.Now().UnixNano())
	}
}

// Start runs the periodic check on a dedicated reactor.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.self != nil {
		return
	}
	w.self = reactor.New(-1, "watchdog", reactor.Options{Logger: w.logger})
	w.self.Start()
	w.check = w.self.Every(w.cfg.CheckInterval, func(context.Context) { w.Check() })
}

// Stop halts checking and heartbeats.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	self := w.self
	w.self = nil
	entries := make([]*reactor.Reactor, 0, len(w.entries))
	for r := range w.entries {
		entries = append(entries, r)
	}
	w.mu.Unlock()

	for _, r := range entries {
		w.Detach(r)
	}
	if self != nil {
		w.check.Cancel()
		self.Stop()
	}
}

// Level returns r's current escalation level.
func (w *Watchdog) Level(r *reactor.Reactor) Level {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.entries[r]; ok {
		return e.level
	}
	return None
}

// Check evaluates every attached reactor once.
func (w *Watchdog) Check() {
	w.mu.Lock()
	entries := make([]*entry, 0, len(w.entries))
	for _, e := range w.entries {
		entries = append(entries, e)
	}
	w.mu.Unlock()

	now := w.clock.Now()
	for _, e := range entries {
		w.evaluate(e, now.Sub(time.Unix(0, e.last.Load())))
	}
}

func (w *Watchdog) evaluate(e *entry, elapsed time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	name := e.r.Name()
	switch {
	case elapsed < w.cfg.TraceAfter:
		if e.level != None {
			w.logger.Info("watchdog.recovered", "reactor", name, "was", e.level.String())
			if e.span != nil {
				e.span.SetStatus(codes.Ok, "recovered")
				e.span.End()
				e.span = nil
			}
			e.level = None
		}
	case elapsed < w.cfg.InterruptAfter:
		if e.level < Traced {
			e.level = Traced
			w.metrics.RecordEscalation(Traced.String())
			stack := goroutineStack(e.r.GoroutineID())
			_, e.span = w.tracer.Start(context.Background(), "watchdog.stall",
				trace.WithAttributes(
					attribute.String("reactor", name),
					attribute.Int64("goroutine", e.r.GoroutineID()),
					attribute.String("stack", stack),
				))
			w.logger.Warn("watchdog.reactor.stalled", "reactor", name, "elapsed", elapsed, "stack", stack)
		}
	case elapsed < w.cfg.FatalAfter:
		if e.level < Interrupted {
			e.level = Interrupted
			w.metrics.RecordEscalation(Interrupted.String())
			if e.span != nil {
				e.span.AddEvent("interrupt")
				e.span.SetStatus(codes.Error, "reactor interrupted")
				e.span.End()
				e.span = nil
			}
			interrupted := e.r.Interrupt()
			w.logger.Error("watchdog.reactor.interrupted", "reactor", name, "elapsed", elapsed, "task_running", interrupted)
		}
	default:
		if e.level < Fatal {
			e.level = Fatal
			w.metrics.RecordEscalation(Fatal.String())
			if e.span != nil {
				e.span.End()
				e.span = nil
			}
			w.logger.Error("watchdog.reactor.unresponsive", "reactor", name, "elapsed", elapsed)
			if w.fatal.CompareAndSwap(false, true) {
				go w.die(name)
			}
		}
	}
}

// die runs outside the registration lock; OnFatal may stop reactors that
// call back into the watchdog.
func (w *Watchdog) die(name string) {
	if w.onFatal != nil {
		w.onFatal()
	}
	w.logger.Error("watchdog.exit", "reactor", name)
	w.exit(1)
}

// goroutineStack returns the stack of goroutine id, or every stack when it
// cannot be isolated.
func goroutineStack(id int64) string {
	buf := make([]byte, 1<<20)
	buf = buf[:runtime.Stack(buf, true)]
	if id <= 0 {
		return string(buf)
	}
	header := []byte(fmt.Sprintf("goroutine %d [", id))
	start := bytes.Index(buf, header)
	if start < 0 {
		return string(buf)
	}
	rest := buf[start:]
	if end := bytes.Index(rest, []byte("\n\n")); end >= 0 {
		rest = rest[:end]
	}
	return string(rest)
}
