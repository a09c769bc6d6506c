// Package driver defines the contract between the engine and the code that
// speaks to a particular device, service or logic unit.
//
// A driver is built by a Factory registered under a dependency identifier.
// It must implement Driver; the optional interfaces below opt into further
// lifecycle hooks. All hooks run on the module's reactor.
package driver

import (
	"context"
	"strings"
	"time"

	"pkt.systems/pslog"

	"github.com/advancedcontrol/engine/internal/future"
	"github.com/advancedcontrol/engine/internal/processor"
	"github.com/advancedcontrol/engine/internal/queue"
	"github.com/advancedcontrol/engine/internal/tokenizer"
	"github.com/advancedcontrol/engine/pkg/types"
)

type (
	// Command is an outbound command as seen by receive hooks.
	Command = queue.Command
	// Result is the tagged outcome a receive hook returns.
	Result = queue.Result
	// Request describes a command to send.
	Request = processor.Request
)

// Result constructors.
var (
	Succeed = queue.Succeed
	Fail    = queue.Fail
	Ignore  = queue.IgnoreResult
	Retry   = queue.RetryResult
	Abort   = queue.AbortResult
)

// Driver is the required part of every driver.
type Driver interface {
	// Load runs when the module starts.
	Load(ctx context.Context, m Module) error
}

// Unloader is called when the module stops.
type Unloader interface {
	Unload(ctx context.Context) error
}

// Updater is called when settings change without a restart.
type Updater interface {
	Update(ctx context.Context, settings types.Settings) error
}

// Receiver handles inbound messages. cmd is nil for unsolicited data.
type Receiver interface {
	Received(ctx context.Context, data []byte, cmd *Command) Result
}

// ConnectionWatcher observes transport state.
type ConnectionWatcher interface {
	Connected(ctx context.Context)
	Disconnected(ctx context.Context)
}

// Executor exposes methods to other modules.
type Executor interface {
	Exec(ctx context.Context, method string, args ...any) (any, error)
}

// Protector lists methods other modules may not call through Exec.
type Protector interface {
	Protected() []string
}

// Factory builds a fresh driver instance.
type Factory func() Driver

// lifecycle hooks are never callable through Exec.
var lifecycle = map[string]bool{
	"load":         true,
	"unload":       true,
	"update":       true,
	"received":     true,
	"connected":    true,
	"disconnected": true,
}

// IsProtected reports whether method may not be invoked on d by another
// module.
func IsProtected(d Driver, method string) bool {
	if lifecycle[strings.ToLower(method)] {
		return true
	}
	if p, ok := d.(Protector); ok {
		for _, name := range p.Protected() {
			if strings.EqualFold(name, method) {
				return true
			}
		}
	}
	return false
}

// Cancelable is a scheduled callback that can be stopped.
type Cancelable interface {
	Cancel()
}

// Scheduler runs callbacks on the module's reactor. Everything it schedules
// is cancelled when the module stops.
type Scheduler interface {
	In(d time.Duration, fn func(ctx context.Context)) Cancelable
	Every(d time.Duration, fn func(ctx context.Context)) Cancelable
}

// Module is the handle a driver uses to reach the engine.
type Module interface {
	ID() types.ModuleID
	Settings() types.Settings
	Logger() pslog.Logger

	// Send queues a command. Only valid for modules with a transport.
	Send(req Request) *future.Future[any]
	// Configure merges processor options.
	Configure(opts map[string]any) error
	// Tokenize installs a custom framing function.
	Tokenize(fn tokenizer.LengthFunc) error

	// Status publishes a status value to subscribers.
	Status(key string, value any)
	// Schedule returns the module's timer scheduler.
	Schedule() Scheduler
	// Exec calls a method on another module.
	Exec(ctx context.Context, id types.ModuleID, method string, args ...any) (any, error)
}
