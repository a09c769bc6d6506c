package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/advancedcontrol/engine/internal/future"
)

var (
	// ErrOffline settles commands dropped because the queue was offline.
	ErrOffline = errors.New("queue offline")
	// ErrCancelled settles a named command whose payload was cancelled.
	ErrCancelled = errors.New("command cancelled")
)

// ResultKind tags the outcome a driver reports for a received message.
type ResultKind int

const (
	Success ResultKind = iota // resolve the command with Value
	Ignore                    // not the response; keep waiting
	Retry                     // resend if retries remain
	Abort                     // fail without retrying
	Failure                   // fail with Err
)

func (k ResultKind) String() string {
	switch k {
	case Success:
		return "success"
	case Ignore:
		return "ignore"
	case Retry:
		return "retry"
	case Abort:
		return "abort"
	case Failure:
		return "failure"
	default:
		return fmt.Sprintf("ResultKind(%d)", int(k))
	}
}

// Result is the tagged outcome of correlating a message with a command.
type Result struct {
	Kind  ResultKind
	Value any
	Err   error
}

// Succeed builds a Success result carrying v.
func Succeed(v any) Result { return Result{Kind: Success, Value: v} }

// Fail builds a Failure result carrying err.
func Fail(err error) Result { return Result{Kind: Failure, Err: err} }

var (
	IgnoreResult = Result{Kind: Ignore}
	RetryResult  = Result{Kind: Retry}
	AbortResult  = Result{Kind: Abort}
)

// ReceiveFunc correlates data with cmd. cmd is nil for unsolicited data.
type ReceiveFunc func(ctx context.Context, data []byte, cmd *Command) Result

// Command is one unit of outbound work.
type Command struct {
	ID                string
	Name              string // empty for anonymous commands
	Data              []byte
	Priority          int // effective priority, set by Push
	BasePriority      int // priority the command was queued with
	Wait              bool
	Retries           int
	MaxWaits          int
	Timeout           time.Duration
	Delay             time.Duration
	DelayOnReceive    time.Duration
	ForceDisconnect   bool
	RetryOnDisconnect bool
	OnReceive         ReceiveFunc

	// Result settles exactly once with the value the response resolved to.
	Result *future.Future[any]

	// bookkeeping owned by the processor
	Attempts int
	Waits    int
	Sent     time.Time
}

// NewCommand returns a command with a fresh id and unsettled result.
func NewCommand(name string, data []byte) *Command {
	return &Command{
		ID:     xid.New().String(),
		Name:   name,
		Data:   data,
		Result: future.New[any](),
	}
}

// Named reports whether the command coalesces by name.
func (c *Command) Named() bool { return c.Name != "" }

func (c *Command) String() string {
	if c.Named() {
		return fmt.Sprintf("%s(%s)", c.Name, c.ID)
	}
	return c.ID
}
