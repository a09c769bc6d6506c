// ============================================================================
// Command Processor
// ============================================================================
//
// Package: internal/processor
// File: processor.go
// Function: Turns driver send requests into transport writes and correlates
// inbound messages with the command awaiting a response.
//
// Flow:
//   QueueCommand -> Queue.Push -> deliver -> Transport.Transmit
//                                      \-> arm response timeout (wait=true)
//   Transport read -> Buffer -> tokenizer -> correlate -> Result tag
//       Success  resolve, advance after delay_on_receive
//       Ignore   keep waiting, counts against max_waits
//       Retry    requeue with the priority bonus while retries remain
//       Abort    reject with ErrAborted
//       Failure  reject with the driver's error
//   timeout -> Retry (ErrTimeout once retries are exhausted)
//
// Concurrency:
//   A Processor is owned by one reactor. Every method, including the
//   callbacks handed to the transport, runs on that reactor.
// ============================================================================

package processor

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"pkt.systems/pslog"

	"github.com/advancedcontrol/engine/internal/future"
	"github.com/advancedcontrol/engine/internal/queue"
	"github.com/advancedcontrol/engine/internal/reactor"
	"github.com/advancedcontrol/engine/internal/tokenizer"
)

var (
	ErrTimeout      = errors.New("command timed out")
	ErrAborted      = errors.New("command aborted")
	ErrTerminated   = errors.New("processor terminated")
	ErrDisconnected = errors.New("transport disconnected")
	ErrRetry        = errors.New("command failed after retries")
)

// Transport is the write side the processor drives.
type Transport interface {
	// Transmit writes the command payload. An error means nothing was sent.
	Transmit(cmd *queue.Command) error
	// Disconnect drops the current connection; reconnection policy stays with
	// the transport.
	Disconnect()
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	Cancel()
}

// Loop is the slice of the owning event loop the processor needs.
type Loop interface {
	NextTick(fn func())
	After(d time.Duration, fn func(ctx context.Context)) Timer
}

type reactorLoop struct{ r *reactor.Reactor }

func (l reactorLoop) NextTick(fn func()) { l.r.NextTick(fn) }

func (l reactorLoop) After(d time.Duration, fn func(ctx context.Context)) Timer {
	return l.r.After(d, fn)
}

// ReactorLoop adapts a reactor to Loop.
func ReactorLoop(r *reactor.Reactor) Loop { return reactorLoop{r: r} }

// Request is what a driver asks to send.
type Request struct {
	Name      string
	Data      any // []byte, string, []int or []uint8
	Options   map[string]any
	OnReceive queue.ReceiveFunc
}

// Config wires a processor into its module.
type Config struct {
	Loop      Loop
	Logger    pslog.Logger
	Receive   queue.ReceiveFunc                           // driver's generic receive hook
	Status    func(key string, value any)                 // status side channel
	Observe   func(outcome string, elapsed time.Duration) // metrics hook
	Overrides map[string]any                              // settings-level option overrides
}

// Processor correlates one module's commands and responses.
type Processor struct {
	loop      Loop
	logger    pslog.Logger
	receive   queue.ReceiveFunc
	status    func(string, any)
	observe   func(string, time.Duration)
	transport Transport

	queue     *queue.Queue
	defaults  SendOptions
	conn      ConnOptions
	tokenizer *tokenizer.Tokenizer
	custom    tokenizer.LengthFunc

	current    *queue.Command
	timeout    Timer
	delay      Timer
	connected  bool
	terminated bool
}

// New builds a processor whose queue is held until Connected is called.
func New(cfg Config) (*Processor, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	p := &Processor{
		loop:     cfg.Loop,
		logger:   logger.With("sys", "processor"),
		receive:  cfg.Receive,
		status:   cfg.Status,
		observe:  cfg.Observe,
		defaults: DefaultSendOptions(),
		conn:     DefaultConnOptions(),
	}
	p.queue = queue.New(cfg.Loop, p.deliver)
	p.queue.Hold()
	if len(cfg.Overrides) > 0 {
		if err := p.Configure(cfg.Overrides); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// SetTransport attaches the write side. It is called once the transport has
// been built, since the transport needs the processor for its callbacks.
func (p *Processor) SetTransport(t Transport) { p.transport = t }

// Queue exposes the command queue.
func (p *Processor) Queue() *queue.Queue { return p.queue }

// Options returns the current send defaults and connection options.
func (p *Processor) Options() (SendOptions, ConnOptions) { return p.defaults, p.conn }

// Configure merges m into the defaults. Keys are merged individually so a
// later call only changes what it names.
func (p *Processor) Configure(m map[string]any) error {
	defaults, err := p.defaults.Merge(m)
	if err != nil {
		return err
	}
	conn, err := p.conn.Merge(m)
	if err != nil {
		return err
	}
	p.defaults, p.conn = defaults, conn
	return p.rebuildTokenizer()
}

// Tokenize installs a custom message-length function and enables
// tokenization.
func (p *Processor) Tokenize(fn tokenizer.LengthFunc) error {
	p.custom = fn
	p.conn.Tokenize = fn != nil || p.conn.Tokenize
	return p.rebuildTokenizer()
}

func (p *Processor) rebuildTokenizer() error {
	if !p.conn.Tokenize {
		p.tokenizer = nil
		return nil
	}
	cfg := tokenizer.Config{
		Delimiter: []byte(p.conn.Delimiter),
		Indicator: []byte(p.conn.Indicator),
		MsgLength: p.conn.MsgLength,
		Callback:  p.custom,
		SizeLimit: int(p.conn.SizeLimit),
	}
	tok, err := tokenizer.New(cfg)
	if err != nil {
		return err
	}
	p.tokenizer = tok
	return nil
}

// QueueCommand normalises req and pushes it. Malformed requests are logged
// and returned as a rejected result rather than raised. A named request with
// an empty payload cancels the pending command of that name instead of
// writing anything.
func (p *Processor) QueueCommand(req Request) *future.Future[any] {
	if p.terminated {
		f := future.New[any]()
		f.Reject(ErrTerminated)
		return f
	}
	if req.Name != "" && empty(req.Data) {
		cancelled := p.queue.Cancel(req.Name)
		p.logger.Debug("processor.command.cancel", "name", req.Name, "cancelled", cancelled)
		f := future.New[any]()
		f.Resolve(cancelled)
		return f
	}
	opts, err := p.defaults.Merge(req.Options)
	if err == nil {
		var data []byte
		data, err = encode(req.Data, opts.HexString)
		if err == nil {
			return p.push(req, opts, data)
		}
	}
	p.logger.Warn("processor.command.invalid", "name", req.Name, "error", err)
	f := future.New[any]()
	f.Reject(err)
	return f
}

func (p *Processor) push(req Request, opts SendOptions, data []byte) *future.Future[any] {
	cmd := queue.NewCommand(req.Name, data)
	cmd.Wait = opts.Wait
	cmd.Retries = opts.Retries
	cmd.MaxWaits = opts.MaxWaits
	cmd.Timeout = opts.Timeout
	cmd.Delay = opts.Delay
	cmd.DelayOnReceive = opts.DelayOnReceive
	cmd.ForceDisconnect = opts.ForceDisconnect
	cmd.RetryOnDisconnect = opts.RetryOnDisconnect
	cmd.OnReceive = req.OnReceive
	cmd.BasePriority = opts.Priority

	priority := opts.Priority
	if p.queue.Waiting() != nil {
		priority -= p.conn.PriorityBonus
	}
	p.queue.Push(cmd, priority)
	return cmd.Result
}

func empty(data any) bool {
	switch v := data.(type) {
	case nil:
		return true
	case []byte:
		return len(v) == 0
	case string:
		return v == ""
	case []int:
		return len(v) == 0
	}
	return false
}

func encode(data any, hexString bool) ([]byte, error) {
	switch v := data.(type) {
	case nil:
		return nil, errors.New("empty payload")
	case []byte:
		if hexString {
			return decodeHex(string(v))
		}
		return v, nil
	case string:
		if hexString {
			return decodeHex(v)
		}
		return []byte(v), nil
	case []int:
		out := make([]byte, len(v))
		for i, b := range v {
			if b < 0 || b > 0xff {
				return nil, fmt.Errorf("byte %d out of range: %d", i, b)
			}
			out[i] = byte(b)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported payload type %T", data)
	}
}

func decodeHex(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "", "\n", "", "\t", "").Replace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return hex.DecodeString(s)
}

// deliver is the queue's callback for each dequeued command.
func (p *Processor) deliver(cmd *queue.Command) {
	if p.terminated || p.transport == nil {
		cmd.Result.Reject(ErrTerminated)
		p.queue.Shift()
		return
	}
	cmd.Attempts++
	cmd.Sent = time.Now()

	if cmd.Wait {
		p.current = cmd
		cmd.Waits = 0
		p.timeout = p.loop.After(cmd.Timeout, func(context.Context) { p.timedOut(cmd) })
	}

	if err := p.transport.Transmit(cmd); err != nil {
		p.TransmitFailed(cmd, err)
		return
	}

	if !cmd.Wait {
		cmd.Result.Resolve(nil)
		p.record("sent", cmd)
		if cmd.ForceDisconnect {
			p.transport.Disconnect()
		}
		p.advance(cmd.Delay)
	}
}

// TransmitFailed fails a command whose write did not go out. A waiting
// command fails fast instead of sitting out its timeout. Failures reported
// after the command was settled or the queue moved past it are only logged.
func (p *Processor) TransmitFailed(cmd *queue.Command, err error) {
	if cmd.Result.Settled() || (cmd.Wait && cmd != p.current) {
		p.logger.Debug("processor.transmit.failed.late", "command", cmd.String(), "error", err)
		return
	}
	p.logger.Debug("processor.transmit.failed", "command", cmd.String(), "error", err)
	if cmd.Wait {
		p.finish()
		p.retry(cmd, err)
		return
	}
	cmd.Result.Reject(err)
	p.record("failed", cmd)
	p.advance(0)
}

// Buffer accepts bytes read by the transport.
func (p *Processor) Buffer(ctx context.Context, data []byte) {
	if p.terminated {
		return
	}
	if p.tokenizer == nil {
		p.process(ctx, data)
		return
	}
	msgs, err := p.tokenizer.Extract(data)
	for _, msg := range msgs {
		p.process(ctx, msg)
	}
	if err != nil {
		p.logger.Warn("processor.buffer.overflow", "error", err, "limit", p.conn.SizeLimit)
	}
}

func (p *Processor) process(ctx context.Context, msg []byte) {
	cmd := p.current
	if cmd == nil {
		if p.receive != nil {
			res := p.call(ctx, p.receive, msg, nil)
			if res.Kind == queue.Failure {
				p.logger.Warn("processor.unsolicited.failed", "error", res.Err)
			}
		}
		return
	}
	fn := cmd.OnReceive
	if fn == nil {
		fn = p.receive
	}
	res := queue.Succeed(msg)
	if fn != nil {
		res = p.call(ctx, fn, msg, cmd)
	}
	p.Resolve(cmd, res)
}

// call runs a driver hook, turning panics into Failure.
func (p *Processor) call(ctx context.Context, fn queue.ReceiveFunc, msg []byte, cmd *queue.Command) (res queue.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = queue.Fail(fmt.Errorf("receive hook panicked: %v", r))
		}
	}()
	return fn(ctx, msg, cmd)
}

// Resolve applies a tagged result to cmd. Results for anything other than
// the waiting command are ignored.
func (p *Processor) Resolve(cmd *queue.Command, res queue.Result) {
	if cmd == nil || cmd != p.current {
		return
	}
	switch res.Kind {
	case queue.Success:
		p.finish()
		cmd.Result.Resolve(res.Value)
		p.record("success", cmd)
		if p.conn.UpdateStatus && cmd.Named() && res.Value != nil && p.status != nil {
			p.status(cmd.Name, res.Value)
		}
		if cmd.ForceDisconnect && p.transport != nil {
			p.transport.Disconnect()
		}
		p.advance(max(cmd.Delay, cmd.DelayOnReceive))
	case queue.Ignore:
		cmd.Waits++
		if cmd.MaxWaits > 0 && cmd.Waits >= cmd.MaxWaits {
			p.finish()
			p.retry(cmd, ErrRetry)
		}
	case queue.Retry:
		p.finish()
		p.retry(cmd, ErrRetry)
	case queue.Abort:
		p.finish()
		cmd.Result.Reject(ErrAborted)
		p.record("abort", cmd)
		p.advance(cmd.Delay)
	default:
		err := res.Err
		if err == nil {
			err = errors.New("command failed")
		}
		p.finish()
		cmd.Result.Reject(err)
		p.record("failed", cmd)
		p.advance(cmd.Delay)
	}
}

func (p *Processor) timedOut(cmd *queue.Command) {
	if cmd != p.current {
		return
	}
	p.timeout = nil
	p.logger.Debug("processor.command.timeout", "command", cmd.String(), "attempt", cmd.Attempts)
	p.finish()
	p.retry(cmd, ErrTimeout)
}

// retry resends cmd while attempts remain; otherwise it fails with cause.
func (p *Processor) retry(cmd *queue.Command, cause error) {
	if cmd.Attempts <= cmd.Retries && !p.terminated {
		p.record("retry", cmd)
		p.queue.Requeue(cmd, cmd.BasePriority-p.conn.PriorityBonus)
		p.advance(cmd.Delay)
		return
	}
	cmd.Result.Reject(cause)
	if errors.Is(cause, ErrTimeout) {
		p.record("timeout", cmd)
	} else {
		p.record("failed", cmd)
	}
	p.advance(cmd.Delay)
}

func (p *Processor) finish() {
	if p.timeout != nil {
		p.timeout.Cancel()
		p.timeout = nil
	}
	p.current = nil
}

// advance releases the queue, optionally after a spacing delay.
func (p *Processor) advance(after time.Duration) {
	if p.terminated {
		return
	}
	if after <= 0 {
		p.queue.Shift()
		return
	}
	p.delay = p.loop.After(after, func(context.Context) {
		p.delay = nil
		p.queue.Shift()
	})
}

func (p *Processor) record(outcome string, cmd *queue.Command) {
	if p.observe == nil {
		return
	}
	var elapsed time.Duration
	if !cmd.Sent.IsZero() {
		elapsed = time.Since(cmd.Sent)
	}
	p.observe(outcome, elapsed)
}

// Connected resumes delivery.
func (p *Processor) Connected() {
	if p.terminated {
		return
	}
	p.connected = true
	p.queue.Online()
}

// Disconnected pauses delivery. A buffered partial message is flushed
// through correlation first when flush_buffer_on_disconnect is set. The
// waiting command is requeued when it allows it.
func (p *Processor) Disconnected(ctx context.Context) {
	p.connected = false
	if p.tokenizer != nil {
		rest := p.tokenizer.Flush()
		if p.conn.FlushBufferOnDisconnect && len(rest) > 0 {
			p.process(ctx, rest)
		}
	}
	if p.delay != nil {
		p.delay.Cancel()
		p.delay = nil
	}
	p.queue.Hold()
	if cmd := p.current; cmd != nil {
		p.finish()
		if cmd.RetryOnDisconnect && !p.terminated {
			// the interrupted attempt does not count
			cmd.Attempts--
			p.queue.Requeue(cmd, cmd.BasePriority-p.conn.PriorityBonus)
		} else {
			cmd.Result.Reject(ErrDisconnected)
			p.record("failed", cmd)
		}
	}
}

// Offline takes the queue offline, honouring clear_queue_on_disconnect.
func (p *Processor) Offline() {
	p.queue.Offline(p.conn.ClearQueueOnDisconnect)
}

// IsConnected reports the last connection state signalled.
func (p *Processor) IsConnected() bool { return p.connected }

// Waiting returns the command awaiting a response, or nil.
func (p *Processor) Waiting() *queue.Command { return p.current }

// Terminate rejects everything pending and stops all timers. No further
// writes are issued.
func (p *Processor) Terminate() {
	if p.terminated {
		return
	}
	p.terminated = true
	if p.delay != nil {
		p.delay.Cancel()
		p.delay = nil
	}
	if cmd := p.current; cmd != nil {
		p.finish()
		cmd.Result.Reject(ErrTerminated)
	}
	p.queue.Offline(true)
}
