package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"net"
	"time"

	"pkt.systems/pslog"

	"github.com/advancedcontrol/engine/internal/queue"
	"github.com/advancedcontrol/engine/internal/reactor"
)

// TCPConfig configures the TCP transports.
type TCPConfig struct {
	Address     string      // host:port
	TLS         *tls.Config // nil for plain TCP
	WaitReady   []byte      // marker to wait for before signalling connected
	DialTimeout time.Duration
	Backoff     BackoffConfig
	Inactivity  time.Duration // make-and-break only
	Logger      pslog.Logger
}

func (c TCPConfig) dialTimeout() time.Duration {
	if c.DialTimeout > 0 {
		return c.DialTimeout
	}
	return 10 * time.Second
}

type connState int

const (
	stateIdle connState = iota
	stateConnecting
	stateHandshake // connected, waiting for the ready marker
	stateConnected
	stateTerminated
)

// TCP is a persistent connection that reconnects until terminated.
type TCP struct {
	r      *reactor.Reactor
	h      Handler
	cfg    TCPConfig
	logger pslog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state    connState
	gen      uint64
	link     *link
	policy   *reconnectPolicy
	retry    *reactor.Timer
	readyBuf []byte
}

// NewTCP builds a persistent TCP transport bound to r.
func NewTCP(r *reactor.Reactor, h Handler, cfg TCPConfig) *TCP {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TCP{
		r:      r,
		h:      h,
		cfg:    cfg,
		logger: logger.With("sys", "transport.tcp", "address", cfg.Address),
		ctx:    ctx,
		cancel: cancel,
		policy: newReconnectPolicy(cfg.Backoff),
	}
}

// Start dials the first connection.
func (t *TCP) Start(context.Context) {
	if t.state != stateIdle {
		return
	}
	t.connect()
}

func (t *TCP) connect() {
	if t.state == stateTerminated {
		return
	}
	t.gen++
	gen := t.gen
	t.state = stateConnecting
	go func() {
		conn, err := dial(t.ctx, t.cfg)
		ok := t.r.Schedule(func(ctx context.Context) { t.dialed(ctx, gen, conn, err) })
		if !ok && conn != nil {
			_ = conn.Close()
		}
	}()
}

func dial(ctx context.Context, cfg TCPConfig) (net.Conn, error) {
	d := net.Dialer{Timeout: cfg.dialTimeout()}
	conn, err := d.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, err
	}
	if cfg.TLS == nil {
		return conn, nil
	}
	tc := tls.Client(conn, cfg.TLS)
	hctx, cancel := context.WithTimeout(ctx, cfg.dialTimeout())
	defer cancel()
	if err := tc.HandshakeContext(hctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return tc, nil
}

func (t *TCP) dialed(ctx context.Context, gen uint64, conn net.Conn, err error) {
	if gen != t.gen || t.state == stateTerminated {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		t.logger.Debug("transport.tcp.dial.failed", "error", err)
		t.failed(ctx)
		return
	}
	t.link = startLink(t.r, conn, gen, linkEvents{
		onRead:     t.read,
		onClose:    t.closed,
		onWriteErr: t.writeFailed,
	})
	t.readyBuf = nil
	if len(t.cfg.WaitReady) > 0 {
		t.state = stateHandshake
		return
	}
	t.up(ctx)
}

func (t *TCP) up(ctx context.Context) {
	t.state = stateConnected
	t.policy.succeeded()
	t.logger.Info("transport.tcp.connected")
	t.h.Connected(ctx)
}

func (t *TCP) read(ctx context.Context, gen uint64, data []byte) {
	if gen != t.gen || t.state == stateTerminated {
		return
	}
	if t.state == stateHandshake {
		t.readyBuf = append(t.readyBuf, data...)
		i := bytes.Index(t.readyBuf, t.cfg.WaitReady)
		if i < 0 {
			return
		}
		rest := t.readyBuf[i+len(t.cfg.WaitReady):]
		t.readyBuf = nil
		t.up(ctx)
		if len(rest) > 0 {
			t.h.Received(ctx, rest)
		}
		return
	}
	t.h.Received(ctx, data)
}

func (t *TCP) closed(ctx context.Context, gen uint64, err error) {
	if gen != t.gen || t.state == stateTerminated {
		return
	}
	wasUp := t.state == stateConnected
	t.dropLink()
	t.state = stateIdle
	t.logger.Debug("transport.tcp.closed", "error", err, "was_connected", wasUp)
	if wasUp {
		t.h.Disconnected(ctx)
	}
	t.failed(ctx)
}

func (t *TCP) failed(ctx context.Context) {
	delay, offline := t.policy.failed()
	if offline {
		t.logger.Warn("transport.tcp.offline", "failures", t.policy.failures)
		t.h.Offline(ctx)
	}
	if delay <= 0 {
		t.connect()
		return
	}
	t.state = stateIdle
	t.retry = t.r.After(delay, func(context.Context) {
		t.retry = nil
		t.connect()
	})
}

func (t *TCP) writeFailed(ctx context.Context, gen uint64, cmd *queue.Command, err error) {
	if t.state == stateTerminated {
		return
	}
	t.h.TransmitFailed(ctx, cmd, err)
}

func (t *TCP) dropLink() {
	if t.link != nil {
		t.link.close()
		t.link = nil
	}
}

// Transmit queues cmd's payload for writing.
func (t *TCP) Transmit(cmd *queue.Command) error {
	switch {
	case t.state == stateTerminated:
		return ErrTerminated
	case t.state != stateConnected || t.link == nil:
		return ErrNotConnected
	}
	return t.link.send(cmd)
}

// Disconnect closes the current connection; the reconnect policy applies.
func (t *TCP) Disconnect() {
	if t.link != nil {
		_ = t.link.conn.Close()
	}
}

// Terminate closes the connection and cancels pending reconnects. No write is
// attempted afterwards.
func (t *TCP) Terminate() {
	if t.state == stateTerminated {
		return
	}
	t.state = stateTerminated
	t.cancel()
	if t.retry != nil {
		t.retry.Cancel()
		t.retry = nil
	}
	t.dropLink()
}

// IsConnected reports whether the connection is up and ready.
func (t *TCP) IsConnected() bool { return t.state == stateConnected }
