package transport

import (
	"context"
	"net"
	"time"

	"pkt.systems/pslog"

	"github.com/advancedcontrol/engine/internal/queue"
	"github.com/advancedcontrol/engine/internal/reactor"
)

const defaultInactivity = 10 * time.Second

// MakeBreak dials on demand for each burst of writes and closes the
// connection after a period of inactivity or when a command forces it. The
// device counts as connected from Start until a dial fails. Failures follow
// the persistent transport's policy: the link is reported disconnected,
// redialed in the background with backoff, and the queue goes offline after
// the second consecutive failure. A close initiated by the peer is reported
// as a disconnect followed by an immediate reconnect.
type MakeBreak struct {
	r      *reactor.Reactor
	h      Handler
	cfg    TCPConfig
	logger pslog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	gen        uint64
	link       *link
	up         bool
	connecting bool
	pending    []*queue.Command
	idle       *reactor.Timer
	retry      *reactor.Timer
	policy     *reconnectPolicy
	terminated bool
}

// NewMakeBreak builds a make-and-break transport bound to r.
func NewMakeBreak(r *reactor.Reactor, h Handler, cfg TCPConfig) *MakeBreak {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if cfg.Inactivity <= 0 {
		cfg.Inactivity = defaultInactivity
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MakeBreak{
		r:      r,
		h:      h,
		cfg:    cfg,
		logger: logger.With("sys", "transport.makebreak", "address", cfg.Address),
		ctx:    ctx,
		cancel: cancel,
		policy: newReconnectPolicy(cfg.Backoff),
	}
}

// Start signals the handler that commands may flow.
func (m *MakeBreak) Start(ctx context.Context) {
	if m.terminated || m.up {
		return
	}
	m.up = true
	m.h.Connected(ctx)
}

// Transmit writes cmd, dialing first when no connection is open.
func (m *MakeBreak) Transmit(cmd *queue.Command) error {
	switch {
	case m.terminated:
		return ErrTerminated
	case !m.up:
		return ErrNotConnected
	}
	if m.link != nil {
		m.touch()
		return m.link.send(cmd)
	}
	m.pending = append(m.pending, cmd)
	if !m.connecting {
		m.dial()
	}
	return nil
}

func (m *MakeBreak) dial() {
	if m.terminated {
		return
	}
	m.connecting = true
	m.gen++
	gen := m.gen
	go func() {
		conn, err := dial(m.ctx, m.cfg)
		ok := m.r.Schedule(func(ctx context.Context) { m.dialed(ctx, gen, conn, err) })
		if !ok && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (m *MakeBreak) dialed(ctx context.Context, gen uint64, conn net.Conn, err error) {
	if gen != m.gen || m.terminated {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	m.connecting = false
	pending := m.pending
	m.pending = nil

	if err != nil {
		m.logger.Debug("transport.makebreak.dial.failed", "error", err, "failures", m.policy.failures+1)
		for _, cmd := range pending {
			m.h.TransmitFailed(ctx, cmd, err)
		}
		m.failed(ctx)
		return
	}
	m.policy.succeeded()
	m.link = startLink(m.r, conn, gen, linkEvents{
		onRead:     m.read,
		onClose:    m.closed,
		onWriteErr: m.writeFailed,
	})
	m.touch()
	if !m.up {
		m.up = true
		m.logger.Info("transport.makebreak.reachable")
		m.h.Connected(ctx)
	}
	for _, cmd := range pending {
		if err := m.link.send(cmd); err != nil {
			m.h.TransmitFailed(ctx, cmd, err)
		}
	}
}

// failed applies the reconnect policy after a failed dial. While the device
// is unreachable the handler holds its queue and the redial runs here.
func (m *MakeBreak) failed(ctx context.Context) {
	delay, offline := m.policy.failed()
	if m.up {
		m.up = false
		m.h.Disconnected(ctx)
	}
	if offline {
		m.logger.Warn("transport.makebreak.offline", "failures", m.policy.failures)
		m.h.Offline(ctx)
	}
	if delay <= 0 {
		m.dial()
		return
	}
	m.retry = m.r.After(delay, func(context.Context) {
		m.retry = nil
		m.dial()
	})
}

func (m *MakeBreak) read(ctx context.Context, gen uint64, data []byte) {
	if gen != m.gen || m.terminated {
		return
	}
	m.touch()
	m.h.Received(ctx, data)
}

// closed handles a close the transport did not initiate. Closes from drop
// have already cleared the link.
func (m *MakeBreak) closed(ctx context.Context, gen uint64, err error) {
	if gen != m.gen || m.terminated || m.link == nil {
		return
	}
	m.drop()
	m.logger.Debug("transport.makebreak.closed", "error", err)
	if m.up {
		m.h.Disconnected(ctx)
		m.h.Connected(ctx)
	}
}

func (m *MakeBreak) writeFailed(ctx context.Context, _ uint64, cmd *queue.Command, err error) {
	if m.terminated {
		return
	}
	m.h.TransmitFailed(ctx, cmd, err)
}

// touch re-arms the inactivity timer.
func (m *MakeBreak) touch() {
	if m.idle != nil {
		m.idle.Cancel()
	}
	gen := m.gen
	m.idle = m.r.After(m.cfg.Inactivity, func(context.Context) {
		if gen == m.gen {
			m.logger.Debug("transport.makebreak.idle")
			m.drop()
		}
	})
}

func (m *MakeBreak) drop() {
	if m.idle != nil {
		m.idle.Cancel()
		m.idle = nil
	}
	if m.link != nil {
		m.link.close()
		m.link = nil
	}
}

// Disconnect closes the open connection; the next write dials again.
func (m *MakeBreak) Disconnect() {
	m.drop()
}

// Terminate closes everything and refuses further writes.
func (m *MakeBreak) Terminate() {
	if m.terminated {
		return
	}
	m.terminated = true
	m.up = false
	m.cancel()
	if m.retry != nil {
		m.retry.Cancel()
		m.retry = nil
	}
	m.pending = nil
	m.drop()
}

// Open reports whether a connection is currently held.
func (m *MakeBreak) Open() bool { return m.link != nil }
