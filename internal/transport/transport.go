// Package transport owns the network connections of device and service
// modules. Dialing, reading and writing happen on helper goroutines; every
// event they produce is posted back onto the module's reactor, so connection
// state and the Handler callbacks are reactor-confined.
package transport

import (
	"context"
	"errors"
	"net"

	"github.com/advancedcontrol/engine/internal/queue"
	"github.com/advancedcontrol/engine/internal/reactor"
)

var (
	// ErrTerminated is returned by Transmit after Terminate.
	ErrTerminated = errors.New("transport terminated")
	// ErrNotConnected is returned by Transmit while no connection is up.
	ErrNotConnected = errors.New("transport not connected")
	// ErrBackpressure is returned when the write buffer is full.
	ErrBackpressure = errors.New("transport write buffer full")
)

// Handler receives connection events. Every call happens on the owning
// reactor.
type Handler interface {
	Connected(ctx context.Context)
	Disconnected(ctx context.Context)
	// Offline is signalled after repeated consecutive connection failures.
	Offline(ctx context.Context)
	// Received carries raw bytes; the handler routes them through its
	// processor.
	Received(ctx context.Context, data []byte)
	// TransmitFailed reports an asynchronous write error for cmd.
	TransmitFailed(ctx context.Context, cmd *queue.Command, err error)
}

// Transport is what a module manager drives.
type Transport interface {
	Start(ctx context.Context)
	Transmit(cmd *queue.Command) error
	Disconnect()
	Terminate()
}

const (
	readBufferSize  = 4096
	writeBufferSize = 64
)

type writeReq struct {
	cmd  *queue.Command
	data []byte
}

// link pumps one net.Conn. The reader and writer goroutines post back onto r
// tagged with gen so events from a replaced connection are discarded.
type link struct {
	conn   net.Conn
	gen    uint64
	writes chan writeReq
	closed bool
}

type linkEvents struct {
	onRead     func(ctx context.Context, gen uint64, data []byte)
	onClose    func(ctx context.Context, gen uint64, err error)
	onWriteErr func(ctx context.Context, gen uint64, cmd *queue.Command, err error)
}

func startLink(r *reactor.Reactor, conn net.Conn, gen uint64, ev linkEvents) *link {
	l := &link{conn: conn, gen: gen, writes: make(chan writeReq, writeBufferSize)}
	go l.readLoop(r, ev)
	go l.writeLoop(r, ev)
	return l
}

func (l *link) readLoop(r *reactor.Reactor, ev linkEvents) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := l.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			r.Schedule(func(ctx context.Context) { ev.onRead(ctx, l.gen, data) })
		}
		if err != nil {
			r.Schedule(func(ctx context.Context) { ev.onClose(ctx, l.gen, err) })
			return
		}
	}
}

func (l *link) writeLoop(r *reactor.Reactor, ev linkEvents) {
	for req := range l.writes {
		if _, err := l.conn.Write(req.data); err != nil {
			// report the failed write before the reader observes the close
			r.Schedule(func(ctx context.Context) { ev.onWriteErr(ctx, l.gen, req.cmd, err) })
			_ = l.conn.Close()
			for rest := range l.writes {
				r.Schedule(func(ctx context.Context) { ev.onWriteErr(ctx, l.gen, rest.cmd, err) })
			}
			return
		}
	}
}

// send queues a write. Must be called on the reactor.
func (l *link) send(cmd *queue.Command) error {
	if l.closed {
		return ErrNotConnected
	}
	select {
	case l.writes <- writeReq{cmd: cmd, data: cmd.Data}:
		return nil
	default:
		return ErrBackpressure
	}
}

// close shuts the connection. Must be called on the reactor.
func (l *link) close() {
	if l.closed {
		return
	}
	l.closed = true
	close(l.writes)
	_ = l.conn.Close()
}
