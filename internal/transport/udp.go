package transport

import (
	"context"
	"errors"
	"net"
	"sync"

	"pkt.systems/pslog"

	"github.com/advancedcontrol/engine/internal/queue"
	"github.com/advancedcontrol/engine/internal/reactor"
)

// UDPSockets hands out one shared datagram socket per reactor.
type UDPSockets struct {
	mu      sync.Mutex
	sockets map[*reactor.Reactor]*UDPSocket
	logger  pslog.Logger
}

// NewUDPSockets builds an empty socket registry.
func NewUDPSockets(logger pslog.Logger) *UDPSockets {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &UDPSockets{
		sockets: make(map[*reactor.Reactor]*UDPSocket),
		logger:  logger.With("sys", "transport.udp"),
	}
}

// For returns r's socket, opening it on first use.
func (s *UDPSockets) For(r *reactor.Reactor) (*UDPSocket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sock, ok := s.sockets[r]; ok {
		return sock, nil
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}
	sock := &UDPSocket{r: r, conn: conn, routes: make(map[string]func(context.Context, []byte)), logger: s.logger}
	s.sockets[r] = sock
	go sock.readLoop()
	return sock, nil
}

// Close closes every socket.
func (s *UDPSockets) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for r, sock := range s.sockets {
		_ = sock.conn.Close()
		delete(s.sockets, r)
	}
}

// UDPSocket multiplexes many remote peers over one local socket. Routes are
// keyed by the peer's "ip:port" and only touched on the owning reactor.
type UDPSocket struct {
	r      *reactor.Reactor
	conn   *net.UDPConn
	routes map[string]func(ctx context.Context, data []byte)
	logger pslog.Logger
}

// LocalAddr returns the bound address.
func (s *UDPSocket) LocalAddr() *net.UDPAddr { return s.conn.LocalAddr().(*net.UDPAddr) }

func (s *UDPSocket) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("transport.udp.read.failed", "error", err)
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		key := addrKey(addr)
		s.r.Schedule(func(ctx context.Context) {
			if fn, ok := s.routes[key]; ok {
				fn(ctx, data)
				return
			}
			s.logger.Debug("transport.udp.unrouted", "from", key, "bytes", len(data))
		})
	}
}

// Attach routes datagrams from peer to fn.
func (s *UDPSocket) Attach(peer *net.UDPAddr, fn func(ctx context.Context, data []byte)) {
	s.routes[addrKey(peer)] = fn
}

// Detach removes peer's route.
func (s *UDPSocket) Detach(peer *net.UDPAddr) {
	delete(s.routes, addrKey(peer))
}

// Routes returns the number of attached peers.
func (s *UDPSocket) Routes() int { return len(s.routes) }

func addrKey(a *net.UDPAddr) string {
	ip := a.IP
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return (&net.UDPAddr{IP: ip, Port: a.Port}).String()
}

// UDP is one module's logical connection over a shared socket.
type UDP struct {
	sock       *UDPSocket
	h          Handler
	peer       *net.UDPAddr
	terminated bool
	started    bool
}

// NewUDP resolves address and attaches to sock.
func NewUDP(sock *UDPSocket, h Handler, address string) (*UDP, error) {
	peer, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	u := &UDP{sock: sock, h: h, peer: peer}
	sock.Attach(peer, func(ctx context.Context, data []byte) {
		if !u.terminated {
			u.h.Received(ctx, data)
		}
	})
	return u, nil
}

// Start signals Connected exactly once.
func (u *UDP) Start(ctx context.Context) {
	if u.started || u.terminated {
		return
	}
	u.started = true
	u.h.Connected(ctx)
}

// Transmit sends cmd as one datagram.
func (u *UDP) Transmit(cmd *queue.Command) error {
	if u.terminated {
		return ErrTerminated
	}
	_, err := u.sock.conn.WriteToUDP(cmd.Data, u.peer)
	return err
}

// Disconnect is a no-op; datagrams have no connection.
func (u *UDP) Disconnect() {}

// Terminate detaches from the shared socket.
func (u *UDP) Terminate() {
	if u.terminated {
		return
	}
	u.terminated = true
	u.sock.Detach(u.peer)
}
