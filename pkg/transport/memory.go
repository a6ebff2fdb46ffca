package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/aporia-zero/meshchat/pkg/types"
	ma "github.com/multiformats/go-multiaddr"
)

// MemoryNetwork is an in-process transport built on net.Pipe. Addresses use
// the ordinary /ip4/.../tcp/... text form and are matched as strings, so the
// layers above run unchanged without sockets.
type MemoryNetwork struct {
	mu        sync.Mutex
	listeners map[string]*memoryListener
	holes     map[string]*memoryHole
	nextPort  int
}

// NewMemoryNetwork creates an empty in-process network
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		listeners: make(map[string]*memoryListener),
		holes:     make(map[string]*memoryHole),
		nextPort:  40000,
	}
}

func (n *MemoryNetwork) CanDial(addr ma.Multiaddr) bool {
	_, err := resolveHostPort(addr)
	return err == nil
}

func (n *MemoryNetwork) Dial(ctx context.Context, addr ma.Multiaddr) (Conn, error) {
	if !n.CanDial(addr) {
		return nil, unsupported(addr)
	}

	key := addr.String()

	n.mu.Lock()
	l, listening := n.listeners[key]
	hole, blackholed := n.holes[key]
	local := n.allocLocked("/ip4/127.0.0.1/tcp/0")
	n.mu.Unlock()

	if blackholed {
		c, s := net.Pipe()
		hole.keep(s)
		return &maConn{Conn: c, laddr: local, raddr: addr}, nil
	}

	if !listening {
		return nil, types.NetworkError{
			Code:    types.ErrCodePeerConnection,
			Message: fmt.Sprintf("dial %s: connection refused", addr),
		}
	}

	c, s := net.Pipe()
	select {
	case l.incoming <- &maConn{Conn: s, laddr: addr, raddr: local}:
		return &maConn{Conn: c, laddr: local, raddr: addr}, nil
	case <-l.closed:
		c.Close()
		s.Close()
		return nil, types.NetworkError{
			Code:    types.ErrCodePeerConnection,
			Message: fmt.Sprintf("dial %s: connection refused", addr),
		}
	case <-ctx.Done():
		c.Close()
		s.Close()
		return nil, types.NetworkError{
			Code:    types.ErrCodeTimeout,
			Message: fmt.Sprintf("dial %s", addr),
			Err:     ctx.Err(),
		}
	}
}

func (n *MemoryNetwork) Listen(addr ma.Multiaddr) (Listener, error) {
	if !n.CanDial(addr) {
		return nil, unsupported(addr)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	bound := n.bindLocked(addr)
	key := bound.String()
	if _, exists := n.listeners[key]; exists {
		return nil, types.NetworkError{
			Code:    types.ErrCodePeerConnection,
			Message: fmt.Sprintf("listen %s: address in use", key),
		}
	}

	l := &memoryListener{
		net:      n,
		addr:     bound,
		incoming: make(chan Conn),
		closed:   make(chan struct{}),
	}
	n.listeners[key] = l
	return l, nil
}

// Blackhole registers an address that accepts connections and never answers
func (n *MemoryNetwork) Blackhole(addr ma.Multiaddr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.holes[addr.String()] = &memoryHole{}
}

func (n *MemoryNetwork) bindLocked(addr ma.Multiaddr) ma.Multiaddr {
	hp, _ := resolveHostPort(addr)
	if hp.port != "0" {
		return addr
	}
	n.nextPort++
	bound, err := withPort(addr, n.nextPort)
	if err != nil {
		return addr
	}
	return bound
}

func (n *MemoryNetwork) allocLocked(text string) ma.Multiaddr {
	return n.bindLocked(ma.StringCast(text))
}

func (n *MemoryNetwork) remove(l *memoryListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listeners[l.addr.String()] == l {
		delete(n.listeners, l.addr.String())
	}
}

type memoryListener struct {
	net      *MemoryNetwork
	addr     ma.Multiaddr
	incoming chan Conn

	closeOnce sync.Once
	closed    chan struct{}
}

func (l *memoryListener) Accept() (Conn, error) {
	select {
	case c := <-l.incoming:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *memoryListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.net.remove(l)
	})
	return nil
}

func (l *memoryListener) Multiaddr() ma.Multiaddr { return l.addr }

// memoryHole holds the far ends of black-holed pipes open
type memoryHole struct {
	mu    sync.Mutex
	conns []net.Conn
}

func (h *memoryHole) keep(c net.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns = append(h.conns, c)
}
