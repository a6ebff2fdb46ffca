// Package transport provides the raw byte-stream capability the secure
// channel runs over: plain TCP, WebSocket and an in-process network for tests.
package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/aporia-zero/meshchat/pkg/types"
	ma "github.com/multiformats/go-multiaddr"
)

// Conn is a raw, unauthenticated byte stream annotated with multiaddrs
type Conn interface {
	net.Conn
	LocalMultiaddr() ma.Multiaddr
	RemoteMultiaddr() ma.Multiaddr
}

// Listener accepts raw inbound connections
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Multiaddr() ma.Multiaddr
}

// Transport dials and listens on one family of addresses
type Transport interface {
	CanDial(addr ma.Multiaddr) bool
	Dial(ctx context.Context, addr ma.Multiaddr) (Conn, error)
	Listen(addr ma.Multiaddr) (Listener, error)
}

type maConn struct {
	net.Conn
	laddr ma.Multiaddr
	raddr ma.Multiaddr
}

func (c *maConn) LocalMultiaddr() ma.Multiaddr  { return c.laddr }
func (c *maConn) RemoteMultiaddr() ma.Multiaddr { return c.raddr }

// Multi routes each address to the first transport that can handle it
type Multi []Transport

// NewDefault returns the transports a native node listens and dials with
func NewDefault() Multi {
	return Multi{NewWebSocketTransport(), NewTCPTransport()}
}

func (m Multi) CanDial(addr ma.Multiaddr) bool {
	return m.pick(addr) != nil
}

func (m Multi) Dial(ctx context.Context, addr ma.Multiaddr) (Conn, error) {
	t := m.pick(addr)
	if t == nil {
		return nil, unsupported(addr)
	}
	return t.Dial(ctx, addr)
}

func (m Multi) Listen(addr ma.Multiaddr) (Listener, error) {
	t := m.pick(addr)
	if t == nil {
		return nil, unsupported(addr)
	}
	return t.Listen(addr)
}

func (m Multi) pick(addr ma.Multiaddr) Transport {
	for _, t := range m {
		if t.CanDial(addr) {
			return t
		}
	}
	return nil
}

func unsupported(addr ma.Multiaddr) error {
	return types.NetworkError{
		Code:    types.ErrCodeUnsupportedAddress,
		Message: fmt.Sprintf("no transport can route %s", addr),
	}
}
