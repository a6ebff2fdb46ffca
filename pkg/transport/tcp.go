package transport

import (
	"context"
	"net"

	"github.com/aporia-zero/meshchat/pkg/types"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// TCPTransport dials and listens on /<host>/<h>/tcp/<port>
type TCPTransport struct {
	dialer net.Dialer
}

// NewTCPTransport creates a TCP transport
func NewTCPTransport() *TCPTransport {
	return &TCPTransport{}
}

func (t *TCPTransport) CanDial(addr ma.Multiaddr) bool {
	hp, err := resolveHostPort(addr)
	return err == nil && !hp.ws
}

func (t *TCPTransport) Dial(ctx context.Context, addr ma.Multiaddr) (Conn, error) {
	hp, err := resolveHostPort(addr)
	if err != nil {
		return nil, err
	}

	c, err := t.dialer.DialContext(ctx, hp.network, hp.String())
	if err != nil {
		return nil, types.NetworkError{
			Code:    types.ErrCodePeerConnection,
			Message: "tcp dial " + addr.String(),
			Err:     err,
		}
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	return &maConn{
		Conn:  c,
		laddr: multiaddrOf(c.LocalAddr(), nil),
		raddr: multiaddrOf(c.RemoteAddr(), addr),
	}, nil
}

func (t *TCPTransport) Listen(addr ma.Multiaddr) (Listener, error) {
	if !t.CanDial(addr) {
		return nil, unsupported(addr)
	}

	l, err := manet.Listen(addr)
	if err != nil {
		return nil, types.NetworkError{
			Code:    types.ErrCodePeerConnection,
			Message: "tcp listen " + addr.String(),
			Err:     err,
		}
	}
	return &tcpListener{l: l}, nil
}

type tcpListener struct {
	l manet.Listener
}

func (l *tcpListener) Accept() (Conn, error) {
	c, err := l.l.Accept()
	if err != nil {
		return nil, err
	}
	return &maConn{Conn: c, laddr: c.LocalMultiaddr(), raddr: c.RemoteMultiaddr()}, nil
}

func (l *tcpListener) Close() error            { return l.l.Close() }
func (l *tcpListener) Multiaddr() ma.Multiaddr { return l.l.Multiaddr() }

// multiaddrOf converts a socket address, falling back when it has no
// multiaddr form
func multiaddrOf(a net.Addr, fallback ma.Multiaddr) ma.Multiaddr {
	m, err := manet.FromNetAddr(a)
	if err != nil {
		return fallback
	}
	return m
}
