package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aporia-zero/meshchat/pkg/types"
	"github.com/gorilla/websocket"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

var wsComponent = ma.StringCast("/ws")

// WebSocketTransport dials and listens on /<host>/<h>/tcp/<port>/ws.
// Browser nodes can only reach a native node this way.
type WebSocketTransport struct {
	dialer   websocket.Dialer
	upgrader websocket.Upgrader
}

// NewWebSocketTransport creates a WebSocket transport
func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{
		dialer: websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser peers connect from arbitrary origins
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (t *WebSocketTransport) CanDial(addr ma.Multiaddr) bool {
	hp, err := resolveHostPort(addr)
	return err == nil && hp.ws
}

func (t *WebSocketTransport) Dial(ctx context.Context, addr ma.Multiaddr) (Conn, error) {
	hp, err := resolveHostPort(addr)
	if err != nil {
		return nil, err
	}
	if !hp.ws {
		return nil, unsupported(addr)
	}

	ws, resp, err := t.dialer.DialContext(ctx, "ws://"+hp.String()+"/", nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, types.NetworkError{
			Code:    types.ErrCodePeerConnection,
			Message: "websocket dial " + addr.String(),
			Err:     err,
		}
	}

	return newWSConn(ws, addr), nil
}

func (t *WebSocketTransport) Listen(addr ma.Multiaddr) (Listener, error) {
	if !t.CanDial(addr) {
		return nil, unsupported(addr)
	}

	tcpAddr := addr.Decapsulate(wsComponent)
	nl, err := manet.Listen(tcpAddr)
	if err != nil {
		return nil, types.NetworkError{
			Code:    types.ErrCodePeerConnection,
			Message: "websocket listen " + addr.String(),
			Err:     err,
		}
	}

	l := &wsListener{
		addr:     nl.Multiaddr().Encapsulate(wsComponent),
		incoming: make(chan Conn),
		closed:   make(chan struct{}),
	}
	l.server = &http.Server{
		Handler:           http.HandlerFunc(l.serve(t.upgrader)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		err := l.server.Serve(manet.NetListener(nl))
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.closeWith(err)
		}
	}()

	return l, nil
}

type wsListener struct {
	addr     ma.Multiaddr
	server   *http.Server
	incoming chan Conn

	closeOnce sync.Once
	closed    chan struct{}
	err       error
}

func (l *wsListener) serve(upgrader websocket.Upgrader) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		c := newWSConn(ws, nil)
		select {
		case l.incoming <- c:
		case <-l.closed:
			c.Close()
		}
	}
}

func (l *wsListener) Accept() (Conn, error) {
	select {
	case c := <-l.incoming:
		return c, nil
	case <-l.closed:
		if l.err != nil {
			return nil, l.err
		}
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	l.closeWith(nil)
	return l.server.Close()
}

func (l *wsListener) closeWith(err error) {
	l.closeOnce.Do(func() {
		l.err = err
		close(l.closed)
	})
}

func (l *wsListener) Multiaddr() ma.Multiaddr { return l.addr }

// wsConn adapts a message-oriented websocket to a byte stream. Every write is
// one binary message; reads drain messages in order.
type wsConn struct {
	ws    *websocket.Conn
	laddr ma.Multiaddr
	raddr ma.Multiaddr

	readMu sync.Mutex
	reader io.Reader

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSConn(ws *websocket.Conn, dialed ma.Multiaddr) *wsConn {
	c := &wsConn{ws: ws}
	if m := multiaddrOf(ws.LocalAddr(), nil); m != nil {
		c.laddr = m.Encapsulate(wsComponent)
	}
	if dialed != nil {
		c.raddr = dialed
	} else if m := multiaddrOf(ws.RemoteAddr(), nil); m != nil {
		c.raddr = m.Encapsulate(wsComponent)
	}
	return c
}

func (c *wsConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.reader == nil {
			mt, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(b)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *wsConn) LocalAddr() net.Addr           { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr          { return c.ws.RemoteAddr() }
func (c *wsConn) LocalMultiaddr() ma.Multiaddr  { return c.laddr }
func (c *wsConn) RemoteMultiaddr() ma.Multiaddr { return c.raddr }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
