package p2p

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aporia-zero/meshchat/pkg/types"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	mss "github.com/multiformats/go-multistream"
	"go.uber.org/zap"
)

const streamOpenTimeout = 10 * time.Second

// ErrConnClosed is returned when sending on a closed connection
var ErrConnClosed = types.NetworkError{
	Code:    types.ErrCodePeerConnection,
	Message: "connection closed",
}

// ConnInfo is an immutable description of an established connection
type ConnInfo struct {
	ID         uint64
	Peer       peer.ID
	LocalAddr  ma.Multiaddr
	RemoteAddr ma.Multiaddr
	Direction  Direction
	Opened     time.Time
}

// Conn is an established, authenticated and multiplexed connection.
// Frames for each protocol travel on one long-lived outbound stream fed by
// a bounded queue, so Send never blocks the caller.
type Conn struct {
	info      ConnInfo
	remoteKey crypto.PubKey
	muxed     network.MuxedConn
	swarm     *Swarm

	mu      sync.Mutex
	writers map[protocol.ID]*streamWriter
	closed  bool

	closeOnce sync.Once
	done      chan struct{}

	logger *zap.Logger
}

func newConn(s *Swarm, id uint64, remote peer.ID, remoteKey crypto.PubKey,
	laddr, raddr ma.Multiaddr, dir Direction, muxed network.MuxedConn) *Conn {
	return &Conn{
		info: ConnInfo{
			ID:         id,
			Peer:       remote,
			LocalAddr:  laddr,
			RemoteAddr: raddr,
			Direction:  dir,
			Opened:     time.Now(),
		},
		remoteKey: remoteKey,
		muxed:     muxed,
		swarm:     s,
		writers:   make(map[protocol.ID]*streamWriter),
		done:      make(chan struct{}),
		logger: s.logger.With(
			zap.String("peer", remote.String()),
			zap.Uint64("conn", id)),
	}
}

// ID returns the swarm-unique connection number
func (c *Conn) ID() uint64 { return c.info.ID }

// RemotePeer returns the authenticated identity of the other side
func (c *Conn) RemotePeer() peer.ID { return c.info.Peer }

// RemotePublicKey returns the key proven during the handshake
func (c *Conn) RemotePublicKey() crypto.PubKey { return c.remoteKey }

func (c *Conn) LocalMultiaddr() ma.Multiaddr  { return c.info.LocalAddr }
func (c *Conn) RemoteMultiaddr() ma.Multiaddr { return c.info.RemoteAddr }
func (c *Conn) Direction() Direction          { return c.info.Direction }
func (c *Conn) Info() ConnInfo                { return c.info }

// Done is closed once the connection starts shutting down
func (c *Conn) Done() <-chan struct{} { return c.done }

// OpenStream opens a new stream and selects proto on it
func (c *Conn) OpenStream(ctx context.Context, proto protocol.ID) (network.MuxedStream, error) {
	s, err := c.muxed.OpenStream(ctx)
	if err != nil {
		return nil, types.NetworkError{
			Code:    types.ErrCodePeerConnection,
			Message: "opening stream",
			Err:     err,
		}
	}

	if dl, ok := ctx.Deadline(); ok {
		s.SetDeadline(dl)
	}
	if err := mss.SelectProtoOrFail(proto, s); err != nil {
		s.Reset()
		return nil, types.NetworkError{
			Code:    types.ErrCodeProtocolVersion,
			Message: "selecting " + string(proto),
			Err:     err,
		}
	}
	s.SetDeadline(time.Time{})
	return s, nil
}

// Send queues one frame on the protocol's outbound stream
func (c *Conn) Send(proto protocol.ID, data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	w, ok := c.writers[proto]
	if !ok {
		w = &streamWriter{
			conn:  c,
			proto: proto,
			queue: make(chan []byte, c.swarm.cfg.QueueSize),
		}
		c.writers[proto] = w
		go w.run()
	}
	c.mu.Unlock()

	select {
	case w.queue <- data:
		return nil
	default:
		return types.NetworkError{
			Code:    types.ErrCodeQueueFull,
			Message: "outbound queue full for " + string(proto),
		}
	}
}

// Close shuts the connection down. Disconnected is emitted by the stream
// acceptor once the session has ended.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		close(c.done)
		err = c.muxed.Close()
	})
	return err
}

// IsClosed reports whether Close was called or the session ended
func (c *Conn) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return c.muxed.IsClosed()
	}
}

// acceptStreams serves inbound streams until the session ends. It is the
// only place Disconnected is emitted.
func (c *Conn) acceptStreams() {
	for {
		s, err := c.muxed.AcceptStream()
		if err != nil {
			var cause error
			select {
			case <-c.done:
			default:
				cause = err
			}
			c.Close()
			c.swarm.Emit(&Disconnected{Conn: c, Err: cause})
			return
		}
		go c.swarm.handleStream(c, s)
	}
}

// streamWriter owns one outbound stream and drains its queue in order
type streamWriter struct {
	conn  *Conn
	proto protocol.ID
	queue chan []byte
}

func (w *streamWriter) run() {
	var s network.MuxedStream
	defer func() {
		if s != nil {
			s.Close()
		}
	}()

	proto, _ := w.conn.swarm.protocols.GetProtocol(w.proto)

	for {
		select {
		case <-w.conn.done:
			return
		case data := <-w.queue:
			if s == nil {
				ctx, cancel := context.WithTimeout(context.Background(), streamOpenTimeout)
				opened, err := w.conn.OpenStream(ctx, w.proto)
				cancel()
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						w.conn.logger.Debug("Failed to open stream, dropping frame",
							zap.String("protocol", string(w.proto)),
							zap.Error(err))
					}
					continue
				}
				s = opened
			}

			err := writeFrame(s, data)
			if proto != nil {
				proto.Metrics.updateMetrics(false, uint64(len(data)), err)
			}
			if err != nil {
				w.conn.logger.Debug("Failed to write frame",
					zap.String("protocol", string(w.proto)),
					zap.Error(err))
				s.Reset()
				s = nil
			}
		}
	}
}
