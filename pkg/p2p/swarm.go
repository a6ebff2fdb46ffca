package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aporia-zero/meshchat/pkg/identity"
	"github.com/aporia-zero/meshchat/pkg/transport"
	"github.com/aporia-zero/meshchat/pkg/types"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/sec"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// ErrDialSelf is returned when asked to dial the local peer id
var ErrDialSelf = types.NetworkError{
	Code:    types.ErrCodePeerConnection,
	Message: "refusing to dial self",
}

// ErrNoConnection is returned when sending to a peer with no connection
var ErrNoConnection = types.NetworkError{
	Code:    types.ErrCodePeerConnection,
	Message: "peer not connected",
}

// Config controls the swarm
type Config struct {
	DialTimeout    time.Duration
	QueueSize      int
	MaxMessageSize int
	EventBuffer    int
}

// ConfigFrom derives a swarm config from the network section
func ConfigFrom(nc types.NetworkConfig) Config {
	return Config{
		DialTimeout:    nc.DialTimeout,
		QueueSize:      nc.OutboundQueueSize,
		MaxMessageSize: nc.MaxMessageSize,
		EventBuffer:    1024,
	}
}

// PeerChange is the effect of an event on the set of connected peers
type PeerChange int

const (
	PeerUnchanged PeerChange = iota
	// first connection to the peer was established
	PeerJoined
	// last connection to the peer went away
	PeerLeft
)

type dialRecord struct {
	fsm  *connFSM
	addr ma.Multiaddr
	dir  Direction
}

// Swarm owns listeners and connections. Background goroutines only emit
// events; the table of attempts and connections is mutated by HandleEvent,
// Dial and ClosePeer, which must all be called from the single goroutine
// draining Events.
type Swarm struct {
	id        *identity.Identity
	cfg       Config
	transport transport.Transport
	upgrader  *Upgrader
	protocols *ProtocolManager

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc

	nextDial atomic.Uint64
	nextConn atomic.Uint64

	// event-loop owned
	dials map[DialID]*dialRecord
	conns map[peer.ID][]*Conn

	snapshot atomic.Pointer[[]ConnInfo]

	listenMu    sync.Mutex
	listeners   []transport.Listener
	listenAddrs []ma.Multiaddr

	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewSwarm creates a swarm for the given identity
func NewSwarm(id *identity.Identity, tpt transport.Transport, cfg Config, logger *zap.Logger) (*Swarm, error) {
	up, err := NewUpgrader(id)
	if err != nil {
		return nil, err
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1024
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 1 << 20
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Swarm{
		id:        id,
		cfg:       cfg,
		transport: tpt,
		upgrader:  up,
		protocols: NewProtocolManager(logger),
		events:    make(chan Event, cfg.EventBuffer),
		ctx:       ctx,
		cancel:    cancel,
		dials:     make(map[DialID]*dialRecord),
		conns:     make(map[peer.ID][]*Conn),
		logger:    logger,
	}
	empty := []ConnInfo{}
	s.snapshot.Store(&empty)
	return s, nil
}

// LocalPeer returns the local peer id
func (s *Swarm) LocalPeer() peer.ID { return s.id.ID }

// Protocols exposes the protocol registry
func (s *Swarm) Protocols() *ProtocolManager { return s.protocols }

// Events is the single channel all swarm and protocol events arrive on
func (s *Swarm) Events() <-chan Event { return s.events }

// Emit posts an event for the event loop. It gives up once the swarm is
// closed. The event loop itself must never call Emit.
func (s *Swarm) Emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// SetStreamHandler registers a handler that owns each inbound stream
func (s *Swarm) SetStreamHandler(proto protocol.ID, h StreamHandler) error {
	return s.protocols.RegisterProtocol(proto, h)
}

// SetFrameHandler registers proto as a framed protocol. Every frame read
// from an inbound stream is emitted as a StreamMessage.
func (s *Swarm) SetFrameHandler(proto protocol.ID) error {
	return s.protocols.RegisterProtocol(proto, s.frameReader(proto))
}

// Listen binds a listener and starts accepting inbound connections
func (s *Swarm) Listen(text string) (ma.Multiaddr, error) {
	addr, err := transport.ParseAddress(text)
	if err != nil {
		return nil, err
	}

	l, err := s.transport.Listen(addr)
	if err != nil {
		return nil, err
	}

	s.listenMu.Lock()
	s.listeners = append(s.listeners, l)
	s.listenAddrs = append(s.listenAddrs, l.Multiaddr())
	s.listenMu.Unlock()

	s.logger.Info("Listening", zap.String("addr", l.Multiaddr().String()))

	s.wg.Add(1)
	go s.acceptLoop(l)
	return l.Multiaddr(), nil
}

// ListenAddresses returns every bound listen address
func (s *Swarm) ListenAddresses() []ma.Multiaddr {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	return append([]ma.Multiaddr(nil), s.listenAddrs...)
}

// Dial parses text and starts an outbound attempt. Malformed or
// unroutable addresses fail synchronously; everything else is reported
// through events. A zero DialID with a nil error means the peer named in
// the address is already connected.
func (s *Swarm) Dial(text string) (DialID, error) {
	addr, err := transport.ParseAddress(text)
	if err != nil {
		return 0, err
	}
	return s.DialAddr(addr)
}

// DialAddr is Dial for an already parsed address
func (s *Swarm) DialAddr(addr ma.Multiaddr) (DialID, error) {
	tptAddr, expected := transport.SplitPeer(addr)
	if tptAddr == nil {
		return 0, types.NetworkError{
			Code:    types.ErrCodeUnsupportedAddress,
			Message: fmt.Sprintf("no transport in %s", addr),
		}
	}
	if expected == s.id.ID {
		return 0, ErrDialSelf
	}
	if expected != "" && len(s.conns[expected]) > 0 {
		s.logger.Debug("Already connected, skipping dial",
			zap.String("peer", expected.String()))
		return 0, nil
	}
	if !s.transport.CanDial(tptAddr) {
		return 0, types.NetworkError{
			Code:    types.ErrCodeUnsupportedAddress,
			Message: fmt.Sprintf("no transport can dial %s", tptAddr),
		}
	}

	id := DialID(s.nextDial.Add(1))
	s.dials[id] = &dialRecord{
		fsm:  newFSM(StateDialing),
		addr: addr,
		dir:  DirOutbound,
	}

	s.logger.Info("Dialing", zap.Uint64("dial", uint64(id)), zap.String("addr", addr.String()))

	s.wg.Add(1)
	go s.dialPipeline(id, tptAddr, expected)
	return id, nil
}

// HandleEvent folds a swarm event into the connection table. Events the
// swarm does not own are ignored.
func (s *Swarm) HandleEvent(ev Event) PeerChange {
	switch e := ev.(type) {
	case *IncomingConnection:
		s.dials[e.Dial] = &dialRecord{
			fsm:  newFSM(StateNegotiating),
			addr: e.RemoteAddr,
			dir:  DirInbound,
		}

	case *StateChanged:
		s.advance(e.Dial, e.To)

	case *DialFailed:
		if st, ok := s.attemptState(e.Dial); ok {
			s.logger.Debug("Attempt closed",
				zap.Uint64("dial", uint64(e.Dial)),
				zap.Stringer("failed_in", st))
		}
		s.advance(e.Dial, StateClosed)
		delete(s.dials, e.Dial)

	case *Connected:
		s.advance(e.Dial, StateEstablished)
		delete(s.dials, e.Dial)

		p := e.Conn.RemotePeer()
		s.conns[p] = append(s.conns[p], e.Conn)
		s.publish()

		if len(s.conns[p]) == 1 {
			return PeerJoined
		}

	case *Disconnected:
		p := e.Conn.RemotePeer()
		list := s.conns[p]
		for i, c := range list {
			if c == e.Conn {
				list = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(list) == len(s.conns[p]) {
			// never registered
			return PeerUnchanged
		}

		if len(list) == 0 {
			delete(s.conns, p)
			s.publish()
			return PeerLeft
		}
		s.conns[p] = list
		s.publish()
	}
	return PeerUnchanged
}

func (s *Swarm) advance(id DialID, to ConnState) {
	rec, ok := s.dials[id]
	if !ok {
		s.logger.Warn("State change for unknown attempt",
			zap.Uint64("dial", uint64(id)),
			zap.Stringer("to", to))
		return
	}
	if err := rec.fsm.Transition(to); err != nil {
		s.logger.Error("Invalid connection state transition",
			zap.Uint64("dial", uint64(id)),
			zap.Error(err))
	}
}

// attemptState reports the state of an in-flight attempt
func (s *Swarm) attemptState(id DialID) (ConnState, bool) {
	rec, ok := s.dials[id]
	if !ok {
		return StateClosed, false
	}
	return rec.fsm.State(), true
}

// ConnsToPeer returns the live connections to p, oldest first
func (s *Swarm) ConnsToPeer(p peer.ID) []*Conn {
	return append([]*Conn(nil), s.conns[p]...)
}

// Peers returns every connected peer
func (s *Swarm) Peers() []peer.ID {
	out := make([]peer.ID, 0, len(s.conns))
	for p := range s.conns {
		out = append(out, p)
	}
	return out
}

// Connectedness reports whether at least one connection to p exists
func (s *Swarm) Connectedness(p peer.ID) bool {
	return len(s.conns[p]) > 0
}

// SendTo queues a frame on the first connection to p that accepts it
func (s *Swarm) SendTo(p peer.ID, proto protocol.ID, data []byte) error {
	conns := s.conns[p]
	if len(conns) == 0 {
		return ErrNoConnection
	}

	var err error
	for _, c := range conns {
		if err = c.Send(proto, data); err == nil {
			return nil
		}
	}
	return err
}

// ClosePeer closes every connection to p. Disconnected events follow.
func (s *Swarm) ClosePeer(p peer.ID) error {
	conns := s.conns[p]
	if len(conns) == 0 {
		return ErrNoConnection
	}
	for _, c := range conns {
		c.Close()
	}
	return nil
}

// Connections returns a snapshot safe to read from any goroutine
func (s *Swarm) Connections() []ConnInfo {
	return *s.snapshot.Load()
}

func (s *Swarm) publish() {
	infos := make([]ConnInfo, 0, len(s.conns))
	for _, list := range s.conns {
		for _, c := range list {
			infos = append(infos, c.Info())
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	s.snapshot.Store(&infos)
}

// Close stops listeners and closes all connections. Call it after the
// event loop has stopped.
func (s *Swarm) Close() error {
	s.cancel()

	s.listenMu.Lock()
	for _, l := range s.listeners {
		l.Close()
	}
	s.listeners = nil
	s.listenMu.Unlock()

	for _, list := range s.conns {
		for _, c := range list {
			c.Close()
		}
	}

	s.wg.Wait()
	return nil
}

// Background work

func (s *Swarm) dialPipeline(id DialID, addr ma.Multiaddr, expected peer.ID) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
	defer cancel()

	raw, err := s.transport.Dial(ctx, addr)
	if err != nil {
		s.fail(id, addr, DirOutbound, err)
		return
	}

	s.Emit(&StateChanged{Dial: id, To: StateNegotiating})
	s.upgrade(ctx, id, raw, DirOutbound, expected)
}

func (s *Swarm) acceptLoop(l transport.Listener) {
	defer s.wg.Done()

	s.Emit(&ListenAddr{Addr: l.Multiaddr()})

	for {
		raw, err := l.Accept()
		if err != nil {
			if s.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Error("Accept failed",
					zap.String("addr", l.Multiaddr().String()),
					zap.Error(err))
			}
			return
		}

		id := DialID(s.nextDial.Add(1))
		if !s.Emit(&IncomingConnection{
			Dial:       id,
			LocalAddr:  raw.LocalMultiaddr(),
			RemoteAddr: raw.RemoteMultiaddr(),
		}) {
			raw.Close()
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
			defer cancel()
			s.upgrade(ctx, id, raw, DirInbound, "")
		}()
	}
}

func (s *Swarm) upgrade(ctx context.Context, id DialID, raw transport.Conn, dir Direction, expected peer.ID) {
	sc, mc, err := s.upgrader.Upgrade(ctx, raw, dir, expected, func(sec.SecureConn) {
		s.Emit(&StateChanged{Dial: id, To: StateMultiplexing})
	})
	if err != nil {
		s.fail(id, raw.RemoteMultiaddr(), dir, err)
		return
	}

	conn := newConn(s, s.nextConn.Add(1), sc.RemotePeer(), sc.RemotePublicKey(),
		raw.LocalMultiaddr(), raw.RemoteMultiaddr(), dir, mc)

	if !s.Emit(&Connected{Dial: id, Conn: conn}) {
		mc.Close()
		return
	}

	conn.logger.Info("Connection established",
		zap.Stringer("direction", dir),
		zap.String("remote", raw.RemoteMultiaddr().String()))

	// Connections still queued for the loop at shutdown are not in the
	// table, so they close themselves.
	stop := context.AfterFunc(s.ctx, func() { conn.Close() })
	defer stop()

	conn.acceptStreams()
}

func (s *Swarm) fail(id DialID, addr ma.Multiaddr, dir Direction, err error) {
	s.logger.Warn("Connection attempt failed",
		zap.Uint64("dial", uint64(id)),
		zap.Stringer("direction", dir),
		zap.String("addr", addr.String()),
		zap.Error(err))
	s.Emit(&DialFailed{Dial: id, Addr: addr, Dir: dir, Err: err})
}

func (s *Swarm) handleStream(c *Conn, st network.MuxedStream) {
	st.SetDeadline(time.Now().Add(streamOpenTimeout))
	p, err := s.protocols.negotiate(st)
	if err != nil {
		c.logger.Debug("Rejected inbound stream", zap.Error(err))
		st.Reset()
		return
	}
	st.SetDeadline(time.Time{})
	p.Handler(c, st)
}

// frameReader is the handler behind SetFrameHandler
func (s *Swarm) frameReader(proto protocol.ID) StreamHandler {
	return func(c *Conn, st network.MuxedStream) {
		s.readFrames(c, proto, st)
	}
}

func (s *Swarm) readFrames(c *Conn, proto protocol.ID, st network.MuxedStream) {
	defer st.Close()

	p, _ := s.protocols.GetProtocol(proto)

	for {
		data, err := readFrame(st, s.cfg.MaxMessageSize)
		if err != nil {
			if types.IsCode(err, types.ErrCodeMessageFormat) {
				c.logger.Warn("Dropping stream after bad frame",
					zap.String("protocol", string(proto)),
					zap.Error(err))
				if p != nil {
					p.Metrics.updateMetrics(true, 0, err)
				}
				st.Reset()
			}
			return
		}
		if p != nil {
			p.Metrics.updateMetrics(true, uint64(len(data)), nil)
		}
		if !s.Emit(&StreamMessage{Conn: c, Protocol: proto, Data: data}) {
			return
		}
	}
}
