// Package node runs the event loop that ties the swarm, both pub/sub
// routers and the liveness pinger together. Everything that touches
// connection or topic state happens on the goroutine executing Run.
package node

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aporia-zero/meshchat/pkg/identity"
	"github.com/aporia-zero/meshchat/pkg/metrics"
	"github.com/aporia-zero/meshchat/pkg/p2p"
	"github.com/aporia-zero/meshchat/pkg/ping"
	"github.com/aporia-zero/meshchat/pkg/pubsub"
	"github.com/aporia-zero/meshchat/pkg/transport"
	"github.com/aporia-zero/meshchat/pkg/types"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// Version is reported in NodeInfo
const Version = "0.1.0"

// Bytes of every frame kept for the RPC envelope around a payload
const envelopeReserve = 1024

var (
	// ErrNotRunning is returned by queries once the loop has stopped
	ErrNotRunning = errors.New("node is not running")

	// ErrAlreadyRunning is returned by a second call to Run
	ErrAlreadyRunning = errors.New("node is already running")
)

type query struct {
	fn   func()
	done chan struct{}
}

// Node is one chat participant
type Node struct {
	cfg *types.Config
	id  *identity.Identity

	swarm  *p2p.Swarm
	flood  *pubsub.FloodSub
	gossip *pubsub.GossipSub
	pinger *ping.Pinger

	floodTopic  pubsub.FloodTopic
	gossipTopic pubsub.TopicHash

	queries chan query
	running atomic.Bool
	stopped chan struct{}

	subMu   sync.Mutex
	subs    map[uint64]chan types.Event
	nextSub uint64

	metrics *metrics.Recorder
	logger  *zap.Logger
}

// New wires a node around an identity and a transport. Nothing touches
// the network until Run.
func New(cfg *types.Config, id *identity.Identity, tpt transport.Transport,
	logger *zap.Logger, rec *metrics.Recorder) (*Node, error) {
	if cfg == nil {
		cfg = types.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("local", id.ID.ShortString()))

	swarm, err := p2p.NewSwarm(id, tpt, p2p.ConfigFrom(cfg.Network), logger.Named("swarm"))
	if err != nil {
		return nil, fmt.Errorf("creating swarm: %w", err)
	}

	n := &Node{
		cfg:         cfg,
		id:          id,
		swarm:       swarm,
		floodTopic:  pubsub.FloodTopic(cfg.PubSub.FloodTopic),
		gossipTopic: pubsub.NewSha256Topic(cfg.PubSub.GossipTopic),
		queries:     make(chan query),
		stopped:     make(chan struct{}),
		subs:        make(map[uint64]chan types.Event),
		metrics:     rec,
		logger:      logger,
	}

	send := &rpcSender{swarm: swarm, maxSize: cfg.Network.MaxMessageSize}
	limit := PayloadLimit(cfg)

	gcfg := pubsub.GossipConfigFrom(cfg.PubSub, limit)
	gcfg.Seqnos = pubsub.NewSeqnoSource()
	n.gossip = pubsub.NewGossipSub(id, send, gcfg, logger)
	n.flood = pubsub.NewFloodSub(id, send, pubsub.FloodConfig{
		Authenticity:   gcfg.Authenticity,
		SeenTTL:        cfg.PubSub.SeenTTL,
		SeenSize:       cfg.PubSub.SeenSize,
		MaxMessageSize: limit,
		Seqnos:         gcfg.Seqnos,
	}, logger)
	n.pinger = ping.NewPinger(ping.ConfigFrom(cfg.Ping), swarm.Emit, logger)

	for _, proto := range []protocol.ID{pubsub.FloodSubID, pubsub.GossipSubID} {
		if err := swarm.SetFrameHandler(proto); err != nil {
			return nil, err
		}
	}
	if err := swarm.SetStreamHandler(ping.ID, n.pinger.HandleStream); err != nil {
		return nil, err
	}

	n.flood.Subscribe(n.floodTopic)
	n.gossip.Subscribe(n.gossipTopic)
	return n, nil
}

// PayloadLimit is the largest chat payload that fits in one frame
func PayloadLimit(cfg *types.Config) int {
	limit := cfg.Network.MaxMessageSize - envelopeReserve
	if limit < 0 {
		return 0
	}
	return limit
}

// ID returns the local peer id
func (n *Node) ID() peer.ID { return n.id.ID }

// Run listens on the configured addresses, dials the configured peers and
// then services swarm events, dial requests, message requests, the gossip
// heartbeat and queries until ctx is done. Closing either request channel
// only stops that source.
func (n *Node) Run(ctx context.Context, dials <-chan string, messages <-chan string) error {
	if !n.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(n.stopped)
	defer n.swarm.Close()

	for _, addr := range n.cfg.Network.ListenAddresses {
		if _, err := n.swarm.Listen(addr); err != nil {
			return fmt.Errorf("listening on %s: %w", addr, err)
		}
	}
	for _, addr := range n.cfg.Network.DialPeers {
		n.dial(addr)
	}

	heartbeat := time.NewTicker(n.cfg.PubSub.HeartbeatInterval)
	defer heartbeat.Stop()

	n.logger.Info("Node started", zap.String("peer", n.id.ID.String()))

	for {
		select {
		case <-ctx.Done():
			n.logger.Info("Node stopping")
			return nil

		case ev := <-n.swarm.Events():
			n.handleEvent(ctx, ev)

		case text, ok := <-dials:
			if !ok {
				dials = nil
				continue
			}
			n.dial(text)

		case text, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			n.publish(text)

		case <-heartbeat.C:
			n.heartbeat()

		case q := <-n.queries:
			q.fn()
			close(q.done)
		}
	}
}

func (n *Node) handleEvent(ctx context.Context, ev p2p.Event) {
	change := n.swarm.HandleEvent(ev)

	switch e := ev.(type) {
	case *p2p.ListenAddr:
		n.notify(types.Event{
			Kind:    types.EventListenAddr,
			PeerID:  n.id.ID.String(),
			Address: n.fullAddr(e.Addr),
		})

	case *p2p.Connected:
		n.metrics.ObserveConnected(e.Conn.Direction().String())
		n.pinger.Track(ctx, e.Conn)
		if change == p2p.PeerJoined {
			n.peerJoined(e.Conn)
		}

	case *p2p.Disconnected:
		n.metrics.ObserveDisconnected()
		n.pinger.Forget(e.Conn)
		if change == p2p.PeerLeft {
			n.peerLeft(e.Conn, e.Err)
		}

	case *p2p.DialFailed:
		n.metrics.ObserveDialFailure(e.Dir.String())
		n.notify(types.Event{
			Kind:    types.EventDialFailed,
			Address: e.Addr.String(),
			Error:   e.Err.Error(),
		})

	case *p2p.StreamMessage:
		n.handleRPC(e)

	case *ping.Result:
		n.metrics.ObservePing(e.RTT, e.Err)
		if n.pinger.Handle(e) {
			n.metrics.ObservePingClose()
			e.Conn.Close()
		}
	}
}

// peerJoined makes p visible to both routers before the next event runs
func (n *Node) peerJoined(c *p2p.Conn) {
	p := c.RemotePeer()
	n.flood.AddPeer(p)
	n.gossip.AddPeer(p)
	n.gossip.AddExplicitPeer(p)
	n.metrics.SetPeers(len(n.swarm.Peers()))

	n.logger.Info("Peer connected",
		zap.String("peer", p.String()),
		zap.String("addr", c.RemoteMultiaddr().String()))
	n.notify(types.Event{
		Kind:    types.EventPeerConnected,
		PeerID:  p.String(),
		Address: c.RemoteMultiaddr().String(),
	})
}

// peerLeft removes p from every view before the next event runs
func (n *Node) peerLeft(c *p2p.Conn, cause error) {
	p := c.RemotePeer()
	n.flood.RemovePeer(p)
	n.gossip.RemovePeer(p)
	n.metrics.SetPeers(len(n.swarm.Peers()))

	ev := types.Event{
		Kind:    types.EventPeerDisconnected,
		PeerID:  p.String(),
		Address: c.RemoteMultiaddr().String(),
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	n.logger.Info("Peer disconnected", zap.String("peer", p.String()), zap.Error(cause))
	n.notify(ev)
}

func (n *Node) handleRPC(e *p2p.StreamMessage) {
	rpc, err := pubsub.DecodeRPC(e.Data)
	if err != nil {
		n.logger.Debug("Dropping undecodable frame",
			zap.String("peer", e.Conn.RemotePeer().String()),
			zap.String("protocol", string(e.Protocol)),
			zap.Error(err))
		n.metrics.ObserveRPCError(string(e.Protocol))
		return
	}

	from := e.Conn.RemotePeer()
	var deliveries []pubsub.Delivery
	switch e.Protocol {
	case pubsub.FloodSubID:
		deliveries = n.flood.HandleRPC(from, rpc)
	case pubsub.GossipSubID:
		deliveries = n.gossip.HandleRPC(from, rpc)
	}

	for _, d := range deliveries {
		n.deliver(d)
	}
}

func (n *Node) deliver(d pubsub.Delivery) {
	n.metrics.ObserveDelivered(d.Router)

	text := strings.ToValidUTF8(string(d.Msg.Payload()), "�")
	n.logger.Debug("Message delivered",
		zap.String("router", d.Router),
		zap.String("peer", d.Msg.Source().String()),
		zap.String("msg_id", d.Msg.ID))
	n.notify(types.Event{
		Kind:      types.EventMessage,
		PeerID:    d.Msg.Source().String(),
		Router:    d.Router,
		Topic:     n.topicName(d),
		MessageID: d.Msg.ID,
		Text:      text,
	})
}

func (n *Node) topicName(d pubsub.Delivery) string {
	if d.Router == pubsub.RouterGossip && pubsub.TopicHash(d.Topic) == n.gossipTopic {
		return n.cfg.PubSub.GossipTopic
	}
	return d.Topic
}

func (n *Node) dial(text string) {
	id, err := n.swarm.Dial(text)
	if err != nil {
		if types.IsCode(err, types.ErrCodeUnsupportedAddress) {
			n.logger.Error("Cannot route address", zap.String("addr", text), zap.Error(err))
		} else {
			n.logger.Warn("Rejected dial request", zap.String("addr", text), zap.Error(err))
		}
		n.metrics.ObserveDialFailure(p2p.DirOutbound.String())
		n.notify(types.Event{
			Kind:    types.EventDialFailed,
			Address: text,
			Error:   err.Error(),
		})
		return
	}
	if id == 0 {
		n.logger.Info("Already connected", zap.String("addr", text))
	}
}

func (n *Node) publish(text string) {
	data := []byte(text)

	if _, err := n.flood.Publish(n.floodTopic, data); err != nil {
		n.logger.Warn("Flood publish failed", zap.Error(err))
	} else {
		n.metrics.ObservePublished(pubsub.RouterFlood)
	}

	if _, err := n.gossip.Publish(n.gossipTopic, data); err != nil {
		n.logger.Warn("Gossip publish failed", zap.Error(err))
	} else {
		n.metrics.ObservePublished(pubsub.RouterGossip)
	}
}

func (n *Node) heartbeat() {
	stats := n.gossip.Heartbeat()
	mesh := len(n.gossip.MeshPeers(n.gossipTopic))
	peers := len(n.gossip.TopicPeers(n.gossipTopic))
	n.metrics.ObserveHeartbeat(n.cfg.PubSub.GossipTopic, mesh, peers)

	n.logger.Debug("Heartbeat",
		zap.Int("mesh", mesh),
		zap.Int("topic_peers", peers),
		zap.Int("grafted", stats.Grafted),
		zap.Int("pruned", stats.Pruned),
		zap.Int("ihave", stats.IHaveSent))
}

// do runs fn on the loop goroutine and waits for it
func (n *Node) do(ctx context.Context, fn func()) error {
	q := query{fn: fn, done: make(chan struct{})}
	select {
	case n.queries <- q:
	case <-n.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GossipState returns the mesh, peer set and explicit peers of the gossip
// topic
func (n *Node) GossipState(ctx context.Context) (types.GossipState, error) {
	var st types.GossipState
	err := n.do(ctx, func() {
		st = types.GossipState{
			Topic:    n.cfg.PubSub.GossipTopic,
			Mesh:     peerStrings(n.gossip.MeshPeers(n.gossipTopic)),
			Peers:    peerStrings(n.gossip.TopicPeers(n.gossipTopic)),
			Explicit: peerStrings(n.gossip.ExplicitPeers()),
		}
	})
	return st, err
}

// FloodPeers returns the partial view of the flood topic
func (n *Node) FloodPeers(ctx context.Context) ([]string, error) {
	var out []string
	err := n.do(ctx, func() {
		out = peerStrings(n.flood.PartialView(n.floodTopic))
	})
	return out, err
}

// ClosePeer closes every connection to the peer with the given id
func (n *Node) ClosePeer(ctx context.Context, id string) error {
	p, err := decodePeer(id)
	if err != nil {
		return err
	}

	var closeErr error
	if err := n.do(ctx, func() { closeErr = n.swarm.ClosePeer(p) }); err != nil {
		return err
	}
	return closeErr
}

// Ping measures one round trip over the oldest connection to the peer with
// the given id. The exchange runs on the caller's goroutine.
func (n *Node) Ping(ctx context.Context, id string) (time.Duration, error) {
	p, err := decodePeer(id)
	if err != nil {
		return 0, err
	}

	var conn *p2p.Conn
	if err := n.do(ctx, func() {
		if conns := n.swarm.ConnsToPeer(p); len(conns) > 0 {
			conn = conns[0]
		}
	}); err != nil {
		return 0, err
	}
	if conn == nil {
		return 0, p2p.ErrNoConnection
	}

	rtt, err := ping.Ping(ctx, conn, n.cfg.Ping.Timeout)
	n.metrics.ObservePing(rtt, err)
	return rtt, err
}

func decodePeer(id string) (peer.ID, error) {
	p, err := peer.Decode(id)
	if err != nil {
		return "", types.NetworkError{
			Code:    types.ErrCodeValidation,
			Message: fmt.Sprintf("invalid peer id %q", id),
			Err:     err,
		}
	}
	return p, nil
}

// Peers lists established connections. Safe from any goroutine.
func (n *Node) Peers() []types.Peer {
	conns := n.swarm.Connections()
	out := make([]types.Peer, 0, len(conns))
	for _, c := range conns {
		out = append(out, types.Peer{
			ID:            c.Peer.String(),
			LocalAddress:  c.LocalAddr.String(),
			RemoteAddress: c.RemoteAddr.String(),
			Direction:     c.Direction.String(),
			Opened:        c.Opened,
		})
	}
	return out
}

// Info describes the local node. Safe from any goroutine.
func (n *Node) Info() types.NodeInfo {
	seen := make(map[peer.ID]struct{})
	for _, c := range n.swarm.Connections() {
		seen[c.Peer] = struct{}{}
	}

	addrs := make([]string, 0)
	for _, a := range n.swarm.ListenAddresses() {
		addrs = append(addrs, n.fullAddr(a))
	}

	protos := make([]string, 0)
	for _, id := range n.swarm.Protocols().Protocols() {
		protos = append(protos, string(id))
	}
	sort.Strings(protos)

	return types.NodeInfo{
		ID:          n.id.ID.String(),
		Addresses:   addrs,
		PeerCount:   len(seen),
		FloodTopic:  n.cfg.PubSub.FloodTopic,
		GossipTopic: n.cfg.PubSub.GossipTopic,
		Protocols:   protos,
		Version:     Version,
	}
}

// Protocols reports per-protocol stream statistics
func (n *Node) Protocols() map[string]map[string]interface{} {
	return n.swarm.Protocols().Stats()
}

// fullAddr appends the local peer id so the address can be dialed as is
func (n *Node) fullAddr(addr ma.Multiaddr) string {
	full, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: n.id.ID, Addrs: []ma.Multiaddr{addr}})
	if err != nil || len(full) == 0 {
		return addr.String()
	}
	return full[0].String()
}

func peerStrings(ps []peer.ID) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.String())
	}
	sort.Strings(out)
	return out
}

// rpcSender frames RPCs onto the swarm's per-protocol outbound queues
type rpcSender struct {
	swarm   *p2p.Swarm
	maxSize int
}

func (s *rpcSender) SendRPC(p peer.ID, proto protocol.ID, rpc *pb.RPC) error {
	data, err := pubsub.EncodeRPC(rpc)
	if err != nil {
		return err
	}
	if len(data) > s.maxSize {
		return types.NetworkError{
			Code:    types.ErrCodeValidation,
			Message: fmt.Sprintf("rpc of %d bytes exceeds frame limit of %d", len(data), s.maxSize),
		}
	}
	return s.swarm.SendTo(p, proto, data)
}
