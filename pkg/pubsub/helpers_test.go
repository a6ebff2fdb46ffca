package pubsub

import (
	"testing"
	"time"

	"github.com/aporia-zero/meshchat/pkg/identity"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type router interface {
	AddPeer(p peer.ID)
	RemovePeer(p peer.ID)
	HandleRPC(from peer.ID, rpc *pb.RPC) []Delivery
}

type envelope struct {
	from, to peer.ID
	proto    protocol.ID
	data     []byte
}

// testNet moves RPCs between routers through the real encoding, one at a
// time, so handlers never re-enter each other
type testNet struct {
	t          *testing.T
	routers    map[peer.ID]router
	queue      []envelope
	sent       map[peer.ID][]envelope
	deliveries map[peer.ID][]Delivery
}

func newTestNet(t *testing.T) *testNet {
	return &testNet{
		t:          t,
		routers:    make(map[peer.ID]router),
		sent:       make(map[peer.ID][]envelope),
		deliveries: make(map[peer.ID][]Delivery),
	}
}

type netSender struct {
	net  *testNet
	from peer.ID
}

func (s netSender) SendRPC(p peer.ID, proto protocol.ID, rpc *pb.RPC) error {
	data, err := EncodeRPC(rpc)
	require.NoError(s.net.t, err)
	e := envelope{from: s.from, to: p, proto: proto, data: data}
	s.net.queue = append(s.net.queue, e)
	s.net.sent[p] = append(s.net.sent[p], e)
	return nil
}

func (n *testNet) sender(id peer.ID) Sender {
	return netSender{net: n, from: id}
}

func (n *testNet) addFlood(cfg FloodConfig) (*FloodSub, *identity.Identity) {
	id := identity.Generate()
	fs := NewFloodSub(id, n.sender(id.ID), cfg, zaptest.NewLogger(n.t))
	n.routers[id.ID] = fs
	return fs, id
}

func (n *testNet) addGossip(cfg GossipConfig) (*GossipSub, *identity.Identity) {
	id := identity.Generate()
	gs := NewGossipSub(id, n.sender(id.ID), cfg, zaptest.NewLogger(n.t))
	n.routers[id.ID] = gs
	return gs, id
}

func (n *testNet) connect(a, b peer.ID) {
	n.routers[a].AddPeer(b)
	n.routers[b].AddPeer(a)
	n.run()
}

func (n *testNet) disconnect(a, b peer.ID) {
	n.routers[a].RemovePeer(b)
	n.routers[b].RemovePeer(a)
}

// run delivers queued RPCs until the network is quiet
func (n *testNet) run() {
	for steps := 0; len(n.queue) > 0; steps++ {
		require.Less(n.t, steps, 10000, "rpc storm")

		e := n.queue[0]
		n.queue = n.queue[1:]

		r, ok := n.routers[e.to]
		if !ok {
			continue
		}
		rpc, err := DecodeRPC(e.data)
		require.NoError(n.t, err)
		n.deliveries[e.to] = append(n.deliveries[e.to], r.HandleRPC(e.from, rpc)...)
	}
}

// inject hands rpc to the router at `to` as if it came from `from`
func (n *testNet) inject(from, to peer.ID, rpc *pb.RPC) []Delivery {
	d := n.routers[to].HandleRPC(from, rpc)
	n.deliveries[to] = append(n.deliveries[to], d...)
	return d
}

func (n *testNet) countSent(to peer.ID, pred func(*pb.RPC) bool) int {
	count := 0
	for _, e := range n.sent[to] {
		rpc, err := DecodeRPC(e.data)
		require.NoError(n.t, err)
		if pred(rpc) {
			count++
		}
	}
	return count
}

func hasPublish(rpc *pb.RPC) bool { return len(rpc.GetPublish()) > 0 }

func hasIHave(rpc *pb.RPC) bool { return len(rpc.GetControl().GetIhave()) > 0 }

func testFloodConfig() FloodConfig {
	return FloodConfig{
		Authenticity:   Signed,
		SeenTTL:        time.Minute,
		SeenSize:       1024,
		MaxMessageSize: 1024,
	}
}

func testGossipConfig() GossipConfig {
	cfg := DefaultGossipConfig()
	cfg.MaxMessageSize = 1024
	return cfg
}
