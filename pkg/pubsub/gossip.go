package pubsub

import (
	"crypto/sha256"
	"encoding/base64"
	"math/rand"
	"time"

	"github.com/aporia-zero/meshchat/pkg/identity"
	"github.com/aporia-zero/meshchat/pkg/types"
	mapset "github.com/deckarep/golang-set/v2"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
)

// TopicHash identifies a gossip topic by the hash of its name. It never
// collides with a FloodTopic of the same name.
type TopicHash string

// NewSha256Topic hashes a topic name
func NewSha256Topic(name string) TopicHash {
	sum := sha256.Sum256([]byte(name))
	return TopicHash(base64.StdEncoding.EncodeToString(sum[:]))
}

// Maximum IWANT requests answered per message and peer
const maxIWantServes = 3

// GossipConfig controls the gossip router
type GossipConfig struct {
	HeartbeatInterval time.Duration
	Validation        ValidationMode
	Authenticity      Authenticity

	// mesh degree and watermarks
	D     int
	Dlo   int
	Dhi   int
	Dlazy int

	HistoryLength int
	HistoryGossip int

	SeenTTL        time.Duration
	SeenSize       int
	MaxMessageSize int

	// shared with other routers publishing under the same identity
	Seqnos *SeqnoSource
}

// DefaultGossipConfig returns the defaults used by the node
func DefaultGossipConfig() GossipConfig {
	return GossipConfigFrom(types.DefaultConfig().PubSub, types.DefaultConfig().Network.MaxMessageSize)
}

// GossipConfigFrom converts the pubsub configuration section
func GossipConfigFrom(ps types.PubSubConfig, maxMessageSize int) GossipConfig {
	validation, _ := ParseValidationMode(ps.ValidationMode)
	auth := Unsigned
	if ps.SignMessages {
		auth = Signed
	}
	return GossipConfig{
		HeartbeatInterval: ps.HeartbeatInterval,
		Validation:        validation,
		Authenticity:      auth,
		D:                 ps.D,
		Dlo:               ps.Dlo,
		Dhi:               ps.Dhi,
		Dlazy:             ps.Dlazy,
		HistoryLength:     ps.HistoryLength,
		HistoryGossip:     ps.HistoryGossip,
		SeenTTL:           ps.SeenTTL,
		SeenSize:          ps.SeenSize,
		MaxMessageSize:    maxMessageSize,
	}
}

// HeartbeatStats summarises one maintenance round
type HeartbeatStats struct {
	Grafted   int
	Pruned    int
	IHaveSent int
}

// GossipSub pushes full messages eagerly along a bounded mesh per topic and
// advertises message ids lazily to the rest of the topic's peers.
// Explicit peers always receive full messages.
//
// Not safe for concurrent use; the event loop owns it.
type GossipSub struct {
	routerBase
	cfg GossipConfig

	peers    mapset.Set[peer.ID]
	topics   map[TopicHash]mapset.Set[peer.ID]
	mesh     map[TopicHash]mapset.Set[peer.ID]
	explicit mapset.Set[peer.ID]
	mySubs   mapset.Set[TopicHash]

	mcache *MessageCache
	rng    *rand.Rand
}

// NewGossipSub creates a gossip router
func NewGossipSub(id *identity.Identity, send Sender, cfg GossipConfig, logger *zap.Logger) *GossipSub {
	return &GossipSub{
		routerBase: newRouterBase(id, GossipSubID, send, cfg.Authenticity, cfg.Seqnos,
			cfg.SeenSize, cfg.SeenTTL, cfg.MaxMessageSize, logger.Named("gossip")),
		cfg:      cfg,
		peers:    mapset.NewThreadUnsafeSet[peer.ID](),
		topics:   make(map[TopicHash]mapset.Set[peer.ID]),
		mesh:     make(map[TopicHash]mapset.Set[peer.ID]),
		explicit: mapset.NewThreadUnsafeSet[peer.ID](),
		mySubs:   mapset.NewThreadUnsafeSet[TopicHash](),
		mcache:   NewMessageCache(cfg.HistoryGossip, cfg.HistoryLength),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// AddPeer registers a connected peer and sends it our subscriptions
func (gs *GossipSub) AddPeer(p peer.ID) {
	if !gs.peers.Add(p) {
		return
	}
	if gs.mySubs.Cardinality() > 0 {
		topics := make([]string, 0, gs.mySubs.Cardinality())
		for _, t := range gs.mySubs.ToSlice() {
			topics = append(topics, string(t))
		}
		gs.sendRPC(p, subscriptionRPC(true, topics...))
	}
}

// AddExplicitPeer forces p into eager dissemination for every topic
func (gs *GossipSub) AddExplicitPeer(p peer.ID) {
	gs.explicit.Add(p)
}

// RemovePeer drops p from every mesh, peer set and the explicit set
func (gs *GossipSub) RemovePeer(p peer.ID) {
	gs.peers.Remove(p)
	gs.explicit.Remove(p)
	for t, subs := range gs.topics {
		subs.Remove(p)
		if subs.Cardinality() == 0 {
			delete(gs.topics, t)
		}
	}
	for _, m := range gs.mesh {
		m.Remove(p)
	}
}

// Subscribe joins topic and builds its mesh from known subscribers
func (gs *GossipSub) Subscribe(topic TopicHash) {
	if !gs.mySubs.Add(topic) {
		return
	}

	mesh := mapset.NewThreadUnsafeSet[peer.ID]()
	gs.mesh[topic] = mesh
	for _, p := range gs.pick(gs.topicPeers(topic), gs.cfg.D) {
		mesh.Add(p)
	}

	t := string(topic)
	for _, p := range gs.peers.ToSlice() {
		rpc := subscriptionRPC(true, t)
		if mesh.Contains(p) {
			rpc.Control = &pb.ControlMessage{
				Graft: []*pb.ControlGraft{{TopicID: &t}},
			}
		}
		gs.sendRPC(p, rpc)
	}
}

// Unsubscribe leaves topic and prunes its mesh
func (gs *GossipSub) Unsubscribe(topic TopicHash) {
	if !gs.mySubs.Contains(topic) {
		return
	}
	gs.mySubs.Remove(topic)

	mesh := gs.mesh[topic]
	delete(gs.mesh, topic)

	t := string(topic)
	for _, p := range gs.peers.ToSlice() {
		rpc := subscriptionRPC(false, t)
		if mesh != nil && mesh.Contains(p) {
			rpc.Control = &pb.ControlMessage{
				Prune: []*pb.ControlPrune{{TopicID: &t}},
			}
		}
		gs.sendRPC(p, rpc)
	}
}

// Publish originates a message and pushes it to the eager targets
func (gs *GossipSub) Publish(topic TopicHash, data []byte) (*Message, error) {
	msg, err := gs.newMessage(string(topic), data)
	if err != nil {
		return nil, err
	}
	gs.mcache.Put(msg)

	var targets mapset.Set[peer.ID]
	if gs.mySubs.Contains(topic) {
		targets = gs.mesh[topic].Union(gs.explicit)
	} else {
		// not joined: push to a bounded sample of subscribers
		targets = mapset.NewThreadUnsafeSet(gs.pick(gs.topicPeers(topic), gs.cfg.D)...).Union(gs.explicit)
	}

	rpc := &pb.RPC{Publish: []*pb.Message{msg.Message}}
	for _, p := range sortedPeers(targets) {
		gs.sendRPC(p, rpc)
		gs.mcache.Observe(msg.ID, p)
	}
	return msg, nil
}

// HandleRPC processes one RPC from p and returns new messages for the
// local application
func (gs *GossipSub) HandleRPC(from peer.ID, rpc *pb.RPC) []Delivery {
	if !gs.peers.Contains(from) {
		return nil
	}

	for _, sub := range rpc.GetSubscriptions() {
		gs.handleSubscription(from, TopicHash(sub.GetTopicid()), sub.GetSubscribe())
	}

	var out []Delivery
	for _, m := range rpc.GetPublish() {
		if d, ok := gs.handleMessage(from, m); ok {
			out = append(out, d)
		}
	}

	if ctl := rpc.GetControl(); ctl != nil {
		resp := &pb.RPC{Control: &pb.ControlMessage{}}
		gs.handleIHave(from, ctl.GetIhave(), resp)
		gs.handleIWant(from, ctl.GetIwant(), resp)
		gs.handleGraft(from, ctl.GetGraft(), resp)
		gs.handlePrune(from, ctl.GetPrune())

		c := resp.Control
		if len(resp.Publish) > 0 || len(c.Iwant) > 0 || len(c.Prune) > 0 {
			if len(c.Iwant) == 0 && len(c.Prune) == 0 {
				resp.Control = nil
			}
			gs.sendRPC(from, resp)
		}
	}
	return out
}

func (gs *GossipSub) handleSubscription(from peer.ID, t TopicHash, subscribe bool) {
	if subscribe {
		subs, ok := gs.topics[t]
		if !ok {
			subs = mapset.NewThreadUnsafeSet[peer.ID]()
			gs.topics[t] = subs
		}
		subs.Add(from)
		return
	}

	if subs, ok := gs.topics[t]; ok {
		subs.Remove(from)
	}
	if mesh, ok := gs.mesh[t]; ok {
		mesh.Remove(from)
	}
}

func (gs *GossipSub) handleMessage(from peer.ID, m *pb.Message) (Delivery, bool) {
	t := TopicHash(m.GetTopic())
	if !gs.mySubs.Contains(t) {
		return Delivery{}, false
	}
	if gs.maxSize > 0 && len(m.Data) > gs.maxSize {
		gs.logger.Debug("Dropping oversized message", zap.String("peer", from.String()))
		return Delivery{}, false
	}

	id := MsgID(m)
	if gs.seen.Has(id) {
		gs.mcache.Observe(id, from)
		return Delivery{}, false
	}

	if err := verifyMessage(m); err != nil {
		if gs.cfg.Validation == Strict {
			gs.logger.Debug("Rejected message",
				zap.String("peer", from.String()),
				zap.String("id", id),
				zap.Error(err))
			return Delivery{}, false
		}
	}

	msg := &Message{Message: m, ID: id, ReceivedFrom: from}
	gs.seen.Add(id)
	gs.mcache.Put(msg)
	gs.mcache.Observe(id, from)

	source := msg.Source()
	targets := gs.mesh[t].Union(gs.explicit)
	targets.Remove(from)
	targets.Remove(source)
	if targets.Cardinality() > 0 {
		rpc := &pb.RPC{Publish: []*pb.Message{m}}
		for _, p := range sortedPeers(targets) {
			gs.sendRPC(p, rpc)
			gs.mcache.Observe(id, p)
		}
	}

	return Delivery{Router: RouterGossip, Topic: string(t), Msg: msg}, true
}

func (gs *GossipSub) handleIHave(from peer.ID, ihaves []*pb.ControlIHave, resp *pb.RPC) {
	var want []string
	for _, ih := range ihaves {
		if !gs.mySubs.Contains(TopicHash(ih.GetTopicID())) {
			continue
		}
		for _, id := range ih.GetMessageIDs() {
			if !gs.seen.Has(id) {
				want = append(want, id)
			}
		}
	}
	if len(want) > 0 {
		resp.Control.Iwant = append(resp.Control.Iwant, &pb.ControlIWant{MessageIDs: want})
	}
}

func (gs *GossipSub) handleIWant(from peer.ID, iwants []*pb.ControlIWant, resp *pb.RPC) {
	for _, iw := range iwants {
		for _, id := range iw.GetMessageIDs() {
			msg, count, ok := gs.mcache.GetForPeer(id, from)
			if !ok || count > maxIWantServes {
				continue
			}
			resp.Publish = append(resp.Publish, msg.Message)
			gs.mcache.Observe(id, from)
		}
	}
}

func (gs *GossipSub) handleGraft(from peer.ID, grafts []*pb.ControlGraft, resp *pb.RPC) {
	for _, g := range grafts {
		t := TopicHash(g.GetTopicID())
		mesh, joined := gs.mesh[t]
		if !joined {
			topic := string(t)
			resp.Control.Prune = append(resp.Control.Prune, &pb.ControlPrune{TopicID: &topic})
			continue
		}
		mesh.Add(from)
	}
}

func (gs *GossipSub) handlePrune(from peer.ID, prunes []*pb.ControlPrune) {
	for _, pr := range prunes {
		if mesh, ok := gs.mesh[TopicHash(pr.GetTopicID())]; ok {
			mesh.Remove(from)
		}
	}
}

// Heartbeat keeps every joined mesh between Dlo and Dhi, advertises
// recent ids to up to Dlazy non-mesh peers and ages the message cache.
func (gs *GossipSub) Heartbeat() HeartbeatStats {
	var stats HeartbeatStats
	grafts := make(map[peer.ID][]string)
	prunes := make(map[peer.ID][]string)
	ihaves := make(map[peer.ID][]*pb.ControlIHave)

	for _, topic := range gs.mySubs.ToSlice() {
		t := string(topic)
		mesh := gs.mesh[topic]
		subscribed := gs.topicPeers(topic)

		// peers that left the topic without telling us
		for _, p := range mesh.ToSlice() {
			if !subscribed.Contains(p) {
				mesh.Remove(p)
			}
		}

		if n := mesh.Cardinality(); n < gs.cfg.Dlo {
			for _, p := range gs.pick(subscribed.Difference(mesh), gs.cfg.D-n) {
				mesh.Add(p)
				grafts[p] = append(grafts[p], t)
				stats.Grafted++
			}
		}

		if n := mesh.Cardinality(); n > gs.cfg.Dhi {
			for _, p := range gs.pick(mesh, n-gs.cfg.D) {
				mesh.Remove(p)
				prunes[p] = append(prunes[p], t)
				stats.Pruned++
			}
		}

		ids := gs.mcache.GetGossipIDs(t)
		if len(ids) == 0 {
			continue
		}
		lazy := subscribed.Difference(mesh).Difference(gs.explicit)
		for _, p := range gs.pick(lazy, gs.cfg.Dlazy) {
			var missing []string
			for _, id := range ids {
				if !gs.mcache.HasObserved(id, p) {
					missing = append(missing, id)
				}
			}
			if len(missing) == 0 {
				continue
			}
			topic := t
			ihaves[p] = append(ihaves[p], &pb.ControlIHave{TopicID: &topic, MessageIDs: missing})
			stats.IHaveSent++
		}
	}

	targets := mapset.NewThreadUnsafeSet[peer.ID]()
	for p := range grafts {
		targets.Add(p)
	}
	for p := range prunes {
		targets.Add(p)
	}
	for p := range ihaves {
		targets.Add(p)
	}
	for _, p := range sortedPeers(targets) {
		ctl := &pb.ControlMessage{Ihave: ihaves[p]}
		for _, t := range grafts[p] {
			t := t
			ctl.Graft = append(ctl.Graft, &pb.ControlGraft{TopicID: &t})
		}
		for _, t := range prunes[p] {
			t := t
			ctl.Prune = append(ctl.Prune, &pb.ControlPrune{TopicID: &t})
		}
		gs.sendRPC(p, &pb.RPC{Control: ctl})
	}

	gs.mcache.Shift()

	if stats != (HeartbeatStats{}) {
		gs.logger.Debug("Heartbeat",
			zap.Int("grafted", stats.Grafted),
			zap.Int("pruned", stats.Pruned),
			zap.Int("ihave", stats.IHaveSent))
	}
	return stats
}

// Introspection, used by the API and tests

// Topics lists joined topics
func (gs *GossipSub) Topics() []TopicHash {
	return gs.mySubs.ToSlice()
}

// MeshPeers returns the mesh of topic
func (gs *GossipSub) MeshPeers(topic TopicHash) []peer.ID {
	mesh, ok := gs.mesh[topic]
	if !ok {
		return nil
	}
	return sortedPeers(mesh)
}

// TopicPeers returns the connected peers subscribed to topic
func (gs *GossipSub) TopicPeers(topic TopicHash) []peer.ID {
	return sortedPeers(gs.topicPeers(topic))
}

// ExplicitPeers returns the explicit set
func (gs *GossipSub) ExplicitPeers() []peer.ID {
	return sortedPeers(gs.explicit)
}

// CacheLen reports the number of messages held for IWANT
func (gs *GossipSub) CacheLen() int {
	return gs.mcache.Len()
}

func (gs *GossipSub) topicPeers(topic TopicHash) mapset.Set[peer.ID] {
	subs, ok := gs.topics[topic]
	if !ok {
		return mapset.NewThreadUnsafeSet[peer.ID]()
	}
	return subs.Intersect(gs.peers)
}

// pick returns up to n members of s in random order
func (gs *GossipSub) pick(s mapset.Set[peer.ID], n int) []peer.ID {
	if n <= 0 {
		return nil
	}
	all := sortedPeers(s)
	gs.rng.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	if len(all) > n {
		all = all[:n]
	}
	return all
}
