package pubsub

import (
	"sort"
	"time"

	"github.com/aporia-zero/meshchat/pkg/identity"
	mapset "github.com/deckarep/golang-set/v2"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
)

// FloodTopic names a flood topic. It is used on the wire as is.
type FloodTopic string

// FloodConfig controls the flood router
type FloodConfig struct {
	Authenticity   Authenticity
	SeenTTL        time.Duration
	SeenSize       int
	MaxMessageSize int

	// shared with other routers publishing under the same identity
	Seqnos *SeqnoSource
}

// FloodSub sends every published message straight to the connected peers
// that announced the topic. Received messages are delivered locally and
// never forwarded, so a message travels exactly one hop from its publisher.
//
// Not safe for concurrent use; the event loop owns it.
type FloodSub struct {
	routerBase

	peers  mapset.Set[peer.ID]
	topics map[FloodTopic]mapset.Set[peer.ID]
	mySubs mapset.Set[FloodTopic]
}

// NewFloodSub creates a flood router
func NewFloodSub(id *identity.Identity, send Sender, cfg FloodConfig, logger *zap.Logger) *FloodSub {
	return &FloodSub{
		routerBase: newRouterBase(id, FloodSubID, send, cfg.Authenticity, cfg.Seqnos,
			cfg.SeenSize, cfg.SeenTTL, cfg.MaxMessageSize, logger.Named("flood")),
		peers:  mapset.NewThreadUnsafeSet[peer.ID](),
		topics: make(map[FloodTopic]mapset.Set[peer.ID]),
		mySubs: mapset.NewThreadUnsafeSet[FloodTopic](),
	}
}

// AddPeer makes p a target and tells it what we subscribe to
func (fs *FloodSub) AddPeer(p peer.ID) {
	if !fs.peers.Add(p) {
		return
	}
	if fs.mySubs.Cardinality() > 0 {
		fs.sendRPC(p, subscriptionRPC(true, fs.subscribedTopics()...))
	}
}

// RemovePeer forgets p everywhere
func (fs *FloodSub) RemovePeer(p peer.ID) {
	fs.peers.Remove(p)
	for t, subs := range fs.topics {
		subs.Remove(p)
		if subs.Cardinality() == 0 {
			delete(fs.topics, t)
		}
	}
}

// Subscribe starts accepting messages for topic
func (fs *FloodSub) Subscribe(topic FloodTopic) {
	if !fs.mySubs.Add(topic) {
		return
	}
	fs.announce(true, topic)
}

// Unsubscribe stops accepting messages for topic
func (fs *FloodSub) Unsubscribe(topic FloodTopic) {
	if !fs.mySubs.Contains(topic) {
		return
	}
	fs.mySubs.Remove(topic)
	fs.announce(false, topic)
}

func (fs *FloodSub) announce(subscribe bool, topic FloodTopic) {
	rpc := subscriptionRPC(subscribe, string(topic))
	for _, p := range fs.peers.ToSlice() {
		fs.sendRPC(p, rpc)
	}
}

// PartialView returns the connected peers subscribed to topic
func (fs *FloodSub) PartialView(topic FloodTopic) []peer.ID {
	subs, ok := fs.topics[topic]
	if !ok {
		return nil
	}
	return sortedPeers(subs.Intersect(fs.peers))
}

// Publish sends a new message to the partial view of topic
func (fs *FloodSub) Publish(topic FloodTopic, data []byte) (*Message, error) {
	msg, err := fs.newMessage(string(topic), data)
	if err != nil {
		return nil, err
	}

	rpc := &pb.RPC{Publish: []*pb.Message{msg.Message}}
	for _, p := range fs.PartialView(topic) {
		fs.sendRPC(p, rpc)
	}
	return msg, nil
}

// HandleRPC processes one RPC from p and returns new messages for the
// local application
func (fs *FloodSub) HandleRPC(from peer.ID, rpc *pb.RPC) []Delivery {
	if !fs.peers.Contains(from) {
		return nil
	}

	for _, sub := range rpc.GetSubscriptions() {
		t := FloodTopic(sub.GetTopicid())
		if sub.GetSubscribe() {
			subs, ok := fs.topics[t]
			if !ok {
				subs = mapset.NewThreadUnsafeSet[peer.ID]()
				fs.topics[t] = subs
			}
			subs.Add(from)
		} else if subs, ok := fs.topics[t]; ok {
			subs.Remove(from)
		}
	}

	var out []Delivery
	for _, m := range rpc.GetPublish() {
		t := FloodTopic(m.GetTopic())
		if !fs.mySubs.Contains(t) {
			continue
		}
		if fs.maxSize > 0 && len(m.Data) > fs.maxSize {
			fs.logger.Debug("Dropping oversized message", zap.String("peer", from.String()))
			continue
		}

		id := MsgID(m)
		if !fs.seen.Add(id) {
			continue
		}
		out = append(out, Delivery{
			Router: RouterFlood,
			Topic:  string(t),
			Msg:    &Message{Message: m, ID: id, ReceivedFrom: from},
		})
	}
	return out
}

// Topics lists local subscriptions
func (fs *FloodSub) Topics() []FloodTopic {
	return fs.mySubs.ToSlice()
}

func (fs *FloodSub) subscribedTopics() []string {
	out := make([]string, 0, fs.mySubs.Cardinality())
	for _, t := range fs.mySubs.ToSlice() {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}

func sortedPeers(s mapset.Set[peer.ID]) []peer.ID {
	out := s.ToSlice()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
