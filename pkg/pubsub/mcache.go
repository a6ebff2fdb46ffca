package pubsub

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/libp2p/go-libp2p/core/peer"
)

type cacheEntry struct {
	msg *Message
	// peers known to hold the message already
	observed mapset.Set[peer.ID]
	// IWANT requests served per peer
	served map[peer.ID]int
}

type cacheKey struct {
	id    string
	topic string
}

// MessageCache keeps full messages for the last historyLength heartbeats
// and advertises ids from the most recent historyGossip of them.
type MessageCache struct {
	msgs    map[string]*cacheEntry
	history [][]cacheKey
	gossip  int
}

// NewMessageCache creates a cache with the given window sizes
func NewMessageCache(gossip, history int) *MessageCache {
	if gossip > history {
		gossip = history
	}
	return &MessageCache{
		msgs:    make(map[string]*cacheEntry),
		history: make([][]cacheKey, history),
		gossip:  gossip,
	}
}

// Put adds a message to the current window
func (mc *MessageCache) Put(msg *Message) {
	if _, ok := mc.msgs[msg.ID]; ok {
		return
	}
	mc.msgs[msg.ID] = &cacheEntry{
		msg:      msg,
		observed: mapset.NewThreadUnsafeSet[peer.ID](),
		served:   make(map[peer.ID]int),
	}
	mc.history[0] = append(mc.history[0], cacheKey{id: msg.ID, topic: msg.Topic()})
}

// Get returns a cached message
func (mc *MessageCache) Get(id string) (*Message, bool) {
	e, ok := mc.msgs[id]
	if !ok {
		return nil, false
	}
	return e.msg, true
}

// GetForPeer returns a cached message and how many times p has asked for it
func (mc *MessageCache) GetForPeer(id string, p peer.ID) (*Message, int, bool) {
	e, ok := mc.msgs[id]
	if !ok {
		return nil, 0, false
	}
	e.served[p]++
	return e.msg, e.served[p], true
}

// Observe records that p already has the message
func (mc *MessageCache) Observe(id string, p peer.ID) {
	if e, ok := mc.msgs[id]; ok {
		e.observed.Add(p)
	}
}

// HasObserved reports whether p is known to hold the message
func (mc *MessageCache) HasObserved(id string, p peer.ID) bool {
	e, ok := mc.msgs[id]
	return ok && e.observed.Contains(p)
}

// GetGossipIDs returns ids in the gossip windows for a topic
func (mc *MessageCache) GetGossipIDs(topic string) []string {
	var ids []string
	for _, window := range mc.history[:mc.gossip] {
		for _, k := range window {
			if k.topic == topic {
				ids = append(ids, k.id)
			}
		}
	}
	return ids
}

// Shift drops the oldest window and opens a new one
func (mc *MessageCache) Shift() {
	last := mc.history[len(mc.history)-1]
	for _, k := range last {
		delete(mc.msgs, k.id)
	}
	copy(mc.history[1:], mc.history[:len(mc.history)-1])
	mc.history[0] = nil
}

// Len reports the number of cached messages
func (mc *MessageCache) Len() int {
	return len(mc.msgs)
}
