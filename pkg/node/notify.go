package node

import (
	"time"

	"github.com/aporia-zero/meshchat/pkg/types"
)

// Default buffer of a notification subscription
const subscriberBuffer = 256

// Subscribe returns a channel of notifications and a function that ends
// the subscription. A subscriber that falls behind loses notifications
// rather than stalling the loop.
func (n *Node) Subscribe() (<-chan types.Event, func()) {
	ch := make(chan types.Event, subscriberBuffer)

	n.subMu.Lock()
	id := n.nextSub
	n.nextSub++
	n.subs[id] = ch
	n.subMu.Unlock()

	cancel := func() {
		n.subMu.Lock()
		defer n.subMu.Unlock()
		if _, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (n *Node) notify(ev types.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	n.subMu.Lock()
	defer n.subMu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- ev:
		default:
			n.metrics.ObserveNotificationDropped()
		}
	}
}
