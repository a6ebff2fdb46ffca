package node

import (
	"context"
	"time"

	"github.com/aporia-zero/meshchat/pkg/inbox"
	"github.com/aporia-zero/meshchat/pkg/types"
)

// Service adapts a running node, its request streams and the inbox to the
// HTTP API
type Service struct {
	node    *Node
	req     *Requester
	inbox   *inbox.Inbox
	timeout time.Duration
}

// NewService creates the API adapter. Calls that reach the loop give up
// after timeout.
func NewService(n *Node, req *Requester, ib *inbox.Inbox, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{node: n, req: req, inbox: ib, timeout: timeout}
}

func (s *Service) GetNodeInfo() types.NodeInfo { return s.node.Info() }

func (s *Service) GetPeers() []types.Peer { return s.node.Peers() }

func (s *Service) AddPeer(addr string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.req.Dial(ctx, addr)
}

func (s *Service) RemovePeer(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.node.ClosePeer(ctx, id)
}

func (s *Service) PingPeer(id string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.node.Ping(ctx, id)
}

func (s *Service) GetProtocols() map[string]map[string]interface{} {
	return s.node.Protocols()
}

func (s *Service) SendMessage(text string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.req.Send(ctx, text)
}

func (s *Service) GetMessages(limit int) []*types.ChatMessage {
	return s.inbox.Recent(limit)
}

func (s *Service) GetMessagesByPeer(peerID string, limit int) []*types.ChatMessage {
	return s.inbox.GetByPeer(peerID, limit)
}

func (s *Service) GetMessage(id string) (*types.ChatMessage, error) {
	return s.inbox.Get(id)
}

func (s *Service) DeleteMessage(id string) error {
	return s.inbox.Remove(id)
}

func (s *Service) ClearMessages() { s.inbox.Clear() }

func (s *Service) GetInboxStats() types.InboxStats { return s.inbox.GetStatus() }

func (s *Service) GetGossipState() (types.GossipState, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.node.GossipState(ctx)
}

func (s *Service) GetFloodPeers() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.node.FloodPeers(ctx)
}

func (s *Service) Subscribe() (<-chan types.Event, func()) {
	return s.node.Subscribe()
}
