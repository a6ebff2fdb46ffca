package pubsub

import (
	"fmt"
	"time"

	"github.com/aporia-zero/meshchat/pkg/identity"
	"github.com/aporia-zero/meshchat/pkg/types"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/zap"
)

// Protocol IDs
const (
	FloodSubID  = protocol.ID("/meshchat/flood/1.0.0")
	GossipSubID = protocol.ID("/meshchat/gossip/1.1.0")
)

// Router names reported with deliveries
const (
	RouterFlood  = "flood"
	RouterGossip = "gossip"
)

// Sender queues an RPC for a connected peer. Implementations must not
// block.
type Sender interface {
	SendRPC(p peer.ID, proto protocol.ID, rpc *pb.RPC) error
}

// Delivery is a message handed to the local application
type Delivery struct {
	Router string
	Topic  string
	Msg    *Message
}

// EncodeRPC marshals an RPC for one frame
func EncodeRPC(rpc *pb.RPC) ([]byte, error) {
	b, err := rpc.Marshal()
	if err != nil {
		return nil, types.NetworkError{
			Code:    types.ErrCodeMessageFormat,
			Message: "encoding rpc",
			Err:     err,
		}
	}
	return b, nil
}

// DecodeRPC unmarshals one frame
func DecodeRPC(data []byte) (*pb.RPC, error) {
	rpc := new(pb.RPC)
	if err := rpc.Unmarshal(data); err != nil {
		return nil, types.NetworkError{
			Code:    types.ErrCodeMessageFormat,
			Message: "decoding rpc",
			Err:     err,
		}
	}
	return rpc, nil
}

func subscriptionRPC(subscribe bool, topics ...string) *pb.RPC {
	rpc := &pb.RPC{}
	for _, t := range topics {
		t := t
		sub := subscribe
		rpc.Subscriptions = append(rpc.Subscriptions, &pb.RPC_SubOpts{
			Subscribe: &sub,
			Topicid:   &t,
		})
	}
	return rpc
}

// routerBase holds what both routers need to originate and dedup messages
type routerBase struct {
	id      *identity.Identity
	proto   protocol.ID
	send    Sender
	seqno   *SeqnoSource
	seen    *SeenCache
	sign    Authenticity
	maxSize int
	logger  *zap.Logger
}

func newRouterBase(id *identity.Identity, proto protocol.ID, send Sender, sign Authenticity,
	seqnos *SeqnoSource, seenSize int, seenTTL time.Duration, maxSize int, logger *zap.Logger) routerBase {
	if seqnos == nil {
		seqnos = NewSeqnoSource()
	}
	return routerBase{
		id:      id,
		proto:   proto,
		send:    send,
		seqno:   seqnos,
		seen:    NewSeenCache(seenSize, seenTTL),
		sign:    sign,
		maxSize: maxSize,
		logger:  logger,
	}
}

// newMessage builds, signs and marks seen a locally originated message
func (r *routerBase) newMessage(topic string, data []byte) (*Message, error) {
	if r.maxSize > 0 && len(data) > r.maxSize {
		return nil, types.NetworkError{
			Code:    types.ErrCodeValidation,
			Message: fmt.Sprintf("payload of %d bytes exceeds limit of %d", len(data), r.maxSize),
		}
	}

	payload := make([]byte, len(data))
	copy(payload, data)

	m := &pb.Message{
		From:  []byte(r.id.ID),
		Data:  payload,
		Seqno: r.seqno.next(),
		Topic: &topic,
	}
	if r.sign == Signed {
		if err := signMessage(r.id, m); err != nil {
			return nil, fmt.Errorf("signing message: %w", err)
		}
	}

	msg := &Message{Message: m, ID: MsgID(m), ReceivedFrom: r.id.ID}
	r.seen.Add(msg.ID)
	return msg, nil
}

func (r *routerBase) sendRPC(p peer.ID, rpc *pb.RPC) {
	if err := r.send.SendRPC(p, r.proto, rpc); err != nil {
		r.logger.Debug("Failed to send rpc",
			zap.String("peer", p.String()),
			zap.String("protocol", string(r.proto)),
			zap.Error(err))
	}
}

// SeenCount reports the number of ids currently remembered
func (r *routerBase) SeenCount() int {
	return r.seen.Len()
}
