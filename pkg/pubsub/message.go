package pubsub

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aporia-zero/meshchat/pkg/identity"
	"github.com/aporia-zero/meshchat/pkg/types"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// SignPrefix is prepended to the marshaled message before signing
const SignPrefix = "meshchat-pubsub:"

// Message is a published message together with its derived id
type Message struct {
	*pb.Message
	ID           string
	ReceivedFrom peer.ID
}

// Source returns the peer that created the message
func (m *Message) Source() peer.ID {
	id, err := peer.IDFromBytes(m.From)
	if err != nil {
		return ""
	}
	return id
}

// Seqno returns the sender-assigned sequence number
func (m *Message) Seqno() uint64 {
	if len(m.Message.Seqno) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(m.Message.Seqno)
}

func (m *Message) Topic() string {
	return m.GetTopic()
}

func (m *Message) Payload() []byte {
	return m.GetData()
}

func (m *Message) String() string {
	return fmt.Sprintf("Message(id=%s, from=%s, topic=%s)", m.ID, m.Source(), m.Topic())
}

// MsgID derives the deduplication key from source, sequence number and
// payload
func MsgID(m *pb.Message) string {
	h := sha256.New()
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(m.From)))
	h.Write(n[:])
	h.Write(m.From)
	h.Write(m.Seqno)
	h.Write(m.Data)
	return hex.EncodeToString(h.Sum(nil))
}

// SeqnoSource hands out strictly increasing sequence numbers starting from
// the wall clock, so a restarted node does not reuse old ids. Routers
// publishing under one identity share a source so their ids never collide.
type SeqnoSource struct {
	counter atomic.Uint64
}

// NewSeqnoSource creates a source seeded from the clock
func NewSeqnoSource() *SeqnoSource {
	g := &SeqnoSource{}
	g.counter.Store(uint64(time.Now().UnixNano()))
	return g
}

func (g *SeqnoSource) next() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, g.counter.Add(1))
	return b
}

// Authenticity selects whether published messages are signed
type Authenticity int

const (
	Signed Authenticity = iota
	Unsigned
)

// ValidationMode selects how inbound signatures are treated
type ValidationMode int

const (
	// Strict drops messages without a valid signature from their source
	Strict ValidationMode = iota
	// Permissive accepts unsigned and unverifiable messages
	Permissive
)

// ParseValidationMode maps the configuration string to a mode
func ParseValidationMode(s string) (ValidationMode, error) {
	switch s {
	case types.ValidationStrict:
		return Strict, nil
	case types.ValidationPermissive:
		return Permissive, nil
	default:
		return Permissive, fmt.Errorf("unknown validation mode %q", s)
	}
}

func (v ValidationMode) String() string {
	if v == Strict {
		return types.ValidationStrict
	}
	return types.ValidationPermissive
}

func signingBytes(m *pb.Message) ([]byte, error) {
	xm := pb.Message{
		From:  m.From,
		Data:  m.Data,
		Seqno: m.Seqno,
		Topic: m.Topic,
	}
	b, err := xm.Marshal()
	if err != nil {
		return nil, err
	}
	return append([]byte(SignPrefix), b...), nil
}

func signMessage(id *identity.Identity, m *pb.Message) error {
	b, err := signingBytes(m)
	if err != nil {
		return err
	}

	sig, err := id.Sign(b)
	if err != nil {
		return err
	}
	m.Signature = sig

	// Keys that fit in the peer id are not repeated on the wire.
	if _, err := id.ID.ExtractPublicKey(); err != nil {
		key, err := crypto.MarshalPublicKey(id.PubKey)
		if err != nil {
			return err
		}
		m.Key = key
	}
	return nil
}

// verifyMessage checks the signature against the claimed source
func verifyMessage(m *pb.Message) error {
	if len(m.Signature) == 0 {
		return fmt.Errorf("message is unsigned")
	}

	source, err := peer.IDFromBytes(m.From)
	if err != nil {
		return fmt.Errorf("invalid source: %w", err)
	}

	var pub crypto.PubKey
	if len(m.Key) > 0 {
		pub, err = crypto.UnmarshalPublicKey(m.Key)
		if err != nil {
			return fmt.Errorf("invalid key: %w", err)
		}
		if !source.MatchesPublicKey(pub) {
			return fmt.Errorf("key does not match source %s", source)
		}
	} else {
		pub, err = source.ExtractPublicKey()
		if err != nil {
			return fmt.Errorf("no key for source %s: %w", source, err)
		}
	}

	b, err := signingBytes(m)
	if err != nil {
		return err
	}
	ok, err := pub.Verify(b, m.Signature)
	if err != nil {
		return fmt.Errorf("verifying signature: %w", err)
	}
	if !ok {
		return fmt.Errorf("bad signature from %s", source)
	}
	return nil
}
