package p2p

import (
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
)

// DialID identifies one connection attempt, inbound or outbound
type DialID uint64

// Event is anything delivered on the swarm's event channel. The swarm emits
// the types below; protocol handlers may emit their own through Emit.
type Event interface{}

// StateChanged reports that an attempt advanced through the upgrade pipeline
type StateChanged struct {
	Dial DialID
	To   ConnState
}

// IncomingConnection reports a raw connection accepted by a listener, before
// any upgrade step
type IncomingConnection struct {
	Dial       DialID
	LocalAddr  ma.Multiaddr
	RemoteAddr ma.Multiaddr
}

// Connected reports a fully upgraded connection
type Connected struct {
	Dial DialID
	Conn *Conn
}

// DialFailed reports an attempt that ended before establishment
type DialFailed struct {
	Dial DialID
	Addr ma.Multiaddr
	Dir  Direction
	Err  error
}

// Disconnected is emitted exactly once per established connection
type Disconnected struct {
	Conn *Conn
	Err  error
}

// ListenAddr reports an address a listener is bound to
type ListenAddr struct {
	Addr ma.Multiaddr
}

// StreamMessage carries one frame read from a framed protocol stream
type StreamMessage struct {
	Conn     *Conn
	Protocol protocol.ID
	Data     []byte
}
