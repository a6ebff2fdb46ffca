package p2p

import (
	"testing"
	"time"

	"github.com/aporia-zero/meshchat/pkg/identity"
	"github.com/aporia-zero/meshchat/pkg/transport"
	"github.com/aporia-zero/meshchat/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testProto = protocol.ID("/meshchat/test/1.0.0")

func newTestSwarm(t *testing.T, mem *transport.MemoryNetwork) *Swarm {
	t.Helper()

	s, err := NewSwarm(identity.Generate(), mem, Config{
		DialTimeout:    2 * time.Second,
		QueueSize:      16,
		MaxMessageSize: 1024,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.SetFrameHandler(testProto))

	t.Cleanup(func() { s.Close() })
	return s
}

func listen(t *testing.T, s *Swarm) ma.Multiaddr {
	t.Helper()
	addr, err := s.Listen("/ip4/127.0.0.1/tcp/0")
	require.NoError(t, err)
	return addr
}

// waitFor drains s's events, folding each into the table, until one of
// type T arrives. It also returns the PeerChange that event produced.
func waitFor[T any](t *testing.T, s *Swarm) (T, PeerChange) {
	t.Helper()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			change := s.HandleEvent(ev)
			if e, ok := ev.(T); ok {
				return e, change
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero, PeerUnchanged
		}
	}
}

func connect(t *testing.T, a, b *Swarm, addr ma.Multiaddr) (*Conn, *Conn) {
	t.Helper()

	_, err := a.DialAddr(addr)
	require.NoError(t, err)

	ca, _ := waitFor[*Connected](t, a)
	cb, _ := waitFor[*Connected](t, b)
	return ca.Conn, cb.Conn
}

func TestSwarmDialAndConnect(t *testing.T) {
	mem := transport.NewMemoryNetwork()
	a, b := newTestSwarm(t, mem), newTestSwarm(t, mem)
	addr := listen(t, b)

	id, err := a.Dial(addr.String())
	require.NoError(t, err)

	state, ok := a.attemptState(id)
	require.True(t, ok)
	assert.Equal(t, StateDialing, state)

	sc, _ := waitFor[*StateChanged](t, a)
	assert.Equal(t, StateNegotiating, sc.To)
	sc, _ = waitFor[*StateChanged](t, a)
	assert.Equal(t, StateMultiplexing, sc.To)

	connected, change := waitFor[*Connected](t, a)
	assert.Equal(t, PeerJoined, change)
	assert.Equal(t, id, connected.Dial)
	assert.Equal(t, b.LocalPeer(), connected.Conn.RemotePeer())
	assert.Equal(t, DirOutbound, connected.Conn.Direction())

	_, ok = a.attemptState(id)
	assert.False(t, ok)

	inbound, change := waitFor[*Connected](t, b)
	assert.Equal(t, PeerJoined, change)
	assert.Equal(t, a.LocalPeer(), inbound.Conn.RemotePeer())
	assert.Equal(t, DirInbound, inbound.Conn.Direction())

	require.Len(t, a.Connections(), 1)
	assert.Equal(t, b.LocalPeer(), a.Connections()[0].Peer)
	assert.True(t, a.Connectedness(b.LocalPeer()))
	assert.Equal(t, []peer.ID{b.LocalPeer()}, a.Peers())
}

func TestSwarmListenEmitsAddress(t *testing.T) {
	s := newTestSwarm(t, transport.NewMemoryNetwork())
	addr := listen(t, s)

	ev, _ := waitFor[*ListenAddr](t, s)
	assert.True(t, addr.Equal(ev.Addr))
	assert.Len(t, s.ListenAddresses(), 1)
}

func TestSwarmDialSynchronousErrors(t *testing.T) {
	s := newTestSwarm(t, transport.NewMemoryNetwork())

	_, err := s.Dial("not-an-address")
	assert.True(t, types.IsCode(err, types.ErrCodeAddressParse))

	_, err = s.Dial("/ip4/127.0.0.1/udp/4001")
	assert.True(t, types.IsCode(err, types.ErrCodeUnsupportedAddress))

	_, err = s.Dial("/p2p/" + s.LocalPeer().String())
	assert.True(t, types.IsCode(err, types.ErrCodeUnsupportedAddress))

	_, err = s.Dial("/ip4/127.0.0.1/tcp/4001/p2p/" + s.LocalPeer().String())
	assert.ErrorIs(t, err, ErrDialSelf)

	assert.Empty(t, s.Connections())
}

func TestSwarmDialRefused(t *testing.T) {
	s := newTestSwarm(t, transport.NewMemoryNetwork())

	id, err := s.Dial("/ip4/127.0.0.1/tcp/9")
	require.NoError(t, err)

	failed, _ := waitFor[*DialFailed](t, s)
	assert.Equal(t, id, failed.Dial)
	assert.Equal(t, DirOutbound, failed.Dir)
	assert.True(t, types.IsCode(failed.Err, types.ErrCodePeerConnection))
}

func TestSwarmHandshakeTimeout(t *testing.T) {
	mem := transport.NewMemoryNetwork()
	s, err := NewSwarm(identity.Generate(), mem, Config{DialTimeout: 200 * time.Millisecond}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	hole := ma.StringCast("/ip4/10.0.0.1/tcp/4001")
	mem.Blackhole(hole)

	start := time.Now()
	_, err = s.DialAddr(hole)
	require.NoError(t, err)

	sc, _ := waitFor[*StateChanged](t, s)
	assert.Equal(t, StateNegotiating, sc.To)

	failed, _ := waitFor[*DialFailed](t, s)
	assert.True(t, types.IsCode(failed.Err, types.ErrCodeTimeout), failed.Err.Error())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Empty(t, s.Connections())
}

func TestSwarmRejectsWrongPeerID(t *testing.T) {
	mem := transport.NewMemoryNetwork()
	a, b := newTestSwarm(t, mem), newTestSwarm(t, mem)
	addr := listen(t, b)

	other := identity.Generate()
	withID := addr.Encapsulate(ma.StringCast("/p2p/" + other.ID.String()))

	_, err := a.DialAddr(withID)
	require.NoError(t, err)

	failed, _ := waitFor[*DialFailed](t, a)
	assert.True(t, types.IsCode(failed.Err, types.ErrCodeHandshake), failed.Err.Error())
	assert.Empty(t, a.Connections())
}

func TestSwarmDialOwnListener(t *testing.T) {
	s := newTestSwarm(t, transport.NewMemoryNetwork())
	addr := listen(t, s)

	_, err := s.DialAddr(addr)
	require.NoError(t, err)

	for {
		failed, _ := waitFor[*DialFailed](t, s)
		if failed.Dir == DirOutbound {
			assert.True(t, types.IsCode(failed.Err, types.ErrCodeHandshake), failed.Err.Error())
			break
		}
	}
	assert.Empty(t, s.Connections())
}

func TestSwarmAlreadyConnectedDialIsNoop(t *testing.T) {
	mem := transport.NewMemoryNetwork()
	a, b := newTestSwarm(t, mem), newTestSwarm(t, mem)
	addr := listen(t, b)
	connect(t, a, b, addr)

	withID := addr.Encapsulate(ma.StringCast("/p2p/" + b.LocalPeer().String()))
	id, err := a.DialAddr(withID)
	require.NoError(t, err)
	assert.Zero(t, id)
	assert.Len(t, a.Connections(), 1)
}

func TestSwarmFramedProtocol(t *testing.T) {
	mem := transport.NewMemoryNetwork()
	a, b := newTestSwarm(t, mem), newTestSwarm(t, mem)
	addr := listen(t, b)
	connect(t, a, b, addr)

	require.NoError(t, a.SendTo(b.LocalPeer(), testProto, []byte("hello")))
	require.NoError(t, a.SendTo(b.LocalPeer(), testProto, []byte("world")))

	msg, _ := waitFor[*StreamMessage](t, b)
	assert.Equal(t, testProto, msg.Protocol)
	assert.Equal(t, a.LocalPeer(), msg.Conn.RemotePeer())
	assert.Equal(t, "hello", string(msg.Data))

	msg, _ = waitFor[*StreamMessage](t, b)
	assert.Equal(t, "world", string(msg.Data))

	stats := b.Protocols().Stats()[string(testProto)]
	assert.Equal(t, uint64(2), stats["messages_received"])
}

func TestSwarmSendToUnknownPeer(t *testing.T) {
	s := newTestSwarm(t, transport.NewMemoryNetwork())
	err := s.SendTo(identity.Generate().ID, testProto, []byte("x"))
	assert.ErrorIs(t, err, ErrNoConnection)
}

func TestSwarmOversizedFrameResetsStream(t *testing.T) {
	mem := transport.NewMemoryNetwork()
	a, b := newTestSwarm(t, mem), newTestSwarm(t, mem)
	addr := listen(t, b)
	connect(t, a, b, addr)

	require.NoError(t, a.SendTo(b.LocalPeer(), testProto, make([]byte, 4096)))

	select {
	case ev := <-b.Events():
		_, isMsg := ev.(*StreamMessage)
		assert.False(t, isMsg, "oversized frame must not be delivered")
	case <-time.After(200 * time.Millisecond):
	}

	stats := b.Protocols().Stats()[string(testProto)]
	assert.Equal(t, uint64(0), stats["messages_received"])
}

func TestSwarmDisconnect(t *testing.T) {
	mem := transport.NewMemoryNetwork()
	a, b := newTestSwarm(t, mem), newTestSwarm(t, mem)
	addr := listen(t, b)
	connect(t, a, b, addr)

	require.NoError(t, b.ClosePeer(a.LocalPeer()))

	d, change := waitFor[*Disconnected](t, b)
	assert.Equal(t, PeerLeft, change)
	assert.NoError(t, d.Err)

	d, change = waitFor[*Disconnected](t, a)
	assert.Equal(t, PeerLeft, change)
	assert.Equal(t, b.LocalPeer(), d.Conn.RemotePeer())

	assert.Empty(t, a.Connections())
	assert.Empty(t, b.Connections())
	assert.False(t, a.Connectedness(b.LocalPeer()))

	err := a.SendTo(b.LocalPeer(), testProto, []byte("late"))
	assert.ErrorIs(t, err, ErrNoConnection)
}

func TestSwarmDuplicateConnectionsAreCounted(t *testing.T) {
	mem := transport.NewMemoryNetwork()
	a, b := newTestSwarm(t, mem), newTestSwarm(t, mem)
	addr := listen(t, b)

	first, _ := connect(t, a, b, addr)

	_, err := a.DialAddr(addr)
	require.NoError(t, err)
	second, change := waitFor[*Connected](t, a)
	assert.Equal(t, PeerUnchanged, change)
	assert.Len(t, a.Connections(), 2)

	first.Close()
	d, change := waitFor[*Disconnected](t, a)
	assert.Same(t, first, d.Conn)
	assert.Equal(t, PeerUnchanged, change)
	assert.True(t, a.Connectedness(b.LocalPeer()))
	require.Len(t, a.Connections(), 1)
	assert.Equal(t, second.Conn.Info().ID, a.Connections()[0].ID)

	second.Conn.Close()
	_, change = waitFor[*Disconnected](t, a)
	assert.Equal(t, PeerLeft, change)
	assert.Empty(t, a.Connections())
}

// The snapshot read by other goroutines must drop a connection as soon as
// its Disconnected event has been handled.
func TestSwarmSnapshotFollowsTeardown(t *testing.T) {
	mem := transport.NewMemoryNetwork()
	a, b, c := newTestSwarm(t, mem), newTestSwarm(t, mem), newTestSwarm(t, mem)
	connect(t, a, b, listen(t, b))
	connect(t, a, c, listen(t, c))
	require.Len(t, a.Connections(), 2)

	require.NoError(t, a.ClosePeer(b.LocalPeer()))
	_, change := waitFor[*Disconnected](t, a)
	require.Equal(t, PeerLeft, change)

	conns := a.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, c.LocalPeer(), conns[0].Peer)
}

func TestConnSendAfterClose(t *testing.T) {
	mem := transport.NewMemoryNetwork()
	a, b := newTestSwarm(t, mem), newTestSwarm(t, mem)
	addr := listen(t, b)
	conn, _ := connect(t, a, b, addr)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.True(t, conn.IsClosed())
	assert.ErrorIs(t, conn.Send(testProto, []byte("x")), ErrConnClosed)
}
