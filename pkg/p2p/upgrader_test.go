package p2p

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/aporia-zero/meshchat/pkg/identity"
	"github.com/aporia-zero/meshchat/pkg/types"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upgradeResult struct {
	mc     network.MuxedConn
	remote peer.ID
	err    error
}

func upgradePair(t *testing.T, a, b *identity.Identity, expected peer.ID) (upgradeResult, upgradeResult) {
	t.Helper()

	ua, err := NewUpgrader(a)
	require.NoError(t, err)
	ub, err := NewUpgrader(b)
	require.NoError(t, err)

	ca, cb := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	run := func(u *Upgrader, c net.Conn, dir Direction, exp peer.ID, out chan<- upgradeResult) {
		sc, mc, err := u.Upgrade(ctx, c, dir, exp, nil)
		if err != nil {
			out <- upgradeResult{err: err}
			return
		}
		out <- upgradeResult{mc: mc, remote: sc.RemotePeer()}
	}

	outA := make(chan upgradeResult, 1)
	outB := make(chan upgradeResult, 1)
	go run(ua, ca, DirOutbound, expected, outA)
	go run(ub, cb, DirInbound, "", outB)

	return <-outA, <-outB
}

func TestUpgradeAuthenticatesBothSides(t *testing.T) {
	a, b := identity.Generate(), identity.Generate()

	ra, rb := upgradePair(t, a, b, "")
	require.NoError(t, ra.err)
	require.NoError(t, rb.err)
	defer ra.mc.Close()
	defer rb.mc.Close()

	assert.Equal(t, b.ID, ra.remote)
	assert.Equal(t, a.ID, rb.remote)

	// streams flow over the session
	go func() {
		s, err := rb.mc.AcceptStream()
		if err != nil {
			return
		}
		io.Copy(s, s)
		s.Close()
	}()

	s, err := ra.mc.OpenStream(context.Background())
	require.NoError(t, err)
	_, err = s.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestUpgradeWithExpectedPeer(t *testing.T) {
	a, b := identity.Generate(), identity.Generate()

	ra, rb := upgradePair(t, a, b, b.ID)
	require.NoError(t, ra.err)
	require.NoError(t, rb.err)
	ra.mc.Close()
	rb.mc.Close()
}

func TestUpgradeRejectsWrongPeer(t *testing.T) {
	a, b, other := identity.Generate(), identity.Generate(), identity.Generate()

	ra, _ := upgradePair(t, a, b, other.ID)
	require.Error(t, ra.err)
	assert.True(t, types.IsCode(ra.err, types.ErrCodeHandshake), ra.err.Error())
}

func TestUpgradeTimesOutOnSilentPeer(t *testing.T) {
	a := identity.Generate()
	u, err := NewUpgrader(a)
	require.NoError(t, err)

	c, _ := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err = u.Upgrade(ctx, c, DirOutbound, "", nil)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeTimeout), err.Error())
	assert.Less(t, time.Since(start), 2*time.Second)

	// the raw connection was closed
	_, err = c.Write([]byte{1})
	assert.Error(t, err)
}
