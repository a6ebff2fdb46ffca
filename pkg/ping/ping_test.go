package ping

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aporia-zero/meshchat/pkg/identity"
	"github.com/aporia-zero/meshchat/pkg/p2p"
	"github.com/aporia-zero/meshchat/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig() Config {
	return Config{
		Interval:    20 * time.Millisecond,
		Timeout:     500 * time.Millisecond,
		MaxFailures: 3,
	}
}

func newSwarm(t *testing.T, mem *transport.MemoryNetwork) *p2p.Swarm {
	t.Helper()
	s, err := p2p.NewSwarm(identity.Generate(), mem, p2p.Config{DialTimeout: 2 * time.Second}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func waitConnected(t *testing.T, s *p2p.Swarm) *p2p.Conn {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			s.HandleEvent(ev)
			if c, ok := ev.(*p2p.Connected); ok {
				return c.Conn
			}
		case <-timeout:
			t.Fatal("timed out waiting for connection")
			return nil
		}
	}
}

func nextResult(t *testing.T, s *p2p.Swarm) *Result {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			s.HandleEvent(ev)
			if r, ok := ev.(*Result); ok {
				return r
			}
		case <-timeout:
			t.Fatal("timed out waiting for ping result")
			return nil
		}
	}
}

// connectPair connects a to b; b answers pings only when echo is set
func connectPair(t *testing.T, echo bool) (*p2p.Swarm, *p2p.Conn, *p2p.Swarm) {
	t.Helper()
	mem := transport.NewMemoryNetwork()
	a, b := newSwarm(t, mem), newSwarm(t, mem)

	if echo {
		responder := NewPinger(testConfig(), b.Emit, zaptest.NewLogger(t))
		require.NoError(t, b.SetStreamHandler(ID, responder.HandleStream))
	}

	addr, err := b.Listen("/ip4/127.0.0.1/tcp/0")
	require.NoError(t, err)
	_, err = a.DialAddr(addr)
	require.NoError(t, err)

	conn := waitConnected(t, a)
	waitConnected(t, b)
	return a, conn, b
}

func TestPingRoundTrip(t *testing.T) {
	_, conn, _ := connectPair(t, true)

	rtt, err := Ping(context.Background(), conn, time.Second)
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
}

func TestPingerReportsSuccess(t *testing.T) {
	a, conn, _ := connectPair(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPinger(testConfig(), a.Emit, zaptest.NewLogger(t))
	p.Track(ctx, conn)

	for i := 0; i < 3; i++ {
		r := nextResult(t, a)
		require.NoError(t, r.Err)
		assert.Same(t, conn, r.Conn)
		assert.False(t, p.Handle(r))
	}
	assert.Equal(t, 0, p.Failures(conn))
}

func TestPingerClosesSilentConnection(t *testing.T) {
	a, conn, _ := connectPair(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPinger(testConfig(), a.Emit, zaptest.NewLogger(t))
	p.Track(ctx, conn)

	closeConn := false
	for i := 1; i <= testConfig().MaxFailures; i++ {
		r := nextResult(t, a)
		require.Error(t, r.Err)
		closeConn = p.Handle(r)
		if i < testConfig().MaxFailures {
			assert.False(t, closeConn)
			assert.Equal(t, i, p.Failures(conn))
		}
	}
	assert.True(t, closeConn)
}

func TestPingerHandleCountsConsecutiveFailures(t *testing.T) {
	p := NewPinger(testConfig(), func(p2p.Event) bool { return true }, zaptest.NewLogger(t))
	conn := &p2p.Conn{}
	p.failures[conn] = 0

	fail := &Result{Conn: conn, Err: errors.New("timeout")}
	ok := &Result{Conn: conn, RTT: time.Millisecond}

	assert.False(t, p.Handle(fail))
	assert.False(t, p.Handle(fail))
	assert.False(t, p.Handle(ok), "success resets the count")
	assert.Equal(t, 0, p.Failures(conn))

	assert.False(t, p.Handle(fail))
	assert.False(t, p.Handle(fail))
	assert.True(t, p.Handle(fail))

	// after the close request the connection is no longer tracked
	assert.False(t, p.Handle(fail))
}

func TestPingerIgnoresForgottenConnections(t *testing.T) {
	p := NewPinger(testConfig(), func(p2p.Event) bool { return true }, zaptest.NewLogger(t))
	conn := &p2p.Conn{}
	p.failures[conn] = 2

	p.Forget(conn)
	assert.False(t, p.Handle(&Result{Conn: conn, Err: errors.New("late")}))
}

func TestPingerStopsWhenConnectionCloses(t *testing.T) {
	_, conn, _ := connectPair(t, true)

	emitted := make(chan struct{}, 100)
	p := NewPinger(testConfig(), func(p2p.Event) bool {
		emitted <- struct{}{}
		return true
	}, zaptest.NewLogger(t))

	require.NoError(t, conn.Close())
	p.Track(context.Background(), conn)

	time.Sleep(5 * testConfig().Interval)
	assert.Empty(t, emitted)
}
