// Package ping pings established connections and asks for the ones that
// stop answering to be closed.
package ping

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aporia-zero/meshchat/pkg/p2p"
	"github.com/aporia-zero/meshchat/pkg/types"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/zap"
)

// ID is the ping protocol id
const ID = protocol.ID("/meshchat/ping/1.0.0")

// Size of one ping payload
const Size = 32

// Config controls liveness pings
type Config struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxFailures int
}

// ConfigFrom converts the ping configuration section
func ConfigFrom(pc types.PingConfig) Config {
	return Config{
		Interval:    pc.Interval,
		Timeout:     pc.Timeout,
		MaxFailures: pc.MaxFailures,
	}
}

// Result is emitted through the swarm after every ping
type Result struct {
	Conn *p2p.Conn
	RTT  time.Duration
	Err  error
}

// Pinger runs one pinging goroutine per tracked connection. Results are
// folded in by Handle on the event loop, which also owns the failure
// counts.
type Pinger struct {
	cfg      Config
	emit     func(p2p.Event) bool
	failures map[*p2p.Conn]int
	logger   *zap.Logger
}

// NewPinger creates a pinger that reports through emit
func NewPinger(cfg Config, emit func(p2p.Event) bool, logger *zap.Logger) *Pinger {
	return &Pinger{
		cfg:      cfg,
		emit:     emit,
		failures: make(map[*p2p.Conn]int),
		logger:   logger.Named("ping"),
	}
}

// Track starts pinging c until it closes or ctx is done
func (p *Pinger) Track(ctx context.Context, c *p2p.Conn) {
	p.failures[c] = 0
	go p.loop(ctx, c)
}

// Forget drops the bookkeeping for c
func (p *Pinger) Forget(c *p2p.Conn) {
	delete(p.failures, c)
}

// Handle records a result and reports whether the connection should be
// closed
func (p *Pinger) Handle(r *Result) bool {
	if _, tracked := p.failures[r.Conn]; !tracked {
		return false
	}

	if r.Err == nil {
		p.failures[r.Conn] = 0
		return false
	}

	p.failures[r.Conn]++
	n := p.failures[r.Conn]
	p.logger.Debug("Ping failed",
		zap.String("peer", r.Conn.RemotePeer().String()),
		zap.Int("failures", n),
		zap.Error(r.Err))

	if n >= p.cfg.MaxFailures {
		p.logger.Info("Closing unresponsive connection",
			zap.String("peer", r.Conn.RemotePeer().String()),
			zap.Int("failures", n))
		delete(p.failures, r.Conn)
		return true
	}
	return false
}

// Failures returns the current consecutive failure count for c
func (p *Pinger) Failures(c *p2p.Conn) int {
	return p.failures[c]
}

func (p *Pinger) loop(ctx context.Context, c *p2p.Conn) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	var s network.MuxedStream
	defer func() {
		if s != nil {
			s.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case <-ticker.C:
		}

		var (
			rtt time.Duration
			err error
		)
		if s == nil {
			s, err = p.open(ctx, c)
		}
		if err == nil {
			rtt, err = roundTrip(s, p.cfg.Timeout)
			if err != nil {
				s.Reset()
				s = nil
			}
		}

		if !p.emit(&Result{Conn: c, RTT: rtt, Err: err}) {
			return
		}
	}
}

func (p *Pinger) open(ctx context.Context, c *p2p.Conn) (network.MuxedStream, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	return c.OpenStream(ctx, ID)
}

// Ping runs a single ping on a fresh stream
func Ping(ctx context.Context, c *p2p.Conn, timeout time.Duration) (time.Duration, error) {
	octx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s, err := c.OpenStream(octx, ID)
	if err != nil {
		return 0, err
	}
	defer s.Close()

	rtt, err := roundTrip(s, timeout)
	if err != nil {
		s.Reset()
	}
	return rtt, err
}

func roundTrip(s network.MuxedStream, timeout time.Duration) (time.Duration, error) {
	buf := make([]byte, Size)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return 0, err
	}

	s.SetDeadline(time.Now().Add(timeout))
	defer s.SetDeadline(time.Time{})

	start := time.Now()
	if _, err := s.Write(buf); err != nil {
		return 0, wrap(err)
	}

	echo := make([]byte, Size)
	if _, err := io.ReadFull(s, echo); err != nil {
		return 0, wrap(err)
	}
	if !bytes.Equal(buf, echo) {
		return 0, errors.New("ping echo mismatch")
	}
	return time.Since(start), nil
}

func wrap(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return types.NetworkError{Code: types.ErrCodeTimeout, Message: "ping timed out", Err: err}
	}
	return fmt.Errorf("ping: %w", err)
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// HandleStream echoes pings until the remote closes the stream
func (p *Pinger) HandleStream(c *p2p.Conn, s network.MuxedStream) {
	buf := make([]byte, Size)
	for {
		s.SetReadDeadline(time.Now().Add(p.cfg.Interval + p.cfg.Timeout))
		if _, err := io.ReadFull(s, buf); err != nil {
			if err == io.EOF {
				s.Close()
			} else {
				s.Reset()
			}
			return
		}
		if _, err := s.Write(buf); err != nil {
			s.Reset()
			return
		}
	}
}
