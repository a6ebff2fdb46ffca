package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/aporia-zero/meshchat/pkg/identity"
	"github.com/aporia-zero/meshchat/pkg/types"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/sec"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	mss "github.com/multiformats/go-multistream"
)

// Upgrader turns a raw transport connection into an authenticated,
// multiplexed one. Both steps are preceded by a multistream-select
// exchange naming the protocol, so the wire stays compatible with other
// libp2p implementations.
type Upgrader struct {
	id *identity.Identity

	noise *noise.Transport
	// used when the dialed address carries no /p2p component
	anyPeer *noise.SessionTransport
	muxer   network.Multiplexer
}

// NewUpgrader creates an upgrader bound to the local identity
func NewUpgrader(id *identity.Identity) (*Upgrader, error) {
	nt, err := noise.New(noise.ID, id.PrivKey, nil)
	if err != nil {
		return nil, fmt.Errorf("creating noise transport: %w", err)
	}

	anyPeer, err := nt.WithSessionOptions(noise.DisablePeerIDCheck())
	if err != nil {
		return nil, fmt.Errorf("creating noise session transport: %w", err)
	}

	return &Upgrader{
		id:      id,
		noise:   nt,
		anyPeer: anyPeer,
		muxer:   yamux.DefaultTransport,
	}, nil
}

// Upgrade runs the full pipeline. The context deadline bounds every step
// and any failure closes raw. secured, when set, runs between the
// handshake and muxer selection.
func (u *Upgrader) Upgrade(ctx context.Context, raw net.Conn, dir Direction, expected peer.ID,
	secured func(sec.SecureConn)) (sec.SecureConn, network.MuxedConn, error) {
	sc, err := u.secure(ctx, raw, dir, expected)
	if err != nil {
		return nil, nil, err
	}
	if secured != nil {
		secured(sc)
	}

	mc, err := u.multiplex(ctx, sc, dir)
	if err != nil {
		return nil, nil, err
	}
	return sc, mc, nil
}

// secure negotiates and runs the Noise handshake over raw
func (u *Upgrader) secure(ctx context.Context, raw net.Conn, dir Direction, expected peer.ID) (sec.SecureConn, error) {
	if dl, ok := ctx.Deadline(); ok {
		raw.SetDeadline(dl)
	}

	if err := selectProtocol(raw, dir, noise.ID); err != nil {
		raw.Close()
		return nil, stepError(ctx, types.ErrCodeHandshake, "security negotiation", err)
	}

	var (
		sc  sec.SecureConn
		err error
	)
	switch {
	case dir == DirInbound:
		sc, err = u.noise.SecureInbound(ctx, raw, "")
	case expected == "":
		sc, err = u.anyPeer.SecureOutbound(ctx, raw, "")
	default:
		sc, err = u.noise.SecureOutbound(ctx, raw, expected)
	}
	if err != nil {
		raw.Close()
		return nil, stepError(ctx, types.ErrCodeHandshake, "noise handshake", err)
	}

	if sc.RemotePeer() == u.id.ID {
		sc.Close()
		return nil, types.NetworkError{
			Code:    types.ErrCodeHandshake,
			Message: "connected to self",
		}
	}
	return sc, nil
}

// multiplex negotiates yamux over an authenticated connection
func (u *Upgrader) multiplex(ctx context.Context, sc sec.SecureConn, dir Direction) (network.MuxedConn, error) {
	if err := selectProtocol(sc, dir, yamux.ID); err != nil {
		sc.Close()
		return nil, stepError(ctx, types.ErrCodeMultiplex, "muxer negotiation", err)
	}

	// The session manages its own timeouts from here on.
	sc.SetDeadline(time.Time{})

	mc, err := u.muxer.NewConn(sc, dir == DirInbound, nil)
	if err != nil {
		sc.Close()
		return nil, stepError(ctx, types.ErrCodeMultiplex, "yamux session", err)
	}
	return mc, nil
}

// selectProtocol runs one multistream-select round. The dialer proposes,
// the listener accepts only the single protocol offered.
func selectProtocol(rwc io.ReadWriteCloser, dir Direction, proto protocol.ID) error {
	if dir == DirOutbound {
		return mss.SelectProtoOrFail(proto, rwc)
	}

	m := mss.NewMultistreamMuxer[protocol.ID]()
	m.AddHandler(proto, nil)
	got, _, err := m.Negotiate(rwc)
	if err != nil {
		return err
	}
	if got != proto {
		return fmt.Errorf("negotiated %s, want %s", got, proto)
	}
	return nil
}

func stepError(ctx context.Context, code int, step string, err error) error {
	var ne net.Error
	if ctx.Err() != nil || (errors.As(err, &ne) && ne.Timeout()) {
		return types.NetworkError{
			Code:    types.ErrCodeTimeout,
			Message: step + " timed out",
			Err:     err,
		}
	}
	return types.NetworkError{
		Code:    code,
		Message: step + " failed",
		Err:     err,
	}
}
