package transport

import (
	"fmt"
	"net"
	"strings"

	"github.com/aporia-zero/meshchat/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// ParseAddress parses multiaddr text such as /ip4/127.0.0.1/tcp/4001/ws.
// Malformed text is rejected before any resource is allocated.
func ParseAddress(text string) (ma.Multiaddr, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, types.NetworkError{
			Code:    types.ErrCodeAddressParse,
			Message: "empty address",
		}
	}

	addr, err := ma.NewMultiaddr(trimmed)
	if err != nil {
		return nil, types.NetworkError{
			Code:    types.ErrCodeAddressParse,
			Message: fmt.Sprintf("invalid address %q", trimmed),
			Err:     err,
		}
	}
	return addr, nil
}

// SplitPeer separates a trailing /p2p/<id> component from the transport part.
// The returned id is empty when the address carries none.
func SplitPeer(addr ma.Multiaddr) (ma.Multiaddr, peer.ID) {
	return peer.SplitAddr(addr)
}

// IsWebSocket reports whether the address ends in /ws
func IsWebSocket(addr ma.Multiaddr) bool {
	if addr == nil {
		return false
	}
	_, last := ma.SplitLast(addr)
	return last != nil && last.Protocol().Code == ma.P_WS
}

// hostPort describes the socket endpoint of a /<host>/<h>/tcp/<port>[/ws] address
type hostPort struct {
	network string
	host    string
	port    string
	ws      bool
}

func (h hostPort) String() string {
	return net.JoinHostPort(h.host, h.port)
}

// resolveHostPort validates the protocol stack of addr. Only
// ip4|ip6|dns|dns4|dns6 followed by tcp, optionally followed by ws, is routable.
func resolveHostPort(addr ma.Multiaddr) (hostPort, error) {
	var (
		hp    hostPort
		parts []ma.Component
	)
	ma.ForEach(addr, func(c ma.Component) bool {
		parts = append(parts, c)
		return true
	})

	unsupported := types.NetworkError{
		Code:    types.ErrCodeUnsupportedAddress,
		Message: fmt.Sprintf("no transport can route %s", addr),
	}

	if len(parts) < 2 || len(parts) > 3 {
		return hp, unsupported
	}

	switch parts[0].Protocol().Code {
	case ma.P_IP4:
		hp.network = "tcp4"
	case ma.P_IP6:
		hp.network = "tcp6"
	case ma.P_DNS, ma.P_DNS4, ma.P_DNS6:
		hp.network = "tcp"
	default:
		return hp, unsupported
	}
	hp.host = parts[0].Value()

	if parts[1].Protocol().Code != ma.P_TCP {
		return hp, unsupported
	}
	hp.port = parts[1].Value()

	if len(parts) == 3 {
		if parts[2].Protocol().Code != ma.P_WS {
			return hp, unsupported
		}
		hp.ws = true
	}
	return hp, nil
}

// withPort rewrites the tcp port of addr, keeping every other component
func withPort(addr ma.Multiaddr, port int) (ma.Multiaddr, error) {
	var b strings.Builder
	ma.ForEach(addr, func(c ma.Component) bool {
		if c.Protocol().Code == ma.P_TCP {
			fmt.Fprintf(&b, "/tcp/%d", port)
			return true
		}
		b.WriteString(c.String())
		return true
	})
	return ma.NewMultiaddr(b.String())
}
