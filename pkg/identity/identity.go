// Package identity holds the local node's signing keypair and the peer id
// derived from it.
package identity

import (
	"crypto/rand"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Identity is created once at process start and never written to disk.
type Identity struct {
	PrivKey crypto.PrivKey
	PubKey  crypto.PubKey
	ID      peer.ID
}

// Generate creates a fresh Ed25519 identity. Key generation only fails when
// the system entropy source is broken, which the node cannot recover from.
func Generate() *Identity {
	priv, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		panic(fmt.Sprintf("identity: generate ed25519 key: %v", err))
	}

	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		panic(fmt.Sprintf("identity: derive peer id: %v", err))
	}

	return &Identity{PrivKey: priv, PubKey: pub, ID: id}
}

// FromPrivateKey rebuilds an identity around an existing key
func FromPrivateKey(priv crypto.PrivKey) (*Identity, error) {
	if priv == nil {
		return nil, fmt.Errorf("identity: nil private key")
	}

	pub := priv.GetPublic()
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("identity: derive peer id: %w", err)
	}

	return &Identity{PrivKey: priv, PubKey: pub, ID: id}, nil
}

// Sign signs data with the identity's private key
func (i *Identity) Sign(data []byte) ([]byte, error) {
	return i.PrivKey.Sign(data)
}

func (i *Identity) String() string {
	return i.ID.String()
}
