package chain

import (
	"crypto/rand"
	"fmt"

	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"
)

// Keypair is an ed25519 signing key.
type Keypair struct {
	priv ed25519.PrivateKey
	pub  PublicKey
}

// KeypairFromSeed builds a keypair from a 32-byte seed.
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("chain: seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	var pub PublicKey
	copy(pub[:], priv[ed25519.SeedSize:])
	return &Keypair{priv: priv, pub: pub}, nil
}

// GenerateKeypair returns a random keypair.
func GenerateKeypair() (*Keypair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("chain: generate key: %w", err)
	}
	return KeypairFromSeed(priv.Seed())
}

func (k *Keypair) PublicKey() PublicKey { return k.pub }

func (k *Keypair) Sign(msg []byte) []byte { return ed25519.Sign(k.priv, msg) }

// Seed returns the 32-byte private seed.
func (k *Keypair) Seed() []byte { return k.priv.Seed() }

// Verify checks sig over msg for pub.
func Verify(pub PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), msg, sig)
}
