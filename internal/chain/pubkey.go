// Package chain builds, encodes and signs transactions for the market
// program. Everything here is pure: no network I/O and no shared state.
package chain

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
)

// PublicKeySize is the byte length of a ledger address.
const PublicKeySize = 32

// PublicKey is a 32-byte ledger address.
type PublicKey [PublicKeySize]byte

// Well-known program addresses.
var (
	SystemProgramID        = MustPublicKey("11111111111111111111111111111111")
	TokenProgramID         = MustPublicKey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	AssociatedTokenProgram = MustPublicKey("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")
	ComputeBudgetProgramID = MustPublicKey("ComputeBudget111111111111111111111111111111")
)

var errBadPublicKey = errors.New("chain: invalid public key")

// ParsePublicKey decodes a base58 address.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	raw := base58.Decode(s)
	if len(raw) != PublicKeySize {
		return pk, fmt.Errorf("%w %q: decoded %d bytes", errBadPublicKey, s, len(raw))
	}
	copy(pk[:], raw)
	return pk, nil
}

// MustPublicKey is ParsePublicKey for compile-time constants.
func MustPublicKey(s string) PublicKey {
	pk, err := ParsePublicKey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

// PublicKeyFromBytes copies b into a PublicKey.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != PublicKeySize {
		return pk, fmt.Errorf("%w: %d bytes", errBadPublicKey, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

func (pk PublicKey) String() string { return base58.Encode(pk[:]) }

// Bytes returns the address as a fresh slice.
func (pk PublicKey) Bytes() []byte {
	b := make([]byte, PublicKeySize)
	copy(b, pk[:])
	return b
}

// IsZero reports whether pk is the all-zero key.
func (pk PublicKey) IsZero() bool { return pk == PublicKey{} }
