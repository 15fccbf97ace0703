package chain

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/oasisprotocol/curve25519-voi/curve"
)

const (
	maxSeeds      = 16
	maxSeedLength = 32
	pdaMarker     = "ProgramDerivedAddress"
)

// ErrNoViableBump is returned when no bump seed yields an off-curve address.
var ErrNoViableBump = errors.New("chain: no viable bump seed")

var errOnCurve = errors.New("chain: derived address is on the ed25519 curve")

// CreateProgramAddress hashes seeds with the program id. The result must
// not be a valid ed25519 point, otherwise a private key could sign for it.
func CreateProgramAddress(seeds [][]byte, program PublicKey) (PublicKey, error) {
	if len(seeds) > maxSeeds {
		return PublicKey{}, fmt.Errorf("chain: %d seeds exceeds %d", len(seeds), maxSeeds)
	}
	h := sha256.New()
	for _, s := range seeds {
		if len(s) > maxSeedLength {
			return PublicKey{}, fmt.Errorf("chain: seed of %d bytes exceeds %d", len(s), maxSeedLength)
		}
		h.Write(s)
	}
	h.Write(program[:])
	h.Write([]byte(pdaMarker))

	var pk PublicKey
	copy(pk[:], h.Sum(nil))
	if onCurve(pk[:]) {
		return PublicKey{}, errOnCurve
	}
	return pk, nil
}

// FindProgramAddress searches bump seeds from 255 downwards and returns
// the first off-curve address together with its bump.
func FindProgramAddress(seeds [][]byte, program PublicKey) (PublicKey, uint8, error) {
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	for bump := 255; bump >= 0; bump-- {
		withBump[len(seeds)] = []byte{byte(bump)}
		pk, err := CreateProgramAddress(withBump, program)
		if err == nil {
			return pk, uint8(bump), nil
		}
		if !errors.Is(err, errOnCurve) {
			return PublicKey{}, 0, err
		}
	}
	return PublicKey{}, 0, ErrNoViableBump
}

func onCurve(b []byte) bool {
	var compressed curve.CompressedEdwardsY
	if _, err := compressed.SetBytes(b); err != nil {
		return false
	}
	var p curve.EdwardsPoint
	_, err := p.SetCompressedY(&compressed)
	return err == nil
}
