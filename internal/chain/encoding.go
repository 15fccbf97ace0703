package chain

import (
	"crypto/sha256"
	"encoding/binary"
)

// Discriminator returns the 8-byte instruction tag the program dispatches
// on: the first bytes of sha256("global:" + name).
func Discriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("global:" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// Encoder appends fixed-layout little-endian fields.
type Encoder struct {
	buf []byte
}

// NewInstructionData starts an encoder with the discriminator of name.
func NewInstructionData(name string) *Encoder {
	d := Discriminator(name)
	e := &Encoder{buf: make([]byte, 0, 64)}
	e.buf = append(e.buf, d[:]...)
	return e
}

func (e *Encoder) U8(v uint8) *Encoder {
	e.buf = append(e.buf, v)
	return e
}

func (e *Encoder) U32(v uint32) *Encoder {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
	return e
}

func (e *Encoder) U64(v uint64) *Encoder {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
	return e
}

func (e *Encoder) I64(v int64) *Encoder {
	return e.U64(uint64(v))
}

// String writes a u32 length prefix followed by the raw bytes.
func (e *Encoder) String(s string) *Encoder {
	e.U32(uint32(len(s)))
	e.buf = append(e.buf, s...)
	return e
}

// Bytes returns the encoded payload.
func (e *Encoder) Bytes() []byte { return e.buf }

// appendShortVec writes n in the compact-u16 form used by the wire format.
func appendShortVec(b []byte, n int) []byte {
	v := uint16(n)
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

func shortVecLen(n int) int {
	switch {
	case n < 0x80:
		return 1
	case n < 0x4000:
		return 2
	default:
		return 3
	}
}
