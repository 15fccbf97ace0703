package chain

import (
	"encoding/binary"
	"testing"

	"pgregory.net/rapid"
)

func TestChunkCoversRange(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 500).Draw(t, "n")
		size := rapid.IntRange(1, 40).Draw(t, "size")
		next := 0
		for _, c := range Chunk(n, size) {
			if c[0] != next || c[1] <= c[0] || c[1]-c[0] > size {
				t.Fatalf("bad chunk %v after %d", c, next)
			}
			next = c[1]
		}
		if next != n {
			t.Fatalf("chunks end at %d, want %d", next, n)
		}
	})
}

func TestStringEncodingIsLengthPrefixed(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.StringN(0, 64, -1).Draw(t, "s")
		v := rapid.Uint64().Draw(t, "v")
		b := (&Encoder{}).String(s).U64(v).Bytes()
		l := binary.LittleEndian.Uint32(b[:4])
		if int(l) != len(s) || string(b[4:4+l]) != s {
			t.Fatalf("bad prefix for %q", s)
		}
		if binary.LittleEndian.Uint64(b[4+l:]) != v {
			t.Fatalf("u64 mismatch")
		}
	})
}

func TestShortVecRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 0xffff).Draw(t, "n")
		b := appendShortVec(nil, n)
		if len(b) != shortVecLen(n) {
			t.Fatalf("len %d, want %d", len(b), shortVecLen(n))
		}
		var v, shift int
		for _, c := range b {
			v |= int(c&0x7f) << shift
			shift += 7
		}
		if v != n {
			t.Fatalf("decoded %d, want %d", v, n)
		}
	})
}
