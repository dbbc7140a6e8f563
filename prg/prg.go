// Package prg implements the keyed pseudorandom generator shared by every
// cryptographic operation in this module: per-hop keystream derivation in
// package protocol and shuffle-permutation draws in package shuffle. It
// clocks a blake2b-keyed stream in fixed-size buffer refills and draws
// bounded integers via rejection sampling, specialized to blake2b as the
// underlying primitive and to the one field this engine needs.
package prg

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
	"github.com/zeebo/blake3"

	"github.com/tuneinsight/drivacy/field"
	"github.com/tuneinsight/drivacy/perr"
)

const bufSize = 64

// Stream is a keyed pseudorandom byte stream, clocked in fixed-size
// buffers. Two Streams constructed from the same key produce identical
// output, which is the property the shuffler's cross-shard agreement and
// the client's determinism contract both depend on.
type Stream struct {
	key     []byte
	counter uint64
	buf     []byte
	pos     int
}

// New constructs a Stream keyed by key, which must be a valid blake2b-256
// MAC key (<=64 bytes).
func New(key []byte) (*Stream, error) {
	if len(key) == 0 || len(key) > 64 {
		return nil, perr.New(perr.CryptoFailure, "prg.New", nil)
	}
	s := &Stream{key: append([]byte(nil), key...)}
	s.refill()
	return s, nil
}

// refill derives the next bufSize pseudorandom bytes as
// blake2b(key, counter) and resets the read cursor.
func (s *Stream) refill() {
	h, err := blake2b.New256(s.key)
	if err != nil {
		// Only possible if key is too long, which New already rejected.
		panic(err)
	}
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], s.counter)
	h.Write(ctr[:])
	sum := h.Sum(nil)
	// blake2b-256 yields 32 bytes; stretch to bufSize by chaining further
	// keyed sums.
	out := make([]byte, 0, bufSize)
	for len(out) < bufSize {
		out = append(out, sum...)
		h.Reset()
		h.Write(sum)
		sum = h.Sum(nil)
	}
	s.buf = out[:bufSize]
	s.pos = 0
	s.counter++
}

// next8 returns the next 8 pseudorandom bytes as a big-endian uint64.
func (s *Stream) next8() uint64 {
	if s.pos+8 > len(s.buf) {
		s.refill()
	}
	v := binary.BigEndian.Uint64(s.buf[s.pos : s.pos+8])
	s.pos += 8
	return v
}

// Uint64n returns a uniform pseudorandom integer in [0, n). n must be > 0.
// Rejection sampling against a power-of-two mask, exactly the shape of
// ring/sampler_uniform.go's RandUniform/randInt64.
func (s *Stream) Uint64n(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	mask := maskFor(n - 1)
	for {
		v := s.next8() & mask
		if v < n {
			return v
		}
	}
}

// maskFor returns the smallest (2^k - 1) >= v.
func maskFor(v uint64) uint64 {
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	return v
}

// FieldElement returns a uniform pseudorandom element of the field package's
// prime field.
func (s *Stream) FieldElement() uint64 {
	return s.Uint64n(field.Modulus)
}

// Derive produces key material for a new Stream from material plus a
// sequence of domain-separation tags, using blake3 as a KDF.
func Derive(material []byte, tags ...[]byte) []byte {
	h := blake3.New()
	h.Write(material)
	for _, t := range tags {
		var l [8]byte
		binary.BigEndian.PutUint64(l[:], uint64(len(t)))
		h.Write(l[:])
		h.Write(t)
	}
	sum := h.Sum(nil)
	// blake2b-256 keys must be <=64 bytes; blake3's default digest is 32.
	return sum[:32]
}
