// Package toshash implements the TosHash V3 memory-hard proof-of-work
// used for host-side verification and CPU mining.
//
// The algorithm runs four stages over a 64 KiB scratchpad of 8192
// 64-bit words: a Blake3-seeded sequential fill, four alternating-direction
// mixing passes, eight strided mixing rounds, and an XOR fold followed by a
// final Blake3 hash.
package toshash

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

const (
	// InputSize is the block header size in bytes. The last 8 bytes hold
	// the nonce, little-endian.
	InputSize = 112

	// HashSize is the output hash size in bytes.
	HashSize = 32

	// ScratchWords is the scratchpad size in 64-bit words (64 KiB).
	ScratchWords = 8192

	// MemoryPasses is the number of sequential mixing passes in stage 2.
	MemoryPasses = 4

	// MixRounds is the number of strided mixing rounds in stage 3.
	MixRounds = 8

	mixConst = 0x517cc1b727220a95
)

// strides used in stage 3, cycled per round.
var strides = [4]uint64{1, 64, 256, 1024}

// Hash is a 256-bit hash value. Comparisons against targets are byte-wise
// big-endian: the first differing byte decides.
type Hash [HashSize]byte

// MeetsTarget reports whether h <= target under byte-wise big-endian
// comparison. Equality counts as meeting the target.
func (h Hash) MeetsTarget(target Hash) bool {
	for i := 0; i < HashSize; i++ {
		if h[i] < target[i] {
			return true
		}
		if h[i] > target[i] {
			return false
		}
	}
	return true
}

// Hex returns the lowercase hex encoding of h.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// ParseHash decodes a 64-character hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != HashSize*2 {
		return h, fmt.Errorf("hash hex must be %d characters, got %d", HashSize*2, len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("invalid hash hex: %w", err)
	}
	return h, nil
}

// Scratchpad is the 64 KiB working memory for one hash computation.
// Callers own their scratchpad and reuse it across calls; Sum overwrites it
// entirely, so no clearing between calls is needed.
type Scratchpad [ScratchWords]uint64

// NewScratchpad allocates a scratchpad. Each verification thread creates one
// on start and reuses it for every hash.
func NewScratchpad() *Scratchpad {
	return new(Scratchpad)
}

func rotl64(x uint64, r uint) uint64 {
	r &= 63
	return x<<r | x>>((64-r)&63)
}

func rotr64(x uint64, r uint) uint64 {
	r &= 63
	return x>>r | x<<((64-r)&63)
}

// mix combines two words with round-dependent rotations. All arithmetic is
// wrapping 64-bit.
func mix(a, b, round uint64) uint64 {
	rot := uint((round * 7) % 64)
	x := a + b
	y := a ^ rotl64(b, rot)
	z := x * mixConst
	return z ^ rotr64(y, rot/2)
}

// stage1Fill seeds the scratchpad from a Blake3 hash of the input.
func stage1Fill(input []byte, scratch *Scratchpad) {
	seed := blake3.Sum256(input)

	var state [4]uint64
	for i := 0; i < 4; i++ {
		state[i] = binary.LittleEndian.Uint64(seed[i*8:])
	}

	for i := uint64(0); i < ScratchWords; i++ {
		idx := i % 4
		state[idx] = mix(state[idx], state[(idx+1)%4], i)
		scratch[i] = state[idx]
	}
}

// stage2Passes runs MemoryPasses sequential passes, alternating direction,
// carrying the previous word of the pass as extra entropy.
func stage2Passes(scratch *Scratchpad) {
	for pass := uint64(0); pass < MemoryPasses; pass++ {
		if pass%2 == 0 {
			carry := scratch[ScratchWords-1]
			for i := 0; i < ScratchWords; i++ {
				prev := scratch[ScratchWords-1]
				if i > 0 {
					prev = scratch[i-1]
				}
				scratch[i] = mix(scratch[i], prev^carry, pass)
				carry = scratch[i]
			}
		} else {
			carry := scratch[0]
			for i := ScratchWords - 1; i >= 0; i-- {
				next := scratch[0]
				if i < ScratchWords-1 {
					next = scratch[i+1]
				}
				scratch[i] = mix(scratch[i], next^carry, pass)
				carry = scratch[i]
			}
		}
	}
}

// stage3Strided runs MixRounds rounds touching words at increasing strides
// to defeat cache locality.
func stage3Strided(scratch *Scratchpad) {
	for round := uint64(0); round < MixRounds; round++ {
		stride := strides[round%4]
		for i := uint64(0); i < ScratchWords; i++ {
			j := (i + stride) % ScratchWords
			k := (i + stride*2) % ScratchWords
			scratch[i] = mix(scratch[i], scratch[j]^scratch[k], round)
		}
	}
}

// stage4Finalize XOR-folds the scratchpad to 256 bits and hashes once more.
func stage4Finalize(scratch *Scratchpad) Hash {
	var folded [4]uint64
	for i := 0; i < ScratchWords; i++ {
		folded[i%4] ^= scratch[i]
	}

	var buf [32]byte
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint64(buf[i*8:], folded[i])
	}

	return Hash(blake3.Sum256(buf[:]))
}

// Sum computes the TosHash V3 digest of input, reusing scratch in place.
// It performs no heap allocation.
func Sum(input []byte, scratch *Scratchpad) Hash {
	stage1Fill(input, scratch)
	stage2Passes(scratch)
	stage3Strided(scratch)
	return stage4Finalize(scratch)
}
