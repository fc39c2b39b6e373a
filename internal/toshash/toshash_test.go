package toshash

import (
	"testing"
)

func TestSumDeterministic(t *testing.T) {
	input := make([]byte, InputSize)
	for i := range input {
		input[i] = byte(i)
	}

	s1 := NewScratchpad()
	s2 := NewScratchpad()

	h1 := Sum(input, s1)
	h2 := Sum(input, s2)

	if h1 != h2 {
		t.Fatalf("hash not deterministic: %s != %s", h1.Hex(), h2.Hex())
	}

	// Reusing the same scratchpad must not change the result.
	h3 := Sum(input, s1)
	if h1 != h3 {
		t.Fatalf("scratchpad reuse changed result: %s != %s", h1.Hex(), h3.Hex())
	}
}

func TestSumAvalanche(t *testing.T) {
	input := make([]byte, InputSize)
	scratch := NewScratchpad()

	base := Sum(input, scratch)

	// Flipping any single bit must change the output.
	for _, pos := range []int{0, 1, 55, InputSize - 8, InputSize - 1} {
		mutated := make([]byte, InputSize)
		copy(mutated, input)
		mutated[pos] ^= 0x01

		h := Sum(mutated, scratch)
		if h == base {
			t.Errorf("bit flip at byte %d did not change hash", pos)
		}

		// And differ in a substantial number of bits (avalanche).
		diff := 0
		for i := 0; i < HashSize; i++ {
			b := h[i] ^ base[i]
			for b != 0 {
				diff += int(b & 1)
				b >>= 1
			}
		}
		if diff < 32 {
			t.Errorf("weak avalanche for flip at byte %d: only %d output bits changed", pos, diff)
		}
	}
}

func TestSumNonceSensitivity(t *testing.T) {
	// The nonce slot is the last 8 bytes; consecutive nonces must give
	// unrelated hashes.
	input := make([]byte, InputSize)
	scratch := NewScratchpad()

	seen := make(map[Hash]uint64)
	for nonce := uint64(0); nonce < 16; nonce++ {
		for i := 0; i < 8; i++ {
			input[InputSize-8+i] = byte(nonce >> (8 * i))
		}
		h := Sum(input, scratch)
		if prev, dup := seen[h]; dup {
			t.Fatalf("nonce %d collides with nonce %d", nonce, prev)
		}
		seen[h] = nonce
	}
}

func TestMeetsTarget(t *testing.T) {
	var zero, max Hash
	for i := range max {
		max[i] = 0xFF
	}

	lower := Hash{0x00, 0x01}
	higher := Hash{0x00, 0x02}

	cases := []struct {
		name   string
		hash   Hash
		target Hash
		want   bool
	}{
		{"zero meets max", zero, max, true},
		{"max fails zero", max, zero, false},
		{"equal meets", max, max, true},
		{"zero meets zero", zero, zero, true},
		{"second byte lower", lower, higher, true},
		{"second byte higher", higher, lower, false},
	}

	for _, tc := range cases {
		if got := tc.hash.MeetsTarget(tc.target); got != tc.want {
			t.Errorf("%s: MeetsTarget = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestParseHashRoundTrip(t *testing.T) {
	input := make([]byte, InputSize)
	input[0] = 0xAB
	scratch := NewScratchpad()

	h := Sum(input, scratch)
	parsed, err := ParseHash(h.Hex())
	if err != nil {
		t.Fatalf("ParseHash(%q): %v", h.Hex(), err)
	}
	if parsed != h {
		t.Fatalf("round trip mismatch: %s != %s", parsed.Hex(), h.Hex())
	}

	if _, err := ParseHash("abcd"); err == nil {
		t.Error("expected error for short hex")
	}
	if _, err := ParseHash(string(make([]byte, 64))); err == nil {
		t.Error("expected error for non-hex input")
	}
}

func BenchmarkSum(b *testing.B) {
	input := make([]byte, InputSize)
	scratch := NewScratchpad()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		input[0] = byte(i)
		input[1] = byte(i >> 8)
		Sum(input, scratch)
	}
}
