package stratum

import (
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/tosproject/tosminer/internal/toshash"
)

func hashWithBytes(set map[int]byte) toshash.Hash {
	var h toshash.Hash
	for i, b := range set {
		h[i] = b
	}
	return h
}

func TestDifficultyToTargetVectors(t *testing.T) {
	logger := zaptest.NewLogger(t)

	allFF := toshash.Hash{}
	for i := range allFF {
		allFF[i] = 0xFF
	}

	tests := []struct {
		name       string
		difficulty float64
		want       toshash.Hash
	}{
		{"zero is max target", 0, allFF},
		{"negative is max target", -5, allFF},
		{"below one pins to base", 0.5, hashWithBytes(map[int]byte{4: 0xFF, 5: 0xFF})},
		{"one", 1, hashWithBytes(map[int]byte{4: 0xFF, 5: 0xFF})},
		{"one point five", 1.5, hashWithBytes(map[int]byte{4: 0xAA, 5: 0xAA})},
		{"two", 2, hashWithBytes(map[int]byte{4: 0x7F, 5: 0xFF, 6: 0x80})},
		{"two fifty six", 256, hashWithBytes(map[int]byte{5: 0xFF, 6: 0xFF})},
		{"sixty five thousand", 65535, hashWithBytes(map[int]byte{5: 0x01})},
		{"shift past base", 65536, hashWithBytes(map[int]byte{6: 0xFF, 7: 0xFF})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DifficultyToTarget(tt.difficulty, logger)
			if got != tt.want {
				t.Errorf("DifficultyToTarget(%v) = %s, want %s",
					tt.difficulty, got.Hex(), tt.want.Hex())
			}
		})
	}
}

func TestDifficultyToTargetClampsExtremes(t *testing.T) {
	got := DifficultyToTarget(1e20, zaptest.NewLogger(t))
	if got == (toshash.Hash{}) {
		t.Error("clamped extreme difficulty produced an all-zero target")
	}
}

func TestTargetConversionPathsAgree(t *testing.T) {
	logger := zaptest.NewLogger(t)
	for _, d := range []float64{1, 1.5, 2, 3.0, 256, 65535, 65536} {
		fixed := DifficultyToTarget(d, logger)
		float := difficultyToTargetFloat(d)
		if fixed != float {
			t.Errorf("difficulty %v: fixed-point %s != float %s",
				d, fixed.Hex(), float.Hex())
		}
	}
}
