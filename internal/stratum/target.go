package stratum

import (
	"math"
	"math/big"

	"go.uber.org/zap"

	"github.com/tosproject/tosminer/internal/toshash"
)

// maxSafeDifficulty bounds the fixed-point conversion; anything beyond it
// already yields a practically unreachable target.
const maxSafeDifficulty = 1e15

// diff1Numerator is base_target * 2^32 where base_target = 0xFFFF * 2^208
// (big-endian bytes 4 and 5 set). The extra 2^32 preserves fractional
// difficulty precision through integer division.
var diff1Numerator = new(big.Int).Lsh(big.NewInt(0xFFFF), 240)

// DifficultyToTarget converts pool difficulty into a 32-byte big-endian
// share target, target = base_target / difficulty.
//
// Known vectors: d=1 -> 0x00000000FFFF00...; d=2 -> 0x000000007FFF80...;
// d=256 -> 0x0000000000FFFF...
func DifficultyToTarget(difficulty float64, logger *zap.Logger) toshash.Hash {
	var target toshash.Hash

	if difficulty <= 0 {
		for i := range target {
			target[i] = 0xFF
		}
		return target
	}

	if difficulty < 1.0 {
		// Target would exceed base; pin to base.
		target[4] = 0xFF
		target[5] = 0xFF
		return target
	}

	if difficulty > maxSafeDifficulty {
		if logger != nil {
			logger.Warn("difficulty exceeds safe limit, clamping",
				zap.Float64("difficulty", difficulty),
				zap.Float64("limit", maxSafeDifficulty))
		}
		difficulty = maxSafeDifficulty
	}

	divisor := new(big.Int).SetUint64(uint64(difficulty * 4294967296.0)) // 2^32
	if divisor.Sign() == 0 {
		divisor.SetUint64(1)
	}

	quotient := new(big.Int).Div(diff1Numerator, divisor)
	quotient.FillBytes(target[:])

	if target == (toshash.Hash{}) {
		target[31] = 1
	}
	return target
}

// difficultyToTargetFloat is the double-precision fallback conversion,
// byte[i] = floor(65535/d * 2^(8i-40)) mod 256. Kept as a cross-check for
// the fixed-point path.
func difficultyToTargetFloat(difficulty float64) toshash.Hash {
	var target toshash.Hash

	if difficulty <= 0 {
		for i := range target {
			target[i] = 0xFF
		}
		return target
	}
	if difficulty < 1.0 {
		target[4] = 0xFF
		target[5] = 0xFF
		return target
	}
	if difficulty > maxSafeDifficulty {
		difficulty = maxSafeDifficulty
	}

	quotient := 65535.0 / difficulty
	for i := 4; i < 32; i++ {
		shift := 8*i - 40
		var scaled float64
		if shift >= 0 {
			scaled = quotient * math.Pow(2, float64(shift))
		} else {
			scaled = quotient / math.Pow(2, float64(-shift))
		}
		b := math.Mod(math.Floor(scaled), 256)
		if b < 0 {
			b = 0
		}
		if b > 255 {
			b = 255
		}
		target[i] = byte(b)
	}

	if target == (toshash.Hash{}) {
		target[31] = 1
	}
	return target
}
