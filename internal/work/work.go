// Package work models a mining job snapshot and the nonce-space
// partitioning arithmetic used to spread one job across devices.
package work

import (
	"encoding/hex"
	"math"
	"time"

	"github.com/tosproject/tosminer/internal/toshash"
)

const (
	// MaxDevices caps the partition count so each device keeps a usable
	// slice of the 64-bit nonce space.
	MaxDevices = 256

	// MinExtranonce2Size and MaxExtranonce2Size bound the pool-assigned
	// extranonce2 width. Below 4 bytes miners collide on nonces quickly;
	// above 8 bytes the offset no longer fits a uint64.
	MinExtranonce2Size = 4
	MaxExtranonce2Size = 8
)

// ClampExtranonce2Size forces size into [MinExtranonce2Size,
// MaxExtranonce2Size] and reports whether clamping happened.
func ClampExtranonce2Size(size uint) (uint, bool) {
	if size < MinExtranonce2Size {
		return MinExtranonce2Size, true
	}
	if size > MaxExtranonce2Size {
		return MaxExtranonce2Size, true
	}
	return size, false
}

// Package is an immutable snapshot of one mining job. The zero value is
// invalid; the pool session fills one in per mining.notify and the farm
// stamps TotalDevices before distribution.
type Package struct {
	// JobID is the opaque pool-assigned identifier. Workers detect job
	// changes by comparing it.
	JobID string

	// Header is the 112-byte pre-image. The last 8 bytes are the nonce
	// slot, little-endian.
	Header [toshash.InputSize]byte

	// Target is the upper bound a valid hash must satisfy (byte-wise <=).
	Target toshash.Hash

	// Height is carried for logging only.
	Height uint64

	// StartNonce is the base nonce, decoded little-endian from the
	// pool's extranonce1 prefix.
	StartNonce uint64

	// Extranonce1 is the pool-assigned prefix as received (hex).
	Extranonce1 string

	// Extranonce2Size is the pool's client-suffix width in bytes,
	// already clamped to [MinExtranonce2Size, MaxExtranonce2Size].
	Extranonce2Size uint

	// TotalDevices partitions the nonce space. Values above MaxDevices
	// are clamped during partition arithmetic.
	TotalDevices uint32

	// ReceivedAt stamps arrival for staleness checks.
	ReceivedAt time.Time

	// Valid is false on zero-value packages.
	Valid bool
}

// Reset returns the package to its initial (invalid) state.
func (p *Package) Reset() {
	*p = Package{Extranonce2Size: MinExtranonce2Size, TotalDevices: 1, ReceivedAt: time.Now()}
}

// Age returns how long ago the work was received.
func (p *Package) Age() time.Duration {
	return time.Since(p.ReceivedAt)
}

// IsStale reports whether the work is older than threshold.
func (p *Package) IsStale(threshold time.Duration) bool {
	return p.Age() > threshold
}

// clampedDevices returns TotalDevices forced into [1, MaxDevices].
func (p *Package) clampedDevices() uint32 {
	if p.TotalDevices > MaxDevices {
		return MaxDevices
	}
	if p.TotalDevices == 0 {
		return 1
	}
	return p.TotalDevices
}

// SpacePerDevice returns floor(2^64 / clamped total), the size of each
// device's half-open nonce range. With a single device the whole space is
// one range.
func (p *Package) SpacePerDevice() uint64 {
	total := uint64(p.clampedDevices())
	if total <= 1 {
		return math.MaxUint64
	}
	// floor(2^64/total) = floor((MaxUint64+1)/total).
	q := uint64(math.MaxUint64) / total
	if uint64(math.MaxUint64)%total == total-1 {
		q++
	}
	return q
}

// DeviceStartNonce returns the base nonce for device i. The add saturates:
// if StartNonce pushes the offset past 2^64 the device is pinned to the
// topmost range instead of wrapping.
func (p *Package) DeviceStartNonce(i uint32) uint64 {
	total := p.clampedDevices()
	if total <= 1 {
		return p.StartNonce
	}
	if i >= total {
		i = total - 1
	}

	space := p.SpacePerDevice()
	offset := space * uint64(i)

	if p.StartNonce > math.MaxUint64-offset {
		return math.MaxUint64 - space + 1
	}
	return p.StartNonce + offset
}

// DeviceRange returns device i's half-open nonce range [start, start+size).
// Size saturates at the top of the space.
func (p *Package) DeviceRange(i uint32) (start, size uint64) {
	start = p.DeviceStartNonce(i)
	size = p.SpacePerDevice()
	if start > math.MaxUint64-size {
		size = math.MaxUint64 - start
	}
	return start, size
}

// DeviceOffset returns the extranonce2 base for device i, the distance of
// its range start from StartNonce.
func (p *Package) DeviceOffset(i uint32) uint64 {
	total := p.clampedDevices()
	if total <= 1 {
		return 0
	}
	if i >= total {
		i = total - 1
	}
	return p.SpacePerDevice() * uint64(i)
}

// Extranonce2Hex encodes deviceOffset(i)+offset as exactly Extranonce2Size
// little-endian bytes of hex, the form the pool expects in mining.submit.
func (p *Package) Extranonce2Hex(i uint32, offset uint64) string {
	return Extranonce2Hex(p.DeviceOffset(i)+offset, p.Extranonce2Size)
}

// Extranonce2Hex serializes value as exactly size little-endian bytes of
// lowercase hex. Values are truncated, never zero-stripped.
func Extranonce2Hex(value uint64, size uint) string {
	size, _ = ClampExtranonce2Size(size)
	buf := make([]byte, size)
	for i := uint(0); i < size; i++ {
		buf[i] = byte(value >> (8 * i))
	}
	return hex.EncodeToString(buf)
}

// SetHeader copies data into the header, zero-padding short input.
func (p *Package) SetHeader(data []byte) {
	n := copy(p.Header[:], data)
	for i := n; i < toshash.InputSize; i++ {
		p.Header[i] = 0
	}
}

// SetNonce writes nonce into the header's nonce slot (last 8 bytes,
// little-endian).
func (p *Package) SetNonce(nonce uint64) {
	putNonce(p.Header[:], nonce)
}

// Nonce reads the nonce currently in the header.
func (p *Package) Nonce() uint64 {
	var n uint64
	for i := 0; i < 8; i++ {
		n |= uint64(p.Header[toshash.InputSize-8+i]) << (8 * i)
	}
	return n
}

// HeaderWithNonce returns a copy of the header with nonce written into the
// nonce slot, ready for hashing.
func (p *Package) HeaderWithNonce(nonce uint64) [toshash.InputSize]byte {
	hdr := p.Header
	putNonce(hdr[:], nonce)
	return hdr
}

func putNonce(header []byte, nonce uint64) {
	for i := 0; i < 8; i++ {
		header[toshash.InputSize-8+i] = byte(nonce >> (8 * i))
	}
}
