package work

import (
	"encoding/hex"
	"math"
	"testing"
	"time"
)

func TestDevicePartition(t *testing.T) {
	p := &Package{StartNonce: 100, TotalDevices: 4, Valid: true}

	space := p.SpacePerDevice()
	want := uint64(1) << 62
	if space != want {
		t.Fatalf("SpacePerDevice() = %d, want %d", space, want)
	}

	for i := uint32(0); i < 4; i++ {
		wantStart := 100 + uint64(i)*want
		if got := p.DeviceStartNonce(i); got != wantStart {
			t.Errorf("DeviceStartNonce(%d) = %d, want %d", i, got, wantStart)
		}
	}

	// Ranges abut: each device's end is the next device's start.
	for i := uint32(0); i < 3; i++ {
		start, size := p.DeviceRange(i)
		next := p.DeviceStartNonce(i + 1)
		if start+size != next {
			t.Errorf("device %d range [%d,+%d) does not abut next start %d", i, start, size, next)
		}
	}
}

func TestDevicePartitionNonPowerOfTwo(t *testing.T) {
	p := &Package{TotalDevices: 3, Valid: true}
	want := uint64(math.MaxUint64) / 3
	if got := p.SpacePerDevice(); got != want {
		t.Fatalf("SpacePerDevice() = %d, want %d", got, want)
	}
}

func TestDeviceClamps(t *testing.T) {
	p := &Package{TotalDevices: 10000, Valid: true}
	if got := p.clampedDevices(); got != MaxDevices {
		t.Errorf("clampedDevices() = %d, want %d", got, MaxDevices)
	}

	// Out-of-range index pins to the last device.
	if got, want := p.DeviceStartNonce(99999), p.DeviceStartNonce(MaxDevices-1); got != want {
		t.Errorf("DeviceStartNonce(overflow) = %d, want %d", got, want)
	}

	zero := &Package{TotalDevices: 0, Valid: true}
	if got := zero.SpacePerDevice(); got != math.MaxUint64 {
		t.Errorf("zero devices SpacePerDevice() = %d, want MaxUint64", got)
	}
}

func TestDeviceStartNonceSaturates(t *testing.T) {
	p := &Package{StartNonce: math.MaxUint64 - 10, TotalDevices: 4, Valid: true}
	space := p.SpacePerDevice()
	want := math.MaxUint64 - space + 1
	if got := p.DeviceStartNonce(3); got != want {
		t.Errorf("saturated DeviceStartNonce(3) = %d, want %d", got, want)
	}
}

func TestExtranonce2Hex(t *testing.T) {
	tests := []struct {
		value uint64
		size  uint
		want  string
	}{
		{0, 4, "00000000"},
		{0x04030201, 4, "01020304"},
		{0x04030201, 8, "0102030400000000"},
		{0xff, 4, "ff000000"},
		{0x0807060504030201, 8, "0102030405060708"},
		// Truncation keeps the low bytes.
		{0x0807060504030201, 4, "01020304"},
	}
	for _, tt := range tests {
		if got := Extranonce2Hex(tt.value, tt.size); got != tt.want {
			t.Errorf("Extranonce2Hex(%#x, %d) = %q, want %q", tt.value, tt.size, got, tt.want)
		}
	}
}

func TestExtranonce2RoundTrip(t *testing.T) {
	p := &Package{StartNonce: 0x1000, TotalDevices: 4, Extranonce2Size: 8, Valid: true}

	for _, offset := range []uint64{0, 1, 999, 1 << 40} {
		hexStr := p.Extranonce2Hex(2, offset)
		raw, err := hex.DecodeString(hexStr)
		if err != nil {
			t.Fatalf("decode %q: %v", hexStr, err)
		}
		var decoded uint64
		for i, b := range raw {
			decoded |= uint64(b) << (8 * i)
		}
		if want := p.DeviceOffset(2) + offset; decoded != want {
			t.Errorf("round trip offset %d: decoded %d, want %d", offset, decoded, want)
		}
	}
}

func TestClampExtranonce2Size(t *testing.T) {
	tests := []struct {
		in      uint
		want    uint
		clamped bool
	}{
		{0, 4, true},
		{3, 4, true},
		{4, 4, false},
		{6, 6, false},
		{8, 8, false},
		{9, 8, true},
		{100, 8, true},
	}
	for _, tt := range tests {
		got, clamped := ClampExtranonce2Size(tt.in)
		if got != tt.want || clamped != tt.clamped {
			t.Errorf("ClampExtranonce2Size(%d) = (%d, %v), want (%d, %v)",
				tt.in, got, clamped, tt.want, tt.clamped)
		}
	}
}

func TestHeaderNonce(t *testing.T) {
	p := &Package{Valid: true}
	p.SetHeader([]byte{0xaa, 0xbb, 0xcc})

	p.SetNonce(0x1122334455667788)
	if got := p.Nonce(); got != 0x1122334455667788 {
		t.Fatalf("Nonce() = %#x, want 0x1122334455667788", got)
	}

	hdr := p.HeaderWithNonce(0xdeadbeef)
	if hdr[0] != 0xaa || hdr[1] != 0xbb || hdr[2] != 0xcc {
		t.Error("HeaderWithNonce clobbered header prefix")
	}
	// Little-endian in the last 8 bytes.
	if hdr[104] != 0xef || hdr[105] != 0xbe || hdr[106] != 0xad || hdr[107] != 0xde {
		t.Errorf("nonce slot = % x, want little-endian 0xdeadbeef", hdr[104:])
	}
	// Original package header unchanged.
	if p.Nonce() != 0x1122334455667788 {
		t.Error("HeaderWithNonce mutated the package header")
	}
}

func TestStaleness(t *testing.T) {
	p := &Package{ReceivedAt: time.Now().Add(-2 * time.Minute), Valid: true}
	if !p.IsStale(time.Minute) {
		t.Error("2-minute-old work should be stale at 1m threshold")
	}
	if p.IsStale(5 * time.Minute) {
		t.Error("2-minute-old work should not be stale at 5m threshold")
	}
}

func TestReset(t *testing.T) {
	p := &Package{JobID: "j1", TotalDevices: 7, Extranonce2Size: 8, Valid: true}
	p.Reset()
	if p.Valid {
		t.Error("Reset() left package valid")
	}
	if p.JobID != "" {
		t.Error("Reset() left job id")
	}
	if p.Extranonce2Size != MinExtranonce2Size {
		t.Errorf("Reset() Extranonce2Size = %d, want %d", p.Extranonce2Size, MinExtranonce2Size)
	}
	if p.TotalDevices != 1 {
		t.Errorf("Reset() TotalDevices = %d, want 1", p.TotalDevices)
	}
}
