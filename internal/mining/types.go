// Package mining holds the device workers and the farm coordinator that
// spread one work package across every healthy device.
package mining

import (
	"sync/atomic"
	"time"

	"github.com/tosproject/tosminer/internal/toshash"
)

// DeviceKind identifies the compute backend driving a worker.
type DeviceKind int

const (
	KindCPU DeviceKind = iota
	KindFamilyA
	KindFamilyB
)

func (k DeviceKind) String() string {
	switch k {
	case KindCPU:
		return "CPU"
	case KindFamilyA:
		return "GA"
	case KindFamilyB:
		return "GB"
	default:
		return "unknown"
	}
}

// DeviceDescriptor describes one enumerated compute device.
type DeviceDescriptor struct {
	Kind         DeviceKind `json:"kind"`
	Index        uint32     `json:"index"`
	Name         string     `json:"name"`
	TotalMemory  uint64     `json:"total_memory"`
	ComputeUnits uint32     `json:"compute_units"`

	// PlatformIndex and DeviceIndex address the device inside its
	// vendor runtime; zero for CPUs.
	PlatformIndex uint32 `json:"platform_index"`
	DeviceIndex   uint32 `json:"device_index"`

	// ComputeMajor and ComputeMinor carry the compute capability for
	// FamilyA devices.
	ComputeMajor uint32 `json:"compute_major"`
	ComputeMinor uint32 `json:"compute_minor"`
}

// Solution is one nonce whose hash met the current target.
type Solution struct {
	Nonce       uint64
	Hash        toshash.Hash
	DeviceIndex uint32
}

// SolutionEvent pairs a verified solution with the job it solves. Workers
// send these over their outbound channel to the farm aggregator.
type SolutionEvent struct {
	Solution Solution
	JobID    string
}

// SolutionSink receives verified solutions from the farm aggregator.
// Implementations must be safe for concurrent use.
type SolutionSink func(sol Solution, jobID string)

// HashRate is a point-in-time rate snapshot.
type HashRate struct {
	// Instant is the rate over the most recent sample interval.
	Instant float64
	// EMA is the exponentially smoothed rate.
	EMA float64
	// Count is the total hashes behind the estimate.
	Count uint64
	// Duration is the total time behind the estimate.
	Duration time.Duration
}

// Stats aggregates farm-wide counters. All fields are updated atomically
// so the snapshot path never takes a lock.
type Stats struct {
	HashCount      atomic.Uint64
	AcceptedShares atomic.Uint64
	RejectedShares atomic.Uint64
	StaleShares    atomic.Uint64
}

// Reset zeroes all counters.
func (s *Stats) Reset() {
	s.HashCount.Store(0)
	s.AcceptedShares.Store(0)
	s.RejectedShares.Store(0)
	s.StaleShares.Store(0)
}

// Snapshot copies the counters into a plain value.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		HashCount:      s.HashCount.Load(),
		AcceptedShares: s.AcceptedShares.Load(),
		RejectedShares: s.RejectedShares.Load(),
		StaleShares:    s.StaleShares.Load(),
	}
}

// StatsSnapshot is a copy of Stats safe to serialize.
type StatsSnapshot struct {
	HashCount      uint64 `json:"hash_count"`
	AcceptedShares uint64 `json:"accepted_shares"`
	RejectedShares uint64 `json:"rejected_shares"`
	StaleShares    uint64 `json:"stale_shares"`
}

// HealthStatus classifies a worker's recent solution quality.
type HealthStatus int

const (
	Healthy HealthStatus = iota
	Degraded
	Unhealthy
	Failed
)

func (h HealthStatus) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func (h HealthStatus) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// Classification thresholds. A device with fewer than healthMinSolutions
// total solutions is always reported healthy.
const (
	healthMinSolutions = 5
	validityHealthy    = 0.95
	validityDegraded   = 0.80
	validityFailed     = 0.50
	hwErrorsHealthy    = 5
	hwErrorsDegraded   = 20
	hwErrorsFailed     = 50
)

// DeviceHealth tracks per-worker solution quality counters.
type DeviceHealth struct {
	Status             HealthStatus `json:"status"`
	ValidSolutions     uint64       `json:"valid_solutions"`
	InvalidSolutions   uint64       `json:"invalid_solutions"`
	DuplicateSolutions uint64       `json:"duplicate_solutions"`
	HardwareErrors     uint64       `json:"hardware_errors"`
	LastSolution       time.Time    `json:"last_solution"`
}

// ValidityRate returns valid/(valid+invalid), or 1.0 before any solution.
func (h *DeviceHealth) ValidityRate() float64 {
	total := h.ValidSolutions + h.InvalidSolutions
	if total == 0 {
		return 1.0
	}
	return float64(h.ValidSolutions) / float64(total)
}

// classify derives Status from the counters. Small sample sizes are
// suppressed to avoid flapping on startup.
func (h *DeviceHealth) classify() HealthStatus {
	if h.ValidSolutions+h.InvalidSolutions < healthMinSolutions {
		return Healthy
	}
	rate := h.ValidityRate()
	switch {
	case rate < validityFailed || h.HardwareErrors > hwErrorsFailed:
		return Failed
	case rate >= validityHealthy && h.HardwareErrors <= hwErrorsHealthy:
		return Healthy
	case rate >= validityDegraded && h.HardwareErrors <= hwErrorsDegraded:
		return Degraded
	default:
		return Unhealthy
	}
}
