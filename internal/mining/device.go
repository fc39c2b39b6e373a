package mining

import (
	"context"

	"github.com/tosproject/tosminer/internal/work"
)

const (
	// MaxBatchOutputs caps the candidates read back from one batch. A
	// batch producing more than this is truncated; the excess nonces are
	// simply re-found by the pool at the next difficulty adjustment.
	MaxBatchOutputs = 64

	// MaxConsecutiveErrors triggers a backend recovery cycle.
	MaxConsecutiveErrors = 10

	// duplicateCacheCap bounds the per-worker duplicate-nonce cache.
	duplicateCacheCap = 1000
)

// BatchResult is the readback of one finished batch.
type BatchResult struct {
	// Nonces holds the candidate nonces, at most MaxBatchOutputs.
	Nonces []uint64
	// Hashed is the number of nonces actually scanned in the batch.
	Hashed uint64
}

// Backend abstracts one compute device behind a slot-addressed batch
// pipeline. The worker owns the call ordering: Init, SetWork, then
// repeated StartBatch/WaitBatch/ReadResults per slot, and finally Free.
// Implementations are driven from a single goroutine and need no
// internal locking for the batch path.
type Backend interface {
	// Init allocates device resources. Called once before any batch, and
	// again after Free during recovery.
	Init(ctx context.Context) error

	// SetWork uploads a new job. Pending batches are abandoned first.
	SetWork(pkg *work.Package) error

	// StartBatch launches an asynchronous scan of BatchSize nonces
	// beginning at startNonce, tracked under the given ring slot.
	StartBatch(slot int, startNonce uint64) error

	// WaitBatch blocks until the batch in slot completes.
	WaitBatch(ctx context.Context, slot int) error

	// ReadResults collects the finished batch's candidates.
	ReadResults(slot int) (BatchResult, error)

	// Free releases device resources.
	Free() error

	// PipelineDepth is the ring size: batches that may be in flight at
	// once. CPUs use 2; device families tune this for latency hiding.
	PipelineDepth() int

	// BatchSize is the nonces scanned per batch.
	BatchSize() uint64

	// Descriptor identifies the underlying device.
	Descriptor() DeviceDescriptor
}

// KernelRunner executes one scan batch on an accelerator. The device
// families delegate actual kernel dispatch through this hook so their
// pipelining, sizing and error accounting stay testable without vendor
// runtimes present.
type KernelRunner interface {
	// Run scans count nonces from startNonce against the header and
	// target, returning candidate nonces.
	Run(ctx context.Context, header [112]byte, target [32]byte, startNonce, count uint64) ([]uint64, error)
}
