package mining

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/tosproject/tosminer/internal/toshash"
	"github.com/tosproject/tosminer/internal/work"
)

const (
	cpuPipelineDepth    = 2
	cpuDefaultBatchSize = 1000
)

type cpuSlot struct {
	done   chan struct{}
	result BatchResult
	err    error
}

// CPUBackend scans nonces on host threads. Each batch fans out across the
// configured thread count, one scratchpad per thread.
type CPUBackend struct {
	desc      DeviceDescriptor
	threads   int
	batchSize uint64
	logger    *zap.Logger

	header [toshash.InputSize]byte
	target toshash.Hash

	slots  []*cpuSlot
	cancel context.CancelFunc
	ctx    context.Context
}

// NewCPUBackend builds a CPU backend. Zero threads auto-detects, leaving
// one core free for the network and coordination goroutines.
func NewCPUBackend(desc DeviceDescriptor, threads int, logger *zap.Logger) *CPUBackend {
	if threads <= 0 {
		threads = runtime.NumCPU() - 1
		if threads < 1 {
			threads = 1
		}
	}
	return &CPUBackend{
		desc:      desc,
		threads:   threads,
		batchSize: cpuDefaultBatchSize * uint64(threads),
		logger:    logger.Named("cpu"),
	}
}

func (b *CPUBackend) Init(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.slots = make([]*cpuSlot, cpuPipelineDepth)
	b.logger.Info("cpu backend initialized",
		zap.Int("threads", b.threads),
		zap.Uint64("batch_size", b.batchSize))
	return nil
}

func (b *CPUBackend) SetWork(pkg *work.Package) error {
	if !pkg.Valid {
		return fmt.Errorf("%w: invalid work package", ErrLogic)
	}
	// Abandon in-flight batches; their results will be discarded by the
	// worker's drain anyway.
	b.header = pkg.Header
	b.target = pkg.Target
	return nil
}

func (b *CPUBackend) StartBatch(slot int, startNonce uint64) error {
	if slot < 0 || slot >= len(b.slots) {
		return fmt.Errorf("%w: batch slot %d out of range", ErrLogic, slot)
	}
	s := &cpuSlot{done: make(chan struct{})}
	b.slots[slot] = s

	header := b.header
	target := b.target
	go func() {
		defer close(s.done)
		s.result, s.err = b.scan(header, target, startNonce)
	}()
	return nil
}

// scan splits the batch across threads and merges candidates.
func (b *CPUBackend) scan(header [toshash.InputSize]byte, target toshash.Hash, startNonce uint64) (BatchResult, error) {
	perThread := b.batchSize / uint64(b.threads)
	if perThread == 0 {
		perThread = 1
	}

	var (
		mu     sync.Mutex
		found  []uint64
		hashed uint64
	)
	var wg sync.WaitGroup
	for t := 0; t < b.threads; t++ {
		wg.Add(1)
		go func(t int) {
			defer wg.Done()
			scratch := toshash.NewScratchpad()
			hdr := header
			base := startNonce + uint64(t)*perThread

			var local []uint64
			for i := uint64(0); i < perThread; i++ {
				select {
				case <-b.ctx.Done():
					return
				default:
				}
				nonce := base + i
				putHeaderNonce(&hdr, nonce)
				h := toshash.Sum(hdr[:], scratch)
				if h.MeetsTarget(target) {
					local = append(local, nonce)
				}
			}

			mu.Lock()
			found = append(found, local...)
			hashed += perThread
			mu.Unlock()
		}(t)
	}
	wg.Wait()

	if len(found) > MaxBatchOutputs {
		found = found[:MaxBatchOutputs]
	}
	return BatchResult{Nonces: found, Hashed: hashed}, nil
}

func (b *CPUBackend) WaitBatch(ctx context.Context, slot int) error {
	s := b.slots[slot]
	if s == nil {
		return fmt.Errorf("%w: wait on idle slot %d", ErrLogic, slot)
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *CPUBackend) ReadResults(slot int) (BatchResult, error) {
	s := b.slots[slot]
	if s == nil {
		return BatchResult{}, fmt.Errorf("%w: read on idle slot %d", ErrLogic, slot)
	}
	b.slots[slot] = nil
	return s.result, s.err
}

func (b *CPUBackend) Free() error {
	if b.cancel != nil {
		b.cancel()
	}
	for _, s := range b.slots {
		if s != nil {
			<-s.done
		}
	}
	b.slots = nil
	return nil
}

func (b *CPUBackend) PipelineDepth() int { return cpuPipelineDepth }

func (b *CPUBackend) BatchSize() uint64 { return b.batchSize }

func (b *CPUBackend) Descriptor() DeviceDescriptor { return b.desc }

// putHeaderNonce writes nonce into the header's nonce slot, little-endian.
func putHeaderNonce(hdr *[toshash.InputSize]byte, nonce uint64) {
	for i := 0; i < 8; i++ {
		hdr[toshash.InputSize-8+i] = byte(nonce >> (8 * i))
	}
}
