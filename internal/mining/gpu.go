package mining

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tosproject/tosminer/internal/toshash"
	"github.com/tosproject/tosminer/internal/work"
)

const (
	familyAPipelineDepth = 4
	familyBPipelineDepth = 2

	// noncesPerComputeUnit sizes the scan grid so every unit keeps a few
	// waves in flight.
	noncesPerComputeUnit = 8192
)

type kernelSlot struct {
	done   chan struct{}
	result BatchResult
	err    error
}

// KernelBackend drives an accelerator through a KernelRunner. FamilyA
// devices run a deeper pipeline to cover their higher launch latency;
// FamilyB devices keep it shallow to bound memory pressure.
type KernelBackend struct {
	desc      DeviceDescriptor
	runner    KernelRunner
	depth     int
	batchSize uint64
	logger    *zap.Logger

	header [toshash.InputSize]byte
	target toshash.Hash

	slots  []*kernelSlot
	ctx    context.Context
	cancel context.CancelFunc
}

// NewKernelBackend builds a backend for the descriptor's device family.
func NewKernelBackend(desc DeviceDescriptor, runner KernelRunner, logger *zap.Logger) (*KernelBackend, error) {
	if runner == nil {
		return nil, fmt.Errorf("%w: nil kernel runner", ErrDevice)
	}

	var depth int
	var name string
	switch desc.Kind {
	case KindFamilyA:
		depth, name = familyAPipelineDepth, "familya"
	case KindFamilyB:
		depth, name = familyBPipelineDepth, "familyb"
	default:
		return nil, fmt.Errorf("%w: kind %s has no kernel backend", ErrDevice, desc.Kind)
	}

	units := desc.ComputeUnits
	if units == 0 {
		units = 16
	}
	return &KernelBackend{
		desc:      desc,
		runner:    runner,
		depth:     depth,
		batchSize: uint64(units) * noncesPerComputeUnit,
		logger:    logger.Named(name),
	}, nil
}

func (b *KernelBackend) Init(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.slots = make([]*kernelSlot, b.depth)
	b.logger.Info("kernel backend initialized",
		zap.String("device", b.desc.Name),
		zap.Int("pipeline_depth", b.depth),
		zap.Uint64("batch_size", b.batchSize))
	return nil
}

func (b *KernelBackend) SetWork(pkg *work.Package) error {
	if !pkg.Valid {
		return fmt.Errorf("%w: invalid work package", ErrLogic)
	}
	b.header = pkg.Header
	b.target = pkg.Target
	return nil
}

func (b *KernelBackend) StartBatch(slot int, startNonce uint64) error {
	if slot < 0 || slot >= len(b.slots) {
		return fmt.Errorf("%w: batch slot %d out of range", ErrLogic, slot)
	}
	s := &kernelSlot{done: make(chan struct{})}
	b.slots[slot] = s

	header := b.header
	target := b.target
	count := b.batchSize
	go func() {
		defer close(s.done)
		nonces, err := b.runner.Run(b.ctx, header, [32]byte(target), startNonce, count)
		if err != nil {
			s.err = fmt.Errorf("%w: kernel launch: %v", ErrDevice, err)
			return
		}
		if len(nonces) > MaxBatchOutputs {
			b.logger.Warn("batch output truncated",
				zap.Int("found", len(nonces)),
				zap.Int("kept", MaxBatchOutputs))
			nonces = nonces[:MaxBatchOutputs]
		}
		s.result = BatchResult{Nonces: nonces, Hashed: count}
	}()
	return nil
}

func (b *KernelBackend) WaitBatch(ctx context.Context, slot int) error {
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

func (b *KernelBackend) ReadResults(slot int) (BatchResult, error) {
	s := b.slots[slot]
	if s == nil {
		return BatchResult{}, fmt.Errorf("%w: read on idle slot %d", ErrLogic, slot)
	}
	b.slots[slot] = nil
	return s.result, s.err
}

func (b *KernelBackend) Free() error {
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

func (b *KernelBackend) PipelineDepth() int { return b.depth }

func (b *KernelBackend) BatchSize() uint64 { return b.batchSize }

func (b *KernelBackend) Descriptor() DeviceDescriptor { return b.desc }
