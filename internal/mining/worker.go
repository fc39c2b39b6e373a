package mining

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tosproject/tosminer/internal/toshash"
	"github.com/tosproject/tosminer/internal/work"
)

// pauseIdleSleep is how long a paused worker sleeps between checks.
const pauseIdleSleep = 100 * time.Millisecond

// FailureSink is notified when a worker gives up after a failed recovery.
type FailureSink func(index uint32, err error)

// Worker drives one backend through the batch pipeline: it keeps the ring
// full, verifies every candidate on the host before emitting it, and
// tracks device health. All mining happens on the worker's own goroutine.
type Worker struct {
	backend Backend
	index   uint32
	logger  *zap.Logger

	workCh chan *work.Package
	paused atomic.Bool

	solutions   chan<- SolutionEvent
	failureSink FailureSink
	stats       *Stats

	estimator *Estimator
	scratch   *toshash.Scratchpad

	healthMu sync.Mutex
	health   DeviceHealth

	// seen caches emitted nonces for the current job. Flushed wholesale
	// on overflow and on job change.
	seen map[uint64]struct{}

	// lifeMu guards the run-goroutine lifecycle so Stop/Start pairs
	// from device recovery cannot race or double-launch the loop.
	lifeMu  sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWorker wraps a backend. index is the worker's position in the farm,
// used for nonce-range selection.
func NewWorker(backend Backend, index uint32, logger *zap.Logger) *Worker {
	return &Worker{
		backend:   backend,
		index:     index,
		logger:    logger.Named("worker").With(zap.Uint32("device", index)),
		workCh:    make(chan *work.Package, 1),
		estimator: NewEstimator(10 * time.Second),
		scratch:   toshash.NewScratchpad(),
		seen:      make(map[uint64]struct{}),
	}
}

// SetSolutionChannel installs the outbound channel verified solutions are
// sent on. The worker never closes it. Must be called before Start.
func (w *Worker) SetSolutionChannel(ch chan<- SolutionEvent) { w.solutions = ch }

// SetFailureSink installs the permanent-failure callback. Must be called
// before Start.
func (w *Worker) SetFailureSink(sink FailureSink) { w.failureSink = sink }

// AttachStats points the worker at shared farm counters.
func (w *Worker) AttachStats(s *Stats) { w.stats = s }

// Descriptor returns the backend's device identity.
func (w *Worker) Descriptor() DeviceDescriptor { return w.backend.Descriptor() }

// Index returns the worker's farm position.
func (w *Worker) Index() uint32 { return w.index }

// Init prepares the backend. Called by the farm before Start.
func (w *Worker) Init(ctx context.Context) error {
	if err := w.backend.Init(ctx); err != nil {
		return fmt.Errorf("device %d init: %w", w.index, err)
	}
	return nil
}

// SetWork hands the worker a new job. The pending slot is replaced if the
// worker has not picked up the previous package yet.
func (w *Worker) SetWork(pkg *work.Package) {
	for {
		select {
		case w.workCh <- pkg:
			return
		default:
			select {
			case <-w.workCh:
			default:
			}
		}
	}
}

// Start launches the mining loop. A stopped worker may be started again
// after its backend is re-initialized; calling Start on a running worker
// is a no-op.
func (w *Worker) Start() {
	w.lifeMu.Lock()
	defer w.lifeMu.Unlock()
	if w.running {
		return
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.done = make(chan struct{})
	w.running = true
	go w.run()
}

// Stop halts the loop and frees the backend. Blocks until the loop exits.
// Safe to call on a worker that never started or whose loop already
// exited after a permanent failure.
func (w *Worker) Stop() {
	w.lifeMu.Lock()
	if !w.running {
		w.lifeMu.Unlock()
		return
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.lifeMu.Unlock()

	cancel()
	<-done
	if err := w.backend.Free(); err != nil {
		w.logger.Warn("backend free failed", zap.Error(err))
	}
}

// Pause idles the worker without freeing the device.
func (w *Worker) Pause() { w.paused.Store(true) }

// Resume restarts mining after Pause.
func (w *Worker) Resume() { w.paused.Store(false) }

// HashRate returns the worker's current rate estimate.
func (w *Worker) HashRate() HashRate { return w.estimator.Rate() }

// Health returns a snapshot of the worker's health counters.
func (w *Worker) Health() DeviceHealth {
	w.healthMu.Lock()
	defer w.healthMu.Unlock()
	return w.health
}

// run is the pipeline loop. It owns all backend calls.
func (w *Worker) run() {
	defer close(w.done)

	var (
		pkg        *work.Package
		rangeStart uint64
		rangeSize  uint64
		nextNonce  uint64
		hashTotal  uint64

		depth    = w.backend.PipelineDepth()
		inflight []int // slot indices, oldest first
		freeSlot = make([]int, 0, depth)
	)
	for i := 0; i < depth; i++ {
		freeSlot = append(freeSlot, i)
	}

	drain := func() {
		for _, slot := range inflight {
			if err := w.backend.WaitBatch(w.ctx, slot); err == nil {
				w.backend.ReadResults(slot)
			}
			freeSlot = append(freeSlot, slot)
		}
		inflight = inflight[:0]
	}

	consecutiveErrors := 0

	for {
		select {
		case <-w.ctx.Done():
			drain()
			return
		default:
		}

		if w.paused.Load() {
			drain()
			time.Sleep(pauseIdleSleep)
			continue
		}

		// Pick up a new job before launching anything else.
		select {
		case newPkg := <-w.workCh:
			drain()
			if err := w.backend.SetWork(newPkg); err != nil {
				w.logger.Error("set work failed", zap.Error(err))
				continue
			}
			pkg = newPkg
			rangeStart, rangeSize = pkg.DeviceRange(w.index)
			nextNonce = rangeStart
			w.flushSeen()
			w.logger.Debug("new job",
				zap.String("job", pkg.JobID),
				zap.Uint64("range_start", rangeStart),
				zap.Uint64("range_size", rangeSize))
		default:
		}

		if pkg == nil {
			time.Sleep(pauseIdleSleep)
			continue
		}

		// Fill the ring.
		if len(freeSlot) > 0 {
			slot := freeSlot[len(freeSlot)-1]
			freeSlot = freeSlot[:len(freeSlot)-1]
			if err := w.backend.StartBatch(slot, nextNonce); err != nil {
				freeSlot = append(freeSlot, slot)
				if w.recordError(err, pkg, &consecutiveErrors) {
					return
				}
				continue
			}
			inflight = append(inflight, slot)
			nextNonce = w.advanceNonce(nextNonce, rangeStart, rangeSize)
			if len(freeSlot) > 0 {
				continue
			}
		}

		// Ring full: retire the oldest batch.
		slot := inflight[0]
		inflight = inflight[1:]
		if err := w.backend.WaitBatch(w.ctx, slot); err != nil {
			freeSlot = append(freeSlot, slot)
			if w.ctx.Err() != nil {
				drain()
				return
			}
			if w.recordError(err, pkg, &consecutiveErrors) {
				return
			}
			continue
		}
		result, err := w.backend.ReadResults(slot)
		freeSlot = append(freeSlot, slot)
		if err != nil {
			if w.recordError(err, pkg, &consecutiveErrors) {
				return
			}
			continue
		}
		consecutiveErrors = 0

		hashTotal += result.Hashed
		w.estimator.Update(hashTotal)
		if w.stats != nil {
			w.stats.HashCount.Add(result.Hashed)
		}

		w.processCandidates(pkg, result.Nonces, rangeStart, rangeSize)
	}
}

// advanceNonce steps to the next batch, wrapping within the device range
// on exhaustion.
func (w *Worker) advanceNonce(nonce, rangeStart, rangeSize uint64) uint64 {
	batch := w.backend.BatchSize()
	next := nonce + batch
	if next < nonce || next-rangeStart >= rangeSize {
		w.logger.Warn("nonce range exhausted, wrapping",
			zap.Uint64("range_start", rangeStart))
		return rangeStart
	}
	return next
}

// processCandidates range-checks, deduplicates and verifies each candidate
// before emitting it. A candidate outside the device's nonce range is
// counted as a hardware error and never hashed.
func (w *Worker) processCandidates(pkg *work.Package, nonces []uint64, rangeStart, rangeSize uint64) {
	for _, nonce := range nonces {
		if nonce < rangeStart || nonce-rangeStart >= rangeSize {
			w.recordHealth(func(h *DeviceHealth) { h.HardwareErrors++ })
			w.logger.Warn("candidate outside device range",
				zap.Uint64("nonce", nonce))
			continue
		}

		if _, dup := w.seen[nonce]; dup {
			w.recordHealth(func(h *DeviceHealth) { h.DuplicateSolutions++ })
			continue
		}

		hdr := pkg.HeaderWithNonce(nonce)
		hash := toshash.Sum(hdr[:], w.scratch)
		if !hash.MeetsTarget(pkg.Target) {
			w.recordHealth(func(h *DeviceHealth) { h.InvalidSolutions++ })
			w.logger.Warn("candidate failed verification",
				zap.Uint64("nonce", nonce),
				zap.String("hash", hash.Hex()))
			continue
		}

		// Only emitted nonces enter the duplicate cache.
		if len(w.seen) >= duplicateCacheCap {
			w.flushSeen()
		}
		w.seen[nonce] = struct{}{}

		w.recordHealth(func(h *DeviceHealth) {
			h.ValidSolutions++
			h.LastSolution = time.Now()
		})
		w.logger.Info("solution found",
			zap.Uint64("nonce", nonce),
			zap.String("job", pkg.JobID))
		if w.solutions != nil {
			ev := SolutionEvent{
				Solution: Solution{Nonce: nonce, Hash: hash, DeviceIndex: w.index},
				JobID:    pkg.JobID,
			}
			select {
			case w.solutions <- ev:
			case <-w.ctx.Done():
				return
			}
		}
	}
}

// recordError counts a backend failure and, past the threshold, attempts a
// full recovery cycle. Returns true when the worker must exit.
func (w *Worker) recordError(err error, pkg *work.Package, consecutive *int) bool {
	*consecutive++
	w.logger.Error("batch error",
		zap.Error(err),
		zap.Int("consecutive", *consecutive))
	if *consecutive < MaxConsecutiveErrors {
		return false
	}

	w.logger.Warn("error threshold reached, recovering device")
	if rerr := w.recover(pkg); rerr != nil {
		w.logger.Error("device recovery failed", zap.Error(rerr))
		w.markFailed()
		if w.failureSink != nil {
			w.failureSink(w.index, rerr)
		}
		return true
	}
	*consecutive = 0
	return false
}

// recover frees and re-initializes the backend, replaying the current job.
func (w *Worker) recover(pkg *work.Package) error {
	if err := w.backend.Free(); err != nil {
		return fmt.Errorf("free: %w", err)
	}
	if err := w.backend.Init(w.ctx); err != nil {
		return fmt.Errorf("reinit: %w", err)
	}
	if pkg != nil {
		if err := w.backend.SetWork(pkg); err != nil {
			return fmt.Errorf("replay work: %w", err)
		}
	}
	w.estimator.Reset()
	return nil
}

func (w *Worker) markFailed() {
	w.healthMu.Lock()
	w.health.Status = Failed
	w.healthMu.Unlock()
}

func (w *Worker) recordHealth(update func(*DeviceHealth)) {
	w.healthMu.Lock()
	update(&w.health)
	if w.health.Status != Failed {
		w.health.Status = w.health.classify()
	}
	w.healthMu.Unlock()
}

func (w *Worker) flushSeen() {
	w.seen = make(map[uint64]struct{})
}
