package mining

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/remeh/sizedwaitgroup"
	"go.uber.org/zap"

	"github.com/tosproject/tosminer/internal/work"
)

const (
	// fallbackMaxAge bounds how old saved work may be before the farm
	// refuses to fall back onto it after a pool hiccup.
	fallbackMaxAge = 30 * time.Second

	// initConcurrency caps parallel device initialization. GPU runtimes
	// tend to serialize context creation anyway.
	initConcurrency = 4
)

// ShareResult is the pool's verdict on a submitted solution.
type ShareResult int

const (
	ShareAccepted ShareResult = iota
	ShareRejected
	ShareStale
)

// Farm owns the worker set and fans work out across it. Workers keep
// their position for the lifetime of the farm so nonce ranges stay
// stable even as devices fail.
type Farm struct {
	logger *zap.Logger

	mu       sync.Mutex
	workers  []*Worker
	failed   map[uint32]struct{}
	current  *work.Package
	previous *work.Package
	running  bool

	stats Stats

	// solutionCh multiplexes every worker's solutions into the
	// aggregator, which forwards them to the sink in order of arrival.
	solutionCh   chan SolutionEvent
	solutionSink SolutionSink
	aggCancel    context.CancelFunc
	aggDone      chan struct{}
}

// NewFarm builds an empty farm.
func NewFarm(logger *zap.Logger) *Farm {
	return &Farm{
		logger:     logger.Named("farm"),
		failed:     make(map[uint32]struct{}),
		solutionCh: make(chan SolutionEvent, 64),
	}
}

// SetSolutionSink installs the submit entry point the aggregator feeds.
// Must be called before Start.
func (f *Farm) SetSolutionSink(sink SolutionSink) { f.solutionSink = sink }

// AddWorker appends a worker. Positions are append-only; a worker's index
// must match its position.
func (f *Farm) AddWorker(w *Worker) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return fmt.Errorf("%w: cannot add workers to a running farm", ErrLogic)
	}
	if int(w.Index()) != len(f.workers) {
		return fmt.Errorf("%w: worker index %d does not match position %d",
			ErrLogic, w.Index(), len(f.workers))
	}
	w.AttachStats(&f.stats)
	w.SetSolutionChannel(f.solutionCh)
	w.SetFailureSink(f.markFailedSink)
	f.workers = append(f.workers, w)
	return nil
}

// Start initializes all workers in parallel and launches the healthy
// ones. Workers whose init fails are moved to the failed set rather than
// aborting the farm; Start errors only when no worker survives.
func (f *Farm) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("%w: farm already running", ErrLogic)
	}
	workers := make([]*Worker, len(f.workers))
	copy(workers, f.workers)
	f.mu.Unlock()

	if len(workers) == 0 {
		return fmt.Errorf("%w: no devices configured", ErrConfig)
	}

	var failedMu sync.Mutex
	failed := make(map[uint32]struct{})

	swg := sizedwaitgroup.New(initConcurrency)
	for _, w := range workers {
		swg.Add()
		go func(w *Worker) {
			defer swg.Done()
			if err := w.Init(ctx); err != nil {
				f.logger.Error("device init failed",
					zap.Uint32("device", w.Index()),
					zap.Error(err))
				failedMu.Lock()
				failed[w.Index()] = struct{}{}
				failedMu.Unlock()
			}
		}(w)
	}
	swg.Wait()

	if len(failed) == len(workers) {
		return fmt.Errorf("%w: all %d devices failed to initialize", ErrDevice, len(workers))
	}

	aggCtx, aggCancel := context.WithCancel(context.Background())
	aggDone := make(chan struct{})

	f.mu.Lock()
	for idx := range failed {
		f.failed[idx] = struct{}{}
	}
	f.running = true
	f.aggCancel = aggCancel
	f.aggDone = aggDone
	f.mu.Unlock()

	go f.aggregate(aggCtx, aggDone)

	for _, w := range workers {
		if _, bad := failed[w.Index()]; bad {
			continue
		}
		w.Start()
	}

	f.logger.Info("farm started",
		zap.Int("devices", len(workers)),
		zap.Int("failed", len(failed)))
	return nil
}

// Stop halts every running worker.
func (f *Farm) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	workers := make([]*Worker, len(f.workers))
	copy(workers, f.workers)
	aggCancel, aggDone := f.aggCancel, f.aggDone
	f.mu.Unlock()

	// Failed workers are stopped too: a worker marked failed from
	// outside may still have a live loop.
	for _, w := range workers {
		w.Stop()
	}
	if aggCancel != nil {
		aggCancel()
		<-aggDone
	}
	f.logger.Info("farm stopped")
}

// aggregate forwards worker solutions to the sink until canceled. It
// drains anything still buffered before exiting so solutions found just
// ahead of a stop are not silently dropped.
func (f *Farm) aggregate(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case ev := <-f.solutionCh:
			if f.solutionSink != nil {
				f.solutionSink(ev.Solution, ev.JobID)
			}
		case <-ctx.Done():
			for {
				select {
				case ev := <-f.solutionCh:
					if f.solutionSink != nil {
						f.solutionSink(ev.Solution, ev.JobID)
					}
				default:
					return
				}
			}
		}
	}
}

// Pause idles all workers, as during a pool reconnect.
func (f *Farm) Pause() {
	for _, w := range f.snapshotActive() {
		w.Pause()
	}
}

// Resume restarts paused workers.
func (f *Farm) Resume() {
	for _, w := range f.snapshotActive() {
		w.Resume()
	}
}

// SetWork stamps the package with the active device count, saves the
// outgoing job for fallback, and distributes to every healthy worker.
func (f *Farm) SetWork(pkg *work.Package) {
	f.mu.Lock()
	if f.current != nil && f.current.Valid {
		prev := *f.current
		f.previous = &prev
	}
	stamped := *pkg
	stamped.TotalDevices = uint32(len(f.workers) - len(f.failed))
	if stamped.TotalDevices == 0 {
		stamped.TotalDevices = 1
	}
	f.current = &stamped
	workers, failed := f.workersLocked()
	f.mu.Unlock()

	for _, w := range workers {
		if _, bad := failed[w.Index()]; bad {
			continue
		}
		pw := stamped
		w.SetWork(&pw)
	}
	f.logger.Debug("work distributed",
		zap.String("job", stamped.JobID),
		zap.Uint32("devices", stamped.TotalDevices))
}

// InvalidateCurrentWork marks the active job unusable, as when the pool
// session that issued it drops.
func (f *Farm) InvalidateCurrentWork() {
	f.mu.Lock()
	if f.current != nil {
		f.current.Valid = false
	}
	f.mu.Unlock()
}

// ActivateFallbackWork redistributes the previous job after the current
// one has been invalidated; while the current job is still valid it
// refuses, so a live job is never displaced by an older one. The saved
// job is single-use: once activated it is discarded, so a second call
// fails until new work arrives. Returns false when no recent-enough
// work is saved.
func (f *Farm) ActivateFallbackWork() bool {
	f.mu.Lock()
	prev := f.previous
	currentValid := f.current != nil && f.current.Valid
	f.mu.Unlock()

	if currentValid {
		return false
	}
	if prev == nil || !prev.Valid || prev.IsStale(fallbackMaxAge) {
		return false
	}
	f.logger.Warn("falling back to previous work",
		zap.String("job", prev.JobID),
		zap.Duration("age", prev.Age()))
	f.SetWork(prev)

	f.mu.Lock()
	f.previous = nil
	f.mu.Unlock()
	return true
}

// CurrentWork returns a copy of the active package, or nil.
func (f *Farm) CurrentWork() *work.Package {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return nil
	}
	cp := *f.current
	return &cp
}

// MarkFailed removes a worker from distribution permanently.
func (f *Farm) MarkFailed(index uint32) {
	f.mu.Lock()
	f.failed[index] = struct{}{}
	f.mu.Unlock()
	f.logger.Warn("device marked failed", zap.Uint32("device", index))
}

func (f *Farm) markFailedSink(index uint32, err error) {
	f.logger.Error("device gave up",
		zap.Uint32("device", index),
		zap.Error(err))
	f.MarkFailed(index)
}

// RecoverFailed re-initializes a failed worker and returns it to
// distribution.
func (f *Farm) RecoverFailed(ctx context.Context, index uint32) error {
	f.mu.Lock()
	if int(index) >= len(f.workers) {
		f.mu.Unlock()
		return fmt.Errorf("%w: no device %d", ErrLogic, index)
	}
	_, bad := f.failed[index]
	w := f.workers[index]
	running := f.running
	f.mu.Unlock()

	if !bad {
		return nil
	}
	// The loop of a worker marked failed from outside may still be
	// running; a self-failed worker's loop has exited but its channel
	// state needs tearing down either way.
	w.Stop()
	if err := w.Init(ctx); err != nil {
		return fmt.Errorf("device %d recovery: %w", index, err)
	}

	f.mu.Lock()
	delete(f.failed, index)
	f.mu.Unlock()

	if running {
		w.Start()
	}
	f.logger.Info("device recovered", zap.Uint32("device", index))
	return nil
}

// ActiveWorkerCount returns the healthy worker count.
func (f *Farm) ActiveWorkerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.workers) - len(f.failed)
}

// HashRate sums the per-worker EMA rates.
func (f *Farm) HashRate() float64 {
	var total float64
	for _, w := range f.snapshotActive() {
		total += w.HashRate().EMA
	}
	return total
}

// WorkerHashRate returns one worker's rate, or a zero snapshot for an
// unknown index.
func (f *Farm) WorkerHashRate(index uint32) HashRate {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int(index) >= len(f.workers) {
		return HashRate{}
	}
	return f.workers[index].HashRate()
}

// WorkerHealth returns one worker's health snapshot.
func (f *Farm) WorkerHealth(index uint32) DeviceHealth {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int(index) >= len(f.workers) {
		return DeviceHealth{}
	}
	return f.workers[index].Health()
}

// Devices lists every worker's descriptor, failed ones included.
func (f *Farm) Devices() []DeviceDescriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]DeviceDescriptor, len(f.workers))
	for i, w := range f.workers {
		out[i] = w.Descriptor()
	}
	return out
}

// RecordShareResult feeds the pool's verdict into the farm counters.
func (f *Farm) RecordShareResult(res ShareResult) {
	switch res {
	case ShareAccepted:
		f.stats.AcceptedShares.Add(1)
	case ShareRejected:
		f.stats.RejectedShares.Add(1)
	case ShareStale:
		f.stats.StaleShares.Add(1)
	}
}

// StatsSnapshot copies the farm counters.
func (f *Farm) StatsSnapshot() StatsSnapshot {
	return f.stats.Snapshot()
}

func (f *Farm) snapshotActive() []*Worker {
	f.mu.Lock()
	defer f.mu.Unlock()
	workers, failed := f.workersLocked()
	out := make([]*Worker, 0, len(workers))
	for _, w := range workers {
		if _, bad := failed[w.Index()]; bad {
			continue
		}
		out = append(out, w)
	}
	return out
}

// workersLocked copies the worker slice and failed set. Caller holds f.mu.
func (f *Farm) workersLocked() ([]*Worker, map[uint32]struct{}) {
	workers := make([]*Worker, len(f.workers))
	copy(workers, f.workers)
	failed := make(map[uint32]struct{}, len(f.failed))
	for idx := range f.failed {
		failed[idx] = struct{}{}
	}
	return workers, failed
}
