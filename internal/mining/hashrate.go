package mining

import (
	"math"
	"sync"
	"time"
)

// minSampleInterval drops samples arriving too close together; at
// sub-100ms spacing the instant rate is dominated by scheduler jitter.
const minSampleInterval = 100 * time.Millisecond

// Estimator smooths a monotonically increasing hash counter into an
// exponential moving average rate. Safe for concurrent use.
type Estimator struct {
	mu sync.Mutex

	period      time.Duration
	baseCount   uint64
	lastCount   uint64
	lastUpdate  time.Time
	started     time.Time
	ema         float64
	initialized bool
}

// NewEstimator returns an estimator with the given smoothing period.
// Larger periods smooth more; a typical value is 10s.
func NewEstimator(period time.Duration) *Estimator {
	if period <= 0 {
		period = 10 * time.Second
	}
	return &Estimator{period: period}
}

// Update feeds the current cumulative hash count. The first call only
// initializes the baseline.
func (e *Estimator) Update(count uint64) {
	e.updateAt(count, time.Now())
}

func (e *Estimator) updateAt(count uint64, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		e.baseCount = count
		e.lastCount = count
		e.lastUpdate = now
		e.started = now
		e.initialized = true
		return
	}

	dt := now.Sub(e.lastUpdate)
	if dt < minSampleInterval {
		return
	}

	delta := count - e.lastCount
	instant := float64(delta) / dt.Seconds()

	// alpha approaches 1 as the gap grows past the smoothing period, so
	// long stalls converge quickly onto the fresh sample.
	alpha := 1 - math.Exp(-dt.Seconds()/e.period.Seconds())
	if e.ema == 0 {
		e.ema = instant
	} else {
		e.ema += alpha * (instant - e.ema)
	}

	e.lastCount = count
	e.lastUpdate = now
}

// Reset clears all state, as after a device recovery.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.baseCount = 0
	e.lastCount = 0
	e.lastUpdate = time.Time{}
	e.started = time.Time{}
	e.ema = 0
	e.initialized = false
}

// Rate returns the current snapshot.
func (e *Estimator) Rate() HashRate {
	e.mu.Lock()
	defer e.mu.Unlock()

	var dur time.Duration
	var instant float64
	if e.initialized {
		dur = e.lastUpdate.Sub(e.started)
		if dur > 0 {
			instant = float64(e.lastCount-e.baseCount) / dur.Seconds()
		}
	}
	return HashRate{
		Instant:  instant,
		EMA:      e.ema,
		Count:    e.lastCount,
		Duration: dur,
	}
}

// SimpleMovingAverage keeps a fixed window of rate samples. Used by the
// API layer for a less jumpy display figure.
type SimpleMovingAverage struct {
	mu      sync.Mutex
	samples []float64
	next    int
	filled  bool
}

// NewSimpleMovingAverage returns a window of the given size.
func NewSimpleMovingAverage(size int) *SimpleMovingAverage {
	if size <= 0 {
		size = 30
	}
	return &SimpleMovingAverage{samples: make([]float64, size)}
}

// Add records one sample, evicting the oldest once the window is full.
func (a *SimpleMovingAverage) Add(v float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.samples[a.next] = v
	a.next++
	if a.next == len(a.samples) {
		a.next = 0
		a.filled = true
	}
}

// Average returns the mean of the recorded samples, or 0 when empty.
func (a *SimpleMovingAverage) Average() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := a.next
	if a.filled {
		n = len(a.samples)
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += a.samples[i]
	}
	return sum / float64(n)
}
