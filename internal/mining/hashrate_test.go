package mining

import (
	"testing"
	"time"
)

func TestEstimatorFirstSampleInitializes(t *testing.T) {
	e := NewEstimator(10 * time.Second)
	now := time.Now()
	e.updateAt(1000, now)

	r := e.Rate()
	if r.EMA != 0 || r.Instant != 0 {
		t.Errorf("first sample produced a rate: %+v", r)
	}
	if r.Count != 1000 {
		t.Errorf("Count = %d, want 1000", r.Count)
	}
}

func TestEstimatorInstantRate(t *testing.T) {
	e := NewEstimator(10 * time.Second)
	now := time.Now()
	e.updateAt(0, now)
	e.updateAt(5000, now.Add(time.Second))

	r := e.Rate()
	if r.Instant < 4999 || r.Instant > 5001 {
		t.Errorf("Instant = %f, want ~5000", r.Instant)
	}
	// First real sample seeds the EMA directly.
	if r.EMA != r.Instant {
		t.Errorf("EMA = %f, want seeded to instant %f", r.EMA, r.Instant)
	}
}

func TestEstimatorSmoothing(t *testing.T) {
	e := NewEstimator(10 * time.Second)
	now := time.Now()
	e.updateAt(0, now)
	e.updateAt(1000, now.Add(time.Second))    // 1000 H/s
	e.updateAt(11000, now.Add(2*time.Second)) // 10000 H/s spike

	r := e.Rate()
	if r.EMA <= 1000 || r.EMA >= 10000 {
		t.Errorf("EMA = %f, want between the two sample rates", r.EMA)
	}
	// A short period should sit much closer to the seed than the spike.
	if r.EMA > 3000 {
		t.Errorf("EMA = %f, smoothed too little for a 10s period", r.EMA)
	}
}

func TestEstimatorDropsRapidSamples(t *testing.T) {
	e := NewEstimator(10 * time.Second)
	now := time.Now()
	e.updateAt(0, now)
	e.updateAt(1000, now.Add(time.Second))
	before := e.Rate()

	// 50ms later: below the minimum sample interval, must be a no-op.
	e.updateAt(999999, now.Add(time.Second+50*time.Millisecond))
	after := e.Rate()
	if after.EMA != before.EMA || after.Count != before.Count {
		t.Errorf("rapid sample was not dropped: before %+v after %+v", before, after)
	}
}

func TestEstimatorReset(t *testing.T) {
	e := NewEstimator(10 * time.Second)
	now := time.Now()
	e.updateAt(0, now)
	e.updateAt(1000, now.Add(time.Second))

	e.Reset()
	r := e.Rate()
	if r.EMA != 0 || r.Count != 0 || r.Duration != 0 {
		t.Errorf("Reset() left state: %+v", r)
	}
}

func TestSimpleMovingAverage(t *testing.T) {
	a := NewSimpleMovingAverage(3)
	if got := a.Average(); got != 0 {
		t.Errorf("empty Average() = %f, want 0", got)
	}

	a.Add(3)
	a.Add(6)
	if got := a.Average(); got != 4.5 {
		t.Errorf("partial Average() = %f, want 4.5", got)
	}

	a.Add(9)
	a.Add(30) // evicts 3
	if got := a.Average(); got != 15 {
		t.Errorf("windowed Average() = %f, want 15", got)
	}
}
