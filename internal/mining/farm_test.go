package mining

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func newTestFarm(t *testing.T, workers int) (*Farm, []*fakeBackend) {
	t.Helper()
	f := NewFarm(zaptest.NewLogger(t))
	backends := make([]*fakeBackend, workers)
	for i := 0; i < workers; i++ {
		backends[i] = newFakeBackend(nil)
		w := NewWorker(backends[i], uint32(i), zaptest.NewLogger(t))
		if err := f.AddWorker(w); err != nil {
			t.Fatal(err)
		}
	}
	return f, backends
}

func TestFarmAggregatesWorkerSolutions(t *testing.T) {
	f := NewFarm(zaptest.NewLogger(t))
	w := NewWorker(newFakeBackend([][]uint64{{42}}), 0, zaptest.NewLogger(t))
	if err := f.AddWorker(w); err != nil {
		t.Fatal(err)
	}

	got := make(chan Solution, 1)
	f.SetSolutionSink(func(sol Solution, jobID string) {
		if jobID != "job-1" {
			t.Errorf("jobID = %q, want job-1", jobID)
		}
		got <- sol
	})

	if err := f.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer f.Stop()
	f.SetWork(easyWork())

	select {
	case sol := <-got:
		if sol.Nonce != 42 || sol.DeviceIndex != 0 {
			t.Errorf("solution = %+v, want nonce 42 from device 0", sol)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no solution reached the sink")
	}
}

func TestFarmAddWorkerIndexDiscipline(t *testing.T) {
	f := NewFarm(zaptest.NewLogger(t))
	w := NewWorker(newFakeBackend(nil), 3, zaptest.NewLogger(t))
	if err := f.AddWorker(w); err == nil {
		t.Fatal("AddWorker accepted a worker whose index skips positions")
	}
}

func TestFarmStampsActiveDeviceCount(t *testing.T) {
	f, _ := newTestFarm(t, 3)
	if err := f.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer f.Stop()

	pkg := easyWork()
	pkg.TotalDevices = 0
	f.SetWork(pkg)

	cur := f.CurrentWork()
	if cur == nil || cur.TotalDevices != 3 {
		t.Fatalf("TotalDevices = %v, want 3", cur)
	}

	f.MarkFailed(1)
	f.SetWork(easyWork())
	if cur := f.CurrentWork(); cur.TotalDevices != 2 {
		t.Errorf("TotalDevices after failure = %d, want 2", cur.TotalDevices)
	}
}

func TestFarmPartitionDisjoint(t *testing.T) {
	pkg := easyWork()
	pkg.StartNonce = 1 << 20
	pkg.TotalDevices = 3

	type span struct{ start, end uint64 }
	var spans []span
	for i := uint32(0); i < 3; i++ {
		start, size := pkg.DeviceRange(i)
		spans = append(spans, span{start, start + size})
	}
	for i := 0; i < len(spans); i++ {
		for j := i + 1; j < len(spans); j++ {
			if spans[i].start < spans[j].end && spans[j].start < spans[i].end {
				t.Errorf("device ranges %d and %d overlap: %+v %+v", i, j, spans[i], spans[j])
			}
		}
	}
}

func TestFarmFallbackWork(t *testing.T) {
	f, _ := newTestFarm(t, 1)
	if err := f.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer f.Stop()

	first := easyWork()
	first.JobID = "job-old"
	f.SetWork(first)

	second := easyWork()
	second.JobID = "job-new"
	f.SetWork(second)

	// A live job must never be displaced by an older one.
	if f.ActivateFallbackWork() {
		t.Fatal("fallback displaced a valid current job")
	}

	f.InvalidateCurrentWork()
	if !f.ActivateFallbackWork() {
		t.Fatal("fallback refused despite fresh previous work")
	}
	if cur := f.CurrentWork(); cur.JobID != "job-old" {
		t.Errorf("fallback job = %q, want job-old", cur.JobID)
	}
	// The saved job is consumed on activation.
	f.InvalidateCurrentWork()
	if f.ActivateFallbackWork() {
		t.Error("second fallback succeeded without new work arriving")
	}
}

func TestFarmFallbackRefusesStaleWork(t *testing.T) {
	f, _ := newTestFarm(t, 1)
	if err := f.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer f.Stop()

	old := easyWork()
	old.ReceivedAt = time.Now().Add(-time.Minute)
	f.SetWork(old)
	f.SetWork(easyWork())

	f.InvalidateCurrentWork()
	if f.ActivateFallbackWork() {
		t.Error("fallback accepted minute-old work")
	}
}

func TestFarmFallbackWithoutPrevious(t *testing.T) {
	f, _ := newTestFarm(t, 1)
	if f.ActivateFallbackWork() {
		t.Error("fallback succeeded with no saved work")
	}
}

func TestFarmSurvivesPartialInitFailure(t *testing.T) {
	f, backends := newTestFarm(t, 2)
	backends[1].initErrs = []error{context.DeadlineExceeded}

	if err := f.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer f.Stop()

	if got := f.ActiveWorkerCount(); got != 1 {
		t.Errorf("ActiveWorkerCount() = %d, want 1", got)
	}
}

func TestFarmAllInitFailuresAbort(t *testing.T) {
	f, backends := newTestFarm(t, 2)
	backends[0].initErrs = []error{context.DeadlineExceeded}
	backends[1].initErrs = []error{context.DeadlineExceeded}

	if err := f.Start(context.Background()); err == nil {
		f.Stop()
		t.Fatal("Start succeeded with every device failing init")
	}
}

func TestFarmRecoverFailed(t *testing.T) {
	f, _ := newTestFarm(t, 2)
	if err := f.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer f.Stop()

	f.MarkFailed(0)
	if got := f.ActiveWorkerCount(); got != 1 {
		t.Fatalf("ActiveWorkerCount() = %d, want 1", got)
	}
	if err := f.RecoverFailed(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	if got := f.ActiveWorkerCount(); got != 2 {
		t.Errorf("ActiveWorkerCount() after recovery = %d, want 2", got)
	}
}

func TestFarmRecoverAfterPermanentFailureThenStop(t *testing.T) {
	f, backends := newTestFarm(t, 2)
	backends[0].batchErr = errors.New("readback failed")
	backends[0].initErrs = []error{nil, errors.New("reinit refused")}

	if err := f.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.SetWork(easyWork())

	deadline := time.Now().Add(5 * time.Second)
	for f.ActiveWorkerCount() != 1 {
		if time.Now().After(deadline) {
			f.Stop()
			t.Fatal("worker 0 never failed permanently")
		}
		time.Sleep(5 * time.Millisecond)
	}

	backends[0].mu.Lock()
	backends[0].batchErr = nil
	backends[0].initErrs = nil
	backends[0].mu.Unlock()

	if err := f.RecoverFailed(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	if got := f.ActiveWorkerCount(); got != 2 {
		t.Errorf("ActiveWorkerCount() after recovery = %d, want 2", got)
	}

	// The recovered worker's loop restarted; Stop must tear down both
	// loops cleanly.
	f.Stop()
}

func TestFarmShareAccounting(t *testing.T) {
	f, _ := newTestFarm(t, 1)
	f.RecordShareResult(ShareAccepted)
	f.RecordShareResult(ShareAccepted)
	f.RecordShareResult(ShareRejected)
	f.RecordShareResult(ShareStale)

	s := f.StatsSnapshot()
	if s.AcceptedShares != 2 || s.RejectedShares != 1 || s.StaleShares != 1 {
		t.Errorf("snapshot = %+v, want 2/1/1", s)
	}
}
