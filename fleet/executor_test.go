package fleet

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testfleet/testfleet/bench"
	"github.com/testfleet/testfleet/coord"
)

type fakeWorker struct {
	mu       sync.Mutex
	alive    bool
	stopped  bool
	busy     bool
	busyErr  error
	shutdown int
}

func (w *fakeWorker) Alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.alive
}

func (w *fakeWorker) IsStopped() (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped, nil
}

func (w *fakeWorker) IsBusy() (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.busy, w.busyErr
}

func (w *fakeWorker) Shutdown(time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.shutdown++
	w.alive = false
	return nil
}

func (w *fakeWorker) kill() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.alive = false
}

// fakeFleet tracks every spawn so tests can inspect identities and
// recovery counts.
type fakeFleet struct {
	mu      sync.Mutex
	spawned []string
	workers map[string]*fakeWorker
	fail    bool
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{workers: make(map[string]*fakeWorker)}
}

func (f *fakeFleet) spawn(cfg bench.Config, name string) (Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("spawn refused")
	}
	f.spawned = append(f.spawned, name)
	w := &fakeWorker{alive: true}
	f.workers[name] = w
	return w, nil
}

func (f *fakeFleet) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

func (f *fakeFleet) worker(name string) *fakeWorker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workers[name]
}

func newTestExecutor(t *testing.T, fleet *fakeFleet, benches ...bench.Config) *Executor {
	t.Helper()
	e := NewExecutor(ExecutorConfig{
		Node:            "node-1",
		Benches:         benches,
		RecoverAttempts: 2,
		PollInterval:    time.Hour, // supervision driven manually
	}, fleet.spawn)
	require.NoError(t, e.Start(nil))
	t.Cleanup(e.Stop)
	return e
}

func TestExecutorSpawnsPoolPerBench(t *testing.T) {
	fleet := newFakeFleet()
	newTestExecutor(t, fleet,
		bench.Config{Name: "rig", Workers: 2},
		bench.Config{Name: "web"},
	)

	assert.ElementsMatch(t, []string{"rig-runner-0", "rig-runner-1", "web-runner-0"}, fleet.spawned)
}

func TestExecutorRecoversDeadWorkerWithSameIdentity(t *testing.T) {
	fleet := newFakeFleet()
	e := newTestExecutor(t, fleet, bench.Config{Name: "rig"})

	fleet.worker("rig-runner-0").kill()
	e.superviseOnce()

	assert.Equal(t, []string{"rig-runner-0", "rig-runner-0"}, fleet.spawned)
	assert.True(t, fleet.worker("rig-runner-0").Alive())
}

func TestExecutorBoundsRecoveryAttempts(t *testing.T) {
	fleet := newFakeFleet()
	e := newTestExecutor(t, fleet, bench.Config{Name: "rig"})

	// The worker dies on every supervision pass; restarts must stop at
	// the configured ceiling.
	for i := 0; i < 6; i++ {
		if w := fleet.worker("rig-runner-0"); w != nil {
			w.kill()
		}
		e.superviseOnce()
	}

	// Initial spawn plus RecoverAttempts restarts.
	assert.Equal(t, 3, fleet.spawnCount())
	assert.Equal(t, bench.StateOffline, e.BenchState("rig"))
}

func TestExecutorHealthyWorkerResetsAttempts(t *testing.T) {
	fleet := newFakeFleet()
	e := newTestExecutor(t, fleet, bench.Config{Name: "rig"})

	fleet.worker("rig-runner-0").kill()
	e.superviseOnce()
	// The replacement stays healthy for a pass, forgiving the crash.
	e.superviseOnce()

	fleet.worker("rig-runner-0").kill()
	e.superviseOnce()
	fleet.worker("rig-runner-0").kill()
	e.superviseOnce()

	// Four spawns: each crash was recovered because the counter reset.
	assert.Equal(t, 4, fleet.spawnCount())
}

func TestExecutorObservesExclusiveBenchStates(t *testing.T) {
	fleet := newFakeFleet()
	e := newTestExecutor(t, fleet, bench.Config{Name: "rig", Exclusive: true})
	w := fleet.worker("rig-runner-0")

	e.superviseOnce()
	assert.Equal(t, bench.StateIdle, e.BenchState("rig"))

	w.mu.Lock()
	w.busy = true
	w.mu.Unlock()
	e.superviseOnce()
	assert.Equal(t, bench.StateBusy, e.BenchState("rig"))

	w.mu.Lock()
	w.busy = false
	w.busyErr = errors.New("control channel closed")
	w.mu.Unlock()
	e.superviseOnce()
	assert.Equal(t, bench.StateOffline, e.BenchState("rig"))
}

func TestUpdateBenchStateReservedTearsDownAndIdleRestores(t *testing.T) {
	fleet := newFakeFleet()
	e := newTestExecutor(t, fleet, bench.Config{Name: "rig", Workers: 2})

	require.NoError(t, e.UpdateBenchState("rig", bench.StateReserved))
	assert.Equal(t, bench.StateReserved, e.BenchState("rig"))
	assert.Equal(t, 1, fleet.worker("rig-runner-0").shutdown)
	assert.Equal(t, 1, fleet.worker("rig-runner-1").shutdown)

	// A dormant bench is exempt from supervision; no respawn happens.
	e.superviseOnce()
	assert.Equal(t, 2, fleet.spawnCount())

	require.NoError(t, e.UpdateBenchState("rig", bench.StateIdle))
	assert.Equal(t, 4, fleet.spawnCount())
	assert.True(t, fleet.worker("rig-runner-0").Alive())
}

func TestUpdateBenchStateRejectsUnknownBenchAndState(t *testing.T) {
	fleet := newFakeFleet()
	e := newTestExecutor(t, fleet, bench.Config{Name: "rig"})

	assert.Error(t, e.UpdateBenchState("ghost", bench.StateReserved))
	assert.Error(t, e.UpdateBenchState("rig", bench.StateBusy))
}

func TestExecutorLivenessSnapshot(t *testing.T) {
	fleet := newFakeFleet()
	e := newTestExecutor(t, fleet, bench.Config{Name: "rig", Type: "hw"})
	e.superviseOnce()

	snap := e.livenessSnapshot()
	benches, ok := snap[coord.BenchesKey("node-1")].([]map[string]any)
	require.True(t, ok)
	require.Len(t, benches, 1)
	assert.Equal(t, "rig", benches[0]["name"])
	assert.Equal(t, bench.StateIdle, benches[0]["state"])

	runners, ok := snap[coord.RunnersKey("node-1")].([]map[string]any)
	require.True(t, ok)
	require.Len(t, runners, 1)
	assert.Equal(t, "rig-runner-0", runners[0]["name"])
	assert.Equal(t, true, runners[0]["alive"])
}

func TestExecutorStopShutsDownEveryWorker(t *testing.T) {
	fleet := newFakeFleet()
	e := NewExecutor(ExecutorConfig{
		Node:         "node-1",
		Benches:      []bench.Config{{Name: "rig", Workers: 2}},
		PollInterval: time.Hour,
	}, fleet.spawn)
	require.NoError(t, e.Start(nil))

	e.Stop()
	assert.Equal(t, 1, fleet.worker("rig-runner-0").shutdown)
	assert.Equal(t, 1, fleet.worker("rig-runner-1").shutdown)
}
