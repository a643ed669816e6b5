package runner

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testfleet/testfleet/bench"
	"github.com/testfleet/testfleet/result"
	"github.com/testfleet/testfleet/types"
)

func caseDesc(path string) *types.Descriptor {
	return &types.Descriptor{Kind: types.KindCase, Path: path}
}

func suiteDesc(name string, children ...*types.Descriptor) *types.Descriptor {
	return &types.Descriptor{Kind: types.KindSuite, Name: name, Tests: children}
}

func newTestRunner(t *testing.T, reg *Registry, suites ...*types.Descriptor) (*Runner, *result.Store) {
	t.Helper()
	store := result.NewStore()
	r := New("r-test", store, NewContext(), reg.Materialize)
	r.Fixtures = reg
	for _, s := range suites {
		r.AddSuite(s)
	}
	return r, store
}

type stateTrail struct {
	mu    sync.Mutex
	trail []State
}

func (o *stateTrail) OnRunnerStateChanged(_ string, _, to State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.trail = append(o.trail, to)
}

func (o *stateTrail) states() []State {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]State, len(o.trail))
	copy(out, o.trail)
	return out
}

func TestRunnerHappyPath(t *testing.T) {
	reg := NewRegistry()
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		reg.Case("pkg.grp."+name, func(c *CaseCtx) error {
			order = append(order, name)
			c.Checkpoint("ran", true)
			return nil
		})
	}
	r, store := newTestRunner(t, reg,
		suiteDesc("s", caseDesc("pkg.grp.a"), caseDesc("pkg.grp.b"), caseDesc("pkg.grp.c")))

	obs := &stateTrail{}
	r.AddObserver(obs)

	require.NoError(t, r.Run())

	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, StateFinished, r.State())
	assert.True(t, r.IsStopped())
	assert.Equal(t, []State{StateFinished}, obs.states())

	stats := store.Statistics()
	assert.Equal(t, 3, stats.Totals)
	assert.Equal(t, 3, stats.Count(types.StatusPassed))
	// One bench snapshot is appended on completion.
	assert.Len(t, store.BenchRecords(), 1)
}

func TestRunnerCaseTimestampsIncrease(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"a", "b", "c"} {
		reg.Case("pkg.grp."+name, func(c *CaseCtx) error { return nil })
	}
	r, store := newTestRunner(t, reg,
		suiteDesc("s", caseDesc("pkg.grp.a"), caseDesc("pkg.grp.b"), caseDesc("pkg.grp.c")))
	require.NoError(t, r.Run())

	suites := store.SuiteRecords()
	require.Len(t, suites, 1)
	var prev time.Time
	for _, child := range suites[0].Records {
		crec := child.(*types.CaseRecord)
		require.NotNil(t, crec.StartedAt)
		assert.False(t, crec.StartedAt.Before(prev))
		prev = *crec.StartedAt
	}
}

func TestRunnerRunTwiceFails(t *testing.T) {
	reg := NewRegistry()
	r, _ := newTestRunner(t, reg)
	require.NoError(t, r.Run())
	assert.Error(t, r.Run())
}

func TestRunnerStatusClassification(t *testing.T) {
	reg := NewRegistry()
	reg.Case("p.g.pass", func(c *CaseCtx) error { c.Checkpoint("ok", true); return nil })
	reg.Case("p.g.fail", func(c *CaseCtx) error { return Failf("expected 1 got 2") })
	reg.Case("p.g.skip", func(c *CaseCtx) error { return Skipf("not applicable") })
	reg.Case("p.g.boom", func(c *CaseCtx) error { panic("nil deref") })
	reg.Case("p.g.cpfail", func(c *CaseCtx) error { c.Checkpoint("bad", false); return nil })
	reg.Case("p.g.warn", func(c *CaseCtx) error { c.Warn("slow", "latency above budget"); return nil })

	r, store := newTestRunner(t, reg, suiteDesc("s",
		caseDesc("p.g.pass"), caseDesc("p.g.fail"), caseDesc("p.g.skip"),
		caseDesc("p.g.boom"), caseDesc("p.g.cpfail"), caseDesc("p.g.warn")))
	require.NoError(t, r.Run())

	byPath := make(map[string]types.Status)
	for _, rec := range store.CaseRecords() {
		byPath[rec.Path] = rec.Status
	}
	assert.Equal(t, types.StatusPassed, byPath["p.g.pass"])
	assert.Equal(t, types.StatusFailed, byPath["p.g.fail"])
	assert.Equal(t, types.StatusSkipped, byPath["p.g.skip"])
	assert.Equal(t, types.StatusErroneous, byPath["p.g.boom"])
	assert.Equal(t, types.StatusFailed, byPath["p.g.cpfail"])
	assert.Equal(t, types.StatusWarning, byPath["p.g.warn"])
}

func TestRunnerStrictModeDemotesEmptyPass(t *testing.T) {
	reg := NewRegistry()
	reg.Case("p.g.empty", func(c *CaseCtx) error { return nil })

	store := result.NewStore()
	ctx := NewContext()
	ctx.Strict = true
	r := New("r-strict", store, ctx, reg.Materialize)
	r.Fixtures = reg
	r.AddSuite(suiteDesc("s", caseDesc("p.g.empty")))
	require.NoError(t, r.Run())

	for _, rec := range store.CaseRecords() {
		assert.Equal(t, types.StatusErroneous, rec.Status)
	}
}

func TestRunnerRerunPolicy(t *testing.T) {
	reg := NewRegistry()
	attempts := 0
	reg.Case("p.g.flaky", func(c *CaseCtx) error {
		attempts++
		if attempts < 2 {
			return Failf("flaky attempt %d", attempts)
		}
		c.Checkpoint("ok", true)
		return nil
	})

	d := caseDesc("p.g.flaky")
	d.Rerun = &types.RerunPolicy{Retry: 2, Remark: types.StatusWarning}
	r, store := newTestRunner(t, reg, suiteDesc("s", d))
	require.NoError(t, r.Run())

	assert.Equal(t, 2, attempts)
	for _, rec := range store.CaseRecords() {
		assert.Equal(t, types.StatusWarning, rec.Status)
		require.Len(t, rec.RerunCauses, 1)
		assert.Contains(t, rec.RerunCauses[0], "flaky attempt 1")
	}
}

func TestRunnerRerunPolicyExhausted(t *testing.T) {
	reg := NewRegistry()
	attempts := 0
	reg.Case("p.g.broken", func(c *CaseCtx) error {
		attempts++
		return Failf("always broken")
	})

	d := caseDesc("p.g.broken")
	d.Rerun = &types.RerunPolicy{Retry: 2}
	r, store := newTestRunner(t, reg, suiteDesc("s", d))
	require.NoError(t, r.Run())

	assert.Equal(t, 3, attempts)
	for _, rec := range store.CaseRecords() {
		assert.Equal(t, types.StatusFailed, rec.Status)
		assert.Len(t, rec.RerunCauses, 2)
	}
}

func TestRunnerMaterializationFailure(t *testing.T) {
	reg := NewRegistry()
	r, store := newTestRunner(t, reg, suiteDesc("s", caseDesc("p.g.unknown")))
	require.NoError(t, r.Run())

	for _, rec := range store.CaseRecords() {
		assert.Equal(t, types.StatusErroneous, rec.Status)
		require.NotNil(t, rec.Error)
		assert.Contains(t, rec.Error.Message, "no case registered")
	}
}

func TestRunnerPauseIsCooperative(t *testing.T) {
	reg := NewRegistry()
	var mu sync.Mutex
	var ran []string
	for _, name := range []string{"a", "b"} {
		name := name
		reg.Case("p.g."+name, func(c *CaseCtx) error {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
			return nil
		})
	}
	r, store := newTestRunner(t, reg, suiteDesc("s", caseDesc("p.g.a"), caseDesc("p.g.b")))

	store.Pause()
	done := make(chan error, 1)
	go func() { done <- r.Run() }()

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, ran)
	mu.Unlock()

	store.Resume()
	require.NoError(t, <-done)
	mu.Lock()
	assert.Equal(t, []string{"a", "b"}, ran)
	mu.Unlock()
	assert.Equal(t, 2, store.Statistics().Count(types.StatusPassed))
}

func TestRunnerAbortStopsScheduling(t *testing.T) {
	reg := NewRegistry()
	var r *Runner
	executed := 0
	for _, name := range []string{"a", "b", "c", "d"} {
		name := name
		reg.Case("p.g."+name, func(c *CaseCtx) error {
			executed++
			if name == "b" {
				r.Abort()
			}
			return nil
		})
	}
	var store *result.Store
	r, store = newTestRunner(t, reg, suiteDesc("s",
		caseDesc("p.g.a"), caseDesc("p.g.b"), caseDesc("p.g.c"), caseDesc("p.g.d")))

	require.NoError(t, r.Run())

	assert.Equal(t, 2, executed)
	assert.Equal(t, StateAborted, r.State())
	assert.Equal(t, 2, store.Statistics().Totals)
}

func TestBenchEventHandlerDrivesHooks(t *testing.T) {
	reg := NewRegistry()
	reg.Case("p.g.a", func(c *CaseCtx) error { return nil })

	store := result.NewStore()
	ctx := NewContext()
	sim := bench.NewSim("rig-1", "sim")
	ctx.Bench = sim
	ctx.Bus.Attach(BenchEventHandler(sim), 1)

	r := New("r-bench", store, ctx, reg.Materialize)
	r.Fixtures = reg
	r.AddSuite(suiteDesc("s", caseDesc("p.g.a")))
	require.NoError(t, r.Run())

	assert.Len(t, sim.Started, 1)
	assert.Len(t, sim.Stopped, 1)
	for _, rec := range store.CaseRecords() {
		assert.Equal(t, "rig-1", rec.BenchName)
	}
}
