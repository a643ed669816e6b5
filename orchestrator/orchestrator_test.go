package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testfleet/testfleet/result"
	"github.com/testfleet/testfleet/runner"
	"github.com/testfleet/testfleet/types"
)

func caseDesc(path string) *types.Descriptor {
	return &types.Descriptor{Kind: types.KindCase, Path: path}
}

func suiteDesc(name string, children ...*types.Descriptor) *types.Descriptor {
	return &types.Descriptor{Kind: types.KindSuite, Name: name, Tests: children}
}

func fastConfig(processes int, failFast bool) Config {
	return Config{
		Processes:       processes,
		FailFast:        failFast,
		JoinPoll:        10 * time.Millisecond,
		ShutdownTimeout: 2 * time.Second,
	}
}

func TestExtractItemsSplitsIndependentCases(t *testing.T) {
	d := suiteDesc("s", caseDesc("p.g.a"), caseDesc("p.g.b"),
		suiteDesc("nested", caseDesc("p.g.c")))
	items := ExtractItems(d)
	require.Len(t, items, 3)
	for _, item := range items {
		assert.Equal(t, types.KindCase, item.Kind)
	}
}

func TestExtractItemsKeepsPrerequisiteSuiteAtomic(t *testing.T) {
	pre := caseDesc("p.g.pre")
	pre.IsPrerequisite = true
	chain := suiteDesc("chain", pre, caseDesc("p.g.after"))
	d := suiteDesc("s", caseDesc("p.g.a"), chain)

	items := ExtractItems(d)
	require.Len(t, items, 2)
	assert.Equal(t, types.KindCase, items[0].Kind)
	assert.Equal(t, types.KindSuite, items[1].Kind)
	assert.Equal(t, "chain", items[1].Name)
}

func registryFor(t *testing.T, paths ...string) *runner.Registry {
	t.Helper()
	reg := runner.NewRegistry()
	for _, path := range paths {
		reg.Case(path, func(c *runner.CaseCtx) error {
			c.Checkpoint("ok", true)
			return nil
		})
	}
	return reg
}

func TestOrchestratorScenarioA(t *testing.T) {
	reg := registryFor(t, "p.g.a", "p.g.b", "p.g.c")
	store := result.NewStore()
	queue := runner.NewMemQueue()
	o := New(fastConfig(1, false), store, queue, GoSpawner(queue, reg.Materialize, nil))

	batch := []*types.Descriptor{
		suiteDesc("s", caseDesc("p.g.a"), caseDesc("p.g.b"), caseDesc("p.g.c")),
	}
	require.NoError(t, o.Run(context.Background(), batch))

	stats := store.Statistics()
	assert.Equal(t, 3, stats.Totals)
	assert.Equal(t, 3, stats.Count(types.StatusPassed))
	assert.Equal(t, int64(3), store.Drained.Load())
}

func TestOrchestratorReconstructsTreeOrder(t *testing.T) {
	reg := registryFor(t, "p.g.a", "p.g.b", "p.g.c", "p.g.d")
	store := result.NewStore()
	queue := runner.NewMemQueue()
	o := New(fastConfig(4, false), store, queue, GoSpawner(queue, reg.Materialize, nil))

	nested := suiteDesc("inner", caseDesc("p.g.c"), caseDesc("p.g.d"))
	batch := []*types.Descriptor{
		suiteDesc("outer", caseDesc("p.g.a"), caseDesc("p.g.b"), nested),
	}
	require.NoError(t, o.Run(context.Background(), batch))

	suites := store.SuiteRecords()
	require.Len(t, suites, 1)
	outer := suites[0]
	require.Len(t, outer.Records, 3)
	// Order mirrors the descriptor tree regardless of completion order.
	assert.Equal(t, "p.g.a", outer.Records[0].(*types.CaseRecord).Path)
	assert.Equal(t, "p.g.b", outer.Records[1].(*types.CaseRecord).Path)
	inner, ok := outer.Records[2].(*types.SuiteRecord)
	require.True(t, ok)
	require.Len(t, inner.Records, 2)
	assert.Equal(t, "p.g.c", inner.Records[0].(*types.CaseRecord).Path)
}

func TestOrchestratorSynthesizesNotRunPlaceholders(t *testing.T) {
	// Workers that stop without dequeueing anything leave every case
	// undrained; reconstruction must fill NOT_RUN placeholders.
	store := result.NewStore()
	queue := runner.NewMemQueue()
	o := New(fastConfig(1, false), store, queue,
		func(id string) (Worker, error) { return &stoppedWorker{}, nil })

	batch := []*types.Descriptor{suiteDesc("s", caseDesc("p.g.a"), caseDesc("p.g.b"))}
	require.NoError(t, o.Run(context.Background(), batch))

	suites := store.SuiteRecords()
	require.Len(t, suites, 1)
	for _, child := range suites[0].Records {
		crec := child.(*types.CaseRecord)
		assert.Equal(t, types.StatusNotRun, crec.Status)
		assert.NotEmpty(t, crec.ID)
	}
}

type stoppedWorker struct{}

func (w *stoppedWorker) IsStopped() (bool, error)                   { return true, nil }
func (w *stoppedWorker) Abort() error                               { return nil }
func (w *stoppedWorker) Shutdown(time.Duration) error               { return nil }
func (w *stoppedWorker) DrainRecords(func(rec *types.CaseRecord)) {}

func TestOrchestratorFailFastAbortsConsumers(t *testing.T) {
	reg := runner.NewRegistry()
	reg.Case("p.g.bad", func(c *runner.CaseCtx) error { return runner.Failf("boom") })
	reg.Case("p.g.slow", func(c *runner.CaseCtx) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	})

	store := result.NewStore()
	queue := runner.NewMemQueue()
	cfg := fastConfig(2, true)
	o := New(cfg, store, queue, GoSpawner(queue, reg.Materialize, nil))

	children := []*types.Descriptor{caseDesc("p.g.bad")}
	for i := 0; i < 50; i++ {
		children = append(children, caseDesc("p.g.slow"))
	}
	require.NoError(t, o.Run(context.Background(), []*types.Descriptor{suiteDesc("s", children...)}))

	assert.True(t, store.ShouldAbort())
	stats := store.Statistics()
	assert.Equal(t, 1, stats.Count(types.StatusFailed))
	// Most of the batch never ran.
	assert.Greater(t, stats.Count(types.StatusNotRun), 0)
}

func TestOrchestratorPrerequisiteChainAcrossQueue(t *testing.T) {
	reg := runner.NewRegistry()
	reg.Case("p.g.pre", func(c *runner.CaseCtx) error { return runner.Failf("no") })
	reg.Case("p.g.after", func(c *runner.CaseCtx) error { return nil })

	pre := caseDesc("p.g.pre")
	pre.IsPrerequisite = true
	chain := suiteDesc("chain", pre, caseDesc("p.g.after"))

	store := result.NewStore()
	queue := runner.NewMemQueue()
	o := New(fastConfig(2, false), store, queue, GoSpawner(queue, reg.Materialize, nil))
	require.NoError(t, o.Run(context.Background(), []*types.Descriptor{chain}))

	byPath := make(map[string]types.Status)
	for _, rec := range store.CaseRecords() {
		byPath[rec.Path] = rec.Status
	}
	assert.Equal(t, types.StatusFailed, byPath["p.g.pre"])
	assert.Equal(t, types.StatusSkipped, byPath["p.g.after"])
}
