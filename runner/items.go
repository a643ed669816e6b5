package runner

import "github.com/testfleet/testfleet/types"

// ItemRunner executes descriptors one at a time against the runner's
// store, carrying fixture state across items so contiguous same-group
// cases share one setup/teardown bracket. Message-driven consumers use
// it to run each inbound payload.
type ItemRunner struct {
	r     *Runner
	fx    *fixtureState
	batch *types.SuiteRecord
}

// NewItemRunner returns an item runner whose directly executed cases
// hang off one batch record in the store. Close must be called to unwind
// open fixtures.
func (r *Runner) NewItemRunner() *ItemRunner {
	batch := &types.SuiteRecord{SuiteID: types.NextSuiteID(), Name: r.ID}
	r.Store.AddSuiteRecord(batch)
	return &ItemRunner{
		r:     r,
		fx:    newFixtureState(r.Fixtures, r.Ctx),
		batch: batch,
	}
}

// Execute runs one descriptor and returns its record. Suites run
// atomically with their own prerequisite scope.
func (ir *ItemRunner) Execute(d *types.Descriptor) types.Record {
	if d.Kind == types.KindSuite {
		rec := ir.r.runSuite(d, ir.fx)
		ir.batch.Add(rec)
		return rec
	}
	rec := ir.r.runCase(d, ir.fx, false)
	ir.batch.Add(rec)
	return rec
}

// Close unwinds any open fixture scopes.
func (ir *ItemRunner) Close() {
	ir.fx.finish()
}
