package runner

import (
	"time"

	"github.com/testfleet/testfleet/events"
	"github.com/testfleet/testfleet/types"
)

// fixtureState tracks the previously executed case's group and package so
// setup/teardown hooks fire exactly at contiguous-run boundaries. A setup
// failure is cached and replayed as the stored error for every case in
// that scope without invoking the case body.
type fixtureState struct {
	reg *Registry
	ctx *Context

	prevGroup string
	prevPkg   string

	groupErrs map[string]*types.ErrorInfo
	pkgErrs   map[string]*types.ErrorInfo
}

func newFixtureState(reg *Registry, ctx *Context) *fixtureState {
	return &fixtureState{
		reg:       reg,
		ctx:       ctx,
		groupErrs: make(map[string]*types.ErrorInfo),
		pkgErrs:   make(map[string]*types.ErrorInfo),
	}
}

// enter moves the fixture state to the given scopes, firing teardowns for
// scopes being left and setups for scopes being entered. It returns the
// setup error to apply to the current case, nil when setup succeeded.
func (f *fixtureState) enter(groupKey, pkgKey string) *types.ErrorInfo {
	if groupKey != f.prevGroup {
		f.teardownGroup()
		if pkgKey != f.prevPkg {
			f.teardownPackage()
			f.prevPkg = pkgKey
			f.setup(f.reg.pkgSetup, pkgKey, f.pkgErrs, types.ScopeSetup)
		}
		f.prevGroup = groupKey
		f.setup(f.reg.groupSetup, groupKey, f.groupErrs, types.ScopeSetup)
	}
	if err := f.pkgErrs[pkgKey]; err != nil {
		return err
	}
	return f.groupErrs[groupKey]
}

// setup runs a scope's setup hook unless a cached outcome exists.
func (f *fixtureState) setup(hooks map[string]FixtureFunc, key string, cache map[string]*types.ErrorInfo, scope types.RerunScope) {
	if key == "" {
		return
	}
	if _, seen := cache[key]; seen {
		return
	}
	fn := f.reg.fixture(hooks, key)
	if fn == nil {
		cache[key] = nil
		return
	}
	if err := runFixture(fn, f.ctx); err != nil {
		logger.Warn("Fixture setup failed", "scope", key, "err", err)
		cache[key] = types.NewErrorInfo(err, scope)
		return
	}
	cache[key] = nil
}

func (f *fixtureState) teardownGroup() {
	// Teardown only fires for a scope whose setup succeeded.
	if f.prevGroup == "" || f.groupErrs[f.prevGroup] != nil {
		return
	}
	if fn := f.reg.fixture(f.reg.groupTeardown, f.prevGroup); fn != nil {
		if err := runFixture(fn, f.ctx); err != nil {
			logger.Warn("Fixture teardown failed", "scope", f.prevGroup, "err", err)
		}
	}
}

func (f *fixtureState) teardownPackage() {
	if f.prevPkg == "" || f.pkgErrs[f.prevPkg] != nil {
		return
	}
	if fn := f.reg.fixture(f.reg.pkgTeardown, f.prevPkg); fn != nil {
		if err := runFixture(fn, f.ctx); err != nil {
			logger.Warn("Fixture teardown failed", "scope", f.prevPkg, "err", err)
		}
	}
}

// finish unwinds the remaining open scopes at the end of a run.
func (f *fixtureState) finish() {
	f.teardownGroup()
	f.teardownPackage()
	f.prevGroup, f.prevPkg = "", ""
}

func runFixture(fn FixtureFunc, ctx *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Failf("fixture panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// expandChildren inlines flat sub-suites so their children participate in
// the parent's ordering and prerequisite scope.
func expandChildren(d *types.Descriptor) []*types.Descriptor {
	out := make([]*types.Descriptor, 0, len(d.Tests))
	for _, child := range d.Tests {
		if child.Kind == types.KindSuite && child.Flat {
			out = append(out, expandChildren(child)...)
			continue
		}
		out = append(out, child)
	}
	return out
}

// runSuite executes one suite descriptor, producing a record tree that
// mirrors it. Prerequisite short-circuit is scoped to the suite: once a
// prerequisite case fails, errors or skips, every later sibling case is
// SKIPPED without running.
func (r *Runner) runSuite(d *types.Descriptor, fx *fixtureState) *types.SuiteRecord {
	if d.ID == "" {
		d.ID = types.NextSuiteID()
	}
	rec := &types.SuiteRecord{SuiteID: d.ID, Name: d.DisplayName(), Path: d.Path}
	r.Ctx.notify(events.Event{Type: events.SuiteStarted, RunnerID: r.ID, Suite: rec})

	prereqFailed := false
	for _, child := range expandChildren(d) {
		if r.Store.ShouldAbort() {
			break
		}
		waitWhilePaused(r.Store)
		if r.Store.ShouldAbort() {
			break
		}

		if child.Kind == types.KindSuite {
			rec.Add(r.runSuite(child, fx))
			continue
		}

		crec := r.runCase(child, fx, prereqFailed)
		rec.Add(crec)
		if child.IsPrerequisite && (crec.Status.IsTerminalFailure() || crec.Status == types.StatusSkipped) {
			prereqFailed = true
		}
	}

	r.Ctx.notify(events.Event{Type: events.SuiteStopped, RunnerID: r.ID, Suite: rec})
	return rec
}

// runCase materializes and executes a single case descriptor.
func (r *Runner) runCase(d *types.Descriptor, fx *fixtureState, skip bool) *types.CaseRecord {
	if d.ID == "" {
		d.ID = types.NextCaseID()
	}

	if skip {
		crec := &types.CaseRecord{
			ID:     d.ID,
			Name:   d.DisplayName(),
			Path:   d.Path,
			Status: types.StatusSkipped,
			Error:  &types.ErrorInfo{Message: "skipped: prerequisite case did not pass"},
		}
		// The body never runs, but the record still travels to every
		// record-collecting handler.
		r.Ctx.notify(events.Event{Type: events.CaseStopped, RunnerID: r.ID, Case: crec})
		return crec
	}

	run, err := r.materialize(d)
	if err != nil {
		r.log.Error("Case materialization failed", "path", d.Path, "err", err)
		crec := &types.CaseRecord{
			ID:     d.ID,
			Name:   d.DisplayName(),
			Path:   d.Path,
			Status: types.StatusErroneous,
			Error:  types.NewErrorInfo(err, types.ScopeSetup),
		}
		r.Ctx.notify(events.Event{Type: events.CaseStopped, RunnerID: r.ID, Case: crec})
		return crec
	}

	crec := run.Record()
	if r.Ctx.Bench != nil {
		crec.BenchName = r.Ctx.Bench.Name()
		crec.BenchType = r.Ctx.Bench.Type()
	}

	if setupErr := fx.enter(run.GroupKey(), run.PackageKey()); setupErr != nil {
		crec.Status = types.StatusErroneous
		crec.Error = setupErr
		r.Ctx.notify(events.Event{Type: events.CaseStopped, RunnerID: r.ID, Case: crec})
		return crec
	}

	started := time.Now().UTC()
	crec.StartedAt = &started
	r.Ctx.notify(events.Event{Type: events.CaseStarted, RunnerID: r.ID, Case: crec})

	run.Run(r.Ctx)

	stopped := time.Now().UTC()
	crec.StoppedAt = &stopped
	r.Ctx.notify(events.Event{Type: events.CaseStopped, RunnerID: r.ID, Case: crec})
	r.log.Debug("Case finished", "path", d.Path, "status", crec.Status, "duration", crec.Duration())
	return crec
}
