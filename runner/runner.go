package runner

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/testfleet/testfleet/events"
	"github.com/testfleet/testfleet/result"
	"github.com/testfleet/testfleet/types"
)

var logger = log.New("module", "runner")

// State is the runner lifecycle state.
type State int32

const (
	StateInitial State = iota
	StateRunning
	StatePaused
	StateAborted
	StateUnexpected
	StateFinished
)

var stateNames = map[State]string{
	StateInitial:    "initial",
	StateRunning:    "running",
	StatePaused:     "paused",
	StateAborted:    "aborted",
	StateUnexpected: "unexpected",
	StateFinished:   "finished",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Observer is notified on every runner state transition. Across a process
// boundary the transition is forwarded over the control channel.
type Observer interface {
	OnRunnerStateChanged(runnerID string, from, to State)
}

// Runner executes descriptors sequentially against one store within one
// context. The concrete work loop is pluggable: a static suite list or a
// queue-fed consumer.
type Runner struct {
	ID    string
	Store *result.Store
	Ctx   *Context

	// Fixtures resolves group/package setup and teardown hooks.
	Fixtures *Registry

	materialize Materializer
	suites      []*types.Descriptor
	body        func(r *Runner) error

	state atomic.Int32
	done  atomic.Bool

	obsMu     sync.Mutex
	observers []Observer

	log log.Logger
}

// New returns a runner over a static list of suites. A nil materializer
// uses the default registry.
func New(id string, store *result.Store, ctx *Context, materialize Materializer) *Runner {
	r := newRunner(id, store, ctx, materialize)
	r.body = (*Runner).runSuites
	return r
}

func newRunner(id string, store *result.Store, ctx *Context, materialize Materializer) *Runner {
	if ctx == nil {
		ctx = NewContext()
	}
	if materialize == nil {
		materialize = Default.Materialize
	}
	return &Runner{
		ID:          id,
		Store:       store,
		Ctx:         ctx,
		Fixtures:    Default,
		materialize: materialize,
		log:         logger.New("runner", id),
	}
}

// AddSuite appends a descriptor to the run list. Must be called before
// Run.
func (r *Runner) AddSuite(d *types.Descriptor) {
	r.suites = append(r.suites, d)
}

// SetBody replaces the work loop. Consumer variants that pull work from
// external sources install their own loop; the lifecycle around it is
// unchanged. Must be called before Run.
func (r *Runner) SetBody(body func(*Runner) error) {
	r.body = body
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	return State(r.state.Load())
}

func (r *Runner) setState(to State) {
	from := State(r.state.Swap(int32(to)))
	if from == to {
		return
	}
	r.obsMu.Lock()
	obs := make([]Observer, len(r.observers))
	copy(obs, r.observers)
	r.obsMu.Unlock()
	for _, o := range obs {
		o.OnRunnerStateChanged(r.ID, from, to)
	}
}

// AddObserver attaches a state-change observer.
func (r *Runner) AddObserver(o Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, o)
}

// IsStopped reports whether Run has returned.
func (r *Runner) IsStopped() bool { return r.done.Load() }

// Pause sets the store-level pause flag. Cooperative: the work loop
// blocks before the next item, the current one is unaffected.
func (r *Runner) Pause() {
	r.Store.Pause()
	r.setState(StatePaused)
	r.Ctx.notify(events.Event{Type: events.RunnerPaused, RunnerID: r.ID})
}

// Resume clears the pause flag.
func (r *Runner) Resume() {
	r.Store.Resume()
	r.setState(StateRunning)
	r.Ctx.notify(events.Event{Type: events.RunnerResumed, RunnerID: r.ID})
}

// Abort stops scheduling of new items. In-flight work completes.
func (r *Runner) Abort() {
	r.Store.Abort()
	r.setState(StateAborted)
	r.Ctx.notify(events.Event{Type: events.RunnerAborted, RunnerID: r.ID})
}

// Run drives the work loop once. An error return means the run loop
// itself faulted (state UNEXPECTED); test failures are reported through
// the store, never as an error.
func (r *Runner) Run() (err error) {
	if !r.state.CompareAndSwap(int32(StateInitial), int32(StateRunning)) {
		return fmt.Errorf("runner %s: already started (state %s)", r.ID, r.State())
	}
	r.log.Info("Runner started")
	r.Store.MarkStarted()
	r.Ctx.notify(events.Event{Type: events.RunnerStarted, RunnerID: r.ID})

	defer func() {
		if rec := recover(); rec != nil {
			r.setState(StateUnexpected)
			err = fmt.Errorf("runner %s: unexpected fault: %v", r.ID, rec)
		}
		if r.Ctx.Bench != nil {
			r.Store.AddBenchRecord(r.Ctx.Bench.AsRecord())
		}
		r.Ctx.notify(events.Event{Type: events.RunnerStopped, RunnerID: r.ID})
		r.Ctx.Bus.Close()
		r.Store.MarkStopped()
		switch r.State() {
		case StateRunning, StatePaused:
			r.setState(StateFinished)
		}
		r.done.Store(true)
		r.log.Info("Runner stopped", "state", r.State(), "err", err)
	}()

	if berr := r.body(r); berr != nil {
		r.setState(StateUnexpected)
		return fmt.Errorf("runner %s: %w", r.ID, berr)
	}
	return nil
}

func (r *Runner) runSuites() error {
	for _, d := range r.suites {
		if r.Store.ShouldAbort() {
			break
		}
		d.AssignIDs()
		fx := newFixtureState(r.Fixtures, r.Ctx)
		rec := r.runSuite(d, fx)
		fx.finish()
		r.Store.AddSuiteRecord(rec)
	}
	return nil
}

// waitWhilePaused sleep-polls the pause flag. Returns when resumed or
// aborted.
func waitWhilePaused(store *result.Store) {
	for store.ShouldPause() && !store.ShouldAbort() {
		time.Sleep(result.PauseInterval)
	}
}
