// Package runner drives ordered execution of test descriptors against a
// result store. It owns the run/pause/resume/abort state machine, the
// xUnit-style fixture boundary logic, and the queue-fed consumer variant
// used by multi-process and fleet execution.
package runner

import (
	"errors"
	"fmt"

	"github.com/testfleet/testfleet/bench"
	"github.com/testfleet/testfleet/events"
	"github.com/testfleet/testfleet/types"
)

// Context is the execution context for one logical run: the event bus,
// the bench the run targets, and runtime flags. It is passed explicitly
// down the call chain rather than stashed in any global registry.
type Context struct {
	Bus       *events.Bus
	Bench     bench.Bench
	Exclusive bool
	Mock      bool

	// Strict demotes a PASSED case with zero checkpoints to ERRONEOUS,
	// catching bodies that silently asserted nothing.
	Strict bool
}

// NewContext returns a context with a synchronous bus and a simulated
// bench, suitable for local runs and tests. Callers replace fields as
// needed.
func NewContext() *Context {
	return &Context{
		Bus:   events.NewBus(),
		Bench: bench.NewSim("local", "sim"),
	}
}

func (c *Context) notify(ev events.Event) {
	if c.Bus == nil {
		return
	}
	if err := c.Bus.Notify(ev); err != nil {
		// Handler failures never affect the run outcome.
		logger.Warn("Event notification failed", "event", ev.Type, "err", err)
	}
}

// FailureError marks an expected, domain-level test failure. It maps to
// status FAILED, never to a process-level fault.
type FailureError struct {
	Msg string
}

func (e *FailureError) Error() string { return e.Msg }

// SkipError marks a deliberate skip. Maps to status SKIPPED.
type SkipError struct {
	Msg string
}

func (e *SkipError) Error() string { return e.Msg }

// Failf builds a FailureError.
func Failf(format string, args ...any) error {
	return &FailureError{Msg: fmt.Sprintf(format, args...)}
}

// Skipf builds a SkipError.
func Skipf(format string, args ...any) error {
	return &SkipError{Msg: fmt.Sprintf(format, args...)}
}

// statusForError classifies an error returned by a case body.
func statusForError(err error) types.Status {
	if err == nil {
		return types.StatusPassed
	}
	var fe *FailureError
	if errors.As(err, &fe) {
		return types.StatusFailed
	}
	var se *SkipError
	if errors.As(err, &se) {
		return types.StatusSkipped
	}
	return types.StatusErroneous
}

// CaseCtx is handed to a case body: parameter access, the bench, and the
// checkpoint recording API.
type CaseCtx struct {
	ctx    *Context
	record *types.CaseRecord
	params map[string]any
}

// Param returns a descriptor parameter, nil when absent.
func (c *CaseCtx) Param(name string) any { return c.params[name] }

// StringParam returns a string parameter, "" when absent or mistyped.
func (c *CaseCtx) StringParam(name string) string {
	s, _ := c.params[name].(string)
	return s
}

// Bench returns the bench the run targets, possibly nil.
func (c *CaseCtx) Bench() bench.Bench { return c.ctx.Bench }

// Record exposes the live record, for bodies that annotate it directly.
func (c *CaseCtx) Record() *types.CaseRecord { return c.record }

// Checkpoint records one assertion step. A failed checkpoint makes the
// case FAILED without stopping the body.
func (c *CaseCtx) Checkpoint(name string, ok bool) {
	cp := types.CheckPoint{Name: name, Status: types.CheckPointPassed}
	if !ok {
		cp.Status = types.CheckPointFailed
		cp.Error = &types.ErrorInfo{Message: fmt.Sprintf("checkpoint %q failed", name)}
	}
	c.record.CheckPoints = append(c.record.CheckPoints, cp)
}

// CheckpointErr records a step that failed with a concrete error.
func (c *CaseCtx) CheckpointErr(name string, err error) {
	cp := types.CheckPoint{Name: name, Status: types.CheckPointPassed}
	if err != nil {
		cp.Status = types.CheckPointFailed
		cp.Error = types.NewErrorInfo(err, types.ScopeMethod)
	}
	c.record.CheckPoints = append(c.record.CheckPoints, cp)
}

// Warn records a non-fatal anomaly. A case with only passed and warning
// checkpoints finishes WARNING.
func (c *CaseCtx) Warn(name, msg string) {
	c.record.CheckPoints = append(c.record.CheckPoints, types.CheckPoint{
		Name:   name,
		Status: types.CheckPointWarning,
		Error:  &types.ErrorInfo{Message: msg},
	})
}

// BenchEventHandler adapts a bench's lifecycle hooks to the event bus, so
// the engine drives them without knowing the concrete bench.
func BenchEventHandler(b bench.Bench) events.Handler {
	return events.HandlerFunc(func(ev events.Event) error {
		switch ev.Type {
		case events.RunnerStarted:
			return b.OnRunnerStarted(ev.RunnerID)
		case events.RunnerStopped:
			return b.OnRunnerStopped(ev.RunnerID)
		case events.CaseStarted:
			return b.OnCaseStarted(ev.Case.ID)
		case events.CaseStopped:
			return b.OnCaseStopped(ev.Case.ID)
		}
		return nil
	})
}
