package runner

import (
	"fmt"
	"strings"
	"sync"

	"github.com/testfleet/testfleet/types"
)

// Func is a registered case body.
type Func func(c *CaseCtx) error

// FixtureFunc is a group- or package-level setup/teardown hook.
type FixtureFunc func(ctx *Context) error

// Runnable is a materialized case, ready to execute. Its record exists
// from materialization time so a never-run case still reports NOT_RUN.
type Runnable interface {
	Record() *types.CaseRecord

	// GroupKey and PackageKey locate the case's fixture scopes. Cases
	// sharing a key form one contiguous fixture run.
	GroupKey() string
	PackageKey() string

	Run(ctx *Context)
}

// Materializer turns a case descriptor into a Runnable. The test
// definition loader supplies one; the registry provides the default.
type Materializer func(d *types.Descriptor) (Runnable, error)

// GroupPath strips the final segment of a dotted case path, yielding the
// group scope. "pkg.group.case" -> "pkg.group".
func GroupPath(path string) string {
	if i := strings.LastIndex(path, "."); i >= 0 {
		return path[:i]
	}
	return ""
}

// PackagePath strips the final two segments, yielding the package scope.
func PackagePath(path string) string {
	return GroupPath(GroupPath(path))
}

// Registry maps dotted paths to case bodies and fixture hooks.
type Registry struct {
	mu            sync.RWMutex
	cases         map[string]Func
	groupSetup    map[string]FixtureFunc
	groupTeardown map[string]FixtureFunc
	pkgSetup      map[string]FixtureFunc
	pkgTeardown   map[string]FixtureFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		cases:         make(map[string]Func),
		groupSetup:    make(map[string]FixtureFunc),
		groupTeardown: make(map[string]FixtureFunc),
		pkgSetup:      make(map[string]FixtureFunc),
		pkgTeardown:   make(map[string]FixtureFunc),
	}
}

// Default is the process-wide registry used when no custom materializer
// is supplied.
var Default = NewRegistry()

// Case registers a case body under its dotted path.
func (r *Registry) Case(path string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cases[path] = fn
}

// Group registers setup/teardown for a group scope. Either may be nil.
func (r *Registry) Group(path string, setup, teardown FixtureFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if setup != nil {
		r.groupSetup[path] = setup
	}
	if teardown != nil {
		r.groupTeardown[path] = teardown
	}
}

// Package registers setup/teardown for a package scope.
func (r *Registry) Package(path string, setup, teardown FixtureFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if setup != nil {
		r.pkgSetup[path] = setup
	}
	if teardown != nil {
		r.pkgTeardown[path] = teardown
	}
}

func (r *Registry) fixture(m map[string]FixtureFunc, key string) FixtureFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return m[key]
}

// Materialize implements Materializer against the registry.
func (r *Registry) Materialize(d *types.Descriptor) (Runnable, error) {
	if d.Kind != types.KindCase {
		return nil, fmt.Errorf("cannot materialize %s descriptor %q as a case", d.Kind, d.Path)
	}
	r.mu.RLock()
	fn, ok := r.cases[d.Path]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no case registered at path %q", d.Path)
	}
	id := d.ID
	if id == "" {
		id = types.NextCaseID()
	}
	return &registeredCase{
		registry: r,
		fn:       fn,
		desc:     d,
		record: &types.CaseRecord{
			ID:     id,
			Name:   d.DisplayName(),
			Path:   d.Path,
			Status: types.StatusNotRun,
		},
	}, nil
}

type registeredCase struct {
	registry *Registry
	fn       Func
	desc     *types.Descriptor
	record   *types.CaseRecord
}

func (c *registeredCase) Record() *types.CaseRecord { return c.record }
func (c *registeredCase) GroupKey() string          { return GroupPath(c.desc.Path) }
func (c *registeredCase) PackageKey() string        { return PackagePath(c.desc.Path) }

// Run executes the body, applying the descriptor's rerun policy. Retries
// reset the record's checkpoints and error but keep its id and the
// accumulated rerun-cause history.
func (c *registeredCase) Run(ctx *Context) {
	retries := 0
	if c.desc.Rerun != nil {
		retries = c.desc.Rerun.Retry
	}
	for attempt := 0; ; attempt++ {
		c.attempt(ctx)

		if c.desc.Rerun == nil || attempt >= retries {
			break
		}
		scope := types.ScopeMethod
		if c.record.Error != nil && c.record.Error.Scope != 0 {
			scope = c.record.Error.Scope
		}
		if !c.desc.Rerun.Matches(c.record.Status, scope) {
			break
		}
		cause := ""
		if cp := c.record.LastFailingCheckPoint(); cp != nil {
			cause = cp.Error.String()
		} else if c.record.Error != nil {
			cause = c.record.Error.String()
		}
		c.record.RerunCauses = append(c.record.RerunCauses, cause)
	}
	if c.desc.Rerun != nil && c.desc.Rerun.Remark != 0 &&
		c.record.Status == types.StatusPassed && len(c.record.RerunCauses) > 0 {
		c.record.Status = c.desc.Rerun.Remark
	}
}

func (c *registeredCase) attempt(ctx *Context) {
	c.record.CheckPoints = nil
	c.record.Error = nil

	cc := &CaseCtx{ctx: ctx, record: c.record, params: c.desc.Params}

	err := c.invoke(cc)
	status := statusForError(err)
	if err != nil {
		c.record.Error = types.NewErrorInfo(err, types.ScopeMethod)
	}

	if status == types.StatusPassed {
		for _, cp := range c.record.CheckPoints {
			if cp.Status == types.CheckPointFailed {
				status = types.StatusFailed
				break
			}
			if cp.Status == types.CheckPointWarning {
				status = types.StatusWarning
			}
		}
		if status == types.StatusPassed && ctx.Strict && len(c.record.CheckPoints) == 0 {
			status = types.StatusErroneous
			c.record.Error = &types.ErrorInfo{
				Message: "strict mode: case recorded no checkpoints",
				Scope:   types.ScopeMethod,
			}
		}
	}
	c.record.Status = status
}

func (c *registeredCase) invoke(cc *CaseCtx) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("case panicked: %v", r)
		}
	}()
	return c.fn(cc)
}
