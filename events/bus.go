// Package events implements the in-process lifecycle event bus. Handlers
// observe runner, suite and case transitions; the engine never depends on
// a handler succeeding.
package events

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/testfleet/testfleet/types"
)

// Type identifies a lifecycle transition.
type Type int

const (
	RunnerStarted Type = iota
	RunnerStopped
	RunnerPaused
	RunnerResumed
	RunnerAborted
	SuiteStarted
	SuiteStopped
	CaseStarted
	CaseStopped
)

var typeNames = map[Type]string{
	RunnerStarted: "runner_started",
	RunnerStopped: "runner_stopped",
	RunnerPaused:  "runner_paused",
	RunnerResumed: "runner_resumed",
	RunnerAborted: "runner_aborted",
	SuiteStarted:  "suite_started",
	SuiteStopped:  "suite_stopped",
	CaseStarted:   "case_started",
	CaseStopped:   "case_stopped",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// IsTeardown reports whether handlers should be notified in reverse
// attachment order, mirroring setup/teardown symmetry.
func (t Type) IsTeardown() bool {
	switch t {
	case RunnerStopped, SuiteStopped, CaseStopped, RunnerAborted:
		return true
	}
	return false
}

// Event is one lifecycle notification. The record pointers are live
// objects owned by the emitting runner; handlers must not retain them
// past the call.
type Event struct {
	Type     Type
	RunnerID string
	Suite    *types.SuiteRecord
	Case     *types.CaseRecord
	At       time.Time
}

// Handler receives events. Errors are collected, never fatal to the run.
type Handler interface {
	HandleEvent(ev Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ev Event) error

func (f HandlerFunc) HandleEvent(ev Event) error { return f(ev) }

// Callback wraps a function invoked only for one event type. This is the
// listen helper used by interceptors and tests.
func Callback(on Type, fn func(ev Event) error) Handler {
	return HandlerFunc(func(ev Event) error {
		if ev.Type != on {
			return nil
		}
		return fn(ev)
	})
}

// Failure pairs a failing handler with its error.
type Failure struct {
	Handler string
	Err     error
}

// NotifyError aggregates every handler failure from one notification.
// The event itself was delivered to all handlers regardless.
type NotifyError struct {
	Event    Type
	Failures []Failure
}

func (e *NotifyError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, fmt.Sprintf("%s: %v", f.Handler, f.Err))
	}
	return fmt.Sprintf("notify %s: %d handler(s) failed: %s", e.Event, len(e.Failures), strings.Join(msgs, "; "))
}

type subscription struct {
	handler  Handler
	priority int
	seq      int
	async    bool
}

// Bus dispatches events to attached handlers, ordered by ascending
// priority with attachment order breaking ties. Teardown events are
// dispatched in reverse. Handlers attached with AttachAsync run on a
// bounded worker pool and their failures are logged instead of
// returned; synchronous and asynchronous handlers coexist on one bus.
type Bus struct {
	mu   sync.Mutex
	subs []subscription
	seq  int

	poolMu sync.RWMutex
	tasks  chan func()
	wg     sync.WaitGroup
	log    log.Logger
}

// NewBus returns a bus without a worker pool. AttachAsync starts one on
// demand.
func NewBus() *Bus {
	return &Bus{log: log.New("module", "events")}
}

// NewAsyncBus returns a bus with a pre-sized worker pool for async
// handlers. Close must be called to drain it.
func NewAsyncBus(workers int) *Bus {
	b := NewBus()
	b.ensurePool(workers)
	return b
}

func (b *Bus) ensurePool(workers int) {
	if workers < 1 {
		workers = 1
	}
	b.poolMu.Lock()
	defer b.poolMu.Unlock()
	if b.tasks != nil {
		return
	}
	tasks := make(chan func(), workers*4)
	b.tasks = tasks
	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for task := range tasks {
				task()
			}
		}()
	}
}

// Attach registers a synchronous handler at the given priority. Lower
// runs earlier on setup events.
func (b *Bus) Attach(h Handler, priority int) {
	b.attach(h, priority, false)
}

// AttachAsync registers a handler dispatched through the worker pool,
// starting a pool if the bus has none yet. Its failures are logged, not
// returned from Notify.
func (b *Bus) AttachAsync(h Handler, priority int) {
	b.ensurePool(2)
	b.attach(h, priority, true)
}

func (b *Bus) attach(h Handler, priority int, async bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.subs = append(b.subs, subscription{handler: h, priority: priority, seq: b.seq, async: async})
	sort.SliceStable(b.subs, func(i, j int) bool {
		if b.subs[i].priority != b.subs[j].priority {
			return b.subs[i].priority < b.subs[j].priority
		}
		return b.subs[i].seq < b.subs[j].seq
	})
}

// Detach removes a previously attached handler.
func (b *Bus) Detach(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.handler == h {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) ordered(t Type) []subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]subscription, len(b.subs))
	copy(out, b.subs)
	if t.IsTeardown() {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

// Notify delivers ev to every handler. Synchronous handlers are called
// inline, every one even when earlier ones fail, with failures
// aggregated into a NotifyError. Async handlers are submitted to the
// pool and their failures logged.
func (b *Bus) Notify(ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	subs := b.ordered(ev.Type)

	var failures []Failure
	for _, sub := range subs {
		if sub.async {
			b.submit(sub.handler, ev)
			continue
		}
		if err := safeHandle(sub.handler, ev); err != nil {
			failures = append(failures, Failure{Handler: handlerName(sub.handler), Err: err})
		}
	}
	if len(failures) > 0 {
		return &NotifyError{Event: ev.Type, Failures: failures}
	}
	return nil
}

// submit hands one handler call to the pool. After Close the call runs
// inline so late notifications are still delivered.
func (b *Bus) submit(h Handler, ev Event) {
	run := func() {
		if err := safeHandle(h, ev); err != nil {
			b.log.Warn("Event handler failed", "event", ev.Type, "handler", handlerName(h), "err", err)
		}
	}
	b.poolMu.RLock()
	if b.tasks != nil {
		b.tasks <- run
		b.poolMu.RUnlock()
		return
	}
	b.poolMu.RUnlock()
	run()
}

// Close drains the worker pool. No-op for a bus that never went async.
func (b *Bus) Close() {
	b.poolMu.Lock()
	tasks := b.tasks
	b.tasks = nil
	b.poolMu.Unlock()
	if tasks == nil {
		return
	}
	close(tasks)
	b.wg.Wait()
}

func safeHandle(h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.HandleEvent(ev)
}

func handlerName(h Handler) string {
	if s, ok := h.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", h)
}
