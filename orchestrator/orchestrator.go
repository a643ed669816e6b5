// Package orchestrator fans a batch of descriptors out over a shared
// work queue, runs N consumer workers against it, drains their case
// records back into one authoritative store, and reconstructs the
// original suite hierarchy from the flat id-to-record mapping.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/testfleet/testfleet/result"
	"github.com/testfleet/testfleet/runner"
	"github.com/testfleet/testfleet/types"
)

var logger = log.New("module", "orchestrator")

// Worker is one consumer under orchestration. proc.Handle satisfies it
// for subprocess workers; goroutine-backed workers satisfy it for
// same-process runs and tests.
type Worker interface {
	IsStopped() (bool, error)
	Abort() error
	Shutdown(timeout time.Duration) error

	// DrainRecords blocks, feeding finished case records to fn until the
	// worker's record stream closes.
	DrainRecords(fn func(rec *types.CaseRecord))
}

// SpawnFunc starts one worker with the given identity.
type SpawnFunc func(id string) (Worker, error)

// Config tunes the orchestration run.
type Config struct {
	Processes int
	FailFast  bool

	// JoinPoll is the interval between is-stopped polls of live workers.
	JoinPoll time.Duration
	// ShutdownTimeout bounds each worker's shutdown.
	ShutdownTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Processes <= 0 {
		out.Processes = 1
	}
	if out.JoinPoll <= 0 {
		out.JoinPoll = 5 * time.Second
	}
	if out.ShutdownTimeout <= 0 {
		out.ShutdownTimeout = 10 * time.Second
	}
	return out
}

// Orchestrator drives one distributed batch.
type Orchestrator struct {
	cfg   Config
	store *result.Store
	queue *runner.MemQueue
	spawn SpawnFunc

	mu        sync.Mutex
	collected map[string]*types.CaseRecord
	aborted   bool
	workers   []*workerRef

	log log.Logger
}

type workerRef struct {
	id string
	Worker
}

// New returns an orchestrator feeding workers from spawn.
func New(cfg Config, store *result.Store, queue *runner.MemQueue, spawn SpawnFunc) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		store:     store,
		queue:     queue,
		spawn:     spawn,
		collected: make(map[string]*types.CaseRecord),
		log:       logger,
	}
}

// ExtractItems flattens a descriptor into queue items. A suite whose
// direct children include a prerequisite case stays one atomic item so
// its in-order semantics survive distribution; everything else is split
// so independent work spreads across consumers.
func ExtractItems(d *types.Descriptor) []*types.Descriptor {
	if d.Kind == types.KindCase {
		return []*types.Descriptor{d}
	}
	if d.HasPrerequisite() {
		return []*types.Descriptor{d}
	}
	var items []*types.Descriptor
	for _, child := range d.Tests {
		items = append(items, ExtractItems(child)...)
	}
	return items
}

// Run distributes the batch and blocks until every worker has stopped
// and every record stream is drained. The store afterwards holds one
// record tree per batch entry, NOT_RUN placeholders filling anything
// never executed.
func (o *Orchestrator) Run(ctx context.Context, batch []*types.Descriptor) error {
	total := 0
	for _, d := range batch {
		total += d.AssignIDs()
	}
	o.store.Totals = total

	items := 0
	for _, d := range batch {
		for _, item := range ExtractItems(d) {
			o.queue.Put(item)
			items++
		}
	}
	o.log.Info("Batch distributed", "cases", total, "items", items, "processes", o.cfg.Processes)

	o.store.MarkStarted()

	var feedWg sync.WaitGroup
	for i := 0; i < o.cfg.Processes; i++ {
		id := fmt.Sprintf("consumer-%d", i)
		w, err := o.spawn(id)
		if err != nil {
			// Workers already started keep draining the queue; a partial
			// pool is degraded, not fatal.
			o.log.Error("Worker spawn failed", "worker", id, "err", err)
			continue
		}
		ref := &workerRef{id: id, Worker: w}
		o.workers = append(o.workers, ref)
		feedWg.Add(1)
		go func() {
			defer feedWg.Done()
			ref.DrainRecords(o.collect)
		}()
	}
	if len(o.workers) == 0 {
		o.store.MarkStopped()
		return fmt.Errorf("no worker could be started")
	}

	o.join(ctx)
	feedWg.Wait()
	o.store.MarkStopped()

	o.rebuild(batch)
	return ctx.Err()
}

// collect merges one drained record and applies the fail-fast policy.
func (o *Orchestrator) collect(rec *types.CaseRecord) {
	o.mu.Lock()
	o.collected[rec.ID] = rec
	o.mu.Unlock()

	drained := o.store.Drained.Add(1)
	if o.store.Totals > 0 {
		pct := float64(drained) / float64(o.store.Totals) * 100
		o.log.Info("Case record drained", "id", rec.ID, "status", rec.Status,
			"done", drained, "total", o.store.Totals, "pct", fmt.Sprintf("%.1f%%", pct))
	}

	if o.cfg.FailFast && rec.Status.IsTerminalFailure() {
		o.failFast(rec)
	}
}

func (o *Orchestrator) failFast(rec *types.CaseRecord) {
	o.mu.Lock()
	already := o.aborted
	o.aborted = true
	workers := append([]*workerRef(nil), o.workers...)
	o.mu.Unlock()
	if already {
		return
	}
	o.log.Warn("Fail-fast triggered, aborting all consumers", "id", rec.ID, "status", rec.Status)
	o.store.Abort()
	for _, w := range workers {
		if err := w.Abort(); err != nil {
			o.log.Debug("Abort call failed", "worker", w.id, "err", err)
		}
	}
}

// join polls workers until all have stopped, shutting each down as it
// finishes. On context cancellation every worker is shut down
// immediately instead of being waited for.
func (o *Orchestrator) join(ctx context.Context) {
	active := append([]*workerRef(nil), o.workers...)
	for len(active) > 0 {
		select {
		case <-ctx.Done():
			o.log.Warn("Interrupted, shutting down all consumers")
			for _, w := range active {
				o.shutdown(w)
			}
			return
		default:
		}

		remaining := active[:0]
		for _, w := range active {
			stopped, err := w.IsStopped()
			if err != nil {
				// Channel gone: the worker is effectively stopped.
				o.log.Debug("Worker unreachable during join", "worker", w.id, "err", err)
				stopped = true
			}
			if stopped {
				o.shutdown(w)
				continue
			}
			remaining = append(remaining, w)
		}
		active = remaining
		if len(active) == 0 {
			return
		}

		select {
		case <-ctx.Done():
		case <-time.After(o.cfg.JoinPoll):
		}
	}
}

func (o *Orchestrator) shutdown(w *workerRef) {
	if err := w.Shutdown(o.cfg.ShutdownTimeout); err != nil {
		o.log.Warn("Worker shutdown failed", "worker", w.id, "err", err)
	}
}

// rebuild reconstructs one record tree per batch entry from the drained
// records, preserving descriptor order.
func (o *Orchestrator) rebuild(batch []*types.Descriptor) {
	o.mu.Lock()
	defer o.mu.Unlock()

	loose := &types.SuiteRecord{SuiteID: types.NextSuiteID(), Name: "batch"}
	for _, d := range batch {
		if d.Kind == types.KindCase {
			loose.Add(o.caseRecord(d))
			continue
		}
		o.store.AddSuiteRecord(o.suiteRecord(d))
	}
	if len(loose.Records) > 0 {
		o.store.AddSuiteRecord(loose)
	}
}

func (o *Orchestrator) suiteRecord(d *types.Descriptor) *types.SuiteRecord {
	rec := &types.SuiteRecord{SuiteID: d.ID, Name: d.DisplayName(), Path: d.Path}
	for _, child := range d.Tests {
		if child.Kind == types.KindSuite {
			rec.Add(o.suiteRecord(child))
			continue
		}
		rec.Add(o.caseRecord(child))
	}
	return rec
}

func (o *Orchestrator) caseRecord(d *types.Descriptor) *types.CaseRecord {
	if rec, ok := o.collected[d.ID]; ok {
		return rec
	}
	return &types.CaseRecord{
		ID:     d.ID,
		Name:   d.DisplayName(),
		Path:   d.Path,
		Status: types.StatusNotRun,
	}
}
