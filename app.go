package testfleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/testfleet/testfleet/broker"
	"github.com/testfleet/testfleet/exitcodes"
	"github.com/testfleet/testfleet/interceptor"
	"github.com/testfleet/testfleet/metrics"
	"github.com/testfleet/testfleet/orchestrator"
	"github.com/testfleet/testfleet/result"
	"github.com/testfleet/testfleet/runner"
	"github.com/testfleet/testfleet/types"
)

// App drives run mode: load the test plan, distribute it over consumer
// workers, aggregate the records, report, and repeat on an interval when
// configured.
type App struct {
	ctx     context.Context
	config  *Config
	version string
	store   *result.Store

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	shutdownCallback func(error) // Callback to signal application shutdown
}

// New creates the run-mode app.
func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*App, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	config.Log.Debug("Creating app with config",
		"testFile", config.TestFile,
		"processes", config.Processes,
		"runInterval", config.RunInterval,
		"runOnce", config.RunOnce,
		"failFast", config.FailFast)

	return &App{
		ctx:              ctx,
		config:           config,
		version:          version,
		done:             make(chan struct{}),
		shutdownCallback: shutdownCallback,
	}, nil
}

// Result returns the store of the most recent run, nil before the first.
func (a *App) Result() *result.Store { return a.store }

// Start runs the test plan immediately, then periodically at the
// configured interval. In run-once mode the returned error carries the
// run's exit code.
func (a *App) Start(ctx context.Context) error {
	defer func() {
		if r := recover(); r != nil {
			a.config.Log.Error("Runtime error occurred", "error", r)
			os.Exit(exitcodes.UnknownException)
		}
	}()

	a.ctx = ctx
	a.done = make(chan struct{})
	a.running.Store(true)

	if a.config.RunOnce {
		a.config.Log.Info("Starting testfleet in run-once mode")
	} else {
		a.config.Log.Info("Starting testfleet in continuous mode", "interval", a.config.RunInterval)
	}

	if err := a.runTests(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			a.config.Log.Warn("Run interrupted")
			return NewOutcomeError(exitcodes.Interrupted, "run interrupted")
		}
		a.config.Log.Error("Runtime error running tests", "error", err)
		return NewRuntimeError(err)
	}

	if a.config.RunOnce {
		stats := a.store.Statistics()
		code := exitcodes.FromStats(stats)
		if code != exitcodes.OK {
			return NewOutcomeError(code, summarizeStats(stats))
		}
		go func() {
			a.shutdownCallback(nil)
		}()
		return nil
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-time.After(a.config.RunInterval):
				if !a.running.Load() {
					return
				}
				a.config.Log.Info("Running periodic tests")
				if err := a.runTests(); err != nil {
					a.config.Log.Error("Error running periodic tests", "error", err)
				}

			case <-a.done:
				return

			case <-ctx.Done():
				a.running.Store(false)
				return
			}
		}
	}()
	return nil
}

// Stop stops the periodic runner.
func (a *App) Stop(ctx context.Context) error {
	a.config.Log.Info("Stopping testfleet")
	a.running.Store(false)
	close(a.done)
	a.wg.Wait()
	a.config.Log.Info("Stopped testfleet")
	return nil
}

// runTests runs the whole plan once and reports the outcome.
func (a *App) runTests() error {
	batch, err := loadPlan(a.config.TestFile)
	if err != nil {
		return err
	}

	runID := uuid.New().String()
	a.config.Log.Info("Running test plan", "run_id", runID, "entries", len(batch))

	store := result.NewStore()
	store.FailFast = a.config.FailFast
	if err := a.runBatch(batch, store); err != nil {
		return err
	}

	// Rerun failed and erroneous cases, merging each pass's outcome back
	// into the authoritative store.
	for i := 0; i < a.config.Rerun; i++ {
		rerun := rerunBatch(batch, store)
		if len(rerun) == 0 {
			break
		}
		a.config.Log.Info("Rerunning failed cases", "pass", i+1, "cases", len(rerun))
		rerunStore := result.NewStore()
		if err := a.runBatch(rerun, rerunStore); err != nil {
			return err
		}
		store.Update(rerunStore, a.config.RerunAsWarning)
	}
	a.store = store

	stats := store.Statistics()
	printResultsTable(os.Stdout, runID, store)
	fmt.Println(summarizeStats(stats))

	metrics.RecordRun(runID, resultLabel(stats), stats, store.Duration())
	if err := a.publishRecords(store); err != nil {
		a.config.Log.Warn("Failed to publish records to stream", "err", err)
	}
	a.config.Log.Info("Test run completed", "run_id", runID, "result", resultLabel(stats))
	return nil
}

// runBatch distributes one batch over the configured worker count.
func (a *App) runBatch(batch []*types.Descriptor, store *result.Store) error {
	queue := runner.NewMemQueue()

	var spawn orchestrator.SpawnFunc
	if a.config.Processes <= 1 {
		strict, mock := a.config.Strict, a.config.Mock
		spawn = orchestrator.GoSpawner(queue, nil, func(c *runner.Context) {
			c.Strict = strict
			c.Mock = mock
		})
	} else {
		spawn = orchestrator.ProcSpawner(queue, orchestrator.ConsumerPayload{
			Strict:   a.config.Strict,
			Mock:     a.config.Mock,
			AutoStop: true,
		}, nil)
	}

	o := orchestrator.New(orchestrator.Config{
		Processes: a.config.Processes,
		FailFast:  a.config.FailFast,
	}, store, queue, spawn)
	return o.Run(a.ctx, batch)
}

// publishRecords pushes every case record of the finished run onto the
// configured redis stream.
func (a *App) publishRecords(store *result.Store) error {
	if a.config.StreamKey == "" {
		return nil
	}
	client, err := broker.NewRedisClient(a.config.RedisURL)
	if err != nil {
		return err
	}
	defer client.Close()

	stream := interceptor.NewStream(client, a.config.StreamKey, 0)
	for _, rec := range store.CaseRecords() {
		if err := stream.Put(rec); err != nil {
			return err
		}
	}
	return nil
}

// loadPlan reads the test plan file: a JSON array of descriptors, or a
// single descriptor object.
func loadPlan(path string) ([]*types.Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read test plan: %w", err)
	}
	var batch []*types.Descriptor
	if err := json.Unmarshal(data, &batch); err == nil {
		return batch, nil
	}
	single := new(types.Descriptor)
	if err := json.Unmarshal(data, single); err != nil {
		return nil, fmt.Errorf("failed to parse test plan %s: %w", path, err)
	}
	return []*types.Descriptor{single}, nil
}

// rerunBatch collects the case descriptors whose records finished FAILED
// or ERRONEOUS.
func rerunBatch(batch []*types.Descriptor, store *result.Store) []*types.Descriptor {
	records := store.CaseRecords()
	var out []*types.Descriptor
	var walk func(d *types.Descriptor)
	walk = func(d *types.Descriptor) {
		if d.Kind == types.KindCase {
			if rec, ok := records[d.ID]; ok && rec.Status.IsTerminalFailure() {
				out = append(out, d)
			}
			return
		}
		for _, child := range d.Tests {
			walk(child)
		}
	}
	for _, d := range batch {
		walk(d)
	}
	return out
}
