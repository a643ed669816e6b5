package fleet

import (
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/testfleet/testfleet/bench"
	"github.com/testfleet/testfleet/coord"
	"github.com/testfleet/testfleet/metrics"
	"github.com/testfleet/testfleet/proc"
)

var allBenchStates = []string{
	string(bench.StateOffline), string(bench.StateIdle),
	string(bench.StateBusy), string(bench.StateReserved),
}

// Worker is one supervised consumer process. proc.Handle satisfies it.
type Worker interface {
	Alive() bool
	IsStopped() (bool, error)
	IsBusy() (bool, error)
	Shutdown(timeout time.Duration) error
}

// SpawnFunc starts one worker for a bench. name is the stable worker
// identity reused across recoveries.
type SpawnFunc func(cfg bench.Config, name string) (Worker, error)

// ExecutorConfig configures the fleet executor.
type ExecutorConfig struct {
	Node            string
	Benches         []bench.Config
	RecoverAttempts int
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
	LivenessTTL     time.Duration
}

func (c *ExecutorConfig) withDefaults() ExecutorConfig {
	out := *c
	if out.Node == "" {
		out.Node = coord.NodeID()
	}
	if out.RecoverAttempts <= 0 {
		out.RecoverAttempts = 3
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 5 * time.Second
	}
	if out.ShutdownTimeout <= 0 {
		out.ShutdownTimeout = 10 * time.Second
	}
	return out
}

type workerSlot struct {
	name     string
	worker   Worker
	attempts int
}

type benchPool struct {
	cfg     bench.Config
	state   bench.State
	slots   []*workerSlot
	dormant bool // reserved: workers deliberately torn down
}

// Executor maintains a pool of consumer workers per bench, recovering
// crashed workers up to a bounded attempt count and publishing fleet
// liveness to the coordination store.
type Executor struct {
	cfg   ExecutorConfig
	spawn SpawnFunc

	mu    sync.Mutex
	pools map[string]*benchPool

	publisher *coord.Publisher

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewExecutor returns an executor spawning workers through spawn.
func NewExecutor(cfg ExecutorConfig, spawn SpawnFunc) *Executor {
	return &Executor{
		cfg:   cfg.withDefaults(),
		spawn: spawn,
		pools: make(map[string]*benchPool),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start spawns the initial worker pools and begins supervision. A
// liveness publisher is attached when client is non-nil.
func (e *Executor) Start(client redis.UniversalClient) error {
	e.mu.Lock()
	for _, bc := range e.cfg.Benches {
		pool := &benchPool{cfg: bc, state: bench.StateOffline}
		workers := bc.Workers
		if workers <= 0 {
			workers = 1
		}
		for i := 0; i < workers; i++ {
			slot := &workerSlot{name: fmt.Sprintf("%s-runner-%d", bc.Name, i)}
			e.spawnSlot(pool, slot)
			pool.slots = append(pool.slots, slot)
		}
		e.pools[bc.Name] = pool
	}
	e.mu.Unlock()

	if client != nil {
		store := coord.NewStore(client, e.cfg.LivenessTTL)
		e.publisher = coord.NewPublisher(store, e.livenessSnapshot)
		e.publisher.Start()
	}

	go e.loop()
	return nil
}

func (e *Executor) spawnSlot(pool *benchPool, slot *workerSlot) {
	w, err := e.spawn(pool.cfg, slot.name)
	if err != nil {
		logger.Error("Worker spawn failed", "bench", pool.cfg.Name, "worker", slot.name, "err", err)
		slot.worker = nil
		return
	}
	slot.worker = w
}

func (e *Executor) loop() {
	defer close(e.done)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.superviseOnce()
		}
	}
}

// superviseOnce refreshes every bench's observed state and recovers dead
// workers within the attempt ceiling.
func (e *Executor) superviseOnce() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, pool := range e.pools {
		if pool.dormant {
			continue
		}
		e.recoverPool(pool)
		pool.state = e.observeState(pool)
		metrics.RecordBenchState(pool.cfg.Name, string(pool.state), allBenchStates)
	}
}

// observeState derives an exclusive bench's availability by polling one
// representative worker's busy flag. Unreachable means offline.
func (e *Executor) observeState(pool *benchPool) bench.State {
	var rep Worker
	for _, slot := range pool.slots {
		if slot.worker != nil && slot.worker.Alive() {
			rep = slot.worker
			break
		}
	}
	if rep == nil {
		return bench.StateOffline
	}
	if !pool.cfg.Exclusive {
		return bench.StateIdle
	}
	busy, err := rep.IsBusy()
	switch {
	case err != nil:
		return bench.StateOffline
	case busy:
		return bench.StateBusy
	default:
		return bench.StateIdle
	}
}

func (e *Executor) recoverPool(pool *benchPool) {
	for _, slot := range pool.slots {
		if slot.worker != nil && slot.worker.Alive() {
			if stopped, err := slot.worker.IsStopped(); err == nil && !stopped {
				// Healthy: transient crashes in the past are forgiven.
				slot.attempts = 0
				continue
			}
		}
		if slot.worker != nil {
			if err := slot.worker.Shutdown(e.cfg.ShutdownTimeout); err != nil {
				logger.Warn("Dead worker shutdown failed", "worker", slot.name, "err", err)
			}
			slot.worker = nil
		}
		if slot.attempts >= e.cfg.RecoverAttempts {
			// Recovery ceiling reached: leave the slot dead so a
			// permanently-crashing worker cannot storm restarts.
			continue
		}
		slot.attempts++
		logger.Warn("Recovering worker", "bench", pool.cfg.Name, "worker", slot.name,
			"attempt", slot.attempts, "ceiling", e.cfg.RecoverAttempts)
		metrics.RecordWorkerRecovery(pool.cfg.Name, slot.name)
		e.spawnSlot(pool, slot)
	}
}

// UpdateBenchState applies an externally requested state: RESERVED tears
// the bench's workers down, IDLE recreates them.
func (e *Executor) UpdateBenchState(name string, state bench.State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	pool, ok := e.pools[name]
	if !ok {
		return fmt.Errorf("unknown bench %q", name)
	}
	switch state {
	case bench.StateReserved:
		for _, slot := range pool.slots {
			if slot.worker != nil {
				if err := slot.worker.Shutdown(e.cfg.ShutdownTimeout); err != nil {
					logger.Warn("Worker shutdown for reservation failed", "worker", slot.name, "err", err)
				}
				slot.worker = nil
			}
		}
		pool.dormant = true
		pool.state = bench.StateReserved
	case bench.StateIdle:
		pool.dormant = false
		for _, slot := range pool.slots {
			slot.attempts = 0
			if slot.worker == nil {
				e.spawnSlot(pool, slot)
			}
		}
		pool.state = bench.StateIdle
	default:
		return fmt.Errorf("cannot set bench %q to state %q", name, state)
	}
	return nil
}

// BenchState returns the last observed state of a bench.
func (e *Executor) BenchState(name string) bench.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pool, ok := e.pools[name]; ok {
		return pool.state
	}
	return bench.StateOffline
}

// livenessSnapshot builds the payloads pushed under the leased keys: one
// JSON array of bench snapshots and one of worker snapshots.
func (e *Executor) livenessSnapshot() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()

	benches := make([]map[string]any, 0, len(e.pools))
	runners := make([]map[string]any, 0)
	for _, pool := range e.pools {
		benches = append(benches, map[string]any{
			"name":   pool.cfg.Name,
			"type":   pool.cfg.Type,
			"group":  pool.cfg.Group,
			"state":  pool.state,
			"node":   e.cfg.Node,
			"routes": pool.cfg.Routes,
		})
		for _, slot := range pool.slots {
			alive := slot.worker != nil && slot.worker.Alive()
			busy := false
			if alive {
				if b, err := slot.worker.IsBusy(); err == nil {
					busy = b
				}
			}
			runners = append(runners, map[string]any{
				"name":  slot.name,
				"bench": pool.cfg.Name,
				"alive": alive,
				"busy":  busy,
			})
		}
	}
	return map[string]any{
		coord.BenchesKey(e.cfg.Node): benches,
		coord.RunnersKey(e.cfg.Node): runners,
	}
}

// Stop ends supervision and shuts every worker down.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	<-e.done

	if e.publisher != nil {
		e.publisher.Stop()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, pool := range e.pools {
		for _, slot := range pool.slots {
			if slot.worker == nil {
				continue
			}
			if err := slot.worker.Shutdown(e.cfg.ShutdownTimeout); err != nil {
				logger.Warn("Worker shutdown failed", "worker", slot.name, "err", err)
			}
			slot.worker = nil
		}
	}
}

var _ Worker = (*proc.Handle)(nil)
