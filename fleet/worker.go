package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"

	"github.com/testfleet/testfleet/bench"
	"github.com/testfleet/testfleet/broker"
	"github.com/testfleet/testfleet/interceptor"
	"github.com/testfleet/testfleet/proc"
	"github.com/testfleet/testfleet/result"
	"github.com/testfleet/testfleet/runner"
	"github.com/testfleet/testfleet/types"
)

// WorkerKindBroker is the spec kind of a broker-consumer child.
const WorkerKindBroker = "broker-consumer"

// WorkerPayload configures one broker-consumer child. It travels inside
// the worker spec on the child's stdin.
type WorkerPayload struct {
	RedisURL   string        `json:"redis_url"`
	Bench      bench.Config  `json:"bench"`
	Queues     []string      `json:"queues"`
	DLQ        string        `json:"dlq"`
	AutoStop   bool          `json:"auto_stop,omitempty"`
	Heartbeat  time.Duration `json:"heartbeat,omitempty"`
	RecordsURL string        `json:"records_url,omitempty"`
	Strict     bool          `json:"strict,omitempty"`
}

// NewSpawner returns a SpawnFunc that starts broker-consumer child
// processes via self-exec. The template payload's bench and identity
// fields are filled per spawn.
func NewSpawner(tpl WorkerPayload, procOpts *proc.Options) SpawnFunc {
	return func(cfg bench.Config, name string) (Worker, error) {
		payload := tpl
		payload.Bench = cfg
		payload.Queues = cfg.QueueNames()
		payload.DLQ = cfg.DeadLetterRoutingKey()

		spec := proc.Spec{ID: name, Kind: WorkerKindBroker}
		if err := spec.EncodePayload(payload); err != nil {
			return nil, fmt.Errorf("encoding worker payload for %s: %w", name, err)
		}
		h, err := proc.Spawn(spec, procOpts)
		if err != nil {
			return nil, err
		}
		// Broker consumers report records through the broker-side stream,
		// not the work pipes; keep the record channel drained regardless so
		// a child with a pipe sink attached can never block on it.
		go h.DrainRecords(func(rec *types.CaseRecord) {
			logger.Debug("Record from worker", "worker", name, "id", rec.ID, "status", rec.Status)
		})
		return h, nil
	}
}

// RunWorker is the child-side main of a broker-consumer worker. It wires
// the broker, heartbeat, lock, and checker from the payload, reclaims any
// in-flight message a previous incarnation of this identity left behind,
// then serves the control loop around the consume loop.
func RunWorker(wc *proc.WorkerContext) error {
	var payload WorkerPayload
	if err := json.Unmarshal(wc.Spec.Payload, &payload); err != nil {
		return fmt.Errorf("decoding worker payload: %w", err)
	}

	client, err := broker.NewRedisClient(payload.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer client.Close()
	if err := broker.CheckRedisConnection(client); err != nil {
		return err
	}

	b := broker.New(client)
	consumer := broker.NewConsumer(b, wc.Spec.ID, payload.Queues, payload.DLQ)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	moved, err := consumer.Recover(ctx)
	cancel()
	if err != nil {
		logger.Warn("In-flight recovery failed", "worker", wc.Spec.ID, "err", err)
	} else if moved > 0 {
		logger.Info("Recovered in-flight messages", "worker", wc.Spec.ID, "count", moved)
	}

	opts := ConsumerOptions{AutoStop: payload.AutoStop}
	if payload.Heartbeat > 0 {
		opts.Heartbeat = broker.NewHeartbeat(client, wc.Spec.ID, payload.Heartbeat)
	}
	if payload.RecordsURL != "" {
		opts.Checker = NewRecordsChecker(payload.RecordsURL)
	}
	if payload.Bench.Exclusive {
		rs := redsync.New(goredis.NewPool(client))
		opts.Mutex = rs.NewMutex(
			benchLockName(payload.Bench.Name),
			redsync.WithExpiry(benchLockExpiry),
			redsync.WithTries(1),
		)
	}

	sim := bench.NewSim(payload.Bench.Name, payload.Bench.Type)
	sim.IsExcl = payload.Bench.Exclusive

	rctx := runner.NewContext()
	rctx.Bench = sim
	rctx.Exclusive = payload.Bench.Exclusive
	rctx.Strict = payload.Strict
	rctx.Bus.Attach(runner.BenchEventHandler(sim), 0)
	rctx.Bus.Attach(interceptor.Records(wc.Records), 0)

	store := result.NewStore()
	bc := NewBrokerConsumer(wc.Spec.ID, store, rctx, nil, consumer, opts)

	target := &proc.RunnerTarget{Runner: bc.Runner, Store: store, Busy: bc.Busy}
	return wc.Serve(target, func() error { return bc.Run() })
}

// benchLockExpiry caps how long a crashed worker can hold an exclusive
// bench before the lock lapses.
const benchLockExpiry = 5 * time.Minute

func benchLockName(bench string) string {
	return "testfleet:lock:bench." + bench
}
