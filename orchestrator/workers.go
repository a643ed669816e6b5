package orchestrator

import (
	"fmt"
	"time"

	"github.com/testfleet/testfleet/interceptor"
	"github.com/testfleet/testfleet/proc"
	"github.com/testfleet/testfleet/result"
	"github.com/testfleet/testfleet/runner"
	"github.com/testfleet/testfleet/types"
)

// ConsumerPayload configures one queue-consumer worker child. It travels
// inside the worker spec.
type ConsumerPayload struct {
	Strict   bool `json:"strict"`
	Mock     bool `json:"mock"`
	AutoStop bool `json:"auto_stop"`
}

// WorkerKindConsumer is the spec kind the worker subcommand maps to a
// queue consumer.
const WorkerKindConsumer = "queue-consumer"

// ProcSpawner spawns subprocess workers consuming the shared queue over
// inherited pipes. Each child gets a queue-serving goroutine in this
// process.
func ProcSpawner(queue *runner.MemQueue, payload ConsumerPayload, opts *proc.Options) SpawnFunc {
	return func(id string) (Worker, error) {
		spec := proc.Spec{ID: id, Kind: WorkerKindConsumer}
		if err := spec.EncodePayload(payload); err != nil {
			return nil, err
		}
		h, err := proc.Spawn(spec, opts)
		if err != nil {
			return nil, err
		}
		go h.ServeQueue(queue)
		return h, nil
	}
}

// GoSpawner runs consumers as goroutines in this process. Used for
// process-count-of-one runs and tests; the records still flow through
// the same drain path as subprocess workers.
func GoSpawner(queue runner.WorkQueue, materialize runner.Materializer, configure func(ctx *runner.Context)) SpawnFunc {
	return func(id string) (Worker, error) {
		records := make(chan *types.CaseRecord, 64)
		ctx := runner.NewContext()
		if configure != nil {
			configure(ctx)
		}
		ctx.Bus.Attach(interceptor.Records(interceptor.ChanSink(records)), 1)

		consumer := runner.NewQueueConsumer(id, result.NewStore(), ctx, materialize, queue, true)
		w := &goWorker{consumer: consumer, records: records, done: make(chan struct{})}
		go func() {
			defer close(records)
			defer close(w.done)
			if err := consumer.Run(); err != nil {
				logger.Error("In-process consumer faulted", "worker", id, "err", err)
			}
		}()
		return w, nil
	}
}

type goWorker struct {
	consumer *runner.QueueConsumer
	records  chan *types.CaseRecord
	done     chan struct{}
}

func (w *goWorker) IsStopped() (bool, error) { return w.consumer.IsStopped(), nil }

func (w *goWorker) Abort() error {
	w.consumer.Abort()
	return nil
}

func (w *goWorker) Shutdown(timeout time.Duration) error {
	select {
	case <-w.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("consumer %s did not stop within %s", w.consumer.ID, timeout)
	}
}

func (w *goWorker) DrainRecords(fn func(rec *types.CaseRecord)) {
	for rec := range w.records {
		fn(rec)
	}
}

var _ Worker = (*proc.Handle)(nil)
