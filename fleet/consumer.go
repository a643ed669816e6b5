package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redsync/redsync/v4"

	"github.com/testfleet/testfleet/broker"
	"github.com/testfleet/testfleet/result"
	"github.com/testfleet/testfleet/runner"
	"github.com/testfleet/testfleet/types"
)

// ConsumerOptions tunes one broker consumer.
type ConsumerOptions struct {
	// AutoStop stops the consumer once every one of its queues is
	// passively empty. Used for ephemeral scale-to-zero workers.
	AutoStop bool

	// PollInterval is the sleep between empty polls.
	PollInterval time.Duration

	// Checker skips messages the record-keeping service says are stale.
	// Nil disables the check.
	Checker *RecordsChecker

	// Mutex serializes execution on an exclusive bench across the whole
	// fleet. Nil for shared benches.
	Mutex *redsync.Mutex

	// Heartbeat keeps the consumer's liveness key fresh. The consumer
	// revives it if its loop dies. Nil disables heartbeating.
	Heartbeat *broker.Heartbeat
}

// BrokerConsumer is a runner whose work loop pulls execution requests
// off a bench's broker queues and settles each message by outcome.
type BrokerConsumer struct {
	*runner.Runner

	consumer *broker.Consumer
	opts     ConsumerOptions
	busy     atomic.Bool
}

// NewBrokerConsumer returns a consumer over bc's queues.
func NewBrokerConsumer(id string, store *result.Store, rctx *runner.Context, materialize runner.Materializer, bc *broker.Consumer, opts ConsumerOptions) *BrokerConsumer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	c := &BrokerConsumer{
		Runner:   runner.New(id, store, rctx, materialize),
		consumer: bc,
		opts:     opts,
	}
	c.Runner.SetBody(func(*runner.Runner) error { return c.consume() })
	return c
}

// Busy reports whether a message is currently executing. Exposed to the
// supervisory loop through the control channel.
func (c *BrokerConsumer) Busy() bool { return c.busy.Load() }

func (c *BrokerConsumer) consume() error {
	items := c.Runner.NewItemRunner()
	defer items.Close()

	if c.opts.Heartbeat != nil {
		c.opts.Heartbeat.Start()
		// Stop whichever heartbeat is current at exit; a revive may have
		// replaced the original.
		defer func() { c.opts.Heartbeat.Stop() }()
	}

	for {
		if c.Store.ShouldAbort() {
			return nil
		}
		c.reviveHeartbeat()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		delivery, err := c.consumer.Next(ctx)
		cancel()
		if err != nil {
			// Broker unreachable: retry after a beat, never crash the
			// consume loop.
			logger.Warn("Broker poll failed", "consumer", c.ID, "err", err)
			time.Sleep(c.opts.PollInterval)
			continue
		}
		if delivery == nil {
			if c.opts.AutoStop {
				logger.Info("All queues empty, auto-stopping", "consumer", c.ID)
				return nil
			}
			time.Sleep(c.opts.PollInterval)
			continue
		}

		stop := c.process(items, delivery)
		if stop {
			return nil
		}

		if c.opts.AutoStop {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			empty, err := c.consumer.AllEmpty(ctx)
			cancel()
			if err == nil && empty {
				logger.Info("All queues empty, auto-stopping", "consumer", c.ID)
				return nil
			}
		}
	}
}

// reviveHeartbeat rebuilds the heartbeat loop if it died on a send
// failure, so a transient broker outage does not leave the consumer
// permanently invisible.
func (c *BrokerConsumer) reviveHeartbeat() {
	hb := c.opts.Heartbeat
	if hb == nil || hb.Alive() {
		return
	}
	logger.Warn("Heartbeat dead, reviving", "consumer", c.ID)
	revived := hb.Clone()
	revived.Start()
	c.opts.Heartbeat = revived
}

// process executes one delivery and settles it. Returns true when the
// consume loop must stop (abort observed with the message requeued).
func (c *BrokerConsumer) process(items *runner.ItemRunner, delivery *broker.Delivery) bool {
	c.busy.Store(true)
	defer c.busy.Store(false)

	settleCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if c.Store.ShouldAbort() {
		// Interrupted with a message in hand: give it back so another
		// worker picks it up.
		if err := delivery.Requeue(settleCtx); err != nil {
			logger.Error("Requeue on interrupt failed", "consumer", c.ID, "err", err)
		}
		return true
	}

	desc, err := DecodePayload(delivery.Body)
	if err != nil {
		// Malformed body: dead-letter for inspection.
		logger.Error("Undecodable message, dead-lettering", "consumer", c.ID, "err", err)
		if rerr := delivery.Reject(settleCtx); rerr != nil {
			logger.Error("Reject failed", "consumer", c.ID, "err", rerr)
		}
		return false
	}

	if c.opts.Checker != nil && desc.Kind == types.KindCase && desc.ID != "" {
		if !c.opts.Checker.ShouldRun(desc.ID) {
			if err := delivery.Ack(settleCtx); err != nil {
				logger.Error("Ack of skipped message failed", "consumer", c.ID, "err", err)
			}
			return false
		}
	}

	if c.opts.Mutex != nil {
		if err := c.opts.Mutex.Lock(); err != nil {
			// Bench held elsewhere: give the message back and retry on
			// a later delivery.
			logger.Warn("Exclusive bench lock unavailable, requeueing", "consumer", c.ID, "err", err)
			if rerr := delivery.Requeue(settleCtx); rerr != nil {
				logger.Error("Requeue failed", "consumer", c.ID, "err", rerr)
			}
			return false
		}
		defer func() {
			if _, err := c.opts.Mutex.Unlock(); err != nil {
				logger.Warn("Exclusive bench unlock failed", "consumer", c.ID, "err", err)
			}
		}()
	}

	if b := c.Ctx.Bench; b != nil {
		if err := b.OnExecTestBegin(desc.ID, desc.Config); err != nil {
			// Hook failures are broker-retryable: route to the DLX so
			// the message can be reprocessed externally.
			logger.Error("Bench begin hook failed, dead-lettering", "consumer", c.ID, "err", err)
			if rerr := delivery.Reject(settleCtx); rerr != nil {
				logger.Error("Reject failed", "consumer", c.ID, "err", rerr)
			}
			return false
		}
	}

	// Materialization failures surface as a synthesized ERRONEOUS record
	// with its stopped event dispatched, and the message is acked rather
	// than rejected: broker redelivery would double-process against the
	// record-keeping service.
	items.Execute(desc)

	if b := c.Ctx.Bench; b != nil {
		if err := b.OnExecTestEnd(desc.ID, desc.Config); err != nil {
			logger.Warn("Bench end hook failed", "consumer", c.ID, "err", err)
		}
	}

	if err := delivery.Ack(settleCtx); err != nil {
		logger.Error("Ack failed", "consumer", c.ID, "err", err)
	}
	return false
}

// DecodePayload decodes a message body into a descriptor. The top-level
// "config" key is captured as execution configuration; a "tests" key
// marks a suite payload, anything else a single case.
func DecodePayload(body []byte) (*types.Descriptor, error) {
	var desc types.Descriptor
	if err := json.Unmarshal(body, &desc); err != nil {
		return nil, fmt.Errorf("decoding message payload: %w", err)
	}
	return &desc, nil
}
