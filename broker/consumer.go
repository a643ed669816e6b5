package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Consumer pulls messages from a set of queues in declared priority
// order. Each poll cycle serves the highest-priority non-empty queue
// only, re-targeting as depths change, which is how higher-priority
// queues drain first.
type Consumer struct {
	broker *Broker
	id     string
	queues []string
	dlq    string
}

// NewConsumer returns a consumer with a stable identity. Queues are in
// priority order, highest first. Rejected messages route to dlq.
func NewConsumer(b *Broker, id string, queues []string, dlq string) *Consumer {
	return &Consumer{broker: b, id: id, queues: queues, dlq: dlq}
}

// ID returns the consumer identity used for the processing list.
func (c *Consumer) ID() string { return c.id }

// Next fetches one message from the highest-priority non-empty queue.
// Returns nil with no error when every queue is empty.
func (c *Consumer) Next(ctx context.Context) (*Delivery, error) {
	for _, queue := range c.queues {
		n, err := c.broker.Len(ctx, queue)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		body, err := c.broker.client.LMove(ctx, queueKey(queue), processingKey(c.id), "RIGHT", "LEFT").Bytes()
		if err != nil {
			// Raced with another consumer draining the queue.
			if isNil(err) {
				continue
			}
			return nil, wrapErr(err, fmt.Sprintf("error consuming from queue %s", queue))
		}
		return &Delivery{
			Queue:      queue,
			Body:       body,
			broker:     c.broker,
			consumerID: c.id,
			dlq:        c.dlq,
		}, nil
	}
	return nil, nil
}

// AllEmpty passively checks whether every queue of this consumer is
// currently empty. Drives auto-stop for scale-to-zero workers.
func (c *Consumer) AllEmpty(ctx context.Context) (bool, error) {
	for _, queue := range c.queues {
		n, err := c.broker.Len(ctx, queue)
		if err != nil {
			return false, err
		}
		if n > 0 {
			return false, nil
		}
	}
	return true, nil
}

// Recover moves any message left in this consumer's processing list back
// to the front of its primary queue. Called when a worker identity is
// revived after a crash, so in-flight work is not lost.
func (c *Consumer) Recover(ctx context.Context) (int, error) {
	if len(c.queues) == 0 {
		return 0, nil
	}
	moved := 0
	for {
		err := c.broker.client.LMove(ctx, processingKey(c.id), queueKey(c.queues[0]), "RIGHT", "RIGHT").Err()
		if err != nil {
			if isNil(err) {
				return moved, nil
			}
			return moved, wrapErr(err, "error recovering in-flight messages")
		}
		moved++
	}
}

func isNil(err error) bool {
	return errors.Is(err, redis.Nil)
}
