package broker

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/testfleet/testfleet/metrics"
)

// Key layout. Queues are lists: publish pushes left, consumption moves
// from the right into a per-consumer processing list, so delivery is
// FIFO and an in-flight message survives a consumer crash.
const (
	queuePrefix      = "testfleet:q:"
	processingPrefix = "testfleet:proc:"
)

func queueKey(queue string) string { return queuePrefix + queue }

func processingKey(consumerID string) string { return processingPrefix + consumerID }

// Broker wraps the redis connection with the queue operations.
type Broker struct {
	client redis.UniversalClient
}

// New returns a broker over an established client.
func New(client redis.UniversalClient) *Broker {
	return &Broker{client: client}
}

// Client exposes the underlying connection for coordination uses.
func (b *Broker) Client() redis.UniversalClient { return b.client }

// Publish appends one message body to a queue.
func (b *Broker) Publish(ctx context.Context, queue string, body []byte) error {
	if err := b.client.LPush(ctx, queueKey(queue), body).Err(); err != nil {
		return wrapErr(err, fmt.Sprintf("error publishing to queue %s", queue))
	}
	return nil
}

// Len is the passive length check: the current depth of a queue, not
// counting in-flight messages.
func (b *Broker) Len(ctx context.Context, queue string) (int64, error) {
	n, err := b.client.LLen(ctx, queueKey(queue)).Result()
	if err != nil {
		return 0, wrapErr(err, fmt.Sprintf("error checking queue %s", queue))
	}
	return n, nil
}

// Delivery is one in-flight message. Exactly one of Ack, Reject or
// Requeue must be called to settle it.
type Delivery struct {
	Queue string
	Body  []byte

	broker     *Broker
	consumerID string
	dlq        string
}

func (d *Delivery) settle(ctx context.Context) error {
	return d.broker.client.LRem(ctx, processingKey(d.consumerID), 1, d.Body).Err()
}

// Ack marks the message done: success or deliberate skip.
func (d *Delivery) Ack(ctx context.Context) error {
	if err := d.settle(ctx); err != nil {
		return wrapErr(err, "error acking message")
	}
	metrics.RecordMessage(d.Queue, "ack")
	return nil
}

// Reject routes the message to the dead-letter queue for external
// reprocessing, then settles it.
func (d *Delivery) Reject(ctx context.Context) error {
	if err := d.broker.client.LPush(ctx, queueKey(d.dlq), d.Body).Err(); err != nil {
		return wrapErr(err, "error dead-lettering message")
	}
	if err := d.settle(ctx); err != nil {
		return wrapErr(err, "error settling rejected message")
	}
	metrics.RecordMessage(d.Queue, "reject")
	return nil
}

// Requeue puts the message at the front of its source queue so another
// consumer picks it up next. Used on externally-raised interrupts.
func (d *Delivery) Requeue(ctx context.Context) error {
	if err := d.broker.client.RPush(ctx, queueKey(d.Queue), d.Body).Err(); err != nil {
		return wrapErr(err, "error requeueing message")
	}
	if err := d.settle(ctx); err != nil {
		return wrapErr(err, "error settling requeued message")
	}
	metrics.RecordMessage(d.Queue, "requeue")
	return nil
}
