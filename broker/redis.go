// Package broker implements the work-distribution layer on redis: one
// list per bench queue consumed with the reliable-queue pattern, explicit
// ack/reject/requeue dispositions with dead-lettering, priority-ordered
// queue selection, and consumer heartbeats.
package broker

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

var logger = log.New("module", "broker")

func wrapErr(err error, msg string) error {
	return errors.Wrap(err, msg)
}

// NewRedisClient connects to the broker at the given redis URL.
func NewRedisClient(url string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, wrapErr(err, "error parsing redis URL")
	}
	return redis.NewClient(opts), nil
}

// CheckRedisConnection pings the broker with a bounded timeout.
func CheckRedisConnection(client redis.UniversalClient) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return wrapErr(err, "error connecting to redis")
	}
	return nil
}
