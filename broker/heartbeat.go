package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const heartbeatPrefix = "testfleet:hb:"

// Heartbeat keeps a consumer's liveness key fresh. A keepalive is sent
// whenever more than half the interval has elapsed since the last one,
// detected by polling once per second. A failed send terminates the
// loop; the supervisor notices via Alive and revives the consumer.
type Heartbeat struct {
	client   redis.UniversalClient
	key      string
	interval time.Duration
	poll     time.Duration

	alive    atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewHeartbeat returns a heartbeat for one consumer identity.
func NewHeartbeat(client redis.UniversalClient, consumerID string, interval time.Duration) *Heartbeat {
	return &Heartbeat{
		client:   client,
		key:      heartbeatPrefix + consumerID,
		interval: interval,
		poll:     time.Second,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the heartbeat loop.
func (h *Heartbeat) Start() {
	h.alive.Store(true)
	go h.loop()
}

func (h *Heartbeat) loop() {
	defer close(h.done)
	defer h.alive.Store(false)

	if err := h.send(); err != nil {
		logger.Warn("Heartbeat send failed", "key", h.key, "err", err)
		return
	}
	last := time.Now()

	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			if time.Since(last) <= h.interval/2 {
				continue
			}
			if err := h.send(); err != nil {
				logger.Warn("Heartbeat send failed", "key", h.key, "err", err)
				return
			}
			last = time.Now()
		}
	}
}

func (h *Heartbeat) send() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.client.Set(ctx, h.key, time.Now().UTC().Format(time.RFC3339), 2*h.interval).Err()
}

// Alive reports whether the loop is still running.
func (h *Heartbeat) Alive() bool { return h.alive.Load() }

// Clone returns a fresh, unstarted heartbeat with the same identity.
// Used to revive a heartbeat whose loop died on a send failure.
func (h *Heartbeat) Clone() *Heartbeat {
	return &Heartbeat{
		client:   h.client,
		key:      h.key,
		interval: h.interval,
		poll:     h.poll,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Stop terminates the loop and waits for it to exit.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}
