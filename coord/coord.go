// Package coord publishes fleet liveness snapshots to the coordination
// store under leased keys, so other systems can discover which benches
// and runners exist without talking to the fleet directly.
package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/redis/go-redis/v9"
)

var logger = log.New("module", "coord")

// DefaultTTL is the lease lifetime. A key not refreshed within it
// disappears, marking the publisher dead.
const DefaultTTL = 20 * time.Second

// Key paths, namespaced by package identifier and node id.
const (
	benchesKeyFmt = "/testfleet/benches/%s"
	runnersKeyFmt = "/testfleet/runners/%s"
)

// BenchesKey returns the liveness key for a node's bench snapshots.
func BenchesKey(node string) string { return fmt.Sprintf(benchesKeyFmt, node) }

// RunnersKey returns the liveness key for a node's runner snapshots.
func RunnersKey(node string) string { return fmt.Sprintf(runnersKeyFmt, node) }

// NodeID identifies this machine by the hardware address of its first
// non-loopback interface, falling back to the hostname.
func NodeID() string {
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
				continue
			}
			return iface.HardwareAddr.String()
		}
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown"
	}
	return host
}

// Store writes leased JSON values to the coordination store. A write
// both stores the value and renews its lease.
type Store struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewStore returns a store with the given lease TTL, DefaultTTL when 0.
func NewStore(client redis.UniversalClient, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ttl: ttl}
}

// TTL returns the lease lifetime.
func (s *Store) TTL() time.Duration { return s.ttl }

// Put stores value under key with a fresh lease. On a store error the
// write is retried once with a new lease before giving up; coordination
// failures never crash the caller's loop.
func (s *Store) Put(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding liveness value for %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		logger.Warn("Liveness put failed, retrying with fresh lease", "key", key, "err", err)
		if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
			return fmt.Errorf("storing liveness key %s: %w", key, err)
		}
	}
	return nil
}

// Get reads a liveness value, false when the lease has expired.
func (s *Store) Get(ctx context.Context, key string, out any) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading liveness key %s: %w", key, err)
	}
	return true, json.Unmarshal(data, out)
}

// Publisher pushes a snapshot of keyed values every TTL/2, keeping the
// leases alive while the process runs.
type Publisher struct {
	store    *Store
	snapshot func() map[string]any

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewPublisher returns a publisher over the snapshot function. The
// function is called once per push and must be safe to call from the
// publisher goroutine.
func NewPublisher(store *Store, snapshot func() map[string]any) *Publisher {
	return &Publisher{
		store:    store,
		snapshot: snapshot,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the publish loop.
func (p *Publisher) Start() {
	go p.loop()
}

func (p *Publisher) loop() {
	defer close(p.done)
	ticker := time.NewTicker(p.store.ttl / 2)
	defer ticker.Stop()

	p.push()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.push()
		}
	}
}

func (p *Publisher) push() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for key, value := range p.snapshot() {
		if err := p.store.Put(ctx, key, value); err != nil {
			logger.Warn("Liveness push failed", "key", key, "err", err)
		}
	}
}

// Stop ends the publish loop and waits for it to exit. The keys lapse on
// their own when the lease expires.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}
