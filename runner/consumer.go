package runner

import (
	"sync"
	"time"

	"github.com/testfleet/testfleet/result"
	"github.com/testfleet/testfleet/types"
)

// WorkQueue feeds descriptors to queue consumers. Get is non-blocking;
// Done acknowledges the most recently dequeued item so depth bookkeeping
// stays correct even when execution fails.
type WorkQueue interface {
	Get() (*types.Descriptor, bool)
	Done()
}

// MemQueue is an in-process WorkQueue with join semantics, used for
// same-process consumers and tests. The cross-process variant lives in
// the proc package.
type MemQueue struct {
	mu          sync.Mutex
	cond        *sync.Cond
	items       []*types.Descriptor
	outstanding int
}

// NewMemQueue returns an empty queue.
func NewMemQueue() *MemQueue {
	q := &MemQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put enqueues one descriptor.
func (q *MemQueue) Put(d *types.Descriptor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, d)
	q.outstanding++
}

// Get dequeues the head item, false when empty.
func (q *MemQueue) Get() (*types.Descriptor, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	d := q.items[0]
	q.items = q.items[1:]
	return d, true
}

// Done marks one dequeued item as fully processed.
func (q *MemQueue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.outstanding > 0 {
		q.outstanding--
	}
	if q.outstanding == 0 {
		q.cond.Broadcast()
	}
}

// Len returns the number of queued, not yet dequeued items.
func (q *MemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Join blocks until every enqueued item has been marked Done.
func (q *MemQueue) Join() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.outstanding > 0 {
		q.cond.Wait()
	}
}

// QueueConsumer is a runner whose work loop pulls descriptors from a
// shared queue instead of a static suite list.
type QueueConsumer struct {
	*Runner

	Queue    WorkQueue
	AutoStop bool

	// PollInterval is the sleep between empty polls when AutoStop is
	// off.
	PollInterval time.Duration
}

// NewQueueConsumer returns a consumer over the given queue. With
// autoStop set, the consumer exits on the first empty poll; otherwise it
// keeps polling until aborted.
func NewQueueConsumer(id string, store *result.Store, ctx *Context, materialize Materializer, queue WorkQueue, autoStop bool) *QueueConsumer {
	c := &QueueConsumer{
		Runner:       newRunner(id, store, ctx, materialize),
		Queue:        queue,
		AutoStop:     autoStop,
		PollInterval: 100 * time.Millisecond,
	}
	c.Runner.body = func(*Runner) error { return c.consume() }
	return c
}

func (c *QueueConsumer) consume() error {
	items := c.Runner.NewItemRunner()
	defer items.Close()

	for {
		if c.Store.ShouldAbort() {
			return nil
		}
		waitWhilePaused(c.Store)
		if c.Store.ShouldAbort() {
			return nil
		}

		item, ok := c.Queue.Get()
		if !ok {
			if c.AutoStop {
				return nil
			}
			time.Sleep(c.PollInterval)
			continue
		}
		c.executeItem(items, item)
	}
}

func (c *QueueConsumer) executeItem(items *ItemRunner, d *types.Descriptor) {
	defer c.Queue.Done()
	items.Execute(d)
}
