package proc

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testfleet/testfleet/result"
	"github.com/testfleet/testfleet/runner"
	"github.com/testfleet/testfleet/types"
)

type fakeTarget struct {
	mu      sync.Mutex
	ops     []Op
	state   string
	stopped bool
	busy    bool
	snap    *result.Snapshot
}

func (f *fakeTarget) record(op Op) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
}

func (f *fakeTarget) Pause()  { f.record(OpPause) }
func (f *fakeTarget) Resume() { f.record(OpResume) }
func (f *fakeTarget) Abort()  { f.record(OpAbort) }

func (f *fakeTarget) State() string   { return f.state }
func (f *fakeTarget) IsStopped() bool { return f.stopped }
func (f *fakeTarget) IsBusy() bool    { return f.busy }

func (f *fakeTarget) Snapshot() *result.Snapshot { return f.snap }

// newLoopbackHandle wires a Handle to an in-process control loop, so the
// request/response protocol is exercised without spawning a child.
func newLoopbackHandle(t *testing.T, target Target) *Handle {
	t.Helper()
	ctrlReqR, ctrlReqW, err := os.Pipe()
	require.NoError(t, err)
	ctrlRespR, ctrlRespW, err := os.Pipe()
	require.NoError(t, err)

	go func() {
		controlLoop(ctrlReqR, ctrlRespW, target)
		ctrlRespW.Close()
	}()

	return &Handle{
		ID:      "w-loop",
		ctrlW:   ctrlReqW,
		ctrlR:   ctrlRespR,
		ctrlEnc: json.NewEncoder(ctrlReqW),
		ctrlDec: json.NewDecoder(ctrlRespR),
		done:    make(chan struct{}),
		log:     logger.New("worker", "w-loop"),
	}
}

func TestControlChannelRoundTrip(t *testing.T) {
	snap := &result.Snapshot{Stats: types.NewStats()}
	target := &fakeTarget{state: "running", busy: true, snap: snap}
	h := newLoopbackHandle(t, target)

	require.NoError(t, h.Abort())

	state, err := h.State()
	require.NoError(t, err)
	assert.Equal(t, "running", state)

	stopped, err := h.IsStopped()
	require.NoError(t, err)
	assert.False(t, stopped)

	busy, err := h.IsBusy()
	require.NoError(t, err)
	assert.True(t, busy)

	got, err := h.Result()
	require.NoError(t, err)
	assert.Equal(t, snap.Stats.Totals, got.Stats.Totals)

	target.mu.Lock()
	assert.Equal(t, []Op{OpAbort}, target.ops)
	target.mu.Unlock()
}

func TestControlChannelStopEndsLoop(t *testing.T) {
	h := newLoopbackHandle(t, &fakeTarget{})
	require.NoError(t, h.Stop())

	// The loop is gone; the next call surfaces a pipe error.
	_, err := h.State()
	var perr *PipeCallError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, OpState, perr.Op)
}

func TestCallOnDeadWorkerIsPipeError(t *testing.T) {
	h := newLoopbackHandle(t, &fakeTarget{})
	h.exited.Store(true)

	err := h.Abort()
	var perr *PipeCallError
	require.True(t, errors.As(err, &perr))
}

// newWedgedHandle returns a handle whose control channel is never
// serviced, as when the child is frozen under SIGSTOP.
func newWedgedHandle(t *testing.T) *Handle {
	t.Helper()
	ctrlReqR, ctrlReqW, err := os.Pipe()
	require.NoError(t, err)
	ctrlRespR, ctrlRespW, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		ctrlReqR.Close()
		ctrlRespW.Close()
	})

	return &Handle{
		ID:          "w-wedged",
		CallTimeout: 50 * time.Millisecond,
		ctrlW:       ctrlReqW,
		ctrlR:       ctrlRespR,
		ctrlEnc:     json.NewEncoder(ctrlReqW),
		ctrlDec:     json.NewDecoder(ctrlRespR),
		done:        make(chan struct{}),
		log:         logger.New("worker", "w-wedged"),
	}
}

func TestControlCallTimesOutOnWedgedWorker(t *testing.T) {
	h := newWedgedHandle(t)

	start := time.Now()
	err := h.Abort()

	var perr *PipeCallError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, OpAbort, perr.Op)
	assert.True(t, errors.Is(err, os.ErrDeadlineExceeded))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestShutdownIsBoundedOnWedgedWorker(t *testing.T) {
	h := newWedgedHandle(t)

	done := make(chan error, 1)
	go func() { done <- h.Shutdown(100 * time.Millisecond) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return within its timeout")
	}
}

func TestHandleControlUnknownOp(t *testing.T) {
	resp := handleControl(&Request{Seq: 7, Op: Op("reboot")}, &fakeTarget{})
	assert.False(t, resp.OK)
	assert.Equal(t, uint64(7), resp.Seq)
	assert.Contains(t, resp.Err, "reboot")
}

func TestWorkChannelServesQueue(t *testing.T) {
	workReqR, workReqW, err := os.Pipe()
	require.NoError(t, err)
	workItemR, workItemW, err := os.Pipe()
	require.NoError(t, err)

	q := runner.NewMemQueue()
	q.Put(&types.Descriptor{Kind: types.KindCase, ID: "tc-1", Path: "p.g.a"})
	q.Put(&types.Descriptor{Kind: types.KindCase, ID: "tc-2", Path: "p.g.b"})

	h := &Handle{ID: "w-q", workReqR: workReqR, workItemW: workItemW, log: logger}
	go h.ServeQueue(q)

	child := &PipeQueue{
		enc: json.NewEncoder(workReqW),
		dec: json.NewDecoder(workItemR),
	}

	item, ok := child.Get()
	require.True(t, ok)
	assert.Equal(t, "tc-1", item.ID)
	child.Done()

	item, ok = child.Get()
	require.True(t, ok)
	assert.Equal(t, "tc-2", item.ID)
	child.Done()

	_, ok = child.Get()
	assert.False(t, ok)

	joined := make(chan struct{})
	go func() {
		q.Join()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(time.Second):
		t.Fatal("queue join did not settle")
	}
}

func TestServeQueueRequeuesItemFromDeadWorker(t *testing.T) {
	workReqR, workReqW, err := os.Pipe()
	require.NoError(t, err)
	workItemR, workItemW, err := os.Pipe()
	require.NoError(t, err)

	q := runner.NewMemQueue()
	q.Put(&types.Descriptor{Kind: types.KindCase, ID: "tc-1", Path: "p.g.a"})

	h := &Handle{ID: "w-dead", workReqR: workReqR, workItemW: workItemW, log: logger}
	served := make(chan struct{})
	go func() {
		h.ServeQueue(q)
		close(served)
	}()

	child := &PipeQueue{
		enc: json.NewEncoder(workReqW),
		dec: json.NewDecoder(workItemR),
	}
	item, ok := child.Get()
	require.True(t, ok)
	assert.Equal(t, "tc-1", item.ID)

	// The worker dies without acking its item.
	workReqW.Close()
	workItemR.Close()
	select {
	case <-served:
	case <-time.After(time.Second):
		t.Fatal("serve loop did not exit")
	}

	// The item is back for a surviving consumer, and the queue still
	// joins once that consumer finishes it.
	got, ok := q.Get()
	require.True(t, ok)
	assert.Equal(t, "tc-1", got.ID)
	q.Done()

	joined := make(chan struct{})
	go func() {
		q.Join()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(time.Second):
		t.Fatal("queue join did not settle")
	}
}

func TestRecordChannelRoundTrip(t *testing.T) {
	recR, recW, err := os.Pipe()
	require.NoError(t, err)

	sink := &PipeRecordSink{enc: json.NewEncoder(recW)}
	h := &Handle{ID: "w-r", recR: recR, log: logger}

	var got []*types.CaseRecord
	drained := make(chan struct{})
	go func() {
		h.DrainRecords(func(rec *types.CaseRecord) { got = append(got, rec) })
		close(drained)
	}()

	require.NoError(t, sink.Put(&types.CaseRecord{ID: "tc-1", Status: types.StatusPassed}))
	require.NoError(t, sink.Put(&types.CaseRecord{ID: "tc-2", Status: types.StatusFailed}))
	recW.Close()

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("drain did not finish")
	}
	require.Len(t, got, 2)
	assert.Equal(t, types.StatusFailed, got[1].Status)
}

func TestRunnerTargetAdapts(t *testing.T) {
	store := result.NewStore()
	r := runner.New("r-1", store, runner.NewContext(), nil)
	target := &RunnerTarget{Runner: r, Store: store}

	assert.Equal(t, "initial", target.State())
	assert.False(t, target.IsStopped())
	assert.True(t, target.IsBusy())

	require.NoError(t, r.Run())
	assert.True(t, target.IsStopped())
	assert.False(t, target.IsBusy())
	assert.NotNil(t, target.Snapshot())
}
