package proc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/testfleet/testfleet/result"
	"github.com/testfleet/testfleet/runner"
	"github.com/testfleet/testfleet/types"
)

// Options tunes how a worker child is spawned. Zero value re-executes the
// current binary with the hidden worker subcommand.
type Options struct {
	Binary string
	Args   []string
}

// defaultCallTimeout bounds the response wait of a control call. A
// frozen child (SIGSTOP, wedged control loop) must never hang its
// supervisor.
const defaultCallTimeout = 10 * time.Second

// Handle is the parent-side view of one worker process. Control calls
// are synchronous send-then-receive pairs, serialized by a lock so
// concurrent callers never interleave on the channel.
type Handle struct {
	ID string

	// CallTimeout bounds each control call. Zero means
	// defaultCallTimeout.
	CallTimeout time.Duration

	cmd *exec.Cmd

	mu      sync.Mutex
	seq     uint64
	ctrlW   *os.File
	ctrlR   *os.File
	ctrlEnc *json.Encoder
	ctrlDec *json.Decoder

	workReqR  *os.File
	workItemW *os.File
	recR      *os.File

	exited  atomic.Bool
	exitErr error
	done    chan struct{}

	// RecoverAttempts counts supervisory restarts of this worker
	// identity.
	RecoverAttempts int

	log log.Logger
}

// Spawn starts one worker child described by spec. The spec travels on
// the child's stdin; the five channel pipes are inherited as fds 3-7.
func Spawn(spec Spec, opts *Options) (*Handle, error) {
	if opts == nil {
		opts = &Options{}
	}
	bin := opts.Binary
	if bin == "" {
		bin = os.Args[0]
	}
	args := opts.Args
	if args == nil {
		args = []string{"worker"}
	}

	specData, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encoding worker spec: %w", err)
	}

	var fds []*os.File
	closeAll := func() {
		for _, f := range fds {
			f.Close()
		}
	}
	pipe := func() (*os.File, *os.File, error) {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, nil, err
		}
		fds = append(fds, r, w)
		return r, w, nil
	}

	ctrlReqR, ctrlReqW, err := pipe()
	if err != nil {
		return nil, err
	}
	ctrlRespR, ctrlRespW, err := pipe()
	if err != nil {
		closeAll()
		return nil, err
	}
	workReqR, workReqW, err := pipe()
	if err != nil {
		closeAll()
		return nil, err
	}
	workItemR, workItemW, err := pipe()
	if err != nil {
		closeAll()
		return nil, err
	}
	recR, recW, err := pipe()
	if err != nil {
		closeAll()
		return nil, err
	}

	cmd := exec.Command(bin, args...)
	cmd.Stdin = bytes.NewReader(specData)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{ctrlReqR, ctrlRespW, workReqW, workItemR, recW}

	if err := cmd.Start(); err != nil {
		closeAll()
		return nil, fmt.Errorf("starting worker %s: %w", spec.ID, err)
	}
	// Close the child's ends in this process so pipe EOFs propagate.
	ctrlReqR.Close()
	ctrlRespW.Close()
	workReqW.Close()
	workItemR.Close()
	recW.Close()

	h := &Handle{
		ID:        spec.ID,
		cmd:       cmd,
		ctrlW:     ctrlReqW,
		ctrlR:     ctrlRespR,
		ctrlEnc:   json.NewEncoder(ctrlReqW),
		ctrlDec:   json.NewDecoder(ctrlRespR),
		workReqR:  workReqR,
		workItemW: workItemW,
		recR:      recR,
		done:      make(chan struct{}),
		log:       logger.New("worker", spec.ID, "pid", cmd.Process.Pid),
	}
	go func() {
		h.exitErr = cmd.Wait()
		h.exited.Store(true)
		close(h.done)
	}()
	h.log.Info("Worker spawned")
	return h, nil
}

// Alive reports whether the child process is still running.
func (h *Handle) Alive() bool { return !h.exited.Load() }

// Pid returns the child's process id.
func (h *Handle) Pid() int { return h.cmd.Process.Pid }

func (h *Handle) call(op Op) (*Response, error) {
	return h.callWithin(op, h.callTimeout())
}

func (h *Handle) callTimeout() time.Duration {
	if h.CallTimeout > 0 {
		return h.CallTimeout
	}
	return defaultCallTimeout
}

// callWithin performs one control round trip bounded by d. A timed-out
// call leaves the channel desynchronized; callers treat the resulting
// PipeCallError as "worker wedged" and escalate to kill, never retry.
func (h *Handle) callWithin(op Op, d time.Duration) (*Response, error) {
	if h.exited.Load() {
		return nil, &PipeCallError{Op: op, Err: fmt.Errorf("worker %s not alive", h.ID)}
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	deadline := time.Now().Add(d)
	h.ctrlW.SetWriteDeadline(deadline)
	h.ctrlR.SetReadDeadline(deadline)
	defer func() {
		h.ctrlW.SetWriteDeadline(time.Time{})
		h.ctrlR.SetReadDeadline(time.Time{})
	}()

	h.seq++
	req := Request{Seq: h.seq, Op: op}
	if err := h.ctrlEnc.Encode(req); err != nil {
		return nil, &PipeCallError{Op: op, Err: err}
	}
	var resp Response
	if err := h.ctrlDec.Decode(&resp); err != nil {
		return nil, &PipeCallError{Op: op, Err: err}
	}
	if resp.Seq != req.Seq {
		return nil, &PipeCallError{Op: op, Err: fmt.Errorf("response seq %d for request %d", resp.Seq, req.Seq)}
	}
	if !resp.OK {
		return nil, fmt.Errorf("worker %s: %s: %s", h.ID, op, resp.Err)
	}
	return &resp, nil
}

// Pause pauses the child cooperatively, then suspends it at the OS level
// so the CPU is actually released.
func (h *Handle) Pause() error {
	if _, err := h.call(OpPause); err != nil {
		return err
	}
	return h.cmd.Process.Signal(syscall.SIGSTOP)
}

// Resume lifts the OS-level suspension first so the control loop can
// service the cooperative resume.
func (h *Handle) Resume() error {
	if err := h.cmd.Process.Signal(syscall.SIGCONT); err != nil {
		return err
	}
	_, err := h.call(OpResume)
	return err
}

// Abort asks the child to stop scheduling new work.
func (h *Handle) Abort() error {
	_, err := h.call(OpAbort)
	return err
}

// State returns the child runner's lifecycle state.
func (h *Handle) State() (string, error) {
	resp, err := h.call(OpState)
	if err != nil {
		return "", err
	}
	return resp.State, nil
}

// IsStopped reports whether the child's run loop has returned.
func (h *Handle) IsStopped() (bool, error) {
	resp, err := h.call(OpIsStopped)
	if err != nil {
		return false, err
	}
	return resp.Stopped, nil
}

// IsBusy reports the child's busy flag. A transport error means the
// worker is unreachable; callers map that to offline.
func (h *Handle) IsBusy() (bool, error) {
	resp, err := h.call(OpIsBusy)
	if err != nil {
		return false, err
	}
	return resp.Busy, nil
}

// Result fetches the child's full result snapshot.
func (h *Handle) Result() (*result.Snapshot, error) {
	resp, err := h.call(OpResult)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// Stop ends the child's control loop. The child exits once its run loop
// has also returned.
func (h *Handle) Stop() error {
	_, err := h.call(OpStop)
	return err
}

// ServeQueue answers the child's work requests from q until the work
// channel closes. An item handed out but never acked when the channel
// closes goes back into the queue for a surviving consumer. Run it in
// its own goroutine per worker.
func (h *Handle) ServeQueue(q *runner.MemQueue) {
	dec := json.NewDecoder(h.workReqR)
	enc := json.NewEncoder(h.workItemW)
	var pending *types.Descriptor
	requeue := func() {
		if pending == nil {
			return
		}
		h.log.Warn("Worker died with an item in hand, requeueing", "id", pending.ID)
		q.Put(pending)
		q.Done()
		pending = nil
	}
	for {
		var req workRequest
		if err := dec.Decode(&req); err != nil {
			if err != io.EOF {
				h.log.Debug("Work channel closed", "err", err)
			}
			requeue()
			return
		}
		switch req.Op {
		case "get":
			item, ok := q.Get()
			if ok {
				pending = item
			}
			if err := enc.Encode(workReply{OK: ok, Item: item}); err != nil {
				requeue()
				return
			}
		case "done":
			q.Done()
			pending = nil
		}
	}
}

// DrainRecords reads case records off the record channel into fn until
// the channel closes.
func (h *Handle) DrainRecords(fn func(rec *types.CaseRecord)) {
	dec := json.NewDecoder(h.recR)
	for {
		var rec types.CaseRecord
		if err := dec.Decode(&rec); err != nil {
			return
		}
		fn(&rec)
	}
}

// Shutdown stops the child within the timeout: cooperative abort, stop
// the control loop, close the channels, then force-kill if it is still
// alive when the timeout expires. The cooperative calls share the same
// deadline, so a wedged child cannot hold the shutdown past it.
// Transport errors are treated as "already effectively stopped".
func (h *Handle) Shutdown(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if resp, err := h.callWithin(OpIsStopped, time.Until(deadline)); err == nil && !resp.Stopped {
		if _, err := h.callWithin(OpAbort, time.Until(deadline)); err != nil {
			h.log.Debug("Abort during shutdown failed", "err", err)
		}
	}
	if _, err := h.callWithin(OpStop, time.Until(deadline)); err != nil {
		h.log.Debug("Stop during shutdown failed", "err", err)
	}
	h.closeChannels()

	select {
	case <-h.done:
	case <-time.After(time.Until(deadline)):
		h.log.Warn("Worker did not exit in time, killing", "timeout", timeout)
		if h.cmd == nil {
			// No process attached; loopback handles end here.
			return nil
		}
		if err := h.cmd.Process.Kill(); err != nil && !h.exited.Load() {
			return fmt.Errorf("killing worker %s: %w", h.ID, err)
		}
		<-h.done
	}
	h.log.Info("Worker shut down", "err", h.exitErr)
	return nil
}

func (h *Handle) closeChannels() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ctrlW.Close()
	h.ctrlR.Close()
	h.workReqR.Close()
	h.workItemW.Close()
	h.recR.Close()
}
