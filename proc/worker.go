package proc

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/testfleet/testfleet/result"
	"github.com/testfleet/testfleet/runner"
	"github.com/testfleet/testfleet/types"
)

var logger = log.New("module", "proc")

// Spec bootstraps a worker child: its identity, the kind of worker to
// build, and a kind-specific payload. It is written to the child's stdin.
type Spec struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodePayload attaches a kind-specific payload to the spec.
func (s *Spec) EncodePayload(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.Payload = data
	return nil
}

// Target is what the control loop drives: the child-side runner or
// consumer, behind a closed method set.
type Target interface {
	Pause()
	Resume()
	Abort()
	State() string
	IsStopped() bool
	IsBusy() bool
	Snapshot() *result.Snapshot
}

// RunnerTarget adapts a runner and its store to the control loop. Busy is
// optional; the default reports busy while the runner is not stopped.
type RunnerTarget struct {
	Runner *runner.Runner
	Store  *result.Store
	Busy   func() bool
}

func (t *RunnerTarget) Pause()          { t.Runner.Pause() }
func (t *RunnerTarget) Resume()         { t.Runner.Resume() }
func (t *RunnerTarget) Abort()          { t.Runner.Abort() }
func (t *RunnerTarget) State() string   { return t.Runner.State().String() }
func (t *RunnerTarget) IsStopped() bool { return t.Runner.IsStopped() }

func (t *RunnerTarget) IsBusy() bool {
	if t.Busy != nil {
		return t.Busy()
	}
	return !t.Runner.IsStopped()
}

func (t *RunnerTarget) Snapshot() *result.Snapshot { return t.Store.Snapshot() }

// Child fd layout, fixed by the parent's ExtraFiles order.
const (
	fdControlReq  = 3 // parent -> child control requests
	fdControlResp = 4 // child -> parent control responses
	fdWorkReq     = 5 // child -> parent work requests
	fdWorkItem    = 6 // parent -> child work items
	fdRecords     = 7 // child -> parent case records
)

// PipeQueue is the child-side view of the parent's work queue. It
// implements runner.WorkQueue over the work channel pipes.
type PipeQueue struct {
	mu  sync.Mutex
	enc *json.Encoder
	dec *json.Decoder
}

func (q *PipeQueue) Get() (*types.Descriptor, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.enc.Encode(workRequest{Op: "get"}); err != nil {
		return nil, false
	}
	var reply workReply
	if err := q.dec.Decode(&reply); err != nil {
		return nil, false
	}
	return reply.Item, reply.OK && reply.Item != nil
}

func (q *PipeQueue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	// Fire and forget; the parent processes requests in order.
	_ = q.enc.Encode(workRequest{Op: "done"})
}

// PipeRecordSink streams finished case records back to the parent. It
// satisfies the interceptor sink contract.
type PipeRecordSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (s *PipeRecordSink) Put(rec *types.CaseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(rec)
}

// WorkerContext is the child-side bundle: the decoded spec and the
// channel endpoints inherited from the parent.
type WorkerContext struct {
	Spec    Spec
	Queue   *PipeQueue
	Records *PipeRecordSink

	ctrlReq  *os.File
	ctrlResp *os.File
}

// InitWorker decodes the spec from stdin and wraps the inherited pipe
// fds. Must be called exactly once, from the worker subcommand.
func InitWorker() (*WorkerContext, error) {
	var spec Spec
	if err := json.NewDecoder(os.Stdin).Decode(&spec); err != nil {
		return nil, fmt.Errorf("decoding worker spec: %w", err)
	}

	workReq := os.NewFile(fdWorkReq, "work-req")
	workItem := os.NewFile(fdWorkItem, "work-item")
	records := os.NewFile(fdRecords, "records")
	if workReq == nil || workItem == nil || records == nil {
		return nil, fmt.Errorf("worker channel fds not inherited")
	}

	return &WorkerContext{
		Spec: spec,
		Queue: &PipeQueue{
			enc: json.NewEncoder(workReq),
			dec: json.NewDecoder(workItem),
		},
		Records:  &PipeRecordSink{enc: json.NewEncoder(records)},
		ctrlReq:  os.NewFile(fdControlReq, "ctrl-req"),
		ctrlResp: os.NewFile(fdControlResp, "ctrl-resp"),
	}, nil
}

// Serve starts the control loop against target, executes run, then waits
// for the loop to end (stop op from the parent, or channel EOF). The
// run error is returned to the worker main for its exit status.
func (wc *WorkerContext) Serve(target Target, run func() error) error {
	ctrlDone := make(chan struct{})
	go func() {
		defer close(ctrlDone)
		controlLoop(wc.ctrlReq, wc.ctrlResp, target)
	}()

	err := run()
	<-ctrlDone
	return err
}

// controlLoop services control requests until a stop op or channel EOF.
func controlLoop(in io.Reader, out io.Writer, target Target) {
	dec := json.NewDecoder(in)
	enc := json.NewEncoder(out)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if err != io.EOF {
				logger.Warn("Control channel read failed", "err", err)
			}
			return
		}
		resp := handleControl(&req, target)
		if err := enc.Encode(resp); err != nil {
			logger.Warn("Control channel write failed", "err", err)
			return
		}
		if req.Op == OpStop {
			return
		}
	}
}

func handleControl(req *Request, target Target) Response {
	resp := Response{Seq: req.Seq, OK: true}
	switch req.Op {
	case OpPause:
		target.Pause()
	case OpResume:
		target.Resume()
	case OpAbort:
		target.Abort()
	case OpState:
		resp.State = target.State()
	case OpIsStopped:
		resp.Stopped = target.IsStopped()
	case OpIsBusy:
		resp.Busy = target.IsBusy()
	case OpResult:
		resp.Result = target.Snapshot()
	case OpStop:
	default:
		resp.OK = false
		resp.Err = fmt.Sprintf("unknown op %q", req.Op)
	}
	return resp
}
