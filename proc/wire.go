// Package proc wraps a runner inside an isolated OS process, exposing a
// typed control channel (pause, resume, abort, introspection) plus a
// work-feed channel and a record return channel over inherited pipes.
// The parent side holds a Handle; the child side is entered through the
// hidden worker subcommand and InitWorker.
package proc

import (
	"fmt"

	"github.com/testfleet/testfleet/result"
	"github.com/testfleet/testfleet/types"
)

// Op is a control-channel operation. The set is closed; there is no
// reflective dispatch.
type Op string

const (
	OpPause     Op = "pause"
	OpResume    Op = "resume"
	OpAbort     Op = "abort"
	OpState     Op = "state"
	OpResult    Op = "result"
	OpIsStopped Op = "is_stopped"
	OpIsBusy    Op = "is_busy"
	OpStop      Op = "stop"
)

// Request is one control call. Seq pairs it with its response; the
// parent serializes calls so at most one is outstanding.
type Request struct {
	Seq uint64 `json:"seq"`
	Op  Op     `json:"op"`
}

// Response answers one request. Only the field matching the op is set.
type Response struct {
	Seq     uint64           `json:"seq"`
	OK      bool             `json:"ok"`
	Err     string           `json:"err,omitempty"`
	State   string           `json:"state,omitempty"`
	Stopped bool             `json:"stopped,omitempty"`
	Busy    bool             `json:"busy,omitempty"`
	Result  *result.Snapshot `json:"result,omitempty"`
}

// PipeCallError marks a control call that failed at the transport level:
// the child is dead or the channel is broken. Callers treat it as "child
// effectively stopped" rather than escalating.
type PipeCallError struct {
	Op  Op
	Err error
}

func (e *PipeCallError) Error() string {
	return fmt.Sprintf("pipe call %s: %v", e.Op, e.Err)
}

func (e *PipeCallError) Unwrap() error { return e.Err }

// workRequest is one message on the child-to-parent work channel.
type workRequest struct {
	Op string `json:"op"` // "get" or "done"
}

// workReply answers a "get".
type workReply struct {
	OK   bool              `json:"ok"`
	Item *types.Descriptor `json:"item,omitempty"`
}
