package dxrpc

import (
	"github.com/dxos/dxos-sub032/stream"
	"google.golang.org/protobuf/types/known/anypb"
)

// A pendingCall records an outbound request awaiting its response.
type pendingCall struct {
	method string

	// For unary calls, result receives the outcome. It is buffered so that
	// delivery never blocks the receiver.
	result chan callResult

	// For streaming calls, ctl feeds the stream returned to the caller.
	ctl *stream.Controller[*anypb.Any]
}

func (pc *pendingCall) isStream() bool { return pc.ctl != nil }

// A callResult is the outcome of a unary call: either a response from the
// remote peer or a local error.
type callResult struct {
	rsp *Response
	err error
}

// fail terminates pc with err. The caller must have removed pc from its table.
func (pc *pendingCall) fail(err error) {
	if pc.isStream() {
		pc.ctl.Close(err)
		return
	}
	pc.result <- callResult{err: err}
}

// callTable correlates outbound request IDs with pending calls.
// It is not safe for concurrent use; the Peer guards it with its lock.
type callTable struct {
	last  uint32 // the last ID assigned
	calls map[uint32]*pendingCall
}

// add assigns a fresh ID to pc and records it. IDs are never reused for the
// lifetime of the table.
func (t *callTable) add(pc *pendingCall) uint32 {
	if t.calls == nil {
		t.calls = make(map[uint32]*pendingCall)
	}
	t.last++
	t.calls[t.last] = pc
	return t.last
}

func (t *callTable) get(id uint32) (*pendingCall, bool) {
	pc, ok := t.calls[id]
	return pc, ok
}

func (t *callTable) remove(id uint32) (*pendingCall, bool) {
	pc, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	return pc, ok
}

// drain removes and returns all the pending calls in t.
func (t *callTable) drain() []*pendingCall {
	out := make([]*pendingCall, 0, len(t.calls))
	for _, pc := range t.calls {
		out = append(out, pc)
	}
	clear(t.calls)
	return out
}
