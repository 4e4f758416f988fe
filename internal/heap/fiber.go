package heap

import "sentra/internal/value"

type FiberState uint8

const (
	FiberNew FiberState = iota
	FiberRunning
	FiberSuspended
	FiberDead
)

// NullPC marks a fiber's pcOffset as terminal (scenario 6).
const NullPC = ^uint32(0)

// TryFrame is a pushed Catch region: where to jump on Throw, and the
// (fp, call-depth, code) context to restore since a throw may unwind
// across function boundaries.
type TryFrame struct {
	CatchPC    int
	FP         int
	FrameDepth int
	Fn         *CodeObj
}

// FiberVal is a cooperatively scheduled execution context: its own value
// stack plus a saved (pc, frame-pointer) pair. Fibers never share a stack;
// switching is a plain (pc, fp, stack) swap, never an OS thread handoff.
type FiberVal struct {
	Header
	ID         string
	Stack      []value.Value
	FP         int
	PCOffset   uint32 // NullPC once the fiber has returned
	Fn         *CodeObj
	FrameFns   []*CodeObj // code object per live call depth, index 0 = outermost
	// FrameClosures parallels FrameFns: the FuncUnionVal supplying upvalue
	// storage for that depth, nil for plain (non-closure) calls.
	FrameClosures []*FuncUnionVal
	TryStack      []TryFrame
	Caller        *FiberVal // fiber that resumed into this one; nil for the main fiber
	// ResumeDst is the register (relative to Caller.FP) that Coyield/
	// Coreturn writes the yielded/returned value into.
	ResumeDst  int
	State     FiberState
	IsMain    bool
	LastError value.Value
}

func (f *FiberVal) Hdr() *Header { return &f.Header }

// NewFiberStack allocates a fresh register stack of size slots (at least
// 256). Frame 0's regBase is 0 and its four-slot call prologue sits at the
// bottom, so its args start at slot 4.
func NewFiberStack(size int) []value.Value {
	if size < 256 {
		size = 256
	}
	return make([]value.Value, size)
}
