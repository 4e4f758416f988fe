// Package vmerr defines the interpreter's result codes and panic payload,
// the only error-shaped values that cross the boundary back to the host
// embedding API.
package vmerr

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

type Code int

const (
	SUCCESS Code = iota
	PANIC
	STACK_OVERFLOW
	AWAIT
	UNKNOWN
	ALLOC_OOM
	ALLOC_POOL_EXHAUSTED
)

func (c Code) String() string {
	switch c {
	case SUCCESS:
		return "SUCCESS"
	case PANIC:
		return "PANIC"
	case STACK_OVERFLOW:
		return "STACK_OVERFLOW"
	case AWAIT:
		return "AWAIT"
	case ALLOC_OOM:
		return "ALLOC_OOM"
	case ALLOC_POOL_EXHAUSTED:
		return "ALLOC_POOL_EXHAUSTED"
	default:
		return "UNKNOWN"
	}
}

// PayloadKind distinguishes how a panic's message was produced, mirroring
// (panicStaticMsg vs formatted vs Throw).
type PayloadKind uint8

const (
	PayloadStaticMsg PayloadKind = iota
	PayloadFormatted
	PayloadNativeThrow
)

// PanicError is the payload the interpreter leaves in VM.PendingPanic when
// it returns PANIC; Error() gives the host its message.
type PanicError struct {
	Kind    PayloadKind
	Message string
	Thrown  interface{} // set when Kind == PayloadNativeThrow: the thrown value's string form
}

func (p *PanicError) Error() string {
	if p == nil {
		return "<no panic>"
	}
	return p.Message
}

func StaticMsg(msg string) *PanicError {
	return &PanicError{Kind: PayloadStaticMsg, Message: msg}
}

func Formatted(format string, args ...interface{}) *PanicError {
	return &PanicError{Kind: PayloadFormatted, Message: fmt.Sprintf(format, args...)}
}

func NativeThrow(repr string) *PanicError {
	return &PanicError{Kind: PayloadNativeThrow, Message: repr, Thrown: repr}
}

// WrapAlloc annotates an allocator failure with context and a humanized
// size, preserving a stack trace for a host that wants more than the bare
// result code. The interpreter itself returns the bare code and does not
// call it.
func WrapAlloc(code Code, requestedBytes int, context string) error {
	return errors.Wrapf(fmt.Errorf("allocator failure (%s): requested %s for %s",
		code, humanize.Bytes(uint64(requestedBytes)), context), "heap allocation")
}

// StackOverflow renders the STACK_OVERFLOW summary with a humanized depth,
// matching the ambient-stack requirement to format large figures.
func StackOverflow(depth, max int) *PanicError {
	return StaticMsg(fmt.Sprintf("stack overflow: depth %s exceeds max %s",
		humanize.Comma(int64(depth)), humanize.Comma(int64(max))))
}
