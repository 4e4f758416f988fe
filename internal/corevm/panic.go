package corevm

import (
	"sentra/internal/vmerr"
)

// panicStaticMsg and panicFormatted raise a VM-level panic: they stash the
// payload on vm.PendingPanic for the dispatch loop to pick up and return
// RES_CODE_PANIC (vmerr.PANIC) from the interpreter, unwinding to the
// nearest Catch or to the host.
func panicStaticMsg(vm *VM, msg string) *vmerr.PanicError {
	p := vmerr.StaticMsg(msg)
	vm.PendingPanic = p
	return p
}

func panicFormatted(vm *VM, format string, args ...interface{}) *vmerr.PanicError {
	p := vmerr.Formatted(format, args...)
	vm.PendingPanic = p
	return p
}

func panicNativeThrow(vm *VM, repr string) *vmerr.PanicError {
	p := vmerr.NativeThrow(repr)
	vm.PendingPanic = p
	return p
}
