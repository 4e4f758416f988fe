package corevm

import (
	"github.com/google/uuid"

	"sentra/internal/bytecode"
	"sentra/internal/heap"
	"sentra/internal/value"
	"sentra/internal/vmerr"
)

// execFiberOp implements the cooperative coroutine opcodes:
// Coinit allocates a fresh fiber; Coresume/Coyield/Coreturn move control
// between fibers via a plain (stack, fp, pc, frameFns) swap, never an OS
// thread handoff; Await models the host-driven suspension point the
// embedding API's AWAIT result code exists for. Returns true once st.done
// is set, meaning run() should return immediately (top-level return or an
// AWAIT/OOM abort).
func (st *execState) execFiberOp(op bytecode.OpCode, pc int) bool {
	vm := st.vm
	length := op.Len()

	switch op {
	case bytecode.OpCoinit:
		dst, funcReg, numArgs := st.code[pc+1], st.code[pc+2], st.code[pc+3]
		var callee *heap.CodeObj
		switch fn := vm.resolve(st.R(funcReg)).(type) {
		case *heap.FuncPtrVal:
			callee = fn.Code
		case *heap.FuncUnionVal:
			callee = fn.Code
		default:
			panicStaticMsg(vm, "Coinit: not callable")
			st.pc = pc
			return !st.handlePanic()
		}
		fb, code := vm.Alloc.AllocFiber(callee, vm.StackSize, false)
		if code != vmerr.SUCCESS {
			st.finish(value.TagNil, code)
			return true
		}
		fb.ID = uuid.New().String()
		for i := byte(0); i < numArgs; i++ {
			v := st.R(funcReg + 1 + i)
			vm.retainValue(v)
			fb.Stack[CallArgStart+int(i)] = v
		}
		st.SetR(dst, boxPointer(fb, true))
		st.pc = pc + length
		return false

	case bytecode.OpCoresume:
		dst, fiberReg := st.code[pc+1], st.code[pc+2]
		target := vm.resolveFiber(st.R(fiberReg))
		if target.State == heap.FiberDead {
			panicStaticMsg(vm, "cannot resume a dead fiber")
			st.pc = pc
			return !st.handlePanic()
		}
		st.pc = pc + length
		st.syncToFiber()
		current := st.fiber
		current.State = heap.FiberSuspended
		target.Caller = current
		target.ResumeDst = int(dst)
		target.State = heap.FiberRunning
		if len(target.FrameFns) == 0 {
			target.FrameFns = []*heap.CodeObj{target.Fn}
			target.FrameClosures = []*heap.FuncUnionVal{nil}
			target.FP = 0
			target.PCOffset = 0
		}
		vm.Cur = target
		st.loadFromFiber(target)
		return false

	case bytecode.OpCoyield:
		st.pc = pc + length
		st.syncToFiber()
		fiber := st.fiber
		fiber.State = heap.FiberSuspended
		caller := fiber.Caller
		if caller == nil {
			panicStaticMsg(vm, "cannot yield from the main fiber")
			st.pc = pc
			return !st.handlePanic()
		}
		caller.Stack[caller.FP+fiber.ResumeDst] = value.TagFalse
		caller.State = heap.FiberRunning
		vm.Cur = caller
		st.loadFromFiber(caller)
		return false

	case bytecode.OpCoreturn:
		valReg := st.code[pc+1]
		retVal := st.R(valReg)
		fiber := st.fiber
		fiber.State = heap.FiberDead
		fiber.PCOffset = heap.NullPC
		caller := fiber.Caller
		if caller == nil {
			st.finish(retVal, vmerr.SUCCESS)
			return true
		}
		caller.Stack[caller.FP+fiber.ResumeDst] = retVal
		caller.State = heap.FiberRunning
		vm.Cur = caller
		st.loadFromFiber(caller)
		return false

	case bytecode.OpAwait:
		dst, valReg := st.code[pc+1], st.code[pc+2]
		v := st.R(valReg)
		if vm.Awaiter == nil {
			st.SetR(dst, v)
			st.pc = pc + length
			return false
		}
		result, isAwait := vm.Awaiter(vm, v)
		if isAwait {
			st.pc = pc + length
			st.finish(value.TagVoid, vmerr.AWAIT)
			return true
		}
		st.SetR(dst, result)
		st.pc = pc + length
		return false

	case bytecode.OpFutureValue:
		dst, reg := st.code[pc+1], st.code[pc+2]
		st.SetR(dst, st.R(reg))
		st.pc = pc + length
		return false
	}
	return false
}
