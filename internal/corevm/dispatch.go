package corevm

import (
	"sentra/internal/bytecode"
	"sentra/internal/heap"
	"sentra/internal/value"
	"sentra/internal/vmerr"
)

// execState is the dispatch loop's working set: the live register window of
// the fiber currently running plus the decoded top-of-call-stack function.
// It is refreshed from a heap.FiberVal whenever Coresume/Coyield/Coreturn
// switch which fiber is current, and flushed back before any such switch or
// before the loop returns to its caller, since fibers own their own
// stack and switching is a plain state swap.
type execState struct {
	vm            *VM
	fiber         *heap.FiberVal
	stack         []value.Value
	fp            int
	pc            int
	code          []byte
	consts        []value.Value
	frameFns      []*heap.CodeObj
	frameClosures []*heap.FuncUnionVal

	done     bool
	doneVal  value.Value
	doneCode vmerr.Code
}

func (st *execState) R(reg byte) value.Value        { return st.stack[st.fp+int(reg)] }
func (st *execState) SetR(reg byte, v value.Value)  { st.stack[st.fp+int(reg)] = v }
func (st *execState) top() *heap.CodeObj            { return st.frameFns[len(st.frameFns)-1] }
func (st *execState) closure() *heap.FuncUnionVal    { return st.frameClosures[len(st.frameClosures)-1] }

func (st *execState) syncToFiber() {
	st.fiber.FP = st.fp
	st.fiber.PCOffset = uint32(st.pc)
	st.fiber.FrameFns = st.frameFns
	st.fiber.FrameClosures = st.frameClosures
}

func (st *execState) loadFromFiber(f *heap.FiberVal) {
	st.fiber = f
	st.stack = f.Stack
	st.fp = f.FP
	st.pc = int(f.PCOffset)
	st.frameFns = f.FrameFns
	st.frameClosures = f.FrameClosures
	if len(st.frameFns) == 0 {
		st.code, st.consts = nil, nil
		return
	}
	top := st.frameFns[len(st.frameFns)-1]
	st.code, st.consts = top.Code, top.Constants
}

func (st *execState) finish(v value.Value, code vmerr.Code) {
	st.syncToFiber()
	st.done, st.doneVal, st.doneCode = true, v, code
}

// Execute runs fn to completion on the VM's main fiber with args already
// prepared as the callee's register window (embedding eval
// entry point builds this from host-supplied argument values).
func (vm *VM) Execute(fn *heap.CodeObj, args []value.Value) (value.Value, vmerr.Code) {
	fiber := vm.MainFiber
	fiber.Fn = fn
	fiber.FrameFns = []*heap.CodeObj{fn}
	fiber.FrameClosures = []*heap.FuncUnionVal{nil}
	fiber.FP = 0
	fiber.PCOffset = 0
	fiber.State = heap.FiberRunning
	ci := PackCallInfo(true, 0, fn.NumLocals, fn.RetTypeID, false)
	fiber.Stack[slotCallInfo] = value.Value(uint64(ci))
	fiber.Stack[slotSavedPC] = value.BoxInt(0)
	fiber.Stack[slotSavedFP] = value.BoxInt(0)
	for i, a := range args {
		fiber.Stack[CallArgStart+i] = a
	}
	vm.Cur = fiber

	st := &execState{vm: vm}
	st.loadFromFiber(fiber)
	return st.run()
}

// unwindToCatch implements unwind discipline: pop try frames
// until one covers the current (or an enclosing, now-discarded) call depth,
// restoring (frameFns, fp, pc) to the handler. Returns false when no Catch
// remains on this fiber, meaning the panic propagates to the host.
func (st *execState) unwindToCatch() bool {
	fiber := st.fiber
	for len(fiber.TryStack) > 0 {
		tf := fiber.TryStack[len(fiber.TryStack)-1]
		fiber.TryStack = fiber.TryStack[:len(fiber.TryStack)-1]
		if tf.FrameDepth <= len(st.frameFns) {
			st.frameFns = st.frameFns[:tf.FrameDepth]
			st.frameClosures = st.frameClosures[:tf.FrameDepth]
			st.fp = tf.FP
			st.pc = tf.CatchPC
			top := st.top()
			st.code, st.consts = top.Code, top.Constants
			st.vm.PendingPanic = nil
			return true
		}
	}
	return false
}

// run is the instruction fetch/decode/execute cycle: a
// switch over the fixed-length opcode stream, byte-addressed and
// little-endian decoded via the bytecode package's helpers.
func (st *execState) run() (value.Value, vmerr.Code) {
	vm := st.vm
	for {
		op := bytecode.OpCode(st.code[st.pc])
		if vm.Trace && vm.TraceHook != nil {
			vm.TraceHook(st.top(), st.pc, op)
		}
		instrPC := st.pc

		switch op {
		// --- constants & literals ---
		case bytecode.OpConst:
			dst := st.code[instrPC+1]
			k := bytecode.ReadU16(st.code, instrPC+2)
			st.SetR(dst, st.consts[k])
			st.pc += op.Len()

		case bytecode.OpConstRetain:
			dst := st.code[instrPC+1]
			k := bytecode.ReadU16(st.code, instrPC+2)
			v := st.consts[k]
			vm.retainValue(v)
			st.SetR(dst, v)
			st.pc += op.Len()

		case bytecode.OpConstIntV8:
			dst := st.code[instrPC+1]
			imm := bytecode.ReadI8(st.code, instrPC+2)
			st.SetR(dst, value.BoxInt(int64(imm)))
			st.pc += op.Len()

		case bytecode.OpConstByte:
			dst := st.code[instrPC+1]
			imm := bytecode.ReadU8(st.code, instrPC+2)
			st.SetR(dst, value.BoxInt(int64(imm)))
			st.pc += op.Len()

		case bytecode.OpTrue:
			st.SetR(st.code[instrPC+1], value.TagTrue)
			st.pc += op.Len()
		case bytecode.OpFalse:
			st.SetR(st.code[instrPC+1], value.TagFalse)
			st.pc += op.Len()
		case bytecode.OpNone:
			st.SetR(st.code[instrPC+1], value.TagNil)
			st.pc += op.Len()

		case bytecode.OpTagLit:
			dst := st.code[instrPC+1]
			k := bytecode.ReadU16(st.code, instrPC+2)
			st.SetR(dst, st.consts[k])
			st.pc += op.Len()

		case bytecode.OpEnum:
			dst := st.code[instrPC+1]
			typeID := bytecode.ReadU16(st.code, instrPC+2)
			variant := bytecode.ReadU16(st.code, instrPC+4)
			st.SetR(dst, value.BoxEnum(uint32(typeID), uint32(variant)))
			st.pc += op.Len()

		case bytecode.OpSymbol:
			dst := st.code[instrPC+1]
			id := bytecode.ReadU16(st.code, instrPC+2)
			st.SetR(dst, value.BoxSymbol(uint32(id)))
			st.pc += op.Len()

		case bytecode.OpTypeLit:
			dst := st.code[instrPC+1]
			typeID := uint32(bytecode.ReadU16(st.code, instrPC+2))
			name := ""
			if ti, ok := vm.Types[typeID]; ok {
				name = ti.Name
			}
			tv, code := vm.Alloc.AllocType(typeID, name)
			if code != vmerr.SUCCESS {
				st.finish(value.TagNil, code)
				return st.doneVal, st.doneCode
			}
			st.SetR(dst, boxPointer(tv, false))
			st.pc += op.Len()

		// --- register moves ---
		case bytecode.OpCopy:
			dst, src := st.code[instrPC+1], st.code[instrPC+2]
			st.SetR(dst, st.R(src))
			st.pc += op.Len()
		case bytecode.OpCopyReleaseDst:
			dst, src := st.code[instrPC+1], st.code[instrPC+2]
			vm.releaseValue(st.R(dst))
			st.SetR(dst, st.R(src))
			st.pc += op.Len()
		case bytecode.OpCopyRetainSrc:
			dst, src := st.code[instrPC+1], st.code[instrPC+2]
			v := st.R(src)
			vm.retainValue(v)
			st.SetR(dst, v)
			st.pc += op.Len()
		case bytecode.OpCopyRetainRelease:
			dst, src := st.code[instrPC+1], st.code[instrPC+2]
			vm.releaseValue(st.R(dst))
			v := st.R(src)
			vm.retainValue(v)
			st.SetR(dst, v)
			st.pc += op.Len()
		case bytecode.OpCopyStruct:
			dst, src := st.code[instrPC+1], st.code[instrPC+2]
			srcObj, ok := vm.resolve(st.R(src)).(*heap.StructVal)
			if !ok {
				panicStaticMsg(vm, "CopyStruct: source is not a struct")
				if !st.handlePanic() {
					return st.doneVal, st.doneCode
				}
				continue
			}
			newStruct, code := vm.Alloc.CopyStruct(srcObj, vm.retainValue)
			if code != vmerr.SUCCESS {
				st.finish(value.TagNil, code)
				return st.doneVal, st.doneCode
			}
			vm.releaseValue(st.R(dst))
			st.SetR(dst, boxPointer(newStruct, false))
			st.pc += op.Len()
		case bytecode.OpCopyObjDyn:
			dst, src := st.code[instrPC+1], st.code[instrPC+2]
			v := st.R(src)
			vm.retainValue(v)
			vm.releaseValue(st.R(dst))
			st.SetR(dst, v)
			st.pc += op.Len()

		// --- arithmetic / bitwise / comparisons ---
		case bytecode.OpAddFloat, bytecode.OpSubFloat, bytecode.OpMulFloat, bytecode.OpDivFloat,
			bytecode.OpPowFloat, bytecode.OpModFloat, bytecode.OpNegFloat,
			bytecode.OpAddInt, bytecode.OpSubInt, bytecode.OpMulInt, bytecode.OpDivInt,
			bytecode.OpPowInt, bytecode.OpModInt, bytecode.OpNegInt,
			bytecode.OpBitwiseAnd, bytecode.OpBitwiseOr, bytecode.OpBitwiseXor, bytecode.OpBitwiseNot,
			bytecode.OpBitwiseLeftShift, bytecode.OpBitwiseRightShift,
			bytecode.OpLessFloat, bytecode.OpGreaterFloat, bytecode.OpLessEqualFloat, bytecode.OpGreaterEqualFloat,
			bytecode.OpLessInt, bytecode.OpGreaterInt, bytecode.OpLessEqualInt, bytecode.OpGreaterEqualInt,
			bytecode.OpCompare, bytecode.OpCompareNot, bytecode.OpNot:
			if !st.execArith(op, instrPC) {
				if st.done || !st.handlePanic() {
					return st.doneVal, st.doneCode
				}
				continue
			}
			st.pc += op.Len()

		// --- control flow ---
		case bytecode.OpJump:
			off := bytecode.ReadI16(st.code, instrPC+1)
			st.pc = instrPC + op.Len() + int(off)
		case bytecode.OpJumpCond:
			reg := st.code[instrPC+1]
			off := bytecode.ReadI16(st.code, instrPC+2)
			if truthy(st.R(reg)) {
				st.pc = instrPC + op.Len() + int(off)
			} else {
				st.pc += op.Len()
			}
		case bytecode.OpJumpNotCond:
			reg := st.code[instrPC+1]
			off := bytecode.ReadI16(st.code, instrPC+2)
			if !truthy(st.R(reg)) {
				st.pc = instrPC + op.Len() + int(off)
			} else {
				st.pc += op.Len()
			}
		case bytecode.OpMatch:
			reg := st.code[instrPC+1]
			k := bytecode.ReadU16(st.code, instrPC+2)
			pattern := st.consts[k]
			v := st.R(reg)
			match := value.IsEnum(v) && value.IsEnum(pattern) &&
				value.AsEnumVariant(v) == value.AsEnumVariant(pattern)
			st.SetR(reg, value.BoxBool(match))
			st.pc += op.Len()

		case bytecode.OpForRangeInit, bytecode.OpForRange, bytecode.OpForRangeReverse:
			st.execForRange(op, instrPC)

		// --- aggregate construction / access ---
		case bytecode.OpListDyn, bytecode.OpList, bytecode.OpArray, bytecode.OpMap,
			bytecode.OpObject, bytecode.OpObjectSmall, bytecode.OpStruct, bytecode.OpStructSmall,
			bytecode.OpTrait, bytecode.OpFuncPtr, bytecode.OpFuncUnion, bytecode.OpFuncSym,
			bytecode.OpLambda, bytecode.OpClosure, bytecode.OpUp:
			if !st.execConstruct(op, instrPC) {
				if st.done || !st.handlePanic() {
					return st.doneVal, st.doneCode
				}
				continue
			}
			st.pc += op.Len()

		case bytecode.OpField, bytecode.OpFieldStruct, bytecode.OpFieldDyn, bytecode.OpFieldDynIC,
			bytecode.OpSetField, bytecode.OpSetFieldDyn, bytecode.OpSetFieldDynIC,
			bytecode.OpIndexList, bytecode.OpIndexTuple, bytecode.OpIndexMap,
			bytecode.OpSetIndexList, bytecode.OpSetIndexMap, bytecode.OpSliceList, bytecode.OpAppendList:
			if !st.execAccess(op, instrPC) {
				if st.done || !st.handlePanic() {
					return st.doneVal, st.doneCode
				}
				continue
			}
			st.pc += op.Len()

		// --- calls ---
		case bytecode.OpCallSym, bytecode.OpCallFuncIC, bytecode.OpCallNativeFuncIC,
			bytecode.OpCallObjSym, bytecode.OpCallObjFuncIC, bytecode.OpCallObjNativeFuncIC,
			bytecode.OpCallTrait, bytecode.OpCallSymDyn, bytecode.OpCall:
			cont := st.execCall(op, instrPC)
			if st.done {
				return st.doneVal, st.doneCode
			}
			if !cont {
				if !st.handlePanic() {
					return st.doneVal, st.doneCode
				}
			}
			continue

		case bytecode.OpRet0, bytecode.OpRet1, bytecode.OpRetDyn:
			if st.execReturn(op, instrPC) {
				return st.doneVal, st.doneCode
			}
			continue

		// --- type ops ---
		case bytecode.OpTypeCheck, bytecode.OpTypeCheckOption, bytecode.OpCast,
			bytecode.OpCastAbstract, bytecode.OpBox, bytecode.OpUnbox, bytecode.OpUnwrapChoice:
			if !st.execTypeOp(op, instrPC) {
				if st.done || !st.handlePanic() {
					return st.doneVal, st.doneCode
				}
				continue
			}
			st.pc += op.Len()

		// --- addresses & deref, upvalues/statics ---
		case bytecode.OpAddrLocal, bytecode.OpAddrConstIndex, bytecode.OpAddrIndex,
			bytecode.OpDeref, bytecode.OpDerefStruct, bytecode.OpSetDeref, bytecode.OpSetDerefStruct,
			bytecode.OpUpValue, bytecode.OpSetUpValue, bytecode.OpCaptured, bytecode.OpSetCaptured,
			bytecode.OpStaticVar, bytecode.OpSetStaticVar, bytecode.OpContext:
			if !st.execAddr(op, instrPC) {
				if st.done || !st.handlePanic() {
					return st.doneVal, st.doneCode
				}
				continue
			}
			st.pc += op.Len()

		// --- exceptions ---
		case bytecode.OpThrow:
			reg := st.code[instrPC+1]
			st.fiber.LastError = st.R(reg)
			panicNativeThrow(vm, vm.displayString(st.R(reg)))
			if !st.handlePanic() {
				return st.doneVal, st.doneCode
			}
			continue
		case bytecode.OpCatch:
			off := bytecode.ReadI16(st.code, instrPC+1)
			st.fiber.TryStack = append(st.fiber.TryStack, heap.TryFrame{
				CatchPC:    instrPC + op.Len() + int(off),
				FP:         st.fp,
				FrameDepth: len(st.frameFns),
				Fn:         st.top(),
			})
			st.pc += op.Len()

		// --- fibers ---
		case bytecode.OpCoinit, bytecode.OpCoyield, bytecode.OpCoresume, bytecode.OpCoreturn,
			bytecode.OpAwait, bytecode.OpFutureValue:
			if st.execFiberOp(op, instrPC) {
				return st.doneVal, st.doneCode
			}
			continue

		// --- bookkeeping ---
		case bytecode.OpRelease:
			vm.releaseValue(st.R(st.code[instrPC+1]))
			st.pc += op.Len()
		case bytecode.OpReleaseN:
			start := st.code[instrPC+1]
			n := st.code[instrPC+2]
			for i := byte(0); i < n; i++ {
				vm.releaseValue(st.R(start + i))
			}
			st.pc += op.Len()
		case bytecode.OpRetain:
			vm.retainValue(st.R(st.code[instrPC+1]))
			st.pc += op.Len()
		case bytecode.OpEnd:
			st.syncToFiber()
			return value.TagNil, vmerr.SUCCESS

		case bytecode.OpStringTemplate:
			dst := st.code[instrPC+1]
			start := st.code[instrPC+2]
			n := st.code[instrPC+3]
			s := ""
			for i := byte(0); i < n; i++ {
				s += vm.displayString(st.R(start + i))
			}
			sv, code := vm.Alloc.AllocString(s)
			if code != vmerr.SUCCESS {
				st.finish(value.TagNil, code)
				return st.doneVal, st.doneCode
			}
			st.SetR(dst, boxPointer(sv, false))
			st.pc += op.Len()

		default:
			panicFormatted(vm, "unimplemented opcode %s", op.String())
			if !st.handlePanic() {
				return st.doneVal, st.doneCode
			}
		}
	}
}

// handlePanic is called immediately after any op that may have set
// vm.PendingPanic. It unwinds to the nearest Catch on the current fiber, or
// flushes state and reports PANIC to the host.
func (st *execState) handlePanic() bool {
	if st.vm.PendingPanic == nil {
		return true
	}
	if st.unwindToCatch() {
		return true
	}
	st.syncToFiber()
	st.doneVal, st.doneCode = value.TagNil, vmerr.PANIC
	st.done = true
	return false
}
