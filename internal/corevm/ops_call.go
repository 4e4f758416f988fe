package corevm

import (
	"sentra/internal/bytecode"
	"sentra/internal/heap"
	"sentra/internal/value"
	"sentra/internal/vmerr"
)

// pushCall installs the four-slot prologue at
// fp+ret..fp+ret+3 and enters callee, relying on the caller having already
// placed arguments at fp+ret+CallArgStart.. (so the return value, written
// later into the callee's slot 0, lands in the exact physical stack cell
// the caller's destination register names; no copy crosses the call
// boundary).
func (st *execState) pushCall(instrLen int, ret byte, numArgs int, callee *heap.CodeObj, closure *heap.FuncUnionVal) bool {
	newFP := st.fp + int(ret)
	if len(st.frameFns) >= st.vm.MaxCallDepth {
		// Stack overflow is its own result code, not routed
		// through the Catch mechanism the way Throw/panics are.
		st.finish(value.TagNil, vmerr.STACK_OVERFLOW)
		return false
	}
	ci := PackCallInfo(false, instrLen, callee.NumLocals, callee.RetTypeID, false)
	st.stack[newFP+slotCallInfo] = value.Value(uint64(ci))
	st.stack[newFP+slotSavedPC] = value.BoxInt(int64(st.pc + instrLen))
	st.stack[newFP+slotSavedFP] = value.BoxInt(int64(st.fp))
	for i := CallArgStart + numArgs; i < CallArgStart+callee.NumLocals; i++ {
		st.stack[newFP+i] = value.TagNil
	}
	st.fp = newFP
	st.pc = 0
	st.frameFns = append(st.frameFns, callee)
	st.frameClosures = append(st.frameClosures, closure)
	st.code, st.consts = callee.Code, callee.Constants
	return true
}

// callNative invokes a host function directly in the caller's own frame:
// no prologue slots are needed since no bytecode frame is pushed.
func (st *execState) callNative(ret byte, numArgs int, fn NativeFunc) bool {
	args := make([]value.Value, numArgs)
	copy(args, st.stack[st.fp+int(ret)+CallArgStart:st.fp+int(ret)+CallArgStart+numArgs])
	result, perr := fn(st.vm, st.fiber, args)
	if perr != nil {
		st.vm.PendingPanic = perr
		return false
	}
	st.SetR(ret, result)
	return true
}

// execCall implements the call protocol's generic resolution opcodes
// (CallSym, CallObjSym, CallTrait, CallSymDyn, Call) and their specialized
// inline-cache successors. Returns false on panic/overflow
// (vm.PendingPanic set, or st.done set for a stack-overflow abort).
func (st *execState) execCall(op bytecode.OpCode, pc int) bool {
	vm := st.vm
	length := op.Len()

	switch op {
	case bytecode.OpCallSym:
		ret := st.code[pc+1]
		sym := bytecode.ReadU16(st.code, pc+2)
		numArgs := int(st.code[pc+4])
		entry := vm.Funcs[sym]
		if entry == nil {
			panicFormatted(vm, "undefined function #%d", sym)
			return false
		}
		site := &heap.CallSite{Resolved: true, IsNative: entry.Native != nil, CachedCode: entry.Code, NativeSymbol: sym}
		st.top().CallSites[pc] = site
		if entry.Native != nil {
			st.code[pc] = byte(bytecode.OpCallNativeFuncIC)
			if !st.callNative(ret, numArgs, entry.Native) {
				return false
			}
			st.pc = pc + length
			return true
		}
		st.code[pc] = byte(bytecode.OpCallFuncIC)
		return st.pushCall(length, ret, numArgs, entry.Code, nil)

	case bytecode.OpCallFuncIC:
		ret := st.code[pc+1]
		numArgs := int(st.code[pc+4])
		site := st.top().CallSites[pc]
		if site == nil || site.CachedCode == nil {
			st.code[pc] = byte(bytecode.OpCallSym)
			return st.execCall(bytecode.OpCallSym, pc)
		}
		return st.pushCall(length, ret, numArgs, site.CachedCode, nil)

	case bytecode.OpCallNativeFuncIC:
		ret := st.code[pc+1]
		numArgs := int(st.code[pc+4])
		site := st.top().CallSites[pc]
		if site == nil {
			st.code[pc] = byte(bytecode.OpCallSym)
			return st.execCall(bytecode.OpCallSym, pc)
		}
		entry := vm.Funcs[site.NativeSymbol]
		if !st.callNative(ret, numArgs, entry.Native) {
			return false
		}
		st.pc = pc + length
		return true

	case bytecode.OpCallObjSym:
		ret := st.code[pc+1]
		sym := bytecode.ReadU16(st.code, pc+2)
		numArgs := int(st.code[pc+4])
		recv := st.R(ret + CallArgStart)
		typeID := vm.TypeIDOf(recv)
		entry := vm.Methods[methodKey{TypeID: typeID, Symbol: sym}]
		if entry == nil {
			panicFormatted(vm, "no method #%d on type #%d", sym, typeID)
			return false
		}
		site := &heap.ObjCallSite{Resolved: true, CachedTypeID: typeID, IsNative: entry.Native != nil, CachedCode: entry.Code, NativeSymbol: sym}
		st.top().ObjCallSites[pc] = site
		if entry.Native != nil {
			st.code[pc] = byte(bytecode.OpCallObjNativeFuncIC)
			if !st.callNative(ret, numArgs, entry.Native) {
				return false
			}
			st.pc = pc + length
			return true
		}
		st.code[pc] = byte(bytecode.OpCallObjFuncIC)
		return st.pushCall(length, ret, numArgs, entry.Code, nil)

	case bytecode.OpCallObjFuncIC:
		ret := st.code[pc+1]
		sym := bytecode.ReadU16(st.code, pc+2)
		numArgs := int(st.code[pc+4])
		recv := st.R(ret + CallArgStart)
		typeID := vm.TypeIDOf(recv)
		site := st.top().ObjCallSites[pc]
		if site == nil || site.CachedTypeID != typeID {
			st.code[pc] = byte(bytecode.OpCallObjSym)
			return st.execCall(bytecode.OpCallObjSym, pc)
		}
		return st.pushCall(length, ret, numArgs, site.CachedCode, nil)

	case bytecode.OpCallObjNativeFuncIC:
		ret := st.code[pc+1]
		sym := bytecode.ReadU16(st.code, pc+2)
		numArgs := int(st.code[pc+4])
		recv := st.R(ret + CallArgStart)
		typeID := vm.TypeIDOf(recv)
		site := st.top().ObjCallSites[pc]
		if site == nil || site.CachedTypeID != typeID {
			st.code[pc] = byte(bytecode.OpCallObjSym)
			return st.execCall(bytecode.OpCallObjSym, pc)
		}
		entry := vm.Methods[methodKey{TypeID: typeID, Symbol: sym}]
		if entry == nil {
			panicFormatted(vm, "no method #%d on type #%d", sym, typeID)
			return false
		}
		if !st.callNative(ret, numArgs, entry.Native) {
			return false
		}
		st.pc = pc + length
		return true

	case bytecode.OpCallTrait:
		ret := st.code[pc+1]
		sym := bytecode.ReadU16(st.code, pc+2)
		numArgs := int(st.code[pc+4])
		traitVal := st.R(ret + CallArgStart)
		tr, ok := vm.resolve(traitVal).(*heap.TraitVal)
		if !ok {
			panicStaticMsg(vm, "CallTrait: not a trait value")
			return false
		}
		entry := vm.Methods[methodKey{TypeID: tr.VTableIdx, Symbol: sym}]
		if entry == nil {
			panicFormatted(vm, "no trait method #%d on vtable #%d", sym, tr.VTableIdx)
			return false
		}
		st.SetR(ret+CallArgStart, tr.Impl)
		if entry.Native != nil {
			return st.callNativeAndAdvance(ret, numArgs, entry.Native, pc, length)
		}
		return st.pushCall(length, ret, numArgs, entry.Code, nil)

	case bytecode.OpCallSymDyn:
		// Same operand shape as CallSym, but the symbol is re-resolved on
		// every call instead of being specialized into an IC: used where the
		// callee binding may legitimately change between calls at this site
		// (e.g. a late-bound free-function reference) and caching it would
		// observe a stale function (lists no *_IC successor for
		// this op).
		ret := st.code[pc+1]
		sym := bytecode.ReadU16(st.code, pc+2)
		numArgs := int(st.code[pc+4])
		entry := vm.Funcs[sym]
		if entry == nil {
			panicFormatted(vm, "undefined function #%d", sym)
			return false
		}
		if entry.Native != nil {
			return st.callNativeAndAdvance(ret, numArgs, entry.Native, pc, length)
		}
		return st.pushCall(length, ret, numArgs, entry.Code, nil)

	case bytecode.OpCall:
		ret := st.code[pc+1]
		funcReg := st.code[pc+2]
		numArgs := int(st.code[pc+3])
		return st.callDynamic(ret, funcReg, numArgs, pc, length)
	}
	return true
}

func (st *execState) callNativeAndAdvance(ret byte, numArgs int, fn NativeFunc, pc, length int) bool {
	if !st.callNative(ret, numArgs, fn) {
		return false
	}
	st.pc = pc + length
	return true
}

// callDynamic dispatches through a first-class function value sitting in a
// register (FuncPtr, FuncUnion, or a late-bound FuncSym), used by Call; it
// does not cache, since the callee is a runtime value rather than a fixed
// symbol or receiver type (ICs exist only for the symbol- and type-keyed
// call forms).
func (st *execState) callDynamic(ret, funcReg byte, numArgs, pc, length int) bool {
	vm := st.vm
	obj := vm.resolve(st.R(funcReg))
	switch fn := obj.(type) {
	case *heap.FuncPtrVal:
		return st.pushCall(length, ret, numArgs, fn.Code, nil)
	case *heap.FuncUnionVal:
		if !st.pushCall(length, ret, numArgs, fn.Code, fn) {
			return false
		}
		return true
	case *heap.FuncSymVal:
		entry := vm.Funcs[uint16(fn.SymbolID)]
		if entry == nil {
			panicFormatted(vm, "undefined function #%d", fn.SymbolID)
			return false
		}
		if entry.Native != nil {
			return st.callNativeAndAdvance(ret, numArgs, entry.Native, pc, length)
		}
		return st.pushCall(length, ret, numArgs, entry.Code, nil)
	default:
		panicStaticMsg(vm, "call target is not callable")
		return false
	}
}

// execReturn implements Ret0/Ret1/RetDyn: the return value is
// written into the callee's own slot 0, which is the exact stack cell the
// caller's call-site destination register names, so restoring fp/pc is all
// that is needed to make it visible there. Returns true when execution
// should stop entirely (interpreter-entry frame, st.done/doneVal/doneCode
// populated).
func (st *execState) execReturn(op bytecode.OpCode, pc int) bool {
	oldFP := st.fp
	ci := CallInfo(uint64(st.stack[oldFP+slotCallInfo]))

	var retVal value.Value
	switch op {
	case bytecode.OpRet0:
		retVal = value.TagNil
	case bytecode.OpRet1:
		retVal = st.R(st.code[pc+1])
	case bytecode.OpRetDyn:
		retVal = st.R(st.code[pc+1])
		if ci.BoxFlag() && value.IsInt(retVal) {
			iv, code := st.vm.Alloc.AllocInt(value.AsInt(retVal))
			if code != vmerr.SUCCESS {
				st.finish(value.TagNil, code)
				return true
			}
			retVal = boxPointer(iv, false)
		}
	}
	st.stack[oldFP+slotReturn] = retVal

	if ci.RetFlag() {
		st.finish(retVal, vmerr.SUCCESS)
		return true
	}

	savedPC := int(value.AsInt(st.stack[oldFP+slotSavedPC]))
	savedFP := int(value.AsInt(st.stack[oldFP+slotSavedFP]))
	st.frameFns = st.frameFns[:len(st.frameFns)-1]
	st.frameClosures = st.frameClosures[:len(st.frameClosures)-1]
	// Any Catch pushed inside the returning frame no longer applies.
	for len(st.fiber.TryStack) > 0 && st.fiber.TryStack[len(st.fiber.TryStack)-1].FrameDepth > len(st.frameFns) {
		st.fiber.TryStack = st.fiber.TryStack[:len(st.fiber.TryStack)-1]
	}
	st.fp = savedFP
	st.pc = savedPC
	top := st.top()
	st.code, st.consts = top.Code, top.Constants
	return false
}
