package corevm

import (
	"sentra/internal/bytecode"
	"sentra/internal/heap"
	"sentra/internal/value"
	"sentra/internal/vmerr"
)

// execTypeOp implements TypeCheck/TypeCheckOption/Cast/CastAbstract/Box/
// Unbox/UnwrapChoice.
func (st *execState) execTypeOp(op bytecode.OpCode, pc int) bool {
	vm := st.vm

	switch op {
	case bytecode.OpTypeCheck:
		src := st.code[pc+1]
		typeID := uint32(bytecode.ReadU16(st.code, pc+2))
		dst := st.code[pc+4]
		v := st.R(src)
		actual := vm.TypeIDOf(v)
		if !isTypeCompat(actual, typeID) {
			panicFormatted(vm, "Expected type `%s`, found `%s`.", vm.typeName(typeID), vm.typeName(actual))
			return false
		}
		st.SetR(dst, v)

	case bytecode.OpTypeCheckOption:
		dst := st.code[pc+1]
		typeID := uint32(bytecode.ReadU16(st.code, pc+2))
		v := st.R(dst)
		st.SetR(dst, value.BoxBool(value.IsNil(v) || vm.TypeIDOf(v) == typeID))

	case bytecode.OpCast:
		dst := st.code[pc+1]
		typeID := uint32(bytecode.ReadU16(st.code, pc+2))
		v := st.R(dst)
		cur := vm.TypeIDOf(v)
		switch {
		case cur == typeID:
			// no-op
		case cur == value.TypeInt && typeID == value.TypeFloat:
			st.SetR(dst, value.BoxFloat(float64(value.AsInt(v))))
		case cur == value.TypeFloat && typeID == value.TypeInt:
			st.SetR(dst, value.BoxInt(int64(value.AsFloat(v))))
		default:
			panicFormatted(vm, "Can not cast `%s` to `%s`.", vm.typeName(cur), vm.typeName(typeID))
			return false
		}

	case bytecode.OpCastAbstract:
		typeID := uint32(bytecode.ReadU16(st.code, pc+2))
		if typeID != TypeAny {
			panicStaticMsg(vm, "unsupported abstract cast")
			return false
		}

	case bytecode.OpBox:
		dst := st.code[pc+1]
		v := st.R(dst)
		if value.IsInt(v) {
			iv, code := vm.Alloc.AllocInt(value.AsInt(v))
			if code != vmerr.SUCCESS {
				st.finish(value.TagNil, code)
				return false
			}
			st.SetR(dst, boxPointer(iv, false))
		}

	case bytecode.OpUnbox:
		dst := st.code[pc+1]
		v := st.R(dst)
		if value.IsPointer(v) {
			if iv, ok := vm.resolve(v).(*heap.IntVal); ok {
				st.SetR(dst, value.BoxInt(iv.N))
			}
		}

	case bytecode.OpUnwrapChoice:
		dst := st.code[pc+1]
		typeID := uint32(bytecode.ReadU16(st.code, pc+2))
		tag := uint32(st.code[pc+4])
		v := st.R(dst)
		if !value.IsEnum(v) || value.AsEnumType(v) != typeID || value.AsEnumVariant(v) != tag {
			panicStaticMsg(vm, "tag mismatch")
			return false
		}
	}
	return true
}

// execAddr implements AddrLocal/AddrConstIndex/AddrIndex/Deref/DerefStruct/
// SetDeref/SetDerefStruct (local addresses modeled as UpValueVal cells,
// upvalue representation doubles as the only heap-boxed
// mutable reference the model has), the upvalue/captured accessors, and
// StaticVar/SetStaticVar/Context.
func (st *execState) execAddr(op bytecode.OpCode, pc int) bool {
	vm := st.vm

	switch op {
	case bytecode.OpAddrLocal:
		dst, localReg := st.code[pc+1], st.code[pc+2]
		v := st.R(localReg)
		vm.retainValue(v)
		uv, code := vm.Alloc.AllocUpValue(v)
		if code != vmerr.SUCCESS {
			st.finish(value.TagNil, code)
			return false
		}
		st.SetR(dst, boxPointer(uv, true))

	case bytecode.OpAddrConstIndex:
		dst, baseReg, idx := st.code[pc+1], st.code[pc+2], st.code[pc+3]
		v, perr := st.elementAt(baseReg, int64(idx))
		if perr {
			return false
		}
		vm.retainValue(v)
		uv, code := vm.Alloc.AllocUpValue(v)
		if code != vmerr.SUCCESS {
			st.finish(value.TagNil, code)
			return false
		}
		st.SetR(dst, boxPointer(uv, true))

	case bytecode.OpAddrIndex:
		dst, baseReg, idxReg := st.code[pc+1], st.code[pc+2], st.code[pc+3]
		idx := value.AsInt(st.R(idxReg))
		v, perr := st.elementAt(baseReg, idx)
		if perr {
			return false
		}
		vm.retainValue(v)
		uv, code := vm.Alloc.AllocUpValue(v)
		if code != vmerr.SUCCESS {
			st.finish(value.TagNil, code)
			return false
		}
		st.SetR(dst, boxPointer(uv, true))

	case bytecode.OpDeref:
		dst, addrReg := st.code[pc+1], st.code[pc+2]
		uv, ok := vm.resolve(st.R(addrReg)).(*heap.UpValueVal)
		if !ok {
			panicStaticMsg(vm, "Deref: not an address")
			return false
		}
		vm.retainValue(uv.Val)
		st.SetR(dst, uv.Val)

	case bytecode.OpDerefStruct:
		dst, addrReg, idx := st.code[pc+1], st.code[pc+2], st.code[pc+3]
		s, ok := vm.resolve(st.R(addrReg)).(*heap.StructVal)
		if !ok {
			panicStaticMsg(vm, "DerefStruct: not a struct address")
			return false
		}
		v := s.Fields[idx]
		vm.retainValue(v)
		st.SetR(dst, v)

	case bytecode.OpSetDeref:
		addrReg, valReg := st.code[pc+1], st.code[pc+2]
		uv, ok := vm.resolve(st.R(addrReg)).(*heap.UpValueVal)
		if !ok {
			panicStaticMsg(vm, "SetDeref: not an address")
			return false
		}
		vm.releaseValue(uv.Val)
		v := st.R(valReg)
		vm.retainValue(v)
		uv.Val = v

	case bytecode.OpSetDerefStruct:
		addrReg, idx, valReg := st.code[pc+1], st.code[pc+2], st.code[pc+3]
		s, ok := vm.resolve(st.R(addrReg)).(*heap.StructVal)
		if !ok {
			panicStaticMsg(vm, "SetDerefStruct: not a struct address")
			return false
		}
		vm.releaseValue(s.Fields[idx])
		v := st.R(valReg)
		vm.retainValue(v)
		s.Fields[idx] = v

	case bytecode.OpUpValue, bytecode.OpCaptured:
		dst, idx := st.code[pc+1], st.code[pc+2]
		cl := st.closure()
		if cl == nil || int(idx) >= len(cl.Closure) {
			panicStaticMsg(vm, "no such upvalue")
			return false
		}
		uv, ok := vm.resolve(cl.Closure[idx]).(*heap.UpValueVal)
		if !ok {
			panicStaticMsg(vm, "upvalue slot is not boxed")
			return false
		}
		vm.retainValue(uv.Val)
		st.SetR(dst, uv.Val)

	case bytecode.OpSetUpValue, bytecode.OpSetCaptured:
		idx, valReg := st.code[pc+1], st.code[pc+2]
		cl := st.closure()
		if cl == nil || int(idx) >= len(cl.Closure) {
			panicStaticMsg(vm, "no such upvalue")
			return false
		}
		uv, ok := vm.resolve(cl.Closure[idx]).(*heap.UpValueVal)
		if !ok {
			panicStaticMsg(vm, "upvalue slot is not boxed")
			return false
		}
		vm.releaseValue(uv.Val)
		v := st.R(valReg)
		vm.retainValue(v)
		uv.Val = v

	case bytecode.OpStaticVar:
		dst := st.code[pc+1]
		id := bytecode.ReadU16(st.code, pc+2)
		name := ""
		if int(id) < len(vm.Symbols) {
			name = vm.Symbols[id]
		}
		st.SetR(dst, vm.Globals[name])

	case bytecode.OpSetStaticVar:
		reg := st.code[pc+1]
		id := bytecode.ReadU16(st.code, pc+2)
		name := ""
		if int(id) < len(vm.Symbols) {
			name = vm.Symbols[id]
		}
		vm.Globals[name] = st.R(reg)

	case bytecode.OpContext:
		dst := st.code[pc+1]
		st.SetR(dst, boxPointer(st.fiber, st.fiber.Hdr().Cyclic()))
	}
	return true
}

// elementAt fetches the value at a constant/dynamic index of a list, tuple,
// or struct held in baseReg, for AddrConstIndex/AddrIndex. perr is true
// once a panic helper has stashed vm.PendingPanic.
func (st *execState) elementAt(baseReg byte, idx int64) (value.Value, bool) {
	vm := st.vm
	switch o := vm.resolve(st.R(baseReg)).(type) {
	case *heap.ListVal:
		if idx < 0 || idx >= int64(len(o.Elements)) {
			panicStaticMsg(vm, "Out of bounds.")
			return value.TagNil, true
		}
		return o.Elements[idx], false
	case *heap.TupleVal:
		if idx < 0 {
			idx += int64(len(o.Fields))
		}
		if idx < 0 || idx >= int64(len(o.Fields)) {
			panicStaticMsg(vm, "Out of bounds.")
			return value.TagNil, true
		}
		return o.Fields[idx], false
	case *heap.StructVal:
		if idx < 0 || idx >= int64(len(o.Fields)) {
			panicStaticMsg(vm, "Out of bounds.")
			return value.TagNil, true
		}
		return o.Fields[idx], false
	default:
		panicStaticMsg(vm, "not indexable")
		return value.TagNil, true
	}
}
