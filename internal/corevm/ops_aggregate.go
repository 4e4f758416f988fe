package corevm

import (
	"sentra/internal/bytecode"
	"sentra/internal/heap"
	"sentra/internal/value"
	"sentra/internal/vmerr"
)

// execConstruct implements the aggregate-construction opcodes: each
// allocates through the shared allocator so pool-vs-external accounting
// and OOM aborts are uniform across object kinds.
func (st *execState) execConstruct(op bytecode.OpCode, pc int) bool {
	vm := st.vm
	dst := st.code[pc+1]

	switch op {
	case bytecode.OpListDyn, bytecode.OpArray:
		count := bytecode.ReadU16(st.code, pc+2)
		var elemType uint32
		if op == bytecode.OpArray {
			elemType = uint32(bytecode.ReadU16(st.code, pc+4))
		}
		lst, code := vm.Alloc.AllocList(int(count), elemType)
		if code != vmerr.SUCCESS {
			st.finish(value.TagNil, code)
			return false
		}
		for i := uint16(0); i < count; i++ {
			v := st.R(dst + 1 + byte(i))
			vm.retainValue(v)
			lst.Elements = append(lst.Elements, v)
		}
		st.SetR(dst, boxPointer(lst, true))

	case bytecode.OpList:
		count := bytecode.ReadU16(st.code, pc+2)
		elemType := uint32(bytecode.ReadU16(st.code, pc+4))
		lst, code := vm.Alloc.AllocList(int(count), elemType)
		if code != vmerr.SUCCESS {
			st.finish(value.TagNil, code)
			return false
		}
		for i := uint16(0); i < count; i++ {
			v := st.R(dst + 1 + byte(i))
			vm.retainValue(v)
			lst.Elements = append(lst.Elements, v)
		}
		st.SetR(dst, boxPointer(lst, true))

	case bytecode.OpMap:
		count := bytecode.ReadU16(st.code, pc+2)
		m, code := vm.Alloc.AllocMap()
		if code != vmerr.SUCCESS {
			st.finish(value.TagNil, code)
			return false
		}
		for i := uint16(0); i < count; i++ {
			k := st.R(dst + 1 + byte(i*2))
			v := st.R(dst + 1 + byte(i*2+1))
			vm.retainValue(k)
			vm.retainValue(v)
			m.Items[k] = v
		}
		st.SetR(dst, boxPointer(m, true))

	case bytecode.OpObject, bytecode.OpObjectSmall:
		typeID := uint32(bytecode.ReadU16(st.code, pc+2))
		numFields := int(st.code[pc+4])
		obj, code := vm.Alloc.AllocObject(typeID, numFields)
		if code != vmerr.SUCCESS {
			st.finish(value.TagNil, code)
			return false
		}
		for i := 0; i < numFields; i++ {
			v := st.R(dst + 1 + byte(i))
			vm.retainValue(v)
			obj.Fields[i] = v
		}
		st.SetR(dst, boxPointer(obj, true))

	case bytecode.OpStruct, bytecode.OpStructSmall:
		typeID := uint32(bytecode.ReadU16(st.code, pc+2))
		numFields := int(st.code[pc+4])
		s, code := vm.Alloc.AllocStruct(typeID, numFields)
		if code != vmerr.SUCCESS {
			st.finish(value.TagNil, code)
			return false
		}
		for i := 0; i < numFields; i++ {
			v := st.R(dst + 1 + byte(i))
			vm.retainValue(v)
			s.Fields[i] = v
		}
		st.SetR(dst, boxPointer(s, false))

	case bytecode.OpTrait:
		implReg := st.code[pc+2]
		vtableIdx := uint32(st.code[pc+3])
		tr, code := vm.Alloc.AllocTrait(st.R(implReg), vtableIdx)
		if code != vmerr.SUCCESS {
			st.finish(value.TagNil, code)
			return false
		}
		vm.retainValue(tr.Impl)
		st.SetR(dst, boxPointer(tr, true))

	case bytecode.OpFuncPtr, bytecode.OpLambda:
		id := bytecode.ReadU16(st.code, pc+2)
		entry := vm.Funcs[id]
		if entry == nil {
			panicFormatted(vm, "undefined function #%d", id)
			return false
		}
		fp, code := vm.Alloc.AllocFuncPtr(entry.Code)
		if code != vmerr.SUCCESS {
			st.finish(value.TagNil, code)
			return false
		}
		st.SetR(dst, boxPointer(fp, false))

	case bytecode.OpFuncUnion:
		src := st.code[pc+2]
		obj := vm.resolve(st.R(src))
		switch fn := obj.(type) {
		case *heap.FuncUnionVal:
			panicStaticMsg(vm, "unsupported func union source")
			return false
		case *heap.FuncPtrVal:
			fu, code := vm.Alloc.AllocFuncUnion(fn.Code, nil)
			if code != vmerr.SUCCESS {
				st.finish(value.TagNil, code)
				return false
			}
			st.SetR(dst, boxPointer(fu, true))
		default:
			panicStaticMsg(vm, "unsupported func union source")
			return false
		}

	case bytecode.OpFuncSym:
		id := bytecode.ReadU16(st.code, pc+2)
		fs, code := vm.Alloc.AllocFuncSym(uint32(id))
		if code != vmerr.SUCCESS {
			st.finish(value.TagNil, code)
			return false
		}
		st.SetR(dst, boxPointer(fs, false))

	case bytecode.OpClosure:
		id := bytecode.ReadU16(st.code, pc+2)
		entry := vm.Funcs[id]
		if entry == nil {
			panicFormatted(vm, "undefined function #%d", id)
			return false
		}
		fu, code := vm.Alloc.AllocFuncUnion(entry.Code, nil)
		if code != vmerr.SUCCESS {
			st.finish(value.TagNil, code)
			return false
		}
		st.SetR(dst, boxPointer(fu, true))

	case bytecode.OpUp:
		src := st.code[pc+2]
		v := st.R(src)
		vm.retainValue(v)
		uv, code := vm.Alloc.AllocUpValue(v)
		if code != vmerr.SUCCESS {
			st.finish(value.TagNil, code)
			return false
		}
		st.SetR(dst, boxPointer(uv, true))
	}
	return true
}

// execAccess implements field/index read-write, including the FieldDyn/
// SetFieldDyn inline-cache install and FieldDynIC/SetFieldDynIC's cache hit
// and deopt-to-generic paths.
func (st *execState) execAccess(op bytecode.OpCode, pc int) bool {
	vm := st.vm

	switch op {
	case bytecode.OpField:
		dst, objReg, idx := st.code[pc+1], st.code[pc+2], st.code[pc+3]
		obj, ok := vm.resolve(st.R(objReg)).(*heap.ObjectVal)
		if !ok {
			panicStaticMsg(vm, "Field: not an object")
			return false
		}
		v := obj.Fields[idx]
		vm.retainValue(v)
		st.SetR(dst, v)

	case bytecode.OpFieldStruct:
		dst, objReg, idx := st.code[pc+1], st.code[pc+2], st.code[pc+3]
		obj, ok := vm.resolve(st.R(objReg)).(*heap.StructVal)
		if !ok {
			panicStaticMsg(vm, "FieldStruct: not a struct")
			return false
		}
		v := obj.Fields[idx]
		vm.retainValue(v)
		st.SetR(dst, v)

	case bytecode.OpFieldDyn:
		dst, objReg := st.code[pc+1], st.code[pc+2]
		sym := bytecode.ReadU16(st.code, pc+3)
		offset, typeID, v, perr := st.lookupFieldDyn(objReg, sym)
		if perr != nil {
			return false
		}
		site := &heap.FieldSite{Resolved: true, CachedTypeID: typeID, Offset: offset}
		st.top().FieldSites[pc] = site
		st.code[pc] = byte(bytecode.OpFieldDynIC)
		vm.retainValue(v)
		st.SetR(dst, v)

	case bytecode.OpFieldDynIC:
		dst, objReg := st.code[pc+1], st.code[pc+2]
		sym := bytecode.ReadU16(st.code, pc+3)
		site := st.top().FieldSites[pc]
		typeID := vm.TypeIDOf(st.R(objReg))
		if site == nil || site.CachedTypeID != typeID {
			st.code[pc] = byte(bytecode.OpFieldDyn)
			_, _, v, perr := st.lookupFieldDyn(objReg, sym)
			if perr != nil {
				return false
			}
			vm.retainValue(v)
			st.SetR(dst, v)
			return true
		}
		obj, ok := vm.resolve(st.R(objReg)).(*heap.ObjectVal)
		if !ok {
			panicStaticMsg(vm, "Field not found in value.")
			return false
		}
		v := obj.Fields[site.Offset]
		vm.retainValue(v)
		st.SetR(dst, v)

	case bytecode.OpSetField:
		objReg, idx, valReg := st.code[pc+1], st.code[pc+2], st.code[pc+3]
		obj, ok := vm.resolve(st.R(objReg)).(*heap.ObjectVal)
		if !ok {
			panicStaticMsg(vm, "SetField: not an object")
			return false
		}
		vm.releaseValue(obj.Fields[idx])
		v := st.R(valReg)
		vm.retainValue(v)
		obj.Fields[idx] = v

	case bytecode.OpSetFieldDyn:
		objReg := st.code[pc+1]
		sym := bytecode.ReadU16(st.code, pc+2)
		valReg := st.code[pc+4]
		offset, typeID, rhsTypeID, boxed, perr := st.lookupSetFieldDyn(objReg, sym, valReg)
		if perr != nil {
			return false
		}
		st.top().SetFieldSites[pc] = &heap.SetFieldSite{Resolved: true, CachedTypeID: typeID, RhsTypeID: rhsTypeID, Offset: offset, Boxed: boxed}
		st.code[pc] = byte(bytecode.OpSetFieldDynIC)

	case bytecode.OpSetFieldDynIC:
		objReg := st.code[pc+1]
		sym := bytecode.ReadU16(st.code, pc+2)
		valReg := st.code[pc+4]
		site := st.top().SetFieldSites[pc]
		typeID := vm.TypeIDOf(st.R(objReg))
		rhsTypeID := vm.TypeIDOf(st.R(valReg))
		if site == nil || site.CachedTypeID != typeID || site.RhsTypeID != rhsTypeID {
			st.code[pc] = byte(bytecode.OpSetFieldDyn)
			_, _, _, _, perr := st.lookupSetFieldDyn(objReg, sym, valReg)
			if perr != nil {
				return false
			}
			return true
		}
		obj, ok := vm.resolve(st.R(objReg)).(*heap.ObjectVal)
		if !ok {
			panicStaticMsg(vm, "Field not found in value.")
			return false
		}
		v := st.R(valReg)
		if site.Boxed {
			vm.releaseValue(obj.Fields[site.Offset])
			vm.retainValue(v)
		} else {
			vm.releaseValue(v)
		}
		obj.Fields[site.Offset] = v

	case bytecode.OpIndexList:
		dst, listReg, idxReg := st.code[pc+1], st.code[pc+2], st.code[pc+3]
		lst, ok := vm.resolve(st.R(listReg)).(*heap.ListVal)
		if !ok {
			panicStaticMsg(vm, "IndexList: not a list")
			return false
		}
		idx := value.AsInt(st.R(idxReg))
		if idx < 0 || idx >= int64(len(lst.Elements)) {
			panicStaticMsg(vm, "Out of bounds.")
			return false
		}
		v := lst.Elements[idx]
		vm.retainValue(v)
		st.SetR(dst, v)

	case bytecode.OpIndexTuple:
		dst, tupReg, idxReg := st.code[pc+1], st.code[pc+2], st.code[pc+3]
		tup, ok := vm.resolve(st.R(tupReg)).(*heap.TupleVal)
		if !ok {
			panicStaticMsg(vm, "IndexTuple: not a tuple")
			return false
		}
		idx := value.AsInt(st.R(idxReg))
		if idx < 0 {
			idx += int64(len(tup.Fields))
		}
		if idx < 0 || idx >= int64(len(tup.Fields)) {
			panicStaticMsg(vm, "Out of bounds.")
			return false
		}
		v := tup.Fields[idx]
		vm.retainValue(v)
		st.SetR(dst, v)

	case bytecode.OpIndexMap:
		dst, mapReg, keyReg := st.code[pc+1], st.code[pc+2], st.code[pc+3]
		m, ok := vm.resolve(st.R(mapReg)).(*heap.MapVal)
		if !ok {
			panicStaticMsg(vm, "IndexMap: not a map")
			return false
		}
		v, found := m.Items[st.R(keyReg)]
		if !found {
			panicStaticMsg(vm, "Field not found in value.")
			return false
		}
		vm.retainValue(v)
		st.SetR(dst, v)

	case bytecode.OpSetIndexList:
		listReg, idxReg, valReg := st.code[pc+1], st.code[pc+2], st.code[pc+3]
		lst, ok := vm.resolve(st.R(listReg)).(*heap.ListVal)
		if !ok {
			panicStaticMsg(vm, "SetIndexList: not a list")
			return false
		}
		idx := value.AsInt(st.R(idxReg))
		if idx < 0 || idx >= int64(len(lst.Elements)) {
			panicStaticMsg(vm, "Out of bounds.")
			return false
		}
		vm.releaseValue(lst.Elements[idx])
		v := st.R(valReg)
		vm.retainValue(v)
		lst.Elements[idx] = v

	case bytecode.OpSetIndexMap:
		mapReg, keyReg, valReg := st.code[pc+1], st.code[pc+2], st.code[pc+3]
		m, ok := vm.resolve(st.R(mapReg)).(*heap.MapVal)
		if !ok {
			panicStaticMsg(vm, "SetIndexMap: not a map")
			return false
		}
		k, v := st.R(keyReg), st.R(valReg)
		if old, found := m.Items[k]; found {
			vm.releaseValue(old)
		} else {
			vm.retainValue(k)
		}
		vm.retainValue(v)
		m.Items[k] = v

	case bytecode.OpSliceList:
		dst, listReg, startReg := st.code[pc+1], st.code[pc+2], st.code[pc+3]
		lst, ok := vm.resolve(st.R(listReg)).(*heap.ListVal)
		if !ok {
			panicStaticMsg(vm, "SliceList: not a list")
			return false
		}
		start := value.AsInt(st.R(startReg))
		if start < 0 || start > int64(len(lst.Elements)) {
			panicStaticMsg(vm, "Out of bounds.")
			return false
		}
		out, code := vm.Alloc.AllocList(len(lst.Elements)-int(start), lst.ElemType)
		if code != vmerr.SUCCESS {
			st.finish(value.TagNil, code)
			return false
		}
		for _, v := range lst.Elements[start:] {
			vm.retainValue(v)
			out.Elements = append(out.Elements, v)
		}
		st.SetR(dst, boxPointer(out, true))

	case bytecode.OpAppendList:
		listReg, valReg := st.code[pc+1], st.code[pc+2]
		lst, ok := vm.resolve(st.R(listReg)).(*heap.ListVal)
		if !ok {
			panicStaticMsg(vm, "AppendList: not a list")
			return false
		}
		v := st.R(valReg)
		vm.retainValue(v)
		lst.Elements = append(lst.Elements, v)
	}
	return true
}

func (st *execState) lookupFieldDyn(objReg byte, sym uint16) (offset int, typeID uint32, v value.Value, perr error) {
	vm := st.vm
	obj, ok := vm.resolve(st.R(objReg)).(*heap.ObjectVal)
	if !ok {
		p := panicStaticMsg(vm, "Field not found in value.")
		return 0, 0, value.TagNil, p
	}
	typeID = obj.TypeID
	name := ""
	if int(sym) < len(vm.Symbols) {
		name = vm.Symbols[sym]
	}
	layout, ok := vm.TypeFields[typeID][name]
	if !ok {
		p := panicFormatted(vm, "no field %q on type #%d", name, typeID)
		return 0, 0, value.TagNil, p
	}
	return layout.Offset, typeID, obj.Fields[layout.Offset], nil
}

// lookupSetFieldDyn resolves a dynamic field assignment site, type-checking
// the right-hand value against the field's declared type (skipped when the
// field is declared Dyn) before writing it.
func (st *execState) lookupSetFieldDyn(objReg byte, sym uint16, valReg byte) (offset int, typeID uint32, rhsTypeID uint32, boxed bool, perr error) {
	vm := st.vm
	obj, ok := vm.resolve(st.R(objReg)).(*heap.ObjectVal)
	if !ok {
		p := panicStaticMsg(vm, "Field not found in value.")
		return 0, 0, 0, false, p
	}
	typeID = obj.TypeID
	name := ""
	if int(sym) < len(vm.Symbols) {
		name = vm.Symbols[sym]
	}
	layout, ok := vm.TypeFields[typeID][name]
	if !ok {
		p := panicFormatted(vm, "no field %q on type #%d", name, typeID)
		return 0, 0, 0, false, p
	}
	v := st.R(valReg)
	rhsTypeID = vm.TypeIDOf(v)
	if layout.FieldTypeID != TypeDyn && !isTypeCompat(rhsTypeID, layout.FieldTypeID) {
		p := panicFormatted(vm, "Assigning to `%s` field with incompatible type `%s`.", vm.typeName(layout.FieldTypeID), vm.typeName(rhsTypeID))
		return 0, 0, 0, false, p
	}
	if layout.Boxed {
		vm.releaseValue(obj.Fields[layout.Offset])
		vm.retainValue(v)
	} else {
		vm.releaseValue(v)
	}
	obj.Fields[layout.Offset] = v
	return layout.Offset, typeID, rhsTypeID, layout.Boxed, nil
}
