// Package alloc implements the two allocation paths the heap model uses:
// a pool path for small fixed-shape objects, and an external path for
// everything else. Each entry point returns (object, code)
// so the caller can abort the current instruction on failure without a
// panic/recover detour.
package alloc

import (
	"sentra/internal/heap"
	"sentra/internal/rc"
	"sentra/internal/value"
	"sentra/internal/vmerr"
)

// smallFieldLimit is the inline-field count at or below which Object/Struct
// allocations are eligible for the pool path.
const smallFieldLimit = 4

// Allocator owns both allocation paths plus the stats a host might want
// to inspect. It holds no reference to the VM; every entry point is a
// pure function of its arguments plus these bookkeeping counters.
type Allocator struct {
	Manager      *rc.Manager
	poolUsed     int
	externalUsed int
	oomAfter     int // test hook: the N-th allocation from now fails with ALLOC_OOM; 0 = unlimited
}

func New(m *rc.Manager) *Allocator {
	return &Allocator{Manager: m}
}

// SetOOMAfter arranges for the next n-1 allocations to succeed and the
// n-th to fail with ALLOC_OOM (later ones succeed again), exercising the
// "abort the current instruction" path deterministically in tests.
func (a *Allocator) SetOOMAfter(n int) { a.oomAfter = n }

func (a *Allocator) checkOOM() vmerr.Code {
	if a.oomAfter == 0 {
		return vmerr.SUCCESS
	}
	a.oomAfter--
	if a.oomAfter == 0 {
		return vmerr.ALLOC_OOM
	}
	return vmerr.SUCCESS
}

func (a *Allocator) poolEligible(numFields int) bool {
	return numFields <= smallFieldLimit
}

func (a *Allocator) track(obj heap.Object, pooled bool) {
	if pooled {
		a.poolUsed++
	} else {
		a.externalUsed++
	}
	a.Manager.NoteAlloc(obj)
}

// AllocObject allocates an ordered-field Object, cyclic by default since
// user-defined object types may form cycles.
func (a *Allocator) AllocObject(typeID uint32, numFields int) (*heap.ObjectVal, vmerr.Code) {
	if c := a.checkOOM(); c != vmerr.SUCCESS {
		return nil, c
	}
	obj := &heap.ObjectVal{
		Header: heap.NewHeader(heap.KindObject, true),
		TypeID: typeID,
		Fields: make([]value.Value, numFields),
	}
	for i := range obj.Fields {
		obj.Fields[i] = value.TagNil
	}
	a.track(obj, a.poolEligible(numFields))
	return obj, vmerr.SUCCESS
}

// AllocStruct allocates a by-value struct container. Structs never
// participate in cycles; copy semantics mean no struct can reach itself.
func (a *Allocator) AllocStruct(typeID uint32, numFields int) (*heap.StructVal, vmerr.Code) {
	if c := a.checkOOM(); c != vmerr.SUCCESS {
		return nil, c
	}
	obj := &heap.StructVal{
		Header: heap.NewHeader(heap.KindStruct, false),
		TypeID: typeID,
		Fields: make([]value.Value, numFields),
	}
	a.track(obj, a.poolEligible(numFields))
	return obj, vmerr.SUCCESS
}

// CopyStruct performs a by-value copy: a fresh StructVal with the same
// field values as src, each field retained since dst now holds a second
// reference to it alongside src's.
func (a *Allocator) CopyStruct(src *heap.StructVal, retain func(value.Value)) (*heap.StructVal, vmerr.Code) {
	dst, code := a.AllocStruct(src.TypeID, len(src.Fields))
	if code != vmerr.SUCCESS {
		return nil, code
	}
	for i, f := range src.Fields {
		retain(f)
		dst.Fields[i] = f
	}
	return dst, vmerr.SUCCESS
}

func (a *Allocator) AllocTuple(n int) (*heap.TupleVal, vmerr.Code) {
	if c := a.checkOOM(); c != vmerr.SUCCESS {
		return nil, c
	}
	obj := &heap.TupleVal{Header: heap.NewHeader(heap.KindTuple, true), Fields: make([]value.Value, n)}
	a.track(obj, a.poolEligible(n))
	return obj, vmerr.SUCCESS
}

func (a *Allocator) AllocList(capHint int, elemType uint32) (*heap.ListVal, vmerr.Code) {
	if c := a.checkOOM(); c != vmerr.SUCCESS {
		return nil, c
	}
	obj := &heap.ListVal{Header: heap.NewHeader(heap.KindList, true), Elements: make([]value.Value, 0, capHint), ElemType: elemType}
	a.track(obj, false)
	return obj, vmerr.SUCCESS
}

func (a *Allocator) AllocMap() (*heap.MapVal, vmerr.Code) {
	if c := a.checkOOM(); c != vmerr.SUCCESS {
		return nil, c
	}
	obj := &heap.MapVal{Header: heap.NewHeader(heap.KindMap, true), Items: make(map[value.Value]value.Value)}
	a.track(obj, false)
	return obj, vmerr.SUCCESS
}

func (a *Allocator) AllocString(s string) (*heap.StringVal, vmerr.Code) {
	if c := a.checkOOM(); c != vmerr.SUCCESS {
		return nil, c
	}
	obj := &heap.StringVal{Header: heap.NewHeader(heap.KindString, false), S: s}
	a.track(obj, len(s) <= 32)
	return obj, vmerr.SUCCESS
}

func (a *Allocator) AllocRange(start, end, step int64) (*heap.RangeVal, vmerr.Code) {
	if c := a.checkOOM(); c != vmerr.SUCCESS {
		return nil, c
	}
	obj := &heap.RangeVal{Header: heap.NewHeader(heap.KindRange, false), Start: start, End: end, Step: step}
	a.track(obj, true)
	return obj, vmerr.SUCCESS
}

func (a *Allocator) AllocTrait(impl value.Value, vtableIdx uint32) (*heap.TraitVal, vmerr.Code) {
	if c := a.checkOOM(); c != vmerr.SUCCESS {
		return nil, c
	}
	obj := &heap.TraitVal{Header: heap.NewHeader(heap.KindTrait, true), Impl: impl, VTableIdx: vtableIdx}
	a.track(obj, true)
	return obj, vmerr.SUCCESS
}

func (a *Allocator) AllocFuncPtr(code *heap.CodeObj) (*heap.FuncPtrVal, vmerr.Code) {
	if c := a.checkOOM(); c != vmerr.SUCCESS {
		return nil, c
	}
	obj := &heap.FuncPtrVal{Header: heap.NewHeader(heap.KindFuncPtr, false), Code: code}
	a.track(obj, true)
	return obj, vmerr.SUCCESS
}

func (a *Allocator) AllocFuncUnion(code *heap.CodeObj, closure []value.Value) (*heap.FuncUnionVal, vmerr.Code) {
	if c := a.checkOOM(); c != vmerr.SUCCESS {
		return nil, c
	}
	obj := &heap.FuncUnionVal{Header: heap.NewHeader(heap.KindFuncUnion, true), Code: code, Closure: closure}
	a.track(obj, false)
	return obj, vmerr.SUCCESS
}

func (a *Allocator) AllocFuncSym(symbolID uint32) (*heap.FuncSymVal, vmerr.Code) {
	if c := a.checkOOM(); c != vmerr.SUCCESS {
		return nil, c
	}
	obj := &heap.FuncSymVal{Header: heap.NewHeader(heap.KindFuncSym, false), SymbolID: symbolID}
	a.track(obj, true)
	return obj, vmerr.SUCCESS
}

func (a *Allocator) AllocUpValue(v value.Value) (*heap.UpValueVal, vmerr.Code) {
	if c := a.checkOOM(); c != vmerr.SUCCESS {
		return nil, c
	}
	obj := &heap.UpValueVal{Header: heap.NewHeader(heap.KindUpValue, true), Val: v}
	a.track(obj, true)
	return obj, vmerr.SUCCESS
}

func (a *Allocator) AllocType(typeID uint32, name string) (*heap.TypeVal, vmerr.Code) {
	if c := a.checkOOM(); c != vmerr.SUCCESS {
		return nil, c
	}
	obj := &heap.TypeVal{Header: heap.NewHeader(heap.KindType, false), TypeID: typeID, Name: name}
	a.track(obj, true)
	return obj, vmerr.SUCCESS
}

func (a *Allocator) AllocFiber(fn *heap.CodeObj, stackSize int, isMain bool) (*heap.FiberVal, vmerr.Code) {
	if c := a.checkOOM(); c != vmerr.SUCCESS {
		return nil, c
	}
	obj := &heap.FiberVal{
		Header: heap.NewHeader(heap.KindFiber, true),
		Stack:  heap.NewFiberStack(stackSize),
		Fn:     fn,
		State:  heap.FiberNew,
		IsMain: isMain,
	}
	a.track(obj, false)
	return obj, vmerr.SUCCESS
}

func (a *Allocator) AllocInt(n int64) (*heap.IntVal, vmerr.Code) {
	if c := a.checkOOM(); c != vmerr.SUCCESS {
		return nil, c
	}
	obj := &heap.IntVal{Header: heap.NewHeader(heap.KindInt, false), N: n}
	a.track(obj, true)
	return obj, vmerr.SUCCESS
}

// Free routes destruction to the pool-free or external-free path based on
// the object's shape. Since Go objects are garbage collected once
// unreachable, both paths simply drop the last reference and update
// accounting; the distinction is preserved so the allocator's stats
// reflect the same two populations the pool/external split models.
func (a *Allocator) Free(obj heap.Object) {
	pooled := true
	switch o := obj.(type) {
	case *heap.ObjectVal:
		pooled = a.poolEligible(len(o.Fields))
	case *heap.StructVal:
		pooled = a.poolEligible(len(o.Fields))
	case *heap.TupleVal:
		pooled = a.poolEligible(len(o.Fields))
	case *heap.ListVal, *heap.MapVal, *heap.FuncUnionVal, *heap.FiberVal:
		pooled = false
	case *heap.StringVal:
		pooled = len(o.S) <= 32
	}
	if pooled {
		a.poolUsed--
	} else {
		a.externalUsed--
	}
}

func (a *Allocator) Stats() (pool, external int) { return a.poolUsed, a.externalUsed }
