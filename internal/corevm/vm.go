// Package corevm implements the bytecode execution core: value/object
// model glue, reference counting, instruction dispatch, the call
// protocol and its inline caches, fibers, and panic propagation.
package corevm

import (
	"fmt"

	"sentra/internal/alloc"
	"sentra/internal/bytecode"
	"sentra/internal/heap"
	"sentra/internal/rc"
	"sentra/internal/value"
	"sentra/internal/vmerr"
)

// NativeFunc is a host-provided function. Returning a non-nil *PanicError
// is the Go analogue of a native callee returning VALUE_INTERRUPT
//: the interpreter treats it as "return panic code"
// immediately.
type NativeFunc func(vm *VM, fiber *heap.FiberVal, args []value.Value) (value.Value, *vmerr.PanicError)

type FuncEntry struct {
	Name   string
	Code   *heap.CodeObj
	Native NativeFunc
	Arity  int
}

type FieldLayout struct {
	Offset      int
	Boxed       bool
	FieldTypeID uint32
}

type methodKey struct {
	TypeID uint32
	Symbol uint16
}

// TypeInfo is the minimal type-registry entry TypeCheck/Cast/CastAbstract
// consult; the real type checker lives in the compiler (out of scope,
// ) and is expected to have already proven most casts succeed,
// leaving the VM only the runtime spot-checks lists.
type TypeInfo struct {
	ID   uint32
	Name string
}

// TypeAny is the reserved type id meaning "unconstrained"; CastAbstract
// succeeds only when its 16-bit operand names this sentinel and panics for
// any other id.
const TypeAny uint32 = 0xFFFF

// TypeDyn marks a field whose declared type skips the SetFieldDyn RHS
// type check entirely (an untyped/dynamic field).
const TypeDyn uint32 = 0xFFFE

// VM is the sole mutable execution context; every interpreter function
// takes it explicitly rather than relying on ambient state.
type VM struct {
	Alloc *alloc.Allocator
	RC    *rc.Manager

	Globals     map[string]value.Value
	Symbols     []string
	SymbolIndex map[string]uint16
	Funcs       map[uint16]*FuncEntry
	Methods     map[methodKey]*FuncEntry
	TypeFields  map[uint32]map[string]FieldLayout
	Types       map[uint32]*TypeInfo
	nextTypeID  uint32

	MainFiber *heap.FiberVal
	Cur       *heap.FiberVal

	Printer      func(string)
	Trace        bool
	TraceHook    func(fn *heap.CodeObj, pc int, op bytecode.OpCode)
	MaxCallDepth int
	StackSize    int

	Awaiter func(vm *VM, v value.Value) (result value.Value, isAwait bool)

	// PendingPanic carries the payload between a panic-raising helper and
	// the dispatch loop's check immediately after calling it.
	PendingPanic *vmerr.PanicError
}

func New() *VM {
	vm := &VM{
		Globals:      make(map[string]value.Value),
		SymbolIndex:  make(map[string]uint16),
		Funcs:        make(map[uint16]*FuncEntry),
		Methods:      make(map[methodKey]*FuncEntry),
		TypeFields:   make(map[uint32]map[string]FieldLayout),
		Types:        make(map[uint32]*TypeInfo),
		nextTypeID:   value.TypeHeapBase + uint32(heap.KindInt) + 1,
		Printer:      func(string) {},
		MaxCallDepth: 2000,
		StackSize:    1 << 16,
	}
	vm.RC = rc.NewManager(false, func(obj heap.Object) { vm.Alloc.Free(obj) })
	vm.Alloc = alloc.New(vm.RC)

	main := &heap.FiberVal{
		Header: heap.NewHeader(heap.KindFiber, false),
		ID:     "main",
		Stack:  heap.NewFiberStack(vm.StackSize),
		State:  heap.FiberRunning,
		IsMain: true,
	}
	vm.MainFiber = main
	vm.Cur = main
	return vm
}

// SetRefcountTracing toggles the optional global double-free/dangling
// detector.
func (vm *VM) SetRefcountTracing(enabled bool) { vm.RC.Tracer.Enabled = enabled }

// Intern registers name in the symbol table if new and returns its id.
func (vm *VM) Intern(name string) uint16 {
	if id, ok := vm.SymbolIndex[name]; ok {
		return id
	}
	id := uint16(len(vm.Symbols))
	vm.Symbols = append(vm.Symbols, name)
	vm.SymbolIndex[name] = id
	return id
}

// RegisterType allocates a fresh user type id (struct/object/enum/trait
// definitions), distinct from the fixed primitive and heap-kind ids.
func (vm *VM) RegisterType(name string) uint32 {
	id := vm.nextTypeID
	vm.nextTypeID++
	vm.Types[id] = &TypeInfo{ID: id, Name: name}
	return id
}

func (vm *VM) DefineFields(typeID uint32, fields map[string]FieldLayout) {
	vm.TypeFields[typeID] = fields
}

func (vm *VM) DefineFunc(name string, entry *FuncEntry) uint16 {
	id := vm.Intern(name)
	entry.Name = name
	vm.Funcs[id] = entry
	return id
}

func (vm *VM) DefineMethod(typeID uint32, name string, entry *FuncEntry) {
	id := vm.Intern(name)
	entry.Name = name
	vm.Methods[methodKey{TypeID: typeID, Symbol: id}] = entry
}

// BuiltinHeapTypeID maps a heap.Kind to the fixed type id every instance
// of that kind reports from type_id_of when it carries no user type id
// of its own (lists, maps, strings, tuples, ranges, traits, functions,
// upvalues, fibers, boxed ints).
func BuiltinHeapTypeID(k heap.Kind) uint32 { return value.TypeHeapBase + uint32(k) }

// TypeIDOf implements type_id_of: primitive tag decoding,
// else the object header's type id (user type for Object/Struct, the
// fixed heap-kind id otherwise).
func (vm *VM) TypeIDOf(v value.Value) uint32 {
	if id, isHeap := value.TypeIDOf(v); !isHeap {
		return id
	}
	obj := vm.resolve(v)
	switch o := obj.(type) {
	case *heap.ObjectVal:
		return o.TypeID
	case *heap.StructVal:
		return o.TypeID
	default:
		return BuiltinHeapTypeID(obj.Hdr().Kind())
	}
}

// isTypeCompat reports whether actual satisfies a constraint of want:
// exact match, or want left unconstrained via TypeAny/TypeDyn.
func isTypeCompat(actual, want uint32) bool {
	return actual == want || want == TypeAny || want == TypeDyn
}

// typeName resolves a type id to a human-readable name for panic messages:
// user types from the registry, fixed names for primitives and heap kinds,
// otherwise a numeric fallback.
func (vm *VM) typeName(id uint32) string {
	switch id {
	case value.TypeFloat:
		return "float"
	case value.TypeInt:
		return "int"
	case value.TypeBool:
		return "bool"
	case value.TypeNil:
		return "nil"
	case value.TypeVoid:
		return "void"
	case value.TypeSymbol:
		return "symbol"
	case value.TypeEnum:
		return "enum"
	case value.TypeTagLiteral:
		return "tag"
	}
	if info, ok := vm.Types[id]; ok {
		return info.Name
	}
	if id >= value.TypeHeapBase {
		return heap.Kind(id - value.TypeHeapBase).String()
	}
	return fmt.Sprintf("type#%d", id)
}

// resolve dereferences a pointer Value to its concrete heap.Object.
func (vm *VM) resolve(v value.Value) heap.Object {
	addr := value.AsPointer(v)
	hdr := heap.HeaderAt(addr)
	return heap.FromAddr(addr, hdr.Kind())
}

func boxPointer(obj heap.Object, cyclic bool) value.Value {
	return value.BoxPointer(heap.Addr(obj), cyclic)
}
