package corevm

import (
	"fmt"
	"strconv"

	"sentra/internal/heap"
	"sentra/internal/value"
)

func (vm *VM) retainValue(v value.Value) {
	if !value.IsPointer(v) {
		return
	}
	vm.RC.RetainObject(vm.resolve(v))
}

func (vm *VM) releaseValue(v value.Value) {
	if !value.IsPointer(v) {
		return
	}
	vm.RC.ReleaseObject(vm.resolve(v))
}

func (vm *VM) resolveFiber(v value.Value) *heap.FiberVal {
	obj := vm.resolve(v)
	f, ok := obj.(*heap.FiberVal)
	if !ok {
		panic("corevm: value is not a fiber")
	}
	return f
}

// truthy implements the VM's single notion of "true-ish" used by
// JumpCond/JumpNotCond: only VALUE_FALSE and VALUE_NIL are falsy, treating
// booleans as a distinct primitive rather than zero/non-zero.
func truthy(v value.Value) bool {
	return v != value.TagFalse && v != value.TagNil
}

// valuesIdentical implements the fast identity path Compare/CompareNot
// short-circuits on: raw bit equality covers floats, ints, bools,
// symbols, enums and pointer identity in one comparison.
func valuesIdentical(a, b value.Value) bool { return a == b }

// valuesEqual implements deep structural equality for Compare/CompareNot
// once identity has been ruled out: heap aggregates compare element-wise.
func (vm *VM) valuesEqual(a, b value.Value) bool {
	if valuesIdentical(a, b) {
		return true
	}
	if value.IsFloat(a) && value.IsFloat(b) {
		return value.AsFloat(a) == value.AsFloat(b)
	}
	if !value.IsPointer(a) || !value.IsPointer(b) {
		return false
	}
	oa, ob := vm.resolve(a), vm.resolve(b)
	switch x := oa.(type) {
	case *heap.StringVal:
		y, ok := ob.(*heap.StringVal)
		return ok && x.S == y.S
	case *heap.TupleVal:
		y, ok := ob.(*heap.TupleVal)
		if !ok || len(x.Fields) != len(y.Fields) {
			return false
		}
		for i := range x.Fields {
			if !vm.valuesEqual(x.Fields[i], y.Fields[i]) {
				return false
			}
		}
		return true
	case *heap.ListVal:
		y, ok := ob.(*heap.ListVal)
		if !ok || len(x.Elements) != len(y.Elements) {
			return false
		}
		for i := range x.Elements {
			if !vm.valuesEqual(x.Elements[i], y.Elements[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// displayString renders a Value for StringTemplate/panic-message formatting.
func (vm *VM) displayString(v value.Value) string {
	switch {
	case value.IsFloat(v):
		return strconv.FormatFloat(value.AsFloat(v), 'g', -1, 64)
	case value.IsInt(v):
		return strconv.FormatInt(value.AsInt(v), 10)
	case value.IsBool(v):
		return strconv.FormatBool(value.AsBool(v))
	case value.IsNil(v):
		return "none"
	case value.IsVoid(v):
		return "void"
	case value.IsSymbol(v):
		id := value.AsSymbol(v)
		if int(id) < len(vm.Symbols) {
			return vm.Symbols[id]
		}
		return fmt.Sprintf("symbol#%d", id)
	case value.IsEnum(v):
		return fmt.Sprintf("enum(%d,%d)", value.AsEnumType(v), value.AsEnumVariant(v))
	case value.IsPointer(v):
		obj := vm.resolve(v)
		switch o := obj.(type) {
		case *heap.StringVal:
			return o.S
		case *heap.IntVal:
			return strconv.FormatInt(o.N, 10)
		case *heap.ListVal:
			s := "["
			for i, e := range o.Elements {
				if i > 0 {
					s += ", "
				}
				s += vm.displayString(e)
			}
			return s + "]"
		case *heap.TupleVal:
			s := "("
			for i, e := range o.Fields {
				if i > 0 {
					s += ", "
				}
				s += vm.displayString(e)
			}
			return s + ")"
		default:
			return fmt.Sprintf("<%T>", o)
		}
	default:
		return "?"
	}
}
