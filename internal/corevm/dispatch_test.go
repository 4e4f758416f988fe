package corevm

import (
	"testing"

	"github.com/kr/pretty"

	"sentra/internal/bytecode"
	"sentra/internal/heap"
	"sentra/internal/value"
	"sentra/internal/vmerr"
)

func mkCode(name string, chunk *bytecode.Chunk, numLocals int) *heap.CodeObj {
	return heap.NewCodeObj(name, chunk.Code, chunk.Constants, numLocals, 0, value.TypeInt)
}

func TestAddIntReturnsSum(t *testing.T) {
	c := bytecode.NewChunk()
	c.Emit(bytecode.OpConstIntV8, 4, 10)
	c.Emit(bytecode.OpConstIntV8, 5, 32)
	c.Emit(bytecode.OpAddInt, 6, 4, 5)
	c.Emit(bytecode.OpRetDyn, 6)

	vm := New()
	got, code := vm.Execute(mkCode("add", c, 8), nil)
	if code != vmerr.SUCCESS {
		t.Fatalf("code = %s, want SUCCESS", code)
	}
	if value.AsInt(got) != 42 {
		t.Fatalf("result = %d, want 42", value.AsInt(got))
	}
}

func TestDivisionByZeroPanics(t *testing.T) {
	c := bytecode.NewChunk()
	c.Emit(bytecode.OpConstIntV8, 4, 10)
	c.Emit(bytecode.OpConstIntV8, 5, 0)
	c.Emit(bytecode.OpDivInt, 6, 4, 5)
	c.Emit(bytecode.OpRetDyn, 6)

	vm := New()
	_, code := vm.Execute(mkCode("div0", c, 8), nil)
	if code != vmerr.PANIC {
		t.Fatalf("code = %s, want PANIC", code)
	}
	if vm.PendingPanic == nil || vm.PendingPanic.Message != "Division by zero." {
		t.Fatalf("pending panic = %#v, want \"Division by zero.\"", vm.PendingPanic)
	}
}

// A Catch pushed before a panicking instruction must redirect control to
// the catch target instead of propagating to the host.
func TestCatchHandlesPanic(t *testing.T) {
	c := bytecode.NewChunk()
	catchOff := c.EmitJump(bytecode.OpCatch, 0)
	c.Emit(bytecode.OpConstIntV8, 4, 10)
	c.Emit(bytecode.OpConstIntV8, 5, 0)
	c.Emit(bytecode.OpDivInt, 6, 4, 5) // panics, unwinds to the Catch above
	c.PatchJump(catchOff)
	c.Emit(bytecode.OpConstIntV8, 6, 99)
	c.Emit(bytecode.OpRetDyn, 6)

	vm := New()
	got, code := vm.Execute(mkCode("catch", c, 8), nil)
	if code != vmerr.SUCCESS {
		t.Fatalf("code = %s, want SUCCESS (%# v)", code, pretty.Formatter(vm.PendingPanic))
	}
	if value.AsInt(got) != 99 {
		t.Fatalf("result = %d, want 99", value.AsInt(got))
	}
}

// Sums 0..4 via ForRangeInit's self-rewrite into ForRange.
func TestForRangeSumsRange(t *testing.T) {
	c := bytecode.NewChunk()
	c.Emit(bytecode.OpConstIntV8, 4, 0) // counter
	c.Emit(bytecode.OpConstIntV8, 5, 5) // end
	c.Emit(bytecode.OpConstIntV8, 6, 1) // step
	c.Emit(bytecode.OpConstIntV8, 8, 0) // sum

	loopStart := len(c.Code)
	forOff := c.EmitJump(bytecode.OpForRangeInit, 4)
	c.Emit(bytecode.OpAddInt, 8, 8, 4)
	backEdge := c.EmitJump(bytecode.OpJump, 0)
	delta := int16(loopStart - (backEdge + 2))
	bytecode.WriteI16(c.Code, backEdge, delta)
	c.PatchJump(forOff)

	c.Emit(bytecode.OpRetDyn, 8)

	vm := New()
	got, code := vm.Execute(mkCode("forrange", c, 10), nil)
	if code != vmerr.SUCCESS {
		t.Fatalf("code = %s, want SUCCESS", code)
	}
	if value.AsInt(got) != 10 {
		t.Fatalf("sum = %d, want 10", value.AsInt(got))
	}
}

// A recursive CallSym past MaxCallDepth reports STACK_OVERFLOW, not PANIC,
// and is not catchable.
func TestStackOverflowIsTerminalNotCatchable(t *testing.T) {
	vm := New()
	vm.MaxCallDepth = 8

	entry := &FuncEntry{}
	sym := vm.DefineFunc("self", entry)

	c := bytecode.NewChunk()
	catchOff := c.EmitJump(bytecode.OpCatch, 0) // should NOT catch the overflow
	c.Emit(bytecode.OpCallSym, 4, uint32(sym), 0)
	c.Emit(bytecode.OpRet0)
	c.PatchJump(catchOff)
	c.Emit(bytecode.OpConstIntV8, 4, 1)
	c.Emit(bytecode.OpRetDyn, 4)

	entry.Code = mkCode("self", c, 8)

	_, code := vm.Execute(entry.Code, nil)
	if code != vmerr.STACK_OVERFLOW {
		t.Fatalf("code = %s, want STACK_OVERFLOW", code)
	}
}

// CallSym specializes to CallFuncIC on its first hit; a second, separate
// CallSym site also runs the callee, and both results are summed.
func TestCallSymSpecializesToIC(t *testing.T) {
	vm := New()
	entry := &FuncEntry{}
	sym := vm.DefineFunc("callee", entry)

	calleeChunk := bytecode.NewChunk()
	calleeChunk.Emit(bytecode.OpConstIntV8, 4, 7)
	calleeChunk.Emit(bytecode.OpRetDyn, 4)
	entry.Code = mkCode("callee", calleeChunk, 8)

	c := bytecode.NewChunk()
	c.Emit(bytecode.OpCallSym, 4, uint32(sym), 0)
	c.Emit(bytecode.OpCopy, 8, 4)
	c.Emit(bytecode.OpCallSym, 4, uint32(sym), 0) // separate site, specializes on its own first hit
	c.Emit(bytecode.OpAddInt, 9, 8, 4)
	c.Emit(bytecode.OpRetDyn, 9)

	caller := mkCode("caller", c, 12)
	got, code := vm.Execute(caller, nil)
	if code != vmerr.SUCCESS {
		t.Fatalf("code = %s, want SUCCESS", code)
	}
	if value.AsInt(got) != 14 {
		t.Fatalf("result = %d, want 14", value.AsInt(got))
	}
	if bytecode.OpCode(caller.Code[0]) != bytecode.OpCallFuncIC {
		t.Fatalf("first call site = %s, want it specialized to CallFuncIC after first hit",
			bytecode.OpCode(caller.Code[0]))
	}
}

// Coyield takes no value operand: it always pushes the boolean false
// sentinel to the resumer, regardless of what the generator last computed.
func TestCoyieldPushesFalseSentinelToResumer(t *testing.T) {
	vm := New()
	genEntry := &FuncEntry{}
	genSym := vm.DefineFunc("gen", genEntry)

	genChunk := bytecode.NewChunk()
	genChunk.Emit(bytecode.OpConstIntV8, 4, 7)
	genChunk.Emit(bytecode.OpCoyield)
	genChunk.Emit(bytecode.OpRetDyn, 4)
	genEntry.Code = mkCode("gen", genChunk, 8)

	c := bytecode.NewChunk()
	c.Emit(bytecode.OpFuncPtr, 4, uint32(genSym))
	c.Emit(bytecode.OpCoinit, 6, 4, 0)
	c.Emit(bytecode.OpCoresume, 7, 6) // r7 <- false (yield sentinel)
	c.Emit(bytecode.OpRetDyn, 7)

	main := mkCode("main", c, 12)
	got, code := vm.Execute(main, nil)
	if code != vmerr.SUCCESS {
		t.Fatalf("code = %s, want SUCCESS (%# v)", code, pretty.Formatter(vm.PendingPanic))
	}
	if got != value.TagFalse {
		t.Fatalf("yielded value = %#x, want TagFalse", uint64(got))
	}
}

// Coresume/Coyield/Coreturn round trip: the main fiber resumes a generator
// past its yield point, then resumes again to collect its return value.
func TestFiberYieldThenReturn(t *testing.T) {
	vm := New()
	genEntry := &FuncEntry{}
	genSym := vm.DefineFunc("gen", genEntry)

	genChunk := bytecode.NewChunk()
	genChunk.Emit(bytecode.OpCoyield)
	genChunk.Emit(bytecode.OpConstIntV8, 4, 99)
	genChunk.Emit(bytecode.OpCoreturn, 4)
	genEntry.Code = mkCode("gen", genChunk, 8)

	c := bytecode.NewChunk()
	c.Emit(bytecode.OpFuncPtr, 4, uint32(genSym))
	c.Emit(bytecode.OpCoinit, 6, 4, 0)
	c.Emit(bytecode.OpCoresume, 7, 6) // r7 <- false (yielded sentinel, discarded)
	c.Emit(bytecode.OpCoresume, 8, 6) // r8 <- 99 (returned)
	c.Emit(bytecode.OpRetDyn, 8)

	main := mkCode("main", c, 12)
	got, code := vm.Execute(main, nil)
	if code != vmerr.SUCCESS {
		t.Fatalf("code = %s, want SUCCESS (%# v)", code, pretty.Formatter(vm.PendingPanic))
	}
	if value.AsInt(got) != 99 {
		t.Fatalf("result = %d, want 99", value.AsInt(got))
	}
}

func TestListIndexOutOfBoundsPanics(t *testing.T) {
	c := bytecode.NewChunk()
	c.Emit(bytecode.OpListDyn, 4, 0) // empty list at r4
	c.Emit(bytecode.OpConstIntV8, 5, 0)
	c.Emit(bytecode.OpIndexList, 6, 4, 5)
	c.Emit(bytecode.OpRetDyn, 6)

	vm := New()
	_, code := vm.Execute(mkCode("idx", c, 8), nil)
	if code != vmerr.PANIC {
		t.Fatalf("code = %s, want PANIC", code)
	}
	if vm.PendingPanic == nil || vm.PendingPanic.Message != "Out of bounds." {
		t.Fatalf("pending panic = %#v, want \"Out of bounds.\"", vm.PendingPanic)
	}
}

// Unlike IndexTuple, IndexList never wraps a negative index: it is always
// Out of bounds.
func TestIndexListNegativeDoesNotWrap(t *testing.T) {
	c := bytecode.NewChunk()
	c.Emit(bytecode.OpListDyn, 4, 0) // empty list
	c.Emit(bytecode.OpConstIntV8, 9, 42)
	c.Emit(bytecode.OpAppendList, 4, 9)
	c.Emit(bytecode.OpConstIntV8, 5, uint32(uint8(int8(-1))))
	c.Emit(bytecode.OpIndexList, 6, 4, 5)
	c.Emit(bytecode.OpRetDyn, 6)

	vm := New()
	_, code := vm.Execute(mkCode("idxneg", c, 8), nil)
	if code != vmerr.PANIC {
		t.Fatalf("code = %s, want PANIC", code)
	}
	if vm.PendingPanic == nil || vm.PendingPanic.Message != "Out of bounds." {
		t.Fatalf("pending panic = %#v, want \"Out of bounds.\"", vm.PendingPanic)
	}
}

func TestTypeCheckPanicsOnIncompatibleType(t *testing.T) {
	c := bytecode.NewChunk()
	c.Emit(bytecode.OpConstIntV8, 4, 7)
	c.Emit(bytecode.OpTypeCheck, 4, value.TypeFloat, 5)
	c.Emit(bytecode.OpRetDyn, 5)

	vm := New()
	_, code := vm.Execute(mkCode("tc", c, 8), nil)
	if code != vmerr.PANIC {
		t.Fatalf("code = %s, want PANIC", code)
	}
	if vm.PendingPanic == nil || vm.PendingPanic.Message != "Expected type `float`, found `int`." {
		t.Fatalf("pending panic = %#v, want the expected/found type-mismatch message", vm.PendingPanic)
	}
}

// On a compatible type, TypeCheck writes the checked value through to dst
// rather than a boolean, so it can be chained as an ordinary value-producing
// instruction.
func TestTypeCheckPassesValueThroughOnMatch(t *testing.T) {
	c := bytecode.NewChunk()
	c.Emit(bytecode.OpConstIntV8, 4, 7)
	c.Emit(bytecode.OpTypeCheck, 4, value.TypeInt, 5)
	c.Emit(bytecode.OpRetDyn, 5)

	vm := New()
	got, code := vm.Execute(mkCode("tc", c, 8), nil)
	if code != vmerr.SUCCESS {
		t.Fatalf("code = %s, want SUCCESS", code)
	}
	if value.AsInt(got) != 7 {
		t.Fatalf("result = %d, want 7", value.AsInt(got))
	}
}

func TestSetFieldDynPassesTypeCheckOnMatch(t *testing.T) {
	vm := New()
	sym := vm.Intern("n")
	typeID := vm.RegisterType("Point")
	vm.DefineFields(typeID, map[string]FieldLayout{"n": {Offset: 0, FieldTypeID: value.TypeInt}})

	c := bytecode.NewChunk()
	c.Emit(bytecode.OpConstIntV8, 5, 7)
	c.Emit(bytecode.OpObject, 4, uint32(typeID), 1)
	c.Emit(bytecode.OpConstIntV8, 6, 9)
	c.Emit(bytecode.OpSetFieldDyn, 4, uint32(sym), 6)
	c.Emit(bytecode.OpFieldDyn, 7, 4, uint32(sym))
	c.Emit(bytecode.OpRetDyn, 7)

	got, code := vm.Execute(mkCode("setfield", c, 8), nil)
	if code != vmerr.SUCCESS {
		t.Fatalf("code = %s, want SUCCESS", code)
	}
	if value.AsInt(got) != 9 {
		t.Fatalf("result = %d, want 9", value.AsInt(got))
	}
}

// A dynamic field assignment whose right-hand value doesn't satisfy the
// field's declared type panics instead of silently storing the mismatched
// value, mirroring TypeCheck's contract.
func TestSetFieldDynPanicsOnIncompatibleFieldType(t *testing.T) {
	vm := New()
	sym := vm.Intern("n")
	typeID := vm.RegisterType("Point")
	vm.DefineFields(typeID, map[string]FieldLayout{"n": {Offset: 0, FieldTypeID: value.TypeInt}})

	c := bytecode.NewChunk()
	c.Emit(bytecode.OpConstIntV8, 5, 7)
	c.Emit(bytecode.OpObject, 4, uint32(typeID), 1)
	fidx := c.AddConst(value.BoxFloat(3.14))
	c.Emit(bytecode.OpConst, 6, uint32(fidx))
	c.Emit(bytecode.OpSetFieldDyn, 4, uint32(sym), 6)
	c.Emit(bytecode.OpRetDyn, 4)

	_, code := vm.Execute(mkCode("setfield_bad", c, 8), nil)
	if code != vmerr.PANIC {
		t.Fatalf("code = %s, want PANIC", code)
	}
	if vm.PendingPanic == nil || vm.PendingPanic.Message != "Assigning to `int` field with incompatible type `float`." {
		t.Fatalf("pending panic = %#v, want the incompatible-field-type message", vm.PendingPanic)
	}
}

// An unresolved SetFieldDynIC site (never installed by a prior SetFieldDyn
// at that pc) must fall back to the full type-checked write instead of
// reading a zero-value cache entry.
func TestSetFieldDynICFallsBackWhenSiteUnresolved(t *testing.T) {
	vm := New()
	sym := vm.Intern("n")
	typeID := vm.RegisterType("Dynamic")
	vm.DefineFields(typeID, map[string]FieldLayout{"n": {Offset: 0, FieldTypeID: TypeDyn}})

	c := bytecode.NewChunk()
	c.Emit(bytecode.OpConstIntV8, 5, 1)
	c.Emit(bytecode.OpObject, 4, uint32(typeID), 1)
	c.Emit(bytecode.OpConstIntV8, 6, 9)
	c.Emit(bytecode.OpSetFieldDyn, 4, uint32(sym), 6)
	fidx := c.AddConst(value.BoxFloat(2.5))
	c.Emit(bytecode.OpConst, 6, uint32(fidx))
	c.Emit(bytecode.OpSetFieldDynIC, 4, uint32(sym), 6)
	c.Emit(bytecode.OpFieldDyn, 7, 4, uint32(sym))
	c.Emit(bytecode.OpRetDyn, 7)

	got, code := vm.Execute(mkCode("setfield_ic", c, 8), nil)
	if code != vmerr.SUCCESS {
		t.Fatalf("code = %s, want SUCCESS", code)
	}
	if value.AsFloat(got) != 2.5 {
		t.Fatalf("result = %v, want 2.5", got)
	}
}
