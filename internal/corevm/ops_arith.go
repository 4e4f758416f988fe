package corevm

import (
	"math"

	"sentra/internal/bytecode"
	"sentra/internal/value"
)

// execArith implements the typed arithmetic/bitwise/comparison opcodes
//: every op reads its fixed {dst,a,b} or {dst,a} register
// shape, computes, and writes dst in place. Returns false once a panic
// helper has stashed vm.PendingPanic (div/mod-by-zero, shift out of range).
func (st *execState) execArith(op bytecode.OpCode, pc int) bool {
	vm := st.vm
	dst := st.code[pc+1]

	switch op {
	case bytecode.OpAddFloat, bytecode.OpSubFloat, bytecode.OpMulFloat, bytecode.OpDivFloat,
		bytecode.OpPowFloat, bytecode.OpModFloat:
		a := value.AsFloat(st.R(st.code[pc+2]))
		b := value.AsFloat(st.R(st.code[pc+3]))
		var r float64
		switch op {
		case bytecode.OpAddFloat:
			r = a + b
		case bytecode.OpSubFloat:
			r = a - b
		case bytecode.OpMulFloat:
			r = a * b
		case bytecode.OpDivFloat:
			r = a / b
		case bytecode.OpPowFloat:
			r = fpow(a, b)
		case bytecode.OpModFloat:
			r = ffmod(a, b)
		}
		st.SetR(dst, value.BoxFloat(r))
		return true

	case bytecode.OpNegFloat:
		a := value.AsFloat(st.R(st.code[pc+2]))
		st.SetR(dst, value.BoxFloat(-a))
		return true

	case bytecode.OpAddInt, bytecode.OpSubInt, bytecode.OpMulInt, bytecode.OpDivInt,
		bytecode.OpPowInt, bytecode.OpModInt:
		a := value.AsInt(st.R(st.code[pc+2]))
		b := value.AsInt(st.R(st.code[pc+3]))
		switch op {
		case bytecode.OpAddInt:
			st.SetR(dst, value.BoxInt(a+b))
		case bytecode.OpSubInt:
			st.SetR(dst, value.BoxInt(a-b))
		case bytecode.OpMulInt:
			st.SetR(dst, value.BoxInt(a*b))
		case bytecode.OpDivInt:
			if b == 0 {
				panicStaticMsg(vm, "Division by zero.")
				return false
			}
			st.SetR(dst, value.BoxInt(a/b))
		case bytecode.OpModInt:
			if b == 0 {
				panicStaticMsg(vm, "Division by zero.")
				return false
			}
			st.SetR(dst, value.BoxInt(a%b))
		case bytecode.OpPowInt:
			st.SetR(dst, value.BoxInt(ipow(a, b)))
		}
		return true

	case bytecode.OpNegInt:
		a := value.AsInt(st.R(st.code[pc+2]))
		st.SetR(dst, value.BoxInt(-a))
		return true

	case bytecode.OpBitwiseAnd, bytecode.OpBitwiseOr, bytecode.OpBitwiseXor:
		a := value.AsInt(st.R(st.code[pc+2]))
		b := value.AsInt(st.R(st.code[pc+3]))
		var r int64
		switch op {
		case bytecode.OpBitwiseAnd:
			r = a & b
		case bytecode.OpBitwiseOr:
			r = a | b
		case bytecode.OpBitwiseXor:
			r = a ^ b
		}
		st.SetR(dst, value.BoxInt(r))
		return true

	case bytecode.OpBitwiseNot:
		a := value.AsInt(st.R(st.code[pc+2]))
		st.SetR(dst, value.BoxInt(^a))
		return true

	case bytecode.OpBitwiseLeftShift:
		a := value.AsInt(st.R(st.code[pc+2]))
		b := value.AsInt(st.R(st.code[pc+3]))
		r, perr := shiftLeft(vm, a, b)
		if perr != nil {
			return false
		}
		st.SetR(dst, value.BoxInt(r))
		return true

	case bytecode.OpBitwiseRightShift:
		a := value.AsInt(st.R(st.code[pc+2]))
		b := value.AsInt(st.R(st.code[pc+3]))
		r, perr := shiftRight(vm, a, b)
		if perr != nil {
			return false
		}
		st.SetR(dst, value.BoxInt(r))
		return true

	case bytecode.OpLessFloat, bytecode.OpGreaterFloat, bytecode.OpLessEqualFloat, bytecode.OpGreaterEqualFloat:
		a := value.AsFloat(st.R(st.code[pc+2]))
		b := value.AsFloat(st.R(st.code[pc+3]))
		var r bool
		switch op {
		case bytecode.OpLessFloat:
			r = a < b
		case bytecode.OpGreaterFloat:
			r = a > b
		case bytecode.OpLessEqualFloat:
			r = a <= b
		case bytecode.OpGreaterEqualFloat:
			r = a >= b
		}
		st.SetR(dst, value.BoxBool(r))
		return true

	case bytecode.OpLessInt, bytecode.OpGreaterInt, bytecode.OpLessEqualInt, bytecode.OpGreaterEqualInt:
		a := value.AsInt(st.R(st.code[pc+2]))
		b := value.AsInt(st.R(st.code[pc+3]))
		var r bool
		switch op {
		case bytecode.OpLessInt:
			r = a < b
		case bytecode.OpGreaterInt:
			r = a > b
		case bytecode.OpLessEqualInt:
			r = a <= b
		case bytecode.OpGreaterEqualInt:
			r = a >= b
		}
		st.SetR(dst, value.BoxBool(r))
		return true

	case bytecode.OpCompare, bytecode.OpCompareNot:
		a := st.R(st.code[pc+2])
		b := st.R(st.code[pc+3])
		eq := valuesIdentical(a, b) || vm.valuesEqual(a, b)
		if op == bytecode.OpCompareNot {
			eq = !eq
		}
		st.SetR(dst, value.BoxBool(eq))
		return true

	case bytecode.OpNot:
		a := st.R(st.code[pc+2])
		st.SetR(dst, value.BoxBool(!truthy(a)))
		return true
	}
	return true
}

func fpow(a, b float64) float64 { return math.Pow(a, b) }

func ffmod(a, b float64) float64 { return math.Mod(a, b) }

// execForRange implements ForRangeInit's self-rewrite into ForRange or
// ForRangeReverse: the first visit decides direction and
// flips the opcode byte at its own pc; later visits (reached via the
// loop's back-edge jump to this same pc) run the specialized increment.
func (st *execState) execForRange(op bytecode.OpCode, pc int) {
	base := st.code[pc+1]
	off := bytecode.ReadI16(st.code, pc+2)
	length := op.Len()
	exitPC := pc + length + int(off)

	counter := value.AsInt(st.R(base))
	end := value.AsInt(st.R(base + 1))
	step := value.AsInt(st.R(base + 2))

	switch op {
	case bytecode.OpForRangeInit:
		empty := (step >= 0 && counter >= end) || (step < 0 && counter <= end)
		if empty {
			st.pc = exitPC
			return
		}
		if step >= 0 {
			st.code[pc] = byte(bytecode.OpForRange)
		} else {
			st.code[pc] = byte(bytecode.OpForRangeReverse)
		}
		st.pc = pc + length
	case bytecode.OpForRange:
		counter += step
		st.SetR(base, value.BoxInt(counter))
		if counter < end {
			st.pc = pc + length
		} else {
			st.pc = exitPC
		}
	case bytecode.OpForRangeReverse:
		counter += step
		st.SetR(base, value.BoxInt(counter))
		if counter > end {
			st.pc = pc + length
		} else {
			st.pc = exitPC
		}
	}
}
