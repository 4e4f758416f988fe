package corevm

import "sentra/internal/vmerr"

// ipow implements integer exponentiation by squaring under a fixed law
// set: ipow(b,0)=1; ipow(b,e)=b*ipow(b,e-1) for e>0; ipow(1,-1)=1;
// ipow(-1,-1)=-1; ipow(b,e)=0 for any other e<0.
func ipow(base, exp int64) int64 {
	if exp == 0 {
		return 1
	}
	if exp < 0 {
		switch {
		case base == 1 && exp == -1:
			return 1
		case base == -1 && exp == -1:
			return -1
		default:
			return 0
		}
	}
	var result int64 = 1
	b := base
	e := exp
	for e > 0 {
		if e&1 == 1 {
			result *= b
		}
		b *= b
		e >>= 1
	}
	return result
}

// shiftLeft / shiftRight implement documented asymmetry:
// BitwiseRightShift tolerates a shift amount of exactly 64 (fully shifted
// out, result 0 for non-negative inputs per two's-complement arithmetic
// shift, -1 for negative inputs); BitwiseLeftShift panics at 64.
// Both panic for negative amounts or amounts > 64.
func shiftLeft(vm *VM, a, b int64) (int64, *vmerr.PanicError) {
	if b < 0 || b > 63 {
		return 0, panicStaticMsg(vm, "Out of bounds.")
	}
	return a << uint(b), nil
}

func shiftRight(vm *VM, a, b int64) (int64, *vmerr.PanicError) {
	if b < 0 || b > 64 {
		return 0, panicStaticMsg(vm, "Out of bounds.")
	}
	if b == 64 {
		if a < 0 {
			return -1, nil
		}
		return 0, nil
	}
	return a >> uint(b), nil
}
