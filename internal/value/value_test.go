package value

import (
	"math"
	"testing"
)

func TestBoxIntRoundTrip(t *testing.T) {
	cases := []int64{0, 1, -1, 42, -42, 1 << 40, -(1 << 40)}
	for _, want := range cases {
		v := BoxInt(want)
		if !IsInt(v) {
			t.Fatalf("BoxInt(%d): IsInt = false", want)
		}
		if got := AsInt(v); got != want {
			t.Fatalf("AsInt(BoxInt(%d)) = %d", want, got)
		}
	}
}

func TestBoxFloatRoundTrip(t *testing.T) {
	cases := []float64{0, 1.5, -1.5, math.Pi, math.Inf(1), math.Inf(-1)}
	for _, want := range cases {
		v := BoxFloat(want)
		if !IsFloat(v) {
			t.Fatalf("BoxFloat(%v): IsFloat = false", want)
		}
		if got := AsFloat(v); got != want {
			t.Fatalf("AsFloat(BoxFloat(%v)) = %v", want, got)
		}
	}
}

// A stray NaN payload must canonicalize rather than collide with a reserved
// tag (nil, bool, int, pointer, symbol, enum all live in the NaN space).
func TestBoxFloatCanonicalizesNaN(t *testing.T) {
	weird := math.Float64frombits(0x7FF8000000000123)
	v := BoxFloat(weird)
	if !IsFloat(v) {
		t.Fatalf("canonicalized NaN stopped being classified as a float")
	}
	if !math.IsNaN(AsFloat(v)) {
		t.Fatalf("canonicalized value is not NaN")
	}
}

func TestTagsAreMutuallyExclusive(t *testing.T) {
	values := map[string]Value{
		"nil":      TagNil,
		"false":    TagFalse,
		"true":     TagTrue,
		"void":     TagVoid,
		"interrupt": TagInterrupt,
		"int":      BoxInt(7),
		"pointer":  BoxPointer(0x1000, false),
		"cyclic":   BoxPointer(0x1000, true),
		"symbol":   BoxSymbol(3),
		"enum":     BoxEnum(5, 2),
	}
	classify := func(v Value) []string {
		var kinds []string
		if IsFloat(v) {
			kinds = append(kinds, "float")
		}
		if IsInt(v) {
			kinds = append(kinds, "int")
		}
		if IsBool(v) {
			kinds = append(kinds, "bool")
		}
		if IsNil(v) {
			kinds = append(kinds, "nil")
		}
		if IsVoid(v) {
			kinds = append(kinds, "void")
		}
		if IsInterrupt(v) {
			kinds = append(kinds, "interrupt")
		}
		if IsSymbol(v) {
			kinds = append(kinds, "symbol")
		}
		if IsEnum(v) {
			kinds = append(kinds, "enum")
		}
		if IsPointer(v) {
			kinds = append(kinds, "pointer")
		}
		return kinds
	}
	for name, v := range values {
		if kinds := classify(v); len(kinds) != 1 {
			t.Fatalf("%s: classified as %v, want exactly one kind", name, kinds)
		}
	}
}

func TestIsFloatRejectsEveryReservedTag(t *testing.T) {
	tagged := []Value{TagNil, TagFalse, TagTrue, TagVoid, TagInterrupt,
		TagPtrNonCyclic, TagPtrCyclic, TagInt, TagSymbol, TagEnum}
	for _, v := range tagged {
		if IsFloat(v) {
			t.Fatalf("IsFloat(%#x) = true, want false (reserved tag)", uint64(v))
		}
	}
}

func TestBoxPointerPreservesCyclicBit(t *testing.T) {
	addr := uintptr(0xDEADBEEF)
	nonCyclic := BoxPointer(addr, false)
	cyclic := BoxPointer(addr, true)

	if !IsPointer(nonCyclic) || IsCyclicPointer(nonCyclic) {
		t.Fatalf("non-cyclic pointer misclassified")
	}
	if !IsPointer(cyclic) || !IsCyclicPointer(cyclic) {
		t.Fatalf("cyclic pointer misclassified")
	}
	if AsPointer(nonCyclic) != addr || AsPointer(cyclic) != addr {
		t.Fatalf("AsPointer did not round-trip the address")
	}
}

func TestBoxEnumRoundTrip(t *testing.T) {
	v := BoxEnum(12, 34)
	if !IsEnum(v) {
		t.Fatalf("IsEnum = false")
	}
	if got := AsEnumVariant(v); got != 34 {
		t.Fatalf("AsEnumVariant = %d, want 34", got)
	}
}

func TestTypeIDOfPrimitives(t *testing.T) {
	tests := []struct {
		name   string
		v      Value
		wantID uint32
	}{
		{"float", BoxFloat(1.0), TypeFloat},
		{"int", BoxInt(1), TypeInt},
		{"bool", BoxBool(true), TypeBool},
		{"nil", TagNil, TypeNil},
		{"void", TagVoid, TypeNil},
		{"symbol", BoxSymbol(1), TypeSymbol},
		{"enum", BoxEnum(1, 1), TypeEnum},
	}
	for _, tt := range tests {
		id, isHeap := TypeIDOf(tt.v)
		if isHeap {
			t.Fatalf("%s: TypeIDOf reported isHeap=true", tt.name)
		}
		if id != tt.wantID {
			t.Fatalf("%s: TypeIDOf = %d, want %d", tt.name, id, tt.wantID)
		}
	}
	if _, isHeap := TypeIDOf(BoxPointer(0x10, false)); !isHeap {
		t.Fatalf("pointer value: TypeIDOf reported isHeap=false")
	}
}
