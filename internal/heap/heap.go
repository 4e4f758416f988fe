// Package heap implements the VM's heap object model: a discriminated
// record whose leading header carries a variant Kind, a cyclic marker bit,
// and a refcount. Every concrete object type embeds Header as its first field
// so a *Header can be reinterpreted as the concrete type once its Kind is
// known, mirroring a C union-with-common-header layout.
package heap

import "unsafe"

type Kind uint32

const (
	KindObject Kind = iota
	KindStruct
	KindTuple
	KindList
	KindMap
	KindString
	KindRange
	KindTrait
	KindFuncPtr
	KindFuncUnion
	KindFuncSym
	KindUpValue
	KindType
	KindExprType
	KindFiber
	KindInt // heap-boxed Int, used when a small int value must be addressed
)

const cyclicBit = uint32(1) << 31

// Header is the common leading word pair of every heap object: a 31-bit
// Kind plus a cyclic marker bit, followed by a 32-bit refcount. The header
// does not hold a user type id; Object and Struct carry theirs in a
// TypeID field of the object body.
type Header struct {
	kindAndCyclic uint32
	RefCount      uint32
}

func NewHeader(kind Kind, cyclic bool) Header {
	h := Header{kindAndCyclic: uint32(kind) & 0x7FFFFFFF, RefCount: 1}
	if cyclic {
		h.kindAndCyclic |= cyclicBit
	}
	return h
}

func (h *Header) Kind() Kind   { return Kind(h.kindAndCyclic &^ cyclicBit) }
func (h *Header) Cyclic() bool { return h.kindAndCyclic&cyclicBit != 0 }

var kindNames = [...]string{
	KindObject: "object", KindStruct: "struct", KindTuple: "tuple",
	KindList: "list", KindMap: "map", KindString: "string",
	KindRange: "range", KindTrait: "trait", KindFuncPtr: "function",
	KindFuncUnion: "function", KindFuncSym: "function", KindUpValue: "upvalue",
	KindType: "type", KindExprType: "exprtype", KindFiber: "fiber",
	KindInt: "int",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return "unknown"
}

// Object is the interface every heap variant satisfies; it exposes the
// embedded Header so generic code (retain/release, the allocator) never
// needs to know the concrete shape.
type Object interface {
	Hdr() *Header
}

// Addr returns the stable address used as the 48-bit pointer payload of a
// Value. It is valid for the lifetime of the object; the object must not
// be moved (Go's GC never moves heap-escaped values referenced by a live
// pointer held elsewhere, and the VM always keeps one such reference via
// the owning Value/registers/fields).
func Addr(o Object) uintptr {
	return uintptr(unsafe.Pointer(o.Hdr()))
}

// HeaderAt reinterprets a raw pointer payload as a *Header without yet
// knowing the concrete kind; every variant embeds Header as its first
// field so this is always safe to read (kind, cyclic bit, refcount).
func HeaderAt(addr uintptr) *Header {
	return (*Header)(unsafe.Pointer(addr))
}

// FromAddr reinterprets a raw header address as the concrete type denoted
// by kind. Callers must pass the kind read from the header at that
// address; this is the Go analogue of reading a tagged union's first
// word before indexing into the right variant.
func FromAddr(addr uintptr, kind Kind) Object {
	hdr := (*Header)(unsafe.Pointer(addr))
	switch kind {
	case KindObject:
		return (*ObjectVal)(unsafe.Pointer(hdr))
	case KindStruct:
		return (*StructVal)(unsafe.Pointer(hdr))
	case KindTuple:
		return (*TupleVal)(unsafe.Pointer(hdr))
	case KindList:
		return (*ListVal)(unsafe.Pointer(hdr))
	case KindMap:
		return (*MapVal)(unsafe.Pointer(hdr))
	case KindString:
		return (*StringVal)(unsafe.Pointer(hdr))
	case KindRange:
		return (*RangeVal)(unsafe.Pointer(hdr))
	case KindTrait:
		return (*TraitVal)(unsafe.Pointer(hdr))
	case KindFuncPtr:
		return (*FuncPtrVal)(unsafe.Pointer(hdr))
	case KindFuncUnion:
		return (*FuncUnionVal)(unsafe.Pointer(hdr))
	case KindFuncSym:
		return (*FuncSymVal)(unsafe.Pointer(hdr))
	case KindUpValue:
		return (*UpValueVal)(unsafe.Pointer(hdr))
	case KindType:
		return (*TypeVal)(unsafe.Pointer(hdr))
	case KindExprType:
		return (*ExprTypeVal)(unsafe.Pointer(hdr))
	case KindFiber:
		return (*FiberVal)(unsafe.Pointer(hdr))
	case KindInt:
		return (*IntVal)(unsafe.Pointer(hdr))
	default:
		panic("heap: unknown kind")
	}
}
