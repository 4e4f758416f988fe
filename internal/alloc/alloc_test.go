package alloc

import (
	"testing"

	"sentra/internal/heap"
	"sentra/internal/rc"
	"sentra/internal/value"
	"sentra/internal/vmerr"
)

func newTestAllocator() *Allocator {
	m := rc.NewManager(false, nil)
	return New(m)
}

func TestAllocObjectFieldsStartNil(t *testing.T) {
	a := newTestAllocator()
	obj, code := a.AllocObject(1, 3)
	if code != vmerr.SUCCESS {
		t.Fatalf("code = %s", code)
	}
	if len(obj.Fields) != 3 {
		t.Fatalf("len(Fields) = %d, want 3", len(obj.Fields))
	}
	for i, f := range obj.Fields {
		if f != value.TagNil {
			t.Fatalf("Fields[%d] = %#x, want TagNil", i, uint64(f))
		}
	}
	if !obj.Hdr().Cyclic() {
		t.Fatalf("Object allocations must default to cyclic-eligible")
	}
}

func TestAllocStructNeverCyclic(t *testing.T) {
	a := newTestAllocator()
	s, code := a.AllocStruct(1, 2)
	if code != vmerr.SUCCESS {
		t.Fatalf("code = %s", code)
	}
	if s.Hdr().Cyclic() {
		t.Fatalf("struct header reports cyclic; structs cannot form cycles")
	}
}

// CopyStruct must retain every field it copies so dst and src hold
// independent references into the same shared field objects.
func TestCopyStructRetainsEachField(t *testing.T) {
	a := newTestAllocator()
	inner, _ := a.AllocString("shared")
	src, _ := a.AllocStruct(1, 2)
	src.Fields[0] = value.BoxPointer(heap.Addr(inner), false)
	src.Fields[1] = value.BoxInt(9)

	var retained []value.Value
	dst, code := a.CopyStruct(src, func(v value.Value) { retained = append(retained, v) })
	if code != vmerr.SUCCESS {
		t.Fatalf("code = %s", code)
	}
	if len(retained) != 2 {
		t.Fatalf("retain called %d times, want 2 (once per field)", len(retained))
	}
	if dst.Fields[0] != src.Fields[0] || dst.Fields[1] != src.Fields[1] {
		t.Fatalf("dst fields diverged from src fields")
	}
	if dst == src {
		t.Fatalf("CopyStruct returned the same pointer as src")
	}
}

func TestAllocListStartsEmptyWithCapacityHint(t *testing.T) {
	a := newTestAllocator()
	lst, code := a.AllocList(8, 0)
	if code != vmerr.SUCCESS {
		t.Fatalf("code = %s", code)
	}
	if len(lst.Elements) != 0 {
		t.Fatalf("len(Elements) = %d, want 0", len(lst.Elements))
	}
	if cap(lst.Elements) < 8 {
		t.Fatalf("cap(Elements) = %d, want >= 8", cap(lst.Elements))
	}
}

func TestSetOOMAfterFailsExactlyOnTheNthAllocation(t *testing.T) {
	a := newTestAllocator()
	a.SetOOMAfter(2)

	if _, code := a.AllocString("a"); code != vmerr.SUCCESS {
		t.Fatalf("1st alloc: code = %s, want SUCCESS", code)
	}
	if _, code := a.AllocString("b"); code != vmerr.ALLOC_OOM {
		t.Fatalf("2nd alloc: code = %s, want ALLOC_OOM", code)
	}
	// OOM is a one-shot trigger per SetOOMAfter call, not a permanent wall.
	if _, code := a.AllocString("c"); code != vmerr.SUCCESS {
		t.Fatalf("3rd alloc: code = %s, want SUCCESS", code)
	}
}

func TestStatsTracksPoolVsExternal(t *testing.T) {
	a := newTestAllocator()
	a.AllocStruct(1, 2)  // pool-eligible (<=4 fields)
	a.AllocList(0, 0)    // always external
	a.AllocMap()         // always external
	pool, external := a.Stats()
	if pool != 1 {
		t.Fatalf("pool = %d, want 1", pool)
	}
	if external != 2 {
		t.Fatalf("external = %d, want 2", external)
	}
}

func TestFreeUpdatesStatsForThePathTheObjectWasAllocatedOn(t *testing.T) {
	a := newTestAllocator()
	obj, _ := a.AllocStruct(1, 2)
	if pool, _ := a.Stats(); pool != 1 {
		t.Fatalf("pool = %d, want 1 before Free", pool)
	}
	a.Free(obj)
	if pool, _ := a.Stats(); pool != 0 {
		t.Fatalf("pool = %d, want 0 after Free", pool)
	}
}
