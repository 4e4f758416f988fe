// Package rc implements retain/release reference counting over heap
// objects, with optional global tracking and double-free/dangling
// detection.
package rc

import (
	"fmt"
	"sync/atomic"

	"sentra/internal/heap"
	"sentra/internal/value"
)

// Tracer is the optional global bookkeeping hook. When Enabled, every
// retain/release is checked against it; a VM with Tracer.Enabled == false
// pays no cost beyond the header increment/decrement.
type Tracer struct {
	Enabled    bool
	liveCount  int64
	totalRetain int64
	totalRelease int64
	freed      map[uintptr]bool
}

func NewTracer(enabled bool) *Tracer {
	return &Tracer{Enabled: enabled, freed: make(map[uintptr]bool)}
}

func (t *Tracer) LiveCount() int64 { return atomic.LoadInt64(&t.liveCount) }

func (t *Tracer) onAlloc(addr uintptr) {
	if t == nil || !t.Enabled {
		return
	}
	atomic.AddInt64(&t.liveCount, 1)
	delete(t.freed, addr)
}

func (t *Tracer) onRetain(addr uintptr) error {
	if t == nil || !t.Enabled {
		return nil
	}
	atomic.AddInt64(&t.totalRetain, 1)
	if t.freed[addr] {
		return fmt.Errorf("rc: retain of dangling object at %#x", addr)
	}
	return nil
}

func (t *Tracer) onRelease(addr uintptr, freed bool) error {
	if t == nil || !t.Enabled {
		return nil
	}
	atomic.AddInt64(&t.totalRelease, 1)
	if t.freed[addr] {
		return fmt.Errorf("rc: double free of object at %#x", addr)
	}
	if freed {
		t.freed[addr] = true
		atomic.AddInt64(&t.liveCount, -1)
	}
	return nil
}

// FreeFunc destroys an object once its refcount has reached zero. The VM
// supplies one that routes to pool-free or external-free based on the
// object's allocation path.
type FreeFunc func(obj heap.Object)

// Manager ties a Tracer to the free callback the VM's allocator installs,
// so retain/release stays a pure function of (tracer, free): the only
// primitives the interpreter calls to manage object lifetime.
type Manager struct {
	Tracer *Tracer
	Free   FreeFunc
}

func NewManager(traceEnabled bool, free FreeFunc) *Manager {
	return &Manager{Tracer: NewTracer(traceEnabled), Free: free}
}

func (m *Manager) NoteAlloc(obj heap.Object) {
	m.Tracer.onAlloc(heap.Addr(obj))
}

// Retain increments a pointer Value's header refcount. Non-pointer values
// are no-ops, matching .
func (m *Manager) Retain(v value.Value, obj heap.Object) error {
	if !value.IsPointer(v) {
		return nil
	}
	hdr := obj.Hdr()
	hdr.RefCount++
	return m.Tracer.onRetain(heap.Addr(obj))
}

// RetainObject is the fast path used when the caller already resolved the
// pointer to a concrete object and knows it's a heap reference.
func (m *Manager) RetainObject(obj heap.Object) error {
	hdr := obj.Hdr()
	hdr.RefCount++
	return m.Tracer.onRetain(heap.Addr(obj))
}

// Release decrements a pointer Value's header refcount, freeing the
// object when it reaches zero.
func (m *Manager) Release(v value.Value, obj heap.Object) error {
	if !value.IsPointer(v) {
		return nil
	}
	return m.ReleaseObject(obj)
}

// ReleaseObject is the fast path for releaseObject(obj).
func (m *Manager) ReleaseObject(obj heap.Object) error {
	hdr := obj.Hdr()
	if hdr.RefCount == 0 {
		return m.Tracer.onRelease(heap.Addr(obj), false)
	}
	hdr.RefCount--
	freed := hdr.RefCount == 0
	if freed && m.Free != nil {
		m.Free(obj)
	}
	return m.Tracer.onRelease(heap.Addr(obj), freed)
}
